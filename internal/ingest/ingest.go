// Package ingest is the agent-facing HTTP surface. Every mutating route is
// signed: the agent keccak-hashes a canonical encoding of the request and
// signs it with the secp256k1 key of the client address its machine is
// registered under. Handlers rebuild the digest from the parsed body, so a
// request that verifies is exactly the request the agent signed.
package ingest

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ivy-net/ivynet-backend/internal/signature"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// Request headers carrying the signature envelope.
const (
	HeaderSignature = "X-Ivy-Signature"
	HeaderMachineID = "X-Ivy-Machine-Id"
	HeaderTimestamp = "X-Ivy-Timestamp"
)

// Store is the persistence surface the ingest handlers write through.
type Store interface {
	GetAccountByEmail(ctx context.Context, email string) (models.Account, error)
	UpsertClient(ctx context.Context, clientID string, organizationID int64) error
	RegisterMachine(ctx context.Context, machineID uuid.UUID, name, clientID string) error
	ReplaceMetrics(ctx context.Context, machineID uuid.UUID, nodeName string, samples []models.MetricSample) error
	UpsertNode(ctx context.Context, machineID uuid.UUID, data models.NodeData) error
	SaveMachineFacts(ctx context.Context, facts models.MachineFacts) error
	RenameNode(ctx context.Context, machineID uuid.UUID, oldName, newName string) error
	DeleteNode(ctx context.Context, machineID uuid.UUID, name string) error
	ListNodeTypes(ctx context.Context) ([]string, error)
}

// LogSink receives scraped log lines for the columnar store.
type LogSink interface {
	InsertNodeLogs(ctx context.Context, records []models.NodeLogRecord) error
	InsertClientLogs(ctx context.Context, records []models.ClientLogRecord) error
}

// Beats records liveness watermarks. The heartbeat monitor satisfies it.
type Beats interface {
	ObserveClient(ctx context.Context, clientID string, at time.Time) error
	ObserveMachine(ctx context.Context, machineID uuid.UUID, at time.Time) error
	ObserveNode(ctx context.Context, machineID uuid.UUID, nodeName string, at time.Time) error
}

// Toucher schedules a rule re-evaluation after a write. The rule driver
// satisfies it.
type Toucher interface {
	Touch(machineID uuid.UUID)
}

// Classifier resolves image digests to node types. The version matcher
// satisfies it with its cached catalog.
type Classifier interface {
	ResolveDigest(ctx context.Context, digest string) (models.VersionDigest, error)
}

type Handlers struct {
	store      Store
	logs       LogSink
	verifier   *signature.Verifier
	beats      Beats
	rules      Toucher
	classifier Classifier
	logger     *logrus.Logger
}

func NewHandlers(store Store, logs LogSink, verifier *signature.Verifier, beats Beats, rules Toucher, classifier Classifier, logger *logrus.Logger) *Handlers {
	return &Handlers{
		store:      store,
		logs:       logs,
		verifier:   verifier,
		beats:      beats,
		rules:      rules,
		classifier: classifier,
		logger:     logger,
	}
}

// RegisterRoutes mounts the agent API under /v1.
func (h *Handlers) RegisterRoutes(router *gin.Engine, inflightCap int) {
	v1 := router.Group("/v1")
	v1.GET("/node-types", h.NodeTypes)

	signed := v1.Group("", InflightLimiter(inflightCap))
	signed.POST("/register", h.Register)
	signed.POST("/metrics", h.Metrics)
	signed.POST("/node-data", h.NodeData)
	signed.POST("/node-data-v1", h.NodeDataV1)
	signed.POST("/machine-data", h.MachineData)
	signed.POST("/logs", h.NodeLogs)
	signed.POST("/client-logs", h.ClientLogs)
	signed.POST("/node-type-queries", h.NodeTypeQueries)
	signed.POST("/name-change", h.NameChange)
	signed.POST("/delete-node", h.DeleteNode)
	signed.POST("/heartbeat/client", h.ClientHeartbeat)
	signed.POST("/heartbeat/machine", h.MachineHeartbeat)
	signed.POST("/heartbeat/node", h.NodeHeartbeat)
}

// signedRequest is the envelope parsed from the signature headers.
type signedRequest struct {
	MachineID uuid.UUID
	Signature string
	At        time.Time
}

// parseSigned pulls the signature envelope out of the headers. It writes a
// 400 and returns false when the envelope is missing or malformed.
func parseSigned(c *gin.Context) (signedRequest, bool) {
	machineID, err := uuid.Parse(c.GetHeader(HeaderMachineID))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing or invalid machine id header"})
		return signedRequest{}, false
	}

	sig := c.GetHeader(HeaderSignature)
	if sig == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing signature header"})
		return signedRequest{}, false
	}

	unix, err := strconv.ParseInt(c.GetHeader(HeaderTimestamp), 10, 64)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing or invalid timestamp header"})
		return signedRequest{}, false
	}

	return signedRequest{
		MachineID: machineID,
		Signature: sig,
		At:        time.Unix(unix, 0).UTC(),
	}, true
}

// verify authenticates the request against the rebuilt digest and maps
// verification failures to HTTP statuses. It returns the owning client
// address on success.
func (h *Handlers) verify(c *gin.Context, req signedRequest, digest [32]byte) (string, bool) {
	clientID, err := h.verifier.VerifyMachine(c.Request.Context(), req.MachineID, digest, req.Signature, req.At)
	switch {
	case err == nil:
		return clientID, true
	case errors.Is(err, signature.ErrUnknownMachine):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown machine"})
	case errors.Is(err, signature.ErrMalformedSignature),
		errors.Is(err, signature.ErrSignerMismatch),
		errors.Is(err, signature.ErrStaleTimestamp):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).WithField("machine_id", req.MachineID).Error("Signature verification failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
	return "", false
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *Handlers) internalError(c *gin.Context, err error, msg string) {
	h.logger.WithError(err).Error(msg)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// observe refreshes the client and machine watermarks after any
// authenticated report. An agent that talks to us is alive even if its
// explicit heartbeat is late.
func (h *Handlers) observe(ctx context.Context, clientID string, machineID uuid.UUID, at time.Time) {
	if err := h.beats.ObserveClient(ctx, clientID, at); err != nil {
		h.logger.WithError(err).WithField("client_id", clientID).Warn("Failed to record client watermark")
	}
	if err := h.beats.ObserveMachine(ctx, machineID, at); err != nil {
		h.logger.WithError(err).WithField("machine_id", machineID).Warn("Failed to record machine watermark")
	}
}
