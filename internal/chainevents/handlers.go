// Package chainevents is the scanner-facing HTTP surface. The chain scanner
// is a trusted internal service authenticated with a bearer token; it pushes
// batches of on-chain events and resumes from the cursor this API reports.
package chainevents

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ivy-net/ivynet-backend/internal/store"
	"github.com/ivy-net/ivynet-backend/pkg/middleware"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

// Store is the persistence surface the event handlers write through.
type Store interface {
	ApplyActiveSetEvent(ctx context.Context, ev models.ActiveSetEvent) (bool, error)
	UpsertEigenAvsMetadata(ctx context.Context, meta models.EigenAvsMetadata) (store.MetadataOutcome, error)
	SaveScannerCursor(ctx context.Context, chain string, blockNumber uint64) error
	GetScannerCursor(ctx context.Context, chain string) (uint64, error)
	MachinesByOperator(ctx context.Context, operatorAddress, chain string) ([]uuid.UUID, error)
	OrganizationsByAvs(ctx context.Context, avsAddress, chain string) ([]int64, error)
}

// Alerter raises organization-scope AVS alerts. The alert manager satisfies
// it.
type Alerter interface {
	Activate(ctx context.Context, organizationID int64, machineID uuid.UUID, alert models.Alert) (bool, error)
}

// Toucher schedules rule re-evaluation for machines affected by an event.
type Toucher interface {
	Touch(machineID uuid.UUID)
}

type Handlers struct {
	store   Store
	alerter Alerter
	rules   Toucher
	logger  *logrus.Logger
}

func NewHandlers(st Store, alerter Alerter, rules Toucher, logger *logrus.Logger) *Handlers {
	return &Handlers{store: st, alerter: alerter, rules: rules, logger: logger}
}

// RegisterRoutes mounts the scanner API under /v1, gated by the service
// token.
func (h *Handlers) RegisterRoutes(router *gin.Engine, serviceToken string) {
	v1 := router.Group("/v1", middleware.ServiceAuthMiddleware(serviceToken))
	v1.GET("/latest-block", h.LatestBlock)
	v1.POST("/registration-events", h.RegistrationEvents)
	v1.POST("/metadata-uri-events", h.MetadataURIEvents)
}

// LatestBlock reports the resume cursor for a chain. Zero means the chain
// was never scanned and the scanner starts from its configured genesis.
func (h *Handlers) LatestBlock(c *gin.Context) {
	chain := c.Query("chain")
	if chain == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "chain query parameter is required"})
		return
	}

	block, err := h.store.GetScannerCursor(c.Request.Context(), chain)
	if err != nil {
		h.logger.WithError(err).Error("Failed to read scanner cursor")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, models.LatestBlock{Chain: chain, BlockNumber: block})
}

type registrationEventsRequest struct {
	Events []models.ActiveSetEvent `json:"events" binding:"required"`
}

// RegistrationEvents applies a batch of operator registration changes. Stale
// and replayed events are dropped by the monotone write, so the scanner can
// re-deliver a block range safely. The cursor advances to the highest block
// in the batch regardless of how many events applied.
func (h *Handlers) RegistrationEvents(c *gin.Context) {
	var body registrationEventsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	applied := 0
	touched := map[uuid.UUID]bool{}
	cursors := map[string]uint64{}

	for _, ev := range body.Events {
		if ev.AvsAddress == "" || ev.OperatorAddress == "" || ev.Chain == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "event missing avs, operator or chain"})
			return
		}

		ok, err := h.store.ApplyActiveSetEvent(ctx, ev)
		if err != nil {
			h.logger.WithError(err).Error("Failed to apply registration event")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if ev.BlockNumber > cursors[ev.Chain] {
			cursors[ev.Chain] = ev.BlockNumber
		}
		if !ok {
			continue
		}
		applied++

		machines, err := h.store.MachinesByOperator(ctx, ev.OperatorAddress, ev.Chain)
		if err != nil {
			h.logger.WithError(err).WithField("operator", ev.OperatorAddress).Warn("Failed to resolve machines for operator")
			continue
		}
		for _, id := range machines {
			if !touched[id] {
				touched[id] = true
				h.rules.Touch(id)
			}
		}
	}

	for chain, block := range cursors {
		if err := h.store.SaveScannerCursor(ctx, chain, block); err != nil {
			h.logger.WithError(err).WithField("chain", chain).Error("Failed to advance scanner cursor")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"received": len(body.Events), "applied": applied})
}

type metadataEventsRequest struct {
	Events []models.MetadataURIEvent `json:"events" binding:"required"`
}

// MetadataURIEvents records AVS metadata announcements and fans the
// NewEigenAvs / UpdatedEigenAvs alerts out to the tenants running operators
// registered with that AVS.
func (h *Handlers) MetadataURIEvents(c *gin.Context) {
	var body metadataEventsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	applied := 0

	for _, ev := range body.Events {
		if ev.AvsAddress == "" || ev.Chain == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "event missing avs or chain"})
			return
		}

		outcome, err := h.store.UpsertEigenAvsMetadata(ctx, models.EigenAvsMetadata{
			AvsAddress:  ev.AvsAddress,
			Chain:       ev.Chain,
			BlockNumber: ev.BlockNumber,
			LogIndex:    ev.LogIndex,
			MetadataURI: ev.MetadataURI,
			Metadata:    ev.Metadata,
		})
		if err != nil {
			h.logger.WithError(err).Error("Failed to upsert avs metadata")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if outcome == store.MetadataUnchanged {
			continue
		}
		applied++

		kind := models.KindUpdatedEigenAvs
		if outcome == store.MetadataInserted {
			kind = models.KindNewEigenAvs
		}
		h.fanOut(ctx, ev, kind)
	}

	c.JSON(http.StatusOK, gin.H{"received": len(body.Events), "applied": applied})
}

// fanOut raises one organization-scope alert per affected tenant. Alert
// failures are logged and skipped; the event itself is already durable.
func (h *Handlers) fanOut(ctx context.Context, ev models.MetadataURIEvent, kind models.AlertKind) {
	orgs, err := h.store.OrganizationsByAvs(ctx, ev.AvsAddress, ev.Chain)
	if err != nil {
		h.logger.WithError(err).WithField("avs", ev.AvsAddress).Error("Failed to resolve tenants for avs")
		return
	}

	alert := models.Alert{
		Kind:        kind,
		AvsAddress:  ev.AvsAddress,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex,
		MetadataURI: ev.MetadataURI,
		Name:        ev.Metadata.Name,
		Description: ev.Metadata.Description,
		Website:     ev.Metadata.Website,
		Logo:        ev.Metadata.Logo,
		Twitter:     ev.Metadata.Twitter,
	}
	for _, orgID := range orgs {
		if _, err := h.alerter.Activate(ctx, orgID, uuid.Nil, alert); err != nil {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"organization_id": orgID,
				"avs":             ev.AvsAddress,
			}).Error("Failed to raise avs metadata alert")
		}
	}
}
