package ingest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ivy-net/ivynet-backend/internal/signature"
	"github.com/ivy-net/ivynet-backend/internal/store"
	"github.com/ivy-net/ivynet-backend/pkg/auth"
	"github.com/ivy-net/ivynet-backend/pkg/models"
)

type registerRequest struct {
	Email       string `json:"email" binding:"required"`
	Password    string `json:"password" binding:"required"`
	MachineName string `json:"machine_name" binding:"required"`
}

// Register binds a new machine to the account's organization. The request is
// doubly authenticated: the account credentials prove the tenant, and the
// signature proves the agent holds the key for the client address being
// bound. No owner exists yet, so the signer is recovered directly instead of
// going through VerifyMachine.
func (h *Handlers) Register(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}
	var body registerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.verifier.CheckTimestamp(req.At); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	digest := signature.RegisterDigest(req.MachineID, body.MachineName, req.At)
	signer, err := signature.Recover(digest, req.Signature)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	account, err := h.store.GetAccountByEmail(ctx, body.Email)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !auth.CheckPassword(body.Password, account.PasswordHash)) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		h.internalError(c, err, "Failed to load account")
		return
	}

	if err := h.store.UpsertClient(ctx, signer, account.OrganizationID); err != nil {
		h.internalError(c, err, "Failed to upsert client")
		return
	}
	if err := h.store.RegisterMachine(ctx, req.MachineID, body.MachineName, signer); err != nil {
		h.internalError(c, err, "Failed to register machine")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"machine_id":      req.MachineID,
		"client_id":       signer,
		"organization_id": account.OrganizationID,
	}).Info("Machine registered")

	c.JSON(http.StatusOK, gin.H{
		"machine_id":      req.MachineID,
		"client_id":       signer,
		"organization_id": account.OrganizationID,
	})
}

type metricsRequest struct {
	NodeName string                `json:"node_name" binding:"required"`
	Metrics  []models.MetricSample `json:"metrics"`
}

// Metrics replaces the metric set for one node.
func (h *Handlers) Metrics(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}
	var body metricsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	digest := signature.MetricsDigest(req.MachineID, body.NodeName, body.Metrics, req.At)
	clientID, ok := h.verify(c, req, digest)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.store.ReplaceMetrics(ctx, req.MachineID, body.NodeName, body.Metrics); err != nil {
		h.internalError(c, err, "Failed to store metrics")
		return
	}

	h.observe(ctx, clientID, req.MachineID, req.At)
	if err := h.beats.ObserveNode(ctx, req.MachineID, body.NodeName, req.At); err != nil {
		h.logger.WithError(err).Warn("Failed to record node watermark")
	}
	h.rules.Touch(req.MachineID)

	c.JSON(http.StatusOK, gin.H{"accepted": len(body.Metrics)})
}

// NodeData upserts a node from the full self-description report.
func (h *Handlers) NodeData(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}
	var body models.NodeData
	if err := c.ShouldBindJSON(&body); err != nil || body.Name == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "node name is required"})
		return
	}

	digest := signature.NodeDataDigest(req.MachineID, body, req.At)
	clientID, ok := h.verify(c, req, digest)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.store.UpsertNode(ctx, req.MachineID, body); err != nil {
		h.internalError(c, err, "Failed to upsert node")
		return
	}

	h.observe(ctx, clientID, req.MachineID, req.At)
	h.rules.Touch(req.MachineID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type nodeDataV1Request struct {
	Name    string `json:"name" binding:"required"`
	Version string `json:"version"`
}

// NodeDataV1 upserts a node from the legacy report shape. Fields the legacy
// agent cannot know are left untouched on existing rows.
func (h *Handlers) NodeDataV1(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}
	var body nodeDataV1Request
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	digest := signature.NodeDataV1Digest(req.MachineID, body.Name, body.Version, req.At)
	clientID, ok := h.verify(c, req, digest)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	data := models.NodeData{Name: body.Name, Version: body.Version}
	if err := h.store.UpsertNode(ctx, req.MachineID, data); err != nil {
		h.internalError(c, err, "Failed to upsert node")
		return
	}

	h.observe(ctx, clientID, req.MachineID, req.At)
	h.rules.Touch(req.MachineID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type machineDataRequest struct {
	IvynetVersion   string             `json:"ivynet_version"`
	UptimeSeconds   uint64             `json:"uptime_seconds"`
	CPUCores        uint64             `json:"cpu_cores"`
	CPUModel        string             `json:"cpu_model"`
	CPUUsagePercent float64            `json:"cpu_usage_percent"`
	MemoryTotalGB   float64            `json:"memory_total_gb"`
	MemoryFreeGB    float64            `json:"memory_free_gb"`
	DiskTotalGB     float64            `json:"disk_total_gb"`
	DiskFreeGB      float64            `json:"disk_free_gb"`
	Disks           []models.DiskFacts `json:"disks"`
	OS              string             `json:"os"`
	KernelVersion   string             `json:"kernel_version"`
	Arch            string             `json:"arch"`
}

// MachineData replaces the hardware inventory for a machine.
func (h *Handlers) MachineData(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}
	var body machineDataRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	facts := models.MachineFacts{
		MachineID:       req.MachineID,
		IvynetVersion:   body.IvynetVersion,
		UptimeSeconds:   body.UptimeSeconds,
		CPUCores:        body.CPUCores,
		CPUModel:        body.CPUModel,
		CPUUsagePercent: body.CPUUsagePercent,
		MemoryTotalGB:   body.MemoryTotalGB,
		MemoryFreeGB:    body.MemoryFreeGB,
		DiskTotalGB:     body.DiskTotalGB,
		DiskFreeGB:      body.DiskFreeGB,
		Disks:           body.Disks,
		OS:              body.OS,
		KernelVersion:   body.KernelVersion,
		Arch:            body.Arch,
	}

	digest := signature.MachineDataDigest(req.MachineID, facts, req.At)
	clientID, ok := h.verify(c, req, digest)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.store.SaveMachineFacts(ctx, facts); err != nil {
		h.internalError(c, err, "Failed to store machine facts")
		return
	}

	h.observe(ctx, clientID, req.MachineID, req.At)
	h.rules.Touch(req.MachineID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type nodeLogsRequest struct {
	NodeName string   `json:"node_name" binding:"required"`
	Lines    []string `json:"lines"`
}

// NodeLogs scrapes severity out of raw node log lines and appends them to
// the columnar store.
func (h *Handlers) NodeLogs(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}
	var body nodeLogsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	digest := signature.LogsDigest(req.MachineID, body.NodeName, body.Lines, req.At)
	clientID, ok := h.verify(c, req, digest)
	if !ok {
		return
	}

	records := make([]models.NodeLogRecord, 0, len(body.Lines))
	for _, line := range body.Lines {
		records = append(records, models.NodeLogRecord{
			MachineID: req.MachineID,
			NodeName:  body.NodeName,
			Level:     string(models.ScrapeLogLevel(line)),
			Line:      line,
			CreatedAt: req.At,
		})
	}

	ctx := c.Request.Context()
	if err := h.logs.InsertNodeLogs(ctx, records); err != nil {
		h.internalError(c, err, "Failed to store node logs")
		return
	}

	h.observe(ctx, clientID, req.MachineID, req.At)
	if err := h.beats.ObserveNode(ctx, req.MachineID, body.NodeName, req.At); err != nil {
		h.logger.WithError(err).Warn("Failed to record node watermark")
	}
	c.JSON(http.StatusOK, gin.H{"accepted": len(records)})
}

type clientLogsRequest struct {
	Lines []string `json:"lines"`
}

// ClientLogs appends agent log lines attributed to the verified client.
func (h *Handlers) ClientLogs(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}
	var body clientLogsRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	digest := signature.ClientLogsDigest(req.MachineID, body.Lines, req.At)
	clientID, ok := h.verify(c, req, digest)
	if !ok {
		return
	}

	records := make([]models.ClientLogRecord, 0, len(body.Lines))
	for _, line := range body.Lines {
		records = append(records, models.ClientLogRecord{
			ClientID:  clientID,
			MachineID: req.MachineID,
			Level:     string(models.ScrapeLogLevel(line)),
			Line:      line,
			CreatedAt: req.At,
		})
	}

	ctx := c.Request.Context()
	if err := h.logs.InsertClientLogs(ctx, records); err != nil {
		h.internalError(c, err, "Failed to store client logs")
		return
	}

	h.observe(ctx, clientID, req.MachineID, req.At)
	c.JSON(http.StatusOK, gin.H{"accepted": len(records)})
}

type nodeTypeQueriesRequest struct {
	Queries []models.NodeTypeQuery `json:"queries" binding:"required"`
}

// NodeTypeQueries classifies discovered containers by image digest. Digests
// the catalog has never seen come back as "unknown"; a missing catalog entry
// is not an error.
func (h *Handlers) NodeTypeQueries(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}
	var body nodeTypeQueriesRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	digest := signature.NodeTypeQueriesDigest(req.MachineID, body.Queries, req.At)
	if _, ok := h.verify(c, req, digest); !ok {
		return
	}

	ctx := c.Request.Context()
	answers := make([]models.NodeTypeAnswer, 0, len(body.Queries))
	for _, q := range body.Queries {
		answer := models.NodeTypeAnswer{ContainerName: q.ContainerName, NodeType: models.NodeTypeUnknown}
		v, err := h.classifier.ResolveDigest(ctx, q.ImageDigest)
		switch {
		case err == nil:
			answer.NodeType = v.NodeType
		case errors.Is(err, store.ErrNotFound):
		default:
			h.internalError(c, err, "Failed to classify container")
			return
		}
		answers = append(answers, answer)
	}

	c.JSON(http.StatusOK, gin.H{"answers": answers})
}

type nameChangeRequest struct {
	OldName string `json:"old_name" binding:"required"`
	NewName string `json:"new_name" binding:"required"`
}

// NameChange renames a node, carrying its metrics and watermark along.
func (h *Handlers) NameChange(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}
	var body nameChangeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	digest := signature.NameChangeDigest(req.MachineID, body.OldName, body.NewName, req.At)
	if _, ok := h.verify(c, req, digest); !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.store.RenameNode(ctx, req.MachineID, body.OldName, body.NewName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown node"})
			return
		}
		h.internalError(c, err, "Failed to rename node")
		return
	}

	h.rules.Touch(req.MachineID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type deleteNodeRequest struct {
	NodeName string `json:"node_name" binding:"required"`
}

// DeleteNode removes a node and its telemetry.
func (h *Handlers) DeleteNode(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}
	var body deleteNodeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	digest := signature.DeleteNodeDigest(req.MachineID, body.NodeName, req.At)
	if _, ok := h.verify(c, req, digest); !ok {
		return
	}

	ctx := c.Request.Context()
	if err := h.store.DeleteNode(ctx, req.MachineID, body.NodeName); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown node"})
			return
		}
		h.internalError(c, err, "Failed to delete node")
		return
	}

	h.rules.Touch(req.MachineID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ClientHeartbeat refreshes the client-tier watermark. The key is the
// verified client address, so the body is empty.
func (h *Handlers) ClientHeartbeat(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}

	digest := signature.HeartbeatDigest(req.MachineID, models.TierClient, "", req.At)
	clientID, ok := h.verify(c, req, digest)
	if !ok {
		return
	}

	if err := h.beats.ObserveClient(c.Request.Context(), clientID, req.At); err != nil {
		h.internalError(c, err, "Failed to record client heartbeat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// MachineHeartbeat refreshes the machine-tier watermark.
func (h *Handlers) MachineHeartbeat(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}

	digest := signature.HeartbeatDigest(req.MachineID, models.TierMachine, "", req.At)
	if _, ok := h.verify(c, req, digest); !ok {
		return
	}

	if err := h.beats.ObserveMachine(c.Request.Context(), req.MachineID, req.At); err != nil {
		h.internalError(c, err, "Failed to record machine heartbeat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type nodeHeartbeatRequest struct {
	NodeName string `json:"node_name" binding:"required"`
}

// NodeHeartbeat refreshes the node-tier watermark.
func (h *Handlers) NodeHeartbeat(c *gin.Context) {
	req, ok := parseSigned(c)
	if !ok {
		return
	}
	var body nodeHeartbeatRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}

	digest := signature.HeartbeatDigest(req.MachineID, models.TierNode, body.NodeName, req.At)
	if _, ok := h.verify(c, req, digest); !ok {
		return
	}

	if err := h.beats.ObserveNode(c.Request.Context(), req.MachineID, body.NodeName, req.At); err != nil {
		h.internalError(c, err, "Failed to record node heartbeat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// NodeTypes lists the node types known to the version catalog. Read-only and
// unsigned; agents use it to label nodes consistently.
func (h *Handlers) NodeTypes(c *gin.Context) {
	types, err := h.store.ListNodeTypes(c.Request.Context())
	if err != nil {
		h.internalError(c, err, "Failed to list node types")
		return
	}
	if types == nil {
		types = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"node_types": types})
}
