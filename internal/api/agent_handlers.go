package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/decoynest/sentinel-engine/internal/ingest"
	"github.com/decoynest/sentinel-engine/pkg/models"
)

// writeIngestError maps pipeline failures for agent callers: validation is
// 400, anything past validation that still failed means the raw event never
// became durable, which is 503 so the agent retries.
func writeIngestError(c *gin.Context, err error) {
	if errors.Is(err, ingest.ErrInvalidInput) {
		abortError(c, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	abortError(c, http.StatusServiceUnavailable, "storage_unavailable", "event could not be persisted, retry later")
}

// handleAgentRegister is the agent's first call after installation: it
// proves the credential, flips the node active and records host metadata.
// Idempotent; re-running the installer is harmless.
func (h *APIHandler) handleAgentRegister(c *gin.Context) {
	var req struct {
		NodeID     string `json:"node_id" binding:"required"`
		NodeAPIKey string `json:"node_api_key" binding:"required"`
		Hostname   string `json:"hostname"`
		OS         string `json:"os"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_input", "node_id and node_api_key are required")
		return
	}

	node, ok := h.verifyNode(c, req.NodeID, req.NodeAPIKey)
	if !ok {
		return
	}

	if err := h.store.RegisterAgent(c.Request.Context(), node.ID, req.Hostname, req.OS, time.Now().UTC()); err != nil {
		writeStoreError(c, err)
		return
	}
	log.Printf("[API] Agent registered on %s (%s, %s)", node.ID, req.Hostname, req.OS)

	if h.wsHub != nil && node.Status != models.NodeStatusActive {
		node.Status = models.NodeStatusActive
		h.wsHub.PublishNodeStatus(node.UserID, node)
	}

	c.JSON(http.StatusOK, gin.H{"status": "registered", "node_id": node.ID, "name": node.Name})
}

// handleAgentHeartbeat bumps last-seen. Nothing else; agents call this every
// few minutes.
func (h *APIHandler) handleAgentHeartbeat(c *gin.Context) {
	var req struct {
		NodeID     string `json:"node_id" binding:"required"`
		NodeAPIKey string `json:"node_api_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_input", "node_id and node_api_key are required")
		return
	}

	node, ok := h.verifyNode(c, req.NodeID, req.NodeAPIKey)
	if !ok {
		return
	}
	if err := h.store.TouchNode(c.Request.Context(), node.ID, time.Now().UTC()); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleRegisterDecoys batch-announces the decoys an agent deployed. Existing
// (node, name) rows are left untouched — registration never bumps trigger
// counters. Invalid entries are skipped rather than failing the batch.
func (h *APIHandler) handleRegisterDecoys(c *gin.Context) {
	node := callerNode(c)

	var entries []struct {
		FileName string `json:"file_name"`
		FilePath string `json:"file_path"`
		Type     string `json:"type"`
	}
	if err := c.ShouldBindJSON(&entries); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_input", "body must be a JSON array of decoy entries")
		return
	}

	registered := 0
	for _, e := range entries {
		if e.FileName == "" {
			continue
		}
		kind := e.Type
		if kind == "" {
			kind = models.DecoyKindHoneytoken
		}
		created, err := h.store.RegisterDecoy(c.Request.Context(), &models.Decoy{
			ID:       uuid.NewString(),
			NodeID:   node.ID,
			Name:     e.FileName,
			FilePath: e.FilePath,
			Kind:     kind,
			Status:   models.DecoyStatusActive,
		})
		if err != nil {
			log.Printf("[API] Decoy registration failed for %s/%s: %v", node.ID, e.FileName, err)
			continue
		}
		if created {
			registered++
		}
	}

	log.Printf("[API] %d decoys registered on %s", registered, node.ID)
	c.JSON(http.StatusOK, gin.H{"registered": registered})
}

// handleHoneypotLog ingests one honeypot service observation.
func (h *APIHandler) handleHoneypotLog(c *gin.Context) {
	node := callerNode(c)

	var req struct {
		Service   string         `json:"service"`
		SourceIP  string         `json:"source_ip"`
		Activity  string         `json:"activity"`
		Payload   string         `json:"payload"`
		Extra     map[string]any `json:"extra"`
		Timestamp time.Time      `json:"timestamp"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_input", "malformed honeypot log body")
		return
	}

	result, err := h.pipeline.IngestHoneypotLog(c.Request.Context(), node, ingest.HoneypotLogInput{
		Service:   req.Service,
		SourceIP:  req.SourceIP,
		Activity:  req.Activity,
		Payload:   req.Payload,
		Extra:     req.Extra,
		Timestamp: req.Timestamp,
	})
	if err != nil {
		writeIngestError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"log_id":        result.EventID,
		"ml_prediction": result.Verdict,
		"alert_created": result.AlertCreated,
	})
}

// handleAgentEvent ingests one endpoint agent event, typically a honeytoken
// access.
func (h *APIHandler) handleAgentEvent(c *gin.Context) {
	node := callerNode(c)

	var req struct {
		Hostname     string    `json:"hostname"`
		Username     string    `json:"username"`
		FileAccessed string    `json:"file_accessed"`
		FilePath     string    `json:"file_path"`
		Action       string    `json:"action"`
		Severity     string    `json:"severity"`
		AlertType    string    `json:"alert_type"`
		Timestamp    time.Time `json:"timestamp"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_input", "malformed agent event body")
		return
	}

	result, err := h.pipeline.IngestAgentEvent(c.Request.Context(), node, ingest.AgentEventInput{
		Hostname:     req.Hostname,
		Username:     req.Username,
		FileAccessed: req.FileAccessed,
		FilePath:     req.FilePath,
		Action:       req.Action,
		Severity:     req.Severity,
		AlertType:    req.AlertType,
		Timestamp:    req.Timestamp,
	})
	if err != nil {
		writeIngestError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "success",
		"event_id":      result.EventID,
		"ml_prediction": result.Verdict,
		"alert_created": result.AlertCreated,
	})
}
