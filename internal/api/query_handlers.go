package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/decoynest/sentinel-engine/internal/db"
	"github.com/decoynest/sentinel-engine/pkg/models"
)

// userNodeIDs resolves the caller's fleet once; every fleet-wide query is
// filtered by this set.
func (h *APIHandler) userNodeIDs(c *gin.Context) ([]string, bool) {
	nodes, err := h.store.ListNodesByUser(c.Request.Context(), scope(c).UserID)
	if err != nil {
		writeStoreError(c, err)
		return nil, false
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids, true
}

// ownedDecoy loads a decoy and re-checks ownership through its node. An
// absent decoy is 404; a decoy on someone else's node is 403.
func (h *APIHandler) ownedDecoy(c *gin.Context, decoyID string) (*models.Decoy, bool) {
	decoy, err := h.store.GetDecoy(c.Request.Context(), decoyID)
	if err != nil {
		writeStoreError(c, err)
		return nil, false
	}
	node, err := h.store.GetNode(c.Request.Context(), decoy.NodeID)
	if err != nil || node.UserID != scope(c).UserID {
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			writeStoreError(c, err)
		} else {
			forbidden(c)
		}
		return nil, false
	}
	return decoy, true
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(fallback)))
	if err != nil {
		return fallback
	}
	return v
}

// ───────────────────────── Decoys & honeytokens ─────────────────────────

func (h *APIHandler) handleListDecoys(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ids, ok := h.userNodeIDs(c)
		if !ok {
			return
		}
		decoys, err := h.store.ListDecoysByNodes(c.Request.Context(), ids, kind, queryInt(c, "limit", 0))
		if err != nil {
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, decoys)
	}
}

func (h *APIHandler) handleListNodeDecoys(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, ok := h.ownedNode(c, c.Param("id"))
		if !ok {
			return
		}
		decoys, err := h.store.ListDecoysByNode(c.Request.Context(), node.ID, kind)
		if err != nil {
			writeStoreError(c, err)
			return
		}
		c.JSON(http.StatusOK, decoys)
	}
}

func (h *APIHandler) handleUpdateDecoy(c *gin.Context) {
	decoy, ok := h.ownedDecoy(c, c.Param("id"))
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_input", "status is required")
		return
	}
	switch req.Status {
	case models.DecoyStatusActive, models.DecoyStatusInactive:
	default:
		abortError(c, http.StatusBadRequest, "invalid_input", "status must be active or inactive")
		return
	}

	if err := h.store.UpdateDecoyStatus(c.Request.Context(), decoy.ID, req.Status); err != nil {
		writeStoreError(c, err)
		return
	}
	decoy.Status = req.Status
	c.JSON(http.StatusOK, decoy)
}

func (h *APIHandler) handleDeleteDecoy(c *gin.Context) {
	decoy, ok := h.ownedDecoy(c, c.Param("id"))
	if !ok {
		return
	}
	if err := h.store.DeleteDecoy(c.Request.Context(), decoy.ID); err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": decoy.ID})
}

// ───────────────────────── Event feed ─────────────────────────

func (h *APIHandler) handleListEvents(c *gin.Context) {
	ids, ok := h.userNodeIDs(c)
	if !ok {
		return
	}

	filter := db.EventFilter{
		NodeID:   c.Query("node_id"),
		Severity: c.Query("severity"),
		Search:   c.Query("search"),
		Limit:    queryInt(c, "limit", 0),
	}
	if filter.NodeID != "" {
		owned := false
		for _, id := range ids {
			if id == filter.NodeID {
				owned = true
				break
			}
		}
		if !owned {
			forbidden(c)
			return
		}
	}

	events, err := h.store.ListEvents(c.Request.Context(), ids, filter)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *APIHandler) handleListNodeEvents(c *gin.Context) {
	node, ok := h.ownedNode(c, c.Param("id"))
	if !ok {
		return
	}
	filter := db.EventFilter{
		Severity: c.Query("severity"),
		Search:   c.Query("search"),
		Limit:    queryInt(c, "limit", 0),
	}
	events, err := h.store.ListEvents(c.Request.Context(), []string{node.ID}, filter)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// ───────────────────────── Alerts ─────────────────────────

func (h *APIHandler) handleListAlerts(c *gin.Context) {
	filter := db.AlertFilter{
		Severity: c.Query("severity"),
		Status:   c.Query("status"),
		Limit:    queryInt(c, "limit", 0),
	}
	alerts, err := h.store.ListAlerts(c.Request.Context(), scope(c).UserID, filter)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *APIHandler) handleUpdateAlert(c *gin.Context) {
	alert, err := h.store.GetAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	if alert.UserID != scope(c).UserID {
		forbidden(c)
		return
	}

	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_input", "status is required")
		return
	}
	switch req.Status {
	case models.AlertStatusOpen, models.AlertStatusInvestigating, models.AlertStatusResolved:
	default:
		abortError(c, http.StatusBadRequest, "invalid_input", "status must be open, investigating or resolved")
		return
	}

	if err := h.store.UpdateAlertStatus(c.Request.Context(), alert.ID, req.Status); err != nil {
		writeStoreError(c, err)
		return
	}
	alert.Status = req.Status
	c.JSON(http.StatusOK, alert)
}

// handleRecentAttacks is the dashboard's headline feed: the newest alerts
// for the caller, default 10.
func (h *APIHandler) handleRecentAttacks(c *gin.Context) {
	alerts, err := h.store.ListAlerts(c.Request.Context(), scope(c).UserID, db.AlertFilter{Limit: queryInt(c, "limit", 10)})
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

// ───────────────────────── Aggregates ─────────────────────────

// highRiskFloor is the dashboard's fixed high-risk band boundary. It is not
// the alert threshold Θ, which is configurable.
const highRiskFloor = 7

func (h *APIHandler) handleStats(c *gin.Context) {
	stats, err := h.store.UserStats(c.Request.Context(), scope(c).UserID, highRiskFloor)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleAttackerProfile is deliberately unscoped: a source identifier is not
// a user-owned secret, and the profile aggregates the whole installation's
// view of one attacker.
func (h *APIHandler) handleAttackerProfile(c *gin.Context) {
	profile, err := h.store.GetAttackerProfile(c.Request.Context(), c.Param("source_id"))
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}
