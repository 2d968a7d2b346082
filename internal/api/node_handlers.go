package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/decoynest/sentinel-engine/internal/db"
	"github.com/decoynest/sentinel-engine/internal/identity"
	"github.com/decoynest/sentinel-engine/pkg/models"
)

const maxNodeNameLen = 100

// ownedNode loads a node and asserts the caller owns it. Absent and
// foreign-owned are deliberately indistinguishable (both 403) so node ids
// cannot be probed.
func (h *APIHandler) ownedNode(c *gin.Context, nodeID string) (*models.Node, bool) {
	node, err := h.store.GetNode(c.Request.Context(), nodeID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			forbidden(c)
		} else {
			writeStoreError(c, err)
		}
		return nil, false
	}
	if node.UserID != scope(c).UserID {
		forbidden(c)
		return nil, false
	}
	return node, true
}

// handleCreateNode mints the node id and credential. The cleartext key
// appears in this response and nowhere else; every read path serves the bare
// Node shape.
func (h *APIHandler) handleCreateNode(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Name) > maxNodeNameLen {
		abortError(c, http.StatusBadRequest, "invalid_input", fmt.Sprintf("name is required and capped at %d characters", maxNodeNameLen))
		return
	}

	key, keyHash, err := h.identity.MintNodeKey()
	if err != nil {
		abortError(c, http.StatusInternalServerError, "internal", "could not mint node credential")
		return
	}

	node := &models.Node{
		ID:        identity.NewNodeID(),
		UserID:    scope(c).UserID,
		Name:      req.Name,
		Status:    models.NodeStatusUnknown,
		KeyHash:   keyHash,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateNode(c.Request.Context(), node); err != nil {
		writeStoreError(c, err)
		return
	}

	log.Printf("[API] Node %s created for %s", node.ID, node.UserID)
	c.JSON(http.StatusOK, models.ProvisionedNode{Node: *node, APIKey: key})
}

func (h *APIHandler) handleListNodes(c *gin.Context) {
	nodes, err := h.store.ListNodesByUser(c.Request.Context(), scope(c).UserID)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}

func (h *APIHandler) handleGetNode(c *gin.Context) {
	node, ok := h.ownedNode(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, node)
}

func (h *APIHandler) handleUpdateNode(c *gin.Context) {
	node, ok := h.ownedNode(c, c.Param("id"))
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
	case models.NodeStatusActive, models.NodeStatusInactive, models.NodeStatusUnknown:
	default:
		abortError(c, http.StatusBadRequest, "invalid_input", "status must be active, inactive or unknown")
		return
	}

	if err := h.store.UpdateNodeStatus(c.Request.Context(), node.ID, req.Status); err != nil {
		writeStoreError(c, err)
		return
	}
	node.Status = req.Status
	c.JSON(http.StatusOK, node)
}

func (h *APIHandler) handleDeleteNode(c *gin.Context) {
	node, ok := h.ownedNode(c, c.Param("id"))
	if !ok {
		return
	}
	if err := h.store.DeleteNode(c.Request.Context(), node.ID); err != nil {
		writeStoreError(c, err)
		return
	}
	log.Printf("[API] Node %s deleted by %s", node.ID, node.UserID)
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "node_id": node.ID})
}

// handleAgentDownload builds the per-node agent bundle. The stored verifier
// is one-way, so a fresh credential is minted and swapped in atomically;
// the previous key stops working the moment the download succeeds.
func (h *APIHandler) handleAgentDownload(c *gin.Context) {
	node, ok := h.ownedNode(c, c.Param("id"))
	if !ok {
		return
	}

	key, keyHash, err := h.identity.MintNodeKey()
	if err != nil {
		abortError(c, http.StatusInternalServerError, "internal", "could not mint node credential")
		return
	}
	if err := h.store.UpdateNodeKey(c.Request.Context(), node.ID, keyHash); err != nil {
		writeStoreError(c, err)
		return
	}

	archive, err := h.bundles.Build(node, key)
	if err != nil {
		log.Printf("[API] Bundle build failed for %s: %v", node.ID, err)
		abortError(c, http.StatusInternalServerError, "internal", "could not build agent bundle")
		return
	}

	log.Printf("[API] Agent bundle issued for %s (credential rotated)", node.ID)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=agent-%s.zip", node.ID))
	c.Data(http.StatusOK, "application/zip", archive)
}
