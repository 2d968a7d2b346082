package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/decoynest/sentinel-engine/internal/identity"
	"github.com/decoynest/sentinel-engine/pkg/models"
)

// Context keys set by the auth middlewares and read by handlers.
const (
	ctxPrincipal = "principal"
	ctxNode      = "node"
)

// Agent credential headers. Register/heartbeat carry the same pair in the
// request body instead; see agent_handlers.go.
const (
	headerNodeID  = "X-Node-Id"
	headerNodeKey = "X-Node-Key"
)

// RequireUser resolves the dashboard principal once per request and aborts
// with 401 on any defect. Browser websocket clients cannot set headers, so a
// ?token= query parameter is accepted as a fallback carrier.
func (h *APIHandler) RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := h.identity.VerifyBearer(bearerToken(c))
		if err != nil {
			abortError(c, http.StatusUnauthorized, "unauthenticated", "missing, invalid or expired bearer token")
			return
		}
		c.Set(ctxPrincipal, principal)
		c.Next()
	}
}

// RequireNode authenticates an agent call from the X-Node-Id / X-Node-Key
// header pair and threads the verified node into the handler.
func (h *APIHandler) RequireNode() gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.GetHeader(headerNodeID)
		nodeKey := c.GetHeader(headerNodeKey)
		if nodeID == "" || nodeKey == "" {
			abortError(c, http.StatusUnauthorized, "unauthenticated", "X-Node-Id and X-Node-Key headers are required")
			return
		}

		node, ok := h.verifyNode(c, nodeID, nodeKey)
		if !ok {
			return // verifyNode already wrote the response
		}
		c.Set(ctxNode, node)
		c.Next()
	}
}

// verifyNode runs the credential check and maps failures onto the status
// table: unknown node and wrong key are both 401, a parked node is 403.
func (h *APIHandler) verifyNode(c *gin.Context, nodeID, nodeKey string) (*models.Node, bool) {
	node, err := h.identity.VerifyNodeCredential(c.Request.Context(), nodeID, nodeKey)
	switch {
	case err == nil:
		return node, true
	case errors.Is(err, identity.ErrNodeInactive):
		abortError(c, http.StatusForbidden, "node_inactive", "node is inactive")
	case errors.Is(err, identity.ErrUnauthenticated):
		abortError(c, http.StatusUnauthorized, "unauthenticated", "invalid node credentials")
	default:
		abortError(c, http.StatusInternalServerError, "internal", "credential check failed")
	}
	return nil, false
}

// scope returns the authenticated principal; RequireUser guarantees presence.
func scope(c *gin.Context) *identity.Principal {
	return c.MustGet(ctxPrincipal).(*identity.Principal)
}

// callerNode returns the verified node; RequireNode guarantees presence.
func callerNode(c *gin.Context) *models.Node {
	return c.MustGet(ctxNode).(*models.Node)
}

// bearerToken extracts the token from the Authorization header, falling back
// to the ?token= query parameter for websocket upgrades.
func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
		return ""
	}
	return c.Query("token")
}
