package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/decoynest/sentinel-engine/internal/agentkit"
	"github.com/decoynest/sentinel-engine/internal/classifier"
	"github.com/decoynest/sentinel-engine/internal/config"
	"github.com/decoynest/sentinel-engine/internal/db"
	"github.com/decoynest/sentinel-engine/internal/identity"
	"github.com/decoynest/sentinel-engine/internal/ingest"
)

// Version is reported by /health and stamped into agent bundles.
const Version = "1.2.0"

// APIHandler owns every injected dependency the HTTP surface needs. A nil
// store means the process booted degraded: reads fail 500, ingest fails 503,
// /health keeps answering.
type APIHandler struct {
	store    db.Store
	identity *identity.Service
	pipeline *ingest.Pipeline
	monitor  *classifier.Monitor
	bundles  *agentkit.Builder
	wsHub    *Hub
	authMode string
}

// SetupRouter wires middleware and the /api/v1 route group.
func SetupRouter(store db.Store, idsvc *identity.Service, pipeline *ingest.Pipeline, monitor *classifier.Monitor, bundles *agentkit.Builder, wsHub *Hub, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	h := &APIHandler{
		store:    store,
		identity: idsvc,
		pipeline: pipeline,
		monitor:  monitor,
		bundles:  bundles,
		wsHub:    wsHub,
		authMode: cfg.AuthMode,
	}

	api := r.Group("/api/v1")

	// Unauthenticated surface: liveness and installer scripts.
	api.GET("/health", h.handleHealth)
	api.GET("/install/:platform", h.handleInstallScript)

	// Credential endpoints sit behind the per-IP limiter so password
	// guessing costs the caller round-trips.
	limiter := NewRateLimiter(0.5, 10)
	auth := api.Group("/auth", limiter.Middleware(), h.requireStorage(false))
	auth.POST("/register", h.handleRegister)
	auth.POST("/login", h.handleLogin)

	// Dashboard surface, bearer-scoped.
	user := api.Group("", h.requireStorage(false), h.RequireUser())
	user.POST("/nodes", h.handleCreateNode)
	user.GET("/nodes", h.handleListNodes)
	user.GET("/nodes/:id", h.handleGetNode)
	user.PATCH("/nodes/:id", h.handleUpdateNode)
	user.DELETE("/nodes/:id", h.handleDeleteNode)
	user.GET("/nodes/:id/agent-download", h.handleAgentDownload)

	user.GET("/decoys", h.handleListDecoys(""))
	user.GET("/decoys/node/:id", h.handleListNodeDecoys(""))
	user.PATCH("/decoys/:id", h.handleUpdateDecoy)
	user.DELETE("/decoys/:id", h.handleDeleteDecoy)

	// Honeytokens are the decoy subset with kind=honeytoken; same handlers,
	// pre-filtered.
	user.GET("/honeytokens", h.handleListDecoys("honeytoken"))
	user.GET("/honeytokens/node/:id", h.handleListNodeDecoys("honeytoken"))
	user.PATCH("/honeytokens/:id", h.handleUpdateDecoy)
	user.DELETE("/honeytokens/:id", h.handleDeleteDecoy)

	user.GET("/logs", h.handleListEvents)
	user.GET("/logs/node/:id", h.handleListNodeEvents)
	user.GET("/alerts", h.handleListAlerts)
	user.PATCH("/alerts/:id", h.handleUpdateAlert)
	user.GET("/stats", h.handleStats)
	user.GET("/recent-attacks", h.handleRecentAttacks)
	user.GET("/attacker-profile/:source_id", h.handleAttackerProfile)
	user.GET("/ws/alerts", h.handleAlertStream)

	// Agent surface, node-credential-scoped. Register and heartbeat carry
	// credentials in the body; the rest use the X-Node-* headers.
	agent := api.Group("", h.requireStorage(true))
	agent.POST("/agent/register", h.handleAgentRegister)
	agent.POST("/agent/heartbeat", h.handleAgentHeartbeat)

	ingestGroup := agent.Group("", h.RequireNode())
	ingestGroup.POST("/honeypot-log", h.handleHoneypotLog)
	ingestGroup.POST("/agent-alert", h.handleAgentEvent)
	ingestGroup.POST("/agent/register-decoys", h.handleRegisterDecoys)

	return r
}

// corsMiddleware mirrors the dashboard deployment model: a comma-separated
// allow-list via ALLOWED_ORIGINS, or * when unset.
func corsMiddleware(allowedOrigins string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Node-Id, X-Node-Key, Accept, Origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PATCH, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requireStorage short-circuits requests while the process runs degraded
// without persistence. Ingest paths answer 503 so agents retry; read paths
// answer 500 per the query-side contract.
func (h *APIHandler) requireStorage(ingestPath bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.store != nil {
			c.Next()
			return
		}
		if ingestPath {
			abortError(c, http.StatusServiceUnavailable, "storage_unavailable", "persistence is unreachable, retry later")
			return
		}
		abortError(c, http.StatusInternalServerError, "storage_unavailable", "persistence is unreachable")
	}
}

// handleHealth reports liveness, not readiness: a down database or classifier
// still yields 200 with the component marked unavailable.
func (h *APIHandler) handleHealth(c *gin.Context) {
	database := "disconnected"
	if h.store != nil && h.store.Ping(c.Request.Context()) == nil {
		database = "connected"
	}

	classifierStatus := "unavailable"
	if h.monitor != nil && h.monitor.Available() {
		classifierStatus = "available"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "operational",
		"service":    "sentinel-engine",
		"version":    Version,
		"database":   database,
		"classifier": classifierStatus,
		"auth_mode":  h.authMode,
	})
}

// handleInstallScript serves the standalone installer for one platform, the
// same script the agent bundle embeds.
func (h *APIHandler) handleInstallScript(c *gin.Context) {
	platform := c.Param("platform")
	script, filename, err := h.bundles.InstallScript(platform)
	if err != nil {
		abortError(c, http.StatusNotFound, "not_found", "no installer for platform "+platform)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", script)
}
