package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/decoynest/sentinel-engine/internal/db"
)

// errorBody is the uniform error shape: a short stable code plus a human
// message. Request payloads are never echoed back.
func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}

func abortError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody(code, message))
}

// writeStoreError maps store sentinels onto the status table for read and
// mutation paths. Anything unrecognised is a storage failure, surfaced as 500
// per the query-side contract (ingest uses 503; see agent_handlers.go).
func writeStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		abortError(c, http.StatusNotFound, "not_found", "entity does not exist")
	case errors.Is(err, db.ErrConflict):
		abortError(c, http.StatusConflict, "conflict", "uniqueness violation")
	default:
		abortError(c, http.StatusInternalServerError, "storage_unavailable", "persistence is unreachable")
	}
}

func forbidden(c *gin.Context) {
	abortError(c, http.StatusForbidden, "forbidden", "resource does not belong to the authenticated user")
}
