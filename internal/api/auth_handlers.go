package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/decoynest/sentinel-engine/internal/identity"
)

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// loginRequest skips the length rule: a short password is just a wrong one.
type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *APIHandler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_input", "email and a password of at least 8 characters are required")
		return
	}

	user, token, err := h.identity.Register(c.Request.Context(), req.Email, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrEmailTaken):
		abortError(c, http.StatusConflict, "email_taken", "email is already registered")
		return
	case errors.Is(err, identity.ErrRegistrationClosed):
		abortError(c, http.StatusForbidden, "registration_closed", "registration is disabled in open mode")
		return
	default:
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"access_token": token, "user": user})
}

func (h *APIHandler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid_input", "email and password are required")
		return
	}

	user, token, err := h.identity.Login(c.Request.Context(), req.Email, req.Password)
	switch {
	case err == nil:
	case errors.Is(err, identity.ErrBadCredentials):
		abortError(c, http.StatusUnauthorized, "bad_credentials", "invalid email or password")
		return
	default:
		writeStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"access_token": token, "user": user})
}
