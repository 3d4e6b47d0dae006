package handler

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/image-random-service/internal/apperror"
	"github.com/user/image-random-service/internal/authjwt"
)

// AuthHandler issues and revokes the single-admin bearer JWT.
type AuthHandler struct {
	issuer        *authjwt.Issuer
	adminUsername string
	adminPassword string
	logger        *zap.Logger
}

// NewAuthHandler builds an AuthHandler bound to the configured admin
// credential and token issuer.
func NewAuthHandler(issuer *authjwt.Issuer, adminUsername, adminPassword string, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{issuer: issuer, adminUsername: adminUsername, adminPassword: adminPassword, logger: logger}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	OK    bool   `json:"ok"`
	Token string `json:"token"`
}

// Login handles POST /admin/api/login: username+password constant-time
// compare against the configured admin credential, returning a bearer JWT.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.adminUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(h.adminPassword)) == 1
	if !userOK || !passOK {
		writeAppError(c, apperror.New(apperror.CodeUnauthorized, http.StatusUnauthorized, "invalid credentials"))
		return
	}

	token, err := h.issuer.Issue(h.adminUsername, time.Now())
	if err != nil {
		h.logger.Error("failed to issue admin token", zap.Error(err))
		writeAppError(c, apperror.New(apperror.CodeInternalError, http.StatusInternalServerError, "token issue failed"))
		return
	}

	c.JSON(http.StatusOK, loginResponse{OK: true, Token: token})
}

// Logout handles POST /admin/api/logout. Tokens are stateless (no session
// table), so logout is a client-side no-op once the bearer middleware has
// already validated the request; this endpoint exists purely as the
// documented contract surface.
func (h *AuthHandler) Logout(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
