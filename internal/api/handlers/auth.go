package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/api/middleware"
	"github.com/robcowart/ocm-ca/internal/api/response"
	"github.com/robcowart/ocm-ca/internal/config"
	"github.com/robcowart/ocm-ca/internal/service"
)

// SessionService opens and closes sessions
type SessionService interface {
	Login(ctx context.Context, req *service.LoginRequest) (*service.LoginResult, error)
	Logout(ctx context.Context, token string) error
}

// AuthHandler handles login, logout and the current session
type AuthHandler struct {
	sessions SessionService
	audit    Auditor
	cookie   config.SessionConfig
	logger   *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(sessions SessionService, audit Auditor, cookie config.SessionConfig, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		audit:    audit,
		cookie:   cookie,
		logger:   logger,
	}
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

// Login authenticates the admin and sets the session cookie
// @Summary User login
// @Accept json,x-www-form-urlencoded
// @Param request body LoginRequest true "Login credentials"
// @Success 200 {object} service.Principal
// @Router /api/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	result, err := h.sessions.Login(c.Request.Context(), &service.LoginRequest{
		Username:  req.Username,
		Password:  req.Password,
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})

	entry := auditEntry(c, service.ActionLogin, service.ResourceSession, "", err)
	entry.Username = req.Username
	h.audit.Record(entry)

	if err != nil {
		h.logger.Warn("Login failed", zap.String("username", req.Username), zap.String("ip", c.ClientIP()))
		response.Error(c, err)
		return
	}

	h.setSessionCookie(c, result.Token, int(time.Until(result.ExpiresAt).Seconds()))
	h.logger.Info("User logged in", zap.String("username", result.Principal.Username))
	response.OK(c, http.StatusOK, "Login successful", result.Principal)
}

// Logout ends the current session and clears the cookie
// @Summary User logout
// @Success 200 {object} response.Body
// @Router /api/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	token, err := c.Cookie(h.cookie.CookieName)
	if err == nil && token != "" {
		err = h.sessions.Logout(c.Request.Context(), token)
		h.audit.Record(auditEntry(c, service.ActionLogout, service.ResourceSession, "", err))
		if err != nil {
			h.logger.Error("Logout failed", zap.Error(err))
		}
	}

	h.setSessionCookie(c, "", -1)
	response.OK(c, http.StatusOK, "Logged out", nil)
}

// GetSession returns the principal of the current session
// @Summary Get current session
// @Success 200 {object} service.Principal
// @Router /api/session [get]
func (h *AuthHandler) GetSession(c *gin.Context) {
	response.OK(c, http.StatusOK, "", middleware.PrincipalFrom(c))
}

func (h *AuthHandler) setSessionCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.CookieName, value, maxAge, "/", "", h.cookie.CookieSecure, true)
}
