package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/api/response"
	"github.com/robcowart/ocm-ca/internal/database/models"
	"github.com/robcowart/ocm-ca/internal/service"
)

// SetupService manages first-run setup
type SetupService interface {
	SetupStatus(ctx context.Context) (*service.SetupStatus, error)
	CompleteSetup(ctx context.Context, req *service.SetupRequest) (*models.User, error)
}

// SetupHandler handles setup operations
type SetupHandler struct {
	setup  SetupService
	audit  Auditor
	logger *zap.Logger
}

// NewSetupHandler creates a new setup handler
func NewSetupHandler(setup SetupService, audit Auditor, logger *zap.Logger) *SetupHandler {
	return &SetupHandler{
		setup:  setup,
		audit:  audit,
		logger: logger,
	}
}

// GetStatus reports whether the admin account exists yet
// @Summary Check setup status
// @Success 200 {object} service.SetupStatus
// @Router /api/setup [get]
func (h *SetupHandler) GetStatus(c *gin.Context) {
	status, err := h.setup.SetupStatus(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to check setup status", zap.Error(err))
		response.Error(c, err)
		return
	}

	response.OK(c, http.StatusOK, "", status)
}

// SetupRequest represents the initial setup form
type SetupRequest struct {
	Username        string `json:"username" form:"username"`
	Password        string `json:"password" form:"password"`
	ConfirmPassword string `json:"confirm_password" form:"confirm_password"`
	SetupToken      string `json:"setup_token" form:"setup_token"`
}

// PerformSetup creates the admin account using the one-time setup token
// @Summary Perform initial setup
// @Accept json,x-www-form-urlencoded
// @Param request body SetupRequest true "Setup request"
// @Success 200 {object} response.Body
// @Router /api/setup [post]
func (h *SetupHandler) PerformSetup(c *gin.Context) {
	var req SetupRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	user, err := h.setup.CompleteSetup(c.Request.Context(), &service.SetupRequest{
		Token:           req.SetupToken,
		Username:        req.Username,
		Password:        req.Password,
		ConfirmPassword: req.ConfirmPassword,
	})

	entry := auditEntry(c, service.ActionSetup, service.ResourceUser, req.Username, err)
	entry.Username = req.Username
	h.audit.Record(entry)

	if err != nil {
		h.logger.Warn("Setup failed", zap.String("username", req.Username), zap.Error(err))
		response.Error(c, err)
		return
	}

	h.logger.Info("Initial setup completed", zap.String("username", user.Username))
	response.OK(c, http.StatusOK, "Setup completed successfully", gin.H{"username": user.Username})
}
