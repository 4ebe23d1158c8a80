package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/api/response"
	"github.com/robcowart/ocm-ca/internal/service"
)

// Pinger checks that storage is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness
type HealthHandler struct {
	db      Pinger
	version string
	logger  *zap.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db Pinger, version string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{db: db, version: version, logger: logger}
}

// Health returns 200 while the database answers
// @Summary Health check
// @Success 200 {object} response.Body
// @Router /api/health [get]
func (h *HealthHandler) Health(c *gin.Context) {
	if err := h.db.Ping(c.Request.Context()); err != nil {
		h.logger.Error("Health check failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, response.Body{
			Success: false,
			Message: "Database unavailable",
			Code:    string(service.KindInternal),
		})
		return
	}
	response.OK(c, http.StatusOK, "", gin.H{"status": "ok", "version": h.version})
}
