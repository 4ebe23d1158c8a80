package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/api/response"
	"github.com/robcowart/ocm-ca/internal/service"
)

// AuditQuerier pages through audit entries
type AuditQuerier interface {
	Query(ctx context.Context, limit, offset int) (*service.AuditPage, error)
}

// AuditHandler serves the audit log
type AuditHandler struct {
	audit  AuditQuerier
	logger *zap.Logger
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(audit AuditQuerier, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		logger: logger,
	}
}

// ListAuditLogs returns audit entries newest first
// @Summary List audit logs
// @Param limit query int false "Page size (default 50, max 500)"
// @Param offset query int false "Entries to skip"
// @Success 200 {object} service.AuditPage
// @Router /api/audit-logs [get]
func (h *AuditHandler) ListAuditLogs(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		response.BadRequest(c, "limit must be a number")
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		response.BadRequest(c, "offset must be a number")
		return
	}

	page, err := h.audit.Query(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list audit logs", zap.Error(err))
		response.Error(c, err)
		return
	}
	response.OK(c, http.StatusOK, "", page)
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := c.Query(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
