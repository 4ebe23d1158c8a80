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

// RootService exposes the root CA
type RootService interface {
	service.RootMaterial
	Info() (*service.CAInfo, error)
	Regenerate(ctx context.Context, params service.RootParams) (*service.CAInfo, error)
}

// CRLService publishes the CRL of the active root
type CRLService interface {
	Info(ctx context.Context) (*service.CRLInfo, error)
	Download(ctx context.Context, format string) (*service.Download, error)
	GenerateCRL(ctx context.Context) (*models.CRL, error)
}

// CAHandler handles root CA and CRL operations
type CAHandler struct {
	root   RootService
	crl    CRLService
	audit  Auditor
	logger *zap.Logger
}

// NewCAHandler creates a new CA handler
func NewCAHandler(root RootService, crl CRLService, audit Auditor, logger *zap.Logger) *CAHandler {
	return &CAHandler{
		root:   root,
		crl:    crl,
		audit:  audit,
		logger: logger,
	}
}

// GetInfo returns the root CA summary shown on the dashboard
// @Summary Get CA info
// @Success 200 {object} service.CAInfo
// @Router /api/ca-info [get]
func (h *CAHandler) GetInfo(c *gin.Context) {
	info, err := h.root.Info()
	if err != nil {
		h.logger.Error("Failed to get CA info", zap.Error(err))
		response.Error(c, err)
		return
	}
	response.OK(c, http.StatusOK, "", info)
}

// RegenerateRequest replaces the root. Confirm must be true.
type RegenerateRequest struct {
	Confirm      formValue `json:"confirm" form:"confirm"`
	CommonName   string    `json:"common_name" form:"common_name"`
	Organization string    `json:"organization" form:"organization"`
	Country      string    `json:"country" form:"country"`
	KeyType      string    `json:"key_type" form:"key_type"`
	KeySize      int       `json:"key_size" form:"key_size"`
	ValidityDays int       `json:"validity_days" form:"validity_days"`
}

// Regenerate replaces the root CA. Certificates issued by the old root stay
// in the store but are no longer trusted by clients of the new root.
// @Summary Regenerate root CA
// @Param request body RegenerateRequest true "Root parameters"
// @Success 200 {object} service.CAInfo
// @Router /api/ca/regenerate [post]
func (h *CAHandler) Regenerate(c *gin.Context) {
	var req RegenerateRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	if !parseBool(req.Confirm.String()) {
		response.BadRequest(c, "Regeneration must be confirmed with confirm=true")
		return
	}

	ctx := c.Request.Context()
	info, err := h.root.Regenerate(ctx, service.RootParams{
		CommonName:   req.CommonName,
		Organization: req.Organization,
		Country:      req.Country,
		KeyType:      req.KeyType,
		KeySize:      req.KeySize,
		ValidityDays: req.ValidityDays,
	})

	resourceID := ""
	if info != nil {
		resourceID = info.Fingerprint
	}
	h.audit.Record(auditEntry(c, service.ActionCARegenerate, service.ResourceCA, resourceID, err))

	if err != nil {
		h.logger.Error("Failed to regenerate CA", zap.Error(err))
		response.Error(c, err)
		return
	}

	if _, err := h.crl.GenerateCRL(ctx); err != nil {
		h.logger.Warn("Failed to publish CRL for new root", zap.Error(err))
	}

	response.OK(c, http.StatusOK, "CA regenerated", info)
}

// GetCRLInfo describes the current CRL
// @Summary Get CRL info
// @Success 200 {object} service.CRLInfo
// @Router /api/crl-info [get]
func (h *CAHandler) GetCRLInfo(c *gin.Context) {
	info, err := h.crl.Info(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get CRL info", zap.Error(err))
		response.Error(c, err)
		return
	}
	response.OK(c, http.StatusOK, "", info)
}

// DownloadPublic serves /api/download/ca and /api/download/crl. Both are
// public so relying parties can fetch trust material without a session.
// @Summary Download CA certificate or CRL
// @Param name path string true "ca or crl"
// @Param format query string false "pem (default) or der"
// @Success 200 {file} binary
// @Router /api/download/{name} [get]
func (h *CAHandler) DownloadPublic(c *gin.Context) {
	var (
		d   *service.Download
		err error
	)

	switch c.Param("name") {
	case "ca":
		d, err = service.CADownload(h.root, c.Query("format"))
	case "crl":
		d, err = h.crl.Download(c.Request.Context(), c.Query("format"))
	default:
		response.Fail(c, service.KindNotFound, "Not found")
		return
	}

	if err != nil {
		if service.KindOf(err) == service.KindInternal {
			h.logger.Error("Download failed", zap.String("name", c.Param("name")), zap.Error(err))
		}
		response.Error(c, err)
		return
	}
	sendDownload(c, d)
}
