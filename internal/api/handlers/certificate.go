package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/api/response"
	"github.com/robcowart/ocm-ca/internal/database/models"
	"github.com/robcowart/ocm-ca/internal/service"
)

// CertificateIssuer issues and renews leaf certificates
type CertificateIssuer interface {
	Issue(ctx context.Context, req *service.IssueRequest) (*models.Certificate, error)
	Renew(ctx context.Context, serial string) (*models.Certificate, error)
}

// CertificateQueries reads, exports and deletes stored certificates
type CertificateQueries interface {
	View(cert *models.Certificate) *service.CertificateView
	List(ctx context.Context, filter service.ListFilter) ([]*service.CertificateView, error)
	Get(ctx context.Context, serial string) (*service.CertificateView, error)
	Delete(ctx context.Context, serial string) error
	Statistics(ctx context.Context) (*service.Statistics, error)
	Export(ctx context.Context, name, format string) (*service.Download, error)
}

// Revoker revokes certificates and republishes the CRL
type Revoker interface {
	Revoke(ctx context.Context, serial, reason string) (*models.Certificate, error)
}

// CertificateHandler handles certificate lifecycle requests
type CertificateHandler struct {
	issuer  CertificateIssuer
	certs   CertificateQueries
	revoker Revoker
	audit   Auditor
	logger  *zap.Logger
}

// NewCertificateHandler creates a new certificate handler
func NewCertificateHandler(issuer CertificateIssuer, certs CertificateQueries, revoker Revoker, audit Auditor, logger *zap.Logger) *CertificateHandler {
	return &CertificateHandler{
		issuer:  issuer,
		certs:   certs,
		revoker: revoker,
		audit:   audit,
		logger:  logger,
	}
}

// CreateCertificateRequest is submitted as multipart form, urlencoded form or
// JSON. alt_names is a comma or newline separated list.
type CreateCertificateRequest struct {
	CommonName         formValue `json:"common_name" form:"common_name"`
	AltNames           formValue `json:"alt_names" form:"alt_names"`
	IsClient           formValue `json:"is_client" form:"is_client"`
	Type               formValue `json:"type" form:"type"`
	P12Password        formValue `json:"p12_password" form:"p12_password"`
	P12Legacy          formValue `json:"p12_legacy" form:"p12_legacy"`
	ValidityDays       formValue `json:"validity_days" form:"validity_days"`
	Organization       formValue `json:"organization" form:"organization"`
	Country            formValue `json:"country" form:"country"`
	KeyType            formValue `json:"key_type" form:"key_type"`
	KeySize            formValue `json:"key_size" form:"key_size"`
	SignatureAlgorithm formValue `json:"signature_algorithm" form:"signature_algorithm"`
}

func (r *CreateCertificateRequest) toIssueRequest() (*service.IssueRequest, error) {
	validity, err := optionalInt(r.ValidityDays.String())
	if err != nil {
		return nil, errors.New("validity_days must be a number")
	}
	keySize, err := optionalInt(r.KeySize.String())
	if err != nil {
		return nil, errors.New("key_size must be a number")
	}

	return &service.IssueRequest{
		CommonName:         strings.TrimSpace(r.CommonName.String()),
		IsClient:           parseBool(r.IsClient.String()) || strings.EqualFold(r.Type.String(), "client"),
		AltNames:           service.SplitAltNames(r.AltNames.String()),
		ValidityDays:       validity,
		KeyType:            r.KeyType.String(),
		KeySize:            keySize,
		SignatureAlgorithm: r.SignatureAlgorithm.String(),
		Organization:       r.Organization.String(),
		Country:            r.Country.String(),
		P12Password:        r.P12Password.String(),
		P12Legacy:          parseBool(r.P12Legacy.String()),
	}, nil
}

// SerialRequest names a certificate by serial number
type SerialRequest struct {
	SerialNumber string `json:"serial_number" form:"serial_number"`
	Reason       string `json:"reason" form:"reason"`
}

func (h *CertificateHandler) bindSerial(c *gin.Context) (*SerialRequest, bool) {
	var req SerialRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return nil, false
	}
	req.SerialNumber = strings.TrimSpace(req.SerialNumber)
	if req.SerialNumber == "" {
		response.BadRequest(c, "serial_number is required")
		return nil, false
	}
	return &req, true
}

// ListCertificates returns certificates, optionally filtered
// @Summary List certificates
// @Param type query string false "server or client"
// @Param status query string false "valid, expiring, expired or revoked"
// @Success 200 {array} service.CertificateView
// @Router /api/certificates [get]
func (h *CertificateHandler) ListCertificates(c *gin.Context) {
	certs, err := h.certs.List(c.Request.Context(), service.ListFilter{
		Type:   c.Query("type"),
		Status: service.Status(c.Query("status")),
	})
	if err != nil {
		h.logError("Failed to list certificates", err)
		response.Error(c, err)
		return
	}
	response.OK(c, http.StatusOK, "", gin.H{"certificates": certs})
}

// GetCertificate returns one certificate
// @Summary Get certificate
// @Param serial path string true "Serial number"
// @Success 200 {object} service.CertificateView
// @Router /api/certificates/{serial} [get]
func (h *CertificateHandler) GetCertificate(c *gin.Context) {
	cert, err := h.certs.Get(c.Request.Context(), c.Param("serial"))
	if err != nil {
		h.logError("Failed to get certificate", err)
		response.Error(c, err)
		return
	}
	response.OK(c, http.StatusOK, "", cert)
}

// CreateCertificate issues a new certificate
// @Summary Create certificate
// @Accept multipart/form-data
// @Success 201 {object} service.CertificateView
// @Router /api/certificates [post]
func (h *CertificateHandler) CreateCertificate(c *gin.Context) {
	var req CreateCertificateRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}
	issueReq, err := req.toIssueRequest()
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	cert, err := h.issuer.Issue(c.Request.Context(), issueReq)

	resourceID := issueReq.CommonName
	if cert != nil {
		resourceID = cert.SerialNumber
	}
	h.audit.Record(auditEntry(c, service.ActionCertificateCreate, service.ResourceCertificate, resourceID, err))

	if err != nil {
		h.logError("Failed to create certificate", err)
		response.Error(c, err)
		return
	}

	h.logger.Info("Certificate issued",
		zap.String("serial", cert.SerialNumber),
		zap.String("common_name", cert.CommonName),
		zap.Bool("is_client", cert.IsClient),
	)
	response.OK(c, http.StatusCreated, "Certificate created", h.certs.View(cert))
}

// RevokeCertificate revokes a certificate. Revoking an already revoked
// certificate succeeds without changing the CRL.
// @Summary Revoke certificate
// @Param serial_number formData string true "Serial number"
// @Param reason formData string false "RFC 5280 reason"
// @Success 200 {object} service.CertificateView
// @Router /api/revoke [post]
func (h *CertificateHandler) RevokeCertificate(c *gin.Context) {
	req, ok := h.bindSerial(c)
	if !ok {
		return
	}

	cert, err := h.revoker.Revoke(c.Request.Context(), req.SerialNumber, req.Reason)
	if errors.Is(err, service.ErrAlreadyRevoked) && cert != nil {
		response.OK(c, http.StatusOK, "Certificate already revoked", h.certs.View(cert))
		return
	}
	h.audit.Record(auditEntry(c, service.ActionCertificateRevoke, service.ResourceCertificate, req.SerialNumber, err))
	if err != nil {
		h.logError("Failed to revoke certificate", err)
		response.Error(c, err)
		return
	}

	response.OK(c, http.StatusOK, "Certificate revoked", h.certs.View(cert))
}

// RenewCertificate issues a replacement with the same subject
// @Summary Renew certificate
// @Param serial_number formData string true "Serial number"
// @Success 200 {object} service.CertificateView
// @Router /api/renew [post]
func (h *CertificateHandler) RenewCertificate(c *gin.Context) {
	req, ok := h.bindSerial(c)
	if !ok {
		return
	}

	cert, err := h.issuer.Renew(c.Request.Context(), req.SerialNumber)
	h.audit.Record(auditEntry(c, service.ActionCertificateRenew, service.ResourceCertificate, req.SerialNumber, err))
	if err != nil {
		h.logError("Failed to renew certificate", err)
		response.Error(c, err)
		return
	}

	response.OK(c, http.StatusOK, "Certificate renewed", h.certs.View(cert))
}

// DeleteCertificate removes a certificate record
// @Summary Delete certificate
// @Param serial_number formData string true "Serial number"
// @Success 200 {object} response.Body
// @Router /api/delete [post]
func (h *CertificateHandler) DeleteCertificate(c *gin.Context) {
	req, ok := h.bindSerial(c)
	if !ok {
		return
	}

	err := h.certs.Delete(c.Request.Context(), req.SerialNumber)
	h.audit.Record(auditEntry(c, service.ActionCertificateDelete, service.ResourceCertificate, req.SerialNumber, err))
	if err != nil {
		h.logError("Failed to delete certificate", err)
		response.Error(c, err)
		return
	}

	response.OK(c, http.StatusOK, "Certificate deleted", nil)
}

// Export downloads a certificate by serial or common name
// @Summary Download certificate
// @Param name path string true "Serial number or common name"
// @Param format path string true "crt, der, pem, key, p12 or chain"
// @Success 200 {file} binary
// @Router /api/download/{name}/{format} [get]
func (h *CertificateHandler) Export(c *gin.Context) {
	d, err := h.certs.Export(c.Request.Context(), c.Param("name"), c.Param("format"))
	if err != nil {
		h.logError("Failed to export certificate", err)
		response.Error(c, err)
		return
	}
	sendDownload(c, d)
}

// GetStatistics returns certificate counts by status and type
// @Summary Certificate statistics
// @Success 200 {object} service.Statistics
// @Router /api/statistics [get]
func (h *CertificateHandler) GetStatistics(c *gin.Context) {
	stats, err := h.certs.Statistics(c.Request.Context())
	if err != nil {
		h.logError("Failed to compute statistics", err)
		response.Error(c, err)
		return
	}
	response.OK(c, http.StatusOK, "", stats)
}

// logError logs failures the client cannot fix. Validation errors are
// already in the response and the request log.
func (h *CertificateHandler) logError(msg string, err error) {
	if service.KindOf(err) == service.KindInternal {
		h.logger.Error(msg, zap.Error(err))
	}
}

func optionalInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
