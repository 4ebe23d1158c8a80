package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/robcowart/ocm-ca/internal/api/middleware"
	"github.com/robcowart/ocm-ca/internal/api/response"
	"github.com/robcowart/ocm-ca/internal/database/models"
	"github.com/robcowart/ocm-ca/internal/service"
)

type mockSetupService struct {
	mock.Mock
}

func (m *mockSetupService) SetupStatus(ctx context.Context) (*service.SetupStatus, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*service.SetupStatus)
	return s, args.Error(1)
}

func (m *mockSetupService) CompleteSetup(ctx context.Context, req *service.SetupRequest) (*models.User, error) {
	args := m.Called(ctx, req)
	u, _ := args.Get(0).(*models.User)
	return u, args.Error(1)
}

type mockSessionService struct {
	mock.Mock
}

func (m *mockSessionService) Login(ctx context.Context, req *service.LoginRequest) (*service.LoginResult, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*service.LoginResult)
	return r, args.Error(1)
}

func (m *mockSessionService) Logout(ctx context.Context, token string) error {
	return m.Called(ctx, token).Error(0)
}

type mockIssuer struct {
	mock.Mock
}

func (m *mockIssuer) Issue(ctx context.Context, req *service.IssueRequest) (*models.Certificate, error) {
	args := m.Called(ctx, req)
	c, _ := args.Get(0).(*models.Certificate)
	return c, args.Error(1)
}

func (m *mockIssuer) Renew(ctx context.Context, serial string) (*models.Certificate, error) {
	args := m.Called(ctx, serial)
	c, _ := args.Get(0).(*models.Certificate)
	return c, args.Error(1)
}

type mockCertificates struct {
	mock.Mock
}

func (m *mockCertificates) View(cert *models.Certificate) *service.CertificateView {
	return &service.CertificateView{SerialNumber: cert.SerialNumber, CommonName: cert.CommonName, IsRevoked: cert.Revoked}
}

func (m *mockCertificates) List(ctx context.Context, filter service.ListFilter) ([]*service.CertificateView, error) {
	args := m.Called(ctx, filter)
	v, _ := args.Get(0).([]*service.CertificateView)
	return v, args.Error(1)
}

func (m *mockCertificates) Get(ctx context.Context, serial string) (*service.CertificateView, error) {
	args := m.Called(ctx, serial)
	v, _ := args.Get(0).(*service.CertificateView)
	return v, args.Error(1)
}

func (m *mockCertificates) Delete(ctx context.Context, serial string) error {
	return m.Called(ctx, serial).Error(0)
}

func (m *mockCertificates) Statistics(ctx context.Context) (*service.Statistics, error) {
	args := m.Called(ctx)
	s, _ := args.Get(0).(*service.Statistics)
	return s, args.Error(1)
}

func (m *mockCertificates) Export(ctx context.Context, name, format string) (*service.Download, error) {
	args := m.Called(ctx, name, format)
	d, _ := args.Get(0).(*service.Download)
	return d, args.Error(1)
}

type mockRevoker struct {
	mock.Mock
}

func (m *mockRevoker) Revoke(ctx context.Context, serial, reason string) (*models.Certificate, error) {
	args := m.Called(ctx, serial, reason)
	c, _ := args.Get(0).(*models.Certificate)
	return c, args.Error(1)
}

type mockAuditQuerier struct {
	mock.Mock
}

func (m *mockAuditQuerier) Query(ctx context.Context, limit, offset int) (*service.AuditPage, error) {
	args := m.Called(ctx, limit, offset)
	p, _ := args.Get(0).(*service.AuditPage)
	return p, args.Error(1)
}

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(context.Context) error {
	return m.err
}

// recordingAuditor keeps every recorded entry
type recordingAuditor struct {
	mu      sync.Mutex
	entries []service.AuditEntry
}

func (a *recordingAuditor) Record(entry service.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *recordingAuditor) Entries() []service.AuditEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]service.AuditEntry(nil), a.entries...)
}

func setupTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

// asAdmin marks requests as coming from an authenticated admin
func asAdmin(c *gin.Context) {
	middleware.SetPrincipal(c, &service.Principal{UserID: "u1", Username: "admin", Role: "admin"})
	c.Next()
}

func doRequest(router *gin.Engine, method, path string, body string, contentType string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func postForm(router *gin.Engine, path, form string) *httptest.ResponseRecorder {
	return doRequest(router, http.MethodPost, path, form, "application/x-www-form-urlencoded")
}

func postJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	return doRequest(router, http.MethodPost, path, body, "application/json")
}

// envelope decodes the response body with data left raw
type envelope struct {
	response.Body
	Data json.RawMessage `json:"data"`
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var body envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func httptestRecorder(router *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}
