package handlers

import (
	"bytes"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/database/models"
	"github.com/robcowart/ocm-ca/internal/service"
)

type certFixture struct {
	issuer  *mockIssuer
	certs   *mockCertificates
	revoker *mockRevoker
	audit   *recordingAuditor
	router  *gin.Engine
}

func newCertFixture() *certFixture {
	f := &certFixture{
		issuer:  &mockIssuer{},
		certs:   &mockCertificates{},
		revoker: &mockRevoker{},
		audit:   &recordingAuditor{},
	}
	h := NewCertificateHandler(f.issuer, f.certs, f.revoker, f.audit, zap.NewNop())

	router := setupTestRouter()
	api := router.Group("/api", asAdmin)
	api.GET("/certificates", h.ListCertificates)
	api.GET("/certificates/:serial", h.GetCertificate)
	api.POST("/certificates", h.CreateCertificate)
	api.POST("/revoke", h.RevokeCertificate)
	api.POST("/renew", h.RenewCertificate)
	api.POST("/delete", h.DeleteCertificate)
	api.GET("/statistics", h.GetStatistics)
	api.GET("/download/:name/:format", h.Export)
	f.router = router
	return f
}

func notFound() error {
	return &service.Error{Kind: service.KindNotFound, Message: "Certificate not found", Err: service.ErrCertificateNotFound}
}

func TestCertificateHandler_List(t *testing.T) {
	f := newCertFixture()
	f.certs.On("List", mock.Anything, service.ListFilter{Type: "client", Status: service.StatusRevoked}).
		Return([]*service.CertificateView{{SerialNumber: "0A", IsRevoked: true}}, nil)
	f.certs.On("List", mock.Anything, service.ListFilter{Type: "bogus"}).
		Return(nil, &service.Error{Kind: service.KindInvalidRequest, Message: "type must be server or client"})

	w := doRequest(f.router, http.MethodGet, "/api/certificates?type=client&status=revoked", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	data := string(decodeBody(t, w).Data)
	assert.Contains(t, data, `"certificates":[`)
	assert.Contains(t, data, `"serial_number":"0A"`)
	assert.Contains(t, data, `"is_revoked":true`)

	w = doRequest(f.router, http.MethodGet, "/api/certificates?type=bogus", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "type must be server or client", decodeBody(t, w).Message)
}

func TestCertificateHandler_ListEmpty(t *testing.T) {
	f := newCertFixture()
	f.certs.On("List", mock.Anything, service.ListFilter{}).Return([]*service.CertificateView{}, nil)

	w := doRequest(f.router, http.MethodGet, "/api/certificates", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"certificates":[]}`, string(decodeBody(t, w).Data))
}

func TestCertificateHandler_Get(t *testing.T) {
	f := newCertFixture()
	f.certs.On("Get", mock.Anything, "0A").Return(&service.CertificateView{SerialNumber: "0A"}, nil)
	f.certs.On("Get", mock.Anything, "0B").Return(nil, notFound())

	w := doRequest(f.router, http.MethodGet, "/api/certificates/0A", "", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(f.router, http.MethodGet, "/api/certificates/0B", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeBody(t, w).Code)
}

func TestCertificateHandler_Create(t *testing.T) {
	t.Run("multipart form", func(t *testing.T) {
		f := newCertFixture()
		f.issuer.On("Issue", mock.Anything, &service.IssueRequest{
			CommonName:         "api.example.com",
			AltNames:           []string{"api.example.com", "10.0.0.5"},
			ValidityDays:       90,
			KeyType:            "ecdsa",
			KeySize:            256,
			SignatureAlgorithm: "SHA256",
			Organization:       "Example",
			Country:            "US",
			P12Password:        "secret",
		}).Return(&models.Certificate{SerialNumber: "1F", CommonName: "api.example.com"}, nil)

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fields := map[string]string{
			"common_name":         " api.example.com ",
			"alt_names":           "api.example.com, 10.0.0.5",
			"is_client":           "false",
			"p12_password":        "secret",
			"validity_days":       "90",
			"organization":        "Example",
			"country":             "US",
			"key_type":            "ecdsa",
			"key_size":            "256",
			"signature_algorithm": "SHA256",
		}
		for k, v := range fields {
			require.NoError(t, mw.WriteField(k, v))
		}
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/certificates", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		w := httptestRecorder(f.router, req)

		assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		body := decodeBody(t, w)
		assert.True(t, body.Success)
		assert.Contains(t, string(body.Data), `"serial_number":"1F"`)
		f.issuer.AssertExpectations(t)

		entries := f.audit.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, service.ActionCertificateCreate, entries[0].Action)
		assert.Equal(t, "1F", entries[0].ResourceID)
		assert.Equal(t, "admin", entries[0].Username)
	})

	t.Run("json with typed values", func(t *testing.T) {
		f := newCertFixture()
		f.issuer.On("Issue", mock.Anything, mock.MatchedBy(func(r *service.IssueRequest) bool {
			return r.CommonName == "alice" && r.IsClient && r.ValidityDays == 30 &&
				len(r.AltNames) == 1 && r.AltNames[0] == "alice@example.com"
		})).Return(&models.Certificate{SerialNumber: "20", CommonName: "alice", IsClient: true}, nil)

		w := postJSON(f.router, "/api/certificates",
			`{"common_name":"alice","is_client":true,"validity_days":30,"alt_names":["alice@example.com"]}`)

		assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		f.issuer.AssertExpectations(t)
	})

	t.Run("type client", func(t *testing.T) {
		f := newCertFixture()
		f.issuer.On("Issue", mock.Anything, mock.MatchedBy(func(r *service.IssueRequest) bool {
			return r.IsClient
		})).Return(&models.Certificate{SerialNumber: "21"}, nil)

		w := postForm(f.router, "/api/certificates", "common_name=bob&type=client")
		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("non numeric validity", func(t *testing.T) {
		f := newCertFixture()
		w := postForm(f.router, "/api/certificates", "common_name=bob&validity_days=soon")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "validity_days must be a number", decodeBody(t, w).Message)
		f.issuer.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
	})

	t.Run("validation failure is audited", func(t *testing.T) {
		f := newCertFixture()
		f.issuer.On("Issue", mock.Anything, mock.Anything).
			Return(nil, &service.Error{Kind: service.KindInvalidRequest, Message: "common_name is required"})

		w := postForm(f.router, "/api/certificates", "common_name=")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "common_name is required", decodeBody(t, w).Message)

		entries := f.audit.Entries()
		require.Len(t, entries, 1)
		assert.False(t, entries[0].Success)
		assert.Equal(t, "common_name is required", entries[0].Error)
	})
}

func TestCertificateHandler_Revoke(t *testing.T) {
	t.Run("missing serial", func(t *testing.T) {
		f := newCertFixture()
		w := postForm(f.router, "/api/revoke", "serial_number=%20")
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "serial_number is required", decodeBody(t, w).Message)
		f.revoker.AssertNotCalled(t, "Revoke", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("success", func(t *testing.T) {
		f := newCertFixture()
		f.revoker.On("Revoke", mock.Anything, "12:34:56", "keyCompromise").
			Return(&models.Certificate{SerialNumber: "123456", Revoked: true}, nil)

		w := postForm(f.router, "/api/revoke", "serial_number=12:34:56&reason=keyCompromise")

		assert.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.True(t, body.Success)
		assert.Contains(t, string(body.Data), `"is_revoked":true`)

		entries := f.audit.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, service.ActionCertificateRevoke, entries[0].Action)
		assert.True(t, entries[0].Success)
	})

	t.Run("already revoked is idempotent", func(t *testing.T) {
		f := newCertFixture()
		f.revoker.On("Revoke", mock.Anything, "123456", "").
			Return(&models.Certificate{SerialNumber: "123456", Revoked: true},
				&service.Error{Kind: service.KindConflict, Message: "Certificate already revoked", Err: service.ErrAlreadyRevoked})

		w := postForm(f.router, "/api/revoke", "serial_number=123456")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "Certificate already revoked", decodeBody(t, w).Message)
		assert.Empty(t, f.audit.Entries())
	})

	t.Run("unknown serial", func(t *testing.T) {
		f := newCertFixture()
		f.revoker.On("Revoke", mock.Anything, "FF", "").Return(nil, notFound())

		w := postForm(f.router, "/api/revoke", "serial_number=FF")
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.False(t, f.audit.Entries()[0].Success)
	})
}

func TestCertificateHandler_RenewAndDelete(t *testing.T) {
	f := newCertFixture()
	f.issuer.On("Renew", mock.Anything, "0A").Return(&models.Certificate{SerialNumber: "0B", CommonName: "api"}, nil)
	f.certs.On("Delete", mock.Anything, "0A").Return(nil)
	f.certs.On("Delete", mock.Anything, "0C").Return(errors.New("disk full"))

	w := postForm(f.router, "/api/renew", "serial_number=0A")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decodeBody(t, w).Data), `"serial_number":"0B"`)

	w = postJSON(f.router, "/api/delete", `{"serial_number":"0A"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = postForm(f.router, "/api/delete", "serial_number=0C")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk full")

	entries := f.audit.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, service.ActionCertificateRenew, entries[0].Action)
	assert.Equal(t, service.ActionCertificateDelete, entries[1].Action)
	assert.True(t, entries[1].Success)
	assert.False(t, entries[2].Success)
}

func TestCertificateHandler_Export(t *testing.T) {
	f := newCertFixture()
	f.certs.On("Export", mock.Anything, "api.example.com", "crt").
		Return(&service.Download{Filename: "api.example.com.crt", ContentType: "application/x-pem-file", Data: []byte("PEM")}, nil)
	f.certs.On("Export", mock.Anything, "api.example.com", "p7b").
		Return(nil, &service.Error{Kind: service.KindInvalidRequest, Message: "unsupported format: p7b"})

	w := doRequest(f.router, http.MethodGet, "/api/download/api.example.com/crt", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "PEM", w.Body.String())
	assert.Equal(t, "application/x-pem-file", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="api.example.com.crt"`, w.Header().Get("Content-Disposition"))

	w = doRequest(f.router, http.MethodGet, "/api/download/api.example.com/p7b", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCertificateHandler_Statistics(t *testing.T) {
	f := newCertFixture()
	f.certs.On("Statistics", mock.Anything).Return(&service.Statistics{Total: 3, Valid: 2, Revoked: 1, Server: 2, Client: 1}, nil)

	w := doRequest(f.router, http.MethodGet, "/api/statistics", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total":3,"valid":2,"expiring":0,"expired":0,"revoked":1,"server":2,"client":1}`, string(decodeBody(t, w).Data))
}
