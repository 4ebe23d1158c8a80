package handlers

import (
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/config"
	"github.com/robcowart/ocm-ca/internal/service"
)

var testCookie = config.SessionConfig{CookieName: "session", CookieSecure: true}

func authRouter(sessions SessionService, audit Auditor) *gin.Engine {
	h := NewAuthHandler(sessions, audit, testCookie, zap.NewNop())
	router := setupTestRouter()
	router.POST("/api/login", h.Login)
	router.POST("/api/logout", h.Logout)
	router.GET("/api/session", asAdmin, h.GetSession)
	return router
}

func sessionCookie(w interface{ Result() *http.Response }) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == testCookie.CookieName {
			return c
		}
	}
	return nil
}

func TestAuthHandler_Login(t *testing.T) {
	t.Run("success sets an http-only cookie", func(t *testing.T) {
		sessions := &mockSessionService{}
		audit := &recordingAuditor{}
		sessions.On("Login", mock.Anything, mock.MatchedBy(func(r *service.LoginRequest) bool {
			return r.Username == "admin" && r.Password == "pw" && r.ClientIP != ""
		})).Return(&service.LoginResult{
			Token:     "signed-token",
			ExpiresAt: time.Now().Add(time.Hour),
			Principal: &service.Principal{Username: "admin", Role: "admin"},
		}, nil)

		w := postForm(authRouter(sessions, audit), "/api/login", "username=admin&password=pw")

		assert.Equal(t, http.StatusOK, w.Code)
		cookie := sessionCookie(w)
		require.NotNil(t, cookie)
		assert.Equal(t, "signed-token", cookie.Value)
		assert.True(t, cookie.HttpOnly)
		assert.True(t, cookie.Secure)
		assert.Greater(t, cookie.MaxAge, 3500)

		body := decodeBody(t, w)
		assert.True(t, body.Success)
		assert.JSONEq(t, `{"user_id":"","username":"admin","role":"admin","expires_at":"0001-01-01T00:00:00Z"}`, string(body.Data))

		entries := audit.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, service.ActionLogin, entries[0].Action)
		assert.True(t, entries[0].Success)
	})

	t.Run("bad credentials set no cookie", func(t *testing.T) {
		sessions := &mockSessionService{}
		audit := &recordingAuditor{}
		sessions.On("Login", mock.Anything, mock.Anything).
			Return(nil, &service.Error{Kind: service.KindUnauthenticated, Message: "Invalid credentials", Err: service.ErrInvalidCredentials})

		w := postJSON(authRouter(sessions, audit), "/api/login", `{"username":"admin","password":"wrong"}`)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Empty(t, w.Header().Values("Set-Cookie"))
		body := decodeBody(t, w)
		assert.False(t, body.Success)
		assert.Equal(t, "Invalid credentials", body.Message)

		entries := audit.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "admin", entries[0].Username)
		assert.False(t, entries[0].Success)
	})
}

func TestAuthHandler_Logout(t *testing.T) {
	t.Run("with cookie", func(t *testing.T) {
		sessions := &mockSessionService{}
		audit := &recordingAuditor{}
		sessions.On("Logout", mock.Anything, "signed-token").Return(nil)
		router := authRouter(sessions, audit)

		req, _ := http.NewRequest(http.MethodPost, "/api/logout", nil)
		req.AddCookie(&http.Cookie{Name: "session", Value: "signed-token"})
		w := httptestRecorder(router, req)

		assert.Equal(t, http.StatusOK, w.Code)
		cookie := sessionCookie(w)
		require.NotNil(t, cookie)
		assert.Empty(t, cookie.Value)
		assert.Less(t, cookie.MaxAge, 0)
		sessions.AssertExpectations(t)
		assert.Len(t, audit.Entries(), 1)
	})

	t.Run("without cookie", func(t *testing.T) {
		sessions := &mockSessionService{}
		audit := &recordingAuditor{}

		w := postForm(authRouter(sessions, audit), "/api/logout", "")

		assert.Equal(t, http.StatusOK, w.Code)
		sessions.AssertNotCalled(t, "Logout", mock.Anything, mock.Anything)
		assert.Empty(t, audit.Entries())
	})
}

func TestAuthHandler_GetSession(t *testing.T) {
	w := doRequest(authRouter(&mockSessionService{}, &recordingAuditor{}), http.MethodGet, "/api/session", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decodeBody(t, w).Data), `"username":"admin"`)
}
