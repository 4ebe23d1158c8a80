package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/database"
	"github.com/robcowart/ocm-ca/internal/database/models"
)

const testPassword = "correct-horse-1"

func newSessionManager(t *testing.T) (*SessionManager, *database.Database) {
	t.Helper()
	db, cfg := setupTestDB(t)
	m := NewSessionManager(db, db, cfg, zap.NewNop())
	require.NoError(t, m.Init(context.Background()))
	return m, db
}

// completeSetup creates the admin account "admin" with testPassword
func completeSetup(t *testing.T, m *SessionManager) {
	t.Helper()
	token, err := m.RotateSetupToken(context.Background())
	require.NoError(t, err)
	_, err = m.CompleteSetup(context.Background(), &SetupRequest{
		Token:           token,
		Username:        "admin",
		Password:        testPassword,
		ConfirmPassword: testPassword,
	})
	require.NoError(t, err)
}

func TestSessionManager_SecretPersisted(t *testing.T) {
	db, cfg := setupTestDB(t)
	cfg.JWT.Secret = ""
	ctx := context.Background()

	first := NewSessionManager(db, db, cfg, zap.NewNop())
	require.NoError(t, first.Init(ctx))
	completeSetup(t, first)

	stored, err := db.GetSystemConfig(ctx, database.ConfigKeyJWTSecret)
	require.NoError(t, err)
	assert.Len(t, stored, 2*jwtSecretSize)

	result, err := first.Login(ctx, &LoginRequest{Username: "admin", Password: testPassword})
	require.NoError(t, err)

	// A restarted manager accepts sessions issued before the restart
	second := NewSessionManager(db, db, cfg, zap.NewNop())
	require.NoError(t, second.Init(ctx))
	principal, err := second.ValidateSession(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, "admin", principal.Username)
}

func TestSessionManager_Setup(t *testing.T) {
	m, db := newSessionManager(t)
	ctx := context.Background()

	required, err := m.CheckSetupRequired(ctx)
	require.NoError(t, err)
	assert.True(t, required)

	token, err := m.RotateSetupToken(ctx)
	require.NoError(t, err)
	assert.Len(t, token, 43) // base64url of setupTokenSize bytes

	stored, err := db.GetSystemConfig(ctx, database.ConfigKeySetupTokenHash)
	require.NoError(t, err)
	assert.NotEqual(t, token, stored)

	valid := SetupRequest{Token: token, Username: "admin", Password: testPassword, ConfirmPassword: testPassword}

	t.Run("wrong token", func(t *testing.T) {
		req := valid
		req.Token = strings.Repeat("0", 64)
		_, err := m.CompleteSetup(ctx, &req)
		requireKind(t, err, KindUnauthenticated)
		assert.True(t, errors.Is(err, ErrInvalidToken))

		req.Token = ""
		_, err = m.CompleteSetup(ctx, &req)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("password mismatch", func(t *testing.T) {
		req := valid
		req.ConfirmPassword = "something-else-2"
		_, err := m.CompleteSetup(ctx, &req)
		requireKind(t, err, KindInvalidRequest)
		assert.True(t, errors.Is(err, ErrPasswordMismatch))
	})

	t.Run("weak password", func(t *testing.T) {
		req := valid
		req.Password, req.ConfirmPassword = "short", "short"
		_, err := m.CompleteSetup(ctx, &req)
		requireKind(t, err, KindInvalidRequest)
	})

	t.Run("bad username", func(t *testing.T) {
		req := valid
		req.Username = "a b"
		_, err := m.CompleteSetup(ctx, &req)
		requireKind(t, err, KindInvalidRequest)
	})

	// Failed attempts left the token usable
	user, err := m.CompleteSetup(ctx, &valid)
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)
	assert.Equal(t, adminRole, user.Role)
	assert.NotEqual(t, testPassword, user.PasswordHash)

	required, err = m.CheckSetupRequired(ctx)
	require.NoError(t, err)
	assert.False(t, required)

	_, err = db.GetSystemConfig(ctx, database.ConfigKeySetupTokenHash)
	assert.ErrorIs(t, err, database.ErrNotFound)

	t.Run("replay", func(t *testing.T) {
		req := valid
		req.Username = "intruder"
		_, err := m.CompleteSetup(ctx, &req)
		requireKind(t, err, KindConflict)
		assert.True(t, errors.Is(err, ErrAlreadyCompleted))

		_, err = m.RotateSetupToken(ctx)
		requireKind(t, err, KindConflict)
	})
}

func TestSessionManager_SetupStatus(t *testing.T) {
	m, _ := newSessionManager(t)
	ctx := context.Background()

	status, err := m.SetupStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.SetupRequired)
	assert.False(t, status.SetupCompleted)
	assert.Empty(t, status.SetupToken)

	m.cfg.Setup.ExposeToken = true
	token, err := m.RotateSetupToken(ctx)
	require.NoError(t, err)

	status, err = m.SetupStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, token, status.SetupToken)

	completeSetup(t, m)
	status, err = m.SetupStatus(ctx)
	require.NoError(t, err)
	assert.True(t, status.SetupCompleted)
	assert.Empty(t, status.SetupToken)
}

func TestSessionManager_Login(t *testing.T) {
	m, db := newSessionManager(t)
	ctx := context.Background()

	_, err := m.Login(ctx, &LoginRequest{Username: "admin", Password: testPassword})
	requireKind(t, err, KindSetupRequired)

	completeSetup(t, m)

	_, err = m.Login(ctx, &LoginRequest{Username: "admin", Password: "wrong-password-1"})
	requireKind(t, err, KindUnauthenticated)
	assert.True(t, errors.Is(err, ErrInvalidCredentials))

	_, unknownErr := m.Login(ctx, &LoginRequest{Username: "nobody", Password: testPassword})
	requireKind(t, unknownErr, KindUnauthenticated)
	assert.Equal(t, MessageOf(err), MessageOf(unknownErr))

	result, err := m.Login(ctx, &LoginRequest{
		Username:  "admin",
		Password:  testPassword,
		ClientIP:  "10.1.2.3",
		UserAgent: "curl/8.0",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
	assert.Equal(t, "admin", result.Principal.Username)
	assert.Equal(t, adminRole, result.Principal.Role)
	assert.WithinDuration(t, time.Now().Add(time.Hour), result.ExpiresAt, time.Minute)

	session, err := db.GetSession(ctx, result.Principal.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3", session.ClientIP)
	assert.Equal(t, "curl/8.0", session.UserAgent)

	user, err := db.GetUserByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, user.LastLoginAt.Valid)
}

func TestSessionManager_ValidateAndLogout(t *testing.T) {
	m, _ := newSessionManager(t)
	ctx := context.Background()
	completeSetup(t, m)

	result, err := m.Login(ctx, &LoginRequest{Username: "admin", Password: testPassword})
	require.NoError(t, err)

	principal, err := m.ValidateSession(ctx, result.Token)
	require.NoError(t, err)
	assert.Equal(t, result.Principal.UserID, principal.UserID)
	assert.Equal(t, result.Principal.SessionID, principal.SessionID)

	t.Run("tampered token", func(t *testing.T) {
		_, err := m.ValidateSession(ctx, result.Token+"x")
		requireKind(t, err, KindUnauthenticated)
		assert.True(t, errors.Is(err, ErrSessionInvalid))

		_, err = m.ValidateSession(ctx, "")
		assert.True(t, errors.Is(err, ErrSessionInvalid))
	})

	require.NoError(t, m.Logout(ctx, result.Token))
	_, err = m.ValidateSession(ctx, result.Token)
	requireKind(t, err, KindUnauthenticated)
	assert.True(t, errors.Is(err, ErrSessionInvalid))

	// Logging out twice or with garbage is harmless
	assert.NoError(t, m.Logout(ctx, result.Token))
	assert.NoError(t, m.Logout(ctx, "garbage"))
}

func TestSessionManager_Expiry(t *testing.T) {
	m, db := newSessionManager(t)
	ctx := context.Background()
	completeSetup(t, m)

	result, err := m.Login(ctx, &LoginRequest{Username: "admin", Password: testPassword})
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = m.ValidateSession(ctx, result.Token)
	requireKind(t, err, KindUnauthenticated)
	assert.True(t, errors.Is(err, ErrSessionExpired))

	n, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = db.GetSession(ctx, result.Principal.SessionID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSessionManager_SessionOutlivedByToken(t *testing.T) {
	m, db := newSessionManager(t)
	ctx := context.Background()
	completeSetup(t, m)

	result, err := m.Login(ctx, &LoginRequest{Username: "admin", Password: testPassword})
	require.NoError(t, err)

	// Shorten the server-side session below the token lifetime
	require.NoError(t, db.DeleteSession(ctx, result.Principal.SessionID))
	require.NoError(t, db.CreateSession(ctx, &models.Session{
		ID:        result.Principal.SessionID,
		UserID:    result.Principal.UserID,
		Username:  result.Principal.Username,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}))

	_, err = m.ValidateSession(ctx, result.Token)
	assert.True(t, errors.Is(err, ErrSessionExpired))

	_, err = db.GetSession(ctx, result.Principal.SessionID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSessionManager_MemoryStore(t *testing.T) {
	db, cfg := setupTestDB(t)
	cfg.Session.Store = "memory"
	ctx := context.Background()

	store := NewMemorySessionStore()
	m := NewSessionManager(db, store, cfg, zap.NewNop())
	require.NoError(t, m.Init(ctx))
	completeSetup(t, m)

	result, err := m.Login(ctx, &LoginRequest{Username: "admin", Password: testPassword})
	require.NoError(t, err)

	_, err = m.ValidateSession(ctx, result.Token)
	require.NoError(t, err)

	// Nothing reaches the database
	_, err = db.GetSession(ctx, result.Principal.SessionID)
	assert.ErrorIs(t, err, database.ErrNotFound)

	// A fresh store, as after a restart, knows no sessions
	restarted := NewSessionManager(db, NewMemorySessionStore(), cfg, zap.NewNop())
	require.NoError(t, restarted.Init(ctx))
	_, err = restarted.ValidateSession(ctx, result.Token)
	assert.True(t, errors.Is(err, ErrSessionInvalid))
}

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	now := time.Now()

	s := &models.Session{ID: "s1", UserID: "u1", ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, store.CreateSession(ctx, s))
	assert.ErrorIs(t, store.CreateSession(ctx, s), database.ErrDuplicate)

	got, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	got.UserID = "changed"
	again, err := store.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", again.UserID)

	require.NoError(t, store.CreateSession(ctx, &models.Session{ID: "s2", ExpiresAt: now.Add(-time.Minute)}))
	n, err := store.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetSession(ctx, "s2")
	assert.ErrorIs(t, err, database.ErrNotFound)

	require.NoError(t, store.DeleteSession(ctx, "s1"))
	require.NoError(t, store.DeleteSession(ctx, "s1"))
	_, err = store.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}
