package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/auth"
	"github.com/robcowart/ocm-ca/internal/config"
	"github.com/robcowart/ocm-ca/internal/database"
	"github.com/robcowart/ocm-ca/internal/database/models"
)

const (
	jwtSecretSize  = 32
	setupTokenSize = 32
	adminRole      = "admin"
)

// SessionStore keeps server-side session records
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// AccountStore holds user accounts and the persisted secrets of the auth layer
type AccountStore interface {
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, id string, at time.Time) error
	IsSetupComplete(ctx context.Context) (bool, error)
	CompleteSetup(ctx context.Context, user *models.User, tokenHash string) error
	GetSystemConfig(ctx context.Context, key string) (string, error)
	SetSystemConfig(ctx context.Context, key, value string) error
}

// Principal is the authenticated user behind a session
type Principal struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	SessionID string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// LoginRequest carries credentials and the client the session is bound to
type LoginRequest struct {
	Username  string
	Password  string
	ClientIP  string
	UserAgent string
}

// LoginResult is a new session and the signed token for its cookie
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Principal *Principal
}

// SetupRequest completes first-run setup
type SetupRequest struct {
	Token           string
	Username        string
	Password        string
	ConfirmPassword string
}

// SetupStatus reports whether an admin account exists
type SetupStatus struct {
	SetupCompleted bool   `json:"setup_completed"`
	SetupRequired  bool   `json:"setup_required"`
	SetupToken     string `json:"setup_token,omitempty"`
}

// SessionManager owns the setup, login and session lifecycle. Sessions live
// in an injected store; the cookie carries a signed token naming the session.
type SessionManager struct {
	accounts AccountStore
	store    SessionStore
	cfg      *config.Config
	logger   *zap.Logger
	now      func() time.Time

	secret []byte

	mu         sync.Mutex
	setupToken string
}

// NewSessionManager creates a new session manager. Init must be called before use.
func NewSessionManager(accounts AccountStore, store SessionStore, cfg *config.Config, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		accounts: accounts,
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Init loads the token signing secret and, while no admin exists, issues a
// fresh setup token.
func (m *SessionManager) Init(ctx context.Context) error {
	if err := m.loadSecret(ctx); err != nil {
		return err
	}

	required, err := m.CheckSetupRequired(ctx)
	if err != nil {
		return err
	}
	if !required {
		return nil
	}

	token, err := m.RotateSetupToken(ctx)
	if err != nil {
		return err
	}
	m.logger.Warn("Setup required: use this token to create the admin account",
		zap.String("setup_token", token))
	return nil
}

func (m *SessionManager) loadSecret(ctx context.Context) error {
	if m.cfg.JWT.Secret != "" {
		m.secret = []byte(m.cfg.JWT.Secret)
		return nil
	}

	stored, err := m.accounts.GetSystemConfig(ctx, database.ConfigKeyJWTSecret)
	switch {
	case err == nil:
		secret, err := hex.DecodeString(stored)
		if err != nil || len(secret) < jwtSecretSize {
			return internalError("stored session secret is invalid", err)
		}
		m.secret = secret
		return nil
	case !errors.Is(err, database.ErrNotFound):
		return internalError("failed to load session secret", err)
	}

	secret := make([]byte, jwtSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return internalError("failed to generate session secret", err)
	}
	if err := m.accounts.SetSystemConfig(ctx, database.ConfigKeyJWTSecret, hex.EncodeToString(secret)); err != nil {
		return internalError("failed to store session secret", err)
	}
	m.secret = secret
	m.logger.Info("Generated session signing secret")
	return nil
}

// CheckSetupRequired reports whether no admin account exists yet
func (m *SessionManager) CheckSetupRequired(ctx context.Context) (bool, error) {
	complete, err := m.accounts.IsSetupComplete(ctx)
	if err != nil {
		return false, internalError("failed to check setup status", err)
	}
	return !complete, nil
}

// SetupStatus reports setup progress. The pending token is included only
// when setup.expose_token is enabled.
func (m *SessionManager) SetupStatus(ctx context.Context) (*SetupStatus, error) {
	required, err := m.CheckSetupRequired(ctx)
	if err != nil {
		return nil, err
	}

	status := &SetupStatus{SetupCompleted: !required, SetupRequired: required}
	if required && m.cfg.Setup.ExposeToken {
		m.mu.Lock()
		status.SetupToken = m.setupToken
		m.mu.Unlock()
	}
	return status, nil
}

// RotateSetupToken replaces the pending setup token and returns the new one.
// Only its hash is stored.
func (m *SessionManager) RotateSetupToken(ctx context.Context) (string, error) {
	required, err := m.CheckSetupRequired(ctx)
	if err != nil {
		return "", err
	}
	if !required {
		return "", newError(KindConflict, "Setup already completed", ErrAlreadyCompleted)
	}

	token, err := auth.RandomToken(setupTokenSize)
	if err != nil {
		return "", internalError("failed to generate setup token", err)
	}
	if err := m.accounts.SetSystemConfig(ctx, database.ConfigKeySetupTokenHash, auth.HashToken(token)); err != nil {
		return "", internalError("failed to store setup token", err)
	}

	m.mu.Lock()
	m.setupToken = token
	m.mu.Unlock()
	return token, nil
}

// CompleteSetup creates the admin account. The token is consumed in the same
// transaction that creates the account; failed attempts leave it usable.
func (m *SessionManager) CompleteSetup(ctx context.Context, req *SetupRequest) (*models.User, error) {
	required, err := m.CheckSetupRequired(ctx)
	if err != nil {
		return nil, err
	}
	if !required {
		return nil, newError(KindConflict, "Setup already completed", ErrAlreadyCompleted)
	}

	token := strings.TrimSpace(req.Token)
	if token == "" {
		return nil, newError(KindUnauthenticated, "Invalid setup token", ErrInvalidToken)
	}
	storedHash, err := m.accounts.GetSystemConfig(ctx, database.ConfigKeySetupTokenHash)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, newError(KindUnauthenticated, "Invalid setup token", ErrInvalidToken)
		}
		return nil, internalError("failed to load setup token", err)
	}
	if !auth.TokenMatchesHash(token, storedHash) {
		return nil, newError(KindUnauthenticated, "Invalid setup token", ErrInvalidToken)
	}

	username := strings.TrimSpace(req.Username)
	if err := auth.ValidateUsername(username); err != nil {
		return nil, invalidRequest("%v", err)
	}
	if req.Password != req.ConfirmPassword {
		return nil, newError(KindInvalidRequest, "Passwords do not match", ErrPasswordMismatch)
	}
	if err := auth.ValidatePasswordStrength(req.Password); err != nil {
		return nil, invalidRequest("%v", err)
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, internalError("failed to hash password", err)
	}

	user := &models.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: hash,
		Role:         adminRole,
		CreatedAt:    m.now().UTC(),
	}
	if err := m.accounts.CompleteSetup(ctx, user, storedHash); err != nil {
		switch {
		case errors.Is(err, database.ErrSetupCompleted):
			return nil, newError(KindConflict, "Setup already completed", ErrAlreadyCompleted)
		case errors.Is(err, database.ErrTokenMismatch):
			return nil, newError(KindUnauthenticated, "Invalid setup token", ErrInvalidToken)
		}
		return nil, internalError("failed to complete setup", err)
	}

	m.mu.Lock()
	m.setupToken = ""
	m.mu.Unlock()

	m.logger.Info("Setup completed", zap.String("username", user.Username))
	return user, nil
}

// Login checks credentials and opens a session. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (m *SessionManager) Login(ctx context.Context, req *LoginRequest) (*LoginResult, error) {
	required, err := m.CheckSetupRequired(ctx)
	if err != nil {
		return nil, err
	}
	if required {
		return nil, newError(KindSetupRequired, "Setup required", ErrSetupRequired)
	}

	invalid := newError(KindUnauthenticated, "Invalid credentials", ErrInvalidCredentials)

	user, err := m.accounts.GetUserByUsername(ctx, strings.TrimSpace(req.Username))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			auth.BurnPasswordCheck(req.Password)
			return nil, invalid
		}
		return nil, internalError("failed to load user", err)
	}
	if err := auth.VerifyPassword(req.Password, user.PasswordHash); err != nil {
		return nil, invalid
	}

	sessionID, err := auth.NewSessionID()
	if err != nil {
		return nil, internalError("failed to create session", err)
	}

	now := m.now().UTC()
	session := &models.Session{
		ID:        sessionID,
		UserID:    user.ID,
		Username:  user.Username,
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(m.cfg.JWT.Expiration),
	}
	if err := m.store.CreateSession(ctx, session); err != nil {
		return nil, internalError("failed to store session", err)
	}

	token, err := auth.GenerateToken(auth.SessionToken{
		SessionID: session.ID,
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		IssuedAt:  now,
		ExpiresAt: session.ExpiresAt,
	}, m.secret, m.cfg.JWT.Issuer)
	if err != nil {
		return nil, internalError("failed to sign session token", err)
	}

	if err := m.accounts.UpdateLastLogin(ctx, user.ID, now); err != nil {
		m.logger.Warn("Failed to update last login", zap.String("username", user.Username), zap.Error(err))
	}

	return &LoginResult{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		Principal: &Principal{
			UserID:    user.ID,
			Username:  user.Username,
			Role:      user.Role,
			SessionID: session.ID,
			ExpiresAt: session.ExpiresAt,
		},
	}, nil
}

// ValidateSession resolves a session token to its principal. The token must
// verify and its session must still exist and be unexpired.
func (m *SessionManager) ValidateSession(ctx context.Context, token string) (*Principal, error) {
	now := m.now()

	claims, err := auth.ValidateToken(token, m.secret, m.cfg.JWT.Issuer, now)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, newError(KindUnauthenticated, "Session expired", ErrSessionExpired)
		}
		return nil, newError(KindUnauthenticated, "Invalid session", ErrSessionInvalid)
	}

	session, err := m.store.GetSession(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, newError(KindUnauthenticated, "Invalid session", ErrSessionInvalid)
		}
		return nil, internalError("failed to load session", err)
	}
	if session.UserID != claims.Subject {
		return nil, newError(KindUnauthenticated, "Invalid session", ErrSessionInvalid)
	}
	if !now.Before(session.ExpiresAt) {
		if err := m.store.DeleteSession(ctx, session.ID); err != nil {
			m.logger.Warn("Failed to delete expired session", zap.Error(err))
		}
		return nil, newError(KindUnauthenticated, "Session expired", ErrSessionExpired)
	}

	return &Principal{
		UserID:    session.UserID,
		Username:  session.Username,
		Role:      claims.Role,
		SessionID: session.ID,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// Logout ends the session named by token. Invalid or expired tokens are ignored.
func (m *SessionManager) Logout(ctx context.Context, token string) error {
	claims, err := auth.ValidateToken(token, m.secret, m.cfg.JWT.Issuer, m.now())
	if err != nil {
		return nil
	}
	if err := m.store.DeleteSession(ctx, claims.ID); err != nil {
		return internalError("failed to delete session", err)
	}
	return nil
}

// CleanupExpired removes expired sessions from the store
func (m *SessionManager) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := m.store.DeleteExpiredSessions(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return n, nil
}

// RunCleanup removes expired sessions every interval until ctx is cancelled
func (m *SessionManager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.CleanupExpired(ctx)
			if err != nil {
				m.logger.Error("Session cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.logger.Debug("Expired sessions removed", zap.Int64("count", n))
			}
		}
	}
}

// MemorySessionStore keeps sessions in process memory. Sessions are lost on restart.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemorySessionStore creates an empty in-memory session store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*models.Session)}
}

// CreateSession stores a copy of s
func (st *MemorySessionStore) CreateSession(_ context.Context, s *models.Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[s.ID]; ok {
		return database.ErrDuplicate
	}
	cp := *s
	st.sessions[s.ID] = &cp
	return nil
}

// GetSession returns a copy of the session with id
func (st *MemorySessionStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	s, ok := st.sessions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// DeleteSession removes a session. Unknown IDs are ignored.
func (st *MemorySessionStore) DeleteSession(_ context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.sessions, id)
	return nil
}

// DeleteExpiredSessions removes sessions that expired before now
func (st *MemorySessionStore) DeleteExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var n int64
	for id, s := range st.sessions {
		if s.ExpiresAt.Before(now) {
			delete(st.sessions, id)
			n++
		}
	}
	return n, nil
}
