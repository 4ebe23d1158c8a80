package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/config"
	"github.com/robcowart/ocm-ca/internal/database/models"
)

// Audit actions
const (
	ActionSetup             = "setup"
	ActionLogin             = "login"
	ActionLogout            = "logout"
	ActionCertificateCreate = "certificate.create"
	ActionCertificateRevoke = "certificate.revoke"
	ActionCertificateRenew  = "certificate.renew"
	ActionCertificateDelete = "certificate.delete"
	ActionCARegenerate      = "ca.regenerate"
)

// Audit resource types
const (
	ResourceUser        = "user"
	ResourceSession     = "session"
	ResourceCertificate = "certificate"
	ResourceCA          = "ca"
)

const (
	defaultAuditBufferSize = 256
	defaultAuditLimit      = 50
	maxAuditLimit          = 500
)

// AuditStore appends and pages audit entries
type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, limit, offset int) ([]*models.AuditLog, int, error)
}

// AuditEntry is one action to record
type AuditEntry struct {
	Action       string
	ResourceType string
	ResourceID   string
	Username     string
	ClientIP     string
	UserAgent    string
	Success      bool
	Error        string
}

// AuditPage is one page of audit entries, newest first
type AuditPage struct {
	Entries []*models.AuditLog `json:"audit_logs"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// auditItem is either an entry to write or a flush marker
type auditItem struct {
	entry   *models.AuditLog
	flushed chan struct{}
}

// AuditLog records actions asynchronously. Record never blocks and never
// fails the caller: entries go through a bounded queue to a single writer,
// which retries failed inserts and drops the entry after the last attempt.
type AuditLog struct {
	store      AuditStore
	logger     *zap.Logger
	retries    int
	retryDelay time.Duration
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
	items  chan auditItem
	wg     sync.WaitGroup
}

// NewAuditLog creates an audit log and starts its writer
func NewAuditLog(store AuditStore, cfg config.AuditConfig, logger *zap.Logger) *AuditLog {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultAuditBufferSize
	}
	retries := cfg.RetryAttempts
	if retries < 1 {
		retries = 1
	}

	a := &AuditLog{
		store:      store,
		logger:     logger,
		retries:    retries,
		retryDelay: 100 * time.Millisecond,
		now:        time.Now,
		items:      make(chan auditItem, size),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Record queues entry for writing. A full queue drops the entry with a warning.
func (a *AuditLog) Record(entry AuditEntry) {
	item := auditItem{entry: &models.AuditLog{
		ID:           uuid.New().String(),
		CreatedAt:    a.now().UTC(),
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Username:     entry.Username,
		ClientIP:     entry.ClientIP,
		UserAgent:    entry.UserAgent,
		Success:      entry.Success,
		ErrorMessage: entry.Error,
	}}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.logger.Warn("Audit log closed, dropping entry", zap.String("action", entry.Action))
		return
	}

	select {
	case a.items <- item:
	default:
		a.logger.Warn("Audit queue full, dropping entry",
			zap.String("action", entry.Action),
			zap.String("resource_id", entry.ResourceID),
		)
	}
}

// Flush waits until every entry queued before the call has been handled
func (a *AuditLog) Flush(ctx context.Context) error {
	done := make(chan struct{})

	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return nil
	}
	select {
	case a.items <- auditItem{flushed: done}:
		a.mu.RUnlock()
	case <-ctx.Done():
		a.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries and waits for the queue to drain
func (a *AuditLog) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.items)
	a.mu.Unlock()

	a.wg.Wait()
}

// Query returns a page of entries newest first. limit is clamped to 1..500.
func (a *AuditLog) Query(ctx context.Context, limit, offset int) (*AuditPage, error) {
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	if offset < 0 {
		offset = 0
	}

	entries, total, err := a.store.ListAuditLogs(ctx, limit, offset)
	if err != nil {
		return nil, internalError("failed to list audit logs", err)
	}
	return &AuditPage{Entries: entries, Total: total, Limit: limit, Offset: offset}, nil
}

func (a *AuditLog) loop() {
	defer a.wg.Done()
	for item := range a.items {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		a.write(item.entry)
	}
}

func (a *AuditLog) write(entry *models.AuditLog) {
	var err error
	for attempt := 0; attempt < a.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(a.retryDelay * time.Duration(attempt))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = a.store.CreateAuditLog(ctx, entry)
		cancel()
		if err == nil {
			return
		}
		a.logger.Warn("Audit write failed",
			zap.String("action", entry.Action),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	a.logger.Error("Audit entry dropped",
		zap.String("action", entry.Action),
		zap.String("resource_type", entry.ResourceType),
		zap.String("resource_id", entry.ResourceID),
		zap.Error(err),
	)
}
