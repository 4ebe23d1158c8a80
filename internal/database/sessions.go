package database

import (
	"context"
	"time"

	"github.com/robcowart/ocm-ca/internal/database/models"
)

// CreateSession stores a new session
func (d *Database) CreateSession(ctx context.Context, s *models.Session) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `INSERT INTO sessions (id, user_id, username, client_ip, user_agent, created_at, expires_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := d.db.ExecContext(ctx, d.rebind(query),
		s.ID, s.UserID, s.Username, s.ClientIP, s.UserAgent, s.CreatedAt, s.ExpiresAt)
	return translateError(err)
}

// GetSession retrieves a session by ID
func (d *Database) GetSession(ctx context.Context, id string) (*models.Session, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var s models.Session
	query := `SELECT id, user_id, username, client_ip, user_agent, created_at, expires_at FROM sessions WHERE id = ?`
	err := d.db.QueryRowContext(ctx, d.rebind(query), id).Scan(
		&s.ID, &s.UserID, &s.Username, &s.ClientIP, &s.UserAgent, &s.CreatedAt, &s.ExpiresAt,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return &s, nil
}

// DeleteSession removes a session. Unknown IDs are ignored.
func (d *Database) DeleteSession(ctx context.Context, id string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx, d.rebind(`DELETE FROM sessions WHERE id = ?`), id)
	return err
}

// DeleteExpiredSessions removes sessions that expired before now
func (d *Database) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	res, err := d.db.ExecContext(ctx, d.rebind(`DELETE FROM sessions WHERE expires_at < ?`), now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
