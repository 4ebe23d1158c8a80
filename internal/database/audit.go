package database

import (
	"context"
	"fmt"

	"github.com/robcowart/ocm-ca/internal/database/models"
)

// CreateAuditLog appends an audit entry
func (d *Database) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `INSERT INTO audit_logs
	          (id, created_at, action, resource_type, resource_id, username, client_ip, user_agent, success, error_message)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := d.db.ExecContext(ctx, d.rebind(query),
		entry.ID, entry.CreatedAt, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.Username, entry.ClientIP, entry.UserAgent, entry.Success, entry.ErrorMessage,
	)
	return translateError(err)
}

// ListAuditLogs returns a page of audit entries newest first, plus the total count
func (d *Database) ListAuditLogs(ctx context.Context, limit, offset int) ([]*models.AuditLog, int, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var total int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}

	query := `SELECT id, created_at, action, resource_type, resource_id, username, client_ip, user_agent, success, error_message
	          FROM audit_logs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := d.db.QueryContext(ctx, d.rebind(query), limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	entries := []*models.AuditLog{}
	for rows.Next() {
		var e models.AuditLog
		if err := rows.Scan(&e.ID, &e.CreatedAt, &e.Action, &e.ResourceType, &e.ResourceID,
			&e.Username, &e.ClientIP, &e.UserAgent, &e.Success, &e.ErrorMessage); err != nil {
			return nil, 0, err
		}
		entries = append(entries, &e)
	}
	return entries, total, rows.Err()
}
