package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robcowart/ocm-ca/internal/database/models"
)

const userColumns = `id, username, password_hash, role, created_at, last_login_at`

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.CreatedAt, &user.LastLoginAt)
	if err != nil {
		return nil, translateError(err)
	}
	return &user, nil
}

// CreateUser creates a new user
func (d *Database) CreateUser(ctx context.Context, user *models.User) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := d.db.ExecContext(ctx, d.rebind(query), user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt)
	return translateError(err)
}

// GetUserByUsername retrieves a user by username
func (d *Database) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + userColumns + ` FROM users WHERE username = ?`
	return scanUser(d.db.QueryRowContext(ctx, d.rebind(query), username))
}

// GetUserByID retrieves a user by ID
func (d *Database) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return scanUser(d.db.QueryRowContext(ctx, d.rebind(query), id))
}

// UpdateLastLogin records a successful login time
func (d *Database) UpdateLastLogin(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	_, err := d.db.ExecContext(ctx, d.rebind(`UPDATE users SET last_login_at = ? WHERE id = ?`), at, id)
	return err
}

// IsSetupComplete checks if initial setup has been completed
func (d *Database) IsSetupComplete(ctx context.Context) (bool, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var count int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// CompleteSetup creates the first admin account and consumes the setup token
// in one transaction. It fails with ErrSetupCompleted if any user exists and
// with ErrTokenMismatch if the stored token hash is gone or differs.
func (d *Database) CompleteSetup(ctx context.Context, user *models.User, tokenHash string) error {
	return d.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
			return fmt.Errorf("failed to count users: %w", err)
		}
		if count > 0 {
			return ErrSetupCompleted
		}

		res, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM system_config WHERE key = ? AND value = ?`),
			ConfigKeySetupTokenHash, tokenHash)
		if err != nil {
			return fmt.Errorf("failed to consume setup token: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrTokenMismatch
		}

		query := `INSERT INTO users (id, username, password_hash, role, created_at) VALUES (?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, d.rebind(query),
			user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt); err != nil {
			return fmt.Errorf("failed to create user: %w", translateError(err))
		}
		return nil
	})
}
