package database

import (
	"context"
	"fmt"
	"time"
)

// System configuration keys
const (
	ConfigKeyJWTSecret      = "jwt_secret"
	ConfigKeySetupTokenHash = "setup_token_hash"
)

// SetSystemConfig sets a system configuration value
func (d *Database) SetSystemConfig(ctx context.Context, key, value string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `INSERT INTO system_config (key, value, updated_at) VALUES (?, ?, ?)
	          ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	if _, err := d.db.ExecContext(ctx, d.rebind(query), key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set system config %s: %w", key, err)
	}
	return nil
}

// GetSystemConfig retrieves a system configuration value
func (d *Database) GetSystemConfig(ctx context.Context, key string) (string, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var value string
	err := d.db.QueryRowContext(ctx, d.rebind(`SELECT value FROM system_config WHERE key = ?`), key).Scan(&value)
	if err != nil {
		return "", translateError(err)
	}
	return value, nil
}

// DeleteSystemConfig removes a system configuration value. Missing keys are not an error.
func (d *Database) DeleteSystemConfig(ctx context.Context, key string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if _, err := d.db.ExecContext(ctx, d.rebind(`DELETE FROM system_config WHERE key = ?`), key); err != nil {
		return fmt.Errorf("failed to delete system config %s: %w", key, err)
	}
	return nil
}
