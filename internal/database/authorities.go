package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/robcowart/ocm-ca/internal/database/models"
)

const authorityColumns = `id, common_name, organization, country, serial_number, fingerprint, algorithm,
	not_before, not_after, certificate_pem, private_key_enc, active, created_at, retired_at`

func scanAuthority(row rowScanner) (*models.Authority, error) {
	var a models.Authority
	err := row.Scan(
		&a.ID, &a.CommonName, &a.Organization, &a.Country, &a.SerialNumber, &a.Fingerprint, &a.Algorithm,
		&a.NotBefore, &a.NotAfter, &a.CertificatePEM, &a.PrivateKeyEnc, &a.Active, &a.CreatedAt, &a.RetiredAt,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return &a, nil
}

// CreateAuthority stores a new root and makes it the only active one.
// Any previously active authority is retired in the same transaction.
func (d *Database) CreateAuthority(ctx context.Context, auth *models.Authority) error {
	return d.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		retire := `UPDATE authorities SET active = ?, retired_at = ? WHERE active = ?`
		if _, err := tx.ExecContext(ctx, d.rebind(retire), false, auth.CreatedAt, true); err != nil {
			return fmt.Errorf("failed to retire previous authority: %w", err)
		}

		insert := `INSERT INTO authorities
		           (id, common_name, organization, country, serial_number, fingerprint, algorithm,
		            not_before, not_after, certificate_pem, private_key_enc, active, created_at)
		           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := tx.ExecContext(ctx, d.rebind(insert),
			auth.ID, auth.CommonName, auth.Organization, auth.Country, auth.SerialNumber, auth.Fingerprint,
			auth.Algorithm, auth.NotBefore, auth.NotAfter, auth.CertificatePEM, auth.PrivateKeyEnc,
			true, auth.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert authority: %w", translateError(err))
		}
		auth.Active = true
		return nil
	})
}

// GetActiveAuthority returns the authority currently used for signing
func (d *Database) GetActiveAuthority(ctx context.Context) (*models.Authority, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + authorityColumns + ` FROM authorities WHERE active = ? ORDER BY created_at DESC LIMIT 1`
	return scanAuthority(d.db.QueryRowContext(ctx, d.rebind(query), true))
}

// GetAuthorityByFingerprint returns the authority, active or retired, with the given certificate fingerprint
func (d *Database) GetAuthorityByFingerprint(ctx context.Context, fingerprint string) (*models.Authority, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + authorityColumns + ` FROM authorities WHERE fingerprint = ?`
	return scanAuthority(d.db.QueryRowContext(ctx, d.rebind(query), fingerprint))
}

// ListAuthorities retrieves all authorities, newest first
func (d *Database) ListAuthorities(ctx context.Context) ([]*models.Authority, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `SELECT `+authorityColumns+` FROM authorities ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var authorities []*models.Authority
	for rows.Next() {
		a, err := scanAuthority(rows)
		if err != nil {
			return nil, err
		}
		authorities = append(authorities, a)
	}
	return authorities, rows.Err()
}
