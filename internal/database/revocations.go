package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robcowart/ocm-ca/internal/database/models"
)

// CRLBuilder signs a CRL over entries using number as its CRL number.
// It runs inside the publishing transaction and must not touch the database.
type CRLBuilder func(entries []models.Revocation, number int64) (*models.CRL, error)

// RevokeParams describes one revocation
type RevokeParams struct {
	SerialNumber string
	Reason       string
	RevokedAt    time.Time
	// CRLAuthority is the fingerprint of the authority whose CRL is reissued
	CRLAuthority string
}

// RevokeCertificate marks a certificate revoked, records the revocation entry
// and publishes a freshly signed CRL, all in one transaction. The certificate
// row is returned as updated together with the published CRL.
func (d *Database) RevokeCertificate(ctx context.Context, p RevokeParams, build CRLBuilder) (*models.Certificate, *models.CRL, error) {
	var cert *models.Certificate
	var crl *models.CRL

	err := d.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		update := `UPDATE certificates SET revoked = ?, revoked_at = ?, revocation_reason = ?
		           WHERE serial_number = ? AND revoked = ?`
		res, err := tx.ExecContext(ctx, d.rebind(update), true, p.RevokedAt, p.Reason, p.SerialNumber, false)
		if err != nil {
			return fmt.Errorf("failed to mark certificate revoked: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		query := `SELECT ` + certificateColumns + ` FROM certificates WHERE serial_number = ?`
		cert, err = scanCertificate(tx.QueryRowContext(ctx, d.rebind(query), p.SerialNumber))
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAlreadyRevoked
		}
		if cert.AuthorityFingerprint != p.CRLAuthority {
			return ErrRetiredAuthority
		}

		insert := `INSERT INTO revocations (serial_number, authority_fingerprint, reason, revoked_at) VALUES (?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, d.rebind(insert),
			p.SerialNumber, cert.AuthorityFingerprint, p.Reason, p.RevokedAt); err != nil {
			return fmt.Errorf("failed to record revocation: %w", translateError(err))
		}

		crl, err = d.publishCRL(ctx, tx, p.CRLAuthority, build)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyRevoked) || errors.Is(err, ErrRetiredAuthority) {
			return cert, nil, err
		}
		return nil, nil, err
	}
	return cert, crl, nil
}

// PublishCRL signs and stores a new CRL for authority without changing the revoked set
func (d *Database) PublishCRL(ctx context.Context, authority string, build CRLBuilder) (*models.CRL, error) {
	var crl *models.CRL
	err := d.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		crl, err = d.publishCRL(ctx, tx, authority, build)
		return err
	})
	if err != nil {
		return nil, err
	}
	return crl, nil
}

func (d *Database) publishCRL(ctx context.Context, tx *sql.Tx, authority string, build CRLBuilder) (*models.CRL, error) {
	// The revoked set and the CRL number are read under a per-authority lock
	if lock := d.crlLockQuery(); lock != "" {
		if _, err := tx.ExecContext(ctx, lock, authority); err != nil {
			return nil, fmt.Errorf("failed to lock CRL: %w", err)
		}
	}

	entries, err := listRevocations(ctx, tx, d.rebind, authority)
	if err != nil {
		return nil, err
	}

	var last int64
	err = tx.QueryRowContext(ctx, d.rebind(`SELECT crl_number FROM crls WHERE authority_fingerprint = ?`), authority).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read CRL number: %w", err)
	}

	crl, err := build(entries, last+1)
	if err != nil {
		return nil, err
	}
	crl.AuthorityFingerprint = authority

	upsert := `INSERT INTO crls (authority_fingerprint, crl_number, this_update, next_update, der) VALUES (?, ?, ?, ?, ?)
	           ON CONFLICT (authority_fingerprint) DO UPDATE SET crl_number = excluded.crl_number,
	           this_update = excluded.this_update, next_update = excluded.next_update, der = excluded.der`
	if _, err := tx.ExecContext(ctx, d.rebind(upsert),
		authority, crl.Number, crl.ThisUpdate, crl.NextUpdate, crl.DER); err != nil {
		return nil, fmt.Errorf("failed to store CRL: %w", err)
	}
	return crl, nil
}

// crlLockQuery returns the statement serializing CRL publication per authority.
// SQLite runs on a single connection, so its transactions are already serial.
func (d *Database) crlLockQuery() string {
	if d.dbType != "postgres" {
		return ""
	}
	return `SELECT pg_advisory_xact_lock(hashtext($1))`
}

// GetCRL returns the last published CRL of authority
func (d *Database) GetCRL(ctx context.Context, authority string) (*models.CRL, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var crl models.CRL
	query := `SELECT authority_fingerprint, crl_number, this_update, next_update, der FROM crls WHERE authority_fingerprint = ?`
	err := d.db.QueryRowContext(ctx, d.rebind(query), authority).Scan(
		&crl.AuthorityFingerprint, &crl.Number, &crl.ThisUpdate, &crl.NextUpdate, &crl.DER,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return &crl, nil
}

// ListRevocations returns the revocation entries of authority ordered by serial
func (d *Database) ListRevocations(ctx context.Context, authority string) ([]models.Revocation, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return listRevocations(ctx, d.db, d.rebind, authority)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listRevocations(ctx context.Context, q queryer, rebind func(string) string, authority string) ([]models.Revocation, error) {
	query := `SELECT serial_number, authority_fingerprint, reason, revoked_at FROM revocations
	          WHERE authority_fingerprint = ? ORDER BY serial_number`
	rows, err := q.QueryContext(ctx, rebind(query), authority)
	if err != nil {
		return nil, fmt.Errorf("failed to list revocations: %w", err)
	}
	defer rows.Close()

	entries := []models.Revocation{}
	for rows.Next() {
		var r models.Revocation
		if err := rows.Scan(&r.SerialNumber, &r.AuthorityFingerprint, &r.Reason, &r.RevokedAt); err != nil {
			return nil, err
		}
		entries = append(entries, r)
	}
	return entries, rows.Err()
}
