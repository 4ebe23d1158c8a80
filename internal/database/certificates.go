package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/robcowart/ocm-ca/internal/database/models"
)

const certificateColumns = `id, serial_number, authority_fingerprint, common_name, alt_names_json, is_client,
	key_type, key_size, signature_algorithm, organization, country, certificate_pem, private_key_enc,
	pkcs12, fingerprint, not_before, not_after, revoked, revoked_at, revocation_reason, renewed_from, created_at`

// CertificateFilter narrows ListCertificates. Zero values match everything.
type CertificateFilter struct {
	// Type is "server", "client" or empty
	Type       string
	CommonName string
}

func scanCertificate(row rowScanner) (*models.Certificate, error) {
	var c models.Certificate
	err := row.Scan(
		&c.ID, &c.SerialNumber, &c.AuthorityFingerprint, &c.CommonName, &c.AltNamesJSON, &c.IsClient,
		&c.KeyType, &c.KeySize, &c.SignatureAlgorithm, &c.Organization, &c.Country, &c.CertificatePEM,
		&c.PrivateKeyEnc, &c.PKCS12, &c.Fingerprint, &c.NotBefore, &c.NotAfter, &c.Revoked, &c.RevokedAt,
		&c.RevocationReason, &c.RenewedFrom, &c.CreatedAt,
	)
	if err != nil {
		return nil, translateError(err)
	}
	return &c, nil
}

// CreateCertificate persists an issued certificate. Its serial must already be reserved.
func (d *Database) CreateCertificate(ctx context.Context, cert *models.Certificate) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `INSERT INTO certificates
	          (id, serial_number, authority_fingerprint, common_name, alt_names_json, is_client,
	           key_type, key_size, signature_algorithm, organization, country, certificate_pem, private_key_enc,
	           pkcs12, fingerprint, not_before, not_after, revoked, revoked_at, revocation_reason, renewed_from, created_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, d.rebind(query),
		cert.ID, cert.SerialNumber, cert.AuthorityFingerprint, cert.CommonName, cert.AltNamesJSON, cert.IsClient,
		cert.KeyType, cert.KeySize, cert.SignatureAlgorithm, cert.Organization, cert.Country, cert.CertificatePEM,
		cert.PrivateKeyEnc, cert.PKCS12, cert.Fingerprint, cert.NotBefore, cert.NotAfter, cert.Revoked,
		cert.RevokedAt, cert.RevocationReason, cert.RenewedFrom, cert.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert certificate: %w", translateError(err))
	}
	return nil
}

// GetCertificateBySerial retrieves a certificate by serial number
func (d *Database) GetCertificateBySerial(ctx context.Context, serial string) (*models.Certificate, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE serial_number = ?`
	return scanCertificate(d.db.QueryRowContext(ctx, d.rebind(query), serial))
}

// GetLatestCertificateByCommonName returns the most recently issued certificate with the given common name
func (d *Database) GetLatestCertificateByCommonName(ctx context.Context, commonName string) (*models.Certificate, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE common_name = ? ORDER BY created_at DESC LIMIT 1`
	return scanCertificate(d.db.QueryRowContext(ctx, d.rebind(query), commonName))
}

// ListCertificates retrieves certificates matching filter, newest first
func (d *Database) ListCertificates(ctx context.Context, filter CertificateFilter) ([]*models.Certificate, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	var where []string
	var args []any
	switch filter.Type {
	case "server":
		where = append(where, "is_client = ?")
		args = append(args, false)
	case "client":
		where = append(where, "is_client = ?")
		args = append(args, true)
	}
	if filter.CommonName != "" {
		where = append(where, "common_name = ?")
		args = append(args, filter.CommonName)
	}

	query := `SELECT ` + certificateColumns + ` FROM certificates`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`

	rows, err := d.db.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	certificates := []*models.Certificate{}
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, err
		}
		certificates = append(certificates, cert)
	}
	return certificates, rows.Err()
}

// DeleteCertificate removes a certificate row. The serial stays reserved and any
// revocation entry is kept. Deleting an already deleted certificate is a no-op;
// ErrNotFound is returned only for serials that were never allocated.
func (d *Database) DeleteCertificate(ctx context.Context, serial string) error {
	return d.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, d.rebind(`DELETE FROM certificates WHERE serial_number = ?`), serial)
		if err != nil {
			return fmt.Errorf("failed to delete certificate: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}

		var count int
		err = tx.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM serial_registry WHERE serial_number = ?`), serial).Scan(&count)
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return nil
	})
}
