// Package models defines the data structures for database entities in the OCM CA.
// It includes models for users, the root authority, issued certificates,
// revocations, CRLs, sessions, audit entries, and system configuration.
package models

import (
	"database/sql"
	"time"
)

// User represents a system user
type User struct {
	ID           string       `db:"id"`
	Username     string       `db:"username"`
	PasswordHash string       `db:"password_hash"`
	Role         string       `db:"role"`
	CreatedAt    time.Time    `db:"created_at"`
	LastLoginAt  sql.NullTime `db:"last_login_at"`
}

// Authority represents a root certificate and its encrypted key
type Authority struct {
	ID             string       `db:"id"`
	CommonName     string       `db:"common_name"`
	Organization   string       `db:"organization"`
	Country        string       `db:"country"`
	SerialNumber   string       `db:"serial_number"`
	Fingerprint    string       `db:"fingerprint"`
	Algorithm      string       `db:"algorithm"`
	NotBefore      time.Time    `db:"not_before"`
	NotAfter       time.Time    `db:"not_after"`
	CertificatePEM string       `db:"certificate_pem"`
	PrivateKeyEnc  []byte       `db:"private_key_enc"`
	Active         bool         `db:"active"`
	CreatedAt      time.Time    `db:"created_at"`
	RetiredAt      sql.NullTime `db:"retired_at"`
}

// Certificate represents an issued leaf certificate
type Certificate struct {
	ID                   string         `db:"id"`
	SerialNumber         string         `db:"serial_number"`
	AuthorityFingerprint string         `db:"authority_fingerprint"`
	CommonName           string         `db:"common_name"`
	AltNamesJSON         string         `db:"alt_names_json"`
	IsClient             bool           `db:"is_client"`
	KeyType              string         `db:"key_type"`
	KeySize              int            `db:"key_size"`
	SignatureAlgorithm   string         `db:"signature_algorithm"`
	Organization         string         `db:"organization"`
	Country              string         `db:"country"`
	CertificatePEM       string         `db:"certificate_pem"`
	PrivateKeyEnc        []byte         `db:"private_key_enc"`
	PKCS12               []byte         `db:"pkcs12"`
	Fingerprint          string         `db:"fingerprint"`
	NotBefore            time.Time      `db:"not_before"`
	NotAfter             time.Time      `db:"not_after"`
	Revoked              bool           `db:"revoked"`
	RevokedAt            sql.NullTime   `db:"revoked_at"`
	RevocationReason     sql.NullString `db:"revocation_reason"`
	RenewedFrom          sql.NullString `db:"renewed_from"`
	CreatedAt            time.Time      `db:"created_at"`
}

// Revocation is a CRL entry. It is kept after the certificate row is deleted.
type Revocation struct {
	SerialNumber         string    `db:"serial_number"`
	AuthorityFingerprint string    `db:"authority_fingerprint"`
	Reason               string    `db:"reason"`
	RevokedAt            time.Time `db:"revoked_at"`
}

// CRL is the most recently signed revocation list of an authority
type CRL struct {
	AuthorityFingerprint string    `db:"authority_fingerprint"`
	Number               int64     `db:"crl_number"`
	ThisUpdate           time.Time `db:"this_update"`
	NextUpdate           time.Time `db:"next_update"`
	DER                  []byte    `db:"der"`
}

// Session represents a login session
type Session struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Username  string    `db:"username"`
	ClientIP  string    `db:"client_ip"`
	UserAgent string    `db:"user_agent"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

// AuditLog represents one append-only audit entry
type AuditLog struct {
	ID           string    `db:"id" json:"id"`
	CreatedAt    time.Time `db:"created_at" json:"timestamp"`
	Action       string    `db:"action" json:"action"`
	ResourceType string    `db:"resource_type" json:"resource_type"`
	ResourceID   string    `db:"resource_id" json:"resource_id,omitempty"`
	Username     string    `db:"username" json:"username,omitempty"`
	ClientIP     string    `db:"client_ip" json:"client_ip,omitempty"`
	UserAgent    string    `db:"user_agent" json:"user_agent,omitempty"`
	Success      bool      `db:"success" json:"success"`
	ErrorMessage string    `db:"error_message" json:"error,omitempty"`
}

// SystemConfig represents system-wide configuration stored in the database
type SystemConfig struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedAt time.Time `db:"updated_at"`
}
