package service

import (
	"encoding/json"
	"time"

	"github.com/robcowart/ocm-ca/internal/database/models"
)

// Status is the lifecycle state of a certificate at a point in time
type Status string

const (
	StatusValid    Status = "valid"
	StatusExpiring Status = "expiring"
	StatusExpired  Status = "expired"
	StatusRevoked  Status = "revoked"
)

// ParseStatus validates a status filter value. The empty string matches every status.
func ParseStatus(s string) (Status, bool) {
	switch Status(s) {
	case "", StatusValid, StatusExpiring, StatusExpired, StatusRevoked:
		return Status(s), true
	case "expiring_soon":
		return StatusExpiring, true
	}
	return "", false
}

// ComputeStatus derives the status from stored fields only. Revocation wins
// over expiry, and a certificate is expiring when its expiry falls within window.
func ComputeStatus(notAfter time.Time, revoked bool, now time.Time, window time.Duration) Status {
	switch {
	case revoked:
		return StatusRevoked
	case now.After(notAfter):
		return StatusExpired
	case !now.Add(window).Before(notAfter):
		return StatusExpiring
	default:
		return StatusValid
	}
}

// RemainingDays returns the whole days left before notAfter, or 0 once expired
func RemainingDays(notAfter, now time.Time) int {
	if !notAfter.After(now) {
		return 0
	}
	return int(notAfter.Sub(now) / (24 * time.Hour))
}

// CertificateView is the API representation of a stored certificate with its
// derived flags. It never carries private key material.
type CertificateView struct {
	ID                   string     `json:"id"`
	SerialNumber         string     `json:"serial_number"`
	CommonName           string     `json:"common_name"`
	Type                 string     `json:"type"`
	IsClient             bool       `json:"is_client"`
	AltNames             []string   `json:"alt_names"`
	Organization         string     `json:"organization"`
	Country              string     `json:"country"`
	KeyType              string     `json:"key_type"`
	KeySize              int        `json:"key_size"`
	SignatureAlgorithm   string     `json:"signature_algorithm"`
	Fingerprint          string     `json:"fingerprint"`
	AuthorityFingerprint string     `json:"authority_fingerprint"`
	IssuedDate           time.Time  `json:"issued_date"`
	ExpiryDate           time.Time  `json:"expiry_date"`
	Status               Status     `json:"status"`
	RemainingDays        int        `json:"remaining_days"`
	IsExpired            bool       `json:"is_expired"`
	IsExpiringSoon       bool       `json:"is_expiring_soon"`
	IsRevoked            bool       `json:"is_revoked"`
	RevokedAt            *time.Time `json:"revoked_at,omitempty"`
	RevocationReason     string     `json:"revocation_reason,omitempty"`
	RenewedFrom          string     `json:"renewed_from,omitempty"`
	Trusted              bool       `json:"trusted"`
	HasPKCS12            bool       `json:"has_p12"`
	CertificatePEM       string     `json:"certificate_pem"`
	CreatedAt            time.Time  `json:"created_at"`
}

// NewCertificateView builds the view of cert as seen at now. activeAuthority is
// the fingerprint of the current root; certificates issued by an earlier root
// are reported as untrusted.
func NewCertificateView(cert *models.Certificate, now time.Time, window time.Duration, activeAuthority string) *CertificateView {
	status := ComputeStatus(cert.NotAfter, cert.Revoked, now, window)

	altNames := []string{}
	if cert.AltNamesJSON != "" {
		_ = json.Unmarshal([]byte(cert.AltNamesJSON), &altNames)
	}

	certType := "server"
	if cert.IsClient {
		certType = "client"
	}

	v := &CertificateView{
		ID:                   cert.ID,
		SerialNumber:         cert.SerialNumber,
		CommonName:           cert.CommonName,
		Type:                 certType,
		IsClient:             cert.IsClient,
		AltNames:             altNames,
		Organization:         cert.Organization,
		Country:              cert.Country,
		KeyType:              cert.KeyType,
		KeySize:              cert.KeySize,
		SignatureAlgorithm:   cert.SignatureAlgorithm,
		Fingerprint:          cert.Fingerprint,
		AuthorityFingerprint: cert.AuthorityFingerprint,
		IssuedDate:           cert.NotBefore,
		ExpiryDate:           cert.NotAfter,
		Status:               status,
		IsExpired:            now.After(cert.NotAfter),
		IsExpiringSoon:       status == StatusExpiring,
		IsRevoked:            cert.Revoked,
		RenewedFrom:          cert.RenewedFrom.String,
		Trusted:              cert.AuthorityFingerprint == activeAuthority,
		HasPKCS12:            len(cert.PKCS12) > 0,
		CertificatePEM:       cert.CertificatePEM,
		CreatedAt:            cert.CreatedAt,
	}
	if status != StatusExpired && status != StatusRevoked {
		v.RemainingDays = RemainingDays(cert.NotAfter, now)
	}
	if cert.RevokedAt.Valid {
		t := cert.RevokedAt.Time
		v.RevokedAt = &t
		v.RevocationReason = cert.RevocationReason.String
	}
	return v
}

// Statistics summarises the certificate store for the dashboard
type Statistics struct {
	Total    int `json:"total"`
	Valid    int `json:"valid"`
	Expiring int `json:"expiring"`
	Expired  int `json:"expired"`
	Revoked  int `json:"revoked"`
	Server   int `json:"server"`
	Client   int `json:"client"`
}

func (s *Statistics) add(v *CertificateView) {
	s.Total++
	switch v.Status {
	case StatusValid:
		s.Valid++
	case StatusExpiring:
		s.Expiring++
	case StatusExpired:
		s.Expired++
	case StatusRevoked:
		s.Revoked++
	}
	if v.IsClient {
		s.Client++
	} else {
		s.Server++
	}
}
