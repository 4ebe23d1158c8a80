package service

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/config"
	"github.com/robcowart/ocm-ca/internal/crypto"
	"github.com/robcowart/ocm-ca/internal/database"
	"github.com/robcowart/ocm-ca/internal/database/models"
)

// RevocationStore persists revocations and signed CRLs
type RevocationStore interface {
	RevokeCertificate(ctx context.Context, p database.RevokeParams, build database.CRLBuilder) (*models.Certificate, *models.CRL, error)
	PublishCRL(ctx context.Context, authority string, build database.CRLBuilder) (*models.CRL, error)
	GetCRL(ctx context.Context, authority string) (*models.CRL, error)
}

// CRLSigner signs CRLs with the active root
type CRLSigner interface {
	Fingerprint() (string, error)
	SignCRL(fingerprint string, req *crypto.CRLRequest) ([]byte, error)
}

// CRLInfo describes the current CRL
type CRLInfo struct {
	AuthorityFingerprint string    `json:"authority_fingerprint"`
	Number               int64     `json:"crl_number"`
	ThisUpdate           time.Time `json:"this_update"`
	NextUpdate           time.Time `json:"next_update"`
	RevokedCount         int       `json:"revoked_count"`
}

// RevocationManager revokes certificates and keeps the CRL of the active root
// current. A revocation and its CRL are committed together, and readers are
// served the last committed CRL through an atomically swapped pointer.
type RevocationManager struct {
	store  RevocationStore
	signer CRLSigner
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time

	current atomic.Pointer[models.CRL]
}

// NewRevocationManager creates a new revocation manager
func NewRevocationManager(store RevocationStore, signer CRLSigner, cfg *config.Config, logger *zap.Logger) *RevocationManager {
	return &RevocationManager{
		store:  store,
		signer: signer,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Revoke marks serial revoked and publishes a new CRL before returning. An
// already revoked certificate is returned with ErrAlreadyRevoked and the CRL
// is left as it is. Certificates issued by a retired root cannot be revoked
// since no CRL of the active root may list them.
func (m *RevocationManager) Revoke(ctx context.Context, serial, reason string) (*models.Certificate, error) {
	_, canonical, err := crypto.ParseSerial(serial)
	if err != nil {
		return nil, invalidRequest("invalid serial number")
	}
	if reason == "" {
		reason = "unspecified"
	}
	if _, ok := crypto.ReasonCode(reason); !ok {
		return nil, invalidRequest("unknown revocation reason: %s", reason)
	}

	fingerprint, err := m.signer.Fingerprint()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC().Truncate(time.Second)
	cert, crl, err := m.store.RevokeCertificate(ctx, database.RevokeParams{
		SerialNumber: canonical,
		Reason:       reason,
		RevokedAt:    now,
		CRLAuthority: fingerprint,
	}, m.builder(fingerprint, now))
	if err != nil {
		switch {
		case errors.Is(err, database.ErrAlreadyRevoked):
			return cert, newError(KindConflict, "Certificate already revoked", ErrAlreadyRevoked)
		case errors.Is(err, database.ErrNotFound):
			return nil, newError(KindNotFound, "Certificate not found", ErrCertificateNotFound)
		case errors.Is(err, database.ErrRetiredAuthority):
			return nil, newError(KindConflict, "Certificate belongs to a retired CA", ErrRetiredAuthority)
		}
		var serr *Error
		if errors.As(err, &serr) {
			return nil, serr
		}
		return nil, internalError("failed to revoke certificate", err)
	}
	m.publish(crl)

	m.logger.Info("Certificate revoked",
		zap.String("serial_number", canonical),
		zap.String("reason", reason),
		zap.Int64("crl_number", crl.Number),
	)
	return cert, nil
}

// builder returns a CRL builder signing with the root identified by fingerprint
func (m *RevocationManager) builder(fingerprint string, now time.Time) database.CRLBuilder {
	return func(entries []models.Revocation, number int64) (*models.CRL, error) {
		req := &crypto.CRLRequest{
			Number:     number,
			ThisUpdate: now,
			NextUpdate: now.Add(m.cfg.CA.CRLValidity),
			Entries:    make([]crypto.CRLEntry, 0, len(entries)),
		}
		for _, e := range entries {
			n, _, err := crypto.ParseSerial(e.SerialNumber)
			if err != nil {
				return nil, internalError("corrupt revocation entry", err)
			}
			req.Entries = append(req.Entries, crypto.CRLEntry{
				SerialNumber: n,
				RevokedAt:    e.RevokedAt,
				Reason:       e.Reason,
			})
		}

		der, err := m.signer.SignCRL(fingerprint, req)
		if err != nil {
			return nil, err
		}
		return &models.CRL{
			AuthorityFingerprint: fingerprint,
			Number:               number,
			ThisUpdate:           req.ThisUpdate,
			NextUpdate:           req.NextUpdate,
			DER:                  der,
		}, nil
	}
}

// publish makes crl visible to readers unless a newer CRL of the same root
// already is.
func (m *RevocationManager) publish(crl *models.CRL) {
	for {
		old := m.current.Load()
		if old != nil && old.AuthorityFingerprint == crl.AuthorityFingerprint && old.Number >= crl.Number {
			return
		}
		if m.current.CompareAndSwap(old, crl) {
			return
		}
	}
}

// GenerateCRL signs and publishes a new CRL over the current revoked set
func (m *RevocationManager) GenerateCRL(ctx context.Context) (*models.CRL, error) {
	fingerprint, err := m.signer.Fingerprint()
	if err != nil {
		return nil, err
	}

	crl, err := m.store.PublishCRL(ctx, fingerprint, m.builder(fingerprint, m.now().UTC().Truncate(time.Second)))
	if err != nil {
		var serr *Error
		if errors.As(err, &serr) {
			return nil, serr
		}
		return nil, internalError("failed to publish CRL", err)
	}
	m.publish(crl)

	m.logger.Info("CRL published",
		zap.String("authority", fingerprint),
		zap.Int64("crl_number", crl.Number),
		zap.Time("next_update", crl.NextUpdate),
	)
	return crl, nil
}

// CRL returns the current CRL of the active root, publishing one if none exists
func (m *RevocationManager) CRL(ctx context.Context) (*models.CRL, error) {
	fingerprint, err := m.signer.Fingerprint()
	if err != nil {
		return nil, err
	}

	if crl := m.current.Load(); crl != nil && crl.AuthorityFingerprint == fingerprint {
		return crl, nil
	}

	crl, err := m.store.GetCRL(ctx, fingerprint)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return m.GenerateCRL(ctx)
		}
		return nil, internalError("failed to load CRL", err)
	}
	m.publish(crl)
	return m.current.Load(), nil
}

// Info describes the current CRL
func (m *RevocationManager) Info(ctx context.Context) (*CRLInfo, error) {
	crl, err := m.CRL(ctx)
	if err != nil {
		return nil, err
	}

	parsed, err := crypto.ParseCRL(crl.DER)
	if err != nil {
		return nil, internalError("failed to parse CRL", err)
	}
	return &CRLInfo{
		AuthorityFingerprint: crl.AuthorityFingerprint,
		Number:               crl.Number,
		ThisUpdate:           crl.ThisUpdate,
		NextUpdate:           crl.NextUpdate,
		RevokedCount:         len(parsed.RevokedCertificateEntries),
	}, nil
}

// Download returns the current CRL as PEM, or DER when format is "der"
func (m *RevocationManager) Download(ctx context.Context, format string) (*Download, error) {
	crl, err := m.CRL(ctx)
	if err != nil {
		return nil, err
	}

	switch format {
	case "", FormatPEM:
		return &Download{Filename: "ca.crl", ContentType: "application/x-pem-file", Data: crypto.EncodeCRLPEM(crl.DER)}, nil
	case FormatDER:
		return &Download{Filename: "ca.crl", ContentType: "application/pkix-crl", Data: crl.DER}, nil
	}
	return nil, invalidRequest("unsupported format: %s", format)
}

// refreshDue reports whether crl should be reissued at now
func (m *RevocationManager) refreshDue(crl *models.CRL, now time.Time) bool {
	return !now.Before(crl.NextUpdate.Add(-m.cfg.CA.CRLRefreshMargin))
}

// Refresh reissues the CRL when it is close to its next update
func (m *RevocationManager) Refresh(ctx context.Context) error {
	crl, err := m.CRL(ctx)
	if err != nil {
		return err
	}
	if !m.refreshDue(crl, m.now()) {
		return nil
	}
	_, err = m.GenerateCRL(ctx)
	return err
}

// Run refreshes the CRL periodically until ctx is cancelled
func (m *RevocationManager) Run(ctx context.Context) {
	interval := m.cfg.CA.CRLRefreshMargin / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Error("CRL refresh failed", zap.Error(err))
			}
		}
	}
}
