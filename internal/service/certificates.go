package service

import (
	"context"
	"errors"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/config"
	"github.com/robcowart/ocm-ca/internal/crypto"
	"github.com/robcowart/ocm-ca/internal/database"
	"github.com/robcowart/ocm-ca/internal/database/models"
)

// Download formats for issued certificates
const (
	FormatCRT   = "crt"
	FormatDER   = "der"
	FormatPEM   = "pem"
	FormatKey   = "key"
	FormatP12   = "p12"
	FormatChain = "chain"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// RootMaterial exposes the public side of the CA root and leaf key decryption
type RootMaterial interface {
	Fingerprint() (string, error)
	CertificatePEM() (string, error)
	OpenPrivateKey(encrypted []byte, serial string) ([]byte, error)
}

// ListFilter narrows certificate listings
type ListFilter struct {
	Type   string // "server", "client" or empty
	Status Status
}

// Download is a file ready to be sent to a client
type Download struct {
	Filename    string
	ContentType string
	Data        []byte
}

// CertificateService answers queries over the certificate store. Status is
// derived at query time so every listing agrees with ComputeStatus.
type CertificateService struct {
	store  CertificateStore
	root   RootMaterial
	cfg    *config.Config
	logger *zap.Logger
	now    func() time.Time
}

// NewCertificateService creates a new certificate service
func NewCertificateService(store CertificateStore, root RootMaterial, cfg *config.Config, logger *zap.Logger) *CertificateService {
	return &CertificateService{
		store:  store,
		root:   root,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// View converts a stored certificate to its API representation
func (s *CertificateService) View(cert *models.Certificate) *CertificateView {
	active, _ := s.root.Fingerprint()
	return NewCertificateView(cert, s.now(), s.cfg.CA.ExpiringWindow, active)
}

// List returns certificates matching filter, newest first
func (s *CertificateService) List(ctx context.Context, filter ListFilter) ([]*CertificateView, error) {
	switch filter.Type {
	case "", "server", "client":
	default:
		return nil, invalidRequest("type must be server or client")
	}
	status, ok := ParseStatus(string(filter.Status))
	if !ok {
		return nil, invalidRequest("status must be valid, expiring, expired or revoked")
	}

	certs, err := s.store.ListCertificates(ctx, database.CertificateFilter{Type: filter.Type})
	if err != nil {
		return nil, internalError("failed to list certificates", err)
	}

	active, _ := s.root.Fingerprint()
	now := s.now()
	views := make([]*CertificateView, 0, len(certs))
	for _, cert := range certs {
		v := NewCertificateView(cert, now, s.cfg.CA.ExpiringWindow, active)
		if status != "" && v.Status != status {
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

// Get returns one certificate by serial number
func (s *CertificateService) Get(ctx context.Context, serial string) (*CertificateView, error) {
	cert, err := s.get(ctx, serial)
	if err != nil {
		return nil, err
	}
	return s.View(cert), nil
}

func (s *CertificateService) get(ctx context.Context, serial string) (*models.Certificate, error) {
	_, canonical, err := crypto.ParseSerial(serial)
	if err != nil {
		return nil, invalidRequest("invalid serial number")
	}

	cert, err := s.store.GetCertificateBySerial(ctx, canonical)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, newError(KindNotFound, "Certificate not found", ErrCertificateNotFound)
		}
		return nil, internalError("failed to load certificate", err)
	}
	return cert, nil
}

// Delete removes a certificate record. Its serial stays retired and its
// revocation entry, if any, stays on the CRL. Deleting twice is a no-op.
func (s *CertificateService) Delete(ctx context.Context, serial string) error {
	_, canonical, err := crypto.ParseSerial(serial)
	if err != nil {
		return invalidRequest("invalid serial number")
	}

	if err := s.store.DeleteCertificate(ctx, canonical); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return newError(KindNotFound, "Certificate not found", ErrCertificateNotFound)
		}
		return internalError("failed to delete certificate", err)
	}

	s.logger.Info("Certificate deleted", zap.String("serial_number", canonical))
	return nil
}

// Statistics counts certificates by status and type
func (s *CertificateService) Statistics(ctx context.Context) (*Statistics, error) {
	views, err := s.List(ctx, ListFilter{})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{}
	for _, v := range views {
		stats.add(v)
	}
	return stats, nil
}

// Export returns a certificate in the requested format. name is a serial
// number or, failing that, the common name of the latest matching certificate.
func (s *CertificateService) Export(ctx context.Context, name, format string) (*Download, error) {
	cert, err := s.resolve(ctx, name)
	if err != nil {
		return nil, err
	}

	base := unsafeFilenameChars.ReplaceAllString(cert.CommonName, "_")

	switch format {
	case FormatCRT:
		return &Download{Filename: base + ".crt", ContentType: "application/x-pem-file", Data: []byte(cert.CertificatePEM)}, nil

	case FormatDER:
		der, err := crypto.DecodeCertificateDER(cert.CertificatePEM)
		if err != nil {
			return nil, internalError("failed to decode certificate", err)
		}
		return &Download{Filename: base + ".der", ContentType: "application/pkix-cert", Data: der}, nil

	case FormatChain:
		authority, err := s.store.GetAuthorityByFingerprint(ctx, cert.AuthorityFingerprint)
		if err != nil {
			return nil, internalError("failed to load issuing CA", err)
		}
		caPEM := authority.CertificatePEM
		return &Download{
			Filename:    base + "-chain.pem",
			ContentType: "application/x-pem-file",
			Data:        []byte(crypto.ChainPEM(cert.CertificatePEM, caPEM)),
		}, nil

	case FormatKey:
		keyPEM, err := s.privateKeyPEM(cert)
		if err != nil {
			return nil, err
		}
		return &Download{Filename: base + ".key", ContentType: "application/x-pem-file", Data: keyPEM}, nil

	case FormatPEM:
		keyPEM, err := s.privateKeyPEM(cert)
		if err != nil {
			return nil, err
		}
		data := append([]byte(cert.CertificatePEM), keyPEM...)
		return &Download{Filename: base + ".pem", ContentType: "application/x-pem-file", Data: data}, nil

	case FormatP12:
		if len(cert.PKCS12) == 0 {
			return nil, newError(KindNotFound, "No PKCS#12 bundle was created for this certificate", nil)
		}
		return &Download{Filename: base + ".p12", ContentType: "application/x-pkcs12", Data: cert.PKCS12}, nil
	}

	return nil, invalidRequest("unsupported format: %s", format)
}

func (s *CertificateService) resolve(ctx context.Context, name string) (*models.Certificate, error) {
	if _, canonical, err := crypto.ParseSerial(name); err == nil {
		cert, err := s.store.GetCertificateBySerial(ctx, canonical)
		if err == nil {
			return cert, nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return nil, internalError("failed to load certificate", err)
		}
	}

	cert, err := s.store.GetLatestCertificateByCommonName(ctx, name)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, newError(KindNotFound, "Certificate not found", ErrCertificateNotFound)
		}
		return nil, internalError("failed to load certificate", err)
	}
	return cert, nil
}

func (s *CertificateService) privateKeyPEM(cert *models.Certificate) ([]byte, error) {
	der, err := s.root.OpenPrivateKey(cert.PrivateKeyEnc, cert.SerialNumber)
	if err != nil {
		return nil, err
	}
	return crypto.EncodePrivateKeyPEM(der), nil
}

// CADownload returns the root certificate in PEM or DER form
func CADownload(root RootMaterial, format string) (*Download, error) {
	caPEM, err := root.CertificatePEM()
	if err != nil {
		return nil, err
	}

	switch format {
	case "", FormatPEM, FormatCRT:
		return &Download{Filename: "ca.crt", ContentType: "application/x-pem-file", Data: []byte(caPEM)}, nil
	case FormatDER:
		der, err := crypto.DecodeCertificateDER(caPEM)
		if err != nil {
			return nil, internalError("failed to decode CA certificate", err)
		}
		return &Download{Filename: "ca.der", ContentType: "application/pkix-cert", Data: der}, nil
	}
	return nil, invalidRequest("unsupported format: %s", format)
}
