package service

import (
	"context"
	stdcrypto "crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/config"
	"github.com/robcowart/ocm-ca/internal/crypto"
	"github.com/robcowart/ocm-ca/internal/database"
	"github.com/robcowart/ocm-ca/internal/database/models"
)

// RootParams describes a root certificate to generate. Zero fields take the
// configured defaults.
type RootParams struct {
	CommonName   string
	Organization string
	Country      string
	KeyType      string
	KeySize      int
	ValidityDays int
}

// CAInfo is the public description of the active root
type CAInfo struct {
	CommonName    string    `json:"common_name"`
	Organization  string    `json:"organization"`
	Country       string    `json:"country"`
	SerialNumber  string    `json:"serial_number"`
	Fingerprint   string    `json:"fingerprint"`
	Algorithm     string    `json:"algorithm"`
	ValidFrom     time.Time `json:"valid_from"`
	ValidUntil    time.Time `json:"valid_until"`
	Status        Status    `json:"status"`
	RemainingDays int       `json:"remaining_days"`
}

// SignedLeaf is a certificate signed by the root together with the issuer used
type SignedLeaf struct {
	Certificate       *x509.Certificate
	DER               []byte
	Issuer            *x509.Certificate
	IssuerPEM         string
	IssuerFingerprint string
}

// rootMaterial is the unsealed active root. It is replaced as a whole on regeneration.
type rootMaterial struct {
	authority *models.Authority
	cert      *x509.Certificate
	signer    stdcrypto.Signer
}

// RootStore holds the CA private key and self-signed root certificate. The key
// is kept encrypted under the master key in the database and is never handed
// out; callers ask the store to sign instead.
type RootStore struct {
	db     *database.Database
	cfg    *config.Config
	logger *zap.Logger

	mu        sync.RWMutex
	masterKey *crypto.MasterKey
	root      *rootMaterial
	now       func() time.Time
}

// NewRootStore creates a root store. Open must be called before use.
func NewRootStore(db *database.Database, cfg *config.Config, logger *zap.Logger) *RootStore {
	return &RootStore{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Open loads the master key and the active root, creating both on first boot.
// A root that cannot be decrypted or does not match its certificate yields a
// KeyUnavailable error; the service must not start in that state.
func (s *RootStore) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	authority, err := s.db.GetActiveAuthority(ctx)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return internalError("failed to load CA", err)
	}

	masterKey, err := crypto.LoadMasterKey(s.cfg.Crypto.MasterKeyFile)
	switch {
	case errors.Is(err, crypto.ErrMasterKeyMissing) && authority == nil:
		s.logger.Info("Creating master key", zap.String("path", s.cfg.Crypto.MasterKeyFile))
		masterKey, err = crypto.CreateMasterKeyFile(s.cfg.Crypto.MasterKeyFile)
		if err != nil {
			return newError(KindKeyUnavailable, "failed to create master key", err)
		}
	case err != nil:
		return newError(KindKeyUnavailable, "master key unavailable", errors.Join(ErrKeyUnavailable, err))
	}
	s.masterKey = masterKey

	if authority == nil {
		s.logger.Info("No CA found, generating root certificate")
		root, err := s.generate(ctx, RootParams{})
		if err != nil {
			return err
		}
		s.root = root
		return nil
	}

	root, err := s.unseal(authority)
	if err != nil {
		return err
	}
	s.root = root

	s.logger.Info("CA loaded",
		zap.String("common_name", authority.CommonName),
		zap.String("fingerprint", authority.Fingerprint),
		zap.Time("not_after", authority.NotAfter),
	)
	return nil
}

func (s *RootStore) unseal(authority *models.Authority) (*rootMaterial, error) {
	cert, err := crypto.ParseCertificatePEM([]byte(authority.CertificatePEM))
	if err != nil {
		return nil, newError(KindKeyUnavailable, "CA certificate is corrupted", errors.Join(ErrKeyUnavailable, err))
	}

	keyDER, err := s.masterKey.Decrypt(authority.PrivateKeyEnc, authority.SerialNumber)
	if err != nil {
		return nil, newError(KindKeyUnavailable, "failed to decrypt CA private key", errors.Join(ErrKeyUnavailable, err))
	}
	signer, err := crypto.ParsePrivateKey(keyDER)
	if err != nil {
		return nil, newError(KindKeyUnavailable, "CA private key is corrupted", errors.Join(ErrKeyUnavailable, err))
	}
	if !crypto.VerifyKeyPair(cert, signer) {
		return nil, newError(KindKeyUnavailable, "CA private key does not match certificate", ErrKeyUnavailable)
	}

	return &rootMaterial{authority: authority, cert: cert, signer: signer}, nil
}

// generate creates a root, stores it as the active authority and returns it.
// The caller holds s.mu.
func (s *RootStore) generate(ctx context.Context, params RootParams) (*rootMaterial, error) {
	params = s.withDefaults(params)

	result, err := crypto.GenerateRootCA(&crypto.RootRequest{
		CommonName:   params.CommonName,
		Organization: params.Organization,
		Country:      params.Country,
		KeyType:      params.KeyType,
		KeySize:      params.KeySize,
		Validity:     time.Duration(params.ValidityDays) * 24 * time.Hour,
		Now:          s.now(),
	})
	if err != nil {
		return nil, invalidRequest("failed to generate root certificate: %v", err)
	}

	serial := crypto.FormatSerial(result.Certificate.SerialNumber)
	encryptedKey, err := s.masterKey.Encrypt(result.PrivateKeyDER, serial)
	if err != nil {
		return nil, internalError("failed to encrypt CA private key", err)
	}

	authority := &models.Authority{
		ID:             uuid.New().String(),
		CommonName:     params.CommonName,
		Organization:   params.Organization,
		Country:        params.Country,
		SerialNumber:   serial,
		Fingerprint:    crypto.Fingerprint(result.Certificate.Raw),
		Algorithm:      crypto.KeyAlgorithm(result.Certificate.PublicKey),
		NotBefore:      result.Certificate.NotBefore,
		NotAfter:       result.Certificate.NotAfter,
		CertificatePEM: result.CertificatePEM,
		PrivateKeyEnc:  encryptedKey,
		Active:         true,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.db.CreateAuthority(ctx, authority); err != nil {
		return nil, internalError("failed to store CA", err)
	}

	s.logger.Info("Root certificate generated",
		zap.String("common_name", authority.CommonName),
		zap.String("algorithm", authority.Algorithm),
		zap.String("fingerprint", authority.Fingerprint),
	)
	return &rootMaterial{authority: authority, cert: result.Certificate, signer: result.PrivateKey}, nil
}

func (s *RootStore) withDefaults(params RootParams) RootParams {
	if params.CommonName == "" {
		params.CommonName = s.cfg.CA.CommonName
	}
	if params.Organization == "" {
		params.Organization = s.cfg.CA.Organization
	}
	if params.Country == "" {
		params.Country = s.cfg.CA.Country
	}
	if params.KeyType == "" {
		params.KeyType = s.cfg.Crypto.DefaultAlgorithm
	}
	if params.KeySize == 0 {
		if params.KeyType == "ecdsa" {
			params.KeySize = crypto.CurveSize(s.cfg.Crypto.DefaultECCurve)
		} else {
			params.KeySize = s.cfg.Crypto.DefaultRSABits
		}
	}
	if params.ValidityDays == 0 {
		params.ValidityDays = int(s.cfg.Crypto.DefaultCAValidity.Hours() / 24)
	}
	return params
}

// Regenerate replaces the root. Every certificate issued so far loses its chain
// of trust; the previous authority is retired but kept for its revocation history.
func (s *RootStore) Regenerate(ctx context.Context, params RootParams) (*CAInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.masterKey == nil {
		return nil, newError(KindKeyUnavailable, "CA not loaded", ErrKeyUnavailable)
	}

	root, err := s.generate(ctx, params)
	if err != nil {
		return nil, err
	}
	previous := s.root
	s.root = root

	if previous != nil {
		s.logger.Warn("Root certificate regenerated",
			zap.String("previous_fingerprint", previous.authority.Fingerprint),
			zap.String("fingerprint", root.authority.Fingerprint),
		)
	}
	return s.info(root), nil
}

func (s *RootStore) current() (*rootMaterial, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.root == nil {
		return nil, newError(KindKeyUnavailable, "CA not loaded", ErrKeyUnavailable)
	}
	return s.root, nil
}

// Certificate returns the active root certificate
func (s *RootStore) Certificate() (*x509.Certificate, error) {
	root, err := s.current()
	if err != nil {
		return nil, err
	}
	return root.cert, nil
}

// CertificatePEM returns the active root certificate in PEM form
func (s *RootStore) CertificatePEM() (string, error) {
	root, err := s.current()
	if err != nil {
		return "", err
	}
	return root.authority.CertificatePEM, nil
}

// Fingerprint returns the SHA-256 fingerprint of the active root
func (s *RootStore) Fingerprint() (string, error) {
	root, err := s.current()
	if err != nil {
		return "", err
	}
	return root.authority.Fingerprint, nil
}

// Info describes the active root as seen at the current time
func (s *RootStore) Info() (*CAInfo, error) {
	root, err := s.current()
	if err != nil {
		return nil, err
	}
	return s.info(root), nil
}

func (s *RootStore) info(root *rootMaterial) *CAInfo {
	now := s.now()
	a := root.authority
	return &CAInfo{
		CommonName:    a.CommonName,
		Organization:  a.Organization,
		Country:       a.Country,
		SerialNumber:  a.SerialNumber,
		Fingerprint:   a.Fingerprint,
		Algorithm:     a.Algorithm,
		ValidFrom:     a.NotBefore,
		ValidUntil:    a.NotAfter,
		Status:        ComputeStatus(a.NotAfter, false, now, s.cfg.CA.ExpiringWindow),
		RemainingDays: RemainingDays(a.NotAfter, now),
	}
}

// Sign issues a leaf certificate for pub described by req
func (s *RootStore) Sign(req *crypto.LeafRequest, pub stdcrypto.PublicKey) (*SignedLeaf, error) {
	root, err := s.current()
	if err != nil {
		return nil, err
	}

	if req.NotAfter.After(root.cert.NotAfter) {
		return nil, invalidRequest("certificate would outlive the CA (valid until %s)", root.cert.NotAfter.Format(time.RFC3339))
	}

	template, err := crypto.LeafTemplate(req, root.cert.PublicKey)
	if err != nil {
		return nil, invalidRequest("%v", err)
	}

	cert, der, err := crypto.SignCertificate(template, root.cert, pub, root.signer)
	if err != nil {
		return nil, internalError("failed to sign certificate", err)
	}

	return &SignedLeaf{
		Certificate:       cert,
		DER:               der,
		Issuer:            root.cert,
		IssuerPEM:         root.authority.CertificatePEM,
		IssuerFingerprint: root.authority.Fingerprint,
	}, nil
}

// SignCRL signs a CRL with the root identified by fingerprint. It fails if that
// root is no longer active.
func (s *RootStore) SignCRL(fingerprint string, req *crypto.CRLRequest) ([]byte, error) {
	root, err := s.current()
	if err != nil {
		return nil, err
	}
	if root.authority.Fingerprint != fingerprint {
		return nil, newError(KindConflict, "CA changed while publishing the CRL", nil)
	}

	der, err := crypto.CreateCRL(req, root.cert, root.signer)
	if err != nil {
		return nil, internalError("failed to sign CRL", err)
	}
	return der, nil
}

// SealPrivateKey encrypts a leaf private key for storage, bound to its serial
func (s *RootStore) SealPrivateKey(pkcs8DER []byte, serial string) ([]byte, error) {
	s.mu.RLock()
	masterKey := s.masterKey
	s.mu.RUnlock()
	if masterKey == nil {
		return nil, newError(KindKeyUnavailable, "master key not loaded", ErrKeyUnavailable)
	}

	enc, err := masterKey.Encrypt(pkcs8DER, serial)
	if err != nil {
		return nil, internalError("failed to encrypt private key", err)
	}
	return enc, nil
}

// OpenPrivateKey decrypts a leaf private key sealed by SealPrivateKey
func (s *RootStore) OpenPrivateKey(encrypted []byte, serial string) ([]byte, error) {
	s.mu.RLock()
	masterKey := s.masterKey
	s.mu.RUnlock()
	if masterKey == nil {
		return nil, newError(KindKeyUnavailable, "master key not loaded", ErrKeyUnavailable)
	}

	der, err := masterKey.Decrypt(encrypted, serial)
	if err != nil {
		return nil, internalError("failed to decrypt private key", fmt.Errorf("serial %s: %w", serial, err))
	}
	return der, nil
}
