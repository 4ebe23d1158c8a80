package service

import (
	"context"
	stdcrypto "crypto"
	"crypto/x509"
	"database/sql"
	"encoding/json"
	"errors"
	"math/big"
	"net"
	"net/mail"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/config"
	"github.com/robcowart/ocm-ca/internal/crypto"
	"github.com/robcowart/ocm-ca/internal/database"
	"github.com/robcowart/ocm-ca/internal/database/models"
)

const (
	maxCommonNameLength   = 64
	maxOrganizationLength = 64
	maxAltNames           = 100
	maxP12PasswordLength  = 128
)

var (
	hostnameLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)
	identityName  = regexp.MustCompile(`^[\p{L}\p{N}][\p{L}\p{N} ._@+'-]*$`)
	countryCode   = regexp.MustCompile(`^[A-Z]{2}$`)
)

// LeafSigner signs leaf certificates with the CA root and seals their keys
type LeafSigner interface {
	Sign(req *crypto.LeafRequest, pub stdcrypto.PublicKey) (*SignedLeaf, error)
	SealPrivateKey(pkcs8DER []byte, serial string) ([]byte, error)
}

// SerialSource allocates never-used serial numbers
type SerialSource interface {
	Next(ctx context.Context) (*big.Int, string, error)
}

// CertificateStore is the durable record of issued certificates
type CertificateStore interface {
	CreateCertificate(ctx context.Context, cert *models.Certificate) error
	GetCertificateBySerial(ctx context.Context, serial string) (*models.Certificate, error)
	GetLatestCertificateByCommonName(ctx context.Context, commonName string) (*models.Certificate, error)
	ListCertificates(ctx context.Context, filter database.CertificateFilter) ([]*models.Certificate, error)
	DeleteCertificate(ctx context.Context, serial string) error
	GetAuthorityByFingerprint(ctx context.Context, fingerprint string) (*models.Authority, error)
}

// IssueRequest is a request to issue a server or client certificate. Zero
// values take the configured defaults.
type IssueRequest struct {
	CommonName         string
	IsClient           bool
	AltNames           []string
	ValidityDays       int
	KeyType            string
	KeySize            int
	SignatureAlgorithm string
	Organization       string
	Country            string
	// P12Password, when set, stores a password protected PKCS#12 bundle
	P12Password string
	P12Legacy   bool

	renewedFrom string
}

// Issuer builds, signs and records leaf certificates
type Issuer struct {
	signer  LeafSigner
	serials SerialSource
	store   CertificateStore
	cfg     *config.Config
	logger  *zap.Logger
	now     func() time.Time
}

// NewIssuer creates a new certificate issuer
func NewIssuer(signer LeafSigner, serials SerialSource, store CertificateStore, cfg *config.Config, logger *zap.Logger) *Issuer {
	return &Issuer{
		signer:  signer,
		serials: serials,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// subjectAltNames is the parsed form of IssueRequest.AltNames
type subjectAltNames struct {
	dns    []string
	ips    []net.IP
	emails []string
	all    []string
}

// Issue validates req, signs a new certificate and records it. The certificate
// is only returned once it has been stored.
func (s *Issuer) Issue(ctx context.Context, req *IssueRequest) (*models.Certificate, error) {
	norm, sans, err := s.normalize(req)
	if err != nil {
		return nil, err
	}

	privateKey, err := crypto.GenerateKey(norm.KeyType, norm.KeySize)
	if err != nil {
		return nil, internalError("failed to generate private key", err)
	}

	serialNumber, serial, err := s.serials.Next(ctx)
	if err != nil {
		return nil, err
	}

	notBefore := s.now().UTC().Truncate(time.Second)
	signed, err := s.signer.Sign(&crypto.LeafRequest{
		SerialNumber:       serialNumber,
		CommonName:         norm.CommonName,
		Organization:       norm.Organization,
		Country:            norm.Country,
		IsClient:           norm.IsClient,
		DNSNames:           sans.dns,
		IPAddresses:        sans.ips,
		EmailAddresses:     sans.emails,
		NotBefore:          notBefore,
		NotAfter:           notBefore.Add(time.Duration(norm.ValidityDays) * 24 * time.Hour),
		SignatureAlgorithm: norm.SignatureAlgorithm,
		CRLDistributionURL: s.cfg.CA.CRLDistributionURL,
	}, privateKey.Public())
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, internalError("failed to marshal private key", err)
	}
	encryptedKey, err := s.signer.SealPrivateKey(keyDER, serial)
	if err != nil {
		return nil, err
	}

	var p12 []byte
	if norm.P12Password != "" {
		if norm.P12Legacy {
			p12, err = crypto.ExportPKCS12Legacy(signed.Certificate, privateKey, norm.P12Password, signed.Issuer)
		} else {
			p12, err = crypto.ExportPKCS12(signed.Certificate, privateKey, norm.P12Password, signed.Issuer)
		}
		if err != nil {
			return nil, internalError("failed to build PKCS#12 bundle", err)
		}
	}

	altNamesJSON, err := json.Marshal(sans.all)
	if err != nil {
		return nil, internalError("failed to encode alternative names", err)
	}

	record := &models.Certificate{
		ID:                   uuid.New().String(),
		SerialNumber:         serial,
		AuthorityFingerprint: signed.IssuerFingerprint,
		CommonName:           norm.CommonName,
		AltNamesJSON:         string(altNamesJSON),
		IsClient:             norm.IsClient,
		KeyType:              norm.KeyType,
		KeySize:              norm.KeySize,
		SignatureAlgorithm:   norm.SignatureAlgorithm,
		Organization:         norm.Organization,
		Country:              norm.Country,
		CertificatePEM:       crypto.EncodeCertificatePEM(signed.DER),
		PrivateKeyEnc:        encryptedKey,
		PKCS12:               p12,
		Fingerprint:          crypto.Fingerprint(signed.DER),
		NotBefore:            signed.Certificate.NotBefore,
		NotAfter:             signed.Certificate.NotAfter,
		RenewedFrom:          sql.NullString{String: norm.renewedFrom, Valid: norm.renewedFrom != ""},
		CreatedAt:            s.now().UTC(),
	}

	if err := s.store.CreateCertificate(ctx, record); err != nil {
		// The serial stays reserved, so the signed certificate can never collide
		// with a later one even though it is discarded here.
		s.logger.Error("Signed certificate could not be stored",
			zap.String("serial_number", serial),
			zap.String("common_name", norm.CommonName),
			zap.Error(err),
		)
		return nil, internalError("failed to store certificate", err)
	}

	s.logger.Info("Certificate issued",
		zap.String("serial_number", serial),
		zap.String("common_name", record.CommonName),
		zap.Bool("is_client", record.IsClient),
		zap.Time("not_after", record.NotAfter),
	)
	return record, nil
}

// Renew issues a fresh certificate with the subject parameters of serial and
// the same validity length. The old certificate is left untouched.
func (s *Issuer) Renew(ctx context.Context, serial string) (*models.Certificate, error) {
	_, canonical, err := crypto.ParseSerial(serial)
	if err != nil {
		return nil, invalidRequest("invalid serial number")
	}

	old, err := s.store.GetCertificateBySerial(ctx, canonical)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, newError(KindNotFound, "Certificate not found", ErrCertificateNotFound)
		}
		return nil, internalError("failed to load certificate", err)
	}

	var altNames []string
	if old.AltNamesJSON != "" {
		if err := json.Unmarshal([]byte(old.AltNamesJSON), &altNames); err != nil {
			return nil, internalError("failed to decode alternative names", err)
		}
	}

	days := int(old.NotAfter.Sub(old.NotBefore).Round(24*time.Hour) / (24 * time.Hour))
	if maxDays := s.maxValidityDays(); days > maxDays {
		days = maxDays
	}
	if days < 1 {
		days = 1
	}

	return s.Issue(ctx, &IssueRequest{
		CommonName:         old.CommonName,
		IsClient:           old.IsClient,
		AltNames:           altNames,
		ValidityDays:       days,
		KeyType:            old.KeyType,
		KeySize:            old.KeySize,
		SignatureAlgorithm: old.SignatureAlgorithm,
		Organization:       old.Organization,
		Country:            old.Country,
		renewedFrom:        old.SerialNumber,
	})
}

func (s *Issuer) maxValidityDays() int {
	return int(s.cfg.Crypto.MaxCertValidity.Hours() / 24)
}

// normalize applies defaults and validates req without modifying it
func (s *Issuer) normalize(in *IssueRequest) (*IssueRequest, *subjectAltNames, error) {
	req := *in
	req.CommonName = strings.TrimSpace(req.CommonName)
	req.Organization = strings.TrimSpace(req.Organization)
	req.Country = strings.ToUpper(strings.TrimSpace(req.Country))

	if req.CommonName == "" {
		return nil, nil, invalidRequest("common_name is required")
	}
	if utf8.RuneCountInString(req.CommonName) > maxCommonNameLength {
		return nil, nil, invalidRequest("common_name must be at most %d characters", maxCommonNameLength)
	}
	if req.IsClient {
		if !identityName.MatchString(req.CommonName) {
			return nil, nil, invalidRequest("common_name is not a valid identity")
		}
	} else if !isHostname(req.CommonName) && net.ParseIP(req.CommonName) == nil {
		return nil, nil, invalidRequest("common_name must be a hostname or IP address")
	}

	if utf8.RuneCountInString(req.Organization) > maxOrganizationLength {
		return nil, nil, invalidRequest("organization must be at most %d characters", maxOrganizationLength)
	}
	if req.Country != "" && !countryCode.MatchString(req.Country) {
		return nil, nil, invalidRequest("country must be a two letter code")
	}

	sans, err := parseAltNames(req.CommonName, req.AltNames, req.IsClient)
	if err != nil {
		return nil, nil, err
	}

	if req.ValidityDays == 0 {
		req.ValidityDays = int(s.cfg.Crypto.DefaultCertValidity.Hours() / 24)
	}
	if req.ValidityDays < 1 || req.ValidityDays > s.maxValidityDays() {
		return nil, nil, invalidRequest("validity_days must be between 1 and %d", s.maxValidityDays())
	}

	req.KeyType = strings.ToLower(strings.TrimSpace(req.KeyType))
	switch req.KeyType {
	case "":
		req.KeyType = s.cfg.Crypto.DefaultAlgorithm
	case "ec":
		req.KeyType = "ecdsa"
	}
	switch req.KeyType {
	case "rsa":
		if req.KeySize == 0 {
			req.KeySize = s.cfg.Crypto.DefaultRSABits
		}
		if req.KeySize != 2048 && req.KeySize != 3072 && req.KeySize != 4096 {
			return nil, nil, invalidRequest("key_size must be 2048, 3072 or 4096 for RSA")
		}
	case "ecdsa":
		if req.KeySize == 0 {
			req.KeySize = crypto.CurveSize(s.cfg.Crypto.DefaultECCurve)
		}
		if req.KeySize != 256 && req.KeySize != 384 {
			return nil, nil, invalidRequest("key_size must be 256 or 384 for ECDSA")
		}
	default:
		return nil, nil, invalidRequest("key_type must be rsa or ecdsa")
	}

	req.SignatureAlgorithm = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(req.SignatureAlgorithm)), "-", "")
	switch req.SignatureAlgorithm {
	case "":
		req.SignatureAlgorithm = "sha256"
	case "sha256", "sha384", "sha512":
	default:
		return nil, nil, invalidRequest("signature_algorithm must be sha256, sha384 or sha512")
	}

	if len(req.P12Password) > maxP12PasswordLength {
		return nil, nil, invalidRequest("p12_password must be at most %d characters", maxP12PasswordLength)
	}

	return &req, sans, nil
}

// parseAltNames sorts alternative names into DNS names, IPs and email
// addresses. Server certificates always carry their common name as a SAN.
func parseAltNames(commonName string, names []string, isClient bool) (*subjectAltNames, error) {
	sans := &subjectAltNames{all: []string{}}

	var cleaned []string
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			cleaned = append(cleaned, name)
		}
	}

	if isClient {
		if len(cleaned) > 0 {
			return nil, invalidRequest("alt_names are not allowed for client certificates")
		}
		return sans, nil
	}
	if len(cleaned) > maxAltNames {
		return nil, invalidRequest("at most %d alt_names are allowed", maxAltNames)
	}

	seen := map[string]bool{}
	add := func(name string) error {
		key := strings.ToLower(name)
		if seen[key] {
			return nil
		}
		seen[key] = true

		switch {
		case net.ParseIP(name) != nil:
			sans.ips = append(sans.ips, net.ParseIP(name))
		case strings.Contains(name, "@"):
			addr, err := mail.ParseAddress(name)
			if err != nil || addr.Address != name {
				return invalidRequest("invalid email address in alt_names: %s", name)
			}
			sans.emails = append(sans.emails, name)
		case isHostname(name):
			sans.dns = append(sans.dns, strings.ToLower(name))
		default:
			return invalidRequest("invalid alt_name: %s", name)
		}
		sans.all = append(sans.all, name)
		return nil
	}

	if err := add(commonName); err != nil {
		return nil, err
	}
	for _, name := range cleaned {
		if err := add(name); err != nil {
			return nil, err
		}
	}
	return sans, nil
}

// isHostname accepts DNS names with an optional leading wildcard label
func isHostname(name string) bool {
	name = strings.TrimSuffix(name, ".")
	if len(name) == 0 || len(name) > 253 {
		return false
	}
	labels := strings.Split(name, ".")
	for i, label := range labels {
		if i == 0 && label == "*" && len(labels) > 1 {
			continue
		}
		if !hostnameLabel.MatchString(label) {
			return false
		}
	}
	return true
}

// SplitAltNames splits a comma, whitespace or newline separated list
func SplitAltNames(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\r' || r == '\t'
	})
}
