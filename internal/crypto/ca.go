package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"
)

// RootRequest describes a self-signed root certificate
type RootRequest struct {
	CommonName   string
	Organization string
	Country      string
	KeyType      string // "rsa" or "ecdsa"
	KeySize      int    // RSA bits, or 256/384 for ECDSA
	Validity     time.Duration
	Now          time.Time
}

// RootResult contains a generated root certificate and its key
type RootResult struct {
	Certificate    *x509.Certificate
	CertificatePEM string
	PrivateKey     crypto.Signer
	PrivateKeyDER  []byte // PKCS#8
}

// GenerateRootCA generates a self-signed root CA
func GenerateRootCA(req *RootRequest) (*RootResult, error) {
	privateKey, err := GenerateKey(req.KeyType, req.KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := GenerateSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := req.Now
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	notBefore = notBefore.UTC()

	subject := pkix.Name{CommonName: req.CommonName}
	if req.Organization != "" {
		subject.Organization = []string{req.Organization}
	}
	if req.Country != "" {
		subject.Country = []string{req.Country}
	}

	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               subject,
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(req.Validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, privateKey.Public(), privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	privateKeyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &RootResult{
		Certificate:    cert,
		CertificatePEM: EncodeCertificatePEM(certDER),
		PrivateKey:     privateKey,
		PrivateKeyDER:  privateKeyDER,
	}, nil
}

// GenerateKey creates a private key. For ECDSA size selects the curve (256 or 384).
func GenerateKey(keyType string, size int) (crypto.Signer, error) {
	switch keyType {
	case "rsa":
		switch size {
		case 2048, 3072, 4096:
		default:
			return nil, fmt.Errorf("unsupported RSA key size: %d", size)
		}
		return rsa.GenerateKey(rand.Reader, size)
	case "ecdsa":
		var curve elliptic.Curve
		switch size {
		case 256:
			curve = elliptic.P256()
		case 384:
			curve = elliptic.P384()
		default:
			return nil, fmt.Errorf("unsupported EC key size: %d", size)
		}
		return ecdsa.GenerateKey(curve, rand.Reader)
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", keyType)
	}
}

// CurveSize maps a configured curve name to the ECDSA key size
func CurveSize(curve string) int {
	if curve == "P384" {
		return 384
	}
	return 256
}

// ParsePrivateKey parses a PKCS#8 DER private key
func ParsePrivateKey(der []byte) (crypto.Signer, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return signer, nil
}

// KeyAlgorithm returns "rsa" or "ecdsa" for a public key
func KeyAlgorithm(pub crypto.PublicKey) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "rsa"
	case *ecdsa.PublicKey:
		return "ecdsa"
	default:
		return "unknown"
	}
}

// VerifyKeyPair reports whether privateKey belongs to cert
func VerifyKeyPair(cert *x509.Certificate, privateKey crypto.Signer) bool {
	type equaler interface {
		Equal(x crypto.PublicKey) bool
	}
	pub, ok := privateKey.Public().(equaler)
	if !ok {
		return false
	}
	return pub.Equal(cert.PublicKey)
}

// GenerateSerialNumber returns a random positive serial below 2^128
func GenerateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	for {
		n, err := rand.Int(rand.Reader, serialNumberLimit)
		if err != nil {
			return nil, err
		}
		if n.Sign() > 0 {
			return n, nil
		}
	}
}
