package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// LeafRequest describes a server or client certificate to be signed by the root
type LeafRequest struct {
	SerialNumber       *big.Int
	CommonName         string
	Organization       string
	Country            string
	IsClient           bool
	DNSNames           []string
	IPAddresses        []net.IP
	EmailAddresses     []string
	NotBefore          time.Time
	NotAfter           time.Time
	SignatureAlgorithm string // "sha256", "sha384" or "sha512"
	CRLDistributionURL string
}

// LeafTemplate builds the x509 template for req. issuerKey selects the
// signature algorithm family (RSA or ECDSA) of the issuing root.
func LeafTemplate(req *LeafRequest, issuerKey crypto.PublicKey) (*x509.Certificate, error) {
	sigAlg, err := SignatureAlgorithm(issuerKey, req.SignatureAlgorithm)
	if err != nil {
		return nil, err
	}

	subject := pkix.Name{CommonName: req.CommonName}
	if req.Organization != "" {
		subject.Organization = []string{req.Organization}
	}
	if req.Country != "" {
		subject.Country = []string{req.Country}
	}

	extKeyUsage := []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	if req.IsClient {
		extKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	template := &x509.Certificate{
		SerialNumber:          req.SerialNumber,
		Subject:               subject,
		NotBefore:             req.NotBefore,
		NotAfter:              req.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           extKeyUsage,
		BasicConstraintsValid: true,
		IsCA:                  false,
		SignatureAlgorithm:    sigAlg,
		DNSNames:              req.DNSNames,
		IPAddresses:           req.IPAddresses,
		EmailAddresses:        req.EmailAddresses,
	}
	if req.CRLDistributionURL != "" {
		template.CRLDistributionPoints = []string{req.CRLDistributionURL}
	}

	return template, nil
}

// SignCertificate signs template with the issuer and returns the parsed certificate and DER bytes
func SignCertificate(template, issuer *x509.Certificate, pub crypto.PublicKey, signer crypto.Signer) (*x509.Certificate, []byte, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, issuer, pub, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, der, nil
}

// SignatureAlgorithm maps a digest name onto the x509 algorithm for the issuer key type
func SignatureAlgorithm(issuerKey crypto.PublicKey, digest string) (x509.SignatureAlgorithm, error) {
	switch issuerKey.(type) {
	case *rsa.PublicKey:
		switch digest {
		case "sha256":
			return x509.SHA256WithRSA, nil
		case "sha384":
			return x509.SHA384WithRSA, nil
		case "sha512":
			return x509.SHA512WithRSA, nil
		}
	case *ecdsa.PublicKey:
		switch digest {
		case "sha256":
			return x509.ECDSAWithSHA256, nil
		case "sha384":
			return x509.ECDSAWithSHA384, nil
		case "sha512":
			return x509.ECDSAWithSHA512, nil
		}
	default:
		return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported issuer key type %T", issuerKey)
	}
	return x509.UnknownSignatureAlgorithm, fmt.Errorf("unsupported signature algorithm: %s", digest)
}
