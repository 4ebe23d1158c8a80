package crypto

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// EncodeCertificatePEM encodes a DER certificate as PEM
func EncodeCertificatePEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// EncodePrivateKeyPEM encodes a PKCS#8 DER private key as PEM
func EncodePrivateKeyPEM(pkcs8DER []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8DER})
}

// EncodeCRLPEM encodes a DER CRL as PEM
func EncodeCRLPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
}

// ChainPEM returns the leaf certificate followed by its issuers
func ChainPEM(leafPEM string, issuerPEMs ...string) string {
	result := leafPEM
	for _, p := range issuerPEMs {
		result += p
	}
	return result
}

// ExportPKCS12 bundles a certificate, its private key and the CA chain as
// PKCS#12 using modern encryption (AES-256 with PBKDF2-SHA256)
func ExportPKCS12(cert *x509.Certificate, privateKey crypto.PrivateKey, password string, caCerts ...*x509.Certificate) ([]byte, error) {
	pfxData, err := pkcs12.Modern2023.Encode(privateKey, cert, caCerts, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12: %w", err)
	}
	return pfxData, nil
}

// ExportPKCS12Legacy uses 3DES so the bundle imports on older systems
func ExportPKCS12Legacy(cert *x509.Certificate, privateKey crypto.PrivateKey, password string, caCerts ...*x509.Certificate) ([]byte, error) {
	pfxData, err := pkcs12.LegacyDES.Encode(privateKey, cert, caCerts, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 (legacy): %w", err)
	}
	return pfxData, nil
}

// ParseCertificatePEM parses a PEM-encoded certificate
func ParseCertificatePEM(certPEM []byte) (*x509.Certificate, error) {
	der, ok := decodePEM(certPEM, "CERTIFICATE")
	if !ok {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// DecodeCertificateDER returns the DER bytes of a PEM certificate
func DecodeCertificateDER(certPEM string) ([]byte, error) {
	der, ok := decodePEM([]byte(certPEM), "CERTIFICATE")
	if !ok {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	return der, nil
}

func decodePEM(data []byte, blockType string) ([]byte, bool) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, false
	}
	return block.Bytes, true
}
