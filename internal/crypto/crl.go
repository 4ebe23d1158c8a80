package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// Revocation reason names as defined by RFC 5280 section 5.3.1
var reasonCodes = map[string]int{
	"unspecified":          0,
	"keyCompromise":        1,
	"caCompromise":         2,
	"affiliationChanged":   3,
	"superseded":           4,
	"cessationOfOperation": 5,
	"certificateHold":      6,
	"privilegeWithdrawn":   9,
}

// ReasonCode returns the CRL reason code for an RFC 5280 reason name
func ReasonCode(reason string) (int, bool) {
	code, ok := reasonCodes[reason]
	return code, ok
}

// CRLEntry is one revoked certificate
type CRLEntry struct {
	SerialNumber *big.Int
	RevokedAt    time.Time
	Reason       string
}

// CRLRequest describes a CRL to be signed
type CRLRequest struct {
	Number     int64
	ThisUpdate time.Time
	NextUpdate time.Time
	Entries    []CRLEntry
}

// CreateCRL signs a CRL over req.Entries. Entries are emitted in ascending
// serial order so the same revoked set always yields the same entry list.
func CreateCRL(req *CRLRequest, issuer *x509.Certificate, signer crypto.Signer) ([]byte, error) {
	entries := make([]CRLEntry, len(req.Entries))
	copy(entries, req.Entries)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SerialNumber.Cmp(entries[j].SerialNumber) < 0
	})

	revoked := make([]x509.RevocationListEntry, 0, len(entries))
	for _, e := range entries {
		code, ok := ReasonCode(e.Reason)
		if !ok {
			return nil, fmt.Errorf("unknown revocation reason: %s", e.Reason)
		}
		revoked = append(revoked, x509.RevocationListEntry{
			SerialNumber:   e.SerialNumber,
			RevocationTime: e.RevokedAt.UTC(),
			ReasonCode:     code,
		})
	}

	template := &x509.RevocationList{
		Number:                    big.NewInt(req.Number),
		ThisUpdate:                req.ThisUpdate.UTC(),
		NextUpdate:                req.NextUpdate.UTC(),
		RevokedCertificateEntries: revoked,
	}

	der, err := x509.CreateRevocationList(rand.Reader, template, issuer, signer)
	if err != nil {
		return nil, fmt.Errorf("failed to create CRL: %w", err)
	}
	return der, nil
}

// ParseCRL parses a DER or PEM encoded CRL
func ParseCRL(data []byte) (*x509.RevocationList, error) {
	if der, ok := decodePEM(data, "X509 CRL"); ok {
		data = der
	}
	crl, err := x509.ParseRevocationList(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CRL: %w", err)
	}
	return crl, nil
}
