package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// FormatSerial renders a serial as uppercase hex without separators
func FormatSerial(n *big.Int) string {
	return fmt.Sprintf("%X", n)
}

// ParseSerial accepts hex serials with optional colons, spaces or a 0x prefix
// and returns the value together with its canonical FormatSerial form.
func ParseSerial(s string) (*big.Int, string, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	clean = strings.NewReplacer(":", "", " ", "", "-", "").Replace(clean)
	if clean == "" {
		return nil, "", fmt.Errorf("empty serial number")
	}

	n, ok := new(big.Int).SetString(clean, 16)
	if !ok || n.Sign() <= 0 {
		return nil, "", fmt.Errorf("invalid serial number: %q", s)
	}
	return n, FormatSerial(n), nil
}

// Fingerprint returns the SHA-256 digest of der as colon separated uppercase hex
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	encoded := strings.ToUpper(hex.EncodeToString(sum[:]))

	var b strings.Builder
	b.Grow(len(encoded) + len(sum) - 1)
	for i := 0; i < len(encoded); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(encoded[i : i+2])
	}
	return b.String()
}
