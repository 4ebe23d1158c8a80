// Package crypto provides the cryptographic primitives of the OCM CA.
// It covers the AES-256-GCM master key protecting private keys at rest,
// root and leaf X.509 certificate generation (RSA and ECDSA), CRL signing,
// fingerprints and serial formatting, and export as PEM and PKCS#12.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// MasterKeySize is the length of the AES-256 master key in bytes
const MasterKeySize = 32

// ErrMasterKeyMissing is returned by LoadMasterKey when the key file does not exist
var ErrMasterKeyMissing = errors.New("master key file not found")

// MasterKey encrypts private keys at rest. The raw key is kept in a memguard
// enclave and only unsealed for the duration of a single operation.
type MasterKey struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
}

// NewMasterKey wraps raw key bytes. raw is wiped.
func NewMasterKey(raw []byte) (*MasterKey, error) {
	if len(raw) != MasterKeySize {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(raw))
	}
	return &MasterKey{enclave: memguard.NewEnclave(raw)}, nil
}

// GenerateMasterKey generates a new random master key
func GenerateMasterKey() (*MasterKey, error) {
	raw := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return NewMasterKey(raw)
}

// LoadMasterKey reads a hex encoded master key from path
func LoadMasterKey(path string) (*MasterKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrMasterKeyMissing
		}
		return nil, fmt.Errorf("failed to read master key: %w", err)
	}
	defer memguard.WipeBytes(data)

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key: %w", err)
	}
	return NewMasterKey(raw)
}

// CreateMasterKeyFile generates a master key and writes it hex encoded to path
// with 0600 permissions. It refuses to overwrite an existing file.
func CreateMasterKeyFile(path string) (*MasterKey, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create master key directory: %w", err)
		}
	}

	raw := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	encoded := []byte(hex.EncodeToString(raw))
	defer memguard.WipeBytes(encoded)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("failed to create master key file: %w", err)
	}
	if _, err := f.Write(encoded); err != nil {
		f.Close()
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("failed to write master key file: %w", err)
	}
	if err := f.Close(); err != nil {
		memguard.WipeBytes(raw)
		return nil, fmt.Errorf("failed to write master key file: %w", err)
	}

	return NewMasterKey(raw)
}

// Encrypt seals plaintext with AES-256-GCM. The nonce is prepended to the
// ciphertext and associatedData is authenticated but not encrypted.
func (k *MasterKey) Encrypt(plaintext []byte, associatedData string) ([]byte, error) {
	var out []byte
	err := k.withAEAD(func(gcm cipher.AEAD) error {
		nonce := make([]byte, gcm.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		out = gcm.Seal(nonce, nonce, plaintext, []byte(associatedData))
		return nil
	})
	return out, err
}

// Decrypt opens data produced by Encrypt
func (k *MasterKey) Decrypt(encrypted []byte, associatedData string) ([]byte, error) {
	var out []byte
	err := k.withAEAD(func(gcm cipher.AEAD) error {
		nonceSize := gcm.NonceSize()
		if len(encrypted) < nonceSize {
			return fmt.Errorf("ciphertext too short")
		}
		nonce, ciphertext := encrypted[:nonceSize], encrypted[nonceSize:]

		plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(associatedData))
		if err != nil {
			return fmt.Errorf("decryption failed: %w", err)
		}
		out = plaintext
		return nil
	})
	return out, err
}

// withAEAD unseals the key, builds the cipher and destroys the plaintext key afterwards.
// Calls are serialised so at most one locked buffer is alive at a time.
func (k *MasterKey) withAEAD(fn func(gcm cipher.AEAD) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	buf, err := k.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to unseal master key: %w", err)
	}
	defer buf.Destroy()

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	return fn(gcm)
}
