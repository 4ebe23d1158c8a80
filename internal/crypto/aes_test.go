package crypto

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateMasterKey(t *testing.T) {
	t.Run("Generate master key successfully", func(t *testing.T) {
		key, err := GenerateMasterKey()
		require.NoError(t, err)
		assert.NotNil(t, key)
	})

	t.Run("Keys of the wrong size are rejected", func(t *testing.T) {
		_, err := NewMasterKey([]byte("too-short"))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "master key must be 32 bytes")
	})

	t.Run("Raw bytes are wiped after wrapping", func(t *testing.T) {
		raw := bytes.Repeat([]byte{0x42}, MasterKeySize)
		_, err := NewMasterKey(raw)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, MasterKeySize), raw)
	})
}

func TestMasterKeyFile(t *testing.T) {
	t.Run("Create then load round trips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keys", "master.key")

		created, err := CreateMasterKeyFile(path)
		require.NoError(t, err)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		encrypted, err := created.Encrypt([]byte("root key"), "serial")
		require.NoError(t, err)

		loaded, err := LoadMasterKey(path)
		require.NoError(t, err)
		plaintext, err := loaded.Decrypt(encrypted, "serial")
		require.NoError(t, err)
		assert.Equal(t, []byte("root key"), plaintext)
	})

	t.Run("Create refuses to overwrite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.key")
		_, err := CreateMasterKeyFile(path)
		require.NoError(t, err)

		_, err = CreateMasterKeyFile(path)
		assert.Error(t, err)
	})

	t.Run("Missing file", func(t *testing.T) {
		_, err := LoadMasterKey(filepath.Join(t.TempDir(), "absent.key"))
		assert.ErrorIs(t, err, ErrMasterKeyMissing)
	})

	t.Run("Corrupt file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "master.key")
		require.NoError(t, os.WriteFile(path, []byte("not hex"), 0o600))

		_, err := LoadMasterKey(path)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode master key")
	})
}

func TestEncryptDecrypt(t *testing.T) {
	masterKey, err := GenerateMasterKey()
	require.NoError(t, err)

	t.Run("Encrypt and decrypt successfully", func(t *testing.T) {
		plaintext := []byte("secret private key data")
		associatedData := "test-certificate-id"

		encrypted, err := masterKey.Encrypt(plaintext, associatedData)
		require.NoError(t, err)
		assert.Greater(t, len(encrypted), len(plaintext), "Encrypted data should be larger than plaintext")

		decrypted, err := masterKey.Decrypt(encrypted, associatedData)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	})

	t.Run("Encrypt produces different ciphertext each time", func(t *testing.T) {
		plaintext := []byte("same plaintext")

		encrypted1, err := masterKey.Encrypt(plaintext, "test-id")
		require.NoError(t, err)
		encrypted2, err := masterKey.Encrypt(plaintext, "test-id")
		require.NoError(t, err)

		assert.NotEqual(t, encrypted1, encrypted2, "Each encryption should use a fresh nonce")
	})

	t.Run("Decrypt with wrong master key fails", func(t *testing.T) {
		encrypted, err := masterKey.Encrypt([]byte("secret data"), "test-id")
		require.NoError(t, err)

		wrongKey, err := GenerateMasterKey()
		require.NoError(t, err)

		_, err = wrongKey.Decrypt(encrypted, "test-id")
		assert.Error(t, err)
	})

	t.Run("Decrypt with wrong associated data fails", func(t *testing.T) {
		encrypted, err := masterKey.Encrypt([]byte("secret data"), "correct-id")
		require.NoError(t, err)

		_, err = masterKey.Decrypt(encrypted, "wrong-id")
		assert.Error(t, err)
	})

	t.Run("Decrypt empty data fails", func(t *testing.T) {
		_, err := masterKey.Decrypt([]byte{}, "test-id")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "ciphertext too short")
	})

	t.Run("Tampered ciphertext fails decryption", func(t *testing.T) {
		encrypted, err := masterKey.Encrypt([]byte("secret data"), "test-id")
		require.NoError(t, err)

		encrypted[len(encrypted)-1] ^= 0xFF

		_, err = masterKey.Decrypt(encrypted, "test-id")
		assert.Error(t, err)
	})

	t.Run("Encrypt and decrypt large data", func(t *testing.T) {
		plaintext := make([]byte, 1024*1024)
		_, err := io.ReadFull(rand.Reader, plaintext)
		require.NoError(t, err)

		encrypted, err := masterKey.Encrypt(plaintext, "large-data-test")
		require.NoError(t, err)

		decrypted, err := masterKey.Decrypt(encrypted, "large-data-test")
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, decrypted))
	})
}
