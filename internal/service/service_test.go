package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robcowart/ocm-ca/internal/config"
	"github.com/robcowart/ocm-ca/internal/database"
)

const day = 24 * time.Hour

// setupTestDB creates a migrated SQLite database in a temp dir and a config
// using fast ECDSA keys
func setupTestDB(t *testing.T) (*database.Database, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type:         "sqlite",
			QueryTimeout: 30 * time.Second,
			SQLite: config.SQLiteConfig{
				Path: filepath.Join(dir, "test.db"),
			},
		},
		JWT: config.JWTConfig{
			Secret:     "test-secret-12345",
			Expiration: time.Hour,
			Issuer:     "ocm-ca-test",
		},
		Session: config.SessionConfig{
			Store:      "database",
			CookieName: "session",
		},
		Crypto: config.CryptoConfig{
			MasterKeyFile:       filepath.Join(dir, "keys", "master.key"),
			DefaultCAValidity:   3650 * day,
			DefaultCertValidity: 365 * day,
			MaxCertValidity:     825 * day,
			DefaultAlgorithm:    "ecdsa",
			DefaultRSABits:      2048,
			DefaultECCurve:      "P256",
		},
		CA: config.CAConfig{
			CommonName:       "Test Root CA",
			Organization:     "OCM Test",
			Country:          "US",
			ExpiringWindow:   30 * day,
			CRLValidity:      7 * day,
			CRLRefreshMargin: day,
		},
		Audit: config.AuditConfig{
			BufferSize:    16,
			RetryAttempts: 2,
		},
	}

	db, err := database.New(cfg)
	require.NoError(t, err, "Failed to create test database")
	require.NoError(t, db.Migrate(), "Failed to run migrations")
	t.Cleanup(func() { db.Close() })

	return db, cfg
}

// testCA wires the certificate services against one test database
type testCA struct {
	db          *database.Database
	cfg         *config.Config
	root        *RootStore
	serials     *SerialAllocator
	issuer      *Issuer
	certs       *CertificateService
	revocations *RevocationManager
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	db, cfg := setupTestDB(t)
	logger := zap.NewNop()

	root := NewRootStore(db, cfg, logger)
	require.NoError(t, root.Open(context.Background()))

	serials := NewSerialAllocator(db)
	return &testCA{
		db:          db,
		cfg:         cfg,
		root:        root,
		serials:     serials,
		issuer:      NewIssuer(root, serials, db, cfg, logger),
		certs:       NewCertificateService(db, root, cfg, logger),
		revocations: NewRevocationManager(db, root, cfg, logger),
	}
}

func (c *testCA) issue(t *testing.T, req *IssueRequest) string {
	t.Helper()
	cert, err := c.issuer.Issue(context.Background(), req)
	require.NoError(t, err)
	return cert.SerialNumber
}

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "unexpected error: %v", err)
}
