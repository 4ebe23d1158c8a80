// Package config provides configuration management for the OCM CA service.
// It handles loading configuration from YAML files, applying environment variable
// and command line overrides, and validating configuration values for server,
// database, session, crypto, CA, logging, security, and audit settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	JWT      JWTConfig      `yaml:"jwt"`
	Session  SessionConfig  `yaml:"session"`
	Crypto   CryptoConfig   `yaml:"crypto"`
	CA       CAConfig       `yaml:"ca"`
	Setup    SetupConfig    `yaml:"setup"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int           `yaml:"port"`
	Host           string        `yaml:"host"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UploadTimeout  time.Duration `yaml:"upload_timeout"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCert        string        `yaml:"tls_cert"`
	TLSKey         string        `yaml:"tls_key"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string         `yaml:"type"`
	QueryTimeout time.Duration  `yaml:"query_timeout"`
	SQLite       SQLiteConfig   `yaml:"sqlite"`
	Postgres     PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration
type PostgresConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Database     string `yaml:"database"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// JWTConfig holds the signing settings for session cookies.
// Expiration doubles as the session lifetime.
type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	Expiration time.Duration `yaml:"expiration"`
	Issuer     string        `yaml:"issuer"`
}

// SessionConfig holds session storage and cookie settings
type SessionConfig struct {
	Store        string `yaml:"store"` // "database" or "memory"
	CookieName   string `yaml:"cookie_name"`
	CookieSecure bool   `yaml:"cookie_secure"`
}

// CryptoConfig holds cryptographic defaults
type CryptoConfig struct {
	MasterKeyFile       string        `yaml:"master_key_file"`
	DefaultCAValidity   time.Duration `yaml:"default_ca_validity"`
	DefaultCertValidity time.Duration `yaml:"default_cert_validity"`
	MaxCertValidity     time.Duration `yaml:"max_cert_validity"`
	DefaultAlgorithm    string        `yaml:"default_algorithm"`
	DefaultRSABits      int           `yaml:"default_rsa_bits"`
	DefaultECCurve      string        `yaml:"default_ec_curve"`
}

// CAConfig holds the identity of the root certificate and CRL policy
type CAConfig struct {
	CommonName         string        `yaml:"common_name"`
	Organization       string        `yaml:"organization"`
	Country            string        `yaml:"country"`
	ExpiringWindow     time.Duration `yaml:"expiring_window"`
	CRLValidity        time.Duration `yaml:"crl_validity"`
	CRLRefreshMargin   time.Duration `yaml:"crl_refresh_margin"`
	CRLDistributionURL string        `yaml:"crl_distribution_url"`
}

// SetupConfig controls first-run setup behaviour
type SetupConfig struct {
	// ExposeToken returns the pending setup token from GET /api/setup.
	ExposeToken bool `yaml:"expose_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORSEnabled       bool          `yaml:"cors_enabled"`
	CORSOrigins       []string      `yaml:"cors_origins"`
	RateLimitEnabled  bool          `yaml:"rate_limit_enabled"`
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`
}

// AuditConfig holds audit log writer settings
type AuditConfig struct {
	BufferSize    int `yaml:"buffer_size"`
	RetryAttempts int `yaml:"retry_attempts"`
}

// defaultConfig returns the built-in configuration used when no file is present
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8000,
			Host:           "0.0.0.0",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
			RequestTimeout: 5 * time.Second,
			UploadTimeout:  30 * time.Second,
		},
		Database: DatabaseConfig{
			Type:         "sqlite",
			QueryTimeout: 5 * time.Second,
			SQLite: SQLiteConfig{
				Path: "./data/ocm-ca.db",
			},
			Postgres: PostgresConfig{
				Port:         5432,
				SSLMode:      "disable",
				MaxOpenConns: 25,
				MaxIdleConns: 5,
			},
		},
		JWT: JWTConfig{
			Expiration: 24 * time.Hour,
			Issuer:     "ocm-ca",
		},
		Session: SessionConfig{
			Store:      "database",
			CookieName: "session",
		},
		Crypto: CryptoConfig{
			MasterKeyFile:       "./data/master.key",
			DefaultCAValidity:   87600 * time.Hour,
			DefaultCertValidity: 8760 * time.Hour,
			MaxCertValidity:     3650 * 24 * time.Hour,
			DefaultAlgorithm:    "rsa",
			DefaultRSABits:      2048,
			DefaultECCurve:      "P256",
		},
		CA: CAConfig{
			CommonName:       "OCM Root CA",
			Organization:     "OCM",
			Country:          "US",
			ExpiringWindow:   30 * 24 * time.Hour,
			CRLValidity:      7 * 24 * time.Hour,
			CRLRefreshMargin: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			CORSEnabled:       true,
			CORSOrigins:       []string{"http://localhost:3000"},
			RateLimitEnabled:  true,
			RateLimitRequests: 10,
			RateLimitWindow:   time.Minute,
		},
		Audit: AuditConfig{
			BufferSize:    256,
			RetryAttempts: 3,
		},
	}
}

// Load reads the configuration file (if present), then applies environment
// variable and command line overrides. Priority, highest first: flags,
// environment, file, defaults.
func Load(path string, flags *Flags) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// Defaults only
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if flags != nil {
		flags.apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvOverrides() {
	// Server overrides
	if port := os.Getenv("OCM_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if host := os.Getenv("OCM_SERVER_HOST"); host != "" {
		c.Server.Host = host
	}

	// Database overrides
	if dbType := os.Getenv("OCM_DB_TYPE"); dbType != "" {
		c.Database.Type = dbType
	}
	if dbPath := os.Getenv("OCM_DB_SQLITE_PATH"); dbPath != "" {
		c.Database.SQLite.Path = dbPath
	}
	if pgHost := os.Getenv("OCM_DB_POSTGRES_HOST"); pgHost != "" {
		c.Database.Postgres.Host = pgHost
	}
	if pgPort := os.Getenv("OCM_DB_POSTGRES_PORT"); pgPort != "" {
		if p, err := strconv.Atoi(pgPort); err == nil {
			c.Database.Postgres.Port = p
		}
	}
	if pgDB := os.Getenv("OCM_DB_POSTGRES_DATABASE"); pgDB != "" {
		c.Database.Postgres.Database = pgDB
	}
	if pgUser := os.Getenv("OCM_DB_POSTGRES_USER"); pgUser != "" {
		c.Database.Postgres.User = pgUser
	}
	if pgPass := os.Getenv("OCM_DB_POSTGRES_PASSWORD"); pgPass != "" {
		c.Database.Postgres.Password = pgPass
	}

	// JWT overrides
	if jwtSecret := os.Getenv("OCM_JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	// Crypto and CA overrides
	if keyFile := os.Getenv("OCM_MASTER_KEY_FILE"); keyFile != "" {
		c.Crypto.MasterKeyFile = keyFile
	}
	if cn := os.Getenv("OCM_CA_COMMON_NAME"); cn != "" {
		c.CA.CommonName = cn
	}
	if expose := os.Getenv("OCM_SETUP_EXPOSE_TOKEN"); expose != "" {
		if b, err := strconv.ParseBool(expose); err == nil {
			c.Setup.ExposeToken = b
		}
	}

	// Logging overrides
	if logLevel := os.Getenv("OCM_LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCert == "" || c.Server.TLSKey == "" {
			return fmt.Errorf("TLS enabled but cert or key not specified")
		}
	}
	if c.Server.RequestTimeout <= 0 || c.Server.UploadTimeout <= 0 {
		return fmt.Errorf("request and upload timeouts must be positive")
	}

	// Validate database config
	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("invalid database type: %s (must be 'sqlite' or 'postgres')", c.Database.Type)
	}
	if c.Database.Type == "sqlite" && c.Database.SQLite.Path == "" {
		return fmt.Errorf("SQLite path not specified")
	}
	if c.Database.Type == "postgres" {
		if c.Database.Postgres.Host == "" || c.Database.Postgres.Database == "" {
			return fmt.Errorf("PostgreSQL host and database must be specified")
		}
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("database query timeout must be positive")
	}

	// Validate session config
	if c.Session.Store != "database" && c.Session.Store != "memory" {
		return fmt.Errorf("invalid session store: %s (must be 'database' or 'memory')", c.Session.Store)
	}
	if c.Session.CookieName == "" {
		return fmt.Errorf("session cookie name not specified")
	}
	if c.JWT.Expiration <= 0 {
		return fmt.Errorf("session expiration must be positive")
	}

	// Validate crypto config
	if c.Crypto.DefaultAlgorithm != "rsa" && c.Crypto.DefaultAlgorithm != "ecdsa" {
		return fmt.Errorf("invalid default algorithm: %s", c.Crypto.DefaultAlgorithm)
	}
	if c.Crypto.DefaultRSABits < 2048 {
		return fmt.Errorf("RSA key size must be at least 2048 bits")
	}
	if c.Crypto.DefaultECCurve != "P256" && c.Crypto.DefaultECCurve != "P384" {
		return fmt.Errorf("invalid EC curve: %s (must be P256 or P384)", c.Crypto.DefaultECCurve)
	}
	if c.Crypto.MasterKeyFile == "" {
		return fmt.Errorf("master key file not specified")
	}
	if c.Crypto.MaxCertValidity < c.Crypto.DefaultCertValidity {
		return fmt.Errorf("max certificate validity is shorter than the default validity")
	}

	// Validate CA config
	if c.CA.CommonName == "" {
		return fmt.Errorf("CA common name not specified")
	}
	if c.CA.CRLValidity <= 0 {
		return fmt.Errorf("CRL validity must be positive")
	}
	if c.CA.CRLRefreshMargin < 0 || c.CA.CRLRefreshMargin >= c.CA.CRLValidity {
		return fmt.Errorf("CRL refresh margin must be between 0 and the CRL validity")
	}

	// Validate logging config
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Security.RateLimitEnabled && (c.Security.RateLimitRequests < 1 || c.Security.RateLimitWindow <= 0) {
		return fmt.Errorf("rate limit requires positive requests and window")
	}

	if c.Audit.BufferSize < 1 {
		return fmt.Errorf("audit buffer size must be at least 1")
	}

	return nil
}

// GetDSN returns the database connection string based on the configured type
func (c *Config) GetDSN() string {
	switch c.Database.Type {
	case "sqlite":
		return c.Database.SQLite.Path
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Postgres.Host,
			c.Database.Postgres.Port,
			c.Database.Postgres.User,
			c.Database.Postgres.Password,
			c.Database.Postgres.Database,
			c.Database.Postgres.SSLMode,
		)
	default:
		return ""
	}
}

// ExpiringWindowDays returns the expiring-soon window in whole days
func (c *Config) ExpiringWindowDays() int {
	return int(c.CA.ExpiringWindow.Hours() / 24)
}
