package config

import (
	"time"

	flag "github.com/spf13/pflag"
)

// Flags holds command line flag values registered on a FlagSet
type Flags struct {
	fs *flag.FlagSet

	// General
	ConfigFile string

	// Server
	serverPort           int
	serverHost           string
	serverReadTimeout    time.Duration
	serverWriteTimeout   time.Duration
	serverRequestTimeout time.Duration
	serverTLSEnabled     bool
	serverTLSCert        string
	serverTLSKey         string

	// Database
	dbType             string
	dbSQLitePath       string
	dbPostgresHost     string
	dbPostgresPort     int
	dbPostgresDatabase string
	dbPostgresUser     string
	dbPostgresPassword string
	dbPostgresSSLMode  string

	// JWT / session
	jwtSecret     string
	jwtExpiration time.Duration
	sessionStore  string

	// Crypto
	cryptoMasterKeyFile    string
	cryptoDefaultAlgorithm string
	cryptoDefaultRSABits   int
	cryptoDefaultECCurve   string

	// CA
	caCommonName   string
	caOrganization string
	caCountry      string
	caCRLValidity  time.Duration

	// Setup
	setupExposeToken bool

	// Logging
	logLevel  string
	logFormat string
	logOutput string

	// Security
	securityCORSEnabled      bool
	securityCORSOrigins      []string
	securityRateLimitEnabled bool
}

// RegisterFlags defines all configuration flags on fs. The returned Flags
// only override values whose flag was explicitly set.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}

	// General flags
	fs.StringVarP(&f.ConfigFile, "config", "c", "config.yaml", "Path to configuration file")

	// Server flags
	fs.IntVar(&f.serverPort, "server.port", 0, "HTTP server port")
	fs.StringVar(&f.serverHost, "server.host", "", "HTTP server bind address")
	fs.DurationVar(&f.serverReadTimeout, "server.read-timeout", 0, "Server read timeout (e.g., 30s)")
	fs.DurationVar(&f.serverWriteTimeout, "server.write-timeout", 0, "Server write timeout (e.g., 30s)")
	fs.DurationVar(&f.serverRequestTimeout, "server.request-timeout", 0, "Per-request processing timeout (e.g., 5s)")
	fs.BoolVar(&f.serverTLSEnabled, "server.tls-enabled", false, "Enable HTTPS")
	fs.StringVar(&f.serverTLSCert, "server.tls-cert", "", "Path to TLS certificate")
	fs.StringVar(&f.serverTLSKey, "server.tls-key", "", "Path to TLS key")

	// Database flags
	fs.StringVar(&f.dbType, "db.type", "", "Database type (sqlite or postgres)")
	fs.StringVar(&f.dbSQLitePath, "db.sqlite.path", "", "SQLite database file path")
	fs.StringVar(&f.dbPostgresHost, "db.postgres.host", "", "PostgreSQL host")
	fs.IntVar(&f.dbPostgresPort, "db.postgres.port", 0, "PostgreSQL port")
	fs.StringVar(&f.dbPostgresDatabase, "db.postgres.database", "", "PostgreSQL database name")
	fs.StringVar(&f.dbPostgresUser, "db.postgres.user", "", "PostgreSQL user")
	fs.StringVar(&f.dbPostgresPassword, "db.postgres.password", "", "PostgreSQL password")
	fs.StringVar(&f.dbPostgresSSLMode, "db.postgres.ssl-mode", "", "PostgreSQL SSL mode")

	// JWT / session flags
	fs.StringVar(&f.jwtSecret, "jwt.secret", "", "Session token signing secret")
	fs.DurationVar(&f.jwtExpiration, "jwt.expiration", 0, "Session lifetime (e.g., 24h)")
	fs.StringVar(&f.sessionStore, "session.store", "", "Session store (database or memory)")

	// Crypto flags
	fs.StringVar(&f.cryptoMasterKeyFile, "crypto.master-key-file", "", "Path to the master key file")
	fs.StringVar(&f.cryptoDefaultAlgorithm, "crypto.default-algorithm", "", "Default algorithm (rsa or ecdsa)")
	fs.IntVar(&f.cryptoDefaultRSABits, "crypto.default-rsa-bits", 0, "Default RSA key size in bits")
	fs.StringVar(&f.cryptoDefaultECCurve, "crypto.default-ec-curve", "", "Default EC curve (P256 or P384)")

	// CA flags
	fs.StringVar(&f.caCommonName, "ca.common-name", "", "Root CA common name used on first boot")
	fs.StringVar(&f.caOrganization, "ca.organization", "", "Root CA organization used on first boot")
	fs.StringVar(&f.caCountry, "ca.country", "", "Root CA country used on first boot")
	fs.DurationVar(&f.caCRLValidity, "ca.crl-validity", 0, "CRL validity period (e.g., 168h)")

	// Setup flags
	fs.BoolVar(&f.setupExposeToken, "setup.expose-token", false, "Return the pending setup token from GET /api/setup")

	// Logging flags
	fs.StringVarP(&f.logLevel, "log.level", "l", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log.format", "", "Log format (json or console)")
	fs.StringVar(&f.logOutput, "log.output", "", "Log output (stdout or file path)")

	// Security flags
	fs.BoolVar(&f.securityCORSEnabled, "security.cors-enabled", false, "Enable CORS")
	fs.StringSliceVar(&f.securityCORSOrigins, "security.cors-origins", nil, "CORS allowed origins (can be specified multiple times)")
	fs.BoolVar(&f.securityRateLimitEnabled, "security.rate-limit-enabled", false, "Enable login rate limiting")

	return f
}

func (f *Flags) changed(name string) bool {
	return f.fs != nil && f.fs.Changed(name)
}

// apply copies every explicitly set flag onto cfg
func (f *Flags) apply(cfg *Config) {
	if f.changed("server.port") {
		cfg.Server.Port = f.serverPort
	}
	if f.changed("server.host") {
		cfg.Server.Host = f.serverHost
	}
	if f.changed("server.read-timeout") {
		cfg.Server.ReadTimeout = f.serverReadTimeout
	}
	if f.changed("server.write-timeout") {
		cfg.Server.WriteTimeout = f.serverWriteTimeout
	}
	if f.changed("server.request-timeout") {
		cfg.Server.RequestTimeout = f.serverRequestTimeout
	}
	if f.changed("server.tls-enabled") {
		cfg.Server.TLSEnabled = f.serverTLSEnabled
	}
	if f.changed("server.tls-cert") {
		cfg.Server.TLSCert = f.serverTLSCert
	}
	if f.changed("server.tls-key") {
		cfg.Server.TLSKey = f.serverTLSKey
	}

	if f.changed("db.type") {
		cfg.Database.Type = f.dbType
	}
	if f.changed("db.sqlite.path") {
		cfg.Database.SQLite.Path = f.dbSQLitePath
	}
	if f.changed("db.postgres.host") {
		cfg.Database.Postgres.Host = f.dbPostgresHost
	}
	if f.changed("db.postgres.port") {
		cfg.Database.Postgres.Port = f.dbPostgresPort
	}
	if f.changed("db.postgres.database") {
		cfg.Database.Postgres.Database = f.dbPostgresDatabase
	}
	if f.changed("db.postgres.user") {
		cfg.Database.Postgres.User = f.dbPostgresUser
	}
	if f.changed("db.postgres.password") {
		cfg.Database.Postgres.Password = f.dbPostgresPassword
	}
	if f.changed("db.postgres.ssl-mode") {
		cfg.Database.Postgres.SSLMode = f.dbPostgresSSLMode
	}

	if f.changed("jwt.secret") {
		cfg.JWT.Secret = f.jwtSecret
	}
	if f.changed("jwt.expiration") {
		cfg.JWT.Expiration = f.jwtExpiration
	}
	if f.changed("session.store") {
		cfg.Session.Store = f.sessionStore
	}

	if f.changed("crypto.master-key-file") {
		cfg.Crypto.MasterKeyFile = f.cryptoMasterKeyFile
	}
	if f.changed("crypto.default-algorithm") {
		cfg.Crypto.DefaultAlgorithm = f.cryptoDefaultAlgorithm
	}
	if f.changed("crypto.default-rsa-bits") {
		cfg.Crypto.DefaultRSABits = f.cryptoDefaultRSABits
	}
	if f.changed("crypto.default-ec-curve") {
		cfg.Crypto.DefaultECCurve = f.cryptoDefaultECCurve
	}

	if f.changed("ca.common-name") {
		cfg.CA.CommonName = f.caCommonName
	}
	if f.changed("ca.organization") {
		cfg.CA.Organization = f.caOrganization
	}
	if f.changed("ca.country") {
		cfg.CA.Country = f.caCountry
	}
	if f.changed("ca.crl-validity") {
		cfg.CA.CRLValidity = f.caCRLValidity
	}

	if f.changed("setup.expose-token") {
		cfg.Setup.ExposeToken = f.setupExposeToken
	}

	if f.changed("log.level") {
		cfg.Logging.Level = f.logLevel
	}
	if f.changed("log.format") {
		cfg.Logging.Format = f.logFormat
	}
	if f.changed("log.output") {
		cfg.Logging.Output = f.logOutput
	}

	if f.changed("security.cors-enabled") {
		cfg.Security.CORSEnabled = f.securityCORSEnabled
	}
	if f.changed("security.cors-origins") {
		cfg.Security.CORSOrigins = f.securityCORSOrigins
	}
	if f.changed("security.rate-limit-enabled") {
		cfg.Security.RateLimitEnabled = f.securityRateLimitEnabled
	}
}
