package app

import "time"

// Config contains the server runtime configuration loaded from environment
// variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL    string
	DBMaxConns     int32
	DBMinConns     int32
	MigrateOnStart bool

	// CORS for the browser-facing auth endpoints.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true, /readyz returns 503 unless the database is configured and
	// reachable.
	ReadinessRequireDB bool

	// If true, VOUCH_TOKEN_HMAC_KEY must be set (>= 32 bytes) so stored
	// refresh-token digests are keyed.
	RequireTokenHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("VOUCH_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("VOUCH_LOG_LEVEL", "info"),
		LogPretty: EnvBool("VOUCH_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("VOUCH_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("VOUCH_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("VOUCH_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("VOUCH_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("VOUCH_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:    EnvString("VOUCH_DATABASE_URL", ""),
		DBMaxConns:     EnvInt32("VOUCH_DB_MAX_CONNS", 10),
		DBMinConns:     EnvInt32("VOUCH_DB_MIN_CONNS", 0),
		MigrateOnStart: EnvBool("VOUCH_DB_MIGRATE_ON_START", false),

		CORSAllowedOrigins:   EnvCSV("VOUCH_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("VOUCH_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("VOUCH_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("VOUCH_READINESS_REQUIRE_DB", false),
		RequireTokenHMAC:   EnvBool("VOUCH_REQUIRE_TOKEN_HMAC", false),
	}
}
