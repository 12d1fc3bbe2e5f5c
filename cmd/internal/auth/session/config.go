package session

import (
	"os"
	"time"
)

// Config defines runtime configuration for the session subsystem.
//
// Access-token TTL depends on role: admin tokens carry broader authority and
// live shorter. Refresh TTL bounds the whole session chain; rotation renews
// the token, not the deadline beyond the configured window.
type Config struct {
	// Issuer is the value set in the "iss" claim of all tokens.
	Issuer string

	// AccessTTL is the access-token lifetime for non-admin roles.
	AccessTTL time.Duration

	// AdminAccessTTL is the access-token lifetime for admins.
	AdminAccessTTL time.Duration

	// RefreshTTL is the refresh-token and session lifetime.
	RefreshTTL time.Duration

	// SecretKey signs all HS256 tokens. Required, at least 32 bytes.
	SecretKey string
}

// DefaultConfig returns defaults suitable for development. SecretKey is
// intentionally left empty; it has no safe default.
func DefaultConfig() Config {
	return Config{
		Issuer:         "vouch",
		AccessTTL:      30 * time.Minute,
		AdminAccessTTL: 10 * time.Minute,
		RefreshTTL:     7 * 24 * time.Hour,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - VOUCH_JWT_SECRET
//
// Optional (Go duration strings):
//   - VOUCH_AUTH_ISSUER
//   - VOUCH_AUTH_ACCESS_TTL
//   - VOUCH_AUTH_ADMIN_ACCESS_TTL
//   - VOUCH_AUTH_REFRESH_TTL
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("VOUCH_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("VOUCH_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTTL = d
	}

	if v := os.Getenv("VOUCH_AUTH_ADMIN_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AdminAccessTTL = d
	}

	if v := os.Getenv("VOUCH_AUTH_REFRESH_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTTL = d
	}

	cfg.SecretKey = os.Getenv("VOUCH_JWT_SECRET")
	if len(cfg.SecretKey) < 32 {
		return Config{}, ErrConfig
	}

	// Access tokens must never outlive the session window.
	if cfg.AccessTTL > cfg.RefreshTTL || cfg.AdminAccessTTL > cfg.RefreshTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}

// AccessTTLFor returns the access-token lifetime for a role.
func (c Config) AccessTTLFor(role string) time.Duration {
	if role == "admin" {
		return c.AdminAccessTTL
	}
	return c.AccessTTL
}
