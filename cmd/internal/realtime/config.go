package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 64 << 10 // 64 KiB

	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	maxPingFailures = 3

	closeGrace = 1 * time.Second
)

// Config controls gateway transport behavior and security policy.
type Config struct {
	// OriginRequired rejects upgrade requests without an Origin header.
	// AllowedOrigins is the origin allowlist (full origin or bare host).
	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// ReverifyInterval is how often a live connection's access token is
	// checked again. Revoked sessions, bumped token versions and expired
	// tokens all surface within one interval.
	ReverifyInterval time.Duration

	// Inbound frame rate limit per connection.
	RateEvents int
	RateWindow time.Duration
}

// DefaultConfig returns secure defaults: origin required, localhost only.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		WriteTimeout:      5 * time.Second,
		ReadIdleTimeout:   2 * time.Minute,
		SendQueueSize:     defaultSendQueueSize,
		HeartbeatInterval: 25 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		ReverifyInterval:  30 * time.Second,
		RateEvents:        120,
		RateWindow:        10 * time.Second,
	}
}

// LoadConfigFromEnv reads gateway config from VOUCH_WS_* variables, falling
// back to DefaultConfig values.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.OriginRequired = envBool("VOUCH_WS_ORIGIN_REQUIRED", cfg.OriginRequired)
	if v := envCSV("VOUCH_WS_ALLOWED_ORIGINS"); len(v) > 0 {
		cfg.AllowedOrigins = v
	}

	cfg.WriteTimeout = envDuration("VOUCH_WS_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ReadIdleTimeout = envDuration("VOUCH_WS_READ_IDLE_TIMEOUT", cfg.ReadIdleTimeout)
	cfg.SendQueueSize = envInt("VOUCH_WS_SEND_QUEUE", cfg.SendQueueSize)
	cfg.HeartbeatInterval = envDuration("VOUCH_WS_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.HeartbeatTimeout = envDuration("VOUCH_WS_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)
	cfg.ReverifyInterval = envDuration("VOUCH_WS_REVERIFY_INTERVAL", cfg.ReverifyInterval)
	cfg.RateEvents = envInt("VOUCH_WS_RATE_EVENTS", cfg.RateEvents)
	cfg.RateWindow = envDuration("VOUCH_WS_RATE_WINDOW", cfg.RateWindow)

	return cfg.normalized()
}

func (c Config) normalized() Config {
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = 2 * time.Minute
	}
	if c.ReverifyInterval <= 0 {
		c.ReverifyInterval = 30 * time.Second
	}
	return c
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSV(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
