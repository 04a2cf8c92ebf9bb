// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the relay service.
package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/roomrelay/internal/relay"
)

// OpsConfig configures the optional operations HTTP server.
type OpsConfig struct {
	// Addr is the listen address; empty disables the ops server.
	Addr           string
	AllowedOrigins []string
	PushInterval   time.Duration
}

// Config holds the server configuration settings.
type Config struct {
	Env             string
	Host            string
	Port            int
	Backlog         int
	MaxConnections  int
	BufferSize      int
	PollTimeout     time.Duration
	MaxSocketErrors int
	RateLimit       relay.RateLimitConfig
	Ops             OpsConfig
}

func defaultConfig() Config {
	return Config{
		Env:             "dev",
		Host:            "0.0.0.0",
		Port:            9000,
		Backlog:         5,
		MaxConnections:  5,
		BufferSize:      64,
		PollTimeout:     500 * time.Millisecond,
		MaxSocketErrors: 3,
		// Burst 0 leaves payloads unthrottled.
		RateLimit: relay.RateLimitConfig{
			Burst:          0,
			RefillInterval: time.Second,
		},
		Ops: OpsConfig{
			AllowedOrigins: []string{
				"http://localhost:8080",
			},
			PushInterval: time.Second,
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Sanitize replaces out-of-range values with defaults and normalizes the
// origin allowlist.
func (c *Config) Sanitize() {
	def := defaultConfig()

	if c.Env == "" {
		c.Env = def.Env
	}
	if c.Port < 0 || c.Port > 65535 {
		c.Port = def.Port
	}
	if c.Backlog <= 0 {
		c.Backlog = def.Backlog
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = def.MaxConnections
	}
	// One byte is kept back for the terminator, so a buffer needs two.
	if c.BufferSize < 2 {
		c.BufferSize = def.BufferSize
	}
	if c.MaxSocketErrors < 0 {
		c.MaxSocketErrors = def.MaxSocketErrors
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = def.PollTimeout
	}
	if c.RateLimit.Burst < 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.Ops.PushInterval <= 0 {
		c.Ops.PushInterval = def.Ops.PushInterval
	}
	c.Ops.AllowedOrigins = append([]string(nil), c.Ops.AllowedOrigins...)
}

// RelayConfig returns the subset of settings the relay loop consumes.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		MaxConnections:  c.MaxConnections,
		BufferSize:      c.BufferSize,
		PollTimeout:     c.PollTimeout,
		MaxSocketErrors: c.MaxSocketErrors,
		RateLimit:       c.RateLimit,
	}
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.Env = env
	}

	// Load RELAY_HOST / RELAY_PORT
	if host := os.Getenv("RELAY_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("RELAY_PORT"); port != "" {
		cfg.Port = parsePort(port, cfg.Port)
	}

	if backlog := os.Getenv("RELAY_BACKLOG"); backlog != "" {
		cfg.Backlog = parseIntValue(backlog, cfg.Backlog)
	}
	if maxConns := os.Getenv("RELAY_MAX_CONNECTIONS"); maxConns != "" {
		cfg.MaxConnections = parseIntValue(maxConns, cfg.MaxConnections)
	}
	if size := os.Getenv("RELAY_BUFFER_SIZE"); size != "" {
		cfg.BufferSize = parseIntValue(size, cfg.BufferSize)
	}

	// Load RELAY_POLL_TIMEOUT_MS; the loop only notices shutdown between
	// waits, so it must be positive
	if timeout := os.Getenv("RELAY_POLL_TIMEOUT_MS"); timeout != "" {
		cfg.PollTimeout = parsePositiveMillis(timeout, cfg.PollTimeout)
	}
	if strikes := os.Getenv("RELAY_MAX_SOCKET_ERRORS"); strikes != "" {
		cfg.MaxSocketErrors = parseNonNegative(strikes, cfg.MaxSocketErrors)
	}

	// Load RATE_LIMIT_BURST; zero disables throttling
	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseNonNegative(burst, cfg.RateLimit.Burst)
	}

	// Load RATE_LIMIT_REFILL_INTERVAL
	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	if addr := os.Getenv("OPS_ADDR"); addr != "" {
		cfg.Ops.Addr = addr
	}

	// Load ALLOWED_ORIGINS
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.Ops.AllowedOrigins = parseOrigins(origins)
	}
	if push := os.Getenv("OPS_PUSH_INTERVAL_MS"); push != "" {
		cfg.Ops.PushInterval = parsePositiveMillis(push, cfg.Ops.PushInterval)
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parsePort(value string, defaultValue int) int {
	if port, err := strconv.Atoi(value); err == nil && port >= 0 && port <= 65535 {
		return port
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseNonNegative(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}
	return defaultValue
}

func parsePositiveMillis(value string, defaultValue time.Duration) time.Duration {
	if ms, err := strconv.Atoi(value); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
