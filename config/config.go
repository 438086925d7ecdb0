// Package config parses the gateway's environment-backed configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-backed option the gateway's core
// recognizes, plus the transport tuning knobs the core needs a
// concrete value for.
type Config struct {
	// SessionTimeoutMinutes is the Session Manager's idle-eviction
	// threshold.
	SessionTimeoutMinutes int `env:"MCP_SESSION_TIMEOUT_MINUTES" envDefault:"30"`

	// SessionCleanupIntervalMinutes is the Janitor's tick period.
	SessionCleanupIntervalMinutes int `env:"MCP_SESSION_CLEANUP_INTERVAL_MINUTES" envDefault:"5"`

	// EncryptionKey is the base64-encoded AEAD key. Required: losing
	// it forfeits every encrypted BackendServer field.
	EncryptionKey string `env:"MCP_ENCRYPTION_KEY,required"`

	// DatabaseURL is the DSN the Registry's persistence layer opens.
	DatabaseURL string `env:"DATABASE_URL" envDefault:"gateway.db"`

	// AuthSecret verifies inbound bearer tokens at the HTTP edge
	// (external auth collaborator — consumed, not implemented, by
	// the core).
	AuthSecret string `env:"AUTH_SECRET"`

	// InitialAdminEmail is consumed by the external user-management
	// collaborator; the core never reads it itself.
	InitialAdminEmail string `env:"INITIAL_ADMIN_EMAIL"`

	// ListenAddr is the HTTP address the Bridge binds.
	ListenAddr string `env:"MCP_GATEWAY_LISTEN_ADDR" envDefault:":8080"`

	// StdioMaxFrameBytes is parsed but not passed to the stdio
	// transport, which applies its own built-in 4 MiB frame cap.
	StdioMaxFrameBytes int `env:"MCP_GATEWAY_STDIO_MAX_FRAME_BYTES" envDefault:"4194304"`

	// HandshakeTimeoutSeconds is parsed but not passed to the
	// transports; a BackendServer row that leaves timeout_ms unset
	// gets BackendServer.Timeout's built-in 30s default instead.
	HandshakeTimeoutSeconds int `env:"MCP_GATEWAY_HANDSHAKE_TIMEOUT_SECONDS" envDefault:"30"`

	// ChannelQueueCapacity bounds a ClientChannel's outbound SSE event
	// queue.
	ChannelQueueCapacity int `env:"MCP_GATEWAY_CHANNEL_QUEUE_CAPACITY" envDefault:"1024"`

	// RedisURL, when set, backs the auth boundary's durable Grant store
	// with Redis instead of an in-memory store (multi-replica bearer
	// revocation).
	RedisURL string `env:"MCP_GATEWAY_REDIS_URL"`
}

// Load parses Config from the process environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}
	return cfg, nil
}

// SessionTimeout returns SessionTimeoutMinutes as a time.Duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutMinutes) * time.Minute
}

// SessionCleanupInterval returns SessionCleanupIntervalMinutes as a
// time.Duration.
func (c *Config) SessionCleanupInterval() time.Duration {
	return time.Duration(c.SessionCleanupIntervalMinutes) * time.Minute
}

// HandshakeTimeout returns HandshakeTimeoutSeconds as a time.Duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSeconds) * time.Second
}
