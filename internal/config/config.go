// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package config loads and validates Beacon's configuration.
//
// Configuration is layered: struct defaults, then an optional YAML file,
// then environment variables (highest priority). See koanf.go for the
// loading mechanics.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Config is the root configuration for a Beacon gateway process.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	NATS       NATSConfig       `koanf:"nats"`
	Gateway    GatewayConfig    `koanf:"gateway"`
	Pending    PendingConfig    `koanf:"pending"`
	Dispatcher DispatcherConfig `koanf:"dispatcher"`
	Cache      CacheConfig      `koanf:"cache"`
	Logging    LoggingConfig    `koanf:"logging"`

	// InstanceID uniquely identifies this gateway process on the fanout
	// bus and in the presence map. Auto-generated when empty.
	InstanceID string `koanf:"instance_id"`

	// Debug enables the pending-store introspection endpoint.
	Debug bool `koanf:"debug"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gte=1,lte=65535"`
	Timeout time.Duration `koanf:"timeout"`

	// CORSOrigins lists allowed origins for browser clients.
	CORSOrigins []string `koanf:"cors_origins"`

	// RateLimitReqs and RateLimitWindow bound producer notify calls
	// per client IP. Zero requests disables rate limiting.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// NATSConfig holds broker and stream settings.
type NATSConfig struct {
	URL            string `koanf:"url" validate:"required"`
	EmbeddedServer bool   `koanf:"embedded_server"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	StreamName      string        `koanf:"stream_name" validate:"required"`
	StreamRetention time.Duration `koanf:"stream_retention"`
	StreamMaxMsgs   int64         `koanf:"stream_max_msgs"`

	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// GatewayConfig holds connection handling settings.
type GatewayConfig struct {
	// HeartbeatInterval is the period between server heartbeat frames.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`

	// TimeoutMultiplier sets the idle cutoff: a connection is closed
	// after HeartbeatInterval * TimeoutMultiplier without client traffic.
	TimeoutMultiplier int `koanf:"timeout_multiplier" validate:"gte=1"`

	// MaxConnections caps live connections per process.
	MaxConnections int `koanf:"max_connections" validate:"gte=1"`

	// MaxPerUser caps live connections per user per process.
	MaxPerUser int `koanf:"max_per_user" validate:"gte=1"`

	// SendBuffer is the per-connection outbound queue length. A full
	// queue force-closes the connection rather than blocking dispatch.
	SendBuffer int `koanf:"send_buffer" validate:"gte=1"`

	// MaxMessageSize bounds inbound and producer payloads in bytes.
	MaxMessageSize int64 `koanf:"max_message_size" validate:"gt=0"`
}

// PendingConfig holds pending-store settings.
type PendingConfig struct {
	// MaxPerUser caps buffered events per user; oldest are dropped.
	MaxPerUser int `koanf:"max_per_user" validate:"gte=1"`

	// TTL is the maximum age of a buffered event.
	TTL time.Duration `koanf:"ttl" validate:"gt=0"`

	// RetryInterval is the period of the pending redelivery sweep.
	RetryInterval time.Duration `koanf:"retry_interval"`

	// MaxAttempts before an event is moved to the dead-letter subject.
	MaxAttempts int `koanf:"max_attempts" validate:"gte=1"`
}

// DispatcherConfig holds log consumer settings.
type DispatcherConfig struct {
	// ConsumerGroup names the durable cursor shared by all gateway
	// processes of one logical deployment.
	ConsumerGroup string `koanf:"consumer_group" validate:"required"`

	// BatchSize is the maximum events fetched per poll.
	BatchSize int `koanf:"batch_size" validate:"gte=1"`

	// PollWait bounds a single blocking fetch so housekeeping
	// (pending sweep, presence refresh) is never starved.
	PollWait time.Duration `koanf:"poll_wait" validate:"gt=0"`

	// AckWait is how long the broker waits for an ack before
	// redelivering to the group.
	AckWait time.Duration `koanf:"ack_wait"`
}

// CacheConfig holds the recommendation payload cache settings.
type CacheConfig struct {
	Path string        `koanf:"path"`
	TTL  time.Duration `koanf:"ttl"`

	// BatchLimit caps the batch size asked of the recommender when the
	// cache misses.
	BatchLimit int `koanf:"batch_limit"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9000,
			Timeout:         30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		NATS: NATSConfig{
			URL:             "nats://127.0.0.1:4222",
			EmbeddedServer:  true,
			StoreDir:        "/data/beacon/jetstream",
			MaxMemory:       1 << 30,  // 1GB
			MaxStore:        10 << 30, // 10GB
			StreamName:      "NOTIFICATIONS",
			StreamRetention: 24 * time.Hour,
			StreamMaxMsgs:   1_000_000,
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
		},
		Gateway: GatewayConfig{
			HeartbeatInterval: 30 * time.Second,
			TimeoutMultiplier: 3,
			MaxConnections:    10_000,
			MaxPerUser:        1,
			SendBuffer:        64,
			MaxMessageSize:    1 << 20, // 1MB
		},
		Pending: PendingConfig{
			MaxPerUser:    100,
			TTL:           24 * time.Hour,
			RetryInterval: 5 * time.Minute,
			MaxAttempts:   3,
		},
		Dispatcher: DispatcherConfig{
			ConsumerGroup: "notification-processors",
			BatchSize:     10,
			PollWait:      time.Second,
			AckWait:       30 * time.Second,
		},
		Cache: CacheConfig{
			Path:       "/data/beacon/cache",
			TTL:        6 * time.Hour,
			BatchLimit: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for structural errors. Called by
// LoadWithKoanf after all layers are merged.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Gateway.SendBuffer > 4096 {
		return fmt.Errorf("gateway.send_buffer %d exceeds sane bound 4096", c.Gateway.SendBuffer)
	}
	return nil
}

// ClientTimeout is the idle cutoff derived from the heartbeat settings.
func (g GatewayConfig) ClientTimeout() time.Duration {
	return g.HeartbeatInterval * time.Duration(g.TimeoutMultiplier)
}

// ClientTimeout is the idle cutoff derived from the heartbeat settings.
func (c *Config) ClientTimeout() time.Duration {
	return c.Gateway.ClientTimeout()
}

// applyDerived fills in values that depend on the environment, such as
// the auto-generated instance identity.
func (c *Config) applyDerived() {
	if c.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "beacon"
		}
		c.InstanceID = host + "_" + strings.Split(uuid.NewString(), "-")[0]
	}
}
