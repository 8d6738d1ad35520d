// Package config provides configuration management for the sync agent.
//
// Configuration is layered (lowest to highest priority):
//  1. Defaults in code
//  2. base.yaml
//  3. <environment>.yaml
//  4. local.yaml (development only)
//  5. Environment variables
package config

import (
	"fmt"
	"strings"
	"time"
)

// Environment is the deployment environment of the agent.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the complete agent configuration.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment"`
	LogLevel    string      `yaml:"log_level" json:"log_level"`

	// UserID is the stable user identifier; when empty it is resolved from
	// Supabase.AccessToken.
	UserID string `yaml:"user_id" json:"user_id"`

	// WorkspaceID is activated on startup when set.
	WorkspaceID string `yaml:"workspace_id" json:"workspace_id"`

	Supabase    SupabaseConfig    `yaml:"supabase" json:"supabase"`
	Queue       QueueConfig       `yaml:"queue" json:"queue"`
	Realtime    RealtimeConfig    `yaml:"realtime" json:"realtime"`
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`
	Remote      RemoteConfig      `yaml:"remote" json:"remote"`
	Server      ServerConfig      `yaml:"server" json:"server"`
	Tracing     TracingConfig     `yaml:"tracing" json:"tracing"`

	// Metadata
	LoadedFrom []string `yaml:"-" json:"-"`
}

// SupabaseConfig locates the remote store.
type SupabaseConfig struct {
	URL         string `yaml:"url" json:"url"`
	Key         string `yaml:"key" json:"-"`
	AccessToken string `yaml:"access_token" json:"-"`

	// JWTSecret verifies AccessToken locally; without it the token is
	// resolved through the auth API.
	JWTSecret string `yaml:"jwt_secret" json:"-"`
}

// QueueConfig configures the durable operation queue.
type QueueConfig struct {
	// StorageDSN selects where the queue record lives: file://path,
	// memory:// or postgres://...
	StorageDSN string        `yaml:"storage_dsn" json:"storage_dsn"`
	StorageKey string        `yaml:"storage_key" json:"storage_key"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" json:"base_delay"`
}

// RealtimeConfig configures the push feed transport.
type RealtimeConfig struct {
	URL                  string        `yaml:"url" json:"url"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	EventsPerSecond      int           `yaml:"events_per_second" json:"events_per_second"`
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval" json:"reconnect_max_interval"`
}

// CoordinatorConfig configures lifecycle and status reporting.
type CoordinatorConfig struct {
	StatusInterval       time.Duration `yaml:"status_interval" json:"status_interval"`
	ShutdownDrainTimeout time.Duration `yaml:"shutdown_drain_timeout" json:"shutdown_drain_timeout"`
}

// RemoteConfig configures the circuit breaker around remote calls.
type RemoteConfig struct {
	BreakerMaxRequests      uint32        `yaml:"breaker_max_requests" json:"breaker_max_requests"`
	BreakerInterval         time.Duration `yaml:"breaker_interval" json:"breaker_interval"`
	BreakerTimeout          time.Duration `yaml:"breaker_timeout" json:"breaker_timeout"`
	BreakerFailureThreshold float64       `yaml:"breaker_failure_threshold" json:"breaker_failure_threshold"`
	BreakerMinRequests      uint32        `yaml:"breaker_min_requests" json:"breaker_min_requests"`
}

// ServerConfig configures the local status/control HTTP surface.
type ServerConfig struct {
	Addr           string   `yaml:"addr" json:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	Endpoint   string  `yaml:"endpoint" json:"endpoint"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
}

// Default returns the configuration used when nothing else is provided.
func Default() *Config {
	return &Config{
		Environment: Development,
		LogLevel:    "info",
		Queue: QueueConfig{
			StorageDSN: "file://.dots/sync_queue.json",
			StorageKey: "dots_sync_queue",
			MaxRetries: 3,
			BaseDelay:  time.Second,
		},
		Realtime: RealtimeConfig{
			HeartbeatInterval:    30 * time.Second,
			EventsPerSecond:      10,
			ReconnectMaxInterval: 30 * time.Second,
		},
		Coordinator: CoordinatorConfig{
			StatusInterval:       time.Second,
			ShutdownDrainTimeout: 5 * time.Second,
		},
		Remote: RemoteConfig{
			BreakerMaxRequests:      5,
			BreakerInterval:         30 * time.Second,
			BreakerTimeout:          60 * time.Second,
			BreakerFailureThreshold: 0.8,
			BreakerMinRequests:      5,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:7420",
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		},
		Tracing: TracingConfig{
			SampleRate: 1.0,
		},
	}
}

// RealtimeURL returns the websocket endpoint, derived from the Supabase URL
// when not configured explicitly.
func (c *Config) RealtimeURL() string {
	if c.Realtime.URL != "" {
		return c.Realtime.URL
	}
	base := strings.TrimRight(c.Supabase.URL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/realtime/v1/websocket"
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	var problems []string

	switch c.Environment {
	case Development, Staging, Production:
	default:
		problems = append(problems, fmt.Sprintf("unknown environment %q", c.Environment))
	}
	if c.Queue.MaxRetries < 1 {
		problems = append(problems, "queue.max_retries must be at least 1")
	}
	if c.Queue.BaseDelay <= 0 {
		problems = append(problems, "queue.base_delay must be positive")
	}
	if strings.TrimSpace(c.Queue.StorageKey) == "" {
		problems = append(problems, "queue.storage_key is required")
	}
	if c.Coordinator.StatusInterval <= 0 {
		problems = append(problems, "coordinator.status_interval must be positive")
	}
	if c.Realtime.HeartbeatInterval <= 0 {
		problems = append(problems, "realtime.heartbeat_interval must be positive")
	}
	if c.Remote.BreakerFailureThreshold <= 0 || c.Remote.BreakerFailureThreshold > 1 {
		problems = append(problems, "remote.breaker_failure_threshold must be in (0, 1]")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		problems = append(problems, "tracing.sample_rate must be in [0, 1]")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsDevelopment reports whether the agent runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == Development
}
