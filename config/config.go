// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads broker configuration from YAML with environment
// variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the message broker.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Broker    BrokerConfig    `yaml:"broker"`
	Groups    GroupsConfig    `yaml:"groups"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" env:"RELAYMQ_HTTP_ADDR"`
	WSPath          string        `yaml:"ws_path" env:"RELAYMQ_WS_PATH"`
	HealthAddr      string        `yaml:"health_addr" env:"RELAYMQ_HEALTH_ADDR"`
	MetricsAddr     string        `yaml:"metrics_addr" env:"RELAYMQ_METRICS_ADDR"` // OTLP endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"RELAYMQ_SHUTDOWN_TIMEOUT"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	MetricsEnabled  bool          `yaml:"metrics_enabled" env:"RELAYMQ_METRICS_ENABLED"`

	// OpenTelemetry configuration
	OtelServiceName    string `yaml:"otel_service_name"`
	OtelServiceVersion string `yaml:"otel_service_version"`
}

// BrokerConfig holds broker-specific settings and per-topic defaults.
type BrokerConfig struct {
	// Per-topic defaults applied on auto-creation.
	MaxQueueSize int           `yaml:"max_queue_size" env:"RELAYMQ_MAX_QUEUE_SIZE"`
	MessageTTL   time.Duration `yaml:"message_ttl" env:"RELAYMQ_MESSAGE_TTL"`
	MaxRetries   int           `yaml:"max_retries" env:"RELAYMQ_MAX_RETRIES"`
	RetryDelay   time.Duration `yaml:"retry_delay" env:"RELAYMQ_RETRY_DELAY"`
	RequireAck   bool          `yaml:"require_ack"`

	DeadLetterMaxSize  int           `yaml:"dead_letter_max_size" env:"RELAYMQ_DLQ_MAX_SIZE"`
	RequestTimeout     time.Duration `yaml:"request_timeout" env:"RELAYMQ_REQUEST_TIMEOUT"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`
	RedeliveryInterval time.Duration `yaml:"redelivery_interval"`
	EmitDropEvents     bool          `yaml:"emit_drop_events"`
	ArchiveMessages    bool          `yaml:"archive_messages" env:"RELAYMQ_ARCHIVE_MESSAGES"`
}

// GroupsConfig holds consumer group settings.
type GroupsConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" env:"RELAYMQ_GROUP_HEARTBEAT_TIMEOUT"`
	ReapInterval     time.Duration `yaml:"reap_interval"`
}

// AuthConfig holds API key authentication settings.
type AuthConfig struct {
	Enabled      bool `yaml:"enabled" env:"RELAYMQ_AUTH_ENABLED"`
	DemoKeys     bool `yaml:"demo_keys"`      // issue demo keys at startup
	DemoKeyCount int  `yaml:"demo_key_count"` // how many demo keys to issue
}

// RateLimitConfig holds per-key request rate limiting settings.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" env:"RELAYMQ_RATE_LIMIT_ENABLED"`
	RPS     float64 `yaml:"rps" env:"RELAYMQ_RATE_LIMIT_RPS"`
	Burst   int     `yaml:"burst" env:"RELAYMQ_RATE_LIMIT_BURST"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" env:"RELAYMQ_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"RELAYMQ_LOG_FORMAT"` // text, json
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type" env:"RELAYMQ_STORAGE_TYPE"` // memory, badger

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir" env:"RELAYMQ_BADGER_DIR"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled" env:"RELAYMQ_WEBHOOK_ENABLED"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`        // Event type filter (empty = all)
	TopicFilters []string          `yaml:"topic_filters"` // Topic pattern filter (empty = all)
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:           ":8080",
			WSPath:             "/ws",
			HealthAddr:         ":8081",
			HealthEnabled:      true,
			MetricsAddr:        "localhost:4317",
			MetricsEnabled:     false,
			ShutdownTimeout:    30 * time.Second,
			OtelServiceName:    "relaymq",
			OtelServiceVersion: "1.0.0",
		},
		Broker: BrokerConfig{
			MaxQueueSize:       1000,
			MessageTTL:         time.Hour,
			MaxRetries:         3,
			RetryDelay:         5 * time.Second,
			RequireAck:         false,
			DeadLetterMaxSize:  1000,
			RequestTimeout:     30 * time.Second,
			CleanupInterval:    time.Minute,
			RedeliveryInterval: time.Second,
			EmitDropEvents:     false,
			ArchiveMessages:    false,
		},
		Groups: GroupsConfig{
			HeartbeatTimeout: 30 * time.Second,
			ReapInterval:     10 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:      false,
			DemoKeys:     true,
			DemoKeyCount: 2,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			RPS:     100,
			Burst:   200,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "memory",
			BadgerDir: "/tmp/relaymq/data",
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
	}
}

// Load loads configuration from a YAML file, then applies environment
// variable overrides. If the file doesn't exist, defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
			// Fall through to defaults.
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if c.Server.ShutdownTimeout < time.Second {
		return fmt.Errorf("server.shutdown_timeout must be at least 1 second")
	}

	if c.Broker.MaxQueueSize < 1 {
		return fmt.Errorf("broker.max_queue_size must be at least 1")
	}
	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("broker.max_retries cannot be negative")
	}
	if c.Broker.RetryDelay < 0 {
		return fmt.Errorf("broker.retry_delay cannot be negative")
	}
	if c.Broker.DeadLetterMaxSize < 1 {
		return fmt.Errorf("broker.dead_letter_max_size must be at least 1")
	}
	if c.Broker.RequestTimeout < time.Millisecond {
		return fmt.Errorf("broker.request_timeout must be at least 1ms")
	}
	if c.Broker.RedeliveryInterval < 0 {
		return fmt.Errorf("broker.redelivery_interval cannot be negative")
	}

	if c.Groups.HeartbeatTimeout < time.Second {
		return fmt.Errorf("groups.heartbeat_timeout must be at least 1 second")
	}
	if c.Groups.ReapInterval < time.Second {
		return fmt.Errorf("groups.reap_interval must be at least 1 second")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RPS <= 0 {
			return fmt.Errorf("rate_limit.rps must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.Server.MetricsEnabled && c.Server.OtelServiceName == "" {
		return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
	}

	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
