// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Test server defaults
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("expected default HTTP addr :8080, got %s", cfg.Server.HTTPAddr)
	}
	if cfg.Server.WSPath != "/ws" {
		t.Errorf("expected default WS path /ws, got %s", cfg.Server.WSPath)
	}

	// Test broker defaults
	if cfg.Broker.MaxQueueSize != 1000 {
		t.Errorf("expected max queue size 1000, got %d", cfg.Broker.MaxQueueSize)
	}
	if cfg.Broker.RetryDelay != 5*time.Second {
		t.Errorf("expected retry delay 5s, got %v", cfg.Broker.RetryDelay)
	}
	if cfg.Broker.DeadLetterMaxSize != 1000 {
		t.Errorf("expected dead letter cap 1000, got %d", cfg.Broker.DeadLetterMaxSize)
	}
	if cfg.Broker.RedeliveryInterval != time.Second {
		t.Errorf("expected redelivery interval 1s, got %v", cfg.Broker.RedeliveryInterval)
	}

	// Test group defaults
	if cfg.Groups.HeartbeatTimeout != 30*time.Second {
		t.Errorf("expected heartbeat timeout 30s, got %v", cfg.Groups.HeartbeatTimeout)
	}

	// Test log defaults
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "no HTTP listener configured",
			modify: func(c *Config) {
				c.Server.HTTPAddr = ""
			},
			wantErr: true,
		},
		{
			name: "queue size too small",
			modify: func(c *Config) {
				c.Broker.MaxQueueSize = 0
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "heartbeat timeout too short",
			modify: func(c *Config) {
				c.Groups.HeartbeatTimeout = 500 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "badger storage without dir",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.BadgerDir = ""
			},
			wantErr: true,
		},
		{
			name: "unknown storage type",
			modify: func(c *Config) {
				c.Storage.Type = "postgres"
			},
			wantErr: true,
		},
		{
			name: "webhook endpoint without url",
			modify: func(c *Config) {
				c.Webhook.Enabled = true
				c.Webhook.Endpoints = []WebhookEndpoint{{Name: "ep"}}
			},
			wantErr: true,
		},
		{
			name: "rate limit enabled with zero rps",
			modify: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.RPS = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("expected default config, got HTTP addr %s", cfg.Server.HTTPAddr)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RELAYMQ_HTTP_ADDR", ":9090")
	t.Setenv("RELAYMQ_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("expected env override :9090, got %s", cfg.Server.HTTPAddr)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected env override debug, got %s", cfg.Log.Level)
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	// Create custom config
	cfg := Default()
	cfg.Server.HTTPAddr = ":9999"
	cfg.Broker.RetryDelay = 30 * time.Second
	cfg.Log.Level = "debug"

	// Save
	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Load
	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Verify
	if loaded.Server.HTTPAddr != ":9999" {
		t.Errorf("expected HTTP addr :9999, got %s", loaded.Server.HTTPAddr)
	}
	if loaded.Broker.RetryDelay != 30*time.Second {
		t.Errorf("expected retry delay 30s, got %v", loaded.Broker.RetryDelay)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}
