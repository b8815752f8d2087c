// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/relaymq/relaymq/auth"
	"github.com/relaymq/relaymq/broker"
	"github.com/relaymq/relaymq/broker/events"
	"github.com/relaymq/relaymq/broker/webhook"
	"github.com/relaymq/relaymq/config"
	"github.com/relaymq/relaymq/groups"
	"github.com/relaymq/relaymq/ratelimit"
	"github.com/relaymq/relaymq/server/api"
	"github.com/relaymq/relaymq/server/health"
	"github.com/relaymq/relaymq/server/otel"
	"github.com/relaymq/relaymq/server/websocket"
	"github.com/relaymq/relaymq/storage"
	"github.com/relaymq/relaymq/storage/badger"
	"github.com/relaymq/relaymq/storage/memory"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting RelayMQ broker", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"http_listener", cfg.Server.HTTPAddr,
		"ws_path", cfg.Server.WSPath,
		"health_enabled", cfg.Server.HealthEnabled,
		"metrics_enabled", cfg.Server.MetricsEnabled,
		"auth_enabled", cfg.Auth.Enabled,
		"storage_type", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	var store storage.Store
	switch cfg.Storage.Type {
	case "memory":
		store = memory.New()
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badger.New(badger.Config{
			Dir: cfg.Storage.BadgerDir,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		defer store.Close()
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}

	b := broker.New(store, broker.Config{
		TopicDefaults: storage.TopicConfig{
			MaxQueueSize:     cfg.Broker.MaxQueueSize,
			MessageRetention: cfg.Broker.MessageTTL,
			MaxRetries:       cfg.Broker.MaxRetries,
			RetryDelay:       cfg.Broker.RetryDelay,
			RequireAck:       cfg.Broker.RequireAck,
		},
		DeadLetterMaxSize:  cfg.Broker.DeadLetterMaxSize,
		RequestTimeout:     cfg.Broker.RequestTimeout,
		CleanupInterval:    cfg.Broker.CleanupInterval,
		RedeliveryInterval: cfg.Broker.RedeliveryInterval,
		EmitDropEvents:     cfg.Broker.EmitDropEvents,
		ArchiveMessages:    cfg.Broker.ArchiveMessages,
		GroupOptions: []groups.Option{
			groups.WithHeartbeatTimeout(cfg.Groups.HeartbeatTimeout),
			groups.WithReapInterval(cfg.Groups.ReapInterval),
		},
	}, logger)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Restore(ctx); err != nil {
		slog.Error("Failed to restore broker state", "error", err)
		os.Exit(1)
	}

	// OpenTelemetry metrics.
	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(cfg.Server, b.ID())
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				slog.Error("OpenTelemetry shutdown error", "error", err)
			}
		}()

		metrics, err := otel.NewMetrics()
		if err != nil {
			slog.Error("Failed to initialize metrics", "error", err)
			os.Exit(1)
		}
		b.OnEvent(metrics.Observe)
		slog.Info("OpenTelemetry metrics enabled", "endpoint", cfg.Server.MetricsAddr)
	}

	// Webhook notifier.
	if cfg.Webhook.Enabled {
		notifier, err := webhook.NewNotifier(cfg.Webhook, b.ID(), webhook.NewHTTPSender(), logger)
		if err != nil {
			slog.Error("Failed to initialize webhook notifier", "error", err)
			os.Exit(1)
		}
		defer notifier.Close()
		b.OnEvent(func(ev events.Event) {
			if err := notifier.Notify(ctx, ev); err != nil {
				slog.Warn("Webhook notify failed", "error", err)
			}
		})
		slog.Info("Webhook notifier enabled", "endpoints", len(cfg.Webhook.Endpoints))
	}

	// Authentication.
	var authenticator *auth.Authenticator
	if cfg.Auth.Enabled {
		authenticator = auth.New(store.APIKeys(), logger)
		if err := authenticator.Restore(ctx); err != nil {
			slog.Error("Failed to restore api keys", "error", err)
			os.Exit(1)
		}
		if cfg.Auth.DemoKeys {
			keys, err := authenticator.EnsureDemoKeys(ctx, cfg.Auth.DemoKeyCount)
			if err != nil {
				slog.Error("Failed to issue demo keys", "error", err)
				os.Exit(1)
			}
			for _, key := range keys {
				slog.Info("Demo API key available", "name", key.Name, "key", key.Key)
			}
		}
	}

	// Rate limiting.
	var limiter *ratelimit.KeyRateLimiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewKeyRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 5*time.Minute)
		defer limiter.Stop()
	}

	var wg sync.WaitGroup

	wsServer := websocket.New(websocket.Config{
		Address:         cfg.Server.HTTPAddr,
		Path:            cfg.Server.WSPath,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AuthEnabled:     cfg.Auth.Enabled,
	}, b, authenticator, limiter, logger)

	apiServer := api.New(api.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		AuthEnabled:     cfg.Auth.Enabled,
	}, b, authenticator, limiter, logger)

	combined := newCombinedServer(cfg.Server, wsServer, apiServer, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := combined.Listen(ctx); err != nil {
			slog.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				slog.Error("Health server error", "error", err)
				cancel()
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()

	slog.Info("Broker stopped")
}
