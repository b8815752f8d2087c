// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket exposes the broker over a JSON frame protocol.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymq/relaymq/auth"
	"github.com/relaymq/relaymq/broker"
	"github.com/relaymq/relaymq/ratelimit"
)

// Config holds WebSocket server configuration.
type Config struct {
	Address         string
	Path            string
	ShutdownTimeout time.Duration
	AuthEnabled     bool

	// OutboundBuffer is the per-connection outbound frame buffer. A slow
	// consumer whose buffer fills is disconnected.
	OutboundBuffer int
}

// Server accepts WebSocket clients and bridges frames to the broker.
type Server struct {
	config        Config
	broker        *broker.Broker
	authenticator *auth.Authenticator
	limiter       *ratelimit.KeyRateLimiter
	logger        *slog.Logger
	server        *http.Server
	upgrader      websocket.Upgrader
}

// New creates a new WebSocket server.
func New(cfg Config, b *broker.Broker, authenticator *auth.Authenticator, limiter *ratelimit.KeyRateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 256
	}

	s := &Server{
		config:        cfg,
		broker:        b,
		authenticator: authenticator,
		limiter:       limiter,
		logger:        logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleWebSocket)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint, for
// mounting on a shared listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Listen starts the WebSocket server.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("websocket server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	conn := newConnection(s, ws, r.RemoteAddr)
	go conn.writePump()
	conn.readPump()
}
