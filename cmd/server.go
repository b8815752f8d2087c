// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaymq/relaymq/config"
	"github.com/relaymq/relaymq/server/api"
	"github.com/relaymq/relaymq/server/websocket"
)

// combinedServer serves the REST API and the WebSocket endpoint on one
// listener, routing by path prefix.
type combinedServer struct {
	cfg    config.ServerConfig
	server *http.Server
	logger *slog.Logger
}

func newCombinedServer(cfg config.ServerConfig, ws *websocket.Server, rest *api.Server, logger *slog.Logger) *combinedServer {
	wsPath := cfg.WSPath
	wsHandler := ws.Handler()
	restHandler := rest.Handler()

	mux := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == wsPath || strings.HasPrefix(r.URL.Path, wsPath+"/") {
			wsHandler.ServeHTTP(w, r)
			return
		}
		restHandler.ServeHTTP(w, r)
	})

	return &combinedServer{
		cfg: cfg,
		server: &http.Server{
			Addr:    cfg.HTTPAddr,
			Handler: mux,
		},
		logger: logger,
	}
}

// Listen starts the combined server.
func (s *combinedServer) Listen(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		slog.String("address", s.cfg.HTTPAddr),
		slog.String("ws_path", s.cfg.WSPath))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("HTTP server stopped")
		return nil
	}
}
