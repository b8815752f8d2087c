// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the broker's REST management surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/relaymq/relaymq/auth"
	"github.com/relaymq/relaymq/broker"
	"github.com/relaymq/relaymq/ratelimit"
	"github.com/relaymq/relaymq/storage"
	"github.com/relaymq/relaymq/topics"
)

// Config holds configuration for the API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	AuthEnabled     bool
}

// Server provides the HTTP management API.
type Server struct {
	config        Config
	broker        *broker.Broker
	authenticator *auth.Authenticator
	limiter       *ratelimit.KeyRateLimiter
	httpServer    *http.Server
	logger        *slog.Logger
}

// New creates a new API server. The authenticator and limiter may be nil
// when those features are disabled.
func New(cfg Config, b *broker.Broker, authenticator *auth.Authenticator, limiter *ratelimit.KeyRateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:        cfg,
		broker:        b,
		authenticator: authenticator,
		limiter:       limiter,
		logger:        logger,
	}

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /demo-keys", s.handleDemoKeys)

	// Authenticated endpoints.
	mux.Handle("GET /api/topics", s.protect(s.handleListTopics))
	mux.Handle("POST /api/topics", s.protect(s.handleCreateTopic))
	mux.Handle("DELETE /api/topics/{name}", s.protect(s.handleDeleteTopic))
	mux.Handle("POST /api/publish", s.protect(s.handlePublish))
	mux.Handle("GET /api/messages/{topic}", s.protect(s.handleHistory))
	mux.Handle("GET /api/metrics", s.protect(s.handleMetrics))
	mux.Handle("GET /api/subscribers", s.protect(s.handleSubscribers))
	mux.Handle("GET /api/dlq", s.protect(s.handleListDLQ))
	mux.Handle("POST /api/dlq/retry", s.protect(s.handleRetryAllDLQ))
	mux.Handle("POST /api/dlq/{id}/retry", s.protect(s.handleRetryDLQ))
	mux.Handle("DELETE /api/dlq/{id}", s.protect(s.handleDeleteDLQ))

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler returns the underlying HTTP handler, for mounting alongside
// the WebSocket endpoint.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen starts the API server.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Starting API server", slog.String("address", s.config.Address))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	}
}

// protect wraps a handler with API key authentication and rate limiting.
func (s *Server) protect(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFrom(r)

		if s.config.AuthEnabled && s.authenticator != nil {
			if _, err := s.authenticator.Authenticate(r.Context(), key); err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or missing api key")
				return
			}
		}

		if s.limiter != nil {
			limitKey := key
			if limitKey == "" {
				limitKey = r.RemoteAddr
			}
			if !s.limiter.Allow(limitKey) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		next(w, r)
	})
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	const bearer = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(bearer) && h[:len(bearer)] == bearer {
		return h[len(bearer):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDemoKeys(w http.ResponseWriter, r *http.Request) {
	if s.authenticator == nil {
		writeError(w, http.StatusNotFound, "authentication disabled")
		return
	}
	writeJSON(w, http.StatusOK, s.authenticator.List())
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern != "" {
		if err := topics.ValidateTopicName(pattern); err != nil {
			writeError(w, http.StatusBadRequest, "invalid pattern")
			return
		}
	}
	writeJSON(w, http.StatusOK, s.broker.ListTopics(pattern))
}

type createTopicRequest struct {
	Name   string               `json:"name"`
	Config *storage.TopicConfig `json:"config,omitempty"`
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request) {
	var req createTopicRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	topic, err := s.broker.CreateTopic(r.Context(), req.Name, "api", req.Config)
	switch {
	case errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "topic already exists")
	case errors.Is(err, topics.ErrInvalidTopicName):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, topic)
	}
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	existed, err := s.broker.DeleteTopic(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": existed})
}

type publishRequest struct {
	Topic         string            `json:"topic"`
	Payload       json.RawMessage   `json:"payload"`
	PublisherID   string            `json:"publisher_id"`
	Headers       map[string]string `json:"headers,omitempty"`
	TTLMs         int64             `json:"ttl_ms,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PublisherID == "" {
		req.PublisherID = "api"
	}

	opts := &broker.PublishOptions{
		Headers:       req.Headers,
		TTL:           time.Duration(req.TTLMs) * time.Millisecond,
		CorrelationID: req.CorrelationID,
		ReplyTo:       req.ReplyTo,
	}
	msg, err := s.broker.Publish(r.Context(), req.Topic, req.Payload, req.PublisherID, opts)
	switch {
	case errors.Is(err, topics.ErrInvalidTopicName):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, msg)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	if _, err := s.broker.GetTopic(topic); err != nil {
		writeError(w, http.StatusNotFound, "topic not found")
		return
	}

	// A query searches the message archive instead of the history ring.
	if query := r.URL.Query().Get("q"); query != "" {
		matches, err := s.broker.SearchMessages(r.Context(), query, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]*storage.Message, 0, len(matches))
		for _, msg := range matches {
			if msg.Topic == topic {
				out = append(out, msg)
			}
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	writeJSON(w, http.StatusOK, s.broker.History(topic, limit))
}

// metricsResponse is the broker stats snapshot served to operators.
type metricsResponse struct {
	MessagesPublished uint64              `json:"messages_published"`
	MessagesDelivered uint64              `json:"messages_delivered"`
	MessagesQueued    uint64              `json:"messages_queued"`
	MessagesFailed    uint64              `json:"messages_failed"`
	RequestsSent      uint64              `json:"requests_sent"`
	RequestsTimedOut  uint64              `json:"requests_timed_out"`
	MessagesPerSecond float64             `json:"messages_per_second"`
	UptimeSeconds     float64             `json:"uptime_seconds"`
	TotalQueueDepth   int                 `json:"total_queue_depth"`
	DeadLetterCount   int                 `json:"dead_letter_count"`
	TopicCount        int                 `json:"topic_count"`
	ArchivedMessages  int                 `json:"archived_messages"`
	TopTopics         []topics.TopicStats `json:"top_topics"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := s.broker.Stats()
	topicStats := s.broker.Registry().GetStats()
	archived, err := s.broker.ArchivedCount(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, metricsResponse{
		MessagesPublished: stats.GetPublished(),
		MessagesDelivered: stats.GetDelivered(),
		MessagesQueued:    stats.GetQueued(),
		MessagesFailed:    stats.GetFailed(),
		RequestsSent:      stats.GetRequests(),
		RequestsTimedOut:  stats.GetTimeouts(),
		MessagesPerSecond: stats.MessagesPerSecond(),
		UptimeSeconds:     stats.GetUptime().Seconds(),
		TotalQueueDepth:   s.broker.Queues().TotalDepth(),
		DeadLetterCount:   s.broker.DLQ().Count(),
		TopicCount:        topicStats.TopicCount,
		ArchivedMessages:  archived,
		TopTopics:         topicStats.TopTopics,
	})
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.ListSubscribers())
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.broker.DLQ().List(limit))
}

func (s *Server) handleRetryAllDLQ(w http.ResponseWriter, r *http.Request) {
	retried := s.broker.RetryAllDeadLetters(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"retried": retried})
}

func (s *Server) handleRetryDLQ(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.broker.RetryDeadLetter(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "retried"})
}

func (s *Server) handleDeleteDLQ(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.broker.DeleteDeadLetter(r.Context(), id) {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
