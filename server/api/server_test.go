// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/auth"
	"github.com/relaymq/relaymq/broker"
	"github.com/relaymq/relaymq/ratelimit"
	"github.com/relaymq/relaymq/storage"
	"github.com/relaymq/relaymq/storage/memory"
)

func newTestServer(t *testing.T, cfg Config, authenticator *auth.Authenticator, limiter *ratelimit.KeyRateLimiter) (*Server, *broker.Broker) {
	t.Helper()
	b := broker.New(memory.New(), broker.Config{CleanupInterval: time.Hour}, slog.Default())
	t.Cleanup(b.Close)
	return New(cfg, b, authenticator, limiter, slog.Default()), b
}

func doJSON(t *testing.T, handler http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, Config{}, nil, nil)

	w := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestTopicLifecycle(t *testing.T) {
	s, _ := newTestServer(t, Config{}, nil, nil)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/topics", map[string]any{"name": "orders"})
	require.Equal(t, http.StatusCreated, w.Code)

	// Duplicate create conflicts.
	w = doJSON(t, h, http.MethodPost, "/api/topics", map[string]any{"name": "orders"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Invalid name rejected.
	w = doJSON(t, h, http.MethodPost, "/api/topics", map[string]any{"name": "bad/name"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/topics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Len(t, listed, 1)

	w = doJSON(t, h, http.MethodDelete, "/api/topics/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":true}`, w.Body.String())

	w = doJSON(t, h, http.MethodDelete, "/api/topics/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":false}`, w.Body.String())
}

func TestListTopicsPattern(t *testing.T) {
	s, b := newTestServer(t, Config{}, nil, nil)
	ctx := context.Background()

	for _, name := range []string{"orders.created", "orders.updated", "payments"} {
		_, err := b.CreateTopic(ctx, name, "test", nil)
		require.NoError(t, err)
	}

	w := doJSON(t, s.Handler(), http.MethodGet, "/api/topics?pattern=orders.*", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	assert.Len(t, listed, 2)

	w = doJSON(t, s.Handler(), http.MethodGet, "/api/topics?pattern=bad/pattern", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPublishAndHistory(t *testing.T) {
	s, _ := newTestServer(t, Config{}, nil, nil)
	h := s.Handler()

	w := doJSON(t, h, http.MethodPost, "/api/publish", map[string]any{
		"topic":   "orders",
		"payload": map[string]any{"n": 1},
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.NotEmpty(t, msg["id"])
	assert.Equal(t, "orders", msg["topic"])

	w = doJSON(t, h, http.MethodGet, "/api/messages/orders?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	assert.Len(t, history, 1)

	w = doJSON(t, h, http.MethodGet, "/api/messages/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/messages/orders?limit=no", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearchArchivedMessages(t *testing.T) {
	b := broker.New(memory.New(), broker.Config{
		CleanupInterval: time.Hour,
		ArchiveMessages: true,
	}, slog.Default())
	t.Cleanup(b.Close)
	s := New(Config{}, b, nil, nil, slog.Default())
	h := s.Handler()
	ctx := context.Background()

	_, err := b.Publish(ctx, "orders", json.RawMessage(`{"sku":"widget"}`), "pub-1", nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "orders", json.RawMessage(`{"sku":"gadget"}`), "pub-1", nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "payments", json.RawMessage(`{"sku":"widget"}`), "pub-1", nil)
	require.NoError(t, err)

	// The query hits the archive, scoped to the topic in the path.
	w := doJSON(t, h, http.MethodGet, "/api/messages/orders?q=widget", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var matches []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "orders", matches[0]["topic"])

	w = doJSON(t, h, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var metrics metricsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metrics))
	assert.Equal(t, 3, metrics.ArchivedMessages)
}

func TestMetricsEndpoint(t *testing.T) {
	s, b := newTestServer(t, Config{}, nil, nil)

	_, err := b.Publish(context.Background(), "orders", json.RawMessage(`{}`), "pub-1", nil)
	require.NoError(t, err)

	w := doJSON(t, s.Handler(), http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var metrics metricsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &metrics))
	assert.Equal(t, uint64(1), metrics.MessagesPublished)
	assert.Equal(t, 1, metrics.TopicCount)
}

func TestDLQEndpoints(t *testing.T) {
	cfg := broker.Config{
		CleanupInterval: time.Hour,
		TopicDefaults: storage.TopicConfig{
			MaxQueueSize:     1,
			MessageRetention: time.Hour,
			MaxRetries:       3,
			RetryDelay:       time.Second,
		},
	}
	b := broker.New(memory.New(), cfg, slog.Default())
	t.Cleanup(b.Close)
	s := New(Config{}, b, nil, nil, slog.Default())
	h := s.Handler()
	ctx := context.Background()

	// Overflow a one-slot queue to populate the DLQ.
	sink := broker.SinkFunc(func(msg *storage.Message) error { return nil })
	sub, err := b.Subscribe(ctx, "client-1", []string{"orders"}, sink, nil)
	require.NoError(t, err)
	require.NoError(t, b.SetOnline(sub.ID, false))

	m1, err := b.Publish(ctx, "orders", json.RawMessage(`{}`), "pub-1", nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "orders", json.RawMessage(`{}`), "pub-1", nil)
	require.NoError(t, err)
	require.Equal(t, 1, b.DLQ().Count())

	w := doJSON(t, h, http.MethodGet, "/api/dlq", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 1)

	// Bring the subscriber back so the retry delivers instead of
	// overflowing the queue again.
	require.NoError(t, b.SetOnline(sub.ID, true))

	w = doJSON(t, h, http.MethodPost, "/api/dlq/"+m1.ID+"/retry", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, b.DLQ().Count())

	w = doJSON(t, h, http.MethodPost, "/api/dlq/"+m1.ID+"/retry", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, h, http.MethodDelete, "/api/dlq/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthRequired(t *testing.T) {
	store := memory.New()
	authenticator := auth.New(store.APIKeys(), slog.Default())
	key, err := authenticator.Issue(context.Background(), "test")
	require.NoError(t, err)

	b := broker.New(store, broker.Config{CleanupInterval: time.Hour}, slog.Default())
	t.Cleanup(b.Close)
	s := New(Config{AuthEnabled: true}, b, authenticator, nil, slog.Default())
	h := s.Handler()

	// No key: rejected.
	w := doJSON(t, h, http.MethodGet, "/api/topics", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Health stays public.
	w = doJSON(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// X-API-Key header.
	req := httptest.NewRequest(http.MethodGet, "/api/topics", nil)
	req.Header.Set("X-API-Key", key.Key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Bearer token.
	req = httptest.NewRequest(http.MethodGet, "/api/topics", nil)
	req.Header.Set("Authorization", "Bearer "+key.Key)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	limiter := ratelimit.NewKeyRateLimiter(1, 2, time.Minute)
	t.Cleanup(limiter.Stop)

	s, _ := newTestServer(t, Config{}, nil, limiter)
	h := s.Handler()

	req := func() int {
		r := httptest.NewRequest(http.MethodGet, "/api/topics", nil)
		r.Header.Set("X-API-Key", "rmq_limited")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, req())
	assert.Equal(t, http.StatusOK, req())
	assert.Equal(t, http.StatusTooManyRequests, req())
}

func TestDemoKeys(t *testing.T) {
	s, _ := newTestServer(t, Config{}, nil, nil)

	// Authentication disabled: endpoint reports not found.
	w := doJSON(t, s.Handler(), http.MethodGet, "/demo-keys", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
