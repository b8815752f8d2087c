// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package auth provides API key issuance and verification for the broker's
// HTTP and WebSocket surfaces.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymq/relaymq/storage"
)

var (
	// ErrUnauthenticated indicates a missing or unknown API key.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrRateLimited indicates the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limited")
)

const keyPrefix = "rmq_"

// Authenticator verifies API keys against the key store. Keys are cached
// in memory; the store is the source of truth across restarts.
type Authenticator struct {
	mu     sync.RWMutex
	keys   map[string]*storage.APIKey
	store  storage.APIKeyStore
	logger *slog.Logger
}

// New creates an authenticator backed by the given key store.
func New(store storage.APIKeyStore, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		keys:   make(map[string]*storage.APIKey),
		store:  store,
		logger: logger,
	}
}

// Restore loads persisted keys into the cache.
func (a *Authenticator) Restore(ctx context.Context) error {
	keys, err := a.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load api keys: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range keys {
		a.keys[key.Key] = key
	}
	return nil
}

// Issue generates and persists a new API key.
func (a *Authenticator) Issue(ctx context.Context, name string) (*storage.APIKey, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate api key: %w", err)
	}

	key := &storage.APIKey{
		Key:       keyPrefix + hex.EncodeToString(raw),
		Name:      name,
		CreatedAt: time.Now(),
	}
	if err := a.store.Save(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to persist api key: %w", err)
	}

	a.mu.Lock()
	a.keys[key.Key] = key
	a.mu.Unlock()

	a.logger.Info("api key issued", slog.String("name", name))
	return key, nil
}

// Authenticate verifies the key and records its use. Last-used updates
// are best effort.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (*storage.APIKey, error) {
	if key == "" {
		return nil, ErrUnauthenticated
	}

	a.mu.RLock()
	record, ok := a.keys[key]
	a.mu.RUnlock()
	if !ok {
		return nil, ErrUnauthenticated
	}

	now := time.Now()
	a.mu.Lock()
	record.LastUsed = now
	cp := *record
	a.mu.Unlock()

	if err := a.store.TouchLastUsed(ctx, key, now); err != nil {
		a.logger.Warn("failed to record key usage",
			slog.String("name", record.Name),
			slog.String("error", err.Error()))
	}

	return &cp, nil
}

// List returns all known keys.
func (a *Authenticator) List() []*storage.APIKey {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*storage.APIKey, 0, len(a.keys))
	for _, key := range a.keys {
		cp := *key
		out = append(out, &cp)
	}
	return out
}

// EnsureDemoKeys issues demo keys when none exist, for local development.
func (a *Authenticator) EnsureDemoKeys(ctx context.Context, count int) ([]*storage.APIKey, error) {
	a.mu.RLock()
	existing := len(a.keys)
	a.mu.RUnlock()
	if existing > 0 {
		return a.List(), nil
	}

	out := make([]*storage.APIKey, 0, count)
	for i := 0; i < count; i++ {
		key, err := a.Issue(ctx, fmt.Sprintf("demo-%d", i+1))
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}
