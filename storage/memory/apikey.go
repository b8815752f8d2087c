// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/relaymq/relaymq/storage"
)

var _ storage.APIKeyStore = (*APIKeyStore)(nil)

// APIKeyStore is an in-memory implementation of storage.APIKeyStore.
type APIKeyStore struct {
	mu   sync.RWMutex
	data map[string]*storage.APIKey
}

// NewAPIKeyStore creates a new in-memory API key store.
func NewAPIKeyStore() *APIKeyStore {
	return &APIKeyStore{data: make(map[string]*storage.APIKey)}
}

// Save stores or replaces an API key.
func (s *APIKeyStore) Save(ctx context.Context, key *storage.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *key
	s.data[key.Key] = &cp
	return nil
}

// GetByKey retrieves an API key by its value.
func (s *APIKeyStore) GetByKey(ctx context.Context, key string) (*storage.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.data[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

// GetAll returns every stored API key.
func (s *APIKeyStore) GetAll(ctx context.Context) ([]*storage.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]*storage.APIKey, 0, len(s.data))
	for _, k := range s.data {
		cp := *k
		keys = append(keys, &cp)
	}
	return keys, nil
}

// TouchLastUsed records the last successful authentication time.
func (s *APIKeyStore) TouchLastUsed(ctx context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.data[key]
	if !ok {
		return storage.ErrNotFound
	}
	k.LastUsed = at
	return nil
}
