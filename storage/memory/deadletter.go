// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/relaymq/relaymq/storage"
)

var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

// DeadLetterStore is an in-memory implementation of storage.DeadLetterStore.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries []*storage.DeadLetterEntry
}

// NewDeadLetterStore creates a new in-memory dead letter store.
func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{}
}

// Append adds an entry at the tail.
func (s *DeadLetterStore) Append(ctx context.Context, entry *storage.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	cp.Message = storage.CopyMessage(entry.Message)
	s.entries = append(s.entries, &cp)
	return nil
}

// List returns entries oldest-first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*storage.DeadLetterEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entries
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*storage.DeadLetterEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		cp.Message = storage.CopyMessage(e.Message)
		out = append(out, &cp)
	}
	return out, nil
}

// Remove deletes the entry whose message carries the given id.
func (s *DeadLetterStore) Remove(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.entries {
		if e.Message != nil && e.Message.ID == messageID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

// Count returns the number of entries.
func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries), nil
}
