// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/relaymq/relaymq/storage"
)

var _ storage.GroupStore = (*GroupStore)(nil)

// GroupStore is an in-memory implementation of storage.GroupStore.
type GroupStore struct {
	mu   sync.RWMutex
	data map[string]*storage.ConsumerGroup
}

// NewGroupStore creates a new in-memory consumer group store.
func NewGroupStore() *GroupStore {
	return &GroupStore{data: make(map[string]*storage.ConsumerGroup)}
}

// Create stores a new consumer group. Fails if the name is taken.
func (s *GroupStore) Create(ctx context.Context, group *storage.ConsumerGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[group.Name]; ok {
		return storage.ErrAlreadyExists
	}
	cp := *group
	s.data[group.Name] = &cp
	return nil
}

// Get retrieves a consumer group by name.
func (s *GroupStore) Get(ctx context.Context, name string) (*storage.ConsumerGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	group, ok := s.data[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *group
	return &cp, nil
}

// GetAll returns all consumer groups.
func (s *GroupStore) GetAll(ctx context.Context) ([]*storage.ConsumerGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := make([]*storage.ConsumerGroup, 0, len(s.data))
	for _, group := range s.data {
		cp := *group
		groups = append(groups, &cp)
	}
	return groups, nil
}

// SetCurrentOffset updates the group's current offset.
func (s *GroupStore) SetCurrentOffset(ctx context.Context, name string, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.data[name]
	if !ok {
		return storage.ErrNotFound
	}
	group.CurrentOffset = offset
	return nil
}

// CommitOffset updates the group's committed offset.
func (s *GroupStore) CommitOffset(ctx context.Context, name string, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.data[name]
	if !ok {
		return storage.ErrNotFound
	}
	group.CommittedOffset = offset
	return nil
}
