// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/relaymq/relaymq/storage"
)

var _ storage.TopicStore = (*TopicStore)(nil)

// TopicStore is an in-memory implementation of storage.TopicStore.
type TopicStore struct {
	mu   sync.RWMutex
	data map[string]*storage.Topic
}

// NewTopicStore creates a new in-memory topic store.
func NewTopicStore() *TopicStore {
	return &TopicStore{data: make(map[string]*storage.Topic)}
}

// Save stores or replaces a topic.
func (s *TopicStore) Save(ctx context.Context, topic *storage.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *topic
	s.data[topic.Name] = &cp
	return nil
}

// Get retrieves a topic by name.
func (s *TopicStore) Get(ctx context.Context, name string) (*storage.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topic, ok := s.data[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *topic
	return &cp, nil
}

// GetAll returns all topics.
func (s *TopicStore) GetAll(ctx context.Context) ([]*storage.Topic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	topics := make([]*storage.Topic, 0, len(s.data))
	for _, topic := range s.data {
		cp := *topic
		topics = append(topics, &cp)
	}
	return topics, nil
}

// Delete removes a topic.
func (s *TopicStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, name)
	return nil
}

// UpdateStats updates the topic's counters.
func (s *TopicStore) UpdateStats(ctx context.Context, name string, messageCount uint64, subscriberCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topic, ok := s.data[name]
	if !ok {
		return storage.ErrNotFound
	}
	topic.MessageCount = messageCount
	topic.SubscriberCount = subscriberCount
	return nil
}
