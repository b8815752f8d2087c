// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/relaymq/relaymq/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore is an in-memory implementation of storage.MessageStore.
// Messages are kept in insertion order per topic.
type MessageStore struct {
	mu      sync.RWMutex
	byID    map[string]*storage.Message
	byTopic map[string][]*storage.Message
	order   []*storage.Message
}

// NewMessageStore creates a new in-memory message archive.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:    make(map[string]*storage.Message),
		byTopic: make(map[string][]*storage.Message),
	}
}

// Save archives a message.
func (s *MessageStore) Save(ctx context.Context, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := storage.CopyMessage(msg)
	s.byID[cp.ID] = cp
	s.byTopic[cp.Topic] = append(s.byTopic[cp.Topic], cp)
	s.order = append(s.order, cp)
	return nil
}

// GetByTopic returns the most recent messages for a topic, oldest-first.
func (s *MessageStore) GetByTopic(ctx context.Context, topic string, limit int) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.byTopic[topic]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]*storage.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, storage.CopyMessage(m))
	}
	return out, nil
}

// GetByID retrieves a message by id.
func (s *MessageStore) GetByID(ctx context.Context, id string) (*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return storage.CopyMessage(msg), nil
}

// Search matches the query substring against topic, payload and publisher id.
func (s *MessageStore) Search(ctx context.Context, query string, limit int) ([]*storage.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.Message
	for _, m := range s.order {
		if strings.Contains(m.Topic, query) ||
			strings.Contains(string(m.Payload), query) ||
			strings.Contains(m.PublisherID, query) {
			out = append(out, storage.CopyMessage(m))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// DeleteOlderThan removes archived messages published before the cutoff.
func (s *MessageStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, m := range s.order {
		if m.Timestamp.Before(cutoff) {
			delete(s.byID, m.ID)
			topicMsgs := s.byTopic[m.Topic]
			for i, tm := range topicMsgs {
				if tm.ID == m.ID {
					s.byTopic[m.Topic] = append(topicMsgs[:i], topicMsgs[i+1:]...)
					break
				}
			}
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.order = kept
	return removed, nil
}

// Count returns the number of archived messages.
func (s *MessageStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.order), nil
}
