// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/relaymq/relaymq/storage"
)

var _ storage.TopicStore = (*TopicStore)(nil)

// TopicStore implements storage.TopicStore using BadgerDB.
// Key format: topic/{name}.
type TopicStore struct {
	db *badger.DB
}

// Save stores or replaces a topic.
func (s *TopicStore) Save(ctx context.Context, topic *storage.Topic) error {
	data, err := json.Marshal(topic)
	if err != nil {
		return fmt.Errorf("failed to marshal topic: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixTopic+topic.Name), data)
	})
}

// Get retrieves a topic by name.
func (s *TopicStore) Get(ctx context.Context, name string) (*storage.Topic, error) {
	var topic *storage.Topic

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixTopic + name))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			topic = &storage.Topic{}
			return json.Unmarshal(val, topic)
		})
	})
	if err != nil {
		return nil, err
	}
	return topic, nil
}

// GetAll returns all topics.
func (s *TopicStore) GetAll(ctx context.Context) ([]*storage.Topic, error) {
	var topics []*storage.Topic

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixTopic)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				topic := &storage.Topic{}
				if err := json.Unmarshal(val, topic); err != nil {
					return err
				}
				topics = append(topics, topic)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return topics, nil
}

// Delete removes a topic.
func (s *TopicStore) Delete(ctx context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixTopic + name))
	})
}

// UpdateStats updates the topic's counters.
func (s *TopicStore) UpdateStats(ctx context.Context, name string, messageCount uint64, subscriberCount int) error {
	topic, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	topic.MessageCount = messageCount
	topic.SubscriberCount = subscriberCount
	return s.Save(ctx, topic)
}
