// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/relaymq/relaymq/storage"
)

var _ storage.MessageStore = (*MessageStore)(nil)

// MessageStore implements storage.MessageStore using BadgerDB.
//
// Key format:
//   - Record:  msg/topic/{topic}/{unix_nanos:020d}-{id}
//   - ID index: msg/id/{id} -> record key
//
// The nanosecond-prefixed key keeps per-topic iteration in publish order.
type MessageStore struct {
	db *badger.DB
}

func messageKey(msg *storage.Message) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d-%s", prefixMsgTopic, msg.Topic, msg.Timestamp.UnixNano(), msg.ID))
}

// Save archives a message.
func (s *MessageStore) Save(ctx context.Context, msg *storage.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	key := messageKey(msg)
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(prefixMsgID+msg.ID), key)
	})
}

// GetByTopic returns the most recent messages for a topic, oldest-first.
func (s *MessageStore) GetByTopic(ctx context.Context, topic string, limit int) ([]*storage.Message, error) {
	var msgs []*storage.Message

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixMsgTopic + topic + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				msg := &storage.Message{}
				if err := json.Unmarshal(val, msg); err != nil {
					return err
				}
				msgs = append(msgs, msg)
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
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// GetByID retrieves a message by id via the id index.
func (s *MessageStore) GetByID(ctx context.Context, id string) (*storage.Message, error) {
	var msg *storage.Message

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixMsgID + id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}

		var recordKey []byte
		if err := item.Value(func(val []byte) error {
			recordKey = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}

		record, err := txn.Get(recordKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return record.Value(func(val []byte) error {
			msg = &storage.Message{}
			return json.Unmarshal(val, msg)
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Search matches the query substring against topic, payload and publisher id.
func (s *MessageStore) Search(ctx context.Context, query string, limit int) ([]*storage.Message, error) {
	var msgs []*storage.Message

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixMsgTopic)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				msg := &storage.Message{}
				if err := json.Unmarshal(val, msg); err != nil {
					return err
				}
				if strings.Contains(msg.Topic, query) ||
					strings.Contains(string(msg.Payload), query) ||
					strings.Contains(msg.PublisherID, query) {
					msgs = append(msgs, msg)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(msgs) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteOlderThan removes archived messages published before the cutoff.
func (s *MessageStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	type target struct {
		key []byte
		id  string
	}
	var targets []target

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixMsgTopic)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				msg := &storage.Message{}
				if err := json.Unmarshal(val, msg); err != nil {
					return err
				}
				if msg.Timestamp.Before(cutoff) {
					targets = append(targets, target{key: item.KeyCopy(nil), id: msg.ID})
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, t := range targets {
		if err := wb.Delete(t.key); err != nil {
			return 0, err
		}
		if err := wb.Delete([]byte(prefixMsgID + t.id)); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(targets), nil
}

// Count returns the number of archived messages.
func (s *MessageStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixMsgTopic)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
