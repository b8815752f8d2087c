// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/relaymq/relaymq/storage"
)

var _ storage.DeadLetterStore = (*DeadLetterStore)(nil)

// DeadLetterStore implements storage.DeadLetterStore using BadgerDB.
// Key format: dlq/{seq:020d}. The sequence preserves FIFO order and is
// recovered from the last key on open.
type DeadLetterStore struct {
	db  *badger.DB
	seq atomic.Uint64
}

// NewDeadLetterStore creates a dead letter store and recovers the sequence.
func NewDeadLetterStore(db *badger.DB) *DeadLetterStore {
	s := &DeadLetterStore{db: db}

	_ = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the prefix range to land on the last dlq key.
		it.Seek([]byte(prefixDLQ + "\xff"))
		if it.ValidForPrefix([]byte(prefixDLQ)) {
			var last uint64
			fmt.Sscanf(string(it.Item().Key()), prefixDLQ+"%020d", &last)
			s.seq.Store(last)
		}
		return nil
	})

	return s
}

// Append adds an entry at the tail.
func (s *DeadLetterStore) Append(ctx context.Context, entry *storage.DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}

	key := []byte(fmt.Sprintf("%s%020d", prefixDLQ, s.seq.Add(1)))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// List returns entries oldest-first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]*storage.DeadLetterEntry, error) {
	var entries []*storage.DeadLetterEntry

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixDLQ)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				entry := &storage.DeadLetterEntry{}
				if err := json.Unmarshal(val, entry); err != nil {
					return err
				}
				entries = append(entries, entry)
				return nil
			})
			if err != nil {
				return err
			}
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Remove deletes the entry whose message carries the given id.
func (s *DeadLetterStore) Remove(ctx context.Context, messageID string) error {
	var key []byte

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixDLQ)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				entry := &storage.DeadLetterEntry{}
				if err := json.Unmarshal(val, entry); err != nil {
					return err
				}
				if entry.Message != nil && entry.Message.ID == messageID {
					key = item.KeyCopy(nil)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if key != nil {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if key == nil {
		return storage.ErrNotFound
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// Count returns the number of entries.
func (s *DeadLetterStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixDLQ)
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
