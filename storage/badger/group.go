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

var _ storage.GroupStore = (*GroupStore)(nil)

// GroupStore implements storage.GroupStore using BadgerDB.
// Key format: group/{name}.
type GroupStore struct {
	db *badger.DB
}

// Create stores a new consumer group. Fails if the name is taken.
func (s *GroupStore) Create(ctx context.Context, group *storage.ConsumerGroup) error {
	data, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("failed to marshal group: %w", err)
	}

	key := []byte(prefixGroup + group.Name)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return storage.ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(key, data)
	})
}

// Get retrieves a consumer group by name.
func (s *GroupStore) Get(ctx context.Context, name string) (*storage.ConsumerGroup, error) {
	var group *storage.ConsumerGroup

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixGroup + name))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			group = &storage.ConsumerGroup{}
			return json.Unmarshal(val, group)
		})
	})
	if err != nil {
		return nil, err
	}
	return group, nil
}

// GetAll returns all consumer groups.
func (s *GroupStore) GetAll(ctx context.Context) ([]*storage.ConsumerGroup, error) {
	var groups []*storage.ConsumerGroup

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixGroup)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				group := &storage.ConsumerGroup{}
				if err := json.Unmarshal(val, group); err != nil {
					return err
				}
				groups = append(groups, group)
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
	return groups, nil
}

// SetCurrentOffset updates the group's current offset.
func (s *GroupStore) SetCurrentOffset(ctx context.Context, name string, offset uint64) error {
	return s.updateOffset(ctx, name, func(g *storage.ConsumerGroup) { g.CurrentOffset = offset })
}

// CommitOffset updates the group's committed offset.
func (s *GroupStore) CommitOffset(ctx context.Context, name string, offset uint64) error {
	return s.updateOffset(ctx, name, func(g *storage.ConsumerGroup) { g.CommittedOffset = offset })
}

func (s *GroupStore) updateOffset(ctx context.Context, name string, update func(*storage.ConsumerGroup)) error {
	group, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	update(group)

	data, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("failed to marshal group: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixGroup+name), data)
	})
}
