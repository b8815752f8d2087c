// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/relaymq/relaymq/storage"
)

var _ storage.APIKeyStore = (*APIKeyStore)(nil)

// APIKeyStore implements storage.APIKeyStore using BadgerDB.
// Key format: apikey/{key}.
type APIKeyStore struct {
	db *badger.DB
}

// Save stores or replaces an API key.
func (s *APIKeyStore) Save(ctx context.Context, key *storage.APIKey) error {
	data, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to marshal api key: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixAPIKey+key.Key), data)
	})
}

// GetByKey retrieves an API key by its value.
func (s *APIKeyStore) GetByKey(ctx context.Context, key string) (*storage.APIKey, error) {
	var out *storage.APIKey

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixAPIKey + key))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			out = &storage.APIKey{}
			return json.Unmarshal(val, out)
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAll returns every stored API key.
func (s *APIKeyStore) GetAll(ctx context.Context) ([]*storage.APIKey, error) {
	var keys []*storage.APIKey

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixAPIKey)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				key := &storage.APIKey{}
				if err := json.Unmarshal(val, key); err != nil {
					return err
				}
				keys = append(keys, key)
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
	return keys, nil
}

// TouchLastUsed records the last successful authentication time.
func (s *APIKeyStore) TouchLastUsed(ctx context.Context, key string, at time.Time) error {
	k, err := s.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	k.LastUsed = at
	return s.Save(ctx, k)
}
