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

var _ storage.AuditStore = (*AuditStore)(nil)

// AuditStore implements storage.AuditStore using BadgerDB.
// Key format: audit/{unix_nanos:020d}-{id}, which keeps records in
// chronological order under iteration.
type AuditStore struct {
	db *badger.DB
}

// Append adds a record.
func (s *AuditStore) Append(ctx context.Context, record *storage.AuditRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	key := []byte(fmt.Sprintf("%s%020d-%s", prefixAudit, record.Timestamp.UnixNano(), record.ID))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// List returns records matching the filter, oldest-first.
func (s *AuditStore) List(ctx context.Context, filter storage.AuditFilter) ([]*storage.AuditRecord, error) {
	var records []*storage.AuditRecord

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixAudit)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				record := &storage.AuditRecord{}
				if err := json.Unmarshal(val, record); err != nil {
					return err
				}
				if filter.Action != "" && record.Action != filter.Action {
					return nil
				}
				if filter.Actor != "" && record.Actor != filter.Actor {
					return nil
				}
				if !filter.Since.IsZero() && record.Timestamp.Before(filter.Since) {
					return nil
				}
				records = append(records, record)
				return nil
			})
			if err != nil {
				return err
			}
			if filter.Limit > 0 && len(records) >= filter.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}
