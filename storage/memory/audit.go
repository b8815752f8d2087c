// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"

	"github.com/relaymq/relaymq/storage"
)

var _ storage.AuditStore = (*AuditStore)(nil)

// AuditStore is an in-memory implementation of storage.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	records []*storage.AuditRecord
}

// NewAuditStore creates a new in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Append adds a record at the tail.
func (s *AuditStore) Append(ctx context.Context, record *storage.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *record
	s.records = append(s.records, &cp)
	return nil
}

// List returns records matching the filter, oldest-first.
func (s *AuditStore) List(ctx context.Context, filter storage.AuditFilter) ([]*storage.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.AuditRecord
	for _, r := range s.records {
		if filter.Action != "" && r.Action != filter.Action {
			continue
		}
		if filter.Actor != "" && r.Actor != filter.Actor {
			continue
		}
		if !filter.Since.IsZero() && r.Timestamp.Before(filter.Since) {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
