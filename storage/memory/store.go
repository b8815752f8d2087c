// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory implementation of the storage
// interfaces, used for tests and single-node deployments without
// durability requirements.
package memory

import "github.com/relaymq/relaymq/storage"

var _ storage.Store = (*Store)(nil)

// Store is the composite in-memory store.
type Store struct {
	topics      *TopicStore
	messages    *MessageStore
	groups      *GroupStore
	deadLetters *DeadLetterStore
	apiKeys     *APIKeyStore
	audit       *AuditStore
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		topics:      NewTopicStore(),
		messages:    NewMessageStore(),
		groups:      NewGroupStore(),
		deadLetters: NewDeadLetterStore(),
		apiKeys:     NewAPIKeyStore(),
		audit:       NewAuditStore(),
	}
}

func (s *Store) Topics() storage.TopicStore           { return s.topics }
func (s *Store) Messages() storage.MessageStore       { return s.messages }
func (s *Store) Groups() storage.GroupStore           { return s.groups }
func (s *Store) DeadLetters() storage.DeadLetterStore { return s.deadLetters }
func (s *Store) APIKeys() storage.APIKeyStore         { return s.apiKeys }
func (s *Store) Audit() storage.AuditStore            { return s.audit }

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }
