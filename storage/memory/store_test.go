// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/storage"
)

func TestTopicStore(t *testing.T) {
	s := New().Topics()
	ctx := context.Background()

	topic := &storage.Topic{
		Name:      "orders",
		CreatedAt: time.Now(),
		CreatedBy: "tester",
		Config:    storage.TopicConfig{MaxQueueSize: 10},
	}
	require.NoError(t, s.Save(ctx, topic))

	got, err := s.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "tester", got.CreatedBy)
	assert.Equal(t, 10, got.Config.MaxQueueSize)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.UpdateStats(ctx, "orders", 5, 2))
	got, err = s.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), got.MessageCount)
	assert.Equal(t, 2, got.SubscriberCount)

	require.NoError(t, s.Save(ctx, &storage.Topic{Name: "payments"}))
	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, "orders"))
	_, err = s.Get(ctx, "orders")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "orders"), storage.ErrNotFound)
}

func TestMessageStore(t *testing.T) {
	s := New().Messages()
	ctx := context.Background()

	now := time.Now()
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.Save(ctx, &storage.Message{
			ID:          id,
			Topic:       "orders",
			Payload:     []byte(fmt.Sprintf(`{"seq":%d}`, i)),
			PublisherID: "pub-1",
			Timestamp:   now.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.Save(ctx, &storage.Message{
		ID: "p1", Topic: "payments", PublisherID: "pub-2", Timestamp: now,
	}))

	byTopic, err := s.GetByTopic(ctx, "orders", 2)
	require.NoError(t, err)
	require.Len(t, byTopic, 2)
	assert.Equal(t, "m2", byTopic[0].ID)
	assert.Equal(t, "m3", byTopic[1].ID)

	got, err := s.GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "orders", got.Topic)

	_, err = s.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	found, err := s.Search(ctx, "pub-2", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "p1", found[0].ID)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	removed, err := s.DeleteOlderThan(ctx, now.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	count, err = s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	_, err = s.GetByID(ctx, "m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGroupStore(t *testing.T) {
	s := New().Groups()
	ctx := context.Background()

	group := &storage.ConsumerGroup{
		Name:      "workers",
		Topic:     "jobs",
		Strategy:  storage.StrategyRoundRobin,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.Create(ctx, group))
	assert.ErrorIs(t, s.Create(ctx, group), storage.ErrAlreadyExists)

	require.NoError(t, s.SetCurrentOffset(ctx, "workers", 7))
	require.NoError(t, s.CommitOffset(ctx, "workers", 5))

	got, err := s.Get(ctx, "workers")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.CurrentOffset)
	assert.Equal(t, uint64(5), got.CommittedOffset)

	assert.ErrorIs(t, s.SetCurrentOffset(ctx, "missing", 1), storage.ErrNotFound)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDeadLetterStore(t *testing.T) {
	s := New().DeadLetters()
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.Append(ctx, &storage.DeadLetterEntry{
			Message:       &storage.Message{ID: id, Topic: "orders"},
			Reason:        "max retries exceeded",
			FailedAt:      time.Now(),
			OriginalTopic: "orders",
		}))
	}

	entries, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "m1", entries[0].Message.ID)

	limited, err := s.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	require.NoError(t, s.Remove(ctx, "m2"))
	assert.ErrorIs(t, s.Remove(ctx, "m2"), storage.ErrNotFound)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestAPIKeyStore(t *testing.T) {
	s := New().APIKeys()
	ctx := context.Background()

	key := &storage.APIKey{Key: "rmq_abc123", Name: "demo-1", CreatedAt: time.Now()}
	require.NoError(t, s.Save(ctx, key))

	got, err := s.GetByKey(ctx, "rmq_abc123")
	require.NoError(t, err)
	assert.Equal(t, "demo-1", got.Name)

	_, err = s.GetByKey(ctx, "rmq_nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	used := time.Now().Add(time.Minute)
	require.NoError(t, s.TouchLastUsed(ctx, "rmq_abc123", used))
	got, err = s.GetByKey(ctx, "rmq_abc123")
	require.NoError(t, err)
	assert.WithinDuration(t, used, got.LastUsed, time.Second)

	all, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAuditStore(t *testing.T) {
	s := New().Audit()
	ctx := context.Background()

	base := time.Now()
	records := []*storage.AuditRecord{
		{ID: "1", Action: "dlq:retry", Actor: "sub-1", Timestamp: base},
		{ID: "2", Action: "dlq:delete", Actor: "admin", Timestamp: base.Add(time.Second)},
		{ID: "3", Action: "dlq:retry", Actor: "sub-2", Timestamp: base.Add(2 * time.Second)},
	}
	for _, r := range records {
		require.NoError(t, s.Append(ctx, r))
	}

	all, err := s.List(ctx, storage.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	retries, err := s.List(ctx, storage.AuditFilter{Action: "dlq:retry"})
	require.NoError(t, err)
	assert.Len(t, retries, 2)

	byActor, err := s.List(ctx, storage.AuditFilter{Actor: "admin"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "2", byActor[0].ID)

	recent, err := s.List(ctx, storage.AuditFilter{Since: base.Add(500 * time.Millisecond)})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	limited, err := s.List(ctx, storage.AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
