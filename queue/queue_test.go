// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/storage"
	"github.com/relaymq/relaymq/storage/memory"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := memory.New()
	dlq := NewDLQ(store.DeadLetters(), 0, nil, nil)
	return NewManager(dlq, nil)
}

func queued(id, subscriberID string, maxRetries int) *QueuedMessage {
	return &QueuedMessage{
		Message: &storage.Message{
			ID:        id,
			Topic:     "orders",
			Timestamp: time.Now(),
		},
		SubscriberID: subscriberID,
		QueuedAt:     time.Now(),
		MaxRetries:   maxRetries,
	}
}

func TestManager_EnqueueDequeue(t *testing.T) {
	m := newTestManager(t)

	assert.Nil(t, m.Enqueue("sub", queued("m1", "sub", 3), 10))
	assert.Nil(t, m.Enqueue("sub", queued("m2", "sub", 3), 10))
	assert.Equal(t, 2, m.Depth("sub"))

	first := m.Dequeue("sub")
	require.NotNil(t, first)
	assert.Equal(t, "m1", first.Message.ID)

	second := m.Dequeue("sub")
	require.NotNil(t, second)
	assert.Equal(t, "m2", second.Message.ID)

	assert.Nil(t, m.Dequeue("sub"))
	assert.Equal(t, 0, m.Depth("sub"))
}

func TestManager_OverflowEvictsOldest(t *testing.T) {
	m := newTestManager(t)

	assert.Nil(t, m.Enqueue("sub", queued("m1", "sub", 3), 2))
	assert.Nil(t, m.Enqueue("sub", queued("m2", "sub", 3), 2))

	evicted := m.Enqueue("sub", queued("m3", "sub", 3), 2)
	require.NotNil(t, evicted)
	assert.Equal(t, "m1", evicted.Message.ID)
	assert.Equal(t, 2, m.Depth("sub"))

	entry := m.dlq.Get("m1")
	require.NotNil(t, entry)
	assert.Equal(t, ReasonQueueOverflow, entry.Reason)
	assert.Equal(t, "sub", entry.SubscriberID)
}

func TestManager_DequeueSkipsBackoff(t *testing.T) {
	m := newTestManager(t)

	waiting := queued("m1", "sub", 3)
	waiting.NextRetryAt = time.Now().Add(time.Minute)
	m.Enqueue("sub", waiting, 10)
	m.Enqueue("sub", queued("m2", "sub", 3), 10)

	got := m.Dequeue("sub")
	require.NotNil(t, got)
	assert.Equal(t, "m2", got.Message.ID)

	// The waiting message stays queued.
	assert.Equal(t, 1, m.Depth("sub"))
	assert.Nil(t, m.Dequeue("sub"))
}

func TestManager_Ack(t *testing.T) {
	m := newTestManager(t)

	m.Enqueue("sub", queued("m1", "sub", 3), 10)

	assert.True(t, m.Ack("sub", "m1"))
	assert.Equal(t, 0, m.Depth("sub"))
	assert.False(t, m.Ack("sub", "m1"))
	assert.False(t, m.Ack("sub", "unknown"))
}

func TestManager_NackSchedulesBackoff(t *testing.T) {
	m := newTestManager(t)

	qm := queued("m1", "sub", 3)
	m.Enqueue("sub", qm, 10)

	found, deadLettered := m.Nack("sub", "m1", "")
	assert.True(t, found)
	assert.False(t, deadLettered)
	assert.Equal(t, 1, qm.Attempts)
	// First retry is scheduled roughly 2s out (1s << 1).
	assert.WithinDuration(t, time.Now().Add(2*time.Second), qm.NextRetryAt, 500*time.Millisecond)
	assert.Nil(t, m.Dequeue("sub"))
	assert.Equal(t, 1, m.Depth("sub"))
}

func TestManager_NackDeadLetters(t *testing.T) {
	m := newTestManager(t)

	m.Enqueue("sub", queued("m1", "sub", 2), 10)

	found, deadLettered := m.Nack("sub", "m1", "")
	assert.True(t, found)
	assert.False(t, deadLettered)

	found, deadLettered = m.Nack("sub", "m1", "handler crashed")
	assert.True(t, found)
	assert.True(t, deadLettered)
	assert.Equal(t, 0, m.Depth("sub"))

	entry := m.dlq.Get("m1")
	require.NotNil(t, entry)
	assert.Equal(t, "handler crashed", entry.Reason)

	found, _ = m.Nack("sub", "m1", "")
	assert.False(t, found)
}

func TestManager_FailDelivery(t *testing.T) {
	m := newTestManager(t)

	qm := queued("m1", "sub", 3)
	assert.False(t, m.FailDelivery("sub", qm, "", 10))
	assert.Equal(t, 1, qm.Attempts)
	assert.Equal(t, 1, m.Depth("sub"))
	assert.False(t, qm.Ready(time.Now()))

	exhausted := queued("m2", "sub", 1)
	assert.True(t, m.FailDelivery("sub", exhausted, "sink gone", 10))
	assert.Equal(t, 1, m.Depth("sub"))

	entry := m.dlq.Get("m2")
	require.NotNil(t, entry)
	assert.Equal(t, "sink gone", entry.Reason)
}

func TestManager_Clear(t *testing.T) {
	m := newTestManager(t)

	m.Enqueue("sub", queued("m1", "sub", 3), 10)
	m.Enqueue("sub", queued("m2", "sub", 3), 10)
	m.Enqueue("other", queued("m3", "other", 3), 10)

	m.Clear("sub")
	assert.Equal(t, 0, m.Depth("sub"))
	assert.Equal(t, 1, m.TotalDepth())
}

func TestManager_PurgeExpired(t *testing.T) {
	m := newTestManager(t)

	expired := queued("m1", "sub", 3)
	expired.Message.TTL = time.Millisecond
	expired.Message.Timestamp = time.Now().Add(-time.Second)
	m.Enqueue("sub", expired, 10)
	m.Enqueue("sub", queued("m2", "sub", 3), 10)

	assert.Equal(t, 1, m.PurgeExpired())
	assert.Equal(t, 1, m.Depth("sub"))

	got := m.Dequeue("sub")
	require.NotNil(t, got)
	assert.Equal(t, "m2", got.Message.ID)
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffDelay(tc.attempts))
	}
}
