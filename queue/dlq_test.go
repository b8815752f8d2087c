// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/storage"
	"github.com/relaymq/relaymq/storage/memory"
)

func TestDLQ_PushAndList(t *testing.T) {
	d := NewDLQ(memory.New().DeadLetters(), 10, nil, nil)

	entry := d.Push(queued("m1", "sub", 3), ReasonMaxRetries)
	require.NotNil(t, entry)
	assert.Equal(t, "orders", entry.OriginalTopic)
	assert.Equal(t, "sub", entry.SubscriberID)
	assert.Equal(t, ReasonMaxRetries, entry.Reason)

	d.Push(queued("m2", "sub", 3), ReasonQueueOverflow)

	assert.Equal(t, 2, d.Count())
	entries := d.List(0)
	require.Len(t, entries, 2)
	assert.Equal(t, "m1", entries[0].Message.ID)
	assert.Equal(t, "m2", entries[1].Message.ID)

	limited := d.List(1)
	require.Len(t, limited, 1)
	assert.Equal(t, "m1", limited[0].Message.ID)
}

func TestDLQ_CapDropsOldest(t *testing.T) {
	var dropped []string
	d := NewDLQ(memory.New().DeadLetters(), 3, func(entry *storage.DeadLetterEntry) {
		dropped = append(dropped, entry.Message.ID)
	}, nil)

	for i := 0; i < 5; i++ {
		d.Push(queued(fmt.Sprintf("m%d", i), "sub", 3), ReasonMaxRetries)
	}

	assert.Equal(t, 3, d.Count())
	assert.Equal(t, []string{"m0", "m1"}, dropped)

	entries := d.List(0)
	require.Len(t, entries, 3)
	assert.Equal(t, "m2", entries[0].Message.ID)
	assert.Equal(t, "m4", entries[2].Message.ID)
}

func TestDLQ_Remove(t *testing.T) {
	d := NewDLQ(memory.New().DeadLetters(), 10, nil, nil)

	d.Push(queued("m1", "sub", 3), ReasonMaxRetries)

	assert.True(t, d.Remove("m1"))
	assert.Equal(t, 0, d.Count())
	assert.Nil(t, d.Get("m1"))
	assert.False(t, d.Remove("m1"))
}

func TestDLQ_RetrieveForRetry(t *testing.T) {
	d := NewDLQ(memory.New().DeadLetters(), 10, nil, nil)

	d.Push(queued("m1", "sub", 3), ReasonMaxRetries)

	entry := d.RetrieveForRetry("m1")
	require.NotNil(t, entry)
	assert.Equal(t, "m1", entry.Message.ID)
	assert.Equal(t, 0, d.Count())

	assert.Nil(t, d.RetrieveForRetry("m1"))
}

func TestDLQ_Restore(t *testing.T) {
	store := memory.New().DeadLetters()

	d := NewDLQ(store, 10, nil, nil)
	d.Push(queued("m1", "sub", 3), ReasonMaxRetries)
	d.Push(queued("m2", "sub", 3), ReasonQueueOverflow)

	restored := NewDLQ(store, 10, nil, nil)
	require.NoError(t, restored.Restore(context.Background()))
	assert.Equal(t, 2, restored.Count())
	assert.NotNil(t, restored.Get("m1"))
	assert.NotNil(t, restored.Get("m2"))
}
