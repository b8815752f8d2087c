// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/storage"
)

func TestRequest_RoundTrip(t *testing.T) {
	b := newTestBroker(t, Config{TopicDefaults: testTopicConfig()})
	ctx := context.Background()

	// Responder echoes the request payload back on the reply address.
	responder := SinkFunc(func(msg *storage.Message) error {
		if msg.ReplyTo == "" {
			return nil
		}
		_, err := b.Reply(ctx, msg, json.RawMessage(`{"echo":true}`), "responder")
		return err
	})
	_, err := b.Subscribe(ctx, "responder", []string{"svc.echo"}, responder, nil)
	require.NoError(t, err)

	reply, err := b.Request(ctx, "svc.echo", json.RawMessage(`{"q":1}`), "requester", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":true}`, string(reply.Payload))
	assert.NotEmpty(t, reply.CorrelationID)

	assert.Equal(t, uint64(1), b.Stats().GetRequests())
	assert.Equal(t, uint64(0), b.Stats().GetTimeouts())

	// The transient reply topic and subscription are gone.
	assert.Len(t, b.ListTopics(""), 1)
	assert.Len(t, b.ListSubscribers(), 1)
	assert.Equal(t, 0, b.correlator.count())
}

func TestRequest_Timeout(t *testing.T) {
	b := newTestBroker(t, Config{TopicDefaults: testTopicConfig()})
	ctx := context.Background()

	start := time.Now()
	_, err := b.Request(ctx, "svc.silent", json.RawMessage(`{}`), "requester", 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, uint64(1), b.Stats().GetTimeouts())
	assert.Len(t, b.ListTopics(""), 1)
	assert.Empty(t, b.ListSubscribers())
	assert.Equal(t, 0, b.correlator.count())
}

func TestRequest_ContextCancelled(t *testing.T) {
	b := newTestBroker(t, Config{TopicDefaults: testTopicConfig()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, "svc.silent", json.RawMessage(`{}`), "requester", time.Minute)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("request did not return after cancellation")
	}
	assert.Equal(t, 0, b.correlator.count())
}

func TestRequest_CorrelationMismatchIgnored(t *testing.T) {
	b := newTestBroker(t, Config{TopicDefaults: testTopicConfig()})
	ctx := context.Background()

	// Responder replies on the reply topic with the wrong correlation id
	// first, then correctly.
	responder := SinkFunc(func(msg *storage.Message) error {
		if msg.ReplyTo == "" {
			return nil
		}
		_, err := b.Publish(ctx, msg.ReplyTo, json.RawMessage(`{"stray":true}`), "responder", &PublishOptions{
			CorrelationID: "not-the-one",
		})
		if err != nil {
			return err
		}
		_, err = b.Reply(ctx, msg, json.RawMessage(`{"real":true}`), "responder")
		return err
	})
	_, err := b.Subscribe(ctx, "responder", []string{"svc"}, responder, nil)
	require.NoError(t, err)

	reply, err := b.Request(ctx, "svc", json.RawMessage(`{}`), "requester", time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"real":true}`, string(reply.Payload))
}

func TestReply_RequiresReplyAddress(t *testing.T) {
	b := newTestBroker(t, Config{TopicDefaults: testTopicConfig()})
	ctx := context.Background()

	_, err := b.Reply(ctx, nil, json.RawMessage(`{}`), "responder")
	assert.ErrorIs(t, err, ErrNoReplyAddress)

	_, err = b.Reply(ctx, &storage.Message{ID: "m1"}, json.RawMessage(`{}`), "responder")
	assert.ErrorIs(t, err, ErrNoReplyAddress)

	_, err = b.Reply(ctx, &storage.Message{ID: "m1", ReplyTo: "somewhere"}, json.RawMessage(`{}`), "responder")
	assert.ErrorIs(t, err, ErrNoReplyAddress)
}

func TestRequest_DefaultTimeout(t *testing.T) {
	b := newTestBroker(t, Config{
		TopicDefaults:  testTopicConfig(),
		RequestTimeout: 30 * time.Millisecond,
	})

	_, err := b.Request(context.Background(), "svc", json.RawMessage(`{}`), "requester", 0)
	assert.ErrorIs(t, err, ErrTimeout)
}
