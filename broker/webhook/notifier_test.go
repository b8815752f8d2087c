// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymq/relaymq/broker/events"
	"github.com/relaymq/relaymq/config"
)

// mockSender records sent webhooks and optionally fails.
type mockSender struct {
	mu    sync.Mutex
	sent  []sentWebhook
	fails int // fail the first N sends
}

type sentWebhook struct {
	url     string
	headers map[string]string
	payload []byte
}

func (m *mockSender) Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fails > 0 {
		m.fails--
		return assert.AnError
	}
	m.sent = append(m.sent, sentWebhook{url: url, headers: headers, payload: payload})
	return nil
}

func (m *mockSender) Close() error { return nil }

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sent)
}

func (m *mockSender) last() sentWebhook {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sent[len(m.sent)-1]
}

func testWebhookConfig(endpoints ...config.WebhookEndpoint) config.WebhookConfig {
	return config.WebhookConfig{
		Enabled:         true,
		QueueSize:       100,
		DropPolicy:      "oldest",
		Workers:         2,
		ShutdownTimeout: time.Second,
		Defaults: config.WebhookDefaults{
			Timeout: time.Second,
			Retry: config.RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 10 * time.Millisecond,
				MaxInterval:     50 * time.Millisecond,
				Multiplier:      2.0,
			},
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     time.Second,
			},
		},
		Endpoints: endpoints,
	}
}

func TestNotifier_DeliversEnvelope(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testWebhookConfig(config.WebhookEndpoint{
		Name:    "all-events",
		URL:     "http://example.com/hook",
		Headers: map[string]string{"X-Token": "secret"},
	}), "broker-1", sender, nil)
	require.NoError(t, err)
	defer n.Close()

	event := events.MessagePublished{
		MessageID:    "m1",
		MessageTopic: "orders",
		PublisherID:  "pub-1",
		PayloadSize:  42,
	}
	require.NoError(t, n.Notify(context.Background(), event))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)

	got := sender.last()
	assert.Equal(t, "http://example.com/hook", got.url)
	assert.Equal(t, "secret", got.headers["X-Token"])

	var envelope events.Envelope
	require.NoError(t, json.Unmarshal(got.payload, &envelope))
	assert.Equal(t, events.TypeMessagePublished, envelope.EventType)
	assert.Equal(t, "broker-1", envelope.BrokerID)
	assert.NotEmpty(t, envelope.EventID)
}

func TestNotifier_EventFilter(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testWebhookConfig(config.WebhookEndpoint{
		Name:   "failures-only",
		URL:    "http://example.com/hook",
		Events: []string{events.TypeMessageFailed},
	}), "broker-1", sender, nil)
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, events.MessagePublished{MessageID: "m1", MessageTopic: "orders"}))
	require.NoError(t, n.Notify(ctx, events.MessageFailed{MessageID: "m2", MessageTopic: "orders", Reason: "boom"}))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sender.count())

	var envelope events.Envelope
	require.NoError(t, json.Unmarshal(sender.last().payload, &envelope))
	assert.Equal(t, events.TypeMessageFailed, envelope.EventType)
}

func TestNotifier_TopicFilter(t *testing.T) {
	sender := &mockSender{}
	n, err := NewNotifier(testWebhookConfig(config.WebhookEndpoint{
		Name:         "orders-only",
		URL:          "http://example.com/hook",
		TopicFilters: []string{"orders.#"},
	}), "broker-1", sender, nil)
	require.NoError(t, err)
	defer n.Close()

	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, events.MessagePublished{MessageID: "m1", MessageTopic: "orders.created"}))
	require.NoError(t, n.Notify(ctx, events.MessagePublished{MessageID: "m2", MessageTopic: "payments"}))

	// Events without a topic pass topic filters.
	require.NoError(t, n.Notify(ctx, events.SubscriberConnected{SubscriberID: "s1"}))

	require.Eventually(t, func() bool { return sender.count() == 2 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, sender.count())
}

func TestNotifier_RetriesFailedDelivery(t *testing.T) {
	sender := &mockSender{fails: 2}
	n, err := NewNotifier(testWebhookConfig(config.WebhookEndpoint{
		Name: "flaky",
		URL:  "http://example.com/hook",
	}), "broker-1", sender, nil)
	require.NoError(t, err)
	defer n.Close()

	require.NoError(t, n.Notify(context.Background(), events.MessagePublished{MessageID: "m1", MessageTopic: "orders"}))

	// Two failures, then the third attempt lands.
	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestNotifier_RejectsNonEvent(t *testing.T) {
	n, err := NewNotifier(testWebhookConfig(), "broker-1", &mockSender{}, nil)
	require.NoError(t, err)
	defer n.Close()

	assert.Error(t, n.Notify(context.Background(), "not an event"))
}

func TestNotifier_NilSenderRejected(t *testing.T) {
	_, err := NewNotifier(testWebhookConfig(), "broker-1", nil, nil)
	assert.Error(t, err)
}

func TestRetryDelay(t *testing.T) {
	cfg := config.RetryConfig{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
	}

	assert.Equal(t, time.Second, retryDelay(0, cfg))
	assert.Equal(t, 2*time.Second, retryDelay(1, cfg))
	assert.Equal(t, 4*time.Second, retryDelay(2, cfg))
	assert.Equal(t, 8*time.Second, retryDelay(3, cfg))
	assert.Equal(t, 10*time.Second, retryDelay(4, cfg))
}
