// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/relaymq/relaymq/broker/events"
)

// Metrics holds OpenTelemetry metric instruments for the broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesPublished metric.Int64Counter
	messagesDelivered metric.Int64Counter
	messagesQueued    metric.Int64Counter
	messagesFailed    metric.Int64Counter
	deadLettersDrop   metric.Int64Counter
	topicsCreated     metric.Int64Counter

	// UpDownCounters (gauges)
	subscribersActive metric.Int64UpDownCounter

	// Histograms
	payloadSize metric.Int64Histogram
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("relaymq"),
	}

	var err error

	m.messagesPublished, err = m.meter.Int64Counter(
		"relaymq.messages.published.total",
		metric.WithDescription("Total messages accepted from publishers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPublished counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"relaymq.messages.delivered.total",
		metric.WithDescription("Total messages delivered to subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivered counter: %w", err)
	}

	m.messagesQueued, err = m.meter.Int64Counter(
		"relaymq.messages.queued.total",
		metric.WithDescription("Total messages queued for offline subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesQueued counter: %w", err)
	}

	m.messagesFailed, err = m.meter.Int64Counter(
		"relaymq.messages.failed.total",
		metric.WithDescription("Total messages moved to the dead letter queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesFailed counter: %w", err)
	}

	m.deadLettersDrop, err = m.meter.Int64Counter(
		"relaymq.deadletters.dropped.total",
		metric.WithDescription("Total dead letters discarded by the capacity cap"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLettersDrop counter: %w", err)
	}

	m.topicsCreated, err = m.meter.Int64Counter(
		"relaymq.topics.created.total",
		metric.WithDescription("Total topics created"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create topicsCreated counter: %w", err)
	}

	m.subscribersActive, err = m.meter.Int64UpDownCounter(
		"relaymq.subscribers.active",
		metric.WithDescription("Number of connected subscribers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscribersActive gauge: %w", err)
	}

	m.payloadSize, err = m.meter.Int64Histogram(
		"relaymq.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payloadSize histogram: %w", err)
	}

	return m, nil
}

// Observe maps a broker lifecycle event onto the metric instruments.
// Registered via broker.OnEvent.
func (m *Metrics) Observe(event events.Event) {
	ctx := context.Background()

	switch ev := event.(type) {
	case events.MessagePublished:
		attrs := metric.WithAttributes(attribute.String("topic", ev.MessageTopic))
		m.messagesPublished.Add(ctx, 1, attrs)
		m.payloadSize.Record(ctx, int64(ev.PayloadSize), attrs)
	case events.MessageDelivered:
		m.messagesDelivered.Add(ctx, 1,
			metric.WithAttributes(attribute.String("topic", ev.MessageTopic)))
	case events.MessageQueued:
		m.messagesQueued.Add(ctx, 1,
			metric.WithAttributes(attribute.String("topic", ev.MessageTopic)))
	case events.MessageFailed:
		m.messagesFailed.Add(ctx, 1,
			metric.WithAttributes(attribute.String("reason", ev.Reason)))
	case events.DeadLetterDropped:
		m.deadLettersDrop.Add(ctx, 1)
	case events.TopicCreated:
		m.topicsCreated.Add(ctx, 1)
	case events.SubscriberConnected:
		m.subscribersActive.Add(ctx, 1)
	case events.SubscriberDisconnected:
		m.subscribersActive.Add(ctx, -1)
	}
}
