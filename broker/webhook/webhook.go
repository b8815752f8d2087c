// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers broker lifecycle events to external HTTP
// endpoints with a worker pool, retries and per-endpoint circuit breakers.
package webhook

import (
	"context"
	"time"
)

// Notifier sends webhook notifications asynchronously.
type Notifier interface {
	// Notify sends an event asynchronously (non-blocking)
	Notify(ctx context.Context, event interface{}) error

	// Close gracefully shuts down, flushing pending events
	Close() error
}

// Sender is the protocol-specific sender interface.
type Sender interface {
	// Send sends a webhook payload to the specified URL.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
