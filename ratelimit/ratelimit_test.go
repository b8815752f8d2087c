// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestKeyRateLimiter_Allow(t *testing.T) {
	// 5 requests per second, burst of 2
	limiter := NewKeyRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	if !limiter.Allow("key-1") {
		t.Error("First request should be allowed")
	}
	if !limiter.Allow("key-1") {
		t.Error("Second request (within burst) should be allowed")
	}
	if limiter.Allow("key-1") {
		t.Error("Third request should be rate limited (burst exhausted)")
	}

	// Wait for token refill
	time.Sleep(250 * time.Millisecond)

	if !limiter.Allow("key-1") {
		t.Error("Request after token refill should be allowed")
	}
}

func TestKeyRateLimiter_IndependentKeys(t *testing.T) {
	limiter := NewKeyRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	if !limiter.Allow("a") {
		t.Error("First request for key a should be allowed")
	}
	if limiter.Allow("a") {
		t.Error("Second request for key a should be rate limited")
	}
	if !limiter.Allow("b") {
		t.Error("Key b should have its own bucket")
	}
}

func TestKeyRateLimiter_EmptyKeyAllowed(t *testing.T) {
	limiter := NewKeyRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	for i := 0; i < 10; i++ {
		if !limiter.Allow("") {
			t.Error("Empty key should never be limited")
		}
	}
}

func TestKeyRateLimiter_EvictStale(t *testing.T) {
	limiter := NewKeyRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	limiter.Allow("stale")
	limiter.mu.Lock()
	limiter.limiters["stale"].lastSeen = time.Now().Add(-time.Hour)
	limiter.mu.Unlock()

	limiter.evictStale()

	if limiter.Len() != 0 {
		t.Errorf("Expected stale entry eviction, got %d entries", limiter.Len())
	}
}
