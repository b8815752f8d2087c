// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-key token bucket rate limiting for the
// HTTP and WebSocket surfaces.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyRateLimiter manages rate limiting keyed by API key (or client id
// when authentication is disabled). Stale limiters are evicted
// periodically.
type KeyRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type keyEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyRateLimiter creates a new key-based rate limiter.
// r is requests per second, burst is the burst allowance.
func NewKeyRateLimiter(r float64, burst int, cleanupInterval time.Duration) *KeyRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &KeyRateLimiter{
		limiters: make(map[string]*keyEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks if a request under the given key is allowed.
func (l *KeyRateLimiter) Allow(key string) bool {
	if key == "" {
		return true
	}

	l.mu.Lock()
	entry, exists := l.limiters[key]
	if !exists {
		entry = &keyEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[key] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// cleanupLoop periodically removes stale entries.
func (l *KeyRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *KeyRateLimiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for key, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *KeyRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.limiters)
}

// Stop stops the cleanup goroutine.
func (l *KeyRateLimiter) Stop() {
	close(l.stopCh)
}
