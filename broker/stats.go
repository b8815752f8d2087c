// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
	"sync/atomic"
	"time"
)

// rateWindow is the sliding window for the messages-per-second gauge.
const rateWindow = 60

// Stats tracks broker-wide counters.
type Stats struct {
	startTime time.Time

	messagesPublished atomic.Uint64
	messagesDelivered atomic.Uint64
	messagesQueued    atomic.Uint64
	messagesFailed    atomic.Uint64
	requestsSent      atomic.Uint64
	requestsTimedOut  atomic.Uint64

	// Per-second timestamp ring for the publish rate.
	rateMu    sync.Mutex
	rateSlots [rateWindow]uint64
	rateSecs  [rateWindow]int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{startTime: time.Now()}
}

func (s *Stats) IncrementPublished() {
	s.messagesPublished.Add(1)

	now := time.Now().Unix()
	idx := now % rateWindow

	s.rateMu.Lock()
	if s.rateSecs[idx] != now {
		s.rateSecs[idx] = now
		s.rateSlots[idx] = 0
	}
	s.rateSlots[idx]++
	s.rateMu.Unlock()
}

func (s *Stats) IncrementDelivered() { s.messagesDelivered.Add(1) }
func (s *Stats) IncrementQueued()    { s.messagesQueued.Add(1) }
func (s *Stats) IncrementFailed()    { s.messagesFailed.Add(1) }
func (s *Stats) IncrementRequests()  { s.requestsSent.Add(1) }
func (s *Stats) IncrementTimeouts()  { s.requestsTimedOut.Add(1) }

func (s *Stats) GetPublished() uint64 { return s.messagesPublished.Load() }
func (s *Stats) GetDelivered() uint64 { return s.messagesDelivered.Load() }
func (s *Stats) GetQueued() uint64    { return s.messagesQueued.Load() }
func (s *Stats) GetFailed() uint64    { return s.messagesFailed.Load() }
func (s *Stats) GetRequests() uint64  { return s.requestsSent.Load() }
func (s *Stats) GetTimeouts() uint64  { return s.requestsTimedOut.Load() }

// MessagesPerSecond returns the publish rate averaged over the sliding
// 60-second window.
func (s *Stats) MessagesPerSecond() float64 {
	now := time.Now().Unix()

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	var total uint64
	for i := 0; i < rateWindow; i++ {
		if now-s.rateSecs[i] < rateWindow {
			total += s.rateSlots[i]
		}
	}
	return float64(total) / rateWindow
}

// GetUptime returns the time since the broker started.
func (s *Stats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}
