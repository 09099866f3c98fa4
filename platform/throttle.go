// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package platform implements the coordination core: connection
// trackers, the access control gate, the instrument registry and
// lifecycle engine, hit fan-out with rate limiting, and the
// instrument and management services.
package platform

import (
	"sync"
	"time"

	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/lib/clock"
)

// HitThrottle admits up to limit hits per window. Once the limit is
// reached, hits are dropped until a full window has elapsed since the
// window opened; the first admitted hit then starts a new window.
// Dropped hits are counted, never queued.
type HitThrottle struct {
	clock  clock.Clock
	limit  int
	window time.Duration

	mu          sync.Mutex
	windowStart time.Time
	hitCount    int
	totalHits   int64
	totalDrops  int64
}

// NewHitThrottle builds a throttle from an instrument's configured
// limit and step.
func NewHitThrottle(c clock.Clock, throttle instrument.Throttle) *HitThrottle {
	limit := throttle.Limit
	if limit < 1 {
		limit = 1
	}
	return &HitThrottle{
		clock:  c,
		limit:  limit,
		window: throttle.Step.Duration(),
	}
}

// Allow reports whether a hit arriving now is admitted.
func (t *HitThrottle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	if t.hitCount == 0 {
		t.windowStart = now
	}
	if t.hitCount < t.limit {
		t.hitCount++
		t.totalHits++
		return true
	}
	if now.Sub(t.windowStart) >= t.window {
		t.windowStart = now
		t.hitCount = 1
		t.totalHits++
		return true
	}
	t.totalDrops++
	return false
}

// Totals returns the admitted and dropped hit counts.
func (t *HitThrottle) Totals() (admitted, dropped int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalHits, t.totalDrops
}
