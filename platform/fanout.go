// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/livetap/livetap/bus"
	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/lib/clock"
	"github.com/livetap/livetap/wire"
)

// compressThreshold is the body size above which subscriber
// deliveries are zstd-compressed. Stack captures routinely cross it;
// lifecycle events never do.
const compressThreshold = 8 * 1024

// Fanout delivers instrument events to subscriber addresses. Hit
// events pass through a per-instrument throttle first; lifecycle
// events are always delivered. Large bodies are compressed and marked
// with a content-encoding header.
type Fanout struct {
	bus     *bus.Bus
	clock   clock.Clock
	logger  *slog.Logger
	metrics *Metrics
	encoder *zstd.Encoder

	mu        sync.Mutex
	throttles map[string]*HitThrottle
}

// NewFanout builds the event fan-out.
func NewFanout(b *bus.Bus, c clock.Clock, logger *slog.Logger, metrics *Metrics) (*Fanout, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("platform: creating zstd encoder: %w", err)
	}
	return &Fanout{
		bus:       b,
		clock:     c,
		logger:    logger,
		metrics:   metrics,
		encoder:   encoder,
		throttles: make(map[string]*HitThrottle),
	}, nil
}

// PublishEvent delivers one event envelope to the owner's subscriber
// address. An offline owner is not an error.
func (f *Fanout) PublishEvent(ctx context.Context, ownerID string, eventType instrument.EventType, data any) {
	event, err := instrument.NewEvent(eventType, f.clock.Now().UnixMilli(), data)
	if err != nil {
		f.logger.Error("encoding event failed", "eventType", eventType, "error", err)
		return
	}
	body, err := wire.EncodeBody(event)
	if err != nil {
		f.logger.Error("encoding event body failed", "eventType", eventType, "error", err)
		return
	}

	var headers map[string]string
	if len(body) > compressThreshold {
		body = f.encoder.EncodeAll(body, nil)
		headers = map[string]string{wire.HeaderContentEncoding: wire.ContentEncodingZstd}
	}

	address := wire.SubscriberAddress(ownerID)
	err = f.bus.Publish(ctx, address, headers, body)
	if err != nil && !errors.Is(err, bus.ErrNoHandlers) {
		f.logger.Warn("event delivery failed", "address", address, "error", err)
		return
	}
	if err == nil {
		f.metrics.EventsPublished.WithLabelValues(string(eventType)).Inc()
	}
}

// PublishHit runs a hit through the instrument's throttle and, when
// admitted, delivers it to the owner. Reports whether the hit was
// delivered.
func (f *Fanout) PublishHit(ctx context.Context, inst instrument.LiveInstrument, ownerID string, hit instrument.Hit) bool {
	f.metrics.HitsReceived.Inc()

	id := inst.Proper().ID
	f.mu.Lock()
	throttle, ok := f.throttles[id]
	if !ok {
		throttle = NewHitThrottle(f.clock, inst.Proper().EffectiveThrottle())
		f.throttles[id] = throttle
	}
	f.mu.Unlock()

	if !throttle.Allow() {
		f.metrics.HitsThrottled.Inc()
		return false
	}
	f.PublishEvent(ctx, ownerID, instrument.HitEvent(inst.InstrumentType()), hit)
	return true
}

// Forget drops the throttle state of a removed instrument.
func (f *Fanout) Forget(instrumentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.throttles, instrumentID)
}
