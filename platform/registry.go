// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livetap/livetap/bus"
	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/lib/clock"
	"github.com/livetap/livetap/lib/codec"
	"github.com/livetap/livetap/lib/store"
	"github.com/livetap/livetap/wire"
)

// liveInstrumentsMap is the store map mirroring the canonical
// instrument set for cluster-wide reads. Values are the JSON wire
// form.
const liveInstrumentsMap = "live.instruments"

// DefaultApplyTimeout bounds an applyImmediately wait. The wait is
// not cancelled by the caller disconnecting; it times out on its own.
const DefaultApplyTimeout = 15 * time.Second

// expirySweepInterval is the period of the auto-retire sweep.
const expirySweepInterval = time.Second

// Registry owns the canonical instrument set and its state machine.
// All mutations are serialized under one lock; different instrument
// ids never observe each other's partial state.
type Registry struct {
	bus          *bus.Bus
	core         store.CoreStore
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *Metrics
	fanout       *Fanout
	probes       *Tracker
	applyTimeout time.Duration

	mu          sync.Mutex
	instruments map[string]instrument.LiveInstrument
	waiters     map[string][]chan error
}

// NewRegistry builds the lifecycle engine. probes is the probe
// tracker used for broadcast dispatch and reconnect catch-up.
func NewRegistry(b *bus.Bus, core store.CoreStore, c clock.Clock, logger *slog.Logger, metrics *Metrics, fanout *Fanout, probes *Tracker, applyTimeout time.Duration) *Registry {
	if applyTimeout <= 0 {
		applyTimeout = DefaultApplyTimeout
	}
	return &Registry{
		bus:          b,
		core:         core,
		clock:        c,
		logger:       logger.With("component", "registry"),
		metrics:      metrics,
		fanout:       fanout,
		probes:       probes,
		applyTimeout: applyTimeout,
		instruments:  make(map[string]instrument.LiveInstrument),
		waiters:      make(map[string][]chan error),
	}
}

// Start loads persisted instruments and registers the probe-origin
// event consumers. The returned function unregisters them.
func (r *Registry) Start(ctx context.Context) (func(), error) {
	if err := r.loadPersisted(ctx); err != nil {
		return nil, err
	}
	stops := []func(){
		r.bus.Consume(wire.InstrumentApplied, func(ctx context.Context, delivery *bus.Delivery) {
			r.handleApplied(ctx, delivery.Body)
		}),
		r.bus.Consume(wire.InstrumentApplyFailed, func(ctx context.Context, delivery *bus.Delivery) {
			r.handleApplyFailed(delivery.Body)
		}),
		r.bus.Consume(wire.InstrumentRemoved, func(ctx context.Context, delivery *bus.Delivery) {
			r.handleProbeRemoved(delivery.Body)
		}),
		r.bus.Consume(wire.InstrumentHit, func(ctx context.Context, delivery *bus.Delivery) {
			r.handleHit(ctx, delivery.Body)
		}),
		r.bus.Consume(wire.ProbeConnected, func(ctx context.Context, delivery *bus.Delivery) {
			r.handleProbeConnected(ctx, delivery.Body)
		}),
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}, nil
}

func (r *Registry) loadPersisted(ctx context.Context) error {
	values, err := r.core.Map(liveInstrumentsMap).Values(ctx)
	if err != nil {
		return fmt.Errorf("platform: loading persisted instruments: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, raw := range values {
		var encoded []byte
		if err := codec.Unmarshal(raw, &encoded); err != nil {
			return fmt.Errorf("platform: decoding persisted entry: %w", err)
		}
		inst, err := instrument.Unmarshal(encoded)
		if err != nil {
			return fmt.Errorf("platform: decoding persisted instrument: %w", err)
		}
		r.instruments[inst.Proper().ID] = inst
		r.metrics.ActiveInstruments.WithLabelValues(string(inst.InstrumentType())).Inc()
	}
	return nil
}

// Add runs the add state transition: assign an id, mark pending,
// persist, announce, and dispatch the apply command. A duplicate add
// with an existing id is idempotent and returns the existing
// instrument. With applyImmediately set, the call blocks until a
// probe confirms, a typed failure arrives, or the bounded timeout
// elapses.
func (r *Registry) Add(ctx context.Context, developerID string, inst instrument.LiveInstrument) (instrument.LiveInstrument, error) {
	proper := inst.Proper()
	applyImmediately := proper.ApplyImmediately

	r.mu.Lock()
	if proper.ID == "" {
		proper.ID = uuid.NewString()
	} else if existing, ok := r.instruments[proper.ID]; ok {
		r.mu.Unlock()
		return existing.Clone(), nil
	}
	proper.Pending = true
	proper.Applied = false
	proper.SetMeta(instrument.MetaCreatedAt, r.clock.Now().UnixMilli())
	proper.SetMeta(instrument.MetaCreatedBy, developerID)

	stored := inst.Clone()
	r.instruments[proper.ID] = stored

	var waiter chan error
	if applyImmediately {
		waiter = make(chan error, 1)
		r.waiters[proper.ID] = append(r.waiters[proper.ID], waiter)
	}
	r.mu.Unlock()

	if err := r.persist(ctx, stored); err != nil {
		r.mu.Lock()
		delete(r.instruments, proper.ID)
		delete(r.waiters, proper.ID)
		r.mu.Unlock()
		return nil, err
	}
	r.metrics.ActiveInstruments.WithLabelValues(string(inst.InstrumentType())).Inc()
	r.metrics.InstrumentsAdded.WithLabelValues(string(inst.InstrumentType())).Inc()
	r.logger.Info("instrument added",
		"id", proper.ID,
		"type", string(inst.InstrumentType()),
		"source", proper.Location.Source,
		"line", proper.Location.Line,
		"developer", developerID)

	r.fanout.PublishEvent(ctx, developerID, instrument.AddedEvent(inst.InstrumentType()), stored)
	r.dispatch(ctx, instrument.Command{
		CommandType: instrument.AddInstrumentCommand,
		Instruments: []instrument.LiveInstrument{stored.Clone()},
	}, proper.Location.ProbeID)

	if !applyImmediately {
		return stored.Clone(), nil
	}

	select {
	case err := <-waiter:
		if err != nil {
			return nil, err
		}
		return r.GetByID(proper.ID), nil
	case <-r.clock.After(r.applyTimeout):
		r.dropWaiter(proper.ID, waiter)
		return nil, &wire.ServiceError{Message: fmt.Sprintf("apply confirmation for %s timed out", proper.ID)}
	case <-ctx.Done():
		r.dropWaiter(proper.ID, waiter)
		return nil, ctx.Err()
	}
}

func (r *Registry) dropWaiter(id string, waiter chan error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[id]
	for i, candidate := range waiters {
		if candidate == waiter {
			r.waiters[id] = append(waiters[:i:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[id]) == 0 {
		delete(r.waiters, id)
	}
}

// AddResult is one element of a batch add response.
type AddResult struct {
	Instrument instrument.LiveInstrument
	Err        error
}

// AddBatch applies the per-item add logic sequentially, collecting
// every result. One item failing does not abort the rest; the access
// gate has already passed or failed the batch as a whole.
func (r *Registry) AddBatch(ctx context.Context, developerID string, instruments []instrument.LiveInstrument) []AddResult {
	results := make([]AddResult, 0, len(instruments))
	for _, inst := range instruments {
		added, err := r.Add(ctx, developerID, inst)
		results = append(results, AddResult{Instrument: added, Err: err})
	}
	return results
}

// GetAll returns snapshots of every instrument, optionally filtered
// by type.
func (r *Registry) GetAll(typeFilter instrument.Type) []instrument.LiveInstrument {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshots := make([]instrument.LiveInstrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		if typeFilter != "" && inst.InstrumentType() != typeFilter {
			continue
		}
		snapshots = append(snapshots, inst.Clone())
	}
	return snapshots
}

// GetByID returns a snapshot of one instrument, or nil.
func (r *Registry) GetByID(id string) instrument.LiveInstrument {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instruments[id]; ok {
		return inst.Clone()
	}
	return nil
}

// GetByIDs returns snapshots for the ids that exist.
func (r *Registry) GetByIDs(ids []string) []instrument.LiveInstrument {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshots := make([]instrument.LiveInstrument, 0, len(ids))
	for _, id := range ids {
		if inst, ok := r.instruments[id]; ok {
			snapshots = append(snapshots, inst.Clone())
		}
	}
	return snapshots
}

// GetByLocation returns snapshots of every instrument at a location.
func (r *Registry) GetByLocation(location instrument.Location) []instrument.LiveInstrument {
	r.mu.Lock()
	defer r.mu.Unlock()
	var snapshots []instrument.LiveInstrument
	for _, inst := range r.instruments {
		if inst.Proper().Location.Matches(location) {
			snapshots = append(snapshots, inst.Clone())
		}
	}
	return snapshots
}

// Remove transitions one instrument to removed and notifies probes to
// unpatch. Removing an absent id returns nil, nil: removal is
// idempotent-observable.
func (r *Registry) Remove(ctx context.Context, id string) (instrument.LiveInstrument, error) {
	removed := r.removeMatching(ctx, "request", func(inst instrument.LiveInstrument) bool {
		return inst.Proper().ID == id
	})
	if len(removed) == 0 {
		return nil, nil
	}
	return removed[0], nil
}

// RemoveByLocation removes every instrument at a location. All
// matches leave the registry atomically; probe-side unpatching is
// best-effort.
func (r *Registry) RemoveByLocation(ctx context.Context, location instrument.Location) []instrument.LiveInstrument {
	return r.removeMatching(ctx, "request", func(inst instrument.LiveInstrument) bool {
		return inst.Proper().Location.Matches(location)
	})
}

// Clear removes the requesting developer's instruments, optionally
// limited to one type.
func (r *Registry) Clear(ctx context.Context, developerID string, typeFilter instrument.Type) []instrument.LiveInstrument {
	return r.removeMatching(ctx, "clear", func(inst instrument.LiveInstrument) bool {
		if typeFilter != "" && inst.InstrumentType() != typeFilter {
			return false
		}
		return inst.Proper().MetaValue(instrument.MetaCreatedBy) == developerID
	})
}

// ClearAll removes every instrument regardless of owner.
func (r *Registry) ClearAll(ctx context.Context) []instrument.LiveInstrument {
	return r.removeMatching(ctx, "clear-all", func(instrument.LiveInstrument) bool { return true })
}

// removeMatching is the single removal path: expiry, explicit remove,
// and clears all flow through it so every removal emits the same
// events.
func (r *Registry) removeMatching(ctx context.Context, cause string, match func(instrument.LiveInstrument) bool) []instrument.LiveInstrument {
	r.mu.Lock()
	var removed []instrument.LiveInstrument
	for id, inst := range r.instruments {
		if match(inst) {
			delete(r.instruments, id)
			removed = append(removed, inst)
		}
	}
	waiters := make(map[string][]chan error)
	for _, inst := range removed {
		id := inst.Proper().ID
		if pending := r.waiters[id]; len(pending) > 0 {
			waiters[id] = pending
			delete(r.waiters, id)
		}
	}
	r.mu.Unlock()

	for _, inst := range removed {
		proper := inst.Proper()
		if _, err := r.core.Map(liveInstrumentsMap).Remove(ctx, proper.ID); err != nil {
			r.logger.Error("unpersisting instrument failed", "id", proper.ID, "error", err)
		}
		r.fanout.Forget(proper.ID)
		r.metrics.ActiveInstruments.WithLabelValues(string(inst.InstrumentType())).Dec()
		r.metrics.InstrumentsRemoved.WithLabelValues(cause).Inc()
		r.logger.Info("instrument removed", "id", proper.ID, "cause", cause)

		for _, waiter := range waiters[proper.ID] {
			waiter <- &wire.ServiceError{Message: fmt.Sprintf("instrument %s removed before apply", proper.ID)}
		}

		owner, _ := proper.MetaValue(instrument.MetaCreatedBy).(string)
		if owner != "" {
			r.fanout.PublishEvent(ctx, owner, instrument.RemovedEvent(inst.InstrumentType()), inst)
		}
		r.dispatch(ctx, instrument.Command{
			CommandType: instrument.RemoveInstrumentCommand,
			Instruments: []instrument.LiveInstrument{inst.Clone()},
		}, proper.Location.ProbeID)
	}
	return removed
}

// RunExpirySweep periodically retires instruments past their
// expiresAt deadline, emitting the same removal events as an explicit
// remove. Blocks until ctx is cancelled.
func (r *Registry) RunExpirySweep(ctx context.Context) error {
	ticker := r.clock.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := r.clock.Now().UnixMilli()
			r.removeMatching(ctx, "expired", func(inst instrument.LiveInstrument) bool {
				expiresAt := inst.Proper().ExpiresAt
				return expiresAt > 0 && expiresAt <= now
			})
		}
	}
}

// dispatch sends a command to the selected probe, or broadcasts to
// every active probe when none is named. A probe with no local
// consumer is offline here; catch-up happens when it reconnects.
func (r *Registry) dispatch(ctx context.Context, command instrument.Command, probeID string) {
	body, err := wire.EncodeBody(command)
	if err != nil {
		r.logger.Error("encoding command failed", "error", err)
		return
	}

	var targets []string
	if probeID != "" {
		targets = []string{probeID}
	} else {
		active, err := r.probes.Active(ctx)
		if err != nil {
			r.logger.Error("listing active probes failed", "error", err)
			return
		}
		for _, probe := range active {
			targets = append(targets, probe.InstanceID)
		}
	}
	for _, target := range targets {
		address := wire.ProbeCommandAddress(target)
		if err := r.bus.Publish(ctx, address, nil, body); err != nil && !errors.Is(err, bus.ErrNoHandlers) {
			r.logger.Warn("command dispatch failed", "address", address, "error", err)
		}
	}
}

// handleApplied marks an instrument applied on probe confirmation and
// releases applyImmediately waiters.
func (r *Registry) handleApplied(ctx context.Context, body []byte) {
	confirmed, err := instrument.Unmarshal(body)
	if err != nil {
		r.logger.Warn("malformed apply confirmation", "error", err)
		return
	}
	id := confirmed.Proper().ID

	r.mu.Lock()
	inst, ok := r.instruments[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Info("apply confirmation for unknown instrument", "id", id)
		return
	}
	proper := inst.Proper()
	proper.Pending = false
	proper.Applied = true
	proper.SetMeta(instrument.MetaAppliedAt, r.clock.Now().UnixMilli())
	snapshot := inst.Clone()
	waiters := r.waiters[id]
	delete(r.waiters, id)
	r.mu.Unlock()

	if err := r.persist(ctx, snapshot); err != nil {
		r.logger.Error("persisting applied state failed", "id", id, "error", err)
	}
	r.logger.Info("instrument applied", "id", id)
	for _, waiter := range waiters {
		waiter <- nil
	}
	owner, _ := proper.MetaValue(instrument.MetaCreatedBy).(string)
	if owner != "" {
		r.fanout.PublishEvent(ctx, owner, instrument.AppliedEvent(inst.InstrumentType()), snapshot)
	}
}

// handleApplyFailed surfaces a typed probe failure to waiters. The
// instrument stays pending so the failure is inspectable and the id
// can be retried.
func (r *Registry) handleApplyFailed(body []byte) {
	var failure wire.InstrumentApplyError
	if err := json.Unmarshal(body, &failure); err != nil {
		r.logger.Warn("malformed apply failure", "error", err)
		return
	}
	r.metrics.AppliesFailed.Inc()
	r.logger.Warn("instrument apply failed",
		"id", failure.InstrumentID,
		"failure", string(failure.Failure),
		"message", failure.Message)

	r.mu.Lock()
	waiters := r.waiters[failure.InstrumentID]
	delete(r.waiters, failure.InstrumentID)
	r.mu.Unlock()
	for _, waiter := range waiters {
		failureCopy := failure
		waiter <- &failureCopy
	}
}

// handleProbeRemoved logs a probe's unpatch confirmation. Registry
// state was already transitioned when the removal was initiated.
func (r *Registry) handleProbeRemoved(body []byte) {
	var confirmation struct {
		InstrumentID string `json:"instrumentId"`
	}
	if err := json.Unmarshal(body, &confirmation); err != nil {
		r.logger.Warn("malformed remove confirmation", "error", err)
		return
	}
	r.logger.Debug("probe confirmed unpatch", "id", confirmation.InstrumentID)
}

// handleHit updates hit accounting, fans the hit out through the
// throttle, and auto-retires the instrument at its hit limit.
func (r *Registry) handleHit(ctx context.Context, body []byte) {
	var hit instrument.Hit
	if err := json.Unmarshal(body, &hit); err != nil {
		r.logger.Warn("malformed hit event", "error", err)
		return
	}

	r.mu.Lock()
	inst, ok := r.instruments[hit.InstrumentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	proper := inst.Proper()
	count := proper.HitCount() + 1
	proper.SetMeta(instrument.MetaHitCount, count)
	now := r.clock.Now().UnixMilli()
	if proper.MetaValue(instrument.MetaFirstHitAt) == nil {
		proper.SetMeta(instrument.MetaFirstHitAt, now)
	}
	proper.SetMeta(instrument.MetaLastHitAt, now)
	snapshot := inst.Clone()
	limitReached := proper.HitLimit > 0 && count >= proper.HitLimit
	r.mu.Unlock()

	if err := r.persist(ctx, snapshot); err != nil {
		r.logger.Error("persisting hit state failed", "id", hit.InstrumentID, "error", err)
	}
	owner, _ := snapshot.Proper().MetaValue(instrument.MetaCreatedBy).(string)
	if owner != "" {
		r.fanout.PublishHit(ctx, snapshot, owner, hit)
	}
	if limitReached {
		r.removeMatching(ctx, "hit-limit", func(candidate instrument.LiveInstrument) bool {
			return candidate.Proper().ID == hit.InstrumentID
		})
	}
}

// handleProbeConnected pushes every matching non-terminal instrument
// to a probe that just connected. This is the reconciliation path for
// probe restarts and reconnects.
func (r *Registry) handleProbeConnected(ctx context.Context, body []byte) {
	var announcement wire.InstanceConnection
	if err := json.Unmarshal(body, &announcement); err != nil {
		return
	}
	probeID := announcement.InstanceID

	r.mu.Lock()
	var matching []instrument.LiveInstrument
	for _, inst := range r.instruments {
		target := inst.Proper().Location.ProbeID
		if target == "" || target == probeID {
			matching = append(matching, inst.Clone())
		}
	}
	r.mu.Unlock()

	if len(matching) == 0 {
		return
	}
	command := instrument.Command{
		CommandType: instrument.AddInstrumentCommand,
		Instruments: matching,
	}
	encoded, err := wire.EncodeBody(command)
	if err != nil {
		r.logger.Error("encoding catch-up command failed", "error", err)
		return
	}
	address := wire.ProbeCommandAddress(probeID)
	if err := r.bus.Publish(ctx, address, nil, encoded); err != nil && !errors.Is(err, bus.ErrNoHandlers) {
		r.logger.Warn("catch-up dispatch failed", "address", address, "error", err)
	}
	r.logger.Info("pushed active instruments to probe", "probeId", probeID, "count", len(matching))
}

func (r *Registry) persist(ctx context.Context, inst instrument.LiveInstrument) error {
	encoded, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("platform: encoding instrument: %w", err)
	}
	return r.core.Map(liveInstrumentsMap).Put(ctx, inst.Proper().ID, encoded)
}
