// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package probe implements the agent side of the coordination
// protocol: it maintains a bridge connection to the platform, applies
// and removes instruments through a host-provided Applier, and
// reports apply results and hits back.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livetap/livetap/bridge"
	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/lib/clock"
	"github.com/livetap/livetap/wire"
)

// Applier patches instruments into the host process. Apply returns a
// *wire.InstrumentApplyError for classified failures; any other error
// is reported as UNKNOWN.
type Applier interface {
	Apply(inst instrument.LiveInstrument) error
	Remove(inst instrument.LiveInstrument) error
}

// Options configures a probe.
type Options struct {
	// PlatformAddress is the probe bridge endpoint.
	PlatformAddress string

	// InstanceID identifies this probe. Generated when empty.
	InstanceID string

	// ClientID and ClientSecret are the accessor credentials.
	ClientID     string
	ClientSecret string

	// Meta is attached to the connect announcement (service name,
	// environment, host).
	Meta map[string]string

	// MinBackoff and MaxBackoff bound the reconnect delay. Defaults
	// are one second and thirty seconds.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// PingInterval is the keepalive period. Default thirty seconds.
	PingInterval time.Duration
}

const (
	defaultMinBackoff   = time.Second
	defaultMaxBackoff   = 30 * time.Second
	defaultPingInterval = 30 * time.Second
)

// Probe is a connected agent instance.
type Probe struct {
	options Options
	applier Applier
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	client  *bridge.Client
	applied map[string]instrument.LiveInstrument
}

// New builds a probe. Run starts it.
func New(options Options, applier Applier, c clock.Clock, logger *slog.Logger) *Probe {
	if options.InstanceID == "" {
		options.InstanceID = uuid.NewString()
	}
	if options.MinBackoff <= 0 {
		options.MinBackoff = defaultMinBackoff
	}
	if options.MaxBackoff <= 0 {
		options.MaxBackoff = defaultMaxBackoff
	}
	if options.PingInterval <= 0 {
		options.PingInterval = defaultPingInterval
	}
	return &Probe{
		options: options,
		applier: applier,
		clock:   c,
		logger:  logger.With("component", "probe", "instanceId", options.InstanceID),
		applied: make(map[string]instrument.LiveInstrument),
	}
}

// InstanceID returns the probe identity used on the wire.
func (p *Probe) InstanceID() string { return p.options.InstanceID }

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff. The platform re-sends active instruments on
// every reconnect.
func (p *Probe) Run(ctx context.Context) error {
	backoff := p.options.MinBackoff
	for {
		client, err := p.connect(ctx)
		if err == nil {
			backoff = p.options.MinBackoff
			p.serve(ctx, client)
		} else {
			p.logger.Warn("connect failed", "error", err, "retryIn", backoff)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(backoff):
		}
		backoff = min(backoff*2, p.options.MaxBackoff)
	}
}

func (p *Probe) connect(ctx context.Context) (*bridge.Client, error) {
	client, err := bridge.Dial(ctx, p.options.PlatformAddress, bridge.Credentials{
		ClientID:     p.options.ClientID,
		ClientSecret: p.options.ClientSecret,
	})
	if err != nil {
		return nil, err
	}
	// The platform subscribes the command address during the connect
	// handshake; only the local handler is needed.
	client.Handle(wire.ProbeCommandAddress(p.options.InstanceID), func(frame *wire.Frame) {
		p.handleCommand(frame)
	})

	// Commands can arrive the moment the platform accepts the connect,
	// so the client must be publishable before Announce returns.
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	announcement := wire.InstanceConnection{
		InstanceID:     p.options.InstanceID,
		ConnectionTime: p.clock.Now().UnixMilli(),
		Meta:           p.options.Meta,
	}
	if err := client.Announce(ctx, wire.ProbeConnected, announcement); err != nil {
		client.Close()
		p.mu.Lock()
		if p.client == client {
			p.client = nil
		}
		p.mu.Unlock()
		return nil, err
	}
	p.logger.Info("connected", "platform", p.options.PlatformAddress)
	return client, nil
}

// serve blocks until the connection drops or ctx is cancelled,
// keeping the connection warm with pings.
func (p *Probe) serve(ctx context.Context, client *bridge.Client) {
	defer func() {
		client.Close()
		p.mu.Lock()
		if p.client == client {
			p.client = nil
		}
		p.mu.Unlock()
	}()

	ticker := p.clock.NewTicker(p.options.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.Done():
			p.logger.Warn("connection lost")
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := client.Ping(pingCtx)
			cancel()
			if err != nil {
				p.logger.Warn("keepalive failed", "error", err)
				return
			}
		}
	}
}

func (p *Probe) handleCommand(frame *wire.Frame) {
	var command instrument.Command
	if err := json.Unmarshal(frame.Body, &command); err != nil {
		p.logger.Warn("malformed command", "error", err)
		return
	}
	switch command.CommandType {
	case instrument.AddInstrumentCommand:
		for _, inst := range command.Instruments {
			p.apply(inst)
		}
	case instrument.RemoveInstrumentCommand:
		p.removeCommand(command)
	default:
		p.logger.Warn("unknown command type", "commandType", string(command.CommandType))
	}
}

// apply patches one instrument and reports the outcome. Instruments
// targeted at another probe and instruments already applied here are
// skipped.
func (p *Probe) apply(inst instrument.LiveInstrument) {
	proper := inst.Proper()
	if target := proper.Location.ProbeID; target != "" && target != p.options.InstanceID {
		return
	}
	p.mu.Lock()
	_, alreadyApplied := p.applied[proper.ID]
	p.mu.Unlock()
	if alreadyApplied {
		return
	}

	if err := p.applier.Apply(inst.Clone()); err != nil {
		p.reportApplyFailure(proper.ID, err)
		return
	}

	confirmed := inst.Clone()
	confirmed.Proper().Pending = false
	confirmed.Proper().Applied = true
	p.mu.Lock()
	p.applied[proper.ID] = confirmed
	p.mu.Unlock()

	body, err := json.Marshal(confirmed)
	if err != nil {
		p.logger.Error("encoding apply confirmation failed", "id", proper.ID, "error", err)
		return
	}
	if err := p.publish(wire.InstrumentApplied, body); err != nil {
		p.logger.Warn("reporting apply failed", "id", proper.ID, "error", err)
		return
	}
	p.logger.Info("instrument applied",
		"id", proper.ID,
		"type", string(inst.InstrumentType()),
		"source", proper.Location.Source,
		"line", proper.Location.Line)
}

func (p *Probe) reportApplyFailure(instrumentID string, err error) {
	var applyErr *wire.InstrumentApplyError
	if !errors.As(err, &applyErr) {
		applyErr = &wire.InstrumentApplyError{Failure: wire.ApplyUnknown, Message: err.Error()}
	}
	failure := *applyErr
	failure.InstrumentID = instrumentID

	body, marshalErr := json.Marshal(failure)
	if marshalErr != nil {
		p.logger.Error("encoding apply failure failed", "id", instrumentID, "error", marshalErr)
		return
	}
	if publishErr := p.publish(wire.InstrumentApplyFailed, body); publishErr != nil {
		p.logger.Warn("reporting apply failure failed", "id", instrumentID, "error", publishErr)
	}
	p.logger.Warn("instrument apply failed", "id", instrumentID, "error", err)
}

// removeCommand unpatches by explicit instrument, by bare location, or
// both.
func (p *Probe) removeCommand(command instrument.Command) {
	for _, inst := range command.Instruments {
		p.remove(inst.Proper().ID)
	}
	for _, location := range command.Locations {
		p.mu.Lock()
		var matching []string
		for id, applied := range p.applied {
			if applied.Proper().Location.Matches(location) {
				matching = append(matching, id)
			}
		}
		p.mu.Unlock()
		for _, id := range matching {
			p.remove(id)
		}
	}
}

func (p *Probe) remove(instrumentID string) {
	p.mu.Lock()
	applied, ok := p.applied[instrumentID]
	delete(p.applied, instrumentID)
	p.mu.Unlock()
	if !ok {
		return
	}

	if err := p.applier.Remove(applied.Clone()); err != nil {
		p.logger.Warn("unpatching failed", "id", instrumentID, "error", err)
	}
	body, err := json.Marshal(struct {
		InstrumentID string `json:"instrumentId"`
	}{InstrumentID: instrumentID})
	if err != nil {
		return
	}
	if err := p.publish(wire.InstrumentRemoved, body); err != nil {
		p.logger.Warn("reporting removal failed", "id", instrumentID, "error", err)
	}
	p.logger.Info("instrument removed", "id", instrumentID)
}

// EmitHit reports a trigger of an applied instrument. data carries the
// capture payload (frames, variables, metric sample).
func (p *Probe) EmitHit(instrumentID string, data map[string]any) error {
	p.mu.Lock()
	_, ok := p.applied[instrumentID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("probe: instrument %s is not applied", instrumentID)
	}
	body, err := json.Marshal(instrument.Hit{
		InstrumentID: instrumentID,
		OccurredAt:   p.clock.Now().UnixMilli(),
		Data:         data,
	})
	if err != nil {
		return fmt.Errorf("probe: encoding hit: %w", err)
	}
	return p.publish(wire.InstrumentHit, body)
}

// Applied returns snapshots of the instruments currently patched in.
func (p *Probe) Applied() []instrument.LiveInstrument {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshots := make([]instrument.LiveInstrument, 0, len(p.applied))
	for _, inst := range p.applied {
		snapshots = append(snapshots, inst.Clone())
	}
	return snapshots
}

func (p *Probe) publish(address string, body json.RawMessage) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return bridge.ErrConnectionClosed
	}
	return client.Publish(address, nil, body)
}
