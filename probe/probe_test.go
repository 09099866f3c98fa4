// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package probe

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/livetap/livetap/bridge"
	"github.com/livetap/livetap/bus"
	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/lib/clock"
	"github.com/livetap/livetap/wire"
)

type staticAuth struct{}

func (staticAuth) AuthenticateProbe(ctx context.Context, clientID, clientSecret string) (bool, error) {
	return clientID == "probe-client" && clientSecret == "probe-secret", nil
}

func (staticAuth) AuthenticateMarker(ctx context.Context, token string) (string, error) {
	return "", nil
}

// recordingApplier applies everything except sources under com.bad,
// which fail with a classified error.
type recordingApplier struct {
	mu      sync.Mutex
	applies []string
	removes []string
}

func (a *recordingApplier) Apply(inst instrument.LiveInstrument) error {
	source := inst.Proper().Location.Source
	if strings.HasPrefix(source, "com.bad") {
		return &wire.InstrumentApplyError{Failure: wire.ApplyClassNotFound, Message: source + " not loaded"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applies = append(a.applies, inst.Proper().ID)
	return nil
}

func (a *recordingApplier) Remove(inst instrument.LiveInstrument) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removes = append(a.removes, inst.Proper().ID)
	return nil
}

func (a *recordingApplier) removed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.removes...)
}

// probeHarness runs a bridge endpoint and one connected probe, and
// records everything the probe publishes back to the platform.
type probeHarness struct {
	bus     *bus.Bus
	probe   *Probe
	applier *recordingApplier
	ctx     context.Context

	mu        sync.Mutex
	published map[string][]json.RawMessage
}

func newProbeHarness(t *testing.T) *probeHarness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	b := bus.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &probeHarness{bus: b, ctx: ctx, published: make(map[string][]json.RawMessage)}

	connected := make(chan struct{}, 1)
	b.Consume(wire.ProbeConnected, func(ctx context.Context, delivery *bus.Delivery) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	for _, address := range []string{
		wire.InstrumentApplied, wire.InstrumentApplyFailed,
		wire.InstrumentRemoved, wire.InstrumentHit,
	} {
		b.Consume(address, func(ctx context.Context, delivery *bus.Delivery) {
			h.mu.Lock()
			h.published[delivery.Address] = append(h.published[delivery.Address], delivery.Body)
			h.mu.Unlock()
		})
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	server := bridge.NewServer(bridge.RoleProbe, b, staticAuth{}, logger)
	go server.Serve(ctx, listener)

	h.applier = &recordingApplier{}
	h.probe = New(Options{
		PlatformAddress: listener.Addr().String(),
		InstanceID:      "probe-1",
		ClientID:        "probe-client",
		ClientSecret:    "probe-secret",
	}, h.applier, clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)), logger)
	go h.probe.Run(ctx)

	select {
	case <-connected:
	case <-ctx.Done():
		t.Fatal("probe never connected")
	}
	return h
}

func (h *probeHarness) receivedOn(address string) []json.RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]json.RawMessage(nil), h.published[address]...)
}

// command dispatches a platform command to the probe's command
// address, the way the registry does.
func (h *probeHarness) command(t *testing.T, command instrument.Command) {
	t.Helper()
	body, err := json.Marshal(command)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.bus.Publish(h.ctx, wire.ProbeCommandAddress("probe-1"), nil, body); err != nil {
		t.Fatal(err)
	}
}

func waitUntil(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func commandBreakpoint(id, source string) *instrument.Breakpoint {
	return &instrument.Breakpoint{Common: instrument.Common{
		ID:       id,
		Location: instrument.Location{Source: source, Line: 10},
		Pending:  true,
	}}
}

func TestProbeAppliesAndConfirms(t *testing.T) {
	h := newProbeHarness(t)

	h.command(t, instrument.Command{
		CommandType: instrument.AddInstrumentCommand,
		Instruments: []instrument.LiveInstrument{commandBreakpoint("bp-1", "com.acme.Foo")},
	})

	waitUntil(t, func() bool { return len(h.receivedOn(wire.InstrumentApplied)) == 1 })
	confirmed, err := instrument.Unmarshal(h.receivedOn(wire.InstrumentApplied)[0])
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Proper().ID != "bp-1" || !confirmed.Proper().Applied || confirmed.Proper().Pending {
		t.Errorf("confirmation = %+v", confirmed.Proper())
	}
	if applied := h.probe.Applied(); len(applied) != 1 {
		t.Errorf("probe applied = %d instruments", len(applied))
	}

	// A duplicate add command is not re-applied.
	h.command(t, instrument.Command{
		CommandType: instrument.AddInstrumentCommand,
		Instruments: []instrument.LiveInstrument{commandBreakpoint("bp-1", "com.acme.Foo")},
	})
	time.Sleep(20 * time.Millisecond)
	if got := len(h.receivedOn(wire.InstrumentApplied)); got != 1 {
		t.Errorf("duplicate add produced %d confirmations", got)
	}
}

func TestProbeReportsClassifiedApplyFailure(t *testing.T) {
	h := newProbeHarness(t)

	h.command(t, instrument.Command{
		CommandType: instrument.AddInstrumentCommand,
		Instruments: []instrument.LiveInstrument{commandBreakpoint("bp-bad", "com.bad.Gone")},
	})

	waitUntil(t, func() bool { return len(h.receivedOn(wire.InstrumentApplyFailed)) == 1 })
	var failure wire.InstrumentApplyError
	if err := json.Unmarshal(h.receivedOn(wire.InstrumentApplyFailed)[0], &failure); err != nil {
		t.Fatal(err)
	}
	if failure.InstrumentID != "bp-bad" || failure.Failure != wire.ApplyClassNotFound {
		t.Errorf("failure = %+v", failure)
	}
	if applied := h.probe.Applied(); len(applied) != 0 {
		t.Errorf("failed instrument recorded as applied: %+v", applied)
	}
}

func TestProbeSkipsForeignTargets(t *testing.T) {
	h := newProbeHarness(t)

	foreign := commandBreakpoint("bp-foreign", "com.acme.Foo")
	foreign.Location.ProbeID = "probe-other"
	local := commandBreakpoint("bp-local", "com.acme.Foo")
	local.Location.ProbeID = "probe-1"
	h.command(t, instrument.Command{
		CommandType: instrument.AddInstrumentCommand,
		Instruments: []instrument.LiveInstrument{foreign, local},
	})

	waitUntil(t, func() bool { return len(h.receivedOn(wire.InstrumentApplied)) == 1 })
	confirmed, err := instrument.Unmarshal(h.receivedOn(wire.InstrumentApplied)[0])
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Proper().ID != "bp-local" {
		t.Errorf("applied %s, want bp-local", confirmed.Proper().ID)
	}
}

func TestProbeRemovesByInstrumentAndLocation(t *testing.T) {
	h := newProbeHarness(t)

	h.command(t, instrument.Command{
		CommandType: instrument.AddInstrumentCommand,
		Instruments: []instrument.LiveInstrument{
			commandBreakpoint("bp-1", "com.acme.Foo"),
			commandBreakpoint("bp-2", "com.acme.Foo"),
		},
	})
	waitUntil(t, func() bool { return len(h.receivedOn(wire.InstrumentApplied)) == 2 })

	h.command(t, instrument.Command{
		CommandType: instrument.RemoveInstrumentCommand,
		Instruments: []instrument.LiveInstrument{commandBreakpoint("bp-1", "com.acme.Foo")},
	})
	waitUntil(t, func() bool { return len(h.applier.removed()) == 1 })

	// The remaining instrument goes by bare location.
	h.command(t, instrument.Command{
		CommandType: instrument.RemoveInstrumentCommand,
		Locations:   []instrument.Location{{Source: "com.acme.Foo", Line: 10}},
	})
	waitUntil(t, func() bool { return len(h.applier.removed()) == 2 })
	waitUntil(t, func() bool { return len(h.receivedOn(wire.InstrumentRemoved)) == 2 })
	if applied := h.probe.Applied(); len(applied) != 0 {
		t.Errorf("instruments left applied: %+v", applied)
	}
}

func TestProbeEmitHit(t *testing.T) {
	h := newProbeHarness(t)

	if err := h.probe.EmitHit("bp-1", nil); err == nil {
		t.Error("hit on unapplied instrument did not error")
	}

	h.command(t, instrument.Command{
		CommandType: instrument.AddInstrumentCommand,
		Instruments: []instrument.LiveInstrument{commandBreakpoint("bp-1", "com.acme.Foo")},
	})
	waitUntil(t, func() bool { return len(h.probe.Applied()) == 1 })

	data := map[string]any{"stack": []any{"com.acme.Foo:10"}}
	if err := h.probe.EmitHit("bp-1", data); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool { return len(h.receivedOn(wire.InstrumentHit)) == 1 })
	var hit instrument.Hit
	if err := json.Unmarshal(h.receivedOn(wire.InstrumentHit)[0], &hit); err != nil {
		t.Fatal(err)
	}
	if hit.InstrumentID != "bp-1" || len(hit.Data) == 0 {
		t.Errorf("hit = %+v", hit)
	}
}
