// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/livetap/livetap/bridge"
	"github.com/livetap/livetap/bus"
	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/lib/clock"
	"github.com/livetap/livetap/lib/store"
	"github.com/livetap/livetap/wire"
)

// serviceHarness assembles the full service stack over an in-process
// bus: identity store, gate, registry, and both service consumers.
type serviceHarness struct {
	bus       *bus.Bus
	clock     *clock.FakeClock
	core      store.CoreStore
	identity  *store.Identity
	registry  *Registry
	publicKey ed25519.PublicKey
	ctx       context.Context
}

func newServiceHarness(t *testing.T) *serviceHarness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	b := bus.New()
	fake := clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	core := store.NewMemoryStore()
	t.Cleanup(func() { core.Close() })
	identity := store.NewIdentity(core)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := NewTestMetrics()
	fanout, err := NewFanout(b, fake, logger, metrics)
	if err != nil {
		t.Fatal(err)
	}
	probes := NewProbeTracker(b, core, fake, logger, metrics)
	t.Cleanup(probes.Start())
	markers := NewMarkerTracker(b, core, fake, logger, metrics)
	t.Cleanup(markers.Start())

	registry := NewRegistry(b, core, fake, logger, metrics, fanout, probes, 0)
	stop, err := registry.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(stop)

	gate := NewGate(IdentityStep(identity), PermissionStep(), LocationStep())
	t.Cleanup(NewInstrumentService(registry, gate, logger).Start(b))

	publicKey, privateKey, err := auth.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	management := NewManagementService(identity, core, registry, probes, markers, privateKey, 0, fake, logger)
	t.Cleanup(management.Start(b))

	return &serviceHarness{
		bus:       b,
		clock:     fake,
		core:      core,
		identity:  identity,
		registry:  registry,
		publicKey: publicKey,
		ctx:       ctx,
	}
}

// send issues a service request the way the bridge relays marker
// frames: action header plus the stamped identity.
func (h *serviceHarness) send(t *testing.T, developerID, address, action string, body any) (json.RawMessage, error) {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	headers := map[string]string{wire.HeaderAction: action}
	if developerID != "" {
		headers = bridge.WithIdentity(headers, developerID)
	}
	return h.bus.Send(h.ctx, address, headers, encoded)
}

// addInstrumentDeveloper creates a developer holding the instrument
// permissions tests need.
func (h *serviceHarness) addInstrumentDeveloper(t *testing.T, id string, permissions ...auth.Permission) {
	t.Helper()
	if _, err := h.identity.AddDeveloper(h.ctx, id); err != nil {
		t.Fatal(err)
	}
	role := auth.Role("role_" + id)
	if err := h.identity.AddRole(h.ctx, role); err != nil {
		t.Fatal(err)
	}
	for _, permission := range permissions {
		if err := h.identity.AddRolePermission(h.ctx, role, permission); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.identity.AddDeveloperRole(h.ctx, id, role); err != nil {
		t.Fatal(err)
	}
}

func TestInstrumentServiceAddAndGet(t *testing.T) {
	h := newServiceHarness(t)
	h.addInstrumentDeveloper(t, "alice", auth.AddLiveBreakpoint, auth.GetLiveInstruments)

	body, err := h.send(t, "alice", wire.ServiceInstrument, wire.ActionAddLiveInstrument,
		testBreakpoint("com.acme.Foo", 42))
	if err != nil {
		t.Fatal(err)
	}
	added, err := instrument.Unmarshal(body)
	if err != nil {
		t.Fatal(err)
	}
	if !added.Proper().Pending || added.Proper().ID == "" {
		t.Errorf("added instrument = %+v", added.Proper())
	}

	body, err = h.send(t, "alice", wire.ServiceInstrument, wire.ActionGetLiveInstruments, struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	listed, err := instrument.UnmarshalSlice(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 1 || listed[0].Proper().ID != added.Proper().ID {
		t.Errorf("listed = %+v", listed)
	}

	body, err = h.send(t, "alice", wire.ServiceInstrument, wire.ActionGetLiveInstrumentByID,
		map[string]string{"id": added.Proper().ID})
	if err != nil {
		t.Fatal(err)
	}
	fetched, err := instrument.Unmarshal(body)
	if err != nil {
		t.Fatal(err)
	}
	if fetched.Proper().Location.Source != "com.acme.Foo" {
		t.Errorf("fetched location = %+v", fetched.Proper().Location)
	}
}

func TestInstrumentServiceDeniesMissingPermission(t *testing.T) {
	h := newServiceHarness(t)
	h.addInstrumentDeveloper(t, "bob")

	_, err := h.send(t, "bob", wire.ServiceInstrument, wire.ActionAddLiveInstrument,
		testBreakpoint("com.acme.Foo", 42))
	var denied *wire.PermissionAccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error = %v, want PermissionAccessDeniedError", err)
	}
	if got := len(h.registry.GetAll("")); got != 0 {
		t.Errorf("denied add still landed: %d instruments", got)
	}
}

func TestInstrumentServiceMissingIdentity(t *testing.T) {
	h := newServiceHarness(t)

	_, err := h.send(t, "", wire.ServiceInstrument, wire.ActionGetLiveInstruments, struct{}{})
	var missing *wire.MissingIdentityError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want MissingIdentityError", err)
	}
}

func TestInstrumentServiceBatchAddPartialResults(t *testing.T) {
	h := newServiceHarness(t)

	// The probe confirms applies at com.acme.Foo and rejects the rest.
	h.bus.Consume(wire.ProbeCommandAddress("probe-1"), func(ctx context.Context, delivery *bus.Delivery) {
		var command instrument.Command
		if err := json.Unmarshal(delivery.Body, &command); err != nil {
			return
		}
		if command.CommandType != instrument.AddInstrumentCommand {
			return
		}
		for _, inst := range command.Instruments {
			if inst.Proper().Location.Source == "com.acme.Foo" {
				encoded, _ := json.Marshal(inst)
				h.bus.Publish(ctx, wire.InstrumentApplied, nil, encoded)
				continue
			}
			failure, _ := json.Marshal(wire.InstrumentApplyError{
				InstrumentID: inst.Proper().ID,
				Failure:      wire.ApplyClassNotFound,
			})
			h.bus.Publish(ctx, wire.InstrumentApplyFailed, nil, failure)
		}
	})

	good := testBreakpoint("com.acme.Foo", 1)
	good.ApplyImmediately = true
	good.Location.ProbeID = "probe-1"
	bad := testBreakpoint("com.missing.Bar", 2)
	bad.ApplyImmediately = true
	bad.Location.ProbeID = "probe-1"

	body, err := h.send(t, auth.SystemDeveloperID, wire.ServiceInstrument, wire.ActionAddLiveInstruments,
		[]instrument.LiveInstrument{good, bad})
	if err != nil {
		t.Fatal(err)
	}
	var elements []struct {
		Instrument json.RawMessage `json:"instrument"`
		Error      json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &elements); err != nil {
		t.Fatal(err)
	}
	if len(elements) != 2 {
		t.Fatalf("batch reply has %d elements, want 2", len(elements))
	}
	if elements[0].Instrument == nil || elements[0].Error != nil {
		t.Errorf("first element = %+v, want instrument", elements[0])
	}
	if elements[1].Error == nil {
		t.Fatalf("second element = %+v, want error", elements[1])
	}
	var applyErr *wire.InstrumentApplyError
	if decoded := wire.DecodeError(elements[1].Error); !errors.As(decoded, &applyErr) {
		t.Errorf("batch error decoded as %v", decoded)
	}
}

func TestInstrumentServiceRemoveAndClear(t *testing.T) {
	h := newServiceHarness(t)

	for _, source := range []string{"com.acme.A", "com.acme.B"} {
		if _, err := h.send(t, auth.SystemDeveloperID, wire.ServiceInstrument, wire.ActionAddLiveInstrument,
			testBreakpoint(source, 1)); err != nil {
			t.Fatal(err)
		}
	}
	log := &instrument.Log{
		Common:    instrument.Common{Location: instrument.Location{Source: "com.acme.A", Line: 2}},
		LogFormat: "n = {}",
	}
	if _, err := h.send(t, auth.SystemDeveloperID, wire.ServiceInstrument, wire.ActionAddLiveInstrument, log); err != nil {
		t.Fatal(err)
	}

	// Removing an absent id replies null.
	body, err := h.send(t, auth.SystemDeveloperID, wire.ServiceInstrument, wire.ActionRemoveLiveInstrument,
		map[string]string{"id": "no-such-id"})
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "null" {
		t.Errorf("absent remove reply = %s", body)
	}

	// Clearing breakpoints leaves the log.
	body, err = h.send(t, auth.SystemDeveloperID, wire.ServiceInstrument, wire.ActionClearLiveBreakpoints, struct{}{})
	if err != nil {
		t.Fatal(err)
	}
	cleared, err := instrument.UnmarshalSlice(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(cleared) != 2 {
		t.Errorf("cleared %d breakpoints, want 2", len(cleared))
	}
	remaining := h.registry.GetAll("")
	if len(remaining) != 1 || remaining[0].InstrumentType() != instrument.TypeLog {
		t.Errorf("remaining after clear = %+v", remaining)
	}
}

func TestInstrumentServiceUnknownAction(t *testing.T) {
	h := newServiceHarness(t)

	_, err := h.send(t, auth.SystemDeveloperID, wire.ServiceInstrument, "frobnicate", struct{}{})
	var serviceErr *wire.ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("error = %v, want ServiceError", err)
	}
}
