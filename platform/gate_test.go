// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/lib/store"
	"github.com/livetap/livetap/wire"
)

func newTestIdentity(t *testing.T) (*store.Identity, context.Context) {
	t.Helper()
	core := store.NewMemoryStore()
	t.Cleanup(func() { core.Close() })
	return store.NewIdentity(core), context.Background()
}

func breakpointAt(source string) instrument.LiveInstrument {
	return &instrument.Breakpoint{Common: instrument.Common{
		Location: instrument.Location{Source: source, Line: 10},
	}}
}

func TestGateIdentityStep(t *testing.T) {
	identity, ctx := newTestIdentity(t)
	gate := NewGate(IdentityStep(identity))

	err := gate.Check(ctx, &GateRequest{Action: wire.ActionGetLiveInstruments})
	var missing *wire.MissingIdentityError
	if !errors.As(err, &missing) {
		t.Errorf("empty identity error = %v, want MissingIdentityError", err)
	}

	err = gate.Check(ctx, &GateRequest{DeveloperID: "ghost", Action: wire.ActionGetLiveInstruments})
	var denied *wire.AccessDeniedError
	if !errors.As(err, &denied) {
		t.Errorf("unknown developer error = %v, want AccessDeniedError", err)
	}

	// The system identity resolves with all permissions.
	request := &GateRequest{DeveloperID: auth.SystemDeveloperID, Action: wire.ActionGetLiveInstruments}
	if err := gate.Check(ctx, request); err != nil {
		t.Fatalf("system identity rejected: %v", err)
	}
	if len(request.Permissions) == 0 {
		t.Error("system identity resolved without permissions")
	}
}

func TestGatePermissionStep(t *testing.T) {
	identity, ctx := newTestIdentity(t)
	if _, err := identity.AddDeveloper(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := identity.AddRole(ctx, "role_bp"); err != nil {
		t.Fatal(err)
	}
	if err := identity.AddRolePermission(ctx, "role_bp", auth.AddLiveBreakpoint); err != nil {
		t.Fatal(err)
	}
	if err := identity.AddDeveloperRole(ctx, "alice", "role_bp"); err != nil {
		t.Fatal(err)
	}

	gate := NewGate(IdentityStep(identity), PermissionStep())

	// Breakpoint add is granted.
	err := gate.Check(ctx, &GateRequest{
		DeveloperID: "alice",
		Action:      wire.ActionAddLiveInstrument,
		Instruments: []instrument.LiveInstrument{breakpointAt("com.acme.Foo")},
	})
	if err != nil {
		t.Fatalf("granted add rejected: %v", err)
	}

	// A batch containing a log fails atomically: the log type
	// permission is missing even though the breakpoint one is held.
	err = gate.Check(ctx, &GateRequest{
		DeveloperID: "alice",
		Action:      wire.ActionAddLiveInstruments,
		Instruments: []instrument.LiveInstrument{
			breakpointAt("com.acme.Foo"),
			&instrument.Log{Common: instrument.Common{
				Location: instrument.Location{Source: "com.acme.Foo", Line: 11},
			}},
		},
	})
	var permissionDenied *wire.PermissionAccessDeniedError
	if !errors.As(err, &permissionDenied) {
		t.Fatalf("mixed batch error = %v, want PermissionAccessDeniedError", err)
	}
	if permissionDenied.Permission != string(auth.AddLiveLog) {
		t.Errorf("denied permission = %s", permissionDenied.Permission)
	}

	// Non-add actions map directly.
	err = gate.Check(ctx, &GateRequest{DeveloperID: "alice", Action: wire.ActionRemoveLiveInstrument})
	if !errors.As(err, &permissionDenied) {
		t.Errorf("remove without permission = %v", err)
	}
}

func TestGateLocationStep(t *testing.T) {
	identity, ctx := newTestIdentity(t)
	if _, err := identity.AddDeveloper(ctx, "carol"); err != nil {
		t.Fatal(err)
	}
	permission, err := identity.AddAccessPermission(ctx, auth.AccessPermission{
		Type:             auth.WhiteListAccess,
		LocationPatterns: []string{"com.acme.*"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := identity.AddRole(ctx, "role_acme"); err != nil {
		t.Fatal(err)
	}
	if err := identity.AddAccessPermissionToRole(ctx, permission.ID, "role_acme"); err != nil {
		t.Fatal(err)
	}
	if err := identity.AddDeveloperRole(ctx, "carol", "role_acme"); err != nil {
		t.Fatal(err)
	}
	if err := identity.AddRolePermission(ctx, "role_acme", auth.AddLiveBreakpoint); err != nil {
		t.Fatal(err)
	}

	gate := NewGate(IdentityStep(identity), PermissionStep(), LocationStep())

	// A white-listed location passes.
	err = gate.Check(ctx, &GateRequest{
		DeveloperID: "carol",
		Action:      wire.ActionAddLiveInstrument,
		Instruments: []instrument.LiveInstrument{breakpointAt("com.acme.Foo")},
	})
	if err != nil {
		t.Fatalf("white-listed add rejected: %v", err)
	}

	// A location outside the white list fails the whole call.
	err = gate.Check(ctx, &GateRequest{
		DeveloperID: "carol",
		Action:      wire.ActionAddLiveInstruments,
		Instruments: []instrument.LiveInstrument{
			breakpointAt("com.acme.Foo"),
			breakpointAt("com.other.Foo"),
		},
	})
	var locationDenied *wire.InstrumentAccessDeniedError
	if !errors.As(err, &locationDenied) {
		t.Fatalf("out-of-list batch error = %v, want InstrumentAccessDeniedError", err)
	}
	if locationDenied.Location != "com.other.Foo" {
		t.Errorf("denied location = %s", locationDenied.Location)
	}

	// Location limits do not apply to reads.
	err = gate.Check(ctx, &GateRequest{DeveloperID: "carol", Action: wire.ActionGetLiveInstruments})
	var permissionDenied *wire.PermissionAccessDeniedError
	if !errors.As(err, &permissionDenied) {
		t.Errorf("read check = %v, want PermissionAccessDeniedError (no GET permission)", err)
	}
}
