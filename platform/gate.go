// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"slices"

	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/wire"
)

// GateRequest is the typed request context flowing through the access
// gate. Steps never see the raw frame; the bridge-resolved identity
// and the decoded instruments are filled in before the chain runs.
type GateRequest struct {
	// DeveloperID is the bridge-authenticated identity.
	DeveloperID string

	// Action is the requested service action.
	Action string

	// Instruments are the add targets; empty for non-add actions.
	Instruments []instrument.LiveInstrument

	// Permissions and AccessPermissions are resolved by the identity
	// step for the later steps.
	Permissions       []auth.Permission
	AccessPermissions []auth.AccessPermission
}

// Middleware is one gate step. A non-nil error stops the chain and
// fails the request before any registry mutation.
type Middleware func(ctx context.Context, request *GateRequest) error

// Gate is an ordered middleware chain composed at construction.
type Gate struct {
	steps []Middleware
}

// NewGate composes steps in order. Identity must precede permission,
// which must precede location, because each step depends on what the
// previous one resolved.
func NewGate(steps ...Middleware) *Gate {
	return &Gate{steps: steps}
}

// Check runs the chain.
func (g *Gate) Check(ctx context.Context, request *GateRequest) error {
	for _, step := range g.steps {
		if err := step(ctx, request); err != nil {
			return err
		}
	}
	return nil
}

// IdentityResolver loads a developer's permission sets. Implemented
// by the identity store.
type IdentityResolver interface {
	HasDeveloper(ctx context.Context, id string) (bool, error)
	GetDeveloperPermissions(ctx context.Context, id string) ([]auth.Permission, error)
	GetDeveloperAccessPermissions(ctx context.Context, id string) ([]auth.AccessPermission, error)
}

// IdentityStep resolves the developer behind the request. The system
// identity short-circuits with every permission and no location
// limits.
func IdentityStep(resolver IdentityResolver) Middleware {
	return func(ctx context.Context, request *GateRequest) error {
		if request.DeveloperID == "" {
			return &wire.MissingIdentityError{}
		}
		if request.DeveloperID == auth.SystemDeveloperID {
			request.Permissions = auth.AllPermissions()
			return nil
		}
		exists, err := resolver.HasDeveloper(ctx, request.DeveloperID)
		if err != nil {
			return err
		}
		if !exists {
			return &wire.AccessDeniedError{Reason: "unknown developer"}
		}
		if request.Permissions, err = resolver.GetDeveloperPermissions(ctx, request.DeveloperID); err != nil {
			return err
		}
		if request.AccessPermissions, err = resolver.GetDeveloperAccessPermissions(ctx, request.DeveloperID); err != nil {
			return err
		}
		return nil
	}
}

// actionPermissions maps each instrument service action to its
// required permission. Add actions are handled per-instrument.
var actionPermissions = map[string]auth.Permission{
	wire.ActionGetLiveInstruments:      auth.GetLiveInstruments,
	wire.ActionGetLiveInstrumentByID:   auth.GetLiveInstruments,
	wire.ActionGetLiveInstrumentsByIDs: auth.GetLiveInstruments,
	wire.ActionGetLiveInstrumentsByLoc: auth.GetLiveInstruments,
	wire.ActionRemoveLiveInstrument:    auth.RemoveLiveInstrument,
	wire.ActionRemoveLiveInstruments:   auth.RemoveLiveInstrument,
	wire.ActionClearLiveInstruments:    auth.RemoveLiveInstrument,
	wire.ActionClearLiveBreakpoints:    auth.RemoveLiveInstrument,
	wire.ActionClearLiveLogs:           auth.RemoveLiveInstrument,
	wire.ActionClearLiveMeters:         auth.RemoveLiveInstrument,
	wire.ActionClearAllLiveInstruments: auth.ClearAllLiveInstruments,
}

// PermissionStep checks the action's required permission. For adds,
// every instrument's type permission is checked and the whole batch
// fails atomically on the first missing one.
func PermissionStep() Middleware {
	return func(ctx context.Context, request *GateRequest) error {
		requirePermission := func(permission auth.Permission) error {
			if !slices.Contains(request.Permissions, permission) {
				return &wire.PermissionAccessDeniedError{Permission: string(permission)}
			}
			return nil
		}

		switch request.Action {
		case wire.ActionAddLiveInstrument, wire.ActionAddLiveInstruments:
			for _, inst := range request.Instruments {
				permission, ok := auth.AddPermissionFor(string(inst.InstrumentType()))
				if !ok {
					return &wire.ServiceError{Message: "unknown instrument type"}
				}
				if err := requirePermission(permission); err != nil {
					return err
				}
			}
			return nil
		default:
			if permission, ok := actionPermissions[request.Action]; ok {
				return requirePermission(permission)
			}
			return &wire.ServiceError{Message: "unknown action " + request.Action}
		}
	}
}

// LocationStep evaluates white/black-list access for add targets. Any
// single denial fails the entire call before anything is persisted.
func LocationStep() Middleware {
	return func(ctx context.Context, request *GateRequest) error {
		switch request.Action {
		case wire.ActionAddLiveInstrument, wire.ActionAddLiveInstruments:
		default:
			return nil
		}
		for _, inst := range request.Instruments {
			source := inst.Proper().Location.Source
			if !auth.HasInstrumentAccess(request.AccessPermissions, source) {
				return &wire.InstrumentAccessDeniedError{Location: source}
			}
		}
		return nil
	}
}
