// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/livetap/livetap/bridge"
	"github.com/livetap/livetap/bus"
	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/lib/clock"
	"github.com/livetap/livetap/lib/store"
	"github.com/livetap/livetap/wire"
)

// DefaultTokenTTL is the lifetime of a minted access token.
const DefaultTokenTTL = time.Hour

// ManagementService exposes identity administration on the
// livetap.service.management address: developers, roles, permissions,
// access permissions, client accessors, token exchange, stats, and
// reset.
type ManagementService struct {
	identity   *store.Identity
	core       store.CoreStore
	registry   *Registry
	probes     *Tracker
	markers    *Tracker
	signingKey ed25519.PrivateKey
	tokenTTL   time.Duration
	clock      clock.Clock
	logger     *slog.Logger
}

// NewManagementService wires the management surface. signingKey mints
// access tokens; tokenTTL defaults to DefaultTokenTTL when zero.
func NewManagementService(identity *store.Identity, core store.CoreStore, registry *Registry, probes, markers *Tracker, signingKey ed25519.PrivateKey, tokenTTL time.Duration, c clock.Clock, logger *slog.Logger) *ManagementService {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &ManagementService{
		identity:   identity,
		core:       core,
		registry:   registry,
		probes:     probes,
		markers:    markers,
		signingKey: signingKey,
		tokenTTL:   tokenTTL,
		clock:      c,
		logger:     logger.With("service", "management"),
	}
}

// Start registers the service consumer. The returned function
// unregisters it.
func (s *ManagementService) Start(b *bus.Bus) func() {
	return b.Consume(wire.ServiceManagement, s.handle)
}

// managementPermissions maps each action to its required permission.
// getAccessToken is absent: the authorization code in the request body
// is the credential. The per-developer reads are listed here for the
// non-self case; a developer may always query itself.
var managementPermissions = map[string]auth.Permission{
	wire.ActionAddDeveloper:                   auth.AddDeveloper,
	wire.ActionRemoveDeveloper:                auth.RemoveDeveloper,
	wire.ActionGetDevelopers:                  auth.GetDevelopers,
	wire.ActionRefreshDeveloperToken:          auth.RefreshDeveloperToken,
	wire.ActionAddRole:                        auth.AddRole,
	wire.ActionRemoveRole:                     auth.RemoveRole,
	wire.ActionGetRoles:                       auth.GetRoles,
	wire.ActionAddDeveloperRole:               auth.AddDeveloperRole,
	wire.ActionRemoveDeveloperRole:            auth.RemoveDeveloperRole,
	wire.ActionGetDeveloperRoles:              auth.GetDevelopers,
	wire.ActionAddRolePermission:              auth.AddRolePermission,
	wire.ActionRemoveRolePermission:           auth.RemoveRolePermission,
	wire.ActionGetRolePermissions:             auth.GetRolePermissions,
	wire.ActionGetDeveloperPermissions:        auth.GetDevelopers,
	wire.ActionAddAccessPermission:            auth.AddAccessPermission,
	wire.ActionRemoveAccessPermission:         auth.RemoveAccessPermission,
	wire.ActionGetAccessPermissions:           auth.GetAccessPermissions,
	wire.ActionGetDeveloperAccessPermissions:  auth.GetDevelopers,
	wire.ActionAddAccessPermissionToRole:      auth.AddRolePermission,
	wire.ActionRemoveAccessPermissionFromRole: auth.RemoveRolePermission,
	wire.ActionAddClientAccess:                auth.AddClientAccess,
	wire.ActionRemoveClientAccess:             auth.RemoveClientAccess,
	wire.ActionRefreshClientAccess:            auth.RefreshClientAccess,
	wire.ActionGetClientAccessors:             auth.GetClientAccessors,
	wire.ActionGetStats:                       auth.GetDevelopers,
	wire.ActionReset:                          auth.Reset,
}

// selfQueryActions may target the requesting developer without any
// management permission.
var selfQueryActions = map[string]bool{
	wire.ActionGetDeveloperRoles:             true,
	wire.ActionGetDeveloperPermissions:       true,
	wire.ActionGetDeveloperAccessPermissions: true,
}

func (s *ManagementService) handle(ctx context.Context, delivery *bus.Delivery) {
	action := delivery.Header(wire.HeaderAction)
	if action == wire.ActionGetAccessToken {
		s.getAccessToken(ctx, delivery)
		return
	}

	developerID := bridge.Identity(delivery.Headers)
	if developerID == "" {
		delivery.Fail(&wire.MissingIdentityError{})
		return
	}
	required, known := managementPermissions[action]
	if !known {
		delivery.Fail(&wire.ServiceError{Message: "unknown action " + action})
		return
	}
	if !s.selfQuery(action, developerID, delivery.Body) {
		permissions, err := s.developerPermissions(ctx, developerID)
		if err != nil {
			delivery.Fail(err)
			return
		}
		if !slices.Contains(permissions, required) {
			delivery.Fail(&wire.PermissionAccessDeniedError{Permission: string(required)})
			return
		}
	}

	switch action {
	case wire.ActionAddDeveloper:
		s.addDeveloper(ctx, delivery)
	case wire.ActionRemoveDeveloper:
		s.removeDeveloper(ctx, delivery)
	case wire.ActionGetDevelopers:
		reply(delivery, func() (any, error) { return s.identity.ListDevelopers(ctx) })
	case wire.ActionRefreshDeveloperToken:
		s.refreshDeveloperToken(ctx, delivery)
	case wire.ActionAddRole:
		s.roleOp(ctx, delivery, s.identity.AddRole)
	case wire.ActionRemoveRole:
		s.roleOp(ctx, delivery, s.identity.RemoveRole)
	case wire.ActionGetRoles:
		reply(delivery, func() (any, error) { return s.identity.ListRoles(ctx) })
	case wire.ActionAddDeveloperRole:
		s.developerRoleOp(ctx, delivery, s.identity.AddDeveloperRole)
	case wire.ActionRemoveDeveloperRole:
		s.developerRoleOp(ctx, delivery, s.identity.RemoveDeveloperRole)
	case wire.ActionGetDeveloperRoles:
		s.getDeveloperRoles(ctx, delivery, developerID)
	case wire.ActionAddRolePermission:
		s.addRolePermission(ctx, delivery)
	case wire.ActionRemoveRolePermission:
		s.rolePermissionOp(ctx, delivery, s.identity.RemoveRolePermission)
	case wire.ActionGetRolePermissions:
		s.getRolePermissions(ctx, delivery)
	case wire.ActionGetDeveloperPermissions:
		s.getDeveloperPermissions(ctx, delivery, developerID)
	case wire.ActionAddAccessPermission:
		s.addAccessPermission(ctx, delivery)
	case wire.ActionRemoveAccessPermission:
		s.removeAccessPermission(ctx, delivery)
	case wire.ActionGetAccessPermissions:
		reply(delivery, func() (any, error) { return s.identity.ListAccessPermissions(ctx) })
	case wire.ActionGetDeveloperAccessPermissions:
		s.getDeveloperAccessPermissions(ctx, delivery, developerID)
	case wire.ActionAddAccessPermissionToRole:
		s.accessPermissionRoleOp(ctx, delivery, s.identity.AddAccessPermissionToRole)
	case wire.ActionRemoveAccessPermissionFromRole:
		s.accessPermissionRoleOp(ctx, delivery, s.identity.RemoveAccessPermissionFromRole)
	case wire.ActionAddClientAccess:
		reply(delivery, func() (any, error) { return s.identity.AddClientAccess(ctx) })
	case wire.ActionRemoveClientAccess:
		s.removeClientAccess(ctx, delivery)
	case wire.ActionRefreshClientAccess:
		s.refreshClientAccess(ctx, delivery)
	case wire.ActionGetClientAccessors:
		reply(delivery, func() (any, error) { return s.identity.ListClientAccessors(ctx) })
	case wire.ActionGetStats:
		s.getStats(ctx, delivery)
	case wire.ActionReset:
		s.reset(ctx, delivery)
	}
}

// selfQuery reports whether the action is a per-developer read
// targeting the requester itself.
func (s *ManagementService) selfQuery(action, developerID string, body json.RawMessage) bool {
	if !selfQueryActions[action] {
		return false
	}
	target := decodeTargetID(body)
	return target == "" || target == developerID
}

func decodeTargetID(body json.RawMessage) string {
	var request struct {
		ID string `json:"id"`
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &request)
	}
	return request.ID
}

func (s *ManagementService) developerPermissions(ctx context.Context, developerID string) ([]auth.Permission, error) {
	if developerID == auth.SystemDeveloperID {
		return auth.AllPermissions(), nil
	}
	exists, err := s.identity.HasDeveloper(ctx, developerID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &wire.AccessDeniedError{Reason: "unknown developer"}
	}
	return s.identity.GetDeveloperPermissions(ctx, developerID)
}

// reply runs an operation and replies with its result or failure.
func reply(delivery *bus.Delivery, op func() (any, error)) {
	result, err := op()
	if err != nil {
		delivery.Fail(err)
		return
	}
	delivery.Reply(result)
}

func decodeBody(delivery *bus.Delivery, request any) bool {
	if err := json.Unmarshal(delivery.Body, request); err != nil {
		delivery.Fail(&wire.ServiceError{Message: "malformed request body: " + err.Error()})
		return false
	}
	return true
}

// getAccessToken exchanges an authorization code for a short-lived
// signed token. No identity header is required; the code is the
// credential.
func (s *ManagementService) getAccessToken(ctx context.Context, delivery *bus.Delivery) {
	var request struct {
		AuthorizationCode string `json:"authorizationCode"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	developerID, found, err := s.identity.DeveloperByAuthorizationCode(ctx, request.AuthorizationCode)
	if err != nil {
		delivery.Fail(err)
		return
	}
	if !found {
		delivery.Fail(&wire.AccessDeniedError{Reason: "invalid authorization code"})
		return
	}
	now := s.clock.Now()
	token, err := auth.MintToken(s.signingKey, &auth.Claims{
		DeveloperID: developerID,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(s.tokenTTL).Unix(),
	})
	if err != nil {
		delivery.Fail(err)
		return
	}
	s.logger.Info("access token minted", "developer", developerID, "expiresIn", s.tokenTTL)
	delivery.Reply(token)
}

func (s *ManagementService) addDeveloper(ctx context.Context, delivery *bus.Delivery) {
	var request struct {
		ID string `json:"id"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	reply(delivery, func() (any, error) { return s.identity.AddDeveloper(ctx, request.ID) })
}

func (s *ManagementService) removeDeveloper(ctx context.Context, delivery *bus.Delivery) {
	var request struct {
		ID string `json:"id"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	reply(delivery, func() (any, error) { return true, s.identity.RemoveDeveloper(ctx, request.ID) })
}

func (s *ManagementService) refreshDeveloperToken(ctx context.Context, delivery *bus.Delivery) {
	var request struct {
		ID string `json:"id"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	reply(delivery, func() (any, error) { return s.identity.RefreshAuthorizationCode(ctx, request.ID) })
}

func (s *ManagementService) roleOp(ctx context.Context, delivery *bus.Delivery, op func(context.Context, auth.Role) error) {
	var request struct {
		Role auth.Role `json:"role"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	reply(delivery, func() (any, error) { return true, op(ctx, request.Role) })
}

func (s *ManagementService) developerRoleOp(ctx context.Context, delivery *bus.Delivery, op func(context.Context, string, auth.Role) error) {
	var request struct {
		DeveloperID string    `json:"developerId"`
		Role        auth.Role `json:"role"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	reply(delivery, func() (any, error) { return true, op(ctx, request.DeveloperID, request.Role) })
}

func (s *ManagementService) getDeveloperRoles(ctx context.Context, delivery *bus.Delivery, requesterID string) {
	target := decodeTargetID(delivery.Body)
	if target == "" {
		target = requesterID
	}
	reply(delivery, func() (any, error) { return s.identity.GetDeveloperRoles(ctx, target) })
}

// addRolePermission grants a permission to a role. Management
// permissions stay exclusive to the manager role, which holds them
// implicitly.
func (s *ManagementService) addRolePermission(ctx context.Context, delivery *bus.Delivery) {
	var request struct {
		Role       auth.Role       `json:"role"`
		Permission auth.Permission `json:"permission"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	if !slices.Contains(auth.AllPermissions(), request.Permission) {
		delivery.Fail(&wire.ServiceError{Message: "unknown permission " + string(request.Permission)})
		return
	}
	if request.Permission.ManagerOnly() {
		delivery.Fail(&wire.ServiceError{Message: "permission " + string(request.Permission) + " is manager-only"})
		return
	}
	reply(delivery, func() (any, error) {
		return true, s.identity.AddRolePermission(ctx, request.Role, request.Permission)
	})
}

func (s *ManagementService) rolePermissionOp(ctx context.Context, delivery *bus.Delivery, op func(context.Context, auth.Role, auth.Permission) error) {
	var request struct {
		Role       auth.Role       `json:"role"`
		Permission auth.Permission `json:"permission"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	reply(delivery, func() (any, error) { return true, op(ctx, request.Role, request.Permission) })
}

func (s *ManagementService) getRolePermissions(ctx context.Context, delivery *bus.Delivery) {
	var request struct {
		Role auth.Role `json:"role"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	reply(delivery, func() (any, error) { return s.identity.GetRolePermissions(ctx, request.Role) })
}

func (s *ManagementService) getDeveloperPermissions(ctx context.Context, delivery *bus.Delivery, requesterID string) {
	target := decodeTargetID(delivery.Body)
	if target == "" {
		target = requesterID
	}
	reply(delivery, func() (any, error) { return s.developerPermissions(ctx, target) })
}

func (s *ManagementService) addAccessPermission(ctx context.Context, delivery *bus.Delivery) {
	var permission auth.AccessPermission
	if !decodeBody(delivery, &permission) {
		return
	}
	if permission.Type != auth.WhiteListAccess && permission.Type != auth.BlackListAccess {
		delivery.Fail(&wire.ServiceError{Message: "unknown access type " + string(permission.Type)})
		return
	}
	reply(delivery, func() (any, error) { return s.identity.AddAccessPermission(ctx, permission) })
}

func (s *ManagementService) removeAccessPermission(ctx context.Context, delivery *bus.Delivery) {
	var request struct {
		ID string `json:"id"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	reply(delivery, func() (any, error) { return true, s.identity.RemoveAccessPermission(ctx, request.ID) })
}

func (s *ManagementService) getDeveloperAccessPermissions(ctx context.Context, delivery *bus.Delivery, requesterID string) {
	target := decodeTargetID(delivery.Body)
	if target == "" {
		target = requesterID
	}
	reply(delivery, func() (any, error) { return s.identity.GetDeveloperAccessPermissions(ctx, target) })
}

func (s *ManagementService) accessPermissionRoleOp(ctx context.Context, delivery *bus.Delivery, op func(context.Context, string, auth.Role) error) {
	var request struct {
		ID   string    `json:"id"`
		Role auth.Role `json:"role"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	reply(delivery, func() (any, error) { return true, op(ctx, request.ID, request.Role) })
}

func (s *ManagementService) removeClientAccess(ctx context.Context, delivery *bus.Delivery) {
	var request struct {
		ID string `json:"id"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	reply(delivery, func() (any, error) { return true, s.identity.RemoveClientAccess(ctx, request.ID) })
}

func (s *ManagementService) refreshClientAccess(ctx context.Context, delivery *bus.Delivery) {
	var request struct {
		ID string `json:"id"`
	}
	if !decodeBody(delivery, &request) {
		return
	}
	reply(delivery, func() (any, error) { return s.identity.RefreshClientAccess(ctx, request.ID) })
}

// Stats is the getStats reply.
type Stats struct {
	ConnectedProbes  int64                   `json:"connectedProbes"`
	ConnectedMarkers int64                   `json:"connectedMarkers"`
	Instruments      map[instrument.Type]int `json:"instruments"`
}

func (s *ManagementService) getStats(ctx context.Context, delivery *bus.Delivery) {
	probes, err := s.probes.Connected(ctx)
	if err != nil {
		delivery.Fail(err)
		return
	}
	markers, err := s.markers.Connected(ctx)
	if err != nil {
		delivery.Fail(err)
		return
	}
	counts := make(map[instrument.Type]int)
	for _, inst := range s.registry.GetAll("") {
		counts[inst.InstrumentType()]++
	}
	delivery.Reply(Stats{
		ConnectedProbes:  probes,
		ConnectedMarkers: markers,
		Instruments:      counts,
	})
}

// reset removes every instrument and wipes all platform state,
// identity included.
func (s *ManagementService) reset(ctx context.Context, delivery *bus.Delivery) {
	s.registry.ClearAll(ctx)
	if err := s.core.Reset(ctx); err != nil {
		delivery.Fail(err)
		return
	}
	s.logger.Warn("platform state reset")
	delivery.Reply(true)
}
