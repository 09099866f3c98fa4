// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package marker is the developer-tool client: it connects to the
// platform's marker endpoint, exchanges an authorization code for an
// access token, and exposes typed wrappers over the instrument and
// management services plus the event subscription stream.
package marker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/livetap/livetap/bridge"
	"github.com/livetap/livetap/instrument"
	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/wire"
)

// Options configures a marker connection. Exactly one of
// AuthorizationCode or Token must be set unless the platform runs
// with authentication disabled.
type Options struct {
	// PlatformAddress is the marker bridge endpoint.
	PlatformAddress string

	// AuthorizationCode is exchanged for an access token during Dial.
	AuthorizationCode string

	// Token is a pre-minted access token.
	Token string

	// InstanceID identifies this tool session. Generated when empty.
	InstanceID string

	// Meta is attached to the connect announcement.
	Meta map[string]string
}

// Client is a connected marker session.
type Client struct {
	bridge      *bridge.Client
	decoder     *zstd.Decoder
	logger      *slog.Logger
	instanceID  string
	developerID string
}

// Dial connects, authenticates, and runs the connect handshake.
func Dial(ctx context.Context, options Options, logger *slog.Logger) (*Client, error) {
	if options.InstanceID == "" {
		options.InstanceID = uuid.NewString()
	}
	bridgeClient, err := bridge.Dial(ctx, options.PlatformAddress, bridge.Credentials{Token: options.Token})
	if err != nil {
		return nil, err
	}
	c := &Client{
		bridge:     bridgeClient,
		logger:     logger.With("component", "marker", "instanceId", options.InstanceID),
		instanceID: options.InstanceID,
	}
	if c.decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1)); err != nil {
		bridgeClient.Close()
		return nil, fmt.Errorf("marker: creating zstd decoder: %w", err)
	}

	token := options.Token
	if token == "" && options.AuthorizationCode != "" {
		if token, err = c.exchangeCode(ctx, options.AuthorizationCode); err != nil {
			c.Close()
			return nil, err
		}
		bridgeClient.SetToken(token)
	}
	if token != "" {
		claims, err := auth.ParseClaims(token)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.developerID = claims.DeveloperID
	} else {
		c.developerID = auth.SystemDeveloperID
	}

	announcement := wire.InstanceConnection{
		InstanceID:     options.InstanceID,
		ConnectionTime: time.Now().UnixMilli(),
		Meta:           options.Meta,
	}
	if err := bridgeClient.Announce(ctx, wire.MarkerConnected, announcement); err != nil {
		c.Close()
		return nil, err
	}
	c.logger.Info("connected", "developer", c.developerID)
	return c, nil
}

// DeveloperID returns the identity this session authenticated as.
func (c *Client) DeveloperID() string { return c.developerID }

// Done is closed when the connection terminates.
func (c *Client) Done() <-chan struct{} { return c.bridge.Done() }

// Close terminates the session.
func (c *Client) Close() error {
	c.decoder.Close()
	return c.bridge.Close()
}

func (c *Client) exchangeCode(ctx context.Context, code string) (string, error) {
	var token string
	err := c.send(ctx, wire.ServiceManagement, wire.ActionGetAccessToken,
		map[string]string{"authorizationCode": code}, &token)
	if err != nil {
		return "", err
	}
	return token, nil
}

// send issues one service request and decodes the reply into result
// when non-nil.
func (c *Client) send(ctx context.Context, address, action string, body, result any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marker: encoding %s request: %w", action, err)
	}
	reply, err := c.bridge.Send(ctx, address, map[string]string{wire.HeaderAction: action}, encoded)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(reply, result); err != nil {
		return fmt.Errorf("marker: decoding %s reply: %w", action, err)
	}
	return nil
}

// AddLiveInstrument creates one instrument and returns the stored
// form. With ApplyImmediately set, the call blocks until a probe
// confirms or the platform times the apply out.
func (c *Client) AddLiveInstrument(ctx context.Context, inst instrument.LiveInstrument) (instrument.LiveInstrument, error) {
	encoded, err := json.Marshal(inst)
	if err != nil {
		return nil, fmt.Errorf("marker: encoding instrument: %w", err)
	}
	reply, err := c.bridge.Send(ctx, wire.ServiceInstrument,
		map[string]string{wire.HeaderAction: wire.ActionAddLiveInstrument}, encoded)
	if err != nil {
		return nil, err
	}
	return instrument.Unmarshal(reply)
}

// BatchResult is one element of a batch add: the stored instrument or
// the typed error that rejected it.
type BatchResult struct {
	Instrument instrument.LiveInstrument
	Err        error
}

// AddLiveInstruments creates several instruments in one call,
// returning per-item results in input order.
func (c *Client) AddLiveInstruments(ctx context.Context, instruments []instrument.LiveInstrument) ([]BatchResult, error) {
	encoded, err := json.Marshal(instruments)
	if err != nil {
		return nil, fmt.Errorf("marker: encoding instruments: %w", err)
	}
	reply, err := c.bridge.Send(ctx, wire.ServiceInstrument,
		map[string]string{wire.HeaderAction: wire.ActionAddLiveInstruments}, encoded)
	if err != nil {
		return nil, err
	}
	var elements []struct {
		Instrument json.RawMessage `json:"instrument"`
		Error      json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(reply, &elements); err != nil {
		return nil, fmt.Errorf("marker: decoding batch reply: %w", err)
	}
	results := make([]BatchResult, 0, len(elements))
	for _, element := range elements {
		if element.Error != nil {
			results = append(results, BatchResult{Err: wire.DecodeError(element.Error)})
			continue
		}
		decoded, err := instrument.Unmarshal(element.Instrument)
		if err != nil {
			return nil, err
		}
		results = append(results, BatchResult{Instrument: decoded})
	}
	return results, nil
}

// GetLiveInstruments lists instruments, optionally filtered by type
// (empty for all).
func (c *Client) GetLiveInstruments(ctx context.Context, typeFilter instrument.Type) ([]instrument.LiveInstrument, error) {
	body := map[string]instrument.Type{}
	if typeFilter != "" {
		body["type"] = typeFilter
	}
	reply, err := c.bridge.Send(ctx, wire.ServiceInstrument,
		actionHeaders(wire.ActionGetLiveInstruments), mustJSON(body))
	if err != nil {
		return nil, err
	}
	return instrument.UnmarshalSlice(reply)
}

// GetLiveInstrument fetches one instrument by id; nil when absent.
func (c *Client) GetLiveInstrument(ctx context.Context, id string) (instrument.LiveInstrument, error) {
	reply, err := c.bridge.Send(ctx, wire.ServiceInstrument,
		actionHeaders(wire.ActionGetLiveInstrumentByID), mustJSON(map[string]string{"id": id}))
	if err != nil {
		return nil, err
	}
	if string(reply) == "null" {
		return nil, nil
	}
	return instrument.Unmarshal(reply)
}

// GetLiveInstrumentsByIDs fetches the instruments that exist among
// ids.
func (c *Client) GetLiveInstrumentsByIDs(ctx context.Context, ids []string) ([]instrument.LiveInstrument, error) {
	reply, err := c.bridge.Send(ctx, wire.ServiceInstrument,
		actionHeaders(wire.ActionGetLiveInstrumentsByIDs), mustJSON(map[string][]string{"ids": ids}))
	if err != nil {
		return nil, err
	}
	return instrument.UnmarshalSlice(reply)
}

// GetLiveInstrumentsAtLocation lists the instruments at a source
// location.
func (c *Client) GetLiveInstrumentsAtLocation(ctx context.Context, location instrument.Location) ([]instrument.LiveInstrument, error) {
	reply, err := c.bridge.Send(ctx, wire.ServiceInstrument,
		actionHeaders(wire.ActionGetLiveInstrumentsByLoc), mustJSON(location))
	if err != nil {
		return nil, err
	}
	return instrument.UnmarshalSlice(reply)
}

// RemoveLiveInstrument removes one instrument by id. Returns nil, nil
// when the id was already gone.
func (c *Client) RemoveLiveInstrument(ctx context.Context, id string) (instrument.LiveInstrument, error) {
	reply, err := c.bridge.Send(ctx, wire.ServiceInstrument,
		actionHeaders(wire.ActionRemoveLiveInstrument), mustJSON(map[string]string{"id": id}))
	if err != nil {
		return nil, err
	}
	if string(reply) == "null" {
		return nil, nil
	}
	return instrument.Unmarshal(reply)
}

// RemoveLiveInstruments removes every instrument at a location and
// returns them.
func (c *Client) RemoveLiveInstruments(ctx context.Context, location instrument.Location) ([]instrument.LiveInstrument, error) {
	body := mustJSON(struct {
		Location instrument.Location `json:"location"`
	}{Location: location})
	reply, err := c.bridge.Send(ctx, wire.ServiceInstrument,
		actionHeaders(wire.ActionRemoveLiveInstruments), body)
	if err != nil {
		return nil, err
	}
	return decodeInstrumentsOrNull(reply)
}

// ClearLiveInstruments removes this developer's instruments,
// optionally limited to one type.
func (c *Client) ClearLiveInstruments(ctx context.Context, typeFilter instrument.Type) ([]instrument.LiveInstrument, error) {
	action := wire.ActionClearLiveInstruments
	switch typeFilter {
	case instrument.TypeBreakpoint:
		action = wire.ActionClearLiveBreakpoints
	case instrument.TypeLog:
		action = wire.ActionClearLiveLogs
	case instrument.TypeMeter:
		action = wire.ActionClearLiveMeters
	}
	reply, err := c.bridge.Send(ctx, wire.ServiceInstrument, actionHeaders(action), mustJSON(struct{}{}))
	if err != nil {
		return nil, err
	}
	return decodeInstrumentsOrNull(reply)
}

// ClearAllLiveInstruments removes every instrument regardless of
// owner.
func (c *Client) ClearAllLiveInstruments(ctx context.Context) ([]instrument.LiveInstrument, error) {
	reply, err := c.bridge.Send(ctx, wire.ServiceInstrument,
		actionHeaders(wire.ActionClearAllLiveInstruments), mustJSON(struct{}{}))
	if err != nil {
		return nil, err
	}
	return decodeInstrumentsOrNull(reply)
}

// Subscribe registers for this developer's instrument events. handler
// runs on the connection's read goroutine; decode failures are logged
// and skipped.
func (c *Client) Subscribe(handler func(instrument.Event)) error {
	address := wire.SubscriberAddress(c.developerID)
	return c.bridge.Register(address, func(frame *wire.Frame) {
		body := []byte(frame.Body)
		if frame.Header(wire.HeaderContentEncoding) == wire.ContentEncodingZstd {
			decoded, err := c.decoder.DecodeAll(body, nil)
			if err != nil {
				c.logger.Warn("decompressing event failed", "error", err)
				return
			}
			body = decoded
		}
		var event instrument.Event
		if err := json.Unmarshal(body, &event); err != nil {
			c.logger.Warn("malformed event", "error", err)
			return
		}
		handler(event)
	})
}

// Unsubscribe drops the event subscription.
func (c *Client) Unsubscribe() error {
	return c.bridge.Unregister(wire.SubscriberAddress(c.developerID))
}

// AddDeveloper creates a developer. The reply carries the one-time
// plaintext authorization code.
func (c *Client) AddDeveloper(ctx context.Context, id string) (auth.Developer, error) {
	var developer auth.Developer
	err := c.send(ctx, wire.ServiceManagement, wire.ActionAddDeveloper, map[string]string{"id": id}, &developer)
	return developer, err
}

// RemoveDeveloper deletes a developer and its bindings.
func (c *Client) RemoveDeveloper(ctx context.Context, id string) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionRemoveDeveloper, map[string]string{"id": id}, nil)
}

// GetDevelopers lists developers without authorization codes.
func (c *Client) GetDevelopers(ctx context.Context) ([]auth.Developer, error) {
	var developers []auth.Developer
	err := c.send(ctx, wire.ServiceManagement, wire.ActionGetDevelopers, struct{}{}, &developers)
	return developers, err
}

// RefreshDeveloperToken rotates a developer's authorization code.
func (c *Client) RefreshDeveloperToken(ctx context.Context, id string) (auth.Developer, error) {
	var developer auth.Developer
	err := c.send(ctx, wire.ServiceManagement, wire.ActionRefreshDeveloperToken, map[string]string{"id": id}, &developer)
	return developer, err
}

// AddRole creates a role.
func (c *Client) AddRole(ctx context.Context, role auth.Role) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionAddRole, map[string]auth.Role{"role": role}, nil)
}

// RemoveRole deletes a role.
func (c *Client) RemoveRole(ctx context.Context, role auth.Role) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionRemoveRole, map[string]auth.Role{"role": role}, nil)
}

// GetRoles lists roles, built-ins included.
func (c *Client) GetRoles(ctx context.Context) ([]auth.Role, error) {
	var roles []auth.Role
	err := c.send(ctx, wire.ServiceManagement, wire.ActionGetRoles, struct{}{}, &roles)
	return roles, err
}

// AddDeveloperRole binds a role to a developer.
func (c *Client) AddDeveloperRole(ctx context.Context, developerID string, role auth.Role) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionAddDeveloperRole,
		map[string]any{"developerId": developerID, "role": role}, nil)
}

// RemoveDeveloperRole unbinds a role from a developer.
func (c *Client) RemoveDeveloperRole(ctx context.Context, developerID string, role auth.Role) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionRemoveDeveloperRole,
		map[string]any{"developerId": developerID, "role": role}, nil)
}

// GetDeveloperRoles returns a developer's roles; an empty id queries
// the session's own developer.
func (c *Client) GetDeveloperRoles(ctx context.Context, developerID string) ([]auth.Role, error) {
	var roles []auth.Role
	err := c.send(ctx, wire.ServiceManagement, wire.ActionGetDeveloperRoles,
		map[string]string{"id": developerID}, &roles)
	return roles, err
}

// AddRolePermission grants an instrument permission to a role.
func (c *Client) AddRolePermission(ctx context.Context, role auth.Role, permission auth.Permission) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionAddRolePermission,
		map[string]any{"role": role, "permission": permission}, nil)
}

// RemoveRolePermission revokes a permission from a role.
func (c *Client) RemoveRolePermission(ctx context.Context, role auth.Role, permission auth.Permission) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionRemoveRolePermission,
		map[string]any{"role": role, "permission": permission}, nil)
}

// GetRolePermissions lists the permissions granted to a role.
func (c *Client) GetRolePermissions(ctx context.Context, role auth.Role) ([]auth.Permission, error) {
	var permissions []auth.Permission
	err := c.send(ctx, wire.ServiceManagement, wire.ActionGetRolePermissions,
		map[string]auth.Role{"role": role}, &permissions)
	return permissions, err
}

// GetDeveloperPermissions returns a developer's effective permission
// union; an empty id queries the session's own developer.
func (c *Client) GetDeveloperPermissions(ctx context.Context, developerID string) ([]auth.Permission, error) {
	var permissions []auth.Permission
	err := c.send(ctx, wire.ServiceManagement, wire.ActionGetDeveloperPermissions,
		map[string]string{"id": developerID}, &permissions)
	return permissions, err
}

// AddAccessPermission stores a white/black-list location permission.
func (c *Client) AddAccessPermission(ctx context.Context, permission auth.AccessPermission) (auth.AccessPermission, error) {
	var created auth.AccessPermission
	err := c.send(ctx, wire.ServiceManagement, wire.ActionAddAccessPermission, permission, &created)
	return created, err
}

// RemoveAccessPermission deletes an access permission and detaches it
// from every role.
func (c *Client) RemoveAccessPermission(ctx context.Context, id string) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionRemoveAccessPermission, map[string]string{"id": id}, nil)
}

// GetAccessPermissions lists all access permissions.
func (c *Client) GetAccessPermissions(ctx context.Context) ([]auth.AccessPermission, error) {
	var permissions []auth.AccessPermission
	err := c.send(ctx, wire.ServiceManagement, wire.ActionGetAccessPermissions, struct{}{}, &permissions)
	return permissions, err
}

// GetDeveloperAccessPermissions returns a developer's effective access
// permissions; an empty id queries the session's own developer.
func (c *Client) GetDeveloperAccessPermissions(ctx context.Context, developerID string) ([]auth.AccessPermission, error) {
	var permissions []auth.AccessPermission
	err := c.send(ctx, wire.ServiceManagement, wire.ActionGetDeveloperAccessPermissions,
		map[string]string{"id": developerID}, &permissions)
	return permissions, err
}

// AddAccessPermissionToRole binds an access permission to a role.
func (c *Client) AddAccessPermissionToRole(ctx context.Context, id string, role auth.Role) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionAddAccessPermissionToRole,
		map[string]any{"id": id, "role": role}, nil)
}

// RemoveAccessPermissionFromRole unbinds an access permission from a
// role.
func (c *Client) RemoveAccessPermissionFromRole(ctx context.Context, id string, role auth.Role) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionRemoveAccessPermissionFromRole,
		map[string]any{"id": id, "role": role}, nil)
}

// AddClientAccess generates a probe accessor. The reply carries the
// one-time plaintext secret.
func (c *Client) AddClientAccess(ctx context.Context) (auth.ClientAccess, error) {
	var access auth.ClientAccess
	err := c.send(ctx, wire.ServiceManagement, wire.ActionAddClientAccess, struct{}{}, &access)
	return access, err
}

// RemoveClientAccess revokes a probe accessor.
func (c *Client) RemoveClientAccess(ctx context.Context, id string) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionRemoveClientAccess, map[string]string{"id": id}, nil)
}

// RefreshClientAccess rotates an accessor's secret.
func (c *Client) RefreshClientAccess(ctx context.Context, id string) (auth.ClientAccess, error) {
	var access auth.ClientAccess
	err := c.send(ctx, wire.ServiceManagement, wire.ActionRefreshClientAccess, map[string]string{"id": id}, &access)
	return access, err
}

// GetClientAccessors lists accessor ids.
func (c *Client) GetClientAccessors(ctx context.Context) ([]auth.ClientAccess, error) {
	var accessors []auth.ClientAccess
	err := c.send(ctx, wire.ServiceManagement, wire.ActionGetClientAccessors, struct{}{}, &accessors)
	return accessors, err
}

// GetStats returns platform connection and instrument counts.
func (c *Client) GetStats(ctx context.Context) (map[string]any, error) {
	var stats map[string]any
	err := c.send(ctx, wire.ServiceManagement, wire.ActionGetStats, struct{}{}, &stats)
	return stats, err
}

// Reset wipes all platform state.
func (c *Client) Reset(ctx context.Context) error {
	return c.send(ctx, wire.ServiceManagement, wire.ActionReset, struct{}{}, nil)
}

// decodeInstrumentsOrNull decodes a removal reply, which is null when
// nothing matched.
func decodeInstrumentsOrNull(reply json.RawMessage) ([]instrument.LiveInstrument, error) {
	if string(reply) == "null" {
		return nil, nil
	}
	return instrument.UnmarshalSlice(reply)
}

func actionHeaders(action string) map[string]string {
	return map[string]string{wire.HeaderAction: action}
}

func mustJSON(value any) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		panic(err)
	}
	return encoded
}
