// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import "strings"

// Well-known platform addresses. Connect/disconnect lifecycle
// addresses are published by the bridge; service addresses are
// request/response capabilities.
const (
	ProbeConnected     = "livetap.platform.status.probe-connected"
	ProbeDisconnected  = "livetap.platform.status.probe-disconnected"
	MarkerConnected    = "livetap.platform.status.marker-connected"
	MarkerDisconnected = "livetap.platform.status.marker-disconnected"

	ServiceInstrument = "livetap.service.instrument"
	ServiceManagement = "livetap.service.management"
)

// Probe-to-platform status addresses. Probes publish apply
// confirmations, failures, unpatch confirmations, and hit events
// here.
const (
	InstrumentApplied     = "livetap.platform.status.instrument-applied"
	InstrumentApplyFailed = "livetap.platform.status.instrument-apply-failed"
	InstrumentRemoved     = "livetap.platform.status.instrument-removed"
	InstrumentHit         = "livetap.platform.status.instrument-hit"
)

// Per-instance address families. The prefix forms feed bridge
// allow-lists; the builder forms produce concrete addresses.
const (
	subscriberPrefix   = "livetap.service.instrument.subscriber:"
	probeCommandPrefix = "livetap.probe.command.instrument-remote:"
)

// SubscriberAddress is the event-delivery address owned by one
// developer session.
func SubscriberAddress(selfID string) string {
	return subscriberPrefix + selfID
}

// SubscriberOwner extracts the owning identity from a subscriber
// address. Reports false for addresses outside the family.
func SubscriberOwner(address string) (string, bool) {
	return strings.CutPrefix(address, subscriberPrefix)
}

// ProbeCommandAddress is the command address owned by one probe.
func ProbeCommandAddress(probeID string) string {
	return probeCommandPrefix + probeID
}

// ProbeCommandOwner extracts the owning probe id from a command
// address. Reports false for addresses outside the family.
func ProbeCommandOwner(address string) (string, bool) {
	return strings.CutPrefix(address, probeCommandPrefix)
}

// Instrument service actions, carried in the "action" header of send
// frames to ServiceInstrument.
const (
	ActionAddLiveInstrument          = "addLiveInstrument"
	ActionAddLiveInstruments         = "addLiveInstruments"
	ActionGetLiveInstruments         = "getLiveInstruments"
	ActionGetLiveInstrumentByID      = "getLiveInstrumentById"
	ActionGetLiveInstrumentsByIDs    = "getLiveInstrumentsByIds"
	ActionGetLiveInstrumentsByLoc    = "getLiveInstrumentsByLocation"
	ActionRemoveLiveInstrument       = "removeLiveInstrument"
	ActionRemoveLiveInstruments      = "removeLiveInstruments"
	ActionClearLiveInstruments       = "clearLiveInstruments"
	ActionClearLiveBreakpoints       = "clearLiveBreakpoints"
	ActionClearLiveLogs              = "clearLiveLogs"
	ActionClearLiveMeters            = "clearLiveMeters"
	ActionClearAllLiveInstruments    = "clearAllLiveInstruments"
)

// Management service actions, carried in the "action" header of send
// frames to ServiceManagement.
const (
	ActionGetAccessToken                  = "getAccessToken"
	ActionAddDeveloper                    = "addDeveloper"
	ActionRemoveDeveloper                 = "removeDeveloper"
	ActionGetDevelopers                   = "getDevelopers"
	ActionRefreshDeveloperToken           = "refreshDeveloperToken"
	ActionAddRole                         = "addRole"
	ActionRemoveRole                      = "removeRole"
	ActionGetRoles                        = "getRoles"
	ActionAddDeveloperRole                = "addDeveloperRole"
	ActionRemoveDeveloperRole             = "removeDeveloperRole"
	ActionGetDeveloperRoles               = "getDeveloperRoles"
	ActionAddRolePermission               = "addRolePermission"
	ActionRemoveRolePermission            = "removeRolePermission"
	ActionGetRolePermissions              = "getRolePermissions"
	ActionGetDeveloperPermissions         = "getDeveloperPermissions"
	ActionAddAccessPermission             = "addAccessPermission"
	ActionRemoveAccessPermission          = "removeAccessPermission"
	ActionGetAccessPermissions            = "getAccessPermissions"
	ActionGetDeveloperAccessPermissions   = "getDeveloperAccessPermissions"
	ActionAddAccessPermissionToRole       = "addAccessPermissionToRole"
	ActionRemoveAccessPermissionFromRole  = "removeAccessPermissionFromRole"
	ActionAddClientAccess                 = "addClientAccess"
	ActionRemoveClientAccess              = "removeClientAccess"
	ActionRefreshClientAccess             = "refreshClientAccess"
	ActionGetClientAccessors              = "getClientAccessors"
	ActionGetStats                        = "getStats"
	ActionReset                           = "reset"
)
