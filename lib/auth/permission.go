// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth defines developer identity: role permissions,
// location-based access permissions, developer access tokens, and the
// client accessors used by probes.
package auth

// Permission names one gated platform action. Instrument permissions
// are held by ordinary roles; management permissions require a
// manager role.
type Permission string

const (
	AddLiveBreakpoint        Permission = "ADD_LIVE_BREAKPOINT"
	AddLiveLog               Permission = "ADD_LIVE_LOG"
	AddLiveMeter             Permission = "ADD_LIVE_METER"
	GetLiveInstruments       Permission = "GET_LIVE_INSTRUMENTS"
	RemoveLiveInstrument     Permission = "REMOVE_LIVE_INSTRUMENT"
	ClearAllLiveInstruments  Permission = "CLEAR_ALL_LIVE_INSTRUMENTS"
	AddDeveloper             Permission = "ADD_DEVELOPER"
	RemoveDeveloper          Permission = "REMOVE_DEVELOPER"
	GetDevelopers            Permission = "GET_DEVELOPERS"
	RefreshDeveloperToken    Permission = "REFRESH_DEVELOPER_TOKEN"
	AddRole                  Permission = "ADD_ROLE"
	RemoveRole               Permission = "REMOVE_ROLE"
	GetRoles                 Permission = "GET_ROLES"
	AddDeveloperRole         Permission = "ADD_DEVELOPER_ROLE"
	RemoveDeveloperRole      Permission = "REMOVE_DEVELOPER_ROLE"
	AddRolePermission        Permission = "ADD_ROLE_PERMISSION"
	RemoveRolePermission     Permission = "REMOVE_ROLE_PERMISSION"
	GetRolePermissions       Permission = "GET_ROLE_PERMISSIONS"
	AddAccessPermission      Permission = "ADD_ACCESS_PERMISSION"
	RemoveAccessPermission   Permission = "REMOVE_ACCESS_PERMISSION"
	GetAccessPermissions     Permission = "GET_ACCESS_PERMISSIONS"
	AddClientAccess          Permission = "ADD_CLIENT_ACCESS"
	RemoveClientAccess       Permission = "REMOVE_CLIENT_ACCESS"
	RefreshClientAccess      Permission = "REFRESH_CLIENT_ACCESS"
	GetClientAccessors       Permission = "GET_CLIENT_ACCESSORS"
	Reset                    Permission = "RESET"
)

// AllPermissions returns every known permission. Manager roles hold
// all of them implicitly.
func AllPermissions() []Permission {
	return []Permission{
		AddLiveBreakpoint, AddLiveLog, AddLiveMeter, GetLiveInstruments,
		RemoveLiveInstrument, ClearAllLiveInstruments,
		AddDeveloper, RemoveDeveloper, GetDevelopers, RefreshDeveloperToken,
		AddRole, RemoveRole, GetRoles,
		AddDeveloperRole, RemoveDeveloperRole,
		AddRolePermission, RemoveRolePermission, GetRolePermissions,
		AddAccessPermission, RemoveAccessPermission, GetAccessPermissions,
		AddClientAccess, RemoveClientAccess, RefreshClientAccess,
		GetClientAccessors, Reset,
	}
}

// instrumentPermissions are grantable to ordinary developer roles.
// Everything else is management surface.
var instrumentPermissions = map[Permission]bool{
	AddLiveBreakpoint:       true,
	AddLiveLog:              true,
	AddLiveMeter:            true,
	GetLiveInstruments:      true,
	RemoveLiveInstrument:    true,
	ClearAllLiveInstruments: true,
}

// ManagerOnly reports whether the permission may only be granted to a
// manager role.
func (p Permission) ManagerOnly() bool { return !instrumentPermissions[p] }

// AddPermissionFor maps an instrument type discriminator
// (BREAKPOINT, LOG, METER) to the permission required to add it.
func AddPermissionFor(instrumentType string) (Permission, bool) {
	switch instrumentType {
	case "BREAKPOINT":
		return AddLiveBreakpoint, true
	case "LOG":
		return AddLiveLog, true
	case "METER":
		return AddLiveMeter, true
	}
	return "", false
}

// Role is a named grant set. Developers hold zero or more roles;
// effective permissions are the union across them.
type Role string

const (
	// RoleManager holds every permission implicitly.
	RoleManager Role = "role_manager"

	// RoleUser is the default role for new developers. It starts
	// with no permissions.
	RoleUser Role = "role_user"
)

// Developer is a platform identity. AuthorizationCode is the
// long-lived secret exchanged for short-lived access tokens; it is
// omitted from listings.
type Developer struct {
	ID                string `json:"id"`
	AuthorizationCode string `json:"authorizationCode,omitempty"`
}

// SystemDeveloperID is the implicit identity used when authentication
// is disabled. It carries every permission and no location limits.
const SystemDeveloperID = "system"
