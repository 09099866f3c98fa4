// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/livetap/livetap/lib/auth"
)

func newIdentity(t *testing.T) (*Identity, context.Context) {
	t.Helper()
	core := NewMemoryStore()
	t.Cleanup(func() { core.Close() })
	return NewIdentity(core), context.Background()
}

func TestDeveloperLifecycle(t *testing.T) {
	identity, ctx := newIdentity(t)

	alice, err := identity.AddDeveloper(ctx, "alice")
	if err != nil {
		t.Fatalf("AddDeveloper: %v", err)
	}
	if alice.AuthorizationCode == "" {
		t.Fatal("new developer has no authorization code")
	}
	if _, err := identity.AddDeveloper(ctx, "alice"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate AddDeveloper: %v", err)
	}

	id, found, err := identity.DeveloperByAuthorizationCode(ctx, alice.AuthorizationCode)
	if err != nil || !found || id != "alice" {
		t.Errorf("code lookup: id=%q found=%v err=%v", id, found, err)
	}

	roles, err := identity.GetDeveloperRoles(ctx, "alice")
	if err != nil || !slices.Contains(roles, auth.RoleUser) {
		t.Errorf("new developer roles = %v, %v", roles, err)
	}

	refreshed, err := identity.RefreshAuthorizationCode(ctx, "alice")
	if err != nil {
		t.Fatalf("RefreshAuthorizationCode: %v", err)
	}
	if refreshed.AuthorizationCode == alice.AuthorizationCode {
		t.Error("refresh did not rotate the code")
	}
	if _, found, _ := identity.DeveloperByAuthorizationCode(ctx, alice.AuthorizationCode); found {
		t.Error("old authorization code still resolves")
	}
	if _, found, _ := identity.DeveloperByAuthorizationCode(ctx, refreshed.AuthorizationCode); !found {
		t.Error("new authorization code does not resolve")
	}

	developers, err := identity.ListDevelopers(ctx)
	if err != nil || len(developers) != 1 {
		t.Fatalf("ListDevelopers = %v, %v", developers, err)
	}
	if developers[0].AuthorizationCode != "" {
		t.Error("listing leaked an authorization code")
	}

	if err := identity.RemoveDeveloper(ctx, "alice"); err != nil {
		t.Fatalf("RemoveDeveloper: %v", err)
	}
	if err := identity.RemoveDeveloper(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second RemoveDeveloper: %v", err)
	}
	if _, found, _ := identity.DeveloperByAuthorizationCode(ctx, refreshed.AuthorizationCode); found {
		t.Error("removed developer's code still resolves")
	}
}

func TestRolePermissions(t *testing.T) {
	identity, ctx := newIdentity(t)

	if err := identity.AddRole(ctx, "role_tester"); err != nil {
		t.Fatalf("AddRole: %v", err)
	}
	if err := identity.AddRole(ctx, "role_tester"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate AddRole: %v", err)
	}

	if err := identity.AddRolePermission(ctx, "role_tester", auth.AddLiveBreakpoint); err != nil {
		t.Fatalf("AddRolePermission: %v", err)
	}
	if err := identity.AddRolePermission(ctx, "role_tester", auth.AddLiveBreakpoint); err != nil {
		t.Fatalf("re-granting is idempotent: %v", err)
	}
	permissions, err := identity.GetRolePermissions(ctx, "role_tester")
	if err != nil || len(permissions) != 1 || permissions[0] != auth.AddLiveBreakpoint {
		t.Errorf("role permissions = %v, %v", permissions, err)
	}

	if _, err := identity.AddDeveloper(ctx, "bob"); err != nil {
		t.Fatalf("AddDeveloper: %v", err)
	}
	if err := identity.AddDeveloperRole(ctx, "bob", "role_tester"); err != nil {
		t.Fatalf("AddDeveloperRole: %v", err)
	}
	if err := identity.AddDeveloperRole(ctx, "bob", "role_ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("binding unknown role: %v", err)
	}

	developerPermissions, err := identity.GetDeveloperPermissions(ctx, "bob")
	if err != nil || !slices.Contains(developerPermissions, auth.AddLiveBreakpoint) {
		t.Errorf("developer permissions = %v, %v", developerPermissions, err)
	}

	// Manager role carries everything.
	if err := identity.AddDeveloperRole(ctx, "bob", auth.RoleManager); err != nil {
		t.Fatalf("AddDeveloperRole(manager): %v", err)
	}
	developerPermissions, err = identity.GetDeveloperPermissions(ctx, "bob")
	if err != nil || !slices.Contains(developerPermissions, auth.AddDeveloper) {
		t.Errorf("manager permissions missing: %v, %v", developerPermissions, err)
	}

	if err := identity.RemoveRolePermission(ctx, "role_tester", auth.AddLiveBreakpoint); err != nil {
		t.Fatalf("RemoveRolePermission: %v", err)
	}
	permissions, _ = identity.GetRolePermissions(ctx, "role_tester")
	if len(permissions) != 0 {
		t.Errorf("permissions after revoke = %v", permissions)
	}

	if err := identity.RemoveRole(ctx, "role_tester"); err != nil {
		t.Fatalf("RemoveRole: %v", err)
	}
	roles, err := identity.ListRoles(ctx)
	if err != nil || slices.Contains(roles, auth.Role("role_tester")) {
		t.Errorf("roles after remove = %v, %v", roles, err)
	}
	if !slices.Contains(roles, auth.RoleManager) || !slices.Contains(roles, auth.RoleUser) {
		t.Errorf("built-in roles missing: %v", roles)
	}
}

func TestAccessPermissionBindings(t *testing.T) {
	identity, ctx := newIdentity(t)

	permission, err := identity.AddAccessPermission(ctx, auth.AccessPermission{
		Type:             auth.WhiteListAccess,
		LocationPatterns: []string{"com.acme.*"},
	})
	if err != nil {
		t.Fatalf("AddAccessPermission: %v", err)
	}
	if permission.ID == "" {
		t.Fatal("no id assigned")
	}

	if err := identity.AddRole(ctx, "role_acme"); err != nil {
		t.Fatalf("AddRole: %v", err)
	}
	if err := identity.AddAccessPermissionToRole(ctx, permission.ID, "role_acme"); err != nil {
		t.Fatalf("AddAccessPermissionToRole: %v", err)
	}

	if _, err := identity.AddDeveloper(ctx, "carol"); err != nil {
		t.Fatalf("AddDeveloper: %v", err)
	}
	if err := identity.AddDeveloperRole(ctx, "carol", "role_acme"); err != nil {
		t.Fatalf("AddDeveloperRole: %v", err)
	}

	effective, err := identity.GetDeveloperAccessPermissions(ctx, "carol")
	if err != nil || len(effective) != 1 || effective[0].ID != permission.ID {
		t.Fatalf("developer access permissions = %v, %v", effective, err)
	}

	// Deleting the permission detaches it from the role.
	if err := identity.RemoveAccessPermission(ctx, permission.ID); err != nil {
		t.Fatalf("RemoveAccessPermission: %v", err)
	}
	effective, err = identity.GetDeveloperAccessPermissions(ctx, "carol")
	if err != nil || len(effective) != 0 {
		t.Errorf("access permissions after delete = %v, %v", effective, err)
	}
	if _, err := identity.GetAccessPermission(ctx, permission.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAccessPermission after delete: %v", err)
	}
}

func TestClientAccessLifecycle(t *testing.T) {
	identity, ctx := newIdentity(t)

	access, err := identity.AddClientAccess(ctx)
	if err != nil {
		t.Fatalf("AddClientAccess: %v", err)
	}

	valid, err := identity.ValidateClientAccess(ctx, access.ID, access.Secret)
	if err != nil || !valid {
		t.Errorf("fresh accessor rejected: %v, %v", valid, err)
	}
	valid, err = identity.ValidateClientAccess(ctx, access.ID, "wrong")
	if err != nil || valid {
		t.Errorf("wrong secret accepted")
	}
	valid, err = identity.ValidateClientAccess(ctx, "ghost", access.Secret)
	if err != nil || valid {
		t.Errorf("unknown accessor accepted")
	}

	rotated, err := identity.RefreshClientAccess(ctx, access.ID)
	if err != nil {
		t.Fatalf("RefreshClientAccess: %v", err)
	}
	if valid, _ := identity.ValidateClientAccess(ctx, access.ID, access.Secret); valid {
		t.Error("old secret still valid after rotation")
	}
	if valid, _ := identity.ValidateClientAccess(ctx, access.ID, rotated.Secret); !valid {
		t.Error("rotated secret rejected")
	}

	accessors, err := identity.ListClientAccessors(ctx)
	if err != nil || len(accessors) != 1 || accessors[0].Secret != "" {
		t.Errorf("ListClientAccessors = %v, %v", accessors, err)
	}

	if err := identity.RemoveClientAccess(ctx, access.ID); err != nil {
		t.Fatalf("RemoveClientAccess: %v", err)
	}
	if valid, _ := identity.ValidateClientAccess(ctx, access.ID, rotated.Secret); valid {
		t.Error("revoked accessor still valid")
	}
}
