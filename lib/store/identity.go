// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/lib/codec"
)

// Map names for identity state.
const (
	developersMap        = "developers"
	developerCodesMap    = "developer.codes"
	developerRolesMap    = "developer.roles"
	rolesMap             = "roles"
	rolePermissionsMap   = "role.permissions"
	roleAccessMap        = "role.access"
	accessPermissionsMap = "access.permissions"
	clientAccessorsMap   = "client.accessors"
)

// Identity errors.
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
)

// developerRecord is the stored form of a developer. The
// authorization code is kept only as a hash; the code-to-developer
// lookup map holds the same hash as its key.
type developerRecord struct {
	ID       string `cbor:"1,keyasint"`
	CodeHash string `cbor:"2,keyasint"`
}

// clientAccessRecord is the stored form of a probe accessor.
type clientAccessRecord struct {
	ID         string `cbor:"1,keyasint"`
	SecretHash []byte `cbor:"2,keyasint"`
}

// Identity persists developers, roles, permissions, access
// permissions, and client accessors on a CoreStore. Mutations are
// routed through the management service, which serializes them; the
// store itself only guarantees per-operation atomicity.
type Identity struct {
	core CoreStore
}

// NewIdentity wraps a CoreStore with the identity schema.
func NewIdentity(core CoreStore) *Identity {
	return &Identity{core: core}
}

func hashAuthorizationCode(code string) string {
	sum := blake3.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// AddDeveloper creates a developer with a fresh authorization code
// and the default user role. The returned Developer is the only place
// the plaintext code appears.
func (s *Identity) AddDeveloper(ctx context.Context, id string) (auth.Developer, error) {
	code := uuid.NewString()
	record := developerRecord{ID: id, CodeHash: hashAuthorizationCode(code)}

	created, err := s.core.Map(developersMap).PutIfAbsent(ctx, id, record)
	if err != nil {
		return auth.Developer{}, err
	}
	if !created {
		return auth.Developer{}, fmt.Errorf("developer %q: %w", id, ErrAlreadyExists)
	}
	if err := s.core.Map(developerCodesMap).Put(ctx, record.CodeHash, id); err != nil {
		return auth.Developer{}, err
	}
	if err := s.AddDeveloperRole(ctx, id, auth.RoleUser); err != nil && !errors.Is(err, ErrNotFound) {
		return auth.Developer{}, err
	}
	return auth.Developer{ID: id, AuthorizationCode: code}, nil
}

// RemoveDeveloper deletes a developer, its authorization code, and
// its role bindings.
func (s *Identity) RemoveDeveloper(ctx context.Context, id string) error {
	var record developerRecord
	found, err := s.core.Map(developersMap).Get(ctx, id, &record)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("developer %q: %w", id, ErrNotFound)
	}
	if _, err := s.core.Map(developersMap).Remove(ctx, id); err != nil {
		return err
	}
	if _, err := s.core.Map(developerCodesMap).Remove(ctx, record.CodeHash); err != nil {
		return err
	}
	_, err = s.core.Map(developerRolesMap).Remove(ctx, id)
	return err
}

// HasDeveloper reports whether the developer exists.
func (s *Identity) HasDeveloper(ctx context.Context, id string) (bool, error) {
	var record developerRecord
	return s.core.Map(developersMap).Get(ctx, id, &record)
}

// ListDevelopers returns all developers without authorization codes.
func (s *Identity) ListDevelopers(ctx context.Context) ([]auth.Developer, error) {
	values, err := s.core.Map(developersMap).Values(ctx)
	if err != nil {
		return nil, err
	}
	developers := make([]auth.Developer, 0, len(values))
	for _, raw := range values {
		var record developerRecord
		if err := decodeRaw(raw, &record); err != nil {
			return nil, err
		}
		developers = append(developers, auth.Developer{ID: record.ID})
	}
	slices.SortFunc(developers, func(a, b auth.Developer) int {
		return compareStrings(a.ID, b.ID)
	})
	return developers, nil
}

// RefreshAuthorizationCode rotates a developer's authorization code
// and returns the new plaintext.
func (s *Identity) RefreshAuthorizationCode(ctx context.Context, id string) (auth.Developer, error) {
	developers := s.core.Map(developersMap)
	var record developerRecord
	found, err := developers.Get(ctx, id, &record)
	if err != nil {
		return auth.Developer{}, err
	}
	if !found {
		return auth.Developer{}, fmt.Errorf("developer %q: %w", id, ErrNotFound)
	}

	if _, err := s.core.Map(developerCodesMap).Remove(ctx, record.CodeHash); err != nil {
		return auth.Developer{}, err
	}
	code := uuid.NewString()
	record.CodeHash = hashAuthorizationCode(code)
	if err := developers.Put(ctx, id, record); err != nil {
		return auth.Developer{}, err
	}
	if err := s.core.Map(developerCodesMap).Put(ctx, record.CodeHash, id); err != nil {
		return auth.Developer{}, err
	}
	return auth.Developer{ID: id, AuthorizationCode: code}, nil
}

// DeveloperByAuthorizationCode resolves an authorization code to a
// developer id.
func (s *Identity) DeveloperByAuthorizationCode(ctx context.Context, code string) (string, bool, error) {
	var id string
	found, err := s.core.Map(developerCodesMap).Get(ctx, hashAuthorizationCode(code), &id)
	return id, found, err
}

// AddRole creates a role. Creating an existing role is an error.
func (s *Identity) AddRole(ctx context.Context, role auth.Role) error {
	created, err := s.core.Map(rolesMap).PutIfAbsent(ctx, string(role), true)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("role %q: %w", role, ErrAlreadyExists)
	}
	return nil
}

// RemoveRole deletes a role and its permission bindings. Bindings on
// developers are left behind and ignored at resolution time.
func (s *Identity) RemoveRole(ctx context.Context, role auth.Role) error {
	removed, err := s.core.Map(rolesMap).Remove(ctx, string(role))
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("role %q: %w", role, ErrNotFound)
	}
	if _, err := s.core.Map(rolePermissionsMap).Remove(ctx, string(role)); err != nil {
		return err
	}
	_, err = s.core.Map(roleAccessMap).Remove(ctx, string(role))
	return err
}

// HasRole reports whether the role exists. The built-in roles always
// exist.
func (s *Identity) HasRole(ctx context.Context, role auth.Role) (bool, error) {
	if role == auth.RoleManager || role == auth.RoleUser {
		return true, nil
	}
	var present bool
	return s.core.Map(rolesMap).Get(ctx, string(role), &present)
}

// ListRoles returns all roles, built-ins included.
func (s *Identity) ListRoles(ctx context.Context) ([]auth.Role, error) {
	keys, err := s.core.Map(rolesMap).Keys(ctx)
	if err != nil {
		return nil, err
	}
	roles := []auth.Role{auth.RoleManager, auth.RoleUser}
	for _, key := range keys {
		roles = append(roles, auth.Role(key))
	}
	slices.SortFunc(roles, func(a, b auth.Role) int {
		return compareStrings(string(a), string(b))
	})
	return slices.Compact(roles), nil
}

// AddDeveloperRole binds a role to a developer.
func (s *Identity) AddDeveloperRole(ctx context.Context, developerID string, role auth.Role) error {
	if err := s.requireDeveloperAndRole(ctx, developerID, role); err != nil {
		return err
	}
	return appendToSet(ctx, s.core.Map(developerRolesMap), developerID, role)
}

// RemoveDeveloperRole unbinds a role from a developer.
func (s *Identity) RemoveDeveloperRole(ctx context.Context, developerID string, role auth.Role) error {
	if err := s.requireDeveloperAndRole(ctx, developerID, role); err != nil {
		return err
	}
	return removeFromSet(ctx, s.core.Map(developerRolesMap), developerID, role)
}

// GetDeveloperRoles returns the roles bound to a developer.
func (s *Identity) GetDeveloperRoles(ctx context.Context, developerID string) ([]auth.Role, error) {
	var roles []auth.Role
	if _, err := s.core.Map(developerRolesMap).Get(ctx, developerID, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Identity) requireDeveloperAndRole(ctx context.Context, developerID string, role auth.Role) error {
	hasDeveloper, err := s.HasDeveloper(ctx, developerID)
	if err != nil {
		return err
	}
	if !hasDeveloper {
		return fmt.Errorf("developer %q: %w", developerID, ErrNotFound)
	}
	hasRole, err := s.HasRole(ctx, role)
	if err != nil {
		return err
	}
	if !hasRole {
		return fmt.Errorf("role %q: %w", role, ErrNotFound)
	}
	return nil
}

// AddRolePermission grants a permission to a role.
func (s *Identity) AddRolePermission(ctx context.Context, role auth.Role, permission auth.Permission) error {
	if err := s.requireRole(ctx, role); err != nil {
		return err
	}
	return appendToSet(ctx, s.core.Map(rolePermissionsMap), string(role), permission)
}

// RemoveRolePermission revokes a permission from a role.
func (s *Identity) RemoveRolePermission(ctx context.Context, role auth.Role, permission auth.Permission) error {
	if err := s.requireRole(ctx, role); err != nil {
		return err
	}
	return removeFromSet(ctx, s.core.Map(rolePermissionsMap), string(role), permission)
}

// GetRolePermissions returns the permissions granted to a role.
// Manager roles hold every permission.
func (s *Identity) GetRolePermissions(ctx context.Context, role auth.Role) ([]auth.Permission, error) {
	if role == auth.RoleManager {
		return auth.AllPermissions(), nil
	}
	var permissions []auth.Permission
	if _, err := s.core.Map(rolePermissionsMap).Get(ctx, string(role), &permissions); err != nil {
		return nil, err
	}
	return permissions, nil
}

// GetDeveloperPermissions returns the union of permissions over a
// developer's roles.
func (s *Identity) GetDeveloperPermissions(ctx context.Context, developerID string) ([]auth.Permission, error) {
	roles, err := s.GetDeveloperRoles(ctx, developerID)
	if err != nil {
		return nil, err
	}
	seen := make(map[auth.Permission]bool)
	var permissions []auth.Permission
	for _, role := range roles {
		rolePermissions, err := s.GetRolePermissions(ctx, role)
		if err != nil {
			return nil, err
		}
		for _, permission := range rolePermissions {
			if !seen[permission] {
				seen[permission] = true
				permissions = append(permissions, permission)
			}
		}
	}
	return permissions, nil
}

func (s *Identity) requireRole(ctx context.Context, role auth.Role) error {
	hasRole, err := s.HasRole(ctx, role)
	if err != nil {
		return err
	}
	if !hasRole {
		return fmt.Errorf("role %q: %w", role, ErrNotFound)
	}
	return nil
}

// AddAccessPermission stores a white/black-list permission, assigning
// an id when absent.
func (s *Identity) AddAccessPermission(ctx context.Context, permission auth.AccessPermission) (auth.AccessPermission, error) {
	if permission.ID == "" {
		permission.ID = uuid.NewString()
	}
	created, err := s.core.Map(accessPermissionsMap).PutIfAbsent(ctx, permission.ID, permission)
	if err != nil {
		return auth.AccessPermission{}, err
	}
	if !created {
		return auth.AccessPermission{}, fmt.Errorf("access permission %q: %w", permission.ID, ErrAlreadyExists)
	}
	return permission, nil
}

// RemoveAccessPermission deletes an access permission and detaches it
// from every role.
func (s *Identity) RemoveAccessPermission(ctx context.Context, id string) error {
	removed, err := s.core.Map(accessPermissionsMap).Remove(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("access permission %q: %w", id, ErrNotFound)
	}
	roleAccess := s.core.Map(roleAccessMap)
	roles, err := roleAccess.Keys(ctx)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if err := removeFromSet(ctx, roleAccess, role, id); err != nil {
			return err
		}
	}
	return nil
}

// GetAccessPermission returns one access permission by id.
func (s *Identity) GetAccessPermission(ctx context.Context, id string) (auth.AccessPermission, error) {
	var permission auth.AccessPermission
	found, err := s.core.Map(accessPermissionsMap).Get(ctx, id, &permission)
	if err != nil {
		return auth.AccessPermission{}, err
	}
	if !found {
		return auth.AccessPermission{}, fmt.Errorf("access permission %q: %w", id, ErrNotFound)
	}
	return permission, nil
}

// ListAccessPermissions returns all access permissions.
func (s *Identity) ListAccessPermissions(ctx context.Context) ([]auth.AccessPermission, error) {
	values, err := s.core.Map(accessPermissionsMap).Values(ctx)
	if err != nil {
		return nil, err
	}
	permissions := make([]auth.AccessPermission, 0, len(values))
	for _, raw := range values {
		var permission auth.AccessPermission
		if err := decodeRaw(raw, &permission); err != nil {
			return nil, err
		}
		permissions = append(permissions, permission)
	}
	slices.SortFunc(permissions, func(a, b auth.AccessPermission) int {
		return compareStrings(a.ID, b.ID)
	})
	return permissions, nil
}

// AddAccessPermissionToRole attaches an access permission to a role.
func (s *Identity) AddAccessPermissionToRole(ctx context.Context, id string, role auth.Role) error {
	if _, err := s.GetAccessPermission(ctx, id); err != nil {
		return err
	}
	if err := s.requireRole(ctx, role); err != nil {
		return err
	}
	return appendToSet(ctx, s.core.Map(roleAccessMap), string(role), id)
}

// RemoveAccessPermissionFromRole detaches an access permission from a
// role.
func (s *Identity) RemoveAccessPermissionFromRole(ctx context.Context, id string, role auth.Role) error {
	if err := s.requireRole(ctx, role); err != nil {
		return err
	}
	return removeFromSet(ctx, s.core.Map(roleAccessMap), string(role), id)
}

// GetRoleAccessPermissions returns the access permissions attached to
// a role.
func (s *Identity) GetRoleAccessPermissions(ctx context.Context, role auth.Role) ([]auth.AccessPermission, error) {
	var ids []string
	if _, err := s.core.Map(roleAccessMap).Get(ctx, string(role), &ids); err != nil {
		return nil, err
	}
	permissions := make([]auth.AccessPermission, 0, len(ids))
	for _, id := range ids {
		permission, err := s.GetAccessPermission(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		permissions = append(permissions, permission)
	}
	return permissions, nil
}

// GetDeveloperAccessPermissions returns the union of access
// permissions over a developer's roles.
func (s *Identity) GetDeveloperAccessPermissions(ctx context.Context, developerID string) ([]auth.AccessPermission, error) {
	roles, err := s.GetDeveloperRoles(ctx, developerID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var permissions []auth.AccessPermission
	for _, role := range roles {
		rolePermissions, err := s.GetRoleAccessPermissions(ctx, role)
		if err != nil {
			return nil, err
		}
		for _, permission := range rolePermissions {
			if !seen[permission.ID] {
				seen[permission.ID] = true
				permissions = append(permissions, permission)
			}
		}
	}
	return permissions, nil
}

// AddClientAccess stores a generated accessor and returns it with the
// plaintext secret.
func (s *Identity) AddClientAccess(ctx context.Context) (auth.ClientAccess, error) {
	access, err := auth.GenerateClientAccess()
	if err != nil {
		return auth.ClientAccess{}, err
	}
	if err := s.putClientAccess(ctx, access); err != nil {
		return auth.ClientAccess{}, err
	}
	return access, nil
}

// PutClientAccess stores a configured accessor (bootstrap from the
// daemon config), replacing any existing secret for the id.
func (s *Identity) PutClientAccess(ctx context.Context, access auth.ClientAccess) error {
	return s.putClientAccess(ctx, access)
}

func (s *Identity) putClientAccess(ctx context.Context, access auth.ClientAccess) error {
	record := clientAccessRecord{
		ID:         access.ID,
		SecretHash: auth.HashClientSecret(access.Secret),
	}
	return s.core.Map(clientAccessorsMap).Put(ctx, access.ID, record)
}

// RemoveClientAccess revokes an accessor.
func (s *Identity) RemoveClientAccess(ctx context.Context, id string) error {
	removed, err := s.core.Map(clientAccessorsMap).Remove(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("client access %q: %w", id, ErrNotFound)
	}
	return nil
}

// RefreshClientAccess rotates an accessor's secret and returns the
// new plaintext.
func (s *Identity) RefreshClientAccess(ctx context.Context, id string) (auth.ClientAccess, error) {
	var record clientAccessRecord
	found, err := s.core.Map(clientAccessorsMap).Get(ctx, id, &record)
	if err != nil {
		return auth.ClientAccess{}, err
	}
	if !found {
		return auth.ClientAccess{}, fmt.Errorf("client access %q: %w", id, ErrNotFound)
	}
	secret, err := auth.GenerateClientSecret()
	if err != nil {
		return auth.ClientAccess{}, err
	}
	access := auth.ClientAccess{ID: id, Secret: secret}
	if err := s.putClientAccess(ctx, access); err != nil {
		return auth.ClientAccess{}, err
	}
	return access, nil
}

// ListClientAccessors returns accessor ids (never secrets).
func (s *Identity) ListClientAccessors(ctx context.Context) ([]auth.ClientAccess, error) {
	keys, err := s.core.Map(clientAccessorsMap).Keys(ctx)
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	accessors := make([]auth.ClientAccess, 0, len(keys))
	for _, key := range keys {
		accessors = append(accessors, auth.ClientAccess{ID: key})
	}
	return accessors, nil
}

// ValidateClientAccess checks an id/secret pair against the stored
// hash.
func (s *Identity) ValidateClientAccess(ctx context.Context, id, secret string) (bool, error) {
	var record clientAccessRecord
	found, err := s.core.Map(clientAccessorsMap).Get(ctx, id, &record)
	if err != nil || !found {
		return false, err
	}
	return auth.VerifyClientSecret(record.SecretHash, secret), nil
}

// appendToSet adds value to the slice stored under key, keeping
// entries unique.
func appendToSet[T comparable](ctx context.Context, m Map, key string, value T) error {
	var values []T
	if _, err := m.Get(ctx, key, &values); err != nil {
		return err
	}
	if slices.Contains(values, value) {
		return nil
	}
	return m.Put(ctx, key, append(values, value))
}

// removeFromSet removes value from the slice stored under key.
func removeFromSet[T comparable](ctx context.Context, m Map, key string, value T) error {
	var values []T
	found, err := m.Get(ctx, key, &values)
	if err != nil || !found {
		return err
	}
	filtered := slices.DeleteFunc(values, func(v T) bool { return v == value })
	if len(filtered) == 0 {
		_, err := m.Remove(ctx, key)
		return err
	}
	return m.Put(ctx, key, filtered)
}

func decodeRaw(raw codec.RawMessage, value any) error {
	return codec.Unmarshal(raw, value)
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
