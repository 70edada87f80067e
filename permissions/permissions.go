// Package permissions evaluates resource:action grants against a
// static role table, explicit per-user grants and object ownership.
package permissions

import (
	"context"
	"reflect"
)

// PermissionAll is the admin wildcard matching every permission.
const PermissionAll = "*"

// Permissions known to the platform.
const (
	PermCatalogRead   = "catalog:read"
	PermCatalogWrite  = "catalog:write"
	PermCatalogDelete = "catalog:delete"

	PermChatRead     = "chat:read"
	PermChatWrite    = "chat:write"
	PermChatModerate = "chat:moderate"

	PermSyncRead   = "sync:read"
	PermSyncRun    = "sync:run"
	PermSyncCancel = "sync:cancel"

	PermUsersRead  = "users:read"
	PermUsersWrite = "users:write"

	PermCompaniesRead  = "companies:read"
	PermCompaniesWrite = "companies:write"

	PermFilesRead  = "files:read"
	PermFilesWrite = "files:write"
)

// Roles known to the platform.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleMember  = "member"
	RoleGuest   = "guest"
)

var rolePermissions = map[string][]string{
	RoleAdmin: {PermissionAll},
	RoleManager: {
		PermCatalogRead, PermCatalogWrite, PermCatalogDelete,
		PermChatRead, PermChatWrite, PermChatModerate,
		PermSyncRead, PermSyncRun, PermSyncCancel,
		PermUsersRead, PermUsersWrite,
		PermCompaniesRead,
		PermFilesRead, PermFilesWrite,
	},
	RoleMember: {
		PermCatalogRead,
		PermChatRead, PermChatWrite,
		PermSyncRead,
		PermUsersRead,
		PermFilesRead, PermFilesWrite,
	},
	RoleGuest: {
		PermCatalogRead,
		PermChatRead,
	},
}

// RoleGrants reports whether the static table grants perm to role.
func RoleGrants(role, perm string) bool {
	for _, p := range rolePermissions[role] {
		if p == PermissionAll || p == perm {
			return true
		}
	}
	return false
}

// RolePermissions returns a copy of the role's granted set. Unknown
// roles return nil.
func RolePermissions(role string) []string {
	perms, ok := rolePermissions[role]
	if !ok {
		return nil
	}
	out := make([]string, len(perms))
	copy(out, perms)
	return out
}

// Subject is anyone a permission can be evaluated for. JWT claims and
// persisted users both satisfy it.
type Subject interface {
	SubjectID() string
	SubjectRole() string
}

// UserPermissions looks up explicit per-user grants beyond the role
// table.
type UserPermissions interface {
	PermissionsFor(ctx context.Context, userID string) ([]string, error)
}

// Owned lets a model report its owner without reflection.
type Owned interface {
	OwnerID() string
}

// Checker evaluates the role table augmented with explicit grants.
type Checker struct {
	grants UserPermissions
}

// NewChecker creates a checker. grants may be nil, in which case only
// the role table applies.
func NewChecker(grants UserPermissions) *Checker {
	return &Checker{grants: grants}
}

// HasPermission reports whether sub holds perm through its role or an
// explicit grant.
func (c *Checker) HasPermission(ctx context.Context, sub Subject, perm string) (bool, error) {
	if RoleGrants(sub.SubjectRole(), perm) {
		return true, nil
	}
	if c.grants == nil {
		return false, nil
	}
	perms, err := c.grants.PermissionsFor(ctx, sub.SubjectID())
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == PermissionAll || p == perm {
			return true, nil
		}
	}
	return false, nil
}

// CheckObjectPermission grants like HasPermission, and additionally
// when sub owns obj. Ownership is read from the Owned interface or,
// failing that, from the named string field.
func (c *Checker) CheckObjectPermission(ctx context.Context, sub Subject, obj interface{}, perm, ownerField string) (bool, error) {
	allowed, err := c.HasPermission(ctx, sub, perm)
	if err != nil {
		return false, err
	}
	if allowed {
		return true, nil
	}
	return isOwner(sub.SubjectID(), obj, ownerField), nil
}

func isOwner(userID string, obj interface{}, ownerField string) bool {
	if obj == nil || userID == "" {
		return false
	}
	if owned, ok := obj.(Owned); ok {
		return owned.OwnerID() == userID
	}

	v := reflect.ValueOf(obj)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct || ownerField == "" {
		return false
	}
	f := v.FieldByName(ownerField)
	if !f.IsValid() || f.Kind() != reflect.String {
		return false
	}
	return f.String() == userID
}
