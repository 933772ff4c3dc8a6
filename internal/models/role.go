package models

import (
	"fmt"
	"strings"
)

// Role is the closed set of actor kinds the identity service can issue.
type Role int

const (
	RoleUnknown Role = iota
	RoleRider
	RoleDriver
	RoleFleetOwner
	RoleTenantAdmin
	RolePlatformAdmin
)

func (r Role) String() string {
	switch r {
	case RoleRider:
		return "RIDER"
	case RoleDriver:
		return "DRIVER"
	case RoleFleetOwner:
		return "FLEET_OWNER"
	case RoleTenantAdmin:
		return "TENANT_ADMIN"
	case RolePlatformAdmin:
		return "PLATFORM_ADMIN"
	default:
		return "UNKNOWN"
	}
}

func ParseRole(s string) (Role, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RIDER":
		return RoleRider, nil
	case "DRIVER":
		return RoleDriver, nil
	case "FLEET_OWNER":
		return RoleFleetOwner, nil
	case "TENANT_ADMIN":
		return RoleTenantAdmin, nil
	case "PLATFORM_ADMIN":
		return RolePlatformAdmin, nil
	}
	return RoleUnknown, fmt.Errorf("%w: unknown role %q", ErrValidation, s)
}

// IsAdmin reports whether the role may act on any trip of its scope.
func (r Role) IsAdmin() bool { return r == RoleTenantAdmin || r == RolePlatformAdmin }

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID       string
	Role     Role
	TenantID int64
}

func (a Actor) String() string { return a.Role.String() + ":" + a.ID }
