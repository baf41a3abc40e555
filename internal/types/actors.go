package types

import (
	"fmt"
	"strings"
)

// Role identifies the capacity an actor is acting in
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleTreasury   Role = "treasury"
	RoleCompliance Role = "compliance"
	RoleVaultOps   Role = "vault_ops"
	RoleBuyer      Role = "buyer"
	RoleSeller     Role = "seller"
	RoleSystem     Role = "system"
)

// Actor is the identity attached to every mutating call
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
	Name   string `json:"name,omitempty"`
}

// SystemActor is used for entries written by the engine itself
var SystemActor = Actor{UserID: "system:clearing-engine", Role: RoleSystem, Name: "Clearing Engine"}

// HasIdentity reports whether both the user id and role are present
func (a Actor) HasIdentity() bool {
	return strings.TrimSpace(a.UserID) != "" && strings.TrimSpace(string(a.Role)) != ""
}

// KnownRoles lists every role the platform issues
var KnownRoles = []Role{RoleAdmin, RoleTreasury, RoleCompliance, RoleVaultOps, RoleBuyer, RoleSeller, RoleSystem}

// ParseRole normalises a role string from a token or request
func ParseRole(s string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(s)))
	if !RoleIn(role, KnownRoles) {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return role, nil
}

// RoleNames converts roles to plain strings for responses
func RoleNames(roles []Role) []string {
	out := make([]string, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

// RoleIn reports whether role is contained in roles
func RoleIn(role Role, roles []Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
