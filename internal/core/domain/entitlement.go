package domain

import "time"

// Entitlement is a read-only view of one active membership supplied by the
// hosting application's subscription ledger.
type Entitlement struct {
	ProductID     string
	TransactionID string
	CreatedAt     time.Time
	ExpiresAt     *time.Time
}

// DefaultRoleKey is the distinguished transaction key under which the
// configured default role assignment is recorded.
const DefaultRoleKey = "default"

// NoRole is the sentinel mapping value meaning "do not grant a role".
const NoRole = "none"

// EntitlementKey returns the mapping key for a product tier.
func EntitlementKey(productID string) string {
	return "level_" + productID
}

// RoleMapping is the immutable entitlement-to-role configuration resolved
// once per operation.
type RoleMapping struct {
	Roles           map[string]string
	DefaultRoleID   string
	AllowUnentitled bool
}

// RoleFor returns the mapped role id for a product tier, if one is configured.
func (m RoleMapping) RoleFor(productID string) (string, bool) {
	if m.Roles == nil {
		return "", false
	}
	roleID, ok := m.Roles[EntitlementKey(productID)]
	if !ok || roleID == "" || roleID == NoRole {
		return "", false
	}
	return roleID, true
}

// HasDefaultRole reports whether a default role is configured.
func (m RoleMapping) HasDefaultRole() bool {
	return m.DefaultRoleID != "" && m.DefaultRoleID != NoRole
}

// TargetRole is one role a user should hold, together with the entitlement
// transaction that grants it. The default role carries DefaultRoleKey.
type TargetRole struct {
	RoleID        string
	TransactionID string
	ProductID     string
}

// TargetRoles is the resolved desired role state for one user.
type TargetRoles struct {
	Roles []TargetRole
	// Eligible distinguishes "no roles" from "not allowed to be a member
	// at all"; the latter blocks AddMember.
	Eligible bool
}

// Contains reports whether a role id is already part of the target set.
func (t TargetRoles) Contains(roleID string) bool {
	for _, r := range t.Roles {
		if r.RoleID == roleID {
			return true
		}
	}
	return false
}
