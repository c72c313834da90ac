// Package auth guards the HTTP API with JWT bearer tokens and a small
// role-based policy.
package auth

import "strings"

// Role is an access level carried in the token claims.
type Role string

const (
	// RoleViewer can read reports and job listings.
	RoleViewer Role = "viewer"
	// RoleOperator can additionally trigger syncs and reconciliations.
	RoleOperator Role = "operator"
	// RoleAdmin can do everything.
	RoleAdmin Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole lowercases and validates a role string.
func NormalizeRole(raw string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := roleRank[role]
	return role, ok
}

// Allows reports whether the role satisfies the required one.
func (r Role) Allows(required Role) bool {
	return roleRank[r] >= roleRank[required]
}
