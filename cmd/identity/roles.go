package identity

import "strings"

// Role partitions users for authorization and for access-token lifetime.
type Role string

const (
	RoleApplicant Role = "applicant"
	RoleRecruiter Role = "recruiter"
	RoleAdmin     Role = "admin"
)

// ParseRole canonicalizes a role string. Unknown values report false.
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleApplicant:
		return RoleApplicant, true
	case RoleRecruiter:
		return RoleRecruiter, true
	case RoleAdmin:
		return RoleAdmin, true
	default:
		return "", false
	}
}

// SelfRegisterable reports whether a role may be chosen at signup.
// Admin accounts are provisioned out of band.
func (r Role) SelfRegisterable() bool {
	return r == RoleApplicant || r == RoleRecruiter
}

// ActiveOnSignup reports whether a freshly registered account starts enabled.
// Recruiters wait for an admin to activate them.
func (r Role) ActiveOnSignup() bool {
	return r != RoleRecruiter
}
