package rbac

import "time"

// Role is a named permission tier. Roles are strictly ranked; a higher
// role satisfies any requirement for a lower one.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

var roleRank = map[Role]int{
	RoleUser:      1,
	RoleModerator: 2,
	RoleAdmin:     3,
}

// ParseRole validates a raw role name.
func ParseRole(value string) (Role, bool) {
	role := Role(value)
	_, ok := roleRank[role]
	return role, ok
}

// Rank returns the role's position in the hierarchy, 0 for unknown.
func (r Role) Rank() int {
	return roleRank[r]
}

// HasRequiredRole reports whether the highest-ranked role in roles
// satisfies required.
func HasRequiredRole(roles []Role, required Role) bool {
	highest := 0
	for _, role := range roles {
		if rank := role.Rank(); rank > highest {
			highest = rank
		}
	}
	return highest >= required.Rank()
}

// NormalizeRoles filters unknown role names and falls back to the base
// user role when nothing valid remains.
func NormalizeRoles(raw []string) []Role {
	roles := make([]Role, 0, len(raw))
	for _, value := range raw {
		if role, ok := ParseRole(value); ok {
			roles = append(roles, role)
		}
	}
	if len(roles) == 0 {
		return []Role{RoleUser}
	}
	return roles
}

// PrimaryRole returns the highest-ranked role in the set.
func PrimaryRole(roles []Role) Role {
	best := RoleUser
	for _, role := range roles {
		if role.Rank() > best.Rank() {
			best = role
		}
	}
	return best
}

// AdminUser is a row in the admin tab's user listing.
type AdminUser struct {
	UserID     string
	Role       Role
	AssignedAt time.Time
}
