package auth

import "slices"

// IsValid checks if the role is one of the predefined valid roles
func (r UserRole) IsValid() bool {
	return r.level() >= 0
}

func (r UserRole) level() int {
	return slices.Index(Roles(), r)
}

// IsAtLeast checks if this role meets the minimum required level
func (r UserRole) IsAtLeast(minRole UserRole) bool {
	current, min := r.level(), minRole.level()
	if current < 0 || min < 0 {
		return false
	}
	return current >= min
}

// Roles returns all predefined roles in hierarchical order
func Roles() []UserRole {
	return []UserRole{RoleGuest, RoleMember, RoleAdmin}
}

// ParseRole safely parses a string into a UserRole type
func ParseRole(roleStr string) (UserRole, bool) {
	role := UserRole(roleStr)
	return role, role.IsValid()
}
