package annotation

import "errors"

// UserRole determines which features a user may access.
type UserRole string

const (
	RoleFree    UserRole = "free_user"
	RolePremium UserRole = "premium_user"
)

func (r UserRole) String() string { return string(r) }

// IsPremium reports whether r grants unrestricted result access.
func (r UserRole) IsPremium() bool { return r == RolePremium }

// ParseUserRole converts a string to a UserRole. Unknown values map to RoleFree.
func ParseUserRole(s string) UserRole {
	if s == string(RolePremium) {
		return RolePremium
	}
	return RoleFree
}

// ErrProfileNotFound is returned when no profile exists for a user.
var ErrProfileNotFound = errors.New("profile not found")

// Profile is the subset of a user's identity the service needs.
type Profile struct {
	UserID string
	Email  string
	Role   UserRole
}
