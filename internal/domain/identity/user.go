package identity

// Role is a user's access role
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// User is the mirrored user record
type User struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
	Role  Role   `json:"role" validate:"omitempty,oneof=customer admin"`
}

// IsAdmin reports whether the user may approve deposits
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
