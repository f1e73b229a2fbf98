package domain

import "github.com/google/uuid"

// Role of an authenticated principal
type Role string

const (
	RolePatient Role = "patient"
	RoleStaff   Role = "staff"
)

// Principal is the authenticated identity every call operation runs as.
// Authentication itself is a consumed boundary; the JWT middleware yields
// one of these.
type Principal struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
}

// Staff reports whether the principal should also receive role-scoped
// call delivery (the staff inbox topic).
func (p Principal) Staff() bool {
	return p.Role == RoleStaff
}
