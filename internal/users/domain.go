package users

import "time"

// User represents a user account as managed by role administration.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	RoleID    *int64    `json:"role_id"`
	RoleName  string    `json:"role_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListFilters narrows user listings.
type ListFilters struct {
	RoleID *int64
}

// RoleAssignment moves a user to a role, or clears the role when RoleID is nil.
type RoleAssignment struct {
	RoleID *int64 `json:"role_id" validate:"omitempty,gt=0"`
}
