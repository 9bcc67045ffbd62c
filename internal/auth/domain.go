package auth

import (
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Subject is a user account as seen by the access layer, joined with its role.
type Subject struct {
	UserID     int64
	Email      string
	Name       string
	IsActive   bool
	RoleID     int64
	RoleName   string
	RoleActive bool
}

// HasRole reports whether the user is assigned a role.
func (s Subject) HasRole() bool {
	return s.RoleID != 0
}

// SessionRecord is a registered session row.
type SessionRecord struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Me is the payload returned for the current caller.
type Me struct {
	Identity  *rbac.Identity `json:"identity"`
	Stale     bool           `json:"stale"`
	CSRFToken string         `json:"csrf_token,omitempty"`
}
