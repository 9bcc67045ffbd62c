package roles

import (
	"strings"

	"golang.org/x/text/cases"
)

// RoleInput carries the editable fields of a role.
type RoleInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=500"`
	IsActive    *bool  `json:"is_active"`
}

// RoleListFilters narrows and orders role listings.
type RoleListFilters struct {
	Active  *bool
	SortBy  string
	SortDir string
}

// CredentialReset is the payload of a bulk password reset for a role.
type CredentialReset struct {
	Password     string `json:"password" validate:"required,min=6,max=72"`
	Confirmation string `json:"password_confirmation" validate:"eqfield=Password"`
	Confirmed    bool   `json:"confirm"`
}

// ResetResult is the single aggregate outcome of a bulk reset.
type ResetResult struct {
	RoleID   int64 `json:"role_id"`
	Affected int   `json:"affected"`
	userIDs  []int64
}

// DeleteResult reports a completed role deletion.
type DeleteResult struct {
	RoleID          int64 `json:"role_id"`
	BindingsRemoved int64 `json:"bindings_removed"`
}

// NameKey folds a role name for uniqueness checks: case-insensitive with
// whitespace runs collapsed.
func NameKey(name string) string {
	return cases.Fold().String(strings.Join(strings.Fields(name), " "))
}
