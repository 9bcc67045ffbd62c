package rbac

import (
	"sort"
	"strings"
	"time"
)

// Permission represents an atomic capability.
type Permission struct {
	ID          int64  `json:"id"`
	Key         string `json:"permission_key"`
	Name        string `json:"permission_name"`
	Module      string `json:"module"`
	Description string `json:"description,omitempty"`
}

// PermissionGroup is one module's slice of the catalog.
type PermissionGroup struct {
	Module      string       `json:"module"`
	Permissions []Permission `json:"permissions"`
}

// PermissionSeed describes a catalog entry to upsert.
type PermissionSeed struct {
	Key         string `yaml:"key"`
	Name        string `yaml:"name"`
	Module      string `yaml:"module"`
	Description string `yaml:"description"`
}

// Role represents a high-level permission grouping.
type Role struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	IsActive         bool      `json:"is_active"`
	UserCount        int64     `json:"user_count"`
	PermissionsCount int64     `json:"permissions_count"`
	BindingsVersion  int64     `json:"bindings_version"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Binding ties a permission to a role.
type Binding struct {
	RoleID       int64
	PermissionID int64
}

// BindingSet is the full permission set bound to a role at a given version.
type BindingSet struct {
	RoleID        int64   `json:"role_id"`
	Version       int64   `json:"version"`
	PermissionIDs []int64 `json:"permission_ids"`
}

// KeySet is a set of normalized permission keys.
type KeySet map[string]struct{}

// NewKeySet builds a KeySet from raw keys.
func NewKeySet(keys ...string) KeySet {
	set := make(KeySet, len(keys))
	for _, k := range keys {
		if k = normalizeToken(k); k != "" {
			set[k] = struct{}{}
		}
	}
	return set
}

// Has reports whether key is present.
func (s KeySet) Has(key string) bool {
	_, ok := s[normalizeToken(key)]
	return ok
}

// Sorted returns the keys in lexical order.
func (s KeySet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Identity describes the authenticated caller as resolved by the identity provider.
type Identity struct {
	UserID          int64     `json:"user_id"`
	RoleID          int64     `json:"role_id"`
	RoleName        string    `json:"role_name"`
	RoleActive      bool      `json:"role_active"`
	PermissionKeys  []string  `json:"permission_keys"`
	Epoch           int64     `json:"epoch"`
	BindingsVersion int64     `json:"bindings_version"`
	ResolvedAt      time.Time `json:"resolved_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Valid reports whether the identity is present and not expired at now.
func (i *Identity) Valid(now time.Time) bool {
	if i == nil || i.UserID == 0 {
		return false
	}
	if !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt) {
		return false
	}
	return true
}

func normalizeToken(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
