package rbac

import (
	"context"
	"sort"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Catalog is the read side of the permission registry.
type Catalog struct {
	store CatalogStore
}

// NewCatalog constructs a Catalog.
func NewCatalog(store CatalogStore) *Catalog {
	return &Catalog{store: store}
}

// Permissions returns every permission ordered by module then name.
func (c *Catalog) Permissions(ctx context.Context) ([]Permission, error) {
	perms, err := c.store.ListPermissions(ctx)
	if err != nil {
		return nil, Transport("list permissions", err)
	}
	sorted := make([]Permission, len(perms))
	copy(sorted, perms)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Module != sorted[j].Module {
			return sorted[i].Module < sorted[j].Module
		}
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted, nil
}

// List returns the catalog grouped by module.
func (c *Catalog) List(ctx context.Context) ([]PermissionGroup, error) {
	perms, err := c.Permissions(ctx)
	if err != nil {
		return nil, err
	}
	return GroupByModule(perms), nil
}

// Ensure upserts seeds. Existing keys keep their ids.
func (c *Catalog) Ensure(ctx context.Context, seeds []PermissionSeed) ([]Permission, error) {
	out := make([]Permission, 0, len(seeds))
	for _, seed := range seeds {
		seed = cleanSeed(seed)
		if seed.Key == "" {
			return nil, NewValidationError("permission_key", "required")
		}
		if seed.Module == "" {
			return nil, NewValidationError("module", "required for "+seed.Key)
		}
		if seed.Name == "" {
			seed.Name = seed.Key
		}
		p, err := c.store.UpsertPermission(ctx, seed)
		if err != nil {
			return nil, Transport("upsert permission", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// GroupByModule groups an already ordered permission list.
func GroupByModule(perms []Permission) []PermissionGroup {
	groups := make([]PermissionGroup, 0)
	for _, p := range perms {
		if n := len(groups); n == 0 || groups[n-1].Module != p.Module {
			groups = append(groups, PermissionGroup{Module: p.Module})
		}
		groups[len(groups)-1].Permissions = append(groups[len(groups)-1].Permissions, p)
	}
	return groups
}

// DefaultPermissions is the seed catalog for a fresh installation.
func DefaultPermissions() []PermissionSeed {
	seeds := []PermissionSeed{
		{Key: shared.PermUsersView, Name: "View users", Module: "users"},
		{Key: shared.PermUsersEdit, Name: "Edit users", Module: "users"},
		{Key: shared.PermUsersPasswordReset, Name: "Reset role passwords", Module: "users", Description: "Overwrite the password of every user holding a role"},
		{Key: shared.PermRolesView, Name: "View roles", Module: "roles"},
		{Key: shared.PermRolesEdit, Name: "Edit roles", Module: "roles"},
		{Key: shared.PermRolesDelete, Name: "Delete roles", Module: "roles"},
		{Key: shared.PermRolesAssign, Name: "Assign role permissions", Module: "roles"},
		{Key: shared.PermPermissionsView, Name: "View permissions", Module: "permissions"},
	}
	for _, m := range shared.HRModules() {
		for _, key := range m.Keys {
			seeds = append(seeds, PermissionSeed{Key: key, Name: key, Module: m.Module})
		}
	}
	return seeds
}
