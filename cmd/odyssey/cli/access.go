package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/roles"
)

// Migrator applies pending schema migrations.
type Migrator func(ctx context.Context) (int, error)

// PermissionEnsurer upserts catalog entries.
type PermissionEnsurer interface {
	Ensure(ctx context.Context, seeds []rbac.PermissionSeed) ([]rbac.Permission, error)
}

// RoleBootstrapper finds or creates roles.
type RoleBootstrapper interface {
	List(ctx context.Context, filters roles.RoleListFilters) ([]rbac.Role, error)
	Create(ctx context.Context, input roles.RoleInput) (rbac.Role, error)
}

// BindingReplacer replaces a role's bindings.
type BindingReplacer interface {
	SetBindings(ctx context.Context, roleID int64, permissionIDs []int64, expectedVersion int64) (rbac.BindingSet, error)
}

// AccessOpsCLI offers operational helpers for the access-control schema and catalog.
type AccessOpsCLI struct {
	migrate  Migrator
	catalog  PermissionEnsurer
	roles    RoleBootstrapper
	bindings BindingReplacer
}

// NewAccessOpsCLI constructs the helper. roles and bindings may be nil when no
// bootstrap role is needed.
func NewAccessOpsCLI(migrate Migrator, catalog PermissionEnsurer, roleStore RoleBootstrapper, bindings BindingReplacer) *AccessOpsCLI {
	return &AccessOpsCLI{migrate: migrate, catalog: catalog, roles: roleStore, bindings: bindings}
}

// MigrateOptions configures the migrate command.
type MigrateOptions struct {
	Stdout io.Writer
	Stderr io.Writer
}

// MigrateCommand applies migrations and reports how many ran.
func (c *AccessOpsCLI) MigrateCommand(ctx context.Context, opts MigrateOptions) int {
	stdout, stderr := outputs(opts.Stdout, opts.Stderr)
	if c.migrate == nil {
		fmt.Fprintln(stderr, "migrate: not configured")
		return 1
	}
	applied, err := c.migrate(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "applied %d migration(s)\n", applied)
	return 0
}

// SeedOptions configures the seed command.
type SeedOptions struct {
	// Source is a YAML file with a top-level "permissions" list. Empty uses the
	// built-in catalog.
	Source        string
	SourceReader  io.Reader
	BootstrapRole string
	JSONOutput    bool
	Stdout        io.Writer
	Stderr        io.Writer
}

// SeedSummary is the structured outcome of a seed run.
type SeedSummary struct {
	Permissions int    `json:"permissions"`
	Role        string `json:"role,omitempty"`
	RoleID      int64  `json:"role_id,omitempty"`
	RoleCreated bool   `json:"role_created,omitempty"`
	Bound       int    `json:"bound,omitempty"`
}

type seedFile struct {
	Permissions []rbac.PermissionSeed `yaml:"permissions"`
}

// SeedCommand upserts the permission catalog and optionally binds every permission
// to a bootstrap role, creating it if needed.
func (c *AccessOpsCLI) SeedCommand(ctx context.Context, opts SeedOptions) int {
	stdout, stderr := outputs(opts.Stdout, opts.Stderr)
	seeds, err := loadSeeds(opts)
	if err != nil {
		fmt.Fprintf(stderr, "seed: %v\n", err)
		return 2
	}
	perms, err := c.catalog.Ensure(ctx, seeds)
	if err != nil {
		fmt.Fprintf(stderr, "seed: %v\n", err)
		return 1
	}
	summary := SeedSummary{Permissions: len(perms)}
	if opts.BootstrapRole != "" {
		if err := c.bootstrap(ctx, opts.BootstrapRole, perms, &summary); err != nil {
			fmt.Fprintf(stderr, "seed: bootstrap role: %v\n", err)
			return 1
		}
	}
	if opts.JSONOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			fmt.Fprintf(stderr, "seed: encode summary: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "seeded %d permission(s)\n", summary.Permissions)
	if summary.Role != "" {
		fmt.Fprintf(stdout, "role %q (id %d) bound to %d permission(s)\n", summary.Role, summary.RoleID, summary.Bound)
	}
	return 0
}

func (c *AccessOpsCLI) bootstrap(ctx context.Context, name string, perms []rbac.Permission, summary *SeedSummary) error {
	if c.roles == nil || c.bindings == nil {
		return errors.New("role store not configured")
	}
	existing, err := c.roles.List(ctx, roles.RoleListFilters{})
	if err != nil {
		return err
	}
	var role *rbac.Role
	key := roles.NameKey(name)
	for i := range existing {
		if roles.NameKey(existing[i].Name) == key {
			role = &existing[i]
			break
		}
	}
	if role == nil {
		created, err := c.roles.Create(ctx, roles.RoleInput{Name: name, Description: "Full access to access-control administration"})
		if err != nil {
			return err
		}
		role = &created
		summary.RoleCreated = true
	}
	ids := make([]int64, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.ID)
	}
	set, err := c.bindings.SetBindings(ctx, role.ID, ids, rbac.AnyVersion)
	if err != nil {
		return err
	}
	summary.Role = role.Name
	summary.RoleID = role.ID
	summary.Bound = len(set.PermissionIDs)
	return nil
}

func loadSeeds(opts SeedOptions) ([]rbac.PermissionSeed, error) {
	reader := opts.SourceReader
	if reader == nil && opts.Source != "" {
		f, err := os.Open(opts.Source)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		reader = f
	}
	if reader == nil {
		return rbac.DefaultPermissions(), nil
	}
	var file seedFile
	if err := yaml.NewDecoder(reader).Decode(&file); err != nil {
		return nil, fmt.Errorf("decode seed file: %w", err)
	}
	if len(file.Permissions) == 0 {
		return nil, errors.New("seed file lists no permissions")
	}
	return file.Permissions, nil
}

func outputs(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}
