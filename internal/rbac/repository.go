package rbac

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
)

// CatalogStore reads and seeds the permission catalog.
type CatalogStore interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
	UpsertPermission(ctx context.Context, seed PermissionSeed) (Permission, error)
}

// BindingStore persists role-permission bindings.
type BindingStore interface {
	WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error
	RoleBindings(ctx context.Context, roleID int64) (BindingSet, error)
	BindingsVersion(ctx context.Context, roleID int64) (int64, error)
	RolePermissionKeys(ctx context.Context, roleID int64) ([]string, error)
}

// TxStore defines binding operations within a transaction.
type TxStore interface {
	LockRole(ctx context.Context, roleID int64) (int64, error)
	ExistingPermissionIDs(ctx context.Context, ids []int64) ([]int64, error)
	RoleBindingIDs(ctx context.Context, roleID int64) ([]int64, error)
	AttachPermissions(ctx context.Context, roleID int64, ids []int64) error
	DetachPermissions(ctx context.Context, roleID int64, ids []int64) error
	BumpBindingsVersion(ctx context.Context, roleID int64) (int64, error)
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore implements CatalogStore and BindingStore using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore constructs a PostgreSQL store.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var (
	_ CatalogStore = (*PGStore)(nil)
	_ BindingStore = (*PGStore)(nil)
	_ TxStore      = (*pgTxStore)(nil)
)

// ListPermissions returns the catalog ordered by module then name.
func (s *PGStore) ListPermissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, permission_key, permission_name, module, COALESCE(description, '')
		FROM permissions ORDER BY module, permission_name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Name, &p.Module, &p.Description); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// UpsertPermission inserts a permission or refreshes its display fields. The key and id
// of an existing entry never change.
func (s *PGStore) UpsertPermission(ctx context.Context, seed PermissionSeed) (Permission, error) {
	var p Permission
	err := s.pool.QueryRow(ctx, `INSERT INTO permissions (permission_key, permission_name, module, description)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (permission_key) DO UPDATE
		SET permission_name = EXCLUDED.permission_name, module = EXCLUDED.module, description = EXCLUDED.description
		RETURNING id, permission_key, permission_name, module, COALESCE(description, '')`,
		seed.Key, seed.Name, seed.Module, seed.Description,
	).Scan(&p.ID, &p.Key, &p.Name, &p.Module, &p.Description)
	return p, err
}

// WithTx runs fn inside a transaction.
func (s *PGStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxStore{q: tx})
	})
}

// RoleBindings returns the bound permission ids and binding version of a role.
func (s *PGStore) RoleBindings(ctx context.Context, roleID int64) (BindingSet, error) {
	set := BindingSet{RoleID: roleID}
	err := s.pool.QueryRow(ctx, `SELECT bindings_version FROM roles WHERE id = $1`, roleID).Scan(&set.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BindingSet{}, &NotFoundError{Entity: "role", ID: roleID}
		}
		return BindingSet{}, err
	}
	ids, err := bindingIDs(ctx, s.pool, roleID)
	if err != nil {
		return BindingSet{}, err
	}
	set.PermissionIDs = ids
	return set, nil
}

// BindingsVersion returns the role's bindings_version.
func (s *PGStore) BindingsVersion(ctx context.Context, roleID int64) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT bindings_version FROM roles WHERE id = $1`, roleID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &NotFoundError{Entity: "role", ID: roleID}
	}
	return version, err
}

// RolePermissionKeys returns the permission keys bound to a role.
func (s *PGStore) RolePermissionKeys(ctx context.Context, roleID int64) ([]string, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, roleID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, &NotFoundError{Entity: "role", ID: roleID}
	}
	rows, err := s.pool.Query(ctx, `SELECT p.permission_key FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1 ORDER BY p.permission_key`, roleID)
	if err != nil {
		return nil, err
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if keys == nil {
		keys = []string{}
	}
	return keys, nil
}

type pgTxStore struct {
	q querier
}

func (t *pgTxStore) LockRole(ctx context.Context, roleID int64) (int64, error) {
	var version int64
	err := t.q.QueryRow(ctx, `SELECT bindings_version FROM roles WHERE id = $1 FOR UPDATE`, roleID).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &NotFoundError{Entity: "role", ID: roleID}
		}
		return 0, err
	}
	return version, nil
}

func (t *pgTxStore) ExistingPermissionIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.q.Query(ctx, `SELECT id FROM permissions WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (t *pgTxStore) RoleBindingIDs(ctx context.Context, roleID int64) ([]int64, error) {
	return bindingIDs(ctx, t.q, roleID)
}

func (t *pgTxStore) AttachPermissions(ctx context.Context, roleID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.q.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
		SELECT $1, unnest($2::bigint[]) ON CONFLICT DO NOTHING`, roleID, ids)
	return err
}

func (t *pgTxStore) DetachPermissions(ctx context.Context, roleID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.q.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = ANY($2)`, roleID, ids)
	return err
}

func (t *pgTxStore) BumpBindingsVersion(ctx context.Context, roleID int64) (int64, error) {
	var version int64
	err := t.q.QueryRow(ctx, `UPDATE roles SET bindings_version = bindings_version + 1, updated_at = NOW()
		WHERE id = $1 RETURNING bindings_version`, roleID).Scan(&version)
	return version, err
}

func bindingIDs(ctx context.Context, q querier, roleID int64) ([]int64, error) {
	rows, err := q.Query(ctx, `SELECT permission_id FROM role_permissions WHERE role_id = $1 ORDER BY permission_id`, roleID)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []int64{}
	}
	return ids, nil
}

func cleanSeed(seed PermissionSeed) PermissionSeed {
	return PermissionSeed{
		Key:         normalizeToken(seed.Key),
		Name:        strings.TrimSpace(seed.Name),
		Module:      strings.ToLower(strings.TrimSpace(seed.Module)),
		Description: strings.TrimSpace(seed.Description),
	}
}
