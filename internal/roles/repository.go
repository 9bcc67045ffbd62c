package roles

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// ErrDuplicateName is returned by repositories when the folded name is taken.
var ErrDuplicateName = errors.New("roles: duplicate name")

// Repository defines role data access.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListRoles(ctx context.Context, filters RoleListFilters) ([]rbac.Role, error)
	GetRole(ctx context.Context, id int64) (rbac.Role, error)
}

// TxRepository defines role operations within a transaction.
type TxRepository interface {
	InsertRole(ctx context.Context, name, nameKey, description string, active bool) (rbac.Role, error)
	UpdateRole(ctx context.Context, id int64, name, nameKey, description string, active bool) (rbac.Role, error)
	LockRole(ctx context.Context, id int64) (rbac.Role, error)
	DeleteRole(ctx context.Context, id int64) (int64, error)
	SetActive(ctx context.Context, id int64, active bool) (rbac.Role, error)
	OverwritePasswords(ctx context.Context, roleID int64, passwordHash string) ([]int64, error)
}

var (
	_ Repository   = (*pgRepository)(nil)
	_ TxRepository = (*pgTxRepository)(nil)
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const roleColumns = `r.id, r.name, r.description, r.is_active, r.bindings_version, r.created_at, r.updated_at,
	(SELECT COUNT(*) FROM users u WHERE u.role_id = r.id) AS user_count,
	(SELECT COUNT(*) FROM role_permissions rp WHERE rp.role_id = r.id) AS permissions_count`

var sortColumns = map[string]string{
	"name":       "r.name_key",
	"created_at": "r.created_at",
	"updated_at": "r.updated_at",
	"user_count": "user_count",
}

func (r *pgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{q: tx})
	})
}

// ListRoles returns roles with derived user and permission counts.
func (r *pgRepository) ListRoles(ctx context.Context, filters RoleListFilters) ([]rbac.Role, error) {
	column, ok := sortColumns[filters.SortBy]
	if !ok {
		column = "r.name_key"
	}
	dir := "ASC"
	if filters.SortDir == "desc" {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM roles r
		WHERE ($1::boolean IS NULL OR r.is_active = $1)
		ORDER BY %s %s, r.id`, roleColumns, column, dir)
	rows, err := r.pool.Query(ctx, query, filters.Active)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	roles := make([]rbac.Role, 0)
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

// GetRole fetches a role by id.
func (r *pgRepository) GetRole(ctx context.Context, id int64) (rbac.Role, error) {
	return getRole(ctx, r.pool, id, false)
}

type pgTxRepository struct {
	q querier
}

func (t *pgTxRepository) InsertRole(ctx context.Context, name, nameKey, description string, active bool) (rbac.Role, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO roles (name, name_key, description, is_active)
		VALUES ($1, $2, $3, $4) RETURNING id`, name, nameKey, description, active).Scan(&id)
	if err != nil {
		return rbac.Role{}, mapWriteError(err)
	}
	return getRole(ctx, t.q, id, false)
}

func (t *pgTxRepository) UpdateRole(ctx context.Context, id int64, name, nameKey, description string, active bool) (rbac.Role, error) {
	tag, err := t.q.Exec(ctx, `UPDATE roles SET name = $2, name_key = $3, description = $4, is_active = $5, updated_at = NOW()
		WHERE id = $1`, id, name, nameKey, description, active)
	if err != nil {
		return rbac.Role{}, mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return rbac.Role{}, &rbac.NotFoundError{Entity: "role", ID: id}
	}
	return getRole(ctx, t.q, id, false)
}

func (t *pgTxRepository) LockRole(ctx context.Context, id int64) (rbac.Role, error) {
	return getRole(ctx, t.q, id, true)
}

func (t *pgTxRepository) DeleteRole(ctx context.Context, id int64) (int64, error) {
	var bindings int64
	if err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM role_permissions WHERE role_id = $1`, id).Scan(&bindings); err != nil {
		return 0, err
	}
	tag, err := t.q.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
	if err != nil {
		return 0, mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return 0, &rbac.NotFoundError{Entity: "role", ID: id}
	}
	return bindings, nil
}

func (t *pgTxRepository) SetActive(ctx context.Context, id int64, active bool) (rbac.Role, error) {
	tag, err := t.q.Exec(ctx, `UPDATE roles SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return rbac.Role{}, err
	}
	if tag.RowsAffected() == 0 {
		return rbac.Role{}, &rbac.NotFoundError{Entity: "role", ID: id}
	}
	return getRole(ctx, t.q, id, false)
}

// OverwritePasswords replaces the password hash of every user holding the role.
func (t *pgTxRepository) OverwritePasswords(ctx context.Context, roleID int64, passwordHash string) ([]int64, error) {
	rows, err := t.q.Query(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW()
		WHERE role_id = $1 RETURNING id`, roleID, passwordHash)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func getRole(ctx context.Context, q querier, id int64, lock bool) (rbac.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles r WHERE r.id = $1`
	if lock {
		query += ` FOR UPDATE OF r`
	}
	role, err := scanRole(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return rbac.Role{}, &rbac.NotFoundError{Entity: "role", ID: id}
		}
		return rbac.Role{}, err
	}
	return role, nil
}

func scanRole(row pgx.Row) (rbac.Role, error) {
	var role rbac.Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsActive, &role.BindingsVersion,
		&role.CreatedAt, &role.UpdatedAt, &role.UserCount, &role.PermissionsCount)
	return role, err
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicateName
		case "23503":
			return &rbac.ConflictError{Reason: rbac.ReasonInUse, Message: "role is still referenced by users"}
		}
	}
	return err
}
