package users

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context, filters ListFilters) ([]User, error)
	AssignRole(ctx context.Context, userID int64, roleID *int64) (User, error)
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `u.id, u.email, u.name, u.is_active, u.role_id, r.name, u.created_at, u.updated_at`

// ListUsers returns users, optionally only the holders of one role.
func (r *Repository) ListUsers(ctx context.Context, filters ListFilters) ([]User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+`
		FROM users u LEFT JOIN roles r ON r.id = u.role_id
		WHERE ($1::bigint IS NULL OR u.role_id = $1)
		ORDER BY u.email, u.id`, filters.RoleID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (User, error) {
		return scanUser(row)
	})
}

// AssignRole sets the user's role. The target role row is share-locked so a
// concurrent delete of that role either waits or sees the new holder.
func (r *Repository) AssignRole(ctx context.Context, userID int64, roleID *int64) (User, error) {
	var user User
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if roleID != nil {
			var locked int64
			err := tx.QueryRow(ctx, `SELECT id FROM roles WHERE id = $1 FOR SHARE`, *roleID).Scan(&locked)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return &rbac.NotFoundError{Entity: "role", ID: *roleID}
				}
				return err
			}
		}
		tag, err := tx.Exec(ctx, `UPDATE users SET role_id = $2, updated_at = NOW() WHERE id = $1`, userID, roleID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" && roleID != nil {
				return &rbac.NotFoundError{Entity: "role", ID: *roleID}
			}
			return err
		}
		if tag.RowsAffected() == 0 {
			return &rbac.NotFoundError{Entity: "user", ID: userID}
		}
		user, err = scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+`
			FROM users u LEFT JOIN roles r ON r.id = u.role_id WHERE u.id = $1`, userID))
		return err
	})
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func scanUser(row pgx.Row) (User, error) {
	var (
		user     User
		roleID   pgtype.Int8
		roleName pgtype.Text
	)
	if err := row.Scan(&user.ID, &user.Email, &user.Name, &user.IsActive, &roleID, &roleName,
		&user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	if roleID.Valid {
		id := roleID.Int64
		user.RoleID = &id
		user.RoleName = roleName.String
	}
	return user, nil
}

var _ RepositoryPort = (*Repository)(nil)
