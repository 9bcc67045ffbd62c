package auth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Repository defines persistence operations for auth module.
type Repository interface {
	FindSubject(ctx context.Context, userID int64) (Subject, error)
	CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error
	DeleteSession(ctx context.Context, id string) error
	SessionsForUsers(ctx context.Context, userIDs []int64) ([]SessionRecord, error)
	DeleteSessions(ctx context.Context, ids []string) (int64, error)
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// FindSubject loads a user and its role, if any.
func (r *PGRepository) FindSubject(ctx context.Context, userID int64) (Subject, error) {
	var (
		subject    Subject
		roleID     pgtype.Int8
		roleName   pgtype.Text
		roleActive pgtype.Bool
	)
	err := r.pool.QueryRow(ctx, `SELECT u.id, u.email, u.name, u.is_active, r.id, r.name, r.is_active
		FROM users u
		LEFT JOIN roles r ON r.id = u.role_id
		WHERE u.id = $1`, userID).Scan(&subject.UserID, &subject.Email, &subject.Name, &subject.IsActive,
		&roleID, &roleName, &roleActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subject{}, &rbac.NotFoundError{Entity: "user", ID: userID}
		}
		return Subject{}, err
	}
	if roleID.Valid {
		subject.RoleID = roleID.Int64
		subject.RoleName = roleName.String
		subject.RoleActive = roleActive.Bool
	}
	return subject, nil
}

// CreateSession registers a session so it can be revoked later.
func (r *PGRepository) CreateSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `INSERT INTO sessions (id, user_id, created_at, expires_at, ip, ua)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at`,
		id, userID,
		pgtype.Timestamptz{Time: now, Valid: true},
		pgtype.Timestamptz{Time: expiresAt.UTC(), Valid: true},
		pgtype.Text{String: ip, Valid: ip != ""},
		pgtype.Text{String: ua, Valid: ua != ""},
	)
	return err
}

// DeleteSession removes a session record from the database.
func (r *PGRepository) DeleteSession(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// SessionsForUsers lists the registered sessions of the given users.
func (r *PGRepository) SessionsForUsers(ctx context.Context, userIDs []int64) ([]SessionRecord, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `SELECT id, user_id, created_at, expires_at
		FROM sessions WHERE user_id = ANY($1) ORDER BY id`, userIDs)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionRecord, error) {
		var rec SessionRecord
		err := row.Scan(&rec.ID, &rec.UserID, &rec.CreatedAt, &rec.ExpiresAt)
		return rec, err
	})
}

// DeleteSessions removes session rows by id.
func (r *PGRepository) DeleteSessions(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredSessions removes registrations that expired before the cutoff.
func (r *PGRepository) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var _ Repository = (*PGRepository)(nil)
