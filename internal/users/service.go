package users

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Service handles user business logic.
type Service struct {
	repo     RepositoryPort
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, validate: validator.New(), logger: logger}
}

// ListUsers returns users matching filters.
func (s *Service) ListUsers(ctx context.Context, filters ListFilters) ([]User, error) {
	users, err := s.repo.ListUsers(ctx, filters)
	if err != nil {
		return nil, rbac.Transport("list users", err)
	}
	return users, nil
}

// AssignRole moves a user to another role. The user's cached identity keeps the
// old role until its session refreshes.
func (s *Service) AssignRole(ctx context.Context, userID int64, input RoleAssignment) (User, error) {
	if err := s.validate.Struct(input); err != nil {
		return User{}, rbac.NewValidationError("role_id", "must be a positive id or null")
	}
	user, err := s.repo.AssignRole(ctx, userID, input.RoleID)
	if err != nil {
		return User{}, rbac.Transport("assign role", err)
	}
	attrs := []any{slog.Int64("user_id", userID)}
	if input.RoleID != nil {
		attrs = append(attrs, slog.Int64("role_id", *input.RoleID))
	}
	s.logger.Info("user role assigned", attrs...)
	return user, nil
}
