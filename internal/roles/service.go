package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// Invalidator starts a new permission epoch for a role.
type Invalidator interface {
	Invalidate(ctx context.Context, roleID int64) error
}

// SessionRevoker schedules the end of sessions for users whose credentials changed.
type SessionRevoker interface {
	RevokeRoleSessions(ctx context.Context, roleID int64, userIDs []int64) error
}

// Hasher derives a stored password hash.
type Hasher interface {
	Hash(password string) (string, error)
}

// Service handles role lifecycle rules.
type Service struct {
	repo        Repository
	invalidator Invalidator
	revoker     SessionRevoker
	hasher      Hasher
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewService builds Service instance.
func NewService(repo Repository, invalidator Invalidator, revoker SessionRevoker, hasher Hasher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &Service{
		repo:        repo,
		invalidator: invalidator,
		revoker:     revoker,
		hasher:      hasher,
		validate:    validator.New(),
		logger:      logger,
	}
}

// List returns roles with derived counts.
func (s *Service) List(ctx context.Context, filters RoleListFilters) ([]rbac.Role, error) {
	roles, err := s.repo.ListRoles(ctx, filters)
	if err != nil {
		return nil, rbac.Transport("list roles", err)
	}
	return roles, nil
}

// Get fetches a role by id.
func (s *Service) Get(ctx context.Context, id int64) (rbac.Role, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return rbac.Role{}, rbac.Transport("get role", err)
	}
	return role, nil
}

// Create inserts a role with no bindings.
func (s *Service) Create(ctx context.Context, input RoleInput) (rbac.Role, error) {
	name, description, err := s.clean(input)
	if err != nil {
		return rbac.Role{}, err
	}
	active := true
	if input.IsActive != nil {
		active = *input.IsActive
	}
	var role rbac.Role
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		role, err = tx.InsertRole(ctx, name, NameKey(name), description, active)
		return err
	})
	if err != nil {
		return rbac.Role{}, s.mapNameError(name, "create role", err)
	}
	s.logger.Info("role created", slog.Int64("role_id", role.ID), slog.String("name", role.Name))
	return role, nil
}

// Update edits a role addressed by id.
func (s *Service) Update(ctx context.Context, id int64, input RoleInput) (rbac.Role, error) {
	name, description, err := s.clean(input)
	if err != nil {
		return rbac.Role{}, err
	}
	var role rbac.Role
	activeChanged := false
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		active := current.IsActive
		if input.IsActive != nil {
			active = *input.IsActive
		}
		activeChanged = active != current.IsActive
		role, err = tx.UpdateRole(ctx, id, name, NameKey(name), description, active)
		return err
	})
	if err != nil {
		return rbac.Role{}, s.mapNameError(name, "update role", err)
	}
	if activeChanged {
		s.invalidate(ctx, id)
	}
	return role, nil
}

// Delete removes a role and its bindings. A role still held by users is refused.
func (s *Service) Delete(ctx context.Context, id int64) (DeleteResult, error) {
	result := DeleteResult{RoleID: id}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		if role.UserCount > 0 {
			return &rbac.ConflictError{
				Reason:    rbac.ReasonInUse,
				Message:   fmt.Sprintf("role %q is assigned to %d user(s); reassign them before deleting", role.Name, role.UserCount),
				UserCount: role.UserCount,
			}
		}
		removed, err := tx.DeleteRole(ctx, id)
		if err != nil {
			return err
		}
		result.BindingsRemoved = removed
		return nil
	})
	if err != nil {
		return DeleteResult{}, rbac.Transport("delete role", err)
	}
	s.invalidate(ctx, id)
	s.logger.Info("role deleted", slog.Int64("role_id", id), slog.Int64("bindings_removed", result.BindingsRemoved))
	return result, nil
}

// ToggleActive flips is_active. Bindings and user assignments are untouched.
func (s *Service) ToggleActive(ctx context.Context, id int64) (rbac.Role, error) {
	var role rbac.Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.LockRole(ctx, id)
		if err != nil {
			return err
		}
		role, err = tx.SetActive(ctx, id, !current.IsActive)
		return err
	})
	if err != nil {
		return rbac.Role{}, rbac.Transport("toggle role", err)
	}
	s.invalidate(ctx, id)
	return role, nil
}

func (s *Service) clean(input RoleInput) (string, string, error) {
	input.Name = strings.Join(strings.Fields(input.Name), " ")
	input.Description = strings.TrimSpace(input.Description)
	if err := s.validate.Struct(input); err != nil {
		return "", "", validationError(err)
	}
	return input.Name, input.Description, nil
}

func (s *Service) mapNameError(name, op string, err error) error {
	if errors.Is(err, ErrDuplicateName) {
		return &rbac.ConflictError{
			Reason:  rbac.ReasonDuplicateName,
			Message: fmt.Sprintf("a role named %q already exists", name),
		}
	}
	return rbac.Transport(op, err)
}

func (s *Service) invalidate(ctx context.Context, roleID int64) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx, roleID); err != nil {
		s.logger.Error("role invalidate", slog.Int64("role_id", roleID), slog.Any("error", err))
	}
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &rbac.ValidationError{Fields: map[string]string{"general": err.Error()}}
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fieldName(fe.Field())] = fieldMessage(fe)
	}
	return &rbac.ValidationError{Fields: fields}
}

func fieldName(field string) string {
	switch field {
	case "Name":
		return "name"
	case "Description":
		return "description"
	case "Password":
		return "password"
	case "Confirmation":
		return "password_confirmation"
	default:
		return strings.ToLower(field)
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "eqfield":
		return "does not match"
	default:
		return "is invalid"
	}
}
