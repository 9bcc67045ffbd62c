package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// maxPasswordBytes is bcrypt's input limit; validator's max counts runes, not bytes.
const maxPasswordBytes = 72

// BcryptHasher hashes passwords with bcrypt at the default cost.
type BcryptHasher struct {
	Cost int
}

// Hash returns the bcrypt hash of password.
func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// ResetCredentialsForRole overwrites the password of every user holding the role in
// one statement. Input is validated before anything is sent to the store. Because the
// write is a full overwrite, retrying after a transport failure cannot double-apply.
func (s *Service) ResetCredentialsForRole(ctx context.Context, roleID int64, req CredentialReset) (ResetResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return ResetResult{}, validationError(err)
	}
	if len(req.Password) > maxPasswordBytes {
		return ResetResult{}, rbac.NewValidationError("password", fmt.Sprintf("must be at most %d bytes", maxPasswordBytes))
	}
	if !req.Confirmed {
		return ResetResult{}, rbac.NewValidationError("confirm", "the reset must be explicitly confirmed")
	}
	hash, err := s.hasher.Hash(req.Password)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return ResetResult{}, rbac.NewValidationError("password", fmt.Sprintf("must be at most %d bytes", maxPasswordBytes))
	}
	if err != nil {
		return ResetResult{}, fmt.Errorf("roles: hash password: %w", err)
	}
	result := ResetResult{RoleID: roleID}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockRole(ctx, roleID); err != nil {
			return err
		}
		ids, err := tx.OverwritePasswords(ctx, roleID, hash)
		if err != nil {
			return err
		}
		result.userIDs = ids
		result.Affected = len(ids)
		return nil
	})
	if err != nil {
		return ResetResult{}, rbac.Transport("reset credentials", err)
	}
	s.logger.Info("role credentials reset", slog.Int64("role_id", roleID), slog.Int("affected", result.Affected))
	if s.revoker != nil && len(result.userIDs) > 0 {
		if err := s.revoker.RevokeRoleSessions(ctx, roleID, result.userIDs); err != nil {
			s.logger.Error("enqueue session revocation", slog.Int64("role_id", roleID), slog.Any("error", err))
		}
	}
	return result, nil
}
