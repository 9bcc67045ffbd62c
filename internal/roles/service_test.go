package roles

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

type recordingInvalidator struct {
	roles []int64
	err   error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, roleID int64) error {
	r.roles = append(r.roles, roleID)
	return r.err
}

type recordingRevoker struct {
	roleID  int64
	userIDs []int64
	calls   int
	err     error
}

func (r *recordingRevoker) RevokeRoleSessions(_ context.Context, roleID int64, userIDs []int64) error {
	r.calls++
	r.roleID, r.userIDs = roleID, userIDs
	return r.err
}

type plainHasher struct{ calls int }

func (h *plainHasher) Hash(password string) (string, error) {
	h.calls++
	return "hashed:" + password, nil
}

type serviceFixture struct {
	repo        *memRepository
	invalidator *recordingInvalidator
	revoker     *recordingRevoker
	hasher      *plainHasher
	service     *Service
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		repo:        newMemRepository(),
		invalidator: &recordingInvalidator{},
		revoker:     &recordingRevoker{},
		hasher:      &plainHasher{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.service = NewService(f.repo, f.invalidator, f.revoker, f.hasher, logger)
	return f
}

func TestCreateRole(t *testing.T) {
	f := newServiceFixture()

	role, err := f.service.Create(context.Background(), RoleInput{Name: "  HR   Manager ", Description: " leave approvals "})
	require.NoError(t, err)
	require.Equal(t, "HR Manager", role.Name)
	require.Equal(t, "leave approvals", role.Description)
	require.True(t, role.IsActive)
	require.Zero(t, role.PermissionsCount)
}

func TestCreateRoleRejectsDuplicateNameIgnoringCase(t *testing.T) {
	f := newServiceFixture()
	f.repo.seedRole("Payroll Admin", true, 0)

	_, err := f.service.Create(context.Background(), RoleInput{Name: "payroll  ADMIN"})
	require.ErrorIs(t, err, rbac.ErrConflict)
	var conflict *rbac.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, rbac.ReasonDuplicateName, conflict.Reason)
}

func TestCreateRoleValidatesName(t *testing.T) {
	f := newServiceFixture()

	_, err := f.service.Create(context.Background(), RoleInput{Name: "   "})
	require.ErrorIs(t, err, rbac.ErrValidation)
	var verr *rbac.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "is required", verr.Fields["name"])
	require.Zero(t, f.repo.txCalls)
}

func TestCreateRoleTransportFailure(t *testing.T) {
	f := newServiceFixture()
	f.repo.writeErr = errors.New("connection refused")

	_, err := f.service.Create(context.Background(), RoleInput{Name: "Auditor"})
	require.ErrorIs(t, err, rbac.ErrTransport)
}

func TestUpdateRoleInvalidatesOnlyWhenActiveChanges(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("Auditor", true, 0)
	ctx := context.Background()

	role, err := f.service.Update(ctx, id, RoleInput{Name: "Auditors", Description: "read only"})
	require.NoError(t, err)
	require.Equal(t, "Auditors", role.Name)
	require.True(t, role.IsActive)
	require.Empty(t, f.invalidator.roles)

	inactive := false
	role, err = f.service.Update(ctx, id, RoleInput{Name: "Auditors", IsActive: &inactive})
	require.NoError(t, err)
	require.False(t, role.IsActive)
	require.Equal(t, []int64{id}, f.invalidator.roles)
}

func TestUpdateRoleKeepsOwnNameAndRejectsOthers(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("Auditor", true, 0)
	f.repo.seedRole("Clerk", true, 0)
	ctx := context.Background()

	_, err := f.service.Update(ctx, id, RoleInput{Name: "AUDITOR"})
	require.NoError(t, err)

	_, err = f.service.Update(ctx, id, RoleInput{Name: "clerk"})
	require.ErrorIs(t, err, rbac.ErrConflict)

	_, err = f.service.Update(ctx, 99, RoleInput{Name: "Ghost"})
	require.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestDeleteRoleInUseIsRefused(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("HR Clerk", true, 3, 7, 8)
	ctx := context.Background()

	_, err := f.service.Delete(ctx, id)
	require.ErrorIs(t, err, rbac.ErrConflict)
	var conflict *rbac.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, rbac.ReasonInUse, conflict.Reason)
	require.Equal(t, int64(2), conflict.UserCount)

	role, err := f.service.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(3), role.PermissionsCount)
	require.Empty(t, f.invalidator.roles)
}

func TestDeleteRoleRemovesBindings(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("Temp", true, 4)
	ctx := context.Background()

	result, err := f.service.Delete(ctx, id)
	require.NoError(t, err)
	require.Equal(t, DeleteResult{RoleID: id, BindingsRemoved: 4}, result)
	require.Equal(t, []int64{id}, f.invalidator.roles)

	_, err = f.service.Get(ctx, id)
	require.ErrorIs(t, err, rbac.ErrNotFound)

	_, err = f.service.Delete(ctx, id)
	require.ErrorIs(t, err, rbac.ErrNotFound)
}

func TestToggleActiveKeepsAssignments(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("Payroll", true, 2, 5)
	ctx := context.Background()

	role, err := f.service.ToggleActive(ctx, id)
	require.NoError(t, err)
	require.False(t, role.IsActive)
	require.Equal(t, int64(1), role.UserCount)
	require.Equal(t, int64(2), role.PermissionsCount)

	role, err = f.service.ToggleActive(ctx, id)
	require.NoError(t, err)
	require.True(t, role.IsActive)
	require.Equal(t, []int64{id, id}, f.invalidator.roles)
}

func TestListRolesFiltersActive(t *testing.T) {
	f := newServiceFixture()
	f.repo.seedRole("B", true, 0)
	f.repo.seedRole("a", false, 0)

	all, err := f.service.List(context.Background(), RoleListFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].Name)

	active := true
	only, err := f.service.List(context.Background(), RoleListFilters{Active: &active})
	require.NoError(t, err)
	require.Len(t, only, 1)
	require.Equal(t, "B", only[0].Name)
}

func TestResetCredentialsRejectsShortPasswordBeforeStore(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("Clerk", true, 0, 7)

	_, err := f.service.ResetCredentialsForRole(context.Background(), id, CredentialReset{Password: "12345", Confirmation: "12345", Confirmed: true})
	require.ErrorIs(t, err, rbac.ErrValidation)
	var verr *rbac.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "password")
	require.Zero(t, f.repo.txCalls)
	require.Zero(t, f.hasher.calls)
	require.Equal(t, "old", f.repo.hashOf(7))
}

func TestResetCredentialsRejectsPasswordOverBcryptByteLimit(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("Clerk", true, 0, 7)

	// 40 runes pass the rune-counting max=72 tag but encode to 80 bytes.
	password := strings.Repeat("é", 40)
	_, err := f.service.ResetCredentialsForRole(context.Background(), id, CredentialReset{Password: password, Confirmation: password, Confirmed: true})
	var verr *rbac.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "password")
	require.Zero(t, f.hasher.calls)
	require.Zero(t, f.repo.txCalls)
	require.Equal(t, "old", f.repo.hashOf(7))
}

type failingHasher struct{ err error }

func (h failingHasher) Hash(string) (string, error) { return "", h.err }

func TestResetCredentialsMapsHasherErrors(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("Clerk", true, 0, 7)
	req := CredentialReset{Password: "secret1", Confirmation: "secret1", Confirmed: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewService(f.repo, f.invalidator, f.revoker, failingHasher{err: bcrypt.ErrPasswordTooLong}, logger)
	_, err := svc.ResetCredentialsForRole(context.Background(), id, req)
	require.ErrorIs(t, err, rbac.ErrValidation)

	boom := errors.New("entropy exhausted")
	svc = NewService(f.repo, f.invalidator, f.revoker, failingHasher{err: boom}, logger)
	_, err = svc.ResetCredentialsForRole(context.Background(), id, req)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "hash password")
	require.Zero(t, f.repo.txCalls)
}

func TestResetCredentialsRejectsMismatchAndMissingConfirm(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("Clerk", true, 0, 7)
	ctx := context.Background()

	_, err := f.service.ResetCredentialsForRole(ctx, id, CredentialReset{Password: "secret1", Confirmation: "secret2", Confirmed: true})
	var verr *rbac.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "does not match", verr.Fields["password_confirmation"])

	_, err = f.service.ResetCredentialsForRole(ctx, id, CredentialReset{Password: "secret1", Confirmation: "secret1"})
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "confirm")
	require.Zero(t, f.repo.txCalls)
}

func TestResetCredentialsOverwritesEveryHolder(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("Clerk", true, 0, 7, 8, 9)
	f.repo.seedRole("Other", true, 0, 10)

	result, err := f.service.ResetCredentialsForRole(context.Background(), id, CredentialReset{Password: "secret1", Confirmation: "secret1", Confirmed: true})
	require.NoError(t, err)
	require.Equal(t, id, result.RoleID)
	require.Equal(t, 3, result.Affected)
	for _, uid := range []int64{7, 8, 9} {
		require.Equal(t, "hashed:secret1", f.repo.hashOf(uid))
	}
	require.Equal(t, "old", f.repo.hashOf(10))

	require.Equal(t, 1, f.revoker.calls)
	require.Equal(t, id, f.revoker.roleID)
	require.Equal(t, []int64{7, 8, 9}, f.revoker.userIDs)
}

func TestResetCredentialsWithoutHoldersSkipsRevocation(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("Empty", true, 0)

	result, err := f.service.ResetCredentialsForRole(context.Background(), id, CredentialReset{Password: "secret1", Confirmation: "secret1", Confirmed: true})
	require.NoError(t, err)
	require.Zero(t, result.Affected)
	require.Zero(t, f.revoker.calls)
}

func TestResetCredentialsRevocationFailureIsNotFatal(t *testing.T) {
	f := newServiceFixture()
	id := f.repo.seedRole("Clerk", true, 0, 7)
	f.revoker.err = errors.New("queue down")

	result, err := f.service.ResetCredentialsForRole(context.Background(), id, CredentialReset{Password: "secret1", Confirmation: "secret1", Confirmed: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.Affected)
}

func TestResetCredentialsUnknownRoleAndTransport(t *testing.T) {
	f := newServiceFixture()
	ctx := context.Background()
	req := CredentialReset{Password: "secret1", Confirmation: "secret1", Confirmed: true}

	_, err := f.service.ResetCredentialsForRole(ctx, 404, req)
	require.ErrorIs(t, err, rbac.ErrNotFound)

	id := f.repo.seedRole("Clerk", true, 0, 7)
	f.repo.writeErr = errors.New("connection reset")
	_, err = f.service.ResetCredentialsForRole(ctx, id, req)
	require.ErrorIs(t, err, rbac.ErrTransport)
	require.Equal(t, "old", f.repo.hashOf(7))
}

func TestBcryptHasher(t *testing.T) {
	hash, err := BcryptHasher{Cost: bcrypt.MinCost}.Hash("secret1")
	require.NoError(t, err)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret1")))
}

func TestNameKeyFoldsCaseAndSpace(t *testing.T) {
	require.Equal(t, NameKey("HR  Manager"), NameKey(" hr manager "))
	require.NotEqual(t, NameKey("HR Manager"), NameKey("HR Managers"))
}
