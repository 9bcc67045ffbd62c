package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
)

// AnyVersion makes SetBindings skip the version check (last write wins).
const AnyVersion int64 = -1

const (
	invalidateAttempts = 3
	invalidateBackoff  = 20 * time.Millisecond
)

// BinderConfig tunes the in-process effective-permission memo.
type BinderConfig struct {
	MemoSize int
	MemoTTL  time.Duration
}

// Binder manages role-permission bindings and serves each role's effective
// permission set from cache. Each binding change starts a new permission epoch
// for the role.
type Binder struct {
	store  BindingStore
	epochs *cache.Versioned
	memo   *expirable.LRU[string, KeySet]
	group  singleflight.Group
	logger *slog.Logger
}

// NewBinder constructs a Binder.
func NewBinder(store BindingStore, epochs *cache.Versioned, logger *slog.Logger, cfg BinderConfig) *Binder {
	if cfg.MemoSize <= 0 {
		cfg.MemoSize = 256
	}
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		store:  store,
		epochs: epochs,
		memo:   expirable.NewLRU[string, KeySet](cfg.MemoSize, nil, cfg.MemoTTL),
		logger: logger,
	}
}

// Epoch returns the role's current permission epoch.
func (b *Binder) Epoch(ctx context.Context, roleID int64) (int64, error) {
	ver, err := b.epochs.Version(ctx, roleScope(roleID))
	if err != nil {
		return 0, Transport("read epoch", err)
	}
	return ver, nil
}

// BindingsVersion returns the role's stored bindings version.
func (b *Binder) BindingsVersion(ctx context.Context, roleID int64) (int64, error) {
	version, err := b.store.BindingsVersion(ctx, roleID)
	if err != nil {
		return 0, Transport("bindings version", err)
	}
	return version, nil
}

// EffectivePermissions returns the permission keys bound to a role. An unbound role
// yields an empty set. Cached sets are keyed by the stored bindings version, so a
// committed change is never served stale even when the epoch bump is lost.
func (b *Binder) EffectivePermissions(ctx context.Context, roleID int64) (KeySet, error) {
	version, err := b.store.BindingsVersion(ctx, roleID)
	if err != nil {
		return nil, Transport("bindings version", err)
	}
	memoKey := strconv.FormatInt(roleID, 10) + ":" + strconv.FormatInt(version, 10)
	if set, ok := b.memo.Get(memoKey); ok {
		return cloneSet(set), nil
	}
	v, err, _ := b.group.Do(memoKey, func() (any, error) {
		// Shared by every waiter; the first caller's cancellation must not fail the rest.
		keys, err := b.loadKeys(context.WithoutCancel(ctx), roleID, version)
		if err != nil {
			return nil, err
		}
		set := NewKeySet(keys...)
		b.memo.Add(memoKey, set)
		return set, nil
	})
	if err != nil {
		return nil, Transport("effective permissions", err)
	}
	return cloneSet(v.(KeySet)), nil
}

func (b *Binder) loadKeys(ctx context.Context, roleID, version int64) ([]string, error) {
	var keys []string
	var storeErr error
	err := b.epochs.FetchJSON(ctx, b.epochs.Key(roleScope(roleID), version, "keys"), &keys, func(ctx context.Context) (any, error) {
		loaded, err := b.store.RolePermissionKeys(ctx, roleID)
		storeErr = err
		return loaded, err
	})
	if storeErr != nil {
		return nil, storeErr
	}
	if err != nil {
		b.logger.Warn("rbac permission cache unavailable, reading store", slog.Int64("role_id", roleID), slog.Any("error", err))
		return b.store.RolePermissionKeys(ctx, roleID)
	}
	return keys, nil
}

// Bindings returns the role's bound permission ids and version.
func (b *Binder) Bindings(ctx context.Context, roleID int64) (BindingSet, error) {
	set, err := b.store.RoleBindings(ctx, roleID)
	if err != nil {
		return BindingSet{}, Transport("role bindings", err)
	}
	return set, nil
}

// SetBindings replaces the role's entire binding set in one transaction. When
// expectedVersion is not AnyVersion the write is rejected unless it matches the
// stored version. On any failure the previous set stays in place.
func (b *Binder) SetBindings(ctx context.Context, roleID int64, permissionIDs []int64, expectedVersion int64) (BindingSet, error) {
	for _, id := range permissionIDs {
		if id <= 0 {
			return BindingSet{}, NewValidationError("permission_ids", fmt.Sprintf("invalid permission id %d", id))
		}
	}
	want := uniqueIDs(permissionIDs)
	var result BindingSet
	changed := false
	err := b.store.WithTx(ctx, func(ctx context.Context, tx TxStore) error {
		version, err := tx.LockRole(ctx, roleID)
		if err != nil {
			return err
		}
		if expectedVersion != AnyVersion && expectedVersion != version {
			return staleVersion(roleID, version)
		}
		found, err := tx.ExistingPermissionIDs(ctx, want)
		if err != nil {
			return err
		}
		if missing, ok := firstMissing(want, found); ok {
			return &NotFoundError{Entity: "permission", ID: missing}
		}
		current, err := tx.RoleBindingIDs(ctx, roleID)
		if err != nil {
			return err
		}
		add, remove := diffIDs(current, want)
		result = BindingSet{RoleID: roleID, Version: version, PermissionIDs: want}
		if len(add) == 0 && len(remove) == 0 {
			return nil
		}
		if err := tx.DetachPermissions(ctx, roleID, remove); err != nil {
			return err
		}
		if err := tx.AttachPermissions(ctx, roleID, add); err != nil {
			return err
		}
		next, err := tx.BumpBindingsVersion(ctx, roleID)
		if err != nil {
			return err
		}
		result.Version = next
		changed = true
		return nil
	})
	if err != nil {
		if db.IsSerializationFailure(err) {
			return BindingSet{}, &ConflictError{
				Reason:  ReasonStaleVersion,
				Message: fmt.Sprintf("role %d bindings changed concurrently; reload and retry", roleID),
			}
		}
		return BindingSet{}, Transport("set bindings", err)
	}
	if changed {
		if err := b.Invalidate(ctx, roleID); err != nil {
			// The change is committed and cached sets follow the bindings version;
			// only the staleness signal for existing sessions is delayed.
			b.logger.Error("rbac invalidate after set bindings", slog.Int64("role_id", roleID), slog.Int64("version", result.Version), slog.Any("error", err))
		}
	}
	return result, nil
}

// Invalidate drops the role's memoised sets and starts a new permission epoch,
// which marks identities resolved earlier as stale. The bump is retried before
// the failure is returned.
func (b *Binder) Invalidate(ctx context.Context, roleID int64) error {
	b.Forget(roleID)
	var err error
	for attempt := 1; attempt <= invalidateAttempts; attempt++ {
		if _, err = b.epochs.Bump(ctx, roleScope(roleID)); err == nil {
			return nil
		}
		if attempt == invalidateAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return Transport("bump epoch", ctx.Err())
		case <-time.After(time.Duration(attempt) * invalidateBackoff):
		}
	}
	return Transport("bump epoch", err)
}

// Forget drops memoised sets of a role held by this process.
func (b *Binder) Forget(roleID int64) {
	prefix := strconv.FormatInt(roleID, 10) + ":"
	for _, key := range b.memo.Keys() {
		if strings.HasPrefix(key, prefix) {
			b.memo.Remove(key)
		}
	}
}

// Listen drops local memo entries when another instance bumps a role epoch.
func (b *Binder) Listen(ctx context.Context) error {
	return b.epochs.Subscribe(ctx, func(scope string, _ int64) {
		if id, ok := parseRoleScope(scope); ok {
			b.Forget(id)
		}
	})
}

func staleVersion(roleID, current int64) error {
	return &ConflictError{
		Reason:  ReasonStaleVersion,
		Message: fmt.Sprintf("role %d bindings are at version %d; reload and retry", roleID, current),
		Version: current,
	}
}

func roleScope(roleID int64) string {
	return "role." + strconv.FormatInt(roleID, 10)
}

func parseRoleScope(scope string) (int64, bool) {
	raw, ok := strings.CutPrefix(scope, "role.")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func firstMissing(want, found []int64) (int64, bool) {
	have := make(map[int64]struct{}, len(found))
	for _, id := range found {
		have[id] = struct{}{}
	}
	for _, id := range want {
		if _, ok := have[id]; !ok {
			return id, true
		}
	}
	return 0, false
}

func diffIDs(current, want []int64) (add, remove []int64) {
	existing := make(map[int64]struct{}, len(current))
	for _, id := range current {
		existing[id] = struct{}{}
	}
	keep := make(map[int64]struct{}, len(want))
	for _, id := range want {
		keep[id] = struct{}{}
		if _, ok := existing[id]; !ok {
			add = append(add, id)
		}
	}
	for _, id := range current {
		if _, ok := keep[id]; !ok {
			remove = append(remove, id)
		}
	}
	return add, remove
}

func cloneSet(set KeySet) KeySet {
	out := make(KeySet, len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}
