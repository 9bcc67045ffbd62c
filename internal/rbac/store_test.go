package rbac

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// memStore is an in-memory BindingStore and CatalogStore. WithTx works on a copy
// and only publishes it when fn succeeds.
type memStore struct {
	mu          sync.Mutex
	permissions map[int64]Permission
	versions    map[int64]int64
	bindings    map[int64]map[int64]struct{}
	nextID      int64
	failAttach  error
	keyReads    int
}

func newMemStore(perms ...Permission) *memStore {
	s := &memStore{
		permissions: map[int64]Permission{},
		versions:    map[int64]int64{},
		bindings:    map[int64]map[int64]struct{}{},
	}
	for _, p := range perms {
		s.permissions[p.ID] = p
		if p.ID > s.nextID {
			s.nextID = p.ID
		}
	}
	return s
}

func (s *memStore) addRole(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[id] = 1
	s.bindings[id] = map[int64]struct{}{}
}

func (s *memStore) ListPermissions(context.Context) ([]Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Permission, 0, len(s.permissions))
	for _, p := range s.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) UpsertPermission(_ context.Context, seed PermissionSeed) (Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.permissions {
		if p.Key == seed.Key {
			p.Name, p.Module, p.Description = seed.Name, seed.Module, seed.Description
			s.permissions[id] = p
			return p, nil
		}
	}
	s.nextID++
	p := Permission{ID: s.nextID, Key: seed.Key, Name: seed.Name, Module: seed.Module, Description: seed.Description}
	s.permissions[p.ID] = p
	return p, nil
}

func (s *memStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{store: s, versions: map[int64]int64{}, bindings: map[int64]map[int64]struct{}{}}
	for id, v := range s.versions {
		tx.versions[id] = v
		set := make(map[int64]struct{}, len(s.bindings[id]))
		for pid := range s.bindings[id] {
			set[pid] = struct{}{}
		}
		tx.bindings[id] = set
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.versions, s.bindings = tx.versions, tx.bindings
	return nil
}

func (s *memStore) RoleBindings(_ context.Context, roleID int64) (BindingSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version, ok := s.versions[roleID]
	if !ok {
		return BindingSet{}, &NotFoundError{Entity: "role", ID: roleID}
	}
	return BindingSet{RoleID: roleID, Version: version, PermissionIDs: sortedIDs(s.bindings[roleID])}, nil
}

func (s *memStore) BindingsVersion(_ context.Context, roleID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version, ok := s.versions[roleID]
	if !ok {
		return 0, &NotFoundError{Entity: "role", ID: roleID}
	}
	return version, nil
}

func (s *memStore) RolePermissionKeys(_ context.Context, roleID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyReads++
	if _, ok := s.versions[roleID]; !ok {
		return nil, &NotFoundError{Entity: "role", ID: roleID}
	}
	keys := []string{}
	for id := range s.bindings[roleID] {
		keys = append(keys, s.permissions[id].Key)
	}
	sort.Strings(keys)
	return keys, nil
}

type memTx struct {
	store    *memStore
	versions map[int64]int64
	bindings map[int64]map[int64]struct{}
}

func (t *memTx) LockRole(_ context.Context, roleID int64) (int64, error) {
	v, ok := t.versions[roleID]
	if !ok {
		return 0, &NotFoundError{Entity: "role", ID: roleID}
	}
	return v, nil
}

func (t *memTx) ExistingPermissionIDs(_ context.Context, ids []int64) ([]int64, error) {
	var out []int64
	for _, id := range ids {
		if _, ok := t.store.permissions[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (t *memTx) RoleBindingIDs(_ context.Context, roleID int64) ([]int64, error) {
	return sortedIDs(t.bindings[roleID]), nil
}

func (t *memTx) AttachPermissions(_ context.Context, roleID int64, ids []int64) error {
	if t.store.failAttach != nil && len(ids) > 0 {
		return t.store.failAttach
	}
	for _, id := range ids {
		t.bindings[roleID][id] = struct{}{}
	}
	return nil
}

func (t *memTx) DetachPermissions(_ context.Context, roleID int64, ids []int64) error {
	for _, id := range ids {
		delete(t.bindings[roleID], id)
	}
	return nil
}

func (t *memTx) BumpBindingsVersion(_ context.Context, roleID int64) (int64, error) {
	t.versions[roleID]++
	return t.versions[roleID], nil
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var errConnReset = errors.New("connection reset by peer")

func hrCatalog() []Permission {
	return []Permission{
		{ID: 1, Key: "leave.view", Name: "View leave", Module: "leave"},
		{ID: 2, Key: "leave.approve", Name: "Approve leave", Module: "leave"},
		{ID: 3, Key: "payroll.view", Name: "View payroll", Module: "payroll"},
		{ID: 4, Key: "assets.view", Name: "View assets", Module: "assets"},
	}
}
