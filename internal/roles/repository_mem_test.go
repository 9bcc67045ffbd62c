package roles

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

type memUser struct {
	roleID int64
	hash   string
}

type memState struct {
	roles    map[int64]rbac.Role
	keys     map[int64]string
	bindings map[int64]int64
	users    map[int64]memUser
}

func (s memState) clone() memState {
	out := memState{
		roles:    make(map[int64]rbac.Role, len(s.roles)),
		keys:     make(map[int64]string, len(s.keys)),
		bindings: make(map[int64]int64, len(s.bindings)),
		users:    make(map[int64]memUser, len(s.users)),
	}
	for k, v := range s.roles {
		out.roles[k] = v
	}
	for k, v := range s.keys {
		out.keys[k] = v
	}
	for k, v := range s.bindings {
		out.bindings[k] = v
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	return out
}

// memRepository is an in-memory Repository; WithTx publishes its copy only on success.
type memRepository struct {
	mu       sync.Mutex
	state    memState
	nextID   int64
	txCalls  int
	writeErr error
}

func newMemRepository() *memRepository {
	return &memRepository{state: memState{
		roles:    map[int64]rbac.Role{},
		keys:     map[int64]string{},
		bindings: map[int64]int64{},
		users:    map[int64]memUser{},
	}}
}

func (m *memRepository) seedRole(name string, active bool, bindings int64, userIDs ...int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.state.roles[id] = rbac.Role{ID: id, Name: name, IsActive: active, BindingsVersion: 1}
	m.state.keys[id] = NameKey(name)
	m.state.bindings[id] = bindings
	for _, uid := range userIDs {
		m.state.users[uid] = memUser{roleID: id, hash: "old"}
	}
	return id
}

func (m *memRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCalls++
	tx := &memTx{repo: m, state: m.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.state = tx.state
	return nil
}

func (m *memRepository) ListRoles(_ context.Context, filters RoleListFilters) ([]rbac.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []rbac.Role{}
	for id := range m.state.roles {
		role := decorate(m.state, id)
		if filters.Active != nil && role.IsActive != *filters.Active {
			continue
		}
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return NameKey(out[i].Name) < NameKey(out[j].Name) })
	return out, nil
}

func (m *memRepository) GetRole(_ context.Context, id int64) (rbac.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.roles[id]; !ok {
		return rbac.Role{}, &rbac.NotFoundError{Entity: "role", ID: id}
	}
	return decorate(m.state, id), nil
}

func (m *memRepository) hashOf(userID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.users[userID].hash
}

func decorate(s memState, id int64) rbac.Role {
	role := s.roles[id]
	role.PermissionsCount = s.bindings[id]
	role.UserCount = 0
	for _, u := range s.users {
		if u.roleID == id {
			role.UserCount++
		}
	}
	return role
}

type memTx struct {
	repo  *memRepository
	state memState
}

func (t *memTx) taken(nameKey string, except int64) bool {
	for id, key := range t.state.keys {
		if key == nameKey && id != except {
			return true
		}
	}
	return false
}

func (t *memTx) InsertRole(_ context.Context, name, nameKey, description string, active bool) (rbac.Role, error) {
	if t.repo.writeErr != nil {
		return rbac.Role{}, t.repo.writeErr
	}
	if t.taken(nameKey, 0) {
		return rbac.Role{}, ErrDuplicateName
	}
	t.repo.nextID++
	id := t.repo.nextID
	now := time.Now().UTC()
	t.state.roles[id] = rbac.Role{ID: id, Name: name, Description: description, IsActive: active, BindingsVersion: 1, CreatedAt: now, UpdatedAt: now}
	t.state.keys[id] = nameKey
	return decorate(t.state, id), nil
}

func (t *memTx) UpdateRole(_ context.Context, id int64, name, nameKey, description string, active bool) (rbac.Role, error) {
	role, ok := t.state.roles[id]
	if !ok {
		return rbac.Role{}, &rbac.NotFoundError{Entity: "role", ID: id}
	}
	if t.taken(nameKey, id) {
		return rbac.Role{}, ErrDuplicateName
	}
	role.Name, role.Description, role.IsActive = name, description, active
	t.state.roles[id] = role
	t.state.keys[id] = nameKey
	return decorate(t.state, id), nil
}

func (t *memTx) LockRole(_ context.Context, id int64) (rbac.Role, error) {
	if _, ok := t.state.roles[id]; !ok {
		return rbac.Role{}, &rbac.NotFoundError{Entity: "role", ID: id}
	}
	return decorate(t.state, id), nil
}

func (t *memTx) DeleteRole(_ context.Context, id int64) (int64, error) {
	if _, ok := t.state.roles[id]; !ok {
		return 0, &rbac.NotFoundError{Entity: "role", ID: id}
	}
	removed := t.state.bindings[id]
	delete(t.state.roles, id)
	delete(t.state.keys, id)
	delete(t.state.bindings, id)
	return removed, nil
}

func (t *memTx) SetActive(_ context.Context, id int64, active bool) (rbac.Role, error) {
	role, ok := t.state.roles[id]
	if !ok {
		return rbac.Role{}, &rbac.NotFoundError{Entity: "role", ID: id}
	}
	role.IsActive = active
	t.state.roles[id] = role
	return decorate(t.state, id), nil
}

func (t *memTx) OverwritePasswords(_ context.Context, roleID int64, passwordHash string) ([]int64, error) {
	if t.repo.writeErr != nil {
		return nil, t.repo.writeErr
	}
	var ids []int64
	for uid, u := range t.state.users {
		if u.roleID == roleID {
			u.hash = passwordHash
			t.state.users[uid] = u
			ids = append(ids, uid)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
