package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// IdentitySessionKey is the session value holding the cached identity snapshot.
const IdentitySessionKey = "rbac_identity"

// Provider supplies the caller's identity for a session. Credential checks happen
// upstream; by the time a session reaches Provider it already names a user.
type Provider interface {
	Current(ctx context.Context, sess *shared.Session) (*rbac.Identity, error)
	Refresh(ctx context.Context, sess *shared.Session) (*rbac.Identity, error)
}

// PermissionSource resolves a role's effective permissions, epoch and bindings version.
type PermissionSource interface {
	EffectivePermissions(ctx context.Context, roleID int64) (rbac.KeySet, error)
	Epoch(ctx context.Context, roleID int64) (int64, error)
	BindingsVersion(ctx context.Context, roleID int64) (int64, error)
}

// SessionStore deletes stored sessions.
type SessionStore interface {
	Revoke(ctx context.Context, ids ...string) error
}

// SessionProvider resolves identities from Postgres and caches the snapshot in
// the session until it expires or is refreshed.
type SessionProvider struct {
	repo     Repository
	perms    PermissionSource
	sessions SessionStore
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

var _ Provider = (*SessionProvider)(nil)

// NewSessionProvider constructs a SessionProvider. ttl bounds the snapshot lifetime
// and is normally the session TTL.
func NewSessionProvider(repo Repository, perms PermissionSource, sessions SessionStore, ttl time.Duration, logger *slog.Logger) *SessionProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionProvider{repo: repo, perms: perms, sessions: sessions, ttl: ttl, logger: logger, now: time.Now}
}

// Current returns the cached identity, resolving it on first use. Binding changes made
// after the snapshot was taken are not reflected until Refresh.
func (p *SessionProvider) Current(ctx context.Context, sess *shared.Session) (*rbac.Identity, error) {
	userID, ok := sessionUser(sess)
	if !ok {
		return nil, nil
	}
	if cached := cachedIdentity(sess); cached != nil && cached.UserID == userID && cached.Valid(p.now()) {
		return cached, nil
	}
	return p.Refresh(ctx, sess)
}

// Refresh re-resolves the identity from the store and replaces the cached snapshot.
func (p *SessionProvider) Refresh(ctx context.Context, sess *shared.Session) (*rbac.Identity, error) {
	userID, ok := sessionUser(sess)
	if !ok {
		return nil, nil
	}
	subject, err := p.repo.FindSubject(ctx, userID)
	if err != nil {
		if errors.Is(err, rbac.ErrNotFound) {
			p.logger.Warn("session user missing", slog.Int64("user_id", userID))
			p.clear(sess)
			return nil, nil
		}
		return nil, rbac.Transport("find subject", err)
	}
	if !subject.IsActive {
		p.clear(sess)
		return nil, nil
	}
	now := p.now()
	identity := &rbac.Identity{
		UserID:         subject.UserID,
		RoleID:         subject.RoleID,
		RoleName:       subject.RoleName,
		RoleActive:     subject.RoleActive,
		PermissionKeys: []string{},
		ResolvedAt:     now.UTC(),
	}
	if p.ttl > 0 {
		identity.ExpiresAt = now.Add(p.ttl).UTC()
	}
	if subject.HasRole() {
		// Read the version before the keys so the snapshot never claims a newer version than it holds.
		version, err := p.perms.BindingsVersion(ctx, subject.RoleID)
		if err != nil {
			return nil, err
		}
		identity.BindingsVersion = version
		keys, err := p.perms.EffectivePermissions(ctx, subject.RoleID)
		if err != nil {
			return nil, err
		}
		identity.PermissionKeys = keys.Sorted()
		epoch, err := p.perms.Epoch(ctx, subject.RoleID)
		if err != nil {
			return nil, err
		}
		identity.Epoch = epoch
	}
	data, err := json.Marshal(identity)
	if err != nil {
		return nil, err
	}
	sess.Set(IdentitySessionKey, string(data))
	if err := p.repo.CreateSession(ctx, sess.ID, userID, now.Add(p.ttl), "", ""); err != nil {
		p.logger.Warn("register session", slog.String("session_id", sess.ID), slog.Any("error", err))
	}
	return identity, nil
}

// Stale reports whether the role's permission epoch or stored bindings moved since
// identity was resolved. The bindings version catches changes whose epoch bump was lost.
func (p *SessionProvider) Stale(ctx context.Context, identity *rbac.Identity) (bool, error) {
	if identity == nil || identity.RoleID == 0 {
		return false, nil
	}
	version, err := p.perms.BindingsVersion(ctx, identity.RoleID)
	if err != nil {
		return false, err
	}
	if version != identity.BindingsVersion {
		return true, nil
	}
	epoch, err := p.perms.Epoch(ctx, identity.RoleID)
	if err != nil {
		return false, err
	}
	return epoch != identity.Epoch, nil
}

// Identity implements rbac.IdentitySource using the request's session.
func (p *SessionProvider) Identity(r *http.Request) (*rbac.Identity, error) {
	return p.Current(r.Context(), shared.SessionFromContext(r.Context()))
}

// Logout removes the session registration and cached identity.
func (p *SessionProvider) Logout(ctx context.Context, sess *shared.Session) error {
	if sess == nil {
		return nil
	}
	p.clear(sess)
	return p.repo.DeleteSession(ctx, sess.ID)
}

// RevokeUserSessions ends every registered session of the given users.
func (p *SessionProvider) RevokeUserSessions(ctx context.Context, userIDs []int64) (int, error) {
	records, err := p.repo.SessionsForUsers(ctx, userIDs)
	if err != nil {
		return 0, rbac.Transport("list sessions", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	if p.sessions != nil {
		if err := p.sessions.Revoke(ctx, ids...); err != nil {
			return 0, rbac.Transport("revoke sessions", err)
		}
	}
	removed, err := p.repo.DeleteSessions(ctx, ids)
	if err != nil {
		return 0, rbac.Transport("delete sessions", err)
	}
	p.logger.Info("sessions revoked", slog.Int("users", len(userIDs)), slog.Int64("sessions", removed))
	return len(ids), nil
}

// PurgeExpired drops session registrations whose sessions already expired.
func (p *SessionProvider) PurgeExpired(ctx context.Context) (int64, error) {
	removed, err := p.repo.DeleteExpiredSessions(ctx, p.now())
	if err != nil {
		return 0, rbac.Transport("purge sessions", err)
	}
	return removed, nil
}

func (p *SessionProvider) clear(sess *shared.Session) {
	if sess != nil && sess.Get(IdentitySessionKey) != "" {
		sess.Delete(IdentitySessionKey)
	}
}

func sessionUser(sess *shared.Session) (int64, bool) {
	if sess == nil || sess.User() == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(sess.User(), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func cachedIdentity(sess *shared.Session) *rbac.Identity {
	raw := sess.Get(IdentitySessionKey)
	if raw == "" {
		return nil
	}
	var identity rbac.Identity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		return nil
	}
	return &identity
}
