package rbac

import (
	"fmt"
	"strings"
	"time"
)

// TokenKind tags a requirement token with the matcher that evaluates it.
type TokenKind uint8

const (
	// TokenAny is an untagged legacy token, tested against both permission keys and the role name.
	TokenAny TokenKind = iota
	// TokenPermission matches an identity's permission keys.
	TokenPermission
	// TokenRole matches an identity's role name.
	TokenRole
)

func (k TokenKind) String() string {
	switch k {
	case TokenPermission:
		return "perm"
	case TokenRole:
		return "role"
	default:
		return "any"
	}
}

// RequirementToken is one alternative a route accepts.
type RequirementToken struct {
	Kind  TokenKind
	Value string
}

// PermissionKey builds a token satisfied by holding the permission key.
func PermissionKey(key string) RequirementToken {
	return RequirementToken{Kind: TokenPermission, Value: normalizeToken(key)}
}

// RoleName builds a token satisfied by holding the named role.
func RoleName(name string) RequirementToken {
	return RequirementToken{Kind: TokenRole, Value: normalizeToken(name)}
}

// Untagged builds a legacy token that may name either a permission key or a role.
func Untagged(value string) RequirementToken {
	return RequirementToken{Kind: TokenAny, Value: normalizeToken(value)}
}

// ParseToken reads "perm:<key>", "role:<name>" or a bare legacy value.
func ParseToken(raw string) (RequirementToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return RequirementToken{}, fmt.Errorf("rbac: empty requirement token")
	}
	prefix, value, found := strings.Cut(raw, ":")
	if !found {
		return Untagged(raw), nil
	}
	if strings.TrimSpace(value) == "" {
		return RequirementToken{}, fmt.Errorf("rbac: requirement token %q has no value", raw)
	}
	switch strings.ToLower(prefix) {
	case "perm", "permission":
		return PermissionKey(value), nil
	case "role":
		return RoleName(value), nil
	default:
		return RequirementToken{}, fmt.Errorf("rbac: unknown requirement token kind %q", prefix)
	}
}

func (t RequirementToken) String() string {
	if t.Kind == TokenAny {
		return t.Value
	}
	return t.Kind.String() + ":" + t.Value
}

// RequirementSpec is the set of tokens guarding a route; any single match satisfies it.
type RequirementSpec []RequirementToken

// Require builds a RequirementSpec from tokens.
func Require(tokens ...RequirementToken) RequirementSpec {
	return RequirementSpec(tokens)
}

// ParseSpec parses raw token strings into a RequirementSpec.
func ParseSpec(raw ...string) (RequirementSpec, error) {
	spec := make(RequirementSpec, 0, len(raw))
	for _, r := range raw {
		tok, err := ParseToken(r)
		if err != nil {
			return nil, err
		}
		spec = append(spec, tok)
	}
	return spec, nil
}

// Decision is the outcome of an access check. Denials are values, not errors.
// The zero value is not a grant.
type Decision uint8

const (
	Allow Decision = iota + 1
	DenyUnauthenticated
	DenyForbidden
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyUnauthenticated:
		return "deny_unauthenticated"
	case DenyForbidden:
		return "deny_forbidden"
	default:
		return "unknown"
	}
}

// Allowed reports whether the decision grants access.
func (d Decision) Allowed() bool { return d == Allow }

// Decide evaluates identity against spec at the instant now. It reads nothing
// but its arguments.
func Decide(identity *Identity, spec RequirementSpec, now time.Time) Decision {
	if !identity.Valid(now) {
		return DenyUnauthenticated
	}
	if len(spec) == 0 {
		return Allow
	}
	if !identity.RoleActive {
		return DenyForbidden
	}
	role := normalizeToken(identity.RoleName)
	granted := NewKeySet(identity.PermissionKeys...)
	for _, tok := range spec {
		if tok.Value == "" {
			continue
		}
		switch tok.Kind {
		case TokenPermission:
			if granted.Has(tok.Value) {
				return Allow
			}
		case TokenRole:
			if role != "" && role == tok.Value {
				return Allow
			}
		default:
			if granted.Has(tok.Value) || (role != "" && role == tok.Value) {
				return Allow
			}
		}
	}
	return DenyForbidden
}

// Engine evaluates decisions against an injectable clock.
type Engine struct {
	Now func() time.Time
}

// NewEngine returns an Engine using the wall clock.
func NewEngine() *Engine {
	return &Engine{Now: time.Now}
}

// Decide evaluates identity against spec at the engine's current time.
func (e *Engine) Decide(identity *Identity, spec RequirementSpec) Decision {
	now := time.Now
	if e != nil && e.Now != nil {
		now = e.Now
	}
	return Decide(identity, spec, now())
}

// NavigationState is where a navigation attempt ends up.
type NavigationState uint8

const (
	Unevaluated NavigationState = iota
	Rendered
	LoginRedirect
	UnauthorizedRedirect
)

func (s NavigationState) String() string {
	switch s {
	case Rendered:
		return "rendered"
	case LoginRedirect:
		return "login_redirect"
	case UnauthorizedRedirect:
		return "unauthorized_redirect"
	default:
		return "unevaluated"
	}
}

// Navigate maps a decision to its terminal navigation state.
func Navigate(d Decision) NavigationState {
	switch d {
	case Allow:
		return Rendered
	case DenyUnauthenticated:
		return LoginRedirect
	case DenyForbidden:
		return UnauthorizedRedirect
	default:
		return Unevaluated
	}
}
