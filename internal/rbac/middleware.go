package rbac

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
)

// IdentitySource yields the caller's cached identity for a request. A nil identity
// with a nil error means the request carries no session.
type IdentitySource interface {
	Identity(r *http.Request) (*Identity, error)
}

// DecisionObserver records decisions, typically as metrics.
type DecisionObserver interface {
	ObserveDecision(route string, d Decision)
}

// Guard enforces the route table on every request it wraps.
type Guard struct {
	Routes          *RouteTable
	Identities      IdentitySource
	Engine          *Engine
	Logger          *slog.Logger
	Observer        DecisionObserver
	LoginURL        string
	UnauthorizedURL string
}

// Enforce looks up the matched chi route pattern in the route table and decides.
// It must run after routing, i.e. inside r.Group or r.With.
func (g *Guard) Enforce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pattern := routePattern(r)
		spec, ok := g.Routes.Lookup(r.Method, pattern)
		identity, err := g.Identities.Identity(r)
		if err != nil {
			g.log().Error("rbac resolve identity", slog.String("route", pattern), slog.Any("error", err))
			httpx.RespondError(w, Transport("resolve identity", err))
			return
		}
		var decision Decision
		if !ok {
			// Unregistered surfaces fail closed for authenticated callers.
			decision = g.Engine.Decide(identity, nil)
			if decision == Allow {
				g.log().Warn("rbac route not registered", slog.String("method", r.Method), slog.String("route", pattern))
				decision = DenyForbidden
			}
		} else {
			decision = g.Engine.Decide(identity, spec)
		}
		if g.Observer != nil {
			g.Observer.ObserveDecision(pattern, decision)
		}
		g.dispatch(w, r, next, decision)
	})
}

// Require guards a handler with an explicit spec instead of a route table lookup.
func (g *Guard) Require(spec RequirementSpec) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := g.Identities.Identity(r)
			if err != nil {
				g.log().Error("rbac resolve identity", slog.Any("error", err))
				httpx.RespondError(w, Transport("resolve identity", err))
				return
			}
			decision := g.Engine.Decide(identity, spec)
			if g.Observer != nil {
				g.Observer.ObserveDecision(routePattern(r), decision)
			}
			g.dispatch(w, r, next, decision)
		})
	}
}

// dispatch renders the route or denies according to the navigation state.
func (g *Guard) dispatch(w http.ResponseWriter, r *http.Request, next http.Handler, decision Decision) {
	switch Navigate(decision) {
	case Rendered:
		next.ServeHTTP(w, r)
	case LoginRedirect:
		g.deny(w, r, g.LoginURL, http.StatusUnauthorized, "Unauthorized", "authentication required")
	default:
		g.deny(w, r, g.UnauthorizedURL, http.StatusForbidden, "Forbidden", "insufficient permissions")
	}
}

func (g *Guard) deny(w http.ResponseWriter, r *http.Request, target string, status int, title, detail string) {
	if target != "" && wantsHTML(r) {
		location := target
		if status == http.StatusUnauthorized {
			location = target + "?next=" + url.QueryEscape(r.URL.RequestURI())
		}
		http.Redirect(w, r, location, http.StatusSeeOther)
		return
	}
	httpx.Problem(w, status, title, detail)
}

func (g *Guard) log() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func wantsHTML(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return normalizePattern(pattern)
		}
	}
	return normalizePattern(r.URL.Path)
}
