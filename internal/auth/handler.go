package auth

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// Handler exposes the caller's identity and session lifecycle.
type Handler struct {
	logger         *slog.Logger
	provider       *SessionProvider
	sessionManager *shared.SessionManager
	csrfManager    *shared.CSRFManager
	guard          *rbac.Guard
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, provider *SessionProvider, sessions *shared.SessionManager, csrf *shared.CSRFManager, guard *rbac.Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, provider: provider, sessionManager: sessions, csrfManager: csrf, guard: guard}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/logout", h.handleLogout)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Enforce)
		r.Get("/me", h.showMe)
		r.Post("/session/refresh", h.handleRefresh)
	})
}

func (h *Handler) showMe(w http.ResponseWriter, r *http.Request) {
	identity, err := h.provider.Identity(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	stale, err := h.provider.Stale(r.Context(), identity)
	if err != nil {
		h.logger.Warn("identity staleness check", slog.Any("error", err))
	}
	me := Me{Identity: identity, Stale: stale}
	if h.csrfManager != nil {
		me.CSRFToken, _ = h.csrfManager.EnsureToken(shared.SessionFromContext(r.Context()))
	}
	httpx.JSON(w, http.StatusOK, me)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	identity, err := h.provider.Refresh(r.Context(), shared.SessionFromContext(r.Context()))
	if err != nil {
		h.logger.Error("refresh identity", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if identity == nil {
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "session no longer resolves to an active user")
		return
	}
	me := Me{Identity: identity}
	if h.csrfManager != nil {
		token, err := h.csrfManager.Rotate(shared.SessionFromContext(r.Context()))
		if err != nil {
			h.logger.Warn("rotate csrf token", slog.Any("error", err))
		}
		me.CSRFToken = token
	}
	httpx.JSON(w, http.StatusOK, me)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		if err := h.provider.Logout(r.Context(), sess); err != nil {
			h.logger.Warn("remove session", slog.Any("error", err))
		}
		h.sessionManager.Destroy(sess)
	}
	w.WriteHeader(http.StatusNoContent)
}
