package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
)

// CheckHandler lets screens outside this service ask for a decision before they
// render or act. Denials are reported in the body, not as error statuses.
type CheckHandler struct {
	guard *Guard
}

// NewCheckHandler builds CheckHandler instance.
func NewCheckHandler(guard *Guard) *CheckHandler {
	return &CheckHandler{guard: guard}
}

// MountRoutes registers decision routes.
func (h *CheckHandler) MountRoutes(r chi.Router) {
	r.Post("/decide", h.decide)
}

type checkRequest struct {
	Requires []string `json:"requires"`
	Route    string   `json:"route"`
}

type checkResponse struct {
	Decision string `json:"decision"`
	State    string `json:"state"`
	Redirect string `json:"redirect,omitempty"`
}

func (h *CheckHandler) decide(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, NewValidationError("body", "malformed JSON"))
		return
	}
	spec, err := h.resolve(req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	identity, err := h.guard.Identities.Identity(r)
	if err != nil {
		h.guard.log().Error("rbac resolve identity", slog.Any("error", err))
		httpx.RespondError(w, Transport("resolve identity", err))
		return
	}
	decision := h.guard.Engine.Decide(identity, spec)
	if h.guard.Observer != nil {
		h.guard.Observer.ObserveDecision("check", decision)
	}
	state := Navigate(decision)
	resp := checkResponse{Decision: decision.String(), State: state.String()}
	switch state {
	case LoginRedirect:
		resp.Redirect = h.guard.LoginURL
	case UnauthorizedRedirect:
		resp.Redirect = h.guard.UnauthorizedURL
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *CheckHandler) resolve(req checkRequest) (RequirementSpec, error) {
	if req.Route != "" {
		if len(req.Requires) > 0 {
			return nil, NewValidationError("route", "send either route or requires, not both")
		}
		method, pattern, err := splitRouteKey(strings.TrimSpace(req.Route))
		if err != nil {
			return nil, NewValidationError("route", err.Error())
		}
		spec, ok := h.guard.Routes.Lookup(method, pattern)
		if !ok {
			return nil, &NotFoundError{Entity: "route " + req.Route}
		}
		return spec, nil
	}
	spec, err := ParseSpec(req.Requires...)
	if err != nil {
		return nil, NewValidationError("requires", err.Error())
	}
	return spec, nil
}
