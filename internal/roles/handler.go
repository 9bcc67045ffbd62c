package roles

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-access/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
)

// BindingEditor reads and replaces role bindings.
type BindingEditor interface {
	Bindings(ctx context.Context, roleID int64) (rbac.BindingSet, error)
	SetBindings(ctx context.Context, roleID int64, permissionIDs []int64, expectedVersion int64) (rbac.BindingSet, error)
}

// CatalogReader lists the permission catalog.
type CatalogReader interface {
	Permissions(ctx context.Context) ([]rbac.Permission, error)
}

// Handler manages role administration endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	bindings BindingEditor
	catalog  CatalogReader
	guard    *rbac.Guard
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, bindings BindingEditor, catalog CatalogReader, guard *rbac.Guard) *Handler {
	return &Handler{logger: logger, service: service, bindings: bindings, catalog: catalog, guard: guard}
}

// MountRoutes registers role routes. Every route is guarded by the route table.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Enforce)
		r.Get("/", h.listRoles)
		r.Post("/", h.createRole)
		r.Get("/{id}", h.getRole)
		r.Put("/{id}", h.updateRole)
		r.Delete("/{id}", h.deleteRole)
		r.Post("/{id}/toggle-active", h.toggleActive)
		r.Get("/{id}/permissions", h.showBindings)
		r.Put("/{id}/permissions", h.replaceBindings)
		r.Post("/{id}/credentials/reset", h.resetCredentials)
	})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	filters := RoleListFilters{
		SortBy:  r.URL.Query().Get("sort"),
		SortDir: strings.ToLower(r.URL.Query().Get("dir")),
	}
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			h.fail(w, "list roles", rbac.NewValidationError("active", "must be true or false"))
			return
		}
		filters.Active = &active
	}
	roles, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.fail(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var input RoleInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, "create role", rbac.NewValidationError("body", "malformed JSON"))
		return
	}
	role, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.fail(w, "create role", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	role, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var input RoleInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		h.fail(w, "update role", rbac.NewValidationError("body", "malformed JSON"))
		return
	}
	role, err := h.service.Update(r.Context(), id, input)
	if err != nil {
		h.fail(w, "update role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	if !confirmed(r.URL.Query().Get("confirm")) {
		h.fail(w, "delete role", rbac.NewValidationError("confirm", "deletion must be explicitly confirmed"))
		return
	}
	result, err := h.service.Delete(r.Context(), id)
	if err != nil {
		h.fail(w, "delete role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) toggleActive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	role, err := h.service.ToggleActive(r.Context(), id)
	if err != nil {
		h.fail(w, "toggle role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

type bindingEntry struct {
	rbac.Permission
	Selected bool `json:"selected"`
}

type bindingGroup struct {
	Module      string         `json:"module"`
	Permissions []bindingEntry `json:"permissions"`
}

type bindingsView struct {
	Role          rbac.Role      `json:"role"`
	Version       int64          `json:"version"`
	PermissionIDs []int64        `json:"permission_ids"`
	AllSelected   bool           `json:"all_selected"`
	Modules       []bindingGroup `json:"modules"`
}

func (h *Handler) showBindings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var (
		role    rbac.Role
		set     rbac.BindingSet
		catalog []rbac.Permission
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		role, err = h.service.Get(ctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		set, err = h.bindings.Bindings(ctx, id)
		return err
	})
	g.Go(func() error {
		var err error
		catalog, err = h.catalog.Permissions(ctx)
		return err
	})
	if err := g.Wait(); err != nil {
		h.fail(w, "show bindings", err)
		return
	}
	selection := rbac.NewSelection(catalog, set.PermissionIDs)
	view := bindingsView{
		Role:          role,
		Version:       set.Version,
		PermissionIDs: selection.IDs(),
		AllSelected:   selection.IsSelectAll(),
	}
	for _, group := range rbac.GroupByModule(catalog) {
		bg := bindingGroup{Module: group.Module}
		for _, p := range group.Permissions {
			bg.Permissions = append(bg.Permissions, bindingEntry{Permission: p, Selected: selection.IsSelected(p.ID)})
		}
		view.Modules = append(view.Modules, bg)
	}
	httpx.JSON(w, http.StatusOK, view)
}

type replaceBindingsRequest struct {
	PermissionIDs []int64 `json:"permission_ids"`
	Version       *int64  `json:"version"`
}

func (h *Handler) replaceBindings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var req replaceBindingsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, "replace bindings", rbac.NewValidationError("body", "malformed JSON"))
		return
	}
	if req.Version == nil {
		h.fail(w, "replace bindings", rbac.NewValidationError("version", "is required; read the current bindings first"))
		return
	}
	if req.PermissionIDs == nil {
		req.PermissionIDs = []int64{}
	}
	set, err := h.bindings.SetBindings(r.Context(), id, req.PermissionIDs, *req.Version)
	if err != nil {
		h.fail(w, "replace bindings", err)
		return
	}
	httpx.JSON(w, http.StatusOK, set)
}

func (h *Handler) resetCredentials(w http.ResponseWriter, r *http.Request) {
	id, ok := h.roleID(w, r)
	if !ok {
		return
	}
	var req CredentialReset
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, "reset credentials", rbac.NewValidationError("body", "malformed JSON"))
		return
	}
	result, err := h.service.ResetCredentialsForRole(r.Context(), id, req)
	if err != nil {
		h.fail(w, "reset credentials", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) roleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(w, "parse role id", rbac.NewValidationError("id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if h.logger != nil {
		h.logger.Warn(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func confirmed(raw string) bool {
	ok, err := strconv.ParseBool(raw)
	return err == nil && ok
}
