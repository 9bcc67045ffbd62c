package rbac

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/odyssey-access/internal/shared"
)

// RouteTable maps "METHOD /pattern" to the requirement guarding it. It is static
// configuration; protected surfaces are registered here, not at runtime.
type RouteTable struct {
	routes map[string]RequirementSpec
}

// NewRouteTable builds a table from raw token lists keyed by "METHOD /pattern".
func NewRouteTable(raw map[string][]string) (*RouteTable, error) {
	t := &RouteTable{routes: make(map[string]RequirementSpec, len(raw))}
	for key, tokens := range raw {
		method, pattern, err := splitRouteKey(key)
		if err != nil {
			return nil, err
		}
		spec, err := ParseSpec(tokens...)
		if err != nil {
			return nil, fmt.Errorf("rbac: route %q: %w", key, err)
		}
		t.routes[routeKey(method, pattern)] = spec
	}
	return t, nil
}

// Lookup returns the requirement for method and chi route pattern. A "*" method
// entry applies when no method-specific entry exists.
func (t *RouteTable) Lookup(method, pattern string) (RequirementSpec, bool) {
	if t == nil {
		return nil, false
	}
	pattern = normalizePattern(pattern)
	if spec, ok := t.routes[routeKey(method, pattern)]; ok {
		return spec, true
	}
	spec, ok := t.routes[routeKey("*", pattern)]
	return spec, ok
}

// Merge returns a table with other's entries overriding t's.
func (t *RouteTable) Merge(other *RouteTable) *RouteTable {
	out := &RouteTable{routes: make(map[string]RequirementSpec)}
	if t != nil {
		for k, v := range t.routes {
			out.routes[k] = v
		}
	}
	if other != nil {
		for k, v := range other.routes {
			out.routes[k] = v
		}
	}
	return out
}

// Keys lists the registered routes in order.
func (t *RouteTable) Keys() []string {
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.routes))
	for k := range t.routes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type routeFile struct {
	Routes map[string][]string `yaml:"routes"`
}

// LoadRouteTable reads a YAML route table:
//
//	routes:
//	  "GET /leave": ["perm:leave.view", "role:hr_manager"]
func LoadRouteTable(path string) (*RouteTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rbac: read route table: %w", err)
	}
	return ParseRouteTable(data)
}

// ParseRouteTable decodes a YAML route table document.
func ParseRouteTable(data []byte) (*RouteTable, error) {
	var file routeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("rbac: decode route table: %w", err)
	}
	return NewRouteTable(file.Routes)
}

// DefaultRouteTable protects the access-control administration surface itself.
func DefaultRouteTable() *RouteTable {
	const superAdmin = "role:super_admin"
	t, err := NewRouteTable(map[string][]string{
		"GET /permissions":                   {"perm:" + shared.PermPermissionsView, superAdmin},
		"GET /roles":                         {"perm:" + shared.PermRolesView, superAdmin},
		"GET /roles/{id}":                    {"perm:" + shared.PermRolesView, superAdmin},
		"POST /roles":                        {"perm:" + shared.PermRolesEdit, superAdmin},
		"PUT /roles/{id}":                    {"perm:" + shared.PermRolesEdit, superAdmin},
		"POST /roles/{id}/toggle-active":     {"perm:" + shared.PermRolesEdit, superAdmin},
		"DELETE /roles/{id}":                 {"perm:" + shared.PermRolesDelete, superAdmin},
		"GET /roles/{id}/permissions":        {"perm:" + shared.PermRolesView, superAdmin},
		"PUT /roles/{id}/permissions":        {"perm:" + shared.PermRolesAssign, superAdmin},
		"POST /roles/{id}/credentials/reset": {"perm:" + shared.PermUsersPasswordReset, superAdmin},
		"GET /auth/me":                       {},
		"POST /auth/session/refresh":         {},
		"GET /users":                         {"perm:" + shared.PermUsersView, superAdmin},
		"PUT /users/{id}/role":               {"perm:" + shared.PermUsersEdit, superAdmin},
		"GET /jobs/health":                   {superAdmin},
	})
	if err != nil {
		panic(err)
	}
	return t
}

func splitRouteKey(key string) (string, string, error) {
	fields := strings.Fields(key)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("rbac: route key %q must be \"METHOD /pattern\"", key)
	}
	method := strings.ToUpper(fields[0])
	if method != "*" {
		switch method {
		case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions:
		default:
			return "", "", fmt.Errorf("rbac: route key %q has unknown method", key)
		}
	}
	if !strings.HasPrefix(fields[1], "/") {
		return "", "", fmt.Errorf("rbac: route key %q pattern must start with /", key)
	}
	return method, normalizePattern(fields[1]), nil
}

func routeKey(method, pattern string) string {
	return strings.ToUpper(method) + " " + pattern
}

func normalizePattern(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
