package httpserver

import (
	"fmt"
	"net/http"

	"github.com/dmitrijs2005/siteauth/internal/server/roles"
)

// route is one entry of the static route table. An empty minRole means
// public.
type route struct {
	method      string
	pattern     string
	minRole     roles.Role
	needsDB     bool
	rateLimited bool
	handler     http.HandlerFunc
}

func (s *HTTPServer) routes() []route {
	return []route{
		{method: http.MethodGet, pattern: "/api/health", handler: s.handleHealth},

		{method: http.MethodPost, pattern: "/api/auth/login", needsDB: true, rateLimited: true, handler: s.handleLogin},
		{method: http.MethodPost, pattern: "/api/auth/register", needsDB: true, rateLimited: true, handler: s.handleRegister},
		{method: http.MethodGet, pattern: "/api/auth/profile", minRole: roles.Viewer, needsDB: true, handler: s.handleProfile},
		{method: http.MethodPost, pattern: "/api/auth/refresh", minRole: roles.Viewer, needsDB: true, handler: s.handleRefresh},
		{method: http.MethodPost, pattern: "/api/auth/logout", minRole: roles.Viewer, needsDB: true, handler: s.handleLogout},

		{method: http.MethodGet, pattern: "/api/admin/users", minRole: roles.Admin, needsDB: true, handler: s.handleListUsers},
		{method: http.MethodPatch, pattern: "/api/admin/users/{id}/role", minRole: roles.Admin, needsDB: true, handler: s.handleChangeRole},
		{method: http.MethodPatch, pattern: "/api/admin/users/{id}/status", minRole: roles.Admin, needsDB: true, handler: s.handleSetStatus},

		{method: http.MethodPost, pattern: "/api/upload/presign", minRole: roles.Editor, needsDB: true, handler: s.handlePresignUpload},
		{method: http.MethodGet, pattern: "/api/upload/{key}", minRole: roles.Viewer, needsDB: true, handler: s.handleGetUpload},
	}
}

// validateRoutes rejects a table with unknown roles, missing handlers or
// duplicate method/pattern pairs.
func validateRoutes(table []route) error {
	seen := make(map[string]struct{}, len(table))
	for _, rt := range table {
		key := rt.method + " " + rt.pattern
		if rt.method == "" || rt.pattern == "" {
			return fmt.Errorf("route %q: method and pattern are required", key)
		}
		if rt.handler == nil {
			return fmt.Errorf("route %q: no handler", key)
		}
		if rt.minRole != "" && !rt.minRole.Valid() {
			return fmt.Errorf("route %q: unknown role %q", key, rt.minRole)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("route %q: declared twice", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
