package rbac

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/verdant-pos/verdant/internal/auth"
	"github.com/verdant-pos/verdant/internal/platform/httpx"
	"github.com/verdant-pos/verdant/internal/shared"
)

// PermissionSource resolves the permissions granted to a role.
type PermissionSource func(role string) []string

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Permissions PermissionSource
	Logger      *slog.Logger
}

// NewMiddleware builds a Middleware backed by the static role table.
func NewMiddleware(logger *slog.Logger) Middleware {
	return Middleware{Permissions: shared.RolePermissions, Logger: logger}
}

// RequireAny ensures the current operator has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(perms, hasAnyPermission)
}

// RequireAll ensures the current operator has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(perms, hasAllPermissions)
}

func (m Middleware) require(perms []string, check func(granted, required []string) bool) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			sess := auth.SessionFromContext(r.Context())
			if sess == nil {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "authentication required")
				return
			}
			if check(m.granted(sess.Role), normalized) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Warn("rbac denied", slog.Int64("operator_id", sess.OperatorID), slog.String("role", sess.Role), slog.String("path", r.URL.Path))
			}
			httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing permission "+strings.Join(normalized, ","))
		})
	}
}

func (m Middleware) granted(role string) []string {
	if m.Permissions == nil {
		return shared.RolePermissions(role)
	}
	return m.Permissions(role)
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]struct{}, len(perms))
	normalized := make([]string, 0, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		normalized = append(normalized, p)
	}
	return normalized
}

func permissionSet(granted []string) map[string]struct{} {
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.TrimSpace(strings.ToLower(p))] = struct{}{}
	}
	return set
}

func hasAnyPermission(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := permissionSet(granted)
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted []string, required []string) bool {
	set := permissionSet(granted)
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
