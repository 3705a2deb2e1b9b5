// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package authz

import (
	"net/http"

	"github.com/tomtom215/mycelium-backup/internal/auth"
	"github.com/tomtom215/mycelium-backup/internal/logging"
)

// DeniedFunc writes a rejection. status is 403 or 500.
type DeniedFunc func(w http.ResponseWriter, r *http.Request, status int, message string)

// Middleware authorizes requests by role, path and method.
type Middleware struct {
	enforcer *Enforcer
	denied   DeniedFunc
}

// NewMiddleware creates a new authorization middleware.
func NewMiddleware(enforcer *Enforcer, denied DeniedFunc) *Middleware {
	if denied == nil {
		denied = func(w http.ResponseWriter, _ *http.Request, status int, message string) {
			http.Error(w, message, status)
		}
	}
	return &Middleware{enforcer: enforcer, denied: denied}
}

// AuthorizeRequest maps the method to an action and checks it against the
// request path. It must run after authentication.
func (m *Middleware) AuthorizeRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if !ok {
			m.denied(w, r, http.StatusForbidden, "forbidden: no authentication context")
			return
		}

		action := MethodToAction(r.Method)
		allowed, err := m.enforcer.Enforce(claims.Role, r.URL.Path, action)
		if err != nil {
			logging.Ctx(r.Context()).Error().Err(err).Msg("Authorization error")
			m.denied(w, r, http.StatusInternalServerError, "internal server error")
			return
		}
		if !allowed {
			logging.Ctx(r.Context()).Warn().
				Str("user", claims.Username).
				Str("role", claims.Role).
				Str("action", action).
				Str("path", r.URL.Path).
				Msg("Authorization denied")
			m.denied(w, r, http.StatusForbidden, "forbidden: insufficient permissions")
			return
		}

		next.ServeHTTP(w, r)
	})
}
