// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tomtom215/mycelium-backup/internal/logging"
)

type contextKey string

// ClaimsContextKey holds the authenticated *Claims in the request context.
const ClaimsContextKey contextKey = "claims"

// anonymousAdmin is attached when authentication is disabled.
var anonymousAdmin = &Claims{Username: "anonymous", Role: RoleAdmin}

// UnauthorizedFunc writes a 401 response.
type UnauthorizedFunc func(w http.ResponseWriter, r *http.Request, message string)

// Middleware authenticates API requests.
type Middleware struct {
	jwtManager   *JWTManager
	authMode     AuthMode
	unauthorized UnauthorizedFunc
}

// NewMiddleware creates the authentication middleware. jwtManager may be nil
// when mode is AuthModeNone.
func NewMiddleware(jwtManager *JWTManager, mode AuthMode, unauthorized UnauthorizedFunc) *Middleware {
	if unauthorized == nil {
		unauthorized = func(w http.ResponseWriter, _ *http.Request, message string) {
			http.Error(w, message, http.StatusUnauthorized)
		}
	}
	return &Middleware{jwtManager: jwtManager, authMode: mode, unauthorized: unauthorized}
}

// Authenticate is middleware that enforces authentication
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.authMode == AuthModeNone {
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), anonymousAdmin)))
			return
		}

		token, err := extractJWTToken(r)
		if err != nil {
			m.unauthorized(w, r, err.Error())
			return
		}

		claims, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			logging.Ctx(r.Context()).Warn().Err(err).Msg("Token validation failed")
			m.unauthorized(w, r, "unauthorized: invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// extractJWTToken reads the Bearer token from the Authorization header, or
// the token query parameter for WebSocket upgrades where browsers cannot
// set headers.
func extractJWTToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if tok := r.URL.Query().Get("token"); tok != "" && isUpgrade(r) {
			return tok, nil
		}
		return "", fmt.Errorf("unauthorized: missing token")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", fmt.Errorf("unauthorized: invalid authorization header")
	}
	return parts[1], nil
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, ClaimsContextKey, claims)
}

// ClaimsFromContext returns the authenticated claims, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*Claims)
	return claims, ok && claims != nil
}
