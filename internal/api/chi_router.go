// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/mycelium-backup/internal/auth"
	"github.com/tomtom215/mycelium-backup/internal/authz"
	"github.com/tomtom215/mycelium-backup/internal/middleware"
)

// Router wires handlers and middleware into a chi mux.
type Router struct {
	handler       *Handler
	chiMiddleware *ChiMiddleware
	authn         *auth.Middleware
	authz         *authz.Middleware
}

// NewRouter creates a router. authn and authz guard every /api/backup route.
func NewRouter(handler *Handler, chiMW *ChiMiddleware, jwtManager *auth.JWTManager, mode auth.AuthMode, enforcer *authz.Enforcer) *Router {
	return &Router{
		handler:       handler,
		chiMiddleware: chiMW,
		authn:         auth.NewMiddleware(jwtManager, mode, unauthorized),
		authz:         authz.NewMiddleware(enforcer, denied),
	}
}

func unauthorized(w http.ResponseWriter, _ *http.Request, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="mycelium-backup"`)
	respondError(w, http.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func denied(w http.ResponseWriter, _ *http.Request, status int, message string) {
	code := CodeForbidden
	if status == http.StatusInternalServerError {
		code = CodeInternal
	}
	respondError(w, status, code, message, nil)
}

// SetupChi builds the HTTP handler.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS()) // must be global to answer OPTIONS preflight

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, CodeNotFound, "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Route("/api/health", func(r chi.Router) {
		r.Use(middleware.PrometheusMetrics)
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/backup", func(r chi.Router) {
		r.Use(router.chiMiddleware.RateLimit())
		r.Use(middleware.PrometheusMetrics)
		r.Use(router.authn.Authenticate)
		r.Use(router.authz.AuthorizeRequest)

		r.With(middleware.Compression).Get("/auto", router.handler.ListBackups)
		r.Post("/run", router.handler.RunBackup)
		r.Post("/restore", router.handler.Restore)
		r.Post("/maintenance", router.handler.Maintenance)
		r.Post("/cleanup", router.handler.CleanupLogs)
		r.Post("/cleanup-files", router.handler.CleanupFiles)
		r.Post("/cancel", router.handler.Cancel)
		r.Get("/progress", router.handler.Progress)
		r.Get("/status", router.handler.LocationStatus)
		r.Get("/summary", router.handler.Summary)
		r.Get("/path/internal", router.handler.InternalPath)
		r.Get("/path/external", router.handler.ExternalPath)
		r.Post("/path/external", router.handler.SetExternalPath)
		r.Delete("/artifacts/{name}", router.handler.DeleteArtifact)
		r.Get("/ws", router.handler.WebSocket)
	})

	return r
}
