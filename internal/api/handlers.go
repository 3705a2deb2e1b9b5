// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

// Package api serves the backup HTTP API.
//
// Files:
//   - handlers.go: Handler struct, constructor and WebSocket upgrade (this file)
//   - handlers_backup.go: job and artifact endpoints under /api/backup
//   - handlers_health.go: liveness and readiness checks
//   - response.go: response envelope and error mapping
//   - chi_middleware.go, chi_router.go: middleware stack and routes
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/mycelium-backup/internal/backup"
	"github.com/tomtom215/mycelium-backup/internal/jobs"
	"github.com/tomtom215/mycelium-backup/internal/location"
	"github.com/tomtom215/mycelium-backup/internal/logging"
	"github.com/tomtom215/mycelium-backup/internal/orchestrator"
	ws "github.com/tomtom215/mycelium-backup/internal/websocket"
)

// BackupService is the part of *orchestrator.Orchestrator the handlers use.
type BackupService interface {
	StartBackup(ctx context.Context, kind backup.ArtifactKind) (jobs.Job, error)
	StartRestore(ctx context.Context, req orchestrator.RestoreRequest) (jobs.Job, error)
	StartMaintenance(ctx context.Context) (jobs.Job, error)
	StartLogCleanup(ctx context.Context, months int) (jobs.Job, error)
	RequestCancel() (jobs.Job, error)
	Wait(ctx context.Context, id string) (jobs.Job, error)
	Status() jobs.Job
	Location(ctx context.Context) location.Info

	ListArtifacts(kinds ...backup.ArtifactKind) ([]backup.Artifact, error)
	DeleteArtifact(name string) error
	ApplyRetention(ctx context.Context) (map[backup.ArtifactKind]int, error)
	InternalDir() string
	ExternalDir(ctx context.Context) (string, error)
	SetExternalDir(ctx context.Context, path string) (string, error)
	BackupSummary(ctx context.Context) (orchestrator.Summary, error)
}

// Pinger checks database connectivity for the readiness check.
type Pinger interface {
	PingWithin(ctx context.Context, timeout time.Duration) error
}

// Handler contains dependencies for API handlers
type Handler struct {
	backups     BackupService
	wsHub       *ws.Hub
	db          Pinger
	corsOrigins []string
	startTime   time.Time
	now         func() time.Time
}

// NewHandler creates a handler. hub and db may be nil; the WebSocket route
// then answers 503 and readiness reports the database as unavailable.
func NewHandler(backups BackupService, hub *ws.Hub, db Pinger, corsOrigins []string) *Handler {
	return &Handler{
		backups:     backups,
		wsHub:       hub,
		db:          db,
		corsOrigins: corsOrigins,
		startTime:   time.Now(),
		now:         time.Now,
	}
}

// getUpgrader creates a WebSocket upgrader with origin checking and a
// handshake timeout.
func (h *Handler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin accepts requests without an Origin header (the CLI and
// scripts) and browser requests from a configured CORS origin.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.corsOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}

// WebSocket upgrades the connection and streams job snapshots. The current
// snapshot is sent first so a late subscriber does not wait for the next
// change.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if h.wsHub == nil {
		logging.Warn().Msg("WebSocket connection rejected: hub not initialized")
		respondError(w, http.StatusServiceUnavailable, CodeUnavailable, "WebSocket service unavailable", nil)
		return
	}

	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("WebSocket upgrade error")
		return
	}

	client := ws.NewClient(h.wsHub, conn)
	client.Enqueue(ws.Message{Type: ws.MessageTypeJobProgress, Data: h.backups.Status()})
	select {
	case h.wsHub.Register <- client:
		client.Start()
	case <-time.After(5 * time.Second):
		logging.Warn().Msg("WebSocket hub not accepting clients, closing connection")
		_ = conn.Close()
	}
}
