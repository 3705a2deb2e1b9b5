// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package api

import (
	"net/http"
	"time"
)

// readinessPingTimeout bounds the database ping of the readiness check.
const readinessPingTimeout = 2 * time.Second

// HealthStatus is the body of the health checks.
type HealthStatus struct {
	Status      string  `json:"status"`
	Database    string  `json:"database,omitempty"`
	JobStatus   string  `json:"job_status"`
	Uptime      float64 `json:"uptime_seconds"`
	WSClients   int     `json:"ws_clients"`
	CheckedAt   string  `json:"checked_at"`
	Description string  `json:"description,omitempty"`
}

func (h *Handler) baseHealth() HealthStatus {
	hs := HealthStatus{
		Status:    "healthy",
		JobStatus: string(h.backups.Status().Status),
		Uptime:    time.Since(h.startTime).Seconds(),
		CheckedAt: h.now().UTC().Format(time.RFC3339),
	}
	if h.wsHub != nil {
		hs.WSClients = h.wsHub.GetClientCount()
	}
	return hs
}

// HealthLive reports that the process is serving requests.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, h.baseHealth())
}

// HealthReady additionally pings the database and answers 503 when it is
// unreachable.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	hs := h.baseHealth()
	if h.db == nil {
		hs.Status = "degraded"
		hs.Database = "unconfigured"
		respondJSON(w, http.StatusServiceUnavailable, &Response{Success: false, Data: hs, Error: "database unavailable", Code: CodeUnavailable})
		return
	}
	if err := h.db.PingWithin(r.Context(), readinessPingTimeout); err != nil {
		hs.Status = "degraded"
		hs.Database = "unreachable"
		hs.Description = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, &Response{Success: false, Data: hs, Error: "database unavailable", Code: CodeUnavailable})
		return
	}
	hs.Database = "connected"
	respondData(w, http.StatusOK, hs)
}
