// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/mycelium-backup/internal/backup"
	"github.com/tomtom215/mycelium-backup/internal/jobs"
	"github.com/tomtom215/mycelium-backup/internal/logging"
	"github.com/tomtom215/mycelium-backup/internal/orchestrator"
)

// displayTimeFormat is the absolute part of created_at_display.
const displayTimeFormat = "2006-01-02 15:04:05"

// RunBackupRequest is the body of POST /run.
type RunBackupRequest struct {
	Kind string `json:"kind" validate:"omitempty,oneof=auto daily manual"`
}

// CleanupRequest is the body of POST /cleanup.
type CleanupRequest struct {
	Months int `json:"months" validate:"gte=1"`
}

// PathRequest is the body of POST /path/external.
type PathRequest struct {
	Path string `json:"path" validate:"max=4096,abspath_or_empty"`
}

// PathResponse reports a backup directory.
type PathResponse struct {
	Path string `json:"path"`
}

// ArtifactView is an artifact as listed by GET /auto.
type ArtifactView struct {
	backup.Artifact
	CreatedAtDisplay string `json:"created_at_display"`
	SizeDisplay      string `json:"size_display"`
}

// CleanupFilesResponse reports retention results.
type CleanupFilesResponse struct {
	Deleted map[backup.ArtifactKind]int `json:"deleted"`
	Total   int                         `json:"total"`
}

// parseKindFilter reads ?kind. Without it the automatic kinds are listed.
func parseKindFilter(raw string) ([]backup.ArtifactKind, error) {
	switch raw {
	case "":
		return []backup.ArtifactKind{backup.KindAuto, backup.KindDaily}, nil
	case "all":
		return backup.AllKinds, nil
	}
	var kinds []backup.ArtifactKind
	for _, part := range strings.Split(raw, ",") {
		kind, err := backup.ParseKind(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// ListBackups handles GET /api/backup/auto.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKindFilter(r.URL.Query().Get("kind"))
	if err != nil {
		respondError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}

	artifacts, err := h.backups.ListArtifacts(kinds...)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	now := h.now()
	views := make([]ArtifactView, 0, len(artifacts))
	for _, a := range artifacts {
		views = append(views, ArtifactView{
			Artifact: a,
			CreatedAtDisplay: fmt.Sprintf("%s (%s)",
				a.CreatedAt.Local().Format(displayTimeFormat),
				humanize.RelTime(a.CreatedAt, now, "ago", "from now")),
			SizeDisplay: humanize.Bytes(uint64(max(a.Size, 0))),
		})
	}
	respondData(w, http.StatusOK, views)
}

// RunBackup handles POST /api/backup/run.
func (h *Handler) RunBackup(w http.ResponseWriter, r *http.Request) {
	var req RunBackupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	kind := backup.KindManual
	if req.Kind != "" {
		kind = backup.ArtifactKind(req.Kind)
	}

	job, err := h.backups.StartBackup(r.Context(), kind)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusAccepted, job)
}

// Restore handles POST /api/backup/restore.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.RestoreRequest
	if !decodeBody(w, r, &req) {
		return
	}

	job, err := h.backups.StartRestore(r.Context(), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusAccepted, job)
}

// Maintenance handles POST /api/backup/maintenance.
func (h *Handler) Maintenance(w http.ResponseWriter, r *http.Request) {
	job, err := h.backups.StartMaintenance(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	h.respondStarted(w, r, job)
}

// CleanupLogs handles POST /api/backup/cleanup.
func (h *Handler) CleanupLogs(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if !decodeBody(w, r, &req) {
		return
	}

	job, err := h.backups.StartLogCleanup(r.Context(), req.Months)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	h.respondStarted(w, r, job)
}

// respondStarted answers 202 with the admitted job, or with ?wait=true blocks
// until it is terminal and answers 200.
func (h *Handler) respondStarted(w http.ResponseWriter, r *http.Request, job jobs.Job) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		respondData(w, http.StatusAccepted, job)
		return
	}

	final, err := h.backups.Wait(r.Context(), job.ID)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Str("job_id", job.ID).Msg("Stopped waiting for job")
		respondData(w, http.StatusAccepted, final)
		return
	}
	respondData(w, http.StatusOK, final)
}

// InternalPath handles GET /api/backup/path/internal.
func (h *Handler) InternalPath(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, PathResponse{Path: h.backups.InternalDir()})
}

// ExternalPath handles GET /api/backup/path/external.
func (h *Handler) ExternalPath(w http.ResponseWriter, r *http.Request) {
	dir, err := h.backups.ExternalDir(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, PathResponse{Path: dir})
}

// SetExternalPath handles POST /api/backup/path/external.
func (h *Handler) SetExternalPath(w http.ResponseWriter, r *http.Request) {
	var req PathRequest
	if !decodeBody(w, r, &req) {
		return
	}

	dir, err := h.backups.SetExternalDir(r.Context(), req.Path)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, PathResponse{Path: dir})
}

// LocationStatus handles GET /api/backup/status.
func (h *Handler) LocationStatus(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, h.backups.Location(r.Context()))
}

// Cancel handles POST /api/backup/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, _ *http.Request) {
	job, err := h.backups.RequestCancel()
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, job)
}

// Progress handles GET /api/backup/progress.
func (h *Handler) Progress(w http.ResponseWriter, _ *http.Request) {
	respondData(w, http.StatusOK, h.backups.Status())
}

// CleanupFiles handles POST /api/backup/cleanup-files.
func (h *Handler) CleanupFiles(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.backups.ApplyRetention(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	total := 0
	for _, n := range deleted {
		total += n
	}
	respondData(w, http.StatusOK, CleanupFilesResponse{Deleted: deleted, Total: total})
}

// DeleteArtifact handles DELETE /api/backup/artifacts/{name}.
func (h *Handler) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.backups.DeleteArtifact(name); err != nil {
		respondDomainError(w, err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("name", sanitizeLogValue(name)).Msg("Backup artifact deleted")
	respondData(w, http.StatusOK, map[string]string{"deleted": name})
}

// Summary handles GET /api/backup/summary.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.backups.BackupSummary(r.Context())
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondData(w, http.StatusOK, summary)
}
