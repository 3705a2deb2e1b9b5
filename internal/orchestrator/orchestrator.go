// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

// Package orchestrator admits backup, restore and maintenance jobs one at a
// time and runs each on its own worker goroutine.
//
// Start methods return as soon as the job is admitted; callers follow it
// through Status, Wait or a tracker subscription. Worker contexts are
// detached from the caller and end only on Shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/mycelium-backup/internal/backup"
	"github.com/tomtom215/mycelium-backup/internal/config"
	"github.com/tomtom215/mycelium-backup/internal/jobs"
	"github.com/tomtom215/mycelium-backup/internal/location"
	"github.com/tomtom215/mycelium-backup/internal/logging"
	"github.com/tomtom215/mycelium-backup/internal/maintenance"
	"github.com/tomtom215/mycelium-backup/internal/metrics"
)

var (
	// ErrLocationUnsupported is returned when the database location does not
	// allow exporting or restoring from this host.
	ErrLocationUnsupported = errors.New("backup is not available for this database location")

	// ErrInvalidPath rejects an external directory that is not absolute.
	ErrInvalidPath = errors.New("path must be absolute")
)

// Classifier reports where the database lives.
type Classifier interface {
	Classify(ctx context.Context) location.Info
}

// Exporter produces artifacts.
type Exporter interface {
	Export(ctx context.Context, kind backup.ArtifactKind, progress backup.Progress) (backup.Artifact, error)
}

// ChangeSource is implemented by exporters that can tell whether the
// database was written since an earlier point.
type ChangeSource interface {
	ChangeMarker(ctx context.Context) (string, error)
}

// Restorer loads artifacts.
type Restorer interface {
	Restore(ctx context.Context, art backup.Artifact, progress backup.Progress) (*backup.RestoreResult, error)
}

// Maintainer runs database housekeeping. Both operations stop with
// backup.ErrCancelled once progress reports a cancel request.
type Maintainer interface {
	RunDBMaintenance(ctx context.Context, progress backup.Progress) error
	CleanupOldLogs(ctx context.Context, months int, progress backup.Progress) (maintenance.Result, error)
}

// Mirror copies artifacts to the external directory.
type Mirror interface {
	Copy(ctx context.Context, art backup.Artifact, externalDir string) (string, error)
}

// SettingsStore persists runtime settings and the last job.
type SettingsStore interface {
	ExternalDir(ctx context.Context) (string, bool, error)
	SetExternalDir(ctx context.Context, path string) error
	LastBackupAt(ctx context.Context) (time.Time, error)
	SetLastBackupAt(ctx context.Context, t time.Time) error
	LastJob(ctx context.Context) (*jobs.Job, error)
	SaveJob(ctx context.Context, job jobs.Job) error
}

// Config holds the orchestrator's static settings.
type Config struct {
	// BackupDir is the internal artifact root.
	BackupDir string

	// ExternalDir is the configured mirror directory, used until a value is
	// stored in the settings store.
	ExternalDir string

	// Policies are the per-kind retention policies.
	Policies map[backup.ArtifactKind]backup.Policy

	// ReminderWeekday is the day the UI nags about manual backups.
	ReminderWeekday time.Weekday
}

// ConfigFrom builds a Config from the service configuration.
func ConfigFrom(cfg *config.Config) Config {
	day, ok := config.ParseWeekday(cfg.Backup.ReminderWeekday)
	if !ok {
		day = time.Friday
	}
	r := cfg.Backup.Retention
	return Config{
		BackupDir:   cfg.Backup.Dir,
		ExternalDir: cfg.Backup.ExternalDir,
		Policies: map[backup.ArtifactKind]backup.Policy{
			backup.KindAuto:   {MaxCount: r.Auto.MaxCount, MaxAgeDays: r.Auto.MaxAgeDays},
			backup.KindDaily:  {MaxCount: r.Daily.MaxCount, MaxAgeDays: r.Daily.MaxAgeDays},
			backup.KindManual: {MaxCount: r.Manual.MaxCount, MaxAgeDays: r.Manual.MaxAgeDays},
		},
		ReminderWeekday: day,
	}
}

// Deps are the collaborators of an Orchestrator. Mirror and Settings may be
// nil.
type Deps struct {
	Tracker    *jobs.Tracker
	Guard      Classifier
	Exporter   Exporter
	Restorer   Restorer
	Maintainer Maintainer
	Mirror     Mirror
	Settings   SettingsStore
}

// RestoreRequest selects the artifact to restore.
type RestoreRequest struct {
	Name         string `json:"name" validate:"required,max=255,artifact_name"`
	SafetyBackup bool   `json:"safety_backup"`
}

// Orchestrator serializes jobs against the farm database.
type Orchestrator struct {
	cfg Config
	Deps

	retention *backup.Retention

	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	markerMu   sync.Mutex
	lastMarker string

	now func() time.Time
}

// New creates an orchestrator. The last persisted job, if any, is loaded
// into the tracker so status survives restarts.
func New(cfg Config, deps Deps) *Orchestrator {
	if deps.Tracker == nil {
		deps.Tracker = jobs.NewTracker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		Deps:       deps,
		baseCtx:    ctx,
		cancelBase: cancel,
		now:        time.Now,
	}
	o.retention = backup.NewRetention(cfg.BackupDir, func() string {
		dir, _ := o.ExternalDir(context.Background()) //nolint:errcheck // lookup failure means no external dir
		return dir
	})

	if o.Settings != nil {
		job, err := o.Settings.LastJob(context.Background())
		if err != nil {
			logging.Warn().Err(err).Msg("Failed to load last job")
		} else if job != nil {
			o.Tracker.Seed(*job)
		}
	}
	return o
}

// JobTracker exposes the job tracker for subscriptions.
func (o *Orchestrator) JobTracker() *jobs.Tracker {
	return o.Tracker
}

// Retention exposes the artifact manager.
func (o *Orchestrator) Retention() *backup.Retention {
	return o.retention
}

// Status returns a snapshot of the current or last job.
func (o *Orchestrator) Status() jobs.Job {
	return o.Tracker.Snapshot()
}

// Location classifies the database location.
func (o *Orchestrator) Location(ctx context.Context) location.Info {
	return o.Guard.Classify(ctx)
}

// StartBackup admits an export of kind.
func (o *Orchestrator) StartBackup(ctx context.Context, kind backup.ArtifactKind) (jobs.Job, error) {
	if _, err := backup.ParseKind(string(kind)); err != nil {
		return jobs.Job{}, err
	}
	if err := o.precheck(ctx, true); err != nil {
		return o.Tracker.Snapshot(), err
	}

	job, err := o.begin(jobs.KindBackup, kind.Operation())
	if err != nil {
		return job, err
	}

	o.spawn(job, func(ctx context.Context) (map[string]int64, error) {
		marker := o.changeMarker(ctx)
		art, err := o.Exporter.Export(ctx, kind, o.Tracker)
		if err != nil {
			return nil, err
		}
		o.rememberMarker(marker)
		o.Tracker.SetArtifact(art.Name)
		o.Tracker.Report("post_backup", 99, "Applying retention and mirroring")
		o.afterBackup(ctx, art)
		return nil, nil
	})
	return job, nil
}

// DataChanged reports whether the database may hold writes that no
// completed backup has captured. It answers true whenever the exporter
// cannot tell.
func (o *Orchestrator) DataChanged(ctx context.Context) bool {
	marker := o.changeMarker(ctx)
	if marker == "" {
		return true
	}
	o.markerMu.Lock()
	defer o.markerMu.Unlock()
	return marker != o.lastMarker
}

func (o *Orchestrator) changeMarker(ctx context.Context) string {
	src, ok := o.Exporter.(ChangeSource)
	if !ok {
		return ""
	}
	marker, err := src.ChangeMarker(ctx)
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Msg("Change marker unavailable")
		return ""
	}
	return marker
}

// rememberMarker records the marker read before a successful export. Writes
// made during the export change the live marker, so the next check still
// sees them.
func (o *Orchestrator) rememberMarker(marker string) {
	o.markerMu.Lock()
	o.lastMarker = marker
	o.markerMu.Unlock()
}

// StartRestore admits a restore of the named artifact, optionally preceded
// by a safety backup of the current data.
func (o *Orchestrator) StartRestore(ctx context.Context, req RestoreRequest) (jobs.Job, error) {
	if err := o.precheck(ctx, true); err != nil {
		return o.Tracker.Snapshot(), err
	}
	art, err := o.retention.Find(req.Name)
	if err != nil {
		return o.Tracker.Snapshot(), err
	}

	job, err := o.begin(jobs.KindRestore, "restore")
	if err != nil {
		return job, err
	}
	o.Tracker.SetArtifact(art.Name)
	job.Artifact = art.Name

	o.spawn(job, func(ctx context.Context) (map[string]int64, error) {
		progress := backup.Progress(o.Tracker)
		if req.SafetyBackup {
			safety := fixedPhase{Progress: backup.ScaleProgress(o.Tracker, 0, 30), phase: "safety_backup"}
			o.Tracker.Report("safety_backup", 0, "Creating safety backup")
			saved, err := o.Exporter.Export(ctx, backup.KindAuto, safety)
			if err != nil {
				return nil, fmt.Errorf("safety backup: %w", err)
			}
			logging.Ctx(ctx).Info().Str("artifact", saved.Name).Msg("Safety backup created before restore")
			o.afterBackup(ctx, saved, art.Name)
			progress = backup.ScaleProgress(o.Tracker, 30, 100)
		}

		res, err := o.Restorer.Restore(ctx, art, progress)
		if err != nil {
			return nil, err
		}
		metrics.RecordRows("restore", res.TotalRows)
		return res.RowsByTable, nil
	})
	return job, nil
}

// StartMaintenance admits a VACUUM/ANALYZE run.
func (o *Orchestrator) StartMaintenance(ctx context.Context) (jobs.Job, error) {
	if err := o.precheck(ctx, false); err != nil {
		return o.Tracker.Snapshot(), err
	}
	job, err := o.begin(jobs.KindMaintenance, "db_maintenance")
	if err != nil {
		return job, err
	}
	o.spawn(job, func(ctx context.Context) (map[string]int64, error) {
		o.Tracker.Report("vacuum", 10, "Running database maintenance")
		return nil, o.Maintainer.RunDBMaintenance(ctx, backup.ScaleProgress(o.Tracker, 10, 99))
	})
	return job, nil
}

// StartLogCleanup admits deletion of log rows older than months.
func (o *Orchestrator) StartLogCleanup(ctx context.Context, months int) (jobs.Job, error) {
	if months < 1 {
		return jobs.Job{}, fmt.Errorf("%w: got %d", maintenance.ErrInvalidMonths, months)
	}
	if err := o.precheck(ctx, false); err != nil {
		return o.Tracker.Snapshot(), err
	}
	job, err := o.begin(jobs.KindMaintenance, "log_cleanup")
	if err != nil {
		return job, err
	}
	o.spawn(job, func(ctx context.Context) (map[string]int64, error) {
		o.Tracker.Report("cleanup", 10, fmt.Sprintf("Deleting logs older than %d months", months))
		res, err := o.Maintainer.CleanupOldLogs(ctx, months, backup.ScaleProgress(o.Tracker, 10, 99))
		if err != nil {
			return nil, err
		}
		return res.Rows, nil
	})
	return job, nil
}

// RequestCancel flags the running job.
func (o *Orchestrator) RequestCancel() (jobs.Job, error) {
	job, err := o.Tracker.RequestCancel()
	if err == nil {
		logging.Info().Str("job_id", job.ID).Str("operation", job.Operation).Msg("Job cancellation requested")
	}
	return job, err
}

// Wait blocks until the job with id is terminal or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, id string) (jobs.Job, error) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap := o.Tracker.Snapshot()
		if snap.ID != id {
			return snap, fmt.Errorf("job %s is no longer current", id)
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown cancels the running job, waits for its worker and persists the
// final state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if _, err := o.Tracker.RequestCancel(); err == nil {
		logging.Info().Msg("Cancelling running job for shutdown")
	}
	o.cancelBase()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for job worker: %w", ctx.Err())
	}

	if snap := o.Tracker.Snapshot(); snap.Status.Terminal() {
		o.persist(snap)
	}
	return nil
}

// precheck rejects early without taking the admission lock. The tracker
// repeats the active check atomically in begin.
func (o *Orchestrator) precheck(ctx context.Context, needsLocation bool) error {
	if o.Tracker.Active() {
		metrics.RecordRejection("already_running")
		return jobs.ErrAlreadyRunning
	}
	if needsLocation {
		if info := o.Guard.Classify(ctx); !info.CanBackup {
			metrics.RecordRejection("location")
			return fmt.Errorf("%w: %s", ErrLocationUnsupported, info.Message)
		}
	}
	return nil
}

func (o *Orchestrator) begin(kind jobs.Kind, operation string) (jobs.Job, error) {
	job, err := o.Tracker.Begin(kind, operation)
	if err != nil {
		metrics.RecordRejection("already_running")
		return job, err
	}
	metrics.SetJobActive(true)
	logging.Info().Str("job_id", job.ID).Str("operation", operation).Msg("Job started")
	return job, nil
}

// spawn runs fn on the job's worker goroutine and records the outcome.
func (o *Orchestrator) spawn(job jobs.Job, fn func(ctx context.Context) (map[string]int64, error)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx := logging.ContextWithJobID(o.baseCtx, job.ID)
		log := logging.Ctx(ctx)

		result, err := fn(ctx)

		var final jobs.Job
		switch {
		case err == nil:
			final = o.Tracker.Complete(result)
			log.Info().Str("operation", job.Operation).Dur("duration", final.Duration()).Msg("Job completed")
		case errors.Is(err, backup.ErrCancelled) || errors.Is(err, context.Canceled):
			final = o.Tracker.MarkCancelled()
			log.Info().Str("operation", job.Operation).Msg("Job cancelled")
		default:
			final = o.Tracker.Fail(err)
			log.Error().Err(err).Str("operation", job.Operation).Msg("Job failed")
		}

		metrics.SetJobActive(false)
		metrics.RecordJob(string(job.Kind), job.Operation, string(final.Status), final.Duration())
		o.persist(final)
	}()
}

func (o *Orchestrator) persist(job jobs.Job) {
	if o.Settings == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Settings.SaveJob(ctx, job); err != nil {
		logging.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to persist job state")
	}
}

// fixedPhase reports every update under one phase name.
type fixedPhase struct {
	backup.Progress
	phase string
}

func (f fixedPhase) Report(_ string, percent float64, message string) {
	f.Progress.Report(f.phase, percent, message)
}
