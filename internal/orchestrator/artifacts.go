// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tomtom215/mycelium-backup/internal/backup"
	"github.com/tomtom215/mycelium-backup/internal/jobs"
	"github.com/tomtom215/mycelium-backup/internal/logging"
	"github.com/tomtom215/mycelium-backup/internal/metrics"
)

// afterBackup runs the post-export hooks. Their failures are logged and
// counted but never fail the job. Retention never removes the artifacts
// named in keep.
func (o *Orchestrator) afterBackup(ctx context.Context, art backup.Artifact, keep ...string) {
	log := logging.Ctx(ctx).With().Str("artifact", art.Name).Logger()
	metrics.RecordArtifact(string(art.Kind), art.Size, o.now())

	if policy, ok := o.cfg.Policies[art.Kind]; ok {
		n, err := o.retention.Apply(ctx, art.Kind, policy, keep...)
		metrics.RecordRetention(string(art.Kind), n)
		if err != nil {
			log.Warn().Err(err).Msg("Retention policy failed after backup")
		}
	}

	if o.Mirror != nil {
		if dir, err := o.ExternalDir(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to resolve external directory")
		} else if dirExists(dir) {
			if _, err := o.Mirror.Copy(ctx, art, dir); err != nil {
				log.Warn().Err(err).Str("external_dir", dir).Msg("Failed to mirror backup")
			}
		} else if dir != "" {
			log.Debug().Str("external_dir", dir).Msg("External directory not present, skipping mirror")
		}
	}

	if o.Settings != nil {
		if err := o.Settings.SetLastBackupAt(ctx, o.now()); err != nil {
			log.Warn().Err(err).Msg("Failed to record last backup time")
		}
	}
}

// ApplyRetention applies every configured policy now. The artifact of a
// running restore is kept.
func (o *Orchestrator) ApplyRetention(ctx context.Context) (map[backup.ArtifactKind]int, error) {
	var keep []string
	if name, ok := o.restoringArtifact(); ok {
		keep = append(keep, name)
	}
	out := make(map[backup.ArtifactKind]int, len(backup.AllKinds))
	var errs []error
	for _, kind := range backup.AllKinds {
		policy, ok := o.cfg.Policies[kind]
		if !ok {
			out[kind] = 0
			continue
		}
		n, err := o.retention.Apply(ctx, kind, policy, keep...)
		out[kind] = n
		metrics.RecordRetention(string(kind), n)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return out, errors.Join(errs...)
}

// ListArtifacts lists artifacts of kinds, newest first.
func (o *Orchestrator) ListArtifacts(kinds ...backup.ArtifactKind) ([]backup.Artifact, error) {
	return o.retention.ListAll(kinds...)
}

// DeleteArtifact removes an internal artifact. It refuses while a restore is
// running so the file being read cannot disappear.
func (o *Orchestrator) DeleteArtifact(name string) error {
	if _, ok := o.restoringArtifact(); ok {
		return jobs.ErrAlreadyRunning
	}
	return o.retention.Delete(name)
}

// restoringArtifact names the artifact an active restore reads, if any.
func (o *Orchestrator) restoringArtifact() (string, bool) {
	snap := o.Tracker.Snapshot()
	if snap.Status.Active() && snap.Kind == jobs.KindRestore {
		return snap.Artifact, true
	}
	return "", false
}

// InternalDir returns the internal artifact root.
func (o *Orchestrator) InternalDir() string {
	return o.cfg.BackupDir
}

// ExternalDir returns the stored external directory, falling back to the
// configured one.
func (o *Orchestrator) ExternalDir(ctx context.Context) (string, error) {
	if o.Settings != nil {
		dir, ok, err := o.Settings.ExternalDir(ctx)
		if err != nil {
			return o.cfg.ExternalDir, err
		}
		if ok {
			return dir, nil
		}
	}
	return o.cfg.ExternalDir, nil
}

// SetExternalDir validates, creates and stores the external directory. An
// empty path clears it.
func (o *Orchestrator) SetExternalDir(ctx context.Context, path string) (string, error) {
	if o.Settings == nil {
		return "", errors.New("settings store not configured")
	}
	if path != "" {
		if !filepath.IsAbs(path) {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
		path = filepath.Clean(path)
		// Use 0750 permissions (owner: rwx, group: rx, other: none) per gosec G301
		if err := os.MkdirAll(path, 0o750); err != nil {
			return "", fmt.Errorf("%w: create %s: %w", backup.ErrIO, path, err)
		}
	}
	if err := o.Settings.SetExternalDir(ctx, path); err != nil {
		return "", err
	}
	logging.Ctx(ctx).Info().Str("path", path).Msg("External backup directory updated")
	return path, nil
}

// Summary is the backup reminder state shown on the dashboard.
type Summary struct {
	LastBackupAt *time.Time `json:"last_backup_at"`
	DayOfWeek    string     `json:"day_of_week"`
	ReminderDay  string     `json:"reminder_day"`
	ReminderDue  bool       `json:"reminder_due"`
}

// BackupSummary reports the last backup time and whether today is the
// reminder day.
func (o *Orchestrator) BackupSummary(ctx context.Context) (Summary, error) {
	now := o.now()
	s := Summary{
		DayOfWeek:   now.Weekday().String(),
		ReminderDay: o.cfg.ReminderWeekday.String(),
		ReminderDue: now.Weekday() == o.cfg.ReminderWeekday,
	}
	if o.Settings != nil {
		t, err := o.Settings.LastBackupAt(ctx)
		if err != nil {
			return s, err
		}
		if !t.IsZero() {
			s.LastBackupAt = &t
		}
	}
	return s, nil
}

// HasDailyBackup reports whether a daily artifact for day already exists in
// any codec.
func (o *Orchestrator) HasDailyBackup(day time.Time) (bool, error) {
	arts, err := o.retention.List(backup.KindDaily)
	if err != nil {
		return false, err
	}
	prefix := backup.DailyPrefix(day)
	for _, a := range arts {
		if strings.HasPrefix(a.Name, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func dirExists(dir string) bool {
	if dir == "" {
		return false
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir()
}
