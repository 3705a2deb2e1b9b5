// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package services

import (
	"context"
	"errors"
	"time"

	"github.com/tomtom215/mycelium-backup/internal/backup"
	"github.com/tomtom215/mycelium-backup/internal/jobs"
	"github.com/tomtom215/mycelium-backup/internal/logging"
)

// BackupStarter is the part of the orchestrator the trigger drives.
type BackupStarter interface {
	StartBackup(ctx context.Context, kind backup.ArtifactKind) (jobs.Job, error)
	HasDailyBackup(day time.Time) (bool, error)
	DataChanged(ctx context.Context) bool
}

// TriggerConfig controls the scheduled backups.
type TriggerConfig struct {
	// AutoInterval is the spacing of auto backups. Zero disables them.
	AutoInterval time.Duration

	// DailyEnabled turns on the once-per-day backup.
	DailyEnabled bool

	// DailyHour is the local hour from which the daily backup may run.
	DailyHour int

	// CheckInterval is how often the trigger wakes up. Default: 1m
	CheckInterval time.Duration
}

// BackupTriggerService starts the daily backup once today's file is missing
// and the auto backup every AutoInterval unless the data is unchanged since
// the last backup. A rejected start is retried on the
// next check; it never fails the service.
type BackupTriggerService struct {
	starter BackupStarter
	cfg     TriggerConfig

	lastAuto time.Time
	now      func() time.Time
	warn     *logging.Throttle
}

// NewBackupTriggerService creates the trigger. The first auto backup is due
// one interval after the service starts.
func NewBackupTriggerService(starter BackupStarter, cfg TriggerConfig) *BackupTriggerService {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	return &BackupTriggerService{
		starter: starter,
		cfg:     cfg,
		now:     time.Now,
		warn:    logging.NewThrottle(time.Hour),
	}
}

// Serve implements suture.Service.
func (s *BackupTriggerService) Serve(ctx context.Context) error {
	if s.lastAuto.IsZero() {
		s.lastAuto = s.now()
	}
	log := logging.WithComponent("backup-trigger")
	log.Info().
		Bool("daily_enabled", s.cfg.DailyEnabled).
		Int("daily_hour", s.cfg.DailyHour).
		Dur("auto_interval", s.cfg.AutoInterval).
		Msg("Backup trigger started")

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	s.check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// check runs one evaluation. It returns the kind started, if any.
func (s *BackupTriggerService) check(ctx context.Context) (backup.ArtifactKind, bool) {
	now := s.now()

	if s.dailyDue(now) {
		if s.start(ctx, backup.KindDaily) {
			return backup.KindDaily, true
		}
	}

	if s.cfg.AutoInterval > 0 && now.Sub(s.lastAuto) >= s.cfg.AutoInterval {
		if !s.starter.DataChanged(ctx) {
			logging.Debug().Msg("Auto backup skipped, no changes since the last backup")
			s.lastAuto = now
			return "", false
		}
		if s.start(ctx, backup.KindAuto) {
			s.lastAuto = now
			return backup.KindAuto, true
		}
	}
	return "", false
}

func (s *BackupTriggerService) dailyDue(now time.Time) bool {
	if !s.cfg.DailyEnabled || now.Hour() < s.cfg.DailyHour {
		return false
	}
	exists, err := s.starter.HasDailyBackup(now)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to check for today's daily backup")
		return false
	}
	return !exists
}

func (s *BackupTriggerService) start(ctx context.Context, kind backup.ArtifactKind) bool {
	job, err := s.starter.StartBackup(ctx, kind)
	switch {
	case err == nil:
		logging.Info().Str("job_id", job.ID).Str("kind", string(kind)).Msg("Scheduled backup started")
		return true
	case errors.Is(err, jobs.ErrAlreadyRunning):
		logging.Debug().Str("kind", string(kind)).Msg("Scheduled backup deferred, another job is running")
	default:
		s.warn.Do(func() {
			logging.Warn().Err(err).Str("kind", string(kind)).Msg("Scheduled backup not started")
		})
	}
	return false
}

func (s *BackupTriggerService) String() string {
	return "backup-trigger"
}
