// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

// Package maintenance runs housekeeping against the farm database: storage
// reclamation (VACUUM/ANALYZE) and pruning of old rows from log tables.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/mycelium-backup/internal/backup"
	"github.com/tomtom215/mycelium-backup/internal/config"
	"github.com/tomtom215/mycelium-backup/internal/database"
	"github.com/tomtom215/mycelium-backup/internal/logging"
)

// ErrInvalidMonths rejects a log cleanup horizon below one month.
var ErrInvalidMonths = errors.New("months must be at least 1")

// Result reports one log cleanup run.
type Result struct {
	Cutoff  time.Time        `json:"cutoff"`
	Rows    map[string]int64 `json:"rows"`
	Total   int64            `json:"total"`
	Skipped []string         `json:"skipped,omitempty"`
}

// Runner executes maintenance statements.
type Runner struct {
	db        *database.DB
	logTables []config.LogTable
	now       func() time.Time
}

// NewRunner creates a runner that prunes logTables.
func NewRunner(db *database.DB, logTables []config.LogTable) *Runner {
	return &Runner{
		db:        db,
		logTables: append([]config.LogTable(nil), logTables...),
		now:       time.Now,
	}
}

// RunDBMaintenance reclaims storage and refreshes planner statistics.
// The statements run outside any transaction. A cancel request interrupts the
// running statement and skips the rest.
func (r *Runner) RunDBMaintenance(ctx context.Context, progress backup.Progress) error {
	if progress == nil {
		progress = backup.NopProgress{}
	}
	ctx, stop := watchCancel(ctx, progress)
	defer stop()

	stmts := r.db.Dialect.MaintenanceStatements()
	for i, stmt := range stmts {
		if cancelled(ctx, progress) {
			return backup.ErrCancelled
		}
		progress.Report("vacuum", float64(i)*100/float64(len(stmts)), stmt)

		start := time.Now()
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			if cancelled(ctx, progress) {
				return backup.ErrCancelled
			}
			return fmt.Errorf("%s failed: %w", stmt, err)
		}
		logging.Ctx(ctx).Info().
			Str("statement", stmt).
			Dur("duration", time.Since(start)).
			Msg("Database maintenance statement completed")
	}
	if cancelled(ctx, progress) {
		return backup.ErrCancelled
	}
	return nil
}

// CleanupOldLogs deletes log rows older than months calendar months. Tables
// missing from the live schema are skipped. Running it twice with the same
// clock deletes nothing the second time. On cancel, tables already pruned stay
// pruned and the interrupted DELETE rolls back.
func (r *Runner) CleanupOldLogs(ctx context.Context, months int, progress backup.Progress) (Result, error) {
	if months < 1 {
		return Result{}, fmt.Errorf("%w: got %d", ErrInvalidMonths, months)
	}
	if progress == nil {
		progress = backup.NopProgress{}
	}
	ctx, stop := watchCancel(ctx, progress)
	defer stop()

	cutoff := SubtractMonths(r.now(), months)
	res := Result{Cutoff: cutoff, Rows: make(map[string]int64, len(r.logTables))}
	d := r.db.Dialect

	for i, lt := range r.logTables {
		if cancelled(ctx, progress) {
			return res, backup.ErrCancelled
		}
		progress.Report("cleanup", float64(i)*100/float64(len(r.logTables)), "Pruning "+lt.Table)

		ok, err := d.TableExists(ctx, r.db, lt.Table)
		if err != nil {
			return res, fmt.Errorf("failed to inspect %s: %w", lt.Table, err)
		}
		if !ok {
			res.Skipped = append(res.Skipped, lt.Table)
			logging.Ctx(ctx).Debug().Str("table", lt.Table).Msg("Log table not present, skipping")
			continue
		}

		q := fmt.Sprintf("DELETE FROM %s WHERE %s < %s",
			d.QuoteIdent(lt.Table), d.QuoteIdent(lt.Column), d.Placeholder(1))
		out, err := r.db.ExecContext(ctx, q, cutoffArg(d, cutoff))
		if err != nil {
			if cancelled(ctx, progress) {
				return res, backup.ErrCancelled
			}
			return res, fmt.Errorf("failed to clean %s: %w", lt.Table, err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("failed to read affected rows for %s: %w", lt.Table, err)
		}
		res.Rows[lt.Table] = n
		res.Total += n
	}

	if cancelled(ctx, progress) {
		return res, backup.ErrCancelled
	}

	logging.Ctx(ctx).Info().
		Int("months", months).
		Time("cutoff", cutoff).
		Int64("deleted", res.Total).
		Strs("skipped", res.Skipped).
		Msg("Old log cleanup completed")
	return res, nil
}

// cancelPollInterval is how often a running statement looks for a cancel
// request.
const cancelPollInterval = 100 * time.Millisecond

// watchCancel derives a context that is cancelled once progress reports a
// cancel request, so the driver aborts the statement in flight.
func watchCancel(parent context.Context, progress backup.Progress) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if progress.CancelRequested() {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}

func cancelled(ctx context.Context, progress backup.Progress) bool {
	return progress.CancelRequested() || ctx.Err() != nil
}

// sqliteTimeLayout matches CURRENT_TIMESTAMP so text comparison orders
// correctly.
const sqliteTimeLayout = "2006-01-02 15:04:05"

// cutoffArg binds the cutoff in the form each engine compares natively.
func cutoffArg(d database.Dialect, t time.Time) any {
	if d.Name() == "sqlite" {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t
}

// SubtractMonths moves t back by months calendar months. The day is clamped
// to the last day of the target month: Mar 31 minus one month is Feb 28
// (or 29).
func SubtractMonths(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m-time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
