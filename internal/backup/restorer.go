// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package backup

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/mycelium-backup/internal/config"
	"github.com/tomtom215/mycelium-backup/internal/database"
	"github.com/tomtom215/mycelium-backup/internal/logging"
)

// restoreCheckEvery is the row interval between cancellation checks.
const restoreCheckEvery = 500

// Summary describes a validated artifact.
type Summary struct {
	Header    Header           `json:"header"`
	Rows      map[string]int64 `json:"rows"`
	TotalRows int64            `json:"total_rows"`
}

// RestoreResult reports what a restore wrote.
type RestoreResult struct {
	RowsByTable map[string]int64 `json:"rows_by_table"`
	TotalRows   int64            `json:"total_rows"`
	Duration    time.Duration    `json:"duration"`
}

// Restorer replaces the contents of the live tables with an artifact.
type Restorer struct {
	db *database.DB
}

// NewRestorer creates a restorer for db.
func NewRestorer(db *database.DB) *Restorer {
	return &Restorer{db: db}
}

// Validate decodes every line of the artifact at path without touching the
// database. Progress runs 0..100 by compressed bytes read.
func (r *Restorer) Validate(ctx context.Context, path string, progress Progress) (*Summary, error) {
	if progress == nil {
		progress = NopProgress{}
	}

	ar, err := openArtifact(path)
	if err != nil {
		return nil, openError(err)
	}
	defer database.CloseQuietly(ar)

	progress.Report("validating", 0, "Validating backup file")

	var rec record
	if err := ar.next(&rec); err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrInvalidArtifact, err)
	}
	if rec.Header == nil {
		return nil, fmt.Errorf("%w: missing header", ErrInvalidArtifact)
	}
	header := *rec.Header
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(header.Tables))
	for _, t := range header.Tables {
		known[t] = true
	}

	counts := make(map[string]int64, len(header.Tables))
	var total int64
	var footer *Footer
	for line := 2; ; line++ {
		err := ar.next(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrInvalidArtifact, line, err)
		}

		switch {
		case footer != nil:
			return nil, fmt.Errorf("%w: line %d: data after footer", ErrInvalidArtifact, line)
		case rec.Footer != nil:
			footer = rec.Footer
		case rec.Header != nil:
			return nil, fmt.Errorf("%w: line %d: duplicate header", ErrInvalidArtifact, line)
		case rec.Table == "":
			return nil, fmt.Errorf("%w: line %d: record without table", ErrInvalidArtifact, line)
		case !known[rec.Table]:
			return nil, fmt.Errorf("%w: line %d: table %q not in header", ErrInvalidArtifact, line, rec.Table)
		case len(rec.Data) == 0:
			return nil, fmt.Errorf("%w: line %d: empty row", ErrInvalidArtifact, line)
		default:
			counts[rec.Table]++
			total++
		}

		if line%restoreCheckEvery == 0 {
			if stopRequested(ctx, progress) {
				return nil, ErrCancelled
			}
			progress.Report("validating", ar.fraction()*100, "")
		}
	}

	if footer == nil {
		return nil, fmt.Errorf("%w: missing footer", ErrInvalidArtifact)
	}
	if err := checkFooter(*footer, header.Tables, counts, total); err != nil {
		return nil, err
	}

	progress.Report("validating", 100, "Backup file is valid")
	return &Summary{Header: header, Rows: counts, TotalRows: total}, nil
}

func checkHeader(h Header) error {
	if h.Format != FormatName {
		return fmt.Errorf("%w: unknown format %q", ErrInvalidArtifact, h.Format)
	}
	if h.Version != FormatVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidArtifact, h.Version)
	}
	seen := make(map[string]bool, len(h.Tables))
	for _, t := range h.Tables {
		// table names are interpolated into SQL during restore
		if !config.ValidIdentifier(t) {
			return fmt.Errorf("%w: invalid table name %q", ErrInvalidArtifact, t)
		}
		if seen[t] {
			return fmt.Errorf("%w: duplicate table %q", ErrInvalidArtifact, t)
		}
		seen[t] = true
	}
	return nil
}

func checkFooter(f Footer, tables []string, counts map[string]int64, total int64) error {
	inHeader := make(map[string]bool, len(tables))
	for _, t := range tables {
		inHeader[t] = true
		if f.Rows[t] != counts[t] {
			return fmt.Errorf("%w: table %s has %d rows, footer says %d",
				ErrInvalidArtifact, t, counts[t], f.Rows[t])
		}
	}
	for t := range f.Rows {
		if !inHeader[t] {
			return fmt.Errorf("%w: footer names unknown table %q", ErrInvalidArtifact, t)
		}
	}
	if f.TotalRows != total {
		return fmt.Errorf("%w: %d rows, footer says %d", ErrInvalidArtifact, total, f.TotalRows)
	}
	return nil
}

func openError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidArtifact):
		return err
	case os.IsNotExist(err):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	default:
		return fmt.Errorf("%w: open: %w", ErrIO, err)
	}
}

// Restore validates art and then replaces the header tables inside a single
// transaction. Any failure or cancel rolls the transaction back.
func (r *Restorer) Restore(ctx context.Context, art Artifact, progress Progress) (*RestoreResult, error) {
	if progress == nil {
		progress = NopProgress{}
	}
	started := time.Now()
	log := logging.Ctx(ctx).With().Str("artifact", art.Name).Logger()

	summary, err := r.Validate(ctx, art.Path, ScaleProgress(progress, 0, 20))
	if err != nil {
		return nil, err
	}
	if stopRequested(ctx, progress) {
		return nil, ErrCancelled
	}
	log.Info().
		Int("tables", len(summary.Header.Tables)).
		Int64("total_rows", summary.TotalRows).
		Msg("Restore started")

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrDatabase, err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				log.Warn().Err(rbErr).Msg("Restore rollback failed")
			}
		}
	}()

	fail := func(err error) (*RestoreResult, error) {
		if errors.Is(err, ErrCancelled) {
			log.Info().Msg("Restore cancelled, changes rolled back")
			return nil, err
		}
		if stopRequested(ctx, progress) {
			return nil, ErrCancelled
		}
		return nil, fmt.Errorf("%w: %w: %w", ErrDatabase, ErrPartial, err)
	}

	dialect := r.db.Dialect
	if err := dialect.BeginRestore(ctx, tx); err != nil {
		return fail(fmt.Errorf("begin restore: %w", err))
	}

	if err := r.clear(ctx, tx, summary.Header.Tables, progress); err != nil {
		return fail(err)
	}

	rows, err := r.load(ctx, tx, art.Path, summary, progress)
	if err != nil {
		return fail(err)
	}

	if stopRequested(ctx, progress) {
		return fail(ErrCancelled)
	}
	progress.Report("finalizing", 99, "Finalizing restore")
	if err := dialect.FinishRestore(ctx, tx, summary.Header.Tables); err != nil {
		return fail(fmt.Errorf("finish restore: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("commit: %w", err))
	}
	committed = true

	res := &RestoreResult{RowsByTable: rows, TotalRows: summary.TotalRows, Duration: time.Since(started)}
	log.Info().Int64("rows", res.TotalRows).Dur("duration", res.Duration).Msg("Restore completed")
	return res, nil
}

// clear empties the header tables in reverse order so children go first.
func (r *Restorer) clear(ctx context.Context, tx *sql.Tx, tables []string, progress Progress) error {
	progress.Report("clearing", 20, "Clearing existing data")
	for i := len(tables) - 1; i >= 0; i-- {
		if stopRequested(ctx, progress) {
			return ErrCancelled
		}
		table := tables[i]
		ok, err := r.db.Dialect.TableExists(ctx, tx, table)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if !ok {
			return fmt.Errorf("table %s does not exist in the live database", table)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+r.db.Dialect.QuoteIdent(table)); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
		done := float64(len(tables)-i) / float64(len(tables))
		progress.Report("clearing", 20+5*done, "")
	}
	return nil
}

// load re-reads the validated artifact and inserts its rows.
func (r *Restorer) load(ctx context.Context, tx *sql.Tx, path string, summary *Summary, progress Progress) (map[string]int64, error) {
	ar, err := openArtifact(path)
	if err != nil {
		return nil, openError(err)
	}
	defer database.CloseQuietly(ar)

	stmts := newStmtCache(tx, r.db.Dialect)
	defer stmts.close()

	throttle := logging.NewThrottle(5 * time.Second)
	inserted := make(map[string]int64, len(summary.Header.Tables))
	var processed int64
	var current string

	percent := func() float64 {
		if summary.TotalRows == 0 {
			return 99
		}
		return 25 + 74*float64(processed)/float64(summary.TotalRows)
	}

	progress.Report("loading", 25, "Loading rows")
	var rec record
	for {
		err := ar.next(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArtifact, err)
		}
		if rec.Header != nil || rec.Footer != nil {
			continue
		}

		if rec.Table != current {
			if stopRequested(ctx, progress) {
				return nil, ErrCancelled
			}
			current = rec.Table
			progress.Report("loading", percent(), "Loading "+current)
		}

		if err := stmts.insert(ctx, rec.Table, rec.Data); err != nil {
			return nil, err
		}
		inserted[rec.Table]++
		processed++

		if processed%restoreCheckEvery == 0 {
			if stopRequested(ctx, progress) {
				return nil, ErrCancelled
			}
			progress.Report("loading", percent(), "")
			throttle.Do(func() {
				logging.Ctx(ctx).Debug().
					Str("table", current).
					Int64("processed", processed).
					Int64("total", summary.TotalRows).
					Msg("Restore progress")
			})
		}
	}
	return inserted, nil
}

// stmtCache holds one prepared INSERT per table and column set.
type stmtCache struct {
	tx      *sql.Tx
	dialect database.Dialect
	stmts   map[string]*sql.Stmt
}

func newStmtCache(tx *sql.Tx, d database.Dialect) *stmtCache {
	return &stmtCache{tx: tx, dialect: d, stmts: make(map[string]*sql.Stmt)}
}

func (c *stmtCache) insert(ctx context.Context, table string, data map[string]any) error {
	cols := make([]string, 0, len(data))
	for col := range data {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	key := table + "\x00" + strings.Join(cols, "\x00")
	stmt, ok := c.stmts[key]
	if !ok {
		quoted := make([]string, len(cols))
		marks := make([]string, len(cols))
		for i, col := range cols {
			quoted[i] = c.dialect.QuoteIdent(col)
			marks[i] = c.dialect.Placeholder(i + 1)
		}
		q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			c.dialect.QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))

		var err error
		stmt, err = c.tx.PrepareContext(ctx, q)
		if err != nil {
			return fmt.Errorf("prepare insert into %s: %w", table, err)
		}
		c.stmts[key] = stmt
	}

	args := make([]any, len(cols))
	for i, col := range cols {
		v, err := restoreValue(data[col])
		if err != nil {
			return fmt.Errorf("%s.%s: %w", table, col, err)
		}
		args[i] = v
	}
	if _, err := stmt.ExecContext(ctx, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

func (c *stmtCache) close() {
	for _, s := range c.stmts {
		database.CloseQuietly(s)
	}
}

// restoreValue converts a decoded JSON value into a driver argument.
func restoreValue(v any) (any, error) {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	case map[string]any:
		if raw, ok := taggedBinary(x); ok {
			b, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: bad binary value: %w", ErrInvalidArtifact, err)
			}
			return b, nil
		}
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return v, nil
	}
}

// taggedBinary recognizes the single-key object written for byte values.
func taggedBinary(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	raw, ok := m[binaryTag].(string)
	return raw, ok
}
