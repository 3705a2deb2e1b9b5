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
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tomtom215/mycelium-backup/internal/database"
	"github.com/tomtom215/mycelium-backup/internal/logging"
)

// exportCheckEvery is the row interval between cancellation checks.
const exportCheckEvery = 1000

// ExporterConfig configures an Exporter.
type ExporterConfig struct {
	// Dir is the backup root; artifacts go to Dir/<kind>/.
	Dir string

	// Tables are exported in this order.
	Tables []string

	Compression Compression
}

// Exporter writes logical backups.
type Exporter struct {
	db          *database.DB
	dir         string
	tables      []string
	compression Compression
	now         func() time.Time
}

// NewExporter creates an exporter for db.
func NewExporter(db *database.DB, cfg ExporterConfig) *Exporter {
	c := cfg.Compression
	if c == "" {
		c = CompressionGzip
	}
	return &Exporter{
		db:          db,
		dir:         cfg.Dir,
		tables:      append([]string(nil), cfg.Tables...),
		compression: c,
		now:         time.Now,
	}
}

// ChangeMarker reports the database's current write marker. See
// database.DB.ChangeMarker.
func (e *Exporter) ChangeMarker(ctx context.Context) (string, error) {
	return e.db.ChangeMarker(ctx)
}

// Export writes every configured table to a new artifact of the given kind.
// The artifact becomes visible under its final name only on success; on any
// failure or cancellation the temp file is removed before returning.
func (e *Exporter) Export(ctx context.Context, kind ArtifactKind, progress Progress) (Artifact, error) {
	if progress == nil {
		progress = NopProgress{}
	}
	started := e.now()
	dir := filepath.Join(e.dir, string(kind))

	// Use 0750 permissions (owner: rwx, group: rx, other: none) per gosec G301
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Artifact{}, fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
	}
	stamp, name := freeName(dir, kind, started, e.compression)
	log := logging.Ctx(ctx).With().Str("artifact", name).Logger()

	progress.Report("counting", 0, "Counting rows")
	tables, total, err := e.count(ctx, progress)
	if err != nil {
		return Artifact{}, err
	}
	log.Info().Int("tables", len(tables)).Int64("total_rows", total).Msg("Backup export started")

	finalPath := filepath.Join(dir, name)
	tmpPath := filepath.Join(dir, tempName(name))

	//nolint:gosec // G304: path is built from the configured backup dir
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: create temp file: %w", ErrIO, err)
	}

	w, err := newArtifactWriter(file, e.compression)
	if err != nil {
		file.Close() //nolint:errcheck // best effort cleanup on error
		removeTemp(tmpPath)
		return Artifact{}, fmt.Errorf("%w: %w: %w", ErrIO, ErrPartial, err)
	}

	fail := func(err error) (Artifact, error) {
		w.abort()
		file.Close() //nolint:errcheck // best effort cleanup on error
		removeTemp(tmpPath)
		if errors.Is(err, ErrCancelled) {
			log.Info().Msg("Backup export cancelled")
			return Artifact{}, err
		}
		return Artifact{}, fmt.Errorf("%w: %w", ErrPartial, err)
	}

	header := headerLine{Header: Header{
		Format:    FormatName,
		Version:   FormatVersion,
		CreatedAt: started,
		Driver:    e.db.Dialect.Name(),
		Kind:      kind,
		Tables:    tables,
	}}
	if err := w.write(header); err != nil {
		return fail(fmt.Errorf("%w: write header: %w", ErrIO, err))
	}

	st := &exportState{
		progress: progress,
		total:    total,
		tables:   len(tables),
		rows:     make(map[string]int64, len(tables)),
		throttle: logging.NewThrottle(5 * time.Second),
	}
	for i, table := range tables {
		if stopRequested(ctx, progress) {
			return fail(ErrCancelled)
		}
		st.tableIndex = i
		progress.Report("export:"+table, st.percent(), "Exporting "+table)

		if err := e.exportTable(ctx, w, table, st); err != nil {
			return fail(err)
		}
	}

	if stopRequested(ctx, progress) {
		return fail(ErrCancelled)
	}

	footer := footerLine{Footer: Footer{Rows: st.rows, TotalRows: st.processed}}
	if err := w.write(footer); err != nil {
		return fail(fmt.Errorf("%w: write footer: %w", ErrIO, err))
	}

	progress.Report("finalizing", 99, "Finalizing backup file")
	if err := w.finish(); err != nil {
		return fail(fmt.Errorf("%w: %w", ErrIO, err))
	}
	if err := file.Close(); err != nil {
		removeTemp(tmpPath)
		return Artifact{}, fmt.Errorf("%w: %w: close: %w", ErrIO, ErrPartial, err)
	}
	// Last point at which the artifact can still be withdrawn.
	if stopRequested(ctx, progress) {
		removeTemp(tmpPath)
		log.Info().Msg("Backup export cancelled")
		return Artifact{}, ErrCancelled
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		removeTemp(tmpPath)
		return Artifact{}, fmt.Errorf("%w: %w: rename: %w", ErrIO, ErrPartial, err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: stat: %w", ErrIO, err)
	}

	art := Artifact{
		Name:      name,
		Path:      finalPath,
		Kind:      kind,
		CreatedAt: stamp,
		Timestamp: stamp.Unix(),
		Size:      info.Size(),
	}
	log.Info().
		Int64("rows", st.processed).
		Int64("size_bytes", art.Size).
		Dur("duration", e.now().Sub(started)).
		Msg("Backup export completed")
	return art, nil
}

// maxNameAttempts bounds the search for an unused timestamped name.
const maxNameAttempts = 60

// freeName returns a name for kind that no artifact in dir uses yet, moving the
// timestamp forward a second at a time. Daily artifacts are one per day and
// keep their name, so a second daily export of a day replaces the first.
func freeName(dir string, kind ArtifactKind, t time.Time, c Compression) (time.Time, string) {
	name := ArtifactName(kind, t, c)
	if kind == KindDaily {
		return t, name
	}
	for i := 0; i < maxNameAttempts; i++ {
		if !exists(filepath.Join(dir, name)) && !exists(filepath.Join(dir, tempName(name))) {
			return t, name
		}
		t = t.Add(time.Second)
		name = ArtifactName(kind, t, c)
	}
	return t, name
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// count returns the tables present in the live schema and their total rows.
// Configured tables that do not exist are skipped with a warning.
func (e *Exporter) count(ctx context.Context, progress Progress) ([]string, int64, error) {
	present := make([]string, 0, len(e.tables))
	var total int64
	for _, table := range e.tables {
		if stopRequested(ctx, progress) {
			return nil, 0, ErrCancelled
		}
		ok, err := e.db.Dialect.TableExists(ctx, e.db, table)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: inspect %s: %w", ErrDatabase, table, err)
		}
		if !ok {
			logging.Ctx(ctx).Warn().Str("table", table).Msg("Configured table not found, skipping")
			continue
		}

		var n int64
		q := "SELECT COUNT(*) FROM " + e.db.Dialect.QuoteIdent(table)
		if err := e.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, 0, fmt.Errorf("%w: count %s: %w", ErrDatabase, table, err)
		}
		present = append(present, table)
		total += n
	}
	return present, total, nil
}

type exportState struct {
	progress   Progress
	total      int64
	processed  int64
	tables     int
	tableIndex int
	rows       map[string]int64
	throttle   *logging.Throttle
}

// percent stays below 100 until the file is finalized.
func (s *exportState) percent() float64 {
	var p float64
	switch {
	case s.total > 0:
		p = float64(s.processed) * 100 / float64(s.total)
	case s.tables > 0:
		p = float64(s.tableIndex) * 100 / float64(s.tables)
	}
	if p > 99 {
		p = 99
	}
	return p
}

// exportTable streams one table. The query's connection returns to the pool
// before the next table starts.
func (e *Exporter) exportTable(ctx context.Context, w *artifactWriter, table string, st *exportState) error {
	rows, err := e.db.QueryContext(ctx, "SELECT * FROM "+e.db.Dialect.QuoteIdent(table))
	if err != nil {
		return fmt.Errorf("%w: query %s: %w", ErrDatabase, table, err)
	}
	defer database.CloseQuietly(rows)

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("%w: columns %s: %w", ErrDatabase, table, err)
	}
	binary := binaryColumns(rows)

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	var n int64
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("%w: scan %s: %w", ErrDatabase, table, err)
		}
		data := make(map[string]any, len(cols))
		for i, c := range cols {
			data[c] = exportValue(vals[i], i < len(binary) && binary[i])
		}
		if err := w.write(rowLine{Table: table, Data: data}); err != nil {
			return fmt.Errorf("%w: write %s: %w", ErrIO, table, err)
		}
		n++
		st.processed++
		st.rows[table] = n

		if n%exportCheckEvery == 0 {
			if stopRequested(ctx, st.progress) {
				return ErrCancelled
			}
			st.progress.Report("export:"+table, st.percent(), "")
			st.throttle.Do(func() {
				logging.Ctx(ctx).Debug().
					Str("table", table).
					Int64("processed", st.processed).
					Int64("total", st.total).
					Msg("Backup export progress")
			})
		}
	}
	if err := rows.Err(); err != nil {
		if stopRequested(ctx, st.progress) {
			return ErrCancelled
		}
		return fmt.Errorf("%w: read %s: %w", ErrDatabase, table, err)
	}
	st.rows[table] = n
	return nil
}

// binaryColumns flags the columns whose database type holds raw bytes.
// A driver that cannot report types yields no flags.
func binaryColumns(rows *sql.Rows) []bool {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil
	}
	out := make([]bool, len(types))
	for i, ct := range types {
		switch strings.ToUpper(ct.DatabaseTypeName()) {
		case "BYTEA", "BLOB", "VARBINARY", "BINARY":
			out[i] = true
		}
	}
	return out
}

// exportValue converts driver values into JSON-friendly ones. Raw bytes from
// a binary column, or bytes that are not text, are wrapped as a tagged base64
// object so the restore can turn them back into bytes.
func exportValue(v any, binary bool) any {
	switch x := v.(type) {
	case []byte:
		if !binary && utf8.Valid(x) {
			return string(x)
		}
		return map[string]string{binaryTag: base64.StdEncoding.EncodeToString(x)}
	default:
		return v
	}
}

// removeTemp deletes a partial file. Failure is logged only.
func removeTemp(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn().Err(err).Str("path", path).Msg("Failed to remove partial backup file")
	}
}
