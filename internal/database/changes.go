// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// pgChangeQuery sums the cumulative write counters of every user table in the
// current schema. The counters only grow until a stats reset, which also
// changes the marker.
const pgChangeQuery = `SELECT COALESCE(SUM(n_tup_ins + n_tup_upd + n_tup_del), 0), COUNT(*)
FROM pg_stat_user_tables WHERE schemaname = current_schema()`

// walSuffix is the write-ahead log file that sits next to each file engine's
// main file.
var walSuffix = map[string]string{
	"sqlite": "-wal",
	"duckdb": ".wal",
}

// ChangeMarker returns an opaque value that changes whenever data is
// written. An empty marker means changes cannot be detected for this
// database, as with in-memory files.
func (db *DB) ChangeMarker(ctx context.Context) (string, error) {
	if db.Endpoint.IsFile() {
		return fileMarker(db.Endpoint)
	}

	var writes, tables int64
	if err := db.QueryRowContext(ctx, pgChangeQuery).Scan(&writes, &tables); err != nil {
		return "", fmt.Errorf("failed to read table write statistics: %w", err)
	}
	return fmt.Sprintf("pg:%d:%d", tables, writes), nil
}

func fileMarker(e Endpoint) (string, error) {
	if e.Path == "" || strings.HasPrefix(e.Path, ":memory:") {
		return "", nil
	}
	parts := make([]string, 0, 2)
	for _, path := range []string{e.Path, e.Path + walSuffix[e.Driver]} {
		info, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			parts = append(parts, "-")
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", path, err)
		}
		parts = append(parts, fmt.Sprintf("%d:%d", info.ModTime().UnixNano(), info.Size()))
	}
	return "file:" + strings.Join(parts, "/"), nil
}
