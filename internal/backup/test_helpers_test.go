// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/mycelium-backup/internal/config"
	"github.com/tomtom215/mycelium-backup/internal/database"
)

var testTables = []string{"users", "crops", "harvests", "inventory_logs"}

const testSchema = `
CREATE TABLE users (
	id INTEGER PRIMARY KEY,
	username TEXT NOT NULL,
	role TEXT NOT NULL
);
CREATE TABLE crops (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	variety TEXT,
	yield_kg REAL
);
CREATE TABLE harvests (
	id INTEGER PRIMARY KEY,
	crop_id INTEGER NOT NULL REFERENCES crops(id),
	weight_kg REAL NOT NULL,
	notes TEXT
);
CREATE TABLE inventory_logs (
	id INTEGER PRIMARY KEY,
	item TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// setupTestDB opens a fresh SQLite farm database.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	cfg := config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "farm.db"),
		MaxOpenConns: 4,
		PingTimeout:  time.Second,
	}
	db, err := database.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.CloseQuietly(db) })

	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	return db
}

// seedTestDB inserts a predictable data set: 2 users, n crops, 2n harvests
// and 3 log lines.
func seedTestDB(t *testing.T, db *database.DB, n int) {
	t.Helper()

	mustExec(t, db, `INSERT INTO users (id, username, role) VALUES (1, 'admin', 'admin'), (2, 'grower', 'viewer')`)
	for i := 1; i <= n; i++ {
		mustExec(t, db, `INSERT INTO crops (id, name, variety, yield_kg) VALUES (?, ?, ?, ?)`,
			i, fmt.Sprintf("crop-%d", i), nil, float64(i)+0.5)
		mustExec(t, db, `INSERT INTO harvests (crop_id, weight_kg, notes) VALUES (?, ?, ?), (?, ?, ?)`,
			i, 1.25, `{"grade":"A"}`, i, 2, "second flush")
	}
	mustExec(t, db, `INSERT INTO inventory_logs (item, created_at) VALUES
		('substrate', '2026-01-01 08:00:00'),
		('spawn', '2026-02-01 08:00:00'),
		('bags', '2026-03-01 08:00:00')`)
}

func mustExec(t *testing.T, db *database.DB, q string, args ...any) {
	t.Helper()
	if _, err := db.Exec(q, args...); err != nil {
		t.Fatalf("exec %q: %v", q, err)
	}
}

func countRows(t *testing.T, db *database.DB, table string) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func tableCounts(t *testing.T, db *database.DB) map[string]int64 {
	t.Helper()
	out := make(map[string]int64, len(testTables))
	for _, table := range testTables {
		out[table] = countRows(t, db, table)
	}
	return out
}

func newTestExporter(db *database.DB, dir string, c Compression) *Exporter {
	return NewExporter(db, ExporterConfig{Dir: dir, Tables: testTables, Compression: c})
}

// recordingProgress captures reports and can request cancellation once a
// given phase is reached.
type recordingProgress struct {
	mu       sync.Mutex
	reports  []progressReport
	cancelAt string
	cancel   bool
}

type progressReport struct {
	phase   string
	percent float64
}

func (p *recordingProgress) Report(phase string, percent float64, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, progressReport{phase: phase, percent: percent})
	if p.cancelAt != "" && phase == p.cancelAt {
		p.cancel = true
	}
}

func (p *recordingProgress) CancelRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel
}

func (p *recordingProgress) phases() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, r := range p.reports {
		if len(out) == 0 || out[len(out)-1] != r.phase {
			out = append(out, r.phase)
		}
	}
	return out
}

// listDir returns every entry name in dir, hidden ones included.
func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		t.Fatalf("read dir: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// writeFile creates dir/name with content and the given mtime.
func writeFile(t *testing.T, dir, name, content string, mtime time.Time) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}
	return path
}
