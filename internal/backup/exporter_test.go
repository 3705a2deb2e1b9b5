// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package backup

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestExportWritesArtifact(t *testing.T) {
	db := setupTestDB(t)
	seedTestDB(t, db, 5)
	dir := t.TempDir()

	exp := newTestExporter(db, dir, CompressionGzip)
	exp.now = func() time.Time { return time.Date(2026, 1, 15, 10, 30, 0, 0, time.Local) }
	progress := &recordingProgress{}

	art, err := exp.Export(context.Background(), KindManual, progress)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	if art.Name != "manual_backup_20260115_103000.json.gz" {
		t.Errorf("unexpected name %s", art.Name)
	}
	if art.Path != filepath.Join(dir, "manual", art.Name) {
		t.Errorf("unexpected path %s", art.Path)
	}
	if art.Size <= 0 {
		t.Errorf("expected positive size, got %d", art.Size)
	}
	if got := listDir(t, filepath.Join(dir, "manual")); len(got) != 1 || got[0] != art.Name {
		t.Errorf("expected only the final artifact in the directory, got %v", got)
	}

	phases := progress.phases()
	want := []string{"counting", "export:users", "export:crops", "export:harvests", "export:inventory_logs", "finalizing"}
	if strings.Join(phases, ",") != strings.Join(want, ",") {
		t.Errorf("expected phases %v, got %v", want, phases)
	}

	last := -1.0
	for _, r := range progress.reports {
		if r.percent < last {
			t.Errorf("progress went backwards: %.1f after %.1f", r.percent, last)
		}
		if r.percent > 99 {
			t.Errorf("progress exceeded 99 before completion: %.1f", r.percent)
		}
		last = r.percent
	}

	summary, err := NewRestorer(db).Validate(context.Background(), art.Path, nil)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if summary.TotalRows != 2+5+10+3 {
		t.Errorf("expected 20 rows, got %d", summary.TotalRows)
	}
	if summary.Header.Driver != "sqlite" || summary.Header.Kind != KindManual {
		t.Errorf("unexpected header %+v", summary.Header)
	}
}

func TestExportSkipsMissingTables(t *testing.T) {
	db := setupTestDB(t)
	seedTestDB(t, db, 1)

	exp := NewExporter(db, ExporterConfig{
		Dir:         t.TempDir(),
		Tables:      []string{"users", "mushroom_strains", "crops"},
		Compression: CompressionNone,
	})
	art, err := exp.Export(context.Background(), KindAuto, nil)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	summary, err := NewRestorer(db).Validate(context.Background(), art.Path, nil)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := strings.Join(summary.Header.Tables, ","); got != "users,crops" {
		t.Errorf("expected tables users,crops, got %s", got)
	}
}

func TestExportEmptyDatabase(t *testing.T) {
	db := setupTestDB(t)
	exp := newTestExporter(db, t.TempDir(), CompressionZstd)

	art, err := exp.Export(context.Background(), KindDaily, nil)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	summary, err := NewRestorer(db).Validate(context.Background(), art.Path, nil)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if summary.TotalRows != 0 {
		t.Errorf("expected 0 rows, got %d", summary.TotalRows)
	}
}

func TestExportCancellationLeavesNoFiles(t *testing.T) {
	tests := []struct {
		name     string
		cancelAt string
	}{
		{"second table", "export:crops"},
		{"last table", "export:inventory_logs"},
		{"finalizing", "finalizing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			seedTestDB(t, db, 3)
			dir := t.TempDir()

			progress := &recordingProgress{cancelAt: tt.cancelAt}
			art, err := newTestExporter(db, dir, CompressionGzip).Export(context.Background(), KindManual, progress)
			if !errors.Is(err, ErrCancelled) {
				t.Fatalf("expected ErrCancelled, got %v (artifact %q)", err, art.Name)
			}
			if got := listDir(t, filepath.Join(dir, "manual")); len(got) != 0 {
				t.Errorf("expected empty directory after cancel, got %v", got)
			}
		})
	}
}

func TestExportSameSecondKeepsBothArtifacts(t *testing.T) {
	db := setupTestDB(t)
	seedTestDB(t, db, 1)
	dir := t.TempDir()

	exp := newTestExporter(db, dir, CompressionGzip)
	exp.now = func() time.Time { return time.Date(2026, 4, 1, 9, 0, 0, 0, time.Local) }

	first, err := exp.Export(context.Background(), KindAuto, nil)
	if err != nil {
		t.Fatalf("first Export() error = %v", err)
	}
	second, err := exp.Export(context.Background(), KindAuto, nil)
	if err != nil {
		t.Fatalf("second Export() error = %v", err)
	}

	if first.Name == second.Name {
		t.Fatalf("expected distinct names, both are %s", first.Name)
	}
	if second.Name != "auto_backup_20260401_090001.json.gz" {
		t.Errorf("expected next second's name, got %s", second.Name)
	}
	if !second.CreatedAt.After(first.CreatedAt) {
		t.Errorf("expected second artifact to sort newer, got %v and %v", first.CreatedAt, second.CreatedAt)
	}
	if got := listDir(t, filepath.Join(dir, "auto")); len(got) != 2 {
		t.Errorf("expected two artifacts, got %v", got)
	}
}

func TestExportContextCancelled(t *testing.T) {
	db := setupTestDB(t)
	seedTestDB(t, db, 1)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestExporter(db, dir, CompressionGzip).Export(ctx, KindAuto, nil)
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if got := listDir(t, filepath.Join(dir, "auto")); len(got) != 0 {
		t.Errorf("expected no files, got %v", got)
	}
}

func TestExportDailyReplacesSameDay(t *testing.T) {
	db := setupTestDB(t)
	seedTestDB(t, db, 1)
	dir := t.TempDir()

	exp := newTestExporter(db, dir, CompressionGzip)
	exp.now = func() time.Time { return time.Date(2026, 3, 2, 1, 0, 0, 0, time.Local) }
	first, err := exp.Export(context.Background(), KindDaily, nil)
	if err != nil {
		t.Fatalf("first Export() error = %v", err)
	}

	mustExec(t, db, `INSERT INTO users (id, username, role) VALUES (3, 'late', 'viewer')`)
	exp.now = func() time.Time { return time.Date(2026, 3, 2, 18, 0, 0, 0, time.Local) }
	second, err := exp.Export(context.Background(), KindDaily, nil)
	if err != nil {
		t.Fatalf("second Export() error = %v", err)
	}

	if first.Name != second.Name {
		t.Fatalf("expected same daily name, got %s and %s", first.Name, second.Name)
	}
	if got := listDir(t, filepath.Join(dir, "daily")); len(got) != 1 {
		t.Errorf("expected one daily artifact, got %v", got)
	}
	summary, err := NewRestorer(db).Validate(context.Background(), second.Path, nil)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if summary.Rows["users"] != 3 {
		t.Errorf("expected replaced artifact with 3 users, got %d", summary.Rows["users"])
	}
}

func TestScaleProgress(t *testing.T) {
	t.Parallel()

	p := &recordingProgress{}
	s := ScaleProgress(p, 20, 40)
	s.Report("x", 50, "")
	if got := p.reports[0].percent; got != 30 {
		t.Errorf("expected 30, got %.1f", got)
	}
}
