// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

// Package settings persists the few values that outlive a process: the
// external backup directory chosen at runtime, the time of the last
// successful backup, and the last finished job.
package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/mycelium-backup/internal/config"
	"github.com/tomtom215/mycelium-backup/internal/jobs"
)

const (
	keyExternalDir  = "settings:external_dir"
	keyLastBackupAt = "settings:last_backup_at"
	keyLastJob      = "settings:last_job"
)

// Store is a BadgerDB-backed key/value store for runtime settings.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the store described by cfg.
func Open(cfg config.SettingsConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
		// Enable sync writes for durability
		opts.SyncWrites = true
	}
	opts.Logger = nil // Suppress BadgerDB internal logs
	// Settings are tiny; keep the value log small
	opts.ValueLogFileSize = 16 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for settings: %w", err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an already open BadgerDB.
func NewFromDB(db *badger.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC reclaims value log space. badger.ErrNoRewrite means there was
// nothing to collect and is not reported.
func (s *Store) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// ExternalDir returns the stored external directory. ok is false when the
// value was never set, so callers can fall back to configuration. An empty
// path with ok=true means the user cleared it.
func (s *Store) ExternalDir(ctx context.Context) (path string, ok bool, err error) {
	ok, err = s.get(ctx, keyExternalDir, &path)
	return path, ok, err
}

// SetExternalDir stores path; an empty path records an explicit clear.
func (s *Store) SetExternalDir(ctx context.Context, path string) error {
	return s.put(ctx, keyExternalDir, path)
}

// LastBackupAt returns the completion time of the last successful backup,
// or the zero time.
func (s *Store) LastBackupAt(ctx context.Context) (time.Time, error) {
	var t time.Time
	_, err := s.get(ctx, keyLastBackupAt, &t)
	return t, err
}

// SetLastBackupAt records a successful backup.
func (s *Store) SetLastBackupAt(ctx context.Context, t time.Time) error {
	return s.put(ctx, keyLastBackupAt, t)
}

// LastJob returns the last persisted terminal job, or nil.
func (s *Store) LastJob(ctx context.Context) (*jobs.Job, error) {
	var job jobs.Job
	ok, err := s.get(ctx, keyLastJob, &job)
	if err != nil || !ok {
		return nil, err
	}
	return &job, nil
}

// SaveJob persists job.
func (s *Store) SaveJob(ctx context.Context, job jobs.Job) error {
	return s.put(ctx, keyLastJob, job)
}

func (s *Store) get(ctx context.Context, key string, v any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	return found, nil
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}
