// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

// Package database opens the farm database that is backed up and hides the
// differences between the supported engines behind a Dialect.
//
// Supported drivers:
//
//	postgres  github.com/lib/pq           network server or unix socket
//	sqlite    modernc.org/sqlite          single file, pure Go
//	duckdb    github.com/duckdb/duckdb-go embedded analytical file
//
// The package owns no schema. Backup and restore treat tables as opaque rows
// and ask the dialect for quoting, placeholders and restore hooks.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/tomtom215/mycelium-backup/internal/config"
	"github.com/tomtom215/mycelium-backup/internal/logging"
)

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the connection pool together with its dialect and parsed endpoint.
type DB struct {
	*sql.DB
	Dialect  Dialect
	Endpoint Endpoint
}

// driverNames maps configured driver names to database/sql registrations.
var driverNames = map[string]string{
	"postgres": "postgres",
	"sqlite":   "sqlite",
	"duckdb":   "duckdb",
}

// Open creates the connection pool. The database is pinged once with
// cfg.PingTimeout; a failed ping is logged but not fatal so that the service
// can start and report the problem through its status endpoint.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	dialect, err := DialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	endpoint, err := ParseEndpoint(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database endpoint: %w", err)
	}

	// File engines create the file on first open; make sure its directory exists.
	// Use 0750 permissions (owner: rwx, group: rx, other: none) per gosec G301
	if endpoint.IsFile() && endpoint.Path != "" && endpoint.Path != ":memory:" {
		if dir := filepath.Dir(endpoint.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}

	conn, err := sql.Open(driverNames[cfg.Driver], cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	configureConnectionPool(conn, cfg)

	db := &DB{DB: conn, Dialect: dialect, Endpoint: endpoint}

	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 3 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		logging.Warn().Err(err).
			Str("driver", cfg.Driver).
			Str("address", endpoint.Address()).
			Msg("Database not reachable at startup")
	}

	logging.Info().
		Str("driver", cfg.Driver).
		Str("address", endpoint.Address()).
		Int("max_open_conns", cfg.MaxOpenConns).
		Msg("Database pool opened")

	return db, nil
}

// configureConnectionPool sets connection pool parameters
func configureConnectionPool(conn *sql.DB, cfg config.DatabaseConfig) {
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	conn.SetConnMaxIdleTime(5 * time.Minute)
}

// PingWithin checks connectivity within timeout.
func (db *DB) PingWithin(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return db.PingContext(ctx)
}

// Close closes the pool.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}
