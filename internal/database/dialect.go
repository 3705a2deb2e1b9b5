// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

// Dialect isolates engine-specific SQL.
type Dialect interface {
	// Name returns the configured driver name.
	Name() string

	// Placeholder returns the bind marker for the n-th (1-based) argument.
	Placeholder(n int) string

	// QuoteIdent quotes a table or column name.
	QuoteIdent(name string) string

	// MaintenanceStatements returns the vacuum/analyze statements in order.
	MaintenanceStatements() []string

	// TableExists reports whether table is present in the live schema.
	TableExists(ctx context.Context, q Querier, table string) (bool, error)

	// ServerAddress returns the server's own view of its address, or "" when
	// the engine has no such notion (file engines, unix sockets).
	ServerAddress(ctx context.Context, q Querier) (string, error)

	// BeginRestore runs at the start of the restore transaction.
	BeginRestore(ctx context.Context, tx *sql.Tx) error

	// FinishRestore runs after all rows are loaded, before commit.
	FinishRestore(ctx context.Context, tx *sql.Tx, tables []string) error
}

// DialectFor returns the dialect for a configured driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres":
		return postgresDialect{}, nil
	case "sqlite":
		return sqliteDialect{}, nil
	case "duckdb":
		return duckdbDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// quoteDouble is ANSI identifier quoting shared by the file engines.
func quoteDouble(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// ========================================
// PostgreSQL
// ========================================

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) QuoteIdent(name string) string { return pq.QuoteIdentifier(name) }

func (postgresDialect) MaintenanceStatements() []string {
	return []string{"VACUUM ANALYZE"}
}

func (postgresDialect) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = current_schema() AND table_name = $1`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ServerAddress is empty when connected over a unix socket.
func (postgresDialect) ServerAddress(ctx context.Context, q Querier) (string, error) {
	var addr string
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(inet_server_addr()::text, '')`).Scan(&addr); err != nil {
		return "", err
	}
	// inet renders with a prefix length for non-host masks
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	return addr, nil
}

func (postgresDialect) BeginRestore(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "SET CONSTRAINTS ALL DEFERRED")
	return err
}

// FinishRestore moves serial sequences past the restored ids.
func (d postgresDialect) FinishRestore(ctx context.Context, tx *sql.Tx, tables []string) error {
	for _, table := range tables {
		var hasID int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM information_schema.columns
			 WHERE table_schema = current_schema() AND table_name = $1 AND column_name = 'id'`,
			table).Scan(&hasID)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if hasID == 0 {
			continue
		}

		var seq sql.NullString
		if err := tx.QueryRowContext(ctx, `SELECT pg_get_serial_sequence($1, 'id')`, d.QuoteIdent(table)).Scan(&seq); err != nil {
			return fmt.Errorf("sequence lookup %s: %w", table, err)
		}
		if !seq.Valid {
			continue
		}

		q := fmt.Sprintf(`SELECT setval($1, COALESCE((SELECT MAX(id) FROM %s), 0) + 1, false)`, d.QuoteIdent(table))
		if _, err := tx.ExecContext(ctx, q, seq.String); err != nil {
			return fmt.Errorf("reset sequence %s: %w", seq.String, err)
		}
	}
	return nil
}

// ========================================
// SQLite
// ========================================

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Placeholder(int) string { return "?" }

func (sqliteDialect) QuoteIdent(name string) string { return quoteDouble(name) }

func (sqliteDialect) MaintenanceStatements() []string {
	return []string{"VACUUM", "ANALYZE"}
}

func (sqliteDialect) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (sqliteDialect) ServerAddress(context.Context, Querier) (string, error) { return "", nil }

// BeginRestore postpones foreign key checks until commit.
func (sqliteDialect) BeginRestore(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON")
	return err
}

// FinishRestore is a no-op: INTEGER PRIMARY KEY rowids continue from MAX(rowid).
func (sqliteDialect) FinishRestore(context.Context, *sql.Tx, []string) error { return nil }

// ========================================
// DuckDB
// ========================================

type duckdbDialect struct{}

func (duckdbDialect) Name() string { return "duckdb" }

func (duckdbDialect) Placeholder(int) string { return "?" }

func (duckdbDialect) QuoteIdent(name string) string { return quoteDouble(name) }

func (duckdbDialect) MaintenanceStatements() []string {
	return []string{"VACUUM", "ANALYZE"}
}

func (duckdbDialect) TableExists(ctx context.Context, q Querier, table string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (duckdbDialect) ServerAddress(context.Context, Querier) (string, error) { return "", nil }

func (duckdbDialect) BeginRestore(context.Context, *sql.Tx) error { return nil }

func (duckdbDialect) FinishRestore(context.Context, *sql.Tx, []string) error { return nil }
