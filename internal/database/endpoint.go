// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package database

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/lib/pq"
)

// Endpoint is where a DSN points: a network server or a local file.
type Endpoint struct {
	Driver   string `json:"driver"`
	Host     string `json:"host,omitempty"`
	Port     string `json:"port,omitempty"`
	Database string `json:"database,omitempty"`
	User     string `json:"user,omitempty"`
	Path     string `json:"path,omitempty"`
}

// IsFile reports whether the endpoint is an embedded database file.
func (e Endpoint) IsFile() bool {
	return e.Driver == "sqlite" || e.Driver == "duckdb"
}

// IsSocket reports whether a postgres host names a unix-socket directory.
func (e Endpoint) IsSocket() bool {
	return strings.HasPrefix(e.Host, "/")
}

// Address renders the endpoint for logs and status messages. Credentials are
// never included.
func (e Endpoint) Address() string {
	if e.IsFile() {
		if e.Path == "" {
			return ":memory:"
		}
		return e.Path
	}
	host := e.Host
	if host == "" {
		host = "localhost"
	}
	if e.IsSocket() {
		return host
	}
	if e.Port == "" {
		return host
	}
	return net.JoinHostPort(host, e.Port)
}

// ParseEndpoint extracts host/port/path information from a DSN without
// connecting.
func ParseEndpoint(driver, dsn string) (Endpoint, error) {
	switch driver {
	case "postgres":
		return parsePostgres(dsn)
	case "sqlite", "duckdb":
		return Endpoint{Driver: driver, Path: filePath(dsn)}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// filePath strips the sqlite "file:" URI prefix and any query options.
func filePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

func parsePostgres(dsn string) (Endpoint, error) {
	conninfo := dsn
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		converted, err := pq.ParseURL(dsn)
		if err != nil {
			return Endpoint{}, err
		}
		conninfo = converted
	}

	opts, err := parseConnInfo(conninfo)
	if err != nil {
		return Endpoint{}, err
	}

	ep := Endpoint{
		Driver:   "postgres",
		Host:     opts["host"],
		Port:     opts["port"],
		Database: opts["dbname"],
		User:     opts["user"],
	}
	// libpq falls back to the environment for anything left out of the DSN.
	if ep.Host == "" {
		ep.Host = os.Getenv("PGHOST")
	}
	if ep.Port == "" {
		ep.Port = os.Getenv("PGPORT")
	}
	// Multi-host DSNs: the first host is the primary.
	if i := strings.IndexByte(ep.Host, ','); i >= 0 {
		ep.Host = ep.Host[:i]
	}
	if i := strings.IndexByte(ep.Port, ','); i >= 0 {
		ep.Port = ep.Port[:i]
	}
	return ep, nil
}

// parseConnInfo parses libpq key=value connection strings. Values may be
// single-quoted with backslash escapes.
func parseConnInfo(s string) (map[string]string, error) {
	opts := make(map[string]string)
	r := []rune(s)
	i := 0
	for {
		for i < len(r) && isSpace(r[i]) {
			i++
		}
		if i >= len(r) {
			return opts, nil
		}

		start := i
		for i < len(r) && r[i] != '=' && !isSpace(r[i]) {
			i++
		}
		key := string(r[start:i])
		for i < len(r) && isSpace(r[i]) {
			i++
		}
		if i >= len(r) || r[i] != '=' {
			return nil, fmt.Errorf("missing \"=\" after %q in connection info", key)
		}
		i++
		for i < len(r) && isSpace(r[i]) {
			i++
		}

		var val strings.Builder
		if i < len(r) && r[i] == '\'' {
			i++
			closed := false
			for i < len(r) {
				switch r[i] {
				case '\\':
					i++
					if i < len(r) {
						val.WriteRune(r[i])
					}
				case '\'':
					closed = true
				default:
					val.WriteRune(r[i])
				}
				i++
				if closed {
					break
				}
			}
			if !closed {
				return nil, fmt.Errorf("unterminated quoted value for %q", key)
			}
		} else {
			for i < len(r) && !isSpace(r[i]) {
				if r[i] == '\\' && i+1 < len(r) {
					i++
				}
				val.WriteRune(r[i])
				i++
			}
		}
		opts[key] = val.String()
	}
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
