// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

// Package location decides whether this process may back up and restore the
// configured database. The answer is derived on every call and never stored.
package location

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tomtom215/mycelium-backup/internal/database"
	"github.com/tomtom215/mycelium-backup/internal/logging"
)

// Info describes where the database lives relative to this process.
type Info struct {
	IsLocal    bool   `json:"is_local"`
	IsDBServer bool   `json:"is_db_server"`
	CanBackup  bool   `json:"can_backup"`
	DBHost     string `json:"db_host"`
	Message    string `json:"message"`
}

// Pinger is the part of *database.DB the guard needs.
type Pinger interface {
	PingWithin(ctx context.Context, timeout time.Duration) error
}

// Guard classifies the configured database endpoint.
type Guard struct {
	endpoint          database.Endpoint
	dialect           database.Dialect
	db                database.Querier
	pinger            Pinger
	allowRemoteExport bool
	pingTimeout       time.Duration

	// interfaceAddrs is net.InterfaceAddrs, replaceable in tests.
	interfaceAddrs func() ([]net.Addr, error)
}

// NewGuard creates a guard for db.
func NewGuard(db *database.DB, allowRemoteExport bool, pingTimeout time.Duration) *Guard {
	return newGuard(db.Endpoint, db.Dialect, db, db, allowRemoteExport, pingTimeout)
}

func newGuard(ep database.Endpoint, d database.Dialect, q database.Querier, p Pinger, allowRemote bool, pingTimeout time.Duration) *Guard {
	if pingTimeout <= 0 {
		pingTimeout = 3 * time.Second
	}
	return &Guard{
		endpoint:          ep,
		dialect:           d,
		db:                q,
		pinger:            p,
		allowRemoteExport: allowRemote,
		pingTimeout:       pingTimeout,
		interfaceAddrs:    net.InterfaceAddrs,
	}
}

// Classify never fails; a missing capability is reported in the result.
func (g *Guard) Classify(ctx context.Context) Info {
	info := Info{DBHost: g.endpoint.Address()}

	if g.endpoint.IsFile() {
		info.IsLocal = true
		info.IsDBServer = false
	} else {
		info.IsLocal = g.hostIsLocal(ctx)
		info.IsDBServer = !info.IsLocal
	}

	if err := g.pinger.PingWithin(ctx, g.pingTimeout); err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("db_host", info.DBHost).Msg("Database ping failed during classification")
		info.CanBackup = false
		info.Message = fmt.Sprintf("Database at %s is not reachable. Backup and restore are unavailable.", info.DBHost)
		return info
	}

	info.CanBackup = info.IsLocal || g.allowRemoteExport
	info.Message = describe(info, g.endpoint)
	return info
}

func describe(info Info, ep database.Endpoint) string {
	switch {
	case ep.IsFile():
		return fmt.Sprintf("Using the local %s database file %s.", ep.Driver, info.DBHost)
	case info.IsLocal:
		return fmt.Sprintf("Database server runs on this machine (%s). Backup and restore are available.", info.DBHost)
	case info.CanBackup:
		return fmt.Sprintf("Database server %s is remote. Backups are exported over the network.", info.DBHost)
	default:
		return fmt.Sprintf("Database server %s is remote and remote export is disabled. Run backups on the database server.", info.DBHost)
	}
}

// hostIsLocal applies the host rules, then asks the server for its own address.
func (g *Guard) hostIsLocal(ctx context.Context) bool {
	host := g.endpoint.Host
	switch {
	case host == "", g.endpoint.IsSocket():
		return true
	case isLoopbackName(host):
		return true
	case g.isInterfaceAddr(host):
		return true
	}

	if g.db == nil || g.dialect == nil {
		return false
	}
	qctx, cancel := context.WithTimeout(ctx, g.pingTimeout)
	defer cancel()
	addr, err := g.dialect.ServerAddress(qctx, g.db)
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Msg("Server address lookup failed")
		return false
	}
	// An empty address means the server sees a unix-socket connection.
	if addr == "" {
		return false
	}
	return isLoopbackName(addr) || g.isInterfaceAddr(addr)
}

func isLoopbackName(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// isInterfaceAddr reports whether host is one of this machine's addresses.
func (g *Guard) isInterfaceAddr(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	addrs, err := g.interfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		var local net.IP
		switch v := a.(type) {
		case *net.IPNet:
			local = v.IP
		case *net.IPAddr:
			local = v.IP
		}
		if local != nil && local.Equal(ip) {
			return true
		}
	}
	return false
}
