// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package location

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/mycelium-backup/internal/database"
)

type fakePinger struct{ err error }

func (f fakePinger) PingWithin(context.Context, time.Duration) error { return f.err }

// addrDialect reports a fixed server address; other hooks are unused here.
type addrDialect struct {
	database.Dialect
	addr string
	err  error
}

func (d addrDialect) ServerAddress(context.Context, database.Querier) (string, error) {
	return d.addr, d.err
}

func fixedAddrs(ips ...string) func() ([]net.Addr, error) {
	return func() ([]net.Addr, error) {
		out := make([]net.Addr, 0, len(ips))
		for _, ip := range ips {
			out = append(out, &net.IPNet{IP: net.ParseIP(ip), Mask: net.CIDRMask(24, 32)})
		}
		return out, nil
	}
}

func pgGuard(host string, allowRemote bool, ping error) *Guard {
	ep := database.Endpoint{Driver: "postgres", Host: host, Port: "5432"}
	g := newGuard(ep, nil, nil, fakePinger{err: ping}, allowRemote, time.Second)
	g.interfaceAddrs = fixedAddrs("192.168.1.20")
	return g
}

func TestClassifyFileDrivers(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"sqlite", "duckdb"} {
		ep := database.Endpoint{Driver: driver, Path: "/var/lib/farm.db"}
		g := newGuard(ep, nil, nil, fakePinger{}, false, time.Second)
		info := g.Classify(context.Background())

		if !info.IsLocal || info.IsDBServer || !info.CanBackup {
			t.Errorf("%s: expected local, non-server, can backup; got %+v", driver, info)
		}
		if info.DBHost != "/var/lib/farm.db" {
			t.Errorf("%s: DBHost = %q, want file path", driver, info.DBHost)
		}
	}
}

func TestClassifyPostgresHosts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		host        string
		allowRemote bool
		wantLocal   bool
		wantBackup  bool
	}{
		{"", false, true, true},
		{"/var/run/postgresql", false, true, true},
		{"localhost", false, true, true},
		{"127.0.0.1", false, true, true},
		{"::1", false, true, true},
		{"192.168.1.20", false, true, true},
		{"db.farm.lan", false, false, false},
		{"db.farm.lan", true, false, true},
		{"10.1.1.1", false, false, false},
	}

	for _, tt := range tests {
		info := pgGuard(tt.host, tt.allowRemote, nil).Classify(context.Background())
		if info.IsLocal != tt.wantLocal {
			t.Errorf("host %q: IsLocal = %v, want %v", tt.host, info.IsLocal, tt.wantLocal)
		}
		if info.IsDBServer != !tt.wantLocal {
			t.Errorf("host %q: IsDBServer = %v, want %v", tt.host, info.IsDBServer, !tt.wantLocal)
		}
		if info.CanBackup != tt.wantBackup {
			t.Errorf("host %q (allow_remote=%v): CanBackup = %v, want %v", tt.host, tt.allowRemote, info.CanBackup, tt.wantBackup)
		}
		if info.Message == "" {
			t.Errorf("host %q: expected a message", tt.host)
		}
	}
}

func TestClassifyPingFailure(t *testing.T) {
	t.Parallel()

	info := pgGuard("localhost", true, errors.New("connection refused")).Classify(context.Background())
	if info.CanBackup {
		t.Error("expected CanBackup=false when ping fails")
	}
	if !info.IsLocal {
		t.Error("expected IsLocal to be kept when ping fails")
	}
	if !strings.Contains(info.Message, "not reachable") {
		t.Errorf("unexpected message: %q", info.Message)
	}
}

func TestClassifyServerAddress(t *testing.T) {
	t.Parallel()

	ep := database.Endpoint{Driver: "postgres", Host: "farm-db", Port: "5432"}
	var q *sql.DB // never dereferenced by addrDialect

	tests := []struct {
		addr string
		err  error
		want bool
	}{
		{"192.168.1.20", nil, true},
		{"127.0.0.1", nil, true},
		{"10.9.9.9", nil, false},
		{"", nil, false},
		{"", errors.New("permission denied"), false},
	}
	for _, tt := range tests {
		g := newGuard(ep, addrDialect{addr: tt.addr, err: tt.err}, q, fakePinger{}, false, time.Second)
		g.interfaceAddrs = fixedAddrs("192.168.1.20")
		if got := g.Classify(context.Background()).IsLocal; got != tt.want {
			t.Errorf("server addr %q: IsLocal = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
