// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Security.JWTSecret = testSecret
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	if cfg.Server.Port != 8089 {
		t.Errorf("Server.Port = %d, want 8089", cfg.Server.Port)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want postgres", cfg.Database.Driver)
	}
	if len(cfg.Database.Tables) != len(DefaultTables) {
		t.Errorf("expected %d default tables, got %d", len(DefaultTables), len(cfg.Database.Tables))
	}
	if cfg.Backup.Retention.Auto.MaxCount != 30 {
		t.Errorf("auto retention = %d, want 30", cfg.Backup.Retention.Auto.MaxCount)
	}
	if cfg.Backup.Retention.Daily.MaxCount != 90 {
		t.Errorf("daily retention = %d, want 90", cfg.Backup.Retention.Daily.MaxCount)
	}
	if cfg.Backup.Compression != "gzip" {
		t.Errorf("Backup.Compression = %q, want gzip", cfg.Backup.Compression)
	}
	if cfg.Security.AuthMode != "jwt" {
		t.Errorf("Security.AuthMode = %q, want jwt", cfg.Security.AuthMode)
	}
}

func TestDefaultsFailWithoutSecret(t *testing.T) {
	t.Parallel()

	err := defaultConfig().Validate()
	if err == nil || !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Errorf("expected JWT_SECRET error, got %v", err)
	}
	if err := validConfig().Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "HTTP_PORT"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "DB_DRIVER"},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }, "DATABASE_URL"},
		{"relative dir", func(c *Config) { c.Backup.Dir = "backups" }, "BACKUP_DIR"},
		{"relative external", func(c *Config) { c.Backup.ExternalDir = "usb" }, "BACKUP_EXTERNAL_DIR"},
		{"bad compression", func(c *Config) { c.Backup.Compression = "xz" }, "BACKUP_COMPRESSION"},
		{"bad hour", func(c *Config) { c.Backup.DailyHour = 24 }, "BACKUP_DAILY_HOUR"},
		{"bad weekday", func(c *Config) { c.Backup.ReminderWeekday = "someday" }, "BACKUP_REMINDER_WEEKDAY"},
		{"negative retention", func(c *Config) { c.Backup.Retention.Manual.MaxCount = -1 }, "retention"},
		{"bad table", func(c *Config) { c.Database.Tables = []string{"users; drop"} }, "BACKUP_TABLES"},
		{"duplicate table", func(c *Config) { c.Database.Tables = []string{"users", "users"} }, "more than once"},
		{"no tables", func(c *Config) { c.Database.Tables = nil }, "BACKUP_TABLES"},
		{"log table format", func(c *Config) { c.Maintenance.LogTables = []string{"system_logs"} }, "table:column"},
		{"log table ident", func(c *Config) { c.Maintenance.LogTables = []string{"system_logs:created-at"} }, "invalid identifier"},
		{"short secret", func(c *Config) { c.Security.JWTSecret = "short" }, "JWT_SECRET"},
		{"bad auth mode", func(c *Config) { c.Security.AuthMode = "basic" }, "AUTH_MODE"},
		{"bad rate limit", func(c *Config) { c.Security.RateLimitReqs = 0 }, "RATE_LIMIT_REQUESTS"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "LOG_LEVEL"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateAuthNoneSkipsSecret(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Security.AuthMode = "none"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected no error with AUTH_MODE=none, got %v", err)
	}
}

func TestEnvTransformFunc(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected string
	}{
		{"HTTP_PORT", "server.port"},
		{"DATABASE_URL", "database.dsn"},
		{"DB_DRIVER", "database.driver"},
		{"BACKUP_DIR", "backup.dir"},
		{"BACKUP_EXTERNAL_DIR", "backup.external_dir"},
		{"RETENTION_AUTO_MAX_COUNT", "backup.retention.auto.max_count"},
		{"LOG_CLEANUP_TABLES", "maintenance.log_tables"},
		{"JWT_SECRET", "security.jwt_secret"},
		{"log_level", "logging.level"},
		{"PATH", ""},
		{"HOME", ""},
	}

	for _, tt := range tests {
		if got := envTransformFunc(tt.input); got != tt.expected {
			t.Errorf("envTransformFunc(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestLoadWithKoanfEnvOverrides(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DATABASE_URL", "/var/lib/farm.db")
	t.Setenv("BACKUP_DIR", "/srv/backups")
	t.Setenv("BACKUP_TABLES", "users, products ,sales")
	t.Setenv("BACKUP_AUTO_INTERVAL", "6h")
	t.Setenv("RETENTION_AUTO_MAX_COUNT", "5")

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "/var/lib/farm.db" {
		t.Errorf("unexpected database config: %+v", cfg.Database)
	}
	if cfg.Backup.Dir != "/srv/backups" {
		t.Errorf("Backup.Dir = %q, want /srv/backups", cfg.Backup.Dir)
	}
	want := []string{"users", "products", "sales"}
	if len(cfg.Database.Tables) != len(want) {
		t.Fatalf("Database.Tables = %v, want %v", cfg.Database.Tables, want)
	}
	for i := range want {
		if cfg.Database.Tables[i] != want[i] {
			t.Errorf("Database.Tables[%d] = %q, want %q", i, cfg.Database.Tables[i], want[i])
		}
	}
	if cfg.Backup.AutoInterval != 6*time.Hour {
		t.Errorf("Backup.AutoInterval = %v, want 6h", cfg.Backup.AutoInterval)
	}
	if cfg.Backup.Retention.Auto.MaxCount != 5 {
		t.Errorf("auto retention = %d, want 5", cfg.Backup.Retention.Auto.MaxCount)
	}
}

func TestLoadWithKoanfFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 7070
backup:
  dir: /mnt/farm/backups
  compression: zstd
  retention:
    manual:
      max_age_days: 14
security:
  jwt_secret: ` + testSecret + `
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := LoadWithKoanf()
	if err != nil {
		t.Fatalf("LoadWithKoanf() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Backup.Compression != "zstd" {
		t.Errorf("Backup.Compression = %q, want zstd", cfg.Backup.Compression)
	}
	if cfg.Backup.Retention.Manual.MaxAgeDays != 14 {
		t.Errorf("manual max age = %d, want 14", cfg.Backup.Retention.Manual.MaxAgeDays)
	}
	if cfg.Backup.Retention.Daily.MaxCount != 90 {
		t.Errorf("daily retention default lost, got %d", cfg.Backup.Retention.Daily.MaxCount)
	}
}

func TestParsedLogTables(t *testing.T) {
	t.Parallel()

	m := MaintenanceConfig{LogTables: []string{"deletion_log:deleted_at", " sms_logs : sent_at "}}
	got := m.ParsedLogTables()
	if len(got) != 2 {
		t.Fatalf("expected 2 log tables, got %d", len(got))
	}
	if got[1].Table != "sms_logs" || got[1].Column != "sent_at" {
		t.Errorf("expected trimmed sms_logs:sent_at, got %+v", got[1])
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want time.Weekday
		ok   bool
	}{
		{"friday", time.Friday, true},
		{"Fri", time.Friday, true},
		{"SUNDAY", time.Sunday, true},
		{"mo", time.Sunday, false},
		{"funday", time.Sunday, false},
	}
	for _, tt := range tests {
		got, ok := ParseWeekday(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseWeekday(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
