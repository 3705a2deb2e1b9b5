// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// identPattern matches the identifiers accepted for table and column names.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether s is a plain SQL identifier.
func ValidIdentifier(s string) bool {
	return identPattern.MatchString(s)
}

// Validate checks that required configuration is present and valid
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateBackup(); err != nil {
		return err
	}
	if err := c.validateMaintenance(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535")
	}
	if c.Server.Timeout < 0 {
		return fmt.Errorf("HTTP_TIMEOUT must not be negative")
	}
	return nil
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "duckdb":
	default:
		return fmt.Errorf("DB_DRIVER must be one of: postgres, sqlite, duckdb")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Database.MaxOpenConns < 1 {
		return fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1")
	}
	if len(c.Database.Tables) == 0 {
		return fmt.Errorf("BACKUP_TABLES must list at least one table")
	}
	seen := make(map[string]bool, len(c.Database.Tables))
	for _, table := range c.Database.Tables {
		if !ValidIdentifier(table) {
			return fmt.Errorf("BACKUP_TABLES contains invalid table name %q", table)
		}
		if seen[table] {
			return fmt.Errorf("BACKUP_TABLES lists %q more than once", table)
		}
		seen[table] = true
	}
	return nil
}

func (c *Config) validateBackup() error {
	if c.Backup.Dir == "" || !filepath.IsAbs(c.Backup.Dir) {
		return fmt.Errorf("BACKUP_DIR must be an absolute path")
	}
	if c.Backup.ExternalDir != "" && !filepath.IsAbs(c.Backup.ExternalDir) {
		return fmt.Errorf("BACKUP_EXTERNAL_DIR must be an absolute path")
	}
	switch c.Backup.Compression {
	case "none", "gzip", "zstd":
	default:
		return fmt.Errorf("BACKUP_COMPRESSION must be one of: none, gzip, zstd")
	}
	if c.Backup.AutoInterval < 0 {
		return fmt.Errorf("BACKUP_AUTO_INTERVAL must not be negative")
	}
	if c.Backup.DailyHour < 0 || c.Backup.DailyHour > 23 {
		return fmt.Errorf("BACKUP_DAILY_HOUR must be between 0 and 23")
	}
	if c.Backup.DailyEnabled && c.Backup.CheckInterval <= 0 {
		return fmt.Errorf("BACKUP_CHECK_INTERVAL must be positive when daily backups are enabled")
	}
	if _, ok := ParseWeekday(c.Backup.ReminderWeekday); !ok {
		return fmt.Errorf("BACKUP_REMINDER_WEEKDAY must be a weekday name, got %q", c.Backup.ReminderWeekday)
	}
	for name, p := range map[string]RetentionPolicyConfig{
		"auto":   c.Backup.Retention.Auto,
		"daily":  c.Backup.Retention.Daily,
		"manual": c.Backup.Retention.Manual,
	} {
		if p.MaxCount < 0 || p.MaxAgeDays < 0 {
			return fmt.Errorf("retention policy for %s must not be negative", name)
		}
	}
	return nil
}

func (c *Config) validateMaintenance() error {
	for _, entry := range c.Maintenance.LogTables {
		table, column, ok := strings.Cut(entry, ":")
		if !ok {
			return fmt.Errorf("LOG_CLEANUP_TABLES entry %q must be table:column", entry)
		}
		if !ValidIdentifier(strings.TrimSpace(table)) || !ValidIdentifier(strings.TrimSpace(column)) {
			return fmt.Errorf("LOG_CLEANUP_TABLES entry %q contains an invalid identifier", entry)
		}
	}
	return nil
}

func (c *Config) validateSecurity() error {
	switch c.Security.AuthMode {
	case "jwt":
		if len(c.Security.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters when AUTH_MODE=jwt")
		}
		if c.Security.TokenTTL <= 0 {
			return fmt.Errorf("TOKEN_TTL must be positive")
		}
	case "none":
	default:
		return fmt.Errorf("AUTH_MODE must be one of: jwt, none")
	}
	if !c.Security.RateLimitDisabled {
		if c.Security.RateLimitReqs < 1 {
			return fmt.Errorf("RATE_LIMIT_REQUESTS must be at least 1")
		}
		if c.Security.RateLimitWindow <= 0 {
			return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "off":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error, off")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: json, console")
	}
	return nil
}
