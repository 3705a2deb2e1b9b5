// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file locations searched in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/mycelium-backup/config.yaml",
	"/etc/mycelium-backup/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultTables is the farm schema in dependency order: parents before children.
var DefaultTables = []string{
	"users",
	"company_info",
	"vendors",
	"products",
	"product_bom",
	"product_price_history",
	"customers",
	"customer_addresses",
	"customer_logs",
	"customer_ledger",
	"sales",
	"sales_claims",
	"inventory_logs",
	"purchases",
	"expenses",
	"consultations",
	"event",
	"schedules",
	"experience_programs",
	"experience_reservations",
	"production_spaces",
	"production_batches",
	"farming_logs",
	"harvest_records",
	"sensors",
	"sensor_readings",
	"deletion_log",
	"custom_presets",
}

// DefaultLogTables are the audit/log tables pruned by age.
var DefaultLogTables = []string{
	"deletion_log:deleted_at",
	"inventory_logs:created_at",
	"system_logs:created_at",
	"sensor_readings:recorded_at",
	"sms_logs:sent_at",
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8089,
			Host:            "0.0.0.0",
			Timeout:         30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:            "postgres",
			DSN:               "postgres://postgres@localhost:5432/mycelium?sslmode=disable",
			MaxOpenConns:      10,
			MaxIdleConns:      2,
			ConnMaxLifetime:   30 * time.Minute,
			PingTimeout:       3 * time.Second,
			Tables:            append([]string(nil), DefaultTables...),
			AllowRemoteExport: true,
		},
		Backup: BackupConfig{
			Dir:             "/data/backups",
			ExternalDir:     "",
			Compression:     "gzip",
			AutoInterval:    0,
			DailyEnabled:    true,
			DailyHour:       0,
			CheckInterval:   time.Minute,
			ReminderWeekday: "friday",
			Retention: RetentionConfig{
				Auto:   RetentionPolicyConfig{MaxCount: 30},
				Daily:  RetentionPolicyConfig{MaxCount: 90},
				Manual: RetentionPolicyConfig{},
			},
		},
		Maintenance: MaintenanceConfig{
			LogTables: append([]string(nil), DefaultLogTables...),
		},
		Security: SecurityConfig{
			AuthMode:        "jwt",
			TokenTTL:        24 * time.Hour,
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{},
		},
		Settings: SettingsConfig{
			Path: "/data/settings",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadWithKoanf loads configuration from layered sources:
//  1. Defaults
//  2. Config file (optional)
//  3. Environment variables
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// BACKUP_DIR -> backup.dir, DATABASE_URL -> database.dsn
	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

var sliceConfigPaths = []string{
	"database.tables",
	"maintenance.log_tables",
	"security.cors_origins",
}

// processSliceFields converts comma-separated env strings to trimmed slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}

		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	// Server
	"http_port":        "server.port",
	"http_host":        "server.host",
	"http_timeout":     "server.timeout",
	"shutdown_timeout": "server.shutdown_timeout",

	// Database
	"db_driver":            "database.driver",
	"database_url":         "database.dsn",
	"db_max_open_conns":    "database.max_open_conns",
	"db_max_idle_conns":    "database.max_idle_conns",
	"db_conn_max_lifetime": "database.conn_max_lifetime",
	"db_ping_timeout":      "database.ping_timeout",
	"backup_tables":        "database.tables",
	"allow_remote_export":  "database.allow_remote_export",

	// Backup
	"backup_dir":                    "backup.dir",
	"backup_external_dir":           "backup.external_dir",
	"backup_compression":            "backup.compression",
	"backup_auto_interval":          "backup.auto_interval",
	"backup_daily_enabled":          "backup.daily_enabled",
	"backup_daily_hour":             "backup.daily_hour",
	"backup_check_interval":         "backup.check_interval",
	"backup_reminder_weekday":       "backup.reminder_weekday",
	"retention_auto_max_count":      "backup.retention.auto.max_count",
	"retention_auto_max_age_days":   "backup.retention.auto.max_age_days",
	"retention_daily_max_count":     "backup.retention.daily.max_count",
	"retention_daily_max_age_days":  "backup.retention.daily.max_age_days",
	"retention_manual_max_count":    "backup.retention.manual.max_count",
	"retention_manual_max_age_days": "backup.retention.manual.max_age_days",

	// Maintenance
	"log_cleanup_tables": "maintenance.log_tables",

	// Security
	"auth_mode":           "security.auth_mode",
	"jwt_secret":          "security.jwt_secret",
	"token_ttl":           "security.token_ttl",
	"rate_limit_requests": "security.rate_limit_reqs",
	"rate_limit_window":   "security.rate_limit_window",
	"disable_rate_limit":  "security.rate_limit_disabled",
	"cors_origins":        "security.cors_origins",

	// Settings store
	"settings_path":      "settings.path",
	"settings_in_memory": "settings.in_memory",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps environment variable names to koanf paths.
// Unmapped variables return "" and are skipped.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
