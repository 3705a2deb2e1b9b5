// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

// Command server runs the backup service: the HTTP API, the scheduled
// backup triggers and the job progress feed under one supervisor tree.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/mycelium-backup/internal/api"
	"github.com/tomtom215/mycelium-backup/internal/auth"
	"github.com/tomtom215/mycelium-backup/internal/authz"
	"github.com/tomtom215/mycelium-backup/internal/backup"
	"github.com/tomtom215/mycelium-backup/internal/config"
	"github.com/tomtom215/mycelium-backup/internal/database"
	"github.com/tomtom215/mycelium-backup/internal/location"
	"github.com/tomtom215/mycelium-backup/internal/logging"
	"github.com/tomtom215/mycelium-backup/internal/maintenance"
	"github.com/tomtom215/mycelium-backup/internal/orchestrator"
	"github.com/tomtom215/mycelium-backup/internal/settings"
	"github.com/tomtom215/mycelium-backup/internal/supervisor"
	"github.com/tomtom215/mycelium-backup/internal/supervisor/services"
	ws "github.com/tomtom215/mycelium-backup/internal/websocket"
)

// settingsGCInterval spaces Badger value log garbage collection.
const settingsGCInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("driver", cfg.Database.Driver).
		Str("backup_dir", cfg.Backup.Dir).
		Str("auth_mode", cfg.Security.AuthMode).
		Msg("Starting Mycelium Backup with supervisor tree")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open database")
	}
	defer database.CloseQuietly(db)

	store, err := settings.Open(cfg.Settings)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Settings.Path).Msg("Failed to open settings store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing settings store")
		}
	}()

	orch := orchestrator.New(orchestrator.ConfigFrom(cfg), orchestrator.Deps{
		Guard: location.NewGuard(db, cfg.Database.AllowRemoteExport, cfg.Database.PingTimeout),
		Exporter: backup.NewExporter(db, backup.ExporterConfig{
			Dir:         cfg.Backup.Dir,
			Tables:      cfg.Database.Tables,
			Compression: backup.Compression(cfg.Backup.Compression),
		}),
		Restorer:   backup.NewRestorer(db),
		Maintainer: maintenance.NewRunner(db, cfg.Maintenance.ParsedLogTables()),
		Mirror:     backup.NewMirror(),
		Settings:   store,
	})

	info := orch.Location(ctx)
	logging.Info().
		Bool("is_local", info.IsLocal).
		Bool("can_backup", info.CanBackup).
		Str("db_host", info.DBHost).
		Msg(info.Message)

	router, err := buildRouter(cfg, orch, db)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build HTTP router")
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.Timeout,
		IdleTimeout:       60 * time.Second,
	}

	// Data layer
	tree.AddDataService(services.NewSettingsGCService(store, settingsGCInterval))

	// Jobs layer
	tree.AddJobsService(services.NewWebSocketHubService(router.hub))
	tree.AddJobsService(ws.NewFeed(router.hub, orch.JobTracker()))
	tree.AddJobsService(services.NewBackupTriggerService(orch, services.TriggerConfig{
		AutoInterval:  cfg.Backup.AutoInterval,
		DailyEnabled:  cfg.Backup.DailyEnabled,
		DailyHour:     cfg.Backup.DailyHour,
		CheckInterval: cfg.Backup.CheckInterval,
	}))

	// API layer
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	<-ctx.Done()
	logging.Info().Msg("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Running job did not stop cleanly")
	}

	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree error")
	}

	unstopped, _ := tree.UnstoppedServiceReport() //nolint:errcheck // report is best effort
	if len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop in time")
		}
	}

	logging.Info().Msg("Server stopped")
}

// routing bundles the HTTP handler with the hub it feeds.
type routing struct {
	handler http.Handler
	hub     *ws.Hub
}

func buildRouter(cfg *config.Config, orch *orchestrator.Orchestrator, db *database.DB) (*routing, error) {
	mode, err := auth.ParseAuthMode(cfg.Security.AuthMode)
	if err != nil {
		return nil, err
	}

	var jwtManager *auth.JWTManager
	if mode == auth.AuthModeJWT {
		jwtManager, err = auth.NewJWTManager(&cfg.Security)
		if err != nil {
			return nil, err
		}
		logging.Info().Msg("JWT authentication enabled")
	} else {
		logging.Warn().Msg("SECURITY WARNING: Authentication is DISABLED (auth_mode=none); every caller is treated as admin")
	}

	enforcer, err := authz.NewEnforcer("")
	if err != nil {
		return nil, err
	}

	if cfg.Security.RateLimitDisabled {
		logging.Warn().Msg("Rate limiting is DISABLED")
	}

	hub := ws.NewHub()
	handler := api.NewHandler(orch, hub, db, cfg.Security.CORSOrigins)
	chiMW := api.NewChiMiddleware(api.ChiMiddlewareConfigFrom(&cfg.Security))
	router := api.NewRouter(handler, chiMW, jwtManager, mode, enforcer)

	return &routing{handler: router.SetupChi(), hub: hub}, nil
}
