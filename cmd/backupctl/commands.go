// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tomtom215/mycelium-backup/internal/api"
	"github.com/tomtom215/mycelium-backup/internal/auth"
	"github.com/tomtom215/mycelium-backup/internal/config"
	"github.com/tomtom215/mycelium-backup/internal/jobs"
	"github.com/tomtom215/mycelium-backup/internal/location"
	"github.com/tomtom215/mycelium-backup/internal/orchestrator"
)

type clientFactory func() *Client

func newListCmd(newClient clientFactory) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backup artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/auto"
			if kind != "" {
				path += "?kind=" + url.QueryEscape(kind)
			}
			var items []api.ArtifactView
			if err := newClient().Do(cmd.Context(), http.MethodGet, path, nil, &items); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND\tCREATED\tSIZE")
			for _, a := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Name, a.Kind, a.CreatedAtDisplay, a.SizeDisplay)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "auto, daily, manual or all (default auto,daily)")
	return cmd
}

func newRunCmd(newClient clientFactory) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a backup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var job jobs.Job
			if err := newClient().Do(cmd.Context(), http.MethodPost, "/run", api.RunBackupRequest{Kind: kind}, &job); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "manual", "auto, daily or manual")
	return cmd
}

func newRestoreCmd(newClient clientFactory) *cobra.Command {
	var safety bool
	cmd := &cobra.Command{
		Use:   "restore NAME",
		Short: "Restore the database from an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := orchestrator.RestoreRequest{Name: args[0], SafetyBackup: safety}
			var job jobs.Job
			if err := newClient().Do(cmd.Context(), http.MethodPost, "/restore", req, &job); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().BoolVar(&safety, "safety-backup", true, "take a manual backup before restoring")
	return cmd
}

func newCancelCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Request cancellation of the running job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var job jobs.Job
			if err := newClient().Do(cmd.Context(), http.MethodPost, "/cancel", nil, &job); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
}

func newProgressCmd(newClient clientFactory) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "progress",
		Short: "Show the current job",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient()
			if !watch {
				var job jobs.Job
				if err := c.Do(cmd.Context(), http.MethodGet, "/progress", nil, &job); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), job)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			return c.Watch(ctx, func(raw json.RawMessage) bool {
				var job jobs.Job
				if err := json.Unmarshal(raw, &job); err != nil {
					return true
				}
				fmt.Fprintln(out, formatProgress(job))
				return job.Status.Active()
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the job until it finishes")
	return cmd
}

// formatProgress renders one line per snapshot.
func formatProgress(job jobs.Job) string {
	if job.ID == "" {
		return "idle"
	}
	line := fmt.Sprintf("%s %s %5.1f%% %s", job.Operation, job.Status, job.Percent, job.Phase)
	if job.Message != "" {
		line += ": " + job.Message
	}
	if job.Error != "" {
		line += " (" + job.Error + ")"
	}
	return line
}

func newMaintenanceCmd(newClient clientFactory) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run database maintenance (VACUUM/ANALYZE)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var job jobs.Job
			if err := newClient().Do(cmd.Context(), http.MethodPost, "/maintenance"+waitQuery(wait), nil, &job); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the job finishes")
	return cmd
}

func newCleanupCmd(newClient clientFactory) *cobra.Command {
	var (
		months int
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete log rows older than --months",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if months < 1 {
				return errors.New("--months must be at least 1")
			}
			var job jobs.Job
			req := api.CleanupRequest{Months: months}
			if err := newClient().Do(cmd.Context(), http.MethodPost, "/cleanup"+waitQuery(wait), req, &job); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		},
	}
	cmd.Flags().IntVar(&months, "months", 0, "age threshold in months (required)")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the job finishes")
	_ = cmd.MarkFlagRequired("months") //nolint:errcheck // flag exists
	return cmd
}

func waitQuery(wait bool) string {
	if wait {
		return "?wait=true"
	}
	return ""
}

func newPruneCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy to artifact files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res api.CleanupFilesResponse
			if err := newClient().Do(cmd.Context(), http.MethodPost, "/cleanup-files", nil, &res); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newStatusCmd(newClient clientFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database location and backup reminder state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := newClient()
			var status struct {
				Location location.Info       `json:"location"`
				Summary  orchestrator.Summary `json:"summary"`
			}
			if err := c.Do(cmd.Context(), http.MethodGet, "/status", nil, &status.Location); err != nil {
				return err
			}
			if err := c.Do(cmd.Context(), http.MethodGet, "/summary", nil, &status.Summary); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), status)
		},
	}
}

// newTokenCmd mints a token locally with the server's shared secret.
func newTokenCmd(v *viper.Viper) *cobra.Command {
	var (
		username string
		role     string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token with the shared JWT secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			secret := v.GetString(keySecret)
			if secret == "" {
				return errors.New("jwt secret required: set --jwt-secret or BACKUPCTL_JWT_SECRET")
			}
			m, err := auth.NewJWTManager(&config.SecurityConfig{JWTSecret: secret, TokenTTL: ttl})
			if err != nil {
				return err
			}
			token, err := m.GenerateToken(username, role)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&username, "user", "backupctl", "token subject")
	cmd.Flags().StringVar(&role, "role", auth.RoleAdmin, "admin or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().String("jwt-secret", "", "shared HMAC secret (prefer BACKUPCTL_JWT_SECRET)")
	_ = v.BindPFlag(keySecret, cmd.Flags().Lookup("jwt-secret")) //nolint:errcheck // flag exists
	return cmd
}
