// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config keys, also settable as BACKUPCTL_<KEY> or in ~/.backupctl.yaml.
const (
	keyServer  = "server"
	keyToken   = "token"
	keyTimeout = "timeout"
	keySecret  = "jwt_secret"
)

// newRootCmd builds the command tree around its own viper instance so tests
// do not share state.
func newRootCmd(out io.Writer) *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "backupctl",
		Short: "Control the farm database backup service",
		Long: `backupctl starts and watches backups, restores and maintenance jobs
on a running backup server, and mints API tokens.

Settings come from flags, BACKUPCTL_* environment variables or ~/.backupctl.yaml.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v, cmd)
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.String(keyServer, "http://localhost:8080", "backup server base URL")
	flags.String(keyToken, "", "bearer token for the API")
	flags.Duration(keyTimeout, 30*time.Second, "request timeout")
	flags.String("config", "", "config file (default ~/.backupctl.yaml)")
	for _, key := range []string{keyServer, keyToken, keyTimeout} {
		_ = v.BindPFlag(key, flags.Lookup(key)) //nolint:errcheck // flag exists
	}

	newClient := func() *Client {
		return NewClient(v.GetString(keyServer), v.GetString(keyToken), v.GetDuration(keyTimeout))
	}

	root.AddCommand(
		newListCmd(newClient),
		newRunCmd(newClient),
		newRestoreCmd(newClient),
		newCancelCmd(newClient),
		newProgressCmd(newClient),
		newMaintenanceCmd(newClient),
		newCleanupCmd(newClient),
		newPruneCmd(newClient),
		newStatusCmd(newClient),
		newTokenCmd(v),
	)
	return root
}

// loadConfig reads the optional config file and the environment.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	v.SetEnvPrefix("BACKUPCTL")
	v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		v.AddConfigPath(home)
		v.SetConfigName(".backupctl")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// printJSON writes v indented.
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
