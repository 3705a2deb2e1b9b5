// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/mycelium-backup/internal/database"
	"github.com/tomtom215/mycelium-backup/internal/logging"
	"github.com/tomtom215/mycelium-backup/internal/metrics"
)

// ErrExternalUnavailable means the external directory is unset or missing.
var ErrExternalUnavailable = errors.New("external backup directory unavailable")

// Mirror copies finished artifacts to the external directory (typically a
// USB drive or network mount). Copies go through a circuit breaker so an
// unplugged drive is not hammered after every auto backup.
type Mirror struct {
	cb   *gobreaker.CircuitBreaker[int64]
	name string
}

// NewMirror creates a mirror with its own breaker.
//
// Circuit breaker configuration:
//   - 1 trial copy in half-open state
//   - opens after 3 consecutive failures
//   - 10 minute wait before the trial copy
func NewMirror() *Mirror {
	name := "external-mirror"
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[int64](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Hour,
		Timeout:     10 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			trip := counts.ConsecutiveFailures >= 3
			if trip {
				logging.Warn().Uint32("failures", counts.ConsecutiveFailures).Msg("[CIRCUIT BREAKER] Opening external mirror circuit")
			}
			return trip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("from", from.String()).Str("to", to.String()).Msg("[CIRCUIT BREAKER] State transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})
	return &Mirror{cb: cb, name: name}
}

// State reports the breaker state.
func (m *Mirror) State() string {
	return m.cb.State().String()
}

// Copy writes art to <externalDir>/<kind>/<name> and returns the destination.
// The copy is staged under a temp name and renamed.
func (m *Mirror) Copy(ctx context.Context, art Artifact, externalDir string) (string, error) {
	if externalDir == "" {
		return "", ErrExternalUnavailable
	}
	dest := filepath.Join(externalDir, string(art.Kind), art.Name)

	n, err := m.cb.Execute(func() (int64, error) {
		return copyArtifact(ctx, art.Path, externalDir, dest)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(m.name, "rejected").Inc()
			metrics.RecordMirror("rejected")
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(m.name, "failure").Inc()
			metrics.RecordMirror("failure")
		}
		return "", err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(m.name, "success").Inc()
	metrics.RecordMirror("success")
	logging.Ctx(ctx).Info().Str("artifact", art.Name).Str("dest", dest).Int64("bytes", n).Msg("Backup mirrored to external directory")
	return dest, nil
}

func copyArtifact(ctx context.Context, src, root, dest string) (int64, error) {
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return 0, fmt.Errorf("%w: %s", ErrExternalUnavailable, root)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
	}

	//nolint:gosec // G304: src is an artifact path from the backup directory
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("%w: open %s: %w", ErrIO, src, err)
	}
	defer database.CloseQuietly(in)

	tmp := filepath.Join(dir, tempName(filepath.Base(dest)))
	//nolint:gosec // G304: path is built from the configured external dir
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("%w: create %s: %w", ErrIO, tmp, err)
	}

	n, err := io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, dest)
	}
	if err != nil {
		removeTemp(tmp)
		return 0, fmt.Errorf("%w: copy to %s: %w", ErrIO, dest, err)
	}
	return n, nil
}

// stateToFloat converts the breaker state to a gauge value.
func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
