// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package services

import (
	"context"
	"time"

	"github.com/tomtom215/mycelium-backup/internal/logging"
)

// GarbageCollector matches *settings.Store.
type GarbageCollector interface {
	RunGC() error
}

// SettingsGCService periodically reclaims value log space in the settings
// store. GC errors are logged; they never stop the service.
type SettingsGCService struct {
	store    GarbageCollector
	interval time.Duration
}

// NewSettingsGCService creates the service. A non-positive interval becomes
// one hour.
func NewSettingsGCService(store GarbageCollector, interval time.Duration) *SettingsGCService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &SettingsGCService{store: store, interval: interval}
}

// Serve implements suture.Service.
func (s *SettingsGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.store.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("Settings store GC failed")
			}
		}
	}
}

func (s *SettingsGCService) String() string {
	return "settings-gc"
}
