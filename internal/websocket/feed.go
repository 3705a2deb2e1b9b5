// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package websocket

import (
	"context"

	"github.com/tomtom215/mycelium-backup/internal/jobs"
	"github.com/tomtom215/mycelium-backup/internal/logging"
)

// Subscriber is the part of the job tracker the feed needs.
type Subscriber interface {
	Subscribe(buffer int) (<-chan jobs.Job, func())
}

// Feed forwards job snapshots from the tracker to the hub.
type Feed struct {
	hub     *Hub
	tracker Subscriber
}

// NewFeed creates a feed.
func NewFeed(hub *Hub, tracker Subscriber) *Feed {
	return &Feed{hub: hub, tracker: tracker}
}

// Serve forwards snapshots until ctx ends. It implements suture.Service.
func (f *Feed) Serve(ctx context.Context) error {
	updates, unsubscribe := f.tracker.Subscribe(32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-updates:
			if !ok {
				logging.Debug().Msg("job tracker subscription closed")
				return nil
			}
			f.hub.BroadcastJSON(MessageTypeJobProgress, job)
		}
	}
}

// String names the service in supervisor logs.
func (f *Feed) String() string {
	return "job-progress-feed"
}
