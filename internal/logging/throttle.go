// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package logging

import (
	"time"

	"golang.org/x/time/rate"
)

// Throttle limits how often a repeated log line is emitted. Long-running
// exports report progress per row batch; only one line per interval reaches
// the log, while the first and the forced final lines always do.
type Throttle struct {
	sometimes rate.Sometimes
}

// NewThrottle returns a Throttle that lets the first call through and then at
// most one call per interval.
func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{sometimes: rate.Sometimes{First: 1, Interval: interval}}
}

// Do runs fn if the throttle allows it.
func (t *Throttle) Do(fn func()) {
	t.sometimes.Do(fn)
}
