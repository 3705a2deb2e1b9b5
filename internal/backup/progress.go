// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package backup

import "context"

// Progress receives phase/percent updates and answers whether the caller
// asked to stop. *jobs.Tracker implements it.
type Progress interface {
	Report(phase string, percent float64, message string)
	CancelRequested() bool
}

// NopProgress ignores reports and never cancels.
type NopProgress struct{}

func (NopProgress) Report(string, float64, string) {}
func (NopProgress) CancelRequested() bool          { return false }

// scaledProgress maps 0..100 onto lo..hi of the parent.
type scaledProgress struct {
	parent Progress
	lo, hi float64
}

// ScaleProgress returns a Progress whose 0..100 range covers lo..hi of p.
func ScaleProgress(p Progress, lo, hi float64) Progress {
	if p == nil {
		p = NopProgress{}
	}
	return scaledProgress{parent: p, lo: lo, hi: hi}
}

func (s scaledProgress) Report(phase string, percent float64, message string) {
	s.parent.Report(phase, s.lo+(s.hi-s.lo)*percent/100, message)
}

func (s scaledProgress) CancelRequested() bool { return s.parent.CancelRequested() }

// stopRequested is checked between units of work.
func stopRequested(ctx context.Context, p Progress) bool {
	return p.CancelRequested() || ctx.Err() != nil
}
