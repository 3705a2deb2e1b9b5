// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

// Package jobs tracks the single long-running operation the service allows at
// a time.
//
// A Tracker owns one Job record. Begin admits a new job only when no job is
// running or cancelling; the worker then reports phase and percent, polls
// CancelRequested between units of work, and ends the job with Complete, Fail
// or MarkCancelled. The terminal record stays readable until the next Begin.
//
//	job, err := tracker.Begin(jobs.KindBackup, "manual_backup")
//	if errors.Is(err, jobs.ErrAlreadyRunning) { ... }
//	go func() {
//	    tracker.Report("export:users", 12.5, "")
//	    if tracker.CancelRequested() { tracker.MarkCancelled(); return }
//	    tracker.Complete(nil)
//	}()
package jobs

import (
	"errors"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Begin while another job is active.
	ErrAlreadyRunning = errors.New("another job is already running")

	// ErrNotRunning is returned by RequestCancel when nothing is active.
	ErrNotRunning = errors.New("no job is running")
)

// Kind is the broad category of a job.
type Kind string

const (
	KindBackup      Kind = "backup"
	KindRestore     Kind = "restore"
	KindMaintenance Kind = "maintenance"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusRunning    Status = "running"
	StatusCancelling Status = "cancelling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Active reports whether the status holds the single job slot.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusCancelling
}

// Terminal reports whether the job has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is a snapshot of the current or last operation.
type Job struct {
	ID              string           `json:"id,omitempty"`
	Kind            Kind             `json:"kind,omitempty"`
	Operation       string           `json:"operation,omitempty"`
	Phase           string           `json:"phase,omitempty"`
	Percent         float64          `json:"percent"`
	Message         string           `json:"message,omitempty"`
	Status          Status           `json:"status"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	FinishedAt      *time.Time       `json:"finished_at,omitempty"`
	Error           string           `json:"error,omitempty"`
	CancelRequested bool             `json:"cancel_requested"`
	Artifact        string           `json:"artifact,omitempty"`
	Result          map[string]int64 `json:"result,omitempty"`
}

// clone returns a deep copy safe to hand to other goroutines.
func (j Job) clone() Job {
	out := j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	if j.Result != nil {
		out.Result = make(map[string]int64, len(j.Result))
		for k, v := range j.Result {
			out.Result[k] = v
		}
	}
	return out
}

// Duration returns the elapsed or total run time.
func (j Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.FinishedAt != nil {
		return j.FinishedAt.Sub(*j.StartedAt)
	}
	return time.Since(*j.StartedAt)
}
