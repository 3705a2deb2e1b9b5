// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package jobs

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Tracker owns the job record. It is safe for concurrent use.
type Tracker struct {
	mu  sync.RWMutex
	job Job

	// cancel is polled by workers without taking mu.
	cancel atomic.Bool

	subMu  sync.Mutex
	subs   map[int]chan Job
	nextID int

	now func() time.Time
}

// NewTracker returns an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{
		job:  Job{Status: StatusIdle},
		subs: make(map[int]chan Job),
		now:  time.Now,
	}
}

// Seed restores a previously persisted terminal job so that status survives
// restarts. Non-terminal records are ignored: their worker is gone.
func (t *Tracker) Seed(job Job) {
	if !job.Status.Terminal() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.job.Status.Active() {
		return
	}
	t.job = job.clone()
}

// Begin admits a new job. It fails with ErrAlreadyRunning while another job
// is running or cancelling.
func (t *Tracker) Begin(kind Kind, operation string) (Job, error) {
	t.mu.Lock()
	if t.job.Status.Active() {
		snap := t.job.clone()
		t.mu.Unlock()
		return snap, ErrAlreadyRunning
	}

	now := t.now()
	t.job = Job{
		ID:        uuid.New().String(),
		Kind:      kind,
		Operation: operation,
		Phase:     "starting",
		Status:    StatusRunning,
		StartedAt: &now,
	}
	t.cancel.Store(false)
	snap := t.job.clone()
	t.mu.Unlock()

	t.publish(snap)
	return snap, nil
}

// Report records phase and percent. Percent is clamped to 0..100 and never
// decreases within a job. An empty message keeps the previous one.
func (t *Tracker) Report(phase string, percent float64, message string) {
	t.mu.Lock()
	if !t.job.Status.Active() {
		t.mu.Unlock()
		return
	}
	if phase != "" {
		t.job.Phase = phase
	}
	percent = clampPercent(percent)
	if percent > t.job.Percent {
		t.job.Percent = percent
	}
	if message != "" {
		t.job.Message = message
	}
	snap := t.job.clone()
	t.mu.Unlock()

	t.publish(snap)
}

// SetArtifact records the artifact produced or consumed by the job.
func (t *Tracker) SetArtifact(name string) {
	t.mu.Lock()
	if t.job.Status.Active() {
		t.job.Artifact = name
	}
	t.mu.Unlock()
}

// RequestCancel asks the running job to stop at its next check. Repeated
// requests are harmless.
func (t *Tracker) RequestCancel() (Job, error) {
	t.mu.Lock()
	if !t.job.Status.Active() {
		snap := t.job.clone()
		t.mu.Unlock()
		return snap, ErrNotRunning
	}
	t.cancel.Store(true)
	t.job.CancelRequested = true
	t.job.Status = StatusCancelling
	t.job.Message = "Cancellation requested"
	snap := t.job.clone()
	t.mu.Unlock()

	t.publish(snap)
	return snap, nil
}

// CancelRequested reports whether the current job should stop.
func (t *Tracker) CancelRequested() bool {
	return t.cancel.Load()
}

// Complete ends the job successfully.
func (t *Tracker) Complete(result map[string]int64) Job {
	return t.finish(StatusCompleted, "", result)
}

// Fail ends the job with err.
func (t *Tracker) Fail(err error) Job {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return t.finish(StatusFailed, msg, nil)
}

// MarkCancelled ends the job after the worker honoured a cancel request.
func (t *Tracker) MarkCancelled() Job {
	return t.finish(StatusCancelled, "", nil)
}

func (t *Tracker) finish(status Status, errMsg string, result map[string]int64) Job {
	t.mu.Lock()
	if !t.job.Status.Active() {
		snap := t.job.clone()
		t.mu.Unlock()
		return snap
	}
	now := t.now()
	t.job.Status = status
	t.job.FinishedAt = &now
	t.job.Error = errMsg
	switch status {
	case StatusCompleted:
		t.job.Percent = 100
		t.job.Phase = "done"
		t.job.Message = "Completed"
	case StatusCancelled:
		t.job.Phase = "cancelled"
		t.job.Message = "Cancelled"
	case StatusFailed:
		t.job.Message = "Failed"
	}
	if result != nil {
		t.job.Result = make(map[string]int64, len(result))
		for k, v := range result {
			t.job.Result[k] = v
		}
	}
	t.cancel.Store(false)
	snap := t.job.clone()
	t.mu.Unlock()

	t.publish(snap)
	return snap
}

// Snapshot returns a copy of the current job.
func (t *Tracker) Snapshot() Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.job.clone()
}

// Active reports whether a job is running or cancelling.
func (t *Tracker) Active() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.job.Status.Active()
}

// Subscribe returns a channel of job snapshots sent on every change and a
// function that unsubscribes. Slow subscribers miss updates instead of
// blocking the worker.
func (t *Tracker) Subscribe(buffer int) (<-chan Job, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Job, buffer)

	t.subMu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subMu.Lock()
			delete(t.subs, id)
			t.subMu.Unlock()
			close(ch)
		})
	}
}

func (t *Tracker) publish(job Job) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- job.clone():
		default:
		}
	}
}

func clampPercent(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return math.Round(p*10) / 10
}
