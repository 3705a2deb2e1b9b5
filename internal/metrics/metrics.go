// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

// Package metrics exposes Prometheus instrumentation at /metrics.
//
// Job metrics are labelled by kind (backup, restore, maintenance) and
// operation (manual_backup, daily_backup, restore, vacuum, log_cleanup, ...).
// Artifact metrics are labelled by artifact kind (auto, daily, manual).
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job Metrics
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_jobs_total",
			Help: "Total number of finished jobs by outcome",
		},
		[]string{"kind", "operation", "status"}, // status: "completed", "failed", "cancelled"
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mycelium_job_duration_seconds",
			Help:    "Duration of finished jobs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"kind", "operation"},
	)

	JobsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_jobs_rejected_total",
			Help: "Job start requests refused by admission control",
		},
		[]string{"reason"}, // reason: "already_running", "location_unsupported"
	)

	JobActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mycelium_job_active",
			Help: "1 while a job is running or cancelling",
		},
	)

	RowsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_rows_processed_total",
			Help: "Rows exported, restored or deleted",
		},
		[]string{"operation"}, // operation: "export", "restore", "log_cleanup"
	)

	// Artifact Metrics
	ArtifactBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mycelium_last_artifact_bytes",
			Help: "Size of the most recent artifact per kind",
		},
		[]string{"kind"},
	)

	LastBackupTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mycelium_last_backup_timestamp_seconds",
			Help: "Unix time of the last completed backup per kind",
		},
		[]string{"kind"},
	)

	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_retention_deleted_total",
			Help: "Artifacts removed by retention policy",
		},
		[]string{"kind"},
	)

	MirrorCopies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mycelium_mirror_copies_total",
			Help: "External mirror copy attempts by result",
		},
		[]string{"result"}, // result: "success", "failure", "skipped"
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Current number of connected WebSocket clients",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "result"}, // result: "success", "failure", "rejected"
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)
)

// RecordJob records a finished job.
func RecordJob(kind, operation, status string, duration time.Duration) {
	JobsTotal.WithLabelValues(kind, operation, status).Inc()
	JobDuration.WithLabelValues(kind, operation).Observe(duration.Seconds())
}

// RecordRejection records a refused start request.
func RecordRejection(reason string) {
	JobsRejected.WithLabelValues(reason).Inc()
}

// SetJobActive toggles the active job gauge.
func SetJobActive(active bool) {
	if active {
		JobActive.Set(1)
	} else {
		JobActive.Set(0)
	}
}

// RecordRows adds processed rows for an operation.
func RecordRows(operation string, n int64) {
	if n > 0 {
		RowsProcessed.WithLabelValues(operation).Add(float64(n))
	}
}

// RecordArtifact records a newly written artifact.
func RecordArtifact(kind string, size int64, at time.Time) {
	ArtifactBytes.WithLabelValues(kind).Set(float64(size))
	LastBackupTimestamp.WithLabelValues(kind).Set(float64(at.Unix()))
}

// RecordRetention records artifacts removed by retention.
func RecordRetention(kind string, deleted int) {
	if deleted > 0 {
		RetentionDeleted.WithLabelValues(kind).Add(float64(deleted))
	}
}

// RecordMirror records an external mirror attempt.
func RecordMirror(result string) {
	MirrorCopies.WithLabelValues(result).Inc()
}

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks active API requests
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
