// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package backup

import "errors"

var (
	// ErrNotFound means no artifact with the requested name exists.
	ErrNotFound = errors.New("backup not found")

	// ErrIO wraps filesystem failures.
	ErrIO = errors.New("backup i/o error")

	// ErrDatabase wraps failures reported by the database.
	ErrDatabase = errors.New("database error")

	// ErrPartial is added when a failure happened after work had started:
	// a temp file existed or a restore transaction was open.
	ErrPartial = errors.New("operation interrupted part way")

	// ErrCancelled is returned when a cancel request was honoured.
	ErrCancelled = errors.New("operation cancelled")

	// ErrInvalidArtifact means the file is not a complete, well-formed backup.
	ErrInvalidArtifact = errors.New("invalid backup artifact")

	// ErrInvalidName rejects names with path separators or "..".
	ErrInvalidName = errors.New("invalid backup name")
)
