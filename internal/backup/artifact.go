// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

// Package backup produces, restores and prunes logical backups of the farm
// database.
//
// An artifact is a newline-delimited JSON document, optionally gzip or zstd
// compressed:
//
//	{"header":{"format":"mycelium-backup","version":1,"created_at":...,"tables":[...]}}
//	{"table":"users","data":{"id":1,"username":"admin",...}}
//	...
//	{"footer":{"rows":{"users":1,...},"total_rows":1234}}
//
// Artifacts live under <backup_dir>/<kind>/ with names that encode their kind
// and creation time:
//
//	auto_backup_20260115_103000.json.gz
//	daily_backup_20260115.json.gz
//	manual_backup_20260115_174512.json.zst
//
// While an export runs, output goes to a hidden ".<name>.partial" file in the
// same directory; it is renamed into place only after a successful fsync.
package backup

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ArtifactKind identifies how an artifact was produced.
type ArtifactKind string

const (
	KindAuto   ArtifactKind = "auto"
	KindDaily  ArtifactKind = "daily"
	KindManual ArtifactKind = "manual"
)

// AllKinds lists every kind in directory scan order.
var AllKinds = []ArtifactKind{KindAuto, KindDaily, KindManual}

// ParseKind validates a kind string.
func ParseKind(s string) (ArtifactKind, error) {
	switch ArtifactKind(s) {
	case KindAuto, KindDaily, KindManual:
		return ArtifactKind(s), nil
	default:
		return "", fmt.Errorf("unknown artifact kind %q", s)
	}
}

// Operation is the job operation name for a backup of this kind.
func (k ArtifactKind) Operation() string {
	return string(k) + "_backup"
}

// Artifact is a finished backup file.
type Artifact struct {
	Name      string       `json:"name"`
	Path      string       `json:"path"`
	Kind      ArtifactKind `json:"kind"`
	CreatedAt time.Time    `json:"created_at"`
	Timestamp int64        `json:"timestamp"`
	Size      int64        `json:"size"`
}

// Compression selects the artifact codec.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// ParseCompression validates a compression name. Empty means gzip.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "":
		return CompressionGzip, nil
	case CompressionNone, CompressionGzip, CompressionZstd:
		return Compression(s), nil
	default:
		return "", fmt.Errorf("unknown compression %q", s)
	}
}

// Extension returns the file extension for the codec.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".json.gz"
	case CompressionZstd:
		return ".json.zst"
	default:
		return ".json"
	}
}

// compressionFromName infers the codec from a file name.
func compressionFromName(name string) Compression {
	switch {
	case strings.HasSuffix(name, ".json.gz"):
		return CompressionGzip
	case strings.HasSuffix(name, ".json.zst"):
		return CompressionZstd
	default:
		return CompressionNone
	}
}

const (
	stampLayout = "20060102_150405"
	dayLayout   = "20060102"
)

// ArtifactName returns the final file name for an artifact created at t.
func ArtifactName(kind ArtifactKind, t time.Time, c Compression) string {
	switch kind {
	case KindDaily:
		return "daily_backup_" + t.Format(dayLayout) + c.Extension()
	case KindAuto:
		return "auto_backup_" + t.Format(stampLayout) + c.Extension()
	case KindManual:
		return "manual_backup_" + t.Format(stampLayout) + c.Extension()
	default:
		return string(kind) + "_backup_" + t.Format(stampLayout) + c.Extension()
	}
}

// DailyPrefix is the name prefix shared by all codecs of a day's daily backup.
func DailyPrefix(day time.Time) string {
	return "daily_backup_" + day.Format(dayLayout) + "."
}

// tempName is the hidden in-progress name for final.
func tempName(final string) string {
	return "." + final + ".partial"
}

var namePattern = regexp.MustCompile(`^(auto|daily|manual)_backup_(\d{8})(?:_(\d{6}))?\.json(?:\.gz|\.zst)?$`)

// ParseArtifactName extracts kind and creation time from a file name. The time
// is zero when the digits do not form a valid date; callers fall back to mtime.
// ok is false for names that are not artifacts at all.
func ParseArtifactName(name string) (kind ArtifactKind, created time.Time, ok bool) {
	m := namePattern.FindStringSubmatch(name)
	if m == nil {
		return "", time.Time{}, false
	}
	kind = ArtifactKind(m[1])

	// daily names carry only a date; the others carry date and time
	switch {
	case kind == KindDaily && m[3] == "":
		created, _ = time.ParseInLocation(dayLayout, m[2], time.Local) //nolint:errcheck // zero time triggers mtime fallback
	case kind != KindDaily && m[3] != "":
		created, _ = time.ParseInLocation(stampLayout, m[2]+"_"+m[3], time.Local) //nolint:errcheck // zero time triggers mtime fallback
	default:
		return "", time.Time{}, false
	}
	return kind, created, true
}

// ValidateName rejects names that could escape the backup directories.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") ||
		strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
