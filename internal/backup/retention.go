// Mycelium Backup - Farm Database Backup and Maintenance Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mycelium-backup

package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/tomtom215/mycelium-backup/internal/logging"
)

// Policy is the keep policy for one kind. Zero fields mean no limit.
type Policy struct {
	MaxCount   int `json:"max_count"`
	MaxAgeDays int `json:"max_age_days"`
}

// Retention lists, finds and prunes artifacts on disk. The directory scan is
// the only source of truth; there is no metadata file.
type Retention struct {
	root        string
	externalDir func() string
	now         func() time.Time
}

// NewRetention manages artifacts under root. externalDir is consulted on each
// Find so a changed setting takes effect immediately; it may be nil.
func NewRetention(root string, externalDir func() string) *Retention {
	if externalDir == nil {
		externalDir = func() string { return "" }
	}
	return &Retention{root: root, externalDir: externalDir, now: time.Now}
}

// Root returns the internal backup root.
func (r *Retention) Root() string {
	return r.root
}

// List returns the artifacts of one kind, newest first. A missing directory
// yields an empty list.
func (r *Retention) List(kind ArtifactKind) ([]Artifact, error) {
	dir := filepath.Join(r.root, string(kind))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Artifact{}, nil
		}
		return nil, fmt.Errorf("%w: read %s: %w", ErrIO, dir, err)
	}

	out := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		art, ok := describe(dir, e.Name())
		if !ok || art.Kind != kind {
			continue
		}
		out = append(out, art)
	}
	sortNewestFirst(out)
	return out, nil
}

// ListAll merges the listings of kinds (all kinds when none given).
func (r *Retention) ListAll(kinds ...ArtifactKind) ([]Artifact, error) {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	var out []Artifact
	for _, k := range kinds {
		arts, err := r.List(k)
		if err != nil {
			return nil, err
		}
		out = append(out, arts...)
	}
	if out == nil {
		out = []Artifact{}
	}
	sortNewestFirst(out)
	return out, nil
}

// Apply deletes artifacts of kind that fall outside policy: everything past
// MaxCount in newest-first order plus everything older than MaxAgeDays. It
// attempts every deletion and returns how many succeeded. Artifacts named in
// keep are never deleted, even when the policy would drop them.
func (r *Retention) Apply(ctx context.Context, kind ArtifactKind, policy Policy, keep ...string) (int, error) {
	arts, err := r.List(kind)
	if err != nil {
		return 0, err
	}

	now := r.now()
	var cutoff time.Time
	if policy.MaxAgeDays > 0 {
		cutoff = now.AddDate(0, 0, -policy.MaxAgeDays)
	}

	var toDelete []Artifact
	for i, a := range arts {
		overCount := policy.MaxCount > 0 && i >= policy.MaxCount
		tooOld := !cutoff.IsZero() && a.CreatedAt.Before(cutoff)
		if (overCount || tooOld) && !slices.Contains(keep, a.Name) {
			toDelete = append(toDelete, a)
		}
	}

	deleted := 0
	var errs []error
	for _, a := range toDelete {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := os.Remove(a.Path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", a.Name, err))
			continue
		}
		deleted++
		logging.Ctx(ctx).Debug().Str("artifact", a.Name).Msg("Retention removed backup")
	}

	if deleted > 0 {
		logging.Ctx(ctx).Info().
			Str("kind", string(kind)).
			Int("deleted", deleted).
			Int("remaining", len(arts)-deleted).
			Msg("Retention policy applied")
	}
	if len(errs) > 0 {
		return deleted, fmt.Errorf("%w: %w", ErrIO, errors.Join(errs...))
	}
	return deleted, nil
}

// Find locates an artifact by file name in the kind directories and then in
// the external directory.
func (r *Retention) Find(name string) (Artifact, error) {
	if err := ValidateName(name); err != nil {
		return Artifact{}, err
	}

	kind, _, parsed := ParseArtifactName(name)
	kinds := AllKinds
	if parsed {
		kinds = []ArtifactKind{kind}
	}
	for _, k := range kinds {
		if art, ok := describe(filepath.Join(r.root, string(k)), name); ok {
			return art, nil
		}
	}

	if ext := r.externalDir(); ext != "" {
		var dirs []string
		if parsed {
			dirs = append(dirs, filepath.Join(ext, string(kind)))
		}
		dirs = append(dirs, ext)
		for _, dir := range dirs {
			if art, ok := describeAny(dir, name); ok {
				return art, nil
			}
		}
	}

	return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Delete removes an artifact from the internal directories. External copies
// are never deleted.
func (r *Retention) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	kind, _, ok := ParseArtifactName(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	path := filepath.Join(r.root, string(kind), name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("%w: remove %s: %w", ErrIO, name, err)
	}
	logging.Info().Str("artifact", name).Msg("Backup deleted")
	return nil
}

// describe stats dir/name and requires an artifact name.
func describe(dir, name string) (Artifact, bool) {
	if _, _, ok := ParseArtifactName(name); !ok {
		return Artifact{}, false
	}
	return describeAny(dir, name)
}

// describeAny stats dir/name; the creation time is the name's when it
// parses and the mtime otherwise.
func describeAny(dir, name string) (Artifact, bool) {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Artifact{}, false
	}
	art := Artifact{
		Name:      name,
		Path:      path,
		CreatedAt: info.ModTime(),
		Timestamp: info.ModTime().Unix(),
		Size:      info.Size(),
	}
	if kind, created, ok := ParseArtifactName(name); ok {
		art.Kind = kind
		if !created.IsZero() {
			art.CreatedAt = created
			art.Timestamp = created.Unix()
		}
	}
	return art, true
}

func sortNewestFirst(arts []Artifact) {
	sort.SliceStable(arts, func(i, j int) bool {
		if !arts[i].CreatedAt.Equal(arts[j].CreatedAt) {
			return arts[i].CreatedAt.After(arts[j].CreatedAt)
		}
		return arts[i].Name > arts[j].Name
	})
}
