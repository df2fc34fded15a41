// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fileset

import (
	"sync"
)

// Store is the live, mutable project file set.
//
// Every mutation bumps the store generation, and the touched path takes
// the new generation as its version. A path's version therefore changes
// exactly when its content changes.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	files      []File
	index      map[string]int
	versions   map[string]uint64
	generation uint64
}

// MergeResult reports what a Merge did.
type MergeResult struct {
	// Updated lists existing paths whose content was replaced.
	Updated []string `json:"updated,omitempty"`

	// Created lists paths that did not exist before the merge.
	Created []string `json:"created,omitempty"`

	// Unchanged lists patched paths whose content already matched.
	Unchanged []string `json:"unchanged,omitempty"`

	// Conflicts lists paths changed by someone else since the base
	// snapshot. They are not written.
	Conflicts []string `json:"conflicts,omitempty"`

	// Generation is the store generation after the merge.
	Generation uint64 `json:"generation"`
}

// Modified returns Updated followed by Created.
func (r MergeResult) Modified() []string {
	out := make([]string, 0, len(r.Updated)+len(r.Created))
	out = append(out, r.Updated...)
	return append(out, r.Created...)
}

// NewStore creates a store seeded with files.
//
// Duplicate paths keep the position of their first occurrence and the
// content of their last. Files with empty paths are skipped.
func NewStore(files []File) *Store {
	s := &Store{}
	s.resetLocked(files)
	return s
}

// Replace discards the current contents and reseeds the store. Every path
// receives a fresh version, so an in-flight repair based on an older
// snapshot conflicts on every path it touches.
func (s *Store) Replace(files []File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(files)
}

func (s *Store) resetLocked(files []File) {
	s.generation++
	s.files = make([]File, 0, len(files))
	s.index = make(map[string]int, len(files))
	s.versions = make(map[string]uint64, len(files))
	for _, f := range files {
		if f.Path == "" {
			continue
		}
		if i, ok := s.index[f.Path]; ok {
			s.files[i].Content = f.Content
			continue
		}
		s.index[f.Path] = len(s.files)
		s.files = append(s.files, f)
		s.versions[f.Path] = s.generation
	}
}

// Snapshot returns an immutable copy of the current contents.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]File, len(s.files))
	copy(files, s.files)
	index := make(map[string]int, len(s.index))
	for k, v := range s.index {
		index[k] = v
	}
	versions := make(map[string]uint64, len(s.versions))
	for k, v := range s.versions {
		versions[k] = v
	}
	return Snapshot{
		generation: s.generation,
		files:      files,
		index:      index,
		versions:   versions,
	}
}

// Generation returns the current generation.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Get returns the current content of path.
func (s *Store) Get(path string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[path]
	if !ok {
		return "", false
	}
	return s.files[i].Content, true
}

// Len returns the number of files.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// Put records a user edit. It returns false, without bumping any version,
// when the content is unchanged.
func (s *Store) Put(path, content string) (bool, error) {
	if path == "" {
		return false, ErrEmptyPath
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(path, content), nil
}

// Delete removes path. It returns false if the path did not exist.
func (s *Store) Delete(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[path]
	if !ok {
		return false
	}
	s.generation++
	s.files = append(s.files[:i], s.files[i+1:]...)
	delete(s.index, path)
	delete(s.versions, path)
	for j := i; j < len(s.files); j++ {
		s.index[s.files[j].Path] = j
	}
	return true
}

// Merge writes patch into the store in one atomic step.
//
// # Description
//
// Each patched path is compared against base: if its current version
// differs from the version recorded in base, the path was edited (or
// created, or deleted) since the repair started and is reported as a
// conflict instead of being overwritten. Existing paths are overwritten in
// place; new paths are appended in sorted order. Paths not in the patch are
// untouched.
//
// Patch paths are respelled to match the store first, so a path written
// without its leading "/" still replaces the existing file. MergeResult
// reports the store's spelling.
//
// # Inputs
//
//   - patch: Replacement contents. Must not be empty.
//   - base: The snapshot the patch was computed from.
//
// # Outputs
//
//   - MergeResult: What changed.
//   - error: ErrEmptyPatch or ErrEmptyPath.
func (s *Store) Merge(patch Patch, base Snapshot) (MergeResult, error) {
	if len(patch) == 0 {
		return MergeResult{}, ErrEmptyPatch
	}
	paths := patch.Paths()
	for _, p := range paths {
		if p == "" {
			return MergeResult{}, ErrEmptyPath
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	patch = canonicalPatch(patch, func(p string) bool {
		_, ok := s.index[p]
		return ok
	}, mostlyRooted(s.files))
	paths = patch.Paths()

	var res MergeResult
	for _, p := range paths {
		if s.versions[p] != base.Version(p) {
			res.Conflicts = append(res.Conflicts, p)
			continue
		}
		_, existed := s.index[p]
		if !s.putLocked(p, patch[p]) {
			res.Unchanged = append(res.Unchanged, p)
			continue
		}
		if existed {
			res.Updated = append(res.Updated, p)
		} else {
			res.Created = append(res.Created, p)
		}
	}
	res.Generation = s.generation
	return res, nil
}

func (s *Store) putLocked(path, content string) bool {
	if i, ok := s.index[path]; ok {
		if s.files[i].Content == content {
			return false
		}
		s.generation++
		s.files[i].Content = content
		s.versions[path] = s.generation
		return true
	}
	s.generation++
	s.index[path] = len(s.files)
	s.files = append(s.files, File{Path: path, Content: content})
	s.versions[path] = s.generation
	return true
}
