// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fileset holds the project file set: an ordered, path-unique
// collection of source files owned by the session layer.
//
// Repairs read an immutable Snapshot and produce a Patch. The owner merges
// the patch with Store.Merge, which refuses to overwrite paths the user
// edited after the snapshot was taken.
package fileset

import (
	"errors"
	"path"
	"sort"
	"strings"
)

var (
	// ErrEmptyPath is returned when a file has no path.
	ErrEmptyPath = errors.New("file path must not be empty")

	// ErrEmptyPatch is returned when merging a patch with no entries.
	ErrEmptyPatch = errors.New("patch has no files")

	// ErrConflict is returned by callers of Merge when every patched path
	// was edited since the base snapshot and nothing could be applied.
	ErrConflict = errors.New("patch conflicts with newer edits")
)

// File is one project file.
type File struct {
	Path    string `json:"path" validate:"required"`
	Content string `json:"content"`
}

// Patch maps a path to its complete replacement content.
//
// Paths absent from the patch are left untouched by a merge.
type Patch map[string]string

// Paths returns the patch paths in sorted order.
func (p Patch) Paths() []string {
	paths := make([]string, 0, len(p))
	for path := range p {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Clone returns a copy of the patch.
func (p Patch) Clone() Patch {
	out := make(Patch, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// canonicalPath returns the spelling of p that names the same project file.
//
// An oracle may drop or add the leading "/" of a path, or prefix it with
// "./". A spelling that exists is returned as is; otherwise the rooted and
// relative forms are tried, and a path that exists in neither form takes
// the form the project uses.
func canonicalPath(p string, exists func(string) bool, rooted bool) string {
	if p == "" || exists(p) {
		return p
	}
	rel := strings.TrimPrefix(path.Clean("/"+p), "/")
	if rel == "" {
		return p
	}
	if exists("/" + rel) {
		return "/" + rel
	}
	if exists(rel) {
		return rel
	}
	if rooted {
		return "/" + rel
	}
	return rel
}

// canonicalPatch rewrites patch keys with canonicalPath. When two keys name
// the same file, the one already spelled canonically wins.
func canonicalPatch(patch Patch, exists func(string) bool, rooted bool) Patch {
	out := make(Patch, len(patch))
	var respelled []string
	for _, p := range patch.Paths() {
		c := canonicalPath(p, exists, rooted)
		if c == p {
			out[p] = patch[p]
			continue
		}
		respelled = append(respelled, p)
	}
	for _, p := range respelled {
		c := canonicalPath(p, exists, rooted)
		if _, dup := out[c]; dup {
			continue
		}
		out[c] = patch[p]
	}
	return out
}

// mostlyRooted reports whether at least half of files have rooted paths.
func mostlyRooted(files []File) bool {
	if len(files) == 0 {
		return true
	}
	n := 0
	for _, f := range files {
		if strings.HasPrefix(f.Path, "/") {
			n++
		}
	}
	return n*2 >= len(files)
}

// Snapshot is an immutable view of a Store at one generation.
//
// Thread Safety: Safe for concurrent reads. Never mutated after creation.
type Snapshot struct {
	generation uint64
	files      []File
	index      map[string]int
	versions   map[string]uint64
}

// NewSnapshot builds a detached snapshot from files, deduplicating by path
// (the last occurrence wins, keeping the position of the first).
func NewSnapshot(files []File) Snapshot {
	s := NewStore(files)
	return s.Snapshot()
}

// Generation returns the store generation the snapshot was taken at.
func (s Snapshot) Generation() uint64 { return s.generation }

// Len returns the number of files.
func (s Snapshot) Len() int { return len(s.files) }

// Files returns a copy of the files in order.
func (s Snapshot) Files() []File {
	out := make([]File, len(s.files))
	copy(out, s.files)
	return out
}

// Paths returns the file paths in order.
func (s Snapshot) Paths() []string {
	out := make([]string, len(s.files))
	for i, f := range s.files {
		out[i] = f.Path
	}
	return out
}

// Get returns the content of path.
func (s Snapshot) Get(path string) (string, bool) {
	i, ok := s.index[path]
	if !ok {
		return "", false
	}
	return s.files[i].Content, true
}

// Version returns the per-path version recorded in the snapshot, or zero
// if the path did not exist.
func (s Snapshot) Version(path string) uint64 {
	return s.versions[path]
}

// CanonicalPatch returns patch with each path respelled to match the
// snapshot, so "src/App.tsx" replaces "/src/App.tsx" instead of creating a
// second file. New paths follow the snapshot's rooting.
func (s Snapshot) CanonicalPatch(patch Patch) Patch {
	return canonicalPatch(patch, func(p string) bool {
		_, ok := s.index[p]
		return ok
	}, mostlyRooted(s.files))
}

// TotalBytes returns the summed content length.
func (s Snapshot) TotalBytes() int {
	n := 0
	for _, f := range s.files {
		n += len(f.Content)
	}
	return n
}
