// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workspace backs a project file set with a directory on disk.
//
// Files under the root are loaded into a fileset.Store with project paths
// of the form "/src/App.tsx". A Watcher feeds edits made on disk into the
// store, so they count as user edits for merge conflict detection.
// WriteBack persists store contents with atomic renames.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/AleutianAI/mend/services/mend/fileset"
)

var (
	// ErrInvalidConfig is returned for a missing or unusable root.
	ErrInvalidConfig = errors.New("invalid workspace configuration")

	// ErrOutsideRoot is returned for paths that escape the root.
	ErrOutsideRoot = errors.New("path escapes the workspace root")
)

// DefaultIgnore lists the globs skipped by default, matched against
// slash-separated paths relative to the root.
var DefaultIgnore = []string{
	"**/node_modules/**",
	"**/.git/**",
	"**/dist/**",
	"**/build/**",
	"**/.next/**",
	"**/coverage/**",
	"**/.mend/**",
}

// DefaultExtensions lists the file extensions loaded by default.
var DefaultExtensions = []string{
	".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs",
	".json", ".css", ".scss", ".html", ".md", ".vue", ".svelte",
}

const (
	// DefaultMaxFileBytes skips files larger than 1 MiB.
	DefaultMaxFileBytes = 1 << 20

	// DefaultDebounce batches watcher events.
	DefaultDebounce = 100 * time.Millisecond
)

// Config configures a workspace.
type Config struct {
	Root         string        `yaml:"root" json:"root" validate:"required"`
	Ignore       []string      `yaml:"ignore" json:"ignore"`
	Extensions   []string      `yaml:"extensions" json:"extensions"`
	MaxFileBytes int64         `yaml:"max_file_bytes" json:"max_file_bytes"`
	Debounce     time.Duration `yaml:"debounce" json:"debounce"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.Ignore == nil {
		c.Ignore = DefaultIgnore
	}
	if c.Extensions == nil {
		c.Extensions = DefaultExtensions
	}
	if c.MaxFileBytes == 0 {
		c.MaxFileBytes = DefaultMaxFileBytes
	}
	if c.Debounce == 0 {
		c.Debounce = DefaultDebounce
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("%w: root is required", ErrInvalidConfig)
	}
	for _, p := range c.Ignore {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("%w: bad ignore pattern %q", ErrInvalidConfig, p)
		}
	}
	if c.MaxFileBytes < 0 || c.Debounce < 0 {
		return fmt.Errorf("%w: max_file_bytes and debounce must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Workspace is a directory-backed file set.
//
// Thread Safety: Safe for concurrent use.
type Workspace struct {
	root   string
	config Config
	store  *fileset.Store
	logger *slog.Logger
}

// Open loads the files under cfg.Root.
//
// Inputs:
//   - cfg: Root is required. Zero fields take defaults.
//   - logger: Nil uses slog.Default().
//
// Outputs:
//   - *Workspace: The loaded workspace.
//   - error: ErrInvalidConfig or a walk error.
func Open(cfg Config, logger *slog.Logger) (*Workspace, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidConfig, root)
	}
	cfg.Root = root

	w := &Workspace{
		root:   root,
		config: cfg,
		logger: logger.With(slog.String("component", "workspace")),
	}
	files, err := w.load()
	if err != nil {
		return nil, err
	}
	w.store = fileset.NewStore(files)
	w.logger.Info("workspace loaded", slog.String("root", root), slog.Int("files", len(files)))
	return w, nil
}

// Root returns the absolute root directory.
func (w *Workspace) Root() string { return w.root }

// Store returns the file set.
func (w *Workspace) Store() *fileset.Store { return w.store }

func (w *Workspace) load() ([]fileset.File, error) {
	var files []fileset.File
	err := filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Debug("walk error skipped", slog.String("path", p), slog.String("error", err.Error()))
			return nil
		}
		rel, relErr := w.rel(p)
		if relErr != nil || rel == "" {
			return nil
		}
		if d.IsDir() {
			if w.ignoredDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.wanted(rel) {
			return nil
		}
		content, ok, err := w.readFile(p)
		if err != nil {
			return err
		}
		if ok {
			files = append(files, fileset.File{Path: "/" + rel, Content: content})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load workspace %s: %w", w.root, err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// readFile reads p, reporting false for files over the size limit.
func (w *Workspace) readFile(p string) (string, bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("stat %s: %w", p, err)
	}
	if info.Size() > w.config.MaxFileBytes {
		w.logger.Debug("oversized file skipped", slog.String("path", p), slog.Int64("bytes", info.Size()))
		return "", false, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read %s: %w", p, err)
	}
	return string(data), true, nil
}

// rel converts an absolute path to a slash path relative to the root.
func (w *Workspace) rel(p string) (string, error) {
	rel, err := filepath.Rel(w.root, p)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", ErrOutsideRoot
	}
	return rel, nil
}

// abs converts a project path ("/src/App.tsx") to a path on disk.
func (w *Workspace) abs(projectPath string) (string, error) {
	clean := path.Clean("/" + strings.TrimPrefix(projectPath, "/"))
	if clean == "/" {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, projectPath)
	}
	return filepath.Join(w.root, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func (w *Workspace) ignored(rel string) bool {
	for _, pattern := range w.config.Ignore {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// ignoredDir matches the directory itself and anything beneath it.
func (w *Workspace) ignoredDir(rel string) bool {
	return w.ignored(rel) || w.ignored(rel+"/_")
}

// wanted reports whether a file at rel is part of the project.
func (w *Workspace) wanted(rel string) bool {
	if w.ignored(rel) {
		return false
	}
	ext := strings.ToLower(path.Ext(rel))
	for _, e := range w.config.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Structure renders the project tree: every directory with a trailing
// slash and every file, sorted.
func (w *Workspace) Structure() []string {
	return StructureOf(w.store.Snapshot().Paths())
}

// StructureOf renders a project tree from file paths.
func StructureOf(paths []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range paths {
		dir := path.Dir(p)
		for dir != "/" && dir != "." && !seen[dir+"/"] {
			seen[dir+"/"] = true
			out = append(out, dir+"/")
			dir = path.Dir(dir)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// WriteBack writes the store contents of paths to disk.
//
// Description:
//
//	Each file is written to a temporary sibling and renamed over the
//	target, so a concurrent reader never sees a partial file. Paths that
//	are no longer in the store are skipped.
//
// Outputs:
//   - error: The first write failure, wrapped with its path.
func (w *Workspace) WriteBack(paths []string) error {
	for _, p := range paths {
		content, ok := w.store.Get(p)
		if !ok {
			continue
		}
		target, err := w.abs(p)
		if err != nil {
			return err
		}
		if err := atomicWrite(target, []byte(content)); err != nil {
			return fmt.Errorf("write %s: %w", p, err)
		}
		w.logger.Debug("file written", slog.String("path", p))
	}
	return nil
}

func atomicWrite(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if info, err := os.Stat(target); err == nil {
		mode = info.Mode().Perm()
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".mend-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return err
	}
	return nil
}
