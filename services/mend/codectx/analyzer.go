// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codectx builds an advisory dependency/impact view of a project
// for the repair oracle.
//
// Everything here is a text heuristic over file contents. The output may be
// empty or partly wrong; it only enriches a prompt and never drives a
// structural decision.
package codectx

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/mend/services/mend/fault"
	"github.com/AleutianAI/mend/services/mend/fileset"
	"github.com/AleutianAI/mend/services/mend/observer"
)

// DefaultParallelThreshold is the file count at which import extraction
// fans out across goroutines.
const DefaultParallelThreshold = 64

// CodebaseContext is the derived, read-only view handed to the oracle.
type CodebaseContext struct {
	TotalFiles           int                    `json:"total_files"`
	FaultFile            string                 `json:"fault_file,omitempty"`
	AffectedFiles        []string               `json:"affected_files"`
	RelatedFiles         []string               `json:"related_files"`
	Imports              map[string][]ImportRef `json:"imports,omitempty"`
	ExternalDependencies []string               `json:"external_dependencies"`
}

// Summary renders the context as plain text for a prompt.
func (c *CodebaseContext) Summary() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Total files: %d\n", c.TotalFiles)
	if c.FaultFile != "" {
		fmt.Fprintf(&b, "File named in the error: %s\n", c.FaultFile)
	}
	writeList(&b, "Affected files", c.AffectedFiles)
	writeList(&b, "Files importing the affected files", c.RelatedFiles)
	for _, f := range c.AffectedFiles {
		var specs []string
		for _, ref := range c.Imports[f] {
			specs = append(specs, ref.Spec)
		}
		writeList(&b, "Imports of "+f, specs)
	}
	writeList(&b, "External dependencies", c.ExternalDependencies)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "  - %s\n", it)
	}
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithParallelThreshold sets the file count at which extraction runs in
// parallel. Values < 1 disable parallel extraction.
func WithParallelThreshold(n int) Option {
	return func(a *Analyzer) { a.parallelThreshold = n }
}

// WithMaxWorkers bounds extraction concurrency.
func WithMaxWorkers(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxWorkers = n
		}
	}
}

// Analyzer computes CodebaseContext.
//
// Thread Safety: Safe for concurrent use; holds no mutable state.
type Analyzer struct {
	parallelThreshold int
	maxWorkers        int
	logger            *slog.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(logger *slog.Logger, opts ...Option) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Analyzer{
		parallelThreshold: DefaultParallelThreshold,
		maxWorkers:        runtime.GOMAXPROCS(0),
		logger:            logger.With(slog.String("component", "codectx")),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze builds the context for f over snap.
//
// Description:
//
//	The fault path is f.File, or the first source-like path in the raw
//	message. A file is affected when its normalized path contains the
//	normalized fault path. A file is related when one of its internal
//	imports ends in an affected file's import fragment. With no fault path
//	the affected and related sets are empty.
//
// Inputs:
//   - ctx: Cancels parallel extraction.
//   - snap: The file set snapshot.
//   - f: The fault being repaired.
//
// Outputs:
//   - *CodebaseContext: Never nil on success.
//   - error: Only ctx.Err() when cancelled.
func (a *Analyzer) Analyze(ctx context.Context, snap fileset.Snapshot, f fault.Fault) (*CodebaseContext, error) {
	files := snap.Files()
	imports, err := a.extractAll(ctx, files)
	if err != nil {
		return nil, err
	}

	out := &CodebaseContext{
		TotalFiles:           len(files),
		AffectedFiles:        []string{},
		RelatedFiles:         []string{},
		Imports:              make(map[string][]ImportRef, len(files)),
		ExternalDependencies: []string{},
	}

	external := make(map[string]bool)
	for i, file := range files {
		if len(imports[i]) > 0 {
			out.Imports[file.Path] = imports[i]
		}
		for _, ref := range imports[i] {
			if ref.External {
				external[PackageName(ref.Spec)] = true
			}
		}
	}
	for dep := range external {
		out.ExternalDependencies = append(out.ExternalDependencies, dep)
	}
	sort.Strings(out.ExternalDependencies)

	faultPath := f.File
	if faultPath == "" {
		faultPath = observer.ExtractLocation(f.RawMessage).File
	}
	out.FaultFile = faultPath
	needle := normalizePath(faultPath)
	if needle == "" {
		return out, nil
	}

	affected := make(map[string]bool)
	fragments := make(map[string]bool)
	for _, file := range files {
		if strings.Contains(normalizePath(file.Path), needle) {
			affected[file.Path] = true
			out.AffectedFiles = append(out.AffectedFiles, file.Path)
			fragments[ImportFragment(file.Path)] = true
		}
	}

	for i, file := range files {
		if affected[file.Path] {
			continue
		}
		for _, ref := range imports[i] {
			if !ref.External && fragments[ImportFragment(ref.Spec)] {
				out.RelatedFiles = append(out.RelatedFiles, file.Path)
				break
			}
		}
	}

	a.logger.Debug("codebase context built",
		slog.Int("total_files", out.TotalFiles),
		slog.Int("affected", len(out.AffectedFiles)),
		slog.Int("related", len(out.RelatedFiles)),
	)
	return out, nil
}

// extractAll returns the imports of files[i] at index i.
func (a *Analyzer) extractAll(ctx context.Context, files []fileset.File) ([][]ImportRef, error) {
	out := make([][]ImportRef, len(files))

	if a.parallelThreshold < 1 || len(files) < a.parallelThreshold {
		for i, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			out[i] = extractFor(f)
		}
		return out, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxWorkers)
	for i, f := range files {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			out[i] = extractFor(f)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// extractFor skips files that cannot carry import statements.
func extractFor(f fileset.File) []ImportRef {
	switch strings.ToLower(path.Ext(f.Path)) {
	case ".json", ".html", ".md", ".svg", ".png", ".txt":
		return nil
	}
	return ExtractImports(f.Content)
}
