// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/mend/services/mend/codectx"
	"github.com/AleutianAI/mend/services/mend/fault"
	"github.com/AleutianAI/mend/services/mend/fileset"
)

// DefaultMaxPromptBytes bounds the rendered file section of a prompt.
const DefaultMaxPromptBytes = 120000

// TruncationNotice is the comment appended to a file body cut to fit the
// prompt budget. A returned file that still contains it is an echo of the
// cut copy, not the complete file.
const TruncationNotice = "[mend: file truncated to fit the prompt]"

const truncatedMarker = "\n/* " + TruncationNotice + " */"

// Truncated reports whether content carries the truncation notice.
func Truncated(content string) bool {
	return strings.Contains(content, TruncationNotice)
}

const analyzeSystemPrompt = `You are a senior engineer diagnosing a broken web project.
Work backwards from the error with a chain of "why" questions until you reach the root cause.
Reply with a single JSON object and nothing else:
{
  "errorType": "short category of the error",
  "location": "file:line if known",
  "whyChain": ["why 1", "why 2", "..."],
  "rootCause": "one sentence",
  "strategy": "quick-patch | proper-fix | refactor",
  "confidence": 0.0
}`

const implementSystemPrompt = `You are a senior engineer repairing a broken web project.
Return the COMPLETE new content of every file you change. Do not elide code, do not leave
TODO comments, and do not leave empty function bodies.
Reply with a single JSON object:
{
  "explanation": "what you changed and why",
  "files": { "/path/to/file.tsx": "full file content" }
}
If you cannot produce JSON, wrap each file as:
<file path="/path/to/file.tsx">
full file content
</file>`

// PromptInput is everything a prompt may draw on.
type PromptInput struct {
	Fault     fault.Fault
	Files     fileset.Snapshot
	Structure []string

	// Analysis and Context are only used by implementation prompts.
	Analysis *RootCauseAnalysis
	Context  *codectx.CodebaseContext
}

// Renderer turns repair inputs into oracle requests.
//
// Files implicated by the fault (its own file plus affected and related
// files) are always rendered whole. When the rendered file section would
// exceed MaxPromptBytes, every other file is cut to the leading chunk the
// text splitter produces for its share of the remaining budget.
type Renderer struct {
	maxPromptBytes int
}

// NewRenderer creates a Renderer. maxPromptBytes <= 0 selects
// DefaultMaxPromptBytes.
func NewRenderer(maxPromptBytes int) *Renderer {
	if maxPromptBytes <= 0 {
		maxPromptBytes = DefaultMaxPromptBytes
	}
	return &Renderer{maxPromptBytes: maxPromptBytes}
}

// Analysis renders the root-cause request.
func (r *Renderer) Analysis(in PromptInput) Request {
	var b strings.Builder
	writeFault(&b, in.Fault)
	writeStructure(&b, in.Structure)
	r.writeFiles(&b, in.Files, implicated(in.Fault, nil))
	b.WriteString("\nExplain the root cause of the error as JSON.\n")
	return Request{Purpose: PurposeAnalyze, System: analyzeSystemPrompt, Prompt: b.String()}
}

// Implementation renders the fix request.
func (r *Renderer) Implementation(in PromptInput) Request {
	var b strings.Builder
	writeFault(&b, in.Fault)
	if a := in.Analysis; a != nil {
		b.WriteString("## Root cause analysis\n")
		fmt.Fprintf(&b, "Error type: %s\n", a.ErrorType)
		if a.Location != "" {
			fmt.Fprintf(&b, "Location: %s\n", a.Location)
		}
		for i, why := range a.WhyChain {
			fmt.Fprintf(&b, "Why %d: %s\n", i+1, why)
		}
		fmt.Fprintf(&b, "Root cause: %s\n", a.RootCause)
		fmt.Fprintf(&b, "Strategy: %s\n\n", a.Strategy)
	}
	if summary := in.Context.Summary(); summary != "" {
		b.WriteString("## Codebase context\n")
		b.WriteString(summary)
		b.WriteString("\n")
	}
	writeStructure(&b, in.Structure)
	r.writeFiles(&b, in.Files, implicated(in.Fault, in.Context))
	b.WriteString("\nReturn the complete content of every file you change.\n")
	return Request{Purpose: PurposeImplement, System: implementSystemPrompt, Prompt: b.String()}
}

func writeFault(b *strings.Builder, f fault.Fault) {
	b.WriteString("## Error\n")
	fmt.Fprintf(b, "Kind: %s\n", f.Kind)
	if loc := f.Location(); loc != "" {
		fmt.Fprintf(b, "Location: %s\n", loc)
	}
	b.WriteString("Message:\n")
	b.WriteString(strings.TrimSpace(f.RawMessage))
	b.WriteString("\n\n")
}

func writeStructure(b *strings.Builder, structure []string) {
	if len(structure) == 0 {
		return
	}
	b.WriteString("## Project structure\n")
	for _, p := range structure {
		b.WriteString(p)
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

// writeFiles renders every file of snap, respecting the byte budget.
func (r *Renderer) writeFiles(b *strings.Builder, snap fileset.Snapshot, keep map[string]bool) {
	files := snap.Files()
	if len(files) == 0 {
		return
	}
	b.WriteString("## Files\n")

	total, kept, others := 0, 0, 0
	for _, f := range files {
		total += len(f.Content)
		if keep[f.Path] {
			kept += len(f.Content)
		} else {
			others++
		}
	}

	perFile := 0
	if total > r.maxPromptBytes && others > 0 {
		perFile = (r.maxPromptBytes - kept) / others
		if perFile < 256 {
			perFile = 256
		}
	}

	for _, f := range files {
		content := f.Content
		if perFile > 0 && !keep[f.Path] && len(content) > perFile {
			content = leadingChunk(content, perFile) + truncatedMarker
		}
		fmt.Fprintf(b, "<file path=%q>\n%s\n</file>\n", f.Path, content)
	}
}

// leadingChunk returns the first chunk of content no larger than size
// bytes, split on line and block boundaries where possible.
func leadingChunk(content string, size int) string {
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(size),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
		textsplitter.WithLenFunc(func(s string) int { return len(s) }),
	)
	chunks, err := splitter.SplitText(content)
	if err != nil || len(chunks) == 0 {
		return truncateBytes(content, size)
	}
	return truncateBytes(chunks[0], size)
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// implicated returns the paths that must never be truncated.
func implicated(f fault.Fault, c *codectx.CodebaseContext) map[string]bool {
	out := make(map[string]bool)
	if f.File != "" {
		out[f.File] = true
		out["/"+strings.TrimPrefix(f.File, "/")] = true
	}
	if c != nil {
		for _, p := range c.AffectedFiles {
			out[p] = true
		}
		for _, p := range c.RelatedFiles {
			out[p] = true
		}
	}
	return out
}
