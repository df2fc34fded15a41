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
	"bytes"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	godiff "github.com/sourcegraph/go-diff/diff"
)

// DiffContextLines is the number of unchanged lines kept around each hunk.
const DiffContextLines = 3

// DiffStat summarizes a preview.
type DiffStat struct {
	Files   int `json:"files"`
	Added   int `json:"added"`
	Deleted int `json:"deleted"`
}

// Preview is a unified-diff rendering of a patch against a snapshot.
type Preview struct {
	Unified string   `json:"unified"`
	Stat    DiffStat `json:"stat"`
}

type lineOp struct {
	kind byte // ' ', '-', '+'
	text string
}

// FileDiff computes the unified diff between two versions of one file.
//
// # Description
//
// Lines are diffed with diff-match-patch in line mode, then grouped into
// hunks with DiffContextLines of context. A missing original is rendered
// as /dev/null. Returns nil when the contents are equal.
//
// # Inputs
//
//   - path: File path used for the a/ and b/ headers.
//   - before: Original content. Empty for new files.
//   - after: New content.
//   - existed: Whether the file existed before.
//
// # Outputs
//
//   - *godiff.FileDiff: Nil when there is no change.
func FileDiff(path, before, after string, existed bool) *godiff.FileDiff {
	if existed && before == after {
		return nil
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var ops []lineOp
	for _, d := range diffs {
		var kind byte
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			kind = ' '
		case diffmatchpatch.DiffDelete:
			kind = '-'
		case diffmatchpatch.DiffInsert:
			kind = '+'
		}
		for _, l := range splitLines(d.Text) {
			ops = append(ops, lineOp{kind: kind, text: l})
		}
	}

	origName := "a" + ensureLeadingSlash(path)
	if !existed {
		origName = "/dev/null"
	}
	return &godiff.FileDiff{
		OrigName: origName,
		NewName:  "b" + ensureLeadingSlash(path),
		Hunks:    buildHunks(ops, DiffContextLines),
	}
}

// PatchPreview renders every entry of patch against base as one unified
// diff, in sorted path order.
func PatchPreview(base Snapshot, patch Patch) (Preview, error) {
	var diffs []*godiff.FileDiff
	for _, p := range patch.Paths() {
		before, existed := base.Get(p)
		if fd := FileDiff(p, before, patch[p], existed); fd != nil {
			diffs = append(diffs, fd)
		}
	}
	if len(diffs) == 0 {
		return Preview{}, nil
	}

	out, err := godiff.PrintMultiFileDiff(diffs)
	if err != nil {
		return Preview{}, fmt.Errorf("print diff: %w", err)
	}
	stat, err := Summarize(out)
	if err != nil {
		return Preview{}, err
	}
	return Preview{Unified: string(out), Stat: stat}, nil
}

// Summarize parses a unified multi-file diff and counts files and lines.
func Summarize(unified []byte) (DiffStat, error) {
	fds, err := godiff.NewMultiFileDiffReader(bytes.NewReader(unified)).ReadAllFiles()
	if err != nil {
		return DiffStat{}, fmt.Errorf("parse diff: %w", err)
	}
	st := DiffStat{Files: len(fds)}
	for _, fd := range fds {
		for _, h := range fd.Hunks {
			for _, line := range strings.Split(string(h.Body), "\n") {
				switch {
				case strings.HasPrefix(line, "+"):
					st.Added++
				case strings.HasPrefix(line, "-"):
					st.Deleted++
				}
			}
		}
	}
	return st, nil
}

// buildHunks groups line operations into hunks, merging changes separated
// by at most 2*context unchanged lines.
func buildHunks(ops []lineOp, context int) []*godiff.Hunk {
	// origBefore[i] / newBefore[i] count lines preceding ops[i].
	origBefore := make([]int, len(ops)+1)
	newBefore := make([]int, len(ops)+1)
	for i, op := range ops {
		origBefore[i+1] = origBefore[i]
		newBefore[i+1] = newBefore[i]
		if op.kind != '+' {
			origBefore[i+1]++
		}
		if op.kind != '-' {
			newBefore[i+1]++
		}
	}

	var hunks []*godiff.Hunk
	i := 0
	for i < len(ops) {
		for i < len(ops) && ops[i].kind == ' ' {
			i++
		}
		if i == len(ops) {
			break
		}

		start := max(0, i-context)
		end := i + 1
		for j := i + 1; j < len(ops); j++ {
			if ops[j].kind != ' ' {
				end = j + 1
				continue
			}
			if j-end+1 > 2*context {
				break
			}
		}
		stop := min(len(ops), end+context)

		var body bytes.Buffer
		var origLines, newLines int32
		for _, op := range ops[start:stop] {
			body.WriteByte(op.kind)
			body.WriteString(op.text)
			body.WriteByte('\n')
			if op.kind != '+' {
				origLines++
			}
			if op.kind != '-' {
				newLines++
			}
		}

		h := &godiff.Hunk{
			OrigStartLine: int32(origBefore[start]),
			OrigLines:     origLines,
			NewStartLine:  int32(newBefore[start]),
			NewLines:      newLines,
			Body:          body.Bytes(),
		}
		if origLines > 0 {
			h.OrigStartLine++
		}
		if newLines > 0 {
			h.NewStartLine++
		}
		hunks = append(hunks, h)
		i = stop
	}
	return hunks
}

// splitLines splits text into lines without their terminators.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.SplitAfter(text, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\n")
	}
	return parts
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}
