// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package verify runs quality gates over a proposed patch before it is
// offered to the file-set owner.
//
// Gates are heuristics. A failed gate produces warnings; it never blocks a
// repair and never mutates the patch.
package verify

import (
	"regexp"
	"sort"
	"strings"

	"github.com/AleutianAI/mend/services/mend/fileset"
)

// Check names a quality gate.
type Check string

const (
	// CheckEmptyFunctions flags a function signature followed by an empty block.
	CheckEmptyFunctions Check = "no_empty_functions"

	// CheckPlaceholders flags TODO/FIXME-style comments and elision markers.
	CheckPlaceholders Check = "no_placeholders"

	// CheckUndefinedGuard flags bare `undefined` usage with no guard.
	CheckUndefinedGuard Check = "undefined_guarded"
)

// Checks holds one boolean per gate. True means the gate passed.
type Checks struct {
	NoEmptyFunctions bool `json:"noEmptyFunctions"`
	NoPlaceholders   bool `json:"noPlaceholders"`
	UndefinedGuarded bool `json:"undefinedGuarded"`
}

// Warning is one human-readable finding.
type Warning struct {
	File    string `json:"file"`
	Check   Check  `json:"check"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// Report is the verification outcome for a patch.
type Report struct {
	Checks   Checks    `json:"checks"`
	Warnings []Warning `json:"warnings"`
	Passed   bool      `json:"passed"`
}

// WarningsByFile groups warnings by file path.
func (r Report) WarningsByFile() map[string][]Warning {
	out := make(map[string][]Warning)
	for _, w := range r.Warnings {
		out[w.File] = append(out[w.File], w)
	}
	return out
}

var (
	emptyFunctionPatterns = []*regexp.Regexp{
		// function foo(a, b) {}   async function* gen() { }
		regexp.MustCompile(`\bfunction\b\s*\*?\s*[\w$]*\s*\([^()]*\)\s*(?::\s*[^{};=]+?)?\s*\{\s*\}`),
		// (a) => {}   async x => { }
		regexp.MustCompile(`(?:\([^()]*\)|\b[\w$]+)\s*(?::\s*[^{};=]+?)?\s*=>\s*\{\s*\}`),
		// method shorthand: render() {}
		regexp.MustCompile(`(?m)^\s*(?:(?:public|private|protected|static|async|get|set)\s+)*[\w$]+\s*\([^()]*\)\s*(?::\s*[^{};=]+?)?\s*\{\s*\}`),
	}

	placeholderPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?://|/\*|\{/\*|#)\s*(?:TODO|FIXME|XXX|HACK)\b`),
		regexp.MustCompile(`(?i)(?://|/\*|\{/\*)\s*\.{3}\s*(?:existing|rest of|remaining|other)\b`),
		regexp.MustCompile(`(?i)(?://|/\*|\{/\*)\s*(?:existing|rest of the|remaining) code\b`),
		// notice left by the prompt renderer on a cut file
		regexp.MustCompile(`\[mend: file truncated\b`),
	}

	undefinedTokenPattern = regexp.MustCompile(`\bundefined\b`)

	undefinedGuardPattern = regexp.MustCompile(
		`[!=]==?\s*undefined\b|\bundefined\s*[!=]==?|typeof\s+[\w$.]+\s*[!=]==?\s*['"]undefined['"]|\?\.|\?\?`)

	// constructors and no-op callbacks are legitimately empty.
	emptyAllowedPattern = regexp.MustCompile(`\b(?:constructor|noop)\s*\(`)
)

// Verify runs every gate over every file in patch.
//
// Description:
//
//	Warnings are ordered by file path, then by line. Passed is true only
//	when all three gates pass. The patch is not modified.
//
// Inputs:
//   - patch: Proposed replacement contents.
//
// Outputs:
//   - Report: Warnings is never nil.
func Verify(patch fileset.Patch) Report {
	r := Report{
		Checks: Checks{
			NoEmptyFunctions: true,
			NoPlaceholders:   true,
			UndefinedGuarded: true,
		},
		Warnings: []Warning{},
	}

	for _, path := range patch.Paths() {
		content := patch[path]

		if ws := findEmptyFunctions(path, content); len(ws) > 0 {
			r.Checks.NoEmptyFunctions = false
			r.Warnings = append(r.Warnings, ws...)
		}
		if ws := findPlaceholders(path, content); len(ws) > 0 {
			r.Checks.NoPlaceholders = false
			r.Warnings = append(r.Warnings, ws...)
		}
		if w, ok := findUnguardedUndefined(path, content); ok {
			r.Checks.UndefinedGuarded = false
			r.Warnings = append(r.Warnings, w)
		}
	}

	sort.SliceStable(r.Warnings, func(i, j int) bool {
		if r.Warnings[i].File != r.Warnings[j].File {
			return r.Warnings[i].File < r.Warnings[j].File
		}
		return r.Warnings[i].Line < r.Warnings[j].Line
	})
	r.Passed = r.Checks.NoEmptyFunctions && r.Checks.NoPlaceholders && r.Checks.UndefinedGuarded
	return r
}

func findEmptyFunctions(path, content string) []Warning {
	seen := make(map[int]bool)
	var out []Warning
	for _, re := range emptyFunctionPatterns {
		for _, loc := range re.FindAllStringIndex(content, -1) {
			match := content[loc[0]:loc[1]]
			if emptyAllowedPattern.MatchString(match) || isControlKeyword(match) {
				continue
			}
			line := lineAt(content, loc[0]+leadingSpace(match))
			if seen[line] {
				continue
			}
			seen[line] = true
			out = append(out, Warning{
				File:    path,
				Check:   CheckEmptyFunctions,
				Line:    line,
				Message: "function has an empty body: " + firstLine(strings.TrimSpace(match)),
			})
		}
	}
	return out
}

func findPlaceholders(path, content string) []Warning {
	seen := make(map[int]bool)
	var out []Warning
	for _, re := range placeholderPatterns {
		for _, loc := range re.FindAllStringIndex(content, -1) {
			line := lineAt(content, loc[0])
			if seen[line] {
				continue
			}
			seen[line] = true
			out = append(out, Warning{
				File:    path,
				Check:   CheckPlaceholders,
				Line:    line,
				Message: "placeholder left in code: " + strings.TrimSpace(lineText(content, line)),
			})
		}
	}
	return out
}

// findUnguardedUndefined reports the first `undefined` token in a file
// that contains no guard comparison at all.
func findUnguardedUndefined(path, content string) (Warning, bool) {
	loc := undefinedTokenPattern.FindStringIndex(content)
	if loc == nil || undefinedGuardPattern.MatchString(content) {
		return Warning{}, false
	}
	line := lineAt(content, loc[0])
	return Warning{
		File:    path,
		Check:   CheckUndefinedGuard,
		Line:    line,
		Message: "`undefined` is referenced without a guard comparison",
	}, true
}

var controlKeywords = []string{"if", "for", "while", "switch", "catch", "with"}

// isControlKeyword rejects method-shorthand matches such as `if (x) {}`.
func isControlKeyword(match string) bool {
	trimmed := strings.TrimSpace(match)
	for _, kw := range controlKeywords {
		if strings.HasPrefix(trimmed, kw+" ") || strings.HasPrefix(trimmed, kw+"(") {
			return true
		}
	}
	return false
}

func lineAt(content string, offset int) int {
	return strings.Count(content[:offset], "\n") + 1
}

func lineText(content string, line int) string {
	lines := strings.Split(content, "\n")
	if line-1 < len(lines) {
		return lines[line-1]
	}
	return ""
}

func leadingSpace(s string) int {
	return len(s) - len(strings.TrimLeft(s, " \t\r\n"))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
