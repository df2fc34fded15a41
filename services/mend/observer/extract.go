// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observer

import (
	"regexp"
	"strconv"
	"strings"
)

// =============================================================================
// Location extraction heuristics
// =============================================================================
//
// These patterns are best-effort. They may miss a location or pick a path
// that is not the culprit; a wrong guess only degrades the advisory context
// handed to the oracle.

// SourceExtensions lists the extensions recognized as project source files.
var SourceExtensions = []string{
	"tsx", "ts", "jsx", "js", "mjs", "cjs", "vue", "svelte",
	"css", "scss", "sass", "less", "json", "html",
}

var (
	// urlOriginPattern strips scheme://host[:port] so dev-server URLs reduce
	// to their path.
	urlOriginPattern = regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.\-]*://[^/\s]+`)

	// pathPattern matches a path fragment ending in a source extension with an
	// optional :line:col suffix.
	pathPattern = regexp.MustCompile(
		`((?:\.{1,2}/|/)?(?:[\w@\-][\w@.\-]*/)*[\w@\-][\w@.\-]*\.(?:` +
			strings.Join(SourceExtensions, "|") +
			`))\b(?::(\d+)(?::(\d+))?)?`)

	// lineWordPattern matches "line 12" and "line 12, column 4".
	lineWordPattern = regexp.MustCompile(`(?i)\bline\s+(\d+)(?:\s*,?\s*col(?:umn)?\s+(\d+))?`)

	// parenPositionPattern matches "(12:4)".
	parenPositionPattern = regexp.MustCompile(`\((\d+):(\d+)\)`)
)

// Location is an extracted file position. Zero fields are unknown.
type Location struct {
	File   string
	Line   int
	Column int
}

// ExtractLocation finds the first path-like fragment with a known source
// extension in text, plus any line/column information near it.
//
// Description:
//
//	Query strings and dev-server origins are removed first. A ":line:col"
//	suffix on the path wins; otherwise "line N" or "(N:M)" anywhere in the
//	text is used. A leading "./" is dropped.
//
// Inputs:
//   - text: Raw message text. May be empty.
//
// Outputs:
//   - Location: Zero value when nothing path-like was found.
func ExtractLocation(text string) Location {
	if text == "" {
		return Location{}
	}
	cleaned := urlOriginPattern.ReplaceAllString(text, "")

	var loc Location
	m := pathPattern.FindStringSubmatch(cleaned)
	if m == nil {
		return loc
	}
	loc.File = strings.TrimPrefix(m[1], "./")
	loc.Line = atoi(m[2])
	loc.Column = atoi(m[3])

	if loc.Line == 0 {
		if lm := lineWordPattern.FindStringSubmatch(cleaned); lm != nil {
			loc.Line = atoi(lm[1])
			loc.Column = atoi(lm[2])
		} else if pm := parenPositionPattern.FindStringSubmatch(cleaned); pm != nil {
			loc.Line = atoi(pm[1])
			loc.Column = atoi(pm[2])
		}
	}
	return loc
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// =============================================================================
// Keyword classification
// =============================================================================

// errorIndicators are lowercase substrings that mark console text as an
// error rather than benign logging.
var errorIndicators = []string{
	"error",
	"failed",
	"failure",
	"exception",
	"uncaught",
	"cannot find",
	"can't resolve",
	"could not resolve",
	"unable to resolve",
	"not found",
	"unexpected token",
	"is not defined",
	"is not a function",
	"cannot read propert",
	"undefined is not",
}

// moduleNotFoundIndicators mark unresolved-import messages.
var moduleNotFoundIndicators = []string{
	"cannot find module",
	"module not found",
	"failed to resolve import",
	"could not resolve",
	"can't resolve",
	"unable to resolve",
}

// HasErrorIndicator reports whether text contains an error-indicating
// substring, case-insensitively.
func HasErrorIndicator(text string) bool {
	return containsAny(strings.ToLower(text), errorIndicators)
}

// IsModuleNotFound reports whether text describes an unresolved import.
func IsModuleNotFound(text string) bool {
	return containsAny(strings.ToLower(text), moduleNotFoundIndicators)
}

func containsAny(lower string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
