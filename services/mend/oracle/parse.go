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
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/mend/services/mend/fileset"
)

// =============================================================================
// Response Types
// =============================================================================

// FixStrategy is the repair approach an analysis recommends.
type FixStrategy string

const (
	StrategyQuickPatch FixStrategy = "quick-patch"
	StrategyProperFix  FixStrategy = "proper-fix"
	StrategyRefactor   FixStrategy = "refactor"
)

// Normalize maps unknown or differently spelled strategies onto the
// closest known value, defaulting to StrategyProperFix.
func (s FixStrategy) Normalize() FixStrategy {
	v := strings.ToLower(strings.TrimSpace(string(s)))
	v = strings.NewReplacer("_", "-", " ", "-").Replace(v)
	switch {
	case strings.HasPrefix(v, "quick"):
		return StrategyQuickPatch
	case strings.HasPrefix(v, "refactor"):
		return StrategyRefactor
	default:
		return StrategyProperFix
	}
}

// RootCauseAnalysis is the parsed result of the analysis call.
type RootCauseAnalysis struct {
	ErrorType  string      `json:"errorType"`
	Location   string      `json:"location,omitempty"`
	WhyChain   []string    `json:"whyChain"`
	RootCause  string      `json:"rootCause"`
	Strategy   FixStrategy `json:"strategy"`
	Confidence float64     `json:"confidence,omitempty"`
}

// Reasoning renders the analysis for progress reporting.
func (a RootCauseAnalysis) Reasoning() string {
	var b strings.Builder
	if a.ErrorType != "" {
		fmt.Fprintf(&b, "%s: ", a.ErrorType)
	}
	b.WriteString(a.RootCause)
	for i, why := range a.WhyChain {
		fmt.Fprintf(&b, "\n  %d. %s", i+1, why)
	}
	if a.Strategy != "" {
		fmt.Fprintf(&b, "\nStrategy: %s", a.Strategy)
	}
	return b.String()
}

// FixProposal is the parsed result of the implementation call.
type FixProposal struct {
	Explanation string        `json:"explanation"`
	Files       fileset.Patch `json:"files"`
}

// =============================================================================
// Parser Chain
// =============================================================================

// Parser is one strategy for turning raw model output into T.
type Parser[T any] interface {
	Name() string
	Parse(raw string) (T, error)
}

// ParserChain tries its parsers in order and returns the first success.
type ParserChain[T any] struct {
	parsers []Parser[T]
}

// NewParserChain creates a chain over parsers, tried in the given order.
func NewParserChain[T any](parsers ...Parser[T]) *ParserChain[T] {
	return &ParserChain[T]{parsers: parsers}
}

// Parse runs the chain.
//
// Outputs:
//   - T: The first successful parse.
//   - string: Name of the parser that succeeded.
//   - error: Wraps ErrUnparsable and every parser error when all fail.
func (c *ParserChain[T]) Parse(raw string) (T, string, error) {
	var zero T
	errs := make([]error, 0, len(c.parsers))
	for _, p := range c.parsers {
		v, err := p.Parse(raw)
		if err == nil {
			return v, p.Name(), nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return zero, "", fmt.Errorf("%w: %w", ErrUnparsable, errors.Join(errs...))
}

// AnalysisChain is the parser chain for analysis responses.
func AnalysisChain() *ParserChain[RootCauseAnalysis] {
	return NewParserChain[RootCauseAnalysis](analysisJSONParser{})
}

// FixChain is the parser chain for implementation responses: embedded
// JSON first, then file-block delimiters.
func FixChain() *ParserChain[FixProposal] {
	return NewParserChain[FixProposal](fixJSONParser{}, fileBlockParser{})
}

// =============================================================================
// JSON Extraction
// =============================================================================

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n(.*?)\\n?```")

// ExtractJSONObject finds the first complete JSON object in raw.
//
// Description:
//
//	Fenced ```json blocks are tried first. Otherwise every '{' is tried as
//	a start position and scanned to its balanced closing brace, honoring
//	string literals and escapes. The first candidate that is valid JSON
//	wins.
func ExtractJSONObject(raw string) (string, bool) {
	for _, m := range fencePattern.FindAllStringSubmatch(raw, -1) {
		candidate := strings.TrimSpace(m[1])
		if strings.HasPrefix(candidate, "{") && json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}

	for start := strings.IndexByte(raw, '{'); start >= 0; {
		if end := matchBrace(raw, start); end > start {
			candidate := raw[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(raw[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing raw[start], or -1.
func matchBrace(raw string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

type analysisJSONParser struct{}

func (analysisJSONParser) Name() string { return "json" }

func (analysisJSONParser) Parse(raw string) (RootCauseAnalysis, error) {
	obj, ok := ExtractJSONObject(raw)
	if !ok {
		return RootCauseAnalysis{}, errors.New("no JSON object found")
	}
	var a RootCauseAnalysis
	if err := json.Unmarshal([]byte(obj), &a); err != nil {
		return RootCauseAnalysis{}, fmt.Errorf("decoding analysis: %w", err)
	}
	a.RootCause = strings.TrimSpace(a.RootCause)
	if a.RootCause == "" && len(a.WhyChain) == 0 {
		return RootCauseAnalysis{}, errors.New("analysis has neither rootCause nor whyChain")
	}
	if a.RootCause == "" {
		a.RootCause = a.WhyChain[len(a.WhyChain)-1]
	}
	if a.WhyChain == nil {
		a.WhyChain = []string{}
	}
	a.Strategy = a.Strategy.Normalize()
	return a, nil
}

type fixJSONParser struct{}

func (fixJSONParser) Name() string { return "json" }

// rawFix accepts the shapes models commonly produce for a file map.
type rawFix struct {
	Explanation string          `json:"explanation"`
	Files       json.RawMessage `json:"files"`
	FixedFiles  json.RawMessage `json:"fixedFiles"`
	Changes     json.RawMessage `json:"changes"`
}

type fileEntry struct {
	Path     string `json:"path"`
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

func (fixJSONParser) Parse(raw string) (FixProposal, error) {
	obj, ok := ExtractJSONObject(raw)
	if !ok {
		return FixProposal{}, errors.New("no JSON object found")
	}
	var rf rawFix
	if err := json.Unmarshal([]byte(obj), &rf); err != nil {
		return FixProposal{}, fmt.Errorf("decoding fix: %w", err)
	}

	files := rf.Files
	if len(files) == 0 {
		files = rf.FixedFiles
	}
	if len(files) == 0 {
		files = rf.Changes
	}
	patch, err := decodeFiles(files)
	if err != nil {
		return FixProposal{}, err
	}
	return FixProposal{Explanation: strings.TrimSpace(rf.Explanation), Files: patch}, nil
}

// decodeFiles reads either {"path": "content"} or [{"path", "content"}].
func decodeFiles(data json.RawMessage) (fileset.Patch, error) {
	if len(data) == 0 {
		return nil, errors.New("fix has no files")
	}

	var asMap map[string]string
	if err := json.Unmarshal(data, &asMap); err == nil {
		return nonEmptyPatch(asMap)
	}

	var asList []fileEntry
	if err := json.Unmarshal(data, &asList); err != nil {
		return nil, fmt.Errorf("files is neither a map nor a list: %w", err)
	}
	m := make(map[string]string, len(asList))
	for _, e := range asList {
		p := e.Path
		if p == "" {
			p = e.FilePath
		}
		m[p] = e.Content
	}
	return nonEmptyPatch(m)
}

func nonEmptyPatch(m map[string]string) (fileset.Patch, error) {
	patch := make(fileset.Patch, len(m))
	for p, content := range m {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fileset.ErrEmptyPath
		}
		patch[p] = content
	}
	if len(patch) == 0 {
		return nil, errors.New("fix has no files")
	}
	return patch, nil
}

// =============================================================================
// File-Block Fallback
// =============================================================================

var fileBlockPatterns = []*regexp.Regexp{
	// <file path="/src/App.tsx"> ... </file>
	regexp.MustCompile(`(?s)<file\s+path=["']([^"']+)["']\s*>\r?\n?(.*?)\r?\n?</file>`),
	// === FILE: /src/App.tsx === ... === END FILE ===
	regexp.MustCompile(`(?ms)^={3,}\s*FILE:\s*(\S+)\s*={3,}[ \t]*\r?\n(.*?)\r?\n={3,}\s*END(?:\s+FILE)?\s*={3,}`),
	// ```tsx:/src/App.tsx ... ```
	regexp.MustCompile("(?ms)^```[\\w+-]*[: ](/?[\\w@.\\-/]+\\.\\w+)[ \\t]*\\r?\\n(.*?)\\r?\\n```"),
}

type fileBlockParser struct{}

func (fileBlockParser) Name() string { return "file-blocks" }

func (fileBlockParser) Parse(raw string) (FixProposal, error) {
	patch := make(fileset.Patch)
	firstBlock := -1
	for _, re := range fileBlockPatterns {
		for _, m := range re.FindAllStringSubmatchIndex(raw, -1) {
			path := strings.TrimSpace(raw[m[2]:m[3]])
			if path == "" {
				continue
			}
			patch[path] = raw[m[4]:m[5]]
			if firstBlock < 0 || m[0] < firstBlock {
				firstBlock = m[0]
			}
		}
		if len(patch) > 0 {
			break
		}
	}
	if len(patch) == 0 {
		return FixProposal{}, errors.New("no file blocks found")
	}
	return FixProposal{
		Explanation: strings.TrimSpace(raw[:firstBlock]),
		Files:       patch,
	}, nil
}
