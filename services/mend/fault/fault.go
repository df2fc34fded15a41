// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fault defines the normalized fault taxonomy shared by the
// observer, the admission gate and the repair pipeline.
package fault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// FingerprintPrefixRunes bounds how much of the raw message participates in
// the fingerprint. Later message fragments (stack frames, timestamps, bundle
// hashes) vary between otherwise identical faults.
const FingerprintPrefixRunes = 100

// Kind classifies a detected problem.
type Kind string

const (
	// KindCompilation is a compiler or bundler diagnostic.
	KindCompilation Kind = "CompilationError"

	// KindRuntime is an uncaught error or an error-level console message
	// from the running preview.
	KindRuntime Kind = "RuntimeError"

	// KindBuildFailure is a terminal build event with the failed flag set.
	KindBuildFailure Kind = "BuildFailure"

	// KindModuleNotFound is an unresolved import.
	KindModuleNotFound Kind = "ModuleNotFound"
)

// String returns the kind name.
func (k Kind) String() string {
	return string(k)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCompilation, KindRuntime, KindBuildFailure, KindModuleNotFound:
		return true
	default:
		return false
	}
}

// Fingerprint is the dedup key of a Fault.
type Fingerprint string

// Short returns the first 12 hex characters, for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// Fault is a normalized representation of one detected problem.
//
// Line and Column are 1-based; zero means unknown. File is empty when no
// path could be extracted.
type Fault struct {
	Kind       Kind      `json:"kind"`
	RawMessage string    `json:"raw_message"`
	File       string    `json:"file,omitempty"`
	Line       int       `json:"line,omitempty"`
	Column     int       `json:"column,omitempty"`
	DetectedAt time.Time `json:"detected_at"`

	// Source names the event category the fault came from
	// (diagnostic, notification, console, runtime, done).
	Source string `json:"source,omitempty"`
}

// Fingerprint computes the dedup key from the kind and a bounded prefix of
// the trimmed raw message.
//
// Description:
//
//	Two faults with the same kind whose messages share the first
//	FingerprintPrefixRunes runes produce the same fingerprint. File, line,
//	column and detection time do not participate.
//
// Outputs:
//   - Fingerprint: Hex-encoded SHA-256. Never empty.
func (f Fault) Fingerprint() Fingerprint {
	msg := strings.TrimSpace(f.RawMessage)
	if r := []rune(msg); len(r) > FingerprintPrefixRunes {
		msg = string(r[:FingerprintPrefixRunes])
	}
	h := sha256.New()
	h.Write([]byte(f.Kind))
	h.Write([]byte{0})
	h.Write([]byte(msg))
	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// Location renders "file:line:col" with whatever parts are known.
func (f Fault) Location() string {
	if f.File == "" {
		return ""
	}
	switch {
	case f.Line > 0 && f.Column > 0:
		return fmt.Sprintf("%s:%d:%d", f.File, f.Line, f.Column)
	case f.Line > 0:
		return fmt.Sprintf("%s:%d", f.File, f.Line)
	default:
		return f.File
	}
}

// Describe renders a short human-readable description for prompts and logs.
func (f Fault) Describe() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if loc := f.Location(); loc != "" {
		b.WriteString(" at ")
		b.WriteString(loc)
	}
	b.WriteString(": ")
	b.WriteString(strings.TrimSpace(f.RawMessage))
	return b.String()
}
