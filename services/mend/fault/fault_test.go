// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fault

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_IgnoresLocationAndTime(t *testing.T) {
	a := Fault{Kind: KindCompilation, RawMessage: "Unexpected token", File: "/src/a.ts", Line: 1, DetectedAt: time.Unix(1, 0)}
	b := Fault{Kind: KindCompilation, RawMessage: "Unexpected token", File: "/src/b.ts", Line: 9, DetectedAt: time.Unix(99, 0)}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprint_KindParticipates(t *testing.T) {
	a := Fault{Kind: KindCompilation, RawMessage: "boom"}
	b := Fault{Kind: KindRuntime, RawMessage: "boom"}

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprint_BoundedPrefix(t *testing.T) {
	prefix := strings.Repeat("x", FingerprintPrefixRunes)
	a := Fault{Kind: KindRuntime, RawMessage: prefix + " at frame 1 (bundle.abc123.js)"}
	b := Fault{Kind: KindRuntime, RawMessage: prefix + " at frame 7 (bundle.def456.js)"}
	c := Fault{Kind: KindRuntime, RawMessage: "y" + prefix}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestFingerprint_TrimsWhitespace(t *testing.T) {
	a := Fault{Kind: KindBuildFailure, RawMessage: "  build failed\n"}
	b := Fault{Kind: KindBuildFailure, RawMessage: "build failed"}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, string(a.Fingerprint()), 64)
	assert.Len(t, a.Fingerprint().Short(), 12)
}

func TestFault_Location(t *testing.T) {
	tests := []struct {
		name  string
		fault Fault
		want  string
	}{
		{"no file", Fault{Line: 3}, ""},
		{"file only", Fault{File: "/src/App.tsx"}, "/src/App.tsx"},
		{"file and line", Fault{File: "/src/App.tsx", Line: 12}, "/src/App.tsx:12"},
		{"full", Fault{File: "/src/App.tsx", Line: 12, Column: 4}, "/src/App.tsx:12:4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fault.Location())
		})
	}
}

func TestKind_Valid(t *testing.T) {
	assert.True(t, KindModuleNotFound.Valid())
	assert.False(t, Kind("Nope").Valid())
}
