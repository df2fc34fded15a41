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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileDiff_NoChange(t *testing.T) {
	assert.Nil(t, FileDiff("/a.ts", "same\n", "same\n", true))
}

func TestFileDiff_SingleLineChange(t *testing.T) {
	fd := FileDiff("/src/x.ts", "a\nb\nc\n", "a\nB\nc\n", true)
	require.NotNil(t, fd)
	require.Len(t, fd.Hunks, 1)

	h := fd.Hunks[0]
	assert.Equal(t, "a/src/x.ts", fd.OrigName)
	assert.Equal(t, "b/src/x.ts", fd.NewName)
	assert.Equal(t, int32(1), h.OrigStartLine)
	assert.Equal(t, int32(3), h.OrigLines)
	assert.Equal(t, int32(1), h.NewStartLine)
	assert.Equal(t, int32(3), h.NewLines)

	body := string(h.Body)
	assert.Contains(t, body, "-b\n")
	assert.Contains(t, body, "+B\n")
	assert.True(t, strings.HasPrefix(body, " a\n"))
}

func TestFileDiff_NewFile(t *testing.T) {
	fd := FileDiff("src/new.ts", "", "one\ntwo\n", false)
	require.NotNil(t, fd)
	require.Len(t, fd.Hunks, 1)

	assert.Equal(t, "/dev/null", fd.OrigName)
	assert.Equal(t, "b/src/new.ts", fd.NewName)
	assert.Equal(t, int32(0), fd.Hunks[0].OrigStartLine)
	assert.Equal(t, int32(0), fd.Hunks[0].OrigLines)
	assert.Equal(t, int32(1), fd.Hunks[0].NewStartLine)
	assert.Equal(t, int32(2), fd.Hunks[0].NewLines)
}

func TestFileDiff_DistantChangesSplitIntoHunks(t *testing.T) {
	var before, after []string
	for i := 0; i < 30; i++ {
		line := "line"
		before = append(before, line+string(rune('A'+i%26)))
		after = append(after, line+string(rune('A'+i%26)))
	}
	after[1] = "changed-top"
	after[28] = "changed-bottom"

	fd := FileDiff("/f.ts", strings.Join(before, "\n")+"\n", strings.Join(after, "\n")+"\n", true)
	require.NotNil(t, fd)
	assert.Len(t, fd.Hunks, 2)
}

func TestPatchPreview(t *testing.T) {
	base := NewSnapshot([]File{
		{Path: "/src/App.tsx", Content: "const a = 1;\nconst b = ;\n"},
		{Path: "/src/other.ts", Content: "untouched\n"},
	})
	patch := Patch{
		"/src/App.tsx":  "const a = 1;\nconst b = 2;\n",
		"/src/other.ts": "untouched\n",
		"/src/new.ts":   "export {};\n",
	}

	p, err := PatchPreview(base, patch)
	require.NoError(t, err)

	assert.Equal(t, 2, p.Stat.Files)
	assert.Equal(t, 2, p.Stat.Added)
	assert.Equal(t, 1, p.Stat.Deleted)
	assert.Contains(t, p.Unified, "+++ b/src/App.tsx")
	assert.Contains(t, p.Unified, "--- /dev/null")
	assert.NotContains(t, p.Unified, "other.ts")
}

func TestPatchPreview_Empty(t *testing.T) {
	base := NewSnapshot([]File{{Path: "/a", Content: "x"}})
	p, err := PatchPreview(base, Patch{"/a": "x"})
	require.NoError(t, err)
	assert.Empty(t, p.Unified)
}

func TestSplitLines(t *testing.T) {
	assert.Nil(t, splitLines(""))
	assert.Equal(t, []string{"a", "b"}, splitLines("a\nb\n"))
	assert.Equal(t, []string{"a", "b"}, splitLines("a\nb"))
	assert.Equal(t, []string{""}, splitLines("\n"))
}
