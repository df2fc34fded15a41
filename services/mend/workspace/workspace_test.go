// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func sampleTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"package.json":                `{"name": "demo"}`,
		"src/App.tsx":                 "export default function App() { return null; }\n",
		"src/components/Button.tsx":   "export const Button = () => null;\n",
		"node_modules/react/index.js": "module.exports = {};\n",
		"dist/bundle.js":              "console.log(1);\n",
		"src/logo.png":                "\x89PNG",
		".git/HEAD":                   "ref: refs/heads/main\n",
	})
	return root
}

func TestOpen_LoadsProjectFiles(t *testing.T) {
	ws, err := Open(Config{Root: sampleTree(t)}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/package.json",
		"/src/App.tsx",
		"/src/components/Button.tsx",
	}, ws.Store().Snapshot().Paths())

	content, ok := ws.Store().Get("/src/App.tsx")
	require.True(t, ok)
	assert.Contains(t, content, "function App")
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Open(Config{Root: filepath.Join(t.TempDir(), "missing")}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Open(Config{Root: t.TempDir(), Ignore: []string{"[unclosed"}}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOpen_CustomIgnoreAndSizeLimit(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/a.ts":           "export const a = 1;\n",
		"src/generated/b.ts": "export const b = 2;\n",
		"src/big.ts":         strings.Repeat("x", 2048),
	})

	ws, err := Open(Config{Root: root, Ignore: []string{"src/generated/**"}, MaxFileBytes: 1024}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/a.ts"}, ws.Store().Snapshot().Paths())
}

func TestStructureOf(t *testing.T) {
	got := StructureOf([]string{"/src/components/Button.tsx", "/src/App.tsx", "/package.json"})
	assert.Equal(t, []string{
		"/package.json",
		"/src/",
		"/src/App.tsx",
		"/src/components/",
		"/src/components/Button.tsx",
	}, got)
}

func TestWriteBack_Atomic(t *testing.T) {
	root := sampleTree(t)
	ws, err := Open(Config{Root: root}, nil)
	require.NoError(t, err)

	_, err = ws.Store().Put("/src/App.tsx", "export default function App() { return 1; }\n")
	require.NoError(t, err)
	_, err = ws.Store().Put("/src/new/util.ts", "export const u = 1;\n")
	require.NoError(t, err)

	require.NoError(t, ws.WriteBack([]string{"/src/App.tsx", "/src/new/util.ts", "/gone.ts"}))

	data, err := os.ReadFile(filepath.Join(root, "src", "App.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "export default function App() { return 1; }\n", string(data))
	_, err = os.Stat(filepath.Join(root, "src", "new", "util.ts"))
	assert.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(root, "src"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".mend-", "temporary file left behind")
	}
}

func TestWriteBack_RejectsEscapingPath(t *testing.T) {
	ws, err := Open(Config{Root: t.TempDir()}, nil)
	require.NoError(t, err)
	_, err = ws.abs("/")
	assert.ErrorIs(t, err, ErrOutsideRoot)

	p, err := ws.abs("/../../etc/passwd.ts")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(p, ws.Root()))
}

func TestWatcher_AppliesDiskEdits(t *testing.T) {
	root := sampleTree(t)
	ws, err := Open(Config{Root: root, Debounce: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []Change
	wt, err := ws.Watch(context.Background(), func(changes []Change) {
		mu.Lock()
		seen = append(seen, changes...)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer wt.Stop()

	gen := ws.Store().Generation()
	writeTree(t, root, map[string]string{"src/App.tsx": "// edited on disk\n"})
	require.NoError(t, os.Remove(filepath.Join(root, "src", "components", "Button.tsx")))

	require.Eventually(t, func() bool {
		content, _ := ws.Store().Get("/src/App.tsx")
		_, buttonExists := ws.Store().Get("/src/components/Button.tsx")
		return content == "// edited on disk\n" && !buttonExists
	}, 5*time.Second, 20*time.Millisecond)
	assert.Greater(t, ws.Store().Generation(), gen)

	mu.Lock()
	defer mu.Unlock()
	paths := map[string]ChangeOp{}
	for _, c := range seen {
		paths[c.Path] = c.Op
	}
	assert.Equal(t, ChangeWrite, paths["/src/App.tsx"])
	assert.Equal(t, ChangeRemove, paths["/src/components/Button.tsx"])
}

func TestWatcher_IgnoresOwnWriteBack(t *testing.T) {
	root := sampleTree(t)
	ws, err := Open(Config{Root: root, Debounce: 20 * time.Millisecond}, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []Change
	wt, err := ws.Watch(context.Background(), func(changes []Change) {
		mu.Lock()
		seen = append(seen, changes...)
		mu.Unlock()
	})
	require.NoError(t, err)

	_, err = ws.Store().Put("/src/App.tsx", "// merged\n")
	require.NoError(t, err)
	gen := ws.Store().Generation()
	require.NoError(t, ws.WriteBack([]string{"/src/App.tsx"}))

	time.Sleep(200 * time.Millisecond)
	wt.Stop()

	assert.Equal(t, gen, ws.Store().Generation())
	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, seen)
}

func TestDedupe(t *testing.T) {
	got := dedupe([]Change{
		{Path: "/a", Op: ChangeWrite},
		{Path: "/b", Op: ChangeWrite},
		{Path: "/a", Op: ChangeRemove},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "/a", got[0].Path)
	assert.Equal(t, ChangeRemove, got[0].Op)
}
