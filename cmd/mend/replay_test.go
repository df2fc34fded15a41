// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/mend/services/mend/config"
	"github.com/AleutianAI/mend/services/mend/events"
	"github.com/AleutianAI/mend/services/mend/monitor"
	"github.com/AleutianAI/mend/services/mend/observer"
	"github.com/AleutianAI/mend/services/mend/oracle"
	"github.com/AleutianAI/mend/services/mend/repair"
)

const analysisJSON = `{"errorType": "SyntaxError", "location": "/src/App.tsx:2",
"whyChain": ["a JSX tag is not closed"], "rootCause": "unclosed div in App", "strategy": "quick-patch"}`

const brokenApp = "export default function App() {\n  return <div>ok;\n}\n"

const fixedApp = "export default function App() {\n  return <div>ok</div>;\n}\n"

var fixJSON = fmt.Sprintf(`{"explanation": "Close the div.", "files": {"/src/App.tsx": %q}}`, fixedApp)

const eventLog = `# recorded from the sandbox
{"kind": "console", "level": "log", "message": "vite ready"}
{"kind": "diagnostic", "message": "Unexpected token in /src/App.tsx line 2", "file": "/src/App.tsx", "line": 2}
{"kind": "diagnostic", "message": "Unexpected token in /src/App.tsx line 2", "file": "/src/App.tsx", "line": 2}
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type replayFixture struct {
	project string
	events  string
	script  string
}

func newReplayFixture(t *testing.T) replayFixture {
	t.Helper()
	dir := t.TempDir()
	project := filepath.Join(dir, "app")
	require.NoError(t, os.MkdirAll(filepath.Join(project, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(project, "src", "App.tsx"), []byte(brokenApp), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(project, "package.json"), []byte(`{"name": "app"}`), 0o644))

	evs := filepath.Join(dir, "build.jsonl")
	require.NoError(t, os.WriteFile(evs, []byte(eventLog), 0o644))

	data, err := yaml.Marshal(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fixJSON}})
	require.NoError(t, err)
	script := filepath.Join(dir, "script.yaml")
	require.NoError(t, os.WriteFile(script, data, 0o644))

	return replayFixture{project: project, events: evs, script: script}
}

func (f replayFixture) options(write bool) replayOptions {
	return replayOptions{
		Project: f.project,
		Events:  f.events,
		Script:  f.script,
		Write:   write,
		Timeout: 10 * time.Second,
	}
}

func TestRunReplay_DryRun(t *testing.T) {
	f := newReplayFixture(t)
	var out bytes.Buffer

	summary, err := runReplay(context.Background(), config.DefaultConfig(), f.options(false), newTimeline(&out), discardLogger())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Events)
	assert.Equal(t, 1, summary.Repairs)
	assert.Equal(t, 0, summary.Failures)
	assert.Equal(t, []string{"/src/App.tsx"}, summary.Fixed)
	assert.False(t, summary.Written)

	disk, err := os.ReadFile(filepath.Join(f.project, "src", "App.tsx"))
	require.NoError(t, err)
	assert.Equal(t, brokenApp, string(disk))

	text := out.String()
	assert.Contains(t, text, "analyzing")
	assert.Contains(t, text, "complete")
	assert.Contains(t, text, "fixed /src/App.tsx")
	assert.Contains(t, text, "suppressed:")
	assert.Contains(t, text, "sandbox reload paused")
	assert.NotContains(t, text, "\x1b[", "non-terminal output is unstyled")
}

func TestRunReplay_Write(t *testing.T) {
	f := newReplayFixture(t)

	summary, err := runReplay(context.Background(), config.DefaultConfig(), f.options(true), newTimeline(io.Discard), discardLogger())
	require.NoError(t, err)
	assert.True(t, summary.Written)

	disk, err := os.ReadFile(filepath.Join(f.project, "src", "App.tsx"))
	require.NoError(t, err)
	assert.Equal(t, fixedApp, string(disk))
}

func TestRunReplay_HeldRepairAccepted(t *testing.T) {
	f := newReplayFixture(t)
	cfg := config.DefaultConfig()
	cfg.Repair.AutoApply = false

	opts := f.options(true)
	summary, err := runReplay(context.Background(), cfg, opts, newTimeline(io.Discard), discardLogger())
	require.NoError(t, err)
	assert.Empty(t, summary.Fixed)
	assert.Len(t, summary.Pending, 1)
	assert.False(t, summary.Written)

	opts.Accept = true
	summary, err = runReplay(context.Background(), cfg, opts, newTimeline(io.Discard), discardLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"/src/App.tsx"}, summary.Fixed)
	assert.Empty(t, summary.Pending)

	disk, err := os.ReadFile(filepath.Join(f.project, "src", "App.tsx"))
	require.NoError(t, err)
	assert.Equal(t, fixedApp, string(disk))
}

func TestRunReplay_OracleFailureCounted(t *testing.T) {
	f := newReplayFixture(t)
	data, err := yaml.Marshal(oracle.Script{Fail: map[oracle.Purpose]string{oracle.PurposeAnalyze: "model offline"}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.script, data, 0o644))

	summary, err := runReplay(context.Background(), config.DefaultConfig(), f.options(true), newTimeline(io.Discard), discardLogger())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, summary.Repairs, 1)
	assert.Equal(t, summary.Repairs, summary.Failures)
	assert.Empty(t, summary.Fixed)
}

func TestRunReplay_MissingInputs(t *testing.T) {
	f := newReplayFixture(t)

	opts := f.options(false)
	opts.Events = filepath.Join(t.TempDir(), "missing.jsonl")
	_, err := runReplay(context.Background(), config.DefaultConfig(), opts, newTimeline(io.Discard), discardLogger())
	assert.Error(t, err)

	opts = f.options(false)
	opts.Script = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = runReplay(context.Background(), config.DefaultConfig(), opts, newTimeline(io.Discard), discardLogger())
	assert.Error(t, err)
}

func TestParseEventLog(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "array", input: `[{"kind": "console"}, {"kind": "done"}]`, want: 2},
		{name: "lines with comments", input: eventLog, want: 3},
		{name: "empty", input: "  \n", wantErr: true},
		{name: "bad line", input: "{\"kind\": \"console\"}\n{oops}\n", wantErr: true},
		{name: "unknown kind", input: `[{"kind": "telemetry"}]`, wantErr: true},
		{name: "missing kind", input: `{"message": "x"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evs, err := parseEventLog(strings.NewReader(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, evs, tt.want)
		})
	}
}

func TestTimeline_Plain(t *testing.T) {
	var out bytes.Buffer
	tl := newTimeline(&out)

	tl.outcome(1, observer.Event{Kind: observer.EventDiagnostic, Message: "Unexpected token"},
		monitor.Outcome{Admitted: true, Signal: "fault"})
	tl.event(&events.Event{Data: repair.Progress{Stage: repair.StageScanningCodebase, Percent: 40, Message: "Scanning"}})
	tl.event(&events.Event{Data: repair.Progress{Stage: repair.StageFailed, Percent: 40, Error: "boom"}})
	tl.event(&events.Event{Data: events.SandboxControlData{AutoReload: true, DebounceMillis: 300}})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "fault Unexpected token")
	assert.Contains(t, lines[1], "[ 40%] scanning_codebase Scanning")
	assert.Contains(t, lines[2], "failed boom")
	assert.Contains(t, lines[3], "sandbox reload resumed, debounce 300ms")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
