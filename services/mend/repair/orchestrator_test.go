// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repair

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/mend/services/mend/cancel"
	"github.com/AleutianAI/mend/services/mend/fault"
	"github.com/AleutianAI/mend/services/mend/fileset"
	"github.com/AleutianAI/mend/services/mend/oracle"
)

const analysisJSON = `{"errorType": "ReferenceError", "location": "/src/App.tsx:3",
"whyChain": ["useState is not defined", "the react import is missing"],
"rootCause": "App.tsx uses useState without importing it", "strategy": "quick-patch"}`

const fixJSON = `Here is the fix.
{"explanation": "Import useState from react.", "files": {"/src/App.tsx": "import { useState } from 'react';\nexport default function App() {\n  const [n] = useState(0);\n  return n;\n}\n"}}`

func testFault() fault.Fault {
	return fault.Fault{
		Kind:       fault.KindRuntime,
		RawMessage: "ReferenceError: useState is not defined",
		File:       "/src/App.tsx",
		Line:       3,
	}
}

func testSnapshot() fileset.Snapshot {
	return fileset.NewSnapshot([]fileset.File{
		{Path: "/src/App.tsx", Content: "export default function App() {\n  const [n] = useState(0);\n  return n;\n}\n"},
		{Path: "/src/main.tsx", Content: "import App from './App';\n"},
	})
}

func newSession(t *testing.T, parent context.Context) *Session {
	t.Helper()
	tok, err := cancel.NewController(nil).NewSession(parent, "sess-1")
	require.NoError(t, err)
	s, err := NewSession("sess-1", testFault(), testSnapshot(), tok, time.Now())
	require.NoError(t, err)
	return s
}

func newOrchestrator(t *testing.T, o oracle.Oracle, cfg Config) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(o, nil, cfg, nil)
	require.NoError(t, err)
	return orch
}

func drain(t *testing.T, ch <-chan Progress) []Progress {
	t.Helper()
	var out []Progress
	timeout := time.After(5 * time.Second)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, p)
		case <-timeout:
			t.Fatalf("progress channel not closed; got %d records", len(out))
			return out
		}
	}
}

func stagesOf(ps []Progress) []Stage {
	out := make([]Stage, len(ps))
	for i, p := range ps {
		out[i] = p.Stage
	}
	return out
}

func TestRun_CompleteRepair(t *testing.T) {
	o := oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fixJSON}})
	s := newSession(t, context.Background())

	records := drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), s))

	require.Len(t, records, 6)
	assert.Equal(t, []Stage{
		StageAnalyzing, StageRootCauseIdentified, StageScanningCodebase,
		StageImplementingFix, StageVerifying, StageComplete,
	}, stagesOf(records))
	var percents []int
	for _, p := range records {
		percents = append(percents, p.Percent)
		assert.Equal(t, "sess-1", p.SessionID)
	}
	assert.Equal(t, []int{10, 30, 40, 60, 80, 100}, percents)
	assert.Contains(t, records[1].Reasoning, "useState without importing it")

	final := records[5]
	require.NotNil(t, final.Result)
	assert.True(t, final.Result.Success)
	assert.Equal(t, []string{"/src/App.tsx"}, final.Result.ModifiedFiles)
	assert.Equal(t, "Import useState from react.", final.Result.Explanation)
	assert.Equal(t, oracle.StrategyQuickPatch, final.Result.RootCause.Strategy)
	assert.Equal(t, []string{"/src/main.tsx"}, final.Result.Context.RelatedFiles)
	assert.True(t, final.Result.Verification.Passed)
	assert.Equal(t, "json", final.Result.ParsedWith)

	assert.Equal(t, StageComplete, s.Stage())
	assert.Same(t, final.Result, s.Result())
	assert.False(t, s.Abort())
}

func TestRun_PromptsCarryFaultAndAnalysis(t *testing.T) {
	o := oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fixJSON}})
	s := newSession(t, context.Background())
	s.Structure = []string{"/src/App.tsx", "/src/main.tsx"}

	drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), s))

	reqs := o.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, oracle.PurposeAnalyze, reqs[0].Purpose)
	assert.Contains(t, reqs[0].Prompt, "useState is not defined")
	assert.Contains(t, reqs[0].Prompt, "## Project structure")
	assert.Equal(t, oracle.PurposeImplement, reqs[1].Purpose)
	assert.Contains(t, reqs[1].Prompt, "Root cause: App.tsx uses useState without importing it")
	assert.Contains(t, reqs[1].Prompt, "Files importing the affected files")
}

func TestRun_VerificationWarningsDoNotBlock(t *testing.T) {
	fix := `{"explanation": "stub", "files": {"/src/App.tsx": "export default function App() {}\n// TODO finish\n"}}`
	o := oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fix}})

	records := drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), newSession(t, context.Background())))

	final := records[len(records)-1]
	assert.Equal(t, StageComplete, final.Stage)
	assert.False(t, final.Result.Verification.Passed)
	assert.False(t, final.Result.Verification.Checks.NoEmptyFunctions)
	assert.False(t, final.Result.Verification.Checks.NoPlaceholders)
}

func TestRun_MalformedFixResponseFails(t *testing.T) {
	garbage := strings.Repeat("I am not sure what to change here. ", 40)
	o := oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{garbage}})
	s := newSession(t, context.Background())

	records := drain(t, newOrchestrator(t, o, Config{RawPreviewRunes: 50}).Run(context.Background(), s))

	assert.Equal(t, []Stage{
		StageAnalyzing, StageRootCauseIdentified, StageScanningCodebase, StageImplementingFix, StageFailed,
	}, stagesOf(records))
	final := records[len(records)-1]
	assert.Equal(t, 60, final.Percent)
	assert.Contains(t, final.Error, "not parseable")
	assert.Equal(t, oracle.RawPreview(garbage, 50), final.RawPreview)
	assert.Nil(t, final.Result)
	assert.Equal(t, StageFailed, s.Stage())
}

func TestRun_FixPathsFollowSnapshotSpelling(t *testing.T) {
	fix := `{"explanation": "Import useState.", "files": {"src/App.tsx": "import { useState } from 'react';\n"}}`
	o := oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fix}})

	records := drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), newSession(t, context.Background())))

	final := records[len(records)-1]
	require.Equal(t, StageComplete, final.Stage)
	assert.Equal(t, []string{"/src/App.tsx"}, final.Result.ModifiedFiles)
	_, ok := final.Result.Patch["/src/App.tsx"]
	assert.True(t, ok)
}

func TestRun_TruncatedEchoIsDropped(t *testing.T) {
	echoed := "import App from './App';\n/* " + oracle.TruncationNotice + " */"
	fix := fmt.Sprintf(`{"explanation": "Import useState.", "files": {"/src/App.tsx": %q, "/src/main.tsx": %q}}`,
		"import { useState } from 'react';\n", echoed)
	o := oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fix}})

	records := drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), newSession(t, context.Background())))

	final := records[len(records)-1]
	require.Equal(t, StageComplete, final.Stage)
	assert.Equal(t, []string{"/src/App.tsx"}, final.Result.ModifiedFiles)
	assert.True(t, final.Result.Verification.Passed)
}

func TestRun_OnlyTruncatedEchoFails(t *testing.T) {
	echoed := "export default function App() {\n/* " + oracle.TruncationNotice + " */"
	fix := fmt.Sprintf(`{"explanation": "Rewrite App.", "files": {"/src/App.tsx": %q}}`, echoed)
	o := oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fix}})
	s := newSession(t, context.Background())

	records := drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), s))

	final := records[len(records)-1]
	assert.Equal(t, StageFailed, final.Stage)
	assert.Equal(t, 60, final.Percent)
	assert.Contains(t, final.Error, ErrTruncatedFile.Error())
	assert.Contains(t, final.Error, "/src/App.tsx")
	assert.Nil(t, s.Result())
}

func TestSession_ElapsedUsesWallClock(t *testing.T) {
	tok, err := cancel.NewController(nil).NewSession(context.Background(), "sess-clock")
	require.NoError(t, err)
	admitted := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := NewSession("sess-clock", testFault(), testSnapshot(), tok, admitted)
	require.NoError(t, err)
	o := oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fixJSON}})

	drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), s))

	assert.Less(t, s.Elapsed(), time.Minute)
	assert.Equal(t, admitted.Add(s.Elapsed()), s.EndedAt())
	assert.Equal(t, s.Elapsed(), s.Elapsed(), "elapsed is fixed once terminal")
}

func TestRun_AnalysisTransportFailure(t *testing.T) {
	o := oracle.NewScripted(oracle.Script{Fail: map[oracle.Purpose]string{oracle.PurposeAnalyze: "connection refused"}})

	records := drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), newSession(t, context.Background())))

	assert.Equal(t, []Stage{StageAnalyzing, StageFailed}, stagesOf(records))
	assert.Equal(t, 10, records[1].Percent)
	assert.Contains(t, records[1].Error, "connection refused")
	assert.Equal(t, 0, o.Calls(oracle.PurposeImplement))
}

func TestRun_UnparsableAnalysisFails(t *testing.T) {
	o := oracle.NewScripted(oracle.Script{Analyze: []string{"It is probably a typo."}})

	records := drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), newSession(t, context.Background())))

	final := records[len(records)-1]
	assert.Equal(t, StageFailed, final.Stage)
	assert.Equal(t, "It is probably a typo.", final.RawPreview)
}

// blockingOracle answers the analysis call and blocks the implementation
// call until its context ends.
func blockingOracle(started chan<- struct{}) oracle.Oracle {
	return oracle.Func(func(ctx context.Context, req oracle.Request, onChunk oracle.ChunkFunc) error {
		if req.Purpose == oracle.PurposeAnalyze {
			return onChunk(analysisJSON)
		}
		_ = onChunk("{\"explanation\": ")
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
}

func TestRun_AbortDuringImplementing(t *testing.T) {
	started := make(chan struct{})
	s := newSession(t, context.Background())
	ch := newOrchestrator(t, blockingOracle(started), Config{}).Run(context.Background(), s)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("implementation call never started")
	}
	assert.Equal(t, StageImplementingFix, s.Stage())
	assert.True(t, s.Abort())
	assert.False(t, s.Abort())

	records := drain(t, ch)
	final := records[len(records)-1]
	assert.Equal(t, StageAborted, final.Stage)
	assert.Equal(t, 0, final.Percent)
	assert.Nil(t, final.Result)
	assert.Empty(t, final.Error)
	assert.Equal(t, StageAborted, s.Stage())
	assert.Nil(t, s.Result())
}

func TestRun_AbortBeforeStart(t *testing.T) {
	o := oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fixJSON}})
	s := newSession(t, context.Background())
	require.True(t, s.Abort())

	records := drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), s))

	assert.Equal(t, []Stage{StageAborted}, stagesOf(records))
	assert.Equal(t, 0, o.Calls(oracle.PurposeAnalyze))
}

func TestRun_ParentCancellationAborts(t *testing.T) {
	parent, cancelParent := context.WithCancel(context.Background())
	started := make(chan struct{})
	s := newSession(t, parent)
	ch := newOrchestrator(t, blockingOracle(started), Config{}).Run(context.Background(), s)

	<-started
	cancelParent()

	records := drain(t, ch)
	final := records[len(records)-1]
	assert.Equal(t, StageAborted, final.Stage)
	assert.Equal(t, "parent", final.AbortReason)
}

func TestRun_StageTimeoutFails(t *testing.T) {
	started := make(chan struct{})
	s := newSession(t, context.Background())
	ch := newOrchestrator(t, blockingOracle(started), Config{StageTimeout: 30 * time.Millisecond}).Run(context.Background(), s)

	records := drain(t, ch)
	final := records[len(records)-1]
	assert.Equal(t, StageFailed, final.Stage)
	assert.Equal(t, 60, final.Percent)
	assert.Contains(t, final.Error, "timed out")
}

func TestRun_PanicBecomesFailed(t *testing.T) {
	o := oracle.Func(func(ctx context.Context, req oracle.Request, onChunk oracle.ChunkFunc) error {
		panic("oracle exploded")
	})

	records := drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), newSession(t, context.Background())))

	final := records[len(records)-1]
	assert.Equal(t, StageFailed, final.Stage)
	assert.Contains(t, final.Error, "oracle exploded")
	assert.Contains(t, final.Error, ErrStagePanic.Error())
}

func TestRun_NotRestartable(t *testing.T) {
	o := oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fixJSON}})
	orch := newOrchestrator(t, o, Config{})
	s := newSession(t, context.Background())

	drain(t, orch.Run(context.Background(), s))
	again := drain(t, orch.Run(context.Background(), s))

	require.Len(t, again, 1)
	assert.Equal(t, StageFailed, again[0].Stage)
	assert.Equal(t, StageComplete, s.Stage())
	assert.Equal(t, 1, o.Calls(oracle.PurposeAnalyze))
}

func TestRun_ReleasesToken(t *testing.T) {
	ctrl := cancel.NewController(nil)
	tok, err := ctrl.NewSession(context.Background(), "sess-x")
	require.NoError(t, err)
	s, err := NewSession("sess-x", testFault(), testSnapshot(), tok, time.Now())
	require.NoError(t, err)
	o := oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fixJSON}})

	drain(t, newOrchestrator(t, o, Config{}).Run(context.Background(), s))

	assert.Equal(t, cancel.StateDone, tok.State())
	_, err = ctrl.NewSession(context.Background(), "sess-x")
	assert.NoError(t, err, "finished session releases its ID")
}

func TestNewSession_RequiresToken(t *testing.T) {
	_, err := NewSession("x", testFault(), testSnapshot(), nil, time.Now())
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	_, err := NewOrchestrator(nil, nil, Config{}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewOrchestrator(oracle.NewScripted(oracle.Script{}), nil, Config{StageTimeout: -time.Second}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	orch := newOrchestrator(t, oracle.NewScripted(oracle.Script{}), Config{})
	assert.Equal(t, 3*time.Minute, orch.Config().StageTimeout)
	assert.Equal(t, 500, orch.Config().RawPreviewRunes)
}

func TestProgress_JSONUsesStageNames(t *testing.T) {
	data, err := json.Marshal(Progress{SessionID: "s", Stage: StageImplementingFix, Percent: 60})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"stage":"implementing_fix"`)

	var back Progress
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, StageImplementingFix, back.Stage)
}
