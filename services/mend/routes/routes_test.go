// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/mend/services/mend/fileset"
	"github.com/AleutianAI/mend/services/mend/handlers"
	"github.com/AleutianAI/mend/services/mend/journal"
	"github.com/AleutianAI/mend/services/mend/monitor"
	"github.com/AleutianAI/mend/services/mend/oracle"
	"github.com/AleutianAI/mend/services/mend/repair"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const analysisJSON = `{"errorType": "SyntaxError", "location": "/src/App.tsx:12",
"whyChain": ["a JSX tag is not closed"], "rootCause": "unclosed div in App", "strategy": "quick-patch"}`

const brokenApp = "export default function App() {\n  return <div>ok;\n}\n"

const fixedApp = "export default function App() {\n  return <div>ok</div>;\n}\n"

var fixJSON = fmt.Sprintf(`{"explanation": "Close the div.", "files": {"/src/App.tsx": %q}}`, fixedApp)

const compileErrorJSON = `{"kind": "diagnostic", "message": "Unexpected token in /src/App.tsx line 12", "file": "/src/App.tsx", "line": 12}`

func projectFiles() []fileset.File {
	return []fileset.File{
		{Path: "/src/App.tsx", Content: brokenApp},
		{Path: "/src/main.tsx", Content: "import App from './App';\n"},
		{Path: "/package.json", Content: `{"name": "demo"}`},
	}
}

func scripted() oracle.Oracle {
	return oracle.NewScripted(oracle.Script{Analyze: []string{analysisJSON}, Implement: []string{fixJSON}})
}

// gatedOracle answers analysis and blocks implementation until its
// context ends.
type gatedOracle struct {
	started chan struct{}
	once    sync.Once
}

func (g *gatedOracle) Name() string { return "gated" }

func (g *gatedOracle) Stream(ctx context.Context, req oracle.Request, onChunk oracle.ChunkFunc) error {
	if req.Purpose == oracle.PurposeAnalyze {
		return onChunk(analysisJSON)
	}
	g.once.Do(func() { close(g.started) })
	<-ctx.Done()
	return ctx.Err()
}

type server struct {
	router   *gin.Engine
	registry *monitor.Registry
	journal  *journal.Journal
}

type serverOpts struct {
	oracle    oracle.Oracle
	autoApply bool
	limit     handlers.IngestLimit
}

func newServer(t *testing.T, opts serverOpts) *server {
	t.Helper()
	if opts.oracle == nil {
		opts.oracle = scripted()
	}
	j, err := journal.OpenInMemory(nil)
	require.NoError(t, err)

	cfg := monitor.Config{Repair: repair.DefaultConfig()}
	cfg.Repair.AutoApply = opts.autoApply
	reg, err := monitor.NewRegistry(cfg, monitor.Deps{Oracle: opts.oracle, Journal: j})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = reg.CloseAll(context.Background())
		_ = j.Close()
	})

	h := handlers.NewHandlers(reg,
		handlers.WithJournal(j),
		handlers.WithIngestLimit(opts.limit),
		handlers.WithKeepAlive(50*time.Millisecond),
	)
	router := gin.New()
	SetupRoutes(router, h)
	return &server{router: router, registry: reg, journal: j}
}

func (s *server) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) create(t *testing.T, id string) {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/sessions", handlers.CreateSessionRequest{ID: id, Files: projectFiles()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func (s *server) waitIdle(t *testing.T, id string) {
	t.Helper()
	m, err := s.registry.Get(id)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.WaitIdle(ctx))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealthAndMetrics(t *testing.T) {
	s := newServer(t, serverOpts{})

	w := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode[handlers.HealthResponse](t, w).Status)

	w = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestSessions_Lifecycle(t *testing.T) {
	s := newServer(t, serverOpts{})
	s.create(t, "demo")

	w := s.do(t, http.MethodGet, "/v1/sessions/demo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[monitor.Status](t, w)
	assert.Equal(t, "demo", st.ProjectID)
	assert.True(t, st.Monitoring)
	assert.Equal(t, 3, st.Files)

	w = s.do(t, http.MethodPost, "/v1/sessions", handlers.CreateSessionRequest{ID: "demo"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodGet, "/v1/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[handlers.SessionListResponse](t, w).Sessions, 1)

	w = s.do(t, http.MethodDelete, "/v1/sessions/demo/monitoring", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[monitor.Status](t, w).Monitoring)

	w = s.do(t, http.MethodPost, "/v1/sessions/demo/monitoring", handlers.StartMonitoringRequest{
		Files: []fileset.File{{Path: "/src/App.tsx", Content: brokenApp}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	st = decode[monitor.Status](t, w)
	assert.True(t, st.Monitoring)
	assert.Equal(t, 1, st.Files)

	w = s.do(t, http.MethodDelete, "/v1/sessions/demo", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodGet, "/v1/sessions/demo", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decode[handlers.ErrorResponse](t, w)
	assert.NotEmpty(t, body.Error)
	assert.Equal(t, "SESSION_NOT_FOUND", body.Code)
}

func TestCreateSession_Validation(t *testing.T) {
	s := newServer(t, serverOpts{})

	w := s.do(t, http.MethodPost, "/v1/sessions", handlers.CreateSessionRequest{
		Files: []fileset.File{{Path: "", Content: "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions", `{"files": "nope"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, decode[monitor.Status](t, w).ProjectID)
}

func TestIngest_RepairsAndJournals(t *testing.T) {
	s := newServer(t, serverOpts{autoApply: true})
	s.create(t, "p")

	w := s.do(t, http.MethodPost, "/v1/sessions/p/events", compileErrorJSON)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[handlers.IngestResponse](t, w)
	require.Len(t, resp.Outcomes, 1)
	assert.True(t, resp.Outcomes[0].Admitted)
	assert.Equal(t, "fault", resp.Outcomes[0].Signal)
	assert.NotEmpty(t, resp.Outcomes[0].SessionID)

	s.waitIdle(t, "p")

	m, err := s.registry.Get("p")
	require.NoError(t, err)
	content, _ := m.Store().Get("/src/App.tsx")
	assert.Equal(t, fixedApp, content)

	w = s.do(t, http.MethodGet, "/v1/sessions/p/repairs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	repairs := decode[handlers.RepairListResponse](t, w).Repairs
	require.Len(t, repairs, 1)
	assert.Equal(t, "complete", repairs[0].Outcome)
	assert.True(t, repairs[0].Applied)
	assert.Equal(t, resp.Outcomes[0].SessionID, repairs[0].RepairID)

	w = s.do(t, http.MethodGet, "/v1/sessions/p/repairs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestIngest_BatchSuppressesDuplicates(t *testing.T) {
	s := newServer(t, serverOpts{oracle: &gatedOracle{started: make(chan struct{})}})
	s.create(t, "p")

	w := s.do(t, http.MethodPost, "/v1/sessions/p/events", "["+compileErrorJSON+","+compileErrorJSON+`,{"kind":"console","level":"log","message":"hi"}]`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decode[handlers.IngestResponse](t, w).Outcomes
	require.Len(t, out, 3)
	assert.True(t, out[0].Admitted)
	assert.False(t, out[1].Admitted)
	assert.Equal(t, "repair-in-progress", string(out[1].Reason))
	assert.Equal(t, "none", out[2].Signal)

	w = s.do(t, http.MethodPost, "/v1/sessions/p/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stop := decode[handlers.StopResponse](t, w)
	assert.True(t, stop.Stopped)
	assert.Equal(t, out[0].SessionID, stop.SessionID)
	s.waitIdle(t, "p")

	m, err := s.registry.Get("p")
	require.NoError(t, err)
	content, _ := m.Store().Get("/src/App.tsx")
	assert.Equal(t, brokenApp, content, "aborted repair leaves files untouched")

	w = s.do(t, http.MethodPost, "/v1/sessions/p/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NO_ACTIVE_REPAIR", decode[handlers.ErrorResponse](t, w).Code)
}

func TestIngest_BadRequests(t *testing.T) {
	s := newServer(t, serverOpts{})
	s.create(t, "p")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"malformed json", "{", http.StatusBadRequest},
		{"missing kind", `{"message": "x"}`, http.StatusBadRequest},
		{"unknown kind", `{"kind": "telemetry"}`, http.StatusBadRequest},
		{"negative line", `{"kind": "diagnostic", "line": -1}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/sessions/p/events", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := s.do(t, http.MethodPost, "/v1/sessions/missing/events", compileErrorJSON)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngest_RateLimited(t *testing.T) {
	s := newServer(t, serverOpts{limit: handlers.IngestLimit{EventsPerSecond: 0.001, Burst: 2}})
	s.create(t, "p")

	console := `{"kind":"console","level":"log","message":"hi"}`
	w := s.do(t, http.MethodPost, "/v1/sessions/p/events", "["+console+","+console+"]")
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions/p/events", console)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestPending_AcceptAndDiscard(t *testing.T) {
	s := newServer(t, serverOpts{autoApply: false})
	s.create(t, "p")

	w := s.do(t, http.MethodGet, "/v1/sessions/p/repairs/pending", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/sessions/p/events", compileErrorJSON).Code)
	s.waitIdle(t, "p")

	w = s.do(t, http.MethodGet, "/v1/sessions/p/repairs/pending", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	pending := decode[monitor.PendingRepair](t, w)
	assert.Equal(t, []string{"/src/App.tsx"}, pending.Files)
	assert.Contains(t, pending.Preview.Unified, "+  return <div>ok</div>;")
	assert.Equal(t, 1, pending.Preview.Stat.Files)

	w = s.do(t, http.MethodPost, "/v1/sessions/p/repairs/other/accept", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions/p/repairs/"+pending.RepairID+"/accept", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	accepted := decode[handlers.AcceptResponse](t, w)
	assert.Equal(t, []string{"/src/App.tsx"}, accepted.Merge.Updated)

	m, err := s.registry.Get("p")
	require.NoError(t, err)
	content, _ := m.Store().Get("/src/App.tsx")
	assert.Equal(t, fixedApp, content)

	w = s.do(t, http.MethodGet, "/v1/sessions/p/repairs/pending", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPending_Discard(t *testing.T) {
	s := newServer(t, serverOpts{autoApply: false})
	s.create(t, "p")

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/v1/sessions/p/events", compileErrorJSON).Code)
	s.waitIdle(t, "p")

	pending := decode[monitor.PendingRepair](t, s.do(t, http.MethodGet, "/v1/sessions/p/repairs/pending", nil))
	w := s.do(t, http.MethodPost, "/v1/sessions/p/repairs/"+pending.RepairID+"/discard", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodPost, "/v1/sessions/p/repairs/"+pending.RepairID+"/discard", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The discarded fault's fingerprint was evicted, so it is admitted again.
	w = s.do(t, http.MethodPost, "/v1/sessions/p/events", compileErrorJSON)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[handlers.IngestResponse](t, w).Outcomes[0].Admitted)
	s.waitIdle(t, "p")
}

// sseEvent is one parsed Server-Sent Event.
type sseEvent struct {
	Type string
	Data string
}

func readSSE(t *testing.T, body *bufio.Reader) []sseEvent {
	t.Helper()
	var (
		out []sseEvent
		cur sseEvent
	)
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return out
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && cur.Type != "":
			out = append(out, cur)
			cur = sseEvent{}
		}
	}
}

func TestProgress_StreamsUntilFilesFixed(t *testing.T) {
	s := newServer(t, serverOpts{autoApply: true})
	s.create(t, "p")
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/sessions/p/progress?once=true", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	post, err := http.Post(srv.URL+"/v1/sessions/p/events", "application/json", strings.NewReader(compileErrorJSON))
	require.NoError(t, err)
	post.Body.Close()
	require.Equal(t, http.StatusOK, post.StatusCode)

	evs := readSSE(t, bufio.NewReader(resp.Body))
	require.NotEmpty(t, evs)

	var stages []string
	for _, ev := range evs {
		if ev.Type != "progress" {
			continue
		}
		var wrapper struct {
			Data repair.Progress `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &wrapper))
		stage := wrapper.Data.Stage.String()
		if len(stages) == 0 || stages[len(stages)-1] != stage {
			stages = append(stages, stage)
		}
	}
	assert.Equal(t, []string{
		"analyzing", "root_cause_identified", "scanning_codebase",
		"implementing_fix", "verifying", "complete",
	}, stages)
	assert.Equal(t, "files_fixed", evs[len(evs)-1].Type)
}

func TestSandbox_WebSocket(t *testing.T) {
	s := newServer(t, serverOpts{autoApply: true})
	s.create(t, "p")
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/p/sandbox"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"message": "no kind"}`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(compileErrorJSON)))

	type frame struct {
		Type           string           `json:"type"`
		AutoReload     *bool            `json:"auto_reload"`
		DebounceMillis *int64           `json:"recompile_debounce_ms"`
		Outcome        *monitor.Outcome `json:"outcome"`
		Error          string           `json:"error"`
	}
	var (
		sawError, sawAdmitted, sawPause, sawResume bool
	)
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	for !(sawError && sawAdmitted && sawPause && sawResume) {
		var f frame
		require.NoError(t, ws.ReadJSON(&f))
		switch f.Type {
		case "error":
			sawError = true
		case "outcome":
			require.NotNil(t, f.Outcome)
			sawAdmitted = f.Outcome.Admitted
		case "sandbox_control":
			require.NotNil(t, f.AutoReload)
			require.NotNil(t, f.DebounceMillis)
			if !*f.AutoReload {
				sawPause = true
				assert.Equal(t, int64(2000), *f.DebounceMillis)
			} else {
				sawResume = true
				assert.Equal(t, int64(300), *f.DebounceMillis)
			}
		}
	}
}
