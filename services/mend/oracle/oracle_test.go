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
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestAccumulate_JoinsChunksInOrder(t *testing.T) {
	o := NewScripted(Script{Analyze: []string{"hello, oracle world"}, ChunkRunes: 4})

	var seen []string
	tr, err := Accumulate(context.Background(), o, Request{Purpose: PurposeAnalyze}, 0, func(c string) error {
		seen = append(seen, c)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "hello, oracle world", tr.Text)
	assert.Equal(t, 5, tr.Chunks)
	assert.Equal(t, "hell", seen[0])
}

func TestAccumulate_Empty(t *testing.T) {
	o := Func(func(ctx context.Context, req Request, onChunk ChunkFunc) error {
		return onChunk("   ")
	})
	_, err := Accumulate(context.Background(), o, Request{}, 0, nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestAccumulate_TooLarge(t *testing.T) {
	o := NewScripted(Script{Implement: []string{strings.Repeat("x", 100)}, ChunkRunes: 10})
	_, err := Accumulate(context.Background(), o, Request{Purpose: PurposeImplement}, 50, nil)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestAccumulate_CancelReportsContextError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	o := Func(func(ctx context.Context, req Request, onChunk ChunkFunc) error {
		_ = onChunk("partial")
		close(started)
		<-ctx.Done()
		return errors.New("connection reset")
	})

	go func() {
		<-started
		cancel()
	}()
	tr, err := Accumulate(ctx, o, Request{}, 0, nil)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "partial", tr.Text)
}

func TestAccumulate_TransportError(t *testing.T) {
	o := NewScripted(Script{Fail: map[Purpose]string{PurposeAnalyze: "boom"}})
	_, err := Accumulate(context.Background(), o, Request{Purpose: PurposeAnalyze}, 0, nil)
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Contains(t, err.Error(), "boom")
}

func TestRawPreview(t *testing.T) {
	assert.Equal(t, "abc", RawPreview("abc", 5))
	assert.Equal(t, "ab…", RawPreview("abc", 2))
	assert.Equal(t, "日本…", RawPreview("日本語", 2))
	assert.Equal(t, "abc", RawPreview("abc", 0))
}

func TestPaced_WaitsForLimiter(t *testing.T) {
	o := Paced(NewScripted(Script{Analyze: []string{"ok"}}), rate.NewLimiter(rate.Every(time.Hour), 1))

	_, err := Accumulate(context.Background(), o, Request{Purpose: PurposeAnalyze}, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = Accumulate(ctx, o, Request{Purpose: PurposeAnalyze}, 0, nil)
	assert.Error(t, err)
}

func TestPaced_NilLimiter(t *testing.T) {
	inner := NewScripted(Script{})
	assert.Same(t, inner, Paced(inner, nil))
}

func TestScripted_RepeatsLastResponse(t *testing.T) {
	o := NewScripted(Script{Implement: []string{"one", "two"}})
	ctx := context.Background()

	for _, want := range []string{"one", "two", "two"} {
		tr, err := Accumulate(ctx, o, Request{Purpose: PurposeImplement}, 0, nil)
		require.NoError(t, err)
		assert.Equal(t, want, tr.Text)
	}
	assert.Equal(t, 3, o.Calls(PurposeImplement))
	assert.Equal(t, 0, o.Calls(PurposeAnalyze))
	assert.Len(t, o.Requests(), 3)
}

func TestScripted_NoResponse(t *testing.T) {
	o := NewScripted(Script{})
	_, err := Accumulate(context.Background(), o, Request{Purpose: PurposeAnalyze}, 0, nil)
	assert.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestScripted_DelayHonorsCancel(t *testing.T) {
	o := NewScripted(Script{Analyze: []string{strings.Repeat("a", 100)}, ChunkRunes: 1, ChunkDelay: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Accumulate(ctx, o, Request{Purpose: PurposeAnalyze}, 0, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
analyze:
  - '{"rootCause": "missing import"}'
implement:
  - |
    <file path="/src/App.tsx">
    export default 1;
    </file>
chunk_runes: 8
chunk_delay: 1ms
`), 0o644))

	s, err := LoadScript(path)
	require.NoError(t, err)
	assert.Len(t, s.Analyze, 1)
	assert.Equal(t, 8, s.ChunkRunes)
	assert.Equal(t, time.Millisecond, s.ChunkDelay)
	assert.Contains(t, s.Implement[0], "export default 1;")

	_, err = LoadScript(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOllama_StreamsNDJSON(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Hel"},"done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"lo"},"done":false}` + "\n"))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":""},"done":true}` + "\n"))
	}))
	defer server.Close()

	o, err := NewOllama(OllamaConfig{BaseURL: server.URL + "/", Model: "llama3"}, nil)
	require.NoError(t, err)

	tr, err := Accumulate(context.Background(), o, Request{Purpose: PurposeAnalyze, System: "s", Prompt: "p"}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "Hello", tr.Text)
	assert.Equal(t, "/api/chat", gotPath)
}

func TestOllama_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	o, err := NewOllama(OllamaConfig{BaseURL: server.URL, Model: "missing"}, nil)
	require.NoError(t, err)

	err = o.Stream(context.Background(), Request{}, func(string) error { return nil })
	assert.ErrorIs(t, err, ErrOracleUnavailable)
	assert.Contains(t, err.Error(), "404")
}

func TestOllama_StreamErrorLine(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"out of memory"}` + "\n"))
	}))
	defer server.Close()

	o, err := NewOllama(OllamaConfig{BaseURL: server.URL, Model: "m"}, nil)
	require.NoError(t, err)

	err = o.Stream(context.Background(), Request{}, func(string) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of memory")
}

func TestNewOllama_RequiresModel(t *testing.T) {
	_, err := NewOllama(OllamaConfig{}, nil)
	assert.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestLoadAPIKey(t *testing.T) {
	t.Setenv("MEND_TEST_KEY", "  sk-env  ")
	key, err := LoadAPIKey("MEND_TEST_KEY", "/nonexistent")
	require.NoError(t, err)
	assert.Equal(t, "sk-env", key)

	secret := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(secret, []byte("sk-file\n"), 0o600))
	key, err = LoadAPIKey("MEND_TEST_UNSET_KEY", secret)
	require.NoError(t, err)
	assert.Equal(t, "sk-file", key)

	_, err = LoadAPIKey("MEND_TEST_UNSET_KEY", filepath.Join(t.TempDir(), "none"))
	assert.ErrorIs(t, err, ErrOracleUnavailable)
}

func TestNew_Backends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.yaml")
	require.NoError(t, os.WriteFile(path, []byte("analyze: [x]\n"), 0o644))

	o, err := New(Config{Backend: BackendScripted, ScriptPath: path}, nil)
	require.NoError(t, err)
	assert.Equal(t, "scripted", o.Name())

	o, err = New(Config{Backend: BackendScripted, ScriptPath: path, RequestsPerMinute: 60}, nil)
	require.NoError(t, err)
	assert.IsType(t, &paced{}, o)

	o, err = New(Config{Backend: BackendOllama, Model: "m"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ollama", o.Name())

	_, err = New(Config{Backend: "bard"}, nil)
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Equal(t, BackendOllama, c.Backend)
	assert.Equal(t, DefaultAPIKeyEnv, c.APIKeyEnv)
	assert.InDelta(t, 0.2, c.Temperature, 0.0001)
	assert.Equal(t, 8192, c.MaxTokens)
}
