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
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultScriptChunkRunes is the chunk size a Script streams with when
// ChunkRunes is unset.
const DefaultScriptChunkRunes = 32

// Script is a canned conversation for the scripted oracle.
//
// The n-th analyze request receives Analyze[n]; once the list is exhausted
// its last entry repeats. Implement works the same way.
type Script struct {
	Analyze    []string      `yaml:"analyze"`
	Implement  []string      `yaml:"implement"`
	ChunkRunes int           `yaml:"chunk_runes"`
	ChunkDelay time.Duration `yaml:"chunk_delay"`

	// Fail makes every request for the named purpose return this error text.
	Fail map[Purpose]string `yaml:"fail,omitempty"`
}

// LoadScript reads a YAML script fixture.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("reading oracle script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("parsing oracle script %s: %w", path, err)
	}
	return s, nil
}

// Scripted replays a Script. It is used by tests and by `mend replay`.
//
// Thread Safety: Safe for concurrent use.
type Scripted struct {
	mu       sync.Mutex
	script   Script
	calls    map[Purpose]int
	requests []Request
}

// NewScripted creates a scripted oracle.
func NewScripted(script Script) *Scripted {
	if script.ChunkRunes <= 0 {
		script.ChunkRunes = DefaultScriptChunkRunes
	}
	return &Scripted{script: script, calls: make(map[Purpose]int)}
}

// Name returns "scripted".
func (s *Scripted) Name() string { return "scripted" }

// Stream emits the next scripted response for req.Purpose in fixed-size
// chunks, pausing ChunkDelay between chunks.
func (s *Scripted) Stream(ctx context.Context, req Request, onChunk ChunkFunc) error {
	s.mu.Lock()
	n := s.calls[req.Purpose]
	s.calls[req.Purpose] = n + 1
	s.requests = append(s.requests, req)
	failText, fail := s.script.Fail[req.Purpose]
	var responses []string
	switch req.Purpose {
	case PurposeAnalyze:
		responses = s.script.Analyze
	case PurposeImplement:
		responses = s.script.Implement
	}
	chunkRunes, delay := s.script.ChunkRunes, s.script.ChunkDelay
	s.mu.Unlock()

	if fail {
		return fmt.Errorf("%w: %s", ErrOracleUnavailable, failText)
	}
	if len(responses) == 0 {
		return fmt.Errorf("%w: no scripted %s response", ErrOracleUnavailable, req.Purpose)
	}
	if n >= len(responses) {
		n = len(responses) - 1
	}

	runes := []rune(responses[n])
	for i := 0; i < len(runes); i += chunkRunes {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(i+chunkRunes, len(runes))
		if err := onChunk(string(runes[i:end])); err != nil {
			return err
		}
		if delay > 0 && end < len(runes) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil
}

// Calls returns how many requests of purpose have been served.
func (s *Scripted) Calls(purpose Purpose) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[purpose]
}

// Requests returns a copy of every request received, in order.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
