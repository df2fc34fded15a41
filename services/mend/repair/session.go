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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/mend/services/mend/cancel"
	"github.com/AleutianAI/mend/services/mend/codectx"
	"github.com/AleutianAI/mend/services/mend/fault"
	"github.com/AleutianAI/mend/services/mend/fileset"
	"github.com/AleutianAI/mend/services/mend/oracle"
	"github.com/AleutianAI/mend/services/mend/verify"
)

// errAbortRequested is returned by advance when the abort token is set.
var errAbortRequested = errors.New("abort requested")

// Result is the outcome handed to the file-set owner on Complete.
type Result struct {
	Success       bool                      `json:"success"`
	Patch         fileset.Patch             `json:"patch,omitempty"`
	Explanation   string                    `json:"explanation,omitempty"`
	RootCause     *oracle.RootCauseAnalysis `json:"root_cause,omitempty"`
	Context       *codectx.CodebaseContext  `json:"context,omitempty"`
	Verification  verify.Report             `json:"verification"`
	ModifiedFiles []string                  `json:"modified_files"`
	ParsedWith    string                    `json:"parsed_with,omitempty"`
}

// Progress is one record of a session's progress sequence.
type Progress struct {
	SessionID   string    `json:"session_id"`
	Fingerprint string    `json:"fingerprint"`
	Stage       Stage     `json:"stage"`
	Percent     int       `json:"percent"`
	Message     string    `json:"message"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Result      *Result   `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	RawPreview  string    `json:"raw_preview,omitempty"`
	AbortReason string    `json:"abort_reason,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Terminal reports whether this is the last record of its session.
func (p Progress) Terminal() bool { return p.Stage.IsTerminal() }

// Session is one bounded attempt to repair one fault.
//
// A session is created by the monitor at admission time with the file-set
// snapshot it will work from, driven once by Orchestrator.Run, and never
// reused.
//
// Thread Safety: Safe for concurrent use.
type Session struct {
	ID          string
	Fingerprint fault.Fingerprint
	Fault       fault.Fault

	// StartedAt is the admission time on the caller's clock, which may be
	// injected. Elapsed time is measured on the wall clock.
	StartedAt time.Time

	// Snapshot is the file set at admission. Structure is the caller's
	// rendering of the project tree, passed through to prompts.
	Snapshot  fileset.Snapshot
	Structure []string

	token *cancel.Token
	began time.Time

	mu      sync.Mutex
	stage   Stage
	percent int
	ended   time.Time
	result  *Result
	ran     bool
}

// NewSession creates a session in StageIdle.
//
// Inputs:
//   - id: Session ID. Must equal token.ID() when token is non-nil.
//   - f: The admitted fault.
//   - snap: The file set at admission.
//   - token: Abort channel. Must not be nil.
//   - now: Admission time.
func NewSession(id string, f fault.Fault, snap fileset.Snapshot, token *cancel.Token, now time.Time) (*Session, error) {
	if token == nil {
		return nil, fmt.Errorf("%w: session %s has no cancel token", ErrInvalidConfig, id)
	}
	return &Session{
		ID:          id,
		Fingerprint: f.Fingerprint(),
		Fault:       f,
		StartedAt:   now,
		Snapshot:    snap,
		token:       token,
		began:       time.Now(),
	}, nil
}

// Context returns the session context, cancelled on abort.
func (s *Session) Context() context.Context { return s.token.Context() }

// Stage returns the current stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Percent returns the last reported progress value.
func (s *Session) Percent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.percent
}

// Result returns the result of a completed session, or nil.
func (s *Session) Result() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// EndedAt returns when the session reached a terminal stage, on the same
// clock as StartedAt. It is zero while the session runs.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.IsZero() {
		return time.Time{}
	}
	return s.StartedAt.Add(s.ended.Sub(s.began))
}

// Elapsed returns the wall time from creation to the terminal stage, or
// to now while the session runs.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended.IsZero() {
		return time.Since(s.began)
	}
	return s.ended.Sub(s.began)
}

// Abort requests cancellation.
//
// Outputs:
//   - bool: False if the session is already terminal or was already aborted.
func (s *Session) Abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage.IsTerminal() {
		return false
	}
	return s.token.Cancel(cancel.CancelReason{
		Type:      cancel.CancelUser,
		Message:   "repair stopped",
		Component: "repair",
	})
}

// AbortRequested reports whether the session should stop: Abort was
// called, or the parent context ended.
func (s *Session) AbortRequested() bool {
	return s.token.Cancelled() || s.token.Context().Err() != nil
}

// advance moves to a non-terminal stage, refusing if abort is pending.
// The abort check and the transition happen under one lock so that a
// concurrent Abort either wins or observes the new stage.
func (s *Session) advance(to Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token.Cancelled() || s.token.Context().Err() != nil {
		return errAbortRequested
	}
	if !CanTransition(s.stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.stage, to)
	}
	s.stage = to
	if p := to.Percent(); p >= 0 {
		s.percent = p
	}
	return nil
}

// complete moves to StageComplete and stores the result, unless abort is
// pending.
func (s *Session) complete(r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token.Cancelled() || s.token.Context().Err() != nil {
		return errAbortRequested
	}
	if !CanTransition(s.stage, StageComplete) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.stage, StageComplete)
	}
	s.stage = StageComplete
	s.percent = 100
	s.result = r
	s.ended = time.Now()
	return nil
}

// terminate moves to Failed or Aborted. It is a no-op if the session is
// already terminal.
func (s *Session) terminate(to Stage) (stage Stage, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage.IsTerminal() {
		return s.stage, s.percent
	}
	s.stage = to
	if to == StageAborted {
		s.percent = 0
	}
	s.ended = time.Now()
	return s.stage, s.percent
}

// claim marks the session as run; a session runs at most once.
func (s *Session) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ran {
		return false
	}
	s.ran = true
	return true
}
