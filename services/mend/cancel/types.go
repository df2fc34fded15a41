// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cancel provides the abort channel shared by a repair session and
// every oracle call it makes.
//
// A Token wraps a context that is cancelled exactly once, with a typed
// reason. The Controller indexes live tokens by session ID so that a stop
// request, or process shutdown, can reach them.
package cancel

import (
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrControllerClosed is returned when operations are attempted on a closed controller.
	ErrControllerClosed = errors.New("cancellation controller is closed")

	// ErrDuplicateSession is returned when a live token already uses the ID.
	ErrDuplicateSession = errors.New("session already registered")

	// ErrNilContext is returned when a nil context is provided.
	ErrNilContext = errors.New("context must not be nil")

	// ErrCancelled is the context cause of every cancelled token.
	ErrCancelled = errors.New("session cancelled")
)

// -----------------------------------------------------------------------------
// Enums
// -----------------------------------------------------------------------------

// CancelType indicates why cancellation occurred.
type CancelType int

const (
	// CancelUser indicates an explicit stop request.
	CancelUser CancelType = iota

	// CancelParent indicates the parent context was cancelled.
	CancelParent

	// CancelShutdown indicates the process is shutting down.
	CancelShutdown
)

// String returns the string representation of the cancel type.
func (t CancelType) String() string {
	switch t {
	case CancelUser:
		return "user"
	case CancelParent:
		return "parent"
	case CancelShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// State represents the lifecycle of a token.
type State int

const (
	// StateRunning indicates the session is active.
	StateRunning State = iota

	// StateCancelling indicates cancellation was signalled and the session
	// has not yet finished unwinding.
	StateCancelling

	// StateCancelled indicates the cancelled session has finished.
	StateCancelled

	// StateDone indicates normal completion.
	StateDone
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	case StateCancelled:
		return "cancelled"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if this is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateCancelled || s == StateDone
}

// -----------------------------------------------------------------------------
// Result Types
// -----------------------------------------------------------------------------

// CancelReason describes why cancellation occurred.
type CancelReason struct {
	// Type indicates the category of cancellation.
	Type CancelType `json:"type"`

	// Message provides a human-readable description.
	Message string `json:"message,omitempty"`

	// Component identifies which component triggered the cancellation.
	Component string `json:"component,omitempty"`

	// Timestamp is when cancellation was requested (Unix milliseconds).
	Timestamp int64 `json:"timestamp"`
}

// cause renders the reason as the context cause.
func (r CancelReason) cause() error {
	if r.Message == "" {
		return fmt.Errorf("%w (%s)", ErrCancelled, r.Type)
	}
	return fmt.Errorf("%w (%s): %s", ErrCancelled, r.Type, r.Message)
}

func (r *CancelReason) stamp() {
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
}
