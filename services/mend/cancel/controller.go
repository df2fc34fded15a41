// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cancel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// -----------------------------------------------------------------------------
// Token
// -----------------------------------------------------------------------------

// Token is the abort channel of one session.
//
// Thread Safety: Safe for concurrent use.
type Token struct {
	id     string
	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelCauseFunc

	reason   *CancelReason
	reasonMu sync.RWMutex

	stopParent func() bool
	finishOnce sync.Once
	controller *Controller
}

// ID returns the session ID.
func (t *Token) ID() string { return t.id }

// Context returns the session context. It is cancelled by Cancel, by the
// parent context, and by Finish.
func (t *Token) Context() context.Context { return t.ctx }

// Done is closed when the session context ends.
func (t *Token) Done() <-chan struct{} { return t.ctx.Done() }

// State returns the current state.
func (t *Token) State() State { return State(t.state.Load()) }

// Cancel signals cancellation with reason.
//
// Outputs:
//   - bool: True if this call performed the cancellation; false if the
//     token was already cancelled or finished.
func (t *Token) Cancel(reason CancelReason) bool {
	if !t.state.CompareAndSwap(int32(StateRunning), int32(StateCancelling)) {
		return false
	}
	reason.stamp()
	t.reasonMu.Lock()
	t.reason = &reason
	t.reasonMu.Unlock()
	t.cancel(reason.cause())
	return true
}

// Cancelled reports whether Cancel succeeded on this token.
func (t *Token) Cancelled() bool {
	s := t.State()
	return s == StateCancelling || s == StateCancelled
}

// Reason returns the cancellation reason, if any. A token whose parent
// context ended reports CancelParent, even before the parent watcher has
// recorded it.
func (t *Token) Reason() (CancelReason, bool) {
	t.reasonMu.RLock()
	r := t.reason
	t.reasonMu.RUnlock()
	if r != nil {
		return *r, true
	}
	if t.ctx.Err() != nil && t.State() != StateDone {
		return parentReason(), true
	}
	return CancelReason{}, false
}

func parentReason() CancelReason {
	return CancelReason{Type: CancelParent, Message: "parent context ended", Component: "cancel_controller"}
}

// Finish marks the session terminal, releases its context, and removes
// it from the controller. Safe to call more than once.
func (t *Token) Finish() {
	t.finishOnce.Do(func() {
		if !t.state.CompareAndSwap(int32(StateRunning), int32(StateDone)) {
			t.state.CompareAndSwap(int32(StateCancelling), int32(StateCancelled))
		}
		t.cancel(context.Canceled)
		if t.stopParent != nil {
			t.stopParent()
		}
		if t.controller != nil {
			t.controller.unregister(t)
		}
	})
}

// -----------------------------------------------------------------------------
// Controller
// -----------------------------------------------------------------------------

// Controller indexes live tokens by session ID.
//
// Thread Safety: Safe for concurrent use.
type Controller struct {
	mu     sync.RWMutex
	tokens map[string]*Token
	closed bool
	logger *slog.Logger
}

// NewController creates a Controller.
func NewController(logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		tokens: make(map[string]*Token),
		logger: logger.With(slog.String("component", "cancel_controller")),
	}
}

// NewSession registers a token for id.
//
// Inputs:
//   - parent: Parent context. Must not be nil.
//   - id: Session ID. Must not collide with a live token.
//
// Outputs:
//   - *Token: The registered token.
//   - error: ErrNilContext, ErrControllerClosed, or ErrDuplicateSession.
func (c *Controller) NewSession(parent context.Context, id string) (*Token, error) {
	if parent == nil {
		return nil, ErrNilContext
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrControllerClosed
	}
	if _, exists := c.tokens[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	ctx, cancel := context.WithCancelCause(parent)
	t := &Token{id: id, ctx: ctx, cancel: cancel, controller: c}
	t.stopParent = context.AfterFunc(parent, func() {
		if t.Cancel(parentReason()) {
			c.logger.Info("session cancelled by parent context", slog.String("session_id", id))
		}
	})
	c.tokens[id] = t
	return t, nil
}

// CancelAll cancels every live token and returns how many were cancelled.
func (c *Controller) CancelAll(reason CancelReason) int {
	c.mu.RLock()
	tokens := make([]*Token, 0, len(c.tokens))
	for _, t := range c.tokens {
		tokens = append(tokens, t)
	}
	c.mu.RUnlock()

	n := 0
	for _, t := range tokens {
		if t.Cancel(reason) {
			n++
		}
	}
	if n > 0 {
		c.logger.Warn("cancelled all sessions",
			slog.Int("count", n),
			slog.String("type", reason.Type.String()),
		)
	}
	return n
}

// Close cancels every live token with CancelShutdown and rejects new
// sessions.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.CancelAll(CancelReason{Type: CancelShutdown, Message: "controller closed", Component: "cancel_controller"})
}

func (c *Controller) unregister(t *Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens[t.id] == t {
		delete(c.tokens, t.id)
	}
}
