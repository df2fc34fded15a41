// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultBufferSize is the number of recent events kept for late subscribers.
const DefaultBufferSize = 256

// Handler processes events. Handlers run synchronously on the publishing
// goroutine and must not block.
type Handler func(event *Event)

// Filter determines if an event should be handled.
type Filter func(event *Event) bool

// Subscription represents a subscription to events.
type Subscription struct {
	ID      string
	Handler Handler
	Filter  Filter
	Types   []Type

	seq uint64
}

// Emitter broadcasts events to subscribers.
//
// Subscribers are invoked in subscription order. A panicking handler is
// logged and skipped; the remaining handlers still run.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	nextSeq       uint64
	buffer        []Event
	bufferSize    int
	projectID     string
	logger        *slog.Logger
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets the replay buffer size. Zero disables buffering.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		e.bufferSize = size
	}
}

// WithProjectID stamps every event with the project session ID.
func WithProjectID(id string) EmitterOption {
	return func(e *Emitter) {
		e.projectID = id
	}
}

// WithLogger sets the logger used for handler panics.
func WithLogger(logger *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEmitter creates a new event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    DefaultBufferSize,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bufferSize < 0 {
		e.bufferSize = 0
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	e.logger = e.logger.With(slog.String("component", "events"))
	return e
}

// Subscribe registers a handler for events.
//
// Inputs:
//
//	handler - Function to call for each event.
//	types - Event types to subscribe to (none = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (e *Emitter) Subscribe(handler Handler, types ...Type) string {
	return e.SubscribeWithFilter(handler, nil, types...)
}

// SubscribeWithFilter registers a handler with a custom filter.
//
// Inputs:
//
//	handler - Function to call for matching events.
//	filter - Custom filter function (nil = no filter).
//	types - Event types to subscribe to (none = all types).
//
// Outputs:
//
//	string - Subscription ID for unsubscribing.
func (e *Emitter) SubscribeWithFilter(handler Handler, filter Filter, types ...Type) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextSeq++
	sub := &Subscription{
		ID:      uuid.NewString(),
		Handler: handler,
		Filter:  filter,
		Types:   types,
		seq:     e.nextSeq,
	}
	e.subscriptions[sub.ID] = sub
	return sub.ID
}

// Unsubscribe removes a subscription.
//
// Outputs:
//
//	bool - True if the subscription was found and removed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.subscriptions[id]; ok {
		delete(e.subscriptions, id)
		return true
	}
	return false
}

// Emit broadcasts an event to all matching subscribers.
//
// Description:
//
//	Creates an event with the given type and data, appends it to the
//	replay buffer, then invokes every matching subscriber. Handler panics
//	are recovered so that one failing handler cannot stop delivery to
//	the others.
//
// Inputs:
//
//	eventType - The type of event.
//	data - Event data (see Event for the type per event kind).
//
// Outputs:
//
//	Event - The published event.
//
// Thread Safety: This method is safe for concurrent use.
func (e *Emitter) Emit(eventType Type, data any) Event {
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ProjectID: e.projectID,
		Timestamp: time.Now(),
		Data:      data,
	}

	e.mu.Lock()
	if e.bufferSize > 0 {
		if len(e.buffer) >= e.bufferSize {
			e.buffer = e.buffer[1:]
		}
		e.buffer = append(e.buffer, event)
	}
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		subs = append(subs, sub)
	}
	e.mu.Unlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	for _, sub := range subs {
		if shouldHandle(sub, &event) {
			e.safeInvokeHandler(sub.Handler, &event)
		}
	}
	return event
}

// safeInvokeHandler invokes a handler with panic recovery.
func (e *Emitter) safeInvokeHandler(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event handler panicked",
				slog.String("event_type", string(event.Type)),
				slog.String("event_id", event.ID),
				slog.Any("panic", r),
			)
		}
	}()
	handler(event)
}

func shouldHandle(sub *Subscription, event *Event) bool {
	if len(sub.Types) > 0 {
		match := false
		for _, t := range sub.Types {
			if t == event.Type {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}
	return true
}

// Buffer returns a copy of buffered events, oldest first.
func (e *Emitter) Buffer() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Event, len(e.buffer))
	copy(out, e.buffer)
	return out
}

// BufferSince returns buffered events newer than since.
func (e *Emitter) BufferSince(since time.Time) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Event
	for _, event := range e.buffer {
		if event.Timestamp.After(since) {
			out = append(out, event)
		}
	}
	return out
}

// BufferByType returns buffered events of one type.
func (e *Emitter) BufferByType(eventType Type) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Event
	for _, event := range e.buffer {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

// Reset clears subscriptions and the buffer.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscriptions = make(map[string]*Subscription)
	e.buffer = make([]Event, 0, e.bufferSize)
}
