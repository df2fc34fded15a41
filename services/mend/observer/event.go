// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observer

import (
	"time"

	"github.com/AleutianAI/mend/services/mend/fault"
)

// EventKind discriminates the raw events pushed by the build sandbox.
type EventKind string

const (
	// EventDiagnostic is a compiler or bundler diagnostic.
	EventDiagnostic EventKind = "diagnostic"

	// EventNotification is an asynchronous build-tool notification.
	EventNotification EventKind = "notification"

	// EventConsole is console output captured from the preview.
	EventConsole EventKind = "console"

	// EventRuntime is an uncaught exception from the preview.
	EventRuntime EventKind = "runtime"

	// EventDone is the terminal "build finished" event.
	EventDone EventKind = "done"
)

// Event is one raw record from the sandbox event stream.
//
// Only Kind is required. Diagnostics usually carry File/Line/Column;
// console output carries Level; done events carry Failed.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Kind      EventKind `json:"kind" validate:"required,oneof=diagnostic notification console runtime done"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message,omitempty"`
	File      string    `json:"file,omitempty"`
	Line      int       `json:"line,omitempty" validate:"gte=0"`
	Column    int       `json:"column,omitempty" validate:"gte=0"`
	Failed    *bool     `json:"failed,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// SignalType is the result category of observing one event.
type SignalType int

const (
	// SignalNone means the event carries nothing actionable.
	SignalNone SignalType = iota

	// SignalFault means the event was normalized into a Fault.
	SignalFault

	// SignalSuccess means a build finished without failure.
	SignalSuccess
)

// String returns the signal name.
func (s SignalType) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalFault:
		return "fault"
	case SignalSuccess:
		return "build_succeeded"
	default:
		return "unknown"
	}
}

// Signal is what the Observer emits for one event. Fault is set only when
// Type is SignalFault.
type Signal struct {
	Type  SignalType
	Fault *fault.Fault
}
