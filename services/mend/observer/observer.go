// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observer reduces heterogeneous sandbox build/runtime events to a
// single Fault type, a build-succeeded signal, or nothing.
//
// The observer never touches files and never calls the oracle. Its only
// side effect is telling the admission gate that a build succeeded.
package observer

import (
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/mend/services/mend/fault"
)

// SuccessRecorder is notified when a build finishes without failure.
//
// The admission gate implements this to clear its dedup state.
type SuccessRecorder interface {
	RecordSuccess(now time.Time)
}

// Observer normalizes sandbox events.
//
// Thread Safety: Safe for concurrent use if the SuccessRecorder is.
type Observer struct {
	recorder SuccessRecorder
	logger   *slog.Logger
}

// New creates an Observer.
//
// Inputs:
//   - recorder: Receives build-succeeded notifications. May be nil.
//   - logger: If nil, uses slog.Default().
//
// Outputs:
//   - *Observer: Never nil.
func New(recorder SuccessRecorder, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observer{
		recorder: recorder,
		logger:   logger.With(slog.String("component", "observer")),
	}
}

// Observe reduces one event to a Signal.
//
// Description:
//
//	Diagnostics are faults unless they are warnings or carry no message.
//	Notifications are faults only at level "error". Console output is a
//	fault only when flagged error/warn AND the text contains an
//	error-indicating substring. Runtime events are always faults. A done
//	event with failed=false is a success and is forwarded to the recorder;
//	failed=true is a BuildFailure fault.
//
// Inputs:
//   - ev: The raw event.
//   - now: Observation time, used when the event has no timestamp and as
//     the success time handed to the recorder.
//
// Outputs:
//   - Signal: Never carries a nil Fault when Type is SignalFault.
func (o *Observer) Observe(ev Event, now time.Time) Signal {
	detectedAt := ev.Timestamp
	if detectedAt.IsZero() {
		detectedAt = now
	}
	msg := strings.TrimSpace(ev.Message)
	level := strings.ToLower(strings.TrimSpace(ev.Level))

	switch ev.Kind {
	case EventDone:
		if ev.Failed == nil {
			o.logger.Debug("done event without failed flag ignored", slog.String("event_id", ev.ID))
			return Signal{Type: SignalNone}
		}
		if !*ev.Failed {
			if o.recorder != nil {
				o.recorder.RecordSuccess(now)
			}
			return Signal{Type: SignalSuccess}
		}
		if msg == "" {
			msg = "build failed"
		}
		return o.fault(ev, msg, fault.KindBuildFailure, detectedAt)

	case EventDiagnostic:
		if msg == "" || isWarningLevel(level) {
			return Signal{Type: SignalNone}
		}
		return o.fault(ev, msg, fault.KindCompilation, detectedAt)

	case EventNotification:
		if level != "error" || msg == "" {
			return Signal{Type: SignalNone}
		}
		return o.fault(ev, msg, fault.KindCompilation, detectedAt)

	case EventConsole:
		if level != "error" && !isWarningLevel(level) {
			return Signal{Type: SignalNone}
		}
		if !HasErrorIndicator(msg) {
			return Signal{Type: SignalNone}
		}
		return o.fault(ev, msg, fault.KindRuntime, detectedAt)

	case EventRuntime:
		if msg == "" {
			msg = "uncaught runtime error"
		}
		return o.fault(ev, msg, fault.KindRuntime, detectedAt)

	default:
		o.logger.Debug("unknown event kind ignored", slog.String("kind", string(ev.Kind)))
		return Signal{Type: SignalNone}
	}
}

// fault builds the Fault, upgrading the kind to ModuleNotFound for
// unresolved-import messages and filling the location from the text when
// the event did not carry one.
func (o *Observer) fault(ev Event, msg string, kind fault.Kind, at time.Time) Signal {
	if IsModuleNotFound(msg) {
		kind = fault.KindModuleNotFound
	}

	f := &fault.Fault{
		Kind:       kind,
		RawMessage: msg,
		File:       strings.TrimPrefix(ev.File, "./"),
		Line:       ev.Line,
		Column:     ev.Column,
		DetectedAt: at,
		Source:     string(ev.Kind),
	}
	if f.File == "" {
		loc := ExtractLocation(msg)
		f.File = loc.File
		if f.Line == 0 {
			f.Line = loc.Line
			f.Column = loc.Column
		}
	}
	return Signal{Type: SignalFault, Fault: f}
}

func isWarningLevel(level string) bool {
	return level == "warn" || level == "warning"
}
