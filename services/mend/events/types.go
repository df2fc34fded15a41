// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events fans repair notifications out to in-process subscribers.
//
// A project monitor owns one Emitter. Progress records, merged-file
// notifications and sandbox control changes are published through it; the
// SSE and WebSocket handlers and the OnReasoningUpdate / OnFilesFixed
// callbacks are all subscriptions.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"time"

	"github.com/AleutianAI/mend/services/mend/fileset"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeProgress carries a repair.Progress record.
	TypeProgress Type = "progress"

	// TypeFilesFixed is emitted after a repair result was merged.
	TypeFilesFixed Type = "files_fixed"

	// TypeRepairPending is emitted when a Complete result is held for
	// manual acceptance.
	TypeRepairPending Type = "repair_pending"

	// TypeRepairDiscarded is emitted when a held result is dropped without
	// being merged, either by DiscardRepair or because a newer result
	// replaced it.
	TypeRepairDiscarded Type = "repair_discarded"

	// TypeSandboxControl is emitted when the sandbox should change its
	// reload behavior.
	TypeSandboxControl Type = "sandbox_control"

	// TypeFaultSuppressed is emitted when a fault did not start a session.
	TypeFaultSuppressed Type = "fault_suppressed"
)

// Event is one published notification.
//
// The concrete type of Data is fixed per Type: repair.Progress for
// TypeProgress, FilesFixedData, PendingData, DiscardedData,
// SandboxControlData and SuppressedData for the others.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	ProjectID string    `json:"project_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// FilesFixedData describes a merged repair.
type FilesFixedData struct {
	RepairID    string              `json:"repair_id"`
	Fingerprint string              `json:"fingerprint"`
	Files       []string            `json:"files"`
	Explanation string              `json:"explanation,omitempty"`
	Merge       fileset.MergeResult `json:"merge"`
}

// PendingData describes a repair awaiting AcceptRepair or DiscardRepair.
type PendingData struct {
	RepairID string           `json:"repair_id"`
	Files    []string         `json:"files"`
	Stat     fileset.DiffStat `json:"stat"`
}

// DiscardedData describes a held result that was dropped.
type DiscardedData struct {
	RepairID    string `json:"repair_id"`
	Fingerprint string `json:"fingerprint"`
	Reason      string `json:"reason"`
	// SupersededBy is set when a newer held result replaced this one.
	SupersededBy string `json:"superseded_by,omitempty"`
}

// SandboxControlData is the reload policy the sandbox should apply.
type SandboxControlData struct {
	AutoReload        bool          `json:"auto_reload"`
	RecompileDebounce time.Duration `json:"-"`
	DebounceMillis    int64         `json:"recompile_debounce_ms"`
}

// SuppressedData explains why a fault was not repaired.
type SuppressedData struct {
	Kind        string `json:"kind"`
	Fingerprint string `json:"fingerprint"`
	Reason      string `json:"reason"`
}
