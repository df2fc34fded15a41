// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"github.com/AleutianAI/mend/services/mend/fileset"
	"github.com/AleutianAI/mend/services/mend/journal"
	"github.com/AleutianAI/mend/services/mend/monitor"
)

// ServiceVersion is reported by the health endpoint.
var ServiceVersion = "dev"

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	// ID names the session. Empty generates one.
	ID string `json:"id" validate:"omitempty,max=128,excludesall=/ "`

	// Files is the initial project file set.
	Files []fileset.File `json:"files" validate:"dive"`

	// Structure is the project tree. Empty derives it from Files.
	Structure []string `json:"structure,omitempty"`
}

// StartMonitoringRequest is the body of POST /v1/sessions/:id/monitoring.
type StartMonitoringRequest struct {
	// Files replaces the project file set. Nil keeps the current one.
	Files []fileset.File `json:"files,omitempty" validate:"dive"`

	Structure []string `json:"structure,omitempty"`
}

// SessionListResponse is returned by GET /v1/sessions.
type SessionListResponse struct {
	Sessions []monitor.Status `json:"sessions"`
}

// IngestResponse is returned by POST /v1/sessions/:id/events.
type IngestResponse struct {
	Outcomes []monitor.Outcome `json:"outcomes"`
}

// StopResponse is returned by POST /v1/sessions/:id/stop.
type StopResponse struct {
	Stopped   bool   `json:"stopped"`
	SessionID string `json:"session_id,omitempty"`
}

// RepairListResponse is returned by GET /v1/sessions/:id/repairs.
type RepairListResponse struct {
	Repairs []journal.Entry `json:"repairs"`
}

// AcceptResponse is returned by POST /v1/sessions/:id/repairs/:repairId/accept.
type AcceptResponse struct {
	RepairID string              `json:"repair_id"`
	Merge    fileset.MergeResult `json:"merge"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}

// ErrorResponse is the standard error body.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable code.
	Code string `json:"code,omitempty"`
}

// sandboxFrame is one outbound WebSocket frame on the sandbox channel.
type sandboxFrame struct {
	Type           string           `json:"type"`
	AutoReload     *bool            `json:"auto_reload,omitempty"`
	DebounceMillis *int64           `json:"recompile_debounce_ms,omitempty"`
	Outcome        *monitor.Outcome `json:"outcome,omitempty"`
	Error          string           `json:"error,omitempty"`
}
