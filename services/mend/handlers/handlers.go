// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes project monitors over HTTP.
//
// Build events arrive by POST or over the sandbox WebSocket. Progress
// leaves as Server-Sent Events. Error bodies are ErrorResponse values.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/mend/services/mend/fileset"
	"github.com/AleutianAI/mend/services/mend/journal"
	"github.com/AleutianAI/mend/services/mend/monitor"
	"github.com/AleutianAI/mend/services/mend/observer"
)

var (
	// errBadRequest marks malformed request bodies and parameters.
	errBadRequest = errors.New("bad request")

	// errRateLimited is returned when a session exceeds its ingest rate.
	errRateLimited = errors.New("event rate limit exceeded")

	// errJournalDisabled is returned by history endpoints without a journal.
	errJournalDisabled = errors.New("repair journal is disabled")
)

// maxEventBatch bounds one POST of build events.
const maxEventBatch = 500

// maxBodyBytes bounds request bodies. File sets can be large.
const maxBodyBytes = 64 << 20

// JournalReader lists repair history.
type JournalReader interface {
	List(ctx context.Context, projectID string, limit int) ([]journal.Entry, error)
}

// IngestLimit bounds inbound events per session. Zero EventsPerSecond
// disables limiting.
type IngestLimit struct {
	EventsPerSecond float64
	Burst           int
}

// Handlers serves the mend HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	registry  *monitor.Registry
	journal   JournalReader
	limit     IngestLimit
	validate  *validator.Validate
	upgrader  websocket.Upgrader
	keepAlive time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures Handlers.
type Option func(*Handlers)

// WithJournal enables the repair history endpoints.
func WithJournal(j JournalReader) Option {
	return func(h *Handlers) { h.journal = j }
}

// WithIngestLimit sets the per-session event rate.
func WithIngestLimit(limit IngestLimit) Option {
	return func(h *Handlers) { h.limit = limit }
}

// WithKeepAlive sets the SSE keep-alive interval.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handlers) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandlers creates the handler set for registry.
func NewHandlers(registry *monitor.Registry, opts ...Option) *Handlers {
	h := &Handlers{
		registry:  registry,
		validate:  validator.New(),
		keepAlive: 15 * time.Second,
		logger:    slog.Default(),
		limiters:  make(map[string]*rate.Limiter),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "handlers"))
	return h
}

// =============================================================================
// Errors
// =============================================================================

// statusFor maps an error to its HTTP status and code.
func statusFor(err error) (int, string) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, monitor.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.Is(err, monitor.ErrNoPendingRepair):
		return http.StatusNotFound, "NO_PENDING_REPAIR"
	case errors.Is(err, journal.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, monitor.ErrNoActiveRepair):
		return http.StatusConflict, "NO_ACTIVE_REPAIR"
	case errors.Is(err, monitor.ErrSessionActive):
		return http.StatusConflict, "REPAIR_IN_PROGRESS"
	case errors.Is(err, monitor.ErrDuplicateSession):
		return http.StatusConflict, "DUPLICATE_SESSION"
	case errors.Is(err, fileset.ErrConflict):
		return http.StatusConflict, "MERGE_CONFLICT"
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED"
	case errors.As(err, &verrs), errors.Is(err, errBadRequest), errors.Is(err, fileset.ErrEmptyPath):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, monitor.ErrClosed), errors.Is(err, errJournalDisabled):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func (h *Handlers) bind(c *gin.Context, v any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return h.validate.Struct(v)
}

func (h *Handlers) monitorFor(c *gin.Context) (*monitor.Monitor, bool) {
	m, err := h.registry.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return m, true
}

// =============================================================================
// Sessions
// =============================================================================

// HandleHealth handles GET /health.
//
// Response:
//
//	200 OK: HealthResponse
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "healthy",
		Version:  ServiceVersion,
		Sessions: h.registry.Len(),
	})
}

// HandleCreateSession handles POST /v1/sessions.
//
// Description:
//
//	Creates a project monitor with the given file set and starts
//	monitoring it.
//
// Request Body:
//
//	CreateSessionRequest
//
// Response:
//
//	201 Created: monitor.Status
//	400 Bad Request: Validation error
//	409 Conflict: The ID is taken
func (h *Handlers) HandleCreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	m, err := h.registry.Create(req.ID, req.Files, req.Structure)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("session created", slog.String("session_id", m.ID()), slog.Int("files", m.Store().Len()))
	c.JSON(http.StatusCreated, m.Status())
}

// HandleListSessions handles GET /v1/sessions.
func (h *Handlers) HandleListSessions(c *gin.Context) {
	resp := SessionListResponse{Sessions: []monitor.Status{}}
	for _, id := range h.registry.IDs() {
		if m, err := h.registry.Get(id); err == nil {
			resp.Sessions = append(resp.Sessions, m.Status())
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetSession handles GET /v1/sessions/:id.
//
// Response:
//
//	200 OK: monitor.Status
//	404 Not Found: Unknown session
func (h *Handlers) HandleGetSession(c *gin.Context) {
	m, ok := h.monitorFor(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m.Status())
}

// HandleDeleteSession handles DELETE /v1/sessions/:id.
//
// Description:
//
//	Aborts any running repair and removes the session.
//
// Response:
//
//	204 No Content
//	404 Not Found: Unknown session
func (h *Handlers) HandleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.registry.Close(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.mu.Lock()
	delete(h.limiters, id)
	h.mu.Unlock()
	c.Status(http.StatusNoContent)
}

// HandleStartMonitoring handles POST /v1/sessions/:id/monitoring.
//
// Request Body:
//
//	StartMonitoringRequest (optional)
//
// Response:
//
//	200 OK: monitor.Status
//	409 Conflict: A repair is running
func (h *Handlers) HandleStartMonitoring(c *gin.Context) {
	m, ok := h.monitorFor(c)
	if !ok {
		return
	}
	var req StartMonitoringRequest
	if err := h.bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	if err := m.StartMonitoring(req.Files, req.Structure); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m.Status())
}

// HandleStopMonitoring handles DELETE /v1/sessions/:id/monitoring.
func (h *Handlers) HandleStopMonitoring(c *gin.Context) {
	m, ok := h.monitorFor(c)
	if !ok {
		return
	}
	m.StopMonitoring()
	c.JSON(http.StatusOK, m.Status())
}

// =============================================================================
// Events
// =============================================================================

// decodeEvents accepts a single event object or an array of events.
func decodeEvents(body []byte) ([]observer.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", errBadRequest)
	}
	if body[0] == '[' {
		var evs []observer.Event
		if err := json.Unmarshal(body, &evs); err != nil {
			return nil, fmt.Errorf("%w: %w", errBadRequest, err)
		}
		return evs, nil
	}
	var ev observer.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", errBadRequest, err)
	}
	return []observer.Event{ev}, nil
}

func (h *Handlers) limiter(id string) *rate.Limiter {
	if h.limit.EventsPerSecond <= 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[id]
	if !ok {
		burst := max(h.limit.Burst, 1)
		l = rate.NewLimiter(rate.Limit(h.limit.EventsPerSecond), burst)
		h.limiters[id] = l
	}
	return l
}

// ingest validates, rate-limits and feeds events to m.
func (h *Handlers) ingest(ctx context.Context, m *monitor.Monitor, evs []observer.Event) ([]monitor.Outcome, error) {
	if len(evs) > maxEventBatch {
		return nil, fmt.Errorf("%w: at most %d events per request", errBadRequest, maxEventBatch)
	}
	for i := range evs {
		if err := h.validate.Struct(&evs[i]); err != nil {
			return nil, err
		}
	}
	if l := h.limiter(m.ID()); l != nil && !l.AllowN(time.Now(), len(evs)) {
		return nil, errRateLimited
	}
	return m.HandleEvents(ctx, evs), nil
}

// HandleIngestEvents handles POST /v1/sessions/:id/events.
//
// Description:
//
//	Feeds one build event, or a JSON array of them, to the session's
//	observer. Each event yields an Outcome describing whether it started
//	a repair.
//
// Request Body:
//
//	observer.Event or []observer.Event
//
// Response:
//
//	200 OK: IngestResponse
//	400 Bad Request: Malformed or invalid events
//	404 Not Found: Unknown session
//	429 Too Many Requests: Ingest rate exceeded
func (h *Handlers) HandleIngestEvents(c *gin.Context) {
	m, ok := h.monitorFor(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		h.fail(c, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	evs, err := decodeEvents(body)
	if err != nil {
		h.fail(c, err)
		return
	}
	outcomes, err := h.ingest(c.Request.Context(), m, evs)
	if err != nil {
		if errors.Is(err, errRateLimited) {
			c.Header("Retry-After", "1")
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, IngestResponse{Outcomes: outcomes})
}

// HandleStopRepair handles POST /v1/sessions/:id/stop.
//
// Response:
//
//	200 OK: StopResponse
//	409 Conflict: No repair is running
func (h *Handlers) HandleStopRepair(c *gin.Context) {
	m, ok := h.monitorFor(c)
	if !ok {
		return
	}
	var sessionID string
	if st := m.Status(); st.Active != nil {
		sessionID = st.Active.SessionID
	}
	if err := m.StopRepair(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, StopResponse{Stopped: true, SessionID: sessionID})
}

// =============================================================================
// Repairs
// =============================================================================

// HandleListRepairs handles GET /v1/sessions/:id/repairs.
//
// Query Parameters:
//
//	limit: Maximum entries, newest first (default 100)
//
// Response:
//
//	200 OK: RepairListResponse
//	503 Service Unavailable: Journal disabled
func (h *Handlers) HandleListRepairs(c *gin.Context) {
	m, ok := h.monitorFor(c)
	if !ok {
		return
	}
	if h.journal == nil {
		h.fail(c, errJournalDisabled)
		return
	}
	limit := journal.DefaultListLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.fail(c, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}
	entries, err := h.journal.List(c.Request.Context(), m.ID(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, RepairListResponse{Repairs: entries})
}

// HandlePendingRepair handles GET /v1/sessions/:id/repairs/pending.
//
// Response:
//
//	200 OK: monitor.PendingRepair, including the unified diff preview
//	404 Not Found: Nothing is pending
func (h *Handlers) HandlePendingRepair(c *gin.Context) {
	m, ok := h.monitorFor(c)
	if !ok {
		return
	}
	p, ok := m.Pending()
	if !ok {
		h.fail(c, monitor.ErrNoPendingRepair)
		return
	}
	c.JSON(http.StatusOK, p)
}

// HandleAcceptRepair handles POST /v1/sessions/:id/repairs/:repairId/accept.
//
// Response:
//
//	200 OK: AcceptResponse
//	404 Not Found: No such pending repair
//	409 Conflict: Every file conflicted with user edits, or a repair is running
func (h *Handlers) HandleAcceptRepair(c *gin.Context) {
	m, ok := h.monitorFor(c)
	if !ok {
		return
	}
	repairID := c.Param("repairId")
	res, err := m.AcceptRepair(c.Request.Context(), repairID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, AcceptResponse{RepairID: repairID, Merge: res})
}

// HandleDiscardRepair handles POST /v1/sessions/:id/repairs/:repairId/discard.
//
// Response:
//
//	204 No Content
//	404 Not Found: No such pending repair
func (h *Handlers) HandleDiscardRepair(c *gin.Context) {
	m, ok := h.monitorFor(c)
	if !ok {
		return
	}
	if err := m.DiscardRepair(c.Param("repairId")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
