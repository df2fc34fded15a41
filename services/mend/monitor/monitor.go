// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor is the session controller of one project.
//
// A Monitor owns the project's file set, admission gate and repair
// orchestrator. Sandbox events enter through HandleEvent; progress and
// merged-file notifications leave through the project's event emitter.
// At most one repair session runs per Monitor. The Registry holds the
// monitors of every open project session.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/mend/services/mend/cancel"
	"github.com/AleutianAI/mend/services/mend/codectx"
	"github.com/AleutianAI/mend/services/mend/events"
	"github.com/AleutianAI/mend/services/mend/fault"
	"github.com/AleutianAI/mend/services/mend/fileset"
	"github.com/AleutianAI/mend/services/mend/gate"
	"github.com/AleutianAI/mend/services/mend/journal"
	"github.com/AleutianAI/mend/services/mend/observability"
	"github.com/AleutianAI/mend/services/mend/observer"
	"github.com/AleutianAI/mend/services/mend/oracle"
	"github.com/AleutianAI/mend/services/mend/repair"
	"github.com/AleutianAI/mend/services/mend/verify"
)

// reasonStartFailed marks an admitted fault whose session could not start.
const reasonStartFailed gate.Reason = "start-failed"

// Journal stores terminal session summaries.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) error
}

// Deps are the collaborators of a Monitor.
type Deps struct {
	// Oracle is required.
	Oracle oracle.Oracle

	// Analyzer is shared across projects. Nil creates a default one.
	Analyzer *codectx.Analyzer

	// Store is the project file set. Nil creates an empty one.
	Store *fileset.Store

	// Sandbox receives reload-policy changes. May be nil.
	Sandbox SandboxControl

	// Journal receives terminal summaries. May be nil.
	Journal Journal

	// Clock drives the gate. Nil uses the system clock.
	Clock gate.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Outcome reports what HandleEvent did with one event.
type Outcome struct {
	EventKind   observer.EventKind `json:"event_kind"`
	Signal      string             `json:"signal"`
	FaultKind   fault.Kind         `json:"fault_kind,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	Admitted    bool               `json:"admitted"`
	Reason      gate.Reason        `json:"reason,omitempty"`
	SessionID   string             `json:"session_id,omitempty"`
}

// ActiveRepair describes the running session.
type ActiveRepair struct {
	SessionID   string       `json:"session_id"`
	Fingerprint string       `json:"fingerprint"`
	FaultKind   fault.Kind   `json:"fault_kind"`
	Stage       repair.Stage `json:"stage"`
	Percent     int          `json:"percent"`
	StartedAt   time.Time    `json:"started_at"`
}

// PendingRepair describes a Complete result awaiting acceptance.
type PendingRepair struct {
	RepairID     string                    `json:"repair_id"`
	Fingerprint  string                    `json:"fingerprint"`
	Files        []string                  `json:"files"`
	Explanation  string                    `json:"explanation,omitempty"`
	RootCause    *oracle.RootCauseAnalysis `json:"root_cause,omitempty"`
	Verification verify.Report             `json:"verification"`
	Preview      fileset.Preview           `json:"preview"`
}

// Status is a point-in-time view of a Monitor.
type Status struct {
	ProjectID  string        `json:"project_id"`
	Monitoring bool          `json:"monitoring"`
	Files      int           `json:"files"`
	Generation uint64        `json:"generation"`
	Active     *ActiveRepair `json:"active,omitempty"`
	PendingID  string        `json:"pending_repair_id,omitempty"`
	Gate       gate.State    `json:"gate"`
}

type activeRepair struct {
	session *repair.Session
	done    chan struct{}
}

type pendingRepair struct {
	session *repair.Session
	result  *repair.Result
	entry   journal.Entry
}

// Monitor is the session controller of one project.
//
// # Thread Safety
//
// All methods are safe for concurrent use. For each incoming fault, the
// busy check, the gate decision and the session start happen under one
// lock, so two faults can never start two sessions. Event handlers are
// invoked without the lock held and may call back into the Monitor.
type Monitor struct {
	id       string
	config   Config
	observer *observer.Observer
	gate     *gate.Gate
	orch     *repair.Orchestrator
	cancels  *cancel.Controller
	store    *fileset.Store
	emitter  *events.Emitter
	sandbox  SandboxControl
	journal  Journal
	clock    gate.Clock
	logger   *slog.Logger

	baseCtx context.Context
	stopAll context.CancelFunc

	mu         sync.Mutex
	monitoring bool
	closed     bool
	structure  []string
	active     *activeRepair
	last       *activeRepair
	pending    *pendingRepair
	wg         sync.WaitGroup
}

// New creates a Monitor for project session id. Monitoring starts with
// StartMonitoring.
//
// Inputs:
//   - id: Project session ID. Must not be empty.
//   - config: Zero fields take defaults.
//   - deps: Oracle is required.
//
// Outputs:
//   - *Monitor: Call Close when done.
//   - error: ErrInvalidConfig or a component configuration error.
func New(id string, config Config, deps Deps) (*Monitor, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: project session id is required", ErrInvalidConfig)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	base := deps.Logger
	if base == nil {
		base = slog.Default()
	}
	base = base.With(slog.String("project_id", id))
	logger := base.With(slog.String("component", "monitor"))

	g, err := gate.New(config.Gate, base)
	if err != nil {
		return nil, err
	}
	orch, err := repair.NewOrchestrator(deps.Oracle, deps.Analyzer, config.Repair, base)
	if err != nil {
		return nil, err
	}
	store := deps.Store
	if store == nil {
		store = fileset.NewStore(nil)
	}
	clock := deps.Clock
	if clock == nil {
		clock = gate.SystemClock{}
	}

	baseCtx, stopAll := context.WithCancel(context.Background())
	return &Monitor{
		id:       id,
		config:   config,
		observer: observer.New(g, base),
		gate:     g,
		orch:     orch,
		cancels:  cancel.NewController(base),
		store:    store,
		emitter: events.NewEmitter(
			events.WithProjectID(id),
			events.WithBufferSize(config.EventBuffer),
			events.WithLogger(base),
		),
		sandbox: deps.Sandbox,
		journal: deps.Journal,
		clock:   clock,
		logger:  logger,
		baseCtx: baseCtx,
		stopAll: stopAll,
	}, nil
}

// ID returns the project session ID.
func (m *Monitor) ID() string { return m.id }

// Store returns the project file set.
func (m *Monitor) Store() *fileset.Store { return m.store }

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.config }

// =============================================================================
// Control surface
// =============================================================================

// StartMonitoring begins accepting sandbox events.
//
// Description:
//
//	Replaces the file set with files (nil keeps the current contents, as
//	for a workspace-backed store) and records the project structure that
//	is passed to the oracle (nil derives it from the file set at each
//	session start). Gate state and any pending result are cleared.
//
// Outputs:
//   - error: ErrSessionActive while a repair runs, ErrClosed after Close.
func (m *Monitor) StartMonitoring(files []fileset.File, structure []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.active != nil {
		return ErrSessionActive
	}
	if files != nil {
		m.store.Replace(files)
	}
	m.structure = append([]string(nil), structure...)
	m.gate.Reset()
	m.pending = nil
	m.monitoring = true

	m.logger.Info("monitoring started",
		slog.Int("files", m.store.Len()),
		slog.Int("structure_entries", len(m.structure)),
	)
	return nil
}

// StopMonitoring stops accepting events and aborts any running repair.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	m.monitoring = false
	a := m.active
	m.mu.Unlock()

	if a != nil {
		a.session.Abort()
	}
	m.logger.Info("monitoring stopped")
}

// Monitoring reports whether events are being accepted.
func (m *Monitor) Monitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.monitoring
}

// StopCurrentRepair aborts the running repair.
//
// The in-flight oracle stream is cancelled, nothing is merged, the
// fingerprint is evicted and an Aborted progress record at 0% follows.
//
// Outputs:
//   - bool: False if no repair is running or it already finished.
func (m *Monitor) StopCurrentRepair() bool {
	m.mu.Lock()
	a := m.active
	m.mu.Unlock()

	if a == nil {
		return false
	}
	ok := a.session.Abort()
	if ok {
		m.logger.Info("repair stop requested",
			slog.String("session_id", a.session.ID),
			slog.String("stage", a.session.Stage().String()),
		)
	}
	return ok
}

// StopRepair is StopCurrentRepair reporting ErrNoActiveRepair.
func (m *Monitor) StopRepair() error {
	if !m.StopCurrentRepair() {
		return ErrNoActiveRepair
	}
	return nil
}

// OnReasoningUpdate registers cb for every progress record.
//
// Outputs:
//   - func(): Removes the callback.
func (m *Monitor) OnReasoningUpdate(cb func(repair.Progress)) func() {
	id := m.emitter.Subscribe(func(ev *events.Event) {
		if p, ok := ev.Data.(repair.Progress); ok {
			cb(p)
		}
	}, events.TypeProgress)
	return func() { m.emitter.Unsubscribe(id) }
}

// OnFilesFixed registers cb for every merged repair.
//
// Outputs:
//   - func(): Removes the callback.
func (m *Monitor) OnFilesFixed(cb func(events.FilesFixedData)) func() {
	id := m.emitter.Subscribe(func(ev *events.Event) {
		if d, ok := ev.Data.(events.FilesFixedData); ok {
			cb(d)
		}
	}, events.TypeFilesFixed)
	return func() { m.emitter.Unsubscribe(id) }
}

// Subscribe registers a raw event handler.
//
// Outputs:
//   - func(): Removes the handler.
func (m *Monitor) Subscribe(handler events.Handler, types ...events.Type) func() {
	id := m.emitter.Subscribe(handler, types...)
	return func() { m.emitter.Unsubscribe(id) }
}

// RecentEvents returns the emitter's replay buffer.
func (m *Monitor) RecentEvents() []events.Event {
	return m.emitter.Buffer()
}

// =============================================================================
// Event path
// =============================================================================

// HandleEvent observes one sandbox event and, if it carries an admissible
// fault and no repair is running, starts a repair session.
//
// Inputs:
//   - ctx: Trace parent for the session. The session itself is not bound
//     to ctx; it ends on completion, StopCurrentRepair or Close.
//   - ev: The raw sandbox event.
//
// Outputs:
//   - Outcome: What happened to the event.
func (m *Monitor) HandleEvent(ctx context.Context, ev observer.Event) Outcome {
	now := m.clock.Now()
	out := Outcome{EventKind: ev.Kind, Signal: observer.SignalNone.String()}

	m.mu.Lock()
	if m.closed || !m.monitoring {
		m.mu.Unlock()
		observability.RecordEventDropped(string(ReasonNotMonitoring))
		out.Reason = ReasonNotMonitoring
		return out
	}

	sig := m.observer.Observe(ev, now)
	observability.RecordEvent(string(ev.Kind), sig.Type.String())
	out.Signal = sig.Type.String()
	if sig.Type != observer.SignalFault {
		m.mu.Unlock()
		if sig.Type == observer.SignalSuccess {
			m.logger.Debug("build succeeded, dedup state cleared")
		}
		return out
	}

	f := *sig.Fault
	out.FaultKind = f.Kind
	if m.active != nil {
		m.mu.Unlock()
		return m.suppressed(out, f, f.Fingerprint(), gate.ReasonBusy)
	}

	d := m.gate.Admit(f, now)
	if !d.Admitted {
		m.mu.Unlock()
		return m.suppressed(out, f, d.Fingerprint, d.Reason)
	}
	out.Fingerprint = string(d.Fingerprint)

	a, progress, err := m.startLocked(ctx, f, now)
	m.mu.Unlock()

	if err != nil {
		m.gate.Evict(d.Fingerprint)
		observability.RecordGateDecision(string(f.Kind), string(reasonStartFailed))
		m.logger.Error("repair session could not start",
			slog.String("fingerprint", d.Fingerprint.Short()),
			slog.String("error", err.Error()),
		)
		out.Reason = reasonStartFailed
		return out
	}

	observability.RecordGateDecision(string(f.Kind), "")
	m.logger.Info("fault accepted, repair started",
		slog.String("session_id", a.session.ID),
		slog.String("fingerprint", d.Fingerprint.Short()),
		slog.String("fault", f.Describe()),
	)
	go m.consume(a, progress)

	out.Admitted = true
	out.SessionID = a.session.ID
	return out
}

// HandleEvents applies HandleEvent to each event in order.
func (m *Monitor) HandleEvents(ctx context.Context, evs []observer.Event) []Outcome {
	out := make([]Outcome, 0, len(evs))
	for _, ev := range evs {
		out = append(out, m.HandleEvent(ctx, ev))
	}
	return out
}

func (m *Monitor) suppressed(out Outcome, f fault.Fault, fp fault.Fingerprint, reason gate.Reason) Outcome {
	out.Fingerprint = string(fp)
	out.Reason = reason
	observability.RecordGateDecision(string(f.Kind), string(reason))
	m.logger.Debug("fault suppressed",
		slog.String("fingerprint", fp.Short()),
		slog.String("reason", string(reason)),
		slog.String("kind", string(f.Kind)),
	)
	m.emitter.Emit(events.TypeFaultSuppressed, events.SuppressedData{
		Kind:        string(f.Kind),
		Fingerprint: string(fp),
		Reason:      string(reason),
	})
	return out
}

// startLocked creates and launches a session. Caller holds m.mu.
func (m *Monitor) startLocked(ctx context.Context, f fault.Fault, now time.Time) (*activeRepair, <-chan repair.Progress, error) {
	id := uuid.NewString()
	token, err := m.cancels.NewSession(m.baseCtx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("create cancel token: %w", err)
	}
	snap := m.store.Snapshot()
	s, err := repair.NewSession(id, f, snap, token, now)
	if err != nil {
		token.Finish()
		return nil, nil, err
	}
	s.Structure = m.structure
	if s.Structure == nil {
		s.Structure = snap.Paths()
	}

	a := &activeRepair{session: s, done: make(chan struct{})}
	m.active = a
	m.last = a
	m.wg.Add(1)
	observability.SessionStarted()
	return a, m.orch.Run(ctx, s), nil
}

// consume forwards a session's progress and finishes it.
func (m *Monitor) consume(a *activeRepair, progress <-chan repair.Progress) {
	defer m.wg.Done()

	m.configureSandbox(SandboxSettings{AutoReload: false, RecompileDebounce: m.config.Sandbox.RepairDebounce})
	for p := range progress {
		if p.Terminal() {
			m.finish(a, p)
			continue
		}
		m.emitter.Emit(events.TypeProgress, p)
	}
}

// finish handles the terminal record: merge or hold the result, evict on
// failure, release the session, restore the sandbox, notify, journal.
func (m *Monitor) finish(a *activeRepair, p repair.Progress) {
	defer close(a.done)
	s := a.session
	entry := m.entryFor(s, p)

	var fixed *events.FilesFixedData
	var held *pendingRepair
	switch p.Stage {
	case repair.StageComplete:
		if m.config.Repair.AutoApply {
			res, err := m.apply(s, p.Result)
			entry.Conflicts = res.Conflicts
			if err != nil {
				m.gate.Evict(s.Fingerprint)
				entry.Error = err.Error()
			} else {
				entry.Applied = true
				entry.Files = res.Modified()
				fixed = &events.FilesFixedData{
					RepairID:    s.ID,
					Fingerprint: string(s.Fingerprint),
					Files:       res.Modified(),
					Explanation: p.Result.Explanation,
					Merge:       res,
				}
			}
		} else {
			held = &pendingRepair{session: s, result: p.Result, entry: entry}
		}
	default:
		m.gate.Evict(s.Fingerprint)
	}

	var superseded *pendingRepair
	m.mu.Lock()
	m.active = nil
	if held != nil {
		superseded = m.pending
		m.pending = held
	}
	m.mu.Unlock()

	if superseded != nil {
		m.dropPending(superseded, DiscardSuperseded, s)
	}

	m.configureSandbox(SandboxSettings{AutoReload: true, RecompileDebounce: m.config.Sandbox.NormalDebounce})

	m.emitter.Emit(events.TypeProgress, p)
	if fixed != nil {
		m.emitter.Emit(events.TypeFilesFixed, *fixed)
	}
	if held != nil {
		data := events.PendingData{RepairID: s.ID, Files: held.result.ModifiedFiles}
		if preview, err := fileset.PatchPreview(m.store.Snapshot(), held.result.Patch); err == nil {
			data.Stat = preview.Stat
		}
		m.emitter.Emit(events.TypeRepairPending, data)
		m.logger.Info("repair held for acceptance", slog.String("session_id", s.ID))
	}

	observability.SessionEnded(p.Stage.String(), s.Elapsed())
	m.appendJournal(entry)
}

// apply merges a result into the store.
func (m *Monitor) apply(s *repair.Session, r *repair.Result) (fileset.MergeResult, error) {
	if r == nil || len(r.Patch) == 0 {
		observability.RecordMerge("empty", 0)
		return fileset.MergeResult{}, fmt.Errorf("merge repair %s: %w", s.ID, fileset.ErrEmptyPatch)
	}
	res, err := m.store.Merge(r.Patch, s.Snapshot)
	if err != nil {
		observability.RecordMerge("error", 0)
		return res, fmt.Errorf("merge repair %s: %w", s.ID, err)
	}

	n := len(res.Modified())
	if len(res.Conflicts) > 0 {
		m.logger.Warn("repair merge skipped files edited since the repair started",
			slog.String("session_id", s.ID),
			slog.Any("conflicts", res.Conflicts),
		)
	}
	switch {
	case len(res.Conflicts) > 0 && n == 0 && len(res.Unchanged) == 0:
		observability.RecordMerge("conflict", 0)
		return res, fmt.Errorf("merge repair %s: %w: %s", s.ID, fileset.ErrConflict, strings.Join(res.Conflicts, ", "))
	case len(res.Conflicts) > 0:
		observability.RecordMerge("partial", n)
	default:
		observability.RecordMerge("applied", n)
	}
	m.logger.Info("repair merged",
		slog.String("session_id", s.ID),
		slog.Int("updated", len(res.Updated)),
		slog.Int("created", len(res.Created)),
		slog.Uint64("generation", res.Generation),
	)
	return res, nil
}

func (m *Monitor) configureSandbox(settings SandboxSettings) {
	m.emitter.Emit(events.TypeSandboxControl, events.SandboxControlData{
		AutoReload:        settings.AutoReload,
		RecompileDebounce: settings.RecompileDebounce,
		DebounceMillis:    settings.RecompileDebounce.Milliseconds(),
	})
	if m.sandbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sandboxTimeout)
	defer cancel()
	if err := m.sandbox.Configure(ctx, settings); err != nil {
		m.logger.Warn("sandbox configuration failed",
			slog.Bool("auto_reload", settings.AutoReload),
			slog.String("error", err.Error()),
		)
	}
}

func (m *Monitor) entryFor(s *repair.Session, p repair.Progress) journal.Entry {
	e := journal.Entry{
		RepairID:    s.ID,
		ProjectID:   m.id,
		Fingerprint: string(s.Fingerprint),
		FaultKind:   string(s.Fault.Kind),
		FaultFile:   s.Fault.File,
		Outcome:     p.Stage.String(),
		Percent:     p.Percent,
		Error:       p.Error,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt(),
		Duration:    s.Elapsed(),
	}
	if p.AbortReason != "" {
		e.Error = "aborted: " + p.AbortReason
	}
	if r := p.Result; r != nil {
		e.Files = r.ModifiedFiles
		e.Warnings = len(r.Verification.Warnings)
		if r.RootCause != nil {
			e.RootCause = r.RootCause.RootCause
			e.Strategy = string(r.RootCause.Strategy)
		}
	}
	return e
}

func (m *Monitor) appendJournal(e journal.Entry) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	if err := m.journal.Append(ctx, e); err != nil {
		m.logger.Error("journal write failed",
			slog.String("repair_id", e.RepairID),
			slog.String("error", err.Error()),
		)
	}
}

// =============================================================================
// Pending results
// =============================================================================

// Pending returns the result held for acceptance, if any.
func (m *Monitor) Pending() (PendingRepair, bool) {
	m.mu.Lock()
	p := m.pending
	m.mu.Unlock()

	if p == nil {
		return PendingRepair{}, false
	}
	out := PendingRepair{
		RepairID:     p.session.ID,
		Fingerprint:  string(p.session.Fingerprint),
		Files:        p.result.ModifiedFiles,
		Explanation:  p.result.Explanation,
		RootCause:    p.result.RootCause,
		Verification: p.result.Verification,
	}
	if preview, err := fileset.PatchPreview(m.store.Snapshot(), p.result.Patch); err == nil {
		out.Preview = preview
	} else {
		m.logger.Warn("pending repair preview failed", slog.String("error", err.Error()))
	}
	return out, true
}

// AcceptRepair merges the pending result with ID repairID.
//
// Outputs:
//   - fileset.MergeResult: What changed.
//   - error: ErrNoPendingRepair, ErrSessionActive, or a merge error
//     (including fileset.ErrConflict when nothing could be applied).
func (m *Monitor) AcceptRepair(ctx context.Context, repairID string) (fileset.MergeResult, error) {
	m.mu.Lock()
	p := m.pending
	if p == nil || p.session.ID != repairID {
		m.mu.Unlock()
		return fileset.MergeResult{}, fmt.Errorf("%w: %s", ErrNoPendingRepair, repairID)
	}
	if m.active != nil {
		m.mu.Unlock()
		return fileset.MergeResult{}, ErrSessionActive
	}
	m.pending = nil
	m.mu.Unlock()

	res, err := m.apply(p.session, p.result)
	entry := p.entry
	entry.Conflicts = res.Conflicts
	if err != nil {
		m.gate.Evict(p.session.Fingerprint)
		entry.Error = err.Error()
		m.appendJournal(entry)
		return res, err
	}
	entry.Applied = true
	entry.Files = res.Modified()
	m.appendJournal(entry)

	m.emitter.Emit(events.TypeFilesFixed, events.FilesFixedData{
		RepairID:    repairID,
		Fingerprint: string(p.session.Fingerprint),
		Files:       res.Modified(),
		Explanation: p.result.Explanation,
		Merge:       res,
	})
	return res, nil
}

// DiscardRepair drops the pending result with ID repairID and evicts its
// fingerprint so the fault can be repaired again.
func (m *Monitor) DiscardRepair(repairID string) error {
	m.mu.Lock()
	p := m.pending
	if p == nil || p.session.ID != repairID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingRepair, repairID)
	}
	m.pending = nil
	m.mu.Unlock()

	m.dropPending(p, DiscardRequested, nil)
	return nil
}

// Reasons recorded when a held result is dropped.
const (
	DiscardRequested  = "discarded"
	DiscardSuperseded = "superseded"
)

// dropPending forgets a held result that was never merged. Its fingerprint
// is evicted so the fault can be repaired again, since its patch never
// reached the store.
//
// A result superseded by a repair of the same fault keeps the fingerprint,
// which now belongs to the newer result.
func (m *Monitor) dropPending(p *pendingRepair, reason string, by *repair.Session) {
	supersededBy := ""
	if by != nil {
		supersededBy = by.ID
	}
	if by == nil || by.Fingerprint != p.session.Fingerprint {
		m.gate.Evict(p.session.Fingerprint)
	}

	entry := p.entry
	entry.Error = "repair " + reason
	if supersededBy != "" {
		entry.Error += " by " + supersededBy
	}
	m.appendJournal(entry)

	m.emitter.Emit(events.TypeRepairDiscarded, events.DiscardedData{
		RepairID:     p.session.ID,
		Fingerprint:  string(p.session.Fingerprint),
		Reason:       reason,
		SupersededBy: supersededBy,
	})
	m.logger.Info("pending repair dropped",
		slog.String("session_id", p.session.ID),
		slog.String("reason", reason),
		slog.String("superseded_by", supersededBy),
	)
}

// =============================================================================
// Status and lifecycle
// =============================================================================

// Status returns a point-in-time view.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		ProjectID:  m.id,
		Monitoring: m.monitoring,
		Files:      m.store.Len(),
		Generation: m.store.Generation(),
		Gate:       m.gate.Snapshot(),
	}
	if a := m.active; a != nil {
		st.Active = &ActiveRepair{
			SessionID:   a.session.ID,
			Fingerprint: string(a.session.Fingerprint),
			FaultKind:   a.session.Fault.Kind,
			Stage:       a.session.Stage(),
			Percent:     a.session.Percent(),
			StartedAt:   a.session.StartedAt,
		}
	}
	if m.pending != nil {
		st.PendingID = m.pending.session.ID
	}
	return st
}

// Active reports whether a repair session is running.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// WaitIdle blocks until the most recently started session has finished
// and its notifications were delivered.
func (m *Monitor) WaitIdle(ctx context.Context) error {
	m.mu.Lock()
	a := m.last
	m.mu.Unlock()

	if a == nil {
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts any running session, waits for it to finish and releases
// subscriptions.
func (m *Monitor) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.monitoring = false
	m.mu.Unlock()

	m.cancels.Close()
	m.stopAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("close monitor %s: %w", m.id, ctx.Err())
	}
	m.emitter.Reset()
	m.logger.Info("monitor closed")
	return nil
}
