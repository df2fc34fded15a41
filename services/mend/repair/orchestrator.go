// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repair drives one repair session through its stages.
//
// The orchestrator asks the oracle for a root-cause analysis, scans the
// codebase for context, asks the oracle for replacement files, and runs the
// quality gates over them. Progress is reported as a finite channel of
// records that ends with exactly one terminal record.
//
// The orchestrator never writes to the file set. Merging a completed
// result is the caller's decision.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/mend/services/mend/cancel"
	"github.com/AleutianAI/mend/services/mend/codectx"
	"github.com/AleutianAI/mend/services/mend/observability"
	"github.com/AleutianAI/mend/services/mend/oracle"
	"github.com/AleutianAI/mend/services/mend/verify"
)

var tracer = otel.Tracer("aleutian.mend.repair")

// progressBuffer holds every record one session can emit: five stage
// entries and one terminal record.
const progressBuffer = 8

// Config configures the orchestrator.
type Config struct {
	// StageTimeout bounds each oracle call. Expiry fails the session.
	StageTimeout time.Duration `yaml:"stage_timeout" json:"stage_timeout" validate:"gt=0"`

	// MaxPromptBytes bounds the file section of a prompt.
	MaxPromptBytes int `yaml:"max_prompt_bytes" json:"max_prompt_bytes" validate:"gt=0"`

	// MaxResponseBytes bounds one oracle response.
	MaxResponseBytes int `yaml:"max_response_bytes" json:"max_response_bytes" validate:"gte=0"`

	// RawPreviewRunes is the length of the raw-response preview attached
	// to parse failures.
	RawPreviewRunes int `yaml:"raw_preview_runes" json:"raw_preview_runes" validate:"gt=0"`

	// AutoApply is read by the session owner: when false, completed
	// results are held for manual acceptance.
	AutoApply bool `yaml:"auto_apply" json:"auto_apply"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		StageTimeout:     3 * time.Minute,
		MaxPromptBytes:   oracle.DefaultMaxPromptBytes,
		MaxResponseBytes: 2 << 20,
		RawPreviewRunes:  500,
		AutoApply:        true,
	}
}

// ApplyDefaults fills zero values. AutoApply is left as set.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.StageTimeout == 0 {
		c.StageTimeout = d.StageTimeout
	}
	if c.MaxPromptBytes == 0 {
		c.MaxPromptBytes = d.MaxPromptBytes
	}
	if c.MaxResponseBytes == 0 {
		c.MaxResponseBytes = d.MaxResponseBytes
	}
	if c.RawPreviewRunes == 0 {
		c.RawPreviewRunes = d.RawPreviewRunes
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.StageTimeout <= 0:
		return fmt.Errorf("%w: stage_timeout must be > 0", ErrInvalidConfig)
	case c.MaxPromptBytes <= 0:
		return fmt.Errorf("%w: max_prompt_bytes must be > 0", ErrInvalidConfig)
	case c.MaxResponseBytes < 0:
		return fmt.Errorf("%w: max_response_bytes must be >= 0", ErrInvalidConfig)
	case c.RawPreviewRunes <= 0:
		return fmt.Errorf("%w: raw_preview_runes must be > 0", ErrInvalidConfig)
	}
	return nil
}

// Orchestrator runs repair sessions.
//
// Thread Safety: Safe for concurrent use. Each session runs in its own
// goroutine; the orchestrator holds no per-session state.
type Orchestrator struct {
	oracle   oracle.Oracle
	analyzer *codectx.Analyzer
	renderer *oracle.Renderer
	analysis *oracle.ParserChain[oracle.RootCauseAnalysis]
	fix      *oracle.ParserChain[oracle.FixProposal]
	config   Config
	logger   *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
//
// Inputs:
//   - o: The oracle. Must not be nil.
//   - analyzer: Codebase context analyzer. Nil creates a default one.
//   - config: Zero values take defaults.
//   - logger: Nil uses slog.Default().
func NewOrchestrator(o oracle.Oracle, analyzer *codectx.Analyzer, config Config, logger *slog.Logger) (*Orchestrator, error) {
	if o == nil {
		return nil, fmt.Errorf("%w: oracle is required", ErrInvalidConfig)
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if analyzer == nil {
		analyzer = codectx.NewAnalyzer(logger)
	}
	return &Orchestrator{
		oracle:   o,
		analyzer: analyzer,
		renderer: oracle.NewRenderer(config.MaxPromptBytes),
		analysis: oracle.AnalysisChain(),
		fix:      oracle.FixChain(),
		config:   config,
		logger:   logger.With(slog.String("component", "repair")),
	}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.config }

// Run drives s to a terminal stage.
//
// Description:
//
//	Returns immediately. The returned channel yields one record per stage
//	entry, sent before that stage's work begins, then exactly one terminal
//	record (Complete, Failed or Aborted), and is then closed. The channel
//	is buffered for the whole sequence, so an absent consumer never blocks
//	the session. Work runs on s.Context(); ctx only supplies the trace
//	parent. A session can be run once; later calls yield a single Failed
//	record.
//
// Inputs:
//   - ctx: Trace parent.
//   - s: The session.
//
// Outputs:
//   - <-chan Progress: The finite progress sequence.
func (o *Orchestrator) Run(ctx context.Context, s *Session) <-chan Progress {
	out := make(chan Progress, progressBuffer)

	if !s.claim() {
		out <- Progress{
			SessionID:   s.ID,
			Fingerprint: string(s.Fingerprint),
			Stage:       StageFailed,
			Percent:     s.Percent(),
			Message:     "Repair session already ran",
			Error:       "session cannot be restarted",
			Timestamp:   time.Now(),
		}
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer s.token.Finish()

		runCtx := trace.ContextWithSpanContext(s.Context(), trace.SpanContextFromContext(ctx))
		runCtx, span := tracer.Start(runCtx, "repair.Session")
		defer span.End()
		span.SetAttributes(
			attribute.String("repair.session_id", s.ID),
			attribute.String("repair.fingerprint", s.Fingerprint.Short()),
			attribute.String("fault.kind", string(s.Fault.Kind)),
		)

		final := o.execute(runCtx, s, func(p Progress) { out <- p })
		span.SetAttributes(attribute.String("repair.outcome", final.Stage.String()))
		if final.Stage == StageFailed {
			span.SetStatus(codes.Error, final.Error)
		}
		out <- final
	}()
	return out
}

// execute runs the stages and returns the terminal record. A panic in any
// stage becomes a Failed record.
func (o *Orchestrator) execute(ctx context.Context, s *Session, emit func(Progress)) (final Progress) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("repair stage panicked",
				slog.String("session_id", s.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			final = o.terminal(s, fmt.Errorf("%w: %v", ErrStagePanic, r), "")
		}
	}()

	logger := o.logger.With(
		slog.String("session_id", s.ID),
		slog.String("fingerprint", s.Fingerprint.Short()),
	)
	logger.Info("repair session started", slog.String("fault", s.Fault.Describe()))

	// Analyzing
	if err := o.enter(s, StageAnalyzing, "Analyzing error", "", emit); err != nil {
		return o.terminal(s, err, "")
	}
	stageStart := time.Now()
	analysis, raw, err := o.analyze(ctx, s)
	observability.RecordStage(StageAnalyzing.String(), time.Since(stageStart))
	if err != nil {
		return o.terminal(s, err, raw)
	}

	// RootCauseIdentified
	if err := o.enter(s, StageRootCauseIdentified, "Root cause identified", analysis.Reasoning(), emit); err != nil {
		return o.terminal(s, err, "")
	}

	// ScanningCodebase
	if err := o.enter(s, StageScanningCodebase, "Scanning codebase", "", emit); err != nil {
		return o.terminal(s, err, "")
	}
	stageStart = time.Now()
	cctx, err := o.analyzer.Analyze(ctx, s.Snapshot, s.Fault)
	observability.RecordStage(StageScanningCodebase.String(), time.Since(stageStart))
	if err != nil {
		return o.terminal(s, fmt.Errorf("scanning codebase: %w", err), "")
	}

	// ImplementingFix
	if err := o.enter(s, StageImplementingFix, "Implementing fix", "", emit); err != nil {
		return o.terminal(s, err, "")
	}
	stageStart = time.Now()
	proposal, parsedWith, raw, err := o.implement(ctx, s, &analysis, cctx)
	observability.RecordStage(StageImplementingFix.String(), time.Since(stageStart))
	if err != nil {
		return o.terminal(s, err, raw)
	}

	// Verifying
	if err := o.enter(s, StageVerifying, "Verifying fix", "", emit); err != nil {
		return o.terminal(s, err, "")
	}
	report := verify.Verify(proposal.Files)
	for _, w := range report.Warnings {
		observability.RecordVerificationWarning(string(w.Check))
		logger.Warn("verification warning",
			slog.String("file", w.File),
			slog.String("check", string(w.Check)),
			slog.Int("line", w.Line),
		)
	}

	// Complete
	result := &Result{
		Success:       true,
		Patch:         proposal.Files,
		Explanation:   proposal.Explanation,
		RootCause:     &analysis,
		Context:       cctx,
		Verification:  report,
		ModifiedFiles: proposal.Files.Paths(),
		ParsedWith:    parsedWith,
	}
	if err := s.complete(result); err != nil {
		return o.terminal(s, err, "")
	}
	logger.Info("repair session complete",
		slog.Int("files", len(result.ModifiedFiles)),
		slog.Bool("verification_passed", report.Passed),
		slog.Duration("duration", s.Elapsed()),
	)
	return Progress{
		SessionID:   s.ID,
		Fingerprint: string(s.Fingerprint),
		Stage:       StageComplete,
		Percent:     100,
		Message:     fmt.Sprintf("Fix ready: %d file(s)", len(result.ModifiedFiles)),
		Reasoning:   result.Explanation,
		Result:      result,
		Timestamp:   time.Now(),
	}
}

// enter transitions s and emits the stage-entry record.
func (o *Orchestrator) enter(s *Session, stage Stage, msg, reasoning string, emit func(Progress)) error {
	if err := s.advance(stage); err != nil {
		return err
	}
	o.logger.Info("repair stage entered",
		slog.String("session_id", s.ID),
		slog.String("stage", stage.String()),
	)
	emit(Progress{
		SessionID:   s.ID,
		Fingerprint: string(s.Fingerprint),
		Stage:       stage,
		Percent:     stage.Percent(),
		Message:     msg,
		Reasoning:   reasoning,
		Timestamp:   time.Now(),
	})
	return nil
}

// analyze runs oracle call 1.
func (o *Orchestrator) analyze(ctx context.Context, s *Session) (oracle.RootCauseAnalysis, string, error) {
	req := o.renderer.Analysis(oracle.PromptInput{
		Fault:     s.Fault,
		Files:     s.Snapshot,
		Structure: s.Structure,
	})
	tr, err := o.call(ctx, req)
	if err != nil {
		return oracle.RootCauseAnalysis{}, tr.Text, err
	}
	a, strategy, err := o.analysis.Parse(tr.Text)
	observability.RecordParse(string(oracle.PurposeAnalyze), strategy)
	if err != nil {
		return oracle.RootCauseAnalysis{}, tr.Text, fmt.Errorf("parsing analysis: %w", err)
	}
	return a, tr.Text, nil
}

// implement runs oracle call 2.
func (o *Orchestrator) implement(ctx context.Context, s *Session, a *oracle.RootCauseAnalysis, cctx *codectx.CodebaseContext) (oracle.FixProposal, string, string, error) {
	req := o.renderer.Implementation(oracle.PromptInput{
		Fault:     s.Fault,
		Files:     s.Snapshot,
		Structure: s.Structure,
		Analysis:  a,
		Context:   cctx,
	})
	tr, err := o.call(ctx, req)
	if err != nil {
		return oracle.FixProposal{}, "", tr.Text, err
	}
	p, strategy, err := o.fix.Parse(tr.Text)
	observability.RecordParse(string(oracle.PurposeImplement), strategy)
	if err != nil {
		return oracle.FixProposal{}, "", tr.Text, fmt.Errorf("parsing fix: %w", err)
	}
	p.Files = s.Snapshot.CanonicalPatch(p.Files)
	if err := o.dropTruncated(s, &p); err != nil {
		return oracle.FixProposal{}, "", tr.Text, err
	}
	return p, strategy, tr.Text, nil
}

// dropTruncated removes files the oracle copied from a cut prompt excerpt.
// Merging one would replace the full file with its first chunk.
func (o *Orchestrator) dropTruncated(s *Session, p *oracle.FixProposal) error {
	var dropped []string
	for _, path := range p.Files.Paths() {
		if !oracle.Truncated(p.Files[path]) {
			continue
		}
		dropped = append(dropped, path)
		delete(p.Files, path)
	}
	if len(dropped) == 0 {
		return nil
	}
	o.logger.Warn("fix dropped files copied from a truncated excerpt",
		slog.String("session_id", s.ID),
		slog.Any("files", dropped),
	)
	if len(p.Files) == 0 {
		return fmt.Errorf("%w: %s", ErrTruncatedFile, strings.Join(dropped, ", "))
	}
	return nil
}

// call runs one oracle stream bounded by the stage timeout.
func (o *Orchestrator) call(ctx context.Context, req oracle.Request) (oracle.Transcript, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.config.StageTimeout)
	defer cancel()

	ctx, span := tracer.Start(stageCtx, "repair.OracleCall")
	defer span.End()
	span.SetAttributes(
		attribute.String("oracle.name", o.oracle.Name()),
		attribute.String("oracle.purpose", string(req.Purpose)),
		attribute.Int("oracle.prompt_bytes", len(req.Prompt)),
	)

	tr, err := oracle.Accumulate(ctx, o.oracle, req, o.config.MaxResponseBytes, nil)
	span.SetAttributes(attribute.Int("oracle.chunks", tr.Chunks))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.DeadlineExceeded) && stageCtx.Err() != nil {
			return tr, fmt.Errorf("%s call timed out after %s: %w", req.Purpose, o.config.StageTimeout, err)
		}
		return tr, fmt.Errorf("%s call: %w", req.Purpose, err)
	}
	return tr, nil
}

// terminal converts err into the Failed or Aborted terminal record.
//
// A pending abort always wins: whatever error the interrupted stage
// produced, the outcome is Aborted. A stage timeout with no abort is a
// failure.
func (o *Orchestrator) terminal(s *Session, err error, raw string) Progress {
	p := Progress{
		SessionID:   s.ID,
		Fingerprint: string(s.Fingerprint),
		Timestamp:   time.Now(),
	}

	if s.AbortRequested() || errors.Is(err, errAbortRequested) {
		p.Stage, p.Percent = s.terminate(StageAborted)
		if p.Stage == StageAborted {
			p.Message = "Repair aborted"
			p.AbortReason = cancel.CancelUser.String()
			if r, ok := s.token.Reason(); ok {
				p.AbortReason = r.Type.String()
			}
			o.logger.Info("repair session aborted",
				slog.String("session_id", s.ID),
				slog.String("reason", p.AbortReason),
			)
			return p
		}
	}

	p.Stage, p.Percent = s.terminate(StageFailed)
	p.Message = "Repair failed"
	if err != nil {
		p.Error = err.Error()
	}
	if raw != "" {
		p.RawPreview = oracle.RawPreview(raw, o.config.RawPreviewRunes)
	}
	o.logger.Error("repair session failed",
		slog.String("session_id", s.ID),
		slog.String("error", p.Error),
		slog.Int("raw_bytes", len(raw)),
	)
	return p
}
