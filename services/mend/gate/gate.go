// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gate implements fault admission control: whether an observed
// fault may start a new repair session.
//
// The gate owns the dedup/cooldown state of one project session:
//
//   - seen fingerprints, cleared on a successful build
//   - a cooldown deadline set on every admission
//   - the time of the last successful build, for the post-success grace window
//
// A repair patch usually triggers a recompile, and a recompile can emit a
// transient error. The two windows keep such an error from immediately
// starting another repair.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/mend/services/mend/fault"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultCooldownWindow is how long new faults are ignored after an admission.
	DefaultCooldownWindow = 5 * time.Second

	// DefaultSuccessGraceWindow is how long faults are treated as transient
	// after a successful build.
	DefaultSuccessGraceWindow = 2 * time.Second

	// DefaultMaxFingerprints caps the seen set.
	DefaultMaxFingerprints = 512
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid gate configuration")

// Config configures a Gate.
type Config struct {
	CooldownWindow     time.Duration `yaml:"cooldown_window" json:"cooldown_window"`
	SuccessGraceWindow time.Duration `yaml:"success_grace_window" json:"success_grace_window"`
	MaxFingerprints    int           `yaml:"max_fingerprints" json:"max_fingerprints"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.CooldownWindow == 0 {
		c.CooldownWindow = DefaultCooldownWindow
	}
	if c.SuccessGraceWindow == 0 {
		c.SuccessGraceWindow = DefaultSuccessGraceWindow
	}
	if c.MaxFingerprints == 0 {
		c.MaxFingerprints = DefaultMaxFingerprints
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.CooldownWindow < 0 {
		return fmt.Errorf("%w: cooldown_window must be >= 0", ErrInvalidConfig)
	}
	if c.SuccessGraceWindow < 0 {
		return fmt.Errorf("%w: success_grace_window must be >= 0", ErrInvalidConfig)
	}
	if c.MaxFingerprints < 1 {
		return fmt.Errorf("%w: max_fingerprints must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// =============================================================================
// Decisions
// =============================================================================

// Reason explains a suppression. The zero value means admitted.
type Reason string

const (
	// ReasonNone marks an admitted fault.
	ReasonNone Reason = ""

	// ReasonCooldown means the fault arrived inside the cooldown window.
	ReasonCooldown Reason = "cooldown"

	// ReasonPostSuccess means the fault arrived inside the grace window
	// after a successful build.
	ReasonPostSuccess Reason = "post-success-transient"

	// ReasonAlreadyFixed means the fingerprint was already admitted since
	// the last successful build.
	ReasonAlreadyFixed Reason = "already-fixed"

	// ReasonBusy means a repair session was active. The gate never returns
	// it; the session controller uses it for faults it does not forward.
	ReasonBusy Reason = "repair-in-progress"
)

// Decision is the result of Admit.
type Decision struct {
	Admitted    bool
	Reason      Reason
	Fingerprint fault.Fingerprint
}

// State is a point-in-time view of the gate, for status reporting.
type State struct {
	SeenFingerprints int       `json:"seen_fingerprints"`
	CooldownUntil    time.Time `json:"cooldown_until,omitzero"`
	LastSuccessAt    time.Time `json:"last_success_at,omitzero"`
}

// =============================================================================
// Gate
// =============================================================================

// Gate is the dedup/cooldown admission controller of one project session.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Admit performs its checks and
// its insertion under a single lock, so two concurrent arrivals of the same
// fault can never both be admitted.
type Gate struct {
	config Config
	logger *slog.Logger

	mu            sync.Mutex
	seen          map[fault.Fingerprint]uint64
	seq           uint64
	cooldownUntil time.Time
	lastSuccessAt time.Time
}

// New creates a Gate.
//
// # Inputs
//
//   - config: Zero fields take defaults.
//   - logger: If nil, uses slog.Default().
//
// # Outputs
//
//   - *Gate: Never nil on success.
//   - error: Non-nil if the configuration is invalid.
func New(config Config, logger *slog.Logger) (*Gate, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		config: config,
		logger: logger.With(slog.String("component", "gate")),
		seen:   make(map[fault.Fingerprint]uint64),
	}, nil
}

// Admit decides whether f may start a repair session.
//
// # Description
//
// Checks, in order: cooldown, post-success grace window, seen set. On
// admission the fingerprint is recorded and the cooldown deadline is set to
// now + CooldownWindow.
//
// # Inputs
//
//   - f: The normalized fault.
//   - now: Decision time.
//
// # Outputs
//
//   - Decision: Always carries the computed fingerprint.
func (g *Gate) Admit(f fault.Fault, now time.Time) Decision {
	fp := f.Fingerprint()

	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Before(g.cooldownUntil) {
		return Decision{Reason: ReasonCooldown, Fingerprint: fp}
	}
	if !g.lastSuccessAt.IsZero() && now.Sub(g.lastSuccessAt) < g.config.SuccessGraceWindow {
		return Decision{Reason: ReasonPostSuccess, Fingerprint: fp}
	}
	if _, ok := g.seen[fp]; ok {
		return Decision{Reason: ReasonAlreadyFixed, Fingerprint: fp}
	}

	g.seq++
	g.seen[fp] = g.seq
	if len(g.seen) > g.config.MaxFingerprints {
		g.dropOldestLocked()
	}
	g.cooldownUntil = now.Add(g.config.CooldownWindow)

	return Decision{Admitted: true, Fingerprint: fp}
}

// Evict removes fp from the seen set so the same fault can be admitted
// again once the cooldown expires. Called when a session fails or is aborted.
func (g *Gate) Evict(fp fault.Fingerprint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, fp)
}

// RecordSuccess clears the seen set and the cooldown, and starts the
// post-success grace window at now.
func (g *Gate) RecordSuccess(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cleared := len(g.seen)
	g.seen = make(map[fault.Fingerprint]uint64)
	g.cooldownUntil = time.Time{}
	g.lastSuccessAt = now

	if cleared > 0 {
		g.logger.Debug("build succeeded, dedup state cleared", slog.Int("fingerprints", cleared))
	}
}

// Seen reports whether fp is currently in the seen set.
func (g *Gate) Seen(fp fault.Fingerprint) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.seen[fp]
	return ok
}

// Snapshot returns the current state.
func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{
		SeenFingerprints: len(g.seen),
		CooldownUntil:    g.cooldownUntil,
		LastSuccessAt:    g.lastSuccessAt,
	}
}

// Reset returns the gate to its initial state.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen = make(map[fault.Fingerprint]uint64)
	g.cooldownUntil = time.Time{}
	g.lastSuccessAt = time.Time{}
}

// Config returns the effective configuration.
func (g *Gate) Config() Config {
	return g.config
}

func (g *Gate) dropOldestLocked() {
	var (
		oldest    fault.Fingerprint
		oldestSeq uint64
		found     bool
	)
	for fp, s := range g.seen {
		if !found || s < oldestSeq {
			oldest, oldestSeq, found = fp, s, true
		}
	}
	if found {
		delete(g.seen, oldest)
	}
}
