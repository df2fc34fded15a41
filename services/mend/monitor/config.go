// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/mend/services/mend/gate"
	"github.com/AleutianAI/mend/services/mend/repair"
)

var (
	// ErrSessionActive is returned when an operation needs an idle monitor.
	ErrSessionActive = errors.New("a repair session is already active")

	// ErrNoActiveRepair is returned by StopRepair when nothing is running.
	ErrNoActiveRepair = errors.New("no active repair")

	// ErrNotMonitoring is returned before StartMonitoring.
	ErrNotMonitoring = errors.New("monitoring has not started")

	// ErrSessionNotFound is returned by the Registry for unknown project
	// sessions.
	ErrSessionNotFound = errors.New("project session not found")

	// ErrDuplicateSession is returned by Registry.Create for a taken ID.
	ErrDuplicateSession = errors.New("project session already exists")

	// ErrNoPendingRepair is returned by AcceptRepair and DiscardRepair when
	// no result is held under the given ID.
	ErrNoPendingRepair = errors.New("no pending repair")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("monitor is closed")

	// ErrInvalidConfig is returned when monitor configuration is invalid.
	ErrInvalidConfig = errors.New("invalid monitor configuration")
)

// ReasonNotMonitoring marks events received before StartMonitoring.
const ReasonNotMonitoring gate.Reason = "not-monitoring"

const (
	// DefaultRepairDebounce is the recompile debounce while a repair runs.
	DefaultRepairDebounce = 2 * time.Second

	// DefaultNormalDebounce is the recompile debounce when idle.
	DefaultNormalDebounce = 300 * time.Millisecond

	sandboxTimeout = 2 * time.Second
	journalTimeout = 5 * time.Second
)

// SandboxConfig sets the sandbox reload policy around repairs.
type SandboxConfig struct {
	RepairDebounce time.Duration `yaml:"repair_debounce" json:"repair_debounce"`
	NormalDebounce time.Duration `yaml:"normal_debounce" json:"normal_debounce"`
}

// Config configures one project monitor.
type Config struct {
	Gate    gate.Config   `yaml:"gate" json:"gate"`
	Repair  repair.Config `yaml:"repair" json:"repair"`
	Sandbox SandboxConfig `yaml:"sandbox" json:"sandbox"`

	// EventBuffer is the replay buffer size of the project's emitter.
	EventBuffer int `yaml:"event_buffer" json:"event_buffer"`
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	c.Gate.ApplyDefaults()
	c.Repair.ApplyDefaults()
	if c.Sandbox.RepairDebounce == 0 {
		c.Sandbox.RepairDebounce = DefaultRepairDebounce
	}
	if c.Sandbox.NormalDebounce == 0 {
		c.Sandbox.NormalDebounce = DefaultNormalDebounce
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 256
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.Gate.Validate(); err != nil {
		return err
	}
	if err := c.Repair.Validate(); err != nil {
		return err
	}
	if c.Sandbox.RepairDebounce < 0 || c.Sandbox.NormalDebounce < 0 {
		return fmt.Errorf("%w: sandbox debounce must be >= 0", ErrInvalidConfig)
	}
	if c.EventBuffer < 0 {
		return fmt.Errorf("%w: event_buffer must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// SandboxSettings is the reload policy pushed to the build sandbox.
type SandboxSettings struct {
	AutoReload        bool
	RecompileDebounce time.Duration
}

// SandboxControl adjusts the live preview while a repair runs.
//
// Configure must not block for long; the monitor bounds it with a short
// timeout and only logs failures.
type SandboxControl interface {
	Configure(ctx context.Context, settings SandboxSettings) error
}

// SandboxFunc adapts a function to SandboxControl.
type SandboxFunc func(ctx context.Context, settings SandboxSettings) error

// Configure calls f.
func (f SandboxFunc) Configure(ctx context.Context, settings SandboxSettings) error {
	return f(ctx, settings)
}
