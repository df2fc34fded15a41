// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repair

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a stage change is not in the
	// transition table.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrStagePanic wraps a panic recovered from a stage.
	ErrStagePanic = errors.New("repair stage panicked")

	// ErrTruncatedFile is returned when every file in a fix is a copy of a
	// prompt excerpt that was cut short.
	ErrTruncatedFile = errors.New("fix returned a truncated file")

	// ErrInvalidConfig is returned when orchestrator configuration is invalid.
	ErrInvalidConfig = errors.New("invalid repair configuration")
)

// Stage is a repair session lifecycle stage.
type Stage int

const (
	StageIdle Stage = iota
	StageAnalyzing
	StageRootCauseIdentified
	StageScanningCodebase
	StageImplementingFix
	StageVerifying
	StageComplete
	StageFailed
	StageAborted
)

var stageNames = map[Stage]string{
	StageIdle:                "idle",
	StageAnalyzing:           "analyzing",
	StageRootCauseIdentified: "root_cause_identified",
	StageScanningCodebase:    "scanning_codebase",
	StageImplementingFix:     "implementing_fix",
	StageVerifying:           "verifying",
	StageComplete:            "complete",
	StageFailed:              "failed",
	StageAborted:             "aborted",
}

// String returns the snake_case stage name.
func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the stage by name.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a stage name.
func (s *Stage) UnmarshalText(text []byte) error {
	for st, name := range stageNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown stage %q", text)
}

// IsTerminal reports whether no further transition is possible.
func (s Stage) IsTerminal() bool {
	return s == StageComplete || s == StageFailed || s == StageAborted
}

// Percent is the progress value reported on entering s. Failed returns -1:
// a failed session keeps whatever progress it had reached.
func (s Stage) Percent() int {
	switch s {
	case StageAnalyzing:
		return 10
	case StageRootCauseIdentified:
		return 30
	case StageScanningCodebase:
		return 40
	case StageImplementingFix:
		return 60
	case StageVerifying:
		return 80
	case StageComplete:
		return 100
	case StageFailed:
		return -1
	default:
		return 0
	}
}

var validTransitions = map[Stage][]Stage{
	StageIdle:                {StageAnalyzing, StageFailed, StageAborted},
	StageAnalyzing:           {StageRootCauseIdentified, StageFailed, StageAborted},
	StageRootCauseIdentified: {StageScanningCodebase, StageFailed, StageAborted},
	StageScanningCodebase:    {StageImplementingFix, StageFailed, StageAborted},
	StageImplementingFix:     {StageVerifying, StageFailed, StageAborted},
	StageVerifying:           {StageComplete, StageFailed, StageAborted},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Stage) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
