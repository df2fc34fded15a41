// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability holds the Prometheus metrics of the repair loop.
//
// Metrics are registered with the default registry at init and exposed by
// the /metrics route.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mend"

// =============================================================================
// Prometheus Metrics for the Repair Loop
// =============================================================================

var (
	// eventsTotal counts inbound build events.
	// Labels: kind (diagnostic, notification, console, runtime, done), signal (none, fault, build_succeeded)
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "observer",
		Name:      "events_total",
		Help:      "Total build events observed",
	}, []string{"kind", "signal"})

	// eventsDropped counts events rejected by ingest rate limiting or validation.
	// Labels: reason (rate_limited, invalid)
	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "observer",
		Name:      "events_dropped_total",
		Help:      "Total build events dropped before observation",
	}, []string{"reason"})

	// faultsTotal counts gate decisions.
	// Labels: kind, decision (admitted, cooldown, post-success-transient, already-fixed, repair-in-progress)
	faultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "faults_total",
		Help:      "Total faults by gate decision",
	}, []string{"kind", "decision"})

	// sessionsActive is the number of repair sessions in flight.
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "repair",
		Name:      "sessions_active",
		Help:      "Repair sessions currently running",
	})

	// sessionsTotal counts finished sessions.
	// Labels: outcome (complete, failed, aborted)
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repair",
		Name:      "sessions_total",
		Help:      "Total repair sessions by terminal stage",
	}, []string{"outcome"})

	// sessionDuration measures wall time from admission to terminal stage.
	// Labels: outcome
	sessionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "repair",
		Name:      "session_duration_seconds",
		Help:      "Repair session duration in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"outcome"})

	// stageDuration measures time spent in each non-terminal stage.
	// Labels: stage
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "repair",
		Name:      "stage_duration_seconds",
		Help:      "Time spent per repair stage in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
	}, []string{"stage"})

	// parseStrategy counts which parser strategy accepted a response.
	// Labels: purpose (analyze, implement), strategy (json, file-blocks, none)
	parseStrategy = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "repair",
		Name:      "parse_strategy_total",
		Help:      "Oracle responses by accepting parser strategy",
	}, []string{"purpose", "strategy"})

	// verificationWarnings counts quality-gate findings.
	// Labels: check
	verificationWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "verify",
		Name:      "warnings_total",
		Help:      "Verification warnings by check",
	}, []string{"check"})

	// mergesTotal counts patch merges.
	// Labels: result (applied, conflict, discarded)
	mergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fileset",
		Name:      "merges_total",
		Help:      "Patch merges by result",
	}, []string{"result"})

	// mergedFiles counts files written by merges.
	mergedFiles = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "fileset",
		Name:      "merged_files_total",
		Help:      "Files written by patch merges",
	})

	// projectsActive is the number of monitored projects.
	projectsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "monitor",
		Name:      "projects_active",
		Help:      "Projects currently monitored",
	})
)

// RecordEvent counts an observed event.
func RecordEvent(kind, signal string) {
	eventsTotal.WithLabelValues(kind, signal).Inc()
}

// RecordEventDropped counts an event rejected before observation.
func RecordEventDropped(reason string) {
	eventsDropped.WithLabelValues(reason).Inc()
}

// RecordGateDecision counts a fault by gate decision. An empty reason is
// recorded as "admitted".
func RecordGateDecision(kind, reason string) {
	if reason == "" {
		reason = "admitted"
	}
	faultsTotal.WithLabelValues(kind, reason).Inc()
}

// SessionStarted increments the active-session gauge.
func SessionStarted() {
	sessionsActive.Inc()
}

// SessionEnded records a terminal session.
func SessionEnded(outcome string, d time.Duration) {
	sessionsActive.Dec()
	sessionsTotal.WithLabelValues(outcome).Inc()
	sessionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordStage records time spent in a stage.
func RecordStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordParse records the parser strategy that accepted a response.
// An empty strategy is recorded as "none".
func RecordParse(purpose, strategy string) {
	if strategy == "" {
		strategy = "none"
	}
	parseStrategy.WithLabelValues(purpose, strategy).Inc()
}

// RecordVerificationWarning counts one warning.
func RecordVerificationWarning(check string) {
	verificationWarnings.WithLabelValues(check).Inc()
}

// RecordMerge counts a merge outcome and the files it wrote.
func RecordMerge(result string, files int) {
	mergesTotal.WithLabelValues(result).Inc()
	mergedFiles.Add(float64(files))
}

// ProjectOpened increments the monitored-project gauge.
func ProjectOpened() { projectsActive.Inc() }

// ProjectClosed decrements the monitored-project gauge.
func ProjectClosed() { projectsActive.Dec() }
