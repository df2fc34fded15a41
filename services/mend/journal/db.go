// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal records a summary of every terminal repair session.
//
// Entries live in an embedded BadgerDB, keyed by project session and start
// time so that one project's history is a single ordered prefix scan.
// Faults themselves are never stored; only the summary fields of Entry.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config configures the journal database.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory.
	Path string `yaml:"path" json:"path"`

	// InMemory keeps the journal in RAM only.
	InMemory bool `yaml:"in_memory" json:"in_memory"`

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`

	// SyncWrites fsyncs every append.
	SyncWrites bool `yaml:"sync_writes" json:"sync_writes"`
}

// DefaultGCInterval is the value-log GC period for persistent journals.
const DefaultGCInterval = 5 * time.Minute

const gcDiscardRatio = 0.5

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.GCInterval == 0 && !c.InMemory {
		c.GCInterval = DefaultGCInterval
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.InMemory && c.Path == "" {
		return fmt.Errorf("%w: path is required for a persistent journal", ErrInvalidConfig)
	}
	if c.GCInterval < 0 {
		return fmt.Errorf("%w: gc_interval must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// openDB opens BadgerDB for cfg.
func openDB(cfg Config, logger *slog.Logger) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	return db, nil
}

// gcRunner runs periodic value-log garbage collection.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, logger *slog.Logger) *gcRunner {
	return &gcRunner{
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *gcRunner) runGC() {
	// ErrNoRewrite means nothing needed collecting.
	err := r.db.RunValueLogGC(gcDiscardRatio)
	switch {
	case err == nil:
		r.logger.Debug("journal value log GC completed")
	case !errors.Is(err, badger.ErrNoRewrite):
		r.logger.Warn("journal value log GC error", slog.String("error", err.Error()))
	}
}
