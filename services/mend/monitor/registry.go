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
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/mend/services/mend/fileset"
	"github.com/AleutianAI/mend/services/mend/observability"
)

// Registry holds the monitors of every open project session.
//
// Every monitor gets its own gate, orchestrator and file set; the oracle,
// analyzer, journal and clock in Deps are shared.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	config Config
	deps   Deps
	logger *slog.Logger

	mu       sync.RWMutex
	monitors map[string]*Monitor
	closed   bool
}

// NewRegistry creates a Registry.
//
// Inputs:
//   - config: Applied to every monitor. Zero fields take defaults.
//   - deps: Shared collaborators. deps.Store is ignored.
func NewRegistry(config Config, deps Deps) (*Registry, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if deps.Oracle == nil {
		return nil, fmt.Errorf("%w: oracle is required", ErrInvalidConfig)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deps.Store = nil
	return &Registry{
		config:   config,
		deps:     deps,
		logger:   logger.With(slog.String("component", "registry")),
		monitors: make(map[string]*Monitor),
	}, nil
}

// Create opens a project session seeded with files and starts monitoring.
//
// Inputs:
//   - id: Project session ID. Empty generates one.
//   - files: Initial file set.
//   - structure: Project tree shown to the oracle. Nil derives it.
//
// Outputs:
//   - *Monitor: The monitoring project.
//   - error: ErrDuplicateSession, ErrClosed or a configuration error.
func (r *Registry) Create(id string, files []fileset.File, structure []string) (*Monitor, error) {
	return r.CreateWithStore(id, fileset.NewStore(files), structure)
}

// CreateWithStore opens a project session over an existing file set, such
// as a directory-backed workspace store.
func (r *Registry) CreateWithStore(id string, store *fileset.Store, structure []string) (*Monitor, error) {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if _, ok := r.monitors[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	deps := r.deps
	deps.Store = store
	m, err := New(id, r.config, deps)
	if err != nil {
		return nil, err
	}
	if err := m.StartMonitoring(nil, structure); err != nil {
		return nil, err
	}
	r.monitors[id] = m
	observability.ProjectOpened()
	r.logger.Info("project session opened", slog.String("project_id", id), slog.Int("files", store.Len()))
	return m, nil
}

// Get returns the monitor for id.
func (r *Registry) Get(id string) (*Monitor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.monitors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m, nil
}

// IDs returns the open project session IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.monitors))
	for id := range r.monitors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of open project sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.monitors)
}

// Close closes and removes one project session.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	m, ok := r.monitors[id]
	if ok {
		delete(r.monitors, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	observability.ProjectClosed()
	r.logger.Info("project session closed", slog.String("project_id", id))
	return m.Close(ctx)
}

// CloseAll closes every project session and refuses new ones.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	monitors := r.monitors
	r.monitors = make(map[string]*Monitor)
	r.mu.Unlock()

	var errs []error
	for _, m := range monitors {
		observability.ProjectClosed()
		if err := m.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
