// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrInvalidConfig is returned when the journal configuration is invalid.
	ErrInvalidConfig = errors.New("invalid journal configuration")

	// ErrInvalidEntry is returned by Append for entries missing IDs.
	ErrInvalidEntry = errors.New("invalid journal entry")

	// ErrNotFound is returned by Get for unknown repairs.
	ErrNotFound = errors.New("journal entry not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("journal is closed")
)

// DefaultListLimit bounds List when the caller passes no limit.
const DefaultListLimit = 100

const keyPrefix = "repair/"

// Entry summarizes one terminal repair session.
type Entry struct {
	RepairID    string        `json:"repair_id"`
	ProjectID   string        `json:"project_id"`
	Fingerprint string        `json:"fingerprint"`
	FaultKind   string        `json:"fault_kind"`
	FaultFile   string        `json:"fault_file,omitempty"`
	Outcome     string        `json:"outcome"`
	Percent     int           `json:"percent"`
	Error       string        `json:"error,omitempty"`
	RootCause   string        `json:"root_cause,omitempty"`
	Strategy    string        `json:"strategy,omitempty"`
	Files       []string      `json:"files,omitempty"`
	Conflicts   []string      `json:"conflicts,omitempty"`
	Warnings    int           `json:"warnings"`
	Applied     bool          `json:"applied"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at"`
	Duration    time.Duration `json:"duration_ns"`
}

// Journal is the badger-backed repair history.
//
// Thread Safety: Safe for concurrent use.
type Journal struct {
	db     *badger.DB
	gc     *gcRunner
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens the journal.
//
// Inputs:
//   - cfg: Zero fields take defaults. Path is required unless InMemory.
//   - logger: Nil uses slog.Default().
//
// Outputs:
//   - *Journal: Call Close when done.
//   - error: ErrInvalidConfig or a database open error.
func Open(cfg Config, logger *slog.Logger) (*Journal, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "journal"))

	db, err := openDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	j := &Journal{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		j.gc = newGCRunner(db, cfg.GCInterval, logger)
		j.gc.start()
	}
	logger.Info("journal opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
	)
	return j, nil
}

// OpenInMemory opens a RAM-only journal.
func OpenInMemory(logger *slog.Logger) (*Journal, error) {
	return Open(Config{InMemory: true}, logger)
}

// entryKey orders a project's entries by start time. The timestamp is
// zero-padded so byte order matches time order.
func entryKey(projectID string, startedAt time.Time, repairID string) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", keyPrefix, projectID, startedAt.UnixNano(), repairID))
}

func projectPrefix(projectID string) []byte {
	return []byte(keyPrefix + projectID + "/")
}

// Append stores e.
//
// Inputs:
//   - ctx: Checked before the write.
//   - e: RepairID and ProjectID are required. A zero EndedAt is set to now.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if e.RepairID == "" || e.ProjectID == "" {
		return fmt.Errorf("%w: repair_id and project_id are required", ErrInvalidEntry)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("append cancelled: %w", err)
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = time.Now()
	}
	if e.Duration == 0 && !e.StartedAt.IsZero() {
		e.Duration = e.EndedAt.Sub(e.StartedAt)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(e.ProjectID, e.StartedAt, e.RepairID), data)
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return ErrClosed
		}
		return fmt.Errorf("write journal entry %s: %w", e.RepairID, err)
	}
	return nil
}

// List returns up to limit entries for a project, newest first.
//
// Inputs:
//   - limit: Zero or negative uses DefaultListLimit.
//
// Outputs:
//   - []Entry: Never nil.
func (j *Journal) List(ctx context.Context, projectID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("list cancelled: %w", err)
	}

	out := []Entry{}
	prefix := projectPrefix(projectID)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode journal entry %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrDBClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return out, nil
}

// Get returns one entry by repair ID.
func (j *Journal) Get(ctx context.Context, projectID, repairID string) (Entry, error) {
	entries, err := j.List(ctx, projectID, 1<<30)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.RepairID == repairID {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, repairID)
}

// Close stops GC and closes the database. Safe to call more than once.
func (j *Journal) Close() error {
	j.closeOnce.Do(func() {
		if j.gc != nil {
			j.gc.stop()
		}
		j.closeErr = j.db.Close()
	})
	return j.closeErr
}
