// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeOp is the kind of a file change.
type ChangeOp int

const (
	// ChangeWrite means the file was created or modified.
	ChangeWrite ChangeOp = iota

	// ChangeRemove means the file was deleted or renamed away.
	ChangeRemove
)

// String returns the operation name.
func (op ChangeOp) String() string {
	switch op {
	case ChangeWrite:
		return "write"
	case ChangeRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Change is one applied file-set change.
type Change struct {
	Path string
	Op   ChangeOp
	Time time.Time
}

// ChangeHandler is called with each debounced batch of changes that
// actually altered the store. Changes whose content matches the store,
// such as the echo of WriteBack, are dropped first.
type ChangeHandler func(changes []Change)

// Watcher feeds on-disk edits into the workspace store.
//
// # Description
//
// Watches the root recursively. Events are batched over the configured
// debounce window, deduplicated per path, then applied: written files are
// re-read and Put into the store, removed files are deleted from it.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type Watcher struct {
	ws      *Workspace
	watcher *fsnotify.Watcher
	handler ChangeHandler
	logger  *slog.Logger

	changes  chan Change
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Watch starts watching the workspace root.
//
// Inputs:
//   - ctx: Watching stops when ctx ends or Stop is called.
//   - handler: Receives applied changes. May be nil.
//
// Outputs:
//   - *Watcher: Call Stop when done.
//   - error: Non-nil if the watch could not be established.
func (w *Workspace) Watch(ctx context.Context, handler ChangeHandler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	wt := &Watcher{
		ws:      w,
		watcher: fw,
		handler: handler,
		logger:  w.logger.With(slog.String("subcomponent", "watcher")),
		changes: make(chan Change, 1024),
		done:    make(chan struct{}),
	}
	if err := wt.addRecursive(w.root); err != nil {
		_ = fw.Close()
		return nil, err
	}

	wt.wg.Add(2)
	go wt.processEvents(ctx)
	go wt.debounceLoop(ctx)
	return wt, nil
}

// Stop stops watching and waits for the goroutines to exit. Pending
// changes are flushed first.
func (wt *Watcher) Stop() {
	wt.stopOnce.Do(func() {
		close(wt.done)
		_ = wt.watcher.Close()
		wt.wg.Wait()
	})
}

func (wt *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if rel, relErr := wt.ws.rel(p); relErr == nil && rel != "" && wt.ws.ignoredDir(rel) {
			return filepath.SkipDir
		}
		if err := wt.watcher.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}

func (wt *Watcher) processEvents(ctx context.Context) {
	defer wt.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wt.done:
			return
		case event, ok := <-wt.watcher.Events:
			if !ok {
				return
			}
			wt.handleEvent(event)
		case err, ok := <-wt.watcher.Errors:
			if !ok {
				return
			}
			wt.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (wt *Watcher) handleEvent(event fsnotify.Event) {
	rel, err := wt.ws.rel(event.Name)
	if err != nil || rel == "" {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !wt.ws.ignoredDir(rel) {
				if err := wt.addRecursive(event.Name); err != nil {
					wt.logger.Warn("watch new directory failed", slog.String("error", err.Error()))
				}
			}
			return
		}
	}
	if !wt.ws.wanted(rel) {
		return
	}

	op := ChangeWrite
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		op = ChangeRemove
	}
	select {
	case wt.changes <- Change{Path: "/" + rel, Op: op, Time: time.Now()}:
	default:
		wt.logger.Warn("watcher buffer full, change dropped", slog.String("path", rel))
	}
}

func (wt *Watcher) debounceLoop(ctx context.Context) {
	defer wt.wg.Done()

	var batch []Change
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 {
			applied := wt.apply(dedupe(batch))
			if len(applied) > 0 && wt.handler != nil {
				wt.handler(applied)
			}
			batch = batch[:0]
		}
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-wt.done:
			flush()
			return
		case change := <-wt.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(wt.ws.config.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(wt.ws.config.Debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// apply writes a batch into the store and returns the changes that
// altered it. The disk state at flush time wins over the event op: a file
// removed and recreated within one window is a write.
func (wt *Watcher) apply(changes []Change) []Change {
	var applied []Change
	store := wt.ws.store
	for _, c := range changes {
		target, err := wt.ws.abs(c.Path)
		if err != nil {
			continue
		}
		content, ok, err := wt.ws.readFile(target)
		if err != nil {
			wt.logger.Warn("read changed file failed", slog.String("path", c.Path), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			if store.Delete(c.Path) {
				applied = append(applied, Change{Path: c.Path, Op: ChangeRemove, Time: c.Time})
			}
			continue
		}
		changed, err := store.Put(c.Path, content)
		if err != nil {
			wt.logger.Warn("store update failed", slog.String("path", c.Path), slog.String("error", err.Error()))
			continue
		}
		if changed {
			applied = append(applied, Change{Path: c.Path, Op: ChangeWrite, Time: c.Time})
		}
	}
	if len(applied) > 0 {
		wt.logger.Debug("workspace edits applied", slog.Int("files", len(applied)))
	}
	return applied
}

// dedupe keeps the latest change per path, in first-seen order.
func dedupe(changes []Change) []Change {
	seen := make(map[string]int)
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if i, ok := seen[c.Path]; ok {
			out[i] = c
			continue
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}
