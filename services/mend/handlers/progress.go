// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/mend/services/mend/events"
	"github.com/AleutianAI/mend/services/mend/repair"
)

// progressTypes are the event types streamed to progress subscribers.
var progressTypes = []events.Type{events.TypeProgress, events.TypeFilesFixed, events.TypeRepairPending, events.TypeRepairDiscarded}

// completeLinger bounds the wait for the files_fixed or repair_pending
// event that follows a Complete record when streaming with once=true.
const completeLinger = time.Second

// sseWriter writes Server-Sent Events.
//
// Thread Safety: Safe for concurrent use.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// writeEvent writes ev with its ID, so clients can resume and dedupe.
func (w *sseWriter) writeEvent(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) writeKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprint(w.writer, ": keep-alive\n\n"); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// HandleProgress handles GET /v1/sessions/:id/progress.
//
// Description:
//
//	Streams progress, files_fixed and repair_pending events as
//	Server-Sent Events until the client disconnects.
//
// Query Parameters:
//
//	replay: "true" first sends the buffered recent events
//	once:   "true" ends the stream after the next terminal record and
//	        its files_fixed or repair_pending follow-up
//
// Response:
//
//	200 OK: text/event-stream
//	404 Not Found: Unknown session
func (h *Handlers) HandleProgress(c *gin.Context) {
	m, ok := h.monitorFor(c)
	if !ok {
		return
	}
	w, err := newSSEWriter(c.Writer)
	if err != nil {
		h.fail(c, err)
		return
	}

	ch := make(chan events.Event, 64)
	unsubscribe := m.Subscribe(func(ev *events.Event) {
		select {
		case ch <- *ev:
		default:
			h.logger.Warn("progress subscriber lagging, event dropped",
				slog.String("session_id", m.ID()),
				slog.String("type", string(ev.Type)))
		}
	}, progressTypes...)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	w.flusher.Flush()

	replayed := make(map[string]bool)
	if c.Query("replay") == "true" {
		for _, ev := range m.RecentEvents() {
			if !isProgressType(ev.Type) {
				continue
			}
			replayed[ev.ID] = true
			if err := w.writeEvent(ev); err != nil {
				return
			}
		}
	}

	once := c.Query("once") == "true"
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	var linger <-chan time.Time

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-linger:
			return
		case <-ticker.C:
			if err := w.writeKeepAlive(); err != nil {
				return
			}
		case ev := <-ch:
			if replayed[ev.ID] {
				continue
			}
			if err := w.writeEvent(ev); err != nil {
				return
			}
			if !once {
				continue
			}
			switch ev.Type {
			case events.TypeFilesFixed, events.TypeRepairPending:
				return
			case events.TypeProgress:
				p, ok := ev.Data.(repair.Progress)
				if !ok || !p.Terminal() {
					continue
				}
				if p.Stage != repair.StageComplete {
					return
				}
				linger = time.After(completeLinger)
			}
		}
	}
}

func isProgressType(t events.Type) bool {
	for _, pt := range progressTypes {
		if t == pt {
			return true
		}
	}
	return false
}
