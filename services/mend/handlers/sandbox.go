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
	"errors"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/mend/services/mend/events"
	"github.com/AleutianAI/mend/services/mend/observer"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 1 << 20
	wsSendBuffer = 64
)

// Frame types sent on the sandbox channel.
const (
	frameSandboxControl = string(events.TypeSandboxControl)
	frameOutcome        = "outcome"
	frameError          = "error"
)

// HandleSandbox handles GET /v1/sessions/:id/sandbox.
//
// Description:
//
//	Upgrades to a WebSocket. The build sandbox sends observer.Event JSON
//	messages; each is fed to the monitor and answered with an "outcome"
//	frame. Reload-policy changes are pushed as "sandbox_control" frames:
//
//	{"type":"sandbox_control","auto_reload":false,"recompile_debounce_ms":2000}
//
//	A single writer goroutine owns the connection's write side.
//
// Response:
//
//	101 Switching Protocols
//	404 Not Found: Unknown session
func (h *Handlers) HandleSandbox(c *gin.Context) {
	m, ok := h.monitorFor(c)
	if !ok {
		return
	}
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	logger := h.logger.With(slog.String("session_id", m.ID()))
	logger.Info("sandbox connected")

	send := make(chan sandboxFrame, wsSendBuffer)
	done := make(chan struct{})
	unsubscribe := m.Subscribe(func(ev *events.Event) {
		data, ok := ev.Data.(events.SandboxControlData)
		if !ok {
			return
		}
		frame := sandboxFrame{Type: frameSandboxControl, AutoReload: &data.AutoReload, DebounceMillis: &data.DebounceMillis}
		select {
		case send <- frame:
		case <-done:
		default:
			logger.Warn("sandbox channel lagging, control frame dropped")
		}
	}, events.TypeSandboxControl)
	defer unsubscribe()

	writerDone := make(chan struct{})
	go h.writeFrames(ws, send, done, writerDone, logger)
	defer func() {
		close(done)
		<-writerDone
	}()

	ws.SetReadLimit(wsMaxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx := c.Request.Context()
	for {
		var ev observer.Event
		if err := ws.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("sandbox read failed", slog.String("error", err.Error()))
			} else {
				logger.Info("sandbox disconnected")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))

		frame := sandboxFrame{Type: frameOutcome}
		outcomes, err := h.ingest(ctx, m, []observer.Event{ev})
		if err != nil {
			frame = sandboxFrame{Type: frameError, Error: err.Error()}
		} else {
			frame.Outcome = &outcomes[0]
		}
		select {
		case send <- frame:
		case <-writerDone:
			return
		case <-ctx.Done():
			return
		}
	}
}

// writeFrames drains send until done closes, pinging on an interval.
func (h *Handlers) writeFrames(ws *websocket.Conn, send <-chan sandboxFrame, done <-chan struct{}, writerDone chan<- struct{}, logger *slog.Logger) {
	defer close(writerDone)
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(wsWriteWait))
			return
		case frame := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(frame); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					logger.Warn("sandbox write failed", slog.String("error", err.Error()))
				}
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
