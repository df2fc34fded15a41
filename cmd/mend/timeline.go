// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/mend/services/mend/events"
	"github.com/AleutianAI/mend/services/mend/monitor"
	"github.com/AleutianAI/mend/services/mend/observer"
	"github.com/AleutianAI/mend/services/mend/repair"
)

var (
	colorTeal  = lipgloss.Color("#2CD7C7")
	colorAmber = lipgloss.Color("#F4D03F")
	colorRed   = lipgloss.Color("#E74C3C")
	colorSlate = lipgloss.Color("#2C4A54")
)

type timelineStyles struct {
	stage   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
}

func plainStyles() timelineStyles {
	s := lipgloss.NewStyle()
	return timelineStyles{stage: s, success: s, warning: s, failure: s, muted: s}
}

func colorStyles() timelineStyles {
	return timelineStyles{
		stage:   lipgloss.NewStyle().Bold(true).Foreground(colorTeal),
		success: lipgloss.NewStyle().Foreground(colorTeal),
		warning: lipgloss.NewStyle().Foreground(colorAmber),
		failure: lipgloss.NewStyle().Foreground(colorRed),
		muted:   lipgloss.NewStyle().Foreground(colorSlate),
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// timeline prints replay outcomes and repair events, one line each.
//
// Thread Safety: Safe for concurrent use.
type timeline struct {
	mu     sync.Mutex
	out    io.Writer
	styles timelineStyles
}

func newTimeline(out io.Writer) *timeline {
	styles := plainStyles()
	if isTerminal(out) {
		styles = colorStyles()
	}
	return &timeline{out: out, styles: styles}
}

func (t *timeline) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

// outcome prints what the monitor did with the n-th event.
func (t *timeline) outcome(n int, ev observer.Event, out monitor.Outcome) {
	label := fmt.Sprintf("#%-3d %-12s", n, ev.Kind)
	switch {
	case out.Admitted:
		t.printf("%s %s %s", label, t.styles.warning.Render("fault"), truncate(ev.Message, 72))
	case out.Reason != "":
		t.printf("%s %s", label, t.styles.muted.Render("suppressed: "+string(out.Reason)))
	case out.Signal != observer.SignalNone.String():
		t.printf("%s %s", label, t.styles.success.Render(out.Signal))
	default:
		t.printf("%s %s", label, t.styles.muted.Render("-"))
	}
}

// event prints one repair event.
func (t *timeline) event(ev *events.Event) {
	switch data := ev.Data.(type) {
	case repair.Progress:
		t.progress(data)
	case events.FilesFixedData:
		t.printf("     %s %s", t.styles.success.Render("fixed"), strings.Join(data.Files, ", "))
	case events.PendingData:
		t.printf("     %s %s (+%d -%d)", t.styles.warning.Render("pending"),
			strings.Join(data.Files, ", "), data.Stat.Added, data.Stat.Deleted)
	case events.DiscardedData:
		t.printf("     %s %s (%s)", t.styles.muted.Render("discarded"), data.RepairID, data.Reason)
	case events.SandboxControlData:
		state := "paused"
		if data.AutoReload {
			state = "resumed"
		}
		t.printf("     %s", t.styles.muted.Render(fmt.Sprintf("sandbox reload %s, debounce %dms", state, data.DebounceMillis)))
	}
}

func (t *timeline) progress(p repair.Progress) {
	style := t.styles.stage
	switch p.Stage {
	case repair.StageComplete:
		style = t.styles.success
	case repair.StageFailed, repair.StageAborted:
		style = t.styles.failure
	}
	line := fmt.Sprintf("     [%3d%%] %s", p.Percent, style.Render(p.Stage.String()))
	if p.Message != "" {
		line += " " + p.Message
	}
	if p.Error != "" {
		line += " " + t.styles.failure.Render(p.Error)
	}
	t.printf("%s", line)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
