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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/mend/services/mend/config"
	"github.com/AleutianAI/mend/services/mend/events"
	"github.com/AleutianAI/mend/services/mend/monitor"
	"github.com/AleutianAI/mend/services/mend/observer"
	"github.com/AleutianAI/mend/services/mend/oracle"
	"github.com/AleutianAI/mend/services/mend/repair"
	"github.com/AleutianAI/mend/services/mend/workspace"
)

// replayOptions configures one replay run.
type replayOptions struct {
	Project string
	Events  string
	Script  string
	Write   bool
	Accept  bool
	Timeout time.Duration
}

// replaySummary is what a replay did.
type replaySummary struct {
	Events   int
	Repairs  int
	Fixed    []string
	Pending  []string
	Written  bool
	Failures int
}

func newReplayCmd() *cobra.Command {
	var opts replayOptions
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded build event log against a local project",
		Long: `Loads the project directory, feeds each recorded event to a monitor,
and prints the resulting repair timeline. The oracle is either a scripted
fixture (--script) or the backend from the config file.

Fixed files are only written to disk with --write. Edits made to the
project while the replay runs are picked up by a file watcher.`,
		Example: `  mend replay --project ./app --events build.jsonl --script fixtures/unclosed-div.yaml
  mend replay --project ./app --events build.json --write`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := replayConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Logging, false)
			if err != nil {
				return err
			}
			defer logger.Close()

			summary, err := runReplay(cmd.Context(), cfg, opts, newTimeline(cmd.OutOrStdout()), logger.Slog())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d events, %d repairs, %d fixed, %d pending, %d failed\n",
				summary.Events, summary.Repairs, len(summary.Fixed), len(summary.Pending), summary.Failures)
			if len(summary.Fixed) > 0 && !summary.Written {
				fmt.Fprintln(cmd.OutOrStdout(), "dry run: rerun with --write to update files on disk")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Project, "project", ".", "Project directory")
	cmd.Flags().StringVar(&opts.Events, "events", "", "Event log: a JSON array or one JSON event per line")
	cmd.Flags().StringVar(&opts.Script, "script", "", "Scripted oracle fixture (YAML). Default: the configured backend")
	cmd.Flags().BoolVar(&opts.Write, "write", false, "Write fixed files back to the project")
	cmd.Flags().BoolVar(&opts.Accept, "accept", false, "Accept held repairs when auto_apply is off")
	cmd.Flags().DurationVar(&opts.Timeout, "repair-timeout", 5*time.Minute, "Maximum wait for each repair")
	_ = cmd.MarkFlagRequired("events")
	return cmd
}

// replayConfig loads --config when given and uses defaults otherwise,
// without creating a file.
func replayConfig() (config.Config, error) {
	if configPath == "" {
		cfg := config.DefaultConfig()
		cfg.ApplyEnv(os.Getenv)
		return cfg, cfg.Validate()
	}
	cfg, _, err := config.Load(configPath)
	return cfg, err
}

// runReplay feeds the event log to a monitor over the project directory.
//
// # Description
//
// Events are handled in order. When an event admits a repair, the replay
// waits for it to finish before feeding the next one, so the timeline is
// deterministic for a scripted oracle.
//
// # Outputs
//
//   - replaySummary: Counts and the files that were fixed.
//   - error: Load, oracle, or write-back failures. Failed repairs are
//     counted, not returned.
func runReplay(ctx context.Context, cfg config.Config, opts replayOptions, tl *timeline, logger *slog.Logger) (replaySummary, error) {
	var summary replaySummary
	if ctx == nil {
		ctx = context.Background()
	}

	evs, err := readEventLog(opts.Events)
	if err != nil {
		return summary, err
	}

	o, err := replayOracle(cfg, opts, logger)
	if err != nil {
		return summary, err
	}

	root, err := filepath.Abs(opts.Project)
	if err != nil {
		return summary, err
	}
	ws, err := workspace.Open(workspace.Config{Root: root}, logger)
	if err != nil {
		return summary, err
	}
	watcher, err := ws.Watch(ctx, func(changes []workspace.Change) {
		for _, c := range changes {
			logger.Info("project file changed on disk", slog.String("path", c.Path), slog.String("op", c.Op.String()))
		}
	})
	if err != nil {
		logger.Warn("file watcher disabled", slog.String("error", err.Error()))
	} else {
		defer watcher.Stop()
	}

	m, err := monitor.New(filepath.Base(root), cfg.Monitor(), monitor.Deps{
		Oracle: o,
		Store:  ws.Store(),
		Logger: logger,
	})
	if err != nil {
		return summary, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = m.Close(closeCtx)
	}()

	fixed := make(map[string]bool)
	pending := make(map[string]bool)
	terminal := make(map[string]repair.Stage)
	unsubscribe := m.Subscribe(func(ev *events.Event) {
		tl.event(ev)
		switch data := ev.Data.(type) {
		case repair.Progress:
			if data.Terminal() {
				terminal[data.SessionID] = data.Stage
			}
		case events.FilesFixedData:
			for _, f := range data.Files {
				fixed[f] = true
			}
		case events.PendingData:
			pending[data.RepairID] = true
		case events.DiscardedData:
			delete(pending, data.RepairID)
		}
	})
	defer unsubscribe()

	if err := m.StartMonitoring(nil, ws.Structure()); err != nil {
		return summary, err
	}

	for i, ev := range evs {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Events++
		out := m.HandleEvent(ctx, ev)
		tl.outcome(i+1, ev, out)
		if !out.Admitted {
			continue
		}
		summary.Repairs++

		waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		err := m.WaitIdle(waitCtx)
		cancel()
		if err != nil {
			m.StopCurrentRepair()
			return summary, fmt.Errorf("repair %s did not finish: %w", out.SessionID, err)
		}

		if p, ok := m.Pending(); ok && opts.Accept {
			res, err := m.AcceptRepair(ctx, p.RepairID)
			if err != nil {
				logger.Warn("accept failed", slog.String("repair_id", p.RepairID), slog.String("error", err.Error()))
			} else {
				delete(pending, p.RepairID)
				for _, f := range res.Modified() {
					fixed[f] = true
				}
			}
		}
		if terminal[out.SessionID] != repair.StageComplete {
			summary.Failures++
		}
	}

	summary.Fixed = sortedKeys(fixed)
	summary.Pending = sortedKeys(pending)
	if opts.Write && len(summary.Fixed) > 0 {
		if err := ws.WriteBack(summary.Fixed); err != nil {
			return summary, err
		}
		summary.Written = true
	}
	return summary, nil
}

func replayOracle(cfg config.Config, opts replayOptions, logger *slog.Logger) (oracle.Oracle, error) {
	if opts.Script == "" {
		return oracle.New(cfg.Oracle, logger)
	}
	script, err := oracle.LoadScript(opts.Script)
	if err != nil {
		return nil, err
	}
	return oracle.NewScripted(script), nil
}

// readEventLog reads a JSON array of events or one JSON event per line.
// Blank lines and lines starting with "#" are skipped.
func readEventLog(path string) ([]observer.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	return parseEventLog(f)
}

func parseEventLog(r io.Reader) ([]observer.Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("event log is empty")
	}

	var evs []observer.Event
	if data[0] == '[' {
		if err := json.Unmarshal(data, &evs); err != nil {
			return nil, fmt.Errorf("parse event log: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
		line := 0
		for scanner.Scan() {
			line++
			text := bytes.TrimSpace(scanner.Bytes())
			if len(text) == 0 || text[0] == '#' {
				continue
			}
			var ev observer.Event
			if err := json.Unmarshal(text, &ev); err != nil {
				return nil, fmt.Errorf("event log line %d: %w", line, err)
			}
			evs = append(evs, ev)
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	validate := validator.New()
	for i := range evs {
		if err := validate.Struct(&evs[i]); err != nil {
			return nil, fmt.Errorf("event %d: %w", i+1, err)
		}
	}
	return evs, nil
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
