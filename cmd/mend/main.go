// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command mend runs the build-error repair service and its offline tools.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/mend/pkg/logging"
	"github.com/AleutianAI/mend/services/mend/config"
	"github.com/AleutianAI/mend/services/mend/handlers"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configPath string
	logLevel   string
	logJSON    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mend",
		Short: "Watch a build for errors and repair them automatically",
		Long: `mend observes build and runtime events from a sandboxed web project,
deduplicates faults, and drives an LLM through root-cause analysis and a
verified fix. Run "mend serve" for the HTTP API or "mend replay" to run a
recorded event log against a local project.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			handlers.ServiceVersion = Version
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.mend/mend.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	root.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write stderr logs as JSON")

	root.AddCommand(newServeCmd(), newReplayCmd(), newConfigCmd(), newVersionCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns --config or the default location.
func resolveConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	return config.DefaultPath()
}

// newLogger builds the process logger from the config and flags.
func newLogger(cfg config.LoggingConfig, quiet bool) (*logging.Logger, error) {
	name := cfg.Level
	if logLevel != "" {
		name = logLevel
	}
	level, err := logging.ParseLevel(name)
	if err != nil {
		return nil, fmt.Errorf("--log-level: %w", err)
	}
	return logging.New(logging.Config{
		Level:   level,
		JSON:    cfg.JSON || logJSON,
		LogDir:  cfg.Dir,
		Service: "mend",
		Quiet:   quiet,
	}), nil
}
