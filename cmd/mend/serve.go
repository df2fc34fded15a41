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
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/mend/services/mend"
	"github.com/AleutianAI/mend/services/mend/config"
)

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mend HTTP API",
		Long: `Starts the HTTP API. Sandboxes open a project session, stream build
events over HTTP or WebSocket, and follow repair progress over SSE.
The config file is created with defaults on first run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (overrides config and MEND_PORT)")
	return cmd
}

func runServe(parent context.Context, port int) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	cfg, created, err := config.Load(path)
	if err != nil {
		return err
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	cfg.Telemetry.ServiceVersion = Version

	logger, err := newLogger(cfg.Logging, false)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if created {
		slog.Info("wrote default configuration", slog.String("path", path))
	}
	if p := logger.Path(); p != "" {
		slog.Info("logging to file", slog.String("path", p))
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := mend.New(ctx, cfg, logger.Slog())
	if err != nil {
		return fmt.Errorf("start mend: %w", err)
	}
	return svc.Run(ctx)
}
