// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mend wires the repair service: oracle, journal, project
// registry, telemetry and the HTTP API.
package mend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/mend/services/mend/config"
	"github.com/AleutianAI/mend/services/mend/handlers"
	"github.com/AleutianAI/mend/services/mend/journal"
	"github.com/AleutianAI/mend/services/mend/monitor"
	"github.com/AleutianAI/mend/services/mend/oracle"
	"github.com/AleutianAI/mend/services/mend/routes"
	"github.com/AleutianAI/mend/services/mend/telemetry"
)

// ErrServiceClosed is returned by Serve after Close.
var ErrServiceClosed = errors.New("mend: service closed")

// =============================================================================
// Options
// =============================================================================

// Option customizes a Service.
type Option func(*options)

type options struct {
	oracle oracle.Oracle
}

// WithOracle replaces the configured oracle backend. Used by replay and
// tests to run against a scripted backend.
func WithOracle(o oracle.Oracle) Option {
	return func(opts *options) {
		opts.oracle = o
	}
}

// =============================================================================
// Service
// =============================================================================

// Service is a running mend instance.
//
// # Description
//
// Service owns every long-lived collaborator: the telemetry providers,
// the instrumented oracle, the badger journal and the project registry.
// Router exposes the configured Gin engine; Run serves it until ctx ends
// and then shuts down gracefully.
//
// # Thread Safety
//
// Run must be called at most once. Close is idempotent.
type Service struct {
	config   config.Config
	logger   *slog.Logger
	registry *monitor.Registry
	journal  *journal.Journal
	router   *gin.Engine

	telemetryShutdown func(context.Context) error
	closed            chan struct{}
	closeOnce         sync.Once
	closeErr          error
}

// New builds a Service from cfg.
//
// # Inputs
//
//   - ctx: Used while initialising exporters.
//   - cfg: Validated configuration.
//   - logger: Process logger. Nil uses slog.Default().
//   - opts: Optional overrides.
//
// # Outputs
//
//   - *Service: Ready to Run.
//   - error: Configuration, exporter, oracle or journal failure. Partially
//     acquired resources are released.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		config: cfg,
		logger: logger.With(slog.String("component", "service")),
		closed: make(chan struct{}),
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	s.telemetryShutdown = shutdown

	backend := o.oracle
	if backend == nil {
		backend, err = oracle.New(cfg.Oracle, logger)
		if err != nil {
			_ = s.cleanup(ctx)
			return nil, fmt.Errorf("create oracle: %w", err)
		}
	}
	instrumented, err := telemetry.InstrumentOracle(backend)
	if err != nil {
		s.logger.Warn("oracle metrics disabled", slog.String("error", err.Error()))
	}

	s.journal, err = journal.Open(cfg.Journal, logger)
	if err != nil {
		_ = s.cleanup(ctx)
		return nil, fmt.Errorf("open journal: %w", err)
	}

	s.registry, err = monitor.NewRegistry(cfg.Monitor(), monitor.Deps{
		Oracle:  instrumented,
		Journal: s.journal,
		Logger:  logger,
	})
	if err != nil {
		_ = s.cleanup(ctx)
		return nil, err
	}

	s.initRouter()
	s.logger.Info("service initialised",
		slog.String("oracle", instrumented.Name()),
		slog.String("journal", journalLocation(cfg.Journal)),
		slog.Int("port", cfg.Server.Port),
	)
	return s, nil
}

func journalLocation(cfg journal.Config) string {
	if cfg.InMemory {
		return "memory"
	}
	return cfg.Path
}

// initRouter creates the Gin engine, applies middleware and registers
// all routes.
func (s *Service) initRouter() {
	if s.config.Server.GinMode != "" {
		gin.SetMode(s.config.Server.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(s.config.Telemetry.ServiceName))

	h := handlers.NewHandlers(s.registry,
		handlers.WithJournal(s.journal),
		handlers.WithIngestLimit(handlers.IngestLimit{
			EventsPerSecond: s.config.Ingest.EventsPerSecond,
			Burst:           s.config.Ingest.Burst,
		}),
		handlers.WithLogger(s.logger),
	)
	routes.SetupRoutes(s.router, h)
}

// Router returns the configured Gin engine.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Registry returns the project registry.
func (s *Service) Registry() *monitor.Registry {
	return s.registry
}

// Run listens on the configured port and serves until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx ends, then drains in-flight
// requests within the shutdown timeout and closes the service.
//
// # Outputs
//
//   - error: nil on a clean shutdown, the server error otherwise.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	select {
	case <-s.closed:
		_ = ln.Close()
		return ErrServiceClosed
	default:
	}

	// Request contexts end when shutdown starts so streaming handlers
	// return instead of holding Shutdown until its deadline.
	baseCtx, cancelBase := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBase()
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting mend server", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.Server.ShutdownTimeout)
		defer cancel()

		s.logger.Info("shutting down mend server")
		cancelBase()
		var errs []error
		errs = append(errs, s.registry.CloseAll(shutdownCtx))
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
		errs = append(errs, s.Close(shutdownCtx))
		return errors.Join(errs...)
	})
	return g.Wait()
}

// Close stops every project session and releases the journal and
// telemetry providers.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.closeErr = s.cleanup(ctx)
	})
	return s.closeErr
}

func (s *Service) cleanup(ctx context.Context) error {
	var errs []error
	if s.registry != nil {
		errs = append(errs, s.registry.CloseAll(ctx))
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
