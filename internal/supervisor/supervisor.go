// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package supervisor assembles the supervision core: error handling,
// health monitoring, the process linker, feature lifecycle, and
// shutdown coordination, all hosted under a suture tree. A Supervisor
// is an explicit context struct constructed once at process entry and
// passed by reference; multiple independent Supervisors can coexist in
// one process.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/errorhandler"
	"github.com/tomtom215/vigil/internal/feature"
	"github.com/tomtom215/vigil/internal/health"
	"github.com/tomtom215/vigil/internal/journal"
	"github.com/tomtom215/vigil/internal/linker"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/shutdown"
)

// Supervisor wires the supervision core together and owns its runtime.
// Fields are exported so hosts and features can reach each component's
// API surface directly.
type Supervisor struct {
	Errors   *errorhandler.Handler
	Health   *health.Monitor
	Linker   *linker.Linker
	Features *feature.Manager
	Shutdown *shutdown.Handler
	Journal  *journal.Journal

	// UncleanStart is true when the journal shows the previous run ended
	// without a recorded shutdown.
	UncleanStart bool

	cfg  *config.Config
	bus  *linker.Bus
	tree *SupervisorTree
}

// New constructs a Supervisor from validated configuration. Components
// are wired in dependency order: bus first, then error handling, health,
// feature lifecycle, and the shutdown handler that ties them together.
func New(cfg *config.Config) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor config: %w", err)
	}

	bus, err := linker.NewBus(linker.DefaultBusConfig(), linker.NewWatermillLogger())
	if err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}

	s := &Supervisor{
		cfg:    cfg,
		bus:    bus,
		Linker: linker.New(bus),
	}

	s.Shutdown = shutdown.New(cfg.Shutdown, bus)

	// Panics under the shutdown policy and health-detected freezes both
	// funnel into the same idempotent shutdown sequence. The goroutine
	// keeps Initiate's blocking run off the reporting path.
	requestShutdown := func(reason string) {
		go s.Shutdown.Initiate(reason)
	}

	s.Errors = errorhandler.New(cfg.ErrorHandler, bus, requestShutdown)

	s.Health, err = health.New(cfg.Health, bus)
	if err != nil {
		return nil, fmt.Errorf("create health monitor: %w", err)
	}
	s.Health.OnRestartRequest(func(reason string) {
		requestShutdown("auto-restart: " + reason)
	})

	s.Features = feature.NewManager(s.Errors, s.Linker, cfg.Features, cfg.Shutdown.StopTimeout)

	// Feature health feeds the monitor's aggregate verdict.
	if err := s.Health.RegisterCheck("features", func(ctx context.Context) error {
		healthy, _ := s.Features.SystemHealth()
		if !healthy {
			return fmt.Errorf("one or more features degraded")
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("register feature check: %w", err)
	}

	// Features stop before anything else during shutdown. The hook's
	// bound scales with the feature count: each Stop is already limited
	// to StopTimeout, so the sequence may legitimately need the sum.
	featureBudget := func() time.Duration {
		return time.Duration(s.Features.Count()+1) * cfg.Shutdown.StopTimeout
	}
	if err := s.Shutdown.RegisterScaledHook("features", 100, featureBudget, func(ctx context.Context) error {
		s.Features.Shutdown(ctx)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("register feature hook: %w", err)
	}

	if cfg.Journal.Enabled {
		if err := s.openJournal(cfg.Journal.Path); err != nil {
			return nil, err
		}
	}

	s.tree, err = NewSupervisorTree(logging.NewSlogLogger(), TreeConfig{
		FailureThreshold: cfg.Supervisor.FailureThreshold,
		FailureDecay:     cfg.Supervisor.FailureDecay,
		FailureBackoff:   cfg.Supervisor.FailureBackoff,
		ShutdownTimeout:  cfg.Supervisor.ShutdownTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create supervisor tree: %w", err)
	}

	s.tree.AddCoreService(bus)
	s.tree.AddMonitoringService(s.Health)
	s.tree.AddMonitoringService(s.Shutdown)

	return s, nil
}

// openJournal opens the lifecycle journal, records this start, and
// arranges for the shutdown outcome to be persisted.
func (s *Supervisor) openJournal(path string) error {
	j, err := journal.Open(path)
	if err != nil {
		return fmt.Errorf("open lifecycle journal: %w", err)
	}
	s.Journal = j

	unclean, err := j.RecordStart(os.Getpid())
	if err != nil {
		//nolint:errcheck // already failing, close is best effort
		_ = j.Close()
		return fmt.Errorf("record start: %w", err)
	}
	s.UncleanStart = unclean

	s.Shutdown.OnComplete(func(reason string, clean bool) {
		if err := j.RecordShutdown(reason, clean); err != nil {
			logging.Error().Err(err).Msg("Failed to journal shutdown outcome")
		}
		if err := j.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close lifecycle journal")
		}
	})
	return nil
}

// RegisterFeature registers a feature for lifecycle management.
func (s *Supervisor) RegisterFeature(name string, impl feature.Feature, opts feature.Options) error {
	return s.Features.RegisterFeature(name, impl, opts)
}

// OnRestartRequest sets the callback a process manager uses to relaunch
// without terminating. Only meaningful when the shutdown mode is restart.
func (s *Supervisor) OnRestartRequest(fn func(reason string)) {
	s.Shutdown.OnRestartRequest(fn)
}

// Tree exposes the underlying suture tree so hosts can attach their own
// supervised services alongside the core.
func (s *Supervisor) Tree() *SupervisorTree {
	return s.tree
}

// Bus exposes the event bus for hosts that subscribe outside feature
// code.
func (s *Supervisor) Bus() *linker.Bus {
	return s.bus
}

// Run starts the supervision tree, brings all registered features up in
// dependency order, and blocks until the context is canceled or
// shutdown completes. The tree keeps serving during feature startup so
// events published from Initialize and Start are delivered.
func (s *Supervisor) Run(ctx context.Context) error {
	treeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := s.tree.ServeBackground(treeCtx)

	select {
	case <-s.bus.Running():
	case err := <-errCh:
		return fmt.Errorf("supervision tree stopped during startup: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.Features.InitializeAll(ctx); err != nil {
		return fmt.Errorf("initialize features: %w", err)
	}
	if err := s.Features.StartAll(ctx); err != nil {
		return fmt.Errorf("start features: %w", err)
	}

	logging.Info().Msg("Supervisor running")

	select {
	case <-ctx.Done():
		// Host-driven cancellation drains through the same sequence as a
		// signal would.
		s.Shutdown.Initiate("context canceled")
		return ctx.Err()
	case <-s.Shutdown.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("supervision tree stopped: %w", err)
	}
}
