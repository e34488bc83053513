// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package shutdown implements signal handling, in-flight operation
// draining, and prioritized cleanup hooks. The whole sequence is
// bounded: grace period for draining plus one timeout per hook, never
// indefinite.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/linker"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
)

// ErrDraining rejects new operations once shutdown has begun.
var ErrDraining = errors.New("shutting down, new operations rejected")

// Hook is one named cleanup action. Hooks run in descending priority
// order, each bounded by the configured hook timeout.
type Hook func(ctx context.Context) error

type hookEntry struct {
	name     string
	priority int
	seq      int
	fn       Hook

	// budget, when set, is evaluated at shutdown time and replaces the
	// configured hook timeout for this hook.
	budget func() time.Duration
}

// Handler coordinates graceful termination: it listens for SIGTERM and
// SIGINT, tracks in-flight operations, and runs registered hooks once.
type Handler struct {
	cfg config.ShutdownConfig
	bus *linker.Bus

	// onRestart is invoked instead of exiting when the mode is restart.
	onRestart func(reason string)

	// onComplete observes the final outcome before the process exits,
	// typically to journal it. May be nil.
	onComplete func(reason string, clean bool)

	// exitFunc terminates the process; replaced in tests.
	exitFunc func(code int)

	initiated atomic.Bool
	draining  atomic.Bool
	done      chan struct{}

	mu    sync.Mutex
	hooks []hookEntry
	ops   map[string]string // id -> operation name
}

// New creates a Handler. bus may be nil.
func New(cfg config.ShutdownConfig, bus *linker.Bus) *Handler {
	return &Handler{
		cfg:      cfg,
		bus:      bus,
		exitFunc: os.Exit,
		done:     make(chan struct{}),
		ops:      make(map[string]string),
	}
}

// OnRestartRequest sets the callback used in restart mode. Must be set
// before Serve when the configured mode is restart.
func (h *Handler) OnRestartRequest(fn func(reason string)) {
	h.onRestart = fn
}

// OnComplete sets the outcome observer, called after hooks finish and
// before the process terminates.
func (h *Handler) OnComplete(fn func(reason string, clean bool)) {
	h.onComplete = fn
}

// RegisterHook adds a cleanup action bounded by the configured hook
// timeout. Higher priority runs first; ties run in registration order.
// Registration after shutdown has begun is rejected.
func (h *Handler) RegisterHook(name string, priority int, fn Hook) error {
	return h.registerHook(name, priority, nil, fn)
}

// RegisterScaledHook adds a cleanup action whose time bound depends on
// runtime state, e.g. stopping N features each with its own stop
// timeout. budget is evaluated when shutdown runs; a non-positive
// result falls back to the configured hook timeout.
func (h *Handler) RegisterScaledHook(name string, priority int, budget func() time.Duration, fn Hook) error {
	if budget == nil {
		return fmt.Errorf("register hook %s: budget is required", name)
	}
	return h.registerHook(name, priority, budget, fn)
}

func (h *Handler) registerHook(name string, priority int, budget func() time.Duration, fn Hook) error {
	if name == "" || fn == nil {
		return fmt.Errorf("register hook: name and handler are required")
	}
	if h.initiated.Load() {
		return fmt.Errorf("register hook %s: %w", name, ErrDraining)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hookEntry{
		name:     name,
		priority: priority,
		seq:      len(h.hooks),
		fn:       fn,
		budget:   budget,
	})
	return nil
}

// Track registers an in-flight operation. The returned release function
// must be called when the operation finishes; it is safe to call more
// than once. Once draining has started Track fails with ErrDraining.
func (h *Handler) Track(name string) (func(), error) {
	if h.draining.Load() {
		return nil, fmt.Errorf("track %s: %w", name, ErrDraining)
	}

	id := uuid.NewString()
	h.mu.Lock()
	h.ops[id] = name
	h.mu.Unlock()
	metrics.InflightOperations.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.ops, id)
			h.mu.Unlock()
			metrics.InflightOperations.Dec()
		})
	}, nil
}

// Inflight reports the number of tracked operations.
func (h *Handler) Inflight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ops)
}

// Serve installs signal listeners and blocks until shutdown completes
// or the context is canceled. Implements suture.Service.
func (h *Handler) Serve(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	logging.Info().Str("mode", string(h.cfg.Mode)).Msg("Shutdown handler listening for signals")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigs:
		h.Initiate(fmt.Sprintf("signal %s", sig))
	case <-h.done:
	}

	// Shutdown has run; the supervisor must not revive this service.
	<-h.done
	return suture.ErrDoNotRestart
}

// Done is closed once the shutdown sequence has finished.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Initiate runs the shutdown sequence exactly once; concurrent and
// repeat calls return immediately. The first caller's goroutine drives
// the sequence to completion.
func (h *Handler) Initiate(reason string) {
	if !h.initiated.CompareAndSwap(false, true) {
		logging.Debug().Str("reason", reason).Msg("Shutdown already in progress, signal ignored")
		return
	}
	h.run(reason)
}

func (h *Handler) run(reason string) {
	start := time.Now()
	h.draining.Store(true)

	logging.Info().
		Str("reason", reason).
		Dur("grace_period", h.cfg.GracePeriod).
		Msg("Shutdown started")

	if h.bus != nil {
		//nolint:errcheck // shutdown proceeds regardless
		_ = h.bus.Publish(linker.EventShutdownStarted, linker.ShutdownPayload{Reason: reason})
	}

	drained := h.awaitDrain(h.cfg.GracePeriod)
	if !drained {
		logging.Warn().
			Int("abandoned", h.Inflight()).
			Msg("Grace period expired with operations still in flight")
	}

	hooksOK := h.runHooks()
	clean := drained && hooksOK

	metrics.ObserveShutdown(start)
	logging.Info().
		Bool("clean", clean).
		Dur("took", time.Since(start)).
		Msg("Shutdown complete")

	if h.onComplete != nil {
		h.onComplete(reason, clean)
	}
	if h.bus != nil {
		//nolint:errcheck // the process is about to exit
		_ = h.bus.Publish(linker.EventShutdownComplete, linker.ShutdownPayload{Reason: reason, Clean: clean})
	}

	close(h.done)

	if h.cfg.Mode == config.ModeRestartRequest && h.onRestart != nil {
		if h.bus != nil {
			//nolint:errcheck // restart proceeds regardless
			_ = h.bus.Publish(linker.EventRestartInitiated, linker.RestartPayload{Reason: reason})
		}
		h.onRestart(reason)
		return
	}

	code := 0
	if !clean {
		code = 1
	}
	h.exitFunc(code)
}

// awaitDrain waits for tracked operations to finish, bounded by the
// grace period. Returns true if the registry emptied in time.
func (h *Handler) awaitDrain(grace time.Duration) bool {
	if h.Inflight() == 0 {
		return true
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-deadline.C:
			return h.Inflight() == 0
		case <-poll.C:
			if h.Inflight() == 0 {
				return true
			}
		}
	}
}

// runHooks executes every registered hook in descending priority order,
// each with its own timeout. Returns true when all hooks succeeded.
func (h *Handler) runHooks() bool {
	h.mu.Lock()
	hooks := append([]hookEntry(nil), h.hooks...)
	h.mu.Unlock()

	sort.SliceStable(hooks, func(i, j int) bool {
		if hooks[i].priority != hooks[j].priority {
			return hooks[i].priority > hooks[j].priority
		}
		return hooks[i].seq < hooks[j].seq
	})

	ok := true
	for _, entry := range hooks {
		if err := h.runHook(entry); err != nil {
			ok = false
			metrics.ShutdownHookFailures.WithLabelValues(entry.name).Inc()
			logging.Error().Str("hook", entry.name).Err(err).Msg("Shutdown hook failed")
		}
	}
	return ok
}

// runHook executes one hook bounded by its budget, or by the hook
// timeout when no budget is set. A hook that outruns its bound is
// abandoned, not preempted.
func (h *Handler) runHook(entry hookEntry) error {
	bound := h.cfg.HookTimeout
	if entry.budget != nil {
		if b := entry.budget(); b > 0 {
			bound = b
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), bound)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- entry.fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("hook exceeded %v", bound)
	}
}

// String implements fmt.Stringer for supervisor logging.
func (h *Handler) String() string {
	return "shutdown-handler"
}
