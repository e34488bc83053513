// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package errorhandler provides centralized error intake for the
// supervision core: bounded per-category error history, retry with
// exponential backoff, and per-category circuit breakers.
//
// Errors routed through Handle are absorbed, never re-thrown; they
// surface through the event bus, metrics, and Stats snapshots. The only
// paths that propagate an error back to the caller are WithRetry (after
// exhaustion) and CallWithBreaker.
package errorhandler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/linker"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
)

// ErrCircuitOpen is returned by CallWithBreaker when the category's
// breaker rejects the call without invoking the operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CategoryUncaught is the category recovered panics are filed under.
const CategoryUncaught = "uncaught"

// Handler is the centralized error intake. One instance serves the whole
// process; all maps are guarded by a single mutex.
type Handler struct {
	cfg config.ErrorHandlerConfig
	bus *linker.Bus

	// requestShutdown is invoked when a recovered panic hits the
	// "shutdown" policy. May be nil.
	requestShutdown func(reason string)

	mu       sync.Mutex
	rings    map[string]*ring
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// Snapshot is a read-only view of error statistics for observability.
type Snapshot struct {
	// ErrorsByCategory maps category to total error count (including
	// records already evicted from the ring).
	ErrorsByCategory map[string]uint64

	// Recent maps category to the retained ring contents, oldest first.
	Recent map[string][]ErrorRecord

	// CircuitStates maps category to "closed", "half-open", or "open".
	CircuitStates map[string]string
}

// New creates a Handler. bus may be nil (events are skipped);
// requestShutdown may be nil (the "shutdown" panic policy degrades to
// logging). Zero config values take production defaults; Handle must
// never fail, so a zero-value config cannot be allowed to leave the
// rings unsized.
func New(cfg config.ErrorHandlerConfig, bus *linker.Bus, requestShutdown func(reason string)) *Handler {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 256
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.ResetTimeout <= 0 {
		cfg.CircuitBreaker.ResetTimeout = 30 * time.Second
	}

	return &Handler{
		cfg:             cfg,
		bus:             bus,
		requestShutdown: requestShutdown,
		rings:           make(map[string]*ring),
		breakers:        make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// Handle records an error under a category: it logs, appends an
// ErrorRecord to the category's bounded ring, counts a failure against
// the category's circuit breaker, and emits an error event. It never
// fails and never re-throws.
func (h *Handler) Handle(category string, err error, ctx map[string]string) {
	h.handle(category, err, ctx, false, 0)
}

func (h *Handler) handle(category string, err error, ctx map[string]string, retryable bool, attempt int) {
	if err == nil {
		return
	}

	logging.Error().
		Str("category", category).
		Err(err).
		Bool("retryable", retryable).
		Int("attempt", attempt).
		Msg("Error handled")

	rec := ErrorRecord{
		Category:  category,
		Message:   err.Error(),
		Timestamp: time.Now(),
		Retryable: retryable,
		Attempt:   attempt,
		Context:   ctx,
	}

	h.mu.Lock()
	r, ok := h.rings[category]
	if !ok {
		r = newRing(h.cfg.RingSize)
		h.rings[category] = r
	}
	r.append(rec)
	h.mu.Unlock()

	metrics.ErrorsTotal.WithLabelValues(category).Inc()

	// Count the failure against the category's breaker. While the breaker
	// is open Execute rejects without recording, which is fine: the
	// category is already isolated.
	//nolint:errcheck // the breaker outcome is the side effect we want
	_, _ = h.breaker(category).Execute(func() (any, error) { return nil, err })

	h.publishError(category, err, ctx, retryable, attempt)
}

func (h *Handler) publishError(category string, err error, ctx map[string]string, retryable bool, attempt int) {
	if h.bus == nil {
		return
	}
	pubErr := h.bus.Publish(linker.EventError, linker.ErrorPayload{
		Category:  category,
		Message:   err.Error(),
		Retryable: retryable,
		Attempt:   attempt,
		Context:   ctx,
	})
	if pubErr != nil {
		logging.Warn().Err(pubErr).Str("category", category).Msg("Failed to publish error event")
	}
}

// CallWithBreaker runs op under the category's circuit breaker. While the
// breaker is open the call fails fast with ErrCircuitOpen and op is never
// invoked. In half-open state exactly one probe call is allowed.
func (h *Handler) CallWithBreaker(category string, op func() (any, error)) (any, error) {
	result, err := h.breaker(category).Execute(op)
	switch {
	case err == nil:
		metrics.CircuitBreakerRequests.WithLabelValues(category, "success").Inc()
		return result, nil
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(category, "rejected").Inc()
		return nil, fmt.Errorf("%s: %w", category, ErrCircuitOpen)
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(category, "failure").Inc()
		return nil, err
	}
}

// Call is a typed convenience wrapper around CallWithBreaker.
func Call[T any](h *Handler, category string, op func() (T, error)) (T, error) {
	var zero T
	result, err := h.CallWithBreaker(category, func() (any, error) {
		return op()
	})
	if err != nil {
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("circuit breaker %s: unexpected result type %T", category, result)
	}
	return typed, nil
}

// BreakerState reports the current breaker state for a category. A
// category with no breaker yet reports "closed".
func (h *Handler) BreakerState(category string) string {
	h.mu.Lock()
	cb, ok := h.breakers[category]
	h.mu.Unlock()
	if !ok {
		return stateToString(gobreaker.StateClosed)
	}
	return stateToString(cb.State())
}

// Stats returns a read-only snapshot of error and breaker state.
func (h *Handler) Stats() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := Snapshot{
		ErrorsByCategory: make(map[string]uint64, len(h.rings)),
		Recent:           make(map[string][]ErrorRecord, len(h.rings)),
		CircuitStates:    make(map[string]string, len(h.breakers)),
	}
	for category, r := range h.rings {
		snap.ErrorsByCategory[category] = r.total
		snap.Recent[category] = r.snapshot()
	}
	for category, cb := range h.breakers {
		snap.CircuitStates[category] = stateToString(cb.State())
	}
	return snap
}

// Recover files a recovered panic under the "uncaught" category and,
// depending on policy, requests a clean shutdown. Use it as a deferred
// call in every goroutine the host does not otherwise guard:
//
//	go func() {
//	    defer handler.Recover("sync-worker")
//	    ...
//	}()
func (h *Handler) Recover(origin string) {
	r := recover()
	if r == nil {
		return
	}

	err, ok := r.(error)
	if !ok {
		err = fmt.Errorf("panic: %v", r)
	}
	h.handle(CategoryUncaught, err, map[string]string{"origin": origin}, false, 0)

	if h.cfg.PanicPolicy == "shutdown" {
		if h.requestShutdown != nil {
			h.requestShutdown(fmt.Sprintf("unrecoverable panic in %s", origin))
			return
		}
		logging.Error().Str("origin", origin).Msg("Panic policy is shutdown but no shutdown hook is wired")
	}
}

// Go runs fn on a new goroutine with panic recovery attached.
func (h *Handler) Go(origin string, fn func()) {
	go func() {
		defer h.Recover(origin)
		fn()
	}()
}

// breaker returns the category's circuit breaker, creating it on first use.
func (h *Handler) breaker(category string) *gobreaker.CircuitBreaker[any] {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cb, ok := h.breakers[category]; ok {
		return cb
	}

	threshold := h.cfg.CircuitBreaker.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name: category,

		// Exactly one trial call in half-open state.
		MaxRequests: 1,
		Timeout:     h.cfg.CircuitBreaker.ResetTimeout,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			fromStr := stateToString(from)
			toStr := stateToString(to)

			logging.Info().
				Str("category", name).
				Str("from", fromStr).
				Str("to", toStr).
				Msg("Circuit breaker state transition")

			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, fromStr, toStr).Inc()

			if h.bus == nil {
				return
			}
			payload := linker.CircuitPayload{Category: name, From: fromStr, To: toStr}
			switch to {
			case gobreaker.StateOpen:
				//nolint:errcheck // breaker transitions must not fail on bus errors
				_ = h.bus.Publish(linker.EventCircuitOpened, payload)
			case gobreaker.StateClosed:
				//nolint:errcheck // breaker transitions must not fail on bus errors
				_ = h.bus.Publish(linker.EventCircuitClosed, payload)
			}
		},
	})

	metrics.CircuitBreakerState.WithLabelValues(category).Set(stateToFloat(gobreaker.StateClosed))
	h.breakers[category] = cb
	return cb
}

// stateToString converts a breaker state to its wire representation.
func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// stateToFloat converts a breaker state to its metric encoding.
func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
