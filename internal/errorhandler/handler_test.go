// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package errorhandler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tomtom215/vigil/internal/config"
)

func testConfig() config.ErrorHandlerConfig {
	return config.ErrorHandlerConfig{
		MaxRetries:  3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Jitter:      0,
		RingSize:    4,
		PanicPolicy: "continue",
		CircuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     100 * time.Millisecond,
		},
	}
}

func TestZeroConfigDefaults(t *testing.T) {
	// Handle never fails, even on a Handler built from a zero-value
	// config: the constructor must size the rings itself.
	h := New(config.ErrorHandlerConfig{}, nil, nil)

	h.Handle("db", errors.New("boom"), nil)

	stats := h.Stats()
	if stats.ErrorsByCategory["db"] != 1 {
		t.Errorf("expected 1 recorded error, got %d", stats.ErrorsByCategory["db"])
	}
	if len(stats.Recent["db"]) != 1 {
		t.Errorf("expected 1 retained record, got %d", len(stats.Recent["db"]))
	}

	// Breaker and retry defaults are usable too.
	if state := h.BreakerState("db"); state != "closed" {
		t.Errorf("expected closed breaker, got %s", state)
	}
	calls := 0
	if err := h.WithRetry(context.Background(), "db", func() error {
		calls++
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestHandleRecordsErrors(t *testing.T) {
	h := New(testConfig(), nil, nil)

	h.Handle("db", errors.New("connection refused"), map[string]string{"host": "db1"})
	h.Handle("db", errors.New("timeout"), nil)
	h.Handle("api", errors.New("bad gateway"), nil)
	h.Handle("db", nil, nil) // nil errors are ignored

	stats := h.Stats()
	if stats.ErrorsByCategory["db"] != 2 {
		t.Errorf("expected 2 db errors, got %d", stats.ErrorsByCategory["db"])
	}
	if stats.ErrorsByCategory["api"] != 1 {
		t.Errorf("expected 1 api error, got %d", stats.ErrorsByCategory["api"])
	}

	recent := stats.Recent["db"]
	if len(recent) != 2 {
		t.Fatalf("expected 2 retained db records, got %d", len(recent))
	}
	if recent[0].Message != "connection refused" {
		t.Errorf("records should be oldest first, got %q", recent[0].Message)
	}
	if recent[0].Context["host"] != "db1" {
		t.Error("context should be retained on the record")
	}
}

func TestErrorRingEvictsOldest(t *testing.T) {
	h := New(testConfig(), nil, nil) // ring size 4

	for i := 0; i < 6; i++ {
		h.Handle("flaky", fmt.Errorf("failure %d", i), nil)
	}

	stats := h.Stats()
	if stats.ErrorsByCategory["flaky"] != 6 {
		t.Errorf("total should count evicted records, got %d", stats.ErrorsByCategory["flaky"])
	}

	recent := stats.Recent["flaky"]
	if len(recent) != 4 {
		t.Fatalf("ring should retain 4 records, got %d", len(recent))
	}
	if recent[0].Message != "failure 2" || recent[3].Message != "failure 5" {
		t.Errorf("expected failures 2..5 oldest first, got %q..%q",
			recent[0].Message, recent[3].Message)
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	h := New(testConfig(), nil, nil) // threshold 3

	calls := 0
	failing := func() (any, error) {
		calls++
		return nil, errors.New("payments unavailable")
	}

	for i := 0; i < 3; i++ {
		if _, err := h.CallWithBreaker("payments", failing); err == nil {
			t.Fatal("expected failure")
		}
	}

	if state := h.BreakerState("payments"); state != "open" {
		t.Fatalf("breaker should be open after 3 consecutive failures, got %s", state)
	}

	// Fourth call is rejected without invoking the operation.
	_, err := h.CallWithBreaker("payments", failing)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if calls != 3 {
		t.Errorf("operation should have been invoked exactly 3 times, got %d", calls)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	h := New(testConfig(), nil, nil) // reset timeout 100ms

	for i := 0; i < 3; i++ {
		//nolint:errcheck // driving the breaker open
		_, _ = h.CallWithBreaker("payments", func() (any, error) {
			return nil, errors.New("down")
		})
	}
	if state := h.BreakerState("payments"); state != "open" {
		t.Fatalf("expected open, got %s", state)
	}

	time.Sleep(150 * time.Millisecond)

	// One successful probe closes the breaker.
	result, err := h.CallWithBreaker("payments", func() (any, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("probe call should succeed: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected probe result, got %v", result)
	}
	if state := h.BreakerState("payments"); state != "closed" {
		t.Errorf("breaker should close after successful probe, got %s", state)
	}
}

func TestCircuitBreakerHalfOpenReopensOnFailure(t *testing.T) {
	h := New(testConfig(), nil, nil)

	for i := 0; i < 3; i++ {
		//nolint:errcheck // driving the breaker open
		_, _ = h.CallWithBreaker("payments", func() (any, error) {
			return nil, errors.New("down")
		})
	}

	time.Sleep(150 * time.Millisecond)

	//nolint:errcheck // failing probe
	_, _ = h.CallWithBreaker("payments", func() (any, error) {
		return nil, errors.New("still down")
	})
	if state := h.BreakerState("payments"); state != "open" {
		t.Errorf("breaker should reopen after failed probe, got %s", state)
	}
}

func TestHandleFeedsBreaker(t *testing.T) {
	h := New(testConfig(), nil, nil)

	// Errors reported via Handle count toward the same breaker.
	for i := 0; i < 3; i++ {
		h.Handle("upstream", errors.New("degraded"), nil)
	}
	if state := h.BreakerState("upstream"); state != "open" {
		t.Errorf("breaker should open from handled errors, got %s", state)
	}
}

func TestCallTyped(t *testing.T) {
	h := New(testConfig(), nil, nil)

	got, err := Call(h, "db", func() (int, error) { return 7, nil })
	if err != nil {
		t.Fatal(err)
	}
	if got != 7 {
		t.Errorf("expected 7, got %d", got)
	}

	_, err = Call(h, "db", func() (int, error) { return 0, errors.New("nope") })
	if err == nil {
		t.Error("expected error to propagate")
	}
}

func TestRecoverPolicies(t *testing.T) {
	t.Run("continue policy absorbs the panic", func(t *testing.T) {
		h := New(testConfig(), nil, nil)

		func() {
			defer h.Recover("worker")
			panic("boom")
		}()

		stats := h.Stats()
		if stats.ErrorsByCategory[CategoryUncaught] != 1 {
			t.Error("recovered panic should be filed under uncaught")
		}
	})

	t.Run("shutdown policy requests shutdown", func(t *testing.T) {
		cfg := testConfig()
		cfg.PanicPolicy = "shutdown"

		requested := make(chan string, 1)
		h := New(cfg, nil, func(reason string) { requested <- reason })

		func() {
			defer h.Recover("critical-worker")
			panic(errors.New("unrecoverable"))
		}()

		select {
		case reason := <-requested:
			if reason == "" {
				t.Error("shutdown reason should not be empty")
			}
		default:
			t.Error("shutdown should have been requested")
		}
	})

	t.Run("no panic is a no-op", func(t *testing.T) {
		h := New(testConfig(), nil, nil)
		func() {
			defer h.Recover("calm-worker")
		}()
		if len(h.Stats().ErrorsByCategory) != 0 {
			t.Error("no records expected without a panic")
		}
	})
}

func TestGoRecoversPanic(t *testing.T) {
	h := New(testConfig(), nil, nil)

	done := make(chan struct{})
	h.Go("bg", func() {
		defer close(done)
		panic("background failure")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}

	// Recover runs after the deferred close; give it a beat.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if h.Stats().ErrorsByCategory[CategoryUncaught] == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("panic from Go was not recorded")
}
