// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tomtom215/vigil/internal/config"
)

func testHealthConfig() config.HealthConfig {
	return config.HealthConfig{
		HeartbeatInterval:      5 * time.Second,
		CheckInterval:          10 * time.Second,
		FreezeThreshold:        30 * time.Second,
		LeakWindowSize:         4,
		LeakSlopeBytesPerSec:   1024,
		LeakConsecutiveWindows: 2,
	}
}

// fakeClock advances a monitor's view of time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(cfg config.HealthConfig, sampler Sampler) (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewWithSampler(cfg, nil, sampler)
	m.now = clock.now
	m.lastBeat.Store(clock.t.UnixNano())
	m.lastCheckAt = clock.t
	return m, clock
}

func constantSampler(mem uint64) Sampler {
	return func() (uint64, float64, error) {
		return mem, 1.5, nil
	}
}

// growingSampler leaks bytesPerCall on each sample.
func growingSampler(start, bytesPerCall uint64) Sampler {
	current := start
	return func() (uint64, float64, error) {
		current += bytesPerCall
		return current, 1.5, nil
	}
}

func TestZeroConfigDefaults(t *testing.T) {
	// A zero-value config must not leave the window unsized or the
	// timer intervals non-positive.
	m := NewWithSampler(config.HealthConfig{}, nil, constantSampler(1<<20))

	m.runCheck(context.Background())

	if len(m.Samples()) != 1 {
		t.Errorf("expected 1 retained sample, got %d", len(m.Samples()))
	}
	if m.cfg.HeartbeatInterval <= 0 || m.cfg.CheckInterval <= 0 || m.cfg.FreezeThreshold <= 0 {
		t.Error("timer intervals should default to positive values")
	}
	if m.cfg.LeakWindowSize <= 0 || m.cfg.LeakConsecutiveWindows <= 0 {
		t.Error("leak detection knobs should default to positive values")
	}
}

func TestWindowOrderingAndEviction(t *testing.T) {
	w := newWindow(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		w.append(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), MemoryBytes: uint64(i)})
	}

	if w.len() != 3 {
		t.Fatalf("window should retain 3 samples, got %d", w.len())
	}
	got := w.ordered()
	if got[0].MemoryBytes != 2 || got[2].MemoryBytes != 4 {
		t.Errorf("expected samples 2..4 oldest first, got %d..%d",
			got[0].MemoryBytes, got[2].MemoryBytes)
	}
}

func TestMemorySlope(t *testing.T) {
	tests := []struct {
		name   string
		bytes  []uint64
		expect float64
	}{
		{"flat", []uint64{100, 100, 100, 100}, 0},
		{"linear growth 10 bytes/sec", []uint64{100, 110, 120, 130}, 10},
		{"linear decline", []uint64{130, 120, 110, 100}, -10},
	}

	base := time.Now()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := newWindow(len(tc.bytes))
			for i, b := range tc.bytes {
				w.append(Sample{Timestamp: base.Add(time.Duration(i) * time.Second), MemoryBytes: b})
			}
			got := w.memorySlope()
			if diff := got - tc.expect; diff > 0.001 || diff < -0.001 {
				t.Errorf("expected slope %.1f, got %.3f", tc.expect, got)
			}
		})
	}

	t.Run("fewer than two samples", func(t *testing.T) {
		w := newWindow(5)
		w.append(Sample{Timestamp: base, MemoryBytes: 100})
		if got := w.memorySlope(); got != 0 {
			t.Errorf("expected 0 for a single sample, got %f", got)
		}
	})
}

func TestLeakRequiresConsecutiveBreachingWindows(t *testing.T) {
	cfg := testHealthConfig() // window 4, slope > 1024 B/s, 2 consecutive
	m, clock := newTestMonitor(cfg, growingSampler(1<<20, 1<<20))
	ctx := context.Background()

	// Fill the window: no leak verdict until it is full, then two more
	// breaching evaluations are needed.
	for i := 0; i < 4; i++ {
		clock.advance(cfg.CheckInterval)
		m.runCheck(ctx)
	}

	m.mu.Lock()
	runs := m.leakyRuns
	m.mu.Unlock()
	if runs != 1 {
		t.Fatalf("first full-window breach should count one run, got %d", runs)
	}

	clock.advance(cfg.CheckInterval)
	m.runCheck(ctx)

	// Second consecutive breach triggers the verdict and resets the counter.
	m.mu.Lock()
	runs = m.leakyRuns
	m.mu.Unlock()
	if runs != 0 {
		t.Errorf("leak verdict should reset the run counter, got %d", runs)
	}
}

func TestStableMemoryResetsLeakRuns(t *testing.T) {
	cfg := testHealthConfig()
	leaking := true
	current := uint64(1 << 20)
	m, clock := newTestMonitor(cfg, func() (uint64, float64, error) {
		if leaking {
			current += 1 << 20
		}
		return current, 0, nil
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		clock.advance(cfg.CheckInterval)
		m.runCheck(ctx)
	}

	// Memory flattens before the second breaching window.
	leaking = false
	for i := 0; i < 4; i++ {
		clock.advance(cfg.CheckInterval)
		m.runCheck(ctx)
	}

	m.mu.Lock()
	runs := m.leakyRuns
	m.mu.Unlock()
	if runs != 0 {
		t.Errorf("flat memory should reset leaky runs, got %d", runs)
	}
}

func TestFreezeDetection(t *testing.T) {
	t.Run("silent heartbeat requests restart", func(t *testing.T) {
		cfg := testHealthConfig()
		cfg.AutoRestart = true
		m, clock := newTestMonitor(cfg, constantSampler(1<<20))

		restarts := make(chan string, 1)
		m.OnRestartRequest(func(reason string) { restarts <- reason })

		clock.advance(cfg.FreezeThreshold + time.Second)
		m.runCheck(context.Background())

		select {
		case reason := <-restarts:
			if reason == "" {
				t.Error("restart reason should not be empty")
			}
		default:
			t.Error("expected a restart request after heartbeat silence")
		}
	})

	t.Run("no restart when auto-restart disabled", func(t *testing.T) {
		cfg := testHealthConfig()
		m, clock := newTestMonitor(cfg, constantSampler(1<<20))

		restarts := make(chan string, 1)
		m.OnRestartRequest(func(reason string) { restarts <- reason })

		clock.advance(cfg.FreezeThreshold + time.Second)
		m.runCheck(context.Background())

		select {
		case <-restarts:
			t.Error("restart should not be requested with auto-restart disabled")
		default:
		}
	})

	t.Run("recent heartbeat is not a freeze", func(t *testing.T) {
		cfg := testHealthConfig()
		cfg.AutoRestart = true
		m, clock := newTestMonitor(cfg, constantSampler(1<<20))

		restarts := make(chan string, 1)
		m.OnRestartRequest(func(reason string) { restarts <- reason })

		clock.advance(cfg.CheckInterval)
		m.beat()
		clock.advance(cfg.CheckInterval)
		m.runCheck(context.Background())

		select {
		case <-restarts:
			t.Error("restart requested despite a recent heartbeat")
		default:
		}
	})
}

func TestRegisterCheck(t *testing.T) {
	m, _ := newTestMonitor(testHealthConfig(), constantSampler(1<<20))

	ok := func(ctx context.Context) error { return nil }
	if err := m.RegisterCheck("db", ok); err != nil {
		t.Fatal(err)
	}
	if err := m.RegisterCheck("db", ok); err == nil {
		t.Error("duplicate check name should be rejected")
	}
	if err := m.RegisterCheck("", ok); err == nil {
		t.Error("empty check name should be rejected")
	}
	if err := m.RegisterCheck("nil", nil); err == nil {
		t.Error("nil check func should be rejected")
	}
}

func TestHealthyAggregatesChecks(t *testing.T) {
	m, _ := newTestMonitor(testHealthConfig(), constantSampler(1<<20))
	ctx := context.Background()

	if err := m.RegisterCheck("db", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if healthy, failed := m.Healthy(ctx); !healthy || failed != nil {
		t.Errorf("all passing checks should report healthy, got %v %v", healthy, failed)
	}

	if err := m.RegisterCheck("cache", func(ctx context.Context) error {
		return errors.New("evicting")
	}); err != nil {
		t.Fatal(err)
	}

	healthy, failed := m.Healthy(ctx)
	if healthy {
		t.Error("one failing check should make the aggregate unhealthy")
	}
	if failed["cache"] != "evicting" {
		t.Errorf("failure message should be keyed by check name, got %v", failed)
	}
	if _, ok := failed["db"]; ok {
		t.Error("passing checks should not appear in failures")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	cfg := testHealthConfig()
	m, clock := newTestMonitor(cfg, constantSampler(42<<20))

	m.started.Store(clock.t.UnixNano())
	clock.advance(cfg.CheckInterval)
	m.runCheck(context.Background())

	got := m.Metrics()
	if got.MemoryBytes != 42<<20 {
		t.Errorf("expected sampled memory, got %d", got.MemoryBytes)
	}
	if got.CPUPercent != 1.5 {
		t.Errorf("expected sampled cpu, got %f", got.CPUPercent)
	}
	if got.Uptime != cfg.CheckInterval {
		t.Errorf("expected uptime %v, got %v", cfg.CheckInterval, got.Uptime)
	}
}

func TestSchedulerLagMeasuresTimerDrift(t *testing.T) {
	cfg := testHealthConfig()
	m, clock := newTestMonitor(cfg, constantSampler(1<<20))

	// Tick arrives 3 seconds late.
	clock.advance(cfg.CheckInterval + 3*time.Second)
	m.runCheck(context.Background())

	if got := m.Metrics().SchedulerLag; got != 3*time.Second {
		t.Errorf("expected 3s of lag, got %v", got)
	}

	// On-time tick reports zero lag.
	clock.advance(cfg.CheckInterval)
	m.runCheck(context.Background())
	if got := m.Metrics().SchedulerLag; got != 0 {
		t.Errorf("expected no lag for an on-time tick, got %v", got)
	}
}

func TestSamplerFailureSkipsEvaluation(t *testing.T) {
	cfg := testHealthConfig()
	m, clock := newTestMonitor(cfg, func() (uint64, float64, error) {
		return 0, 0, errors.New("procfs unavailable")
	})

	clock.advance(cfg.CheckInterval)
	m.runCheck(context.Background())

	if len(m.Samples()) != 0 {
		t.Error("failed sample should not enter the window")
	}
}
