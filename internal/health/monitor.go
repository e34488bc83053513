// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package health implements the heartbeat, resource sampling, and
// degradation heuristics of the supervision core: memory-leak trend
// detection over a sliding sample window, freeze detection from
// heartbeat silence, and aggregation of feature-contributed checks.
//
// The monitor runs as a suture service; its timers have no ordering
// guarantee relative to feature lifecycle and may observe any state.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/linker"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
)

// CheckFunc is a feature-contributed health predicate. A nil return means
// healthy. Checks must respect the context deadline.
type CheckFunc func(ctx context.Context) error

// Sampler reads the current resource usage of the process.
type Sampler func() (memoryBytes uint64, cpuPercent float64, err error)

// checkTimeout bounds each component check so one stuck predicate cannot
// stall the whole evaluation.
const checkTimeout = 5 * time.Second

// Metrics is a read-only snapshot of the monitor's latest measurements.
type Metrics struct {
	MemoryBytes  uint64
	CPUPercent   float64
	SchedulerLag time.Duration
	Uptime       time.Duration
}

// Monitor samples process health on independent timers and emits
// heartbeat/unhealthy/leak/freeze events on the bus.
type Monitor struct {
	cfg     config.HealthConfig
	bus     *linker.Bus
	sampler Sampler

	// now is the clock; replaced in tests.
	now func() time.Time

	// requestRestart is invoked when a freeze is detected and
	// auto-restart is enabled. May be nil.
	requestRestart func(reason string)

	started  atomic.Int64 // unix nanos of Serve start, 0 when stopped
	lastBeat atomic.Int64 // unix nanos of last heartbeat
	beats    atomic.Uint64

	mu          sync.Mutex
	window      *window
	leakyRuns   int
	lastCheckAt time.Time
	last        Sample
	checks      map[string]CheckFunc
}

// New creates a Monitor sampling the current process via gopsutil.
func New(cfg config.HealthConfig, bus *linker.Bus) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open process handle: %w", err)
	}

	sampler := func() (uint64, float64, error) {
		mi, err := proc.MemoryInfo()
		if err != nil {
			return 0, 0, fmt.Errorf("memory info: %w", err)
		}
		cpu, err := proc.CPUPercent()
		if err != nil {
			return 0, 0, fmt.Errorf("cpu percent: %w", err)
		}
		return mi.RSS, cpu, nil
	}

	return NewWithSampler(cfg, bus, sampler), nil
}

// NewWithSampler creates a Monitor with a custom sampler. Used by tests
// and hosts with their own resource accounting. Zero config values take
// production defaults so a zero-value config cannot leave the window
// unsized or a ticker with a non-positive interval.
func NewWithSampler(cfg config.HealthConfig, bus *linker.Bus, sampler Sampler) *Monitor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.FreezeThreshold <= 0 {
		cfg.FreezeThreshold = 30 * time.Second
	}
	if cfg.LeakWindowSize <= 0 {
		cfg.LeakWindowSize = 30
	}
	if cfg.LeakSlopeBytesPerSec <= 0 {
		cfg.LeakSlopeBytesPerSec = 1 << 20
	}
	if cfg.LeakConsecutiveWindows <= 0 {
		cfg.LeakConsecutiveWindows = 3
	}

	return &Monitor{
		cfg:     cfg,
		bus:     bus,
		sampler: sampler,
		now:     time.Now,
		window:  newWindow(cfg.LeakWindowSize),
		checks:  make(map[string]CheckFunc),
	}
}

// OnRestartRequest sets the callback invoked when a freeze triggers
// auto-restart. Must be called before Serve.
func (m *Monitor) OnRestartRequest(fn func(reason string)) {
	m.requestRestart = fn
}

// RegisterCheck adds a named component health predicate. Aggregate health
// is healthy only if every registered check passes.
func (m *Monitor) RegisterCheck(name string, check CheckFunc) error {
	if name == "" || check == nil {
		return fmt.Errorf("register check: name and check are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checks[name]; exists {
		return fmt.Errorf("register check: %q already registered", name)
	}
	m.checks[name] = check
	return nil
}

// Serve runs the heartbeat and check timers until the context is
// canceled. Implements suture.Service.
func (m *Monitor) Serve(ctx context.Context) error {
	now := m.now()
	m.started.Store(now.UnixNano())
	m.lastBeat.Store(now.UnixNano())
	defer m.started.Store(0)

	m.mu.Lock()
	m.lastCheckAt = now
	m.mu.Unlock()

	heartbeat := time.NewTicker(m.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	check := time.NewTicker(m.cfg.CheckInterval)
	defer check.Stop()

	logging.Info().
		Dur("heartbeat_interval", m.cfg.HeartbeatInterval).
		Dur("check_interval", m.cfg.CheckInterval).
		Msg("Health monitor started")

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("Health monitor stopped")
			return ctx.Err()
		case <-heartbeat.C:
			m.beat()
		case <-check.C:
			m.runCheck(ctx)
		}
	}
}

// beat emits one heartbeat. Heartbeats prove the scheduler is still
// yielding; their absence is what freeze detection measures.
func (m *Monitor) beat() {
	m.lastBeat.Store(m.now().UnixNano())
	seq := m.beats.Add(1)
	metrics.HeartbeatsTotal.Inc()

	if m.bus != nil {
		//nolint:errcheck // heartbeat loss is observable through its absence
		_ = m.bus.Publish(linker.EventHeartbeat, linker.HeartbeatPayload{
			Sequence: seq,
			Uptime:   m.Uptime(),
		})
	}
}

// runCheck takes one sample and evaluates all degradation heuristics.
func (m *Monitor) runCheck(ctx context.Context) {
	now := m.now()

	mem, cpu, err := m.sampler()
	if err != nil {
		logging.Warn().Err(err).Msg("Health sample failed")
		return
	}

	m.mu.Lock()
	lag := now.Sub(m.lastCheckAt) - m.cfg.CheckInterval
	if lag < 0 || m.lastCheckAt.IsZero() {
		lag = 0
	}
	m.lastCheckAt = now

	sample := Sample{Timestamp: now, MemoryBytes: mem, CPUPercent: cpu, SchedulerLag: lag}
	m.window.append(sample)
	m.last = sample

	var slope float64
	leak := false
	if m.window.full {
		slope = m.window.memorySlope()
		if slope > m.cfg.LeakSlopeBytesPerSec {
			m.leakyRuns++
		} else {
			m.leakyRuns = 0
		}
		if m.leakyRuns >= m.cfg.LeakConsecutiveWindows {
			leak = true
			m.leakyRuns = 0
		}
	}
	m.mu.Unlock()

	metrics.HealthMemoryBytes.Set(float64(mem))
	metrics.HealthCPUPercent.Set(cpu)
	metrics.HealthSchedulerLag.Set(lag.Seconds())

	if leak {
		m.reportLeak(slope)
	}
	m.checkFreeze(now)
	m.evaluateChecks(ctx, sample)
}

func (m *Monitor) reportLeak(slope float64) {
	logging.Warn().
		Float64("slope_bytes_per_sec", slope).
		Msg("Memory leak suspected")
	metrics.LeaksSuspected.Inc()

	if m.bus != nil {
		//nolint:errcheck // continuous signal, re-emitted next window
		_ = m.bus.Publish(linker.EventMemoryLeak, linker.LeakPayload{
			SlopeBytesPerSec: slope,
			Windows:          m.cfg.LeakConsecutiveWindows,
		})
	}
}

// checkFreeze declares a freeze when the heartbeat has been silent past
// the hard threshold, meaning the heartbeat goroutine has not been
// scheduled. Optionally requests a supervised restart.
func (m *Monitor) checkFreeze(now time.Time) {
	silent := now.Sub(time.Unix(0, m.lastBeat.Load()))
	if silent <= m.cfg.FreezeThreshold {
		return
	}

	logging.Error().Dur("silent_for", silent).Msg("Freeze detected: heartbeat silent past threshold")
	metrics.FreezesDetected.Inc()

	if m.bus != nil {
		//nolint:errcheck // freeze handling proceeds regardless
		_ = m.bus.Publish(linker.EventFreeze, linker.FreezePayload{SilentFor: silent})
	}

	if m.cfg.AutoRestart && m.requestRestart != nil {
		m.requestRestart(fmt.Sprintf("heartbeat silent for %v", silent))
	}
}

// evaluateChecks runs every registered component check and publishes an
// unhealthy event when any fail.
func (m *Monitor) evaluateChecks(ctx context.Context, sample Sample) {
	failed := m.runChecks(ctx)
	if len(failed) == 0 {
		return
	}

	logging.Warn().Interface("failed_checks", failed).Msg("Component health checks failed")

	if m.bus != nil {
		//nolint:errcheck // re-evaluated on the next check tick
		_ = m.bus.Publish(linker.EventUnhealthy, linker.UnhealthyPayload{
			FailedChecks: failed,
			MemoryBytes:  sample.MemoryBytes,
			CPUPercent:   sample.CPUPercent,
			SchedulerLag: sample.SchedulerLag,
		})
	}
}

// runChecks executes all registered checks with a per-check timeout and
// returns the failures keyed by check name.
func (m *Monitor) runChecks(ctx context.Context) map[string]string {
	m.mu.Lock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.Unlock()

	failed := make(map[string]string)
	for name, fn := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		if err := fn(checkCtx); err != nil {
			failed[name] = err.Error()
			metrics.ComponentCheckFailures.WithLabelValues(name).Inc()
		}
		cancel()
	}
	if len(failed) == 0 {
		return nil
	}
	return failed
}

// Healthy runs all component checks on demand. It returns true only if
// every check passes; the map carries failure messages keyed by check.
func (m *Monitor) Healthy(ctx context.Context) (bool, map[string]string) {
	failed := m.runChecks(ctx)
	return len(failed) == 0, failed
}

// Metrics returns the latest measurements.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	return Metrics{
		MemoryBytes:  last.MemoryBytes,
		CPUPercent:   last.CPUPercent,
		SchedulerLag: last.SchedulerLag,
		Uptime:       m.Uptime(),
	}
}

// Uptime reports how long the monitor has been serving; zero when stopped.
func (m *Monitor) Uptime() time.Duration {
	started := m.started.Load()
	if started == 0 {
		return 0
	}
	return m.now().Sub(time.Unix(0, started))
}

// Samples returns the retained sliding window, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.window.ordered()
}

// String implements fmt.Stringer for supervisor logging.
func (m *Monitor) String() string {
	return "health-monitor"
}
