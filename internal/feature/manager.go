// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package feature

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/errorhandler"
	"github.com/tomtom215/vigil/internal/linker"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/metrics"
)

var (
	ErrDuplicateFeature  = errors.New("feature already registered")
	ErrUnknownFeature    = errors.New("unknown feature")
	ErrInvalidDependency = errors.New("dependency not registered")
	ErrCyclicFeature     = errors.New("cyclic feature dependency")
	ErrDependencyInUse   = errors.New("feature has enabled dependents")
)

// descriptor is the Manager's record of one registered feature. Mutated
// only while holding the Manager mutex.
type descriptor struct {
	name       string
	impl       Feature
	enabled    bool
	critical   bool
	deps       []string
	cfg        map[string]any
	state      State
	lastHealth Health
}

// Manager owns feature registration and dependency-ordered lifecycle.
// Lifecycle methods (InitializeAll, StartAll, Shutdown) must not be
// called concurrently with each other; everything else is safe.
type Manager struct {
	errs        *errorhandler.Handler
	link        *linker.Linker
	overrides   map[string]config.FeatureOverride
	stopTimeout time.Duration

	mu       sync.Mutex
	features map[string]*descriptor

	// order is the topological order fixed by InitializeAll, reused by
	// StartAll and (reversed) by Shutdown.
	order []string
}

// NewManager creates a Manager. overrides come from the features config
// section and are applied at registration. errs and link may be nil for
// hosts that do not wire error handling or the event bus.
func NewManager(errs *errorhandler.Handler, link *linker.Linker, overrides map[string]config.FeatureOverride, stopTimeout time.Duration) *Manager {
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Manager{
		errs:        errs,
		link:        link,
		overrides:   overrides,
		stopTimeout: stopTimeout,
		features:    make(map[string]*descriptor),
	}
}

// RegisterFeature stores a feature descriptor without invoking any
// lifecycle method. Dependency names are validated at InitializeAll
// time, so forward references are allowed here.
func (m *Manager) RegisterFeature(name string, impl Feature, opts Options) error {
	if name == "" || impl == nil {
		return fmt.Errorf("register feature: name and implementation are required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.features[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateFeature, name)
	}

	d := &descriptor{
		name:     name,
		impl:     impl,
		enabled:  !opts.Disabled,
		critical: opts.Critical,
		deps:     append([]string(nil), opts.Dependencies...),
		cfg:      opts.Config,
		state:    StateUnregistered,
	}

	if ov, ok := m.overrides[name]; ok {
		if ov.Enabled != nil {
			d.enabled = *ov.Enabled
		}
		if ov.Critical != nil {
			d.critical = *ov.Critical
		}
	}

	m.features[name] = d
	logging.Debug().
		Str("feature", name).
		Bool("enabled", d.enabled).
		Bool("critical", d.critical).
		Strs("dependencies", d.deps).
		Msg("Feature registered")
	return nil
}

// InitializeAll validates the dependency graph, fixes the topological
// order, and initializes every enabled feature in that order. A critical
// feature's failure aborts the call; non-critical failures mark the
// feature Failed and continue.
func (m *Manager) InitializeAll(ctx context.Context) error {
	m.mu.Lock()
	if err := m.validateDeps(); err != nil {
		m.mu.Unlock()
		return err
	}
	order, err := m.topoSort()
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.order = order
	m.mu.Unlock()

	logging.Info().Strs("order", order).Msg("Initializing features")

	for _, name := range order {
		if err := m.lifecycleStep(ctx, name, StateInitializing, StateInitialized, stepInitialize); err != nil {
			return err
		}
	}
	return nil
}

// StartAll starts every initialized feature in the order fixed by
// InitializeAll.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	m.mu.Unlock()
	if order == nil {
		return fmt.Errorf("start: InitializeAll has not run")
	}

	for _, name := range order {
		if err := m.lifecycleStep(ctx, name, StateStarting, StateRunning, stepStart); err != nil {
			return err
		}
	}
	return nil
}

type step int

const (
	stepInitialize step = iota
	stepStart
)

// lifecycleStep advances one feature through transitional -> target,
// checking that its dependencies already made it. The implementation
// call happens outside the lock; features may call back into the
// Manager (UpdateHealth) from Initialize/Start.
func (m *Manager) lifecycleStep(ctx context.Context, name string, transitional, target State, s step) error {
	m.mu.Lock()
	d := m.features[name]
	if d == nil || !d.enabled || d.state == StateFailed {
		m.mu.Unlock()
		return nil
	}

	// A feature whose dependency did not reach the target state cannot
	// proceed. Critical features turn this into a startup abort. A dep
	// already Running satisfies the Initialized requirement, which is
	// what runtime Enable observes.
	for _, dep := range d.deps {
		pd := m.features[dep]
		if pd == nil {
			// Only reachable through Enable: InitializeAll validates the
			// graph before any lifecycle step runs.
			m.setStateLocked(d, StateFailed)
			m.mu.Unlock()

			err := fmt.Errorf("%w: feature %s depends on %s", ErrInvalidDependency, name, dep)
			m.reportError(name, err)
			return err
		}
		if pd.enabled && (pd.state == target || (target == StateInitialized && pd.state == StateRunning)) {
			continue
		}
		m.setStateLocked(d, StateFailed)
		critical := d.critical
		m.mu.Unlock()

		err := fmt.Errorf("feature %s: dependency %s is %s, not %s",
			name, dep, m.stateOf(dep), target)
		m.reportError(name, err)
		if critical {
			return err
		}
		return nil
	}

	m.setStateLocked(d, transitional)
	impl, cfg, critical := d.impl, d.cfg, d.critical
	m.mu.Unlock()

	var err error
	switch s {
	case stepInitialize:
		err = impl.Initialize(ctx, cfg)
	case stepStart:
		err = impl.Start(ctx)
	}

	m.mu.Lock()
	if err != nil {
		m.setStateLocked(d, StateFailed)
		m.mu.Unlock()

		m.reportError(name, err)
		if critical {
			return fmt.Errorf("critical feature %s: %w", name, err)
		}
		logging.Warn().Str("feature", name).Err(err).
			Msg("Non-critical feature failed, continuing degraded")
		return nil
	}
	m.setStateLocked(d, target)
	m.mu.Unlock()
	return nil
}

// Enable re-enables a disabled feature. If lifecycle has already run,
// the feature is initialized and started immediately.
func (m *Manager) Enable(ctx context.Context, name string) error {
	m.mu.Lock()
	d := m.features[name]
	if d == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	if d.enabled && d.state == StateRunning {
		m.mu.Unlock()
		return nil
	}
	d.enabled = true
	started := m.order != nil
	m.mu.Unlock()

	logging.Info().Str("feature", name).Msg("Feature enabled")
	if !started {
		return nil
	}

	if err := m.lifecycleStep(ctx, name, StateInitializing, StateInitialized, stepInitialize); err != nil {
		return err
	}
	return m.lifecycleStep(ctx, name, StateStarting, StateRunning, stepStart)
}

// Disable stops and disables a feature. If other enabled features
// depend on it the call fails with ErrDependencyInUse unless force is
// set, in which case dependents are disabled first, deepest first.
func (m *Manager) Disable(ctx context.Context, name string, force bool) error {
	m.mu.Lock()
	if m.features[name] == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}

	dependents := m.enabledDependents(name)
	if len(dependents) > 0 && !force {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s is required by %v", ErrDependencyInUse, name, dependents)
	}
	m.mu.Unlock()

	for _, dep := range dependents {
		if err := m.Disable(ctx, dep, true); err != nil {
			return err
		}
	}

	m.stopFeature(ctx, name)

	m.mu.Lock()
	d := m.features[name]
	d.enabled = false
	m.mu.Unlock()

	logging.Info().Str("feature", name).Bool("forced", force).Msg("Feature disabled")
	return nil
}

// enabledDependents returns enabled features directly depending on
// name, deepest dependents resolved by the recursive Disable. Caller
// holds the mutex.
func (m *Manager) enabledDependents(name string) []string {
	var out []string
	for _, d := range m.features {
		if !d.enabled {
			continue
		}
		for _, dep := range d.deps {
			if dep == name {
				out = append(out, d.name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// UpdateHealth records a feature's self-reported health.
func (m *Manager) UpdateHealth(name string, healthy bool, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.features[name]
	if d == nil {
		return fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	d.lastHealth = Health{Timestamp: time.Now(), Healthy: healthy, Detail: detail}
	return nil
}

// SystemHealth aggregates feature states and self-reported health.
// Healthy only when every enabled feature is Running (or not yet
// lifecycle-managed) and none reports unhealthy.
func (m *Manager) SystemHealth() (bool, []Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.features))
	for name := range m.features {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		d := m.features[name]
		statuses = append(statuses, Status{
			Name:       d.name,
			State:      d.state,
			Enabled:    d.enabled,
			Critical:   d.critical,
			DependsOn:  append([]string(nil), d.deps...),
			LastHealth: d.lastHealth,
		})
		if !d.enabled {
			continue
		}
		if d.state == StateFailed {
			healthy = false
		}
		if !d.lastHealth.Timestamp.IsZero() && !d.lastHealth.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Count reports the number of registered features.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.features)
}

// State reports a feature's current lifecycle state.
func (m *Manager) State(name string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.features[name]
	if d == nil {
		return StateUnregistered, fmt.Errorf("%w: %s", ErrUnknownFeature, name)
	}
	return d.state, nil
}

// Shutdown stops every feature in reverse dependency order. Individual
// failures and stop timeouts are tolerated so one stuck feature cannot
// block the rest.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	order := append([]string(nil), m.order...)
	m.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		m.stopFeature(ctx, order[i])
	}
}

// stopFeature stops one feature with the per-feature timeout. A Stop
// that outruns the timeout leaves the feature Failed; its goroutine is
// abandoned, not preempted.
func (m *Manager) stopFeature(ctx context.Context, name string) {
	m.mu.Lock()
	d := m.features[name]
	if d == nil || (d.state != StateRunning && d.state != StateStarting && d.state != StateInitialized) {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(d, StateStopping)
	impl := d.impl
	m.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- impl.Stop(stopCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-stopCtx.Done():
		err = fmt.Errorf("stop exceeded %v", m.stopTimeout)
		metrics.FeatureStopTimeouts.WithLabelValues(name).Inc()
	}

	m.mu.Lock()
	if err != nil {
		m.setStateLocked(d, StateFailed)
	} else {
		m.setStateLocked(d, StateStopped)
	}
	m.mu.Unlock()

	if err != nil {
		m.reportError(name, err)
	}
}

// validateDeps checks every dependency names a registered feature.
// Caller holds the mutex.
func (m *Manager) validateDeps() error {
	for _, d := range m.features {
		for _, dep := range d.deps {
			if _, ok := m.features[dep]; !ok {
				return fmt.Errorf("%w: feature %s depends on %s", ErrInvalidDependency, d.name, dep)
			}
		}
	}
	return nil
}

// topoSort orders features so dependencies come before dependents.
// Deterministic: ties break alphabetically. Caller holds the mutex.
func (m *Manager) topoSort() ([]string, error) {
	names := make([]string, 0, len(m.features))
	for name := range m.features {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	marks := make(map[string]int, len(names))
	order := make([]string, 0, len(names))

	var visit func(name string) error
	visit = func(name string) error {
		switch marks[name] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("%w: involving %s", ErrCyclicFeature, name)
		}
		marks[name] = visiting
		deps := append([]string(nil), m.features[name].deps...)
		sort.Strings(deps)
		for _, dep := range deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		marks[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// setStateLocked transitions a feature and emits the state-change
// event. Caller holds the mutex.
func (m *Manager) setStateLocked(d *descriptor, to State) {
	from := d.state
	if from == to {
		return
	}
	d.state = to

	metrics.FeatureState.WithLabelValues(d.name).Set(float64(to))
	metrics.FeatureTransitions.WithLabelValues(d.name, to.String()).Inc()
	logging.Debug().
		Str("feature", d.name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Feature state changed")

	if m.link != nil {
		//nolint:errcheck // state is observable via SystemHealth regardless
		_ = m.link.Publish(linker.EventFeatureState, linker.FeatureStatePayload{
			Feature: d.name,
			From:    from.String(),
			To:      to.String(),
		})
	}
}

func (m *Manager) stateOf(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.features[name]; d != nil {
		if !d.enabled {
			return StateUnregistered
		}
		return d.state
	}
	return StateUnregistered
}

func (m *Manager) reportError(name string, err error) {
	if m.errs != nil {
		m.errs.Handle(name, err, map[string]string{"component": "feature-manager"})
		return
	}
	logging.Error().Str("feature", name).Err(err).Msg("Feature lifecycle error")
}
