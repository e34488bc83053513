// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package feature implements registration and dependency-ordered
// lifecycle management for named subsystems. Features move through a
// fixed state machine driven only by the Manager; their implementations
// are opaque behind the Feature interface.
package feature

import (
	"context"
	"time"
)

// Feature is the compile-time contract a subsystem implements to be
// lifecycle-managed. All three methods must respect the context
// deadline; Stop in particular is bounded by the shutdown stop timeout.
type Feature interface {
	Initialize(ctx context.Context, cfg map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// State is a feature's lifecycle position. Transitions are made only by
// the Manager.
type State int

const (
	StateUnregistered State = iota
	StateInitializing
	StateInitialized
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = map[State]string{
	StateUnregistered: "unregistered",
	StateInitializing: "initializing",
	StateInitialized:  "initialized",
	StateStarting:     "starting",
	StateRunning:      "running",
	StateStopping:     "stopping",
	StateStopped:      "stopped",
	StateFailed:       "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Health is a feature's self-reported health status.
type Health struct {
	Timestamp time.Time
	Healthy   bool
	Detail    string
}

// Options configures a feature at registration time. Zero value means
// enabled, non-critical, no dependencies.
type Options struct {
	// Disabled registers the feature without ever initializing it. It can
	// be enabled later at runtime.
	Disabled bool

	// Critical marks the feature as fatal: a failed Initialize or Start
	// aborts whole-system startup.
	Critical bool

	// Dependencies names features that must be initialized and started
	// before this one. They must all be registered by InitializeAll time.
	Dependencies []string

	// Config is passed opaquely to the feature's Initialize.
	Config map[string]any
}

// Status is a read-only snapshot of one feature for observability.
type Status struct {
	Name       string
	State      State
	Enabled    bool
	Critical   bool
	DependsOn  []string
	LastHealth Health
}
