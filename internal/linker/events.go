// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package linker

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EventType is the closed set of events carried on the process-wide bus.
// Components never publish free-form topic strings; every event is one of
// these constants with a typed payload.
type EventType string

const (
	EventError            EventType = "error"
	EventCircuitOpened    EventType = "circuitOpened"
	EventCircuitClosed    EventType = "circuitClosed"
	EventHeartbeat        EventType = "heartbeat"
	EventUnhealthy        EventType = "unhealthy"
	EventMemoryLeak       EventType = "memoryLeakSuspected"
	EventFreeze           EventType = "freeze"
	EventFeatureState     EventType = "featureStateChanged"
	EventRestartInitiated EventType = "restartInitiated"
	EventShutdownStarted  EventType = "shutdownStarted"
	EventShutdownComplete EventType = "shutdownComplete"
)

// AllEventTypes lists every event type, in no particular order.
var AllEventTypes = []EventType{
	EventError, EventCircuitOpened, EventCircuitClosed,
	EventHeartbeat, EventUnhealthy, EventMemoryLeak, EventFreeze,
	EventFeatureState, EventRestartInitiated,
	EventShutdownStarted, EventShutdownComplete,
}

// Topic returns the bus topic an event type is published on.
func (t EventType) Topic() string {
	return "vigil.events." + string(t)
}

// Valid reports whether t is a member of the closed event set.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Event is the envelope delivered to subscribers. Payload is the JSON
// encoding of one of the payload structs below; use DecodePayload to
// recover the typed value.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    []byte    `json:"payload"`
}

// DecodePayload unmarshals an event payload into its typed struct.
func DecodePayload[T any](ev Event) (T, error) {
	var out T
	if err := json.Unmarshal(ev.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return out, nil
}

// ErrorPayload accompanies EventError.
type ErrorPayload struct {
	Category  string            `json:"category"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Attempt   int               `json:"attempt"`
	Context   map[string]string `json:"context,omitempty"`
}

// CircuitPayload accompanies EventCircuitOpened and EventCircuitClosed.
type CircuitPayload struct {
	Category string `json:"category"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// HeartbeatPayload accompanies EventHeartbeat.
type HeartbeatPayload struct {
	Sequence uint64        `json:"sequence"`
	Uptime   time.Duration `json:"uptime"`
}

// UnhealthyPayload accompanies EventUnhealthy. FailedChecks maps check
// names to their failure messages.
type UnhealthyPayload struct {
	FailedChecks map[string]string `json:"failed_checks"`
	MemoryBytes  uint64            `json:"memory_bytes"`
	CPUPercent   float64           `json:"cpu_percent"`
	SchedulerLag time.Duration     `json:"scheduler_lag"`
}

// LeakPayload accompanies EventMemoryLeak.
type LeakPayload struct {
	SlopeBytesPerSec float64 `json:"slope_bytes_per_sec"`
	Windows          int     `json:"windows"`
}

// FreezePayload accompanies EventFreeze.
type FreezePayload struct {
	SilentFor time.Duration `json:"silent_for"`
}

// FeatureStatePayload accompanies EventFeatureState.
type FeatureStatePayload struct {
	Feature string `json:"feature"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// RestartPayload accompanies EventRestartInitiated.
type RestartPayload struct {
	Reason string `json:"reason"`
}

// ShutdownPayload accompanies EventShutdownStarted and EventShutdownComplete.
type ShutdownPayload struct {
	Reason string `json:"reason"`
	Clean  bool   `json:"clean"`
}
