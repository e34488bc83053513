// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package metrics provides Prometheus instrumentation for the supervision
// core: error intake, circuit breakers, feature lifecycle, health sampling,
// the event bus, and shutdown.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Error Handler Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_errors_total",
			Help: "Total number of errors routed through the error handler",
		},
		[]string{"category"},
	)

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_retry_attempts_total",
			Help: "Total number of retry attempts, including the first try",
		},
		[]string{"category"},
	)

	RetryExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_retry_exhausted_total",
			Help: "Total number of operations that failed all retry attempts",
		},
		[]string{"category"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"category"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"category", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_circuit_breaker_requests_total",
			Help: "Circuit breaker request outcomes",
		},
		[]string{"category", "outcome"}, // "success", "failure", "rejected"
	)

	// Feature Lifecycle Metrics
	FeatureState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vigil_feature_state",
			Help: "Feature lifecycle state (numeric encoding of the state enum)",
		},
		[]string{"feature"},
	)

	FeatureTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_feature_transitions_total",
			Help: "Total number of feature state transitions",
		},
		[]string{"feature", "to"},
	)

	FeatureStopTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_feature_stop_timeouts_total",
			Help: "Features whose Stop exceeded the per-feature timeout during shutdown",
		},
		[]string{"feature"},
	)

	// Health Monitor Metrics
	HeartbeatsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_heartbeats_total",
			Help: "Total number of heartbeats emitted",
		},
	)

	HealthMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_health_memory_bytes",
			Help: "Resident memory of the supervised process from the last sample",
		},
	)

	HealthCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_health_cpu_percent",
			Help: "Process CPU utilization from the last sample",
		},
	)

	HealthSchedulerLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_health_scheduler_lag_seconds",
			Help: "Observed timer drift of the health check loop",
		},
	)

	ComponentCheckFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_component_check_failures_total",
			Help: "Failures of registered component health checks",
		},
		[]string{"check"},
	)

	LeaksSuspected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_memory_leaks_suspected_total",
			Help: "Times the memory growth trend crossed the leak threshold",
		},
	)

	FreezesDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vigil_freezes_detected_total",
			Help: "Times heartbeat silence exceeded the freeze threshold",
		},
	)

	// Event Bus Metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_events_published_total",
			Help: "Events published on the process-wide bus",
		},
		[]string{"event"},
	)

	// Shutdown Metrics
	InflightOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vigil_inflight_operations",
			Help: "Currently tracked in-flight operations",
		},
	)

	ShutdownDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vigil_shutdown_duration_seconds",
			Help:    "Total time from shutdown initiation to completion",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	ShutdownHookFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vigil_shutdown_hook_failures_total",
			Help: "Shutdown hooks that returned an error or timed out",
		},
		[]string{"hook"},
	)
)

// ObserveShutdown records the total shutdown duration.
func ObserveShutdown(start time.Time) {
	ShutdownDuration.Observe(time.Since(start).Seconds())
}
