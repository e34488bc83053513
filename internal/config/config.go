// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package config loads and validates Vigil's runtime configuration.
//
// Configuration is layered via Koanf v2 (highest priority wins):
//
//  1. Environment variables (VIGIL_LOG_LEVEL, VIGIL_GRACE_PERIOD, ...)
//  2. Config file (config.yaml)
//  3. Built-in defaults
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for a Vigil supervisor instance.
type Config struct {
	ErrorHandler ErrorHandlerConfig `koanf:"error_handler"`
	Health       HealthConfig       `koanf:"health"`
	Shutdown     ShutdownConfig     `koanf:"shutdown"`
	Supervisor   SupervisorConfig   `koanf:"supervisor"`
	Logging      LoggingConfig      `koanf:"logging"`
	Diagnostics  DiagnosticsConfig  `koanf:"diagnostics"`
	Journal      JournalConfig      `koanf:"journal"`

	// Features holds per-feature overrides applied at registration time.
	Features map[string]FeatureOverride `koanf:"features"`
}

// ErrorHandlerConfig controls retry and circuit breaker behavior.
type ErrorHandlerConfig struct {
	// MaxRetries is the total number of attempts WithRetry makes (not
	// the number of re-tries after the first attempt).
	MaxRetries int `koanf:"max_retries"`

	// BaseDelay is the delay before the first retry; subsequent delays
	// double up to MaxDelay.
	BaseDelay time.Duration `koanf:"base_delay"`
	MaxDelay  time.Duration `koanf:"max_delay"`

	// Jitter is the randomization factor applied to retry delays (0..1).
	Jitter float64 `koanf:"jitter"`

	// RingSize bounds the per-category error record ring buffer.
	RingSize int `koanf:"ring_size"`

	// PanicPolicy decides what happens when a recovered panic reaches the
	// handler: "continue" logs and carries on, "shutdown" asks the host
	// to initiate a clean shutdown.
	PanicPolicy string `koanf:"panic_policy"`

	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker"`
}

// CircuitBreakerConfig controls per-category failure isolation.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold uint32 `koanf:"failure_threshold"`

	// ResetTimeout is how long an open breaker waits before allowing a
	// single half-open probe.
	ResetTimeout time.Duration `koanf:"reset_timeout"`
}

// HealthConfig controls the heartbeat, sampling, and degradation heuristics.
type HealthConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	CheckInterval     time.Duration `koanf:"check_interval"`

	// FreezeThreshold is the hard limit on heartbeat silence before the
	// monitor declares the process frozen.
	FreezeThreshold time.Duration `koanf:"freeze_threshold"`

	// LeakWindowSize is the number of samples retained for trend analysis.
	LeakWindowSize int `koanf:"leak_window_size"`

	// LeakSlopeBytesPerSec is the memory growth rate above which a window
	// counts toward leak suspicion.
	LeakSlopeBytesPerSec float64 `koanf:"leak_slope_bytes_per_sec"`

	// LeakConsecutiveWindows is how many consecutive breaching windows
	// trigger the leak signal.
	LeakConsecutiveWindows int `koanf:"leak_consecutive_windows"`

	// AutoRestart requests a supervised restart when a freeze is detected.
	AutoRestart bool `koanf:"auto_restart"`
}

// ShutdownMode selects what happens after draining completes.
type ShutdownMode string

const (
	// ModeTerminate exits the OS process when shutdown completes.
	ModeTerminate ShutdownMode = "terminate"

	// ModeRestartRequest performs the same draining and hook sequence but
	// signals "restart requested" to an external supervisor instead of
	// exiting directly.
	ModeRestartRequest ShutdownMode = "restart"
)

// ShutdownConfig controls graceful termination.
type ShutdownConfig struct {
	// GracePeriod bounds how long in-flight operations are awaited before
	// hooks run regardless.
	GracePeriod time.Duration `koanf:"grace_period"`

	// HookTimeout bounds each individual shutdown hook.
	HookTimeout time.Duration `koanf:"hook_timeout"`

	// StopTimeout bounds each feature's Stop call during shutdown.
	StopTimeout time.Duration `koanf:"stop_timeout"`

	Mode ShutdownMode `koanf:"mode"`
}

// SupervisorConfig mirrors suture's restart/backoff knobs.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureDecay     float64       `koanf:"failure_decay"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// DiagnosticsConfig controls the optional host-side diagnostics HTTP server.
type DiagnosticsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// JournalConfig controls the badger-backed lifecycle journal.
type JournalConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// FeatureOverride adjusts a registered feature at startup without code changes.
// Nil pointers leave the registration value untouched.
type FeatureOverride struct {
	Enabled  *bool `koanf:"enabled"`
	Critical *bool `koanf:"critical"`
}

// Default returns a Config with production-ready defaults.
func Default() *Config {
	return &Config{
		ErrorHandler: ErrorHandlerConfig{
			MaxRetries:  3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Jitter:      0.2,
			RingSize:    256,
			PanicPolicy: "continue",
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Health: HealthConfig{
			HeartbeatInterval:      5 * time.Second,
			CheckInterval:          10 * time.Second,
			FreezeThreshold:        30 * time.Second,
			LeakWindowSize:         30,
			LeakSlopeBytesPerSec:   1 << 20, // 1 MiB/s sustained growth
			LeakConsecutiveWindows: 3,
			AutoRestart:            false,
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 30 * time.Second,
			HookTimeout: 10 * time.Second,
			StopTimeout: 10 * time.Second,
			Mode:        ModeTerminate,
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5.0,
			FailureDecay:     30.0,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9430",
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "/data/vigil/journal",
		},
		Features: map[string]FeatureOverride{},
	}
}

// Validate checks the configuration for values that would misbehave at runtime.
func (c *Config) Validate() error {
	if c.ErrorHandler.MaxRetries < 1 {
		return fmt.Errorf("error_handler.max_retries must be >= 1, got %d", c.ErrorHandler.MaxRetries)
	}
	if c.ErrorHandler.BaseDelay <= 0 {
		return fmt.Errorf("error_handler.base_delay must be positive, got %v", c.ErrorHandler.BaseDelay)
	}
	if c.ErrorHandler.MaxDelay < c.ErrorHandler.BaseDelay {
		return fmt.Errorf("error_handler.max_delay %v is below base_delay %v",
			c.ErrorHandler.MaxDelay, c.ErrorHandler.BaseDelay)
	}
	if c.ErrorHandler.Jitter < 0 || c.ErrorHandler.Jitter > 1 {
		return fmt.Errorf("error_handler.jitter must be in [0,1], got %f", c.ErrorHandler.Jitter)
	}
	if c.ErrorHandler.RingSize < 1 {
		return fmt.Errorf("error_handler.ring_size must be >= 1, got %d", c.ErrorHandler.RingSize)
	}
	switch c.ErrorHandler.PanicPolicy {
	case "continue", "shutdown":
	default:
		return fmt.Errorf("error_handler.panic_policy must be continue or shutdown, got %q", c.ErrorHandler.PanicPolicy)
	}
	if c.ErrorHandler.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("error_handler.circuit_breaker.failure_threshold must be >= 1")
	}
	if c.ErrorHandler.CircuitBreaker.ResetTimeout <= 0 {
		return fmt.Errorf("error_handler.circuit_breaker.reset_timeout must be positive")
	}

	if c.Health.HeartbeatInterval <= 0 {
		return fmt.Errorf("health.heartbeat_interval must be positive, got %v", c.Health.HeartbeatInterval)
	}
	if c.Health.CheckInterval <= 0 {
		return fmt.Errorf("health.check_interval must be positive, got %v", c.Health.CheckInterval)
	}
	if c.Health.FreezeThreshold <= c.Health.HeartbeatInterval {
		return fmt.Errorf("health.freeze_threshold %v must exceed heartbeat_interval %v",
			c.Health.FreezeThreshold, c.Health.HeartbeatInterval)
	}
	if c.Health.LeakWindowSize < 2 {
		return fmt.Errorf("health.leak_window_size must be >= 2, got %d", c.Health.LeakWindowSize)
	}
	if c.Health.LeakConsecutiveWindows < 1 {
		return fmt.Errorf("health.leak_consecutive_windows must be >= 1, got %d", c.Health.LeakConsecutiveWindows)
	}

	if c.Shutdown.GracePeriod <= 0 {
		return fmt.Errorf("shutdown.grace_period must be positive, got %v", c.Shutdown.GracePeriod)
	}
	if c.Shutdown.HookTimeout <= 0 {
		return fmt.Errorf("shutdown.hook_timeout must be positive, got %v", c.Shutdown.HookTimeout)
	}
	if c.Shutdown.StopTimeout <= 0 {
		return fmt.Errorf("shutdown.stop_timeout must be positive, got %v", c.Shutdown.StopTimeout)
	}
	switch c.Shutdown.Mode {
	case ModeTerminate, ModeRestartRequest:
	default:
		return fmt.Errorf("shutdown.mode must be terminate or restart, got %q", c.Shutdown.Mode)
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path must be set when journal is enabled")
	}
	if c.Diagnostics.Enabled && c.Diagnostics.Addr == "" {
		return fmt.Errorf("diagnostics.addr must be set when diagnostics is enabled")
	}

	return nil
}
