// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_retries", func(c *Config) { c.ErrorHandler.MaxRetries = 0 }},
		{"negative base_delay", func(c *Config) { c.ErrorHandler.BaseDelay = -time.Second }},
		{"max_delay below base_delay", func(c *Config) {
			c.ErrorHandler.BaseDelay = time.Second
			c.ErrorHandler.MaxDelay = time.Millisecond
		}},
		{"jitter out of range", func(c *Config) { c.ErrorHandler.Jitter = 1.5 }},
		{"unknown panic policy", func(c *Config) { c.ErrorHandler.PanicPolicy = "ignore" }},
		{"zero breaker threshold", func(c *Config) { c.ErrorHandler.CircuitBreaker.FailureThreshold = 0 }},
		{"freeze below heartbeat", func(c *Config) {
			c.Health.HeartbeatInterval = time.Minute
			c.Health.FreezeThreshold = time.Second
		}},
		{"tiny leak window", func(c *Config) { c.Health.LeakWindowSize = 1 }},
		{"zero grace period", func(c *Config) { c.Shutdown.GracePeriod = 0 }},
		{"unknown shutdown mode", func(c *Config) { c.Shutdown.Mode = "reboot" }},
		{"journal enabled without path", func(c *Config) {
			c.Journal.Enabled = true
			c.Journal.Path = ""
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
shutdown:
  grace_period: 5s
  mode: restart
health:
  heartbeat_interval: 1s
  freeze_threshold: 10s
features:
  db:
    critical: true
  dashboard:
    enabled: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Shutdown.GracePeriod != 5*time.Second {
		t.Errorf("expected grace_period 5s, got %v", cfg.Shutdown.GracePeriod)
	}
	if cfg.Shutdown.Mode != ModeRestartRequest {
		t.Errorf("expected restart mode, got %q", cfg.Shutdown.Mode)
	}
	if cfg.Health.HeartbeatInterval != time.Second {
		t.Errorf("expected heartbeat_interval 1s, got %v", cfg.Health.HeartbeatInterval)
	}

	db, ok := cfg.Features["db"]
	if !ok || db.Critical == nil || !*db.Critical {
		t.Error("expected features.db.critical override to be true")
	}
	dash, ok := cfg.Features["dashboard"]
	if !ok || dash.Enabled == nil || *dash.Enabled {
		t.Error("expected features.dashboard.enabled override to be false")
	}
	// Untouched sections keep defaults.
	if cfg.ErrorHandler.MaxRetries != 3 {
		t.Errorf("expected default max_retries 3, got %d", cfg.ErrorHandler.MaxRetries)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("shutdown:\n  grace_period: 5s\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("VIGIL_GRACE_PERIOD", "7s")
	t.Setenv("VIGIL_LOG_LEVEL", "debug")
	t.Setenv("VIGIL_FEATURE_API_CRITICAL", "true")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Shutdown.GracePeriod != 7*time.Second {
		t.Errorf("env should beat file: expected 7s, got %v", cfg.Shutdown.GracePeriod)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Logging.Level)
	}
	api, ok := cfg.Features["api"]
	if !ok || api.Critical == nil || !*api.Critical {
		t.Error("expected features.api.critical from env to be true")
	}
}

func TestEnvTransformSkipsUnknownKeys(t *testing.T) {
	if got := envTransformFunc("VIGIL_TOTALLY_UNRELATED"); got != "" {
		t.Errorf("unknown key should map to empty string, got %q", got)
	}
	if got := envTransformFunc("VIGIL_CB_FAILURE_THRESHOLD"); got != "error_handler.circuit_breaker.failure_threshold" {
		t.Errorf("unexpected mapping %q", got)
	}
	if got := envTransformFunc("VIGIL_FEATURE_DB_ENABLED"); got != "features.db.enabled" {
		t.Errorf("unexpected feature mapping %q", got)
	}
}
