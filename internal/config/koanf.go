// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/vigil/config.yaml",
	"/etc/vigil/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "VIGIL_CONFIG_PATH"

// envPrefix scopes environment variables consumed by Vigil so the host
// application's own variables are never misread.
const envPrefix = "VIGIL_"

// Load builds the configuration from layered sources:
//
//  1. Defaults: Default()
//  2. Config file: optional YAML file (if found)
//  3. Environment variables: highest priority
func Load() (*Config, error) {
	return loadFrom(findConfigFile())
}

// LoadFile loads configuration with an explicit config file path. The file
// must exist.
func LoadFile(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return loadFrom(path)
}

func loadFrom(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// envTransformFunc maps VIGIL_* environment variables to koanf config paths.
//
// Examples:
//   - VIGIL_LOG_LEVEL -> logging.level
//   - VIGIL_GRACE_PERIOD -> shutdown.grace_period
//   - VIGIL_CB_FAILURE_THRESHOLD -> error_handler.circuit_breaker.failure_threshold
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))

	envMappings := map[string]string{
		// Error handler mappings
		"max_retries":          "error_handler.max_retries",
		"retry_base_delay":     "error_handler.base_delay",
		"retry_max_delay":      "error_handler.max_delay",
		"retry_jitter":         "error_handler.jitter",
		"error_ring_size":      "error_handler.ring_size",
		"panic_policy":         "error_handler.panic_policy",
		"cb_failure_threshold": "error_handler.circuit_breaker.failure_threshold",
		"cb_reset_timeout":     "error_handler.circuit_breaker.reset_timeout",

		// Health monitor mappings
		"heartbeat_interval":       "health.heartbeat_interval",
		"health_check_interval":    "health.check_interval",
		"freeze_threshold":         "health.freeze_threshold",
		"leak_window_size":         "health.leak_window_size",
		"leak_slope_bytes_per_sec": "health.leak_slope_bytes_per_sec",
		"leak_consecutive_windows": "health.leak_consecutive_windows",
		"auto_restart":             "health.auto_restart",

		// Shutdown mappings
		"grace_period":  "shutdown.grace_period",
		"hook_timeout":  "shutdown.hook_timeout",
		"stop_timeout":  "shutdown.stop_timeout",
		"shutdown_mode": "shutdown.mode",

		// Supervisor tree mappings
		"supervisor_failure_threshold": "supervisor.failure_threshold",
		"supervisor_failure_decay":     "supervisor.failure_decay",
		"supervisor_failure_backoff":   "supervisor.failure_backoff",
		"supervisor_shutdown_timeout":  "supervisor.shutdown_timeout",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		// Diagnostics mappings
		"diagnostics_enabled": "diagnostics.enabled",
		"diagnostics_addr":    "diagnostics.addr",

		// Journal mappings
		"journal_enabled": "journal.enabled",
		"journal_path":    "journal.path",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	// Per-feature overrides: VIGIL_FEATURE_<NAME>_ENABLED / _CRITICAL.
	if rest, ok := strings.CutPrefix(key, "feature_"); ok {
		if name, ok := strings.CutSuffix(rest, "_enabled"); ok && name != "" {
			return "features." + name + ".enabled"
		}
		if name, ok := strings.CutSuffix(rest, "_critical"); ok && name != "" {
			return "features." + name + ".critical"
		}
	}

	// Unmapped keys are skipped so unrelated environment variables cannot
	// pollute the configuration.
	return ""
}
