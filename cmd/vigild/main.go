// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// vigild is the reference host for the supervision core. It loads
// configuration, assembles a Supervisor, optionally exposes a local
// diagnostics server, and runs until a termination signal arrives.
// Features are compiled in by embedding hosts; vigild itself runs the
// bare core.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/logging"
	"github.com/tomtom215/vigil/internal/supervisor"
)

var version = "dev"

// restartExitCode tells an external process manager to relaunch us.
const restartExitCode = 3

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "path to YAML config file (optional)")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("vigild", version)
		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Str("version", version).Msg("Starting vigild")

	s, err := supervisor.New(cfg)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to assemble supervisor")
		return 1
	}
	if s.UncleanStart {
		logging.Warn().Msg("Recovered from an unclean shutdown")
	}

	s.OnRestartRequest(func(reason string) {
		logging.Info().Str("reason", reason).Msg("Restart requested, exiting for relaunch")
		os.Exit(restartExitCode)
	})

	if cfg.Diagnostics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Diagnostics.Addr,
			Handler:           newDiagnosticsRouter(s),
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.Tree().AddMonitoringService(&httpService{
			server:          srv,
			shutdownTimeout: cfg.Supervisor.ShutdownTimeout,
		})
		logging.Info().Str("addr", cfg.Diagnostics.Addr).Msg("Diagnostics server enabled")
	}

	// Signals are handled inside the supervisor's shutdown handler; in
	// terminate mode Run never returns from a signal because the process
	// exits at the end of the shutdown sequence.
	if err := s.Run(context.Background()); err != nil {
		logging.Error().Err(err).Msg("Supervisor stopped with error")
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
