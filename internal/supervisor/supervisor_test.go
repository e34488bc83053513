// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/vigil/internal/config"
	"github.com/tomtom215/vigil/internal/feature"
)

// testSupervisorConfig returns a config safe for tests: restart mode so
// shutdown never calls os.Exit, short timeouts, journal off.
func testSupervisorConfig() *config.Config {
	cfg := config.Default()
	cfg.Shutdown.Mode = config.ModeRestartRequest
	cfg.Shutdown.GracePeriod = 100 * time.Millisecond
	cfg.Shutdown.HookTimeout = time.Second
	cfg.Shutdown.StopTimeout = time.Second
	cfg.Supervisor.FailureBackoff = 100 * time.Millisecond
	cfg.Supervisor.ShutdownTimeout = time.Second
	return cfg
}

// echoFeature records its lifecycle transitions.
type echoFeature struct {
	mu    sync.Mutex
	calls []string
}

func (f *echoFeature) note(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *echoFeature) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *echoFeature) Initialize(ctx context.Context, cfg map[string]any) error {
	f.note("initialize")
	return nil
}

func (f *echoFeature) Start(ctx context.Context) error {
	f.note("start")
	return nil
}

func (f *echoFeature) Stop(ctx context.Context) error {
	f.note("stop")
	return nil
}

func TestSupervisorConstruction(t *testing.T) {
	s, err := New(testSupervisorConfig())
	if err != nil {
		t.Fatal(err)
	}

	if s.Errors == nil || s.Health == nil || s.Linker == nil || s.Features == nil || s.Shutdown == nil {
		t.Error("all core components should be wired")
	}
	if s.Tree() == nil || s.Bus() == nil {
		t.Error("tree and bus should be exposed")
	}
	if s.Journal != nil {
		t.Error("journal should be nil when disabled")
	}

	// The feature aggregate check is pre-registered on the monitor.
	if err := s.Health.RegisterCheck("features", func(ctx context.Context) error { return nil }); err == nil {
		t.Error("features check should already be registered")
	}
}

func TestSupervisorRejectsInvalidConfig(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.ErrorHandler.MaxRetries = 0

	if _, err := New(cfg); err == nil {
		t.Error("invalid config should be rejected at construction")
	}
}

func TestSupervisorRunLifecycle(t *testing.T) {
	s, err := New(testSupervisorConfig())
	if err != nil {
		t.Fatal(err)
	}
	s.OnRestartRequest(func(reason string) {})

	db := &echoFeature{}
	api := &echoFeature{}
	if err := s.RegisterFeature("db", db, feature.Options{}); err != nil {
		t.Fatal(err)
	}
	if err := s.RegisterFeature("api", api, feature.Options{Dependencies: []string{"db"}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() {
		runErr <- s.Run(ctx)
	}()

	// Wait for both features to come up.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if state, _ := s.Features.State("api"); state == feature.StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if state, _ := s.Features.State("api"); state != feature.StateRunning {
		t.Fatalf("api never reached Running, state=%s", state)
	}

	s.Shutdown.Initiate("test complete")

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("run should return nil after shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown")
	}

	// Features are stopped through the shutdown hook, dependents first.
	if state, _ := s.Features.State("db"); state != feature.StateStopped {
		t.Errorf("db should be Stopped, got %s", state)
	}
	if state, _ := s.Features.State("api"); state != feature.StateStopped {
		t.Errorf("api should be Stopped, got %s", state)
	}

	dbLog := db.log()
	if len(dbLog) != 3 || dbLog[2] != "stop" {
		t.Errorf("db lifecycle should end in stop, got %v", dbLog)
	}
}

func TestSupervisorCriticalFeatureAbortsRun(t *testing.T) {
	s, err := New(testSupervisorConfig())
	if err != nil {
		t.Fatal(err)
	}

	broken := &failingFeature{}
	if err := s.RegisterFeature("db", broken, feature.Options{Critical: true}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.Run(ctx); err == nil {
		t.Error("Run should fail when a critical feature cannot initialize")
	}
}

type failingFeature struct{}

func (f *failingFeature) Initialize(ctx context.Context, cfg map[string]any) error {
	return context.DeadlineExceeded
}

func (f *failingFeature) Start(ctx context.Context) error { return nil }

func (f *failingFeature) Stop(ctx context.Context) error { return nil }

func TestSupervisorJournalLifecycle(t *testing.T) {
	dir := t.TempDir()

	cfg := testSupervisorConfig()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = dir

	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if s.Journal == nil {
		t.Fatal("journal should be open when enabled")
	}
	if s.UncleanStart {
		t.Error("first start should not be flagged unclean")
	}

	// Simulate a crash: close without recording a shutdown, then start a
	// second supervisor generation over the same journal.
	if err := s.Journal.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Journal.Close()

	if !s2.UncleanStart {
		t.Error("restart without a recorded shutdown should be flagged unclean")
	}
}
