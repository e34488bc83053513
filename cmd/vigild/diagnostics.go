// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/vigil/internal/supervisor"
)

// newDiagnosticsRouter builds the host-side diagnostics surface: liveness,
// readiness, Prometheus metrics, and a JSON stats dump. Bind it to
// loopback; there is no authentication here.
func newDiagnosticsRouter(s *supervisor.Supervisor) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		healthy, failed := s.Health.Healthy(req.Context())
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"healthy":       healthy,
			"failed_checks": failed,
			"uptime":        s.Health.Uptime().String(),
		})
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		select {
		case <-s.Bus().Running():
			writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		default:
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		}
	})

	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		_, features := s.Features.SystemHealth()
		writeJSON(w, http.StatusOK, map[string]any{
			"errors":        s.Errors.Stats(),
			"health":        s.Health.Metrics(),
			"features":      features,
			"unclean_start": s.UncleanStart,
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck // client disconnects are not actionable here
	_ = json.NewEncoder(w).Encode(body)
}

// httpService runs an http.Server under the supervision tree, bridging
// its blocking ListenAndServe to suture's context-aware Serve.
type httpService struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

func (h *httpService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("diagnostics server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		// The serve context is already canceled; shutdown needs its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("diagnostics server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *httpService) String() string {
	return "diagnostics-server"
}
