// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package errorhandler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/vigil/internal/metrics"
)

// RetryConfig controls one retry loop. Zero values fall back to the
// handler's configured defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the first retry; each subsequent wait
	// doubles, capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Jitter randomizes each wait by +/- Jitter*delay. Zero falls back
	// to the handler's configured jitter; negative disables jitter
	// entirely, the only mode where the wait before attempt k is exactly
	// min(BaseDelay*2^(k-1), MaxDelay).
	Jitter float64
}

// Permanent marks an error as non-retryable: WithRetry stops immediately
// and returns it without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// WithRetry invokes op, retrying failures with exponential backoff until
// it succeeds, the context is canceled, or the configured attempts are
// exhausted. On exhaustion the final error is recorded via the handler
// and returned to the caller.
func (h *Handler) WithRetry(ctx context.Context, category string, op func() error) error {
	_, err := Retry(ctx, h, category, RetryConfig{}, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Retry is the typed retry helper. cfg fields left zero take the
// handler's defaults.
func Retry[T any](ctx context.Context, h *Handler, category string, cfg RetryConfig, op func() (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = h.cfg.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = h.cfg.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = h.cfg.MaxDelay
	}
	if cfg.Jitter == 0 {
		cfg.Jitter = h.cfg.Jitter
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := 0
	result, err := backoff.RetryWithData(func() (T, error) {
		attempts++
		metrics.RetryAttempts.WithLabelValues(category).Inc()
		return op()
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1)), ctx))

	if err != nil {
		metrics.RetryExhausted.WithLabelValues(category).Inc()
		h.handle(category, err, map[string]string{
			"attempts": strconv.Itoa(attempts),
		}, true, attempts)
		var zero T
		return zero, fmt.Errorf("after %d attempts: %w", attempts, err)
	}
	return result, nil
}
