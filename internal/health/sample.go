// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package health

import "time"

// Sample is one point-in-time measurement of process health.
type Sample struct {
	Timestamp    time.Time
	MemoryBytes  uint64
	CPUPercent   float64
	SchedulerLag time.Duration
}

// window is a bounded sliding window of samples used for trend analysis.
// When full, appending evicts the oldest sample.
type window struct {
	samples []Sample
	next    int
	full    bool
}

func newWindow(size int) *window {
	return &window{samples: make([]Sample, size)}
}

func (w *window) append(s Sample) {
	w.samples[w.next] = s
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

func (w *window) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// ordered returns retained samples oldest first.
func (w *window) ordered() []Sample {
	if !w.full {
		out := make([]Sample, w.next)
		copy(out, w.samples[:w.next])
		return out
	}
	out := make([]Sample, 0, len(w.samples))
	out = append(out, w.samples[w.next:]...)
	out = append(out, w.samples[:w.next]...)
	return out
}

// memorySlope computes the least-squares slope of memory usage over the
// window in bytes per second. Returns 0 for fewer than two samples.
func (w *window) memorySlope() float64 {
	samples := w.ordered()
	n := len(samples)
	if n < 2 {
		return 0
	}

	t0 := samples[0].Timestamp
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := s.Timestamp.Sub(t0).Seconds()
		y := float64(s.MemoryBytes)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}
