// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

package errorhandler

import "time"

// ErrorRecord is one captured failure.
type ErrorRecord struct {
	Category  string
	Message   string
	Timestamp time.Time
	Retryable bool

	// Attempt is the ordinal of the attempt that produced the error;
	// zero for errors outside a retry loop.
	Attempt int

	// Context carries caller-supplied key/value details.
	Context map[string]string
}

// ring is a bounded buffer of error records. When full, the oldest record
// is evicted first so per-category history can never grow without bound.
type ring struct {
	records []ErrorRecord
	next    int
	full    bool

	// total counts every record ever appended, including evicted ones.
	total uint64
}

func newRing(capacity int) *ring {
	return &ring{records: make([]ErrorRecord, capacity)}
}

func (r *ring) append(rec ErrorRecord) {
	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}
	r.total++
}

// snapshot returns retained records in oldest-to-newest order.
func (r *ring) snapshot() []ErrorRecord {
	if !r.full {
		out := make([]ErrorRecord, r.next)
		copy(out, r.records[:r.next])
		return out
	}
	out := make([]ErrorRecord, 0, len(r.records))
	out = append(out, r.records[r.next:]...)
	out = append(out, r.records[:r.next]...)
	return out
}
