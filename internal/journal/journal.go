// Vigil - Process Supervision and Self-Healing Runtime Core
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/vigil

// Package journal persists process lifecycle records so a restarted
// process can tell whether its predecessor shut down cleanly. Backed by
// an embedded Badger store; the journal is advisory and never blocks
// startup on corruption.
package journal

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/vigil/internal/logging"
)

const (
	keyState        = "lifecycle/state"
	keyLastStart    = "lifecycle/last_start"
	keyLastShutdown = "lifecycle/last_shutdown"

	stateRunning = "running"
	stateStopped = "stopped"
)

// ShutdownRecord is the persisted outcome of one shutdown sequence.
type ShutdownRecord struct {
	Reason     string    `json:"reason"`
	Clean      bool      `json:"clean"`
	FinishedAt time.Time `json:"finished_at"`
}

// StartRecord marks one process start.
type StartRecord struct {
	StartedAt time.Time `json:"started_at"`
	PID       int       `json:"pid"`
}

// Journal is a durable lifecycle log for crash detection across
// restarts.
type Journal struct {
	db *badger.DB
}

// Open opens or creates the journal at dir.
func Open(dir string) (*Journal, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// RecordStart notes that the process is running and reports whether the
// previous run ended without a recorded shutdown, meaning it crashed or
// was killed.
func (j *Journal) RecordStart(pid int) (unclean bool, err error) {
	err = j.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyState))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// First run.
		case err != nil:
			return fmt.Errorf("read state: %w", err)
		default:
			if verr := item.Value(func(val []byte) error {
				unclean = string(val) == stateRunning
				return nil
			}); verr != nil {
				return fmt.Errorf("read state value: %w", verr)
			}
		}

		rec, merr := json.Marshal(StartRecord{StartedAt: time.Now().UTC(), PID: pid})
		if merr != nil {
			return fmt.Errorf("marshal start record: %w", merr)
		}
		if err := txn.Set([]byte(keyLastStart), rec); err != nil {
			return fmt.Errorf("write start record: %w", err)
		}
		return txn.Set([]byte(keyState), []byte(stateRunning))
	})
	if err != nil {
		return false, err
	}

	if unclean {
		logging.Warn().Msg("Previous run ended without a clean shutdown")
	}
	return unclean, nil
}

// RecordShutdown persists the shutdown outcome and marks the process
// stopped.
func (j *Journal) RecordShutdown(reason string, clean bool) error {
	rec, err := json.Marshal(ShutdownRecord{
		Reason:     reason,
		Clean:      clean,
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal shutdown record: %w", err)
	}

	return j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyLastShutdown), rec); err != nil {
			return fmt.Errorf("write shutdown record: %w", err)
		}
		return txn.Set([]byte(keyState), []byte(stateStopped))
	})
}

// LastShutdown returns the most recent shutdown record, if any.
func (j *Journal) LastShutdown() (ShutdownRecord, bool, error) {
	var rec ShutdownRecord
	found := false

	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLastShutdown))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read shutdown record: %w", err)
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode shutdown record: %w", err)
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return ShutdownRecord{}, false, err
	}
	return rec, found, nil
}

// LastStart returns the most recent start record, if any.
func (j *Journal) LastStart() (StartRecord, bool, error) {
	var rec StartRecord
	found := false

	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLastStart))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read start record: %w", err)
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode start record: %w", err)
			}
			found = true
			return nil
		})
	})
	if err != nil {
		return StartRecord{}, false, err
	}
	return rec, found, nil
}

// Close flushes and closes the underlying store.
func (j *Journal) Close() error {
	return j.db.Close()
}
