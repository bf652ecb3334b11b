// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package audit persists safety-gate verdicts to the analytical store so
// every generated query a run submitted, allowed or rejected, survives the
// process. The in-memory gate log covers one run; the trail covers all of
// them.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/cohortforge/cohortforge/internal/database"
	"github.com/cohortforge/cohortforge/internal/safety"
)

// Record is one persisted gate verdict, tied to the run that produced it.
type Record struct {
	RunID      string    `json:"run_id"`
	QueryHash  string    `json:"query_hash"`
	Target     string    `json:"target,omitempty"`
	Allowed    bool      `json:"allowed"`
	Violations []string  `json:"violations,omitempty"`
	At         time.Time `json:"at"`
}

// Trail writes gate verdicts to the gate_audit table.
type Trail struct {
	store *database.Store
}

// NewTrail creates a trail backed by the given store.
func NewTrail(store *database.Store) *Trail {
	return &Trail{store: store}
}

// EnsureTable creates the gate_audit table if it does not exist.
func (t *Trail) EnsureTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS gate_audit (
			run_id TEXT NOT NULL,
			query_hash TEXT NOT NULL,
			target TEXT,
			allowed BOOLEAN NOT NULL,
			violations VARCHAR, -- JSON text; a JSON column scans back as a decoded value, not a string
			recorded_at TIMESTAMPTZ NOT NULL
		)`
	if err := t.store.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create gate_audit table: %w", err)
	}
	return nil
}

// Append persists one run's gate entries. Entries are written in gate order
// so the trail reads as the run's submission sequence.
func (t *Trail) Append(ctx context.Context, runID string, entries []safety.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := t.EnsureTable(ctx); err != nil {
		return err
	}
	for _, e := range entries {
		violations, err := json.Marshal(e.Violations)
		if err != nil {
			return fmt.Errorf("encode violations: %w", err)
		}
		err = t.store.Exec(ctx,
			"INSERT INTO gate_audit (run_id, query_hash, target, allowed, violations, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
			runID, e.QueryHash, e.Target, e.Allowed, string(violations), e.At)
		if err != nil {
			return fmt.Errorf("append gate_audit row: %w", err)
		}
	}
	return nil
}

// ForRun returns the persisted verdicts for one run, oldest first.
func (t *Trail) ForRun(ctx context.Context, runID string) ([]Record, error) {
	var records []Record
	err := t.store.QueryAndScan(ctx,
		"SELECT run_id, query_hash, target, allowed, violations, recorded_at FROM gate_audit WHERE run_id = ? ORDER BY recorded_at",
		[]any{runID},
		func(rows *sql.Rows) error {
			var (
				rec        Record
				target     sql.NullString
				violations sql.NullString
			)
			if err := rows.Scan(&rec.RunID, &rec.QueryHash, &target, &rec.Allowed, &violations, &rec.At); err != nil {
				return err
			}
			rec.Target = target.String
			if violations.Valid && violations.String != "null" {
				if err := json.Unmarshal([]byte(violations.String), &rec.Violations); err != nil {
					return fmt.Errorf("decode violations: %w", err)
				}
			}
			records = append(records, rec)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("query gate_audit: %w", err)
	}
	return records, nil
}
