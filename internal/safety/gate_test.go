// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package safety

import (
	"errors"
	"testing"

	"github.com/cohortforge/cohortforge/internal/models"
)

func TestValidateQuery(t *testing.T) {

	gate := NewGate([]string{"analysis_results"})

	tests := []struct {
		name    string
		query   string
		wantErr bool
	}{
		{
			name:    "plain select passes",
			query:   "SELECT user_id, date FROM events WHERE date >= '2025-09-01'",
			wantErr: false,
		},
		{
			name:    "cte passes",
			query:   "WITH cohorts AS (SELECT user_id, MIN(date) FROM events GROUP BY 1) SELECT * FROM cohorts",
			wantErr: false,
		},
		{
			name:    "delete rejected",
			query:   "DELETE FROM events WHERE date < '2020-01-01'",
			wantErr: true,
		},
		{
			name:    "update rejected",
			query:   "UPDATE events SET name = 'x'",
			wantErr: true,
		},
		{
			name:    "drop rejected even inside select",
			query:   "SELECT 1; DROP TABLE events",
			wantErr: true,
		},
		{
			name:    "pragma rejected",
			query:   "PRAGMA database_list",
			wantErr: true,
		},
		{
			name:    "keyword inside string literal is fine",
			query:   "SELECT SUM(CASE WHEN UPPER(name) LIKE '%INSERT_COIN%' THEN 1 ELSE 0 END) FROM events",
			wantErr: false,
		},
		{
			name:    "keyword as substring of identifier is fine",
			query:   "SELECT last_updated, created_at FROM events",
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.ValidateQuery(tt.query)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateQuery() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var confErr *models.ConfigurationError
				if !errors.As(err, &confErr) {
					t.Errorf("rejection should be a ConfigurationError, got %T", err)
				}
			}
		})
	}
}

func TestValidateMaterialization(t *testing.T) {

	gate := NewGate([]string{"analysis_results", "reporting"})
	query := "SELECT user_id, date FROM events"

	tests := []struct {
		name    string
		target  string
		wantErr bool
	}{
		{"allow-listed schema passes", "analysis_results.user_daily_facts_abc123", false},
		{"second allow-listed schema passes", "reporting.summary_abc123", false},
		{"unlisted schema rejected", "main.user_daily_facts_abc123", true},
		{"source schema rejected", "raw.events", true},
		{"unqualified target rejected", "user_daily_facts", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.ValidateMaterialization(tt.target, query)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMaterialization(%q) error = %v, wantErr %v", tt.target, err, tt.wantErr)
			}
		})
	}
}

func TestAuditLogRecordsVerdicts(t *testing.T) {

	gate := NewGate([]string{"analysis_results"})

	_ = gate.ValidateQuery("SELECT 1")
	_ = gate.ValidateQuery("DROP TABLE events")
	_ = gate.ValidateMaterialization("analysis_results.t", "SELECT 1")

	log := gate.AuditLog()
	if len(log) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(log))
	}
	if !log[0].Allowed {
		t.Error("first verdict should be allowed")
	}
	if log[1].Allowed {
		t.Error("second verdict should be rejected")
	}
	if len(log[1].Violations) == 0 {
		t.Error("rejected verdict should carry violations")
	}
	if log[2].Target != "analysis_results.t" {
		t.Errorf("expected target recorded, got %q", log[2].Target)
	}
}

func TestHashQueryDeterministic(t *testing.T) {

	a := HashQuery("SELECT 1")
	b := HashQuery("SELECT 1")
	c := HashQuery("SELECT 2")

	if a != b {
		t.Error("same query must hash identically")
	}
	if a == c {
		t.Error("different queries must hash differently")
	}
	if len(a) != 16 {
		t.Errorf("hash should be 16 hex chars, got %d", len(a))
	}
}
