// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package executor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/database"
	"github.com/cohortforge/cohortforge/internal/executor"
	"github.com/cohortforge/cohortforge/internal/models"
	"github.com/cohortforge/cohortforge/internal/queryplan"
	"github.com/cohortforge/cohortforge/internal/safety"
	"github.com/cohortforge/cohortforge/internal/testinfra"
)

func engineConfig(t *testing.T) config.EngineConfig {
	return config.EngineConfig{
		SourceTable:      "events",
		TargetSchema:     "analysis_results",
		LookbackDays:     7,
		DefaultRowLimit:  1000,
		MaxRetries:       2,
		RetryBackoff:     time.Millisecond,
		QueryConcurrency: 1,
		QueriesPerSecond: 1000,
		ExportDir:        t.TempDir(),
	}
}

func seedAndPlan(t *testing.T, store *database.Store, cfg config.EngineConfig) *queryplan.Plan {
	t.Helper()

	day := testinfra.Day(2025, time.June, 10)
	testinfra.SeedEvents(t, store, "events", []models.RawEvent{
		testinfra.Event("session_start", day.Add(8*time.Hour),
			testinfra.WithUser("u1"), testinfra.WithSession("s1")),
		testinfra.Event("session_start", day.Add(9*time.Hour),
			testinfra.WithUser("u2"), testinfra.WithSession("s2")),
	})

	builder, err := queryplan.NewBuilder(cfg)
	if err != nil {
		t.Fatalf("new builder: %v", err)
	}
	plan, err := builder.Build(models.FieldMapping{
		PrimaryUserIDField: "custom_user_id",
		ObservedStart:      testinfra.Day(2025, time.June, 1),
		ObservedEnd:        testinfra.Day(2025, time.June, 30),
	}, models.Filters{
		DateStart: day,
		DateEnd:   testinfra.Day(2025, time.June, 20),
	})
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	return plan
}

func TestExecuteMaterializesFacts(t *testing.T) {
	store := testinfra.OpenStore(t)
	cfg := engineConfig(t)
	plan := seedAndPlan(t, store, cfg)

	exec := executor.New(store, safety.NewGate([]string{cfg.TargetSchema}), cfg)
	ctx := context.Background()

	result, err := exec.Execute(ctx, plan, cfg.TargetSchema)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.TableCreated || result.FellBack {
		t.Fatalf("expected table materialization, got %+v", result)
	}
	if result.RowCount != 2 {
		t.Errorf("row count = %d, want 2", result.RowCount)
	}
	if want := database.FactTableName(cfg.TargetSchema, plan.Hash); result.ArtifactLocation != want {
		t.Errorf("artifact location = %q, want %q", result.ArtifactLocation, want)
	}

	facts, err := store.LoadFacts(ctx, result.ArtifactLocation, plan.Levels)
	if err != nil {
		t.Fatalf("load facts: %v", err)
	}
	if len(facts) != 2 || facts[0].UserID != "u1" || facts[1].UserID != "u2" {
		t.Errorf("unexpected facts: %+v", facts)
	}

	// Re-running the same plan replaces the table atomically.
	again, err := exec.Execute(ctx, plan, cfg.TargetSchema)
	if err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if again.RowCount != 2 {
		t.Errorf("re-run row count = %d, want 2", again.RowCount)
	}

	// No staging residue after commit.
	if _, err := store.CountRows(ctx, result.ArtifactLocation+"__staging"); err == nil {
		t.Errorf("staging table still present after commit")
	}
}

func TestExecuteFallsBackOnReadOnlyStore(t *testing.T) {
	cfg := engineConfig(t)
	dbPath := filepath.Join(t.TempDir(), "events.db")

	seeded, err := database.Open(config.DatabaseConfig{Path: dbPath, QueryTimeout: time.Minute})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	plan := seedAndPlan(t, seeded, cfg)
	if err := seeded.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	readonly, err := database.Open(config.DatabaseConfig{
		Path:         dbPath + "?access_mode=read_only",
		QueryTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("reopen read-only: %v", err)
	}
	t.Cleanup(func() { _ = readonly.Close() })

	exec := executor.New(readonly, safety.NewGate([]string{cfg.TargetSchema}), cfg)
	result, err := exec.Execute(context.Background(), plan, cfg.TargetSchema)
	if err != nil {
		t.Fatalf("execute on read-only store: %v", err)
	}
	if !result.FellBack || result.TableCreated {
		t.Fatalf("expected export fallback, got %+v", result)
	}
	if result.RowCount != 2 || len(result.Facts) != 2 {
		t.Errorf("fallback rows = %d (facts %d), want 2", result.RowCount, len(result.Facts))
	}

	data, err := os.ReadFile(result.ArtifactLocation)
	if err != nil {
		t.Fatalf("read fallback artifact: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Errorf("artifact has %d lines, want 2", len(lines))
	}
}

func TestExecuteRejectsMutatingPlan(t *testing.T) {
	store := testinfra.OpenStore(t)
	cfg := engineConfig(t)
	seedAndPlan(t, store, cfg)

	exec := executor.New(store, safety.NewGate([]string{cfg.TargetSchema}), cfg)
	forged := &queryplan.Plan{SQL: "DELETE FROM events", Hash: "feedface"}

	_, err := exec.Execute(context.Background(), forged, cfg.TargetSchema)
	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError from the gate, got %T: %v", err, err)
	}

	// The statement never reached the store.
	count, cerr := store.CountRows(context.Background(), "events")
	if cerr != nil {
		t.Fatalf("count events: %v", cerr)
	}
	if count != 2 {
		t.Errorf("source rows = %d after rejection, want 2 untouched", count)
	}
}

func TestExecuteRejectsUnknownTargetSchema(t *testing.T) {
	store := testinfra.OpenStore(t)
	cfg := engineConfig(t)
	plan := seedAndPlan(t, store, cfg)

	exec := executor.New(store, safety.NewGate([]string{cfg.TargetSchema}), cfg)

	_, err := exec.Execute(context.Background(), plan, "scratch")
	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for off-list schema, got %T: %v", err, err)
	}
}
