// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/models"
	"github.com/cohortforge/cohortforge/internal/safety"
	"github.com/cohortforge/cohortforge/internal/testinfra"
)

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		SourceTable:      "events",
		TargetSchema:     "analysis_results",
		LookbackDays:     7,
		DefaultRowLimit:  1000,
		MaxRetries:       2,
		RetryBackoff:     time.Millisecond,
		QueryConcurrency: 1,
		QueriesPerSecond: 1000,
		ExportDir:        "",
	}
}

func newTestExecutor(cfg config.EngineConfig) *Executor {
	return New(nil, safety.NewGate([]string{"analysis_results"}), cfg)
}

func TestSubmitWithRetryTransient(t *testing.T) {
	e := newTestExecutor(testEngineConfig())

	calls := 0
	err := e.submitWithRetry(context.Background(), "materialize", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("IO Error: connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success after transient retries, got %v", err)
	}
	if calls != 3 {
		t.Errorf("op called %d times, want 3 (two transient failures then success)", calls)
	}
}

func TestSubmitWithRetryExhaustion(t *testing.T) {
	e := newTestExecutor(testEngineConfig())

	calls := 0
	err := e.submitWithRetry(context.Background(), "materialize", func(ctx context.Context) error {
		calls++
		return errors.New("write failed: broken pipe")
	})
	if calls != 3 {
		t.Errorf("op called %d times, want max_retries+1 = 3", calls)
	}

	var execErr *models.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %T: %v", err, err)
	}
	if execErr.Attempts != 3 {
		t.Errorf("recorded attempts = %d, want 3", execErr.Attempts)
	}
}

func TestSubmitWithRetryNonTransient(t *testing.T) {
	e := newTestExecutor(testEngineConfig())

	calls := 0
	err := e.submitWithRetry(context.Background(), "materialize", func(ctx context.Context) error {
		calls++
		return errors.New("Binder Error: column \"nope\" not found")
	})
	if calls != 1 {
		t.Errorf("non-transient failure retried: %d calls", calls)
	}

	var execErr *models.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %T: %v", err, err)
	}
	if execErr.Attempts != 1 {
		t.Errorf("recorded attempts = %d, want 1", execErr.Attempts)
	}
}

func TestSubmitWithRetryPermissionSurfacesUnwrapped(t *testing.T) {
	e := newTestExecutor(testEngineConfig())

	permErr := errors.New("Permission Error: cannot create table in read-only schema")
	calls := 0
	err := e.submitWithRetry(context.Background(), "materialize", func(ctx context.Context) error {
		calls++
		return permErr
	})
	if calls != 1 {
		t.Errorf("permission failure retried: %d calls", calls)
	}
	// The caller routes on the permission classification, so the error must
	// come back without an ExecutionError wrapper.
	if !errors.Is(err, permErr) {
		t.Errorf("permission error not surfaced: %v", err)
	}
	var execErr *models.ExecutionError
	if errors.As(err, &execErr) {
		t.Errorf("permission error wrapped as ExecutionError")
	}
}

func TestSubmitWithRetryCancellation(t *testing.T) {
	e := newTestExecutor(testEngineConfig())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := e.submitWithRetry(ctx, "materialize", func(ctx context.Context) error {
		calls++
		cancel()
		return ctx.Err()
	})

	var execErr *models.ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %T: %v", err, err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cancellation cause lost: %v", err)
	}
	if calls != 1 {
		t.Errorf("cancelled op retried: %d calls", calls)
	}
}

func TestDropQuietlySurvivesCancelledContext(t *testing.T) {
	store := testinfra.OpenStore(t)
	e := New(store, safety.NewGate([]string{"analysis_results"}), testEngineConfig())

	ctx := context.Background()
	if err := store.Exec(ctx, "CREATE TABLE staging_leftover (id INTEGER)"); err != nil {
		t.Fatalf("create staging table: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	e.dropQuietly(cancelled, "staging_leftover")

	if _, err := store.CountRows(ctx, "staging_leftover"); err == nil {
		t.Error("staging table survived cleanup under a cancelled context")
	}
}

func TestTableName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"analysis_results.user_daily_facts_ab12", "user_daily_facts_ab12"},
		{"unqualified", "unqualified"},
	}
	for _, tt := range tests {
		if got := tableName(tt.in); got != tt.want {
			t.Errorf("tableName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
