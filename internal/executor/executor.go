// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package executor submits built aggregation plans to the analytical store
// and materializes the fact table.
//
// Every plan passes the safety gate before submission; a rejection is fatal
// and never retried with a rewritten query. Materialization goes through a
// staging table and an atomic rename so an aborted run leaves no partial
// artifact. When table creation is denied on the target namespace the
// executor falls back to a JSONL row export, reported in the run summary.
// Transient store failures are retried a bounded number of times behind a
// circuit breaker; submission is paced by a rate limiter and an in-flight
// semaphore because the store connection is the run's one shared resource.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/database"
	"github.com/cohortforge/cohortforge/internal/logging"
	"github.com/cohortforge/cohortforge/internal/metrics"
	"github.com/cohortforge/cohortforge/internal/models"
	"github.com/cohortforge/cohortforge/internal/queryplan"
	"github.com/cohortforge/cohortforge/internal/safety"
)

// Result describes a completed materialization.
type Result struct {
	RowCount         int64
	ArtifactLocation string
	TableCreated     bool
	FellBack         bool

	// Facts are populated only on the export-fallback path, where the rows
	// were already scanned on their way to the artifact.
	Facts []models.UserDailyFact
}

// Executor routes plans through the gate and into the store.
type Executor struct {
	store   *database.Store
	gate    *safety.Gate
	cfg     config.EngineConfig
	breaker *gobreaker.CircuitBreaker[struct{}]
	limiter *rate.Limiter
	sem     chan struct{}
}

// New builds an Executor over the shared store connection.
func New(store *database.Store, gate *safety.Gate, cfg config.EngineConfig) *Executor {
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "store-submit",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
		},
	})

	qps := cfg.QueriesPerSecond
	if qps <= 0 {
		qps = 8
	}
	concurrency := cfg.QueryConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Executor{
		store:   store,
		gate:    gate,
		cfg:     cfg,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(qps), 1),
		sem:     make(chan struct{}, concurrency),
	}
}

// Execute validates and runs the plan, materializing into the target
// schema under the plan's run hash.
func (e *Executor) Execute(ctx context.Context, plan *queryplan.Plan, targetSchema string) (*Result, error) {
	// Gate first. A rejection is a configuration failure; the query is
	// never rewritten or resubmitted.
	if err := e.gate.ValidateQuery(plan.SQL); err != nil {
		return nil, err
	}
	target := database.FactTableName(targetSchema, plan.Hash)
	if err := e.gate.ValidateMaterialization(target, plan.SQL); err != nil {
		return nil, err
	}

	if err := e.store.EnsureSchema(ctx, targetSchema); err != nil {
		// A read-only store refuses the schema bootstrap the same way it
		// refuses CTAS, so it routes to the same export fallback.
		if database.IsPermissionError(err) {
			logging.Ctx(ctx).Warn().Err(err).Str("schema", targetSchema).
				Msg("schema creation not permitted; falling back to row export")
			return e.exportFallback(ctx, plan)
		}
		return nil, &models.ExecutionError{
			Fragment: "CREATE SCHEMA " + targetSchema, Attempts: 1, Err: err,
		}
	}

	staging := target + "__staging"
	err := e.submitWithRetry(ctx, "materialize", func(ctx context.Context) error {
		return e.materialize(ctx, staging, target, plan.SQL)
	})
	switch {
	case err == nil:
		count, cerr := e.store.CountRows(ctx, target)
		if cerr != nil {
			return nil, &models.ExecutionError{Fragment: "COUNT " + target, Attempts: 1, Err: cerr}
		}
		metrics.RowsMaterialized.Add(float64(count))
		return &Result{RowCount: count, ArtifactLocation: target, TableCreated: true}, nil

	case database.IsPermissionError(err):
		logging.Ctx(ctx).Warn().Err(err).Str("target", target).
			Msg("table creation not permitted; falling back to row export")
		return e.exportFallback(ctx, plan)

	default:
		return nil, err
	}
}

// materialize runs CTAS into staging and commits with an atomic rename.
func (e *Executor) materialize(ctx context.Context, staging, target, query string) error {
	e.dropQuietly(ctx, staging)

	start := time.Now()
	err := e.store.Exec(ctx, fmt.Sprintf("CREATE TABLE %s AS\n%s", staging, query))
	metrics.QueryDuration.WithLabelValues("materialize").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.QueryErrors.WithLabelValues("materialize", errorClass(err)).Inc()
		return err
	}

	// Commit: replace any prior target under a transaction so readers
	// never observe a half-renamed state.
	tx, err := e.store.Conn().BeginTx(ctx, nil)
	if err != nil {
		e.dropQuietly(ctx, staging)
		return err
	}
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+target); err != nil {
		_ = tx.Rollback()
		e.dropQuietly(ctx, staging)
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", staging, tableName(target))); err != nil {
		_ = tx.Rollback()
		e.dropQuietly(ctx, staging)
		return err
	}
	return tx.Commit()
}

// exportFallback scans the plan's rows directly and writes the JSONL
// artifact. No rows are lost; the fallback is reported, not silent.
func (e *Executor) exportFallback(ctx context.Context, plan *queryplan.Plan) (*Result, error) {
	var facts []models.UserDailyFact
	err := e.submitWithRetry(ctx, "export_scan", func(ctx context.Context) error {
		var serr error
		facts, serr = e.store.QueryFacts(ctx, plan.SQL, plan.Levels)
		return serr
	})
	if err != nil {
		return nil, err
	}

	path, err := database.ExportFactsJSONL(e.cfg.ExportDir, plan.Hash, facts)
	if err != nil {
		return nil, &models.ExecutionError{Fragment: "export " + plan.Hash, Attempts: 1, Err: err}
	}

	metrics.ExportFallbacks.Inc()
	metrics.RowsMaterialized.Add(float64(len(facts)))
	return &Result{
		RowCount:         int64(len(facts)),
		ArtifactLocation: path,
		FellBack:         true,
		Facts:            facts,
	}, nil
}

// submitWithRetry runs op under the concurrency limit, pacing, and circuit
// breaker, retrying transient failures with doubling backoff. Permission
// failures and context cancellation surface immediately.
func (e *Executor) submitWithRetry(ctx context.Context, operation string, op func(context.Context) error) error {
	attempts := e.cfg.MaxRetries + 1
	backoff := e.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			metrics.QueryRetries.Inc()
			delay := backoff * time.Duration(1<<uint(attempt-2))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &models.ExecutionError{Fragment: operation, Attempts: attempt - 1, Err: ctx.Err()}
			}
		}

		lastErr = e.submit(ctx, op)
		switch {
		case lastErr == nil:
			return nil
		case errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded):
			return &models.ExecutionError{Fragment: operation, Attempts: attempt, Err: lastErr}
		case database.IsPermissionError(lastErr):
			return lastErr
		case database.IsTransientError(lastErr):
			logging.Ctx(ctx).Warn().Err(lastErr).Int("attempt", attempt).
				Str("operation", operation).Msg("transient store failure, retrying")
			continue
		default:
			return &models.ExecutionError{Fragment: operation, Attempts: attempt, Err: lastErr}
		}
	}

	return &models.ExecutionError{Fragment: operation, Attempts: attempts, Err: lastErr}
}

// submit paces and bounds access to the shared connection and runs op behind the
// breaker.
func (e *Executor) submit(ctx context.Context, op func(context.Context) error) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	_, err := e.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// dropQuietly removes a staging leftover. It runs on its own short-lived
// context so cleanup still happens when the run's context is already
// cancelled; the staging name is run-hash scoped and no later run would
// collect it.
func (e *Executor) dropQuietly(ctx context.Context, table string) {
	dropCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.store.Exec(dropCtx, "DROP TABLE IF EXISTS "+table); err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("table", table).Msg("staging cleanup failed")
	}
}

// tableName strips the schema qualifier; ALTER TABLE RENAME takes an
// unqualified new name.
func tableName(qualified string) string {
	for i := len(qualified) - 1; i >= 0; i-- {
		if qualified[i] == '.' {
			return qualified[i+1:]
		}
	}
	return qualified
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

func errorClass(err error) string {
	switch {
	case database.IsPermissionError(err):
		return "permission"
	case database.IsTransientError(err):
		return "transient"
	default:
		return "query"
	}
}
