// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package metrics provides Prometheus instrumentation for the engine.
//
// Registered metrics cover store query performance, executor retries and
// circuit-breaker state, materialized row counts, and per-stage pipeline
// durations. Metrics use the default registry; the optional listener in
// cmd exposes them while a run is in flight.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueryDuration tracks store query execution time.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cohortforge_query_duration_seconds",
			Help:    "Duration of analytical store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// QueryErrors counts failed store queries by error class.
	QueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohortforge_query_errors_total",
			Help: "Total failed analytical store queries",
		},
		[]string{"operation", "error_type"},
	)

	// QueryRetries counts transient-failure retries in the executor.
	QueryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cohortforge_query_retries_total",
			Help: "Total query retry attempts after transient failures",
		},
	)

	// RowsMaterialized counts fact rows written per run.
	RowsMaterialized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cohortforge_rows_materialized_total",
			Help: "Total user-daily fact rows materialized",
		},
	)

	// ExportFallbacks counts runs that fell back to a row-export artifact.
	ExportFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cohortforge_export_fallbacks_total",
			Help: "Total runs that fell back from table creation to row export",
		},
	)

	// StageDuration tracks per-pipeline-stage wall time.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cohortforge_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	// CircuitBreakerState reports the executor breaker state.
	// Values: 0=closed, 1=open, 2=half-open.
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cohortforge_circuit_breaker_state",
			Help: "Executor circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	// GateRejections counts safety-gate rejections by rule.
	GateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cohortforge_gate_rejections_total",
			Help: "Total queries rejected by the safety gate",
		},
		[]string{"rule"},
	)
)
