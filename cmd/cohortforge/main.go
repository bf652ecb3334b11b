// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Command cohortforge runs one aggregation pass over a discovered event
// dataset: it builds the fact query from a field-mapping file, materializes
// per-user-per-day facts into the target schema, classifies users into
// revenue and behavioral segments, computes retention cohorts and funnel
// conversion, and writes the run summary.
//
// Usage:
//
//	cohortforge -mapping mapping.json -start 2025-09-01 -end 2025-09-30
//
// Configuration is layered: built-in defaults, then an optional YAML file
// (-config, COHORTFORGE_CONFIG, or a default path), then COHORTFORGE_*
// environment variables. The process exits non-zero when the run aborts.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/database"
	"github.com/cohortforge/cohortforge/internal/engine"
	"github.com/cohortforge/cohortforge/internal/logging"
	"github.com/cohortforge/cohortforge/internal/models"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "path to YAML configuration file (optional)")
		mappingPath = flag.String("mapping", "", "path to the discovery field-mapping JSON file (required)")
		appFilter   = flag.String("app", "", "limit the run to one application name")
		startDate   = flag.String("start", "", "report window start date, YYYY-MM-DD (required)")
		endDate     = flag.String("end", "", "report window end date, YYYY-MM-DD (required)")
		rowLimit    = flag.Int("limit", 0, "row limit for the materialized fact set (0 = configured default)")
		userIDField = flag.String("user-id", "", "override the mapping's primary user identifier column")
		printQuery  = flag.Bool("print-query", false, "build and print the aggregation SQL, then exit without executing")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	mapping, err := loadMapping(*mappingPath)
	if err != nil {
		logging.Error().Err(err).Str("path", *mappingPath).Msg("Failed to load field mapping")
		return 1
	}

	filters, err := buildFilters(*appFilter, *startDate, *endDate, *rowLimit, *userIDField)
	if err != nil {
		logging.Error().Err(err).Msg("Invalid run filters")
		return 1
	}

	store, err := database.Open(cfg.Database)
	if err != nil {
		logging.Error().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open analytical store")
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close analytical store")
		}
	}()

	eng, err := engine.New(cfg, store)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to initialize engine")
		return 1
	}

	if *printQuery {
		return printPlan(eng, *mapping, filters)
	}

	if cfg.Metrics.Enabled {
		startMetricsListener(cfg.Metrics.Listen)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("source_table", cfg.Engine.SourceTable).
		Str("target_schema", cfg.Engine.TargetSchema).
		Time("window_start", filters.DateStart).
		Time("window_end", filters.DateEnd).
		Msg("Starting aggregation run")

	res, err := eng.Run(ctx, *mapping, filters)
	if res != nil {
		printSummary(res.Summary)
	}
	if err != nil {
		logging.Error().Err(err).Msg("Run failed")
		return 1
	}
	if res.Summary.Status == models.RunAborted {
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func loadMapping(path string) (*models.FieldMapping, error) {
	if path == "" {
		return nil, fmt.Errorf("-mapping is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	var mapping models.FieldMapping
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("parse mapping file: %w", err)
	}
	return &mapping, nil
}

func buildFilters(app, start, end string, limit int, userID string) (models.Filters, error) {
	if start == "" || end == "" {
		return models.Filters{}, fmt.Errorf("-start and -end are required")
	}
	startDate, err := time.ParseInLocation("2006-01-02", start, time.UTC)
	if err != nil {
		return models.Filters{}, fmt.Errorf("invalid -start date %q: %w", start, err)
	}
	endDate, err := time.ParseInLocation("2006-01-02", end, time.UTC)
	if err != nil {
		return models.Filters{}, fmt.Errorf("invalid -end date %q: %w", end, err)
	}
	return models.Filters{
		AppFilter:      app,
		DateStart:      startDate,
		DateEnd:        endDate,
		RowLimit:       limit,
		UserIDOverride: userID,
	}, nil
}

// printPlan builds the aggregation query without executing it. Useful for
// reviewing the generated SQL before a run against production data.
func printPlan(eng *engine.Engine, mapping models.FieldMapping, filters models.Filters) int {
	plan, err := eng.BuildPlan(mapping, filters)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to build query plan")
		return 1
	}
	fmt.Println(plan.SQL)
	return 0
}

func printSummary(summary models.RunSummary) {
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		logging.Error().Err(err).Msg("Failed to encode run summary")
		return
	}
	fmt.Println(string(out))
}

// startMetricsListener exposes Prometheus instrumentation for the duration
// of the run. Errors are logged, never fatal; metrics are best-effort.
func startMetricsListener(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.Info().Str("listen", listen).Msg("Metrics listener started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("Metrics listener failed")
		}
	}()
}
