// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package engine orchestrates a full analysis run: plan, execute, classify,
// retention, funnel, persist.
//
// Each run is batch and single-pass. It reads a point-in-time snapshot of
// the event log and writes every artifact under its own run hash, so
// concurrent runs share no mutable state. A cancellation between stages
// aborts the pipeline but retains already-completed stage outputs for
// diagnostics.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cohortforge/cohortforge/internal/audit"
	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/confidence"
	"github.com/cohortforge/cohortforge/internal/database"
	"github.com/cohortforge/cohortforge/internal/executor"
	"github.com/cohortforge/cohortforge/internal/funnel"
	"github.com/cohortforge/cohortforge/internal/logging"
	"github.com/cohortforge/cohortforge/internal/metrics"
	"github.com/cohortforge/cohortforge/internal/models"
	"github.com/cohortforge/cohortforge/internal/queryplan"
	"github.com/cohortforge/cohortforge/internal/retention"
	"github.com/cohortforge/cohortforge/internal/safety"
	"github.com/cohortforge/cohortforge/internal/segment"
)

// RunResult carries every output of one run. On an aborted run the fields
// populated by completed stages are retained.
type RunResult struct {
	Summary models.RunSummary

	Plan  *queryplan.Plan
	Facts []models.UserDailyFact

	Segments   []models.SegmentSummary
	Thresholds *segment.Thresholds

	Cohorts []models.RetentionCohort
	Curve   models.RetentionCurve

	Funnel []models.FunnelStageResult
}

// Engine wires the pipeline stages over one shared store.
type Engine struct {
	cfg   *config.Config
	store *database.Store
	gate  *safety.Gate

	builder    *queryplan.Builder
	exec       *executor.Executor
	classifier *segment.Classifier
	scorer     *confidence.Scorer
	cohorts    *retention.Calculator
	analyzer   *funnel.Analyzer
	trail      *audit.Trail
}

// New validates the configuration's analytical parameters and assembles an
// Engine. Any invalid weight or threshold surfaces here as a
// ConfigurationError, before a run starts.
func New(cfg *config.Config, store *database.Store) (*Engine, error) {
	gate := safety.NewGate([]string{cfg.Engine.TargetSchema})

	builder, err := queryplan.NewBuilder(cfg.Engine)
	if err != nil {
		return nil, err
	}
	scorer, err := confidence.NewScorer(cfg.Confidence)
	if err != nil {
		return nil, err
	}
	classifier, err := segment.NewClassifier(cfg.Segmentation, cfg.Engine.Workers)
	if err != nil {
		return nil, err
	}
	cohorts, err := retention.NewCalculator(cfg.Retention, scorer, cfg.Engine.Workers)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:        cfg,
		store:      store,
		gate:       gate,
		builder:    builder,
		exec:       executor.New(store, gate, cfg.Engine),
		classifier: classifier,
		scorer:     scorer,
		cohorts:    cohorts,
		analyzer:   funnel.NewAnalyzer(scorer),
		trail:      audit.NewTrail(store),
	}, nil
}

// Gate exposes the run's safety gate, for audit-log inspection after a run.
func (e *Engine) Gate() *safety.Gate {
	return e.gate
}

// BuildPlan builds the aggregation query plan without executing it.
func (e *Engine) BuildPlan(mapping models.FieldMapping, filters models.Filters) (*queryplan.Plan, error) {
	return e.builder.Build(mapping, filters)
}

// Run executes the full pipeline for one mapping and filter set.
func (e *Engine) Run(ctx context.Context, mapping models.FieldMapping, filters models.Filters) (*RunResult, error) {
	runID := logging.GenerateRunID()
	ctx = logging.ContextWithRunID(ctx, runID)
	if e.cfg.Engine.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Engine.RunTimeout)
		defer cancel()
	}

	res := &RunResult{Summary: models.RunSummary{
		RunID:        runID,
		Status:       models.RunAborted,
		StartedAt:    time.Now().UTC(),
		StageTimings: make(map[string]time.Duration),
	}}
	log := logging.Ctx(ctx)

	// Plan.
	stage := e.startStage(res, "plan")
	plan, err := e.builder.Build(mapping, filters)
	stage()
	if err != nil {
		return res, err
	}
	res.Plan = plan
	res.Summary.RunHash = plan.Hash
	res.Summary.QueryHash = plan.Hash
	res.Summary.Identifier = plan.Resolution
	res.Summary.DataQualityScore = mapping.DataQualityScore
	for _, issue := range plan.Issues {
		res.Summary.AddCaveat(issue)
	}
	log.Info().Str("query_hash", plan.Hash).
		Str("identifier", plan.Resolution.ChosenField).
		Int("level_columns", len(plan.Levels)).
		Msg("aggregation plan built")

	// The generated query text is persisted verbatim before execution, so
	// even a failed run leaves an auditable record of what was submitted.
	if _, err := database.WriteQueryArtifact(e.cfg.Engine.ExportDir, plan.Hash, plan.SQL); err != nil {
		log.Warn().Err(err).Msg("could not persist query artifact")
	}

	// Execute.
	stage = e.startStage(res, "execute")
	mat, err := e.exec.Execute(ctx, plan, e.cfg.Engine.TargetSchema)
	stage()
	if err != nil {
		return res, err
	}
	res.Summary.RowCount = mat.RowCount
	res.Summary.ArtifactLocation = mat.ArtifactLocation
	res.Summary.TableCreated = mat.TableCreated
	res.Summary.ExportFallback = mat.FellBack
	if mat.FellBack {
		res.Summary.AddCaveat("table creation not permitted; facts exported to " + mat.ArtifactLocation)
	}
	log.Info().Int64("rows", mat.RowCount).Bool("fallback", mat.FellBack).
		Str("artifact", mat.ArtifactLocation).Msg("facts materialized")

	// Load.
	stage = e.startStage(res, "load")
	if mat.FellBack {
		res.Facts = mat.Facts
	} else {
		res.Facts, err = e.store.LoadFacts(ctx, mat.ArtifactLocation, plan.Levels)
	}
	stage()
	if err != nil {
		return res, e.stageError("load", err)
	}
	flagLevelRegressions(res.Facts)

	// Classify.
	stage = e.startStage(res, "classify")
	assignment, err := e.classifier.Assign(ctx, res.Facts, plan.ReportWindow.End)
	stage()
	if err != nil {
		return res, e.stageError("classify", err)
	}
	res.Facts = assignment.Facts
	res.Thresholds = assignment.Thresholds
	res.Segments = segment.BuildSummaries(assignment, e.scorer, plan.Hash)
	if assignment.Thresholds.Population < e.cfg.Confidence.MinimumSample {
		res.Summary.AddCaveat(fmt.Sprintf("population of %d users is below the minimum sample of %d",
			assignment.Thresholds.Population, e.cfg.Confidence.MinimumSample))
	}

	// Retention.
	stage = e.startStage(res, "retention")
	res.Cohorts, res.Curve, err = e.cohorts.Compute(ctx, res.Facts, plan.Hash)
	stage()
	if err != nil {
		return res, e.stageError("retention", err)
	}
	if n := lowConfidenceCohorts(res.Cohorts); n > 0 {
		res.Summary.AddCaveat(fmt.Sprintf("%d cohort(s) below the minimum cohort size", n))
	}

	// Funnel. A mapping with no level events and no configured override
	// yields no stage definition; the stage is skipped, not fatal.
	stages := funnel.Stages(e.cfg.Funnel, mapping)
	if len(stages) == 0 {
		res.Summary.AddCaveat("no funnel stages available; funnel analysis skipped")
	} else {
		stage = e.startStage(res, "funnel")
		res.Funnel, err = e.analyzer.Analyze(ctx, res.Facts, stages, plan.Hash)
		stage()
		if err != nil {
			return res, e.stageError("funnel", err)
		}
	}

	// Persist summaries under the run namespace.
	stage = e.startStage(res, "persist")
	err = e.persistSummaries(ctx, res, mat.FellBack)
	stage()
	if err != nil {
		return res, e.stageError("persist", err)
	}

	res.Summary.FinishedAt = time.Now().UTC()
	if len(res.Summary.Caveats) > 0 {
		res.Summary.Status = models.RunCompletedCaveats
	} else {
		res.Summary.Status = models.RunCompleted
	}

	if _, err := database.WriteJSONArtifact(e.cfg.Engine.ExportDir,
		"run_summary_"+plan.Hash+".json", res.Summary); err != nil {
		log.Warn().Err(err).Msg("could not persist run summary artifact")
	}

	// Best effort; a read-only store keeps the in-memory gate log instead.
	if err := e.trail.Append(ctx, runID, e.gate.AuditLog()); err != nil {
		log.Warn().Err(err).Msg("could not persist gate audit trail")
	}

	log.Info().Str("status", string(res.Summary.Status)).
		Int("caveats", len(res.Summary.Caveats)).
		Dur("took", res.Summary.FinishedAt.Sub(res.Summary.StartedAt)).
		Msg("run finished")
	return res, nil
}

// persistSummaries writes the segment, retention, and funnel tables under
// the run namespace. Every statement is a gate-validated SELECT
// materialization; on the export-fallback path the summaries become JSON
// artifacts next to the fact export instead.
func (e *Engine) persistSummaries(ctx context.Context, res *RunResult, fellBack bool) error {
	hash := res.Summary.RunHash

	if fellBack {
		artifacts := map[string]any{
			"segment_summary_" + hash + ".json":   res.Segments,
			"retention_summary_" + hash + ".json": res.Cohorts,
			"funnel_summary_" + hash + ".json":    res.Funnel,
		}
		for name, v := range artifacts {
			if _, err := database.WriteJSONArtifact(e.cfg.Engine.ExportDir, name, v); err != nil {
				return err
			}
		}
		return nil
	}

	tables := []struct {
		kind string
		sql  string
	}{
		{"segment", queryplan.SegmentSummarySelect(res.Segments)},
		{"retention", queryplan.RetentionSelect(res.Cohorts)},
		{"funnel", queryplan.FunnelSelect(res.Funnel)},
	}
	for _, tbl := range tables {
		if tbl.sql == "" {
			continue
		}
		target := database.SummaryTableName(e.cfg.Engine.TargetSchema, tbl.kind, hash)
		if err := e.gate.ValidateMaterialization(target, tbl.sql); err != nil {
			return err
		}
		if err := e.store.Exec(ctx, "CREATE OR REPLACE TABLE "+target+" AS\n"+tbl.sql); err != nil {
			return err
		}
	}
	return nil
}

// startStage begins a timed stage and returns its stop function.
func (e *Engine) startStage(res *RunResult, name string) func() {
	start := time.Now()
	return func() {
		took := time.Since(start)
		res.Summary.StageTimings[name] = took
		metrics.StageDuration.WithLabelValues(name).Observe(took.Seconds())
	}
}

// stageError maps stage failures onto the run's error taxonomy.
// Configuration and execution errors pass through; anything else,
// including cancellation and timeout, becomes an ExecutionError naming
// the stage.
func (e *Engine) stageError(stageName string, err error) error {
	var cfgErr *models.ConfigurationError
	var execErr *models.ExecutionError
	if errors.As(err, &cfgErr) || errors.As(err, &execErr) {
		return err
	}
	return &models.ExecutionError{Fragment: "stage " + stageName, Attempts: 1, Err: err}
}

// flagLevelRegressions annotates fact rows where a user's max_level_reached
// drops below an earlier day's value. Level regression is a data-quality
// finding, not an error; facts arrive ordered by user then date.
func flagLevelRegressions(facts []models.UserDailyFact) {
	prevUser := ""
	prevLevel := 0
	for i := range facts {
		f := &facts[i]
		if f.UserID != prevUser {
			prevUser = f.UserID
			prevLevel = f.MaxLevelReached
			continue
		}
		if f.MaxLevelReached < prevLevel {
			f.DataQualityIssues = append(f.DataQualityIssues,
				fmt.Sprintf("max_level_reached regressed from %d to %d", prevLevel, f.MaxLevelReached))
		} else {
			prevLevel = f.MaxLevelReached
		}
	}
}

func lowConfidenceCohorts(cohorts []models.RetentionCohort) int {
	n := 0
	for _, c := range cohorts {
		for _, p := range c.Points {
			if p.LowConfidence {
				n++
				break
			}
		}
	}
	return n
}
