// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package models

import "time"

// RetentionPoint is one observed day-offset of one cohort. Offsets beyond
// the data's observable horizon are absent from the cohort entirely, never
// reported as zero.
type RetentionPoint struct {
	Offset        int     `json:"offset"`
	RetentionRate float64 `json:"retention_rate"`
	ActiveUsers   int     `json:"active_users"`
	CohortSize    int     `json:"cohort_size"`
	Confidence    float64 `json:"confidence"`
	LowConfidence bool    `json:"low_confidence"`
	RunHash       string  `json:"run_hash"`
}

// RetentionCohort groups the retention points of one cohort date.
type RetentionCohort struct {
	CohortDate time.Time        `json:"cohort_date"`
	Size       int              `json:"cohort_size"`
	Points     []RetentionPoint `json:"points"`
}

// RetentionCurve is the cross-cohort average retention per offset.
type RetentionCurve map[int]float64

// FunnelStageResult is one row of the funnel conversion table.
type FunnelStageResult struct {
	Index          int     `json:"stage_index"`
	Stage          string  `json:"stage"`
	ReachedCount   int     `json:"reached_count"`
	ConversionRate float64 `json:"conversion_rate"`
	DropOffRate    float64 `json:"drop_off_rate"`
	// MedianMinutesToStage is nil when no user reached the stage; it is 0
	// for the entry stage by construction.
	MedianMinutesToStage *float64 `json:"median_minutes_to_stage,omitempty"`
	SampleSize           int      `json:"sample_size"`
	Confidence           float64  `json:"confidence"`
	RunHash              string   `json:"run_hash"`
}

// RunStatus is the final disposition of a run. Aborted runs leave no fact
// artifact; completed-with-caveats runs produced one but carry annotations.
type RunStatus string

const (
	RunCompleted        RunStatus = "completed"
	RunCompletedCaveats RunStatus = "completed_with_caveats"
	RunAborted          RunStatus = "aborted"
)

// RunSummary is the engine's report artifact, tagged for lineage.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	RunHash    string    `json:"run_hash"`
	Status     RunStatus `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	QueryHash        string `json:"query_hash"`
	RowCount         int64  `json:"row_count"`
	ArtifactLocation string `json:"artifact_location"`
	TableCreated     bool   `json:"table_created"`
	ExportFallback   bool   `json:"export_fallback"`

	Identifier       IdentifierResolution `json:"identifier_resolution"`
	DataQualityScore float64              `json:"data_quality_score"`
	Caveats          []string             `json:"caveats,omitempty"`

	StageTimings map[string]time.Duration `json:"stage_timings_ns,omitempty"`
}

// AddCaveat appends a caveat string, ignoring empties.
func (s *RunSummary) AddCaveat(c string) {
	if c != "" {
		s.Caveats = append(s.Caveats, c)
	}
}
