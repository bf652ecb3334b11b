// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package queryplan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cohortforge/cohortforge/internal/models"
)

// Summary-table rendering. Summaries are persisted the same way facts are,
// as a SELECT routed through the safety gate and materialized by the
// executor's store, so no write-shaped statement ever bypasses validation.
// Each renderer returns "" when it has no rows.

// SegmentSummarySelect renders the segment distribution as a VALUES select.
func SegmentSummarySelect(rows []models.SegmentSummary) string {
	if len(rows) == 0 {
		return ""
	}

	tuples := make([]string, 0, len(rows))
	for _, r := range rows {
		tuples = append(tuples, fmt.Sprintf("(%s, %s, %d, %d, %s, %s, %s, %s, %s)",
			quoteLiteral(r.Dimension),
			quoteLiteral(r.Segment),
			r.UserCount,
			r.SampleSize,
			floatLiteral(r.TotalRevenue),
			floatLiteral(r.RevenueShare),
			floatLiteral(r.AvgEngagement),
			floatLiteral(r.Confidence),
			quoteLiteral(r.RunHash)))
	}

	return "SELECT * FROM (VALUES\n    " + strings.Join(tuples, ",\n    ") +
		"\n) AS t(dimension, segment, user_count, sample_size, total_revenue, " +
		"revenue_share, avg_engagement_score, confidence, run_hash)"
}

// RetentionSelect renders every cohort's retention points as a VALUES
// select, one row per (cohort_date, offset).
func RetentionSelect(cohorts []models.RetentionCohort) string {
	var tuples []string
	for _, cohort := range cohorts {
		for _, p := range cohort.Points {
			tuples = append(tuples, fmt.Sprintf("(%s, %d, %s, %d, %d, %s, %s, %s)",
				dateLiteral(cohort.CohortDate),
				p.Offset,
				floatLiteral(p.RetentionRate),
				p.ActiveUsers,
				p.CohortSize,
				floatLiteral(p.Confidence),
				boolLiteral(p.LowConfidence),
				quoteLiteral(p.RunHash)))
		}
	}
	if len(tuples) == 0 {
		return ""
	}

	return "SELECT * FROM (VALUES\n    " + strings.Join(tuples, ",\n    ") +
		"\n) AS t(cohort_date, day_offset, retention_rate, active_users, " +
		"cohort_size, confidence, low_confidence, run_hash)"
}

// FunnelSelect renders the funnel stage table as a VALUES select.
func FunnelSelect(results []models.FunnelStageResult) string {
	if len(results) == 0 {
		return ""
	}

	tuples := make([]string, 0, len(results))
	for _, r := range results {
		median := "CAST(NULL AS DOUBLE)"
		if r.MedianMinutesToStage != nil {
			median = floatLiteral(*r.MedianMinutesToStage)
		}
		tuples = append(tuples, fmt.Sprintf("(%d, %s, %d, %s, %s, %s, %d, %s, %s)",
			r.Index,
			quoteLiteral(r.Stage),
			r.ReachedCount,
			floatLiteral(r.ConversionRate),
			floatLiteral(r.DropOffRate),
			median,
			r.SampleSize,
			floatLiteral(r.Confidence),
			quoteLiteral(r.RunHash)))
	}

	return "SELECT * FROM (VALUES\n    " + strings.Join(tuples, ",\n    ") +
		"\n) AS t(stage_index, stage, reached_count, conversion_rate, " +
		"drop_off_rate, median_minutes_to_stage, sample_size, confidence, run_hash)"
}

// floatLiteral renders a float as a DOUBLE-typed SQL literal. The CAST
// keeps integral values (reported by strconv without a decimal point) from
// being inferred as INTEGER columns.
func floatLiteral(v float64) string {
	return "CAST(" + strconv.FormatFloat(v, 'g', -1, 64) + " AS DOUBLE)"
}

func boolLiteral(v bool) string {
	if v {
		return "TRUE"
	}
	return "FALSE"
}
