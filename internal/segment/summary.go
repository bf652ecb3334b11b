// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package segment

import (
	"github.com/cohortforge/cohortforge/internal/confidence"
	"github.com/cohortforge/cohortforge/internal/models"
	"github.com/cohortforge/cohortforge/internal/stats"
)

var revenueSegmentOrder = []models.RevenueSegment{
	models.SegmentWhale,
	models.SegmentDolphin,
	models.SegmentMinnow,
	models.SegmentFreeUser,
}

var behavioralSegmentOrder = []models.BehavioralSegment{
	models.SegmentHighEngagement,
	models.SegmentModerateEngagement,
	models.SegmentLowEngagement,
	models.SegmentChurned,
}

// BuildSummaries produces the per-run segment distribution: one row per
// segment value in each dimension, in a fixed order, including empty
// segments. Sample size is the classified population; confidence comes
// from the members' own metric distribution.
func BuildSummaries(a *Assignment, scorer *confidence.Scorer, runHash string) []models.SegmentSummary {
	population := len(a.Profiles)

	var totalRevenue float64
	for i := range a.Profiles {
		totalRevenue += a.Profiles[i].TotalRevenue
	}

	out := make([]models.SegmentSummary, 0, len(revenueSegmentOrder)+len(behavioralSegmentOrder))

	for _, seg := range revenueSegmentOrder {
		var revenues, scores []float64
		for i := range a.Profiles {
			p := &a.Profiles[i]
			if p.RevenueSegment != seg {
				continue
			}
			revenues = append(revenues, p.TotalRevenue)
			scores = append(scores, p.EngagementScore)
		}

		row := models.SegmentSummary{
			Dimension:  "revenue",
			Segment:    string(seg),
			UserCount:  len(revenues),
			SampleSize: population,
			Confidence: scorer.Score(confidence.Sample{Values: revenues}).Score,
			RunHash:    runHash,
		}
		for _, r := range revenues {
			row.TotalRevenue += r
		}
		if totalRevenue > 0 {
			row.RevenueShare = row.TotalRevenue / totalRevenue
		}
		row.AvgEngagement = stats.Mean(scores)
		out = append(out, row)
	}

	for _, seg := range behavioralSegmentOrder {
		var revenues, scores []float64
		for i := range a.Profiles {
			p := &a.Profiles[i]
			if p.BehavioralSegment != seg {
				continue
			}
			revenues = append(revenues, p.TotalRevenue)
			scores = append(scores, p.EngagementScore)
		}

		row := models.SegmentSummary{
			Dimension:  "behavioral",
			Segment:    string(seg),
			UserCount:  len(scores),
			SampleSize: population,
			Confidence: scorer.Score(confidence.Sample{Values: scores}).Score,
			RunHash:    runHash,
		}
		for _, r := range revenues {
			row.TotalRevenue += r
		}
		if totalRevenue > 0 {
			row.RevenueShare = row.TotalRevenue / totalRevenue
		}
		row.AvgEngagement = stats.Mean(scores)
		out = append(out, row)
	}

	return out
}
