// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package models

// RevenueSegment classifies a user by their total revenue relative to the
// current run's population percentiles. Every user in the reporting period
// receives exactly one value, recomputed per run.
type RevenueSegment string

const (
	SegmentWhale    RevenueSegment = "whale"
	SegmentDolphin  RevenueSegment = "dolphin"
	SegmentMinnow   RevenueSegment = "minnow"
	SegmentFreeUser RevenueSegment = "free_user"
)

// BehavioralSegment classifies a user by engagement score, with a hard
// churn override on prolonged inactivity.
type BehavioralSegment string

const (
	SegmentHighEngagement     BehavioralSegment = "high_engagement"
	SegmentModerateEngagement BehavioralSegment = "moderate_engagement"
	SegmentLowEngagement      BehavioralSegment = "low_engagement"
	SegmentChurned            BehavioralSegment = "churned"
)

// SegmentSummary is one row of the per-run segment distribution table.
type SegmentSummary struct {
	Dimension     string  `json:"dimension"` // "revenue" or "behavioral"
	Segment       string  `json:"segment"`
	UserCount     int     `json:"user_count"`
	SampleSize    int     `json:"sample_size"`
	TotalRevenue  float64 `json:"total_revenue"`
	RevenueShare  float64 `json:"revenue_share"`
	AvgEngagement float64 `json:"avg_engagement_score"`
	Confidence    float64 `json:"confidence"`
	RunHash       string  `json:"run_hash"`
}
