// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package models

import "time"

// UserType distinguishes a user's first observed day from later days.
type UserType string

const (
	UserTypeNew       UserType = "new"
	UserTypeReturning UserType = "returning"
)

// LevelMetric is the per-level slice of a fact row: first occurrence and
// occurrence count of one discovered level event within the day. Level
// columns are open-ended, so facts carry them as a sparse map keyed by the
// discovered event name rather than as fixed fields.
type LevelMetric struct {
	FirstSeen *time.Time `json:"first_seen,omitempty"`
	Count     int        `json:"count"`
}

// GeoSnapshot holds the per-day mode value of each geographic and
// attribution field.
type GeoSnapshot struct {
	Country            string `json:"country,omitempty"`
	State              string `json:"state,omitempty"`
	City               string `json:"city,omitempty"`
	AcquisitionChannel string `json:"acquisition_channel,omitempty"`
	CampaignID         string `json:"campaign_id,omitempty"`
	CampaignName       string `json:"campaign_name,omitempty"`
	UTMSource          string `json:"utm_source,omitempty"`
	UTMCampaign        string `json:"utm_campaign,omitempty"`
}

// UserDailyFact is one materialized row of the aggregation: everything the
// engine knows about one user on one calendar date. Unique per (UserID, Date);
// CohortDate never exceeds Date; the four revenue components sum to
// TotalRevenue within tolerance.
type UserDailyFact struct {
	UserID   string    `json:"user_id"`
	DeviceID string    `json:"device_id"`
	Date     time.Time `json:"date"`

	CohortDate          time.Time `json:"cohort_date"`
	DaysSinceFirstEvent int       `json:"days_since_first_event"`
	UserType            UserType  `json:"user_type"`

	SessionCount          int     `json:"session_count"`
	AvgSessionMinutes     float64 `json:"avg_session_duration_minutes"`
	LongestSessionMinutes float64 `json:"longest_session_duration_minutes"`
	TotalSessionMinutes   float64 `json:"total_session_time_minutes"`

	TotalRevenue        float64 `json:"total_revenue"`
	IAPRevenue          float64 `json:"iap_revenue"`
	AdRevenue           float64 `json:"ad_revenue"`
	SubscriptionRevenue float64 `json:"subscription_revenue"`
	OtherRevenue        float64 `json:"other_revenue"`

	IAPEventCount          int `json:"iap_events_count"`
	AdEventCount           int `json:"ad_events_count"`
	SubscriptionEventCount int `json:"subscription_events_count"`
	RevenueEventCount      int `json:"total_revenue_events_count"`

	FirstPurchaseAt *time.Time `json:"first_purchase_time,omitempty"`
	LastPurchaseAt  *time.Time `json:"last_purchase_time,omitempty"`

	Levels          map[string]LevelMetric `json:"levels,omitempty"`
	MaxLevelReached int                    `json:"max_level_reached"`

	TotalEvents      int `json:"total_events"`
	UniqueEventCount int `json:"unique_events"`

	Geo     GeoSnapshot `json:"geo"`
	AppName string      `json:"app_name,omitempty"`

	DataQualityScore  float64  `json:"data_quality_score"`
	DataQualityIssues []string `json:"data_quality_issues,omitempty"`
	RunHash           string   `json:"run_hash"`

	// Filled in by the segment classifier, not the aggregation query.
	EngagementScore   float64           `json:"engagement_score,omitempty"`
	RevenueSegment    RevenueSegment    `json:"revenue_segment,omitempty"`
	BehavioralSegment BehavioralSegment `json:"behavioral_segment,omitempty"`
}

// RevenueDecompositionError returns the absolute difference between the
// summed revenue components and the recorded total.
func (f UserDailyFact) RevenueDecompositionError() float64 {
	diff := f.IAPRevenue + f.AdRevenue + f.SubscriptionRevenue + f.OtherRevenue - f.TotalRevenue
	if diff < 0 {
		return -diff
	}
	return diff
}
