// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package models

import "time"

// RevenuePatternSets holds the discovered name-matching patterns for each
// revenue classification. Patterns are case-insensitive substrings evaluated
// against the event name, and only when the event's revenue-validity flag
// is true. An empty set disables that classification; the amounts still
// count toward total revenue.
type RevenuePatternSets struct {
	IAP          []string `json:"iap"`
	Ad           []string `json:"ad"`
	Subscription []string `json:"subscription"`
}

// FieldMapping is the contract supplied by the schema-discovery collaborator.
// It is immutable for the duration of a run.
type FieldMapping struct {
	// PrimaryUserIDField is the column holding the preferred user identifier.
	// The query plan builder fails with a ConfigurationError when this is empty.
	PrimaryUserIDField string `json:"primary_user_id_field"`

	// FallbackUserIDField is coalesced in when the primary identifier is null.
	FallbackUserIDField string `json:"fallback_user_id_field"`

	// RevenuePatterns classifies valid revenue events into iap/ad/subscription.
	RevenuePatterns RevenuePatternSets `json:"revenue_pattern_sets"`

	// LevelEvents lists the discovered level-progression event names in
	// ascending rank order. Rank order drives max_level_reached.
	LevelEvents []string `json:"level_event_list"`

	// DataQualityScore is the discovery phase's 0-100 score for the dataset.
	DataQualityScore float64 `json:"data_quality_score"`

	// DataQualityIssues carries discovery-phase warnings (e.g. identifier
	// cardinality problems). Annotations only; never fatal.
	DataQualityIssues []string `json:"data_quality_issues"`

	// ObservedStart and ObservedEnd bound the dates seen during discovery.
	ObservedStart time.Time `json:"observed_start"`
	ObservedEnd   time.Time `json:"observed_end"`
}

// LevelRank returns the 1-based ordinal of a level event name, or 0 when the
// event is not part of the discovered level list.
func (m FieldMapping) LevelRank(event string) int {
	for i, name := range m.LevelEvents {
		if name == event {
			return i + 1
		}
	}
	return 0
}

// Filters restricts a run to an app and report window.
type Filters struct {
	// AppFilter limits the run to one application. Empty means all apps.
	AppFilter string `json:"app_filter"`

	// DateStart and DateEnd bound the report window (inclusive, UTC dates).
	DateStart time.Time `json:"date_start"`
	DateEnd   time.Time `json:"date_end"`

	// RowLimit bounds the materialized result set. The executor enforces a
	// deterministic ORDER BY user_id, date before applying it so repeated
	// runs with the same limit are reproducible.
	RowLimit int `json:"row_limit"`

	// UserIDOverride, when set, replaces the mapping's primary identifier.
	// Used when the primary is known to have near-zero cardinality. The
	// substitution is recorded in the plan's identifier resolution, never
	// applied silently.
	UserIDOverride string `json:"user_id_override,omitempty"`
}

// IdentifierResolution records which user-identifier column a run actually
// grouped by, and why. Carried into output metadata.
type IdentifierResolution struct {
	ChosenField string `json:"chosen_field"`
	Fallback    string `json:"fallback_field,omitempty"`
	Overridden  bool   `json:"overridden"`
	Rationale   string `json:"rationale"`
}
