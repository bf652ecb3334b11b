// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package queryplan builds the per-user-per-day aggregation query from a
// discovered field mapping and run filters.
//
// The builder is deterministic: identical mapping and filters produce
// byte-identical query text, and the plan hash derived from that text
// doubles as the run's namespace suffix. Cohort dates are computed over a
// lookback-extended window while the materialized output is restricted to
// the requested report window by a post-aggregation filter ("compute wide,
// report narrow").
package queryplan
