// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package models defines the data contracts shared across the engine:
// the discovered field mapping consumed by the query plan builder, the
// per-user-per-day fact rows materialized by the executor, and the
// segment, cohort, funnel and run-summary result types produced by the
// downstream analyzers.
//
// All entities are created fresh each run from the current query window.
// Nothing in this package persists or mutates across runs; each run's
// outputs live under their own run-scoped namespace.
package models
