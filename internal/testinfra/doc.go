// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package testinfra provides shared test infrastructure: an in-memory
// analytical store opener and raw-event fixture builders used by the
// database, executor, and engine tests.
//
// Fixtures generate deterministic activity-log rows so aggregation
// results can be asserted exactly. There is no container or network
// dependency; DuckDB runs embedded.
package testinfra
