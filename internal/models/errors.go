// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package models

import "fmt"

// ConfigurationError means the run cannot start or continue as configured:
// a missing primary identifier, invalid classifier weights, or a safety-gate
// rejection. It always aborts the run before any artifact is produced.
type ConfigurationError struct {
	// Field names the offending input: a mapping field, config key, or the
	// rejected query fragment.
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError for the given field.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExecutionError means query execution failed after exhausting retries, or
// the run timed out. The run aborts and leaves no partial artifact.
type ExecutionError struct {
	// Fragment is a short excerpt of the offending query for diagnostics.
	Fragment string
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Fragment != "" {
		return fmt.Sprintf("execution error after %d attempt(s): %v (query: %s)", e.Attempts, e.Err, e.Fragment)
	}
	return fmt.Sprintf("execution error after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// QueryFragment truncates a query for inclusion in error messages.
func QueryFragment(query string) string {
	const max = 120
	if len(query) <= max {
		return query
	}
	return query[:max] + "..."
}
