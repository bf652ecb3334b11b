// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package safety implements the read-only query gate every generated
// statement must pass before submission to the store.
//
// The gate enforces two rules: queries must be read-shaped (SELECT/WITH
// only, no mutation keywords), and materialization may only target an
// allow-listed destination namespace. A rejection is fatal to the run;
// the executor must never rewrite and resubmit a rejected query.
//
// Every verdict is recorded in an audit log for the run summary.
package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cohortforge/cohortforge/internal/metrics"
	"github.com/cohortforge/cohortforge/internal/models"
)

// forbiddenKeywords are mutation-shaped or session-altering statements.
// CREATE is absent: materialization is validated separately against the
// destination allow list.
var forbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE",
	"MERGE", "REPLACE", "GRANT", "REVOKE", "CALL", "ATTACH",
	"DETACH", "COPY", "EXPORT", "IMPORT", "INSTALL", "LOAD",
	"PRAGMA", "VACUUM",
}

var (
	keywordPatterns = compileKeywordPatterns()

	// stringLiteral matches single-quoted SQL literals (with '' escapes) so
	// keyword scanning cannot trip over pattern text like '%AD%'.
	stringLiteral = regexp.MustCompile(`'(?:[^']|'')*'`)

	// lineComment strips SQL comments before scanning.
	lineComment = regexp.MustCompile(`--[^\n]*`)
)

func compileKeywordPatterns() map[string]*regexp.Regexp {
	patterns := make(map[string]*regexp.Regexp, len(forbiddenKeywords))
	for _, kw := range forbiddenKeywords {
		patterns[kw] = regexp.MustCompile(`\b` + kw + `\b`)
	}
	return patterns
}

// AuditEntry records one gate verdict.
type AuditEntry struct {
	QueryHash  string    `json:"query_hash"`
	Target     string    `json:"target,omitempty"`
	Allowed    bool      `json:"allowed"`
	Violations []string  `json:"violations,omitempty"`
	At         time.Time `json:"at"`
}

// Gate validates generated queries and materialization destinations.
type Gate struct {
	mu             sync.Mutex
	allowedSchemas map[string]struct{}
	audit          []AuditEntry
}

// NewGate builds a gate restricting materialization to the given schemas.
func NewGate(allowedSchemas []string) *Gate {
	allowed := make(map[string]struct{}, len(allowedSchemas))
	for _, s := range allowedSchemas {
		allowed[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	return &Gate{allowedSchemas: allowed}
}

// ValidateQuery checks that the statement is read-shaped. Returns a
// ConfigurationError naming the violated rules on rejection.
func (g *Gate) ValidateQuery(query string) error {
	violations := scanReadOnly(query)
	g.record(query, "", violations)
	if len(violations) > 0 {
		return models.NewConfigurationError("query",
			"rejected by safety gate: %s (fragment: %s)",
			strings.Join(violations, "; "), models.QueryFragment(query))
	}
	return nil
}

// ValidateMaterialization checks a table-creation destination and the inner
// select feeding it. The destination must be schema-qualified and the schema
// must be on the allow list.
func (g *Gate) ValidateMaterialization(target, query string) error {
	violations := scanReadOnly(query)

	schema, _, found := strings.Cut(target, ".")
	switch {
	case !found:
		violations = append(violations, fmt.Sprintf("destination %q is not schema-qualified", target))
	default:
		if _, ok := g.allowedSchemas[strings.ToLower(schema)]; !ok {
			violations = append(violations, fmt.Sprintf("destination schema %q is not on the allow list", schema))
		}
	}

	g.record(query, target, violations)
	if len(violations) > 0 {
		return models.NewConfigurationError("materialization target",
			"rejected by safety gate: %s", strings.Join(violations, "; "))
	}
	return nil
}

// AuditLog returns a copy of the verdicts recorded so far.
func (g *Gate) AuditLog() []AuditEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]AuditEntry, len(g.audit))
	copy(out, g.audit)
	return out
}

func (g *Gate) record(query, target string, violations []string) {
	for _, v := range violations {
		metrics.GateRejections.WithLabelValues(ruleLabel(v)).Inc()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.audit = append(g.audit, AuditEntry{
		QueryHash:  HashQuery(query),
		Target:     target,
		Allowed:    len(violations) == 0,
		Violations: violations,
		At:         time.Now().UTC(),
	})
}

// scanReadOnly returns the rule violations found in the statement.
func scanReadOnly(query string) []string {
	stripped := lineComment.ReplaceAllString(query, "")
	stripped = stringLiteral.ReplaceAllString(stripped, "''")
	upper := strings.ToUpper(stripped)

	var violations []string

	trimmed := strings.TrimSpace(upper)
	if !strings.HasPrefix(trimmed, "SELECT") && !strings.HasPrefix(trimmed, "WITH") {
		violations = append(violations, "statement must begin with SELECT or WITH")
	}

	for _, kw := range forbiddenKeywords {
		if keywordPatterns[kw].MatchString(upper) {
			violations = append(violations, fmt.Sprintf("forbidden operation: %s", kw))
		}
	}

	return violations
}

// HashQuery returns a deterministic 16-hex-char digest of a query text.
func HashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:])[:16]
}

func ruleLabel(violation string) string {
	if strings.HasPrefix(violation, "forbidden operation") {
		return "forbidden_operation"
	}
	if strings.Contains(violation, "allow list") || strings.Contains(violation, "schema-qualified") {
		return "destination"
	}
	return "shape"
}
