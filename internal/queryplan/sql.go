// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package queryplan

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// identPattern is the only shape accepted for mapped column names and table
// names. Anything else is a contract breach from the discovery phase, not
// something to escape around.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validIdent reports whether s is a safe SQL identifier.
func validIdent(s string) bool {
	return identPattern.MatchString(s)
}

// validTableRef accepts an identifier or a schema-qualified identifier.
func validTableRef(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if !validIdent(p) {
			return false
		}
	}
	return true
}

// quoteLiteral renders a string as a single-quoted SQL literal. Quotes are
// doubled; control characters are dropped since no discovered event name
// legitimately contains them.
func quoteLiteral(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	return "'" + strings.ReplaceAll(b.String(), "'", "''") + "'"
}

// dateLiteral renders a DATE literal in UTC.
func dateLiteral(t time.Time) string {
	return "DATE '" + t.UTC().Format("2006-01-02") + "'"
}

// columnSafeName converts a discovered event name into a column-name
// fragment: lowercase, with every non-alphanumeric run collapsed to one
// underscore.
func columnSafeName(event string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(event) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// patternMatchExpr renders the case-insensitive name match for one pattern
// set: (UPPER(name) LIKE '%IAP%' OR UPPER(name) LIKE '%PURCHASE%').
func patternMatchExpr(column string, patterns []string) string {
	terms := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		like := "%" + strings.ToUpper(p) + "%"
		terms = append(terms, fmt.Sprintf("UPPER(%s) LIKE %s", column, quoteLiteral(like)))
	}
	if len(terms) == 0 {
		return ""
	}
	return "(" + strings.Join(terms, " OR ") + ")"
}

// clauseBuilder assembles a WHERE clause from fully rendered conditions.
// The plan embeds literals rather than bind parameters so the persisted
// query text is self-contained and byte-reproducible.
type clauseBuilder struct {
	clauses []string
}

func (cb *clauseBuilder) add(clause string) *clauseBuilder {
	if clause != "" {
		cb.clauses = append(cb.clauses, clause)
	}
	return cb
}

func (cb *clauseBuilder) build() string {
	if len(cb.clauses) == 0 {
		return "1=1"
	}
	return strings.Join(cb.clauses, "\n      AND ")
}
