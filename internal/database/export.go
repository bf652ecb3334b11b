// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package database

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/cohortforge/cohortforge/internal/models"
)

// ExportFactsJSONL writes fact rows as newline-delimited JSON under dir,
// named by run hash. Written to a temporary file first and renamed into
// place so a failed export leaves no partial artifact.
func ExportFactsJSONL(dir, runHash string, facts []models.UserDailyFact) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	final := filepath.Join(dir, fmt.Sprintf("user_daily_facts_%s.jsonl", runHash))
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := range facts {
		if err := enc.Encode(&facts[i]); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return "", fmt.Errorf("encode fact row: %w", err)
		}
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("flush export: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("commit export: %w", err)
	}

	return final, nil
}

// WriteJSONArtifact persists v as an indented JSON document under dir.
// Used for the run summary and for summary tables on the export-fallback
// path.
func WriteJSONArtifact(dir, name string, v any) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// WriteQueryArtifact persists the generated query text verbatim for audit
// and reproducibility.
func WriteQueryArtifact(dir, runHash, queryText string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("aggregation_query_%s.sql", runHash))
	if err := os.WriteFile(path, []byte(queryText), 0o644); err != nil {
		return "", fmt.Errorf("write query artifact: %w", err)
	}
	return path, nil
}
