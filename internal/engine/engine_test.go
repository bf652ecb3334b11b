// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cohortforge/cohortforge/internal/audit"
	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/database"
	"github.com/cohortforge/cohortforge/internal/engine"
	"github.com/cohortforge/cohortforge/internal/models"
	"github.com/cohortforge/cohortforge/internal/testinfra"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Engine.ExportDir = t.TempDir()
	cfg.Engine.RetryBackoff = time.Millisecond
	cfg.Engine.Workers = 2
	return cfg
}

func testMapping() models.FieldMapping {
	return models.FieldMapping{
		PrimaryUserIDField:  "custom_user_id",
		FallbackUserIDField: "device_id",
		RevenuePatterns: models.RevenuePatternSets{
			IAP: []string{"iap"},
			Ad:  []string{"ad_view"},
		},
		LevelEvents:      []string{"level_1", "level_2"},
		DataQualityScore: 88,
		ObservedStart:    testinfra.Day(2025, time.September, 1),
		ObservedEnd:      testinfra.Day(2025, time.September, 30),
	}
}

// seedScenario loads u1's install-then-purchase history plus enough other
// users to give the classifier a population.
func seedScenario(t *testing.T, store *database.Store) {
	day0 := testinfra.Day(2025, time.September, 1)
	day1 := testinfra.Day(2025, time.September, 2)

	events := []models.RawEvent{
		testinfra.Event("install", day0.Add(10*time.Hour),
			testinfra.WithUser("u1"), testinfra.WithSession("u1-s0")),
		testinfra.Event("level_1", day0.Add(10*time.Hour+15*time.Minute),
			testinfra.WithUser("u1"), testinfra.WithSession("u1-s0")),
		testinfra.Event("iap_premium", day1.Add(9*time.Hour),
			testinfra.WithUser("u1"), testinfra.WithSession("u1-s1"), testinfra.WithRevenue(5.00)),
	}
	for i := 0; i < 8; i++ {
		u := fmt.Sprintf("bg%d", i)
		events = append(events,
			testinfra.Event("install", day0.Add(time.Duration(i)*time.Minute),
				testinfra.WithUser(u), testinfra.WithSession(u+"-s0")),
			testinfra.Event("level_1", day0.Add(time.Duration(i)*time.Minute+30*time.Second),
				testinfra.WithUser(u), testinfra.WithSession(u+"-s0")),
		)
	}
	testinfra.SeedEvents(t, store, "events", events)
}

func run(t *testing.T, cfg *config.Config, store *database.Store) *engine.RunResult {
	t.Helper()

	eng, err := engine.New(cfg, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	res, err := eng.Run(context.Background(), testMapping(), models.Filters{
		DateStart: testinfra.Day(2025, time.September, 1),
		DateEnd:   testinfra.Day(2025, time.September, 14),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return res
}

func TestRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	store := testinfra.OpenStore(t)
	seedScenario(t, store)

	res := run(t, cfg, store)

	if res.Summary.Status != models.RunCompleted && res.Summary.Status != models.RunCompletedCaveats {
		t.Fatalf("status = %q, want a completed run", res.Summary.Status)
	}
	if res.Summary.RunID == "" || res.Summary.RunHash == "" {
		t.Errorf("missing lineage: run_id %q, run_hash %q", res.Summary.RunID, res.Summary.RunHash)
	}
	if !res.Summary.TableCreated || res.Summary.ExportFallback {
		t.Errorf("expected table materialization, got %+v", res.Summary)
	}

	// u1 has two daily rows; the 8 background users one each.
	if res.Summary.RowCount != 10 {
		t.Errorf("row count = %d, want 10", res.Summary.RowCount)
	}

	day0 := testinfra.Day(2025, time.September, 1)
	day1 := testinfra.Day(2025, time.September, 2)
	var u1d0, u1d1 *models.UserDailyFact
	for i := range res.Facts {
		f := &res.Facts[i]
		if f.UserID != "u1" {
			continue
		}
		switch {
		case f.Date.Equal(day0):
			u1d0 = f
		case f.Date.Equal(day1):
			u1d1 = f
		}
	}
	if u1d0 == nil || u1d1 == nil {
		t.Fatalf("u1 daily rows missing from facts")
	}

	if !u1d0.CohortDate.Equal(day0) || u1d0.UserType != models.UserTypeNew {
		t.Errorf("u1 day0 = cohort %v / %q, want day0 / new", u1d0.CohortDate, u1d0.UserType)
	}
	if lvl := u1d0.Levels["level_1"]; lvl.Count != 1 || lvl.FirstSeen == nil {
		t.Errorf("u1 day0 level_1 = %+v, want one recorded occurrence", lvl)
	}
	if !u1d1.CohortDate.Equal(day0) || u1d1.UserType != models.UserTypeReturning {
		t.Errorf("u1 day1 = cohort %v / %q, want day0 / returning", u1d1.CohortDate, u1d1.UserType)
	}
	if math.Abs(u1d1.IAPRevenue-5.00) > 1e-9 || math.Abs(u1d1.TotalRevenue-5.00) > 1e-9 {
		t.Errorf("u1 day1 revenue = iap %v / total %v, want 5.00 / 5.00", u1d1.IAPRevenue, u1d1.TotalRevenue)
	}
	if u1d1.IAPEventCount != 1 {
		t.Errorf("u1 day1 iap_events_count = %d, want 1", u1d1.IAPEventCount)
	}
}

func TestRunInvariants(t *testing.T) {
	cfg := testConfig(t)
	store := testinfra.OpenStore(t)
	seedScenario(t, store)

	res := run(t, cfg, store)

	seen := make(map[string]struct{})
	for _, f := range res.Facts {
		key := f.UserID + "|" + f.Date.Format("2006-01-02")
		if _, dup := seen[key]; dup {
			t.Errorf("duplicate (user_id, date) pair %s", key)
		}
		seen[key] = struct{}{}

		if f.RevenueDecompositionError() > 1e-9 {
			t.Errorf("%s revenue decomposition error %v", key, f.RevenueDecompositionError())
		}
		if f.CohortDate.After(f.Date) {
			t.Errorf("%s cohort_date %v after date %v", key, f.CohortDate, f.Date)
		}
		if f.RevenueSegment == "" || f.BehavioralSegment == "" {
			t.Errorf("%s missing segment assignment", key)
		}
		if f.RunHash != res.Summary.RunHash {
			t.Errorf("%s run_hash %q does not match run %q", key, f.RunHash, res.Summary.RunHash)
		}
	}

	for _, cohort := range res.Cohorts {
		if len(cohort.Points) == 0 {
			continue
		}
		if p := cohort.Points[0]; p.Offset != 0 || p.RetentionRate != 1.0 {
			t.Errorf("cohort %v offset-0 = %+v, want rate 1.0", cohort.CohortDate, p)
		}
	}

	for k := 1; k < len(res.Funnel); k++ {
		if res.Funnel[k].ConversionRate > res.Funnel[k-1].ConversionRate {
			t.Errorf("funnel conversion increased at stage %d", k)
		}
	}

	for _, row := range res.Segments {
		if row.Confidence < 0 || row.Confidence > 1 {
			t.Errorf("segment %s/%s confidence %v outside [0,1]", row.Dimension, row.Segment, row.Confidence)
		}
	}
}

func TestRunPersistsArtifacts(t *testing.T) {
	cfg := testConfig(t)
	store := testinfra.OpenStore(t)
	seedScenario(t, store)

	res := run(t, cfg, store)
	hash := res.Summary.RunHash
	ctx := context.Background()

	for _, table := range []string{
		database.FactTableName(cfg.Engine.TargetSchema, hash),
		database.SummaryTableName(cfg.Engine.TargetSchema, "segment", hash),
		database.SummaryTableName(cfg.Engine.TargetSchema, "retention", hash),
		database.SummaryTableName(cfg.Engine.TargetSchema, "funnel", hash),
	} {
		count, err := store.CountRows(ctx, table)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
			continue
		}
		if count == 0 && table == database.FactTableName(cfg.Engine.TargetSchema, hash) {
			t.Errorf("table %s is empty", table)
		}
	}

	for _, name := range []string{
		"aggregation_query_" + hash + ".sql",
		"run_summary_" + hash + ".json",
	} {
		if _, err := os.Stat(filepath.Join(cfg.Engine.ExportDir, name)); err != nil {
			t.Errorf("artifact %s missing: %v", name, err)
		}
	}
}

func TestRunDeterministicQueryHash(t *testing.T) {
	cfg := testConfig(t)

	storeA := testinfra.OpenStore(t)
	seedScenario(t, storeA)
	resA := run(t, cfg, storeA)

	storeB := testinfra.OpenStore(t)
	seedScenario(t, storeB)
	resB := run(t, cfg, storeB)

	if resA.Summary.QueryHash != resB.Summary.QueryHash {
		t.Errorf("identical mapping and filters produced different query hashes: %q vs %q",
			resA.Summary.QueryHash, resB.Summary.QueryHash)
	}
	if resA.Plan.SQL != resB.Plan.SQL {
		t.Errorf("identical mapping and filters produced different query text")
	}
}

func TestRunAbortsOnMissingIdentifier(t *testing.T) {
	cfg := testConfig(t)
	store := testinfra.OpenStore(t)
	seedScenario(t, store)

	eng, err := engine.New(cfg, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	mapping := testMapping()
	mapping.PrimaryUserIDField = ""
	res, err := eng.Run(context.Background(), mapping, models.Filters{
		DateStart: testinfra.Day(2025, time.September, 1),
		DateEnd:   testinfra.Day(2025, time.September, 14),
	})

	var cfgErr *models.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if res.Summary.Status != models.RunAborted {
		t.Errorf("status = %q, want aborted", res.Summary.Status)
	}
	if res.Summary.ArtifactLocation != "" {
		t.Errorf("aborted run reports an artifact: %q", res.Summary.ArtifactLocation)
	}
}

func TestRunCancelledBetweenStages(t *testing.T) {
	cfg := testConfig(t)
	store := testinfra.OpenStore(t)
	seedScenario(t, store)

	eng, err := engine.New(cfg, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := eng.Run(ctx, testMapping(), models.Filters{
		DateStart: testinfra.Day(2025, time.September, 1),
		DateEnd:   testinfra.Day(2025, time.September, 14),
	})
	if err == nil {
		t.Fatal("expected error from cancelled run")
	}
	if res == nil || res.Summary.Status != models.RunAborted {
		t.Errorf("cancelled run not reported as aborted")
	}

	var execErr *models.ExecutionError
	if !errors.As(err, &execErr) {
		t.Errorf("cancellation surfaced as %T, want ExecutionError", err)
	}
}

func TestGateAuditRecordsRunQueries(t *testing.T) {
	cfg := testConfig(t)
	store := testinfra.OpenStore(t)
	seedScenario(t, store)

	eng, err := engine.New(cfg, store)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	res, err := eng.Run(context.Background(), testMapping(), models.Filters{
		DateStart: testinfra.Day(2025, time.September, 1),
		DateEnd:   testinfra.Day(2025, time.September, 14),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	entries := eng.Gate().AuditLog()
	if len(entries) < 2 {
		t.Fatalf("audit log has %d entries, want the aggregation plus summary materializations", len(entries))
	}
	for _, e := range entries {
		if len(e.Violations) != 0 {
			t.Errorf("run submitted a query with violations: %+v", e)
		}
	}

	trail, err := audit.NewTrail(store).ForRun(context.Background(), res.Summary.RunID)
	if err != nil {
		t.Fatalf("read persisted trail: %v", err)
	}
	if len(trail) != len(entries) {
		t.Errorf("persisted trail has %d records, gate log has %d", len(trail), len(entries))
	}
}
