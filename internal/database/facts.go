// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package database

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/cohortforge/cohortforge/internal/models"
	"github.com/cohortforge/cohortforge/internal/queryplan"
)

// LoadFacts reads a materialized fact table back into memory, in the same
// deterministic order it was written.
func (s *Store) LoadFacts(ctx context.Context, table string, levels []queryplan.LevelColumn) ([]models.UserDailyFact, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, "SELECT * FROM "+table+" ORDER BY user_id, date")
	if err != nil {
		return nil, fmt.Errorf("load facts from %s: %w", table, err)
	}
	defer closeQuietly(rows)

	return ScanFacts(rows, levels)
}

// QueryFacts executes a fact-shaped SELECT (the aggregation plan itself)
// and scans the result. Used on the export-fallback path where no table
// was created.
func (s *Store) QueryFacts(ctx context.Context, query string, levels []queryplan.LevelColumn) ([]models.UserDailyFact, error) {
	ctx, cancel := s.ensureContext(ctx)
	defer cancel()

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer closeQuietly(rows)

	return ScanFacts(rows, levels)
}

// ScanFacts materializes fact rows from a result set. The fact schema is
// partly dynamic (level columns depend on the discovered taxonomy), so rows
// are scanned by column name rather than position.
func ScanFacts(rows *sql.Rows, levels []queryplan.LevelColumn) ([]models.UserDailyFact, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	timeCols := make(map[string]string, len(levels))
	countCols := make(map[string]string, len(levels))
	for _, lc := range levels {
		timeCols[lc.TimeCol] = lc.Event
		countCols[lc.CountCol] = lc.Event
	}

	var facts []models.UserDailyFact
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan fact row: %w", err)
		}

		fact := models.UserDailyFact{}
		if len(levels) > 0 {
			fact.Levels = make(map[string]models.LevelMetric, len(levels))
		}

		for i, col := range cols {
			if err := assignFactColumn(&fact, col, values[i], timeCols, countCols); err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
		}
		facts = append(facts, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fact rows: %w", err)
	}

	return facts, nil
}

// assignFactColumn routes one scanned value into the fact struct.
func assignFactColumn(fact *models.UserDailyFact, col string, v any, timeCols, countCols map[string]string) error {
	if event, ok := timeCols[col]; ok {
		metric := fact.Levels[event]
		metric.FirstSeen = asTimePtr(v)
		fact.Levels[event] = metric
		return nil
	}
	if event, ok := countCols[col]; ok {
		metric := fact.Levels[event]
		metric.Count = int(asInt(v))
		fact.Levels[event] = metric
		return nil
	}

	switch col {
	case "user_id":
		fact.UserID = asString(v)
	case "device_id":
		fact.DeviceID = asString(v)
	case "date":
		fact.Date = asTime(v)
	case "cohort_date":
		fact.CohortDate = asTime(v)
	case "days_since_first_event":
		fact.DaysSinceFirstEvent = int(asInt(v))
	case "user_type":
		fact.UserType = models.UserType(asString(v))
	case "session_count":
		fact.SessionCount = int(asInt(v))
	case "avg_session_duration_minutes":
		fact.AvgSessionMinutes = asFloat(v)
	case "longest_session_duration_minutes":
		fact.LongestSessionMinutes = asFloat(v)
	case "total_session_time_minutes":
		fact.TotalSessionMinutes = asFloat(v)
	case "total_revenue":
		fact.TotalRevenue = asFloat(v)
	case "iap_revenue":
		fact.IAPRevenue = asFloat(v)
	case "ad_revenue":
		fact.AdRevenue = asFloat(v)
	case "subscription_revenue":
		fact.SubscriptionRevenue = asFloat(v)
	case "other_revenue":
		fact.OtherRevenue = asFloat(v)
	case "iap_events_count":
		fact.IAPEventCount = int(asInt(v))
	case "ad_events_count":
		fact.AdEventCount = int(asInt(v))
	case "subscription_events_count":
		fact.SubscriptionEventCount = int(asInt(v))
	case "total_revenue_events_count":
		fact.RevenueEventCount = int(asInt(v))
	case "first_purchase_time":
		fact.FirstPurchaseAt = asTimePtr(v)
	case "last_purchase_time":
		fact.LastPurchaseAt = asTimePtr(v)
	case "max_level_reached":
		fact.MaxLevelReached = int(asInt(v))
	case "total_events":
		fact.TotalEvents = int(asInt(v))
	case "unique_events":
		fact.UniqueEventCount = int(asInt(v))
	case "country":
		fact.Geo.Country = asString(v)
	case "state":
		fact.Geo.State = asString(v)
	case "city":
		fact.Geo.City = asString(v)
	case "acquisition_channel":
		fact.Geo.AcquisitionChannel = asString(v)
	case "campaign_id":
		fact.Geo.CampaignID = asString(v)
	case "campaign_name":
		fact.Geo.CampaignName = asString(v)
	case "utm_source":
		fact.Geo.UTMSource = asString(v)
	case "utm_campaign":
		fact.Geo.UTMCampaign = asString(v)
	case "app_name":
		fact.AppName = asString(v)
	case "data_quality_score":
		fact.DataQualityScore = asFloat(v)
	case "data_quality_issues":
		if raw := asString(v); raw != "" {
			if err := json.Unmarshal([]byte(raw), &fact.DataQualityIssues); err != nil {
				return fmt.Errorf("decode issues: %w", err)
			}
		}
	case "run_hash":
		fact.RunHash = asString(v)
	default:
		return fmt.Errorf("unexpected column %q", col)
	}
	return nil
}

// Scan coercion helpers. The driver's concrete types vary with the SQL
// expression (BIGINT vs INTEGER vs DOUBLE, HUGEINT for some aggregates),
// so conversion is centralized here.

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case nil:
		return 0
	case float64:
		return x
	case float32:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	case int:
		return float64(x)
	case *big.Int:
		f, _ := new(big.Float).SetInt(x).Float64()
		return f
	default:
		return 0
	}
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case int64:
		return x
	case int32:
		return int64(x)
	case int16:
		return int64(x)
	case int8:
		return int64(x)
	case int:
		return int64(x)
	case uint64:
		return int64(x)
	case uint32:
		return int64(x)
	case float64:
		return int64(x)
	case *big.Int:
		return x.Int64()
	default:
		return 0
	}
}

func asTime(v any) time.Time {
	if t, ok := v.(time.Time); ok {
		return t.UTC()
	}
	return time.Time{}
}

func asTimePtr(v any) *time.Time {
	if t, ok := v.(time.Time); ok {
		u := t.UTC()
		return &u
	}
	return nil
}

// FactTableName renders the run-scoped fact table reference.
func FactTableName(schema, runHash string) string {
	return fmt.Sprintf("%s.user_daily_facts_%s", schema, strings.ToLower(runHash))
}

// SummaryTableName renders a run-scoped summary table reference. kind is
// one of "segment", "retention", "funnel".
func SummaryTableName(schema, kind, runHash string) string {
	return fmt.Sprintf("%s.%s_summary_%s", schema, kind, strings.ToLower(runHash))
}
