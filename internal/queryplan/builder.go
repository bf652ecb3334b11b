// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package queryplan

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/models"
	"github.com/cohortforge/cohortforge/internal/safety"
)

// Window is a closed date interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether d falls inside the window.
func (w Window) Contains(d time.Time) bool {
	return !d.Before(w.Start) && !d.After(w.End)
}

// LevelColumn ties a discovered level event to its generated column names.
type LevelColumn struct {
	Event    string
	Rank     int
	TimeCol  string
	CountCol string
}

// Plan is the built aggregation query plus the metadata downstream stages
// need: the run hash (derived from the query text), both windows, the
// identifier resolution, and the dynamic level-column layout.
type Plan struct {
	SQL  string
	Hash string

	// ComputeWindow is the lookback-extended range cohort dates are derived
	// from; ReportWindow is what the output is restricted to.
	ComputeWindow Window
	ReportWindow  Window

	Resolution models.IdentifierResolution
	Levels     []LevelColumn

	// Issues are data-quality annotations the builder attached (identifier
	// substitution, empty pattern sets). Never fatal.
	Issues []string

	RowLimit int
}

// Builder generates aggregation plans for one configured source table.
type Builder struct {
	sourceTable  string
	lookbackDays int
	defaultLimit int
}

// NewBuilder returns a Builder for the engine configuration.
func NewBuilder(cfg config.EngineConfig) (*Builder, error) {
	if !validTableRef(cfg.SourceTable) {
		return nil, models.NewConfigurationError("engine.source_table",
			"invalid table reference %q", cfg.SourceTable)
	}
	return &Builder{
		sourceTable:  cfg.SourceTable,
		lookbackDays: cfg.LookbackDays,
		defaultLimit: cfg.DefaultRowLimit,
	}, nil
}

// Build renders the aggregation query for the mapping and filters.
// It fails with a ConfigurationError when the mapping carries no primary
// user identifier or the filters are inconsistent; empty revenue or level
// pattern lists degrade gracefully by omitting their optional columns.
func (b *Builder) Build(mapping models.FieldMapping, filters models.Filters) (*Plan, error) {
	resolution, issues, err := resolveIdentifier(mapping, filters)
	if err != nil {
		return nil, err
	}

	report, compute, err := b.windows(mapping, filters)
	if err != nil {
		return nil, err
	}

	limit := filters.RowLimit
	if limit <= 0 {
		limit = b.defaultLimit
	}

	if len(mapping.RevenuePatterns.IAP) == 0 &&
		len(mapping.RevenuePatterns.Ad) == 0 &&
		len(mapping.RevenuePatterns.Subscription) == 0 {
		issues = append(issues, "no revenue patterns discovered; revenue left unclassified")
	}
	if len(mapping.LevelEvents) == 0 {
		issues = append(issues, "no level events discovered; level progression omitted")
	}

	levels, err := levelColumns(mapping.LevelEvents)
	if err != nil {
		return nil, err
	}

	allIssues := append(append([]string{}, mapping.DataQualityIssues...), issues...)

	sql, err := b.render(renderInputs{
		mapping:    mapping,
		filters:    filters,
		resolution: resolution,
		report:     report,
		compute:    compute,
		levels:     levels,
		issues:     allIssues,
		limit:      limit,
		quality:    mapping.DataQualityScore,
	})
	if err != nil {
		return nil, err
	}

	// The run hash is derived from the query text itself; the text embeds a
	// placeholder first so hashing stays stable.
	hash := safety.HashQuery(sql)
	sql = strings.ReplaceAll(sql, runHashPlaceholder, hash)

	return &Plan{
		SQL:           sql,
		Hash:          hash,
		ComputeWindow: compute,
		ReportWindow:  report,
		Resolution:    resolution,
		Levels:        levels,
		Issues:        allIssues,
		RowLimit:      limit,
	}, nil
}

// runHashPlaceholder stands in for the run hash while the text is hashed.
const runHashPlaceholder = "__RUN_HASH__"

// resolveIdentifier picks the grouping identifier, honoring an explicit
// caller override and recording it rather than applying it silently.
func resolveIdentifier(mapping models.FieldMapping, filters models.Filters) (models.IdentifierResolution, []string, error) {
	if strings.TrimSpace(mapping.PrimaryUserIDField) == "" {
		return models.IdentifierResolution{}, nil, models.NewConfigurationError(
			"primary_user_id_field", "field mapping carries no primary user identifier")
	}
	if !validIdent(mapping.PrimaryUserIDField) {
		return models.IdentifierResolution{}, nil, models.NewConfigurationError(
			"primary_user_id_field", "invalid column name %q", mapping.PrimaryUserIDField)
	}
	if mapping.FallbackUserIDField != "" && !validIdent(mapping.FallbackUserIDField) {
		return models.IdentifierResolution{}, nil, models.NewConfigurationError(
			"fallback_user_id_field", "invalid column name %q", mapping.FallbackUserIDField)
	}

	resolution := models.IdentifierResolution{
		ChosenField: mapping.PrimaryUserIDField,
		Fallback:    mapping.FallbackUserIDField,
		Rationale:   "primary identifier from field mapping",
	}

	var issues []string
	if filters.UserIDOverride != "" && filters.UserIDOverride != mapping.PrimaryUserIDField {
		if !validIdent(filters.UserIDOverride) {
			return models.IdentifierResolution{}, nil, models.NewConfigurationError(
				"user_id_override", "invalid column name %q", filters.UserIDOverride)
		}
		resolution = models.IdentifierResolution{
			ChosenField: filters.UserIDOverride,
			Fallback:    mapping.FallbackUserIDField,
			Overridden:  true,
			Rationale: fmt.Sprintf("caller override: primary identifier %q replaced by %q",
				mapping.PrimaryUserIDField, filters.UserIDOverride),
		}
		issues = append(issues, resolution.Rationale)
	}

	return resolution, issues, nil
}

// windows derives the report window from the filters (falling back to the
// mapping's observed bounds) and extends it backward by the lookback.
func (b *Builder) windows(mapping models.FieldMapping, filters models.Filters) (report, compute Window, err error) {
	start, end := filters.DateStart, filters.DateEnd
	if start.IsZero() {
		start = mapping.ObservedStart
	}
	if end.IsZero() {
		end = mapping.ObservedEnd
	}
	if start.IsZero() || end.IsZero() {
		return Window{}, Window{}, models.NewConfigurationError(
			"date range", "no report window: filters and mapping both lack date bounds")
	}
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	if end.Before(start) {
		return Window{}, Window{}, models.NewConfigurationError(
			"date range", "date_end %s precedes date_start %s",
			end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	report = Window{Start: start, End: end}
	compute = Window{Start: start.AddDate(0, 0, -b.lookbackDays), End: end}
	return report, compute, nil
}

// levelColumns assigns ranks and column names to the discovered level
// events, preserving the mapping's order as the rank order.
func levelColumns(events []string) ([]LevelColumn, error) {
	seen := make(map[string]struct{}, len(events))
	out := make([]LevelColumn, 0, len(events))
	for i, event := range events {
		if strings.TrimSpace(event) == "" {
			return nil, models.NewConfigurationError("level_event_list",
				"blank level event at position %d", i)
		}
		safe := columnSafeName(event)
		if safe == "" {
			return nil, models.NewConfigurationError("level_event_list",
				"level event %q yields no usable column name", event)
		}
		if _, dup := seen[safe]; dup {
			return nil, models.NewConfigurationError("level_event_list",
				"level event %q collides with an earlier event's column name", event)
		}
		seen[safe] = struct{}{}
		out = append(out, LevelColumn{
			Event:    event,
			Rank:     i + 1,
			TimeCol:  fmt.Sprintf("level_%s_first_time", safe),
			CountCol: fmt.Sprintf("level_%s_count", safe),
		})
	}
	return out, nil
}

type renderInputs struct {
	mapping    models.FieldMapping
	filters    models.Filters
	resolution models.IdentifierResolution
	report     Window
	compute    Window
	levels     []LevelColumn
	issues     []string
	limit      int
	quality    float64
}

// render emits the full aggregation SQL. Ordering of every generated
// fragment is fixed so the text is reproducible.
func (b *Builder) render(in renderInputs) (string, error) {
	userExpr := in.resolution.ChosenField
	if in.resolution.Fallback != "" && in.resolution.Fallback != in.resolution.ChosenField {
		userExpr = fmt.Sprintf("COALESCE(%s, %s)", in.resolution.ChosenField, in.resolution.Fallback)
	}

	sourceWhere := &clauseBuilder{}
	sourceWhere.add(fmt.Sprintf("CAST(adjusted_timestamp AS DATE) BETWEEN %s AND %s",
		dateLiteral(in.compute.Start), dateLiteral(in.compute.End)))
	if in.filters.AppFilter != "" {
		sourceWhere.add("app_longname = " + quoteLiteral(in.filters.AppFilter))
	}

	iapMatch := patternMatchExpr("s.name", in.mapping.RevenuePatterns.IAP)
	adMatch := patternMatchExpr("s.name", in.mapping.RevenuePatterns.Ad)
	subMatch := patternMatchExpr("s.name", in.mapping.RevenuePatterns.Subscription)

	issuesJSON, err := json.Marshal(in.issues)
	if err != nil {
		return "", fmt.Errorf("marshal data quality issues: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "-- user daily aggregation (run %s)\n", runHashPlaceholder)
	sb.WriteString("WITH source AS (\n")
	fmt.Fprintf(&sb, "    SELECT\n        %s AS user_id,\n", userExpr)
	sb.WriteString("        device_id,\n")
	sb.WriteString("        CAST(adjusted_timestamp AS DATE) AS event_date,\n")
	sb.WriteString("        adjusted_timestamp,\n")
	sb.WriteString("        name,\n")
	sb.WriteString("        session_id,\n")
	sb.WriteString("        converted_revenue,\n")
	sb.WriteString("        is_revenue_valid,\n")
	sb.WriteString("        country, state, city, install_source,\n")
	sb.WriteString("        campaign_id, campaign_name, utm_source, utm_campaign,\n")
	sb.WriteString("        app_longname\n")
	fmt.Fprintf(&sb, "    FROM %s\n", b.sourceTable)
	fmt.Fprintf(&sb, "    WHERE %s\n", sourceWhere.build())
	sb.WriteString("),\n")

	sb.WriteString(`session_bounds AS (
    SELECT
        user_id,
        event_date,
        session_id,
        date_diff('minute', MIN(adjusted_timestamp), MAX(adjusted_timestamp)) AS session_minutes
    FROM source
    WHERE session_id IS NOT NULL
    GROUP BY user_id, event_date, session_id
),
session_stats AS (
    SELECT
        user_id,
        event_date,
        COUNT(*) AS session_count,
        AVG(session_minutes) AS avg_session_minutes,
        MAX(session_minutes) AS longest_session_minutes,
        SUM(session_minutes) AS total_session_minutes
    FROM session_bounds
    GROUP BY user_id, event_date
),
cohorts AS (
    SELECT user_id, MIN(event_date) AS cohort_date
    FROM source
    GROUP BY user_id
),
`)

	sb.WriteString("daily AS (\n    SELECT\n")
	sb.WriteString("        s.user_id,\n")
	sb.WriteString("        any_value(s.device_id) AS device_id,\n")
	sb.WriteString("        s.event_date AS date,\n")
	writeRevenueColumns(&sb, iapMatch, adMatch, subMatch)
	sb.WriteString("        COUNT(*) AS total_events,\n")
	sb.WriteString("        COUNT(DISTINCT s.name) AS unique_events,\n")
	writeLevelColumns(&sb, in.levels)
	sb.WriteString("        mode(s.country) AS country,\n")
	sb.WriteString("        mode(s.state) AS state,\n")
	sb.WriteString("        mode(s.city) AS city,\n")
	sb.WriteString("        mode(s.install_source) AS acquisition_channel,\n")
	sb.WriteString("        mode(s.campaign_id) AS campaign_id,\n")
	sb.WriteString("        mode(s.campaign_name) AS campaign_name,\n")
	sb.WriteString("        mode(s.utm_source) AS utm_source,\n")
	sb.WriteString("        mode(s.utm_campaign) AS utm_campaign,\n")
	sb.WriteString("        any_value(s.app_longname) AS app_name\n")
	sb.WriteString("    FROM source s\n")
	sb.WriteString("    GROUP BY s.user_id, s.event_date\n")
	sb.WriteString(")\n")

	sb.WriteString("SELECT\n")
	sb.WriteString("    d.user_id,\n")
	sb.WriteString("    d.device_id,\n")
	sb.WriteString("    d.date,\n")
	sb.WriteString("    c.cohort_date,\n")
	sb.WriteString("    date_diff('day', c.cohort_date, d.date) AS days_since_first_event,\n")
	sb.WriteString("    CASE WHEN d.date = c.cohort_date THEN 'new' ELSE 'returning' END AS user_type,\n")
	sb.WriteString("    COALESCE(ss.session_count, 0) AS session_count,\n")
	sb.WriteString("    COALESCE(ss.avg_session_minutes, 0) AS avg_session_duration_minutes,\n")
	sb.WriteString("    COALESCE(ss.longest_session_minutes, 0) AS longest_session_duration_minutes,\n")
	sb.WriteString("    COALESCE(ss.total_session_minutes, 0) AS total_session_time_minutes,\n")
	sb.WriteString("    d.* EXCLUDE (user_id, device_id, date),\n")
	fmt.Fprintf(&sb, "    CAST(%g AS DOUBLE) AS data_quality_score,\n", in.quality)
	fmt.Fprintf(&sb, "    %s AS data_quality_issues,\n", quoteLiteral(string(issuesJSON)))
	fmt.Fprintf(&sb, "    %s AS run_hash\n", quoteLiteral(runHashPlaceholder))
	sb.WriteString("FROM daily d\n")
	sb.WriteString("JOIN cohorts c ON d.user_id = c.user_id\n")
	sb.WriteString("LEFT JOIN session_stats ss ON d.user_id = ss.user_id AND d.date = ss.event_date\n")
	fmt.Fprintf(&sb, "WHERE d.date BETWEEN %s AND %s\n",
		dateLiteral(in.report.Start), dateLiteral(in.report.End))
	sb.WriteString("ORDER BY d.user_id, d.date\n")
	fmt.Fprintf(&sb, "LIMIT %d", in.limit)

	return sb.String(), nil
}

// writeRevenueColumns emits the revenue aggregates. Classification follows
// a fixed precedence (iap, ad, subscription, other) so the per-type amounts
// always sum to total_revenue. Empty pattern sets omit their columns.
func writeRevenueColumns(sb *strings.Builder, iapMatch, adMatch, subMatch string) {
	const valid = "s.is_revenue_valid"
	rev := "COALESCE(s.converted_revenue, 0)"

	fmt.Fprintf(sb, "        SUM(CASE WHEN %s THEN %s ELSE 0 END) AS total_revenue,\n", valid, rev)

	var claimed []string
	if iapMatch != "" {
		cond := valid + " AND " + iapMatch
		fmt.Fprintf(sb, "        SUM(CASE WHEN %s THEN %s ELSE 0 END) AS iap_revenue,\n", cond, rev)
		fmt.Fprintf(sb, "        COUNT(CASE WHEN %s THEN 1 END) AS iap_events_count,\n", cond)
		claimed = append(claimed, iapMatch)
	}
	if adMatch != "" {
		cond := valid + notClaimed(claimed) + " AND " + adMatch
		fmt.Fprintf(sb, "        SUM(CASE WHEN %s THEN %s ELSE 0 END) AS ad_revenue,\n", cond, rev)
		fmt.Fprintf(sb, "        COUNT(CASE WHEN %s THEN 1 END) AS ad_events_count,\n", cond)
		claimed = append(claimed, adMatch)
	}
	if subMatch != "" {
		cond := valid + notClaimed(claimed) + " AND " + subMatch
		fmt.Fprintf(sb, "        SUM(CASE WHEN %s THEN %s ELSE 0 END) AS subscription_revenue,\n", cond, rev)
		fmt.Fprintf(sb, "        COUNT(CASE WHEN %s THEN 1 END) AS subscription_events_count,\n", cond)
		claimed = append(claimed, subMatch)
	}

	otherCond := valid + notClaimed(claimed)
	fmt.Fprintf(sb, "        SUM(CASE WHEN %s THEN %s ELSE 0 END) AS other_revenue,\n", otherCond, rev)
	fmt.Fprintf(sb, "        COUNT(CASE WHEN %s THEN 1 END) AS total_revenue_events_count,\n", valid)
	fmt.Fprintf(sb, "        MIN(CASE WHEN %s THEN s.adjusted_timestamp END) AS first_purchase_time,\n", valid)
	fmt.Fprintf(sb, "        MAX(CASE WHEN %s THEN s.adjusted_timestamp END) AS last_purchase_time,\n", valid)
}

// notClaimed renders the exclusion of every earlier pattern set.
func notClaimed(claimed []string) string {
	var b strings.Builder
	for _, m := range claimed {
		b.WriteString(" AND NOT ")
		b.WriteString(m)
	}
	return b.String()
}

// writeLevelColumns emits the sparse per-level first-occurrence and count
// pairs plus the rank-based max_level_reached.
func writeLevelColumns(sb *strings.Builder, levels []LevelColumn) {
	for _, lc := range levels {
		match := "s.name = " + quoteLiteral(lc.Event)
		fmt.Fprintf(sb, "        MIN(CASE WHEN %s THEN s.adjusted_timestamp END) AS %s,\n", match, lc.TimeCol)
		fmt.Fprintf(sb, "        COUNT(CASE WHEN %s THEN 1 END) AS %s,\n", match, lc.CountCol)
	}

	if len(levels) == 0 {
		sb.WriteString("        0 AS max_level_reached,\n")
		return
	}

	sb.WriteString("        MAX(CASE\n")
	for _, lc := range levels {
		fmt.Fprintf(sb, "            WHEN s.name = %s THEN %d\n", quoteLiteral(lc.Event), lc.Rank)
	}
	sb.WriteString("            ELSE 0\n        END) AS max_level_reached,\n")
}
