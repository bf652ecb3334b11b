// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package config loads and validates engine configuration.
//
// Configuration is layered: struct defaults first, then an optional YAML
// file, then environment variables (highest priority). Environment variable
// names map to koanf paths: COHORTFORGE_ENGINE_LOOKBACK_DAYS ->
// engine.lookback_days.
package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/cohortforge/config.yaml",
	"/etc/cohortforge/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "COHORTFORGE_CONFIG"

// EnvPrefix prefixes all configuration environment variables.
const EnvPrefix = "COHORTFORGE_"

// WeightTolerance is the allowed deviation of a weight set's sum from 1.0.
const WeightTolerance = 1e-6

// Config is the full engine configuration.
type Config struct {
	Logging      LoggingConfig      `koanf:"logging"`
	Database     DatabaseConfig     `koanf:"database"`
	Engine       EngineConfig       `koanf:"engine"`
	Segmentation SegmentationConfig `koanf:"segmentation"`
	Confidence   ConfidenceConfig   `koanf:"confidence"`
	Retention    RetentionConfig    `koanf:"retention"`
	Funnel       FunnelConfig       `koanf:"funnel"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig configures the embedded analytical store.
type DatabaseConfig struct {
	// Path is the DuckDB database file. Empty means in-memory.
	Path string `koanf:"path"`

	// QueryTimeout bounds any single statement.
	QueryTimeout time.Duration `koanf:"query_timeout" validate:"min=1s"`
}

// EngineConfig configures the aggregation run.
type EngineConfig struct {
	// SourceTable is the raw event table the aggregation reads from.
	SourceTable string `koanf:"source_table" validate:"required"`

	// TargetSchema is the namespace materialized artifacts are written
	// under. Must be on the safety gate's allow list.
	TargetSchema string `koanf:"target_schema" validate:"required"`

	// LookbackDays extends the computation window backward so cohort dates
	// near the report-window edge come from true first occurrences.
	LookbackDays int `koanf:"lookback_days" validate:"min=0,max=365"`

	// DefaultRowLimit applies when the caller's filters carry no limit.
	DefaultRowLimit int `koanf:"default_row_limit" validate:"min=1"`

	// MaxRetries bounds re-submission of transiently failing queries.
	MaxRetries int `koanf:"max_retries" validate:"min=0,max=10"`

	// RetryBackoff is the base backoff between retries (doubled per attempt).
	RetryBackoff time.Duration `koanf:"retry_backoff" validate:"min=1ms"`

	// QueryConcurrency caps simultaneously in-flight store queries.
	QueryConcurrency int `koanf:"query_concurrency" validate:"min=1,max=64"`

	// QueriesPerSecond paces query submission to the shared connection.
	QueriesPerSecond float64 `koanf:"queries_per_second" validate:"gt=0"`

	// RunTimeout bounds the whole run. Zero means no engine-imposed bound;
	// the caller's context still applies.
	RunTimeout time.Duration `koanf:"run_timeout" validate:"min=0"`

	// ExportDir receives JSONL export artifacts when table creation is not
	// permitted on the target.
	ExportDir string `koanf:"export_dir" validate:"required"`

	// Workers sizes the data-parallel classification and cohort pools.
	// Zero means GOMAXPROCS.
	Workers int `koanf:"workers" validate:"min=0,max=256"`
}

// SegmentationConfig holds engagement weights and percentile thresholds.
type SegmentationConfig struct {
	// Engagement signal weights; must sum to 1.0 within WeightTolerance.
	SessionFrequencyWeight float64 `koanf:"session_frequency_weight" validate:"min=0,max=1"`
	SessionDurationWeight  float64 `koanf:"session_duration_weight" validate:"min=0,max=1"`
	EventFrequencyWeight   float64 `koanf:"event_frequency_weight" validate:"min=0,max=1"`
	RecencyWeight          float64 `koanf:"recency_weight" validate:"min=0,max=1"`

	// Revenue percentile thresholds over the current run's distribution.
	WhalePercentile   float64 `koanf:"whale_percentile" validate:"gt=0,lt=100"`
	DolphinPercentile float64 `koanf:"dolphin_percentile" validate:"gt=0,lt=100"`

	// Engagement percentile thresholds.
	HighEngagementPercentile     float64 `koanf:"high_engagement_percentile" validate:"gt=0,lt=100"`
	ModerateEngagementPercentile float64 `koanf:"moderate_engagement_percentile" validate:"gt=0,lt=100"`

	// ChurnDays forces the churned segment once a user has been inactive
	// this many days, regardless of engagement score.
	ChurnDays int `koanf:"churn_days" validate:"min=1"`
}

// WeightSum returns the sum of the engagement signal weights.
func (c SegmentationConfig) WeightSum() float64 {
	return c.SessionFrequencyWeight + c.SessionDurationWeight + c.EventFrequencyWeight + c.RecencyWeight
}

// ConfidenceConfig weights the three confidence factors.
type ConfidenceConfig struct {
	SizeWeight         float64 `koanf:"size_weight" validate:"min=0,max=1"`
	CompletenessWeight float64 `koanf:"completeness_weight" validate:"min=0,max=1"`
	StabilityWeight    float64 `koanf:"stability_weight" validate:"min=0,max=1"`

	// MinimumSample is the count at which the sample-size factor saturates.
	MinimumSample int `koanf:"minimum_sample" validate:"min=1"`
}

// WeightSum returns the sum of the confidence factor weights.
func (c ConfidenceConfig) WeightSum() float64 {
	return c.SizeWeight + c.CompletenessWeight + c.StabilityWeight
}

// RetentionConfig configures cohort retention offsets.
type RetentionConfig struct {
	// Offsets are the day offsets reported per cohort, ascending.
	Offsets []int `koanf:"offsets" validate:"required,min=1,dive,min=0"`

	// MinCohortSize flags (not drops) cohorts below this size.
	MinCohortSize int `koanf:"min_cohort_size" validate:"min=1"`
}

// FunnelConfig configures funnel analysis.
type FunnelConfig struct {
	// Stages optionally overrides the mapping's level event list as the
	// milestone-stage definition.
	Stages []string `koanf:"stages"`
}

// MetricsConfig gates the optional Prometheus listener in cmd. The engine
// itself never listens; this only exposes instrumentation while a run is
// in flight.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

// Default returns the built-in configuration, before any file or env
// overrides.
func Default() *Config {
	return defaultConfig()
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path:         "",
			QueryTimeout: 5 * time.Minute,
		},
		Engine: EngineConfig{
			SourceTable:      "events",
			TargetSchema:     "analysis_results",
			LookbackDays:     7,
			DefaultRowLimit:  100000,
			MaxRetries:       3,
			RetryBackoff:     500 * time.Millisecond,
			QueryConcurrency: 4,
			QueriesPerSecond: 8,
			RunTimeout:       30 * time.Minute,
			ExportDir:        "exports",
			Workers:          0,
		},
		Segmentation: SegmentationConfig{
			SessionFrequencyWeight:       0.3,
			SessionDurationWeight:        0.2,
			EventFrequencyWeight:         0.2,
			RecencyWeight:                0.3,
			WhalePercentile:              95,
			DolphinPercentile:            80,
			HighEngagementPercentile:     70,
			ModerateEngagementPercentile: 30,
			ChurnDays:                    14,
		},
		Confidence: ConfidenceConfig{
			SizeWeight:         0.4,
			CompletenessWeight: 0.2,
			StabilityWeight:    0.4,
			MinimumSample:      30,
		},
		Retention: RetentionConfig{
			Offsets:       []int{0, 1, 3, 7, 14, 30, 60},
			MinCohortSize: 10,
		},
		Funnel: FunnelConfig{},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9187",
		},
	}
}

// Validate checks structural constraints plus the cross-field weight sums.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if math.Abs(c.Segmentation.WeightSum()-1.0) > WeightTolerance {
		return fmt.Errorf("segmentation weights must sum to 1.0, got %v", c.Segmentation.WeightSum())
	}
	if math.Abs(c.Confidence.WeightSum()-1.0) > WeightTolerance {
		return fmt.Errorf("confidence weights must sum to 1.0, got %v", c.Confidence.WeightSum())
	}
	if c.Segmentation.DolphinPercentile >= c.Segmentation.WhalePercentile {
		return fmt.Errorf("dolphin percentile (%v) must be below whale percentile (%v)",
			c.Segmentation.DolphinPercentile, c.Segmentation.WhalePercentile)
	}
	if c.Segmentation.ModerateEngagementPercentile >= c.Segmentation.HighEngagementPercentile {
		return fmt.Errorf("moderate engagement percentile (%v) must be below high engagement percentile (%v)",
			c.Segmentation.ModerateEngagementPercentile, c.Segmentation.HighEngagementPercentile)
	}
	for i := 1; i < len(c.Retention.Offsets); i++ {
		if c.Retention.Offsets[i] <= c.Retention.Offsets[i-1] {
			return fmt.Errorf("retention offsets must be strictly ascending, got %v", c.Retention.Offsets)
		}
	}
	if c.Retention.Offsets[0] != 0 {
		return fmt.Errorf("retention offsets must start at 0, got %v", c.Retention.Offsets)
	}
	return nil
}

// findConfigFile returns the first config file found, or empty string.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps COHORTFORGE_ENGINE_LOOKBACK_DAYS to
// engine.lookback_days. Only the first underscore becomes a section
// separator; the rest stay part of the key.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	key = strings.ToLower(key)
	parts := strings.SplitN(key, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}
