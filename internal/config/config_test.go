// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigValidates(t *testing.T) {

	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}

	if cfg.Engine.LookbackDays != 7 {
		t.Errorf("expected default lookback of 7 days, got %d", cfg.Engine.LookbackDays)
	}
	if cfg.Segmentation.WhalePercentile != 95 {
		t.Errorf("expected whale percentile 95, got %v", cfg.Segmentation.WhalePercentile)
	}
	if got := cfg.Retention.Offsets; len(got) != 7 || got[0] != 0 || got[6] != 60 {
		t.Errorf("unexpected default retention offsets: %v", got)
	}
}

func TestValidateRejectsBadWeights(t *testing.T) {

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{
			name: "segmentation weights not summing to one",
			mutate: func(c *Config) {
				c.Segmentation.RecencyWeight = 0.5
			},
		},
		{
			name: "confidence weights not summing to one",
			mutate: func(c *Config) {
				c.Confidence.SizeWeight = 0.9
			},
		},
		{
			name: "dolphin percentile above whale",
			mutate: func(c *Config) {
				c.Segmentation.DolphinPercentile = 99
			},
		},
		{
			name: "retention offsets not ascending",
			mutate: func(c *Config) {
				c.Retention.Offsets = []int{0, 7, 3}
			},
		},
		{
			name: "retention offsets missing day zero",
			mutate: func(c *Config) {
				c.Retention.Offsets = []int{1, 7}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("engine:\n  lookback_days: 14\n  target_schema: reporting\nsegmentation:\n  churn_days: 21\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Engine.LookbackDays != 14 {
		t.Errorf("expected lookback 14, got %d", cfg.Engine.LookbackDays)
	}
	if cfg.Engine.TargetSchema != "reporting" {
		t.Errorf("expected target schema reporting, got %s", cfg.Engine.TargetSchema)
	}
	if cfg.Segmentation.ChurnDays != 21 {
		t.Errorf("expected churn days 21, got %d", cfg.Segmentation.ChurnDays)
	}
	// Untouched keys keep their defaults.
	if cfg.Engine.MaxRetries != 3 {
		t.Errorf("expected default max retries 3, got %d", cfg.Engine.MaxRetries)
	}
}

func TestEnvTransformFunc(t *testing.T) {

	tests := []struct {
		in   string
		want string
	}{
		{"COHORTFORGE_ENGINE_LOOKBACK_DAYS", "engine.lookback_days"},
		{"COHORTFORGE_LOGGING_LEVEL", "logging.level"},
		{"COHORTFORGE_SEGMENTATION_CHURN_DAYS", "segmentation.churn_days"},
	}

	for _, tt := range tests {
		if got := envTransformFunc(tt.in); got != tt.want {
			t.Errorf("envTransformFunc(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
