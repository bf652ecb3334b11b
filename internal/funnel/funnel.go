// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package funnel derives ordered conversion statistics over milestone
// stages.
//
// A user reaches stage k when a qualifying stage-k event occurs at or
// after their stage-0 event, and only if they reached stage k-1; reaching
// is cumulative, so the conversion rate is non-increasing by construction.
// The entry population is the set of users with a stage-0 event, making
// conversion_rate(0) exactly 1.0 whenever anyone enters. With no entrants
// every 0/0 rate resolves to 0.0, with zero confidence and no medians; an
// empty population converts nobody rather than everybody.
package funnel

import (
	"context"
	"time"

	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/confidence"
	"github.com/cohortforge/cohortforge/internal/models"
	"github.com/cohortforge/cohortforge/internal/stats"
)

// Analyzer computes funnel stage statistics from fact rows.
type Analyzer struct {
	scorer *confidence.Scorer
}

// NewAnalyzer returns an Analyzer using the given confidence scorer.
func NewAnalyzer(scorer *confidence.Scorer) *Analyzer {
	return &Analyzer{scorer: scorer}
}

// Stages resolves the effective stage definition: the configured override
// when present, otherwise the mapping's discovered level events in rank
// order.
func Stages(cfg config.FunnelConfig, mapping models.FieldMapping) []string {
	if len(cfg.Stages) > 0 {
		return cfg.Stages
	}
	return mapping.LevelEvents
}

// Analyze computes per-stage reach, conversion, drop-off, and median
// time-to-stage over the given stage definition.
func (a *Analyzer) Analyze(ctx context.Context, facts []models.UserDailyFact, stages []string, runHash string) ([]models.FunnelStageResult, error) {
	if len(stages) == 0 {
		return nil, models.NewConfigurationError("funnel.stages",
			"no funnel stages: mapping has no level events and no override configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	firstSeen := stageFirstSeen(facts, stages)

	// entry holds each entering user's stage-0 time; reached narrows
	// cumulatively as stages progress.
	entry := make(map[string]time.Time)
	for user, seen := range firstSeen {
		if t0, ok := seen[stages[0]]; ok {
			entry[user] = t0
		}
	}

	results := make([]models.FunnelStageResult, 0, len(stages))
	reached := entry
	prevRate := 1.0
	entryCount := len(entry)

	for k, stage := range stages {
		var minutes []float64
		next := make(map[string]time.Time, len(reached))
		for user := range reached {
			t0 := entry[user]
			ts, ok := firstSeen[user][stage]
			if !ok || ts.Before(t0) {
				continue
			}
			next[user] = ts
			minutes = append(minutes, ts.Sub(t0).Minutes())
		}

		count := len(next)
		rate := 0.0
		if entryCount > 0 {
			rate = float64(count) / float64(entryCount)
		}

		dropOff := 0.0
		if k > 0 && prevRate > 0 {
			dropOff = 1 - rate/prevRate
		}

		row := models.FunnelStageResult{
			Index:          k,
			Stage:          stage,
			ReachedCount:   count,
			ConversionRate: rate,
			DropOffRate:    dropOff,
			SampleSize:     count,
			RunHash:        runHash,
		}
		if count > 0 {
			med := stats.Median(minutes)
			row.MedianMinutesToStage = &med
		}
		if k == 0 {
			row.Confidence = a.scorer.ScoreCount(count).Score
		} else {
			row.Confidence = a.scorer.Score(confidence.Sample{Values: minutes}).Score
		}

		results = append(results, row)
		reached = next
		prevRate = rate
	}

	return results, nil
}

// stageFirstSeen indexes each user's earliest occurrence of each stage
// event across their fact rows.
func stageFirstSeen(facts []models.UserDailyFact, stages []string) map[string]map[string]time.Time {
	wanted := make(map[string]struct{}, len(stages))
	for _, s := range stages {
		wanted[s] = struct{}{}
	}

	out := make(map[string]map[string]time.Time)
	for i := range facts {
		f := &facts[i]
		for event, metric := range f.Levels {
			if metric.FirstSeen == nil {
				continue
			}
			if _, ok := wanted[event]; !ok {
				continue
			}
			seen, ok := out[f.UserID]
			if !ok {
				seen = make(map[string]time.Time, len(stages))
				out[f.UserID] = seen
			}
			if prev, ok := seen[event]; !ok || metric.FirstSeen.Before(prev) {
				seen[event] = *metric.FirstSeen
			}
		}
	}
	return out
}
