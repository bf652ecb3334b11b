// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package retention computes per-cohort retention rates at configured day
// offsets.
//
// Offset 0 is always 1.0: cohort membership is defined by activity on the
// cohort date. Offsets beyond the data's observable horizon are absent
// from the result entirely, never reported as zero, and retention is not
// assumed monotonic in offset: users lapse and return. Small cohorts are
// computed and flagged low-confidence rather than dropped.
package retention

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/confidence"
	"github.com/cohortforge/cohortforge/internal/models"
)

// Calculator derives retention cohorts from fact rows.
type Calculator struct {
	cfg     config.RetentionConfig
	scorer  *confidence.Scorer
	workers int
}

// NewCalculator validates the offset configuration and returns a Calculator.
func NewCalculator(cfg config.RetentionConfig, scorer *confidence.Scorer, workers int) (*Calculator, error) {
	if len(cfg.Offsets) == 0 {
		return nil, models.NewConfigurationError("retention.offsets", "no offsets configured")
	}
	if cfg.Offsets[0] != 0 {
		return nil, models.NewConfigurationError("retention.offsets",
			"offsets must start at 0, got %v", cfg.Offsets)
	}
	for i := 1; i < len(cfg.Offsets); i++ {
		if cfg.Offsets[i] <= cfg.Offsets[i-1] {
			return nil, models.NewConfigurationError("retention.offsets",
				"offsets must be strictly ascending, got %v", cfg.Offsets)
		}
	}
	if cfg.MinCohortSize < 1 {
		return nil, models.NewConfigurationError("retention.min_cohort_size",
			"must be at least 1, got %d", cfg.MinCohortSize)
	}
	if workers <= 0 {
		workers = 4
	}
	return &Calculator{cfg: cfg, scorer: scorer, workers: workers}, nil
}

// cohortData is the per-cohort activity index: which members were active
// at which dates.
type cohortData struct {
	date    time.Time
	members map[string]struct{}
	// activeByDay maps a fact date to the distinct members active on it.
	activeByDay map[time.Time]map[string]struct{}
}

// Compute derives the retention cohorts and the cross-cohort average curve.
// Cohorts are independent partitions, processed in parallel.
func (c *Calculator) Compute(ctx context.Context, facts []models.UserDailyFact, runHash string) ([]models.RetentionCohort, models.RetentionCurve, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	byDate := make(map[time.Time]*cohortData)
	var horizon time.Time
	for i := range facts {
		f := &facts[i]
		cd, ok := byDate[f.CohortDate]
		if !ok {
			cd = &cohortData{
				date:        f.CohortDate,
				members:     make(map[string]struct{}),
				activeByDay: make(map[time.Time]map[string]struct{}),
			}
			byDate[f.CohortDate] = cd
		}
		cd.members[f.UserID] = struct{}{}
		day, ok := cd.activeByDay[f.Date]
		if !ok {
			day = make(map[string]struct{})
			cd.activeByDay[f.Date] = day
		}
		day[f.UserID] = struct{}{}
		if f.Date.After(horizon) {
			horizon = f.Date
		}
	}

	dates := make([]time.Time, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	cohorts := make([]models.RetentionCohort, len(dates))

	var wg sync.WaitGroup
	sem := make(chan struct{}, c.workers)
	for i, date := range dates {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, cd *cohortData) {
			defer wg.Done()
			defer func() { <-sem }()
			cohorts[i] = c.cohort(cd, horizon, runHash)
		}(i, byDate[date])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	return cohorts, averageCurve(cohorts), nil
}

// cohort computes one cohort's points over the configured offsets.
func (c *Calculator) cohort(cd *cohortData, horizon time.Time, runHash string) models.RetentionCohort {
	size := len(cd.members)
	out := models.RetentionCohort{
		CohortDate: cd.date,
		Size:       size,
		Points:     make([]models.RetentionPoint, 0, len(c.cfg.Offsets)),
	}

	conf := c.scorer.ScoreCount(size)
	for _, offset := range c.cfg.Offsets {
		target := cd.date.AddDate(0, 0, offset)
		if target.After(horizon) {
			// Beyond the observable horizon; absent, not zero.
			continue
		}

		active := len(cd.activeByDay[target])
		rate := 0.0
		if size > 0 {
			rate = float64(active) / float64(size)
		}
		if offset == 0 {
			rate = 1.0
			active = size
		}

		out.Points = append(out.Points, models.RetentionPoint{
			Offset:        offset,
			RetentionRate: rate,
			ActiveUsers:   active,
			CohortSize:    size,
			Confidence:    conf.Score,
			LowConfidence: size < c.cfg.MinCohortSize,
			RunHash:       runHash,
		})
	}
	return out
}

// averageCurve is the unweighted mean retention rate per offset across the
// cohorts that observed that offset.
func averageCurve(cohorts []models.RetentionCohort) models.RetentionCurve {
	sums := make(map[int]float64)
	counts := make(map[int]int)
	for _, cohort := range cohorts {
		for _, p := range cohort.Points {
			sums[p.Offset] += p.RetentionRate
			counts[p.Offset]++
		}
	}

	curve := make(models.RetentionCurve, len(sums))
	for offset, sum := range sums {
		curve[offset] = sum / float64(counts[offset])
	}
	return curve
}
