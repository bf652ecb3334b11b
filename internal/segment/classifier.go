// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package segment classifies users into revenue and behavioral segments.
//
// Thresholds are percentiles of the current run's own distributions, never
// fixed constants: the population changes every run, so a whale this month
// may be a dolphin the next. The classifier computes thresholds once per
// run and shares them by reference with the summary builder so every
// consumer sees identical boundaries.
package segment

import (
	"context"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/models"
	"github.com/cohortforge/cohortforge/internal/stats"
)

// Thresholds holds the per-run segment boundaries. Computed once per run
// from the population's own distributions.
type Thresholds struct {
	WhaleRevenue       float64 `json:"whale_revenue"`
	DolphinRevenue     float64 `json:"dolphin_revenue"`
	HighEngagement     float64 `json:"high_engagement"`
	ModerateEngagement float64 `json:"moderate_engagement"`

	// Population is the number of distinct users the thresholds were
	// derived from.
	Population int `json:"population"`
}

// UserProfile is the per-user aggregate the classifier derives from fact
// rows and classifies. Profiles are ordered by UserID.
type UserProfile struct {
	UserID string

	ActiveDays          int
	SessionCount        int
	TotalSessionMinutes float64
	TotalEvents         int
	TotalRevenue        float64

	LastActive         time.Time
	DaysSinceLastEvent int

	EngagementScore   float64
	RevenueSegment    models.RevenueSegment
	BehavioralSegment models.BehavioralSegment
}

// Assignment is the classifier's output: the annotated fact rows, the
// per-user profiles, and the thresholds that produced them.
type Assignment struct {
	Facts      []models.UserDailyFact
	Profiles   []UserProfile
	Thresholds *Thresholds
}

// Classifier assigns engagement scores and segments.
type Classifier struct {
	cfg     config.SegmentationConfig
	workers int
}

// NewClassifier validates the engagement weights and returns a Classifier.
// Weights must sum to 1.0 within config.WeightTolerance. workers <= 0 means
// GOMAXPROCS.
func NewClassifier(cfg config.SegmentationConfig, workers int) (*Classifier, error) {
	if math.Abs(cfg.WeightSum()-1.0) > config.WeightTolerance {
		return nil, models.NewConfigurationError("segmentation weights",
			"engagement weights must sum to 1.0, got %v", cfg.WeightSum())
	}
	if cfg.ChurnDays < 1 {
		return nil, models.NewConfigurationError("segmentation.churn_days",
			"must be at least 1, got %d", cfg.ChurnDays)
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Classifier{cfg: cfg, workers: workers}, nil
}

// Assign computes engagement scores and assigns both segment dimensions.
// Every user receives exactly one RevenueSegment and one BehavioralSegment;
// the annotations are written onto every fact row of the user. asOf anchors
// the recency signal, normally the report window's end date.
func (c *Classifier) Assign(ctx context.Context, facts []models.UserDailyFact, asOf time.Time) (*Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	profiles := buildProfiles(facts, asOf)
	c.scoreEngagement(profiles)
	thresholds := c.computeThresholds(profiles)

	// Classification is independent per user; parallel over profiles.
	parallelChunks(c.workers, len(profiles), func(start, end int) {
		for i := start; i < end; i++ {
			c.classify(&profiles[i], thresholds)
		}
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byUser := make(map[string]*UserProfile, len(profiles))
	for i := range profiles {
		byUser[profiles[i].UserID] = &profiles[i]
	}
	parallelChunks(c.workers, len(facts), func(start, end int) {
		for i := start; i < end; i++ {
			p := byUser[facts[i].UserID]
			if p == nil {
				continue
			}
			facts[i].EngagementScore = p.EngagementScore
			facts[i].RevenueSegment = p.RevenueSegment
			facts[i].BehavioralSegment = p.BehavioralSegment
		}
	})

	return &Assignment{Facts: facts, Profiles: profiles, Thresholds: thresholds}, nil
}

// buildProfiles folds fact rows into per-user aggregates, ordered by
// UserID for deterministic downstream output.
func buildProfiles(facts []models.UserDailyFact, asOf time.Time) []UserProfile {
	byUser := make(map[string]*UserProfile, len(facts))
	for i := range facts {
		f := &facts[i]
		p, ok := byUser[f.UserID]
		if !ok {
			p = &UserProfile{UserID: f.UserID}
			byUser[f.UserID] = p
		}
		p.ActiveDays++
		p.SessionCount += f.SessionCount
		p.TotalSessionMinutes += f.TotalSessionMinutes
		p.TotalEvents += f.TotalEvents
		p.TotalRevenue += f.TotalRevenue
		if f.Date.After(p.LastActive) {
			p.LastActive = f.Date
		}
	}

	profiles := make([]UserProfile, 0, len(byUser))
	for _, p := range byUser {
		days := int(asOf.Sub(p.LastActive).Hours() / 24)
		if days < 0 {
			days = 0
		}
		p.DaysSinceLastEvent = days
		profiles = append(profiles, *p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].UserID < profiles[j].UserID })
	return profiles
}

// scoreEngagement derives the four raw signals, min-max normalizes each
// across the population, and combines them by the configured weights. A
// zero-variance signal normalizes to 0.5 everywhere.
func (c *Classifier) scoreEngagement(profiles []UserProfile) {
	n := len(profiles)
	if n == 0 {
		return
	}

	sessionFreq := make([]float64, n)
	sessionDur := make([]float64, n)
	eventFreq := make([]float64, n)
	recency := make([]float64, n)
	for i := range profiles {
		p := &profiles[i]
		days := float64(p.ActiveDays)
		if days < 1 {
			days = 1
		}
		sessionFreq[i] = float64(p.SessionCount) / days
		if p.SessionCount > 0 {
			sessionDur[i] = p.TotalSessionMinutes / float64(p.SessionCount)
		}
		eventFreq[i] = float64(p.TotalEvents) / days
		recency[i] = 1 / (1 + float64(p.DaysSinceLastEvent))
	}

	sessionFreq = stats.MinMaxNormalize(sessionFreq)
	sessionDur = stats.MinMaxNormalize(sessionDur)
	eventFreq = stats.MinMaxNormalize(eventFreq)
	recency = stats.MinMaxNormalize(recency)

	for i := range profiles {
		score := c.cfg.SessionFrequencyWeight*sessionFreq[i] +
			c.cfg.SessionDurationWeight*sessionDur[i] +
			c.cfg.EventFrequencyWeight*eventFreq[i] +
			c.cfg.RecencyWeight*recency[i]
		profiles[i].EngagementScore = stats.Clip(score, 0, 1)
	}
}

// computeThresholds derives the run's segment boundaries from the revenue
// and engagement distributions.
func (c *Classifier) computeThresholds(profiles []UserProfile) *Thresholds {
	revenues := make([]float64, len(profiles))
	scores := make([]float64, len(profiles))
	for i := range profiles {
		revenues[i] = profiles[i].TotalRevenue
		scores[i] = profiles[i].EngagementScore
	}
	sort.Float64s(revenues)
	sort.Float64s(scores)

	return &Thresholds{
		WhaleRevenue:       stats.PercentileSorted(revenues, c.cfg.WhalePercentile),
		DolphinRevenue:     stats.PercentileSorted(revenues, c.cfg.DolphinPercentile),
		HighEngagement:     stats.PercentileSorted(scores, c.cfg.HighEngagementPercentile),
		ModerateEngagement: stats.PercentileSorted(scores, c.cfg.ModerateEngagementPercentile),
		Population:         len(profiles),
	}
}

// classify assigns both dimensions. Exactly zero revenue means free_user
// regardless of thresholds; prolonged inactivity forces churned regardless
// of engagement score.
func (c *Classifier) classify(p *UserProfile, t *Thresholds) {
	switch {
	case p.TotalRevenue == 0:
		p.RevenueSegment = models.SegmentFreeUser
	case p.TotalRevenue >= t.WhaleRevenue:
		p.RevenueSegment = models.SegmentWhale
	case p.TotalRevenue >= t.DolphinRevenue:
		p.RevenueSegment = models.SegmentDolphin
	default:
		p.RevenueSegment = models.SegmentMinnow
	}

	switch {
	case p.DaysSinceLastEvent > c.cfg.ChurnDays:
		p.BehavioralSegment = models.SegmentChurned
	case p.EngagementScore >= t.HighEngagement:
		p.BehavioralSegment = models.SegmentHighEngagement
	case p.EngagementScore < t.ModerateEngagement:
		p.BehavioralSegment = models.SegmentLowEngagement
	default:
		p.BehavioralSegment = models.SegmentModerateEngagement
	}
}

// parallelChunks splits [0, n) into at most workers contiguous ranges and
// runs fn on each concurrently. Partitions are independent; no locking.
func parallelChunks(workers, n int, fn func(start, end int)) {
	if n == 0 {
		return
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := start + chunk
		if end > n {
			end = n
		}
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}
