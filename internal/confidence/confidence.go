// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package confidence derives a [0,1] trust score for a computed statistic
// from three saturating factors: sample-size adequacy, completeness of the
// metric-relevant fields, and stability (inverse coefficient of variation).
// Scoring is deterministic and total: it never fails, and an empty sample
// scores 0.0 with an insufficient-sample flag.
package confidence

import (
	"math"

	"github.com/cohortforge/cohortforge/internal/config"
	"github.com/cohortforge/cohortforge/internal/models"
	"github.com/cohortforge/cohortforge/internal/stats"
)

// Sample is the subset of observations backing one statistic.
type Sample struct {
	// Values are the metric observations the statistic was computed from.
	Values []float64

	// NonNull and Total describe field completeness for the metric. When
	// Total is zero the sample is treated as fully complete.
	NonNull int
	Total   int
}

// Result is a scored sample.
type Result struct {
	Score              float64
	InsufficientSample bool
}

// Scorer combines the three factors via a configured weighted sum.
type Scorer struct {
	cfg config.ConfidenceConfig
}

// NewScorer validates the factor weights and returns a Scorer. Weights must
// sum to 1.0 within config.WeightTolerance.
func NewScorer(cfg config.ConfidenceConfig) (*Scorer, error) {
	if math.Abs(cfg.WeightSum()-1.0) > config.WeightTolerance {
		return nil, models.NewConfigurationError("confidence weights",
			"must sum to 1.0, got %v", cfg.WeightSum())
	}
	if cfg.MinimumSample < 1 {
		return nil, models.NewConfigurationError("confidence.minimum_sample",
			"must be at least 1, got %d", cfg.MinimumSample)
	}
	return &Scorer{cfg: cfg}, nil
}

// Score rates the sample. Each factor is clipped to [0,1] before the
// weighted combination, so the result is always within [0,1].
func (s *Scorer) Score(sample Sample) Result {
	n := len(sample.Values)
	if n == 0 {
		return Result{Score: 0, InsufficientSample: true}
	}

	size := stats.Clip(float64(n)/float64(s.cfg.MinimumSample), 0, 1)

	completeness := 1.0
	if sample.Total > 0 {
		completeness = stats.Clip(float64(sample.NonNull)/float64(sample.Total), 0, 1)
	}

	cv := stats.CoefficientOfVariation(sample.Values)
	stability := stats.Clip(1/(1+cv), 0, 1)

	score := s.cfg.SizeWeight*size +
		s.cfg.CompletenessWeight*completeness +
		s.cfg.StabilityWeight*stability

	return Result{
		Score:              stats.Clip(score, 0, 1),
		InsufficientSample: n < s.cfg.MinimumSample,
	}
}

// ScoreCount rates a statistic backed only by a count of observations, with
// no per-observation values (e.g. a retention rate over n users). Stability
// is treated as neutral for such samples.
func (s *Scorer) ScoreCount(n int) Result {
	if n <= 0 {
		return Result{Score: 0, InsufficientSample: true}
	}

	size := stats.Clip(float64(n)/float64(s.cfg.MinimumSample), 0, 1)
	score := s.cfg.SizeWeight*size + s.cfg.CompletenessWeight + s.cfg.StabilityWeight

	return Result{
		Score:              stats.Clip(score, 0, 1),
		InsufficientSample: n < s.cfg.MinimumSample,
	}
}
