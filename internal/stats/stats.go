// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

// Package stats holds the small numeric helpers shared by the classifier,
// confidence scorer, retention calculator and funnel analyzer. Percentiles
// use linear interpolation between closest ranks, matching the store's
// PERCENTILE_CONT semantics so in-memory thresholds agree with SQL ones.
package stats

import (
	"math"
	"sort"
)

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation. Returns 0 for an empty slice. The input is not modified.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return percentileSorted(sorted, p)
}

// PercentileSorted is Percentile over an already ascending-sorted slice,
// avoiding the copy when the caller computes several percentiles at once.
func PercentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	if len(sorted) == 1 || p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}

	rank := (p / 100) * float64(len(sorted)-1)
	lower := int(rank)
	upper := lower + 1
	frac := rank - float64(lower)
	if upper >= len(sorted) {
		return sorted[lower]
	}
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// Median returns the 50th percentile.
func Median(values []float64) float64 {
	return Percentile(values, 50)
}

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev returns the population standard deviation, 0 for fewer than two
// values.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := Mean(values)
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

// CoefficientOfVariation returns stddev/mean, or 0 when the mean is zero.
func CoefficientOfVariation(values []float64) float64 {
	mean := Mean(values)
	if mean == 0 {
		return 0
	}
	return StdDev(values) / math.Abs(mean)
}

// MinMaxNormalize maps values onto [0,1] by the slice's own min and max.
// When every value is identical the signal carries no information, so all
// positions normalize to 0.5 rather than dividing by zero.
func MinMaxNormalize(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}

	minV, maxV := values[0], values[0]
	for _, v := range values[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	if maxV == minV {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}

	span := maxV - minV
	for i, v := range values {
		out[i] = (v - minV) / span
	}
	return out
}

// Clip bounds v to [lo, hi].
func Clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
