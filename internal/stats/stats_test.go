// Cohortforge - Event Aggregation and Segmentation Engine
// Copyright 2026 Cohortforge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cohortforge/cohortforge

package stats

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPercentile(t *testing.T) {

	tests := []struct {
		name   string
		values []float64
		p      float64
		want   float64
	}{
		{"empty slice", nil, 50, 0},
		{"single value", []float64{7}, 95, 7},
		{"p0 is minimum", []float64{3, 1, 2}, 0, 1},
		{"p100 is maximum", []float64{3, 1, 2}, 100, 3},
		{"median of odd count", []float64{1, 2, 3, 4, 5}, 50, 3},
		{"median interpolates even count", []float64{1, 2, 3, 4}, 50, 2.5},
		{"p25 interpolates", []float64{0, 10, 20, 30}, 25, 7.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Percentile(tt.values, tt.p); !almostEqual(got, tt.want) {
				t.Errorf("Percentile(%v, %v) = %v, want %v", tt.values, tt.p, got, tt.want)
			}
		})
	}
}

func TestPercentileDoesNotMutateInput(t *testing.T) {

	values := []float64{5, 1, 3}
	Percentile(values, 50)
	if values[0] != 5 || values[1] != 1 || values[2] != 3 {
		t.Errorf("input slice was mutated: %v", values)
	}
}

func TestMinMaxNormalize(t *testing.T) {

	t.Run("maps onto unit interval", func(t *testing.T) {
		got := MinMaxNormalize([]float64{10, 20, 30})
		want := []float64{0, 0.5, 1}
		for i := range want {
			if !almostEqual(got[i], want[i]) {
				t.Errorf("index %d: got %v, want %v", i, got[i], want[i])
			}
		}
	})

	t.Run("zero variance yields 0.5 everywhere", func(t *testing.T) {
		got := MinMaxNormalize([]float64{4, 4, 4})
		for i, v := range got {
			if v != 0.5 {
				t.Errorf("index %d: got %v, want 0.5", i, v)
			}
		}
	})

	t.Run("empty input yields empty output", func(t *testing.T) {
		if got := MinMaxNormalize(nil); len(got) != 0 {
			t.Errorf("expected empty slice, got %v", got)
		}
	})
}

func TestStdDevAndCV(t *testing.T) {

	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	if got := StdDev(values); !almostEqual(got, 2) {
		t.Errorf("StdDev = %v, want 2", got)
	}
	if got := CoefficientOfVariation(values); !almostEqual(got, 0.4) {
		t.Errorf("CV = %v, want 0.4", got)
	}

	if got := CoefficientOfVariation([]float64{0, 0}); got != 0 {
		t.Errorf("CV of zero-mean values should be 0, got %v", got)
	}
}

func TestClip(t *testing.T) {

	if got := Clip(1.5, 0, 1); got != 1 {
		t.Errorf("Clip above = %v, want 1", got)
	}
	if got := Clip(-0.5, 0, 1); got != 0 {
		t.Errorf("Clip below = %v, want 0", got)
	}
	if got := Clip(0.3, 0, 1); got != 0.3 {
		t.Errorf("Clip inside = %v, want 0.3", got)
	}
}
