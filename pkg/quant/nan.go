// Package quant holds NaN-aware numeric helpers shared by the aggregation and
// division hot paths. Missing observations are represented as NaN throughout.
package quant

import "math"

// NaN returns a quiet NaN.
func NaN() float64 {
	return math.NaN()
}

// IsNaN reports whether v is a missing observation.
func IsNaN(v float64) bool {
	return math.IsNaN(v)
}

// NanMax returns the largest non-NaN value of values, or NaN if none exist.
func NanMax(values ...float64) float64 {
	out := math.NaN()
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(out) || v > out {
			out = v
		}
	}
	return out
}

// NanMin returns the smallest non-NaN value of values, or NaN if none exist.
func NanMin(values ...float64) float64 {
	out := math.NaN()
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if math.IsNaN(out) || v < out {
			out = v
		}
	}
	return out
}

// NanSum sums values treating NaN as zero. An empty input sums to zero.
func NanSum(values ...float64) float64 {
	var sum float64
	for _, v := range values {
		if !math.IsNaN(v) {
			sum += v
		}
	}
	return sum
}

// FirstValid returns the first non-NaN value and true, or NaN and false.
func FirstValid(values []float64) (float64, bool) {
	for _, v := range values {
		if !math.IsNaN(v) {
			return v, true
		}
	}
	return math.NaN(), false
}

// LastValid returns the last non-NaN value and true, or NaN and false.
func LastValid(values []float64) (float64, bool) {
	for i := len(values) - 1; i >= 0; i-- {
		if !math.IsNaN(values[i]) {
			return values[i], true
		}
	}
	return math.NaN(), false
}

// ZeroIfNaN maps NaN to 0.
func ZeroIfNaN(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
