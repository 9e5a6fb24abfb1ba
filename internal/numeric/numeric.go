// Package numeric holds small generic helpers shared by the model, tree and
// training packages.
package numeric

import (
	"math"

	"golang.org/x/exp/constraints"
)

// ArgMax returns the index of the first maximum element, or -1 for an empty
// slice.
func ArgMax[T constraints.Ordered](values []T) int {
	if len(values) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}

// Clamp limits value to [lo, hi].
func Clamp[T constraints.Float | constraints.Integer](value, lo, hi T) T {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}

// AllFinite reports whether no element is NaN or ±Inf.
func AllFinite[T constraints.Float](values []T) bool {
	for _, v := range values {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// MinMaxMean summarizes values. An empty slice yields zeros.
func MinMaxMean[T constraints.Float](values []T) (lo, hi, mean T) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	lo, hi = values[0], values[0]
	for _, v := range values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
		mean += v
	}
	return lo, hi, mean / T(len(values))
}
