package scanner

import (
	"math"

	"golang.org/x/exp/constraints"
)

// Percentile returns the p-th percentile (0.0 to 1.0) of a sorted sample
// using linear interpolation between the two nearest ranks.
// Returns the zero value for an empty sample.
func Percentile[T constraints.Integer](sorted []T, p float64) T {
	if len(sorted) == 0 {
		return 0
	}

	k := float64(len(sorted)-1) * p
	f := math.Floor(k)
	c := math.Ceil(k)
	if f == c {
		return sorted[int(k)]
	}

	d0 := float64(sorted[int(f)]) * (c - k)
	d1 := float64(sorted[int(c)]) * (k - f)
	return T(d0 + d1)
}

// AlignUp rounds x up to the next multiple of a.
func AlignUp[T constraints.Unsigned](x, a T) T {
	if r := x % a; r != 0 {
		return x + a - r
	}
	return x
}
