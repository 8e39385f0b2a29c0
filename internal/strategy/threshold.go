package strategy

import (
	"math"
	"sort"
)

// minimum sample count for a meaningful quartile split
const quartileMinSamples = 4

// DynamicThreshold turns the cycle's cross-symbol funding distribution into
// one entry threshold shared by every symbol. A flat market (median pinned to
// the first quartile) relaxes to the low bound; a hot market (median at or
// above the third quartile) demands the high bound.
func DynamicThreshold(enabled bool, rates []float64, base, low, high float64) float64 {
	if !enabled || len(rates) == 0 {
		return base
	}
	sorted := append([]float64(nil), rates...)
	sort.Float64s(sorted)
	median := quantile(sorted, 0.5)
	if len(sorted) < quartileMinSamples {
		// Too few samples for quartiles; compare the median against the
		// midpoints of (low, base) and (base, high) instead.
		switch {
		case median <= (low+base)/2:
			return low
		case median >= (base+high)/2:
			return high
		default:
			return base
		}
	}
	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	switch {
	case median <= q1:
		return low
	case median >= q3:
		return high
	default:
		return base
	}
}

// quantile picks the nearest-rank element of a sorted slice.
func quantile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
