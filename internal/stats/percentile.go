package stats

import (
	"math"
	"sort"
)

// Percentile returns the p-th percentile (0..100) of sorted using linear
// interpolation between closest ranks: rank = p/100 * (n-1).
// sorted must be in ascending order. Returns 0 for an empty slice.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Distribute computes min/avg/max and p50/p75/p95/p99 of values.
// values is sorted in place.
func Distribute(values []float64) Distribution {
	if len(values) == 0 {
		return Distribution{}
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	return Distribution{
		Min: values[0],
		Avg: sum / float64(len(values)),
		Max: values[len(values)-1],
		P50: Percentile(values, 50),
		P75: Percentile(values, 75),
		P95: Percentile(values, 95),
		P99: Percentile(values, 99),
	}
}
