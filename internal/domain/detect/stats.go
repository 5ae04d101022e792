package detect

import (
	"math"
	"sort"
)

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// populationStdDev uses the population form (divide by n, not n-1); the
// group is the whole population, not a sample of one.
func populationStdDev(values []float64, avg float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		d := v - avg
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}

// coefficientOfVariation is stddev/mean, a scale-free spread measure.
// Returns +Inf for a zero mean with nonzero spread so callers reject it.
func coefficientOfVariation(values []float64) float64 {
	avg := mean(values)
	sd := populationStdDev(values, avg)
	if avg == 0 {
		if sd == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return sd / math.Abs(avg)
}

// median of values; does not modify the input slice.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
