// Package stats summarises recorded speeds with the reporting percentiles
// used for traffic surveys: median, 85th and 98th.
package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes a set of speeds. All speed fields share the unit of
// the input.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P85    float64 `json:"p85"`
	P98    float64 `json:"p98"`
}

// Summarise computes a Summary of speeds. Non-finite values are skipped.
// The input slice is not modified.
func Summarise(speeds []float64) Summary {
	clean := make([]float64, 0, len(speeds))
	for _, v := range speeds {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			clean = append(clean, v)
		}
	}
	if len(clean) == 0 {
		return Summary{}
	}
	sort.Float64s(clean)

	mean, std := stat.MeanStdDev(clean, nil)
	if len(clean) < 2 {
		// Sample deviation is undefined for a single value.
		std = 0
	}
	return Summary{
		Count:  len(clean),
		Mean:   mean,
		StdDev: std,
		Max:    floats.Max(clean),
		P50:    stat.Quantile(0.50, stat.Empirical, clean, nil),
		P85:    stat.Quantile(0.85, stat.Empirical, clean, nil),
		P98:    stat.Quantile(0.98, stat.Empirical, clean, nil),
	}
}

// Scale returns s with every speed field multiplied by factor, for unit
// conversion. Count is unchanged.
func (s Summary) Scale(factor float64) Summary {
	s.Mean *= factor
	s.StdDev *= math.Abs(factor)
	s.Max *= factor
	s.P50 *= factor
	s.P85 *= factor
	s.P98 *= factor
	return s
}
