// Package mathx contains the scalar reductions used to collapse per-pixel maps
// into one representative value.
package mathx

import (
	"encoding/json"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// sorted returns a sorted copy of xs
func sorted(xs []float64) []float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	return s
}

// Median returns the median of xs, averaging the two central values when len(xs) is even.
// It returns NaN for empty input.  xs is not modified.
func Median(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return midpoint(sorted(xs), 50)
}

// Percentile returns the q-th percentile (0 <= q <= 100) of xs.  When the rank
// falls between two samples the midpoint of the two is used.
// It returns NaN for empty input or q outside [0, 100].
func Percentile(xs []float64, q float64) float64 {
	if len(xs) == 0 || q < 0 || q > 100 || math.IsNaN(q) {
		return math.NaN()
	}
	return midpoint(sorted(xs), q)
}

// midpoint computes a percentile of already sorted data
func midpoint(s []float64, q float64) float64 {
	rank := q / 100 * float64(len(s)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	return (s[lo] + s[hi]) / 2
}

// Summary holds the distribution of values in a map
type Summary struct {
	Mean  float64 `json:"mean" yaml:"mean"`
	Std   float64 `json:"std" yaml:"std"`
	Min   float64 `json:"min" yaml:"min"`
	P0p1  float64 `json:"p0.1" yaml:"p0.1"`
	P1    float64 `json:"p1" yaml:"p1"`
	P25   float64 `json:"p25" yaml:"p25"`
	P50   float64 `json:"p50" yaml:"p50"`
	P75   float64 `json:"p75" yaml:"p75"`
	P99   float64 `json:"p99" yaml:"p99"`
	P99p9 float64 `json:"p99.9" yaml:"p99.9"`
	Max   float64 `json:"max" yaml:"max"`
}

// Summarize computes a Summary of xs.  Std is the population standard deviation.
// xs must not be empty.
func Summarize(xs []float64) Summary {
	s := sorted(xs)
	mean, variance := stat.PopMeanVariance(s, nil)
	return Summary{
		Mean:  mean,
		Std:   math.Sqrt(variance),
		Min:   floats.Min(s),
		P0p1:  midpoint(s, 0.1),
		P1:    midpoint(s, 1),
		P25:   midpoint(s, 25),
		P50:   midpoint(s, 50),
		P75:   midpoint(s, 75),
		P99:   midpoint(s, 99),
		P99p9: midpoint(s, 99.9),
		Max:   floats.Max(s),
	}
}

// JSONFloat is a float64 which encodes NaN and infinities as JSON null
type JSONFloat float64

// MarshalJSON implements json.Marshaler
func (f JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}
