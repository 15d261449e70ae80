// Package aggregate computes descriptive statistics over per-item metric maps.
package aggregate

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/animus-labs/evalhub/internal/domain"
)

// Stats describes one metric key. Std is the sample standard deviation and is
// nil when fewer than two values were observed or it does not fit a float64.
type Stats struct {
	Mean  float64  `json:"mean"`
	Min   float64  `json:"min"`
	Max   float64  `json:"max"`
	Std   *float64 `json:"std"`
	Count int      `json:"count"`
}

// Summary is the aggregate over a set of metric maps. Count is the number of
// non-empty maps considered.
type Summary struct {
	Count   int              `json:"count"`
	Metrics map[string]Stats `json:"metrics"`
}

// Summarize aggregates every numeric key across items. Each key is computed
// over only the maps that contain it; non-numeric values are skipped.
func Summarize(items []domain.Metadata) Summary {
	values := make(map[string][]float64)
	count := 0
	for _, item := range items {
		if len(item) == 0 {
			continue
		}
		count++
		for key, raw := range item {
			if v, ok := domain.Numeric(raw); ok {
				values[key] = append(values[key], v)
			}
		}
	}

	out := Summary{Count: count, Metrics: make(map[string]Stats, len(values))}
	for key, xs := range values {
		out.Metrics[key] = describe(xs)
	}
	return out
}

// Means reduces a summary to the per-key means, keyed the same way.
func Means(s Summary) domain.Metadata {
	out := make(domain.Metadata, len(s.Metrics))
	for key, st := range s.Metrics {
		out[key] = st.Mean
	}
	return out
}

// Keys returns the summary's metric keys in sorted order.
func (s Summary) Keys() []string {
	keys := make([]string, 0, len(s.Metrics))
	for k := range s.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func describe(xs []float64) Stats {
	st := Stats{
		Mean:  stat.Mean(xs, nil),
		Min:   floats.Min(xs),
		Max:   floats.Max(xs),
		Count: len(xs),
	}
	if !finite(st.Mean) {
		st.Mean = runningMean(xs)
	}
	if len(xs) > 1 {
		std := stat.StdDev(xs, nil)
		if !finite(std) {
			std = scaledStdDev(xs, math.Max(math.Abs(st.Min), math.Abs(st.Max)))
		}
		if finite(std) {
			st.Std = &std
		}
	}
	return st
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// runningMean stays within [min, max] for finite inputs, where summing first
// can overflow.
func runningMean(xs []float64) float64 {
	var m float64
	for i, x := range xs {
		k := float64(i + 1)
		m = m - m/k + x/k
	}
	return m
}

func scaledStdDev(xs []float64, scale float64) float64 {
	if scale == 0 {
		return 0
	}
	scaled := make([]float64, len(xs))
	floats.ScaleTo(scaled, 1/scale, xs)
	return stat.StdDev(scaled, nil) * scale
}
