// Package stats holds small statistical helpers shared by the analysis
// stages: robust location/scale, multiple-testing corrections, p-value
// combination and reproducible random streams.
package stats

import (
	"encoding/binary"
	"math"
	"sort"

	farm "github.com/dgryski/go-farm"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
)

// MADConstant scales the median absolute deviation so that it estimates the
// standard deviation of normally distributed data.
const MADConstant = 1.4826

// Median returns the median of the non-NaN values of x, or NaN if there are
// none. x is not modified.
func Median(x []float64) float64 {
	v := finite(x)
	if len(v) == 0 {
		return math.NaN()
	}
	sort.Float64s(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}

// MAD returns the scaled median absolute deviation of the non-NaN values of
// x around center.
func MAD(x []float64, center float64) float64 {
	v := finite(x)
	if len(v) == 0 {
		return math.NaN()
	}
	for i := range v {
		v[i] = math.Abs(v[i] - center)
	}
	return MADConstant * Median(v)
}

// Quantile returns the empirical p-quantile of the non-NaN values of x.
func Quantile(p float64, x []float64) float64 {
	v := finite(x)
	if len(v) == 0 {
		return math.NaN()
	}
	sort.Float64s(v)
	return stat.Quantile(p, stat.Empirical, v, nil)
}

func finite(x []float64) []float64 {
	v := make([]float64, 0, len(x))
	for _, f := range x {
		if !math.IsNaN(f) {
			v = append(v, f)
		}
	}
	return v
}

// AdjustBH applies the Benjamini-Hochberg correction. NaN p-values are
// treated as untested: they stay NaN and do not count towards the number of
// tests.
func AdjustBH(p []float64) []float64 {
	out := make([]float64, len(p))
	idx := make([]int, 0, len(p))
	for i, v := range p {
		if math.IsNaN(v) {
			out[i] = math.NaN()
			continue
		}
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] > p[idx[b]] })
	n := float64(len(idx))
	min := 1.0
	for r, i := range idx {
		rank := n - float64(r)
		q := p[i] * n / rank
		if q < min {
			min = q
		}
		out[i] = min
	}
	return out
}

// AdjustHolm applies the Holm step-down correction, with NaN handled as in
// AdjustBH.
func AdjustHolm(p []float64) []float64 {
	out := make([]float64, len(p))
	idx := make([]int, 0, len(p))
	for i, v := range p {
		if math.IsNaN(v) {
			out[i] = math.NaN()
			continue
		}
		idx = append(idx, i)
	}
	sort.SliceStable(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })
	n := float64(len(idx))
	max := 0.0
	for r, i := range idx {
		q := math.Min(1, p[i]*(n-float64(r)))
		if q > max {
			max = q
		}
		out[i] = max
	}
	return out
}

// Seed derives a 64-bit seed for the stream identified by ids under the
// given base seed. Streams are independent of the order in which they are
// requested.
func Seed(base uint64, ids ...uint64) uint64 {
	buf := make([]byte, 8*len(ids))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[8*i:], id)
	}
	return farm.Hash64WithSeed(buf, base)
}

// NewSource returns a deterministic random source for the stream ids under
// base.
func NewSource(base uint64, ids ...uint64) rand.Source {
	return rand.NewSource(Seed(base, ids...))
}

// NewRand returns a deterministic generator for the stream ids under base.
func NewRand(base uint64, ids ...uint64) *rand.Rand {
	return rand.New(NewSource(base, ids...))
}
