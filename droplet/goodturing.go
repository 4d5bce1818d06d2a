package droplet

import (
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/stat"
)

// goodTuringProportions converts integer gene counts into expression
// proportions with the Simple Good-Turing estimator, so that genes never
// observed in the ambient pool still receive a small positive proportion.
// The result sums to one.
func goodTuringProportions(counts []float64) ([]float64, error) {
	freq := map[int]float64{} // count -> number of genes with that count
	var total float64
	zeros := 0
	for _, c := range counts {
		r := int(math.Round(c))
		if r <= 0 {
			zeros++
			continue
		}
		freq[r]++
		total += float64(r)
	}
	if total == 0 {
		return nil, errors.E(errors.Precondition, "droplet: ambient pool has no counts; lower the threshold or provide more barcodes")
	}
	rs := make([]int, 0, len(freq))
	for r := range freq {
		rs = append(rs, r)
	}
	sort.Ints(rs)

	p0 := freq[1] / total
	if zeros == 0 {
		p0 = 0
	}

	rstar := make(map[int]float64, len(rs))
	if len(rs) < 2 {
		for _, r := range rs {
			rstar[r] = float64(r)
		}
	} else {
		// Averaged frequencies Z_r, then a log-log linear smoother S(r).
		logR := make([]float64, len(rs))
		logZ := make([]float64, len(rs))
		for i, r := range rs {
			q := 0.0
			if i > 0 {
				q = float64(rs[i-1])
			}
			t := 2*float64(r) - q
			if i+1 < len(rs) {
				t = float64(rs[i+1])
			}
			logR[i] = math.Log(float64(r))
			logZ[i] = math.Log(2 * freq[r] / (t - q))
		}
		a, b := stat.LinearRegression(logR, logZ, nil, false)
		smooth := func(r float64) float64 { return math.Exp(a + b*math.Log(r)) }

		useTuring := true
		for _, r := range rs {
			fr := float64(r)
			y := (fr + 1) * smooth(fr+1) / smooth(fr)
			nr, next := freq[r], freq[r+1]
			if useTuring && next > 0 {
				x := (fr + 1) * next / nr
				bound := 1.96 * math.Sqrt((fr+1)*(fr+1)*next/(nr*nr)*(1+next/nr))
				if math.Abs(x-y) > bound {
					rstar[r] = x
					continue
				}
			}
			useTuring = false
			rstar[r] = y
		}
	}

	var norm float64
	for _, r := range rs {
		norm += freq[r] * rstar[r]
	}
	props := make([]float64, len(counts))
	var sum float64
	for i, c := range counts {
		r := int(math.Round(c))
		if r <= 0 {
			props[i] = p0 / float64(zeros)
		} else {
			props[i] = (1 - p0) * rstar[r] / norm
		}
		sum += props[i]
	}
	for i := range props {
		props[i] /= sum
	}
	return props, nil
}
