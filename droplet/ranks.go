// Package droplet separates cell-containing droplets from empty ones. It
// provides the barcode rank curve with its knee and inflection points, and
// the ambient-profile Monte Carlo test for individual barcodes.
package droplet

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/mat"
)

// RanksOpts configures BarcodeRanks.
type RanksOpts struct {
	// Lower is the total count at or below which barcodes are ignored when
	// locating the knee and inflection.
	Lower float64
	// ExcludeFrom is the number of highest-ranked barcodes excluded when
	// locating the inflection, so that a sharp drop among the few largest
	// barcodes is not mistaken for it.
	ExcludeFrom int
	// Span is the fraction of curve points in each local quadratic fit used
	// to smooth the curve before computing its curvature.
	Span float64
}

// DefaultRanksOpts holds the default rank curve options.
var DefaultRanksOpts = RanksOpts{
	Lower:       100,
	ExcludeFrom: 50,
	Span:        0.2,
}

// Ranks describes the barcode rank curve.
type Ranks struct {
	// Per barcode, in input order.
	Rank   []float64 // mid-rank by decreasing total
	Total  []float64
	Fitted []float64 // smoothed total; NaN outside the fitted region

	// Knee and Inflection are total counts. Knee >= Inflection.
	Knee, Inflection float64
}

// BarcodeRanks computes the rank curve of totals and locates its knee and
// inflection. At least three distinct totals above Lower are required.
func BarcodeRanks(totals []float64, opts RanksOpts) (*Ranks, error) {
	n := len(totals)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return totals[order[a]] > totals[order[b]] })

	res := &Ranks{
		Rank:   make([]float64, n),
		Total:  append([]float64(nil), totals...),
		Fitted: make([]float64, n),
	}
	for i := range res.Fitted {
		res.Fitted[i] = math.NaN()
	}

	// Run-length encode the sorted totals; tied barcodes share a mid-rank.
	type run struct {
		total      float64
		rank       float64
		start, end int // positions in order
	}
	var runs []run
	for s := 0; s < n; {
		e := s + 1
		for e < n && totals[order[e]] == totals[order[s]] {
			e++
		}
		r := run{total: totals[order[s]], rank: float64(s+1+e) / 2, start: s, end: e}
		for k := s; k < e; k++ {
			res.Rank[order[k]] = r.rank
		}
		runs = append(runs, r)
		s = e
	}

	var x, y []float64
	var kept []run
	for _, r := range runs {
		if r.total > opts.Lower {
			x = append(x, math.Log10(r.rank))
			y = append(y, math.Log10(r.total))
			kept = append(kept, r)
		}
	}
	if len(kept) < 3 {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("droplet: %d unique totals above %v, need at least 3 to compute knee and inflection", len(kept), opts.Lower))
	}

	d1 := make([]float64, len(x)-1)
	for i := range d1 {
		d1[i] = (y[i+1] - y[i]) / (x[i+1] - x[i])
	}
	skip := 0
	for _, v := range x {
		if v <= math.Log10(float64(opts.ExcludeFrom)) {
			skip++
		}
	}
	if skip > len(d1)-1 {
		skip = len(d1) - 1
	}
	rightEdge := skip
	for i := skip; i < len(d1); i++ {
		if d1[i] < d1[rightEdge] {
			rightEdge = i
		}
	}
	leftEdge := 0
	for i := 0; i <= rightEdge; i++ {
		if d1[i] > d1[leftEdge] {
			leftEdge = i
		}
	}
	res.Inflection = math.Pow(10, y[rightEdge])

	lo, hi := leftEdge, rightEdge+1
	if hi-lo < 4 {
		res.Knee = math.Pow(10, y[lo])
	} else {
		fx, fy := x[lo:hi], y[lo:hi]
		fit, slope, accel, err := localQuadratic(fx, fy, opts.Span)
		if err != nil {
			return nil, err
		}
		best := 0
		bestCurv := math.Inf(1)
		for i := range fx {
			curv := accel[i] / math.Pow(1+slope[i]*slope[i], 1.5)
			if curv < bestCurv {
				best, bestCurv = i, curv
			}
		}
		res.Knee = math.Pow(10, fy[best])
		for i, r := range kept[lo:hi] {
			v := math.Pow(10, fit[i])
			for k := r.start; k < r.end; k++ {
				res.Fitted[order[k]] = v
			}
		}
	}
	if res.Knee < res.Inflection {
		res.Knee = res.Inflection
	}
	return res, nil
}

// localQuadratic fits y ~ a + b(x-x0) + c(x-x0)^2 around each x0 with
// tricube weights over the nearest span fraction of points. It returns the
// fitted value, first and second derivative at every point.
func localQuadratic(x, y []float64, span float64) (fit, d1, d2 []float64, err error) {
	n := len(x)
	w := int(math.Ceil(span * float64(n)))
	if w < 5 {
		w = 5
	}
	if w > n {
		w = n
	}
	fit = make([]float64, n)
	d1 = make([]float64, n)
	d2 = make([]float64, n)
	for i := range x {
		// Window of w nearest points; x is increasing.
		lo, hi := i, i+1
		for hi-lo < w {
			switch {
			case lo == 0:
				hi++
			case hi == n:
				lo--
			case x[i]-x[lo-1] <= x[hi]-x[i]:
				lo--
			default:
				hi++
			}
		}
		h := math.Max(x[i]-x[lo], x[hi-1]-x[i]) * 1.0001
		m := hi - lo
		design := mat.NewDense(m, 3, nil)
		resp := mat.NewVecDense(m, nil)
		for k := 0; k < m; k++ {
			dx := x[lo+k] - x[i]
			u := math.Abs(dx) / h
			wt := math.Sqrt(math.Pow(1-u*u*u, 3))
			design.Set(k, 0, wt)
			design.Set(k, 1, wt*dx)
			design.Set(k, 2, wt*dx*dx)
			resp.SetVec(k, wt*y[lo+k])
		}
		var beta mat.VecDense
		if err := beta.SolveVec(design, resp); err != nil {
			if _, ok := err.(mat.Condition); !ok {
				return nil, nil, nil, errors.E(errors.Precondition, err, "droplet: local fit of rank curve")
			}
		}
		fit[i] = beta.AtVec(0)
		d1[i] = beta.AtVec(1)
		d2[i] = 2 * beta.AtVec(2)
	}
	return fit, d1, d2, nil
}
