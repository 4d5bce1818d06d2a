package variance

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/stats"
	"gonum.org/v1/gonum/stat"
)

// Trend is a piecewise-linear mean-variance curve. Below the smallest
// fitted mean it is linear through the origin; above the largest it is
// constant.
type Trend struct {
	X, Y []float64 // knots, X increasing
}

// At evaluates the trend at mean x.
func (t *Trend) At(x float64) float64 {
	n := len(t.X)
	switch {
	case n == 0 || math.IsNaN(x):
		return math.NaN()
	case x <= t.X[0]:
		if t.X[0] <= 0 {
			return t.Y[0]
		}
		return math.Max(0, t.Y[0]*x/t.X[0])
	case x >= t.X[n-1]:
		return t.Y[n-1]
	}
	i := sort.SearchFloat64s(t.X, x)
	x0, x1 := t.X[i-1], t.X[i]
	y0, y1 := t.Y[i-1], t.Y[i]
	if x1 == x0 {
		return y1
	}
	return y0 + (y1-y0)*(x-x0)/(x1-x0)
}

// TrendOpts configures FitTrend.
type TrendOpts struct {
	// MinMean excludes genes with a lower mean from the fit.
	MinMean float64
	// Span is the fraction of genes in each local fit.
	Span float64
	// Iterations is the number of robustness iterations.
	Iterations int
	// Anchors bounds the number of points where local fits are computed;
	// the curve is interpolated between them.
	Anchors int
}

// DefaultTrendOpts holds the default options.
var DefaultTrendOpts = TrendOpts{
	MinMean:    0.1,
	Span:       0.3,
	Iterations: 3,
	Anchors:    200,
}

// FitTrend fits a robust locally weighted linear regression of variance
// against mean over genes with mean >= MinMean and positive variance.
func FitTrend(mean, variance []float64, opts TrendOpts) (*Trend, error) {
	if len(mean) != len(variance) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("variance: %d means for %d variances", len(mean), len(variance)))
	}
	type point struct{ x, y float64 }
	var pts []point
	for g, m := range mean {
		if m >= opts.MinMean && variance[g] > 0 && !math.IsNaN(m) {
			pts = append(pts, point{m, variance[g]})
		}
	}
	if len(pts) < 3 {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("variance: %d genes with mean >= %v, need at least 3 to fit a trend", len(pts), opts.MinMean))
	}
	sort.Slice(pts, func(a, b int) bool { return pts[a].x < pts[b].x })
	x := make([]float64, len(pts))
	y := make([]float64, len(pts))
	for i, p := range pts {
		x[i], y[i] = p.x, p.y
	}
	if opts.Span <= 0 || opts.Span > 1 {
		opts.Span = DefaultTrendOpts.Span
	}
	if opts.Anchors < 2 {
		opts.Anchors = DefaultTrendOpts.Anchors
	}
	fit := lowess(x, y, opts.Span, opts.Iterations, opts.Anchors)
	for i := range fit {
		if fit[i] < 0 {
			fit[i] = 0
		}
	}
	return &Trend{X: x, Y: fit}, nil
}

// lowess returns robust locally weighted linear fits of y on x at every x.
// x is sorted.
func lowess(x, y []float64, span float64, iters, anchors int) []float64 {
	n := len(x)
	k := int(math.Ceil(span * float64(n)))
	if k < 3 {
		k = 3
	}
	if k > n {
		k = n
	}
	anchorIdx := make([]int, 0, anchors)
	if n <= anchors {
		for i := 0; i < n; i++ {
			anchorIdx = append(anchorIdx, i)
		}
	} else {
		for a := 0; a < anchors; a++ {
			i := int(math.Round(float64(a) * float64(n-1) / float64(anchors-1)))
			if len(anchorIdx) == 0 || anchorIdx[len(anchorIdx)-1] != i {
				anchorIdx = append(anchorIdx, i)
			}
		}
	}

	robust := make([]float64, n)
	for i := range robust {
		robust[i] = 1
	}
	fit := make([]float64, n)
	w := make([]float64, k)
	for it := 0; it <= iters; it++ {
		ax := make([]float64, len(anchorIdx))
		ay := make([]float64, len(anchorIdx))
		for a, i := range anchorIdx {
			lo, hi := i, i+1
			for hi-lo < k {
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
			h := math.Max(x[i]-x[lo], x[hi-1]-x[i])
			var wsum float64
			for j := lo; j < hi; j++ {
				u := 0.0
				if h > 0 {
					u = math.Abs(x[j]-x[i]) / (h * 1.0001)
				}
				w[j-lo] = math.Pow(1-u*u*u, 3) * robust[j]
				wsum += w[j-lo]
			}
			ax[a] = x[i]
			if wsum == 0 {
				ay[a] = y[i]
				continue
			}
			alpha, beta := stat.LinearRegression(x[lo:hi], y[lo:hi], w[:hi-lo], false)
			if math.IsNaN(alpha) || math.IsNaN(beta) || math.IsInf(beta, 0) {
				ay[a] = stat.Mean(y[lo:hi], w[:hi-lo])
				continue
			}
			ay[a] = alpha + beta*x[i]
		}
		interp := Trend{X: ax, Y: ay}
		for i := range fit {
			fit[i] = interpolate(&interp, x[i])
		}
		if it == iters {
			break
		}
		// Bisquare robustness weights from the residuals.
		res := make([]float64, n)
		for i := range res {
			res[i] = math.Abs(y[i] - fit[i])
		}
		s := 6 * stats.Median(res)
		if s == 0 {
			break
		}
		for i := range robust {
			u := res[i] / s
			robust[i] = 0
			if u < 1 {
				robust[i] = (1 - u*u) * (1 - u*u)
			}
		}
	}
	return fit
}

// interpolate is Trend.At without the origin and constant extrapolation.
func interpolate(t *Trend, x float64) float64 {
	n := len(t.X)
	if n == 1 || x <= t.X[0] {
		return t.Y[0]
	}
	if x >= t.X[n-1] {
		return t.Y[n-1]
	}
	i := sort.SearchFloat64s(t.X, x)
	x0, x1 := t.X[i-1], t.X[i]
	if x1 == x0 {
		return t.Y[i]
	}
	return t.Y[i-1] + (t.Y[i]-t.Y[i-1])*(x-x0)/(x1-x0)
}
