package markers

import (
	"math"
	"sort"

	"github.com/grailbio/scrna/stats"
	"gonum.org/v1/gonum/stat/distuv"
)

// groupStats summarizes one cluster's values of one gene.
type groupStats struct {
	n        int
	mean, vr float64
}

// welch returns the one-sided p-values for mean(a) > mean(b) and
// mean(a) < mean(b), and the difference of means. p-values are NaN when a
// group has fewer than two cells.
func welch(a, b *groupStats) (up, down, effect float64) {
	effect = a.mean - b.mean
	if a.n < 2 || b.n < 2 {
		return math.NaN(), math.NaN(), effect
	}
	va, vb := a.vr/float64(a.n), b.vr/float64(b.n)
	se := math.Sqrt(va + vb)
	if se == 0 {
		switch {
		case effect > 0:
			return 0, 1, effect
		case effect < 0:
			return 1, 0, effect
		}
		return 1, 1, effect
	}
	t := effect / se
	df := (va + vb) * (va + vb) / (va*va/float64(a.n-1) + vb*vb/float64(b.n-1))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return dist.Survival(t), dist.CDF(t), effect
}

// rankSum returns the one-sided p-values of the Wilcoxon rank-sum test for
// a shifted above and below b, using the normal approximation with tie and
// continuity corrections, and AUC - 0.5 as the effect. a and b must be
// sorted.
func rankSum(a, b []float64) (up, down, effect float64) {
	na, nb := len(a), len(b)
	if na == 0 || nb == 0 {
		return math.NaN(), math.NaN(), math.NaN()
	}
	var u, ties float64
	i, j := 0, 0
	for i < na || j < nb {
		var v float64
		switch {
		case i == na:
			v = b[j]
		case j == nb:
			v = a[i]
		default:
			v = math.Min(a[i], b[j])
		}
		ca, cb := 0, 0
		for i < na && a[i] == v {
			ca++
			i++
		}
		for j < nb && b[j] == v {
			cb++
			j++
		}
		// j-cb values of b lie strictly below v.
		u += float64(ca) * (float64(j-cb) + 0.5*float64(cb))
		t := float64(ca + cb)
		ties += t*t*t - t
	}
	fa, fb := float64(na), float64(nb)
	n := fa + fb
	effect = u/(fa*fb) - 0.5
	mu := fa * fb / 2
	sigma2 := fa * fb / 12 * ((n + 1) - ties/(n*(n-1)))
	if !(sigma2 > 0) {
		return 1, 1, effect
	}
	sigma := math.Sqrt(sigma2)
	up = distuv.UnitNormal.Survival((u - mu - 0.5) / sigma)
	down = distuv.UnitNormal.CDF((u - mu + 0.5) / sigma)
	return math.Min(up, 1), math.Min(down, 1), effect
}

// twoSided combines one-sided p-values.
func twoSided(up, down float64) float64 {
	if math.IsNaN(up) || math.IsNaN(down) {
		return math.NaN()
	}
	return math.Min(1, 2*math.Min(up, down))
}

// holmSorted returns the Holm-adjusted p-values of p in ascending order,
// NaN entries excluded.
func holmSorted(p []float64) []float64 {
	var v []float64
	for _, x := range stats.AdjustHolm(p) {
		if !math.IsNaN(x) {
			v = append(v, x)
		}
	}
	sort.Float64s(v)
	return v
}
