package variance

import (
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
	"gonum.org/v1/gonum/stat/distuv"
)

// Decomposition holds per-gene variance components in gene order. Bio is
// Total - Tech and may be negative.
type Decomposition struct {
	Mean, Total, Tech, Bio []float64
	PValue, FDR            []float64
	Trend                  *Trend
	NCells                 int
}

// Gene table column names written by AddTo.
const (
	ColMean   = "mean"
	ColTotal  = "total"
	ColTech   = "tech"
	ColBio    = "bio"
	ColPValue = "p.value"
	ColFDR    = "FDR"
)

// AddTo stores the decomposition as columns of the gene table t.
func (d *Decomposition) AddTo(t *sce.Table) error {
	for _, c := range []struct {
		name string
		v    []float64
	}{
		{ColMean, d.Mean}, {ColTotal, d.Total}, {ColTech, d.Tech},
		{ColBio, d.Bio}, {ColPValue, d.PValue}, {ColFDR, d.FDR},
	} {
		if err := t.SetFloat(c.name, c.v); err != nil {
			return err
		}
	}
	return nil
}

// TechSum returns the summed technical variance of genes.
func (d *Decomposition) TechSum(genes []int) float64 {
	var s float64
	for _, g := range genes {
		s += d.Tech[g]
	}
	return s
}

func decompose(mean, total []float64, trend *Trend, nCells int) *Decomposition {
	d := &Decomposition{
		Mean:   mean,
		Total:  total,
		Tech:   make([]float64, len(mean)),
		Bio:    make([]float64, len(mean)),
		PValue: make([]float64, len(mean)),
		Trend:  trend,
		NCells: nCells,
	}
	chi := distuv.ChiSquared{K: float64(nCells - 1)}
	for g := range mean {
		d.Tech[g] = trend.At(mean[g])
		d.Bio[g] = total[g] - d.Tech[g]
		if d.Tech[g] > 0 && nCells > 1 {
			d.PValue[g] = chi.Survival(total[g] / d.Tech[g] * float64(nCells-1))
		} else {
			d.PValue[g] = math.NaN()
		}
	}
	d.FDR = stats.AdjustBH(d.PValue)
	return d
}

// ModelGeneVar decomposes the variance of the logcounts of e using a trend
// fitted to the genes themselves.
func ModelGeneVar(e *sce.Experiment, opts TrendOpts, parallelism int) (*Decomposition, error) {
	logc, err := e.LogCounts()
	if err != nil {
		return nil, err
	}
	mean, total, err := MeanVar(logc, parallelism)
	if err != nil {
		return nil, err
	}
	trend, err := FitTrend(mean, total, opts)
	if err != nil {
		return nil, err
	}
	d := decompose(mean, total, trend, e.NCells())
	log.Printf("variance: fitted trend to %d genes", len(trend.X))
	return d, nil
}

// PoissonOpts configures ModelGeneVarByPoisson.
type PoissonOpts struct {
	// GridSize is the number of mean counts at which the technical variance
	// is computed exactly.
	GridSize int
	// Pseudo is the pseudo-count used for the logcounts.
	Pseudo float64
}

// DefaultPoissonOpts holds the default options.
var DefaultPoissonOpts = PoissonOpts{GridSize: 100, Pseudo: 1}

// ModelGeneVarByPoisson decomposes the variance of the logcounts of e
// assuming purely Poisson technical noise. For a grid of expected counts
// mu, the mean and variance of log2(X/s + pseudo) with X ~ Poisson(mu*s)
// are computed from the Poisson pmf over the size factors s of e, and the
// resulting curve gives each gene its technical variance.
func ModelGeneVarByPoisson(e *sce.Experiment, opts PoissonOpts, parallelism int) (*Decomposition, error) {
	logc, err := e.LogCounts()
	if err != nil {
		return nil, err
	}
	sf, ok := e.SizeFactors()
	if !ok {
		return nil, errors.E(errors.Precondition, "variance: size factors are required for the Poisson model")
	}
	if opts.GridSize < 2 {
		opts.GridSize = DefaultPoissonOpts.GridSize
	}
	if opts.Pseudo <= 0 {
		opts.Pseudo = DefaultPoissonOpts.Pseudo
	}
	mean, total, err := MeanVar(logc, parallelism)
	if err != nil {
		return nil, err
	}
	maxMean := 0.0
	for _, m := range mean {
		maxMean = math.Max(maxMean, m)
	}
	// Expected counts spanning the observed log-means.
	hiMu := math.Pow(2, maxMean+1)
	loMu := 1e-3
	grid := make([]float64, opts.GridSize)
	for i := range grid {
		grid[i] = loMu * math.Pow(hiMu/loMu, float64(i)/float64(len(grid)-1))
	}
	sfv, sfw := binSizeFactors(sf)
	gx := make([]float64, len(grid))
	gy := make([]float64, len(grid))
	err = shard.Each(len(grid), parallelism, func(_ int, r shard.Range) error {
		for i := r.Start; i < r.End; i++ {
			gx[i], gy[i] = poissonLogMoments(grid[i], sfv, sfw, opts.Pseudo)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	idx := make([]int, len(grid))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return gx[idx[a]] < gx[idx[b]] })
	trend := &Trend{X: make([]float64, len(idx)), Y: make([]float64, len(idx))}
	for k, i := range idx {
		trend.X[k], trend.Y[k] = gx[i], gy[i]
	}
	log.Printf("variance: Poisson technical trend over %d expected counts up to %.3g", len(grid), hiMu)
	return decompose(mean, total, trend, e.NCells()), nil
}

// binSizeFactors groups size factors that agree to within 0.1% on the log
// scale, returning one representative and a weight per group.
func binSizeFactors(sf []float64) (vals, weights []float64) {
	bins := map[int64]int{}
	for _, s := range sf {
		key := int64(math.Round(math.Log(s) * 1000))
		i, ok := bins[key]
		if !ok {
			i = len(vals)
			bins[key] = i
			vals = append(vals, 0)
			weights = append(weights, 0)
		}
		vals[i] += s
		weights[i]++
	}
	for i := range vals {
		vals[i] /= weights[i]
	}
	return vals, weights
}

// poissonLogMoments returns the mean and variance, across cells, of
// log2(X/s + pseudo) where X ~ Poisson(mu*s) in a cell with size factor s.
// Size factors are given as values with weights.
func poissonLogMoments(mu float64, sf, weights []float64, pseudo float64) (mean, variance float64) {
	var m1, m2, n float64
	for i, s := range sf {
		lambda := mu * s
		p := distuv.Poisson{Lambda: lambda}
		sd := math.Sqrt(lambda)
		lo := math.Max(0, math.Floor(lambda-10*sd-10))
		hi := math.Ceil(lambda + 10*sd + 10)
		var e1, e2 float64
		for k := lo; k <= hi; k++ {
			w := math.Exp(p.LogProb(k))
			y := math.Log2(k/s + pseudo)
			e1 += w * y
			e2 += w * y * y
		}
		m1 += weights[i] * e1
		m2 += weights[i] * e2
		n += weights[i]
	}
	mean = m1 / n
	variance = m2/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}

// HVGOpts configures TopHVGs.
type HVGOpts struct {
	// N keeps at most the N genes with the largest Bio; 0 keeps all.
	N int
	// FDRThreshold keeps genes at or below this FDR; 0 disables it.
	FDRThreshold float64
	// MinBio keeps genes with Bio strictly above it.
	MinBio float64
}

// DefaultHVGOpts selects every gene with positive biological variance.
var DefaultHVGOpts = HVGOpts{}

// TopHVGs returns the highly variable genes of d ordered by decreasing
// biological variance.
func TopHVGs(d *Decomposition, opts HVGOpts) []int {
	var genes []int
	for g, b := range d.Bio {
		if math.IsNaN(b) || b <= opts.MinBio {
			continue
		}
		if opts.FDRThreshold > 0 && !(d.FDR[g] <= opts.FDRThreshold) {
			continue
		}
		genes = append(genes, g)
	}
	sort.SliceStable(genes, func(a, b int) bool { return d.Bio[genes[a]] > d.Bio[genes[b]] })
	if opts.N > 0 && len(genes) > opts.N {
		genes = genes[:opts.N]
	}
	return genes
}

// CheckGenes reports an error when no genes were selected.
func CheckGenes(genes []int) error {
	if len(genes) == 0 {
		return errors.E(errors.Precondition, "variance: no highly variable genes selected")
	}
	return nil
}
