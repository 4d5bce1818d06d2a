package droplet

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat/distuv"
)

// EmptyDropsOpts configures EmptyDrops.
type EmptyDropsOpts struct {
	// Lower is the total count at or below which a barcode is assumed empty.
	// Those barcodes form the ambient pool and are not tested.
	Lower float64
	// Niters is the number of Monte Carlo iterations.
	Niters int
	// TestAmbient also tests barcodes at or below Lower.
	TestAmbient bool
	// Alpha is the Dirichlet-multinomial concentration. Zero means estimate
	// it from the ambient pool; +Inf means a plain multinomial.
	Alpha float64
	// Retain is the total count at or above which a barcode is always
	// called a cell. Zero means the knee of the rank curve; +Inf disables it.
	Retain float64
	// FDRThreshold is the maximum FDR for a barcode to be called a cell.
	FDRThreshold float64
	// Seed determines the Monte Carlo streams. Equal seeds give equal
	// results regardless of Parallelism.
	Seed uint64
	// Parallelism bounds the number of concurrent workers; 0 means one per
	// CPU.
	Parallelism int
}

// DefaultEmptyDropsOpts holds the default options.
var DefaultEmptyDropsOpts = EmptyDropsOpts{
	Lower:        100,
	Niters:       10000,
	FDRThreshold: 0.01,
}

// Iterations are simulated in fixed-size blocks, each with its own random
// stream, so results do not depend on how blocks are scheduled.
const itersPerStream = 250

// Column names written by Result.AddTo.
const (
	ColTotal   = "Total"
	ColLogProb = "LogProb"
	ColPValue  = "PValue"
	ColLimited = "Limited"
	ColFDR     = "FDR"
	ColIsCell  = "IsCell"
)

// Result holds per-barcode test results in input order. Untested barcodes
// have NaN LogProb, PValue and FDR and NA Limited and IsCell.
type Result struct {
	Total   []float64
	LogProb []float64
	PValue  []float64
	// Limited is true when no simulated profile was as unlikely as the
	// observed one, so PValue is at its lower bound 1/(Niters+1) and a
	// larger Niters could make it smaller.
	Limited []sce.Logical
	FDR     []float64
	IsCell  []sce.Logical

	Alpha           float64
	Retain          float64
	Niters          int
	AmbientBarcodes int
	AmbientGenes    int
	Tested          int
}

// NumCells returns the number of barcodes called as cells.
func (r *Result) NumCells() int { return sce.CountTrue(r.IsCell) }

// AddTo stores the result columns in a cell table with one row per barcode.
func (r *Result) AddTo(t *sce.Table) error {
	for _, c := range []struct {
		name string
		v    []float64
	}{{ColTotal, r.Total}, {ColLogProb, r.LogProb}, {ColPValue, r.PValue}, {ColFDR, r.FDR}} {
		if err := t.SetFloat(c.name, c.v); err != nil {
			return err
		}
	}
	if err := t.SetLogical(ColLimited, r.Limited); err != nil {
		return err
	}
	return t.SetLogical(ColIsCell, r.IsCell)
}

// model is the ambient multinomial or Dirichlet-multinomial distribution
// restricted to genes with a positive ambient proportion.
type model struct {
	prop  []float64 // per gene, 0 for excluded genes
	genes []int     // genes with positive proportion
	alpha float64   // +Inf for multinomial
}

func (m *model) multinomial() bool { return math.IsInf(m.alpha, 1) }

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

// logProb is the log-probability of a count profile under the model.
func (m *model) logProb(col *matrix.Column, total float64) float64 {
	lp := lgamma(total + 1)
	if !m.multinomial() {
		lp += lgamma(m.alpha) - lgamma(total+m.alpha)
	}
	for k, g := range col.Rows {
		y := col.Vals[k]
		p := m.prop[g]
		if p == 0 {
			return math.Inf(-1)
		}
		lp -= lgamma(y + 1)
		if m.multinomial() {
			lp += y * math.Log(p)
		} else {
			ap := m.alpha * p
			lp += lgamma(y+ap) - lgamma(ap)
		}
	}
	return lp
}

// totalGroup holds the tested barcodes sharing one total, sorted by
// increasing observed log-probability.
type totalGroup struct {
	total    int
	barcodes []int
	logProb  []float64
}

// EmptyDrops tests every barcode with a total above Lower against the
// ambient profile estimated from barcodes at or below it. counts must hold
// integer values.
func EmptyDrops(counts matrix.Reader, opts EmptyDropsOpts) (*Result, error) {
	if opts.Niters <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("droplet: Niters must be positive, got %d", opts.Niters))
	}
	if opts.FDRThreshold <= 0 {
		opts.FDRThreshold = DefaultEmptyDropsOpts.FDRThreshold
	}
	par := shard.Parallelism(opts.Parallelism)
	nGenes, nBarcodes := counts.Dims()

	totals, err := matrix.ColSums(counts, par)
	if err != nil {
		return nil, err
	}
	for j, t := range totals {
		if t != math.Trunc(t) || t < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("droplet: barcode %d has non-integer or negative total %v", j, t))
		}
	}

	var ambientIdx, testIdx []int
	for j, t := range totals {
		if t <= opts.Lower {
			ambientIdx = append(ambientIdx, j)
		}
		if t > 0 && (t > opts.Lower || opts.TestAmbient) {
			testIdx = append(testIdx, j)
		}
	}
	ambientCounts, err := matrix.SelectCols(counts, ambientIdx)
	if err != nil {
		return nil, err
	}
	ambientProfile, err := matrix.RowSums(ambientCounts, par)
	if err != nil {
		return nil, err
	}
	prop, err := goodTuringProportions(ambientProfile)
	if err != nil {
		return nil, err
	}
	m := &model{prop: prop, alpha: opts.Alpha}
	for g, p := range prop {
		if p > 0 {
			m.genes = append(m.genes, g)
		}
	}
	if m.alpha == 0 {
		if m.alpha, err = estimateAlpha(ambientCounts, m); err != nil {
			return nil, err
		}
	} else if m.alpha < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("droplet: negative alpha %v", m.alpha))
	}
	log.Debug.Printf("droplet: ambient pool of %d barcodes over %d/%d genes, alpha %v",
		len(ambientIdx), len(m.genes), nGenes, m.alpha)

	res := &Result{
		Total:           totals,
		LogProb:         nanSlice(nBarcodes),
		PValue:          nanSlice(nBarcodes),
		Limited:         naSlice(nBarcodes),
		FDR:             nanSlice(nBarcodes),
		IsCell:          naSlice(nBarcodes),
		Alpha:           m.alpha,
		Niters:          opts.Niters,
		AmbientBarcodes: len(ambientIdx),
		AmbientGenes:    len(m.genes),
		Tested:          len(testIdx),
	}

	// Observed log-probabilities, one shard of barcodes per worker.
	err = shard.Each(len(testIdx), par, func(_ int, r shard.Range) error {
		var col matrix.Column
		for k := r.Start; k < r.End; k++ {
			j := testIdx[k]
			if err := counts.Col(j, &col); err != nil {
				return err
			}
			res.LogProb[j] = m.logProb(&col, totals[j])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	groups := groupByTotal(testIdx, totals, res.LogProb)
	nAbove, err := simulate(groups, m, opts.Niters, opts.Seed, par)
	if err != nil {
		return nil, err
	}
	for gi, grp := range groups {
		for k, j := range grp.barcodes {
			n := nAbove[gi][k]
			res.PValue[j] = float64(n+1) / float64(opts.Niters+1)
			res.Limited[j] = sce.FromBool(n == 0)
		}
	}

	res.Retain = opts.Retain
	if res.Retain == 0 {
		ranks, err := BarcodeRanks(totals, RanksOpts{Lower: opts.Lower, ExcludeFrom: DefaultRanksOpts.ExcludeFrom, Span: DefaultRanksOpts.Span})
		if err != nil {
			log.Printf("droplet: no knee for retain threshold, retaining none: %v", err)
			res.Retain = math.Inf(1)
		} else {
			res.Retain = ranks.Knee
		}
	}
	adj := append([]float64(nil), res.PValue...)
	for j, p := range adj {
		if !math.IsNaN(p) && totals[j] >= res.Retain {
			adj[j] = 0
		}
	}
	res.FDR = stats.AdjustBH(adj)
	for j, q := range res.FDR {
		if !math.IsNaN(q) {
			res.IsCell[j] = sce.FromBool(q <= opts.FDRThreshold)
		}
	}
	log.Printf("droplet: emptyDrops tested %d of %d barcodes (retain %v): %d cells at FDR %v, %d limited",
		len(testIdx), nBarcodes, res.Retain, res.NumCells(), opts.FDRThreshold, sce.CountTrue(res.Limited))
	return res, nil
}

func nanSlice(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = math.NaN()
	}
	return v
}

func naSlice(n int) []sce.Logical {
	v := make([]sce.Logical, n)
	for i := range v {
		v[i] = sce.NA
	}
	return v
}

func groupByTotal(idx []int, totals, logProb []float64) []totalGroup {
	byTotal := map[int]*totalGroup{}
	for _, j := range idx {
		t := int(totals[j])
		g, ok := byTotal[t]
		if !ok {
			g = &totalGroup{total: t}
			byTotal[t] = g
		}
		g.barcodes = append(g.barcodes, j)
	}
	groups := make([]totalGroup, 0, len(byTotal))
	for _, g := range byTotal {
		sort.SliceStable(g.barcodes, func(a, b int) bool {
			la, lb := logProb[g.barcodes[a]], logProb[g.barcodes[b]]
			if la != lb {
				return la < lb
			}
			return g.barcodes[a] < g.barcodes[b]
		})
		g.logProb = make([]float64, len(g.barcodes))
		for k, j := range g.barcodes {
			g.logProb[k] = logProb[j]
		}
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a].total < groups[b].total })
	return groups
}

// simulate draws niters ambient profiles, growing each one molecule at a
// time up to the largest tested total. At every tested total the simulated
// log-probability is compared with the observed ones; n[g][k] counts the
// iterations whose simulated profile was at most as likely as barcode k of
// group g.
func simulate(groups []totalGroup, m *model, niters int, seed uint64, parallelism int) ([][]int, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	nStreams := (niters + itersPerStream - 1) / itersPerStream
	ranges := shard.Split(nStreams, parallelism)
	partial := make([][][]int, len(ranges))
	err := shard.Each(nStreams, parallelism, func(s int, r shard.Range) error {
		// diff[g] is a difference array over group g's sorted barcodes.
		diff := make([][]int, len(groups))
		for g := range groups {
			diff[g] = make([]int, len(groups[g].barcodes)+1)
		}
		sim := newSimulator(m)
		for stream := r.Start; stream < r.End; stream++ {
			rng := stats.NewRand(seed, uint64(stream))
			iters := itersPerStream
			if rem := niters - stream*itersPerStream; rem < iters {
				iters = rem
			}
			for it := 0; it < iters; it++ {
				sim.reset(rng)
				n := 0
				for g := range groups {
					for ; n < groups[g].total; n++ {
						sim.add(rng)
					}
					// Barcodes with observed log-prob >= simulated are counted.
					k := sort.SearchFloat64s(groups[g].logProb, sim.logProb)
					diff[g][k]++
				}
			}
		}
		counts := make([][]int, len(groups))
		for g := range groups {
			counts[g] = make([]int, len(groups[g].barcodes))
			run := 0
			for k := range counts[g] {
				run += diff[g][k]
				counts[g][k] = run
			}
		}
		partial[s] = counts
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := partial[0]
	for _, p := range partial[1:] {
		for g := range out {
			for k := range out[g] {
				out[g][k] += p[g][k]
			}
		}
	}
	return out, nil
}

// simulator grows one random ambient profile and tracks its log-probability
// under the model.
type simulator struct {
	m       *model
	logp    []float64 // log proportion, multinomial only
	cum     []float64 // cumulative sampling weights over m.genes
	count   []int     // per gene
	touched []int
	n       int
	logProb float64
}

func newSimulator(m *model) *simulator {
	s := &simulator{
		m:     m,
		cum:   make([]float64, len(m.genes)),
		count: make([]int, len(m.prop)),
	}
	if m.multinomial() {
		s.logp = make([]float64, len(m.prop))
		var c float64
		for i, g := range m.genes {
			s.logp[g] = math.Log(m.prop[g])
			c += m.prop[g]
			s.cum[i] = c
		}
	}
	return s
}

// reset starts a new profile. Under the Dirichlet-multinomial a fresh
// proportion vector is drawn from the Dirichlet; sampling molecules from it
// one at a time yields Dirichlet-multinomial profiles of every size.
func (s *simulator) reset(rng *rand.Rand) {
	for _, g := range s.touched {
		s.count[g] = 0
	}
	s.touched = s.touched[:0]
	s.n = 0
	s.logProb = 0
	if s.m.multinomial() {
		return
	}
	var c float64
	for i, g := range s.m.genes {
		c += distuv.Gamma{Alpha: s.m.alpha * s.m.prop[g], Beta: 1, Src: rng}.Rand()
		s.cum[i] = c
	}
	if c == 0 {
		// Every gamma draw underflowed; fall back to the mean proportions.
		for i, g := range s.m.genes {
			c += s.m.prop[g]
			s.cum[i] = c
		}
	}
}

func (s *simulator) add(rng *rand.Rand) {
	u := rng.Float64() * s.cum[len(s.cum)-1]
	i := sort.SearchFloat64s(s.cum, u)
	if i == len(s.cum) {
		i--
	}
	g := s.m.genes[i]
	c := float64(s.count[g])
	n := float64(s.n)
	if s.m.multinomial() {
		s.logProb += s.logp[g]
	} else {
		s.logProb += math.Log(c+s.m.alpha*s.m.prop[g]) - math.Log(n+s.m.alpha)
	}
	s.logProb += math.Log(n+1) - math.Log(c+1)
	if s.count[g] == 0 {
		s.touched = append(s.touched, g)
	}
	s.count[g]++
	s.n++
}

// estimateAlpha finds the maximum-likelihood Dirichlet-multinomial
// concentration for the ambient barcodes.
func estimateAlpha(ambient matrix.Reader, m *model) (float64, error) {
	_, n := ambient.Dims()
	var cols []matrix.Column
	var totals []float64
	for j := 0; j < n; j++ {
		var col matrix.Column
		if err := ambient.Col(j, &col); err != nil {
			return 0, err
		}
		if t := col.Sum(); t > 0 {
			cols = append(cols, col)
			totals = append(totals, t)
		}
	}
	if len(cols) == 0 {
		return 0, errors.E(errors.Precondition, "droplet: no ambient barcodes with counts to estimate alpha")
	}
	const minLog, maxLog = -4.0, 16.0
	clamp := func(x float64) float64 { return math.Max(minLog, math.Min(maxLog, x)) }
	negLogLik := func(x []float64) float64 {
		alpha := math.Exp(clamp(x[0]))
		var ll float64
		for c, col := range cols {
			ll += lgamma(alpha) - lgamma(totals[c]+alpha)
			for k, g := range col.Rows {
				ap := alpha * m.prop[g]
				if ap == 0 {
					continue
				}
				ll += lgamma(col.Vals[k]+ap) - lgamma(ap)
			}
		}
		return -ll
	}
	res, err := optimize.Minimize(optimize.Problem{Func: negLogLik}, []float64{math.Log(100)}, nil, &optimize.NelderMead{})
	if err != nil {
		return 0, errors.E(errors.Precondition, err, "droplet: estimating alpha")
	}
	return math.Exp(clamp(res.X[0])), nil
}
