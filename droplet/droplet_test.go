package droplet

import (
	"math"
	"os"
	"sort"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	status := m.Run()
	shutdown()
	os.Exit(status)
}

// simulateTotals returns nCells large totals and nEmpty small ones.
func simulateTotals(seed uint64, nCells, nEmpty int) []float64 {
	src := stats.NewSource(seed)
	cell := distuv.LogNormal{Mu: math.Log(5000), Sigma: 0.5, Src: src}
	empty := distuv.LogNormal{Mu: math.Log(150), Sigma: 0.6, Src: src}
	var totals []float64
	for i := 0; i < nCells; i++ {
		totals = append(totals, math.Round(cell.Rand()))
	}
	for i := 0; i < nEmpty; i++ {
		totals = append(totals, math.Round(empty.Rand()))
	}
	return totals
}

func TestBarcodeRanks(t *testing.T) {
	totals := simulateTotals(1, 300, 3000)
	r, err := BarcodeRanks(totals, DefaultRanksOpts)
	require.NoError(t, err)
	expect.GE(t, r.Knee, r.Inflection)
	// The knee sits between the empty and the cell populations.
	expect.GE(t, r.Knee, 500.0)
	expect.LE(t, r.Knee, 20000.0)
	require.Len(t, r.Rank, len(totals))

	// Ties share a mid-rank, and larger totals rank first.
	r, err = BarcodeRanks([]float64{500, 300, 300, 200, 150, 120}, RanksOpts{Lower: 100, ExcludeFrom: 0, Span: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, 2.5, 4, 5, 6}, r.Rank)
	expect.GE(t, r.Knee, r.Inflection)
}

func TestBarcodeRanksKneeAtLeastInflection(t *testing.T) {
	for seed := uint64(0); seed < 20; seed++ {
		totals := simulateTotals(seed, 50+int(seed)*20, 1000+int(seed)*100)
		r, err := BarcodeRanks(totals, DefaultRanksOpts)
		require.NoError(t, err)
		expect.GE(t, r.Knee, r.Inflection)
	}
}

func TestBarcodeRanksTooFewPoints(t *testing.T) {
	_, err := BarcodeRanks([]float64{1000, 1000, 50, 10}, DefaultRanksOpts)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Precondition, err))
}

func TestGoodTuringProportions(t *testing.T) {
	counts := []float64{0, 0, 1, 1, 1, 2, 2, 3, 5, 8, 40, 0}
	p, err := goodTuringProportions(counts)
	require.NoError(t, err)
	var sum float64
	for _, v := range p {
		expect.GE(t, v, 0.0)
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-12)
	// Unseen genes share the singleton mass.
	expect.GE(t, p[0], 1e-12)
	assert.InDelta(t, p[0], p[11], 1e-15)
	assert.InDelta(t, 3.0/63, p[0]+p[1]+p[11], 1e-12)
	idx := []int{8, 9, 10}
	assert.True(t, sort.SliceIsSorted(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] }))

	_, err = goodTuringProportions([]float64{0, 0})
	assert.True(t, errors.Is(errors.Precondition, err))
}

// syntheticDroplets builds a 50-gene by 100-barcode matrix. The first
// nCells barcodes draw from a high-rate profile concentrated on the first
// half of the genes; the rest are empty droplets with a flat low rate.
func syntheticDroplets(seed uint64, nCells int) *matrix.CSC {
	const genes, barcodes = 50, 100
	src := stats.NewSource(seed)
	b := matrix.NewBuilder(genes, barcodes)
	for j := 0; j < barcodes; j++ {
		for i := 0; i < genes; i++ {
			lambda := 0.5
			if j < nCells {
				lambda = 0.2
				if i < genes/2 {
					lambda = 12
				}
			}
			if v := (distuv.Poisson{Lambda: lambda, Src: src}).Rand(); v > 0 {
				if err := b.Add(i, j, v); err != nil {
					panic(err)
				}
			}
		}
	}
	return b.Build()
}

func TestEmptyDropsCallsCells(t *testing.T) {
	counts := syntheticDroplets(7, 10)
	opts := DefaultEmptyDropsOpts
	opts.Lower = 60
	opts.Niters = 1000
	opts.Retain = math.Inf(1)
	opts.Seed = 42
	res, err := EmptyDrops(counts, opts)
	require.NoError(t, err)

	expect.EQ(t, res.Tested, 10)
	expect.EQ(t, res.AmbientBarcodes, 90)
	n := res.NumCells()
	expect.GE(t, n, 9)
	expect.LE(t, n, 11)
	for j := 0; j < 10; j++ {
		assert.Equal(t, sce.True, res.IsCell[j], "barcode %d", j)
		assert.Equal(t, sce.True, res.Limited[j], "barcode %d", j)
		assert.InDelta(t, 1.0/1001, res.PValue[j], 1e-12)
	}
	for j := 10; j < 100; j++ {
		assert.Equal(t, sce.NA, res.IsCell[j], "barcode %d", j)
		assert.Equal(t, sce.NA, res.Limited[j], "barcode %d", j)
		assert.True(t, math.IsNaN(res.FDR[j]))
	}
	expect.GE(t, res.Alpha, 0.0)

	cols := sce.NewTable(100)
	require.NoError(t, res.AddTo(cols))
	isCell, err := cols.Logical(ColIsCell)
	require.NoError(t, err)
	expect.EQ(t, sce.CountNA(isCell), 90)
}

func TestEmptyDropsDeterministic(t *testing.T) {
	counts := syntheticDroplets(3, 10)
	opts := DefaultEmptyDropsOpts
	opts.Lower = 60
	opts.Niters = 700
	opts.TestAmbient = true
	opts.Alpha = math.Inf(1)
	opts.Retain = math.Inf(1)
	opts.Seed = 11

	opts.Parallelism = 1
	a, err := EmptyDrops(counts, opts)
	require.NoError(t, err)
	opts.Parallelism = 4
	b, err := EmptyDrops(counts, opts)
	require.NoError(t, err)
	assert.Equal(t, a.PValue, b.PValue)
	assert.Equal(t, a.IsCell, b.IsCell)

	// Ambient barcodes are now tested and mostly look like the ambient pool.
	expect.EQ(t, a.Tested, 100)
	for j := 10; j < 100; j++ {
		assert.False(t, a.IsCell[j].IsNA())
	}
	expect.LE(t, a.NumCells(), 15)

	opts.Seed = 12
	c, err := EmptyDrops(counts, opts)
	require.NoError(t, err)
	assert.NotEqual(t, a.PValue, c.PValue)
}

func TestEmptyDropsRetain(t *testing.T) {
	counts := syntheticDroplets(5, 10)
	opts := DefaultEmptyDropsOpts
	opts.Lower = 60
	opts.Niters = 100
	opts.Retain = 1
	res, err := EmptyDrops(counts, opts)
	require.NoError(t, err)
	for j := 0; j < 10; j++ {
		expect.EQ(t, res.FDR[j], 0.0)
	}
}

func TestEmptyDropsRejectsNonIntegers(t *testing.T) {
	counts := matrix.FromDense(2, 3, []float64{
		1, 0.5, 3,
		2, 0, 1,
	})
	_, err := EmptyDrops(counts, DefaultEmptyDropsOpts)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Invalid, err))

	opts := DefaultEmptyDropsOpts
	opts.Niters = 0
	_, err = EmptyDrops(matrix.Zeros(2, 2), opts)
	assert.True(t, errors.Is(errors.Invalid, err))
}
