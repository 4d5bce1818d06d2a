package qc

import (
	"math"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestPerCellMetrics(t *testing.T) {
	counts := matrix.FromDense(4, 3, []float64{
		1, 0, 5,
		2, 0, 0,
		0, 3, 5,
		7, 1, 0,
	})
	m, err := PerCellMetrics(counts, []Subset{{Name: "Mito", Genes: []int{3}}}, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 4, 10}, m.Sum)
	assert.Equal(t, []float64{3, 2, 2}, m.Detected)
	mito, err := m.Subset("Mito")
	require.NoError(t, err)
	assert.Equal(t, []float64{70, 25, 0}, mito.Percent)
	assert.Equal(t, []float64{1, 1, 0}, mito.Detected)

	cols := sce.NewTable(3)
	require.NoError(t, m.AddTo(cols))
	assert.True(t, cols.Has(SubsetColumn("Mito", "percent")))

	_, err = PerCellMetrics(counts, []Subset{{Name: "bad", Genes: []int{9}}}, 1)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestPerFeatureMetrics(t *testing.T) {
	counts := matrix.FromDense(2, 4, []float64{
		1, 0, 3, 0,
		0, 0, 0, 0,
	})
	m, err := PerFeatureMetrics(counts, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, m.Mean)
	assert.Equal(t, []float64{50, 0}, m.Detected)
}

func TestMitoGenes(t *testing.T) {
	rows := sce.NewTable(4)
	require.NoError(t, rows.SetString(sce.GeneSymbol, []string{"MT-CO1", "GAPDH", "mt-nd1", "CD3E"}))
	idx, err := MitoGenes(rows)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, idx)

	require.NoError(t, rows.SetString(sce.GeneChrom, []string{"chrM", "chr1", "", "MT"}))
	require.NoError(t, rows.SetLogical(sce.GeneChromKnown, []sce.Logical{sce.True, sce.True, sce.NA, sce.True}))
	idx, err = MitoGenes(rows)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3}, idx)
}

func TestIsOutlier(t *testing.T) {
	values := []float64{10, 11, 9, 10, 12, 8, 10, 50, math.NaN(), 0.5}
	orig := append([]float64(nil), values...)
	out, err := IsOutlier(values, DefaultOutlierOpts)
	require.NoError(t, err)
	assert.True(t, out.Flagged.Test(7))
	assert.True(t, out.Flagged.Test(9))
	assert.False(t, out.Flagged.Test(8), "NaN is never an outlier")
	expect.EQ(t, out.Flagged.Count(), uint(2))
	th := out.Thresholds[""]
	assert.InDelta(t, 10-3*stats.MADConstant, th.Lower, 1e-9)

	out, err = IsOutlier(values, OutlierOpts{NMADs: 3, Type: Higher})
	require.NoError(t, err)
	expect.EQ(t, out.Flagged.Count(), uint(1))
	assert.True(t, math.IsInf(out.Thresholds[""].Lower, -1))

	assert.Equal(t, orig[:8], values[:8])
	assert.True(t, math.IsNaN(values[8]))
}

func TestIsOutlierBatch(t *testing.T) {
	values := []float64{10, 11, 9, 10, 100, 110, 90, 100}
	batch := []string{"a", "a", "a", "a", "b", "b", "b", "b"}
	out, err := IsOutlier(values, OutlierOpts{NMADs: 3, Batch: batch})
	require.NoError(t, err)
	expect.EQ(t, out.Flagged.Count(), uint(0))
	// Pooled, the batches look like outliers of each other.
	out, err = IsOutlier(values, OutlierOpts{NMADs: 0.5})
	require.NoError(t, err)
	expect.GE(t, out.Flagged.Count(), uint(4))
	require.Len(t, out.Thresholds, 1)

	_, err = IsOutlier(values, OutlierOpts{NMADs: 3, Batch: batch[:3]})
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestIsOutlierMonotoneInNMADs(t *testing.T) {
	src := stats.NewSource(5)
	dist := distuv.LogNormal{Mu: 7, Sigma: 0.8, Src: src}
	values := make([]float64, 500)
	for i := range values {
		values[i] = dist.Rand()
	}
	for _, o := range []OutlierOpts{
		{Type: Both}, {Type: Lower, Log: true}, {Type: Higher}, {Type: Both, MinDiff: 0.5},
	} {
		prev := uint(len(values) + 1)
		for nmads := 0.0; nmads <= 6; nmads += 0.25 {
			o.NMADs = nmads
			out, err := IsOutlier(values, o)
			require.NoError(t, err)
			n := out.Flagged.Count()
			expect.LE(t, n, prev)
			prev = n
		}
	}
}

func TestQuickPerCellQC(t *testing.T) {
	n := 200
	b := matrix.NewBuilder(20, n)
	src := stats.NewSource(9)
	pois := distuv.Poisson{Lambda: 20, Src: src}
	for j := 0; j < n; j++ {
		for i := 0; i < 19; i++ {
			v := pois.Rand()
			if j == 0 {
				v = 1 // tiny library
			}
			require.NoError(t, b.Add(i, j, v))
		}
		mito := 10.0
		if j == 1 {
			mito = 2000 // damaged cell
		}
		require.NoError(t, b.Add(19, j, mito))
	}
	m, err := PerCellMetrics(b.Build(), []Subset{{Name: "Mito", Genes: []int{19}}}, 0)
	require.NoError(t, err)
	opts := DefaultQuickOpts
	opts.PercentSubsets = []string{"Mito"}
	d, err := QuickPerCellQC(m, opts)
	require.NoError(t, err)
	assert.True(t, d.Cells.Test(0))
	assert.True(t, d.Cells.Test(1))
	require.Len(t, d.Reasons, 3)
	expect.EQ(t, len(d.Keep()), n-d.Count())

	cols := sce.NewTable(n)
	require.NoError(t, d.AddTo(cols))
	discard, err := cols.Logical(ColDiscard)
	require.NoError(t, err)
	expect.EQ(t, sce.CountTrue(discard), d.Count())

	opts.PercentSubsets = []string{"Ribo"}
	_, err = QuickPerCellQC(m, opts)
	assert.True(t, errors.Is(errors.NotExist, err))
}
