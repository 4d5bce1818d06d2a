package dimred

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
)

// groupedLogcounts returns a genes x cells matrix with three groups of
// cells, each raising a different block of genes.
func groupedLogcounts(seed uint64, genes, cells int) (*matrix.CSC, []int) {
	r := stats.NewRand(seed)
	b := matrix.NewBuilder(genes, cells)
	labels := make([]int, cells)
	for j := 0; j < cells; j++ {
		labels[j] = j % 3
		for g := 0; g < genes; g++ {
			v := 1 + 0.3*r.NormFloat64()
			if g%3 == labels[j] && g < 15 {
				v += 3
			}
			if err := b.Add(g, j, math.Max(v, 0)); err != nil {
				panic(err)
			}
		}
	}
	return b.Build(), labels
}

func allGenes(n int) []int {
	g := make([]int, n)
	for i := range g {
		g[i] = i
	}
	return g
}

func TestPCAExactAndRandomizedAgree(t *testing.T) {
	logc, _ := groupedLogcounts(1, 40, 150)
	opts := DefaultPCAOpts
	opts.Rank = 5
	opts.Algorithm = Exact
	exact, err := RunPCA(logc, allGenes(40), opts)
	require.NoError(t, err)
	opts.Algorithm = Randomized
	opts.Seed = 3
	approx, err := RunPCA(logc, allGenes(40), opts)
	require.NoError(t, err)

	expect.EQ(t, exact.Rank(), 5)
	// The two group axes dominate.
	expect.GT(t, exact.VarExplained[1], 5*exact.VarExplained[2])
	for c := 0; c < 2; c++ {
		assert.InDelta(t, exact.VarExplained[c], approx.VarExplained[c], 1e-6*exact.VarExplained[c])
		for j := 0; j < 150; j++ {
			assert.InDelta(t, exact.Coords.At(j, c), approx.Coords.At(j, c), 1e-4)
		}
	}
	var pct float64
	for _, v := range exact.PercentVar {
		pct += v
	}
	expect.LE(t, pct, 100.0+1e-9)

	e := exact.Embedding()
	expect.EQ(t, e.Rows, 150)
	expect.EQ(t, e.Cols, 5)
	assert.Len(t, e.Attrs[AttrVarExplained], 5)

	tr := exact.Truncate(2)
	expect.EQ(t, tr.Rank(), 2)
	r, c := tr.Rotation.Dims()
	expect.EQ(t, r, 40)
	expect.EQ(t, c, 2)
}

func TestPCAFullRankCapturesAllVariance(t *testing.T) {
	logc, _ := groupedLogcounts(2, 10, 30)
	p, err := RunPCA(logc, []int{0, 3, 5, 9}, PCAOpts{Algorithm: Exact})
	require.NoError(t, err)
	expect.EQ(t, p.Rank(), 4)
	var s float64
	for _, v := range p.VarExplained {
		s += v
	}
	assert.InDelta(t, p.TotalVar, s, 1e-9*p.TotalVar)

	_, err = RunPCA(logc, nil, DefaultPCAOpts)
	assert.True(t, errors.Is(errors.Precondition, err))
	_, err = RunPCA(logc, []int{99}, DefaultPCAOpts)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestDenoisedRank(t *testing.T) {
	ve := []float64{10, 5, 1, 0.5, 0.5}
	// Total 20: 3 never captured. Discarding the last two leaves 4 <= 4.5.
	r, err := DenoisedRank(ve, 20, 4.5, 1, 0)
	require.NoError(t, err)
	expect.EQ(t, r, 3)
	r, err = DenoisedRank(ve, 20, 100, 2, 0)
	require.NoError(t, err)
	expect.EQ(t, r, 2)
	r, err = DenoisedRank(ve, 20, 0, 1, 4)
	require.NoError(t, err)
	expect.EQ(t, r, 4)
	_, err = DenoisedRank(nil, 1, 1, 1, 1)
	assert.Error(t, err)
	_, err = DenoisedRank(ve, 20, 1, 5, 2)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func clusteredPoints(seed uint64, perGroup int) (*sce.Embedding, []int) {
	r := stats.NewRand(seed)
	centers := [][]float64{{0, 0, 0, 0, 0}, {10, 0, 0, 0, 0}, {0, 10, 0, 0, 10}}
	e := &sce.Embedding{Cols: 5}
	var labels []int
	for c, center := range centers {
		for i := 0; i < perGroup; i++ {
			for _, v := range center {
				e.Data = append(e.Data, v+r.NormFloat64())
			}
			e.Rows++
			labels = append(labels, c)
		}
	}
	return e, labels
}

func TestTSNESeparatesGroups(t *testing.T) {
	x, labels := clusteredPoints(4, 20)
	opts := DefaultTSNEOpts
	opts.Iterations = 500
	opts.Perplexity = 10
	opts.Seed = 9
	opts.Parallelism = 2
	y, err := TSNE(x, opts)
	require.NoError(t, err)
	expect.EQ(t, y.Rows, 60)
	expect.EQ(t, y.Cols, 2)

	var within, between float64
	var nw, nb int
	for i := 0; i < y.Rows; i++ {
		for j := i + 1; j < y.Rows; j++ {
			a, b := y.Row(i), y.Row(j)
			d := math.Hypot(a[0]-b[0], a[1]-b[1])
			if labels[i] == labels[j] {
				within += d
				nw++
			} else {
				between += d
				nb++
			}
		}
	}
	expect.LT(t, within/float64(nw), 0.5*between/float64(nb))

	again, err := TSNE(x, opts)
	require.NoError(t, err)
	assert.Equal(t, y.Data, again.Data)

	_, err = TSNE(&sce.Embedding{Rows: 2, Cols: 1, Data: []float64{0, 1}}, opts)
	assert.True(t, errors.Is(errors.Precondition, err))
}
