package cluster

import (
	"os"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/neighbors"
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

func tinyNeighbors() *neighbors.Result {
	return &neighbors.Result{
		K:     1,
		Index: [][]int{{1}, {0}, {1}},
	}
}

func TestSNNWeights(t *testing.T) {
	tests := []struct {
		w    Weighting
		want []float64
	}{
		{Rank, []float64{0.5, minWeight, 0.5}},
		{Number, []float64{2, 1, 1}},
		{Jaccard, []float64{1, 1.0 / 3, 1.0 / 3}},
	}
	for _, test := range tests {
		g, err := BuildSNNGraph(tinyNeighbors(), test.w, 2)
		require.NoError(t, err)
		require.Len(t, g.Edges, 3, "%s", test.w)
		pairs := [][2]int{{0, 1}, {0, 2}, {1, 2}}
		for i, e := range g.Edges {
			expect.EQ(t, [2]int{e.From, e.To}, pairs[i])
			assert.InDelta(t, test.want[i], e.Weight, 1e-12, "%s edge %d", test.w, i)
		}
		w, ok := g.G.Weight(0, 1)
		assert.True(t, ok)
		assert.InDelta(t, test.want[0], w, 1e-12)
	}
	_, err := ParseWeighting("cosine")
	assert.True(t, errors.Is(errors.Invalid, err))
}

// blobs returns perGroup points around each of three distant centers.
func blobs(seed uint64, perGroup int) (*sce.Embedding, []int) {
	r := stats.NewRand(seed)
	centers := [][]float64{{0, 0, 0}, {20, 0, 0}, {0, 20, 0}}
	e := &sce.Embedding{Cols: 3}
	var truth []int
	for c, center := range centers {
		for i := 0; i < perGroup; i++ {
			for _, v := range center {
				e.Data = append(e.Data, v+r.NormFloat64())
			}
			e.Rows++
			truth = append(truth, c)
		}
	}
	return e, truth
}

// checkPartition verifies that labels and truth define the same partition.
func checkPartition(t *testing.T, labels, truth []int) {
	t.Helper()
	fwd := map[int]int{}
	back := map[int]int{}
	for i := range labels {
		if l, ok := fwd[truth[i]]; ok {
			expect.EQ(t, labels[i], l, "cell %d", i)
		} else {
			fwd[truth[i]] = labels[i]
		}
		if c, ok := back[labels[i]]; ok {
			expect.EQ(t, truth[i], c, "cell %d", i)
		} else {
			back[labels[i]] = truth[i]
		}
	}
}

func TestLouvainRecoversBlobs(t *testing.T) {
	x, truth := blobs(1, 40)
	nn, err := (&neighbors.Exact{}).Search(x, 10)
	require.NoError(t, err)
	g, err := BuildSNNGraph(nn, Rank, 0)
	require.NoError(t, err)
	// Disconnected blobs: no edge crosses groups.
	for _, e := range g.Edges {
		expect.EQ(t, truth[e.From], truth[e.To])
	}
	c, err := Louvain(g, 0.3, 7)
	require.NoError(t, err)
	expect.EQ(t, c.NumClusters(), 3)
	checkPartition(t, c.Labels, truth)
	expect.GT(t, c.Modularity, 0.5)
	var total int
	for k, s := range c.Sizes {
		total += s
		if k > 0 {
			expect.LE(t, s, c.Sizes[k-1])
		}
	}
	expect.EQ(t, total, 120)

	again, err := Louvain(g, 0.3, 7)
	require.NoError(t, err)
	assert.Equal(t, c.Labels, again.Labels)

	_, err = Louvain(g, 0, 7)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestRelabelOrder(t *testing.T) {
	labels := make([]int, 6)
	c := relabel([][]int{{3}, {1, 4}, {0, 2, 5}}, labels)
	assert.Equal(t, []int{1, 2, 1, 3, 2, 1}, c.Labels)
	assert.Equal(t, []int{3, 2, 1}, c.Sizes)
	// Equal sizes are ordered by first member.
	c = relabel([][]int{{2, 3}, {0, 1}}, make([]int, 4))
	assert.Equal(t, []int{1, 1, 2, 2}, c.Labels)
}

// groupCounts simulates three cell populations with distinct expression
// programs, perGroup cells each.
func groupCounts(seed uint64, perGroup int) (*matrix.CSC, []int) {
	const genes = 150
	src := stats.NewSource(seed)
	b := matrix.NewBuilder(genes, 3*perGroup)
	var truth []int
	for j := 0; j < 3*perGroup; j++ {
		grp := j / perGroup
		truth = append(truth, grp)
		for g := 0; g < genes; g++ {
			lambda := 1.0
			if g/30 == grp {
				lambda = 12
			}
			v := distuv.Poisson{Lambda: lambda, Src: src}.Rand()
			if v > 0 {
				if err := b.Add(g, j, v); err != nil {
					panic(err)
				}
			}
		}
	}
	return b.Build(), truth
}

func TestQuickCluster(t *testing.T) {
	counts, truth := groupCounts(2, 110)
	opts := DefaultQuickOpts
	opts.Seed = 3
	opts.Rank = 10
	opts.Parallelism = 2
	c, err := QuickCluster(counts, opts)
	require.NoError(t, err)
	expect.EQ(t, c.NumClusters(), 3)
	checkPartition(t, c.Labels, truth)
	for _, s := range c.Sizes {
		expect.GE(t, s, opts.MinSize)
	}

	// Too few cells for two clusters of the minimum size.
	small, _ := groupCounts(2, 20)
	c, err = QuickCluster(small, opts)
	require.NoError(t, err)
	expect.EQ(t, c.NumClusters(), 1)
}

func TestQuickClusterGeneSubset(t *testing.T) {
	counts, truth := groupCounts(2, 110)
	opts := DefaultQuickOpts
	opts.Seed = 3
	opts.Rank = 10
	opts.Genes = 45
	c, err := QuickCluster(counts, opts)
	require.NoError(t, err)
	expect.EQ(t, c.NumClusters(), 3)
	checkPartition(t, c.Labels, truth)
}

func TestTopVariable(t *testing.T) {
	vars := []float64{0.5, 0, 2, 1, 3, 0.1}
	assert.Equal(t, []int{2, 3, 4}, topVariable(vars, 3))
	assert.Equal(t, []int{0, 2, 3, 4, 5}, topVariable(vars, 0))
	assert.Equal(t, []int{0, 2, 3, 4, 5}, topVariable(vars, 10))
	assert.Empty(t, topVariable([]float64{0, 0}, 2))
}

func TestMergeSmall(t *testing.T) {
	// Clusters {0,1,2}, {3,4} and {5}; 5 is tied to 3 and 4.
	g, err := BuildSNNGraph(&neighbors.Result{
		K:     1,
		Index: [][]int{{1}, {2}, {0}, {4}, {3}, {4}},
	}, Number, 1)
	require.NoError(t, err)
	c := relabel([][]int{{0, 1, 2}, {3, 4}, {5}}, make([]int, 6))
	m := mergeSmall(g, c, 3, 1)
	assert.Equal(t, []int{1, 1, 1, 2, 2, 2}, m.Labels)
	assert.Equal(t, []int{3, 3}, m.Sizes)
}
