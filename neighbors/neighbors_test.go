package neighbors

import (
	"os"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	status := m.Run()
	shutdown()
	os.Exit(status)
}

func randomEmbedding(seed uint64, rows, cols int) *sce.Embedding {
	r := stats.NewRand(seed)
	e := &sce.Embedding{Rows: rows, Cols: cols, Data: make([]float64, rows*cols)}
	for i := range e.Data {
		e.Data[i] = r.NormFloat64()
	}
	return e
}

func TestExactOrdering(t *testing.T) {
	// Points on a line: 0, 1, 3, 6.
	x := &sce.Embedding{Rows: 4, Cols: 1, Data: []float64{0, 1, 3, 6}}
	res, err := (&Exact{}).Search(x, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, res.Index[0])
	assert.Equal(t, []float64{1, 3}, res.Distance[0])
	assert.Equal(t, []int{2, 1}, res.Index[3])
	expect.False(t, res.Approximate)
	expect.EQ(t, res.Algorithm, ExactAlgorithm)

	// Equidistant neighbors are ordered by index.
	x = &sce.Embedding{Rows: 3, Cols: 1, Data: []float64{0, -1, 1}}
	res, err = (&Exact{}).Search(x, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, res.Index[0])
}

func TestKDTreeMatchesExact(t *testing.T) {
	x := randomEmbedding(1, 300, 4)
	for _, k := range []int{1, 5, 20} {
		want, err := (&Exact{Parallelism: 3}).Search(x, k)
		require.NoError(t, err)
		got, err := (&KDTree{Parallelism: 2}).Search(x, k)
		require.NoError(t, err)
		assert.Equal(t, want.Index, got.Index, "k=%d", k)
		for i := range want.Distance {
			assert.InDeltaSlice(t, want.Distance[i], got.Distance[i], 1e-12)
		}
	}
}

func TestRPForestRecall(t *testing.T) {
	x := randomEmbedding(2, 1000, 5)
	const k = 10
	want, err := (&Exact{}).Search(x, k)
	require.NoError(t, err)
	s, err := New(RPTreeAlgorithm, Opts{Trees: 20, LeafSize: 50, Seed: 5, Parallelism: 4})
	require.NoError(t, err)
	got, err := s.Search(x, k)
	require.NoError(t, err)
	expect.True(t, got.Approximate)

	var hit int
	for i := range want.Index {
		require.Len(t, got.Index[i], k)
		truth := map[int]bool{}
		for _, j := range want.Index[i] {
			truth[j] = true
		}
		for _, j := range got.Index[i] {
			assert.NotEqual(t, i, j)
			if truth[j] {
				hit++
			}
		}
	}
	expect.GT(t, float64(hit)/float64(k*x.Rows), 0.9)

	// Same seed, same forest regardless of parallelism.
	s2 := &RPForest{Trees: 20, LeafSize: 50, Seed: 5, Parallelism: 1}
	again, err := s2.Search(x, k)
	require.NoError(t, err)
	assert.Equal(t, got.Index, again.Index)
}

func TestRPForestDuplicatePoints(t *testing.T) {
	x := &sce.Embedding{Rows: 100, Cols: 2, Data: make([]float64, 200)}
	res, err := (&RPForest{LeafSize: 10, Seed: 1}).Search(x, 3)
	require.NoError(t, err)
	for i := range res.Index {
		require.Len(t, res.Index[i], 3)
		assert.Equal(t, []float64{0, 0, 0}, res.Distance[i])
	}
}

func TestSearchErrors(t *testing.T) {
	x := randomEmbedding(3, 5, 2)
	for _, alg := range []string{ExactAlgorithm, KDTreeAlgorithm, RPTreeAlgorithm} {
		s, err := New(alg, Opts{})
		require.NoError(t, err)
		_, err = s.Search(x, 0)
		assert.True(t, errors.Is(errors.Invalid, err), alg)
		_, err = s.Search(x, 5)
		assert.True(t, errors.Is(errors.Precondition, err), alg)
	}
	_, err := New("annoy", Opts{})
	assert.True(t, errors.Is(errors.Invalid, err))
}
