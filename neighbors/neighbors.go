// Package neighbors finds the k nearest neighbors of every cell in a
// reduced-dimension embedding. Search algorithms are interchangeable behind
// Searcher; downstream code depends only on Result.
package neighbors

import (
	"container/heap"
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/sce"
)

// Result holds, for every point, its k nearest other points ordered by
// increasing distance, ties broken by index.
type Result struct {
	Index    [][]int
	Distance [][]float64
	K        int
	// Approximate is set when the search may have missed true neighbors.
	Approximate bool
	Algorithm   string
}

// Searcher finds the k nearest neighbors of every row of an embedding,
// excluding the row itself.
type Searcher interface {
	Search(x *sce.Embedding, k int) (*Result, error)
}

// Algorithm names accepted by New.
const (
	ExactAlgorithm  = "exact"
	KDTreeAlgorithm = "kdtree"
	RPTreeAlgorithm = "rptree"
)

// Opts configures the searcher returned by New.
type Opts struct {
	Parallelism int
	// Trees and LeafSize configure the random projection forest.
	Trees    int
	LeafSize int
	Seed     uint64
}

// New returns the searcher for algorithm.
func New(algorithm string, opts Opts) (Searcher, error) {
	switch algorithm {
	case ExactAlgorithm, "":
		return &Exact{Parallelism: opts.Parallelism}, nil
	case KDTreeAlgorithm:
		return &KDTree{Parallelism: opts.Parallelism}, nil
	case RPTreeAlgorithm:
		return &RPForest{Trees: opts.Trees, LeafSize: opts.LeafSize, Seed: opts.Seed, Parallelism: opts.Parallelism}, nil
	}
	return nil, errors.E(errors.Invalid, fmt.Sprintf("neighbors: unknown algorithm %q", algorithm))
}

func checkArgs(x *sce.Embedding, k int) error {
	if k < 1 {
		return errors.E(errors.Invalid, fmt.Sprintf("neighbors: k must be positive, got %d", k))
	}
	if x.Rows <= k {
		return errors.E(errors.Precondition, fmt.Sprintf("neighbors: %d points, need more than k=%d", x.Rows, k))
	}
	return nil
}

func newResult(n, k int, alg string) *Result {
	return &Result{
		Index:     make([][]int, n),
		Distance:  make([][]float64, n),
		K:         k,
		Algorithm: alg,
	}
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i, v := range a {
		d := v - b[i]
		s += d * d
	}
	return s
}

type candidate struct {
	idx  int
	dist float64 // squared
}

// worse orders candidates by decreasing distance, then decreasing index.
func worse(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.idx > b.idx
}

// topK keeps the k best candidates in a max-heap.
type topK struct {
	k int
	h []candidate
}

func (t *topK) Len() int           { return len(t.h) }
func (t *topK) Less(i, j int) bool { return worse(t.h[i], t.h[j]) }
func (t *topK) Swap(i, j int)      { t.h[i], t.h[j] = t.h[j], t.h[i] }
func (t *topK) Push(x interface{}) { t.h = append(t.h, x.(candidate)) }
func (t *topK) Pop() interface{}   { c := t.h[len(t.h)-1]; t.h = t.h[:len(t.h)-1]; return c }
func (t *topK) reset(k int)        { t.k, t.h = k, t.h[:0] }
func (t *topK) offer(c candidate) {
	if len(t.h) < t.k {
		heap.Push(t, c)
		return
	}
	if worse(t.h[0], c) {
		t.h[0] = c
		heap.Fix(t, 0)
	}
}

// sorted returns the kept candidates from best to worst.
func (t *topK) sorted() ([]int, []float64) {
	c := append([]candidate(nil), t.h...)
	sort.Slice(c, func(a, b int) bool { return worse(c[b], c[a]) })
	idx := make([]int, len(c))
	dist := make([]float64, len(c))
	for i, v := range c {
		idx[i], dist[i] = v.idx, math.Sqrt(v.dist)
	}
	return idx, dist
}
