package neighbors

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
	"golang.org/x/exp/rand"
)

// RPForest is an approximate searcher. Each tree recursively splits the
// points by random hyperplanes until leaves are small; the candidates for a
// point are the members of its leaves across all trees.
type RPForest struct {
	Trees       int
	LeafSize    int
	Seed        uint64
	Parallelism int
}

// Default forest shape.
const (
	DefaultTrees    = 10
	DefaultLeafSize = 40
)

// Search implements Searcher. Result.Approximate is always set.
func (s *RPForest) Search(x *sce.Embedding, k int) (*Result, error) {
	if err := checkArgs(x, k); err != nil {
		return nil, err
	}
	trees := s.Trees
	if trees <= 0 {
		trees = DefaultTrees
	}
	leafSize := s.LeafSize
	if leafSize <= 0 {
		leafSize = DefaultLeafSize
	}
	if leafSize < k+1 {
		leafSize = k + 1
	}
	n := x.Rows
	// leaves[t][i] is the members of point i's leaf in tree t.
	leaves := make([][][]int, trees)
	err := shard.Each(trees, s.Parallelism, func(_ int, r shard.Range) error {
		for t := r.Start; t < r.End; t++ {
			rng := stats.NewRand(s.Seed, uint64(t))
			idx := make([]int, n)
			for i := range idx {
				idx[i] = i
			}
			leaves[t] = make([][]int, n)
			split(x, idx, leafSize, rng, leaves[t])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := newResult(n, k, RPTreeAlgorithm)
	res.Approximate = true
	err = shard.Each(n, s.Parallelism, func(_ int, r shard.Range) error {
		var top topK
		seen := make(map[int]bool)
		for i := r.Start; i < r.End; i++ {
			top.reset(k)
			for key := range seen {
				delete(seen, key)
			}
			xi := x.Row(i)
			for t := range leaves {
				for _, j := range leaves[t][i] {
					if j == i || seen[j] {
						continue
					}
					seen[j] = true
					top.offer(candidate{j, sqDist(xi, x.Row(j))})
				}
			}
			if top.Len() < k {
				// Leaves too small to supply k candidates.
				for j := 0; j < n; j++ {
					if j != i && !seen[j] {
						top.offer(candidate{j, sqDist(xi, x.Row(j))})
					}
				}
			}
			res.Index[i], res.Distance[i] = top.sorted()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug.Printf("neighbors: random projection forest of %d trees, leaf size %d", trees, leafSize)
	return res, nil
}

// split partitions idx by a random hyperplane through the midpoint of two
// random members, recursing until at most leafSize points remain. Leaves are
// recorded for each member.
func split(x *sce.Embedding, idx []int, leafSize int, rng *rand.Rand, leaves [][]int) {
	if len(idx) <= leafSize {
		leaf := append([]int(nil), idx...)
		for _, i := range idx {
			leaves[i] = leaf
		}
		return
	}
	a := idx[rng.Intn(len(idx))]
	b := idx[rng.Intn(len(idx))]
	xa, xb := x.Row(a), x.Row(b)
	normal := make([]float64, x.Cols)
	var offset float64
	for d := range normal {
		normal[d] = xa[d] - xb[d]
		offset += normal[d] * (xa[d] + xb[d]) / 2
	}
	left, right := 0, len(idx)
	// Partition in place: idx[:left] below the plane, idx[right:] above.
	for left < right {
		var proj float64
		for d, v := range x.Row(idx[left]) {
			proj += normal[d] * v
		}
		side := proj > offset
		if proj == offset {
			side = rng.Intn(2) == 0
		}
		if side {
			right--
			idx[left], idx[right] = idx[right], idx[left]
		} else {
			left++
		}
	}
	if left == 0 || left == len(idx) {
		// Degenerate plane, e.g. identical points: split at random.
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		left = len(idx) / 2
	}
	split(x, idx[:left], leafSize, rng, leaves)
	split(x, idx[left:], leafSize, rng, leaves)
}
