package neighbors

import (
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/sce"
)

// Exact is a brute-force searcher.
type Exact struct {
	Parallelism int
}

// Search implements Searcher.
func (s *Exact) Search(x *sce.Embedding, k int) (*Result, error) {
	if err := checkArgs(x, k); err != nil {
		return nil, err
	}
	res := newResult(x.Rows, k, ExactAlgorithm)
	err := shard.Each(x.Rows, s.Parallelism, func(_ int, r shard.Range) error {
		var top topK
		for i := r.Start; i < r.End; i++ {
			top.reset(k)
			xi := x.Row(i)
			for j := 0; j < x.Rows; j++ {
				if j != i {
					top.offer(candidate{j, sqDist(xi, x.Row(j))})
				}
			}
			res.Index[i], res.Distance[i] = top.sorted()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
