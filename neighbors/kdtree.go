package neighbors

import (
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/sce"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// KDTree is an exact searcher backed by a k-d tree. It is fastest for
// low-dimensional embeddings.
type KDTree struct {
	Parallelism int
}

// point is a row of the embedding that remembers its index.
type point struct {
	idx int
	x   []float64
}

func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.x[d] - c.(point).x[d]
}

func (p point) Dims() int { return len(p.x) }

func (p point) Distance(c kdtree.Comparable) float64 { return sqDist(p.x, c.(point).x) }

type points []point

func (p points) Index(i int) kdtree.Comparable { return p[i] }
func (p points) Len() int                      { return len(p) }
func (p points) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p points) Pivot(d kdtree.Dim) int {
	pl := plane{points: p, dim: d}
	return kdtree.Partition(pl, kdtree.MedianOfRandoms(pl, 100))
}

// plane sorts points along one dimension.
type plane struct {
	points
	dim kdtree.Dim
}

func (p plane) Less(i, j int) bool { return p.points[i].x[p.dim] < p.points[j].x[p.dim] }
func (p plane) Swap(i, j int)      { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}

// Search implements Searcher.
func (s *KDTree) Search(x *sce.Embedding, k int) (*Result, error) {
	if err := checkArgs(x, k); err != nil {
		return nil, err
	}
	pts := make(points, x.Rows)
	for i := range pts {
		pts[i] = point{idx: i, x: x.Row(i)}
	}
	tree := kdtree.New(append(points(nil), pts...), false)
	res := newResult(x.Rows, k, KDTreeAlgorithm)
	err := shard.Each(x.Rows, s.Parallelism, func(_ int, r shard.Range) error {
		var top topK
		for i := r.Start; i < r.End; i++ {
			// One extra slot for the query itself.
			keep := kdtree.NewNKeeper(k + 1)
			tree.NearestSet(keep, pts[i])
			top.reset(k)
			for _, c := range keep.Heap {
				if c.Comparable == nil {
					continue
				}
				if p := c.Comparable.(point); p.idx != i {
					top.offer(candidate{p.idx, c.Dist})
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
