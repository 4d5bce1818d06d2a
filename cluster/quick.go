package cluster

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/dimred"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/neighbors"
	"github.com/grailbio/scrna/normalize"
	"github.com/grailbio/scrna/variance"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
)

// QuickOpts configures QuickCluster.
type QuickOpts struct {
	// Rank is the number of principal components.
	Rank int
	// K is the number of nearest neighbors.
	K          int
	Weighting  Weighting
	Resolution float64
	// MinSize merges clusters smaller than this into their most connected
	// neighbor cluster.
	MinSize int
	// Genes bounds the number of genes PCA runs on: the expressed genes
	// with the largest log-expression variance. 0 uses every expressed gene.
	Genes int
	// Algorithm names the neighbor search.
	Algorithm   string
	Seed        uint64
	Parallelism int
}

// DefaultQuickOpts holds the default options.
var DefaultQuickOpts = QuickOpts{
	Rank:       50,
	K:          10,
	Weighting:  Rank,
	Resolution: 1,
	MinSize:    100,
	Genes:      2000,
	Algorithm:  neighbors.ExactAlgorithm,
}

// QuickCluster groups cells with a coarse clustering for pooled size factor
// estimation: library-size log-normalization, PCA on the most variable
// expressed genes, an SNN graph and Louvain.
func QuickCluster(counts matrix.Reader, opts QuickOpts) (*Clustering, error) {
	_, nCells := counts.Dims()
	if opts.MinSize > 0 && nCells < opts.MinSize {
		log.Printf("cluster: %d cells is fewer than the minimum cluster size %d; using one cluster", nCells, opts.MinSize)
		labels := make([]int, nCells)
		for i := range labels {
			labels[i] = 1
		}
		return &Clustering{Labels: labels, Sizes: []int{nCells}}, nil
	}
	if opts.K < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("cluster: k must be positive, got %d", opts.K))
	}
	sf, err := normalize.LibrarySizeFactors(counts, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	logc, err := normalize.LogNormMatrix(counts, sf, 1, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	_, vars, err := variance.MeanVar(logc, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	genes := topVariable(vars, opts.Genes)
	if len(genes) == 0 {
		return nil, errors.E(errors.Precondition, "cluster: no expressed genes")
	}
	pca, err := dimred.RunPCA(logc, genes, dimred.PCAOpts{
		Rank:       opts.Rank,
		Algorithm:  dimred.Auto,
		Seed:       opts.Seed,
		Oversample: dimred.DefaultPCAOpts.Oversample,
		PowerIters: dimred.DefaultPCAOpts.PowerIters,
	})
	if err != nil {
		return nil, err
	}
	k := opts.K
	if k >= nCells {
		k = nCells - 1
	}
	searcher, err := neighbors.New(opts.Algorithm, neighbors.Opts{Parallelism: opts.Parallelism, Seed: opts.Seed})
	if err != nil {
		return nil, err
	}
	nn, err := searcher.Search(pca.Embedding(), k)
	if err != nil {
		return nil, err
	}
	g, err := BuildSNNGraph(nn, opts.Weighting, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	c, err := Louvain(g, opts.Resolution, opts.Seed)
	if err != nil {
		return nil, err
	}
	if opts.MinSize > 0 {
		c = mergeSmall(g, c, opts.MinSize, opts.Resolution)
	}
	log.Printf("cluster: quick clustering of %d cells found %d clusters", nCells, c.NumClusters())
	return c, nil
}

// topVariable returns, in increasing order, the at most n genes with the
// largest positive variance; n <= 0 returns every gene with positive
// variance.
func topVariable(vars []float64, n int) []int {
	var genes []int
	for g, v := range vars {
		if v > 0 {
			genes = append(genes, g)
		}
	}
	if n <= 0 || len(genes) <= n {
		return genes
	}
	sort.SliceStable(genes, func(a, b int) bool { return vars[genes[a]] > vars[genes[b]] })
	genes = genes[:n]
	sort.Ints(genes)
	return genes
}

// mergeSmall repeatedly merges the smallest cluster below minSize into the
// cluster it shares the most edge weight with, or the largest cluster when
// it has no outside edges.
func mergeSmall(g *Graph, c *Clustering, minSize int, resolution float64) *Clustering {
	labels := append([]int(nil), c.Labels...)
	sizes := append([]int(nil), c.Sizes...)
	n := len(sizes)
	// weight[a][b] is the summed edge weight between clusters a and b
	// (0-based).
	weight := make([][]float64, n)
	for a := range weight {
		weight[a] = make([]float64, n)
	}
	for _, e := range g.Edges {
		a, b := labels[e.From]-1, labels[e.To]-1
		if a != b {
			weight[a][b] += e.Weight
			weight[b][a] += e.Weight
		}
	}
	alive := n
	for alive > 1 {
		small := -1
		for a, s := range sizes {
			if s > 0 && s < minSize && (small < 0 || s < sizes[small]) {
				small = a
			}
		}
		if small < 0 {
			break
		}
		target := -1
		for b, s := range sizes {
			if b == small || s == 0 {
				continue
			}
			if target < 0 || weight[small][b] > weight[small][target] ||
				(weight[small][b] == weight[small][target] && s > sizes[target]) {
				target = b
			}
		}
		for i, l := range labels {
			if l == small+1 {
				labels[i] = target + 1
			}
		}
		sizes[target] += sizes[small]
		sizes[small] = 0
		for b := range weight {
			if b != target && b != small {
				weight[target][b] += weight[small][b]
				weight[b][target] += weight[b][small]
			}
			weight[small][b], weight[b][small] = 0, 0
		}
		weight[target][target] = 0
		alive--
	}
	groups := make([][]int, n)
	for i, l := range labels {
		groups[l-1] = append(groups[l-1], i)
	}
	var kept [][]int
	for _, m := range groups {
		if len(m) > 0 {
			kept = append(kept, m)
		}
	}
	if len(kept) == n {
		return c
	}
	merged := relabel(kept, make([]int, len(labels)))
	if len(g.Edges) > 0 {
		comms := make([][]graph.Node, len(kept))
		for k, m := range kept {
			for _, i := range m {
				comms[k] = append(comms[k], g.G.Node(int64(i)))
			}
		}
		merged.Modularity = community.Q(g.G, comms, resolution)
	}
	return merged
}
