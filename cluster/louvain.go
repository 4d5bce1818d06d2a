package cluster

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/stats"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/community"
)

// Clustering is a partition of cells.
type Clustering struct {
	// Labels holds a 1-based cluster per cell. Cluster 1 is the largest;
	// equal sizes are ordered by their first member.
	Labels     []int
	Sizes      []int
	Modularity float64
}

// NumClusters returns the number of clusters.
func (c *Clustering) NumClusters() int { return len(c.Sizes) }

// Louvain partitions g by multi-level modularity optimization at the given
// resolution. The result is a function of g, resolution and seed.
func Louvain(g *Graph, resolution float64, seed uint64) (*Clustering, error) {
	if g.N == 0 {
		return nil, errors.E(errors.Precondition, "cluster: empty graph")
	}
	if !(resolution > 0) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("cluster: resolution must be positive, got %v", resolution))
	}
	var comms [][]graph.Node
	if len(g.Edges) == 0 {
		// Modularity is undefined without edges; every cell is its own
		// community.
		for i := 0; i < g.N; i++ {
			comms = append(comms, []graph.Node{g.G.Node(int64(i))})
		}
	} else {
		reduced := community.Modularize(g.G, resolution, stats.NewSource(seed))
		comms = reduced.Communities()
	}
	labels := make([]int, g.N)
	groups := make([][]int, 0, len(comms))
	for _, c := range comms {
		if len(c) == 0 {
			continue
		}
		m := make([]int, len(c))
		for i, n := range c {
			m[i] = int(n.ID())
		}
		sort.Ints(m)
		groups = append(groups, m)
	}
	c := relabel(groups, labels)
	if len(g.Edges) > 0 {
		c.Modularity = community.Q(g.G, comms, resolution)
	}
	log.Debug.Printf("cluster: louvain at resolution %v found %d clusters, modularity %.3f", resolution, c.NumClusters(), c.Modularity)
	return c, nil
}

// relabel assigns 1-based labels to groups, each sorted by member, ordered
// by decreasing size then first member.
func relabel(groups [][]int, labels []int) *Clustering {
	sort.Slice(groups, func(a, b int) bool {
		if len(groups[a]) != len(groups[b]) {
			return len(groups[a]) > len(groups[b])
		}
		return groups[a][0] < groups[b][0]
	})
	c := &Clustering{Labels: labels, Sizes: make([]int, len(groups))}
	for k, members := range groups {
		c.Sizes[k] = len(members)
		for _, i := range members {
			labels[i] = k + 1
		}
	}
	return c
}
