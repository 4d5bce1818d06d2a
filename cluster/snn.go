// Package cluster groups cells by community detection on a shared nearest
// neighbor graph.
package cluster

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/neighbors"
	"gonum.org/v1/gonum/graph/simple"
)

// Weighting selects how shared neighbors translate into an edge weight.
type Weighting string

const (
	// Rank weights an edge by k - r/2, where r is the smallest sum of the
	// ranks of any shared neighbor in the two neighbor lists. A cell is its
	// own neighbor of rank 0.
	Rank Weighting = "rank"
	// Number weights an edge by the number of shared neighbors.
	Number Weighting = "number"
	// Jaccard weights an edge by the Jaccard index of the neighbor sets.
	Jaccard Weighting = "jaccard"
)

// ParseWeighting parses a weighting name.
func ParseWeighting(s string) (Weighting, error) {
	switch w := Weighting(s); w {
	case Rank, Number, Jaccard:
		return w, nil
	case "":
		return Rank, nil
	}
	return "", errors.E(errors.Invalid, fmt.Sprintf("cluster: unknown SNN weighting %q", s))
}

// minWeight is the weight of an edge whose shared neighbors sit at the end of
// both lists, where k - r/2 would reach zero.
const minWeight = 1e-6

// Edge is an undirected weighted edge with From < To.
type Edge struct {
	From, To int
	Weight   float64
}

// Graph is a shared nearest neighbor graph over N cells.
type Graph struct {
	N     int
	Edges []Edge
	G     *simple.WeightedUndirectedGraph
}

// BuildSNNGraph connects every pair of cells that share at least one
// neighbor, counting each cell as its own neighbor. Edges are listed in
// order of (From, To).
func BuildSNNGraph(nn *neighbors.Result, w Weighting, parallelism int) (*Graph, error) {
	n := len(nn.Index)
	if n == 0 {
		return nil, errors.E(errors.Precondition, "cluster: empty neighbor result")
	}
	if w == "" {
		w = Rank
	}
	if _, err := ParseWeighting(string(w)); err != nil {
		return nil, err
	}
	k := nn.K
	type entry struct{ cell, rank int }
	// holders[m] lists the cells having m in their extended neighbor list.
	holders := make([][]entry, n)
	for i := 0; i < n; i++ {
		holders[i] = append(holders[i], entry{i, 0})
		for r, m := range nn.Index[i] {
			holders[m] = append(holders[m], entry{i, r + 1})
		}
	}

	ranges := shard.Split(n, shard.Parallelism(parallelism))
	parts := make([][]Edge, len(ranges))
	err := shard.Each(n, parallelism, func(s int, rg shard.Range) error {
		best := make(map[int]int)
		shared := make(map[int]int)
		var out []Edge
		var others []int
		for i := rg.Start; i < rg.End; i++ {
			for key := range best {
				delete(best, key)
				delete(shared, key)
			}
			others = others[:0]
			visit := func(m, ri int) {
				for _, h := range holders[m] {
					if h.cell <= i {
						continue
					}
					sum := ri + h.rank
					if prev, ok := best[h.cell]; !ok {
						best[h.cell] = sum
						others = append(others, h.cell)
					} else if sum < prev {
						best[h.cell] = sum
					}
					shared[h.cell]++
				}
			}
			visit(i, 0)
			for r, m := range nn.Index[i] {
				visit(m, r+1)
			}
			sort.Ints(others)
			for _, j := range others {
				var weight float64
				switch w {
				case Rank:
					weight = float64(k) - float64(best[j])/2
					if weight < minWeight {
						weight = minWeight
					}
				case Number:
					weight = float64(shared[j])
				case Jaccard:
					s := float64(shared[j])
					weight = s / (2*float64(k+1) - s)
				}
				out = append(out, Edge{From: i, To: j, Weight: weight})
			}
		}
		parts[s] = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	g := &Graph{N: n, G: simple.NewWeightedUndirectedGraph(0, 0)}
	for i := 0; i < n; i++ {
		g.G.AddNode(simple.Node(i))
	}
	for _, p := range parts {
		for _, e := range p {
			g.G.SetWeightedEdge(simple.WeightedEdge{F: simple.Node(e.From), T: simple.Node(e.To), W: e.Weight})
		}
		g.Edges = append(g.Edges, p...)
	}
	log.Debug.Printf("cluster: SNN graph (%s) with %d cells and %d edges", w, n, len(g.Edges))
	return g, nil
}
