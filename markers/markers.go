// Package markers finds genes that distinguish each cluster from the others
// by pairwise tests between clusters.
package markers

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/stats"
)

// Test selects the pairwise test.
type Test string

const (
	// T is Welch's t-test; the effect is the log-fold change.
	T Test = "t"
	// Wilcox is the Wilcoxon rank-sum test; the effect is AUC - 0.5.
	Wilcox Test = "wilcox"
)

// Direction selects the alternative hypothesis.
type Direction string

const (
	Any  Direction = "any"
	Up   Direction = "up"
	Down Direction = "down"
)

// Combine selects how the p-values of the comparisons against the other
// clusters are combined per gene.
type Combine string

const (
	// CombineAny takes the minimum Holm-adjusted p-value: the gene differs
	// from at least one other cluster.
	CombineAny Combine = "any"
	// CombineAll takes the maximum p-value: the gene differs from every
	// other cluster.
	CombineAll Combine = "all"
	// CombineSome takes the middle Holm-adjusted p-value: the gene differs
	// from at least half of the other clusters.
	CombineSome Combine = "some"
)

// Opts configures FindMarkers.
type Opts struct {
	Test        Test
	Direction   Direction
	Combine     Combine
	Parallelism int
}

// DefaultOpts holds the default options.
var DefaultOpts = Opts{Test: T, Direction: Any, Combine: CombineAny}

func (o Opts) validate() error {
	switch o.Test {
	case T, Wilcox:
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("markers: unknown test %q", o.Test))
	}
	switch o.Direction {
	case Any, Up, Down:
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("markers: unknown direction %q", o.Direction))
	}
	switch o.Combine {
	case CombineAny, CombineAll, CombineSome:
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("markers: unknown p-value combination %q", o.Combine))
	}
	return nil
}

// Marker is one gene's statistics for a cluster.
type Marker struct {
	Gene   int
	PValue float64
	FDR    float64
	// Top is the smallest rank of the gene across the comparisons, where
	// genes are ranked by p-value within each comparison.
	Top int
	// Effect is the effect of the comparison that decided PValue.
	Effect float64
	// Effects holds the effect against each cluster of Others.
	Effects []float64
}

// ClusterMarkers holds the markers of one cluster ranked by p-value then
// effect magnitude.
type ClusterMarkers struct {
	Cluster int
	Others  []int
	Markers []Marker
}

// Result holds the markers of every cluster, in increasing cluster order.
type Result struct {
	Opts     Opts
	Clusters []*ClusterMarkers
}

// Cluster returns the markers of cluster label.
func (r *Result) Cluster(label int) (*ClusterMarkers, error) {
	for _, c := range r.Clusters {
		if c.Cluster == label {
			return c, nil
		}
	}
	return nil, errors.E(errors.NotExist, fmt.Sprintf("markers: no cluster %d", label))
}

// FindMarkers tests every gene of logc, a genes x cells matrix, between
// every pair of clusters and combines the comparisons per cluster. With
// direction Up (Down), genes with a negative (positive) effect against any
// other cluster are left out of that cluster's list.
func FindMarkers(logc matrix.Reader, labels []int, opts Opts) (*Result, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	nGenes, nCells := logc.Dims()
	if len(labels) != nCells {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("markers: %d labels for %d cells", len(labels), nCells))
	}
	var clusters []int
	index := map[int]int{}
	for _, l := range labels {
		if _, ok := index[l]; !ok {
			index[l] = -1
			clusters = append(clusters, l)
		}
	}
	sort.Ints(clusters)
	for k, l := range clusters {
		index[l] = k
	}
	nc := len(clusters)
	if nc < 2 {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("markers: need at least two clusters, got %d", nc))
	}
	member := make([]int, nCells)
	sizes := make([]int, nc)
	for j, l := range labels {
		member[j] = index[l]
		sizes[member[j]]++
	}

	rows, err := geneRows(logc)
	if err != nil {
		return nil, err
	}
	// pv[a][b][g] and eff[a][b][g] hold the directional p-value and effect
	// of cluster a against cluster b.
	pv := make([][][]float64, nc)
	eff := make([][][]float64, nc)
	for a := range pv {
		pv[a] = make([][]float64, nc)
		eff[a] = make([][]float64, nc)
		for b := range pv[a] {
			if a != b {
				pv[a][b] = make([]float64, nGenes)
				eff[a][b] = make([]float64, nGenes)
			}
		}
	}
	err = shard.Each(nGenes, opts.Parallelism, func(_ int, r shard.Range) error {
		groups := make([][]float64, nc)
		gs := make([]groupStats, nc)
		for g := r.Start; g < r.End; g++ {
			cells, vals := rows.ColView(g)
			for a := range groups {
				groups[a] = groups[a][:0]
			}
			if opts.Test == Wilcox {
				// Dense per-cluster values: zeros then the stored entries.
				for a := range groups {
					n := sizes[a]
					if cap(groups[a]) < n {
						groups[a] = make([]float64, 0, n)
					}
				}
				nz := make([]int, nc)
				for _, j := range cells {
					nz[member[j]]++
				}
				for a := range groups {
					for z := 0; z < sizes[a]-nz[a]; z++ {
						groups[a] = append(groups[a], 0)
					}
				}
				for k, j := range cells {
					groups[member[j]] = append(groups[member[j]], vals[k])
				}
				for a := range groups {
					sort.Float64s(groups[a])
				}
			} else {
				for a := range gs {
					gs[a] = groupStats{n: sizes[a]}
				}
				sumSq := make([]float64, nc)
				for k, j := range cells {
					a := member[j]
					gs[a].mean += vals[k]
					sumSq[a] += vals[k] * vals[k]
				}
				for a := range gs {
					n := float64(sizes[a])
					sum := gs[a].mean
					gs[a].mean = sum / n
					if sizes[a] > 1 {
						gs[a].vr = math.Max(0, (sumSq[a]-sum*sum/n)/(n-1))
					}
				}
			}
			for a := 0; a < nc; a++ {
				for b := a + 1; b < nc; b++ {
					var up, down, e float64
					if opts.Test == Wilcox {
						up, down, e = rankSum(groups[a], groups[b])
					} else {
						up, down, e = welch(&gs[a], &gs[b])
					}
					eff[a][b][g], eff[b][a][g] = e, -e
					switch opts.Direction {
					case Up:
						pv[a][b][g], pv[b][a][g] = up, down
					case Down:
						pv[a][b][g], pv[b][a][g] = down, up
					default:
						p := twoSided(up, down)
						pv[a][b][g], pv[b][a][g] = p, p
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Opts: opts, Clusters: make([]*ClusterMarkers, nc)}
	err = shard.Each(nc, opts.Parallelism, func(_ int, r shard.Range) error {
		for a := r.Start; a < r.End; a++ {
			res.Clusters[a] = combine(a, clusters, pv[a], eff[a], nGenes, opts)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("markers: %s tests (%s, %s) for %d genes across %d clusters", opts.Test, opts.Direction, opts.Combine, nGenes, nc)
	return res, nil
}

// geneRows returns logc with genes as columns.
func geneRows(logc matrix.Reader) (*matrix.CSC, error) {
	m, err := matrix.Materialize(logc)
	if err != nil {
		return nil, err
	}
	return m.Transpose(), nil
}

// combine forms cluster a's marker list from its comparisons.
func combine(a int, clusters []int, pv, eff [][]float64, nGenes int, opts Opts) *ClusterMarkers {
	cm := &ClusterMarkers{Cluster: clusters[a]}
	var others []int
	for b := range clusters {
		if b != a {
			others = append(others, b)
			cm.Others = append(cm.Others, clusters[b])
		}
	}
	top := make([]int, nGenes)
	for g := range top {
		top[g] = math.MaxInt32
	}
	order := make([]int, nGenes)
	for _, b := range others {
		p := pv[b]
		for g := range order {
			order[g] = g
		}
		sort.SliceStable(order, func(x, y int) bool { return pLess(p[order[x]], p[order[y]]) })
		for r, g := range order {
			if r+1 < top[g] {
				top[g] = r + 1
			}
		}
	}

	all := make([]Marker, nGenes)
	excluded := make([]bool, nGenes)
	pvals := make([]float64, nGenes)
	cmp := make([]float64, len(others))
	for g := range all {
		m := Marker{Gene: g, Top: top[g], Effects: make([]float64, len(others))}
		for k, b := range others {
			e := eff[b][g]
			m.Effects[k] = e
			cmp[k] = pv[b][g]
			if (opts.Direction == Up && e < 0) || (opts.Direction == Down && e > 0) {
				excluded[g] = true
			}
		}
		m.PValue, m.Effect = combined(cmp, m.Effects, opts.Combine)
		pvals[g] = m.PValue
		all[g] = m
	}
	fdr := stats.AdjustBH(pvals)
	markers := make([]Marker, 0, nGenes)
	for g, m := range all {
		if !excluded[g] {
			m.FDR = fdr[g]
			markers = append(markers, m)
		}
	}
	sort.SliceStable(markers, func(x, y int) bool {
		mx, my := &markers[x], &markers[y]
		if mx.PValue != my.PValue && !(math.IsNaN(mx.PValue) && math.IsNaN(my.PValue)) {
			return pLess(mx.PValue, my.PValue)
		}
		ex, ey := math.Abs(mx.Effect), math.Abs(my.Effect)
		if ex != ey && !math.IsNaN(ex) && !math.IsNaN(ey) {
			return ex > ey
		}
		return mx.Gene < my.Gene
	})
	cm.Markers = markers
	return cm
}

// combined returns the combined p-value of one gene and the effect of the
// deciding comparison.
func combined(p, effects []float64, how Combine) (float64, float64) {
	pick := -1
	for k, v := range p {
		if math.IsNaN(v) {
			continue
		}
		if pick < 0 {
			pick = k
			continue
		}
		if how == CombineAll {
			if v > p[pick] {
				pick = k
			}
		} else if v < p[pick] {
			pick = k
		}
	}
	if pick < 0 {
		return math.NaN(), math.NaN()
	}
	switch how {
	case CombineAll:
		return p[pick], effects[pick]
	case CombineSome:
		adj := holmSorted(p)
		mid := (len(adj)+1)/2 - 1
		// Holm adjustment preserves the order of the raw p-values.
		var order []int
		for k, v := range p {
			if !math.IsNaN(v) {
				order = append(order, k)
			}
		}
		sort.SliceStable(order, func(x, y int) bool { return p[order[x]] < p[order[y]] })
		return adj[mid], effects[order[mid]]
	}
	return holmSorted(p)[0], effects[pick]
}

// pLess orders p-values ascending with NaN last.
func pLess(a, b float64) bool {
	if math.IsNaN(b) {
		return !math.IsNaN(a)
	}
	return a < b
}
