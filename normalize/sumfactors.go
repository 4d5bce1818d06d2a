package normalize

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/matrix"
	"gonum.org/v1/gonum/dsp/fourier"
)

// SumFactorsOpts configures ComputeSumFactors.
type SumFactorsOpts struct {
	// Sizes are the pool sizes. Sizes larger than a cluster are clamped to
	// the cluster size.
	Sizes []int
	// MinMean is the minimum average count of a gene, per cluster, for it to
	// be used in the pooled ratios.
	MinMean float64
	// Clusters assigns each cell a label. Pools are formed within clusters.
	// nil puts all cells in one cluster.
	Clusters []int
	// Center scales the factors to mean one.
	Center      bool
	Parallelism int
}

// DefaultSizes returns the pool sizes 21, 26, ..., 101.
func DefaultSizes() []int {
	var s []int
	for n := 21; n <= 101; n += 5 {
		s = append(s, n)
	}
	return s
}

// DefaultSumFactorsOpts holds the default options.
var DefaultSumFactorsOpts = SumFactorsOpts{
	Sizes:   DefaultSizes(),
	MinMean: 0.1,
	Center:  true,
}

// Weight of the per-cell equations that tie each cell to its library size
// estimate and keep the system full rank.
const singleCellWeight = 1e-6

// ComputeSumFactors estimates size factors by pooling cells, computing a
// robust pool-to-reference ratio for each pool and deconvolving the pool
// ratios into per-cell factors by least squares. Factors of different
// clusters are brought to a common scale by the median ratio of cluster
// pseudo-cells. Every factor is strictly positive; a degenerate input is an
// error, never defaulted.
//
// Without centering, multiplying every count by k multiplies every factor
// by k as long as the set of genes passing MinMean is unchanged.
func ComputeSumFactors(counts matrix.Reader, opts SumFactorsOpts) ([]float64, error) {
	nGenes, nCells := counts.Dims()
	if nCells == 0 {
		return nil, errors.E(errors.Precondition, "normalize: no cells")
	}
	if opts.Clusters != nil && len(opts.Clusters) != nCells {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("normalize: %d cluster labels for %d cells", len(opts.Clusters), nCells))
	}
	if len(opts.Sizes) == 0 {
		opts.Sizes = DefaultSizes()
	}
	lib, err := matrix.ColSums(counts, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	if err := checkPositive("library size", lib); err != nil {
		return nil, err
	}

	byCluster := map[int][]int{}
	for j := 0; j < nCells; j++ {
		label := 0
		if opts.Clusters != nil {
			label = opts.Clusters[j]
		}
		byCluster[label] = append(byCluster[label], j)
	}
	labels := make([]int, 0, len(byCluster))
	for l := range byCluster {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	sf := make([]float64, nCells)
	for _, l := range labels {
		cells := byCluster[l]
		theta, err := clusterFactors(counts, cells, lib, nGenes, opts)
		if err != nil {
			return nil, errors.E(err, fmt.Sprintf("normalize: cluster %d", l))
		}
		for k, j := range cells {
			sf[j] = theta[k] * lib[j]
		}
	}
	if len(labels) > 1 {
		if err := rescaleClusters(counts, labels, byCluster, sf, opts.MinMean); err != nil {
			return nil, err
		}
	}
	if err := checkPositive("size factor", sf); err != nil {
		return nil, errors.E(err, "normalize: deconvolution produced a non-positive factor; try larger pools, clustering, or stricter quality control")
	}
	if opts.Center {
		Center(sf)
	}
	log.Printf("normalize: sum factors for %d cells in %d clusters", nCells, len(labels))
	return sf, nil
}

// clusterFactors returns the factors of cells relative to their library
// sizes.
func clusterFactors(counts matrix.Reader, cells []int, lib []float64, nGenes int, opts SumFactorsOpts) ([]float64, error) {
	n := len(cells)
	// Library-normalized profiles and their average.
	props := make([]matrix.Column, n)
	ref := make([]float64, nGenes)
	var meanLib float64
	for k, j := range cells {
		if err := counts.Col(j, &props[k]); err != nil {
			return nil, err
		}
		for i := range props[k].Vals {
			props[k].Vals[i] /= lib[j]
			ref[props[k].Rows[i]] += props[k].Vals[i]
		}
		meanLib += lib[j]
	}
	meanLib /= float64(n)
	keep := make([]int, nGenes) // gene -> position among kept genes, or -1
	var keptRef []float64
	for g := range ref {
		ref[g] /= float64(n)
		keep[g] = -1
		if ref[g] > 0 && ref[g]*meanLib >= opts.MinMean {
			keep[g] = len(keptRef)
			keptRef = append(keptRef, ref[g])
		}
	}
	if len(keptRef) == 0 {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("normalize: no genes with average count >= %v", opts.MinMean))
	}
	for k := range props {
		c := &props[k]
		w := 0
		for i, g := range c.Rows {
			if p := keep[g]; p >= 0 {
				c.Rows[w], c.Vals[w] = p, c.Vals[i]
				w++
			}
		}
		c.Rows, c.Vals = c.Rows[:w], c.Vals[:w]
	}

	// Cells on a ring ordered by library size: odd ranks ascending, then
	// even ranks descending, so every window mixes small and large cells.
	order := make([]int, n)
	for k := range order {
		order[k] = k
	}
	sort.SliceStable(order, func(a, b int) bool { return lib[cells[order[a]]] < lib[cells[order[b]]] })
	ring := make([]int, 0, n)
	for k := 0; k < n; k += 2 {
		ring = append(ring, order[k])
	}
	for k := n - 1 - n%2; k > 0; k -= 2 {
		ring = append(ring, order[k])
	}

	sizes := clampSizes(opts.Sizes, n)
	if len(sizes) == 0 {
		return nil, errors.E(errors.Invalid, "normalize: no positive pool sizes")
	}
	ratios := make([][]float64, len(sizes))
	err := shard.Each(len(sizes), opts.Parallelism, func(_ int, r shard.Range) error {
		for si := r.Start; si < r.End; si++ {
			ratios[si] = poolRatios(props, ring, keptRef, sizes[si])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	x, err := solveCirculant(poolColumn(sizes, n), poolRHS(sizes, ratios, n))
	if err != nil {
		return nil, err
	}
	theta := make([]float64, n)
	for p, k := range ring {
		theta[k] = x[p]
	}
	return theta, nil
}

// poolColumn returns the first column of the normal equations in ring
// coordinates. A window of size s covers two ring positions d apart in
// max(0, s-d) + max(0, s-(n-d)) placements, so the system matrix is a
// symmetric circulant.
func poolColumn(sizes []int, n int) []float64 {
	c := make([]float64, n)
	for d := 0; d < n; d++ {
		for _, s := range sizes {
			if d == 0 {
				c[d] += float64(s)
				continue
			}
			if s > d {
				c[d] += float64(s - d)
			}
			if s > n-d {
				c[d] += float64(s - (n - d))
			}
		}
	}
	c[0] += singleCellWeight
	return c
}

// poolRHS returns the right-hand side of the normal equations: for every
// ring position, the sum of the ratios of the pools covering it, plus the
// single-cell equation.
func poolRHS(sizes []int, ratios [][]float64, n int) []float64 {
	b := make([]float64, n)
	for si, s := range sizes {
		r := ratios[si]
		// Pools covering position p start at p, p-1, ..., p-s+1.
		var win float64
		for k := 0; k < s; k++ {
			win += r[(n-k)%n]
		}
		for p := 0; p < n; p++ {
			if p > 0 {
				win += r[p] - r[(p-s+n)%n]
			}
			b[p] += win
		}
	}
	for p := range b {
		b[p] += singleCellWeight
	}
	return b
}

// solveCirculant solves C x = b, where C is the symmetric circulant matrix
// with first column c, by diagonalizing C with the real FFT.
func solveCirculant(c, b []float64) ([]float64, error) {
	n := len(c)
	if n == 1 {
		if !(c[0] > 0) {
			return nil, errors.E(errors.Precondition, "normalize: pool system is singular")
		}
		return []float64{b[0] / c[0]}, nil
	}
	fft := fourier.NewFFT(n)
	eig := fft.Coefficients(nil, c)
	rhs := fft.Coefficients(nil, b)
	for k, l := range eig {
		// Eigenvalues of a symmetric circulant are real.
		if !(real(l) > 0) {
			return nil, errors.E(errors.Precondition, "normalize: pool system is singular")
		}
		rhs[k] /= complex(real(l), 0)
	}
	x := fft.Sequence(nil, rhs)
	for p := range x {
		x[p] /= float64(n)
	}
	return x, nil
}

func clampSizes(sizes []int, n int) []int {
	seen := map[int]bool{}
	var out []int
	for _, s := range sizes {
		if s > n {
			s = n
		}
		if s < 1 || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Ints(out)
	return out
}

// poolRatios slides a window of s cells around the ring and returns, for
// every start position, the median over genes of the pooled profile divided
// by the reference.
func poolRatios(props []matrix.Column, ring []int, ref []float64, s int) []float64 {
	n := len(ring)
	sum := make([]float64, len(ref))
	buf := make([]float64, len(ref))
	add := func(c *matrix.Column, sign float64) {
		for i, g := range c.Rows {
			sum[g] += sign * c.Vals[i]
		}
	}
	for k := 0; k < s; k++ {
		add(&props[ring[k]], 1)
	}
	out := make([]float64, n)
	for start := 0; start < n; start++ {
		if s == n && start > 0 {
			out[start] = out[0]
			continue
		}
		for g, r := range ref {
			buf[g] = sum[g] / r
		}
		out[start] = median(buf)
		add(&props[ring[start]], -1)
		add(&props[ring[(start+s)%n]], 1)
	}
	return out
}

// rescaleClusters brings the factors of every cluster to the scale of the
// cluster with the largest pseudo-cell.
func rescaleClusters(counts matrix.Reader, labels []int, byCluster map[int][]int, sf []float64, minMean float64) error {
	nGenes, nCells := counts.Dims()
	var meanSF float64
	for _, v := range sf {
		meanSF += v
	}
	meanSF /= float64(nCells)
	prof := make([][]float64, len(labels))
	refIdx, refTotal := 0, -1.0
	var col matrix.Column
	for c, l := range labels {
		prof[c] = make([]float64, nGenes)
		cells := byCluster[l]
		for _, j := range cells {
			if err := counts.Col(j, &col); err != nil {
				return err
			}
			for i, g := range col.Rows {
				prof[c][g] += col.Vals[i] / sf[j]
			}
		}
		var total float64
		for g := range prof[c] {
			prof[c][g] *= meanSF / float64(len(cells))
			total += prof[c][g]
		}
		if total > refTotal {
			refIdx, refTotal = c, total
		}
	}
	ref := prof[refIdx]
	buf := make([]float64, 0, nGenes)
	for c, l := range labels {
		if c == refIdx {
			continue
		}
		buf = buf[:0]
		for g, r := range ref {
			if r > 0 && (r+prof[c][g])/2 >= minMean {
				buf = append(buf, prof[c][g]/r)
			}
		}
		if len(buf) == 0 {
			return errors.E(errors.Precondition, fmt.Sprintf("normalize: cluster %d shares no genes with average >= %v with the reference cluster", l, minMean))
		}
		ratio := median(buf)
		if !(ratio > 0) {
			return errors.E(errors.Precondition, fmt.Sprintf("normalize: cluster %d has a non-positive scaling ratio %v to the reference cluster", l, ratio))
		}
		for _, j := range byCluster[l] {
			sf[j] *= ratio
		}
		log.Debug.Printf("normalize: cluster %d rescaled by %v", l, ratio)
	}
	return nil
}

// median returns the median of x, reordering x.
func median(x []float64) float64 {
	n := len(x)
	if n == 0 {
		return math.NaN()
	}
	hi := selectK(x, n/2)
	if n%2 == 1 {
		return hi
	}
	lo := x[0]
	for _, v := range x[:n/2] {
		if v > lo {
			lo = v
		}
	}
	return (lo + hi) / 2
}

// selectK partially sorts x so that x[k] is the k-th smallest value and
// every value before it is no larger, and returns x[k].
func selectK(x []float64, k int) float64 {
	lo, hi := 0, len(x)-1
	for lo < hi {
		pivot := x[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for x[i] < pivot {
				i++
			}
			for x[j] > pivot {
				j--
			}
			if i <= j {
				x[i], x[j] = x[j], x[i]
				i++
				j--
			}
		}
		switch {
		case k <= j:
			hi = j
		case k >= i:
			lo = i
		default:
			return x[k]
		}
	}
	return x[k]
}
