// Package dimred reduces log-expression profiles to a few dimensions:
// principal components with a technical-noise based choice of rank, and
// t-SNE embeddings for visualization.
package dimred

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Embedding attribute names.
const (
	AttrVarExplained = "varExplained"
	AttrPercentVar   = "percentVar"
)

// Algorithm selects how principal components are computed.
type Algorithm string

const (
	// Exact uses a full thin SVD.
	Exact Algorithm = "exact"
	// Randomized uses a seeded randomized range finder with power
	// iterations.
	Randomized Algorithm = "randomized"
	// Auto picks Exact for small inputs and Randomized otherwise.
	Auto Algorithm = "auto"
)

// PCAOpts configures RunPCA.
type PCAOpts struct {
	Rank       int
	Algorithm  Algorithm
	Seed       uint64
	Oversample int
	PowerIters int
}

// DefaultPCAOpts holds the default options.
var DefaultPCAOpts = PCAOpts{
	Rank:       50,
	Algorithm:  Auto,
	Oversample: 10,
	PowerIters: 4,
}

// exactLimit is the largest smaller dimension for which Auto uses Exact.
const exactLimit = 800

// PCA holds principal components of a set of genes.
type PCA struct {
	// Coords is cells x rank.
	Coords *mat.Dense
	// VarExplained is the variance of each component, PercentVar its share
	// of TotalVar in percent.
	VarExplained, PercentVar []float64
	// TotalVar is the summed variance of the selected genes.
	TotalVar float64
	// Rotation is genes x rank, rows in the order of Genes.
	Rotation *mat.Dense
	Genes    []int
}

// Rank returns the number of components.
func (p *PCA) Rank() int { return len(p.VarExplained) }

// Truncate returns the first r components.
func (p *PCA) Truncate(r int) *PCA {
	if r >= p.Rank() {
		return p
	}
	n, _ := p.Coords.Dims()
	g, _ := p.Rotation.Dims()
	return &PCA{
		Coords:       mat.DenseCopyOf(p.Coords.Slice(0, n, 0, r)),
		VarExplained: append([]float64(nil), p.VarExplained[:r]...),
		PercentVar:   append([]float64(nil), p.PercentVar[:r]...),
		TotalVar:     p.TotalVar,
		Rotation:     mat.DenseCopyOf(p.Rotation.Slice(0, g, 0, r)),
		Genes:        p.Genes,
	}
}

// Embedding returns the coordinates with per-component variance
// attributes.
func (p *PCA) Embedding() *sce.Embedding {
	e := sce.NewEmbedding(p.Coords)
	e.Attrs = map[string][]float64{
		AttrVarExplained: append([]float64(nil), p.VarExplained...),
		AttrPercentVar:   append([]float64(nil), p.PercentVar...),
	}
	return e
}

// RunPCA computes the principal components of the centered rows genes of
// logc, a genes x cells matrix. Component signs are fixed so that the
// largest loading of each component is positive.
func RunPCA(logc matrix.Reader, genes []int, opts PCAOpts) (*PCA, error) {
	nGenes, nCells := logc.Dims()
	if len(genes) == 0 {
		return nil, errors.E(errors.Precondition, "dimred: no genes selected for PCA")
	}
	if nCells < 2 {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("dimred: %d cells, need at least 2 for PCA", nCells))
	}
	pos := make([]int, nGenes)
	for i := range pos {
		pos[i] = -1
	}
	for k, g := range genes {
		if g < 0 || g >= nGenes {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("dimred: gene %d out of range [0,%d)", g, nGenes))
		}
		pos[g] = k
	}
	x := mat.NewDense(nCells, len(genes), nil)
	var col matrix.Column
	for j := 0; j < nCells; j++ {
		if err := logc.Col(j, &col); err != nil {
			return nil, err
		}
		for k, g := range col.Rows {
			if p := pos[g]; p >= 0 {
				x.Set(j, p, col.Vals[k])
			}
		}
	}
	var totalVar float64
	for k := range genes {
		c := x.ColView(k).(*mat.VecDense)
		var mean float64
		for j := 0; j < nCells; j++ {
			mean += c.AtVec(j)
		}
		mean /= float64(nCells)
		var ss float64
		for j := 0; j < nCells; j++ {
			v := c.AtVec(j) - mean
			c.SetVec(j, v)
			ss += v * v
		}
		totalVar += ss / float64(nCells-1)
	}

	rank := opts.Rank
	if limit := minInt(nCells, len(genes)); rank <= 0 || rank > limit {
		rank = limit
	}
	alg := opts.Algorithm
	if alg == Auto || alg == "" {
		alg = Randomized
		if minInt(nCells, len(genes)) <= exactLimit {
			alg = Exact
		}
	}
	var (
		u, v *mat.Dense
		s    []float64
		err  error
	)
	switch alg {
	case Exact:
		u, s, v, err = exactSVD(x, rank)
	case Randomized:
		u, s, v, err = randomizedSVD(x, rank, opts.Oversample, opts.PowerIters, stats.NewRand(opts.Seed))
	default:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("dimred: unknown PCA algorithm %q", opts.Algorithm))
	}
	if err != nil {
		return nil, err
	}

	p := &PCA{
		Coords:       mat.NewDense(nCells, rank, nil),
		VarExplained: make([]float64, rank),
		PercentVar:   make([]float64, rank),
		TotalVar:     totalVar,
		Rotation:     mat.NewDense(len(genes), rank, nil),
		Genes:        append([]int(nil), genes...),
	}
	for c := 0; c < rank; c++ {
		sign := 1.0
		best := 0.0
		for k := range genes {
			if a := math.Abs(v.At(k, c)); a > best {
				best = a
				sign = math.Copysign(1, v.At(k, c))
			}
		}
		for k := range genes {
			p.Rotation.Set(k, c, sign*v.At(k, c))
		}
		for j := 0; j < nCells; j++ {
			p.Coords.Set(j, c, sign*u.At(j, c)*s[c])
		}
		p.VarExplained[c] = s[c] * s[c] / float64(nCells-1)
		if totalVar > 0 {
			p.PercentVar[c] = 100 * p.VarExplained[c] / totalVar
		}
	}
	log.Printf("dimred: %s PCA of %d cells x %d genes, %d components, %.1f%% of variance",
		alg, nCells, len(genes), rank, sum(p.PercentVar))
	return p, nil
}

func exactSVD(x *mat.Dense, rank int) (u *mat.Dense, s []float64, v *mat.Dense, err error) {
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, nil, nil, errors.E(errors.Precondition, "dimred: SVD did not converge")
	}
	var uf, vf mat.Dense
	svd.UTo(&uf)
	svd.VTo(&vf)
	n, _ := uf.Dims()
	g, _ := vf.Dims()
	return mat.DenseCopyOf(uf.Slice(0, n, 0, rank)), svd.Values(nil)[:rank], mat.DenseCopyOf(vf.Slice(0, g, 0, rank)), nil
}

// randomizedSVD approximates the leading rank singular triplets of x by
// projecting onto a random subspace refined with power iterations.
func randomizedSVD(x *mat.Dense, rank, oversample, iters int, rng *rand.Rand) (u *mat.Dense, s []float64, v *mat.Dense, err error) {
	n, g := x.Dims()
	l := rank + oversample
	if l > minInt(n, g) {
		l = minInt(n, g)
	}
	omega := mat.NewDense(g, l, nil)
	for i := 0; i < g; i++ {
		for j := 0; j < l; j++ {
			omega.Set(i, j, rng.NormFloat64())
		}
	}
	var y, z mat.Dense
	y.Mul(x, omega)
	orthonormalize(&y)
	for it := 0; it < iters; it++ {
		z.Reset()
		z.Mul(x.T(), &y)
		orthonormalize(&z)
		y.Reset()
		y.Mul(x, &z)
		orthonormalize(&y)
	}
	var b mat.Dense
	b.Mul(y.T(), x)
	var svd mat.SVD
	if ok := svd.Factorize(&b, mat.SVDThin); !ok {
		return nil, nil, nil, errors.E(errors.Precondition, "dimred: SVD of projected matrix did not converge")
	}
	var ub, vb mat.Dense
	svd.UTo(&ub)
	svd.VTo(&vb)
	var uf mat.Dense
	uf.Mul(&y, &ub)
	return mat.DenseCopyOf(uf.Slice(0, n, 0, rank)), svd.Values(nil)[:rank], mat.DenseCopyOf(vb.Slice(0, g, 0, rank)), nil
}

// orthonormalize replaces the columns of m with an orthonormal basis of
// their span using modified Gram-Schmidt. Columns that become numerically
// zero are left as zero.
func orthonormalize(m *mat.Dense) {
	_, c := m.Dims()
	for j := 0; j < c; j++ {
		vj := m.ColView(j).(*mat.VecDense)
		for k := 0; k < j; k++ {
			vk := m.ColView(k).(*mat.VecDense)
			vj.AddScaledVec(vj, -mat.Dot(vk, vj), vk)
		}
		norm := mat.Norm(vj, 2)
		if norm < 1e-12 {
			vj.ScaleVec(0, vj)
			continue
		}
		vj.ScaleVec(1/norm, vj)
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func sum(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v
	}
	return s
}
