package dimred

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
)

// TSNEOpts configures TSNE.
type TSNEOpts struct {
	Dims         int
	Perplexity   float64
	Iterations   int
	LearningRate float64
	// Exaggeration multiplies the input affinities during the first
	// ExaggerationIters iterations.
	Exaggeration      float64
	ExaggerationIters int
	Seed              uint64
	Parallelism       int
}

// DefaultTSNEOpts holds the default options.
var DefaultTSNEOpts = TSNEOpts{
	Dims:              2,
	Perplexity:        30,
	Iterations:        1000,
	LearningRate:      200,
	Exaggeration:      12,
	ExaggerationIters: 250,
}

// TSNE computes an exact t-SNE embedding of the rows of x. Rows are
// processed in parallel shards; the result depends only on Seed.
func TSNE(x *sce.Embedding, opts TSNEOpts) (*sce.Embedding, error) {
	n := x.Rows
	if n < 3 {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("dimred: %d points, need at least 3 for t-SNE", n))
	}
	if opts.Dims < 1 {
		opts.Dims = DefaultTSNEOpts.Dims
	}
	perp := opts.Perplexity
	if limit := float64(n-1) / 3; perp > limit {
		log.Printf("dimred: perplexity %v too large for %d points, using %v", perp, n, limit)
		perp = limit
	}
	if !(perp > 0) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("dimred: invalid perplexity %v", opts.Perplexity))
	}
	par := opts.Parallelism

	// Squared input distances.
	d2 := make([]float64, n*n)
	err := shard.Each(n, par, func(_ int, r shard.Range) error {
		for i := r.Start; i < r.End; i++ {
			xi := x.Row(i)
			for j := 0; j < n; j++ {
				var s float64
				for k, v := range x.Row(j) {
					d := v - xi[k]
					s += d * d
				}
				d2[i*n+j] = s
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Conditional affinities calibrated to the perplexity, then symmetrized.
	cond := make([]float64, n*n)
	err = shard.Each(n, par, func(_ int, r shard.Range) error {
		for i := r.Start; i < r.End; i++ {
			calibrateRow(d2[i*n:(i+1)*n], i, perp, cond[i*n:(i+1)*n])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	p := d2 // reuse
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			p[i*n+j] = math.Max((cond[i*n+j]+cond[j*n+i])/float64(2*n), 1e-12)
		}
	}

	dims := opts.Dims
	rng := stats.NewRand(opts.Seed)
	y := make([]float64, n*dims)
	for i := range y {
		y[i] = 1e-4 * rng.NormFloat64()
	}
	update := make([]float64, n*dims)
	gains := make([]float64, n*dims)
	for i := range gains {
		gains[i] = 1
	}
	grad := make([]float64, n*dims)
	num := cond // reuse for the Student-t kernel
	ranges := shard.Split(n, par)
	partZ := make([]float64, len(ranges))

	for it := 0; it < opts.Iterations; it++ {
		exag := 1.0
		if it < opts.ExaggerationIters {
			exag = opts.Exaggeration
		}
		momentum := 0.5
		if it >= 250 {
			momentum = 0.8
		}
		err = shard.Each(n, par, func(s int, r shard.Range) error {
			var z float64
			for i := r.Start; i < r.End; i++ {
				yi := y[i*dims : (i+1)*dims]
				for j := 0; j < n; j++ {
					if i == j {
						num[i*n+j] = 0
						continue
					}
					var d float64
					for k, v := range y[j*dims : (j+1)*dims] {
						t := v - yi[k]
						d += t * t
					}
					num[i*n+j] = 1 / (1 + d)
					z += num[i*n+j]
				}
			}
			partZ[s] = z
			return nil
		})
		if err != nil {
			return nil, err
		}
		var z float64
		for _, v := range partZ {
			z += v
		}
		err = shard.Each(n, par, func(_ int, r shard.Range) error {
			for i := r.Start; i < r.End; i++ {
				gi := grad[i*dims : (i+1)*dims]
				for k := range gi {
					gi[k] = 0
				}
				yi := y[i*dims : (i+1)*dims]
				for j := 0; j < n; j++ {
					if i == j {
						continue
					}
					w := num[i*n+j]
					mult := (exag*p[i*n+j] - w/z) * w
					for k, v := range y[j*dims : (j+1)*dims] {
						gi[k] += 4 * mult * (yi[k] - v)
					}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for i := range y {
			if (grad[i] > 0) != (update[i] > 0) {
				gains[i] += 0.2
			} else {
				gains[i] *= 0.8
			}
			gains[i] = math.Max(gains[i], 0.01)
			update[i] = momentum*update[i] - opts.LearningRate*gains[i]*grad[i]
			y[i] += update[i]
		}
		// Recenter.
		for k := 0; k < dims; k++ {
			var mean float64
			for i := 0; i < n; i++ {
				mean += y[i*dims+k]
			}
			mean /= float64(n)
			for i := 0; i < n; i++ {
				y[i*dims+k] -= mean
			}
		}
		if (it+1)%250 == 0 {
			log.Debug.Printf("dimred: t-SNE iteration %d/%d", it+1, opts.Iterations)
		}
	}
	return &sce.Embedding{Rows: n, Cols: dims, Data: y}, nil
}

// calibrateRow fills out with the conditional affinities of point i given
// its squared distances d2, with a Gaussian bandwidth found by bisection so
// that the perplexity matches.
func calibrateRow(d2 []float64, i int, perplexity float64, out []float64) {
	target := math.Log(perplexity)
	beta, lo, hi := 1.0, 0.0, math.Inf(1)
	// Scale the starting bandwidth to the typical distance.
	var mean float64
	for j, d := range d2 {
		if j != i {
			mean += d
		}
	}
	mean /= float64(len(d2) - 1)
	if mean > 0 {
		beta = 1 / mean
	}
	minD := math.Inf(1)
	for j, d := range d2 {
		if j != i && d < minD {
			minD = d
		}
	}
	for iter := 0; iter < 100; iter++ {
		var sum, dsum float64
		for j, d := range d2 {
			if j == i {
				out[j] = 0
				continue
			}
			// Shift by the nearest distance to avoid underflow.
			w := math.Exp(-beta * (d - minD))
			out[j] = w
			sum += w
			dsum += w * (d - minD)
		}
		entropy := math.Log(sum) + beta*dsum/sum
		diff := entropy - target
		if math.Abs(diff) < 1e-5 {
			break
		}
		if diff > 0 {
			lo = beta
			if math.IsInf(hi, 1) {
				beta *= 2
			} else {
				beta = (beta + hi) / 2
			}
		} else {
			hi = beta
			beta = (beta + lo) / 2
		}
	}
	var sum float64
	for _, w := range out {
		sum += w
	}
	for j := range out {
		out[j] /= sum
	}
}
