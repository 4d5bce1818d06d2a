// Package variance models the per-gene variance of log-expression values
// as the sum of a technical component, given by a mean-variance trend, and
// a biological component.
package variance

import (
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/matrix"
)

// MeanVar returns the mean and sample variance of every row of m. Cells
// are split into shards whose partial sums are merged in shard order.
func MeanVar(m matrix.Reader, parallelism int) (mean, variance []float64, err error) {
	nGenes, nCells := m.Dims()
	type partial struct{ sum, sumSq []float64 }
	parts := make([]partial, len(shard.Split(nCells, parallelism)))
	err = shard.Each(nCells, parallelism, func(s int, r shard.Range) error {
		p := partial{sum: make([]float64, nGenes), sumSq: make([]float64, nGenes)}
		var col matrix.Column
		for j := r.Start; j < r.End; j++ {
			if err := m.Col(j, &col); err != nil {
				return err
			}
			for k, g := range col.Rows {
				v := col.Vals[k]
				p.sum[g] += v
				p.sumSq[g] += v * v
			}
		}
		parts[s] = p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	mean = make([]float64, nGenes)
	variance = make([]float64, nGenes)
	sumSq := make([]float64, nGenes)
	for _, p := range parts {
		for g := range mean {
			mean[g] += p.sum[g]
			sumSq[g] += p.sumSq[g]
		}
	}
	n := float64(nCells)
	for g := range mean {
		if nCells == 0 {
			continue
		}
		mean[g] /= n
		if nCells > 1 {
			v := (sumSq[g] - n*mean[g]*mean[g]) / (n - 1)
			if v < 0 {
				v = 0
			}
			variance[g] = v
		}
	}
	return mean, variance, nil
}
