package normalize

import (
	"fmt"
	"math"

	"github.com/exascience/pargo/parallel"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/sce"
)

// LogNormOpts configures LogNormCounts.
type LogNormOpts struct {
	// Pseudo is added before taking log2. With 1, zero counts stay zero and
	// the result is as sparse as the counts.
	Pseudo float64
	// Center scales the size factors to mean one first, so that log values
	// are on the scale of the average cell.
	Center      bool
	Parallelism int
}

// DefaultLogNormOpts holds the default options.
var DefaultLogNormOpts = LogNormOpts{Pseudo: 1, Center: true}

// LogNormCounts returns a copy of e with a logcounts assay computed from
// its size factors, or from library size factors when none are set.
func LogNormCounts(e *sce.Experiment, opts LogNormOpts) (*sce.Experiment, error) {
	sf, ok := e.SizeFactors()
	if !ok {
		var err error
		if sf, err = LibrarySizeFactors(e.Counts, opts.Parallelism); err != nil {
			return nil, err
		}
	}
	sf = append([]float64(nil), sf...)
	if opts.Center {
		Center(sf)
	}
	logc, err := LogNormMatrix(e.Counts, sf, opts.Pseudo, opts.Parallelism)
	if err != nil {
		return nil, err
	}
	out := e.With()
	if err := out.SetSizeFactors(sf); err != nil {
		return nil, err
	}
	if err := out.SetAssay(sce.LogCounts, logc); err != nil {
		return nil, err
	}
	return out, nil
}

// LogNormMatrix computes log2(count/sf + pseudo) for every entry. Cells
// are processed in parallel batches.
func LogNormMatrix(counts matrix.Reader, sf []float64, pseudo float64, parallelism int) (*matrix.CSC, error) {
	nGenes, nCells := counts.Dims()
	if len(sf) != nCells {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("normalize: %d size factors for %d cells", len(sf), nCells))
	}
	if err := checkPositive("size factor", sf); err != nil {
		return nil, err
	}
	if !(pseudo > 0) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("normalize: pseudo-count must be positive, got %v", pseudo))
	}
	dense := pseudo != 1
	offset := math.Log2(pseudo)
	cols := make([]matrix.Column, nCells)
	var once errors.Once
	parallel.Range(0, nCells, shard.Parallelism(parallelism), func(low, high int) {
		var src matrix.Column
		for j := low; j < high; j++ {
			if err := counts.Col(j, &src); err != nil {
				once.Set(err)
				return
			}
			dst := &cols[j]
			if !dense {
				dst.Rows = append([]int(nil), src.Rows...)
				dst.Vals = make([]float64, len(src.Vals))
				for k, v := range src.Vals {
					dst.Vals[k] = math.Log2(v/sf[j] + 1)
				}
				continue
			}
			dst.Rows = make([]int, nGenes)
			dst.Vals = make([]float64, nGenes)
			k := 0
			for i := 0; i < nGenes; i++ {
				v := 0.0
				if k < len(src.Rows) && src.Rows[k] == i {
					v = src.Vals[k]
					k++
				}
				dst.Rows[i] = i
				dst.Vals[i] = offset
				if v != 0 {
					dst.Vals[i] = math.Log2(v/sf[j] + pseudo)
				}
			}
		}
	})
	if err := once.Err(); err != nil {
		return nil, err
	}
	colPtr := make([]int, nCells+1)
	for j := range cols {
		colPtr[j+1] = colPtr[j] + len(cols[j].Rows)
	}
	rowIdx := make([]int, 0, colPtr[nCells])
	val := make([]float64, 0, colPtr[nCells])
	for j := range cols {
		rowIdx = append(rowIdx, cols[j].Rows...)
		val = append(val, cols[j].Vals...)
	}
	return matrix.NewCSC(nGenes, nCells, colPtr, rowIdx, val)
}
