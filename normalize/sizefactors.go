// Package normalize estimates per-cell size factors and computes
// log-normalized expression values.
package normalize

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/matrix"
)

// LibrarySizeFactors returns the column sums of counts scaled to mean one.
// A cell with no counts is an error.
func LibrarySizeFactors(counts matrix.Reader, parallelism int) ([]float64, error) {
	lib, err := matrix.ColSums(counts, parallelism)
	if err != nil {
		return nil, err
	}
	if err := checkPositive("library size", lib); err != nil {
		return nil, err
	}
	Center(lib)
	return lib, nil
}

// Center scales sf in place to mean one.
func Center(sf []float64) {
	var sum float64
	for _, v := range sf {
		sum += v
	}
	if sum == 0 {
		return
	}
	mean := sum / float64(len(sf))
	for i := range sf {
		sf[i] /= mean
	}
}

func checkPositive(what string, v []float64) error {
	for j, x := range v {
		if !(x > 0) || math.IsInf(x, 0) {
			return errors.E(errors.Precondition, fmt.Sprintf("normalize: cell %d has %s %v; remove empty or low-quality cells first", j, what, x))
		}
	}
	return nil
}
