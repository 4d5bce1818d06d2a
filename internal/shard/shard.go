// Package shard splits index ranges into disjoint, contiguous partitions and
// runs one job per partition. Results are always addressed by shard index so
// callers can merge them in a fixed order regardless of scheduling.
package shard

import (
	"runtime"

	"github.com/grailbio/base/traverse"
)

// Range is the half-open index interval [Start, End).
type Range struct {
	Start, End int
}

// Len returns the number of indices in the range.
func (r Range) Len() int { return r.End - r.Start }

// Split partitions [0, n) into at most parts contiguous ranges of
// near-equal size. Empty ranges are never returned.
func Split(n, parts int) []Range {
	if n <= 0 {
		return nil
	}
	if parts <= 0 {
		parts = runtime.NumCPU()
	}
	if parts > n {
		parts = n
	}
	ranges := make([]Range, parts)
	for i := range ranges {
		ranges[i] = Range{
			Start: (i * n) / parts,
			End:   ((i + 1) * n) / parts,
		}
	}
	return ranges
}

// Each splits [0, n) into parts ranges and calls fn once per range, in
// parallel. fn receives the shard index, which the caller uses to store
// per-shard results. The first error returned by any fn is returned.
func Each(n, parts int, fn func(shard int, r Range) error) error {
	ranges := Split(n, parts)
	return traverse.Each(len(ranges), func(i int) error {
		return fn(i, ranges[i])
	})
}

// Parallelism returns p if positive and the number of CPUs otherwise.
func Parallelism(p int) int {
	if p > 0 {
		return p
	}
	return runtime.NumCPU()
}
