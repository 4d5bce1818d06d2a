package qc

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
	"github.com/willf/bitset"
)

// Direction selects which tail of the distribution is flagged.
type Direction int

const (
	Both Direction = iota
	Lower
	Higher
)

func (d Direction) String() string {
	switch d {
	case Lower:
		return "lower"
	case Higher:
		return "higher"
	default:
		return "both"
	}
}

// ParseDirection parses "lower", "higher" or "both".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "lower":
		return Lower, nil
	case "higher":
		return Higher, nil
	case "both", "":
		return Both, nil
	}
	return Both, errors.E(errors.Invalid, fmt.Sprintf("qc: unknown direction %q", s))
}

// OutlierOpts configures IsOutlier.
type OutlierOpts struct {
	// NMADs is the number of MADs from the median beyond which a value is
	// an outlier.
	NMADs float64
	Type  Direction
	// Log computes thresholds on the log scale. Thresholds are reported on
	// the original scale.
	Log bool
	// MinDiff is the minimum distance between the median and a threshold,
	// on the (possibly log) scale the thresholds are computed on.
	MinDiff float64
	// Batch assigns each value to a group; thresholds are computed per
	// group. nil puts all values in one group.
	Batch []string
}

// DefaultOutlierOpts holds the default options.
var DefaultOutlierOpts = OutlierOpts{NMADs: 3}

// Thresholds are the values outside of which a group's values are
// outliers. An unused side is infinite.
type Thresholds struct {
	Lower, Higher float64
}

// Outliers is the result of IsOutlier.
type Outliers struct {
	// Flagged has bit i set when value i is an outlier.
	Flagged *bitset.BitSet
	// Thresholds per batch; the single group is "".
	Thresholds map[string]Thresholds
	n          int
}

// Len returns the number of values tested.
func (o *Outliers) Len() int { return o.n }

// Logical returns the flags as one Logical per value.
func (o *Outliers) Logical() []sce.Logical {
	v := make([]sce.Logical, o.n)
	for i := range v {
		v[i] = sce.FromBool(o.Flagged.Test(uint(i)))
	}
	return v
}

// IsOutlier flags values more than NMADs scaled MADs from the median of
// their batch. NaN values are never flagged and do not contribute to the
// median or MAD. values is not modified.
func IsOutlier(values []float64, opts OutlierOpts) (*Outliers, error) {
	if opts.NMADs < 0 || math.IsNaN(opts.NMADs) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("qc: invalid nmads %v", opts.NMADs))
	}
	if opts.Batch != nil && len(opts.Batch) != len(values) {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("qc: %d batch labels for %d values", len(opts.Batch), len(values)))
	}
	x := make([]float64, len(values))
	for i, v := range values {
		x[i] = v
		if opts.Log {
			x[i] = math.Log(v)
		}
	}
	groups := map[string][]int{}
	for i := range x {
		b := ""
		if opts.Batch != nil {
			b = opts.Batch[i]
		}
		groups[b] = append(groups[b], i)
	}
	names := make([]string, 0, len(groups))
	for b := range groups {
		names = append(names, b)
	}
	sort.Strings(names)

	out := &Outliers{
		Flagged:    bitset.New(uint(len(values))),
		Thresholds: make(map[string]Thresholds, len(groups)),
		n:          len(values),
	}
	for _, b := range names {
		idx := groups[b]
		g := make([]float64, len(idx))
		for k, i := range idx {
			g[k] = x[i]
		}
		center := stats.Median(g)
		spread := opts.NMADs * stats.MAD(g, center)
		if math.IsNaN(spread) {
			spread = 0
		}
		spread = math.Max(spread, opts.MinDiff)
		th := Thresholds{Lower: math.Inf(-1), Higher: math.Inf(1)}
		if opts.Type != Higher {
			th.Lower = center - spread
		}
		if opts.Type != Lower {
			th.Higher = center + spread
		}
		for _, i := range idx {
			if v := x[i]; v < th.Lower || v > th.Higher {
				out.Flagged.Set(uint(i))
			}
		}
		if opts.Log {
			th.Lower, th.Higher = math.Exp(th.Lower), math.Exp(th.Higher)
		}
		out.Thresholds[b] = th
		log.Debug.Printf("qc: batch %q: %d values, thresholds [%v, %v]", b, len(idx), th.Lower, th.Higher)
	}
	return out, nil
}
