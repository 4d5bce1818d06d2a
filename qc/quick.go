package qc

import (
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/sce"
	"github.com/willf/bitset"
)

// QuickOpts configures QuickPerCellQC.
type QuickOpts struct {
	NMADs float64
	// PercentSubsets names the subsets whose percentage is tested for high
	// outliers, typically "Mito".
	PercentSubsets []string
	Batch          []string
}

// DefaultQuickOpts holds the default options.
var DefaultQuickOpts = QuickOpts{NMADs: 3}

// Discard column names written by Discard.AddTo.
const (
	ColLowLibSize   = "low_lib_size"
	ColLowNFeatures = "low_n_features"
	ColDiscard      = "discard"
)

// Reason is one criterion of QuickPerCellQC.
type Reason struct {
	Name     string
	Outliers *Outliers
}

// Discard is the result of QuickPerCellQC.
type Discard struct {
	Reasons []Reason
	// Cells is the union of all reasons.
	Cells *bitset.BitSet
	n     int
}

// Count returns the number of discarded cells.
func (d *Discard) Count() int { return int(d.Cells.Count()) }

// Keep returns the indices of cells that are not discarded.
func (d *Discard) Keep() []int {
	keep := make([]int, 0, d.n-d.Count())
	for i := 0; i < d.n; i++ {
		if !d.Cells.Test(uint(i)) {
			keep = append(keep, i)
		}
	}
	return keep
}

// AddTo stores one logical column per reason plus the union.
func (d *Discard) AddTo(t *sce.Table) error {
	for _, r := range d.Reasons {
		if err := t.SetLogical(r.Name, r.Outliers.Logical()); err != nil {
			return err
		}
	}
	v := make([]sce.Logical, d.n)
	for i := range v {
		v[i] = sce.FromBool(d.Cells.Test(uint(i)))
	}
	return t.SetLogical(ColDiscard, v)
}

// QuickPerCellQC flags cells with a low total count or few detected genes
// (log scale, lower tail) or a high percentage of counts in any of the
// given subsets (higher tail).
func QuickPerCellQC(m *CellMetrics, opts QuickOpts) (*Discard, error) {
	low := OutlierOpts{NMADs: opts.NMADs, Type: Lower, Log: true, Batch: opts.Batch}
	high := OutlierOpts{NMADs: opts.NMADs, Type: Higher, Batch: opts.Batch}
	d := &Discard{Cells: bitset.New(uint(len(m.Sum))), n: len(m.Sum)}

	add := func(name string, values []float64, o OutlierOpts) error {
		out, err := IsOutlier(values, o)
		if err != nil {
			return err
		}
		d.Reasons = append(d.Reasons, Reason{Name: name, Outliers: out})
		d.Cells.InPlaceUnion(out.Flagged)
		log.Printf("qc: %s: %d cells", name, out.Flagged.Count())
		return nil
	}
	if err := add(ColLowLibSize, m.Sum, low); err != nil {
		return nil, err
	}
	if err := add(ColLowNFeatures, m.Detected, low); err != nil {
		return nil, err
	}
	for _, name := range opts.PercentSubsets {
		s, err := m.Subset(name)
		if err != nil {
			return nil, err
		}
		if err := add("high_"+name+"_percent", s.Percent, high); err != nil {
			return nil, err
		}
	}
	log.Printf("qc: discarding %d of %d cells", d.Count(), d.n)
	return d, nil
}
