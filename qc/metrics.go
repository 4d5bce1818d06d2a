// Package qc computes per-cell and per-gene quality metrics and flags
// low-quality cells as median absolute deviation outliers.
package qc

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/sce"
)

// Subset names a group of genes, such as the mitochondrial genes, whose
// share of each cell's counts is reported.
type Subset struct {
	Name  string
	Genes []int
}

// SubsetMetrics holds per-cell metrics restricted to one gene subset.
type SubsetMetrics struct {
	Name     string
	Sum      []float64
	Detected []float64
	Percent  []float64
}

// CellMetrics holds per-cell metrics in cell order.
type CellMetrics struct {
	Sum      []float64
	Detected []float64
	Subsets  []SubsetMetrics
}

// Cell table column names.
const (
	ColSum      = "sum"
	ColDetected = "detected"
)

// SubsetColumn returns the cell table column name for a subset metric,
// e.g. "subsets_Mito_percent".
func SubsetColumn(subset, metric string) string {
	return "subsets_" + subset + "_" + metric
}

// Subset returns the metrics of the named subset.
func (m *CellMetrics) Subset(name string) (*SubsetMetrics, error) {
	for i := range m.Subsets {
		if m.Subsets[i].Name == name {
			return &m.Subsets[i], nil
		}
	}
	return nil, errors.E(errors.NotExist, fmt.Sprintf("qc: no subset %q", name))
}

// AddTo stores the metrics as columns of the cell table t.
func (m *CellMetrics) AddTo(t *sce.Table) error {
	if err := t.SetFloat(ColSum, m.Sum); err != nil {
		return err
	}
	if err := t.SetFloat(ColDetected, m.Detected); err != nil {
		return err
	}
	for _, s := range m.Subsets {
		if err := t.SetFloat(SubsetColumn(s.Name, "sum"), s.Sum); err != nil {
			return err
		}
		if err := t.SetFloat(SubsetColumn(s.Name, "detected"), s.Detected); err != nil {
			return err
		}
		if err := t.SetFloat(SubsetColumn(s.Name, "percent"), s.Percent); err != nil {
			return err
		}
	}
	return nil
}

// PerCellMetrics computes the total count and number of detected genes of
// every cell, overall and within each subset. Cells are processed in
// parallel shards, each writing its own range of the outputs.
func PerCellMetrics(counts matrix.Reader, subsets []Subset, parallelism int) (*CellMetrics, error) {
	nGenes, nCells := counts.Dims()
	member := make([][]int, nGenes) // gene -> subsets containing it
	for s, sub := range subsets {
		for _, g := range sub.Genes {
			if g < 0 || g >= nGenes {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("qc: subset %s: gene %d out of range [0,%d)", sub.Name, g, nGenes))
			}
			member[g] = append(member[g], s)
		}
	}
	m := &CellMetrics{
		Sum:      make([]float64, nCells),
		Detected: make([]float64, nCells),
		Subsets:  make([]SubsetMetrics, len(subsets)),
	}
	for s, sub := range subsets {
		m.Subsets[s] = SubsetMetrics{
			Name:     sub.Name,
			Sum:      make([]float64, nCells),
			Detected: make([]float64, nCells),
			Percent:  make([]float64, nCells),
		}
	}
	err := shard.Each(nCells, parallelism, func(_ int, r shard.Range) error {
		var col matrix.Column
		for j := r.Start; j < r.End; j++ {
			if err := counts.Col(j, &col); err != nil {
				return err
			}
			for k, g := range col.Rows {
				v := col.Vals[k]
				m.Sum[j] += v
				if v > 0 {
					m.Detected[j]++
				}
				for _, s := range member[g] {
					m.Subsets[s].Sum[j] += v
					if v > 0 {
						m.Subsets[s].Detected[j]++
					}
				}
			}
			for s := range m.Subsets {
				if m.Sum[j] > 0 {
					m.Subsets[s].Percent[j] = 100 * m.Subsets[s].Sum[j] / m.Sum[j]
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// FeatureMetrics holds per-gene metrics in gene order.
type FeatureMetrics struct {
	Mean     []float64
	Detected []float64 // percent of cells with a non-zero count
}

// Gene table column names.
const (
	ColMean            = "mean"
	ColDetectedPercent = "detected"
)

// AddTo stores the metrics as columns of the gene table t.
func (m *FeatureMetrics) AddTo(t *sce.Table) error {
	if err := t.SetFloat(ColMean, m.Mean); err != nil {
		return err
	}
	return t.SetFloat(ColDetectedPercent, m.Detected)
}

// PerFeatureMetrics computes the mean count and detection rate of every
// gene. Per-shard partial sums are merged in shard order.
func PerFeatureMetrics(counts matrix.Reader, parallelism int) (*FeatureMetrics, error) {
	nGenes, nCells := counts.Dims()
	type partial struct{ sum, det []float64 }
	parts := make([]partial, len(shard.Split(nCells, parallelism)))
	err := shard.Each(nCells, parallelism, func(s int, r shard.Range) error {
		p := partial{sum: make([]float64, nGenes), det: make([]float64, nGenes)}
		var col matrix.Column
		for j := r.Start; j < r.End; j++ {
			if err := counts.Col(j, &col); err != nil {
				return err
			}
			for k, g := range col.Rows {
				p.sum[g] += col.Vals[k]
				if col.Vals[k] > 0 {
					p.det[g]++
				}
			}
		}
		parts[s] = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	m := &FeatureMetrics{Mean: make([]float64, nGenes), Detected: make([]float64, nGenes)}
	for _, p := range parts {
		for g := range m.Mean {
			m.Mean[g] += p.sum[g]
			m.Detected[g] += p.det[g]
		}
	}
	if nCells > 0 {
		for g := range m.Mean {
			m.Mean[g] /= float64(nCells)
			m.Detected[g] *= 100 / float64(nCells)
		}
	}
	return m, nil
}

// MitoGenes returns the indices of mitochondrial genes. Genes with a known
// chromosome are matched on chrM/MT/M; without chromosome annotation genes
// are matched on an "MT-" symbol prefix. Genes whose chromosome is NA are
// not counted as mitochondrial.
func MitoGenes(rowData *sce.Table) ([]int, error) {
	var idx []int
	if rowData.Has(sce.GeneChrom) {
		chrom, err := rowData.Strings(sce.GeneChrom)
		if err != nil {
			return nil, err
		}
		known := make([]sce.Logical, len(chrom))
		for i := range known {
			known[i] = sce.True
		}
		if rowData.Has(sce.GeneChromKnown) {
			if known, err = rowData.Logical(sce.GeneChromKnown); err != nil {
				return nil, err
			}
		}
		for i, c := range chrom {
			if !known[i].IsTrue() {
				continue
			}
			switch strings.ToUpper(strings.TrimPrefix(c, "chr")) {
			case "M", "MT":
				idx = append(idx, i)
			}
		}
		return idx, nil
	}
	if !rowData.Has(sce.GeneSymbol) {
		return nil, errors.E(errors.Precondition, "qc: gene table has neither chromosome nor symbol annotation")
	}
	sym, err := rowData.Strings(sce.GeneSymbol)
	if err != nil {
		return nil, err
	}
	for i, s := range sym {
		if strings.HasPrefix(strings.ToUpper(s), "MT-") {
			idx = append(idx, i)
		}
	}
	return idx, nil
}
