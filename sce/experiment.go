// Package sce defines Experiment, the annotated gene-by-cell matrix that
// flows through every analysis stage, together with its metadata tables,
// reduced-dimension embeddings and on-disk snapshot format.
//
// Stages never mutate an Experiment they receive in a way that changes its
// dimensions; subsetting returns a new Experiment whose matrix, assays,
// tables and embeddings are all subset together.
package sce

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/matrix"
	"gonum.org/v1/gonum/mat"
)

// Well-known metadata column and assay names.
const (
	// Gene table.
	GeneID         = "ID"
	GeneSymbol     = "Symbol"
	GeneChrom      = "Chrom"
	GeneChromKnown = "ChromKnown"

	// Cell table.
	CellBarcode    = "Barcode"
	CellSizeFactor = "sizeFactor"
	CellCluster    = "cluster"

	// Assays.
	LogCounts = "logcounts"
)

// Embedding is a dense cells x dims coordinate matrix, stored row-major.
type Embedding struct {
	Rows, Cols int
	Data       []float64
	// Attrs carries per-dimension attributes, e.g. "varExplained".
	Attrs map[string][]float64
}

// NewEmbedding wraps a dense matrix as an Embedding. The data is copied.
func NewEmbedding(m mat.Matrix) *Embedding {
	r, c := m.Dims()
	e := &Embedding{Rows: r, Cols: c, Data: make([]float64, r*c)}
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			e.Data[i*c+j] = m.At(i, j)
		}
	}
	return e
}

// Dense returns a view of the embedding as a gonum matrix. Writes through
// the view modify the embedding.
func (e *Embedding) Dense() *mat.Dense {
	if e.Rows == 0 || e.Cols == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(e.Rows, e.Cols, e.Data)
}

// Row returns row i without copying.
func (e *Embedding) Row(i int) []float64 { return e.Data[i*e.Cols : (i+1)*e.Cols] }

// Subset returns the rows idx, in order.
func (e *Embedding) Subset(idx []int) *Embedding {
	s := &Embedding{Rows: len(idx), Cols: e.Cols, Data: make([]float64, 0, len(idx)*e.Cols), Attrs: e.Attrs}
	for _, i := range idx {
		s.Data = append(s.Data, e.Row(i)...)
	}
	return s
}

// Experiment is an annotated gene-by-cell count matrix.
type Experiment struct {
	// Counts is the raw count matrix. It may be file backed.
	Counts matrix.Reader
	// Assays holds derived matrices of the same shape, e.g. logcounts.
	Assays map[string]*matrix.CSC
	// RowData has one row per gene, ColData one row per cell.
	RowData, ColData *Table
	// ReducedDims holds embeddings with one row per cell.
	ReducedDims map[string]*Embedding
	// Metadata holds run-level annotations.
	Metadata map[string]string
}

// New creates an Experiment. rowData and colData may be nil, in which case
// empty tables of the right length are created.
func New(counts matrix.Reader, rowData, colData *Table) (*Experiment, error) {
	rows, cols := counts.Dims()
	if rowData == nil {
		rowData = NewTable(rows)
	}
	if colData == nil {
		colData = NewTable(cols)
	}
	e := &Experiment{
		Counts:      counts,
		Assays:      map[string]*matrix.CSC{},
		RowData:     rowData,
		ColData:     colData,
		ReducedDims: map[string]*Embedding{},
		Metadata:    map[string]string{},
	}
	return e, e.Validate()
}

// NGenes returns the number of rows.
func (e *Experiment) NGenes() int {
	rows, _ := e.Counts.Dims()
	return rows
}

// NCells returns the number of columns.
func (e *Experiment) NCells() int {
	_, cols := e.Counts.Dims()
	return cols
}

// Validate checks that every component agrees with the count matrix
// dimensions.
func (e *Experiment) Validate() error {
	rows, cols := e.Counts.Dims()
	if e.RowData.N != rows {
		return errors.E(errors.Invalid, fmt.Sprintf("sce: %d genes in matrix, %d in row data", rows, e.RowData.N))
	}
	if e.ColData.N != cols {
		return errors.E(errors.Invalid, fmt.Sprintf("sce: %d cells in matrix, %d in column data", cols, e.ColData.N))
	}
	for name, a := range e.Assays {
		if r, c := a.Dims(); r != rows || c != cols {
			return errors.E(errors.Invalid, fmt.Sprintf("sce: assay %s is %dx%d, counts are %dx%d", name, r, c, rows, cols))
		}
	}
	for name, d := range e.ReducedDims {
		if d.Rows != cols {
			return errors.E(errors.Invalid, fmt.Sprintf("sce: embedding %s has %d rows for %d cells", name, d.Rows, cols))
		}
	}
	return nil
}

func (e *Experiment) shallowCopy() *Experiment {
	n := &Experiment{
		Counts:      e.Counts,
		Assays:      make(map[string]*matrix.CSC, len(e.Assays)),
		RowData:     e.RowData,
		ColData:     e.ColData,
		ReducedDims: make(map[string]*Embedding, len(e.ReducedDims)),
		Metadata:    make(map[string]string, len(e.Metadata)),
	}
	for k, v := range e.Assays {
		n.Assays[k] = v
	}
	for k, v := range e.ReducedDims {
		n.ReducedDims[k] = v
	}
	for k, v := range e.Metadata {
		n.Metadata[k] = v
	}
	return n
}

// With returns a copy of e whose maps may be updated without affecting e.
// Tables are cloned; matrices are shared.
func (e *Experiment) With() *Experiment {
	n := e.shallowCopy()
	n.RowData = e.RowData.Clone()
	n.ColData = e.ColData.Clone()
	return n
}

// SubsetCells returns a new Experiment holding cells idx, in order. Both
// tables are copies; matrices other than the subset ones are shared.
func (e *Experiment) SubsetCells(idx []int) (*Experiment, error) {
	counts, err := matrix.SelectCols(e.Counts, idx)
	if err != nil {
		return nil, err
	}
	n := e.shallowCopy()
	n.Counts = counts
	n.RowData = e.RowData.Clone()
	n.ColData = e.ColData.Subset(idx)
	for k, a := range e.Assays {
		n.Assays[k] = a.SubsetCols(idx)
	}
	for k, d := range e.ReducedDims {
		n.ReducedDims[k] = d.Subset(idx)
	}
	return n, n.Validate()
}

// SubsetGenes returns a new Experiment holding genes idx, in order. Reduced
// dimensions are dropped because they were computed from the full gene set.
// Both tables are copies.
func (e *Experiment) SubsetGenes(idx []int) (*Experiment, error) {
	counts, err := matrix.SelectRows(e.Counts, idx)
	if err != nil {
		return nil, err
	}
	n := e.shallowCopy()
	n.Counts = counts
	n.RowData = e.RowData.Subset(idx)
	n.ColData = e.ColData.Clone()
	for k, a := range e.Assays {
		n.Assays[k] = a.SubsetRows(idx)
	}
	n.ReducedDims = map[string]*Embedding{}
	return n, n.Validate()
}

// FilterCells keeps the cells for which keep is true.
func (e *Experiment) FilterCells(keep []bool) (*Experiment, error) {
	if len(keep) != e.NCells() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sce: filter has %d entries for %d cells", len(keep), e.NCells()))
	}
	var idx []int
	for i, k := range keep {
		if k {
			idx = append(idx, i)
		}
	}
	return e.SubsetCells(idx)
}

// SizeFactors returns the size factors, or false if none are set.
func (e *Experiment) SizeFactors() ([]float64, bool) {
	sf, err := e.ColData.Float(CellSizeFactor)
	return sf, err == nil
}

// SetSizeFactors stores size factors after checking that every value is
// finite and strictly positive.
func (e *Experiment) SetSizeFactors(sf []float64) error {
	for i, v := range sf {
		if !(v > 0) || math.IsInf(v, 0) {
			return errors.E(errors.Invalid, fmt.Sprintf("sce: size factor %v for cell %d is not positive and finite", v, i))
		}
	}
	return e.ColData.SetFloat(CellSizeFactor, sf)
}

// LogCounts returns the log-normalized assay.
func (e *Experiment) LogCounts() (*matrix.CSC, error) {
	m, ok := e.Assays[LogCounts]
	if !ok {
		return nil, errors.E(errors.Precondition, "sce: logcounts have not been computed")
	}
	return m, nil
}

// SetAssay stores a derived matrix of the same shape as the counts.
func (e *Experiment) SetAssay(name string, m *matrix.CSC) error {
	rows, cols := e.Counts.Dims()
	if r, c := m.Dims(); r != rows || c != cols {
		return errors.E(errors.Invalid, fmt.Sprintf("sce: assay %s is %dx%d, counts are %dx%d", name, r, c, rows, cols))
	}
	e.Assays[name] = m
	return nil
}

// SetReducedDim stores an embedding with one row per cell.
func (e *Experiment) SetReducedDim(name string, d *Embedding) error {
	if d.Rows != e.NCells() {
		return errors.E(errors.Invalid, fmt.Sprintf("sce: embedding %s has %d rows for %d cells", name, d.Rows, e.NCells()))
	}
	e.ReducedDims[name] = d
	return nil
}

// ReducedDim returns the named embedding.
func (e *Experiment) ReducedDim(name string) (*Embedding, error) {
	d, ok := e.ReducedDims[name]
	if !ok {
		return nil, errors.E(errors.Precondition, fmt.Sprintf("sce: no reduced dimension %q", name))
	}
	return d, nil
}

// Clusters returns the per-cell cluster labels.
func (e *Experiment) Clusters() ([]int, error) {
	return e.ColData.Int(CellCluster)
}

// GeneIndex resolves a gene by ID or symbol. When nothing matches, the
// error suggests the closest symbols by edit distance.
func (e *Experiment) GeneIndex(name string) (int, error) {
	ids, _ := e.RowData.Strings(GeneID)
	symbols, _ := e.RowData.Strings(GeneSymbol)
	for i, id := range ids {
		if id == name {
			return i, nil
		}
	}
	for i, s := range symbols {
		if s == name {
			return i, nil
		}
	}
	type candidate struct {
		name string
		dist int
	}
	var cands []candidate
	for _, s := range symbols {
		if d := matchr.Levenshtein(strings.ToUpper(name), strings.ToUpper(s)); d <= 2 {
			cands = append(cands, candidate{s, d})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	if len(cands) > 3 {
		cands = cands[:3]
	}
	msg := fmt.Sprintf("sce: gene %q not found", name)
	if len(cands) > 0 {
		var names []string
		for _, c := range cands {
			names = append(names, c.name)
		}
		msg += "; did you mean " + strings.Join(names, ", ") + "?"
	}
	return -1, errors.E(errors.NotExist, msg)
}
