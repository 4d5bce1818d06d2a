// Package matrix implements the sparse numeric layer of the pipeline: a
// compressed-sparse-column (CSC) matrix, a column Reader shared by in-memory
// and file-backed storage, and lazy row/column selections over any Reader.
//
// Matrices are gene-by-cell: rows are features, columns are cells or
// barcodes. All indices are 0-based.
package matrix

import (
	"fmt"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
)

// Column holds the nonzero entries of one matrix column. Rows is strictly
// increasing.
type Column struct {
	Rows []int
	Vals []float64
}

// Reset empties the column while keeping its storage.
func (c *Column) Reset() {
	c.Rows = c.Rows[:0]
	c.Vals = c.Vals[:0]
}

// Sum returns the sum of the column values.
func (c *Column) Sum() float64 {
	var s float64
	for _, v := range c.Vals {
		s += v
	}
	return s
}

// Reader provides column access to a matrix. Implementations must allow
// concurrent calls to Col with distinct destination columns.
type Reader interface {
	Dims() (rows, cols int)
	Col(j int, dst *Column) error
}

// CSC is a compressed-sparse-column matrix. Column j occupies
// RowIdx[ColPtr[j]:ColPtr[j+1]] and Val[ColPtr[j]:ColPtr[j+1]], with row
// indices strictly increasing within a column.
type CSC struct {
	NRows, NCols int
	ColPtr       []int
	RowIdx       []int
	Val          []float64
}

// NewCSC validates and wraps the given arrays. The arrays are not copied.
func NewCSC(rows, cols int, colPtr, rowIdx []int, val []float64) (*CSC, error) {
	m := &CSC{NRows: rows, NCols: cols, ColPtr: colPtr, RowIdx: rowIdx, Val: val}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Zeros returns an all-zero rows x cols matrix.
func Zeros(rows, cols int) *CSC {
	return &CSC{NRows: rows, NCols: cols, ColPtr: make([]int, cols+1)}
}

func (m *CSC) validate() error {
	if m.NRows < 0 || m.NCols < 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("matrix: negative dimensions %dx%d", m.NRows, m.NCols))
	}
	if len(m.ColPtr) != m.NCols+1 || m.ColPtr[0] != 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("matrix: column pointer length %d for %d columns", len(m.ColPtr), m.NCols))
	}
	nnz := m.ColPtr[m.NCols]
	if len(m.RowIdx) != nnz || len(m.Val) != nnz {
		return errors.E(errors.Invalid, fmt.Sprintf("matrix: %d row indices and %d values for %d nonzeros", len(m.RowIdx), len(m.Val), nnz))
	}
	for j := 0; j < m.NCols; j++ {
		lo, hi := m.ColPtr[j], m.ColPtr[j+1]
		if hi < lo {
			return errors.E(errors.Invalid, fmt.Sprintf("matrix: column %d has decreasing pointers", j))
		}
		for k := lo; k < hi; k++ {
			i := m.RowIdx[k]
			if i < 0 || i >= m.NRows {
				return errors.E(errors.Invalid, fmt.Sprintf("matrix: row index %d out of range in column %d", i, j))
			}
			if k > lo && m.RowIdx[k-1] >= i {
				return errors.E(errors.Invalid, fmt.Sprintf("matrix: unsorted row indices in column %d", j))
			}
		}
	}
	return nil
}

// Dims implements Reader.
func (m *CSC) Dims() (int, int) { return m.NRows, m.NCols }

// Nnz returns the number of stored entries.
func (m *CSC) Nnz() int { return m.ColPtr[m.NCols] }

// ColView returns the stored entries of column j without copying. The
// returned slices must not be modified.
func (m *CSC) ColView(j int) ([]int, []float64) {
	lo, hi := m.ColPtr[j], m.ColPtr[j+1]
	return m.RowIdx[lo:hi], m.Val[lo:hi]
}

// Col implements Reader.
func (m *CSC) Col(j int, dst *Column) error {
	if j < 0 || j >= m.NCols {
		return errors.E(errors.Invalid, fmt.Sprintf("matrix: column %d out of range [0,%d)", j, m.NCols))
	}
	rows, vals := m.ColView(j)
	dst.Rows = append(dst.Rows[:0], rows...)
	dst.Vals = append(dst.Vals[:0], vals...)
	return nil
}

// At returns the (i, j) entry.
func (m *CSC) At(i, j int) float64 {
	rows, vals := m.ColView(j)
	k := sort.SearchInts(rows, i)
	if k < len(rows) && rows[k] == i {
		return vals[k]
	}
	return 0
}

// DenseCol writes column j into dst, which is grown to NRows as needed.
func (m *CSC) DenseCol(j int, dst []float64) []float64 {
	if cap(dst) < m.NRows {
		dst = make([]float64, m.NRows)
	}
	dst = dst[:m.NRows]
	for i := range dst {
		dst[i] = 0
	}
	rows, vals := m.ColView(j)
	for k, i := range rows {
		dst[i] = vals[k]
	}
	return dst
}

// ColSums returns the sum of each column.
func (m *CSC) ColSums() []float64 {
	sums := make([]float64, m.NCols)
	for j := range sums {
		_, vals := m.ColView(j)
		for _, v := range vals {
			sums[j] += v
		}
	}
	return sums
}

// RowSums returns the sum of each row.
func (m *CSC) RowSums() []float64 {
	sums := make([]float64, m.NRows)
	for k, i := range m.RowIdx {
		sums[i] += m.Val[k]
	}
	return sums
}

// ColNnz returns the number of stored entries in each column.
func (m *CSC) ColNnz() []int {
	n := make([]int, m.NCols)
	for j := range n {
		n[j] = m.ColPtr[j+1] - m.ColPtr[j]
	}
	return n
}

// Clone returns a deep copy of m.
func (m *CSC) Clone() *CSC {
	return &CSC{
		NRows:  m.NRows,
		NCols:  m.NCols,
		ColPtr: append([]int(nil), m.ColPtr...),
		RowIdx: append([]int(nil), m.RowIdx...),
		Val:    append([]float64(nil), m.Val...),
	}
}

// Scale returns a copy of m with every entry multiplied by k.
func (m *CSC) Scale(k float64) *CSC {
	c := m.Clone()
	for i := range c.Val {
		c.Val[i] *= k
	}
	return c
}

// ScaleCols returns a copy of m with column j multiplied by f[j].
func (m *CSC) ScaleCols(f []float64) *CSC {
	c := m.Clone()
	for j := 0; j < c.NCols; j++ {
		for k := c.ColPtr[j]; k < c.ColPtr[j+1]; k++ {
			c.Val[k] *= f[j]
		}
	}
	return c
}

// Map returns a copy of m with fn applied to every stored entry. Entries for
// which fn returns zero are dropped.
func (m *CSC) Map(fn func(i, j int, v float64) float64) *CSC {
	c := &CSC{
		NRows:  m.NRows,
		NCols:  m.NCols,
		ColPtr: make([]int, m.NCols+1),
		RowIdx: make([]int, 0, m.Nnz()),
		Val:    make([]float64, 0, m.Nnz()),
	}
	for j := 0; j < m.NCols; j++ {
		rows, vals := m.ColView(j)
		for k, i := range rows {
			if v := fn(i, j, vals[k]); v != 0 {
				c.RowIdx = append(c.RowIdx, i)
				c.Val = append(c.Val, v)
			}
		}
		c.ColPtr[j+1] = len(c.RowIdx)
	}
	return c
}

// SubsetCols returns a new matrix made of the given columns, in order.
// Columns may repeat.
func (m *CSC) SubsetCols(idx []int) *CSC {
	c := &CSC{NRows: m.NRows, NCols: len(idx), ColPtr: make([]int, len(idx)+1)}
	for n, j := range idx {
		rows, vals := m.ColView(j)
		c.RowIdx = append(c.RowIdx, rows...)
		c.Val = append(c.Val, vals...)
		c.ColPtr[n+1] = len(c.RowIdx)
	}
	return c
}

// SubsetRows returns a new matrix made of the given rows, in order. idx must
// not contain duplicates.
func (m *CSC) SubsetRows(idx []int) *CSC {
	remap := rowRemap(m.NRows, idx)
	c := &CSC{NRows: len(idx), NCols: m.NCols, ColPtr: make([]int, m.NCols+1)}
	var col Column
	for j := 0; j < m.NCols; j++ {
		rows, vals := m.ColView(j)
		col.Reset()
		for k, i := range rows {
			if r := remap[i]; r >= 0 {
				col.Rows = append(col.Rows, r)
				col.Vals = append(col.Vals, vals[k])
			}
		}
		sortColumn(&col)
		c.RowIdx = append(c.RowIdx, col.Rows...)
		c.Val = append(c.Val, col.Vals...)
		c.ColPtr[j+1] = len(c.RowIdx)
	}
	return c
}

// Transpose returns the transpose of m. Row access to m is column access to
// the result.
func (m *CSC) Transpose() *CSC {
	t := &CSC{
		NRows:  m.NCols,
		NCols:  m.NRows,
		ColPtr: make([]int, m.NRows+1),
		RowIdx: make([]int, m.Nnz()),
		Val:    make([]float64, m.Nnz()),
	}
	for _, i := range m.RowIdx {
		t.ColPtr[i+1]++
	}
	for i := 0; i < m.NRows; i++ {
		t.ColPtr[i+1] += t.ColPtr[i]
	}
	next := append([]int(nil), t.ColPtr[:m.NRows]...)
	for j := 0; j < m.NCols; j++ {
		rows, vals := m.ColView(j)
		for k, i := range rows {
			p := next[i]
			t.RowIdx[p] = j
			t.Val[p] = vals[k]
			next[i]++
		}
	}
	return t
}

// Equal reports whether m and o have identical dimensions and stored
// entries. NaN entries compare equal to each other.
func (m *CSC) Equal(o *CSC) bool {
	if m.NRows != o.NRows || m.NCols != o.NCols || m.Nnz() != o.Nnz() {
		return false
	}
	for j := range m.ColPtr {
		if m.ColPtr[j] != o.ColPtr[j] {
			return false
		}
	}
	for k := range m.RowIdx {
		if m.RowIdx[k] != o.RowIdx[k] {
			return false
		}
		a, b := m.Val[k], o.Val[k]
		if a != b && !(math.IsNaN(a) && math.IsNaN(b)) {
			return false
		}
	}
	return true
}

// rowRemap returns a table mapping old row index to its position in idx, or
// -1 if the row is not selected.
func rowRemap(nrows int, idx []int) []int {
	remap := make([]int, nrows)
	for i := range remap {
		remap[i] = -1
	}
	for n, i := range idx {
		remap[i] = n
	}
	return remap
}

type colSorter struct{ *Column }

func (s colSorter) Len() int           { return len(s.Rows) }
func (s colSorter) Less(a, b int) bool { return s.Rows[a] < s.Rows[b] }
func (s colSorter) Swap(a, b int) {
	s.Rows[a], s.Rows[b] = s.Rows[b], s.Rows[a]
	s.Vals[a], s.Vals[b] = s.Vals[b], s.Vals[a]
}

func sortColumn(c *Column) {
	if !sort.IsSorted(colSorter{c}) {
		sort.Sort(colSorter{c})
	}
}
