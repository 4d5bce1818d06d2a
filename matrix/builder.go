package matrix

import (
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
)

type triplet struct {
	i, j int
	v    float64
}

// Builder accumulates (row, column, value) triplets and assembles them into
// a CSC matrix. Duplicate coordinates are summed.
type Builder struct {
	rows, cols int
	entries    []triplet
}

// NewBuilder creates a builder for a rows x cols matrix.
func NewBuilder(rows, cols int) *Builder {
	return &Builder{rows: rows, cols: cols}
}

// Add records value v at (i, j).
func (b *Builder) Add(i, j int, v float64) error {
	if i < 0 || i >= b.rows || j < 0 || j >= b.cols {
		return errors.E(errors.Invalid, fmt.Sprintf("matrix: entry (%d,%d) outside %dx%d", i, j, b.rows, b.cols))
	}
	b.entries = append(b.entries, triplet{i, j, v})
	return nil
}

// Len returns the number of triplets added so far.
func (b *Builder) Len() int { return len(b.entries) }

// Build sorts and merges the triplets. Entries that sum to zero are dropped.
func (b *Builder) Build() *CSC {
	sort.Slice(b.entries, func(x, y int) bool {
		ex, ey := b.entries[x], b.entries[y]
		if ex.j != ey.j {
			return ex.j < ey.j
		}
		return ex.i < ey.i
	})
	m := &CSC{NRows: b.rows, NCols: b.cols, ColPtr: make([]int, b.cols+1)}
	for k := 0; k < len(b.entries); {
		e := b.entries[k]
		v := e.v
		k++
		for k < len(b.entries) && b.entries[k].i == e.i && b.entries[k].j == e.j {
			v += b.entries[k].v
			k++
		}
		if v == 0 {
			continue
		}
		m.RowIdx = append(m.RowIdx, e.i)
		m.Val = append(m.Val, v)
		m.ColPtr[e.j+1]++
	}
	for j := 0; j < b.cols; j++ {
		m.ColPtr[j+1] += m.ColPtr[j]
	}
	return m
}

// FromDense builds a CSC matrix from a row-major rows x cols slice. Used
// mostly by tests.
func FromDense(rows, cols int, data []float64) *CSC {
	m := &CSC{NRows: rows, NCols: cols, ColPtr: make([]int, cols+1)}
	for j := 0; j < cols; j++ {
		for i := 0; i < rows; i++ {
			if v := data[i*cols+j]; v != 0 {
				m.RowIdx = append(m.RowIdx, i)
				m.Val = append(m.Val, v)
			}
		}
		m.ColPtr[j+1] = len(m.RowIdx)
	}
	return m
}
