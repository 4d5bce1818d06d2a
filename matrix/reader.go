package matrix

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/internal/shard"
)

// Materialize reads every column of r into an in-memory CSC matrix. If r is
// already a *CSC it is returned as is.
func Materialize(r Reader) (*CSC, error) {
	if m, ok := r.(*CSC); ok {
		return m, nil
	}
	rows, cols := r.Dims()
	m := &CSC{NRows: rows, NCols: cols, ColPtr: make([]int, cols+1)}
	var col Column
	for j := 0; j < cols; j++ {
		if err := r.Col(j, &col); err != nil {
			return nil, err
		}
		m.RowIdx = append(m.RowIdx, col.Rows...)
		m.Val = append(m.Val, col.Vals...)
		m.ColPtr[j+1] = len(m.RowIdx)
	}
	return m, nil
}

// ColSums computes column sums of r, reading disjoint column shards in
// parallel.
func ColSums(r Reader, parallelism int) ([]float64, error) {
	if m, ok := r.(*CSC); ok {
		return m.ColSums(), nil
	}
	_, cols := r.Dims()
	sums := make([]float64, cols)
	err := shard.Each(cols, parallelism, func(_ int, rg shard.Range) error {
		var col Column
		for j := rg.Start; j < rg.End; j++ {
			if err := r.Col(j, &col); err != nil {
				return err
			}
			sums[j] = col.Sum()
		}
		return nil
	})
	return sums, err
}

// RowSums computes row sums of r. Each column shard accumulates its own
// partial sums; partials are added in shard order.
func RowSums(r Reader, parallelism int) ([]float64, error) {
	if m, ok := r.(*CSC); ok {
		return m.RowSums(), nil
	}
	rows, cols := r.Dims()
	ranges := shard.Split(cols, parallelism)
	partial := make([][]float64, len(ranges))
	err := shard.Each(cols, parallelism, func(s int, rg shard.Range) error {
		p := make([]float64, rows)
		var col Column
		for j := rg.Start; j < rg.End; j++ {
			if err := r.Col(j, &col); err != nil {
				return err
			}
			for k, i := range col.Rows {
				p[i] += col.Vals[k]
			}
		}
		partial[s] = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	sums := make([]float64, rows)
	for _, p := range partial {
		for i, v := range p {
			sums[i] += v
		}
	}
	return sums, nil
}

type colSelection struct {
	r   Reader
	idx []int
}

// SelectCols returns a lazy view of the given columns of r.
func SelectCols(r Reader, idx []int) (Reader, error) {
	_, cols := r.Dims()
	for _, j := range idx {
		if j < 0 || j >= cols {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("matrix: column %d out of range [0,%d)", j, cols))
		}
	}
	if m, ok := r.(*CSC); ok {
		return m.SubsetCols(idx), nil
	}
	return &colSelection{r: r, idx: append([]int(nil), idx...)}, nil
}

func (s *colSelection) Dims() (int, int) {
	rows, _ := s.r.Dims()
	return rows, len(s.idx)
}

func (s *colSelection) Col(j int, dst *Column) error {
	if j < 0 || j >= len(s.idx) {
		return errors.E(errors.Invalid, fmt.Sprintf("matrix: column %d out of range [0,%d)", j, len(s.idx)))
	}
	return s.r.Col(s.idx[j], dst)
}

type rowSelection struct {
	r     Reader
	n     int
	remap []int
}

// SelectRows returns a lazy view of the given rows of r. idx must not
// contain duplicates.
func SelectRows(r Reader, idx []int) (Reader, error) {
	rows, _ := r.Dims()
	seen := make(map[int]bool, len(idx))
	for _, i := range idx {
		if i < 0 || i >= rows {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("matrix: row %d out of range [0,%d)", i, rows))
		}
		if seen[i] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("matrix: duplicate row %d in selection", i))
		}
		seen[i] = true
	}
	if m, ok := r.(*CSC); ok {
		return m.SubsetRows(idx), nil
	}
	return &rowSelection{r: r, n: len(idx), remap: rowRemap(rows, idx)}, nil
}

func (s *rowSelection) Dims() (int, int) {
	_, cols := s.r.Dims()
	return s.n, cols
}

func (s *rowSelection) Col(j int, dst *Column) error {
	var src Column
	if err := s.r.Col(j, &src); err != nil {
		return err
	}
	dst.Reset()
	for k, i := range src.Rows {
		if r := s.remap[i]; r >= 0 {
			dst.Rows = append(dst.Rows, r)
			dst.Vals = append(dst.Vals, src.Vals[k])
		}
	}
	sortColumn(dst)
	return nil
}
