package matrix

import (
	"testing"

	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 3 genes x 4 cells.
var testDense = []float64{
	1, 0, 2, 0,
	0, 3, 0, 0,
	4, 5, 0, 6,
}

func TestBuilderSumsDuplicates(t *testing.T) {
	b := NewBuilder(2, 2)
	require.NoError(t, b.Add(0, 1, 2))
	require.NoError(t, b.Add(0, 1, 3))
	require.NoError(t, b.Add(1, 0, 1))
	require.NoError(t, b.Add(1, 1, 4))
	require.NoError(t, b.Add(1, 1, -4))
	assert.Error(t, b.Add(2, 0, 1))

	m := b.Build()
	expect.EQ(t, m.At(0, 1), 5.0)
	expect.EQ(t, m.At(1, 0), 1.0)
	expect.EQ(t, m.Nnz(), 2)
	_, err := NewCSC(m.NRows, m.NCols, m.ColPtr, m.RowIdx, m.Val)
	assert.NoError(t, err)
}

func TestNewCSCValidates(t *testing.T) {
	_, err := NewCSC(2, 1, []int{0, 2}, []int{1, 0}, []float64{1, 1})
	assert.Error(t, err, "unsorted rows")
	_, err = NewCSC(2, 1, []int{0, 1}, []int{2}, []float64{1})
	assert.Error(t, err, "row out of range")
	_, err = NewCSC(2, 2, []int{0, 1}, []int{0}, []float64{1})
	assert.Error(t, err, "short colptr")
}

func TestSums(t *testing.T) {
	m := FromDense(3, 4, testDense)
	assert.Equal(t, []float64{5, 8, 2, 6}, m.ColSums())
	assert.Equal(t, []float64{3, 3, 15}, m.RowSums())
	assert.Equal(t, []int{2, 2, 1, 1}, m.ColNnz())
}

func TestSubsetAndTranspose(t *testing.T) {
	m := FromDense(3, 4, testDense)
	c := m.SubsetCols([]int{3, 0})
	assert.True(t, c.Equal(FromDense(3, 2, []float64{
		0, 1,
		0, 0,
		6, 4,
	})))
	r := m.SubsetRows([]int{2, 0})
	assert.True(t, r.Equal(FromDense(2, 4, []float64{
		4, 5, 0, 6,
		1, 0, 2, 0,
	})))
	tr := m.Transpose()
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			expect.EQ(t, tr.At(j, i), m.At(i, j))
		}
	}
	assert.True(t, tr.Transpose().Equal(m))
}

func TestLazySelections(t *testing.T) {
	m := FromDense(3, 4, testDense)
	var r Reader = wrapped{m}

	cols, err := SelectCols(r, []int{1, 3})
	require.NoError(t, err)
	got, err := Materialize(cols)
	require.NoError(t, err)
	assert.True(t, got.Equal(m.SubsetCols([]int{1, 3})))

	rows, err := SelectRows(r, []int{2, 1})
	require.NoError(t, err)
	got, err = Materialize(rows)
	require.NoError(t, err)
	assert.True(t, got.Equal(m.SubsetRows([]int{2, 1})))

	_, err = SelectRows(r, []int{1, 1})
	assert.Error(t, err)

	sums, err := RowSums(r, 3)
	require.NoError(t, err)
	assert.Equal(t, m.RowSums(), sums)
	sums, err = ColSums(r, 3)
	require.NoError(t, err)
	assert.Equal(t, m.ColSums(), sums)
}

func TestMapDropsZeros(t *testing.T) {
	m := FromDense(3, 4, testDense)
	n := m.Map(func(i, j int, v float64) float64 {
		if v < 3 {
			return 0
		}
		return v * 2
	})
	expect.EQ(t, n.Nnz(), 4)
	expect.EQ(t, n.At(2, 3), 12.0)
	expect.EQ(t, n.At(0, 0), 0.0)
}

// wrapped hides the concrete type so the generic Reader paths are exercised.
type wrapped struct{ m *CSC }

func (w wrapped) Dims() (int, int)             { return w.m.Dims() }
func (w wrapped) Col(j int, dst *Column) error { return w.m.Col(j, dst) }
