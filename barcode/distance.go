package barcode

import "fmt"

// editMatrix is a row-major Levenshtein dynamic programming matrix whose
// storage is reused across alignments.
type editMatrix struct {
	nRow, nCol int
	data       []int
}

func (m *editMatrix) reset(n, c int) {
	m.nRow, m.nCol = n, c
	if cap(m.data) < n*c {
		m.data = make([]int, n*c)
	}
	m.data = m.data[:n*c]
}

func (m *editMatrix) at(i, j int) int { return m.data[i*m.nCol+j] }

// step is a bitmask of the traversals that reach a cell with minimum cost:
//
//	___|___
//	 1 | 3
//	 2 | 4
//
// diagonal (1 -> 4), right (2 -> 4) and down (3 -> 4).
type step uint8

const (
	diagonal step = 1 << iota
	right
	down
)

// cell computes cell (i, j) from its three predecessors.
func (m *editMatrix) cell(i, j int, r1, r2 []byte) step {
	switch {
	case i == 0:
		m.data[j] = j
		return 0
	case j == 0:
		m.data[i*m.nCol] = i
		return 0
	case r1[i-1] == r2[j-1]:
		m.data[i*m.nCol+j] = m.at(i-1, j-1)
		return diagonal
	}
	d := m.at(i-1, j) + 1
	g := m.at(i-1, j-1) + 1
	r := m.at(i, j-1) + 1
	min := d
	if g < min {
		min = g
	}
	if r < min {
		min = r
	}
	m.data[i*m.nCol+j] = min
	var s step
	if d == min {
		s |= down
	}
	if g == min {
		s |= diagonal
	}
	if r == min {
		s |= right
	}
	return s
}

// Aligner computes barcode edit distances. An Aligner reuses its buffers
// and is not safe for concurrent use.
type Aligner struct {
	m      editMatrix
	r1, r2 []byte
}

// Distance returns the Levenshtein distance between the equal-length
// barcodes s1 and s2. A fixed number of bases is always sequenced, so a
// deletion in a barcode pulls in the bases that follow it in the read; a1
// and a2 hold those downstream bases and are consumed one at a time while
// the alignment ends in a gap.
func (a *Aligner) Distance(s1, s2, a1, a2 string) int {
	if len(s1) != len(s2) {
		panic(fmt.Sprintf("barcode: s1 and s2 must have equal length: '%s', '%s'", s1, s2))
	}
	if len(s1) == 0 {
		return 0
	}
	r1 := append(a.r1[:0], s1...)
	r2 := append(a.r2[:0], s2...)
	defer func() { a.r1, a.r2 = r1[:0], r2[:0] }()
	rows, cols := len(r1), len(r2)
	m := &a.m
	m.reset(rows+len(a1)+1, cols+len(a2)+1)

	i, iEnd := 1, rows
	j, jEnd := 1, cols
	for {
		if i <= iEnd {
			for c := 0; c <= j-1; c++ {
				m.cell(i, c, r1, r2)
			}
		}
		if j <= jEnd {
			for r := 0; r <= i-1; r++ {
				m.cell(r, j, r1, r2)
			}
		}
		last := m.cell(i, j, r1, r2)
		if i < rows {
			i++
			j++
			continue
		}
		done := true
		if last&down != 0 && len(a2) > 0 {
			r2 = append(r2, a2[0])
			a2 = a2[1:]
			done = false
			j++
			jEnd++
		}
		if last&right != 0 && len(a1) > 0 {
			r1 = append(r1, a1[0])
			a1 = a1[1:]
			done = false
			i++
			iEnd++
		}
		if done {
			if full := m.at(rows, cols); full <= m.at(i, j) {
				return full
			}
			return m.at(i, j)
		}
	}
}

// Levenshtein is Distance with a fresh Aligner.
func Levenshtein(s1, s2, a1, a2 string) int {
	var a Aligner
	return a.Distance(s1, s2, a1, a2)
}
