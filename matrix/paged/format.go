// Package paged stores a gene-by-cell matrix on local disk as a sequence of
// compressed column blocks and serves columns on demand through a bounded
// block cache.
//
// File layout:
//
//	magic (8 bytes)
//	block 0 ... block n-1     snappy(encoded columns)
//	footer                    dims and per-block index entries
//	footer offset (8 bytes, little endian)
//	magic (8 bytes)
//
// Each index entry records the first column of the block, its column count,
// file offset, compressed length and a seahash checksum of the compressed
// bytes. Readers hold a shared flock on the file and writers an exclusive
// one, so a matrix is never read while it is being rewritten.
package paged

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/matrix"
)

const magic = "SCPGMTX1"

// Opts controls block layout and caching.
type Opts struct {
	// ColsPerBlock is the number of columns stored in each block.
	ColsPerBlock int
	// MaxCachedBlocks bounds the number of decoded blocks kept in memory.
	MaxCachedBlocks int
}

// DefaultOpts are used for zero-valued fields of Opts.
var DefaultOpts = Opts{
	ColsPerBlock:    256,
	MaxCachedBlocks: 64,
}

func (o Opts) withDefaults() Opts {
	if o.ColsPerBlock <= 0 {
		o.ColsPerBlock = DefaultOpts.ColsPerBlock
	}
	if o.MaxCachedBlocks <= 0 {
		o.MaxCachedBlocks = DefaultOpts.MaxCachedBlocks
	}
	return o
}

type indexEntry struct {
	startCol, nCols int
	offset, length  int64
	checksum        uint64
}

// encodeColumns appends the columns to buf. Row indices are delta coded.
func encodeColumns(buf []byte, cols []matrix.Column) []byte {
	var tmp [binary.MaxVarintLen64]byte
	for _, c := range cols {
		n := binary.PutUvarint(tmp[:], uint64(len(c.Rows)))
		buf = append(buf, tmp[:n]...)
		prev := 0
		for _, r := range c.Rows {
			n = binary.PutUvarint(tmp[:], uint64(r-prev))
			buf = append(buf, tmp[:n]...)
			prev = r
		}
		for _, v := range c.Vals {
			binary.LittleEndian.PutUint64(tmp[:8], math.Float64bits(v))
			buf = append(buf, tmp[:8]...)
		}
	}
	return buf
}

func decodeColumns(buf []byte, nCols int) ([]matrix.Column, error) {
	cols := make([]matrix.Column, nCols)
	for j := range cols {
		nnz, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, errors.E(errors.Integrity, "paged: truncated block")
		}
		buf = buf[n:]
		c := matrix.Column{Rows: make([]int, nnz), Vals: make([]float64, nnz)}
		prev := 0
		for k := range c.Rows {
			d, n := binary.Uvarint(buf)
			if n <= 0 {
				return nil, errors.E(errors.Integrity, "paged: truncated block")
			}
			buf = buf[n:]
			prev += int(d)
			c.Rows[k] = prev
		}
		if len(buf) < 8*int(nnz) {
			return nil, errors.E(errors.Integrity, "paged: truncated block")
		}
		for k := range c.Vals {
			c.Vals[k] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
			buf = buf[8:]
		}
		cols[j] = c
	}
	if len(buf) != 0 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("paged: %d trailing bytes in block", len(buf)))
	}
	return cols, nil
}

func encodeFooter(rows, cols int, index []indexEntry) []byte {
	buf := make([]byte, 0, 24+len(index)*40)
	var tmp [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	put(uint64(rows))
	put(uint64(cols))
	put(uint64(len(index)))
	for _, e := range index {
		put(uint64(e.startCol))
		put(uint64(e.nCols))
		put(uint64(e.offset))
		put(uint64(e.length))
		put(e.checksum)
	}
	return buf
}

func decodeFooter(buf []byte) (rows, cols int, index []indexEntry, err error) {
	get := func() uint64 {
		if len(buf) < 8 {
			err = errors.E(errors.Integrity, "paged: truncated footer")
			return 0
		}
		v := binary.LittleEndian.Uint64(buf)
		buf = buf[8:]
		return v
	}
	rows, cols = int(get()), int(get())
	n := int(get())
	if err != nil {
		return
	}
	if n < 0 || len(buf) != n*40 {
		err = errors.E(errors.Integrity, fmt.Sprintf("paged: footer has %d bytes for %d blocks", len(buf), n))
		return
	}
	index = make([]indexEntry, n)
	for i := range index {
		index[i] = indexEntry{
			startCol: int(get()),
			nCols:    int(get()),
			offset:   int64(get()),
			length:   int64(get()),
			checksum: get(),
		}
	}
	return
}
