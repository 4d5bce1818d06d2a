package paged

import (
	"container/list"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"blainsmith.com/go/seahash"
	"github.com/biogo/store/llrb"
	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/matrix"
	"golang.org/x/sys/unix"
)

// blockKey orders index entries by their first column.
type blockKey struct {
	startCol int
	block    int
}

// Compare implements llrb.Comparable.
func (k blockKey) Compare(c llrb.Comparable) int {
	return k.startCol - c.(blockKey).startCol
}

type cachedBlock struct {
	block int
	cols  []matrix.Column
}

// CacheStats counts block cache lookups.
type CacheStats struct {
	Hits, Misses int
}

// Matrix is a read-only file-backed matrix. It implements matrix.Reader and
// is safe for concurrent use.
type Matrix struct {
	path       string
	f          *os.File
	rows, cols int
	index      []indexEntry
	byStart    llrb.Tree
	maxCached  int

	mu     sync.Mutex
	lru    *list.List
	cached map[int]*list.Element
	stats  CacheStats
}

// Open opens a matrix written by Write and takes a shared lock on it. The
// lock is released by Close.
func Open(path string, opts Opts) (*Matrix, error) {
	opts = opts.withDefaults()
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.E(err, "paged: open", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH); err != nil {
		f.Close() // nolint: errcheck
		return nil, errors.E(err, "paged: lock", path)
	}
	m := &Matrix{
		path:      path,
		f:         f,
		maxCached: opts.MaxCachedBlocks,
		lru:       list.New(),
		cached:    map[int]*list.Element{},
	}
	if err := m.readFooter(); err != nil {
		m.Close() // nolint: errcheck
		return nil, err
	}
	for i, e := range m.index {
		m.byStart.Insert(blockKey{startCol: e.startCol, block: i})
	}
	return m, nil
}

func (m *Matrix) readFooter() error {
	st, err := m.f.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if size < int64(2*len(magic)+8) {
		return errors.E(errors.Integrity, "paged: file too short", m.path)
	}
	tail := make([]byte, 8+len(magic))
	if _, err := m.f.ReadAt(tail, size-int64(len(tail))); err != nil {
		return err
	}
	if string(tail[8:]) != magic {
		return errors.E(errors.Integrity, "paged: bad trailing magic", m.path)
	}
	footerOff := int64(binary.LittleEndian.Uint64(tail))
	footerLen := size - int64(len(tail)) - footerOff
	if footerOff < int64(len(magic)) || footerLen < 0 {
		return errors.E(errors.Integrity, fmt.Sprintf("paged: bad footer offset %d in %s", footerOff, m.path))
	}
	footer := make([]byte, footerLen)
	if _, err := m.f.ReadAt(footer, footerOff); err != nil {
		return err
	}
	m.rows, m.cols, m.index, err = decodeFooter(footer)
	return err
}

// Dims implements matrix.Reader.
func (m *Matrix) Dims() (int, int) { return m.rows, m.cols }

// Col implements matrix.Reader.
func (m *Matrix) Col(j int, dst *matrix.Column) error {
	if j < 0 || j >= m.cols {
		return errors.E(errors.Invalid, fmt.Sprintf("paged: column %d out of range [0,%d)", j, m.cols))
	}
	c := m.byStart.Floor(blockKey{startCol: j})
	if c == nil {
		return errors.E(errors.Integrity, fmt.Sprintf("paged: no block for column %d", j))
	}
	b := c.(blockKey).block
	cols, err := m.block(b)
	if err != nil {
		return err
	}
	src := cols[j-m.index[b].startCol]
	dst.Rows = append(dst.Rows[:0], src.Rows...)
	dst.Vals = append(dst.Vals[:0], src.Vals...)
	return nil
}

// block returns the decoded columns of block b, reading it from disk only
// on a cache miss.
func (m *Matrix) block(b int) ([]matrix.Column, error) {
	m.mu.Lock()
	if e, ok := m.cached[b]; ok {
		m.lru.MoveToFront(e)
		m.stats.Hits++
		cols := e.Value.(*cachedBlock).cols
		m.mu.Unlock()
		return cols, nil
	}
	m.stats.Misses++
	m.mu.Unlock()

	entry := m.index[b]
	compressed := make([]byte, entry.length)
	if _, err := m.f.ReadAt(compressed, entry.offset); err != nil {
		return nil, errors.E(err, "paged: read block", m.path)
	}
	if sum := seahash.Sum64(compressed); sum != entry.checksum {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("paged: checksum mismatch in block %d of %s", b, m.path))
	}
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, errors.E(errors.Integrity, err, "paged: decompress", m.path)
	}
	cols, err := decodeColumns(raw, entry.nCols)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.cached[b]; ok {
		// Another reader loaded the same block concurrently.
		m.lru.MoveToFront(e)
		return e.Value.(*cachedBlock).cols, nil
	}
	m.cached[b] = m.lru.PushFront(&cachedBlock{block: b, cols: cols})
	for m.lru.Len() > m.maxCached {
		old := m.lru.Remove(m.lru.Back()).(*cachedBlock)
		delete(m.cached, old.block)
	}
	return cols, nil
}

// Stats returns a snapshot of the cache counters.
func (m *Matrix) Stats() CacheStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// NumBlocks returns the number of column blocks in the file.
func (m *Matrix) NumBlocks() int { return len(m.index) }

// Path returns the backing file name.
func (m *Matrix) Path() string { return m.path }

// Close releases the lock and the file handle.
func (m *Matrix) Close() error {
	err := unix.Flock(int(m.f.Fd()), unix.LOCK_UN)
	if e := m.f.Close(); e != nil && err == nil {
		err = e
	}
	return err
}
