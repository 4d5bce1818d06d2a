package paged

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMatrix(rows, cols int) *matrix.CSC {
	b := matrix.NewBuilder(rows, cols)
	for j := 0; j < cols; j++ {
		for i := j % 3; i < rows; i += 3 {
			b.Add(i, j, float64(i*cols+j+1)) // nolint: errcheck
		}
	}
	return b.Build()
}

func TestRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "m.pgm")

	want := testMatrix(17, 45)
	require.NoError(t, Write(path, want, Opts{ColsPerBlock: 8}))

	m, err := Open(path, Opts{MaxCachedBlocks: 2})
	require.NoError(t, err)
	defer m.Close() // nolint: errcheck
	expect.EQ(t, m.NumBlocks(), 6)
	rows, cols := m.Dims()
	expect.EQ(t, rows, 17)
	expect.EQ(t, cols, 45)

	got, err := matrix.Materialize(m)
	require.NoError(t, err)
	assert.True(t, got.Equal(want))
}

func TestCacheAvoidsRereads(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "m.pgm")
	require.NoError(t, Write(path, testMatrix(5, 20), Opts{ColsPerBlock: 10}))

	m, err := Open(path, Opts{MaxCachedBlocks: 1})
	require.NoError(t, err)
	defer m.Close() // nolint: errcheck

	var col matrix.Column
	for j := 0; j < 10; j++ {
		require.NoError(t, m.Col(j, &col))
	}
	expect.EQ(t, m.Stats(), CacheStats{Hits: 9, Misses: 1})
	require.NoError(t, m.Col(15, &col))
	require.NoError(t, m.Col(0, &col))
	expect.EQ(t, m.Stats().Misses, 3)
}

func TestConcurrentReaders(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "m.pgm")
	want := testMatrix(30, 200)
	require.NoError(t, Write(path, want, Opts{ColsPerBlock: 7}))

	m, err := Open(path, Opts{MaxCachedBlocks: 3})
	require.NoError(t, err)
	defer m.Close() // nolint: errcheck

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			var col matrix.Column
			for j := g; j < 200; j += 3 {
				if err := m.Col(j, &col); err != nil {
					t.Error(err)
					return
				}
				rows, vals := want.ColView(j)
				assert.Equal(t, rows, col.Rows)
				assert.Equal(t, vals, col.Vals)
			}
		}(g)
	}
	wg.Wait()
}

func TestCorruptBlock(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "m.pgm")
	require.NoError(t, Write(path, testMatrix(10, 10), Opts{}))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff, 0xff}, int64(len(magic))+1)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m, err := Open(path, Opts{})
	require.NoError(t, err)
	defer m.Close() // nolint: errcheck
	var col matrix.Column
	err = m.Col(0, &col)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.Integrity, err))
}
