package paged

import (
	"bufio"
	"encoding/binary"
	"os"

	"blainsmith.com/go/seahash"
	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/matrix"
	"golang.org/x/sys/unix"
)

// Write stores r at path, replacing any existing file. The file is held
// under an exclusive lock while it is written.
func Write(path string, r matrix.Reader, opts Opts) (err error) {
	opts = opts.withDefaults()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.E(err, "paged: create", path)
	}
	defer func() {
		if e := f.Close(); e != nil && err == nil {
			err = e
		}
	}()
	if err = unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return errors.E(err, "paged: lock", path)
	}
	defer func() {
		if e := unix.Flock(int(f.Fd()), unix.LOCK_UN); e != nil && err == nil {
			err = e
		}
	}()
	if err = f.Truncate(0); err != nil {
		return errors.E(err, "paged: truncate", path)
	}

	w := bufio.NewWriter(f)
	if _, err = w.WriteString(magic); err != nil {
		return err
	}
	var (
		rows, cols = r.Dims()
		offset     = int64(len(magic))
		index      []indexEntry
		raw        []byte
		compressed []byte
	)
	for start := 0; start < cols; start += opts.ColsPerBlock {
		end := start + opts.ColsPerBlock
		if end > cols {
			end = cols
		}
		block := make([]matrix.Column, end-start)
		for j := start; j < end; j++ {
			if err = r.Col(j, &block[j-start]); err != nil {
				return err
			}
		}
		raw = encodeColumns(raw[:0], block)
		compressed = snappy.Encode(compressed[:cap(compressed)], raw)
		if _, err = w.Write(compressed); err != nil {
			return err
		}
		index = append(index, indexEntry{
			startCol: start,
			nCols:    end - start,
			offset:   offset,
			length:   int64(len(compressed)),
			checksum: seahash.Sum64(compressed),
		})
		offset += int64(len(compressed))
	}
	footer := encodeFooter(rows, cols, index)
	if _, err = w.Write(footer); err != nil {
		return err
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(offset))
	if _, err = w.Write(tmp[:]); err != nil {
		return err
	}
	if _, err = w.WriteString(magic); err != nil {
		return err
	}
	if err = w.Flush(); err != nil {
		return err
	}
	log.Debug.Printf("paged: wrote %s: %dx%d in %d blocks", path, rows, cols, len(index))
	return f.Sync()
}
