package sce

// This file defines the snapshot format. A snapshot is a recordio file whose
// first record holds the metadata (tables, assays, embeddings) and whose
// remaining records hold blocks of count-matrix columns. The trailer records
// the matrix dimensions, the number of column blocks and a checksum over all
// record payloads, so a truncated or modified snapshot is rejected on read.

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"hash"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/scrna/matrix"
	"github.com/minio/highwayhash"
)

const (
	// <snapshotVersionHeader, snapshotVersion> is stored in a recordio header.
	snapshotVersionHeader = "scrnaversion"
	snapshotVersion       = "SCE_V1"
	snapshotRunHeader     = "scrnarun"

	snapshotColsPerBlock = 512
)

// Zero key; the checksum detects corruption, it does not authenticate.
var checksumKey [32]byte

type snapshotMeta struct {
	RowData, ColData *Table
	Assays           map[string]*matrix.CSC
	ReducedDims      map[string]*Embedding
	Metadata         map[string]string
}

type snapshotBlock struct {
	StartCol int
	ColPtr   []int
	RowIdx   []int
	Val      []float64
}

type snapshotTrailer struct {
	Rows, Cols int
	Blocks     int
	Checksum   []byte
}

func encodeGOB(v interface{}) ([]byte, error) {
	b := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(b).Encode(v); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func newChecksum() hash.Hash {
	h, err := highwayhash.New(checksumKey[:])
	if err != nil {
		// Only fails for a key of the wrong length.
		panic(err)
	}
	return h
}

// WriteSnapshot serializes e to path. The run ID recorded in the header is
// returned.
func WriteSnapshot(ctx context.Context, path string, e *Experiment) (runID string, err error) {
	if err = e.Validate(); err != nil {
		return "", err
	}
	recordiozstd.Init()
	out, err := file.Create(ctx, path)
	if err != nil {
		return "", errors.E(err, "sce: create snapshot", path)
	}
	defer file.CloseAndReport(ctx, out, &err)

	runID = uuid.New().String()
	w := recordio.NewWriter(out.Writer(ctx), recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(snapshotVersionHeader, snapshotVersion)
	w.AddHeader(snapshotRunHeader, runID)
	w.AddHeader(recordio.KeyTrailer, true)

	sum := newChecksum()
	appendRecord := func(v interface{}) error {
		b, err := encodeGOB(v)
		if err != nil {
			return err
		}
		sum.Write(b) // nolint: errcheck
		w.Append(b)
		return nil
	}

	meta := snapshotMeta{
		RowData:     e.RowData,
		ColData:     e.ColData,
		Assays:      e.Assays,
		ReducedDims: e.ReducedDims,
		Metadata:    e.Metadata,
	}
	if err = appendRecord(meta); err != nil {
		return "", errors.E(err, "sce: encode snapshot metadata")
	}
	rows, cols := e.Counts.Dims()
	nBlocks := 0
	var col matrix.Column
	for start := 0; start < cols; start += snapshotColsPerBlock {
		end := start + snapshotColsPerBlock
		if end > cols {
			end = cols
		}
		blk := snapshotBlock{StartCol: start, ColPtr: make([]int, 1, end-start+1)}
		for j := start; j < end; j++ {
			if err = e.Counts.Col(j, &col); err != nil {
				return "", err
			}
			blk.RowIdx = append(blk.RowIdx, col.Rows...)
			blk.Val = append(blk.Val, col.Vals...)
			blk.ColPtr = append(blk.ColPtr, len(blk.RowIdx))
		}
		if err = appendRecord(blk); err != nil {
			return "", errors.E(err, "sce: encode count block")
		}
		nBlocks++
	}
	trailer, err := encodeGOB(snapshotTrailer{Rows: rows, Cols: cols, Blocks: nBlocks, Checksum: sum.Sum(nil)})
	if err != nil {
		return "", err
	}
	w.SetTrailer(trailer)
	if err = w.Finish(); err != nil {
		return "", errors.E(err, "sce: finish snapshot", path)
	}
	log.Debug.Printf("sce: wrote snapshot %s (run %s): %dx%d, %d blocks", path, runID, rows, cols, nBlocks)
	return runID, nil
}

// ReadSnapshot loads an Experiment written by WriteSnapshot. The counts are
// returned as an in-memory matrix.
func ReadSnapshot(ctx context.Context, path string) (e *Experiment, err error) {
	recordiozstd.Init()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "sce: open snapshot", path)
	}
	defer file.CloseAndReport(ctx, in, &err)

	r := recordio.NewScanner(in.Reader(ctx), recordio.ScannerOpts{})
	versionFound := false
	for _, kv := range r.Header() {
		if kv.Key == snapshotVersionHeader {
			if v, _ := kv.Value.(string); v != snapshotVersion {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("sce: snapshot version %v, expect %v", kv.Value, snapshotVersion))
			}
			versionFound = true
		}
	}
	if !versionFound {
		return nil, errors.E(errors.Invalid, "sce: not a snapshot file:", path)
	}
	var trailer snapshotTrailer
	if err = gob.NewDecoder(bytes.NewReader(r.Trailer())).Decode(&trailer); err != nil {
		return nil, errors.E(errors.Integrity, err, "sce: decode snapshot trailer", path)
	}

	sum := newChecksum()
	next := func(v interface{}) error {
		if !r.Scan() {
			if err := r.Err(); err != nil {
				return err
			}
			return errors.E(errors.Integrity, "sce: snapshot truncated", path)
		}
		b := r.Get().([]byte)
		sum.Write(b) // nolint: errcheck
		return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
	}

	var meta snapshotMeta
	if err = next(&meta); err != nil {
		return nil, errors.E(err, "sce: decode snapshot metadata", path)
	}
	counts := &matrix.CSC{NRows: trailer.Rows, NCols: trailer.Cols, ColPtr: make([]int, 1, trailer.Cols+1)}
	for i := 0; i < trailer.Blocks; i++ {
		var blk snapshotBlock
		if err = next(&blk); err != nil {
			return nil, errors.E(err, "sce: decode count block", path)
		}
		if blk.StartCol != len(counts.ColPtr)-1 {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("sce: count block starts at column %d, expect %d", blk.StartCol, len(counts.ColPtr)-1))
		}
		base := len(counts.RowIdx)
		for _, p := range blk.ColPtr[1:] {
			counts.ColPtr = append(counts.ColPtr, base+p)
		}
		counts.RowIdx = append(counts.RowIdx, blk.RowIdx...)
		counts.Val = append(counts.Val, blk.Val...)
	}
	if r.Scan() {
		return nil, errors.E(errors.Integrity, "sce: unexpected records after count blocks", path)
	}
	if err = r.Err(); err != nil {
		return nil, err
	}
	if !bytes.Equal(sum.Sum(nil), trailer.Checksum) {
		return nil, errors.E(errors.Integrity, "sce: snapshot checksum mismatch", path)
	}
	if counts, err = matrix.NewCSC(counts.NRows, counts.NCols, counts.ColPtr, counts.RowIdx, counts.Val); err != nil {
		return nil, errors.E(errors.Integrity, err, "sce: snapshot count matrix", path)
	}

	e = &Experiment{
		Counts:      counts,
		Assays:      meta.Assays,
		RowData:     meta.RowData,
		ColData:     meta.ColData,
		ReducedDims: meta.ReducedDims,
		Metadata:    meta.Metadata,
	}
	if e.Assays == nil {
		e.Assays = map[string]*matrix.CSC{}
	}
	if e.ReducedDims == nil {
		e.ReducedDims = map[string]*Embedding{}
	}
	if e.Metadata == nil {
		e.Metadata = map[string]string{}
	}
	if e.RowData == nil {
		e.RowData = NewTable(counts.NRows)
	}
	if e.ColData == nil {
		e.ColData = NewTable(counts.NCols)
	}
	return e, e.Validate()
}

// Equal reports whether e and o hold identical counts, assays, tables,
// embeddings and metadata, in the same order.
func (e *Experiment) Equal(o *Experiment) (bool, error) {
	a, err := matrix.Materialize(e.Counts)
	if err != nil {
		return false, err
	}
	b, err := matrix.Materialize(o.Counts)
	if err != nil {
		return false, err
	}
	if !a.Equal(b) || !e.RowData.Equal(o.RowData) || !e.ColData.Equal(o.ColData) {
		return false, nil
	}
	if len(e.Assays) != len(o.Assays) || len(e.ReducedDims) != len(o.ReducedDims) || len(e.Metadata) != len(o.Metadata) {
		return false, nil
	}
	for k, v := range e.Assays {
		if w, ok := o.Assays[k]; !ok || !v.Equal(w) {
			return false, nil
		}
	}
	for k, v := range e.ReducedDims {
		w, ok := o.ReducedDims[k]
		if !ok || v.Rows != w.Rows || v.Cols != w.Cols {
			return false, nil
		}
		for i := range v.Data {
			if v.Data[i] != w.Data[i] {
				return false, nil
			}
		}
	}
	for k, v := range e.Metadata {
		if o.Metadata[k] != v {
			return false, nil
		}
	}
	return true, nil
}
