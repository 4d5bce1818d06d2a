// Package tenx reads and writes 10x Genomics style count directories: a
// MatrixMarket count matrix plus feature and barcode annotation files.
//
// Both the current layout (features.tsv.gz, barcodes.tsv.gz,
// matrix.mtx.gz) and the legacy uncompressed layout (genes.tsv,
// barcodes.tsv, matrix.mtx) are accepted.
package tenx

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/encoding/mtx"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/sce"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"
)

// FeatureType is the gene-table column holding the 10x feature type.
const FeatureType = "Type"

var (
	matrixNames   = []string{"matrix.mtx.gz", "matrix.mtx"}
	featureNames  = []string{"features.tsv.gz", "features.tsv", "genes.tsv.gz", "genes.tsv"}
	barcodeNames  = []string{"barcodes.tsv.gz", "barcodes.tsv"}
	defaultFeType = "Gene Expression"
)

// findFile returns the first of names that exists under dir.
func findFile(ctx context.Context, dir string, names []string) (string, error) {
	for _, n := range names {
		path := file.Join(dir, n)
		if _, err := file.Stat(ctx, path); err == nil {
			return path, nil
		}
	}
	return "", errors.E(errors.NotExist, fmt.Sprintf("tenx: none of %v found in %s", names, dir))
}

// openText opens path and transparently decompresses it.
func openText(ctx context.Context, path string, fn func(r io.Reader) error) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	return fn(bufio.NewReaderSize(r, 64<<10))
}

func annotate(err error, path string) error {
	if err == nil {
		return nil
	}
	return errors.E(err, path)
}

func readRecords(r io.Reader) ([][]string, error) {
	tr := tsv.NewReader(r)
	tr.LazyQuotes = true
	tr.FieldsPerRecord = -1
	var recs [][]string
	for {
		rec, err := tr.Reader.Read()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		// The reader reuses rec across calls.
		recs = append(recs, append([]string(nil), rec...))
	}
}

// Read loads a count directory into an Experiment. The three files are read
// concurrently.
func Read(ctx context.Context, dir string) (*sce.Experiment, error) {
	mtxPath, err := findFile(ctx, dir, matrixNames)
	if err != nil {
		return nil, err
	}
	featPath, err := findFile(ctx, dir, featureNames)
	if err != nil {
		return nil, err
	}
	bcPath, err := findFile(ctx, dir, barcodeNames)
	if err != nil {
		return nil, err
	}

	var (
		counts   *matrix.CSC
		features [][]string
		barcodes [][]string
		g        errgroup.Group
	)
	g.Go(func() error {
		return openText(ctx, mtxPath, func(r io.Reader) (err error) {
			counts, _, err = mtx.Read(r)
			return annotate(err, mtxPath)
		})
	})
	g.Go(func() error {
		return openText(ctx, featPath, func(r io.Reader) (err error) {
			features, err = readRecords(r)
			return annotate(err, featPath)
		})
	})
	g.Go(func() error {
		return openText(ctx, bcPath, func(r io.Reader) (err error) {
			barcodes, err = readRecords(r)
			return annotate(err, bcPath)
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rows, cols := counts.Dims()
	if len(features) != rows {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tenx: %s has %d features, matrix has %d rows", featPath, len(features), rows))
	}
	if len(barcodes) != cols {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("tenx: %s has %d barcodes, matrix has %d columns", bcPath, len(barcodes), cols))
	}
	ids := make([]string, rows)
	symbols := make([]string, rows)
	types := make([]string, rows)
	for i, rec := range features {
		if len(rec) == 0 || rec[0] == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("tenx: %s: empty feature on line %d", featPath, i+1))
		}
		ids[i], symbols[i], types[i] = rec[0], rec[0], defaultFeType
		if len(rec) > 1 {
			symbols[i] = rec[1]
		}
		if len(rec) > 2 {
			types[i] = rec[2]
		}
	}
	bcs := make([]string, cols)
	for j, rec := range barcodes {
		if len(rec) == 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("tenx: %s: empty barcode on line %d", bcPath, j+1))
		}
		bcs[j] = rec[0]
	}
	rowData := sce.NewTable(rows)
	colData := sce.NewTable(cols)
	if err := rowData.SetString(sce.GeneID, ids); err != nil {
		return nil, err
	}
	if err := rowData.SetString(sce.GeneSymbol, symbols); err != nil {
		return nil, err
	}
	if err := rowData.SetString(FeatureType, types); err != nil {
		return nil, err
	}
	if err := colData.SetString(sce.CellBarcode, bcs); err != nil {
		return nil, err
	}
	log.Printf("tenx: read %s: %d features x %d barcodes, %d nonzero", dir, rows, cols, counts.Nnz())
	return sce.New(counts, rowData, colData)
}

// createText creates path, gzip-compressing when the name ends in .gz.
func createText(ctx context.Context, path string, fn func(w io.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	var w io.Writer = out.Writer(ctx)
	if strings.HasSuffix(path, ".gz") {
		gz := gzip.NewWriter(w)
		defer func() {
			if e := gz.Close(); e != nil && err == nil {
				err = e
			}
		}()
		w = gz
	}
	return fn(w)
}

// Write stores the counts and annotations of e under dir in the compressed
// layout. Genes without a symbol use their ID.
func Write(ctx context.Context, dir string, e *sce.Experiment) error {
	ids, err := e.RowData.Strings(sce.GeneID)
	if err != nil {
		return err
	}
	symbols, err := e.RowData.Strings(sce.GeneSymbol)
	if err != nil {
		symbols = ids
	}
	types, err := e.RowData.Strings(FeatureType)
	if err != nil {
		types = nil
	}
	barcodes, err := e.ColData.Strings(sce.CellBarcode)
	if err != nil {
		return err
	}
	var g errgroup.Group
	g.Go(func() error {
		return createText(ctx, file.Join(dir, matrixNames[0]), func(w io.Writer) error {
			return mtx.Write(w, e.Counts)
		})
	})
	g.Go(func() error {
		return createText(ctx, file.Join(dir, featureNames[0]), func(w io.Writer) error {
			tw := tsv.NewWriter(w)
			for i, id := range ids {
				tw.WriteString(id)
				tw.WriteString(symbols[i])
				if types != nil {
					tw.WriteString(types[i])
				} else {
					tw.WriteString(defaultFeType)
				}
				if err := tw.EndLine(); err != nil {
					return err
				}
			}
			return tw.Flush()
		})
	})
	g.Go(func() error {
		return createText(ctx, file.Join(dir, barcodeNames[0]), func(w io.Writer) error {
			tw := tsv.NewWriter(w)
			for _, bc := range barcodes {
				tw.WriteString(bc)
				if err := tw.EndLine(); err != nil {
					return err
				}
			}
			return tw.Flush()
		})
	})
	return g.Wait()
}
