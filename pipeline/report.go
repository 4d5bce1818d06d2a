package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/markers"
	"github.com/grailbio/scrna/sce"
)

// Report file names under the output directory. Marker tables are written
// one per cluster as markers_<cluster>.tsv.
const (
	CellsReport = "cells.tsv"
	GenesReport = "genes.tsv"
	RanksReport = "barcode_ranks.tsv"
)

// WriteReports writes the cell, gene, barcode-rank and marker tables of
// res to dir. Tables whose stage did not run are not written.
func WriteReports(ctx context.Context, dir string, res *Result) error {
	e := res.Experiment
	if err := writeTSV(ctx, file.Join(dir, CellsReport), func(w *tsv.Writer) error {
		return WriteCells(w, e)
	}); err != nil {
		return err
	}
	if err := writeTSV(ctx, file.Join(dir, GenesReport), func(w *tsv.Writer) error {
		return WriteTable(w, e.RowData)
	}); err != nil {
		return err
	}
	if res.Ranks != nil {
		if err := writeTSV(ctx, file.Join(dir, RanksReport), func(w *tsv.Writer) error {
			return WriteRanks(w, res)
		}); err != nil {
			return err
		}
	}
	if res.Markers != nil {
		ids, symbols, err := geneNames(e)
		if err != nil {
			return err
		}
		for _, c := range res.Markers.Clusters {
			c := c
			name := fmt.Sprintf("markers_%d.tsv", c.Cluster)
			if err := writeTSV(ctx, file.Join(dir, name), func(w *tsv.Writer) error {
				return WriteMarkers(w, c, ids, symbols)
			}); err != nil {
				return err
			}
		}
	}
	log.Printf("pipeline: reports written to %s", dir)
	return nil
}

func writeTSV(ctx context.Context, path string, fn func(w *tsv.Writer) error) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	if err = fn(w); err != nil {
		return errors.E(err, path)
	}
	return w.Flush()
}

// WriteTable writes t with a header row. NaN and NA are written as NA.
func WriteTable(w *tsv.Writer, t *sce.Table) error {
	return writeColumns(w, t, nil)
}

// WriteCells writes the cell table of e followed by the coordinates of its
// reduced dimensions, named <dim>.1, <dim>.2, ...
func WriteCells(w *tsv.Writer, e *sce.Experiment) error {
	var dims []string
	for name := range e.ReducedDims {
		dims = append(dims, name)
	}
	sort.Strings(dims)
	var embeddings []*sce.Embedding
	for _, name := range dims {
		embeddings = append(embeddings, e.ReducedDims[name])
	}
	return writeColumns(w, e.ColData, func(i int, header bool) {
		for d, emb := range embeddings {
			for k := 0; k < emb.Cols; k++ {
				if header {
					w.WriteString(dims[d] + "." + strconv.Itoa(k+1))
				} else {
					w.WriteString(formatFloat(emb.Data[i*emb.Cols+k]))
				}
			}
		}
	})
}

// writeColumns writes the columns of t; extra, if set, appends fields to
// the header (header=true) and to each row i.
func writeColumns(w *tsv.Writer, t *sce.Table, extra func(i int, header bool)) error {
	for _, c := range t.Columns {
		w.WriteString(c.Name)
	}
	if extra != nil {
		extra(-1, true)
	}
	if err := w.EndLine(); err != nil {
		return err
	}
	for i := 0; i < t.N; i++ {
		for c := range t.Columns {
			w.WriteString(t.Columns[c].Cell(i))
		}
		if extra != nil {
			extra(i, false)
		}
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

func geneNames(e *sce.Experiment) (ids, symbols []string, err error) {
	if ids, err = e.RowData.Strings(sce.GeneID); err != nil {
		return nil, nil, err
	}
	if symbols, err = e.RowData.Strings(sce.GeneSymbol); err != nil {
		symbols = ids
	}
	return ids, symbols, nil
}

// WriteMarkers writes the ranked markers of one cluster: gene, combined
// statistics and the effect against each other cluster.
func WriteMarkers(w *tsv.Writer, c *markers.ClusterMarkers, ids, symbols []string) error {
	for _, h := range []string{"ID", "Symbol", "Top", "p.value", "FDR", "effect"} {
		w.WriteString(h)
	}
	for _, o := range c.Others {
		w.WriteString("effect." + strconv.Itoa(o))
	}
	if err := w.EndLine(); err != nil {
		return err
	}
	for _, m := range c.Markers {
		w.WriteString(ids[m.Gene])
		w.WriteString(symbols[m.Gene])
		w.WriteString(strconv.Itoa(m.Top))
		w.WriteString(formatFloat(m.PValue))
		w.WriteString(formatFloat(m.FDR))
		w.WriteString(formatFloat(m.Effect))
		for _, v := range m.Effects {
			w.WriteString(formatFloat(v))
		}
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}

func formatFloat(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

// WriteRanks writes the barcode rank curve, highest total first, for
// plotting. Barcodes without a fitted value have fitted NA.
func WriteRanks(w *tsv.Writer, res *Result) error {
	r := res.Ranks
	for _, h := range []string{"barcode", "rank", "total", "fitted"} {
		w.WriteString(h)
	}
	if err := w.EndLine(); err != nil {
		return err
	}
	order := make([]int, len(r.Rank))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return r.Rank[order[a]] < r.Rank[order[b]] })
	for _, i := range order {
		bc := ""
		if i < len(res.RawBarcodes) {
			bc = res.RawBarcodes[i]
		}
		w.WriteString(bc)
		w.WriteString(formatFloat(r.Rank[i]))
		w.WriteString(formatFloat(r.Total[i]))
		w.WriteString(formatFloat(r.Fitted[i]))
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return nil
}
