// Package count builds a gene-by-barcode UMI count matrix from a BAM file
// whose records carry cell barcode, UMI and gene tags, as written by
// common single-cell aligners.
package count

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/scrna/barcode"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/sce"
)

// Cell table columns added by Count.
const (
	ColReads      = "reads"
	ColUMIs       = "umis"
	ColComplexity = "complexity"
)

// Opts configures Count.
type Opts struct {
	// CellTag holds the corrected barcode; RawCellTag the uncorrected one,
	// used when CellTag is absent.
	CellTag, RawCellTag string
	// UMITag holds the corrected UMI; RawUMITag the uncorrected one.
	UMITag, RawUMITag string
	// GeneTag holds the gene ID; GeneNameTag its symbol.
	GeneTag, GeneNameTag string
	// MinMapQ drops alignments with lower mapping quality.
	MinMapQ byte
	// SkipDuplicates drops records flagged as duplicates.
	SkipDuplicates bool
	// Whitelist, if set, snaps raw barcodes to whitelisted ones and drops
	// barcodes that cannot be snapped.
	Whitelist *barcode.SnapCorrector
	// Parallelism is the number of BAM decompression goroutines.
	Parallelism int
}

// DefaultOpts follows the tag conventions of 10x Genomics pipelines.
var DefaultOpts = Opts{
	CellTag:     "CB",
	RawCellTag:  "CR",
	UMITag:      "UB",
	RawUMITag:   "UR",
	GeneTag:     "GX",
	GeneNameTag: "GN",
	Parallelism: 1,
}

// Stats summarizes the records seen by Count.
type Stats struct {
	Records        int64
	Counted        int64
	Unmapped       int64
	Filtered       int64 // secondary, supplementary, QC fail, duplicate or low MAPQ
	NoBarcode      int64
	NoUMI          int64
	NoGene         int64
	MultiGene      int64
	Corrected      int64
	Uncorrectable  int64
	DistinctCounts int64
}

// Merge adds the counters of o to s.
func (s *Stats) Merge(o Stats) {
	s.Records += o.Records
	s.Counted += o.Counted
	s.Unmapped += o.Unmapped
	s.Filtered += o.Filtered
	s.NoBarcode += o.NoBarcode
	s.NoUMI += o.NoUMI
	s.NoGene += o.NoGene
	s.MultiGene += o.MultiGene
	s.Corrected += o.Corrected
	s.Uncorrectable += o.Uncorrectable
	s.DistinctCounts += o.DistinctCounts
}

// molecule identifies a UMI within a barcode.
type molecule struct {
	gene int
	umi  string
}

type cell struct {
	reads     uint64
	molecules map[molecule]uint32
}

// counter accumulates records.
type counter struct {
	opts        Opts
	tags        [6]sam.Tag
	genes       map[string]int
	geneIDs     []string
	geneSymbols []string
	cells       map[string]*cell
	stats       Stats
}

func newCounter(opts Opts) *counter {
	c := &counter{
		opts:  opts,
		genes: map[string]int{},
		cells: map[string]*cell{},
	}
	for i, name := range []string{opts.CellTag, opts.RawCellTag, opts.UMITag, opts.RawUMITag, opts.GeneTag, opts.GeneNameTag} {
		if name != "" {
			c.tags[i] = sam.NewTag(name)
		}
	}
	return c
}

func auxString(r *sam.Record, tag sam.Tag) string {
	if tag == (sam.Tag{}) {
		return ""
	}
	aux := r.AuxFields.Get(tag)
	if aux == nil {
		return ""
	}
	s, ok := aux.Value().(string)
	if !ok || s == "-" {
		return ""
	}
	return s
}

func validUMI(umi string) bool {
	for i := 0; i < len(umi); i++ {
		switch umi[i] {
		case 'A', 'C', 'G', 'T':
		default:
			return false
		}
	}
	return len(umi) > 0
}

// add counts one record.
func (c *counter) add(r *sam.Record) {
	c.stats.Records++
	switch {
	case r.Flags&sam.Unmapped != 0:
		c.stats.Unmapped++
		return
	case r.Flags&(sam.Secondary|sam.Supplementary|sam.QCFail) != 0,
		c.opts.SkipDuplicates && r.Flags&sam.Duplicate != 0,
		r.MapQ < c.opts.MinMapQ:
		c.stats.Filtered++
		return
	}
	umi := auxString(r, c.tags[2])
	if umi == "" {
		umi = auxString(r, c.tags[3])
	}
	if !validUMI(umi) {
		c.stats.NoUMI++
		return
	}
	bc := auxString(r, c.tags[0])
	if bc == "" {
		raw := auxString(r, c.tags[1])
		if raw == "" {
			c.stats.NoBarcode++
			return
		}
		bc = raw
		if c.opts.Whitelist != nil {
			corrected, edits, ok := c.opts.Whitelist.Correct(raw, auxString(r, c.tags[3]))
			if !ok {
				c.stats.Uncorrectable++
				return
			}
			if edits > 0 {
				c.stats.Corrected++
			}
			bc = corrected
		}
	}
	gene := auxString(r, c.tags[4])
	if gene == "" {
		c.stats.NoGene++
		return
	}
	if strings.IndexByte(gene, ';') >= 0 {
		c.stats.MultiGene++
		return
	}
	g, ok := c.genes[gene]
	if !ok {
		g = len(c.geneIDs)
		c.genes[gene] = g
		c.geneIDs = append(c.geneIDs, gene)
		c.geneSymbols = append(c.geneSymbols, auxString(r, c.tags[5]))
	}
	cl := c.cells[bc]
	if cl == nil {
		cl = &cell{molecules: map[molecule]uint32{}}
		c.cells[bc] = cl
	}
	cl.reads++
	cl.molecules[molecule{g, umi}]++
	c.stats.Counted++
}

// experiment builds the count matrix with genes ordered by ID and barcodes
// in lexicographic order.
func (c *counter) experiment() (*sce.Experiment, error) {
	geneOrder := make([]int, len(c.geneIDs))
	for i := range geneOrder {
		geneOrder[i] = i
	}
	sort.Slice(geneOrder, func(a, b int) bool { return c.geneIDs[geneOrder[a]] < c.geneIDs[geneOrder[b]] })
	row := make([]int, len(geneOrder))
	ids := make([]string, len(geneOrder))
	symbols := make([]string, len(geneOrder))
	for r, g := range geneOrder {
		row[g] = r
		ids[r] = c.geneIDs[g]
		symbols[r] = c.geneSymbols[g]
		if symbols[r] == "" {
			symbols[r] = ids[r]
		}
	}
	barcodes := make([]string, 0, len(c.cells))
	for bc := range c.cells {
		barcodes = append(barcodes, bc)
	}
	sort.Strings(barcodes)

	b := matrix.NewBuilder(len(ids), len(barcodes))
	reads := make([]float64, len(barcodes))
	umis := make([]float64, len(barcodes))
	complexity := make([]float64, len(barcodes))
	for j, bc := range barcodes {
		cl := c.cells[bc]
		for m := range cl.molecules {
			if err := b.Add(row[m.gene], j, 1); err != nil {
				return nil, err
			}
		}
		reads[j] = float64(cl.reads)
		umis[j] = float64(len(cl.molecules))
		c.stats.DistinctCounts += int64(len(cl.molecules))
		var err error
		if complexity[j], err = EstimateComplexity(cl.reads, uint64(len(cl.molecules))); err != nil {
			return nil, err
		}
	}
	rowData := sce.NewTable(len(ids))
	if err := rowData.SetString(sce.GeneID, ids); err != nil {
		return nil, err
	}
	if err := rowData.SetString(sce.GeneSymbol, symbols); err != nil {
		return nil, err
	}
	colData := sce.NewTable(len(barcodes))
	for _, col := range []struct {
		name string
		set  func() error
	}{
		{sce.CellBarcode, func() error { return colData.SetString(sce.CellBarcode, barcodes) }},
		{ColReads, func() error { return colData.SetFloat(ColReads, reads) }},
		{ColUMIs, func() error { return colData.SetFloat(ColUMIs, umis) }},
		{ColComplexity, func() error { return colData.SetFloat(ColComplexity, complexity) }},
	} {
		if err := col.set(); err != nil {
			return nil, errors.E(err, fmt.Sprintf("count: column %s", col.name))
		}
	}
	return sce.New(b.Build(), rowData, colData)
}

// Read counts the records of r.
func Read(r io.Reader, opts Opts) (*sce.Experiment, Stats, error) {
	par := opts.Parallelism
	if par <= 0 {
		par = 1
	}
	br, err := bam.NewReader(r, par)
	if err != nil {
		return nil, Stats{}, errors.E(errors.Invalid, err, "count: opening BAM")
	}
	defer br.Close() // nolint: errcheck
	c := newCounter(opts)
	for {
		rec, err := br.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, c.stats, errors.E(errors.Invalid, err, fmt.Sprintf("count: record %d", c.stats.Records+1))
		}
		c.add(rec)
		sam.PutInFreePool(rec)
	}
	if len(c.cells) == 0 {
		return nil, c.stats, errors.E(errors.Precondition, fmt.Sprintf("count: none of %d records could be counted", c.stats.Records))
	}
	e, err := c.experiment()
	if err != nil {
		return nil, c.stats, err
	}
	log.Printf("count: %d of %d records counted into %d genes x %d barcodes (%d UMIs)",
		c.stats.Counted, c.stats.Records, e.NGenes(), e.NCells(), c.stats.DistinctCounts)
	log.Debug.Printf("count: stats %+v", c.stats)
	return e, c.stats, nil
}

// Count reads a BAM file through grailbio/base/file, so S3 paths work.
func Count(ctx context.Context, path string, opts Opts) (e *sce.Experiment, stats Stats, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, Stats{}, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	return Read(in.Reader(ctx), opts)
}
