package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/barcode"
	"github.com/grailbio/scrna/count"
	"github.com/grailbio/scrna/encoding/tenx"
)

type countFlags struct {
	whitelist      string
	maxEdits       int
	minMapQ        int
	skipDuplicates bool
	cellTag        string
	umiTag         string
	geneTag        string
}

func (f *countFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.whitelist, "whitelist", "", "Barcode whitelist. Records with only a raw barcode are corrected against it")
	fs.IntVar(&f.maxEdits, "max-barcode-edits", 1, "Maximum edits when correcting a raw barcode")
	fs.IntVar(&f.minMapQ, "mapq", 0, "Records with MAPQ below this level are skipped")
	fs.BoolVar(&f.skipDuplicates, "skip-duplicates", false, "Skip records flagged as duplicates")
	fs.StringVar(&f.cellTag, "cell-tag", count.DefaultOpts.CellTag, "Aux tag of the corrected cell barcode")
	fs.StringVar(&f.umiTag, "umi-tag", count.DefaultOpts.UMITag, "Aux tag of the corrected UMI")
	fs.StringVar(&f.geneTag, "gene-tag", count.DefaultOpts.GeneTag, "Aux tag of the gene ID")
}

func (f countFlags) opts(ctx context.Context) (count.Opts, error) {
	opts := count.DefaultOpts
	if f.minMapQ < 0 || f.minMapQ > 255 {
		return opts, errors.E(errors.Invalid, fmt.Sprintf("mapq %d out of range", f.minMapQ))
	}
	opts.MinMapQ = byte(f.minMapQ)
	opts.SkipDuplicates = f.skipDuplicates
	opts.CellTag, opts.UMITag, opts.GeneTag = f.cellTag, f.umiTag, f.geneTag
	if f.whitelist != "" {
		known, err := barcode.ReadWhitelist(ctx, f.whitelist)
		if err != nil {
			return opts, err
		}
		if opts.Whitelist, err = barcode.NewSnapCorrector(known, f.maxEdits); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

func runCount(ctx context.Context, out io.Writer, f countFlags, bamPath, dir string) error {
	opts, err := f.opts(ctx)
	if err != nil {
		return err
	}
	e, stats, err := count.Count(ctx, bamPath, opts)
	if err != nil {
		return err
	}
	if err := tenx.Write(ctx, dir, e); err != nil {
		return err
	}
	log.Printf("wrote %d genes x %d barcodes to %s", e.NGenes(), e.NCells(), dir)
	return printCountStats(out, stats)
}

func printCountStats(out io.Writer, s count.Stats) error {
	for _, row := range []struct {
		name string
		v    int64
	}{
		{"records", s.Records},
		{"counted", s.Counted},
		{"unmapped", s.Unmapped},
		{"filtered", s.Filtered},
		{"no barcode", s.NoBarcode},
		{"no umi", s.NoUMI},
		{"no gene", s.NoGene},
		{"multi gene", s.MultiGene},
		{"corrected", s.Corrected},
		{"uncorrectable", s.Uncorrectable},
		{"molecules", s.DistinctCounts},
	} {
		if _, err := fmt.Fprintf(out, "%s\t%d\n", row.name, row.v); err != nil {
			return err
		}
	}
	return nil
}
