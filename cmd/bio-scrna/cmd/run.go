package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/grailbio/scrna/pipeline"
)

type runFlags struct {
	config      string
	format      string
	gtf         string
	paged       string
	whitelist   string
	output      string
	snapshot    string
	until       string
	pairs       string
	seed        uint64
	parallelism int
	skipCalls   bool
	skipQC      bool
	tsne        bool
}

func (f *runFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.config, "config", "", "YAML configuration file. Flags that are set override it")
	fs.StringVar(&f.format, "format", "", "Input format: tenx, mtx, bam or snapshot. Guessed from the input path by default")
	fs.StringVar(&f.gtf, "gtf", "", "GTF file to annotate genes with their chromosome")
	fs.StringVar(&f.paged, "paged", "", "Local file to page the count matrix through")
	fs.StringVar(&f.whitelist, "whitelist", "", "Barcode whitelist for correcting raw barcodes of a BAM input")
	fs.StringVar(&f.output, "output", "", "Directory for the TSV reports")
	fs.StringVar(&f.snapshot, "snapshot", "", "Path of the final snapshot")
	fs.StringVar(&f.until, "until", "", "Last stage to run, e.g. call-cells or qc")
	fs.StringVar(&f.pairs, "cell-cycle-pairs", "", "Marker pair TSV; enables cell cycle classification")
	fs.Uint64Var(&f.seed, "seed", pipeline.DefaultOpts.Seed, "Random seed")
	fs.IntVar(&f.parallelism, "parallelism", 0, "Number of goroutines; 0 uses every CPU")
	fs.BoolVar(&f.skipCalls, "skip-call-cells", false, "Treat every barcode as a cell")
	fs.BoolVar(&f.skipQC, "skip-qc", false, "Compute QC metrics without filtering")
	fs.BoolVar(&f.tsne, "tsne", false, "Compute a t-SNE embedding")
}

// opts builds the run options: defaults, then the config file, then the
// flags named in set.
func (f *runFlags) opts(ctx context.Context, set map[string]bool, input string) (pipeline.Opts, error) {
	opts := pipeline.DefaultOpts
	if f.config != "" {
		if err := pipeline.LoadConfig(ctx, f.config, &opts); err != nil {
			return opts, err
		}
	}
	opts.Input.Path = input
	for name, fn := range map[string]func(){
		"format":           func() { opts.Input.Format = f.format },
		"gtf":              func() { opts.Input.GTF = f.gtf },
		"paged":            func() { opts.Input.Paged = f.paged },
		"whitelist":        func() { opts.Input.Whitelist = f.whitelist },
		"output":           func() { opts.Output = f.output },
		"snapshot":         func() { opts.Snapshot = f.snapshot },
		"until":            func() { opts.Until = f.until },
		"cell-cycle-pairs": func() { opts.CellCycle.Pairs = f.pairs },
		"seed":             func() { opts.Seed = f.seed },
		"parallelism":      func() { opts.Parallelism = f.parallelism },
		"skip-call-cells":  func() { opts.CallCells.Skip = f.skipCalls },
		"skip-qc":          func() { opts.QC.Skip = f.skipQC },
		"tsne":             func() { opts.Reduce.TSNE = f.tsne },
	} {
		if set[name] {
			fn()
		}
	}
	return opts, nil
}

// setFlags returns the names of the flags given on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	if fs != nil {
		fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	}
	return set
}

func run(ctx context.Context, out io.Writer, f runFlags, set map[string]bool, input string) (err error) {
	opts, err := f.opts(ctx, set, input)
	if err != nil {
		return err
	}
	res, err := pipeline.Run(ctx, opts)
	defer func() {
		if e := res.Close(); e != nil && err == nil {
			err = e
		}
	}()
	if err != nil {
		return err
	}
	return printSummary(out, res)
}

func printSummary(out io.Writer, res *pipeline.Result) error {
	e := res.Experiment
	if _, err := fmt.Fprintf(out, "cells\t%d\ngenes\t%d\n", e.NCells(), e.NGenes()); err != nil {
		return err
	}
	if res.CountStats != nil {
		fmt.Fprintf(out, "reads\t%d\ncounted\t%d\n", res.CountStats.Records, res.CountStats.Counted)
	}
	if res.EmptyDrops != nil {
		fmt.Fprintf(out, "tested barcodes\t%d\n", res.EmptyDrops.Tested)
	}
	if res.Discard != nil {
		fmt.Fprintf(out, "discarded\t%d\n", res.Discard.Count())
	}
	if res.HVGs != nil {
		fmt.Fprintf(out, "hvgs\t%d\n", len(res.HVGs))
	}
	if res.Clustering != nil {
		fmt.Fprintf(out, "clusters\t%d\nmodularity\t%.4f\n", res.Clustering.NumClusters(), res.Clustering.Modularity)
	}
	if res.RunID != "" {
		fmt.Fprintf(out, "run\t%s\n", res.RunID)
	}
	return nil
}
