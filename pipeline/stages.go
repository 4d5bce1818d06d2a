package pipeline

import (
	"context"
	"fmt"
	"io"
	"math"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/barcode"
	"github.com/grailbio/scrna/cellcycle"
	"github.com/grailbio/scrna/cluster"
	"github.com/grailbio/scrna/count"
	"github.com/grailbio/scrna/dimred"
	"github.com/grailbio/scrna/droplet"
	"github.com/grailbio/scrna/encoding/gtf"
	"github.com/grailbio/scrna/encoding/mtx"
	"github.com/grailbio/scrna/encoding/tenx"
	"github.com/grailbio/scrna/markers"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/matrix/paged"
	"github.com/grailbio/scrna/neighbors"
	"github.com/grailbio/scrna/normalize"
	"github.com/grailbio/scrna/qc"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
	"github.com/grailbio/scrna/variance"
)

// Stream ids of the randomized stages under Opts.Seed.
const (
	streamEmptyDrops uint64 = iota + 1
	streamQuickCluster
	streamPCA
	streamTSNE
	streamNeighbors
	streamLouvain
	streamCellCycle
)

func (r *runner) seed(stream uint64) uint64 { return stats.Seed(r.opts.Seed, stream) }

// Ingest

func (r *runner) ingest(ctx context.Context) error {
	in := r.opts.Input
	format := in.Format
	if format == "" {
		var err error
		if format, err = guessFormat(in.Path); err != nil {
			return err
		}
	}
	var (
		e   *sce.Experiment
		err error
	)
	switch format {
	case FormatTenX:
		e, err = tenx.Read(ctx, in.Path)
	case FormatMTX:
		e, err = readMTX(ctx, in.Path)
	case FormatBAM:
		e, err = r.countBAM(ctx)
	case FormatSnapshot:
		e, err = sce.ReadSnapshot(ctx, in.Path)
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("pipeline: unknown input format %q", format))
	}
	if err != nil {
		return err
	}
	log.Printf("pipeline: read %s input %s", format, in.Path)
	if in.GTF != "" {
		genes, err := gtf.ReadGenesFile(ctx, in.GTF)
		if err != nil {
			return err
		}
		var matched int
		if e, matched, err = gtf.Annotate(e, genes); err != nil {
			return err
		}
		log.Printf("pipeline: annotated %d of %d genes from %s", matched, e.NGenes(), in.GTF)
	}
	if in.Paged != "" {
		if err := paged.Write(in.Paged, e.Counts, paged.Opts{}); err != nil {
			return err
		}
		m, err := paged.Open(in.Paged, paged.Opts{})
		if err != nil {
			return err
		}
		r.res.closers = append(r.res.closers, m)
		e = e.With()
		e.Counts = m
		log.Printf("pipeline: counts paged through %s in %d blocks", in.Paged, m.NumBlocks())
	}
	r.e = e
	return nil
}

// readMTX reads a bare MatrixMarket file. Genes and cells are named by
// position.
func readMTX(ctx context.Context, path string) (e *sce.Experiment, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, f, &err)
	var rd io.Reader = f.Reader(ctx)
	if u := compress.NewReaderPath(rd, f.Name()); u != nil {
		rd = u
	}
	m, _, err := mtx.Read(rd)
	if err != nil {
		return nil, errors.E(err, path)
	}
	rows, cols := m.Dims()
	ids := make([]string, rows)
	for i := range ids {
		ids[i] = fmt.Sprintf("gene%d", i+1)
	}
	barcodes := make([]string, cols)
	for j := range barcodes {
		barcodes[j] = fmt.Sprintf("cell%d", j+1)
	}
	rowData, colData := sce.NewTable(rows), sce.NewTable(cols)
	if err := rowData.SetString(sce.GeneID, ids); err != nil {
		return nil, err
	}
	if err := rowData.SetString(sce.GeneSymbol, ids); err != nil {
		return nil, err
	}
	if err := colData.SetString(sce.CellBarcode, barcodes); err != nil {
		return nil, err
	}
	return sce.New(m, rowData, colData)
}

func (r *runner) countBAM(ctx context.Context) (*sce.Experiment, error) {
	in := r.opts.Input
	opts := count.DefaultOpts
	opts.Parallelism = r.opts.Parallelism
	if in.MinMapQ < 0 || in.MinMapQ > 255 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("pipeline: min_mapq %d out of range", in.MinMapQ))
	}
	opts.MinMapQ = byte(in.MinMapQ)
	if in.Whitelist != "" {
		known, err := barcode.ReadWhitelist(ctx, in.Whitelist)
		if err != nil {
			return nil, err
		}
		if opts.Whitelist, err = barcode.NewSnapCorrector(known, in.MaxBarcodeEdits); err != nil {
			return nil, err
		}
	}
	e, stats, err := count.Count(ctx, in.Path, opts)
	if err != nil {
		return nil, err
	}
	r.res.CountStats = &stats
	return e, nil
}

// CallCells

func (r *runner) callCells(ctx context.Context) error {
	o := r.opts.CallCells
	if o.Skip {
		log.Printf("pipeline: cell calling skipped; all %d barcodes are cells", r.e.NCells())
		return nil
	}
	totals, err := matrix.ColSums(r.e.Counts, r.opts.Parallelism)
	if err != nil {
		return err
	}
	ranksOpts := droplet.DefaultRanksOpts
	ranksOpts.Lower = o.Lower
	ranks, err := droplet.BarcodeRanks(totals, ranksOpts)
	switch {
	case err == nil:
		r.res.Ranks = ranks
		r.res.RawBarcodes, _ = r.e.ColData.Strings(sce.CellBarcode)
		log.Printf("pipeline: barcode rank knee %v, inflection %v", ranks.Knee, ranks.Inflection)
	case errors.Is(errors.Precondition, err):
		log.Printf("pipeline: no barcode rank curve: %v", err)
	default:
		return err
	}
	var ambient int
	for _, t := range totals {
		if t <= o.Lower {
			ambient++
		}
	}
	if ambient == 0 {
		log.Printf("pipeline: no barcode has at most %v counts; input treated as filtered", o.Lower)
		return nil
	}
	opts := droplet.DefaultEmptyDropsOpts
	opts.Lower = o.Lower
	opts.Niters = o.Niters
	opts.FDRThreshold = o.FDR
	opts.Retain = o.Retain
	if opts.Retain == 0 && ranks == nil {
		opts.Retain = math.Inf(1)
	}
	opts.Seed = r.seed(streamEmptyDrops)
	opts.Parallelism = r.opts.Parallelism
	res, err := droplet.EmptyDrops(r.e.Counts, opts)
	if err != nil {
		return err
	}
	r.res.EmptyDrops = res
	e := r.e.With()
	if err := res.AddTo(e.ColData); err != nil {
		return err
	}
	keep := make([]bool, len(res.IsCell))
	for i, c := range res.IsCell {
		keep[i] = c.IsTrue()
	}
	if r.e, err = e.FilterCells(keep); err != nil {
		return err
	}
	if r.e.NCells() == 0 {
		return errors.E(errors.Precondition, "pipeline: no barcodes were called as cells")
	}
	log.Printf("pipeline: %d of %d barcodes called as cells", res.NumCells(), len(keep))
	return nil
}

// QC

func (r *runner) qc(ctx context.Context) error {
	mito, err := qc.MitoGenes(r.e.RowData)
	if err != nil {
		return err
	}
	var subsets []qc.Subset
	quick := qc.DefaultQuickOpts
	quick.NMADs = r.opts.QC.NMADs
	if len(mito) > 0 {
		subsets = append(subsets, qc.Subset{Name: "Mito", Genes: mito})
		quick.PercentSubsets = []string{"Mito"}
	}
	m, err := qc.PerCellMetrics(r.e.Counts, subsets, r.opts.Parallelism)
	if err != nil {
		return err
	}
	features, err := qc.PerFeatureMetrics(r.e.Counts, r.opts.Parallelism)
	if err != nil {
		return err
	}
	e := r.e.With()
	if err := m.AddTo(e.ColData); err != nil {
		return err
	}
	if err := features.AddTo(e.RowData); err != nil {
		return err
	}
	r.e = e
	if r.opts.QC.Skip {
		log.Printf("pipeline: QC metrics computed; filtering skipped")
		return nil
	}
	if name := r.opts.QC.Batch; name != "" {
		col, ok := e.ColData.Lookup(name)
		if !ok {
			return errors.E(errors.NotExist, fmt.Sprintf("pipeline: no batch column %q", name))
		}
		quick.Batch = make([]string, e.NCells())
		for i := range quick.Batch {
			quick.Batch[i] = col.Cell(i)
		}
	}
	d, err := qc.QuickPerCellQC(m, quick)
	if err != nil {
		return err
	}
	r.res.Discard = d
	if err := d.AddTo(e.ColData); err != nil {
		return err
	}
	if r.e, err = e.SubsetCells(d.Keep()); err != nil {
		return err
	}
	if r.e.NCells() < 2 {
		return errors.E(errors.Precondition, fmt.Sprintf("pipeline: %d cells left after QC", r.e.NCells()))
	}
	return nil
}

// Normalize

func (r *runner) normalize(ctx context.Context) error {
	o := r.opts.Normalize
	e := r.e.With()
	var (
		sf  []float64
		err error
	)
	switch o.Method {
	case NormalizeLibrary:
		sf, err = normalize.LibrarySizeFactors(e.Counts, r.opts.Parallelism)
	case NormalizeSum, "":
		qopts := cluster.DefaultQuickOpts
		qopts.MinSize = o.MinClusterSize
		qopts.Seed = r.seed(streamQuickCluster)
		qopts.Parallelism = r.opts.Parallelism
		var c *cluster.Clustering
		if c, err = cluster.QuickCluster(e.Counts, qopts); err != nil {
			return err
		}
		if err = e.ColData.SetInt(ColQuickCluster, c.Labels); err != nil {
			return err
		}
		sopts := normalize.DefaultSumFactorsOpts
		sopts.MinMean = o.MinMean
		sopts.Clusters = c.Labels
		sopts.Parallelism = r.opts.Parallelism
		sf, err = normalize.ComputeSumFactors(e.Counts, sopts)
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("pipeline: unknown normalization %q", o.Method))
	}
	if err != nil {
		return err
	}
	if err := e.SetSizeFactors(sf); err != nil {
		return err
	}
	lopts := normalize.DefaultLogNormOpts
	lopts.Parallelism = r.opts.Parallelism
	r.e, err = normalize.LogNormCounts(e, lopts)
	return err
}

// ModelVariance

func (r *runner) modelVariance(ctx context.Context) error {
	o := r.opts.Variance
	var (
		dec *variance.Decomposition
		err error
	)
	switch o.Model {
	case ModelTrend, "":
		dec, err = variance.ModelGeneVar(r.e, variance.DefaultTrendOpts, r.opts.Parallelism)
	case ModelPoisson:
		dec, err = variance.ModelGeneVarByPoisson(r.e, variance.DefaultPoissonOpts, r.opts.Parallelism)
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("pipeline: unknown variance model %q", o.Model))
	}
	if err != nil {
		return err
	}
	hvgs := variance.TopHVGs(dec, variance.HVGOpts{N: o.HVGs, FDRThreshold: o.FDR})
	if err := variance.CheckGenes(hvgs); err != nil {
		return err
	}
	e := r.e.With()
	if err := dec.AddTo(e.RowData); err != nil {
		return err
	}
	mark := make([]sce.Logical, e.NGenes()) // False
	for _, g := range hvgs {
		mark[g] = sce.True
	}
	if err := e.RowData.SetLogical(ColHVG, mark); err != nil {
		return err
	}
	r.res.Variance, r.res.HVGs, r.e = dec, hvgs, e
	log.Printf("pipeline: %d highly variable genes", len(hvgs))
	return nil
}

// Reduce

func (r *runner) reduce(ctx context.Context) error {
	o := r.opts.Reduce
	logc, err := r.e.LogCounts()
	if err != nil {
		return err
	}
	popts := dimred.DefaultPCAOpts
	popts.Rank = o.MaxRank
	popts.Seed = r.seed(streamPCA)
	pca, err := dimred.RunPCA(logc, r.res.HVGs, popts)
	if err != nil {
		return err
	}
	if o.Denoise {
		tech := r.res.Variance.TechSum(r.res.HVGs)
		rank, err := dimred.DenoisedRank(pca.VarExplained, pca.TotalVar, tech, o.MinRank, o.MaxRank)
		if err != nil {
			return err
		}
		log.Printf("pipeline: keeping %d of %d components (technical variance %.3g of %.3g)", rank, pca.Rank(), tech, pca.TotalVar)
		pca = pca.Truncate(rank)
	}
	e := r.e.With()
	if err := e.SetReducedDim(DimPCA, pca.Embedding()); err != nil {
		return err
	}
	if o.TSNE {
		topts := dimred.DefaultTSNEOpts
		topts.Perplexity = o.Perplexity
		topts.Iterations = o.TSNEIters
		topts.Seed = r.seed(streamTSNE)
		topts.Parallelism = r.opts.Parallelism
		ts, err := dimred.TSNE(pca.Embedding(), topts)
		if err != nil {
			return err
		}
		if err := e.SetReducedDim(DimTSNE, ts); err != nil {
			return err
		}
	}
	r.res.PCA, r.e = pca, e
	return nil
}

// Cluster

func (r *runner) cluster(ctx context.Context) error {
	o := r.opts.Cluster
	w, err := cluster.ParseWeighting(o.Weighting)
	if err != nil {
		return err
	}
	s, err := neighbors.New(o.Algorithm, neighbors.Opts{
		Parallelism: r.opts.Parallelism,
		Trees:       o.Trees,
		Seed:        r.seed(streamNeighbors),
	})
	if err != nil {
		return err
	}
	emb, err := r.e.ReducedDim(DimPCA)
	if err != nil {
		return err
	}
	k := o.K
	if k >= emb.Rows {
		k = emb.Rows - 1
		log.Printf("pipeline: k lowered to %d for %d cells", k, emb.Rows)
	}
	nn, err := s.Search(emb, k)
	if err != nil {
		return err
	}
	g, err := cluster.BuildSNNGraph(nn, w, r.opts.Parallelism)
	if err != nil {
		return err
	}
	c, err := cluster.Louvain(g, o.Resolution, r.seed(streamLouvain))
	if err != nil {
		return err
	}
	e := r.e.With()
	if err := e.ColData.SetInt(sce.CellCluster, c.Labels); err != nil {
		return err
	}
	r.res.Neighbors, r.res.Clustering, r.e = nn, c, e
	log.Printf("pipeline: %d clusters, modularity %.3f", c.NumClusters(), c.Modularity)
	return nil
}

// Markers

func (r *runner) markers(ctx context.Context) error {
	o := r.opts.Markers
	if o.Skip {
		return nil
	}
	if r.res.Clustering.NumClusters() < 2 {
		log.Printf("pipeline: one cluster; no markers")
		return nil
	}
	logc, err := r.e.LogCounts()
	if err != nil {
		return err
	}
	res, err := markers.FindMarkers(logc, r.res.Clustering.Labels, markers.Opts{
		Test:        markers.Test(o.Test),
		Direction:   markers.Direction(o.Direction),
		Combine:     markers.Combine(o.Combine),
		Parallelism: r.opts.Parallelism,
	})
	if err != nil {
		return err
	}
	r.res.Markers = res
	return nil
}

// CellCycle

func (r *runner) cellCycle(ctx context.Context) error {
	o := r.opts.CellCycle
	if o.Pairs == "" {
		return nil
	}
	pairs, err := cellcycle.ReadPairsFile(ctx, o.Pairs)
	if err != nil {
		return err
	}
	res, err := cellcycle.Classify(r.e, pairs, cellcycle.Opts{
		Iterations:  o.Iterations,
		MinPairs:    o.MinPairs,
		Seed:        r.seed(streamCellCycle),
		Parallelism: r.opts.Parallelism,
	})
	if err != nil {
		return err
	}
	e := r.e.With()
	if err := res.AddTo(e.ColData); err != nil {
		return err
	}
	counts := res.Counts()
	log.Printf("pipeline: cell cycle G1 %d, S %d, G2M %d, NA %d",
		counts[cellcycle.G1], counts[cellcycle.S], counts[cellcycle.G2M], counts[cellcycle.Unknown])
	r.res.CellCycle, r.e = res, e
	return nil
}

// Report

func (r *runner) report(ctx context.Context) error {
	if r.opts.Output == "" {
		return nil
	}
	return WriteReports(ctx, r.opts.Output, r.res)
}

// Snapshot

func (r *runner) snapshot(ctx context.Context) error {
	if r.opts.Snapshot == "" {
		return nil
	}
	config, err := r.opts.Marshal()
	if err != nil {
		return err
	}
	e := r.e.With()
	e.Metadata["config"] = config
	if r.res.Clustering != nil {
		e.Metadata["modularity"] = fmt.Sprintf("%g", r.res.Clustering.Modularity)
	}
	if r.res.Neighbors != nil && r.res.Neighbors.Approximate {
		e.Metadata["neighbors"] = r.res.Neighbors.Algorithm + " (approximate)"
	}
	if r.res.RunID, err = sce.WriteSnapshot(ctx, r.opts.Snapshot, e); err != nil {
		return err
	}
	log.Printf("pipeline: snapshot %s written to %s", r.res.RunID, r.opts.Snapshot)
	return nil
}
