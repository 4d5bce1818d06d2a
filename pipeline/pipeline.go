// Package pipeline runs the single-cell analysis end to end: ingestion, cell
// calling, quality control, normalization, variance modelling, dimension
// reduction, clustering, marker detection and reporting. Each stage reads
// and extends one Experiment.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/cellcycle"
	"github.com/grailbio/scrna/cluster"
	"github.com/grailbio/scrna/count"
	"github.com/grailbio/scrna/dimred"
	"github.com/grailbio/scrna/droplet"
	"github.com/grailbio/scrna/markers"
	"github.com/grailbio/scrna/neighbors"
	"github.com/grailbio/scrna/qc"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/variance"
)

// Reduced dimension and column names added by Run.
const (
	DimPCA  = "PCA"
	DimTSNE = "TSNE"

	ColQuickCluster = "quickCluster"
	ColHVG          = "hvg"
)

// Result collects the experiment and the per-stage results of a run.
// Results of skipped stages are nil.
type Result struct {
	Experiment *sce.Experiment

	CountStats *count.Stats
	// Ranks is the rank curve of the barcodes RawBarcodes.
	Ranks       *droplet.Ranks
	RawBarcodes []string
	EmptyDrops  *droplet.Result
	Discard     *qc.Discard
	Variance    *variance.Decomposition
	HVGs        []int
	PCA         *dimred.PCA
	Neighbors   *neighbors.Result
	Clustering  *cluster.Clustering
	Markers     *markers.Result
	CellCycle   *cellcycle.Result
	// RunID identifies the snapshot written by the run.
	RunID string

	closers []io.Closer
}

// Close releases the files backing the experiment, if any.
func (r *Result) Close() error {
	e := errors.Once{}
	for _, c := range r.closers {
		e.Set(c.Close())
	}
	r.closers = nil
	return e.Err()
}

// Stage names, in execution order.
const (
	StageIngest        = "ingest"
	StageCallCells     = "call-cells"
	StageQC            = "qc"
	StageNormalize     = "normalize"
	StageModelVariance = "model-variance"
	StageReduce        = "reduce"
	StageCluster       = "cluster"
	StageMarkers       = "markers"
	StageCellCycle     = "cell-cycle"
	StageReport        = "report"
	StageSnapshot      = "snapshot"
)

type stage struct {
	name string
	run  func(ctx context.Context) error
}

// runner holds the state shared by the stages of one run.
type runner struct {
	opts Opts
	res  *Result
	e    *sce.Experiment
}

func (r *runner) stages() []stage {
	return []stage{
		{StageIngest, r.ingest},
		{StageCallCells, r.callCells},
		{StageQC, r.qc},
		{StageNormalize, r.normalize},
		{StageModelVariance, r.modelVariance},
		{StageReduce, r.reduce},
		{StageCluster, r.cluster},
		{StageMarkers, r.markers},
		{StageCellCycle, r.cellCycle},
		{StageReport, r.report},
		{StageSnapshot, r.snapshot},
	}
}

// Run executes the stages in order, up to Opts.Until. The first failing stage aborts the
// run; its name is part of the returned error, and the partial result is
// returned with it. The caller closes the result.
func Run(ctx context.Context, opts Opts) (*Result, error) {
	return run(ctx, opts, nil)
}

// RunExperiment runs every stage after Ingest on e.
func RunExperiment(ctx context.Context, e *sce.Experiment, opts Opts) (*Result, error) {
	return run(ctx, opts, e)
}

func run(ctx context.Context, opts Opts, e *sce.Experiment) (*Result, error) {
	r := &runner{opts: opts, res: &Result{}, e: e}
	stages := r.stages()
	if opts.Until != "" {
		found := false
		for _, s := range stages {
			found = found || s.name == opts.Until
		}
		if !found {
			return r.res, errors.E(errors.Invalid, fmt.Sprintf("pipeline: unknown stage %q", opts.Until))
		}
	}
	start := time.Now()
	stopped := false
	for _, s := range stages {
		if s.name == StageIngest && e != nil {
			continue
		}
		if stopped && s.name != StageReport && s.name != StageSnapshot {
			log.Debug.Printf("pipeline: skipping %s", s.name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return r.res, errors.E(err, fmt.Sprintf("pipeline: before stage %s", s.name))
		}
		t := time.Now()
		if err := s.run(ctx); err != nil {
			return r.res, errors.E(err, fmt.Sprintf("pipeline: stage %s", s.name))
		}
		r.res.Experiment = r.e
		log.Printf("pipeline: %s done in %v: %d genes x %d cells", s.name, time.Since(t), r.e.NGenes(), r.e.NCells())
		stopped = stopped || s.name == opts.Until
	}
	log.Printf("pipeline: finished in %v", time.Since(start))
	return r.res, nil
}
