package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"gopkg.in/yaml.v3"
)

// Input formats.
const (
	FormatTenX     = "tenx"
	FormatMTX      = "mtx"
	FormatBAM      = "bam"
	FormatSnapshot = "snapshot"
)

// InputOpts selects and configures the Ingest stage.
type InputOpts struct {
	// Format is one of tenx, mtx, bam or snapshot. Empty guesses the format
	// from Path.
	Format string `yaml:"format"`
	Path   string `yaml:"path"`
	// GTF, if set, annotates genes with their chromosome.
	GTF string `yaml:"gtf"`
	// Paged, if set, is a local file the counts are written to and then
	// read back from block by block.
	Paged string `yaml:"paged"`
	// Whitelist and MaxBarcodeEdits configure barcode correction when
	// counting a BAM file.
	Whitelist       string `yaml:"whitelist"`
	MaxBarcodeEdits int    `yaml:"max_barcode_edits"`
	MinMapQ         int    `yaml:"min_mapq"`
}

// CallCellsOpts configures the CallCells stage.
type CallCellsOpts struct {
	// Skip treats every barcode as a cell, e.g. for filtered matrices.
	Skip   bool    `yaml:"skip"`
	Lower  float64 `yaml:"lower"`
	Niters int     `yaml:"niters"`
	// Retain is zero for the knee of the rank curve.
	Retain float64 `yaml:"retain"`
	FDR    float64 `yaml:"fdr"`
}

// QCOpts configures the QC stage.
type QCOpts struct {
	Skip  bool    `yaml:"skip"`
	NMADs float64 `yaml:"nmads"`
	// Batch names a cell column; outlier thresholds are computed within
	// each of its values.
	Batch string `yaml:"batch"`
}

// Normalization methods.
const (
	NormalizeSum     = "sum"
	NormalizeLibrary = "library"
)

// NormalizeOpts configures the Normalize stage.
type NormalizeOpts struct {
	Method  string  `yaml:"method"`
	MinMean float64 `yaml:"min_mean"`
	// MinClusterSize is the minimum size of the clusters that pools are
	// formed in.
	MinClusterSize int `yaml:"min_cluster_size"`
}

// Variance models.
const (
	ModelTrend   = "trend"
	ModelPoisson = "poisson"
)

// VarianceOpts configures the ModelVariance stage.
type VarianceOpts struct {
	Model string `yaml:"model"`
	// HVGs keeps at most this many genes; 0 keeps every gene with positive
	// biological variance.
	HVGs int     `yaml:"hvgs"`
	FDR  float64 `yaml:"fdr"`
}

// ReduceOpts configures the Reduce stage.
type ReduceOpts struct {
	MaxRank int `yaml:"max_rank"`
	MinRank int `yaml:"min_rank"`
	// Denoise drops trailing components that hold technical variance.
	Denoise    bool    `yaml:"denoise"`
	TSNE       bool    `yaml:"tsne"`
	Perplexity float64 `yaml:"perplexity"`
	TSNEIters  int     `yaml:"tsne_iters"`
}

// ClusterOpts configures the Cluster stage.
type ClusterOpts struct {
	// Algorithm is the neighbor search: exact, kdtree or rptree.
	Algorithm  string  `yaml:"algorithm"`
	K          int     `yaml:"k"`
	Weighting  string  `yaml:"weighting"`
	Resolution float64 `yaml:"resolution"`
	Trees      int     `yaml:"trees"`
}

// MarkerOpts configures the Markers stage.
type MarkerOpts struct {
	Skip      bool   `yaml:"skip"`
	Test      string `yaml:"test"`
	Direction string `yaml:"direction"`
	Combine   string `yaml:"combine"`
}

// CellCycleOpts configures the optional CellCycle stage.
type CellCycleOpts struct {
	// Pairs is a marker pair TSV; empty skips the stage.
	Pairs      string `yaml:"pairs"`
	Iterations int    `yaml:"iterations"`
	MinPairs   int    `yaml:"min_pairs"`
}

// Opts configures Run.
type Opts struct {
	Input     InputOpts     `yaml:"input"`
	CallCells CallCellsOpts `yaml:"call_cells"`
	QC        QCOpts        `yaml:"qc"`
	Normalize NormalizeOpts `yaml:"normalize"`
	Variance  VarianceOpts  `yaml:"variance"`
	Reduce    ReduceOpts    `yaml:"reduce"`
	Cluster   ClusterOpts   `yaml:"cluster"`
	Markers   MarkerOpts    `yaml:"markers"`
	CellCycle CellCycleOpts `yaml:"cell_cycle"`

	// Output is a directory for the TSV reports; empty writes none.
	Output string `yaml:"output"`
	// Snapshot is a path for the final experiment; empty writes none.
	Snapshot string `yaml:"snapshot"`

	// Until, if set, names the last analysis stage to run. Report and
	// Snapshot still run on the partial result.
	Until string `yaml:"until"`

	// Seed determines every randomized step. Each stage derives its own
	// stream from it.
	Seed        uint64 `yaml:"seed"`
	Parallelism int    `yaml:"parallelism"`
}

// DefaultOpts holds the default options.
var DefaultOpts = Opts{
	Input: InputOpts{
		MaxBarcodeEdits: 1,
	},
	CallCells: CallCellsOpts{
		Lower:  100,
		Niters: 10000,
		FDR:    0.01,
	},
	QC: QCOpts{NMADs: 3},
	Normalize: NormalizeOpts{
		Method:         NormalizeSum,
		MinMean:        0.1,
		MinClusterSize: 100,
	},
	Variance: VarianceOpts{Model: ModelTrend},
	Reduce: ReduceOpts{
		MaxRank:    50,
		MinRank:    5,
		Denoise:    true,
		Perplexity: 30,
		TSNEIters:  1000,
	},
	Cluster: ClusterOpts{
		Algorithm:  "exact",
		K:          10,
		Weighting:  "rank",
		Resolution: 1,
		Trees:      10,
	},
	Markers: MarkerOpts{
		Test:      "t",
		Direction: "up",
		Combine:   "any",
	},
	CellCycle: CellCycleOpts{
		Iterations: 1000,
		MinPairs:   50,
	},
	Seed: 1,
}

// ReadConfig overlays the YAML document in r on opts. Fields absent from
// the document keep their values; unknown fields are an error.
func ReadConfig(r io.Reader, opts *Opts) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(opts); err != nil && err != io.EOF {
		return errors.E(errors.Invalid, err, "pipeline: parsing config")
	}
	return nil
}

// LoadConfig overlays the YAML config file at path on opts.
func LoadConfig(ctx context.Context, path string, opts *Opts) (err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)
	if err := ReadConfig(in.Reader(ctx), opts); err != nil {
		return errors.E(err, path)
	}
	log.Debug.Printf("pipeline: loaded config %s", path)
	return nil
}

// Marshal renders opts as YAML, e.g. to record the configuration of a run.
func (o Opts) Marshal() (string, error) {
	b, err := yaml.Marshal(o)
	if err != nil {
		return "", errors.E(errors.Invalid, err, "pipeline: encoding config")
	}
	return string(b), nil
}

// guessFormat returns the input format implied by path.
func guessFormat(path string) (string, error) {
	p := strings.TrimSuffix(strings.TrimSuffix(path, ".gz"), "/")
	switch {
	case strings.HasSuffix(p, ".bam"):
		return FormatBAM, nil
	case strings.HasSuffix(p, ".mtx"):
		return FormatMTX, nil
	case strings.HasSuffix(p, ".sce"), strings.HasSuffix(p, ".snapshot"):
		return FormatSnapshot, nil
	case p == "":
		return "", errors.E(errors.Invalid, "pipeline: no input path")
	}
	if i := strings.LastIndexByte(p, '/'); strings.IndexByte(p[i+1:], '.') < 0 {
		return FormatTenX, nil
	}
	return "", errors.E(errors.Invalid, fmt.Sprintf("pipeline: cannot guess the format of %s; set input.format", path))
}
