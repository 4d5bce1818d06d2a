package cmd

import (
	"context"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/encoding/tenx"
	"github.com/grailbio/scrna/pipeline"
	"github.com/grailbio/scrna/sce"
)

func isSnapshot(path string) bool {
	return strings.HasSuffix(path, ".sce") || strings.HasSuffix(path, ".snapshot")
}

// runConvert reads src with the ingest stage alone and writes it to dst.
func runConvert(ctx context.Context, format, gtf, src, dst string) (err error) {
	opts := pipeline.DefaultOpts
	opts.Input.Format = format
	opts.Input.Path = src
	opts.Input.GTF = gtf
	opts.Until = pipeline.StageIngest
	res, err := pipeline.Run(ctx, opts)
	defer func() {
		if e := res.Close(); e != nil && err == nil {
			err = e
		}
	}()
	if err != nil {
		return err
	}
	e := res.Experiment
	if isSnapshot(dst) {
		var runID string
		if runID, err = sce.WriteSnapshot(ctx, dst, e); err != nil {
			return err
		}
		log.Printf("wrote snapshot %s to %s", runID, dst)
		return nil
	}
	if err = tenx.Write(ctx, dst, e); err != nil {
		return err
	}
	log.Printf("wrote %d genes x %d cells to %s", e.NGenes(), e.NCells(), dst)
	return nil
}
