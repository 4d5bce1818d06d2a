package cmd

import (
	"bytes"
	"context"
	"flag"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/scrna/encoding/tenx"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/pipeline"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	status := m.Run()
	shutdown()
	os.Exit(status)
}

func TestRunOpts(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "opts")
	defer cleanup()
	config := filepath.Join(dir, "scrna.yaml")
	require.NoError(t, ioutil.WriteFile(config, []byte("seed: 5\nparallelism: 4\ncluster:\n  k: 20\n"), 0644))

	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse([]string{"-config", config, "-parallelism", "2", "-skip-qc", "-until", "cluster"}))
	opts, err := f.opts(context.Background(), setFlags(fs), "/data/raw")
	require.NoError(t, err)
	expect.EQ(t, opts.Input.Path, "/data/raw")
	// The config file sets seed; the unset -seed flag does not override it.
	expect.EQ(t, opts.Seed, uint64(5))
	expect.EQ(t, opts.Parallelism, 2)
	expect.EQ(t, opts.Cluster.K, 20)
	expect.True(t, opts.QC.Skip)
	expect.EQ(t, opts.Until, pipeline.StageCluster)
	expect.EQ(t, opts.Normalize.Method, pipeline.DefaultOpts.Normalize.Method)

	f.config = filepath.Join(dir, "missing.yaml")
	_, err = f.opts(context.Background(), nil, "/data/raw")
	assert.Error(t, err)
}

func testExperiment(t *testing.T) *sce.Experiment {
	b := matrix.NewBuilder(3, 4)
	for j := 0; j < 4; j++ {
		require.NoError(t, b.Add(j%3, j, float64(j+1)))
	}
	rowData, colData := sce.NewTable(3), sce.NewTable(4)
	require.NoError(t, rowData.SetString(sce.GeneID, []string{"G1", "G2", "G3"}))
	require.NoError(t, rowData.SetString(sce.GeneSymbol, []string{"A", "B", "C"}))
	require.NoError(t, colData.SetString(sce.CellBarcode, []string{"AAAA", "CCCC", "GGGG", "TTTT"}))
	e, err := sce.New(b.Build(), rowData, colData)
	require.NoError(t, err)
	return e
}

func TestConvertInspect(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "convert")
	defer cleanup()
	src := filepath.Join(dir, "raw")
	require.NoError(t, tenx.Write(ctx, src, testExperiment(t)))

	snap := filepath.Join(dir, "raw.sce")
	require.NoError(t, runConvert(ctx, "", "", src, snap))
	back := filepath.Join(dir, "back")
	require.NoError(t, runConvert(ctx, "", "", snap, back))
	e, err := tenx.Read(ctx, back)
	require.NoError(t, err)
	expect.EQ(t, e.NGenes(), 3)
	expect.EQ(t, e.NCells(), 4)

	var out bytes.Buffer
	require.NoError(t, runInspect(ctx, &out, snap, false))
	assert.Regexp(t, `(?m)^genes +3$`, out.String())
	assert.Regexp(t, `(?m)^cells +4$`, out.String())
	assert.Contains(t, out.String(), sce.CellBarcode)

	assert.Error(t, runInspect(ctx, &out, filepath.Join(dir, "missing.sce"), false))
}

func TestDescribeClusters(t *testing.T) {
	e := testExperiment(t).With()
	require.NoError(t, e.ColData.SetInt(sce.CellCluster, []int{1, 1, 2, 1}))
	e.Metadata["modularity"] = "0.4"
	e.Metadata["config"] = "seed: 1\n"
	var out bytes.Buffer
	require.NoError(t, describe(&out, e, true))
	s := out.String()
	assert.Regexp(t, `(?m)^cluster +1 +3 *$`, s)
	assert.Regexp(t, `(?m)^cluster +2 +1 *$`, s)
	assert.Regexp(t, `(?m)^metadata +modularity +0\.4 *$`, s)
	assert.NotRegexp(t, `(?m)^metadata +config`, s)
	assert.Contains(t, s, "seed: 1\n")
}
