package tenx

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/scrna/matrix"
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

func TestReadRecordsDistinct(t *testing.T) {
	recs, err := readRecords(strings.NewReader("AAAC-1\nCCCG-1\tx\nGGGT-1\n"))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"AAAC-1"}, {"CCCG-1", "x"}, {"GGGT-1"}}, recs)
}

func TestReadLegacyLayout(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	write := func(name, data string) {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(data), 0644))
	}
	write("matrix.mtx", "%%MatrixMarket matrix coordinate integer general\n3 2 3\n1 1 4\n3 2 1\n2 2 7\n")
	write("genes.tsv", "ENSG1\tCD3E\nENSG2\tMT-ND1\nENSG3\tACTB\n")
	write("barcodes.tsv", "AAACCTGA-1\nAAACGGGT-1\n")

	e, err := Read(context.Background(), dir)
	require.NoError(t, err)
	expect.EQ(t, e.NGenes(), 3)
	expect.EQ(t, e.NCells(), 2)
	syms, err := e.RowData.Strings(sce.GeneSymbol)
	require.NoError(t, err)
	assert.Equal(t, []string{"CD3E", "MT-ND1", "ACTB"}, syms)
	types, err := e.RowData.Strings(FeatureType)
	require.NoError(t, err)
	expect.EQ(t, types[0], "Gene Expression")
	bcs, err := e.ColData.Strings(sce.CellBarcode)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAACCTGA-1", "AAACGGGT-1"}, bcs)
}

func TestReadDimensionMismatch(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	write := func(name, data string) {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(data), 0644))
	}
	write("matrix.mtx", "%%MatrixMarket matrix coordinate integer general\n2 2 1\n1 1 4\n")
	write("genes.tsv", "ENSG1\tA\n")
	write("barcodes.tsv", "A\nB\n")
	_, err := Read(context.Background(), dir)
	assert.Error(t, err)
}

func TestWriteReadCompressed(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	counts := matrix.FromDense(2, 3, []float64{1, 0, 5, 0, 2, 0})
	rows := sce.NewTable(2)
	require.NoError(t, rows.SetString(sce.GeneID, []string{"G1", "G2"}))
	require.NoError(t, rows.SetString(sce.GeneSymbol, []string{"Sym1", "Sym2"}))
	cols := sce.NewTable(3)
	require.NoError(t, cols.SetString(sce.CellBarcode, []string{"C1", "C2", "C3"}))
	e, err := sce.New(counts, rows, cols)
	require.NoError(t, err)

	require.NoError(t, Write(ctx, dir, e))
	_, err = os.Stat(filepath.Join(dir, "matrix.mtx.gz"))
	require.NoError(t, err)

	got, err := Read(ctx, dir)
	require.NoError(t, err)
	m, err := matrix.Materialize(got.Counts)
	require.NoError(t, err)
	assert.True(t, m.Equal(counts))
	bcs, err := got.ColData.Strings(sce.CellBarcode)
	require.NoError(t, err)
	assert.Equal(t, []string{"C1", "C2", "C3"}, bcs)
}
