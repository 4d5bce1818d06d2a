package count

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/scrna/barcode"
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

func TestEstimateComplexity(t *testing.T) {
	tests := []struct {
		reads, unique uint64
		expected      float64
	}{
		{1000000, 800000, 2154184},
		{171512300, 171512299, 14708234445116054},
	}
	for _, test := range tests {
		v, err := EstimateComplexity(test.reads, test.unique)
		assert.NoError(t, err)
		assert.InEpsilon(t, test.expected, v, 0.0000000001)
	}
	v, err := EstimateComplexity(10, 10)
	assert.NoError(t, err)
	assert.True(t, math.IsNaN(v))
	_, err = EstimateComplexity(5, 10)
	assert.True(t, errors.Is(errors.Invalid, err))
}

type testRead struct {
	flags sam.Flags
	mapq  byte
	tags  map[string]string
}

func aux(name, val string) sam.Aux {
	a, err := sam.NewAux(sam.NewTag(name), val)
	if err != nil {
		panic(fmt.Sprintf("error creating %s %v tag: %v", name, val, err))
	}
	return a
}

func writeBAM(t *testing.T, reads []testRead) []byte {
	chr1, err := sam.NewReference("chr1", "", "", 1000, nil, nil)
	require.NoError(t, err)
	header, err := sam.NewHeader(nil, []*sam.Reference{chr1})
	require.NoError(t, err)
	var buf bytes.Buffer
	w, err := bam.NewWriter(&buf, header, 1)
	require.NoError(t, err)
	for i, rd := range reads {
		r := &sam.Record{
			Name:  fmt.Sprintf("read%d", i),
			Ref:   chr1,
			Pos:   10 * i,
			MapQ:  rd.mapq,
			Flags: rd.flags,
			Cigar: sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 4)},
			Seq:   sam.NewSeq([]byte("ACGT")),
			Qual:  []byte{30, 30, 30, 30},
		}
		if rd.flags&sam.Unmapped != 0 {
			r.Ref, r.Pos, r.Cigar = nil, -1, nil
		}
		for _, name := range []string{"CB", "CR", "UB", "UR", "GX", "GN"} {
			if v, ok := rd.tags[name]; ok {
				r.AuxFields = append(r.AuxFields, aux(name, v))
			}
		}
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func tagged(cb, ub, gx, gn string) testRead {
	return testRead{mapq: 60, tags: map[string]string{"CB": cb, "UB": ub, "GX": gx, "GN": gn}}
}

var testReads = []testRead{
	tagged("AAAA", "ACGTAC", "ENSG2", "B"),
	tagged("AAAA", "ACGTAC", "ENSG2", "B"), // same molecule
	tagged("AAAA", "TTTTAC", "ENSG2", "B"),
	tagged("AAAA", "ACGTAC", "ENSG1", "A"),
	tagged("CCCC", "GGGGAC", "ENSG1", "A"),
	tagged("CCCC", "GGGNAC", "ENSG1", "A"),      // invalid UMI
	tagged("CCCC", "GGGGAA", "ENSG1;ENSG2", ""), // multi-gene
	{flags: sam.Unmapped, tags: map[string]string{"CB": "CCCC", "UB": "AAAAAA"}},
	{flags: sam.Secondary, mapq: 60, tags: map[string]string{"CB": "CCCC", "UB": "CCCCCC", "GX": "ENSG1"}},
	{mapq: 2, tags: map[string]string{"CB": "CCCC", "UB": "CCCCCA", "GX": "ENSG1"}},
	// Raw barcode and UMI only, one substitution from GGGG.
	{mapq: 60, tags: map[string]string{"CR": "GGGT", "UR": "AACCGG", "GX": "ENSG1", "GN": "A"}},
	{mapq: 60, tags: map[string]string{"CR": "ACGT", "UR": "AACCGG", "GX": "ENSG1", "GN": "A"}},
	{mapq: 60, tags: map[string]string{"UB": "AACCGG", "GX": "ENSG1"}}, // no barcode
	{mapq: 60, tags: map[string]string{"CB": "GGGG", "UB": "AACCGT"}},  // no gene
}

func TestRead(t *testing.T) {
	data := writeBAM(t, testReads)
	wl, err := barcode.NewSnapCorrector([]string{"AAAA", "CCCC", "GGGG"}, 1)
	require.NoError(t, err)
	opts := DefaultOpts
	opts.MinMapQ = 10
	opts.Whitelist = wl
	e, stats, err := Read(bytes.NewReader(data), opts)
	require.NoError(t, err)

	expect.EQ(t, stats.Records, int64(len(testReads)))
	expect.EQ(t, stats.Counted, int64(6))
	expect.EQ(t, stats.Unmapped, int64(1))
	expect.EQ(t, stats.Filtered, int64(2))
	expect.EQ(t, stats.NoUMI, int64(1))
	expect.EQ(t, stats.MultiGene, int64(1))
	expect.EQ(t, stats.NoBarcode, int64(1))
	expect.EQ(t, stats.NoGene, int64(1))
	expect.EQ(t, stats.Corrected, int64(1))
	expect.EQ(t, stats.Uncorrectable, int64(1))
	expect.EQ(t, stats.DistinctCounts, int64(5))

	expect.EQ(t, e.NGenes(), 2)
	expect.EQ(t, e.NCells(), 3)
	ids, err := e.RowData.Strings(sce.GeneID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ENSG1", "ENSG2"}, ids)
	symbols, err := e.RowData.Strings(sce.GeneSymbol)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, symbols)
	barcodes, err := e.ColData.Strings(sce.CellBarcode)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAAA", "CCCC", "GGGG"}, barcodes)

	counts, err := matrix.Materialize(e.Counts)
	require.NoError(t, err)
	want := [][]float64{
		{1, 1, 1},
		{2, 0, 0},
	}
	for i := range want {
		for j := range want[i] {
			expect.EQ(t, counts.At(i, j), want[i][j], "gene %d cell %d", i, j)
		}
	}
	reads, err := e.ColData.Float(ColReads)
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 1, 1}, reads)
	umis, err := e.ColData.Float(ColUMIs)
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 1, 1}, umis)
	complexity, err := e.ColData.Float(ColComplexity)
	require.NoError(t, err)
	expect.GE(t, complexity[0], 3.0)
	assert.True(t, math.IsNaN(complexity[1]))

	var total Stats
	total.Merge(stats)
	total.Merge(stats)
	expect.EQ(t, total.Counted, 2*stats.Counted)
}

func TestCount(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "count")
	defer cleanup()
	path := filepath.Join(dir, "test.bam")
	f, err := os.Create(path)
	require.NoError(t, err)
	_, err = f.Write(writeBAM(t, testReads[:5]))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	e, stats, err := Count(context.Background(), path, DefaultOpts)
	require.NoError(t, err)
	expect.EQ(t, stats.Counted, int64(5))
	expect.EQ(t, e.NCells(), 2)

	_, _, err = Read(bytes.NewReader(writeBAM(t, testReads[7:9])), DefaultOpts)
	assert.True(t, errors.Is(errors.Precondition, err), "%v", err)
}
