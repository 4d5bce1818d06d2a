package pipeline

import (
	"bytes"
	"math"
	"testing"

	"github.com/grailbio/base/tsv"
	"github.com/grailbio/scrna/droplet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRanks(t *testing.T) {
	res := &Result{
		Ranks: &droplet.Ranks{
			Rank:   []float64{2, 1, 3},
			Total:  []float64{150, 900, 120},
			Fitted: []float64{5.01, math.NaN(), 4.8},
		},
		RawBarcodes: []string{"CCCC", "AAAA", "GGGG"},
	}
	var buf bytes.Buffer
	w := tsv.NewWriter(&buf)
	require.NoError(t, WriteRanks(w, res))
	require.NoError(t, w.Flush())
	assert.Equal(t, "barcode\trank\ttotal\tfitted\n"+
		"AAAA\t1\t900\tNA\n"+
		"CCCC\t2\t150\t5.01\n"+
		"GGGG\t3\t120\t4.8\n", buf.String())
}
