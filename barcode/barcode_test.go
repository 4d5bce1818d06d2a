package barcode

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
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

// TestLevenshtein checks the distance that accounts for downstream bases
// read after a deletion, and the standard distance against matchr.
func TestLevenshtein(t *testing.T) {
	tests := []struct {
		barcode1, barcode2       string
		downstream1, downstream2 string
		want                     int
	}{
		// ATCGGTX (X from the downstream sequence)
		// | ||||
		// A-CGGTX
		{"ATCGGT", "ACGGTX", "XYZ", "", 1},
		{"ACGGTX", "ATCGGT", "", "XYZ", 1},
		{"ACAATTGG", "AXAAXTGX", "", "", 3},
		{"ATATACGGT", "ACGGTHIJK", "HIJKLMN", "", 4},
		{"CTCAGCGGCT", "AGCCTAACTC", "ACACTCTTTCCCTACACGACGCTCTTCCGATCT", "GTGACTGGAGTTCAGACGTGTGCTCTTCCGATC", 8},
		// An inserted C pushes the last barcode base into the UMI.
		{"ACTCGG", "ATCGGT", "TGCA", "", 1},
		{"", "", "", "", 0},
	}
	var a Aligner
	for _, test := range tests {
		got := a.Distance(test.barcode1, test.barcode2, test.downstream1, test.downstream2)
		expect.EQ(t, got, test.want, "%+v", test)
		standard := Levenshtein(test.barcode1, test.barcode2, "", "")
		expect.EQ(t, standard, matchr.Levenshtein(test.barcode1, test.barcode2), "%+v", test)
	}
	assert.Panics(t, func() { Levenshtein("AC", "A", "", "") })
}

func TestSnapCorrector(t *testing.T) {
	known := []string{"AAAA", "CCCC", "GGGG", "tttt"}
	tests := []struct {
		maxEdits  int
		bc        string
		want      string
		edits     int
		corrected bool
	}{
		{3, "AAAA", "AAAA", 0, true},
		{3, "TTTT", "TTTT", 0, true},
		{3, "TAAA", "AAAA", 1, true},
		{3, "NAA", "NAA", -1, false},
		{3, "AACC", "AACC", -1, false}, // AAAA and CCCC tie
		{3, "AANN", "AAAA", 2, true},
		{3, "ANNN", "AAAA", 3, true},
		{3, "NNNN", "NNNN", -1, false},
		{1, "AANN", "AANN", -1, false},
		{0, "TAAA", "TAAA", -1, false},
	}
	for _, test := range tests {
		c, err := NewSnapCorrector(known, test.maxEdits)
		require.NoError(t, err)
		got, edits, ok := c.Correct(test.bc, "")
		expect.EQ(t, got, test.want, "%+v", test)
		expect.EQ(t, edits, test.edits, "%+v", test)
		expect.EQ(t, ok, test.corrected, "%+v", test)
		// Cached answers agree.
		again, _, _ := c.Correct(test.bc, "")
		expect.EQ(t, again, got)
	}
}

func TestSnapCorrectorDownstream(t *testing.T) {
	c, err := NewSnapCorrector([]string{"ATCGGT", "GGGAAA"}, 1)
	require.NoError(t, err)
	expect.EQ(t, c.Len(), 2)
	assert.True(t, c.Contains("atcggt"))
	_, _, ok := c.Correct("ACTCGG", "")
	assert.False(t, ok)
	got, edits, ok := c.Correct("ACTCGG", "TGCA")
	assert.True(t, ok)
	expect.EQ(t, got, "ATCGGT")
	expect.EQ(t, edits, 1)
}

func TestNewSnapCorrectorErrors(t *testing.T) {
	for _, known := range [][]string{nil, {"ACGT", "ACG"}, {"ACGN"}} {
		_, err := NewSnapCorrector(known, 1)
		assert.True(t, errors.Is(errors.Invalid, err), "%v", known)
	}
}

func TestReadWhitelist(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "barcode")
	defer cleanup()
	path := filepath.Join(dir, "whitelist.txt")
	require.NoError(t, ioutil.WriteFile(path, []byte("AAAC-1\n\nCCCA-1\nGGGT\n"), 0644))
	known, err := ReadWhitelist(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAAC", "CCCA", "GGGT"}, known)
}
