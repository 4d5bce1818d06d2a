package cellcycle

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nPairs = 60

// cycling builds 4*nPairs genes named A0.., B0.., C0.., D0.. and 30 cells:
// ten G1 cells (A above B), ten G2M cells (C above D) and ten cells with
// both relations reversed.
func cycling(t *testing.T) (*sce.Experiment, Pairs) {
	var names []string
	for _, p := range "ABCD" {
		for i := 0; i < nPairs; i++ {
			names = append(names, fmt.Sprintf("%c%d", p, i))
		}
	}
	r := stats.NewRand(11)
	b := matrix.NewBuilder(len(names), 30)
	for j := 0; j < 30; j++ {
		for g := range names {
			block := g / nPairs
			v := float64(1 + r.Intn(10))
			switch {
			case j < 10 && block == 0, j >= 10 && j < 20 && block == 2:
				v = float64(20 + r.Intn(3))
			case j < 10 && block == 1, j >= 10 && j < 20 && block == 3:
				v = float64(r.Intn(3))
			case j >= 20 && (block == 0 || block == 2):
				v = float64(r.Intn(3))
			case j >= 20:
				v = float64(20 + r.Intn(3))
			}
			if v > 0 {
				require.NoError(t, b.Add(g, j, v))
			}
		}
	}
	rows := sce.NewTable(len(names))
	require.NoError(t, rows.SetString(sce.GeneID, names))
	e, err := sce.New(b.Build(), rows, nil)
	require.NoError(t, err)

	var tsv strings.Builder
	tsv.WriteString("phase\tfirst\tsecond\n")
	for i := 0; i < nPairs; i++ {
		fmt.Fprintf(&tsv, "G1\tA%d\tB%d\n", i, i)
		fmt.Fprintf(&tsv, "G2M\tC%d\tD%d\n", i, i)
	}
	tsv.WriteString("G1\tA0\tmissing\n")
	pairs, err := ReadPairs(strings.NewReader(tsv.String()))
	require.NoError(t, err)
	return e, pairs
}

func TestReadPairs(t *testing.T) {
	pairs, err := ReadPairs(strings.NewReader("phase\tfirst\tsecond\nG1\tX\tY\nS\tU\tV\n"))
	require.NoError(t, err)
	assert.Equal(t, []Pair{{G1, "X", "Y"}}, pairs[G1])
	assert.Len(t, pairs[S], 1)

	_, err = ReadPairs(strings.NewReader("phase\tfirst\tsecond\nM\tX\tY\n"))
	assert.True(t, errors.Is(errors.Invalid, err))
	_, err = ReadPairs(strings.NewReader("phase\tfirst\tsecond\nG1\tX\tX\n"))
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestClassify(t *testing.T) {
	e, pairs := cycling(t)
	opts := Opts{Iterations: 200, MinPairs: 20, Seed: 5, Parallelism: 4}
	res, err := Classify(e, pairs, opts)
	require.NoError(t, err)
	for j := 0; j < 30; j++ {
		want := S
		switch {
		case j < 10:
			want = G1
		case j < 20:
			want = G2M
		}
		expect.EQ(t, res.Phases[j], want, "cell %d", j)
	}
	for j := 0; j < 10; j++ {
		expect.GT(t, res.Scores[G1][j], 0.9)
		assert.InDelta(t, 1, res.Normalized[G1][j]+res.Normalized[G2M][j], 1e-12)
	}
	assert.Equal(t, map[Phase]int{G1: 10, G2M: 10, S: 10}, res.Counts())

	opts.Parallelism = 1
	again, err := Classify(e, pairs, opts)
	require.NoError(t, err)
	assert.Equal(t, res.Scores, again.Scores)

	cols := sce.NewTable(30)
	require.NoError(t, res.AddTo(cols))
	phases, err := cols.Strings(ColPhase)
	require.NoError(t, err)
	expect.EQ(t, phases[0], "G1")
	expect.EQ(t, phases[25], "S")
}

func TestClassifyTooFewPairs(t *testing.T) {
	e, pairs := cycling(t)
	res, err := Classify(e, pairs, Opts{Iterations: 10, MinPairs: 1000})
	require.NoError(t, err)
	for j := range res.Phases {
		expect.EQ(t, res.Phases[j], Unknown)
		assert.True(t, math.IsNaN(res.Scores[G1][j]))
	}
	_, err = Classify(e, Pairs{G1: pairs[G1]}, DefaultOpts)
	assert.True(t, errors.Is(errors.Precondition, err))
	_, err = Classify(e, Pairs{G1: {{G1, "nope", "nada"}}, G2M: pairs[G2M]}, DefaultOpts)
	assert.True(t, errors.Is(errors.Precondition, err))
}

func TestAssign(t *testing.T) {
	nan := math.NaN()
	scores := map[Phase][]float64{
		G1:  {0.9, 0.2, nan, 0.9, 0.4},
		G2M: {0.1, 0.7, 0.8, nan, 0.3},
	}
	for j, want := range []Phase{G1, G2M, Unknown, Unknown, S} {
		expect.EQ(t, assign(scores, j), want)
	}
	expect.EQ(t, assign(map[Phase][]float64{G1: {0.9}}, 0), Unknown)
}
