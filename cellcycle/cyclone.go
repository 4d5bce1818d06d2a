// Package cellcycle assigns cells to cell cycle phases from the relative
// expression of marker gene pairs.
package cellcycle

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/scrna/internal/shard"
	"github.com/grailbio/scrna/matrix"
	"github.com/grailbio/scrna/sce"
	"github.com/grailbio/scrna/stats"
)

// Phase is a cell cycle phase.
type Phase int

const (
	// Unknown marks a cell that could not be scored.
	Unknown Phase = iota
	G1
	S
	G2M
)

var phaseNames = [...]string{"NA", "G1", "S", "G2M"}

func (p Phase) String() string { return phaseNames[p] }

// ParsePhase parses G1, S or G2M.
func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames[1:] {
		if s == name {
			return Phase(p + 1), nil
		}
	}
	return Unknown, errors.E(errors.Invalid, fmt.Sprintf("cellcycle: unknown phase %q", s))
}

// Cell table columns written by AddTo.
const (
	ColPhase = "phase"
	ColG1    = "G1"
	ColS     = "S"
	ColG2M   = "G2M"
)

// Opts configures Classify.
type Opts struct {
	// Iterations is the number of random permutations per cell and phase.
	Iterations int
	// MinPairs is the minimum number of informative pairs for a cell to be
	// scored; with fewer the score is NA.
	MinPairs int
	Seed     uint64
	// Parallelism bounds the number of concurrent cell batches.
	Parallelism int
}

// DefaultOpts holds the default options.
var DefaultOpts = Opts{Iterations: 1000, MinPairs: 50}

// Result holds per-cell phase scores and assignments.
type Result struct {
	Phases []Phase
	// Scores per phase; NaN when the cell could not be scored.
	Scores map[Phase][]float64
	// Normalized holds the scores divided by their per-cell sum.
	Normalized map[Phase][]float64
}

// Counts returns the number of cells assigned to each phase.
func (r *Result) Counts() map[Phase]int {
	n := map[Phase]int{}
	for _, p := range r.Phases {
		n[p]++
	}
	return n
}

// AddTo stores the phase and raw scores in a cell table.
func (r *Result) AddTo(t *sce.Table) error {
	names := make([]string, len(r.Phases))
	for i, p := range r.Phases {
		names[i] = p.String()
	}
	if err := t.SetString(ColPhase, names); err != nil {
		return err
	}
	for _, col := range []struct {
		name  string
		phase Phase
	}{{ColG1, G1}, {ColS, S}, {ColG2M, G2M}} {
		if s, ok := r.Scores[col.phase]; ok {
			if err := t.SetFloat(col.name, s); err != nil {
				return err
			}
		}
	}
	return nil
}

// indexed is a marker pair resolved to positions within the phase's gene
// list.
type indexed struct{ a, b int }

type phaseModel struct {
	phase Phase
	genes []int // rows of the matrix
	pairs []indexed
}

// resolve maps the pairs of each phase to matrix rows, dropping pairs whose
// genes are not in the experiment.
func resolve(e *sce.Experiment, pairs Pairs) ([]phaseModel, error) {
	byName := map[string]int{}
	for _, col := range []string{sce.GeneSymbol, sce.GeneID} {
		names, err := e.RowData.Strings(col)
		if err != nil {
			continue
		}
		for g, name := range names {
			byName[name] = g
		}
	}
	var models []phaseModel
	for _, ph := range []Phase{G1, S, G2M} {
		list := pairs[ph]
		if len(list) == 0 {
			continue
		}
		m := phaseModel{phase: ph}
		pos := map[int]int{}
		lookup := func(name string) (int, bool) {
			g, ok := byName[name]
			if !ok {
				return 0, false
			}
			p, ok := pos[g]
			if !ok {
				p = len(m.genes)
				pos[g] = p
				m.genes = append(m.genes, g)
			}
			return p, true
		}
		dropped := 0
		for _, pr := range list {
			a, okA := lookup(pr.First)
			b, okB := lookup(pr.Second)
			if !okA || !okB {
				dropped++
				continue
			}
			m.pairs = append(m.pairs, indexed{a, b})
		}
		if dropped > 0 {
			log.Printf("cellcycle: %s: %d of %d pairs reference genes absent from the data", ph, dropped, len(list))
		}
		if len(m.pairs) == 0 {
			return nil, errors.E(errors.Precondition, fmt.Sprintf("cellcycle: no usable %s marker pairs", ph))
		}
		models = append(models, m)
	}
	if len(models) == 0 {
		return nil, errors.E(errors.Precondition, "cellcycle: no marker pairs")
	}
	return models, nil
}

// proportion returns the fraction of informative pairs (unequal
// expression) in which the first gene is above the second, and the number
// of informative pairs.
func proportion(x []float64, pairs []indexed) (float64, int) {
	var hits, valid int
	for _, p := range pairs {
		a, b := x[p.a], x[p.b]
		if a == b {
			continue
		}
		valid++
		if a > b {
			hits++
		}
	}
	if valid == 0 {
		return math.NaN(), 0
	}
	return float64(hits) / float64(valid), valid
}

// Classify scores every cell of counts for each phase with marker pairs.
// A cell's score is the fraction of random permutations of its marker gene
// expression whose pair proportion is below the observed one. Cells are
// G1 when the G1 score exceeds 0.5 and the G2M score, G2M when the G2M
// score exceeds 0.5 and the G1 score, and S otherwise. Each cell draws from
// its own seeded stream, so results do not depend on parallelism.
func Classify(e *sce.Experiment, pairs Pairs, opts Opts) (*Result, error) {
	if opts.Iterations <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("cellcycle: iterations must be positive, got %d", opts.Iterations))
	}
	if len(pairs[G1]) == 0 || len(pairs[G2M]) == 0 {
		return nil, errors.E(errors.Precondition, "cellcycle: G1 and G2M marker pairs are required")
	}
	models, err := resolve(e, pairs)
	if err != nil {
		return nil, err
	}
	nCells := e.NCells()
	res := &Result{
		Phases:     make([]Phase, nCells),
		Scores:     map[Phase][]float64{},
		Normalized: map[Phase][]float64{},
	}
	for _, m := range models {
		res.Scores[m.phase] = make([]float64, nCells)
		res.Normalized[m.phase] = make([]float64, nCells)
	}
	err = shard.Each(nCells, opts.Parallelism, func(_ int, r shard.Range) error {
		var (
			col   matrix.Column
			dense = make([]float64, e.NGenes())
		)
		for j := r.Start; j < r.End; j++ {
			if err := e.Counts.Col(j, &col); err != nil {
				return err
			}
			for k, g := range col.Rows {
				dense[g] = col.Vals[k]
			}
			rng := stats.NewRand(opts.Seed, uint64(j))
			for _, m := range models {
				x := make([]float64, len(m.genes))
				for k, g := range m.genes {
					x[k] = dense[g]
				}
				obs, valid := proportion(x, m.pairs)
				if valid < opts.MinPairs || math.IsNaN(obs) {
					res.Scores[m.phase][j] = math.NaN()
					continue
				}
				below := 0
				for it := 0; it < opts.Iterations; it++ {
					rng.Shuffle(len(x), func(a, b int) { x[a], x[b] = x[b], x[a] })
					if p, _ := proportion(x, m.pairs); p < obs {
						below++
					}
				}
				res.Scores[m.phase][j] = float64(below) / float64(opts.Iterations)
			}
			for _, g := range col.Rows {
				dense[g] = 0
			}
			var total float64
			for _, m := range models {
				total += res.Scores[m.phase][j]
			}
			for _, m := range models {
				res.Normalized[m.phase][j] = res.Scores[m.phase][j] / total
			}
			res.Phases[j] = assign(res.Scores, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	n := res.Counts()
	log.Printf("cellcycle: %d G1, %d S, %d G2M and %d unscored cells", n[G1], n[S], n[G2M], n[Unknown])
	return res, nil
}

func assign(scores map[Phase][]float64, j int) Phase {
	g1s, ok1 := scores[G1]
	g2ms, ok2 := scores[G2M]
	if !ok1 || !ok2 {
		return Unknown
	}
	g1, g2m := g1s[j], g2ms[j]
	if math.IsNaN(g1) || math.IsNaN(g2m) {
		return Unknown
	}
	switch {
	case g1 > 0.5 && g1 > g2m:
		return G1
	case g2m > 0.5 && g2m > g1:
		return G2M
	}
	return S
}
