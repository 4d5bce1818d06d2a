package cellcycle

import (
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Pair is a marker pair: within a cell in Phase, First tends to be
// expressed above Second.
type Pair struct {
	Phase         Phase
	First, Second string
}

// pairRow is the on-disk form of a Pair.
type pairRow struct {
	Phase  string `tsv:"phase"`
	First  string `tsv:"first"`
	Second string `tsv:"second"`
}

// Pairs holds the marker pairs of each scored phase.
type Pairs map[Phase][]Pair

// ReadPairs reads marker pairs from a TSV with the header
// "phase first second". Genes are named by ID or symbol.
func ReadPairs(r io.Reader) (Pairs, error) {
	tr := tsv.NewReader(r)
	tr.HasHeaderRow = true
	tr.UseHeaderNames = true
	tr.Comment = '#'
	pairs := Pairs{}
	for line := 2; ; line++ {
		var row pairRow
		if err := tr.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err, "cellcycle: reading marker pairs")
		}
		ph, err := ParsePhase(row.Phase)
		if err != nil {
			return nil, errors.E(errors.Invalid, err, fmt.Sprintf("cellcycle: line %d", line))
		}
		if row.First == "" || row.Second == "" || row.First == row.Second {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("cellcycle: line %d: malformed pair (%q, %q)", line, row.First, row.Second))
		}
		pairs[ph] = append(pairs[ph], Pair{Phase: ph, First: row.First, Second: row.Second})
	}
	return pairs, nil
}

// ReadPairsFile reads a possibly compressed marker pair file.
func ReadPairsFile(ctx context.Context, path string) (pairs Pairs, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	pairs, err = ReadPairs(r)
	if err == nil {
		log.Printf("cellcycle: read %d G1, %d S and %d G2M pairs from %s", len(pairs[G1]), len(pairs[S]), len(pairs[G2M]), path)
	}
	return pairs, err
}
