// Package barcode corrects sequencing errors in cell barcodes against a
// whitelist of known barcodes.
package barcode

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

var alphabet = [256]bool{'A': true, 'C': true, 'G': true, 'T': true}

type snapEntry struct {
	known string
	edits int
	ok    bool
}

// SnapCorrector implements "snap" correction of cell barcodes. An observed
// barcode B is snappable if exactly one whitelisted barcode is closest to B
// in Levenshtein distance and that distance is at most MaxEdits.
//
// Whitelists hold hundreds of thousands of barcodes of length 12-16, so
// candidates are found through a segment index instead of enumerating every
// k-mer: with at most d edits, one of d+1 segments of the true barcode
// appears unchanged in the read, shifted by at most d.
type SnapCorrector struct {
	known    []string
	byName   map[string]bool
	k        int
	maxEdits int
	segments [][2]int           // [start, end) of each segment
	index    []map[string][]int // per segment: sequence -> known barcodes

	mu    sync.Mutex
	cache map[string]snapEntry
}

// NewSnapCorrector builds a corrector for the whitelist known. Barcodes
// must consist of ACGT and share one length.
func NewSnapCorrector(known []string, maxEdits int) (*SnapCorrector, error) {
	log.Debug.Printf("barcode: building snap correction index")
	if len(known) == 0 {
		return nil, errors.E(errors.Invalid, "barcode: empty whitelist")
	}
	if maxEdits < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("barcode: negative edit distance %d", maxEdits))
	}
	c := &SnapCorrector{
		byName:   make(map[string]bool, len(known)),
		k:        len(known[0]),
		maxEdits: maxEdits,
		cache:    map[string]snapEntry{},
	}
	if c.maxEdits >= c.k {
		c.maxEdits = c.k - 1
	}
	for _, bc := range known {
		bc = strings.ToUpper(bc)
		if len(bc) != c.k {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("barcode: %s has length %d, other barcodes have length %d", bc, len(bc), c.k))
		}
		for i := 0; i < len(bc); i++ {
			if !alphabet[bc[i]] {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("barcode: invalid base %c in %s", bc[i], bc))
			}
		}
		if !c.byName[bc] {
			c.byName[bc] = true
			c.known = append(c.known, bc)
		}
	}
	n := c.maxEdits + 1
	for s := 0; s < n; s++ {
		c.segments = append(c.segments, [2]int{s * c.k / n, (s + 1) * c.k / n})
	}
	c.index = make([]map[string][]int, n)
	for s, seg := range c.segments {
		c.index[s] = map[string][]int{}
		for i, bc := range c.known {
			key := bc[seg[0]:seg[1]]
			c.index[s][key] = append(c.index[s][key], i)
		}
	}
	log.Debug.Printf("barcode: indexed %d barcodes of length %d for up to %d edits", len(c.known), c.k, c.maxEdits)
	return c, nil
}

// Len returns the number of distinct whitelisted barcodes.
func (c *SnapCorrector) Len() int { return len(c.known) }

// Contains reports whether bc is whitelisted.
func (c *SnapCorrector) Contains(bc string) bool { return c.byName[strings.ToUpper(bc)] }

// Correct returns the whitelisted barcode that bc snaps to, the number of
// edits, and true; or bc, -1 and false when no unique barcode is within
// MaxEdits. downstream holds the read bases that follow the barcode and
// may be empty.
func (c *SnapCorrector) Correct(bc, downstream string) (corrected string, edits int, ok bool) {
	bc = strings.ToUpper(bc)
	if c.byName[bc] {
		return bc, 0, true
	}
	if len(bc) != c.k || c.maxEdits == 0 {
		return bc, -1, false
	}
	downstream = strings.ToUpper(downstream)
	if len(downstream) > c.maxEdits {
		downstream = downstream[:c.maxEdits]
	}
	key := bc + "|" + downstream
	c.mu.Lock()
	e, hit := c.cache[key]
	c.mu.Unlock()
	if !hit {
		e = c.snap(bc, downstream)
		c.mu.Lock()
		c.cache[key] = e
		c.mu.Unlock()
	}
	if !e.ok {
		return bc, -1, false
	}
	return e.known, e.edits, true
}

func (c *SnapCorrector) snap(bc, downstream string) snapEntry {
	ext := bc + downstream
	seen := map[int]bool{}
	var (
		aligner Aligner
		best    = c.maxEdits + 1
		winner  = -1
		ties    int
	)
	for s, seg := range c.segments {
		for off := -c.maxEdits; off <= c.maxEdits; off++ {
			start, end := seg[0]+off, seg[1]+off
			if start < 0 || end > len(ext) {
				continue
			}
			for _, i := range c.index[s][ext[start:end]] {
				if seen[i] {
					continue
				}
				seen[i] = true
				d := aligner.Distance(bc, c.known[i], downstream, "")
				switch {
				case d < best:
					best, winner, ties = d, i, 1
				case d == best:
					ties++
				}
			}
		}
	}
	if winner < 0 || ties > 1 {
		return snapEntry{}
	}
	return snapEntry{known: c.known[winner], edits: best, ok: true}
}

// ReadWhitelist reads one barcode per line from a possibly compressed
// file. Blank lines are skipped; 10x style "-1" suffixes are removed.
func ReadWhitelist(ctx context.Context, path string) (known []string, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if i := strings.IndexByte(line, '-'); i > 0 {
			line = line[:i]
		}
		known = append(known, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.E(errors.Invalid, err, fmt.Sprintf("barcode: reading %s", path))
	}
	log.Printf("barcode: read %d whitelisted barcodes from %s", len(known), path)
	return known, nil
}
