// Package mtx reads and writes MatrixMarket coordinate files, the sparse
// matrix format used by 10x-style count directories.
package mtx

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/grailbio/scrna/matrix"
	"github.com/pkg/errors"
)

const banner = "%%MatrixMarket"

// Header describes the first line of a MatrixMarket file.
type Header struct {
	Object   string // "matrix"
	Format   string // "coordinate"
	Field    string // "integer", "real" or "pattern"
	Symmetry string // "general"
}

func parseHeader(line string) (Header, error) {
	f := strings.Fields(line)
	if len(f) != 5 || f[0] != banner {
		return Header{}, errors.Errorf("mtx: bad banner %q", line)
	}
	h := Header{
		Object:   strings.ToLower(f[1]),
		Format:   strings.ToLower(f[2]),
		Field:    strings.ToLower(f[3]),
		Symmetry: strings.ToLower(f[4]),
	}
	if h.Object != "matrix" || h.Format != "coordinate" {
		return h, errors.Errorf("mtx: unsupported %s %s, only matrix coordinate is supported", h.Object, h.Format)
	}
	switch h.Field {
	case "integer", "real", "double", "pattern":
	default:
		return h, errors.Errorf("mtx: unsupported field %q", h.Field)
	}
	if h.Symmetry != "general" {
		return h, errors.Errorf("mtx: unsupported symmetry %q", h.Symmetry)
	}
	return h, nil
}

// Read parses a coordinate MatrixMarket stream. Indices are converted from
// 1-based to 0-based and duplicate coordinates are summed.
func Read(r io.Reader) (*matrix.CSC, Header, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	lineno := 0
	next := func() (string, bool) {
		for sc.Scan() {
			lineno++
			line := strings.TrimSpace(sc.Text())
			if line == "" || (lineno > 1 && strings.HasPrefix(line, "%")) {
				continue
			}
			return line, true
		}
		return "", false
	}

	line, ok := next()
	if !ok {
		return nil, Header{}, errors.Wrap(scanErr(sc), "mtx: empty input")
	}
	h, err := parseHeader(line)
	if err != nil {
		return nil, h, err
	}
	if line, ok = next(); !ok {
		return nil, h, errors.Wrap(scanErr(sc), "mtx: missing size line")
	}
	var rows, cols, nnz int
	if _, err := fmt.Sscanf(line, "%d %d %d", &rows, &cols, &nnz); err != nil {
		return nil, h, errors.Wrapf(err, "mtx: line %d: bad size line %q", lineno, line)
	}
	if rows < 0 || cols < 0 || nnz < 0 {
		return nil, h, errors.Errorf("mtx: line %d: negative size", lineno)
	}
	b := matrix.NewBuilder(rows, cols)
	for k := 0; k < nnz; k++ {
		if line, ok = next(); !ok {
			return nil, h, errors.Wrapf(scanErr(sc), "mtx: expected %d entries, found %d", nnz, k)
		}
		f := strings.Fields(line)
		want := 3
		if h.Field == "pattern" {
			want = 2
		}
		if len(f) != want {
			return nil, h, errors.Errorf("mtx: line %d: expected %d fields, got %q", lineno, want, line)
		}
		i, err := strconv.Atoi(f[0])
		if err != nil {
			return nil, h, errors.Wrapf(err, "mtx: line %d", lineno)
		}
		j, err := strconv.Atoi(f[1])
		if err != nil {
			return nil, h, errors.Wrapf(err, "mtx: line %d", lineno)
		}
		v := 1.0
		if want == 3 {
			if v, err = strconv.ParseFloat(f[2], 64); err != nil {
				return nil, h, errors.Wrapf(err, "mtx: line %d", lineno)
			}
		}
		if err := b.Add(i-1, j-1, v); err != nil {
			return nil, h, errors.Wrapf(err, "mtx: line %d", lineno)
		}
	}
	if _, ok = next(); ok {
		return nil, h, errors.Errorf("mtx: line %d: unexpected data after %d entries", lineno, nnz)
	}
	if err := sc.Err(); err != nil {
		return nil, h, errors.Wrap(err, "mtx: read")
	}
	return b.Build(), h, nil
}

func scanErr(sc *bufio.Scanner) error {
	if err := sc.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

// Write emits m as a general coordinate matrix. Values are written as
// integers when every stored value is integral.
func Write(w io.Writer, m matrix.Reader) error {
	rows, cols := m.Dims()
	csc, err := matrix.Materialize(m)
	if err != nil {
		return err
	}
	field := "integer"
	for _, v := range csc.Val {
		if v != float64(int64(v)) {
			field = "real"
			break
		}
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s matrix coordinate %s general\n", banner, field)
	fmt.Fprintf(bw, "%d %d %d\n", rows, cols, csc.Nnz())
	for j := 0; j < cols; j++ {
		ri, vals := csc.ColView(j)
		for k, i := range ri {
			if field == "integer" {
				fmt.Fprintf(bw, "%d %d %d\n", i+1, j+1, int64(vals[k]))
			} else {
				fmt.Fprintf(bw, "%d %d %s\n", i+1, j+1, strconv.FormatFloat(vals[k], 'g', -1, 64))
			}
		}
	}
	return bw.Flush()
}
