package sce

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// Kind is the element type of a table column.
type Kind uint8

const (
	// FloatKind columns hold float64; NaN is NA.
	FloatKind Kind = iota
	// IntKind columns hold int.
	IntKind
	// StringKind columns hold string.
	StringKind
	// LogicalKind columns hold Logical.
	LogicalKind
)

func (k Kind) String() string {
	switch k {
	case FloatKind:
		return "float"
	case IntKind:
		return "int"
	case StringKind:
		return "string"
	case LogicalKind:
		return "logical"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Column is one named, typed column. Exactly one of the slices is in use,
// selected by Kind.
type Column struct {
	Name     string
	Kind     Kind
	Floats   []float64
	Ints     []int
	Strings  []string
	Logicals []Logical
}

func (c *Column) len() int {
	switch c.Kind {
	case FloatKind:
		return len(c.Floats)
	case IntKind:
		return len(c.Ints)
	case StringKind:
		return len(c.Strings)
	default:
		return len(c.Logicals)
	}
}

// Table is a column-oriented metadata table with a fixed number of rows.
// Column order is insertion order.
type Table struct {
	N       int
	Columns []Column
}

// NewTable returns an empty table with n rows.
func NewTable(n int) *Table { return &Table{N: n} }

// Len returns the number of rows.
func (t *Table) Len() int { return t.N }

// Names returns the column names in order.
func (t *Table) Names() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Lookup returns the named column.
func (t *Table) Lookup(name string) (*Column, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// Has reports whether the named column exists.
func (t *Table) Has(name string) bool {
	_, ok := t.Lookup(name)
	return ok
}

// Delete removes the named column if present.
func (t *Table) Delete(name string) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			t.Columns = append(t.Columns[:i], t.Columns[i+1:]...)
			return
		}
	}
}

func (t *Table) set(c Column) error {
	if n := c.len(); n != t.N {
		return errors.E(errors.Invalid, fmt.Sprintf("sce: column %q has %d values, table has %d rows", c.Name, n, t.N))
	}
	if old, ok := t.Lookup(c.Name); ok {
		*old = c
		return nil
	}
	t.Columns = append(t.Columns, c)
	return nil
}

// SetFloat adds or replaces a float column. The slice is not copied.
func (t *Table) SetFloat(name string, v []float64) error {
	return t.set(Column{Name: name, Kind: FloatKind, Floats: v})
}

// SetInt adds or replaces an int column.
func (t *Table) SetInt(name string, v []int) error {
	return t.set(Column{Name: name, Kind: IntKind, Ints: v})
}

// SetString adds or replaces a string column.
func (t *Table) SetString(name string, v []string) error {
	return t.set(Column{Name: name, Kind: StringKind, Strings: v})
}

// SetLogical adds or replaces a logical column.
func (t *Table) SetLogical(name string, v []Logical) error {
	return t.set(Column{Name: name, Kind: LogicalKind, Logicals: v})
}

func (t *Table) typed(name string, kind Kind) (*Column, error) {
	c, ok := t.Lookup(name)
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("sce: no column %q", name))
	}
	if c.Kind != kind {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("sce: column %q is %v, not %v", name, c.Kind, kind))
	}
	return c, nil
}

// Float returns the named float column.
func (t *Table) Float(name string) ([]float64, error) {
	c, err := t.typed(name, FloatKind)
	if err != nil {
		return nil, err
	}
	return c.Floats, nil
}

// Int returns the named int column.
func (t *Table) Int(name string) ([]int, error) {
	c, err := t.typed(name, IntKind)
	if err != nil {
		return nil, err
	}
	return c.Ints, nil
}

// Strings returns the named string column.
func (t *Table) Strings(name string) ([]string, error) {
	c, err := t.typed(name, StringKind)
	if err != nil {
		return nil, err
	}
	return c.Strings, nil
}

// Logical returns the named logical column.
func (t *Table) Logical(name string) ([]Logical, error) {
	c, err := t.typed(name, LogicalKind)
	if err != nil {
		return nil, err
	}
	return c.Logicals, nil
}

// Subset returns a new table holding rows idx, in order.
func (t *Table) Subset(idx []int) *Table {
	s := &Table{N: len(idx), Columns: make([]Column, len(t.Columns))}
	for ci, c := range t.Columns {
		n := Column{Name: c.Name, Kind: c.Kind}
		switch c.Kind {
		case FloatKind:
			n.Floats = make([]float64, len(idx))
			for k, i := range idx {
				n.Floats[k] = c.Floats[i]
			}
		case IntKind:
			n.Ints = make([]int, len(idx))
			for k, i := range idx {
				n.Ints[k] = c.Ints[i]
			}
		case StringKind:
			n.Strings = make([]string, len(idx))
			for k, i := range idx {
				n.Strings[k] = c.Strings[i]
			}
		case LogicalKind:
			n.Logicals = make([]Logical, len(idx))
			for k, i := range idx {
				n.Logicals[k] = c.Logicals[i]
			}
		}
		s.Columns[ci] = n
	}
	return s
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	idx := make([]int, t.N)
	for i := range idx {
		idx[i] = i
	}
	return t.Subset(idx)
}

// Cell renders row i of the named column as text, with NA for undefined
// values.
func (c *Column) Cell(i int) string {
	switch c.Kind {
	case FloatKind:
		if math.IsNaN(c.Floats[i]) {
			return "NA"
		}
		return fmt.Sprintf("%g", c.Floats[i])
	case IntKind:
		return fmt.Sprintf("%d", c.Ints[i])
	case StringKind:
		return c.Strings[i]
	default:
		return c.Logicals[i].String()
	}
}

// Equal reports whether t and o have the same columns in the same order
// with identical values. NaN equals NaN.
func (t *Table) Equal(o *Table) bool {
	if t.N != o.N || len(t.Columns) != len(o.Columns) {
		return false
	}
	for i := range t.Columns {
		a, b := &t.Columns[i], &o.Columns[i]
		if a.Name != b.Name || a.Kind != b.Kind {
			return false
		}
		for r := 0; r < t.N; r++ {
			switch a.Kind {
			case FloatKind:
				x, y := a.Floats[r], b.Floats[r]
				if x != y && !(math.IsNaN(x) && math.IsNaN(y)) {
					return false
				}
			case IntKind:
				if a.Ints[r] != b.Ints[r] {
					return false
				}
			case StringKind:
				if a.Strings[r] != b.Strings[r] {
					return false
				}
			case LogicalKind:
				if a.Logicals[r] != b.Logicals[r] {
					return false
				}
			}
		}
	}
	return true
}
