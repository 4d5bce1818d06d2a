package sce

import (
	"fmt"
	"strings"
)

// Logical is a three-valued boolean. NA marks a value that is undefined,
// for example a barcode that was never tested; it is never equivalent to
// False.
type Logical uint8

const (
	// False is a defined negative result.
	False Logical = iota
	// True is a defined positive result.
	True
	// NA is an undefined result.
	NA
)

// FromBool converts b to a defined Logical.
func FromBool(b bool) Logical {
	if b {
		return True
	}
	return False
}

// IsTrue reports whether l is defined and true. NA is not true.
func (l Logical) IsTrue() bool { return l == True }

// IsNA reports whether l is undefined.
func (l Logical) IsNA() bool { return l == NA }

// String renders l the way the tabular outputs do.
func (l Logical) String() string {
	switch l {
	case True:
		return "TRUE"
	case False:
		return "FALSE"
	default:
		return "NA"
	}
}

// ParseLogical parses TRUE/FALSE/NA, case-insensitively. T and F are also
// accepted.
func ParseLogical(s string) (Logical, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRUE", "T", "1":
		return True, nil
	case "FALSE", "F", "0":
		return False, nil
	case "NA", "":
		return NA, nil
	}
	return NA, fmt.Errorf("sce: cannot parse %q as a logical", s)
}

// CountTrue returns the number of defined true values.
func CountTrue(v []Logical) int {
	n := 0
	for _, l := range v {
		if l == True {
			n++
		}
	}
	return n
}

// CountNA returns the number of undefined values.
func CountNA(v []Logical) int {
	n := 0
	for _, l := range v {
		if l == NA {
			n++
		}
	}
	return n
}
