package count

/**
* MIT License
*
* Copyright (c) 2017 Broad Institute
*
* Permission is hereby granted, free of charge, to any person obtaining a copy
* of this software and associated documentation files (the "Software"), to deal
* in the Software without restriction, including without limitation the rights
* to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
* copies of the Software, and to permit persons to whom the Software is
* furnished to do so, subject to the following conditions:
*
* The above copyright notice and this permission notice shall be included in all
* copies or substantial portions of the Software.
*
* THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
* IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
* FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
* AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
* LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
* OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
* SOFTWARE.
 */

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

/**
 * Estimates the number of distinct molecules captured for a barcode from
 * the number of reads and the number of distinct UMIs observed.
 * Based on the Lander-Waterman equation that states:
 *   C/X = 1 - exp( -N/X )
 * where
 *   X = number of distinct molecules in the library
 *   N = number of reads
 *   C = number of distinct molecules observed
 * Without duplicate reads the library is unsaturated and the estimate is
 * undefined; NaN is returned.
 */
func EstimateComplexity(reads, unique uint64) (float64, error) {
	f := func(x, c, n float64) float64 {
		return c/x + math.Expm1(-n/x)
	}
	if unique > reads {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("count: %d distinct molecules from %d reads", unique, reads))
	}
	if reads == 0 || reads == unique {
		return math.NaN(), nil
	}
	n := float64(reads)
	c := float64(unique)
	m := 1.0
	M := 100.0
	if f(m*c, c, n) < 0 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("count: invalid values for reads and molecules: %v, %v", n, c))
	}
	// If c and n are large and almost equal, M can go to +Inf before f()
	// becomes negative.
	for f(M*c, c, n) >= 0 {
		M *= 10.0
		if math.IsInf(M, 1) {
			return 0, errors.E(errors.Precondition, fmt.Sprintf("count: could not bracket the complexity of (%v, %v)", reads, unique))
		}
	}
	for i := 0; i < 40; i++ {
		r := (m + M) / 2.0
		u := f(r*c, c, n)
		if u == 0 {
			break
		} else if u > 0 {
			m = r
		} else {
			M = r
		}
	}
	return math.Floor(c * (m + M) / 2.0), nil
}
