package dimred

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// DenoisedRank returns the number of leading components to keep so that
// the variance in the discarded components, plus the variance never
// captured by any computed component, is as close as possible to techVar
// without falling below it. totalVar is the summed variance of all genes
// that entered the PCA. The result is clamped to [minRank, maxRank].
func DenoisedRank(varExplained []float64, totalVar, techVar float64, minRank, maxRank int) (int, error) {
	n := len(varExplained)
	if n == 0 {
		return 0, errors.E(errors.Precondition, "dimred: no components")
	}
	if minRank < 1 {
		minRank = 1
	}
	if maxRank <= 0 || maxRank > n {
		maxRank = n
	}
	if minRank > maxRank {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("dimred: min rank %d above max rank %d", minRank, maxRank))
	}
	var captured float64
	for _, v := range varExplained {
		captured += v
	}
	// Discarding components from the end, find the first point at which the
	// discarded variance exceeds the technical variance.
	discarded := totalVar - captured
	rank := 1
	for k := n - 1; k >= 0; k-- {
		discarded += varExplained[k]
		if discarded > techVar {
			rank = k + 1
			break
		}
	}
	if rank < minRank {
		rank = minRank
	}
	if rank > maxRank {
		rank = maxRank
	}
	log.Debug.Printf("dimred: denoised rank %d of %d (technical variance %.4g of %.4g)", rank, n, techVar, totalVar)
	return rank, nil
}
