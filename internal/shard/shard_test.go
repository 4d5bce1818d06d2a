package shard

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		n, parts int
		want     []Range
	}{
		{0, 4, nil},
		{3, 8, []Range{{0, 1}, {1, 2}, {2, 3}}},
		{10, 3, []Range{{0, 3}, {3, 6}, {6, 10}}},
		{4, 1, []Range{{0, 4}}},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, Split(test.n, test.parts), "n=%d parts=%d", test.n, test.parts)
	}
}

func TestEachCoversAll(t *testing.T) {
	const n = 1001
	var seen [n]int32
	err := Each(n, 7, func(_ int, r Range) error {
		for i := r.Start; i < r.End; i++ {
			atomic.AddInt32(&seen[i], 1)
		}
		return nil
	})
	assert.NoError(t, err)
	for i := range seen {
		assert.EqualValues(t, 1, seen[i], "index %d", i)
	}
}
