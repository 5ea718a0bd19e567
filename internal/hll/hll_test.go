package hll

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHLL_EstimateWithinErrorBound(t *testing.T) {
	h := New(DefaultPrecision)
	const n = 100000
	for i := uint64(0); i < n; i++ {
		h.Add(i)
	}
	est := float64(h.Estimate())
	errPct := math.Abs(est-n) / n
	assert.Less(t, errPct, 0.02, "estimate %v for true cardinality %d exceeds 2%% error", est, n)
}

func TestHLL_AddTiles_PacksOIDAndTile(t *testing.T) {
	h := New(DefaultPrecision)
	h.AddTiles(5, 200) // ceil(200/64) = 4 tiles
	assert.InDelta(t, 4, h.Estimate(), 2)
}

func TestHLL_Merge_TakesMax(t *testing.T) {
	a := New(8)
	b := New(8)
	for i := uint64(0); i < 50; i++ {
		a.Add(i)
	}
	for i := uint64(25); i < 100; i++ {
		b.Add(i)
	}
	a.Merge(b)

	direct := New(8)
	for i := uint64(0); i < 100; i++ {
		direct.Add(i)
	}
	assert.InDelta(t, direct.Estimate(), a.Estimate(), float64(direct.Estimate())*0.05+2)
}

func TestHLL_Merge_IncompatiblePrecisionIgnored(t *testing.T) {
	a := New(8)
	a.Add(1)
	before := a.Estimate()

	b := New(10)
	b.Add(2)
	a.Merge(b)
	assert.Equal(t, before, a.Estimate())
}

func TestHLL_Reset(t *testing.T) {
	h := New(8)
	for i := uint64(0); i < 1000; i++ {
		h.Add(i)
	}
	assert.NotZero(t, h.Estimate())
	h.Reset()
	assert.Equal(t, uint64(0), h.Estimate())
}

func TestHLL_Clone_Independent(t *testing.T) {
	h := New(8)
	h.Add(1)
	c := h.Clone()
	h.Add(2)
	assert.NotEqual(t, h.Estimate(), c.Estimate())
}
