package drift

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaussianSample(n int, mean, stddev float64, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	for i := range out {
		out[i] = mean + stddev*rng.NormFloat64()
	}
	return out
}

func TestPSIIdenticalSamples(t *testing.T) {
	sample := gaussianSample(500, 10, 2, 1)
	assert.InDelta(t, 0, psi(sample, sample, 10), 1e-12)
}

func TestPSIDetectsShift(t *testing.T) {
	ref := gaussianSample(500, 10, 2, 1)
	shifted := gaussianSample(500, 14, 2, 2)
	assert.Greater(t, psi(ref, shifted, 10), 0.2)
}

func TestPSISmallShiftStaysSmall(t *testing.T) {
	ref := gaussianSample(500, 10, 2, 1)
	nudged := gaussianSample(500, 10.05, 2, 2)
	assert.Less(t, psi(ref, nudged, 10), 0.1)
}

func TestPSIIsNonNegative(t *testing.T) {
	ref := gaussianSample(200, 0, 1, 1)
	for seed := int64(2); seed < 10; seed++ {
		cand := gaussianSample(200, float64(seed), 1, seed)
		assert.GreaterOrEqual(t, psi(ref, cand, 10), 0.0)
	}
}

func TestPSIConstantReferenceCollapsesBins(t *testing.T) {
	ref := []float64{5, 5, 5, 5, 5, 5}

	// A single distinct reference value yields one edge and two bins.
	edges := quantileEdges(ref, 10)
	require.Len(t, edges, 1)
	assert.Equal(t, 5.0, edges[0])

	assert.InDelta(t, 0, psi(ref, []float64{5, 5, 5}, 10), 1e-12)
	assert.Greater(t, psi(ref, []float64{9, 9, 9}, 10), 1.0)
}

func TestQuantileEdgesEmptyReference(t *testing.T) {
	assert.Empty(t, quantileEdges(nil, 10))
	assert.Empty(t, quantileEdges([]float64{1, 2, 3}, 1))
}

func TestBinProportionsEdgeValues(t *testing.T) {
	edges := []float64{1, 2, 3}

	// A value equal to an edge belongs to the bin ending at that edge.
	props := binProportions([]float64{1, 2, 3}, edges)
	require.Len(t, props, 4)
	assert.Equal(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3, 0}, props)

	props = binProportions([]float64{0.5, 1.5, 2.5, 3.5}, edges)
	assert.Equal(t, []float64{0.25, 0.25, 0.25, 0.25}, props)
}

func TestWelchIdenticalSamples(t *testing.T) {
	sample := gaussianSample(100, 10, 2, 1)
	tStat, p := welchTTest(sample, sample)
	assert.InDelta(t, 0, tStat, 1e-12)
	assert.InDelta(t, 1, p, 1e-9)
}

func TestWelchDetectsMeanShift(t *testing.T) {
	a := gaussianSample(100, 10, 2, 1)
	b := gaussianSample(100, 12, 2, 2)
	tStat, p := welchTTest(a, b)
	assert.Less(t, p, 0.05)
	assert.Negative(t, tStat)
}

func TestWelchSameMeanHighPValue(t *testing.T) {
	a := gaussianSample(100, 10, 2, 1)
	b := gaussianSample(100, 10, 2, 2)
	_, p := welchTTest(a, b)
	assert.Greater(t, p, 0.05)
}

func TestWelchUnequalVariances(t *testing.T) {
	a := gaussianSample(50, 10, 1, 1)
	b := gaussianSample(200, 10, 8, 2)
	_, p := welchTTest(a, b)
	assert.GreaterOrEqual(t, p, 0.0)
	assert.LessOrEqual(t, p, 1.0)
}

func TestWelchConstantSamples(t *testing.T) {
	tStat, p := welchTTest([]float64{3, 3, 3}, []float64{3, 3, 3})
	assert.Equal(t, 0.0, tStat)
	assert.Equal(t, 1.0, p)

	tStat, p = welchTTest([]float64{3, 3, 3}, []float64{4, 4, 4})
	assert.True(t, math.IsInf(tStat, 1))
	assert.Equal(t, 0.0, p)
}
