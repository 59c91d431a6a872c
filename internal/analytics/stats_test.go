package analytics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalCDF(t *testing.T) {
	tests := []struct {
		z    float64
		want float64
	}{
		{0, 0.5},
		{1.96, 0.975},
		{-1.96, 0.025},
		{3, 0.99865},
		{-3, 0.00135},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.want, normalCDF(tt.z), 1e-3, "z=%v", tt.z)
	}
}

func TestTwoProportionZTest(t *testing.T) {
	// 1000 entries / 50 conversions vs a previous 1000 / 25 (rate doubled).
	z, p := twoProportionZTest(50, 1000, 25, 1000)
	assert.InDelta(t, 2.93, math.Abs(z), 0.05)
	assert.Less(t, p, 0.01)

	// A/B: 100/2000 (5%) vs 140/2000 (7%) -> z ~ 2.65, p ~ 0.008.
	z, p = twoProportionZTest(140, 2000, 100, 2000)
	assert.InDelta(t, 2.65, math.Abs(z), 0.05)
	assert.InDelta(t, 0.008, p, 0.003)

	// Degenerate inputs.
	z, p = twoProportionZTest(0, 0, 5, 10)
	assert.Zero(t, z)
	assert.Equal(t, 1.0, p)

	_, p = twoProportionZTest(0, 100, 0, 100)
	assert.Equal(t, 1.0, p)
}

func TestProportionDiffCI(t *testing.T) {
	low, high := proportionDiffCI(140, 2000, 100, 2000)

	// Difference is 0.02; interval must straddle it symmetrically.
	assert.InDelta(t, 0.02, (low+high)/2, 1e-9)
	assert.Less(t, low, high)
	assert.Greater(t, low, 0.0, "significant difference excludes zero")
}

func TestCohensH(t *testing.T) {
	assert.Zero(t, cohensH(0.5, 0.5))
	assert.Greater(t, cohensH(0.07, 0.05), 0.0)
	assert.Less(t, cohensH(0.05, 0.07), 0.0)
	// Small-effect benchmark: h around 0.2 for 0.5 vs 0.4.
	assert.InDelta(t, 0.2, cohensH(0.5, 0.4), 0.01)
}

func TestChiSquareTest(t *testing.T) {
	stat, df, p := chiSquareTest([]int64{100, 140}, []int64{2000, 2000})
	assert.Equal(t, 1, df)
	assert.Greater(t, stat, 3.84, "should exceed the 0.05 critical value for df=1")
	assert.Less(t, p, 0.05)

	// Identical groups: no signal.
	_, _, p = chiSquareTest([]int64{100, 100}, []int64{2000, 2000})
	assert.InDelta(t, 1.0, p, 0.01)

	// Fewer than two groups.
	_, df, p = chiSquareTest([]int64{5}, []int64{100})
	assert.Zero(t, df)
	assert.Equal(t, 1.0, p)
}

func TestChiSquareSurvival(t *testing.T) {
	// Known critical values.
	assert.InDelta(t, 0.05, chiSquareSurvival(3.841, 1), 0.005)
	assert.InDelta(t, 0.05, chiSquareSurvival(5.991, 2), 0.005)
	assert.InDelta(t, 0.05, chiSquareSurvival(9.488, 4), 0.01)
	assert.Equal(t, 1.0, chiSquareSurvival(0, 3))
}

func TestBenjaminiHochberg(t *testing.T) {
	adjusted := benjaminiHochberg([]float64{0.01, 0.04, 0.03, 0.005})
	require.Len(t, adjusted, 4)

	// Monotonicity: adjusted values never fall below raw values.
	raw := []float64{0.01, 0.04, 0.03, 0.005}
	for i := range raw {
		assert.GreaterOrEqual(t, adjusted[i], raw[i])
		assert.LessOrEqual(t, adjusted[i], 1.0)
	}

	// Smallest raw p keeps the smallest adjusted p.
	assert.InDelta(t, 0.02, adjusted[3], 1e-9)
	assert.Nil(t, benjaminiHochberg(nil))
}

func TestPearsonR(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	up := []float64{2, 4, 6, 8, 10}
	down := []float64{10, 8, 6, 4, 2}

	assert.InDelta(t, 1.0, pearsonR(x, up), 1e-9)
	assert.InDelta(t, -1.0, pearsonR(x, down), 1e-9)
	assert.Zero(t, pearsonR(x, []float64{5, 5, 5, 5, 5}))
	assert.Zero(t, pearsonR(x, []float64{1, 2}))
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	assert.InDelta(t, 5.5, percentile(values, 50), 1e-9)
	assert.InDelta(t, 1.0, percentile(values, 0), 1e-9)
	assert.InDelta(t, 10.0, percentile(values, 100), 1e-9)
	assert.InDelta(t, 9.55, percentile(values, 95), 1e-9)
	assert.Zero(t, percentile(nil, 50))
	assert.Equal(t, 7.0, percentile([]float64{7}, 90))
}

func TestLinearSlope(t *testing.T) {
	assert.InDelta(t, 2.0, linearSlope([]float64{1, 3, 5, 7}), 1e-9)
	assert.InDelta(t, -1.0, linearSlope([]float64{9, 8, 7}), 1e-9)
	assert.Zero(t, linearSlope([]float64{4}))
}

func TestKendallTauA(t *testing.T) {
	assert.InDelta(t, 1.0, kendallTauA([]float64{1, 2, 3}, []float64{10, 20, 30}), 1e-9)
	assert.InDelta(t, -1.0, kendallTauA([]float64{1, 2, 3}, []float64{30, 20, 10}), 1e-9)
	assert.Zero(t, kendallTauA([]float64{1}, []float64{2}))
}

func TestCoefficientOfVariation(t *testing.T) {
	assert.Zero(t, coefficientOfVariation([]float64{5, 5, 5}))
	assert.Greater(t, coefficientOfVariation([]float64{1, 5, 9}), 0.2)
}

func TestConfidenceLevelForP(t *testing.T) {
	assert.Equal(t, 99, confidenceLevelForP(0.005))
	assert.Equal(t, 95, confidenceLevelForP(0.02))
	assert.Equal(t, 90, confidenceLevelForP(0.07))
	assert.Equal(t, 0, confidenceLevelForP(0.5))
}

func TestSafeRate(t *testing.T) {
	assert.Equal(t, 5.0, safeRate(50, 1000))
	assert.Zero(t, safeRate(50, 0))
}
