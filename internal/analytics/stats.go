// Package analytics computes funnel analyses: conversion, drop-off, cohort,
// timing, bottleneck, path, attribution, comparison, and live metrics.
//
// Statistics here are deliberately self-contained (stdlib math only) so the
// engine is portable: normal CDF via the Abramowitz & Stegun erf
// approximation, two-proportion z-tests, chi-square with low-df exact
// fallback, Benjamini-Hochberg correction, Pearson correlation, coefficient
// of variation, and Cohen's h effect size.
package analytics

import (
	"math"
	"sort"
)

// erf implements the Abramowitz & Stegun 7.1.26 approximation,
// maximum absolute error 1.5e-7.
func erf(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
		x = -x
	}

	const (
		a1 = 0.254829592
		a2 = -0.284496736
		a3 = 1.421413741
		a4 = -1.453152027
		a5 = 1.061405429
		p  = 0.3275911
	)

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return sign * y
}

// normalCDF returns P(Z <= z) for the standard normal distribution.
func normalCDF(z float64) float64 {
	return 0.5 * (1.0 + erf(z/math.Sqrt2))
}

// twoProportionZTest performs a pooled two-proportion z-test.
// Returns the z statistic and the two-tailed p-value. Degenerate inputs
// (empty samples or zero pooled variance) return z=0, p=1.
func twoProportionZTest(successes1, trials1, successes2, trials2 int64) (z, p float64) {
	if trials1 <= 0 || trials2 <= 0 {
		return 0, 1
	}

	p1 := float64(successes1) / float64(trials1)
	p2 := float64(successes2) / float64(trials2)
	pooled := float64(successes1+successes2) / float64(trials1+trials2)

	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(trials1) + 1/float64(trials2)))
	if se == 0 {
		return 0, 1
	}

	z = (p1 - p2) / se
	p = 2 * (1 - normalCDF(math.Abs(z)))

	// Floating point can push the tail slightly out of range.
	p = math.Min(math.Max(p, 0), 1)

	return z, p
}

// proportionDiffCI returns the 95% confidence interval on p1-p2 using the
// unpooled standard error.
func proportionDiffCI(successes1, trials1, successes2, trials2 int64) (low, high float64) {
	if trials1 <= 0 || trials2 <= 0 {
		return 0, 0
	}

	p1 := float64(successes1) / float64(trials1)
	p2 := float64(successes2) / float64(trials2)

	se := math.Sqrt(p1*(1-p1)/float64(trials1) + p2*(1-p2)/float64(trials2))
	diff := p1 - p2

	const z95 = 1.96

	return diff - z95*se, diff + z95*se
}

// cohensH computes Cohen's h effect size for two proportions.
func cohensH(p1, p2 float64) float64 {
	clamp := func(p float64) float64 { return math.Min(math.Max(p, 0), 1) }

	return 2*math.Asin(math.Sqrt(clamp(p1))) - 2*math.Asin(math.Sqrt(clamp(p2)))
}

// chiSquareTest runs a chi-square test of homogeneity over k funnels'
// (conversions, entries) pairs. df = k-1. Returns (statistic, df, p).
//
// The p-value uses exact forms for df <= 2 and the Wilson-Hilferty normal
// approximation above that, keeping the implementation dependency-free.
func chiSquareTest(conversions, entries []int64) (stat float64, df int, p float64) {
	k := len(entries)
	if k < 2 {
		return 0, 0, 1
	}

	var totalConv, totalEntries int64

	for i := range entries {
		totalConv += conversions[i]
		totalEntries += entries[i]
	}

	if totalEntries == 0 || totalConv == 0 || totalConv == totalEntries {
		return 0, k - 1, 1
	}

	overall := float64(totalConv) / float64(totalEntries)

	for i := range entries {
		if entries[i] == 0 {
			continue
		}

		expConv := overall * float64(entries[i])
		expFail := (1 - overall) * float64(entries[i])
		obsConv := float64(conversions[i])
		obsFail := float64(entries[i] - conversions[i])

		stat += (obsConv - expConv) * (obsConv - expConv) / expConv
		stat += (obsFail - expFail) * (obsFail - expFail) / expFail
	}

	df = k - 1

	return stat, df, chiSquareSurvival(stat, df)
}

// chiSquareSurvival returns P(X >= x) for a chi-square with df degrees of
// freedom.
func chiSquareSurvival(x float64, df int) float64 {
	if x <= 0 || df <= 0 {
		return 1
	}

	switch df {
	case 1:
		return 2 * (1 - normalCDF(math.Sqrt(x)))
	case 2:
		return math.Exp(-x / 2)
	default:
		// Wilson-Hilferty: (X/df)^(1/3) is approximately normal.
		d := float64(df)
		z := (math.Cbrt(x/d) - (1 - 2/(9*d))) / math.Sqrt(2/(9*d))

		return math.Min(math.Max(1-normalCDF(z), 0), 1)
	}
}

// benjaminiHochberg applies the Benjamini-Hochberg step-up correction and
// returns adjusted p-values in the original order.
func benjaminiHochberg(pvalues []float64) []float64 {
	n := len(pvalues)
	if n == 0 {
		return nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	sort.Slice(order, func(a, b int) bool { return pvalues[order[a]] < pvalues[order[b]] })

	adjusted := make([]float64, n)
	minSoFar := 1.0

	for rank := n - 1; rank >= 0; rank-- {
		idx := order[rank]
		candidate := pvalues[idx] * float64(n) / float64(rank+1)

		if candidate < minSoFar {
			minSoFar = candidate
		}

		adjusted[idx] = math.Min(minSoFar, 1)
	}

	return adjusted
}

// pearsonR computes the Pearson correlation coefficient between x and y.
// Returns 0 for degenerate inputs.
func pearsonR(x, y []float64) float64 {
	n := len(x)
	if n != len(y) || n < 2 {
		return 0
	}

	mx := mean(x)
	my := mean(y)

	var sxy, sxx, syy float64

	for i := range x {
		dx := x[i] - mx
		dy := y[i] - my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}

	if sxx == 0 || syy == 0 {
		return 0
	}

	return sxy / math.Sqrt(sxx*syy)
}

// coefficientOfVariation returns stddev/mean, or 0 when the mean is zero.
func coefficientOfVariation(values []float64) float64 {
	m := mean(values)
	if m == 0 {
		return 0
	}

	return stddev(values) / m
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// stddev is the population standard deviation.
func stddev(values []float64) float64 {
	n := len(values)
	if n < 2 {
		return 0
	}

	m := mean(values)

	var sum float64

	for _, v := range values {
		d := v - m
		sum += d * d
	}

	return math.Sqrt(sum / float64(n))
}

func median(values []float64) float64 {
	return percentile(values, 50)
}

// percentile returns the p-th percentile (0-100) with linear interpolation
// between closest ranks. The input does not need to be sorted.
func percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n == 1 {
		return sorted[0]
	}

	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))

	if lower == upper {
		return sorted[lower]
	}

	frac := rank - float64(lower)

	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// linearSlope fits y = a + b*x over x = 0..len(y)-1 and returns b.
func linearSlope(y []float64) float64 {
	n := len(y)
	if n < 2 {
		return 0
	}

	x := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
	}

	mx := mean(x)
	my := mean(y)

	var sxy, sxx float64

	for i := range y {
		sxy += (x[i] - mx) * (y[i] - my)
		sxx += (x[i] - mx) * (x[i] - mx)
	}

	if sxx == 0 {
		return 0
	}

	return sxy / sxx
}

// kendallTauA computes Kendall's tau-a rank agreement between two equal-length
// score slices. Bounded [-1, 1]; 0 for degenerate inputs.
func kendallTauA(a, b []float64) float64 {
	n := len(a)
	if n != len(b) || n < 2 {
		return 0
	}

	var concordant, discordant float64

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			da := a[i] - a[j]
			db := b[i] - b[j]

			product := da * db
			switch {
			case product > 0:
				concordant++
			case product < 0:
				discordant++
			}
		}
	}

	pairs := float64(n*(n-1)) / 2

	return (concordant - discordant) / pairs
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// round2 rounds to two decimal places; rate and percentage fields use it so
// JSON output stays stable.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// safeRate returns numerator/denominator*100, or 0 when the denominator is 0.
func safeRate(numerator, denominator int64) float64 {
	if denominator == 0 {
		return 0
	}

	return float64(numerator) / float64(denominator) * 100
}

// confidenceLevelForP buckets a p-value into the reported confidence levels.
func confidenceLevelForP(p float64) int {
	switch {
	case p < 0.01:
		return 99
	case p < 0.05:
		return 95
	case p < 0.1:
		return 90
	default:
		return 0
	}
}
