package analytics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/funnel"
)

// Comparison size bounds.
const (
	minComparisonFunnels = 2
	maxComparisonFunnels = 5
)

// Comparison validation sentinels.
var (
	// ErrTooFewFunnels is returned when a comparison names fewer than two
	// funnels.
	ErrTooFewFunnels = errors.New("comparison requires at least 2 funnels")

	// ErrTooManyFunnels is returned when a comparison exceeds the cap.
	ErrTooManyFunnels = errors.New("comparison accepts at most 5 funnels")

	// ErrInvalidABConfig is returned when the A/B test configuration is out
	// of range.
	ErrInvalidABConfig = errors.New("invalid ab test configuration")
)

type (
	// ABTestConfig configures winner declaration for a comparison.
	ABTestConfig struct {
		Name               string  `json:"name"`
		Hypothesis         string  `json:"hypothesis"`
		ConfidenceLevel    int     `json:"confidence_level"`     // 90 | 95 | 99
		MinimumSampleSize  int64   `json:"minimum_sample_size"`  // [100, 100000]
		ExpectedEffectSize float64 `json:"expected_effect_size"` // (0, 1]
	}

	// CompareRequest parameterizes a funnel comparison.
	CompareRequest struct {
		Scope            funnel.Scope
		FunnelIDs        []int64
		Window           TimeWindow
		BaselineFunnelID int64
		ABTest           *ABTestConfig
	}

	// CompareResult is the comparison response.
	CompareResult struct {
		Meta         Meta               `json:"meta"`
		ComparisonID string             `json:"comparison_id"`
		Funnels      []FunnelPerformance `json:"funnels"`
		Pairwise     []PairwiseTest     `json:"pairwise_tests"`
		Overall      OverallTest        `json:"overall_test"`
		ABOutcome    *ABOutcome         `json:"ab_test_outcome,omitempty"`
		Insights     []string           `json:"insights"`
	}

	// FunnelPerformance is one funnel's window performance with its rank.
	FunnelPerformance struct {
		FunnelID             string  `json:"funnel_id"`
		Name                 string  `json:"name"`
		Entries              int64   `json:"entries"`
		Conversions          int64   `json:"conversions"`
		ConversionRate       float64 `json:"conversion_rate"`
		AvgSecondsToConvert  float64 `json:"avg_seconds_to_convert"`
		MedianSecondsToConvert float64 `json:"median_seconds_to_convert"`
		Rank                 int     `json:"rank"`
		IsBaseline           bool    `json:"is_baseline"`
	}

	// PairwiseTest is one funnel pair's significance test.
	PairwiseTest struct {
		FunnelA        string  `json:"funnel_a"`
		FunnelB        string  `json:"funnel_b"`
		RateDifference float64 `json:"rate_difference"`
		ZScore         float64 `json:"z_score"`
		PValue         float64 `json:"p_value"`
		AdjustedPValue float64 `json:"adjusted_p_value"`
		CILow          float64 `json:"ci_low"`
		CIHigh         float64 `json:"ci_high"`
		EffectSize     float64 `json:"effect_size"`
		IsSignificant  bool    `json:"is_significant"`
	}

	// OverallTest is the chi-square test across all compared funnels.
	OverallTest struct {
		ChiSquare     float64 `json:"chi_square"`
		DegreesOfFreedom int  `json:"degrees_of_freedom"`
		PValue        float64 `json:"p_value"`
		IsSignificant bool    `json:"is_significant"`
	}

	// ABOutcome is the winner declaration for an A/B comparison.
	ABOutcome struct {
		TestName        string  `json:"test_name"`
		Status          string  `json:"status"` // winner_declared | continue_testing
		Winner          string  `json:"winner,omitempty"`
		LiftPercent     float64 `json:"lift_percent,omitempty"`
		PValue          float64 `json:"p_value"`
		SampleSize      int64   `json:"sample_size"`
		RequiredSample  int64   `json:"required_sample"`
		ConfidenceLevel int     `json:"confidence_level"`
	}

	// funnelSample is the raw per-funnel comparison input.
	funnelSample struct {
		id          int64
		name        string
		entries     int64
		conversions int64
		durations   []float64
	}
)

func (r *CompareRequest) validate() error {
	if len(r.FunnelIDs) < minComparisonFunnels {
		return fmt.Errorf("%w: got %d", ErrTooFewFunnels, len(r.FunnelIDs))
	}

	if len(r.FunnelIDs) > maxComparisonFunnels {
		return fmt.Errorf("%w: got %d", ErrTooManyFunnels, len(r.FunnelIDs))
	}

	if ab := r.ABTest; ab != nil {
		if ab.ConfidenceLevel != 90 && ab.ConfidenceLevel != 95 && ab.ConfidenceLevel != 99 {
			return fmt.Errorf("%w: confidence_level must be 90, 95, or 99", ErrInvalidABConfig)
		}

		if ab.MinimumSampleSize < 100 || ab.MinimumSampleSize > 100000 {
			return fmt.Errorf("%w: minimum_sample_size out of [100,100000]", ErrInvalidABConfig)
		}

		if ab.ExpectedEffectSize <= 0 || ab.ExpectedEffectSize > 1 {
			return fmt.Errorf("%w: expected_effect_size out of (0,1]", ErrInvalidABConfig)
		}
	}

	return nil
}

// comparisonID derives a deterministic identifier from the request shape.
func comparisonID(ids []int64, window TimeWindow) string {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var b strings.Builder

	for _, id := range sorted {
		fmt.Fprintf(&b, "%d,", id)
	}

	b.WriteString(window.Start.UTC().Format(time.RFC3339))
	b.WriteString("/")
	b.WriteString(window.End.UTC().Format(time.RFC3339))

	sum := sha256.Sum256([]byte(b.String()))

	return "cmp_" + hex.EncodeToString(sum[:8])
}

// Compare runs a multi-funnel comparison with optional A/B winner logic.
func (e *Engine) Compare(ctx context.Context, req *CompareRequest) (*CompareResult, error) {
	started := time.Now()

	if err := req.validate(); err != nil {
		return nil, err
	}

	if err := validateWindow(req.Window, maxWindowDaysExtended); err != nil {
		return nil, err
	}

	id := comparisonID(req.FunnelIDs, req.Window)
	key := cache.KeyFor("funnel:compare", map[string]string{
		"tenantId":     fmt.Sprintf("%d", req.Scope.TenantID),
		"workspaceId":  fmt.Sprintf("%d", req.Scope.WorkspaceID),
		"comparisonId": id,
	})

	if cached, ok := cache.Get[*CompareResult](e.cache, key); ok {
		out := *cached
		out.Meta.CacheHit = true
		out.Meta.ProcessingTimeMs = time.Since(started).Milliseconds()

		return &out, nil
	}

	samples := make([]funnelSample, 0, len(req.FunnelIDs))

	for _, fid := range req.FunnelIDs {
		res, err := e.resolveFunnel(ctx, req.Scope, fid)
		if err != nil {
			return nil, err
		}

		totals, err := e.repo.FunnelTotals(ctx, req.Scope, fid, req.Window)
		if err != nil {
			return nil, err
		}

		durations, err := e.repo.ConversionDurations(ctx, req.Scope, fid, req.Window)
		if err != nil {
			return nil, err
		}

		samples = append(samples, funnelSample{
			id:          fid,
			name:        res.funnel.Name,
			entries:     totals.Entries,
			conversions: totals.Conversions,
			durations:   durations,
		})
	}

	out := buildCompareResult(samples, req)
	out.ComparisonID = id

	out.Meta = newMeta(0, req.Window, cache.ClassPathAnalysis, started)
	cachePut(ctx, e.cache, key, out, cache.ClassPathAnalysis)

	return out, nil
}

func buildCompareResult(samples []funnelSample, req *CompareRequest) *CompareResult {
	out := &CompareResult{
		Funnels:  buildFunnelPerformances(samples, req.BaselineFunnelID),
		Pairwise: buildPairwiseTests(samples),
		Overall:  buildOverallTest(samples),
		Insights: []string{},
	}

	if req.ABTest != nil {
		out.ABOutcome = buildABOutcome(samples, req.ABTest)
	}

	out.Insights = buildCompareInsights(out)

	return out
}

func buildFunnelPerformances(samples []funnelSample, baselineID int64) []FunnelPerformance {
	out := make([]FunnelPerformance, 0, len(samples))

	for _, s := range samples {
		out = append(out, FunnelPerformance{
			FunnelID:               funnel.FormatFunnelID(s.id),
			Name:                   s.name,
			Entries:                s.entries,
			Conversions:            s.conversions,
			ConversionRate:         round2(safeRate(s.conversions, s.entries)),
			AvgSecondsToConvert:    round2(mean(s.durations)),
			MedianSecondsToConvert: round2(median(s.durations)),
			IsBaseline:             s.id == baselineID,
		})
	}

	ranked := make([]int, len(out))
	for i := range ranked {
		ranked[i] = i
	}

	sort.Slice(ranked, func(i, j int) bool {
		return out[ranked[i]].ConversionRate > out[ranked[j]].ConversionRate
	})

	for rank, idx := range ranked {
		out[idx].Rank = rank + 1
	}

	return out
}

func buildPairwiseTests(samples []funnelSample) []PairwiseTest {
	out := []PairwiseTest{}

	var rawP []float64

	for i := 0; i < len(samples); i++ {
		for j := i + 1; j < len(samples); j++ {
			a, b := samples[i], samples[j]
			z, p := twoProportionZTest(a.conversions, a.entries, b.conversions, b.entries)
			low, high := proportionDiffCI(a.conversions, a.entries, b.conversions, b.entries)

			pa := safeRate(a.conversions, a.entries)
			pb := safeRate(b.conversions, b.entries)

			out = append(out, PairwiseTest{
				FunnelA:        funnel.FormatFunnelID(a.id),
				FunnelB:        funnel.FormatFunnelID(b.id),
				RateDifference: round2(pa - pb),
				ZScore:         round2(z),
				PValue:         p,
				CILow:          round2(low * 100),
				CIHigh:         round2(high * 100),
				EffectSize:     round2(cohensH(pa/100, pb/100)),
			})

			rawP = append(rawP, p)
		}
	}

	adjusted := benjaminiHochberg(rawP)

	for i := range out {
		out[i].AdjustedPValue = adjusted[i]
		out[i].IsSignificant = adjusted[i] < 0.05
	}

	return out
}

func buildOverallTest(samples []funnelSample) OverallTest {
	successes := make([]int64, len(samples))
	totals := make([]int64, len(samples))

	for i, s := range samples {
		successes[i] = s.conversions
		totals[i] = s.entries
	}

	stat, df, p := chiSquareTest(successes, totals)

	return OverallTest{
		ChiSquare:        round2(stat),
		DegreesOfFreedom: df,
		PValue:           p,
		IsSignificant:    p < 0.05,
	}
}

func buildABOutcome(samples []funnelSample, cfg *ABTestConfig) *ABOutcome {
	alpha := map[int]float64{90: 0.1, 95: 0.05, 99: 0.01}[cfg.ConfidenceLevel]

	best := 0

	var totalSample int64

	for i, s := range samples {
		totalSample += s.entries

		if safeRate(s.conversions, s.entries) > safeRate(samples[best].conversions, samples[best].entries) {
			best = i
		}
	}

	// Test the best variant against the pooled rest.
	var restConv, restEntries int64

	for i, s := range samples {
		if i == best {
			continue
		}

		restConv += s.conversions
		restEntries += s.entries
	}

	b := samples[best]
	_, p := twoProportionZTest(b.conversions, b.entries, restConv, restEntries)

	out := &ABOutcome{
		TestName:        cfg.Name,
		Status:          "continue_testing",
		PValue:          p,
		SampleSize:      totalSample,
		RequiredSample:  cfg.MinimumSampleSize,
		ConfidenceLevel: cfg.ConfidenceLevel,
	}

	if p < alpha && totalSample >= cfg.MinimumSampleSize {
		out.Status = "winner_declared"
		out.Winner = funnel.FormatFunnelID(b.id)

		restRate := safeRate(restConv, restEntries)
		if restRate > 0 {
			out.LiftPercent = round2((safeRate(b.conversions, b.entries) - restRate) / restRate * 100)
		}
	}

	return out
}

func buildCompareInsights(r *CompareResult) []string {
	out := []string{}

	var top *FunnelPerformance

	for i := range r.Funnels {
		if r.Funnels[i].Rank == 1 {
			top = &r.Funnels[i]
		}
	}

	if top != nil {
		out = append(out, fmt.Sprintf("%s leads with a %.2f%% conversion rate", top.Name, top.ConversionRate))
	}

	if r.Overall.IsSignificant {
		out = append(out, fmt.Sprintf("Conversion rates differ significantly across funnels (chi-square p=%.4f)", r.Overall.PValue))
	} else {
		out = append(out, "No significant difference across funnels at the 95% level")
	}

	significant := 0

	for _, t := range r.Pairwise {
		if t.IsSignificant {
			significant++
		}
	}

	if significant > 0 {
		out = append(out, fmt.Sprintf("%d of %d pairwise differences remain significant after multiple-comparison correction", significant, len(r.Pairwise)))
	}

	if r.ABOutcome != nil && r.ABOutcome.Status == "winner_declared" {
		out = append(out, fmt.Sprintf("A/B test %q declared %s the winner with %.1f%% lift", r.ABOutcome.TestName, r.ABOutcome.Winner, r.ABOutcome.LiftPercent))
	}

	return out
}
