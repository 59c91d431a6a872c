package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/funnel"
)

type (
	// CohortRequest parameterizes a cohort analysis.
	CohortRequest struct {
		Scope           funnel.Scope
		FunnelID        int64
		Window          TimeWindow
		Period          CohortPeriod
		IncludeSegments bool
	}

	// CohortResult is the cohort analysis response.
	CohortResult struct {
		Meta        Meta               `json:"meta"`
		Cohorts     []CohortMetrics    `json:"cohorts"`
		Retention   []RetentionCurve   `json:"retention_curves"`
		Segments    []SegmentCohort    `json:"segment_cohorts,omitempty"`
		Comparison  []CohortComparison `json:"cohort_comparison"`
		Insights    []CohortInsight    `json:"insights"`
	}

	// CohortMetrics is one cohort with its per-step progression.
	CohortMetrics struct {
		PeriodStart             string           `json:"period_start"`
		Size                    int64            `json:"size"`
		Conversions             int64            `json:"conversions"`
		ConversionRate          float64          `json:"conversion_rate"`
		AvgTimeToConvertMinutes float64          `json:"avg_time_to_convert_minutes"`
		StepProgression         []CohortStepRate `json:"step_progression"`
	}

	// CohortStepRate is one cohort's reach and step-to-step rate at a step.
	CohortStepRate struct {
		StepOrder          int     `json:"step_order"`
		Reached            int64   `json:"reached"`
		StepConversionRate float64 `json:"step_conversion_rate"`
	}

	// RetentionCurve is one cohort's liveness at period offsets 0..4, read
	// from last_step_at. Activity outside funnel steps is not visible to it.
	RetentionCurve struct {
		PeriodStart    string    `json:"period_start"`
		RetainedCounts []int64   `json:"retained_counts"`
		RetainedRates  []float64 `json:"retained_rates"`
	}

	// SegmentCohort is the dominant-attribute view of a cohort.
	SegmentCohort struct {
		PeriodStart  string           `json:"period_start"`
		DeviceSplit  map[string]int64 `json:"device_split"`
		SourceSplit  map[string]int64 `json:"source_split"`
		CountrySplit map[string]int64 `json:"country_split"`
	}

	// CohortComparison is one metric's cross-cohort statistical read.
	CohortComparison struct {
		Metric              string  `json:"metric"`
		BestCohort          string  `json:"best_cohort"`
		WorstCohort         string  `json:"worst_cohort"`
		TrendDirection      string  `json:"trend_direction"` // improving | declining | stable
		TrendStrength       float64 `json:"trend_strength"`
		Volatility          float64 `json:"volatility"`
		SignificantVariance bool    `json:"significant_variance"`
		PValue              float64 `json:"p_value"`
	}

	// CohortInsight is one human-readable observation.
	CohortInsight struct {
		Type     string `json:"type"`     // performance | trend | gap | variance
		Severity string `json:"severity"` // info | warning
		Message  string `json:"message"`
	}
)

// Cohorts runs a cohort analysis.
func (e *Engine) Cohorts(ctx context.Context, req *CohortRequest) (*CohortResult, error) {
	started := time.Now()

	if req.Period == "" {
		req.Period = CohortWeekly
	}

	key := cache.ScopedKey("funnel:cohorts", req.FunnelID, req.Scope.TenantID, req.Scope.WorkspaceID,
		windowParams(req.Window, map[string]string{
			"period":   string(req.Period),
			"segments": strconv.FormatBool(req.IncludeSegments),
		}))

	if cached, ok := cache.Get[*CohortResult](e.cache, key); ok {
		out := *cached
		out.Meta.CacheHit = true
		out.Meta.ProcessingTimeMs = time.Since(started).Milliseconds()

		return &out, nil
	}

	if err := validateWindow(req.Window, maxWindowDaysDefault); err != nil {
		return nil, err
	}

	res, err := e.resolveFunnel(ctx, req.Scope, req.FunnelID)
	if err != nil {
		return nil, err
	}

	cohorts, err := e.repo.CohortsByPeriod(ctx, req.Scope, req.FunnelID, req.Window, req.Period)
	if err != nil {
		return nil, err
	}

	progression, err := e.repo.CohortProgression(ctx, req.Scope, req.FunnelID, len(res.steps), req.Window, req.Period)
	if err != nil {
		return nil, err
	}

	retention, err := e.repo.RetentionCurves(ctx, req.Scope, req.FunnelID, req.Window, req.Period)
	if err != nil {
		return nil, err
	}

	out := &CohortResult{
		Cohorts:    buildCohortMetrics(cohorts, progression, len(res.steps)),
		Retention:  buildRetentionCurves(cohorts, retention),
		Comparison: []CohortComparison{},
		Insights:   []CohortInsight{},
	}

	if req.IncludeSegments {
		out.Segments = buildSegmentCohorts(cohorts)
	}

	if len(out.Cohorts) >= 2 {
		out.Comparison = buildCohortComparisons(out.Cohorts)
		out.Insights = buildCohortInsights(out.Cohorts, out.Comparison)
	}

	out.Meta = newMeta(req.FunnelID, req.Window, cache.ClassCohortAnalysis, started)
	cachePut(ctx, e.cache, key, out, cache.ClassCohortAnalysis)

	return out, nil
}

func buildCohortMetrics(cohorts []Cohort, progression []CohortStepProgress, stepCount int) []CohortMetrics {
	reached := make(map[time.Time][]int64, len(cohorts))

	for _, p := range progression {
		row, ok := reached[p.PeriodStart]
		if !ok {
			row = make([]int64, stepCount)
			reached[p.PeriodStart] = row
		}

		if p.StepOrder >= 0 && p.StepOrder < stepCount {
			row[p.StepOrder] = p.Reached
		}
	}

	out := make([]CohortMetrics, 0, len(cohorts))

	for _, c := range cohorts {
		m := CohortMetrics{
			PeriodStart:             c.PeriodStart.UTC().Format(time.RFC3339),
			Size:                    c.Size,
			Conversions:             c.Conversions,
			ConversionRate:          round2(safeRate(c.Conversions, c.Size)),
			AvgTimeToConvertMinutes: round2(c.AvgTimeToConvertMinutes),
		}

		row := reached[c.PeriodStart]
		for s := 0; s < stepCount; s++ {
			var got, prev int64
			if s < len(row) {
				got = row[s]
			}

			rate := 100.0

			if s > 0 {
				prev = row[s-1]
				rate = round2(safeRate(got, prev))
			} else if got == 0 {
				rate = 0
			}

			m.StepProgression = append(m.StepProgression, CohortStepRate{
				StepOrder:          s,
				Reached:            got,
				StepConversionRate: rate,
			})
		}

		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart < out[j].PeriodStart })

	return out
}

func buildRetentionCurves(cohorts []Cohort, points []RetentionPoint) []RetentionCurve {
	sizes := make(map[time.Time]int64, len(cohorts))
	for _, c := range cohorts {
		sizes[c.PeriodStart] = c.Size
	}

	const offsets = 5

	counts := make(map[time.Time][]int64, len(cohorts))

	for _, p := range points {
		row, ok := counts[p.PeriodStart]
		if !ok {
			row = make([]int64, offsets)
			counts[p.PeriodStart] = row
		}

		if p.Offset >= 0 && p.Offset < offsets {
			row[p.Offset] = p.Retained
		}
	}

	out := make([]RetentionCurve, 0, len(counts))

	for period, row := range counts {
		curve := RetentionCurve{
			PeriodStart:    period.UTC().Format(time.RFC3339),
			RetainedCounts: row,
			RetainedRates:  make([]float64, offsets),
		}

		for i, n := range row {
			curve.RetainedRates[i] = round2(safeRate(n, sizes[period]))
		}

		out = append(out, curve)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart < out[j].PeriodStart })

	return out
}

func buildSegmentCohorts(cohorts []Cohort) []SegmentCohort {
	out := make([]SegmentCohort, 0, len(cohorts))

	for _, c := range cohorts {
		out = append(out, SegmentCohort{
			PeriodStart:  c.PeriodStart.UTC().Format(time.RFC3339),
			DeviceSplit:  c.DeviceSplit,
			SourceSplit:  c.SourceSplit,
			CountrySplit: c.CountrySplit,
		})
	}

	return out
}

func buildCohortComparisons(cohorts []CohortMetrics) []CohortComparison {
	rates := make([]float64, len(cohorts))
	times := make([]float64, len(cohorts))
	sizes := make([]float64, len(cohorts))

	for i, c := range cohorts {
		rates[i] = c.ConversionRate
		times[i] = c.AvgTimeToConvertMinutes
		sizes[i] = float64(c.Size)
	}

	return []CohortComparison{
		compareCohortMetric("conversion_rate", cohorts, rates, sizes, true),
		compareCohortMetric("time_to_convert", cohorts, times, sizes, false),
	}
}

// compareCohortMetric builds a cross-cohort read for one metric. higherIsBetter
// flips best/worst and the trend label for duration metrics.
func compareCohortMetric(metric string, cohorts []CohortMetrics, values, sizes []float64, higherIsBetter bool) CohortComparison {
	best, worst := 0, 0

	for i, v := range values {
		if (higherIsBetter && v > values[best]) || (!higherIsBetter && v < values[best]) {
			best = i
		}

		if (higherIsBetter && v < values[worst]) || (!higherIsBetter && v > values[worst]) {
			worst = i
		}
	}

	idx := make([]float64, len(values))
	for i := range idx {
		idx[i] = float64(i)
	}

	r := pearsonR(idx, values)
	cv := coefficientOfVariation(values)

	improving := r > 0.3
	declining := r < -0.3

	if !higherIsBetter {
		improving, declining = declining, improving
	}

	trend := "stable"

	switch {
	case improving:
		trend = "improving"
	case declining:
		trend = "declining"
	}

	return CohortComparison{
		Metric:              metric,
		BestCohort:          cohorts[best].PeriodStart,
		WorstCohort:         cohorts[worst].PeriodStart,
		TrendDirection:      trend,
		TrendStrength:       round2(math.Abs(r)),
		Volatility:          round2(cv),
		SignificantVariance: cv > 0.2,
		PValue:              cohortVariancePValue(cv, mean(sizes)),
	}
}

// cohortVariancePValue is a simplified F-test style p-value derived from the
// coefficient of variation and the average cohort size. Heuristic and
// bounded, not a true posterior.
func cohortVariancePValue(cv, avgSize float64) float64 {
	if cv <= 0 || avgSize <= 0 {
		return 1
	}

	stat := cv * math.Sqrt(avgSize)

	return clamp(math.Exp(-stat/2), 0.001, 1)
}

func buildCohortInsights(cohorts []CohortMetrics, comparisons []CohortComparison) []CohortInsight {
	out := []CohortInsight{}

	rates := make([]float64, len(cohorts))
	for i, c := range cohorts {
		rates[i] = c.ConversionRate
	}

	avg := mean(rates)
	out = append(out, CohortInsight{
		Type:     "performance",
		Severity: "info",
		Message:  fmt.Sprintf("Average cohort conversion rate is %.2f%% across %d cohorts", avg, len(cohorts)),
	})

	third := len(rates) / 3
	if third >= 1 {
		early := mean(rates[:third])
		late := mean(rates[len(rates)-third:])

		switch {
		case late > early*1.05:
			out = append(out, CohortInsight{
				Type:     "trend",
				Severity: "info",
				Message:  fmt.Sprintf("Recent cohorts convert better than early ones (%.2f%% vs %.2f%%)", late, early),
			})
		case late < early*0.95:
			out = append(out, CohortInsight{
				Type:     "trend",
				Severity: "warning",
				Message:  fmt.Sprintf("Recent cohorts convert worse than early ones (%.2f%% vs %.2f%%)", late, early),
			})
		}
	}

	for _, cmp := range comparisons {
		if cmp.Metric != "conversion_rate" {
			continue
		}

		bestRate, worstRate := 0.0, 0.0

		for _, c := range cohorts {
			if c.PeriodStart == cmp.BestCohort {
				bestRate = c.ConversionRate
			}

			if c.PeriodStart == cmp.WorstCohort {
				worstRate = c.ConversionRate
			}
		}

		if bestRate-worstRate > 10 {
			out = append(out, CohortInsight{
				Type:     "gap",
				Severity: "warning",
				Message: fmt.Sprintf("Gap of %.2f percentage points between best (%s) and worst (%s) cohorts",
					bestRate-worstRate, cmp.BestCohort, cmp.WorstCohort),
			})
		}

		if cmp.SignificantVariance {
			out = append(out, CohortInsight{
				Type:     "variance",
				Severity: "warning",
				Message:  fmt.Sprintf("Conversion rate varies significantly across cohorts (CV %.2f)", cmp.Volatility),
			})
		}
	}

	return out
}
