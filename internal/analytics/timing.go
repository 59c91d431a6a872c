package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/funnel"
)

// Duration histogram buckets for full-conversion journeys, in order.
var durationBuckets = []struct {
	Label   string
	Seconds float64
}{
	{"0-5m", 5 * 60},
	{"5-15m", 15 * 60},
	{"15-30m", 30 * 60},
	{"30-60m", 60 * 60},
	{"1-24h", 24 * 60 * 60},
	{"1-7d", 7 * 24 * 60 * 60},
	{"7d+", math.Inf(1)},
}

type (
	// TimingRequest parameterizes a timing analysis.
	TimingRequest struct {
		Scope    funnel.Scope
		FunnelID int64
		Window   TimeWindow
		Period   CohortPeriod
	}

	// TimingResult is the timing analysis response.
	TimingResult struct {
		Meta           Meta                `json:"meta"`
		Distribution   TimingDistribution  `json:"distribution"`
		StepTimings    []StepTimingMetrics `json:"step_timings"`
		VelocityTrends []VelocityTrend     `json:"velocity_trends"`
		SegmentTimings []SegmentTimingRead `json:"segment_timings"`
		Bottlenecks    []TimingBottleneck  `json:"bottlenecks"`
		Insights       []TimingInsight     `json:"insights"`
	}

	// TimingDistribution summarizes full-conversion journey durations.
	TimingDistribution struct {
		SampleSize     int64              `json:"sample_size"`
		MeanSeconds    float64            `json:"mean_seconds"`
		StdDevSeconds  float64            `json:"std_dev_seconds"`
		MinSeconds     float64            `json:"min_seconds"`
		MaxSeconds     float64            `json:"max_seconds"`
		Percentiles    map[string]float64 `json:"percentiles"`
		BucketCounts   map[string]int64   `json:"bucket_counts"`
	}

	// StepTimingMetrics is one step's transition timing.
	StepTimingMetrics struct {
		StepOrder           int     `json:"step_order"`
		Label               string  `json:"label"`
		Users               int64   `json:"users"`
		AvgSecondsToNext    float64 `json:"avg_seconds_to_next"`
		MedianSecondsToNext float64 `json:"median_seconds_to_next"`
		P90SecondsToNext    float64 `json:"p90_seconds_to_next"`
		AbandonmentRate     float64 `json:"abandonment_rate"`
	}

	// VelocityTrend is one period's conversion speed read.
	VelocityTrend struct {
		PeriodStart    string  `json:"period_start"`
		Conversions    int64   `json:"conversions"`
		AvgSeconds     float64 `json:"avg_seconds"`
		MedianSeconds  float64 `json:"median_seconds"`
		VelocityScore  int     `json:"velocity_score"`
		TrendIndicator string  `json:"trend_indicator"` // improving | declining | stable
	}

	// SegmentTimingRead is one segment's speed vs the overall mean.
	SegmentTimingRead struct {
		Dimension            string  `json:"dimension"`
		Segment              string  `json:"segment"`
		Users                int64   `json:"users"`
		AvgSeconds           float64 `json:"avg_seconds"`
		PerformanceIndicator string  `json:"performance_indicator"` // fast | average | slow
	}

	// TimingBottleneck is an auto-detected slow or leaky step.
	TimingBottleneck struct {
		StepOrder int     `json:"step_order"`
		Label     string  `json:"label"`
		Type      string  `json:"type"`     // slow_progression | high_abandonment
		Severity  string  `json:"severity"` // medium | high
		Value     float64 `json:"value"`
	}

	// TimingInsight is one human-readable timing observation.
	TimingInsight struct {
		Type     string `json:"type"` // speed | bottleneck | velocity | segment
		Severity string `json:"severity"`
		Message  string `json:"message"`
	}
)

// Timing runs a timing analysis.
func (e *Engine) Timing(ctx context.Context, req *TimingRequest) (*TimingResult, error) {
	started := time.Now()

	if req.Period == "" {
		req.Period = CohortWeekly
	}

	key := cache.ScopedKey("funnel:timing", req.FunnelID, req.Scope.TenantID, req.Scope.WorkspaceID,
		windowParams(req.Window, map[string]string{"period": string(req.Period)}))

	if cached, ok := cache.Get[*TimingResult](e.cache, key); ok {
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

	durations, err := e.repo.ConversionDurations(ctx, req.Scope, req.FunnelID, req.Window)
	if err != nil {
		return nil, err
	}

	stepRows, err := e.repo.StepTimings(ctx, req.Scope, req.FunnelID, len(res.steps), req.Window)
	if err != nil {
		return nil, err
	}

	periodRows, err := e.repo.PeriodDurations(ctx, req.Scope, req.FunnelID, req.Window, req.Period)
	if err != nil {
		return nil, err
	}

	out := &TimingResult{
		Distribution:   buildTimingDistribution(durations),
		StepTimings:    buildStepTimingMetrics(res.steps, stepRows),
		VelocityTrends: buildVelocityTrends(periodRows),
		SegmentTimings: []SegmentTimingRead{},
	}

	overallMean := out.Distribution.MeanSeconds

	for _, dim := range []SegmentDimension{SegmentDeviceType, SegmentUTMSource, SegmentPlatform} {
		rows, segErr := e.repo.SegmentTimings(ctx, req.Scope, req.FunnelID, req.Window, dim)
		if segErr != nil {
			return nil, segErr
		}

		out.SegmentTimings = append(out.SegmentTimings, buildSegmentTimingReads(rows, overallMean)...)
	}

	out.Bottlenecks = detectTimingBottlenecks(out.StepTimings)
	out.Insights = buildTimingInsights(out)

	out.Meta = newMeta(req.FunnelID, req.Window, cache.ClassDailyMetrics, started)
	cachePut(ctx, e.cache, key, out, cache.ClassDailyMetrics)

	return out, nil
}

func buildTimingDistribution(durations []float64) TimingDistribution {
	out := TimingDistribution{
		SampleSize:   int64(len(durations)),
		Percentiles:  map[string]float64{},
		BucketCounts: map[string]int64{},
	}

	for _, b := range durationBuckets {
		out.BucketCounts[b.Label] = 0
	}

	if len(durations) == 0 {
		return out
	}

	sorted := append([]float64(nil), durations...)
	sort.Float64s(sorted)

	out.MeanSeconds = round2(mean(sorted))
	out.StdDevSeconds = round2(stddev(sorted))
	out.MinSeconds = round2(sorted[0])
	out.MaxSeconds = round2(sorted[len(sorted)-1])

	for _, p := range []float64{10, 25, 50, 75, 90, 95, 99} {
		out.Percentiles[fmt.Sprintf("p%d", int(p))] = round2(percentile(sorted, p))
	}

	for _, d := range sorted {
		for _, b := range durationBuckets {
			if d <= b.Seconds {
				out.BucketCounts[b.Label]++

				break
			}
		}
	}

	return out
}

func buildStepTimingMetrics(steps []funnel.Step, rows []StepTiming) []StepTimingMetrics {
	labels := stepLabels(steps)
	out := make([]StepTimingMetrics, 0, len(rows))

	for _, r := range rows {
		m := StepTimingMetrics{
			StepOrder:           r.StepOrder,
			Label:               labels[r.StepOrder],
			Users:               r.Users,
			AvgSecondsToNext:    round2(r.AvgSecondsToNext),
			MedianSecondsToNext: round2(r.MedianSecondsToNext),
			P90SecondsToNext:    round2(r.P90SecondsToNext),
		}

		if r.Users > 0 {
			m.AbandonmentRate = round2(float64(r.Users-r.Proceeded) / float64(r.Users) * 100)
		}

		out = append(out, m)
	}

	return out
}

// velocityScore maps average conversion time to a 0-100 score.
func velocityScore(avgSeconds float64) int {
	switch {
	case avgSeconds <= 5*60:
		return 100
	case avgSeconds <= 30*60:
		return 85
	case avgSeconds <= 60*60:
		return 70
	case avgSeconds <= 24*60*60:
		return 50
	default:
		return 25
	}
}

func buildVelocityTrends(rows []PeriodDurations) []VelocityTrend {
	out := make([]VelocityTrend, 0, len(rows))

	for i, r := range rows {
		t := VelocityTrend{
			PeriodStart:    r.PeriodStart.UTC().Format(time.RFC3339),
			Conversions:    r.Conversions,
			AvgSeconds:     round2(r.AvgSeconds),
			MedianSeconds:  round2(r.MedianSeconds),
			VelocityScore:  velocityScore(r.AvgSeconds),
			TrendIndicator: "stable",
		}

		if i > 0 && rows[i-1].AvgSeconds > 0 {
			change := (r.AvgSeconds - rows[i-1].AvgSeconds) / rows[i-1].AvgSeconds

			switch {
			case change < -0.1:
				t.TrendIndicator = "improving"
			case change > 0.1:
				t.TrendIndicator = "declining"
			}
		}

		out = append(out, t)
	}

	return out
}

func buildSegmentTimingReads(rows []SegmentTiming, overallMean float64) []SegmentTimingRead {
	out := make([]SegmentTimingRead, 0, len(rows))

	for _, r := range rows {
		read := SegmentTimingRead{
			Dimension:            string(r.Dimension),
			Segment:              r.Segment,
			Users:                r.Users,
			AvgSeconds:           round2(r.AvgSeconds),
			PerformanceIndicator: "average",
		}

		if overallMean > 0 {
			switch ratio := r.AvgSeconds / overallMean; {
			case ratio < 0.8:
				read.PerformanceIndicator = "fast"
			case ratio > 1.2:
				read.PerformanceIndicator = "slow"
			}
		}

		out = append(out, read)
	}

	return out
}

func detectTimingBottlenecks(steps []StepTimingMetrics) []TimingBottleneck {
	out := []TimingBottleneck{}

	var times, abandons []float64

	for _, s := range steps {
		times = append(times, s.AvgSecondsToNext)
		abandons = append(abandons, s.AbandonmentRate)
	}

	meanTime := mean(times)
	meanAbandon := mean(abandons)

	for _, s := range steps {
		if meanTime > 0 && s.AvgSecondsToNext > 2*meanTime {
			severity := "medium"
			if s.AvgSecondsToNext > 3*meanTime {
				severity = "high"
			}

			out = append(out, TimingBottleneck{
				StepOrder: s.StepOrder,
				Label:     s.Label,
				Type:      "slow_progression",
				Severity:  severity,
				Value:     s.AvgSecondsToNext,
			})
		}

		if s.AbandonmentRate > 1.5*meanAbandon && s.AbandonmentRate > 20 {
			out = append(out, TimingBottleneck{
				StepOrder: s.StepOrder,
				Label:     s.Label,
				Type:      "high_abandonment",
				Severity:  "high",
				Value:     s.AbandonmentRate,
			})
		}
	}

	return out
}

func buildTimingInsights(r *TimingResult) []TimingInsight {
	out := []TimingInsight{}

	if r.Distribution.SampleSize > 0 {
		out = append(out, TimingInsight{
			Type:     "speed",
			Severity: "info",
			Message: fmt.Sprintf("Median conversion takes %.1f minutes across %d journeys",
				r.Distribution.Percentiles["p50"]/60, r.Distribution.SampleSize),
		})
	}

	for _, b := range r.Bottlenecks {
		msg := fmt.Sprintf("Step %d (%s) shows %s", b.StepOrder, b.Label, b.Type)
		out = append(out, TimingInsight{Type: "bottleneck", Severity: "warning", Message: msg})
	}

	if n := len(r.VelocityTrends); n >= 3 {
		declining := 0

		for _, t := range r.VelocityTrends[n-3:] {
			if t.TrendIndicator == "declining" {
				declining++
			}
		}

		if declining >= 2 {
			out = append(out, TimingInsight{
				Type:     "velocity",
				Severity: "warning",
				Message:  "Conversion speed is declining in recent periods",
			})
		}
	}

	var slowest *SegmentTimingRead

	for i := range r.SegmentTimings {
		s := &r.SegmentTimings[i]
		if s.PerformanceIndicator == "slow" && (slowest == nil || s.AvgSeconds > slowest.AvgSeconds) {
			slowest = s
		}
	}

	if slowest != nil {
		out = append(out, TimingInsight{
			Type:     "segment",
			Severity: "info",
			Message: fmt.Sprintf("Segment %s=%s converts slowest at %.1f minutes on average",
				slowest.Dimension, slowest.Segment, slowest.AvgSeconds/60),
		})
	}

	return out
}
