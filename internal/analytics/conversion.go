package analytics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/funnel"
)

// Percentile estimation ratios applied to the mean when only the mean is
// available. Approximate by nature; responses carry estimation_method so
// consumers can tell estimates from true percentiles.
var meanPercentileRatios = map[string]float64{
	"p25": 0.75,
	"p50": 1.0,
	"p75": 1.25,
	"p90": 1.5,
	"p95": 1.8,
}

const (
	bottleneckDropOffThreshold = 50.0
	segmentSignificanceFloor   = 100
	movingAverageWindow        = 7
	trendBandPercentagePoints  = 0.1
)

type (
	// ConversionRequest parameterizes a conversion analysis.
	ConversionRequest struct {
		Scope             funnel.Scope
		FunnelID          int64
		Window            TimeWindow
		IncludeSegments   bool
		IncludeTimeSeries bool
		Granularity       Granularity
	}

	// ConversionResult is the full conversion analysis response.
	ConversionResult struct {
		Meta           Meta                `json:"meta"`
		Steps          []StepMetrics       `json:"step_metrics"`
		Overall        OverallMetrics      `json:"overall"`
		Segments       []SegmentMetrics    `json:"segments,omitempty"`
		TimeSeries     []TimeSeriesPoint   `json:"time_series,omitempty"`
		Significance   SignificanceResult  `json:"significance"`
		PeerComparison PeerComparison      `json:"peer_comparison"`
	}

	// StepMetrics is the per-step conversion profile.
	StepMetrics struct {
		StepOrder                  int      `json:"step_order"`
		Label                      string   `json:"label"`
		Type                       string   `json:"type"`
		TotalUsers                 int64    `json:"total_users"`
		ConversionRateFromPrevious float64  `json:"conversion_rate_from_previous"`
		ConversionRateFromStart    float64  `json:"conversion_rate_from_start"`
		DropOffRate                float64  `json:"drop_off_rate"`
		DropOffCount               int64    `json:"drop_off_count"`
		IsBottleneck               bool     `json:"is_bottleneck"`
		Severity                   string   `json:"severity"`
		AvgStepTimeSeconds         float64  `json:"avg_step_time_seconds"`
		MedianStepTimeSeconds      float64  `json:"median_step_time_seconds"`
		PercentileEstimates        map[string]float64 `json:"percentile_estimates"`
		EstimationMethod           string   `json:"estimation_method"`
	}

	// OverallMetrics are the headline funnel numbers for the window.
	OverallMetrics struct {
		TotalEntries            int64   `json:"total_entries"`
		TotalConversions        int64   `json:"total_conversions"`
		ConversionRate          float64 `json:"conversion_rate"`
		AvgTimeToConvertSeconds float64 `json:"avg_time_to_convert_seconds"`
		ConversionsPerHour      float64 `json:"conversions_per_hour"`
		EngagementScore         float64 `json:"engagement_score"`
	}

	// SegmentMetrics is one segment's conversion profile.
	SegmentMetrics struct {
		Dimension                string  `json:"dimension"`
		Segment                  string  `json:"segment"`
		Entries                  int64   `json:"entries"`
		Conversions              int64   `json:"conversions"`
		ConversionRate           float64 `json:"conversion_rate"`
		PerformanceVsAverage     float64 `json:"performance_vs_average"`
		ConfidenceIntervalLow    float64 `json:"confidence_interval_low"`
		ConfidenceIntervalHigh   float64 `json:"confidence_interval_high"`
		StatisticallySignificant bool    `json:"statistically_significant"`
	}

	// TimeSeriesPoint is one zero-filled bucket with trend annotations.
	TimeSeriesPoint struct {
		BucketStart    string  `json:"bucket_start"`
		Entries        int64   `json:"entries"`
		Conversions    int64   `json:"conversions"`
		ConversionRate float64 `json:"conversion_rate"`
		MovingAverage  float64 `json:"moving_average"`
		TrendDirection string  `json:"trend_direction"` // up | down | stable
	}

	// SignificanceResult compares the window against the immediately
	// preceding window of equal duration with a two-proportion z-test.
	SignificanceResult struct {
		CurrentEntries      int64   `json:"current_entries"`
		CurrentConversions  int64   `json:"current_conversions"`
		PreviousEntries     int64   `json:"previous_entries"`
		PreviousConversions int64   `json:"previous_conversions"`
		ImprovementPercent  float64 `json:"improvement_percent"`
		ZScore              float64 `json:"z_score"`
		PValue              float64 `json:"p_value"`
		IsSignificant       bool    `json:"is_significant"`
		ConfidenceLevel     int     `json:"confidence_level"`
	}

	// PeerComparison places this funnel among its workspace peers.
	PeerComparison struct {
		PeerCount      int     `json:"peer_count"`
		PeerAverage    float64 `json:"peer_average"`
		PercentileRank float64 `json:"percentile_rank"`
	}
)

// Conversion runs a conversion analysis with the standard cache envelope.
func (e *Engine) Conversion(ctx context.Context, req *ConversionRequest) (*ConversionResult, error) {
	started := time.Now()

	if req.Granularity == "" {
		req.Granularity = GranularityDaily
	}

	key := cache.ScopedKey("funnel:conversion", req.FunnelID, req.Scope.TenantID, req.Scope.WorkspaceID,
		windowParams(req.Window, map[string]string{
			"segments":    strconv.FormatBool(req.IncludeSegments),
			"timeSeries":  strconv.FormatBool(req.IncludeTimeSeries),
			"granularity": string(req.Granularity),
		}))

	if cached, ok := cache.Get[*ConversionResult](e.cache, key); ok {
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

	out, err := e.computeConversion(ctx, req, res)
	if err != nil {
		return nil, err
	}

	out.Meta = newMeta(req.FunnelID, req.Window, cache.ClassConversionMetrics, started)
	cachePut(ctx, e.cache, key, out, cache.ClassConversionMetrics)

	return out, nil
}

func (e *Engine) computeConversion(ctx context.Context, req *ConversionRequest, res *resolved) (*ConversionResult, error) {
	stepCount := len(res.steps)

	completions, err := e.repo.StepCompletions(ctx, req.Scope, req.FunnelID, stepCount, req.Window)
	if err != nil {
		return nil, err
	}

	timings, err := e.repo.StepTimings(ctx, req.Scope, req.FunnelID, stepCount, req.Window)
	if err != nil {
		return nil, err
	}

	aggregates, err := e.repo.TimingAggregates(ctx, req.Scope, req.FunnelID, req.Window)
	if err != nil {
		return nil, err
	}

	out := &ConversionResult{
		Steps:   buildStepMetrics(res.steps, completions, timings),
		Overall: buildOverallMetrics(completions, stepCount, aggregates),
	}

	if req.IncludeSegments {
		out.Segments, err = e.buildSegmentMetrics(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	if req.IncludeTimeSeries {
		buckets, tsErr := e.repo.ConversionTimeSeries(ctx, req.Scope, req.FunnelID, req.Window, req.Granularity)
		if tsErr != nil {
			return nil, tsErr
		}

		out.TimeSeries = buildTimeSeries(buckets)
	}

	significance, err := e.buildSignificance(ctx, req.Scope, req.FunnelID, req.Window)
	if err != nil {
		return nil, err
	}

	out.Significance = *significance

	peers, err := e.repo.PeerFunnelMetrics(ctx, req.Scope)
	if err != nil {
		// Peer comparison is enrichment; degrade rather than fail the analysis.
		e.logger.WarnContext(ctx, "Peer funnel metrics unavailable",
			slog.Int64("funnel_id", req.FunnelID),
			slog.String("error", err.Error()))
	} else {
		out.PeerComparison = buildPeerComparison(peers, req.FunnelID, out.Overall.ConversionRate)
	}

	return out, nil
}

func buildStepMetrics(steps []funnel.Step, completions []StepCompletion, timings []StepTiming) []StepMetrics {
	users := make([]int64, len(steps))
	for _, c := range completions {
		if c.StepOrder >= 0 && c.StepOrder < len(users) {
			users[c.StepOrder] = c.Users
		}
	}

	timingByStep := make(map[int]StepTiming, len(timings))
	for _, st := range timings {
		timingByStep[st.StepOrder] = st
	}

	entries := int64(0)
	if len(users) > 0 {
		entries = users[0]
	}

	out := make([]StepMetrics, len(steps))

	for i := range steps {
		m := StepMetrics{
			StepOrder:               steps[i].OrderIndex,
			Label:                   steps[i].Label,
			Type:                    string(steps[i].Type),
			TotalUsers:              users[i],
			ConversionRateFromStart: round2(safeRate(users[i], entries)),
			EstimationMethod:        "ratio_from_mean",
		}

		if i == 0 {
			m.ConversionRateFromPrevious = 100
			if entries == 0 {
				m.ConversionRateFromPrevious = 0
			}
		} else {
			m.ConversionRateFromPrevious = round2(safeRate(users[i], users[i-1]))
			m.DropOffCount = users[i-1] - users[i]
			m.DropOffRate = round2(safeRate(m.DropOffCount, users[i-1]))
		}

		m.IsBottleneck = m.DropOffRate > bottleneckDropOffThreshold
		m.Severity = dropOffSeverity(m.DropOffRate)

		if st, ok := timingByStep[steps[i].OrderIndex]; ok {
			m.AvgStepTimeSeconds = round2(st.AvgSecondsToNext)
			m.MedianStepTimeSeconds = round2(st.MedianSecondsToNext)
		}

		m.PercentileEstimates = make(map[string]float64, len(meanPercentileRatios))
		for p, ratio := range meanPercentileRatios {
			m.PercentileEstimates[p] = round2(m.AvgStepTimeSeconds * ratio)
		}

		out[i] = m
	}

	return out
}

// dropOffSeverity buckets a drop-off rate.
func dropOffSeverity(rate float64) string {
	switch {
	case rate > 75:
		return "critical"
	case rate > 60:
		return "high"
	case rate > 45:
		return "medium"
	default:
		return "low"
	}
}

func buildOverallMetrics(completions []StepCompletion, stepCount int, agg *TimingAggregates) OverallMetrics {
	var entries, conversions int64

	for _, c := range completions {
		if c.StepOrder == 0 {
			entries = c.Users
		}

		if c.StepOrder == stepCount-1 {
			conversions = c.Users
		}
	}

	rate := safeRate(conversions, entries)

	return OverallMetrics{
		TotalEntries:            entries,
		TotalConversions:        conversions,
		ConversionRate:          round2(rate),
		AvgTimeToConvertSeconds: round2(agg.AvgTimeToConvertSeconds),
		ConversionsPerHour:      round2(agg.ConversionsPerHour),
		EngagementScore:         round2(clamp(rate*10, 0, 100)),
	}
}

func (e *Engine) buildSegmentMetrics(ctx context.Context, req *ConversionRequest) ([]SegmentMetrics, error) {
	out := make([]SegmentMetrics, 0, 8)

	for _, dim := range []SegmentDimension{SegmentDeviceType, SegmentUTMSource} {
		rows, err := e.repo.SegmentConversions(ctx, req.Scope, req.FunnelID, req.Window, dim)
		if err != nil {
			return nil, err
		}

		var totalEntries, totalConversions int64

		for _, r := range rows {
			totalEntries += r.Entries
			totalConversions += r.Conversions
		}

		avgRate := safeRate(totalConversions, totalEntries)

		for _, r := range rows {
			rate := safeRate(r.Conversions, r.Entries)

			m := SegmentMetrics{
				Dimension:                string(dim),
				Segment:                  r.Segment,
				Entries:                  r.Entries,
				Conversions:              r.Conversions,
				ConversionRate:           round2(rate),
				ConfidenceIntervalLow:    round2(clamp(rate-5, 0, 100)),
				ConfidenceIntervalHigh:   round2(clamp(rate+5, 0, 100)),
				StatisticallySignificant: r.Entries > segmentSignificanceFloor,
			}

			if avgRate > 0 {
				m.PerformanceVsAverage = round2((rate - avgRate) / avgRate * 100)
			}

			out = append(out, m)
		}
	}

	return out, nil
}

func buildTimeSeries(buckets []TimeBucket) []TimeSeriesPoint {
	out := make([]TimeSeriesPoint, len(buckets))
	rates := make([]float64, len(buckets))

	for i, b := range buckets {
		rates[i] = safeRate(b.Conversions, b.Entries)
		out[i] = TimeSeriesPoint{
			BucketStart:    b.Start.UTC().Format(time.RFC3339),
			Entries:        b.Entries,
			Conversions:    b.Conversions,
			ConversionRate: round2(rates[i]),
		}
	}

	var prevMA float64

	for i := range out {
		lo := i - movingAverageWindow + 1
		if lo < 0 {
			lo = 0
		}

		ma := mean(rates[lo : i+1])
		out[i].MovingAverage = round2(ma)

		switch {
		case i == 0:
			out[i].TrendDirection = "stable"
		case ma-prevMA > trendBandPercentagePoints:
			out[i].TrendDirection = "up"
		case prevMA-ma > trendBandPercentagePoints:
			out[i].TrendDirection = "down"
		default:
			out[i].TrendDirection = "stable"
		}

		prevMA = ma
	}

	return out
}

func (e *Engine) buildSignificance(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow) (*SignificanceResult, error) {
	current, err := e.repo.FunnelTotals(ctx, scope, funnelID, window)
	if err != nil {
		return nil, err
	}

	previous, err := e.repo.FunnelTotals(ctx, scope, funnelID, window.Previous())
	if err != nil {
		return nil, err
	}

	z, p := twoProportionZTest(current.Conversions, current.Entries, previous.Conversions, previous.Entries)

	out := &SignificanceResult{
		CurrentEntries:      current.Entries,
		CurrentConversions:  current.Conversions,
		PreviousEntries:     previous.Entries,
		PreviousConversions: previous.Conversions,
		ZScore:              round2(z),
		PValue:              p,
		IsSignificant:       p < 0.05,
		ConfidenceLevel:     confidenceLevelForP(p),
	}

	prevRate := safeRate(previous.Conversions, previous.Entries)
	curRate := safeRate(current.Conversions, current.Entries)

	if prevRate > 0 {
		out.ImprovementPercent = round2((curRate - prevRate) / prevRate * 100)
	}

	return out, nil
}

func buildPeerComparison(peers []PeerFunnelMetric, funnelID int64, rate float64) PeerComparison {
	var rates []float64

	var below int

	for _, p := range peers {
		if p.FunnelID == funnelID {
			continue
		}

		rates = append(rates, p.ConversionRate)

		if p.ConversionRate < rate {
			below++
		}
	}

	out := PeerComparison{PeerCount: len(rates)}
	if len(rates) == 0 {
		return out
	}

	out.PeerAverage = round2(mean(rates))
	out.PercentileRank = round2(float64(below) / float64(len(rates)) * 100)

	return out
}
