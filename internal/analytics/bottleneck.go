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

// Sensitivity presets for bottleneck detection.
type Sensitivity string

// Sensitivity levels.
const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// sensitivityPreset is the detection threshold triple for one sensitivity.
type sensitivityPreset struct {
	MinDropPct         float64
	MinTimeIncreasePct float64
	PThreshold         float64
}

var sensitivityPresets = map[Sensitivity]sensitivityPreset{
	SensitivityLow:    {MinDropPct: 25, MinTimeIncreasePct: 50, PThreshold: 0.01},
	SensitivityMedium: {MinDropPct: 15, MinTimeIncreasePct: 30, PThreshold: 0.05},
	SensitivityHigh:   {MinDropPct: 10, MinTimeIncreasePct: 20, PThreshold: 0.1},
}

// Bottleneck detection window bounds.
const (
	defaultTimeWindowHours      = 24
	maxTimeWindowHours          = 168
	defaultComparisonPeriodDays = 7
	maxComparisonPeriodDays     = 30
)

type (
	// BottleneckRequest parameterizes bottleneck detection.
	BottleneckRequest struct {
		Scope                funnel.Scope
		FunnelID             int64
		TimeWindowHours      int
		ComparisonPeriodDays int
		Sensitivity          Sensitivity
		Now                  time.Time // zero means time.Now
	}

	// BottleneckResult is the bottleneck detection response.
	BottleneckResult struct {
		Meta            Meta                       `json:"meta"`
		ConversionDrops []ConversionDropBottleneck `json:"conversion_drops"`
		TimeStuck       []TimeStuckBottleneck      `json:"time_stuck"`
		Anomalies       []Anomaly                  `json:"anomalies"`
		Recommendations []BottleneckRecommendation `json:"recommendations"`
	}

	// ConversionDropBottleneck is a step whose rate dropped against baseline.
	ConversionDropBottleneck struct {
		StepOrder       int     `json:"step_order"`
		Label           string  `json:"label"`
		CurrentRate     float64 `json:"current_rate"`
		HistoricalRate  float64 `json:"historical_rate"`
		DropPercentage  float64 `json:"drop_percentage"`
		AffectedUsers   int64   `json:"affected_users"`
		PValue          float64 `json:"p_value"`
		Severity        string  `json:"severity"`
		ConfidenceScore float64 `json:"confidence_score"`
	}

	// TimeStuckBottleneck is a step whose completion time regressed.
	TimeStuckBottleneck struct {
		StepOrder         int     `json:"step_order"`
		Label             string  `json:"label"`
		CurrentAvgSeconds float64 `json:"current_avg_seconds"`
		BaselineSeconds   float64 `json:"baseline_seconds"`
		IncreasePercent   float64 `json:"increase_percent"`
	}

	// Anomaly is one detected irregularity in the hourly conversion series.
	Anomaly struct {
		Type              string   `json:"type"` // sudden_drop | gradual_decline | spike
		StartBucket       string   `json:"start_bucket"`
		EndBucket         string   `json:"end_bucket"`
		Magnitude         float64  `json:"magnitude"`
		ConfidenceScore   float64  `json:"confidence_score"`
		ContextualFactors []string `json:"contextual_factors"`
	}

	// BottleneckRecommendation is one automated remediation suggestion.
	BottleneckRecommendation struct {
		Type               string  `json:"type"`     // conversion_drop | time_stuck | anomaly
		Category           string  `json:"category"` // ux | technical
		StepOrder          int     `json:"step_order"`
		Suggestion         string  `json:"suggestion"`
		ExpectedLiftPct    float64 `json:"expected_lift_pct"`
		ConfidenceLevel    float64 `json:"confidence_level"`
	}
)

// normalize clamps window knobs into their documented ranges and fills
// defaults.
func (r *BottleneckRequest) normalize() {
	if r.TimeWindowHours <= 0 {
		r.TimeWindowHours = defaultTimeWindowHours
	}

	if r.TimeWindowHours > maxTimeWindowHours {
		r.TimeWindowHours = maxTimeWindowHours
	}

	if r.ComparisonPeriodDays <= 0 {
		r.ComparisonPeriodDays = defaultComparisonPeriodDays
	}

	if r.ComparisonPeriodDays > maxComparisonPeriodDays {
		r.ComparisonPeriodDays = maxComparisonPeriodDays
	}

	if _, ok := sensitivityPresets[r.Sensitivity]; !ok {
		r.Sensitivity = SensitivityMedium
	}

	if r.Now.IsZero() {
		r.Now = time.Now().UTC()
	}
}

// Bottlenecks detects recent regressions against a historical baseline.
func (e *Engine) Bottlenecks(ctx context.Context, req *BottleneckRequest) (*BottleneckResult, error) {
	started := time.Now()
	req.normalize()

	current := TimeWindow{
		Start: req.Now.Add(-time.Duration(req.TimeWindowHours) * time.Hour),
		End:   req.Now,
	}
	historical := TimeWindow{
		Start: current.Start.AddDate(0, 0, -req.ComparisonPeriodDays),
		End:   current.Start,
	}

	key := cache.ScopedKey("funnel:live:bottlenecks", req.FunnelID, req.Scope.TenantID, req.Scope.WorkspaceID,
		map[string]string{
			"windowHours":    strconv.Itoa(req.TimeWindowHours),
			"comparisonDays": strconv.Itoa(req.ComparisonPeriodDays),
			"sensitivity":    string(req.Sensitivity),
		})

	if cached, ok := cache.Get[*BottleneckResult](e.cache, key); ok {
		out := *cached
		out.Meta.CacheHit = true
		out.Meta.ProcessingTimeMs = time.Since(started).Milliseconds()

		return &out, nil
	}

	res, err := e.resolveFunnel(ctx, req.Scope, req.FunnelID)
	if err != nil {
		return nil, err
	}

	currentStats, err := e.repo.StepWindowStats(ctx, req.Scope, req.FunnelID, len(res.steps), current)
	if err != nil {
		return nil, err
	}

	historicalStats, err := e.repo.StepWindowStats(ctx, req.Scope, req.FunnelID, len(res.steps), historical)
	if err != nil {
		return nil, err
	}

	baseline, err := e.repo.ConversionTimeSeries(ctx, req.Scope, req.FunnelID, historical, GranularityHourly)
	if err != nil {
		return nil, err
	}

	series, err := e.repo.ConversionTimeSeries(ctx, req.Scope, req.FunnelID, current, GranularityHourly)
	if err != nil {
		return nil, err
	}

	preset := sensitivityPresets[req.Sensitivity]

	out := &BottleneckResult{
		ConversionDrops: detectConversionDrops(res.steps, currentStats, historicalStats, preset),
		TimeStuck:       detectTimeStuck(res.steps, currentStats, historicalStats, preset),
		Anomalies:       detectAnomalies(baseline, series),
	}

	out.Recommendations = buildBottleneckRecommendations(out)

	out.Meta = newMeta(req.FunnelID, current, cache.ClassLiveMetrics, started)
	cachePut(ctx, e.cache, key, out, cache.ClassLiveMetrics)

	return out, nil
}

func detectConversionDrops(steps []funnel.Step, current, historical []StepWindowStat, preset sensitivityPreset) []ConversionDropBottleneck {
	labels := stepLabels(steps)
	histByStep := statByStep(historical)

	out := []ConversionDropBottleneck{}

	for _, cur := range current {
		hist, ok := histByStep[cur.StepOrder]
		if !ok || cur.Entries == 0 || hist.Entries == 0 {
			continue
		}

		curRate := safeRate(cur.Completions, cur.Entries)
		histRate := safeRate(hist.Completions, hist.Entries)

		if histRate == 0 || curRate >= histRate {
			continue
		}

		dropPct := (histRate - curRate) / histRate * 100
		_, p := twoProportionZTest(cur.Completions, cur.Entries, hist.Completions, hist.Entries)

		if dropPct < preset.MinDropPct || p > preset.PThreshold {
			continue
		}

		affected := cur.Entries - cur.Completions
		impact := dropPct * math.Log10(math.Max(float64(affected), 10))

		out = append(out, ConversionDropBottleneck{
			StepOrder:       cur.StepOrder,
			Label:           labels[cur.StepOrder],
			CurrentRate:     round2(curRate),
			HistoricalRate:  round2(histRate),
			DropPercentage:  round2(dropPct),
			AffectedUsers:   affected,
			PValue:          p,
			Severity:        impactSeverity(impact),
			ConfidenceScore: round2((1 - p) * 100),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DropPercentage > out[j].DropPercentage })

	return out
}

// impactSeverity buckets the drop-times-log-reach impact score.
func impactSeverity(impact float64) string {
	switch {
	case impact > 150:
		return "critical"
	case impact > 75:
		return "high"
	case impact > 25:
		return "medium"
	default:
		return "low"
	}
}

func detectTimeStuck(steps []funnel.Step, current, historical []StepWindowStat, preset sensitivityPreset) []TimeStuckBottleneck {
	labels := stepLabels(steps)
	histByStep := statByStep(historical)

	out := []TimeStuckBottleneck{}

	for _, cur := range current {
		hist, ok := histByStep[cur.StepOrder]
		if !ok || hist.AvgSecondsToComplete <= 0 {
			continue
		}

		threshold := hist.AvgSecondsToComplete * (1 + preset.MinTimeIncreasePct/100)
		if cur.AvgSecondsToComplete <= threshold {
			continue
		}

		out = append(out, TimeStuckBottleneck{
			StepOrder:         cur.StepOrder,
			Label:             labels[cur.StepOrder],
			CurrentAvgSeconds: round2(cur.AvgSecondsToComplete),
			BaselineSeconds:   round2(hist.AvgSecondsToComplete),
			IncreasePercent:   round2((cur.AvgSecondsToComplete - hist.AvgSecondsToComplete) / hist.AvgSecondsToComplete * 100),
		})
	}

	return out
}

func statByStep(stats []StepWindowStat) map[int]StepWindowStat {
	out := make(map[int]StepWindowStat, len(stats))
	for _, s := range stats {
		out[s.StepOrder] = s
	}

	return out
}

// detectAnomalies runs statistical process control with control limits from
// the baseline series, then rolling-slope trend detection on the current one.
func detectAnomalies(baseline, series []TimeBucket) []Anomaly {
	out := []Anomaly{}

	rates := make([]float64, len(series))
	for i, b := range series {
		rates[i] = safeRate(b.Conversions, b.Entries)
	}

	baseRates := make([]float64, len(baseline))
	for i, b := range baseline {
		baseRates[i] = safeRate(b.Conversions, b.Entries)
	}

	if len(baseRates) >= 2 && len(series) > 0 {
		out = append(out, spcAnomalies(series, rates, mean(baseRates), stddev(baseRates))...)
	}

	out = append(out, trendAnomalies(series, rates)...)

	return out
}

// spcAnomalies flags runs of points outside the ±3 sigma control limits.
// Consecutive out-of-control points of length 2 or more collapse into one
// anomaly.
func spcAnomalies(series []TimeBucket, rates []float64, center, sigma float64) []Anomaly {
	if sigma <= 0 {
		return nil
	}

	lower := center - 3*sigma
	upper := center + 3*sigma

	var out []Anomaly

	runStart := -1

	flush := func(end int) {
		if runStart < 0 {
			return
		}

		length := end - runStart
		if length >= 2 {
			worst := rates[runStart]

			for _, r := range rates[runStart:end] {
				if math.Abs(r-center) > math.Abs(worst-center) {
					worst = r
				}
			}

			kind := "sudden_drop"
			if worst > center {
				kind = "spike"
			}

			magnitude := math.Abs(center-worst) / sigma

			out = append(out, Anomaly{
				Type:              kind,
				StartBucket:       series[runStart].Start.UTC().Format(time.RFC3339),
				EndBucket:         series[end-1].Start.UTC().Format(time.RFC3339),
				Magnitude:         round2(magnitude),
				ConfidenceScore:   math.Min(100, round2(magnitude*20)),
				ContextualFactors: contextualFactors(series[runStart].Start),
			})
		}

		runStart = -1
	}

	for i, r := range rates {
		if r < lower || r > upper {
			if runStart < 0 {
				runStart = i
			}

			continue
		}

		flush(i)
	}

	flush(len(rates))

	return out
}

// trendAnomalies computes rolling linear-regression slopes over windows of
// size min(6, N/4) and flags sudden drops and gradual declines.
func trendAnomalies(series []TimeBucket, rates []float64) []Anomaly {
	window := len(rates) / 4
	if window > 6 {
		window = 6
	}

	if window < 2 {
		return nil
	}

	var slopes []float64

	for i := 0; i+window <= len(rates); i++ {
		slopes = append(slopes, linearSlope(rates[i:i+window]))
	}

	var out []Anomaly

	for i := 1; i < len(slopes); i++ {
		delta := slopes[i-1] - slopes[i]

		if delta > 0.05 && slopes[i] < -0.02 {
			at := series[i+window-1].Start

			out = append(out, Anomaly{
				Type:              "sudden_drop",
				StartBucket:       at.UTC().Format(time.RFC3339),
				EndBucket:         at.UTC().Format(time.RFC3339),
				Magnitude:         round2(delta),
				ConfidenceScore:   math.Min(100, round2(delta*500)),
				ContextualFactors: contextualFactors(at),
			})

			continue
		}

		if slopes[i] < -0.01 && slopes[i-1] < -0.01 {
			at := series[i+window-1].Start

			out = append(out, Anomaly{
				Type:              "gradual_decline",
				StartBucket:       series[i-1].Start.UTC().Format(time.RFC3339),
				EndBucket:         at.UTC().Format(time.RFC3339),
				Magnitude:         round2(math.Abs(slopes[i])),
				ConfidenceScore:   50,
				ContextualFactors: contextualFactors(at),
			})

			break
		}
	}

	return out
}

// contextualFactors annotates an anomaly with calendar context.
func contextualFactors(at time.Time) []string {
	out := []string{}
	at = at.UTC()

	if wd := at.Weekday(); wd == time.Saturday || wd == time.Sunday {
		out = append(out, "weekend")
	}

	if h := at.Hour(); h >= 9 && h < 17 {
		out = append(out, "business_hours")
	}

	return out
}

func buildBottleneckRecommendations(r *BottleneckResult) []BottleneckRecommendation {
	out := []BottleneckRecommendation{}

	for _, d := range r.ConversionDrops {
		out = append(out, BottleneckRecommendation{
			Type:            "conversion_drop",
			Category:        "ux",
			StepOrder:       d.StepOrder,
			Suggestion:      fmt.Sprintf("Review recent changes to step %d (%s), conversion dropped %.1f%% against baseline", d.StepOrder, d.Label, d.DropPercentage),
			ExpectedLiftPct: round2(math.Min(d.DropPercentage*0.7, 25)),
			ConfidenceLevel: d.ConfidenceScore,
		})
	}

	for _, t := range r.TimeStuck {
		out = append(out, BottleneckRecommendation{
			Type:            "time_stuck",
			Category:        "ux",
			StepOrder:       t.StepOrder,
			Suggestion:      fmt.Sprintf("Step %d (%s) takes %.0f%% longer than baseline, look for new friction", t.StepOrder, t.Label, t.IncreasePercent),
			ExpectedLiftPct: round2(math.Min(t.IncreasePercent*0.3, 25)),
			ConfidenceLevel: 60,
		})
	}

	for _, a := range r.Anomalies {
		if a.Type == "spike" {
			continue
		}

		out = append(out, BottleneckRecommendation{
			Type:            "anomaly",
			Category:        "technical",
			Suggestion:      fmt.Sprintf("Investigate %s starting %s, check deploys and third-party outages", a.Type, a.StartBucket),
			ExpectedLiftPct: round2(math.Min(a.Magnitude*5, 25)),
			ConfidenceLevel: a.ConfidenceScore,
		})
	}

	return out
}
