package analytics

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/funnel"
)

type (
	// DropOffRequest parameterizes a drop-off analysis.
	DropOffRequest struct {
		Scope                  funnel.Scope
		FunnelID               int64
		Window                 TimeWindow
		IncludeExitPaths       bool
		IncludeRecommendations bool
	}

	// DropOffResult is the drop-off analysis response.
	DropOffResult struct {
		Meta            Meta                 `json:"meta"`
		Steps           []StepDropOffMetrics `json:"step_drop_offs"`
		Bottlenecks     []Bottleneck         `json:"critical_bottlenecks"`
		ExitPaths       []ExitPathMetrics    `json:"exit_paths,omitempty"`
		Recommendations []Recommendation     `json:"recommendations,omitempty"`
		Summary         DropOffSummary       `json:"summary"`
	}

	// StepDropOffMetrics is one step's exit profile.
	StepDropOffMetrics struct {
		StepOrder            int     `json:"step_order"`
		Label                string  `json:"label"`
		Entries              int64   `json:"entries"`
		Exits                int64   `json:"exits"`
		DropOffRate          float64 `json:"drop_off_rate"`
		AvgSecondsBeforeExit float64 `json:"avg_seconds_before_exit"`
		ExitVelocity         string  `json:"exit_velocity"` // immediate | quick | delayed | hesitant
	}

	// Bottleneck is one step's severity scoring.
	Bottleneck struct {
		StepOrder     int      `json:"step_order"`
		Label         string   `json:"label"`
		Severity      float64  `json:"severity"`
		ImpactPercent float64  `json:"impact_percent"`
		AffectedUsers int64    `json:"affected_users"`
		LikelyCauses  []string `json:"likely_causes"`
	}

	// ExitPathMetrics splits a step's exits into bounce categories. Real exit
	// destinations would need richer event data than the pipeline captures.
	ExitPathMetrics struct {
		StepOrder        int   `json:"step_order"`
		ImmediateBounces int64 `json:"immediate_bounces"`
		DelayedExits     int64 `json:"delayed_exits"`
	}

	// Recommendation is one actionable optimization suggestion.
	Recommendation struct {
		StepOrder       int    `json:"step_order"`
		Category        string `json:"category"` // ux | content | technical
		Priority        string `json:"priority"` // critical | high | medium | low
		Suggestion      string `json:"suggestion"`
		ExpectedImpact  string `json:"expected_impact"`
	}

	// DropOffSummary are the headline drop-off numbers.
	DropOffSummary struct {
		TotalDropOffs         int64   `json:"total_drop_offs"`
		BiggestBottleneckStep int     `json:"biggest_bottleneck_step"`
		OptimizationPotential float64 `json:"optimization_potential"`
	}
)

// DropOff runs a drop-off analysis.
func (e *Engine) DropOff(ctx context.Context, req *DropOffRequest) (*DropOffResult, error) {
	started := time.Now()

	key := cache.ScopedKey("funnel:conversion:dropoff", req.FunnelID, req.Scope.TenantID, req.Scope.WorkspaceID,
		windowParams(req.Window, map[string]string{
			"exitPaths":       strconv.FormatBool(req.IncludeExitPaths),
			"recommendations": strconv.FormatBool(req.IncludeRecommendations),
		}))

	if cached, ok := cache.Get[*DropOffResult](e.cache, key); ok {
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

	rows, err := e.repo.StepDropOffs(ctx, req.Scope, req.FunnelID, len(res.steps), req.Window)
	if err != nil {
		return nil, err
	}

	out := &DropOffResult{
		Steps:       buildDropOffMetrics(res.steps, rows),
		Bottlenecks: buildBottlenecks(res.steps, rows),
	}

	if req.IncludeExitPaths {
		exits, exitErr := e.repo.ExitPaths(ctx, req.Scope, req.FunnelID, req.Window)
		if exitErr != nil {
			return nil, exitErr
		}

		out.ExitPaths = buildExitPaths(exits)
	}

	if req.IncludeRecommendations {
		out.Recommendations = buildDropOffRecommendations(out.Bottlenecks, rows)
	}

	out.Summary = buildDropOffSummary(out.Steps, out.Bottlenecks)
	out.Meta = newMeta(req.FunnelID, req.Window, cache.ClassConversionMetrics, started)
	cachePut(ctx, e.cache, key, out, cache.ClassConversionMetrics)

	return out, nil
}

func buildDropOffMetrics(steps []funnel.Step, rows []StepDropOff) []StepDropOffMetrics {
	labels := stepLabels(steps)
	out := make([]StepDropOffMetrics, 0, len(rows))

	for _, r := range rows {
		out = append(out, StepDropOffMetrics{
			StepOrder:            r.StepOrder,
			Label:                labels[r.StepOrder],
			Entries:              r.Entries,
			Exits:                r.Exits,
			DropOffRate:          round2(safeRate(r.Exits, r.Entries)),
			AvgSecondsBeforeExit: round2(r.AvgSecondsBeforeExit),
			ExitVelocity:         exitVelocity(r.AvgSecondsBeforeExit),
		})
	}

	return out
}

// exitVelocity classifies how fast exiting users gave up.
func exitVelocity(seconds float64) string {
	switch {
	case seconds < 30:
		return "immediate"
	case seconds < 5*60:
		return "quick"
	case seconds < 30*60:
		return "delayed"
	default:
		return "hesitant"
	}
}

func buildBottlenecks(steps []funnel.Step, rows []StepDropOff) []Bottleneck {
	labels := stepLabels(steps)
	types := make(map[int]funnel.StepType, len(steps))

	for _, s := range steps {
		types[s.OrderIndex] = s.Type
	}

	var totalEntries int64

	for _, r := range rows {
		if r.StepOrder == 0 {
			totalEntries = r.Entries
		}
	}

	out := make([]Bottleneck, 0, len(rows))

	for _, r := range rows {
		if r.Exits == 0 || r.Entries == 0 || totalEntries == 0 {
			continue
		}

		exitRate := float64(r.Exits) / float64(r.Entries) * 100
		weight := float64(r.Entries) / float64(totalEntries)

		out = append(out, Bottleneck{
			StepOrder:     r.StepOrder,
			Label:         labels[r.StepOrder],
			Severity:      round2(clamp(exitRate*weight*2, 0, 100)),
			ImpactPercent: round2(float64(r.Exits) / float64(totalEntries) * 100),
			AffectedUsers: r.Exits,
			LikelyCauses:  likelyCauses(types[r.StepOrder], r.AvgSecondsOnStep),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}

		return out[i].StepOrder < out[j].StepOrder
	})

	return out
}

// likelyCauses derives heuristic explanations from time-on-step and step
// type. These are hints, not diagnoses.
func likelyCauses(stepType funnel.StepType, avgSecondsOnStep float64) []string {
	var causes []string

	switch {
	case avgSecondsOnStep < 10:
		causes = append(causes, "users leave almost instantly, likely a targeting or expectation mismatch")
	case avgSecondsOnStep > 10*60:
		causes = append(causes, "long time on step before exit, likely friction or confusion")
	}

	switch stepType {
	case funnel.StepDecision:
		causes = append(causes, "decision point, users may lack information to proceed")
	case funnel.StepConversion:
		causes = append(causes, "conversion step friction, check form length and error handling")
	case funnel.StepPage:
		causes = append(causes, "page engagement issue, check load time and content relevance")
	case funnel.StepStart, funnel.StepEvent:
	}

	if len(causes) == 0 {
		causes = append(causes, "no dominant pattern, review session recordings for this step")
	}

	return causes
}

func buildExitPaths(rows []ExitPath) []ExitPathMetrics {
	out := make([]ExitPathMetrics, 0, len(rows))

	for _, r := range rows {
		out = append(out, ExitPathMetrics{
			StepOrder:        r.StepOrder,
			ImmediateBounces: r.ImmediateBounces,
			DelayedExits:     r.DelayedExits,
		})
	}

	return out
}

func buildDropOffRecommendations(bottlenecks []Bottleneck, rows []StepDropOff) []Recommendation {
	timeOnStep := make(map[int]float64, len(rows))
	for _, r := range rows {
		timeOnStep[r.StepOrder] = r.AvgSecondsOnStep
	}

	out := make([]Recommendation, 0, len(bottlenecks))

	for _, b := range bottlenecks {
		if b.Severity <= 25 {
			continue
		}

		rec := Recommendation{
			StepOrder:      b.StepOrder,
			Category:       "ux",
			Priority:       severityPriority(b.Severity),
			Suggestion:     "Simplify the step and surface progress cues to reduce abandonment",
			ExpectedImpact: "Recovering a fraction of exits at this step lifts overall conversion the most",
		}

		if timeOnStep[b.StepOrder] < 10 {
			rec.Category = "content"
			rec.Suggestion = "Align upstream messaging with this step, users bounce before engaging"
		}

		out = append(out, rec)
	}

	return out
}

func severityPriority(severity float64) string {
	switch {
	case severity > 75:
		return "critical"
	case severity > 50:
		return "high"
	case severity > 25:
		return "medium"
	default:
		return "low"
	}
}

func buildDropOffSummary(steps []StepDropOffMetrics, bottlenecks []Bottleneck) DropOffSummary {
	out := DropOffSummary{}

	var severities []float64

	for _, s := range steps {
		out.TotalDropOffs += s.Exits
	}

	for _, b := range bottlenecks {
		severities = append(severities, b.Severity)
	}

	if len(bottlenecks) > 0 {
		out.BiggestBottleneckStep = bottlenecks[0].StepOrder
		out.OptimizationPotential = round2(clamp(mean(severities), 0, 100))
	}

	return out
}

func stepLabels(steps []funnel.Step) map[int]string {
	out := make(map[int]string, len(steps))
	for _, s := range steps {
		out[s.OrderIndex] = s.Label
	}

	return out
}
