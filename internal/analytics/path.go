package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/funnel"
)

// Path analysis knobs.
const (
	defaultMinPathVolume = 10
	maxMinPathVolume     = 100
	defaultMaxPathLength = 10
	maxPathLengthCap     = 50
)

type (
	// PathRequest parameterizes a path analysis.
	PathRequest struct {
		Scope         funnel.Scope
		FunnelID      int64
		Window        TimeWindow
		MinPathVolume int
		MaxPathLength int
	}

	// PathResult is the path analysis response.
	PathResult struct {
		Meta          Meta                  `json:"meta"`
		Paths         []PathMetrics         `json:"paths"`
		Branching     BranchingAnalysis     `json:"branching"`
		Opportunities []PathOpportunity     `json:"optimization_opportunities"`
		Comparisons   []PathComparisonEntry `json:"path_comparisons"`
	}

	// PathMetrics is one path signature's aggregate.
	PathMetrics struct {
		Signature            string   `json:"signature"`
		Classification       string   `json:"classification"` // primary | alternative
		Users                int64    `json:"users"`
		Conversions          int64    `json:"conversions"`
		ConversionRate       float64  `json:"conversion_rate"`
		AvgCompletionSeconds float64  `json:"avg_completion_seconds"`
		MedianCompletionSeconds float64 `json:"median_completion_seconds"`
		DropoutRate          float64  `json:"dropout_rate"`
		AbandonmentPoints    []string `json:"abandonment_points"`
		VelocityScore        int      `json:"velocity_score"`
		EfficiencyScore      int      `json:"efficiency_score"`
		SuccessIndicators    []string `json:"success_indicators"`
		MergePoint           string   `json:"merge_point,omitempty"`
		SkippedSteps         []string `json:"skipped_steps,omitempty"`
		ExtraSteps           []string `json:"extra_steps,omitempty"`
	}

	// BranchingAnalysis describes where journeys split and rejoin.
	BranchingAnalysis struct {
		DecisionPoints []string        `json:"decision_points"`
		MergePoints    []string        `json:"merge_points"`
		FlowEdges      []PathFlowEdge  `json:"flow_edges"`
	}

	// PathFlowEdge is one observed transition with its traversal count.
	PathFlowEdge struct {
		From  string `json:"from"`
		To    string `json:"to"`
		Users int64  `json:"users"`
	}

	// PathOpportunity is one optimization suggestion from path shape.
	PathOpportunity struct {
		Signature  string `json:"signature"`
		Suggestion string `json:"suggestion"`
	}

	// PathComparisonEntry is the pairwise significance of two paths' rates.
	PathComparisonEntry struct {
		PathA         string  `json:"path_a"`
		PathB         string  `json:"path_b"`
		ZScore        float64 `json:"z_score"`
		PValue        float64 `json:"p_value"`
		IsSignificant bool    `json:"is_significant"`
	}

	// pathGroup is the pre-aggregation bucket for one signature.
	pathGroup struct {
		signature   string
		nodes       []string
		users       int64
		conversions int64
		durations   []float64
		lastNodes   map[string]int64
	}
)

func (r *PathRequest) normalize() {
	if r.MinPathVolume <= 0 {
		r.MinPathVolume = defaultMinPathVolume
	}

	if r.MinPathVolume > maxMinPathVolume {
		r.MinPathVolume = maxMinPathVolume
	}

	if r.MaxPathLength <= 0 {
		r.MaxPathLength = defaultMaxPathLength
	}

	if r.MaxPathLength > maxPathLengthCap {
		r.MaxPathLength = maxPathLengthCap
	}
}

// Paths runs a path analysis.
func (e *Engine) Paths(ctx context.Context, req *PathRequest) (*PathResult, error) {
	started := time.Now()
	req.normalize()

	key := cache.ScopedKey("funnel:paths", req.FunnelID, req.Scope.TenantID, req.Scope.WorkspaceID,
		windowParams(req.Window, map[string]string{
			"minVolume": strconv.Itoa(req.MinPathVolume),
			"maxLength": strconv.Itoa(req.MaxPathLength),
		}))

	if cached, ok := cache.Get[*PathResult](e.cache, key); ok {
		out := *cached
		out.Meta.CacheHit = true
		out.Meta.ProcessingTimeMs = time.Since(started).Milliseconds()

		return &out, nil
	}

	if err := validateWindow(req.Window, maxWindowDaysDefault); err != nil {
		return nil, err
	}

	if _, err := e.resolveFunnel(ctx, req.Scope, req.FunnelID); err != nil {
		return nil, err
	}

	journeys, err := e.repo.UserJourneys(ctx, req.Scope, req.FunnelID, req.Window, req.MaxPathLength)
	if err != nil {
		return nil, err
	}

	groups := groupJourneys(journeys, req.MinPathVolume)

	out := &PathResult{
		Paths:       buildPathMetrics(groups),
		Branching:   buildBranching(journeys),
		Comparisons: buildPathComparisons(groups),
	}

	out.Opportunities = buildPathOpportunities(out.Paths)

	out.Meta = newMeta(req.FunnelID, req.Window, cache.ClassPathAnalysis, started)
	cachePut(ctx, e.cache, key, out, cache.ClassPathAnalysis)

	return out, nil
}

// pathNode renders one journey event as a signature node.
func pathNode(ev JourneyEvent) string {
	return ev.StepType + ":" + ev.StepIdentifier
}

func groupJourneys(journeys []UserJourney, minVolume int) []*pathGroup {
	bySig := make(map[string]*pathGroup)

	for _, j := range journeys {
		if len(j.Events) == 0 {
			continue
		}

		nodes := make([]string, len(j.Events))

		var duration float64

		for i, ev := range j.Events {
			nodes[i] = pathNode(ev)
			duration += ev.TimeSpentSeconds
		}

		sig := strings.Join(nodes, " > ")

		g, ok := bySig[sig]
		if !ok {
			g = &pathGroup{signature: sig, nodes: nodes, lastNodes: map[string]int64{}}
			bySig[sig] = g
		}

		g.users++

		if j.Converted {
			g.conversions++
			g.durations = append(g.durations, duration)
		} else {
			g.lastNodes[nodes[len(nodes)-1]]++
		}
	}

	var out []*pathGroup

	for _, g := range bySig {
		if g.users >= int64(minVolume) {
			out = append(out, g)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].users != out[j].users {
			return out[i].users > out[j].users
		}

		return out[i].signature < out[j].signature
	})

	return out
}

func buildPathMetrics(groups []*pathGroup) []PathMetrics {
	out := make([]PathMetrics, 0, len(groups))

	var primary *pathGroup
	if len(groups) > 0 {
		primary = groups[0]
	}

	for i, g := range groups {
		rate := safeRate(g.conversions, g.users)
		avg := mean(g.durations)

		m := PathMetrics{
			Signature:               g.signature,
			Classification:          "alternative",
			Users:                   g.users,
			Conversions:             g.conversions,
			ConversionRate:          round2(rate),
			AvgCompletionSeconds:    round2(avg),
			MedianCompletionSeconds: round2(median(g.durations)),
			DropoutRate:             round2(100 - rate),
			AbandonmentPoints:       topAbandonmentPoints(g.lastNodes),
			VelocityScore:           velocityScore(avg),
			EfficiencyScore:         efficiencyScore(rate, avg, len(g.nodes)),
			SuccessIndicators:       successIndicators(rate, avg),
		}

		if i == 0 {
			m.Classification = "primary"
		} else if primary != nil {
			m.MergePoint = mergePoint(g.nodes, primary.nodes)
			m.SkippedSteps = nodeDiff(primary.nodes, g.nodes)
			m.ExtraSteps = nodeDiff(g.nodes, primary.nodes)
		}

		out = append(out, m)
	}

	return out
}

// efficiencyScore combines conversion, speed, and simplicity into [0,100].
func efficiencyScore(ratePct, avgSeconds float64, stepCount int) int {
	conversion := ratePct / 100
	speed := math.Max(0, 1-avgSeconds/3600)
	simplicity := math.Max(0, 1-float64(stepCount)/20)

	return int(math.Round((0.4*conversion + 0.3*speed + 0.3*simplicity) * 100))
}

func successIndicators(ratePct, avgSeconds float64) []string {
	out := []string{}

	if ratePct > 15 {
		out = append(out, "high_conversion")
	}

	if avgSeconds > 0 && avgSeconds < 5*60 {
		out = append(out, "fast_completion")
	}

	if 100-ratePct < 20 {
		out = append(out, "low_dropout")
	}

	return out
}

func topAbandonmentPoints(lastNodes map[string]int64) []string {
	type entry struct {
		node  string
		count int64
	}

	entries := make([]entry, 0, len(lastNodes))
	for n, c := range lastNodes {
		entries = append(entries, entry{n, c})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}

		return entries[i].node < entries[j].node
	})

	out := []string{}

	for i, e := range entries {
		if i == 3 {
			break
		}

		out = append(out, e.node)
	}

	return out
}

// mergePoint finds the first node of an alternative path that also appears
// in the primary path after the two diverge.
func mergePoint(alt, primary []string) string {
	primarySet := make(map[string]int, len(primary))
	for i, n := range primary {
		primarySet[n] = i
	}

	diverged := false

	for i, n := range alt {
		if i < len(primary) && primary[i] == n && !diverged {
			continue
		}

		diverged = true

		if _, ok := primarySet[n]; ok {
			return n
		}
	}

	return ""
}

// nodeDiff returns nodes present in a but absent from b, preserving order.
func nodeDiff(a, b []string) []string {
	inB := make(map[string]bool, len(b))
	for _, n := range b {
		inB[n] = true
	}

	var out []string

	for _, n := range a {
		if !inB[n] {
			out = append(out, n)
		}
	}

	return out
}

func buildBranching(journeys []UserJourney) BranchingAnalysis {
	edges := map[[2]string]int64{}
	outgoing := map[string]map[string]bool{}
	incoming := map[string]map[string]bool{}

	for _, j := range journeys {
		for i := 1; i < len(j.Events); i++ {
			from := pathNode(j.Events[i-1])
			to := pathNode(j.Events[i])
			edges[[2]string{from, to}]++

			if outgoing[from] == nil {
				outgoing[from] = map[string]bool{}
			}

			outgoing[from][to] = true

			if incoming[to] == nil {
				incoming[to] = map[string]bool{}
			}

			incoming[to][from] = true
		}
	}

	out := BranchingAnalysis{
		DecisionPoints: []string{},
		MergePoints:    []string{},
		FlowEdges:      []PathFlowEdge{},
	}

	for node, targets := range outgoing {
		if len(targets) > 1 {
			out.DecisionPoints = append(out.DecisionPoints, node)
		}
	}

	for node, sources := range incoming {
		if len(sources) > 1 {
			out.MergePoints = append(out.MergePoints, node)
		}
	}

	sort.Strings(out.DecisionPoints)
	sort.Strings(out.MergePoints)

	for edge, users := range edges {
		out.FlowEdges = append(out.FlowEdges, PathFlowEdge{From: edge[0], To: edge[1], Users: users})
	}

	sort.Slice(out.FlowEdges, func(i, j int) bool {
		if out.FlowEdges[i].Users != out.FlowEdges[j].Users {
			return out.FlowEdges[i].Users > out.FlowEdges[j].Users
		}

		return out.FlowEdges[i].From < out.FlowEdges[j].From
	})

	return out
}

func buildPathOpportunities(paths []PathMetrics) []PathOpportunity {
	out := []PathOpportunity{}

	if len(paths) == 0 {
		return out
	}

	primary := paths[0]

	for _, p := range paths[1:] {
		if p.ConversionRate > primary.ConversionRate && p.Users >= primary.Users/10 {
			out = append(out, PathOpportunity{
				Signature: p.Signature,
				Suggestion: fmt.Sprintf("Alternative path converts at %.1f%% vs %.1f%% on the primary path, consider promoting it",
					p.ConversionRate, primary.ConversionRate),
			})
		}

		if len(p.SkippedSteps) > 0 && p.ConversionRate >= primary.ConversionRate {
			out = append(out, PathOpportunity{
				Signature:  p.Signature,
				Suggestion: fmt.Sprintf("Users skipping %s convert at least as well, the step may be removable", strings.Join(p.SkippedSteps, ", ")),
			})
		}
	}

	return out
}

func buildPathComparisons(groups []*pathGroup) []PathComparisonEntry {
	out := []PathComparisonEntry{}

	for i := 0; i < len(groups); i++ {
		for j := i + 1; j < len(groups); j++ {
			a, b := groups[i], groups[j]
			z, p := twoProportionZTest(a.conversions, a.users, b.conversions, b.users)

			out = append(out, PathComparisonEntry{
				PathA:         a.signature,
				PathB:         b.signature,
				ZScore:        round2(z),
				PValue:        p,
				IsSignificant: p < 0.05,
			})
		}
	}

	return out
}
