package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/funnel"
)

// AttributionModel names a credit distribution rule.
type AttributionModel string

// Attribution models.
const (
	ModelFirstTouch    AttributionModel = "first_touch"
	ModelLastTouch     AttributionModel = "last_touch"
	ModelLinear        AttributionModel = "linear"
	ModelTimeDecay     AttributionModel = "time_decay"
	ModelPositionBased AttributionModel = "position_based"
	ModelCustom        AttributionModel = "custom"
)

// allAttributionModels are the built-in models computed on every request.
var allAttributionModels = []AttributionModel{
	ModelFirstTouch, ModelLastTouch, ModelLinear, ModelTimeDecay, ModelPositionBased,
}

// Attribution knobs.
const (
	defaultLookbackDays      = 90
	defaultHalfLifeDays      = 7.0
	defaultTopTouchpoints    = 10
	customWeightSumTolerance = 0.01
)

// ErrInvalidCustomWeights is returned when custom model weights do not sum
// to 1 within tolerance or fall outside [0,1].
var ErrInvalidCustomWeights = errors.New("custom attribution weights must each be in [0,1] and sum to 1")

type (
	// AttributionRequest parameterizes an attribution analysis.
	AttributionRequest struct {
		Scope         funnel.Scope
		FunnelID      int64
		Window        TimeWindow
		LookbackDays  int
		HalfLifeDays  float64
		PositionFirst float64 // position_based first-touch weight, default 0.4
		PositionLast  float64 // position_based last-touch weight, default 0.4
		CustomWeights []float64
	}

	// AttributionResult is the attribution analysis response.
	AttributionResult struct {
		Meta             Meta                           `json:"meta"`
		Models           map[string][]TouchpointCredit  `json:"models"`
		TopTouchpoints   []TouchpointCredit             `json:"top_touchpoints"`
		ModelAgreement   []ModelAgreement               `json:"model_agreement"`
		JourneyStats     JourneyComplexity              `json:"journey_complexity"`
		PositionAnalysis PositionCreditDistribution     `json:"position_analysis"`
	}

	// TouchpointCredit is one touchpoint's aggregated credit under a model.
	TouchpointCredit struct {
		TouchpointID string  `json:"touchpoint_id"`
		Type         string  `json:"type"`
		UTMSource    string  `json:"utm_source"`
		UTMMedium    string  `json:"utm_medium"`
		Credit       float64 `json:"credit"`
		SharePercent float64 `json:"share_percent"`
	}

	// ModelAgreement is a bounded rank-agreement score between two models.
	ModelAgreement struct {
		ModelA    string  `json:"model_a"`
		ModelB    string  `json:"model_b"`
		Agreement float64 `json:"agreement"`
	}

	// JourneyComplexity summarizes the converting journeys analyzed.
	JourneyComplexity struct {
		Journeys            int64   `json:"journeys"`
		AvgTouchpoints      float64 `json:"avg_touchpoints"`
		AvgDurationDays     float64 `json:"avg_duration_days"`
		MultiChannelPercent float64 `json:"multi_channel_percent"`
	}

	// PositionCreditDistribution splits linear-model credit by journey
	// position and stage.
	PositionCreditDistribution struct {
		FirstPercent  float64 `json:"first_percent"`
		MiddlePercent float64 `json:"middle_percent"`
		LastPercent   float64 `json:"last_percent"`
	}
)

func (r *AttributionRequest) normalize() {
	if r.LookbackDays <= 0 {
		r.LookbackDays = defaultLookbackDays
	}

	if r.HalfLifeDays <= 0 {
		r.HalfLifeDays = defaultHalfLifeDays
	}

	if r.PositionFirst <= 0 || r.PositionLast <= 0 || r.PositionFirst+r.PositionLast >= 1 {
		r.PositionFirst, r.PositionLast = 0.4, 0.4
	}
}

func (r *AttributionRequest) validateCustomWeights() error {
	if len(r.CustomWeights) == 0 {
		return nil
	}

	sum := 0.0

	for _, w := range r.CustomWeights {
		if w < 0 || w > 1 {
			return fmt.Errorf("%w: weight %v out of range", ErrInvalidCustomWeights, w)
		}

		sum += w
	}

	if math.Abs(sum-1) > customWeightSumTolerance {
		return fmt.Errorf("%w: sum is %v", ErrInvalidCustomWeights, sum)
	}

	return nil
}

// weightKey renders the custom weight vector for the cache key. The full
// values go in, not just the length: equal-length vectors with different
// weights are different requests and must never share a cache entry.
func weightKey(weights []float64) string {
	if len(weights) == 0 {
		return ""
	}

	parts := make([]string, len(weights))
	for i, w := range weights {
		parts[i] = strconv.FormatFloat(w, 'f', -1, 64)
	}

	return strings.Join(parts, ",")
}

// Attribution runs a multi-model attribution analysis.
func (e *Engine) Attribution(ctx context.Context, req *AttributionRequest) (*AttributionResult, error) {
	started := time.Now()
	req.normalize()

	if err := req.validateCustomWeights(); err != nil {
		return nil, err
	}

	key := cache.ScopedKey("funnel:attribution", req.FunnelID, req.Scope.TenantID, req.Scope.WorkspaceID,
		windowParams(req.Window, map[string]string{
			"lookbackDays":  strconv.Itoa(req.LookbackDays),
			"halfLife":      strconv.FormatFloat(req.HalfLifeDays, 'f', -1, 64),
			"positionFirst": strconv.FormatFloat(req.PositionFirst, 'f', -1, 64),
			"positionLast":  strconv.FormatFloat(req.PositionLast, 'f', -1, 64),
			"customWeights": weightKey(req.CustomWeights),
		}))

	if cached, ok := cache.Get[*AttributionResult](e.cache, key); ok {
		out := *cached
		out.Meta.CacheHit = true
		out.Meta.ProcessingTimeMs = time.Since(started).Milliseconds()

		return &out, nil
	}

	if err := validateWindow(req.Window, maxWindowDaysExtended); err != nil {
		return nil, err
	}

	if _, err := e.resolveFunnel(ctx, req.Scope, req.FunnelID); err != nil {
		return nil, err
	}

	journeys, err := e.repo.TouchpointJourneys(ctx, req.Scope, req.FunnelID, req.Window, req.LookbackDays)
	if err != nil {
		return nil, err
	}

	out := e.computeAttribution(req, journeys)

	out.Meta = newMeta(req.FunnelID, req.Window, cache.ClassPathAnalysis, started)
	cachePut(ctx, e.cache, key, out, cache.ClassPathAnalysis)

	return out, nil
}

func (e *Engine) computeAttribution(req *AttributionRequest, journeys []TouchpointJourney) *AttributionResult {
	models := append([]AttributionModel(nil), allAttributionModels...)
	if len(req.CustomWeights) > 0 {
		models = append(models, ModelCustom)
	}

	out := &AttributionResult{
		Models:       make(map[string][]TouchpointCredit, len(models)),
		JourneyStats: buildJourneyComplexity(journeys),
	}

	perModel := make(map[AttributionModel]map[string]*TouchpointCredit, len(models))
	for _, m := range models {
		perModel[m] = map[string]*TouchpointCredit{}
	}

	var positionCredit [3]float64 // first, middle, last under the linear model

	for _, j := range journeys {
		if len(j.Touchpoints) == 0 {
			continue
		}

		for _, m := range models {
			credits := journeyCredits(m, j, req)

			for i, credit := range credits {
				if credit == 0 {
					continue
				}

				e.addCredit(perModel[m], j.Touchpoints[i], credit)

				if m == ModelLinear {
					positionCredit[positionBucket(i, len(credits))] += credit
				}
			}
		}
	}

	for m, agg := range perModel {
		out.Models[string(m)] = rankCredits(agg)
	}

	out.TopTouchpoints = topN(out.Models[string(ModelLinear)], defaultTopTouchpoints)
	out.ModelAgreement = buildModelAgreement(out.Models, models)

	total := positionCredit[0] + positionCredit[1] + positionCredit[2]
	if total > 0 {
		out.PositionAnalysis = PositionCreditDistribution{
			FirstPercent:  round2(positionCredit[0] / total * 100),
			MiddlePercent: round2(positionCredit[1] / total * 100),
			LastPercent:   round2(positionCredit[2] / total * 100),
		}
	}

	return out
}

// journeyCredits distributes exactly 1.0 of credit across one journey's
// touchpoints under one model. Every model conserves credit to within 1e-6.
func journeyCredits(m AttributionModel, j TouchpointJourney, req *AttributionRequest) []float64 {
	k := len(j.Touchpoints)
	credits := make([]float64, k)

	if k == 1 {
		credits[0] = 1

		return credits
	}

	switch m {
	case ModelFirstTouch:
		credits[0] = 1
	case ModelLastTouch:
		credits[k-1] = 1
	case ModelLinear:
		for i := range credits {
			credits[i] = 1 / float64(k)
		}
	case ModelTimeDecay:
		total := 0.0

		for i, t := range j.Touchpoints {
			ageDays := j.ConvertedAt.Sub(t.Timestamp).Hours() / 24
			credits[i] = math.Pow(0.5, ageDays/req.HalfLifeDays)
			total += credits[i]
		}

		for i := range credits {
			credits[i] /= total
		}
	case ModelPositionBased:
		credits[0] = req.PositionFirst
		credits[k-1] += req.PositionLast

		if k > 2 {
			middle := (1 - req.PositionFirst - req.PositionLast) / float64(k-2)
			for i := 1; i < k-1; i++ {
				credits[i] = middle
			}
		} else {
			// Two touchpoints split the middle share evenly.
			rest := (1 - req.PositionFirst - req.PositionLast) / 2
			credits[0] += rest
			credits[k-1] += rest
		}
	case ModelCustom:
		for i := range credits {
			if i < len(req.CustomWeights) {
				credits[i] = req.CustomWeights[i]
			}
		}

		// Renormalize when the journey is shorter than the weight vector.
		total := 0.0
		for _, c := range credits {
			total += c
		}

		if total > 0 {
			for i := range credits {
				credits[i] /= total
			}
		}
	}

	return credits
}

// touchpointID builds the stable aggregation key for a touchpoint.
func (e *Engine) touchpointID(t Touchpoint) (id, source, medium string) {
	source = e.channels.Canonical(t.UTMSource)
	if source == "" {
		source = "direct"
	}

	medium = t.UTMMedium
	if medium == "" {
		medium = "none"
	}

	return t.Type + "_" + source + "_" + medium, source, medium
}

func (e *Engine) addCredit(agg map[string]*TouchpointCredit, t Touchpoint, credit float64) {
	id, source, medium := e.touchpointID(t)

	tc, ok := agg[id]
	if !ok {
		tc = &TouchpointCredit{TouchpointID: id, Type: t.Type, UTMSource: source, UTMMedium: medium}
		agg[id] = tc
	}

	tc.Credit += credit
}

func positionBucket(i, k int) int {
	switch {
	case i == 0:
		return 0
	case i == k-1:
		return 2
	default:
		return 1
	}
}

func rankCredits(agg map[string]*TouchpointCredit) []TouchpointCredit {
	out := make([]TouchpointCredit, 0, len(agg))

	total := 0.0
	for _, tc := range agg {
		total += tc.Credit
	}

	for _, tc := range agg {
		c := *tc
		c.Credit = math.Round(c.Credit*1e6) / 1e6

		if total > 0 {
			c.SharePercent = round2(tc.Credit / total * 100)
		}

		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Credit != out[j].Credit {
			return out[i].Credit > out[j].Credit
		}

		return out[i].TouchpointID < out[j].TouchpointID
	})

	return out
}

func topN(credits []TouchpointCredit, n int) []TouchpointCredit {
	if len(credits) <= n {
		return append([]TouchpointCredit{}, credits...)
	}

	return append([]TouchpointCredit{}, credits[:n]...)
}

// buildModelAgreement scores pairwise rank agreement between models with
// Kendall's tau-a over shared touchpoint credits, mapped to [0,100].
func buildModelAgreement(models map[string][]TouchpointCredit, order []AttributionModel) []ModelAgreement {
	out := []ModelAgreement{}

	creditVector := func(m AttributionModel, ids []string) []float64 {
		byID := map[string]float64{}
		for _, tc := range models[string(m)] {
			byID[tc.TouchpointID] = tc.Credit
		}

		v := make([]float64, len(ids))
		for i, id := range ids {
			v[i] = byID[id]
		}

		return v
	}

	var ids []string
	for _, tc := range models[string(ModelLinear)] {
		ids = append(ids, tc.TouchpointID)
	}

	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			tau := kendallTauA(creditVector(order[i], ids), creditVector(order[j], ids))

			out = append(out, ModelAgreement{
				ModelA:    string(order[i]),
				ModelB:    string(order[j]),
				Agreement: round2((tau + 1) / 2 * 100),
			})
		}
	}

	return out
}

func buildJourneyComplexity(journeys []TouchpointJourney) JourneyComplexity {
	out := JourneyComplexity{Journeys: int64(len(journeys))}
	if len(journeys) == 0 {
		return out
	}

	var touchpoints, multiChannel int64

	var durationDays float64

	for _, j := range journeys {
		touchpoints += int64(len(j.Touchpoints))

		if len(j.Touchpoints) > 0 {
			durationDays += j.ConvertedAt.Sub(j.Touchpoints[0].Timestamp).Hours() / 24
		}

		channels := map[string]bool{}
		for _, t := range j.Touchpoints {
			channels[t.Type] = true
		}

		if len(channels) > 1 {
			multiChannel++
		}
	}

	n := float64(len(journeys))
	out.AvgTouchpoints = round2(float64(touchpoints) / n)
	out.AvgDurationDays = round2(durationDays / n)
	out.MultiChannelPercent = round2(float64(multiChannel) / n * 100)

	return out
}
