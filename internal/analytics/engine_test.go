package analytics

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/funnel"
)

// mockStore serves a single canned funnel.
type mockStore struct {
	funnel.Store

	funnel *funnel.Funnel
}

func (m *mockStore) Get(_ context.Context, _ funnel.Scope, funnelID int64) (*funnel.Funnel, error) {
	if m.funnel == nil || m.funnel.ID != funnelID {
		return nil, funnel.ErrNotFound
	}

	return m.funnel, nil
}

// mockRepo returns canned rows. FunnelTotals distinguishes the request
// window from the preceding one by start time.
type mockRepo struct {
	window TimeWindow

	completions    []StepCompletion
	totalsCurrent  FunnelTotals
	totalsPrevious FunnelTotals
	timings        []StepTiming
	aggregates     TimingAggregates
	peers          []PeerFunnelMetric
	dropOffs       []StepDropOff
	exitPaths      []ExitPath
	segments       []SegmentConversion
	buckets        []TimeBucket
	journeys       []UserJourney
	touchJourneys  []TouchpointJourney
	durations      []float64
	progress       *UserProgress
}

func (m *mockRepo) StepCompletions(_ context.Context, _ funnel.Scope, _ int64, _ int, _ TimeWindow) ([]StepCompletion, error) {
	return m.completions, nil
}

func (m *mockRepo) FunnelTotals(_ context.Context, _ funnel.Scope, _ int64, w TimeWindow) (*FunnelTotals, error) {
	if w.Start.Equal(m.window.Start) {
		t := m.totalsCurrent

		return &t, nil
	}

	t := m.totalsPrevious

	return &t, nil
}

func (m *mockRepo) SegmentConversions(_ context.Context, _ funnel.Scope, _ int64, _ TimeWindow, dim SegmentDimension) ([]SegmentConversion, error) {
	var out []SegmentConversion

	for _, s := range m.segments {
		if s.Dimension == dim {
			out = append(out, s)
		}
	}

	return out, nil
}

func (m *mockRepo) ConversionTimeSeries(_ context.Context, _ funnel.Scope, _ int64, _ TimeWindow, _ Granularity) ([]TimeBucket, error) {
	return m.buckets, nil
}

func (m *mockRepo) TimingAggregates(_ context.Context, _ funnel.Scope, _ int64, _ TimeWindow) (*TimingAggregates, error) {
	a := m.aggregates

	return &a, nil
}

func (m *mockRepo) PeerFunnelMetrics(_ context.Context, _ funnel.Scope) ([]PeerFunnelMetric, error) {
	return m.peers, nil
}

func (m *mockRepo) StepDropOffs(_ context.Context, _ funnel.Scope, _ int64, _ int, _ TimeWindow) ([]StepDropOff, error) {
	return m.dropOffs, nil
}

func (m *mockRepo) ExitPaths(_ context.Context, _ funnel.Scope, _ int64, _ TimeWindow) ([]ExitPath, error) {
	return m.exitPaths, nil
}

func (m *mockRepo) CohortsByPeriod(_ context.Context, _ funnel.Scope, _ int64, _ TimeWindow, _ CohortPeriod) ([]Cohort, error) {
	return nil, nil
}

func (m *mockRepo) CohortProgression(_ context.Context, _ funnel.Scope, _ int64, _ int, _ TimeWindow, _ CohortPeriod) ([]CohortStepProgress, error) {
	return nil, nil
}

func (m *mockRepo) RetentionCurves(_ context.Context, _ funnel.Scope, _ int64, _ TimeWindow, _ CohortPeriod) ([]RetentionPoint, error) {
	return nil, nil
}

func (m *mockRepo) ConversionDurations(_ context.Context, _ funnel.Scope, _ int64, _ TimeWindow) ([]float64, error) {
	return m.durations, nil
}

func (m *mockRepo) StepTimings(_ context.Context, _ funnel.Scope, _ int64, _ int, _ TimeWindow) ([]StepTiming, error) {
	return m.timings, nil
}

func (m *mockRepo) PeriodDurations(_ context.Context, _ funnel.Scope, _ int64, _ TimeWindow, _ CohortPeriod) ([]PeriodDurations, error) {
	return nil, nil
}

func (m *mockRepo) SegmentTimings(_ context.Context, _ funnel.Scope, _ int64, _ TimeWindow, _ SegmentDimension) ([]SegmentTiming, error) {
	return nil, nil
}

func (m *mockRepo) LiveSnapshot(_ context.Context, _ funnel.Scope, _ int64) (*LiveSnapshot, error) {
	return &LiveSnapshot{}, nil
}

func (m *mockRepo) LiveStepDistribution(_ context.Context, _ funnel.Scope, _ int64) ([]LiveStepCount, error) {
	return nil, nil
}

func (m *mockRepo) LiveTrends(_ context.Context, _ funnel.Scope, _ int64) ([]LiveTrendPoint, error) {
	return nil, nil
}

func (m *mockRepo) StuckUsers(_ context.Context, _ funnel.Scope, _ int64) ([]StuckGroup, error) {
	return nil, nil
}

func (m *mockRepo) StepWindowStats(_ context.Context, _ funnel.Scope, _ int64, _ int, _ TimeWindow) ([]StepWindowStat, error) {
	return nil, nil
}

func (m *mockRepo) UserJourneys(_ context.Context, _ funnel.Scope, _ int64, _ TimeWindow, _ int) ([]UserJourney, error) {
	return m.journeys, nil
}

func (m *mockRepo) TouchpointJourneys(_ context.Context, _ funnel.Scope, _ int64, _ TimeWindow, _ int) ([]TouchpointJourney, error) {
	return m.touchJourneys, nil
}

func (m *mockRepo) UserProgress(_ context.Context, _ funnel.Scope, _ int64, _ string) (*UserProgress, error) {
	return m.progress, nil
}

var _ Repository = (*mockRepo)(nil)

func testScope() funnel.Scope {
	return funnel.Scope{TenantID: 1, WorkspaceID: 1}
}

func testFunnel(id int64) *funnel.Funnel {
	steps := []funnel.Step{
		{OrderIndex: 0, Type: funnel.StepStart, Label: "Begin"},
		{OrderIndex: 1, Type: funnel.StepPage, Label: "Checkout"},
		{OrderIndex: 2, Type: funnel.StepConversion, Label: "Purchase"},
	}

	return &funnel.Funnel{
		ID:         id,
		ExternalID: funnel.FormatFunnelID(id),
		Name:       "Checkout funnel",
		Publications: []funnel.Publication{{
			Version:    1,
			WindowDays: 30,
			Snapshot:   funnel.Snapshot{Name: "Checkout funnel", Version: 1, WindowDays: 30, Steps: steps},
		}},
	}
}

func newTestEngine(t *testing.T, store funnel.Store, repo Repository) *Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := cache.New(logger)
	t.Cleanup(c.Close)

	return NewEngine(store, repo, c, DefaultChannelAliases(), logger)
}

func testWindow() TimeWindow {
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	return TimeWindow{Start: end.AddDate(0, 0, -30), End: end}
}

func TestConversionAnalysis(t *testing.T) {
	window := testWindow()
	repo := &mockRepo{
		window:         window,
		completions:    []StepCompletion{{0, 1000}, {1, 400}, {2, 50}},
		totalsCurrent:  FunnelTotals{Entries: 1000, Conversions: 50},
		totalsPrevious: FunnelTotals{Entries: 1000, Conversions: 25},
		timings: []StepTiming{
			{StepOrder: 0, AvgSecondsToNext: 60, MedianSecondsToNext: 45},
			{StepOrder: 1, AvgSecondsToNext: 120, MedianSecondsToNext: 90},
		},
		aggregates: TimingAggregates{AvgTimeToConvertSeconds: 600, ConversionsPerHour: 2.5},
	}
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, repo)

	out, err := e.Conversion(context.Background(), &ConversionRequest{
		Scope:    testScope(),
		FunnelID: 1,
		Window:   window,
	})
	require.NoError(t, err)

	require.Len(t, out.Steps, 3)
	assert.Equal(t, int64(1000), out.Steps[0].TotalUsers)
	assert.InDelta(t, 100.0, out.Steps[0].ConversionRateFromPrevious, 1e-9)

	// Drop-off math consistency: count and rate derive from adjacent steps.
	assert.Equal(t, int64(600), out.Steps[1].DropOffCount)
	assert.InDelta(t, 60.0, out.Steps[1].DropOffRate, 1e-9)
	assert.True(t, out.Steps[1].IsBottleneck)
	assert.Equal(t, "medium", out.Steps[1].Severity)

	assert.InDelta(t, 87.5, out.Steps[2].DropOffRate, 1e-9)
	assert.Equal(t, "critical", out.Steps[2].Severity)

	// Percentile estimates derive from the mean with fixed ratios.
	assert.Equal(t, "ratio_from_mean", out.Steps[1].EstimationMethod)
	assert.InDelta(t, 120.0, out.Steps[1].PercentileEstimates["p50"], 1e-9)
	assert.InDelta(t, 216.0, out.Steps[1].PercentileEstimates["p95"], 1e-9)

	assert.Equal(t, int64(1000), out.Overall.TotalEntries)
	assert.Equal(t, int64(50), out.Overall.TotalConversions)
	assert.InDelta(t, 5.0, out.Overall.ConversionRate, 1e-9)
	assert.InDelta(t, 50.0, out.Overall.EngagementScore, 1e-9)

	// Doubling conversions over the previous window is significant at 99%.
	assert.True(t, out.Significance.IsSignificant)
	assert.Equal(t, 99, out.Significance.ConfidenceLevel)
	assert.InDelta(t, 100.0, out.Significance.ImprovementPercent, 1e-9)
	assert.InDelta(t, 2.93, out.Significance.ZScore, 0.05)

	assert.False(t, out.Meta.CacheHit)
	assert.Equal(t, "fn_1", out.Meta.FunnelID)
}

func TestConversionCacheHit(t *testing.T) {
	window := testWindow()
	repo := &mockRepo{
		window:        window,
		completions:   []StepCompletion{{0, 10}, {1, 5}, {2, 1}},
		totalsCurrent: FunnelTotals{Entries: 10, Conversions: 1},
	}
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, repo)

	req := &ConversionRequest{Scope: testScope(), FunnelID: 1, Window: window}

	first, err := e.Conversion(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.Meta.CacheHit)

	second, err := e.Conversion(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Meta.CacheHit)
	assert.Equal(t, first.Overall, second.Overall)
}

func TestConversionWindowValidation(t *testing.T) {
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, &mockRepo{})
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, err := e.Conversion(context.Background(), &ConversionRequest{
		Scope:    testScope(),
		FunnelID: 1,
		Window:   TimeWindow{Start: now, End: now},
	})
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = e.Conversion(context.Background(), &ConversionRequest{
		Scope:    testScope(),
		FunnelID: 1,
		Window:   TimeWindow{Start: now.AddDate(0, 0, -91), End: now},
	})
	assert.ErrorIs(t, err, ErrRangeTooLarge)
}

func TestConversionRequiresPublishedFunnel(t *testing.T) {
	unpublished := testFunnel(1)
	unpublished.Publications = nil

	e := newTestEngine(t, &mockStore{funnel: unpublished}, &mockRepo{})

	_, err := e.Conversion(context.Background(), &ConversionRequest{
		Scope:    testScope(),
		FunnelID: 1,
		Window:   testWindow(),
	})
	assert.ErrorIs(t, err, ErrNotPublished)
}

func TestConversionFunnelNotFound(t *testing.T) {
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, &mockRepo{})

	_, err := e.Conversion(context.Background(), &ConversionRequest{
		Scope:    testScope(),
		FunnelID: 99,
		Window:   testWindow(),
	})
	assert.ErrorIs(t, err, funnel.ErrNotFound)
}

func TestDropOffAnalysis(t *testing.T) {
	window := testWindow()
	repo := &mockRepo{
		window: window,
		dropOffs: []StepDropOff{
			{StepOrder: 0, Entries: 1000, Exits: 600, AvgSecondsBeforeExit: 20, AvgSecondsOnStep: 20},
			{StepOrder: 1, Entries: 400, Exits: 300, AvgSecondsBeforeExit: 400, AvgSecondsOnStep: 400},
			{StepOrder: 2, Entries: 100, Exits: 0},
		},
		exitPaths: []ExitPath{{StepOrder: 0, ImmediateBounces: 500, DelayedExits: 100}},
	}
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, repo)

	out, err := e.DropOff(context.Background(), &DropOffRequest{
		Scope:            testScope(),
		FunnelID:         1,
		Window:           window,
		IncludeExitPaths: true,
	})
	require.NoError(t, err)

	require.Len(t, out.Steps, 3)
	assert.InDelta(t, 60.0, out.Steps[0].DropOffRate, 1e-9)
	assert.InDelta(t, 75.0, out.Steps[1].DropOffRate, 1e-9)
	assert.Equal(t, "immediate", out.Steps[0].ExitVelocity)
	assert.Equal(t, "quick", out.Steps[1].ExitVelocity)

	// Severity weighs exit rate by share of total entries.
	require.NotEmpty(t, out.Bottlenecks)
	top := out.Bottlenecks[0]
	assert.Equal(t, 0, top.StepOrder)
	assert.InDelta(t, 100.0, top.Severity, 1e-9) // 60% * 1.0 * 2, clamped
	assert.Equal(t, int64(900), out.Summary.TotalDropOffs)
	assert.Equal(t, top.StepOrder, out.Summary.BiggestBottleneckStep)
	assert.Greater(t, out.Summary.OptimizationPotential, 0.0)

	require.Len(t, out.ExitPaths, 1)
	assert.Equal(t, int64(500), out.ExitPaths[0].ImmediateBounces)
}

func TestAttributionModels(t *testing.T) {
	window := testWindow()
	converted := window.Start.Add(12 * time.Hour)

	repo := &mockRepo{
		window: window,
		touchJourneys: []TouchpointJourney{{
			AnonymousID: "a_u1",
			ConvertedAt: converted,
			Touchpoints: []Touchpoint{
				{Type: "paid_search", UTMSource: "google", UTMMedium: "cpc", Timestamp: converted.Add(-3 * time.Hour)},
				{Type: "direct", Timestamp: converted.Add(-2 * time.Hour)},
				{Type: "social", UTMSource: "fb", UTMMedium: "social", Timestamp: converted.Add(-1 * time.Hour)},
			},
		}},
	}
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, repo)

	out, err := e.Attribution(context.Background(), &AttributionRequest{
		Scope:    testScope(),
		FunnelID: 1,
		Window:   window,
	})
	require.NoError(t, err)

	linear := out.Models[string(ModelLinear)]
	require.Len(t, linear, 3)

	for _, tc := range linear {
		assert.InDelta(t, 1.0/3, tc.Credit, 1e-6)
	}

	first := out.Models[string(ModelFirstTouch)]
	require.Len(t, first, 1)
	assert.Equal(t, "paid_search_google_cpc", first[0].TouchpointID)
	assert.InDelta(t, 1.0, first[0].Credit, 1e-6)

	last := out.Models[string(ModelLastTouch)]
	require.Len(t, last, 1)
	assert.Equal(t, "social_fb_social", last[0].TouchpointID)

	// Credit conservation: every model distributes exactly 1.0 per journey.
	for model, credits := range out.Models {
		total := 0.0
		for _, tc := range credits {
			total += tc.Credit
		}

		assert.InDelta(t, 1.0, total, 1e-6, "model %s", model)
	}

	assert.Equal(t, int64(1), out.JourneyStats.Journeys)
	assert.InDelta(t, 3.0, out.JourneyStats.AvgTouchpoints, 1e-9)
	assert.InDelta(t, 100.0, out.JourneyStats.MultiChannelPercent, 1e-9)
}

func TestAttributionSingleTouchpoint(t *testing.T) {
	window := testWindow()
	converted := window.Start.Add(time.Hour)

	repo := &mockRepo{
		window: window,
		touchJourneys: []TouchpointJourney{{
			AnonymousID: "a_u1",
			ConvertedAt: converted,
			Touchpoints: []Touchpoint{
				{Type: "organic_search", UTMSource: "google", Timestamp: converted.Add(-time.Minute)},
			},
		}},
	}
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, repo)

	out, err := e.Attribution(context.Background(), &AttributionRequest{
		Scope:    testScope(),
		FunnelID: 1,
		Window:   window,
	})
	require.NoError(t, err)

	for model, credits := range out.Models {
		require.Len(t, credits, 1, "model %s", model)
		assert.InDelta(t, 1.0, credits[0].Credit, 1e-6, "model %s", model)
	}
}

func TestAttributionCustomWeightValidation(t *testing.T) {
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, &mockRepo{})

	_, err := e.Attribution(context.Background(), &AttributionRequest{
		Scope:         testScope(),
		FunnelID:      1,
		Window:        testWindow(),
		CustomWeights: []float64{0.5, 0.6},
	})
	assert.ErrorIs(t, err, ErrInvalidCustomWeights)

	_, err = e.Attribution(context.Background(), &AttributionRequest{
		Scope:         testScope(),
		FunnelID:      1,
		Window:        testWindow(),
		CustomWeights: []float64{1.2, -0.2},
	})
	assert.ErrorIs(t, err, ErrInvalidCustomWeights)
}

func TestAttributionCacheKeyCoversRequestFields(t *testing.T) {
	window := testWindow()
	converted := window.Start.Add(12 * time.Hour)

	repo := &mockRepo{
		window: window,
		touchJourneys: []TouchpointJourney{{
			AnonymousID: "a_u1",
			ConvertedAt: converted,
			Touchpoints: []Touchpoint{
				{Type: "paid_search", UTMSource: "google", Timestamp: converted.Add(-2 * time.Hour)},
				{Type: "social", UTMSource: "facebook", Timestamp: converted.Add(-1 * time.Hour)},
			},
		}},
	}
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, repo)
	ctx := context.Background()

	first, err := e.Attribution(ctx, &AttributionRequest{
		Scope:         testScope(),
		FunnelID:      1,
		Window:        window,
		CustomWeights: []float64{1, 0},
	})
	require.NoError(t, err)

	custom := first.Models[string(ModelCustom)]
	require.Len(t, custom, 1)
	assert.Equal(t, "paid_search_google_none", custom[0].TouchpointID)

	// Same length, different weights: must miss the cache and credit the
	// other touchpoint.
	second, err := e.Attribution(ctx, &AttributionRequest{
		Scope:         testScope(),
		FunnelID:      1,
		Window:        window,
		CustomWeights: []float64{0, 1},
	})
	require.NoError(t, err)
	assert.False(t, second.Meta.CacheHit)

	custom = second.Models[string(ModelCustom)]
	require.Len(t, custom, 1)
	assert.Equal(t, "social_facebook_none", custom[0].TouchpointID)
	assert.InDelta(t, 1.0, custom[0].Credit, 1e-6)

	// Position weights are key material too.
	third, err := e.Attribution(ctx, &AttributionRequest{
		Scope:         testScope(),
		FunnelID:      1,
		Window:        window,
		PositionFirst: 0.6,
		PositionLast:  0.2,
	})
	require.NoError(t, err)
	assert.False(t, third.Meta.CacheHit)

	position := third.Models[string(ModelPositionBased)]
	require.Len(t, position, 2)
	assert.Equal(t, "paid_search_google_none", position[0].TouchpointID)
	assert.InDelta(t, 0.7, position[0].Credit, 1e-6) // 0.6 + half the middle share

	// Identical parameters do still hit.
	again, err := e.Attribution(ctx, &AttributionRequest{
		Scope:         testScope(),
		FunnelID:      1,
		Window:        window,
		PositionFirst: 0.6,
		PositionLast:  0.2,
	})
	require.NoError(t, err)
	assert.True(t, again.Meta.CacheHit)
}

func TestTimeSeriesTrend(t *testing.T) {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	buckets := make([]TimeBucket, 10)

	for i := range buckets {
		buckets[i] = TimeBucket{
			Start:       start.AddDate(0, 0, i),
			Entries:     100,
			Conversions: int64(2 + i), // steadily improving
		}
	}

	out := buildTimeSeries(buckets)
	require.Len(t, out, 10)

	assert.Equal(t, "stable", out[0].TrendDirection)
	assert.Equal(t, "up", out[5].TrendDirection)
	assert.InDelta(t, 2.0, out[0].ConversionRate, 1e-9)
	assert.InDelta(t, 11.0, out[9].ConversionRate, 1e-9)
}

func TestPathGrouping(t *testing.T) {
	mainPath := []JourneyEvent{
		{StepType: "start", StepIdentifier: "begin", TimeSpentSeconds: 30},
		{StepType: "page", StepIdentifier: "/checkout", TimeSpentSeconds: 60},
		{StepType: "conversion", StepIdentifier: "purchase"},
	}
	shortcut := []JourneyEvent{
		{StepType: "start", StepIdentifier: "begin", TimeSpentSeconds: 20},
		{StepType: "conversion", StepIdentifier: "purchase"},
	}

	var journeys []UserJourney

	for i := 0; i < 12; i++ {
		journeys = append(journeys, UserJourney{AnonymousID: "m", Converted: true, Events: mainPath})
	}

	for i := 0; i < 11; i++ {
		journeys = append(journeys, UserJourney{AnonymousID: "s", Converted: i < 5, Events: shortcut})
	}

	// Below the volume floor, must be dropped.
	journeys = append(journeys, UserJourney{AnonymousID: "x", Events: mainPath[:1]})

	groups := groupJourneys(journeys, 10)
	require.Len(t, groups, 2)

	paths := buildPathMetrics(groups)
	assert.Equal(t, "primary", paths[0].Classification)
	assert.Equal(t, int64(12), paths[0].Users)
	assert.InDelta(t, 100.0, paths[0].ConversionRate, 1e-9)

	alt := paths[1]
	assert.Equal(t, "alternative", alt.Classification)
	assert.Equal(t, "conversion:purchase", alt.MergePoint)
	assert.Equal(t, []string{"page:/checkout"}, alt.SkippedSteps)
	assert.InDelta(t, 45.45, alt.ConversionRate, 0.01)
}

func TestEfficiencyScore(t *testing.T) {
	// Perfect conversion, instant, single step.
	assert.Equal(t, 99, efficiencyScore(100, 0, 1))
	// No conversions, slow, long path.
	assert.Equal(t, 0, efficiencyScore(0, 7200, 25))
}

func TestCompareABWinner(t *testing.T) {
	window := TimeWindow{
		Start: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	samples := []funnelSample{
		{id: 1, name: "A", entries: 2000, conversions: 100},
		{id: 2, name: "B", entries: 2000, conversions: 140},
	}

	out := buildCompareResult(samples, &CompareRequest{
		Scope:     testScope(),
		FunnelIDs: []int64{1, 2},
		Window:    window,
		ABTest: &ABTestConfig{
			Name:               "checkout-v2",
			ConfidenceLevel:    95,
			MinimumSampleSize:  100,
			ExpectedEffectSize: 0.02,
		},
	})

	require.Len(t, out.Pairwise, 1)
	pw := out.Pairwise[0]
	assert.InDelta(t, 2.65, -pw.ZScore, 0.05) // B leads, A listed first
	assert.InDelta(t, 0.008, pw.PValue, 0.003)
	assert.True(t, pw.IsSignificant)

	require.NotNil(t, out.ABOutcome)
	assert.Equal(t, "winner_declared", out.ABOutcome.Status)
	assert.Equal(t, "fn_2", out.ABOutcome.Winner)
	assert.InDelta(t, 40.0, out.ABOutcome.LiftPercent, 0.5)

	var winner FunnelPerformance

	for _, f := range out.Funnels {
		if f.Rank == 1 {
			winner = f
		}
	}

	assert.Equal(t, "fn_2", winner.FunnelID)
}

func TestCompareValidation(t *testing.T) {
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, &mockRepo{})

	_, err := e.Compare(context.Background(), &CompareRequest{
		Scope:     testScope(),
		FunnelIDs: []int64{1},
		Window:    testWindow(),
	})
	assert.ErrorIs(t, err, ErrTooFewFunnels)

	_, err = e.Compare(context.Background(), &CompareRequest{
		Scope:     testScope(),
		FunnelIDs: []int64{1, 2, 3, 4, 5, 6},
		Window:    testWindow(),
	})
	assert.ErrorIs(t, err, ErrTooManyFunnels)

	_, err = e.Compare(context.Background(), &CompareRequest{
		Scope:     testScope(),
		FunnelIDs: []int64{1, 2},
		Window:    testWindow(),
		ABTest:    &ABTestConfig{ConfidenceLevel: 80, MinimumSampleSize: 100, ExpectedEffectSize: 0.1},
	})
	assert.ErrorIs(t, err, ErrInvalidABConfig)
}

func TestComparisonIDDeterministic(t *testing.T) {
	w := testWindow()

	a := comparisonID([]int64{3, 1, 2}, w)
	b := comparisonID([]int64{1, 2, 3}, w)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, comparisonID([]int64{1, 2, 4}, w))
}

func TestSPCAnomalyDetection(t *testing.T) {
	start := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)

	// Baseline alternating 9% and 11%: mean 10, sigma 1.
	baseline := make([]TimeBucket, 10)

	for i := range baseline {
		conv := int64(9)
		if i%2 == 1 {
			conv = 11
		}

		baseline[i] = TimeBucket{Start: start.Add(time.Duration(i) * time.Hour), Entries: 100, Conversions: conv}
	}

	// Current window: ten consecutive points at 6.5%, below mean-3sigma=7.
	series := make([]TimeBucket, 10)
	for i := range series {
		series[i] = TimeBucket{Start: start.Add(time.Duration(10+i) * time.Hour), Entries: 200, Conversions: 13}
	}

	anomalies := detectAnomalies(baseline, series)
	require.Len(t, anomalies, 1)

	a := anomalies[0]
	assert.Equal(t, "sudden_drop", a.Type)
	assert.InDelta(t, 3.5, a.Magnitude, 1e-9)
	assert.InDelta(t, 70.0, a.ConfidenceScore, 1e-9)
}

func TestSPCNoAnomalyInsideLimits(t *testing.T) {
	start := time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)

	baseline := []TimeBucket{
		{Start: start, Entries: 100, Conversions: 9},
		{Start: start.Add(time.Hour), Entries: 100, Conversions: 11},
	}
	series := []TimeBucket{
		{Start: start.Add(2 * time.Hour), Entries: 100, Conversions: 10},
		{Start: start.Add(3 * time.Hour), Entries: 100, Conversions: 9},
	}

	assert.Empty(t, detectAnomalies(baseline, series))
}

func TestBottleneckSensitivityPresets(t *testing.T) {
	req := &BottleneckRequest{}
	req.normalize()

	assert.Equal(t, defaultTimeWindowHours, req.TimeWindowHours)
	assert.Equal(t, defaultComparisonPeriodDays, req.ComparisonPeriodDays)
	assert.Equal(t, SensitivityMedium, req.Sensitivity)

	req = &BottleneckRequest{TimeWindowHours: 1000, ComparisonPeriodDays: 99}
	req.normalize()

	assert.Equal(t, maxTimeWindowHours, req.TimeWindowHours)
	assert.Equal(t, maxComparisonPeriodDays, req.ComparisonPeriodDays)
}

func TestConversionDropDetection(t *testing.T) {
	steps := testFunnel(1).Publications[0].Snapshot.Steps

	current := []StepWindowStat{{StepOrder: 1, Entries: 500, Completions: 100}}
	historical := []StepWindowStat{{StepOrder: 1, Entries: 3500, Completions: 1400}}

	// 20% vs 40%: a 50% relative drop with large samples.
	out := detectConversionDrops(steps, current, historical, sensitivityPresets[SensitivityMedium])
	require.Len(t, out, 1)

	d := out[0]
	assert.Equal(t, 1, d.StepOrder)
	assert.InDelta(t, 50.0, d.DropPercentage, 1e-9)
	assert.Equal(t, int64(400), d.AffectedUsers)
	assert.Equal(t, "high", d.Severity) // impact 50*log10(400) = 130

	// Below the drop floor nothing fires.
	mild := []StepWindowStat{{StepOrder: 1, Entries: 500, Completions: 190}}
	assert.Empty(t, detectConversionDrops(steps, mild, historical, sensitivityPresets[SensitivityMedium]))
}

func TestLiveMetrics(t *testing.T) {
	repo := &mockRepo{}
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, repo)

	out, err := e.Live(context.Background(), &LiveRequest{Scope: testScope(), FunnelID: 1})
	require.NoError(t, err)

	assert.Zero(t, out.ActiveSessions)
	assert.NotNil(t, out.StepDistribution)
	assert.NotNil(t, out.MinuteTrends)
	assert.NotNil(t, out.StuckUsers)
}

func TestProgressReportsAbandonedWhenIdle(t *testing.T) {
	idle := time.Now().UTC().Add(-40 * 24 * time.Hour).Truncate(time.Second)
	repo := &mockRepo{progress: &UserProgress{
		AnonymousID:      "a_u1",
		CurrentStepIndex: 1,
		Status:           "active",
		EnteredAt:        idle.Add(-time.Hour),
		LastActivityAt:   idle,
	}}
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, repo)

	// 40 days idle on a 30-day window: reported abandoned even before the
	// sweep persists it.
	out, err := e.Progress(context.Background(), &UserProgressRequest{
		Scope:       testScope(),
		FunnelID:    1,
		AnonymousID: "a_u1",
	})
	require.NoError(t, err)

	assert.Equal(t, "abandoned", out.Status)
	assert.Equal(t, idle.Format(time.RFC3339), out.ExitedAt)

	// Recent activity stays active.
	repo.progress = &UserProgress{
		AnonymousID:    "a_u2",
		Status:         "active",
		EnteredAt:      time.Now().UTC().Add(-2 * time.Hour),
		LastActivityAt: time.Now().UTC().Add(-time.Hour),
	}

	out, err = e.Progress(context.Background(), &UserProgressRequest{
		Scope:       testScope(),
		FunnelID:    1,
		AnonymousID: "a_u2",
	})
	require.NoError(t, err)

	assert.Equal(t, "active", out.Status)
	assert.Empty(t, out.ExitedAt)
}

func TestProgressNotFound(t *testing.T) {
	e := newTestEngine(t, &mockStore{funnel: testFunnel(1)}, &mockRepo{})

	_, err := e.Progress(context.Background(), &UserProgressRequest{
		Scope:       testScope(),
		FunnelID:    1,
		AnonymousID: "a_unknown",
	})
	assert.ErrorIs(t, err, funnel.ErrNotFound)
}
