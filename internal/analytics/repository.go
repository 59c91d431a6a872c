package analytics

import (
	"context"
	"time"

	"github.com/funneld-io/funneld/internal/funnel"
)

type (
	// TimeWindow is a half-open [Start, End) analysis window in UTC.
	TimeWindow struct {
		Start time.Time
		End   time.Time
	}

	// Granularity buckets a time-series.
	Granularity string

	// CohortPeriod groups users by entry period.
	CohortPeriod string

	// SegmentDimension names the event attribute used for segmentation.
	SegmentDimension string
)

// Time-series granularities.
const (
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
	GranularityWeekly Granularity = "weekly"
)

// Cohort periods.
const (
	CohortDaily   CohortPeriod = "daily"
	CohortWeekly  CohortPeriod = "weekly"
	CohortMonthly CohortPeriod = "monthly"
)

// Segment dimensions.
const (
	SegmentDeviceType SegmentDimension = "device_type"
	SegmentUTMSource  SegmentDimension = "utm_source"
	SegmentPlatform   SegmentDimension = "platform"
)

// Duration returns the window length.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Previous returns the window of equal duration immediately preceding Start.
func (w TimeWindow) Previous() TimeWindow {
	d := w.Duration()

	return TimeWindow{Start: w.Start.Add(-d), End: w.Start}
}

type (
	// StepCompletion counts distinct users at or past a step order.
	StepCompletion struct {
		StepOrder int
		Users     int64
	}

	// FunnelTotals are the headline counts for a window.
	FunnelTotals struct {
		Entries     int64
		Conversions int64
	}

	// SegmentConversion is one segment's entries and conversions. A segment
	// may report zero on either side (full outer join semantics).
	SegmentConversion struct {
		Dimension SegmentDimension
		Segment   string
		Entries   int64
		Conversions int64
	}

	// TimeBucket is one zero-filled bucket of a conversion time-series.
	// Entries bucket on first_seen_at, conversions on completed_at.
	TimeBucket struct {
		Start       time.Time
		Entries     int64
		Conversions int64
	}

	// TimingAggregates are the window-level timing numbers.
	TimingAggregates struct {
		AvgStepCompletionSeconds float64
		AvgTimeToConvertSeconds  float64
		ConversionsPerHour       float64
		AvgConversionRate        float64
	}

	// PeerFunnelMetric is another workspace funnel's 30-day performance,
	// restricted to funnels with at least 100 entries.
	PeerFunnelMetric struct {
		FunnelID       int64
		Name           string
		Entries        int64
		Conversions    int64
		ConversionRate float64
	}

	// StepDropOff is the per-step exit profile.
	StepDropOff struct {
		StepOrder             int
		Entries               int64
		Exits                 int64
		AvgSecondsBeforeExit  float64
		AvgSecondsOnStep      float64
	}

	// ExitPath splits a step's exits into bounce categories.
	ExitPath struct {
		StepOrder        int
		ImmediateBounces int64
		DelayedExits     int64
	}

	// Cohort is a group of users who entered in the same period, with the
	// dominant attributes of their first event (within 24h of entry).
	Cohort struct {
		PeriodStart  time.Time
		Size         int64
		Conversions  int64
		DeviceSplit  map[string]int64
		SourceSplit  map[string]int64
		CountrySplit map[string]int64
		AvgTimeToConvertMinutes float64
	}

	// CohortStepProgress is one cohort's reach at one step.
	CohortStepProgress struct {
		PeriodStart time.Time
		StepOrder   int
		Reached     int64
	}

	// RetentionPoint is one cohort's liveness at period offset k (0..4),
	// counting users whose last_step_at >= cohort start + k*period.
	RetentionPoint struct {
		PeriodStart time.Time
		Offset      int
		Retained    int64
	}

	// StepTiming is per-step transition timing.
	StepTiming struct {
		StepOrder           int
		Users               int64
		Proceeded           int64
		AvgSecondsToNext    float64
		MedianSecondsToNext float64
		P90SecondsToNext    float64
	}

	// PeriodDurations carries per-period conversion durations for velocity
	// trends.
	PeriodDurations struct {
		PeriodStart time.Time
		Conversions int64
		AvgSeconds  float64
		MedianSeconds float64
	}

	// SegmentTiming is per-segment conversion timing with a user floor of 10.
	SegmentTiming struct {
		Dimension  SegmentDimension
		Segment    string
		Users      int64
		AvgSeconds float64
	}

	// LiveSnapshot is the realtime counter set.
	LiveSnapshot struct {
		ActiveSessions  int64 // active in last 30m
		EntriesLastHour int64
		ConversionsLastHour int64
	}

	// LiveStepCount is the step distribution of currently-active users.
	LiveStepCount struct {
		StepOrder int
		Users     int64
	}

	// LiveTrendPoint is a per-minute entry/conversion count for the last 30m.
	LiveTrendPoint struct {
		Minute      time.Time
		Entries     int64
		Conversions int64
	}

	// StuckGroup is a set of active users idle beyond 10 minutes on a step.
	StuckGroup struct {
		StepOrder int
		Users     int64
		AvgIdleMinutes float64
	}

	// StepWindowStat is a step's entries and completions inside one window,
	// plus mean completion time; used by bottleneck detection to compare a
	// current window against a historical baseline.
	StepWindowStat struct {
		StepOrder          int
		Entries            int64
		Completions        int64
		AvgSecondsToComplete float64
	}

	// JourneyEvent is one event of a user journey, ordered by timestamp.
	JourneyEvent struct {
		StepType       string
		StepIdentifier string
		Timestamp      time.Time
		TimeSpentSeconds float64
	}

	// UserJourney is one user's ordered event stream within the window,
	// capped at the requested max path length.
	UserJourney struct {
		AnonymousID string
		Converted   bool
		Events      []JourneyEvent
	}

	// Touchpoint is one attribution touchpoint.
	Touchpoint struct {
		Type      string // paid_search | organic_search | direct | social | referral
		UTMSource string
		UTMMedium string
		Timestamp time.Time
	}

	// TouchpointJourney is one converting user's touchpoint sequence inside
	// the lookback window, capped at 20 touchpoints.
	TouchpointJourney struct {
		AnonymousID  string
		ConvertedAt  time.Time
		Touchpoints  []Touchpoint
	}

	// UserProgress is a single user's current funnel state.
	UserProgress struct {
		AnonymousID      string
		LeadID           string
		CurrentStepIndex int
		Status           string
		EnteredAt        time.Time
		LastActivityAt   time.Time
		CompletedAt      *time.Time
		ExitedAt         *time.Time
	}
)

// Repository provides the typed read-side queries behind the analytics
// engine. Implementations enforce tenant scoping and exclude archived
// funnels on every query; internal/storage provides the PostgreSQL
// implementation.
type Repository interface {
	// StepCompletions returns, per step order 0..stepCount-1, the distinct
	// users whose state reached at least that step inside the window.
	StepCompletions(ctx context.Context, scope funnel.Scope, funnelID int64, stepCount int, window TimeWindow) ([]StepCompletion, error)

	// FunnelTotals returns entries (reached step 0) and conversions
	// (completed) inside the window.
	FunnelTotals(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow) (*FunnelTotals, error)

	// SegmentConversions breaks entries/conversions down by a dimension with
	// full outer join semantics.
	SegmentConversions(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow, dim SegmentDimension) ([]SegmentConversion, error)

	// ConversionTimeSeries returns a zero-filled continuous series over the
	// window at the given granularity.
	ConversionTimeSeries(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow, g Granularity) ([]TimeBucket, error)

	// TimingAggregates returns window-level timing and velocity numbers.
	TimingAggregates(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow) (*TimingAggregates, error)

	// PeerFunnelMetrics returns last-30-day metrics for workspace funnels
	// with at least 100 entries.
	PeerFunnelMetrics(ctx context.Context, scope funnel.Scope) ([]PeerFunnelMetric, error)

	// StepDropOffs returns the per-step exit profile for the window.
	StepDropOffs(ctx context.Context, scope funnel.Scope, funnelID int64, stepCount int, window TimeWindow) ([]StepDropOff, error)

	// ExitPaths splits per-step exits into immediate bounces
	// (last_step_at == entered_at) and delayed exits.
	ExitPaths(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow) ([]ExitPath, error)

	// CohortsByPeriod groups users by entry period, enriched with the
	// device/source/geo split of each user's first event within 24h.
	CohortsByPeriod(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow, period CohortPeriod) ([]Cohort, error)

	// CohortProgression returns per-cohort per-step reach.
	CohortProgression(ctx context.Context, scope funnel.Scope, funnelID int64, stepCount int, window TimeWindow, period CohortPeriod) ([]CohortStepProgress, error)

	// RetentionCurves returns retained users for period offsets 0..4.
	// Liveness signal is last_step_at, which understates activity outside
	// funnel steps.
	RetentionCurves(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow, period CohortPeriod) ([]RetentionPoint, error)

	// ConversionDurations returns per-user seconds from first to last step of
	// full-conversion journeys inside the window.
	ConversionDurations(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow) ([]float64, error)

	// StepTimings returns per-step transition timing.
	StepTimings(ctx context.Context, scope funnel.Scope, funnelID int64, stepCount int, window TimeWindow) ([]StepTiming, error)

	// PeriodDurations returns per-period conversion counts and durations for
	// velocity trends.
	PeriodDurations(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow, period CohortPeriod) ([]PeriodDurations, error)

	// SegmentTimings returns per-segment conversion timing for segments with
	// at least 10 users.
	SegmentTimings(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow, dim SegmentDimension) ([]SegmentTiming, error)

	// LiveSnapshot returns the realtime counters.
	LiveSnapshot(ctx context.Context, scope funnel.Scope, funnelID int64) (*LiveSnapshot, error)

	// LiveStepDistribution returns the step distribution of active users.
	LiveStepDistribution(ctx context.Context, scope funnel.Scope, funnelID int64) ([]LiveStepCount, error)

	// LiveTrends returns per-minute entries/conversions for the last 30m.
	LiveTrends(ctx context.Context, scope funnel.Scope, funnelID int64) ([]LiveTrendPoint, error)

	// StuckUsers returns active users idle beyond 10 minutes, grouped by
	// step, keeping only groups of 5 or more.
	StuckUsers(ctx context.Context, scope funnel.Scope, funnelID int64) ([]StuckGroup, error)

	// StepWindowStats returns per-step entries/completions/timing for an
	// arbitrary window; bottleneck detection calls it for the current and
	// the historical window.
	StepWindowStats(ctx context.Context, scope funnel.Scope, funnelID int64, stepCount int, window TimeWindow) ([]StepWindowStat, error)

	// UserJourneys returns up to 1000 ordered per-user event streams inside
	// the window, capped at maxPathLength events each.
	UserJourneys(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow, maxPathLength int) ([]UserJourney, error)

	// TouchpointJourneys returns up to 5000 converting journeys with labeled
	// touchpoints inside the lookback window, capped at 20 per journey.
	TouchpointJourneys(ctx context.Context, scope funnel.Scope, funnelID int64, window TimeWindow, lookbackDays int) ([]TouchpointJourney, error)

	// UserProgress returns one user's state for the funnel, or nil when the
	// user never entered it.
	UserProgress(ctx context.Context, scope funnel.Scope, funnelID int64, anonymousID string) (*UserProgress, error)
}
