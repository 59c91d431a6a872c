// Analytics read-side queries over funnel_user_state and event.
//
// Every query filters on (tenant_id, workspace_id) and reaches states through
// a join against non-archived funnels, so archived funnels disappear from
// analytics without a delete.

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funneld-io/funneld/internal/analytics"
	"github.com/funneld-io/funneld/internal/funnel"
)

// peerMetricsWindowDays and peerMetricsEntryFloor bound the workspace peer
// comparison: last 30 days, funnels with at least 100 entries.
const (
	peerMetricsWindowDays = 30
	peerMetricsEntryFloor = 100
)

// segmentTimingUserFloor drops timing segments too small to be meaningful.
const segmentTimingUserFloor = 10

// AnalyticsRepository is the PostgreSQL implementation of
// analytics.Repository.
type AnalyticsRepository struct {
	conn   *Connection
	logger *slog.Logger
}

var _ analytics.Repository = (*AnalyticsRepository)(nil)

// NewAnalyticsRepository creates an analytics repository on an established
// connection.
func NewAnalyticsRepository(conn *Connection, logger *slog.Logger) *AnalyticsRepository {
	return &AnalyticsRepository{conn: conn, logger: logger}
}

// stateScopeJoin is the shared FROM clause for state queries. Placeholders
// $1..$4 are tenant, workspace, funnel, and are shared by every caller.
const stateScopeJoin = `
	FROM funnel_user_state s
	JOIN funnel f ON f.id = s.funnel_id AND f.archived_at IS NULL
	WHERE s.tenant_id = $1 AND s.workspace_id = $2 AND s.funnel_id = $3`

// truncUnit maps a granularity to its date_trunc unit.
func truncUnit(g analytics.Granularity) string {
	switch g {
	case analytics.GranularityHourly:
		return "hour"
	case analytics.GranularityWeekly:
		return "week"
	case analytics.GranularityDaily:
		return "day"
	default:
		return "day"
	}
}

// periodUnit maps a cohort period to its date_trunc unit.
func periodUnit(p analytics.CohortPeriod) string {
	switch p {
	case analytics.CohortDaily:
		return "day"
	case analytics.CohortMonthly:
		return "month"
	case analytics.CohortWeekly:
		return "week"
	default:
		return "week"
	}
}

// segmentColumn maps a dimension to its event column.
func segmentColumn(dim analytics.SegmentDimension) string {
	switch dim {
	case analytics.SegmentDeviceType:
		return "device_type"
	case analytics.SegmentUTMSource:
		return "utm_source"
	case analytics.SegmentPlatform:
		return "os"
	default:
		return "device_type"
	}
}

// firstEventLateral joins each state row to the dominant attributes of the
// user's first event within 24 hours of funnel entry.
const firstEventLateral = `
	LEFT JOIN LATERAL (
		SELECT e.device_type, e.utm_source, e.os, e.country
		FROM event e
		WHERE e.tenant_id = s.tenant_id
		  AND e.workspace_id = s.workspace_id
		  AND e.anonymous_id = s.anonymous_id
		  AND e.occurred_at >= s.entered_at
		  AND e.occurred_at < s.entered_at + INTERVAL '24 hours'
		ORDER BY e.occurred_at
		LIMIT 1
	) fe ON TRUE`

// StepCompletions counts distinct users whose state reached at least each
// step order inside the window.
func (r *AnalyticsRepository) StepCompletions(ctx context.Context, scope funnel.Scope, funnelID int64, stepCount int, window analytics.TimeWindow) ([]analytics.StepCompletion, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT g.step_order,
		       COUNT(s.anonymous_id) FILTER (
		           WHERE s.current_step_index >= g.step_order OR s.status = 'completed'
		       )
		FROM generate_series(0, $6::int - 1) AS g(step_order)
		LEFT JOIN funnel_user_state s
		       ON s.tenant_id = $1 AND s.workspace_id = $2 AND s.funnel_id = $3
		      AND s.entered_at >= $4 AND s.entered_at < $5
		GROUP BY g.step_order
		ORDER BY g.step_order`,
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End, stepCount,
	)
	if err != nil {
		return nil, fmt.Errorf("step completions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]analytics.StepCompletion, 0, stepCount)

	for rows.Next() {
		var sc analytics.StepCompletion
		if err := rows.Scan(&sc.StepOrder, &sc.Users); err != nil {
			return nil, fmt.Errorf("scan step completion: %w", err)
		}

		out = append(out, sc)
	}

	return out, rows.Err()
}

// FunnelTotals returns entries and conversions inside the window. Entries
// count on entered_at, conversions on completed_at.
func (r *AnalyticsRepository) FunnelTotals(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow) (*analytics.FunnelTotals, error) {
	totals := &analytics.FunnelTotals{}

	err := r.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE s.entered_at >= $4 AND s.entered_at < $5),
			COUNT(*) FILTER (WHERE s.completed_at >= $4 AND s.completed_at < $5)
		`+stateScopeJoin,
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
	).Scan(&totals.Entries, &totals.Conversions)
	if err != nil {
		return nil, fmt.Errorf("funnel totals: %w", err)
	}

	return totals, nil
}

// SegmentConversions breaks entries/conversions down by a dimension.
func (r *AnalyticsRepository) SegmentConversions(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow, dim analytics.SegmentDimension) ([]analytics.SegmentConversion, error) {
	col := segmentColumn(dim)

	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(NULLIF(fe.%s, ''), 'unknown') AS segment,
		       COUNT(*) FILTER (WHERE s.entered_at >= $4 AND s.entered_at < $5),
		       COUNT(*) FILTER (WHERE s.completed_at >= $4 AND s.completed_at < $5)
		%s
		%s
		  AND s.entered_at >= $4 AND s.entered_at < $5
		GROUP BY segment
		ORDER BY 2 DESC`,
		col, stateScopeJoin, firstEventLateral),
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
	)
	if err != nil {
		return nil, fmt.Errorf("segment conversions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analytics.SegmentConversion

	for rows.Next() {
		sc := analytics.SegmentConversion{Dimension: dim}
		if err := rows.Scan(&sc.Segment, &sc.Entries, &sc.Conversions); err != nil {
			return nil, fmt.Errorf("scan segment conversion: %w", err)
		}

		out = append(out, sc)
	}

	return out, rows.Err()
}

// ConversionTimeSeries returns a zero-filled continuous series over the
// window.
func (r *AnalyticsRepository) ConversionTimeSeries(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow, g analytics.Granularity) ([]analytics.TimeBucket, error) {
	unit := truncUnit(g)

	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(`
		WITH buckets AS (
			SELECT generate_series(
				date_trunc('%[1]s', $4::timestamptz),
				date_trunc('%[1]s', $5::timestamptz - INTERVAL '1 microsecond'),
				('1 ' || '%[1]s')::interval
			) AS bucket_start
		)
		SELECT b.bucket_start,
		       COUNT(s.anonymous_id) FILTER (
		           WHERE date_trunc('%[1]s', s.entered_at) = b.bucket_start
		             AND s.entered_at >= $4 AND s.entered_at < $5
		       ),
		       COUNT(s.anonymous_id) FILTER (
		           WHERE date_trunc('%[1]s', s.completed_at) = b.bucket_start
		             AND s.completed_at >= $4 AND s.completed_at < $5
		       )
		FROM buckets b
		LEFT JOIN funnel_user_state s
		       ON s.tenant_id = $1 AND s.workspace_id = $2 AND s.funnel_id = $3
		GROUP BY b.bucket_start
		ORDER BY b.bucket_start`,
		unit),
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
	)
	if err != nil {
		return nil, fmt.Errorf("conversion time series: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analytics.TimeBucket

	for rows.Next() {
		var tb analytics.TimeBucket
		if err := rows.Scan(&tb.Start, &tb.Entries, &tb.Conversions); err != nil {
			return nil, fmt.Errorf("scan time bucket: %w", err)
		}

		out = append(out, tb)
	}

	return out, rows.Err()
}

// TimingAggregates returns window-level timing and velocity numbers.
func (r *AnalyticsRepository) TimingAggregates(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow) (*analytics.TimingAggregates, error) {
	agg := &analytics.TimingAggregates{}

	hours := window.Duration().Hours()
	if hours <= 0 {
		hours = 1
	}

	var (
		avgStep    sql.NullFloat64
		avgConvert sql.NullFloat64
		entries    int64
		converted  int64
	)

	err := r.conn.QueryRowContext(ctx, `
		SELECT
			AVG(EXTRACT(EPOCH FROM s.last_step_at - s.entered_at) / NULLIF(s.current_step_index, 0))
				FILTER (WHERE s.current_step_index > 0),
			AVG(EXTRACT(EPOCH FROM s.completed_at - s.entered_at))
				FILTER (WHERE s.completed_at IS NOT NULL),
			COUNT(*) FILTER (WHERE s.entered_at >= $4 AND s.entered_at < $5),
			COUNT(*) FILTER (WHERE s.completed_at >= $4 AND s.completed_at < $5)
		`+stateScopeJoin+`
		  AND s.entered_at >= $4 AND s.entered_at < $5`,
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
	).Scan(&avgStep, &avgConvert, &entries, &converted)
	if err != nil {
		return nil, fmt.Errorf("timing aggregates: %w", err)
	}

	agg.AvgStepCompletionSeconds = avgStep.Float64
	agg.AvgTimeToConvertSeconds = avgConvert.Float64
	agg.ConversionsPerHour = float64(converted) / hours

	if entries > 0 {
		agg.AvgConversionRate = float64(converted) / float64(entries) * 100
	}

	return agg, nil
}

// PeerFunnelMetrics returns last-30-day metrics for workspace funnels with at
// least 100 entries.
func (r *AnalyticsRepository) PeerFunnelMetrics(ctx context.Context, scope funnel.Scope) ([]analytics.PeerFunnelMetric, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT f.id, f.name,
		       COUNT(*) FILTER (WHERE s.entered_at >= NOW() - ($3 || ' days')::interval),
		       COUNT(*) FILTER (WHERE s.completed_at >= NOW() - ($3 || ' days')::interval)
		FROM funnel f
		JOIN funnel_user_state s ON s.funnel_id = f.id
		     AND s.tenant_id = f.tenant_id AND s.workspace_id = f.workspace_id
		WHERE f.tenant_id = $1 AND f.workspace_id = $2 AND f.archived_at IS NULL
		GROUP BY f.id, f.name
		HAVING COUNT(*) FILTER (WHERE s.entered_at >= NOW() - ($3 || ' days')::interval) >= $4
		ORDER BY f.id`,
		scope.TenantID, scope.WorkspaceID, peerMetricsWindowDays, peerMetricsEntryFloor,
	)
	if err != nil {
		return nil, fmt.Errorf("peer funnel metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analytics.PeerFunnelMetric

	for rows.Next() {
		var m analytics.PeerFunnelMetric
		if err := rows.Scan(&m.FunnelID, &m.Name, &m.Entries, &m.Conversions); err != nil {
			return nil, fmt.Errorf("scan peer metric: %w", err)
		}

		if m.Entries > 0 {
			m.ConversionRate = float64(m.Conversions) / float64(m.Entries) * 100
		}

		out = append(out, m)
	}

	return out, rows.Err()
}

// StepDropOffs returns the per-step exit profile for the window. A user
// "exits" at the step their state is parked on while still uncompleted;
// that covers both still-active and abandoned journeys.
func (r *AnalyticsRepository) StepDropOffs(ctx context.Context, scope funnel.Scope, funnelID int64, stepCount int, window analytics.TimeWindow) ([]analytics.StepDropOff, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT g.step_order,
		       COUNT(s.anonymous_id) FILTER (
		           WHERE s.current_step_index >= g.step_order OR s.status = 'completed'
		       ),
		       COUNT(s.anonymous_id) FILTER (
		           WHERE s.current_step_index = g.step_order AND s.status <> 'completed'
		       ),
		       COALESCE(AVG(EXTRACT(EPOCH FROM s.last_activity_at - s.entered_at)) FILTER (
		           WHERE s.current_step_index = g.step_order AND s.status <> 'completed'
		       ), 0),
		       COALESCE(AVG(EXTRACT(EPOCH FROM s.last_activity_at - s.last_step_at)) FILTER (
		           WHERE s.current_step_index = g.step_order AND s.status <> 'completed'
		       ), 0)
		FROM generate_series(0, $6::int - 1) AS g(step_order)
		LEFT JOIN funnel_user_state s
		       ON s.tenant_id = $1 AND s.workspace_id = $2 AND s.funnel_id = $3
		      AND s.entered_at >= $4 AND s.entered_at < $5
		GROUP BY g.step_order
		ORDER BY g.step_order`,
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End, stepCount,
	)
	if err != nil {
		return nil, fmt.Errorf("step drop offs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]analytics.StepDropOff, 0, stepCount)

	for rows.Next() {
		var d analytics.StepDropOff
		if err := rows.Scan(&d.StepOrder, &d.Entries, &d.Exits, &d.AvgSecondsBeforeExit, &d.AvgSecondsOnStep); err != nil {
			return nil, fmt.Errorf("scan step drop off: %w", err)
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

// ExitPaths splits per-step exits into immediate bounces and delayed exits.
func (r *AnalyticsRepository) ExitPaths(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow) ([]analytics.ExitPath, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT s.current_step_index,
		       COUNT(*) FILTER (WHERE s.last_step_at = s.entered_at),
		       COUNT(*) FILTER (WHERE s.last_step_at > s.entered_at)
		`+stateScopeJoin+`
		  AND s.entered_at >= $4 AND s.entered_at < $5
		  AND s.status <> 'completed'
		GROUP BY s.current_step_index
		ORDER BY s.current_step_index`,
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
	)
	if err != nil {
		return nil, fmt.Errorf("exit paths: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analytics.ExitPath

	for rows.Next() {
		var p analytics.ExitPath
		if err := rows.Scan(&p.StepOrder, &p.ImmediateBounces, &p.DelayedExits); err != nil {
			return nil, fmt.Errorf("scan exit path: %w", err)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// CohortsByPeriod groups users by entry period with first-event attribute
// splits.
func (r *AnalyticsRepository) CohortsByPeriod(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow, period analytics.CohortPeriod) ([]analytics.Cohort, error) {
	unit := periodUnit(period)

	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT date_trunc('%[1]s', s.entered_at) AS period_start,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE s.completed_at IS NOT NULL),
		       COALESCE(AVG(EXTRACT(EPOCH FROM s.completed_at - s.entered_at) / 60)
		           FILTER (WHERE s.completed_at IS NOT NULL), 0)
		%s
		  AND s.entered_at >= $4 AND s.entered_at < $5
		GROUP BY period_start
		ORDER BY period_start`,
		unit, stateScopeJoin),
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
	)
	if err != nil {
		return nil, fmt.Errorf("cohorts by period: %w", err)
	}

	var cohorts []analytics.Cohort

	index := make(map[time.Time]int)

	for rows.Next() {
		var c analytics.Cohort
		if err := rows.Scan(&c.PeriodStart, &c.Size, &c.Conversions, &c.AvgTimeToConvertMinutes); err != nil {
			_ = rows.Close()

			return nil, fmt.Errorf("scan cohort: %w", err)
		}

		c.DeviceSplit = make(map[string]int64)
		c.SourceSplit = make(map[string]int64)
		c.CountrySplit = make(map[string]int64)

		cohorts = append(cohorts, c)
		index[c.PeriodStart.UTC()] = len(cohorts) - 1
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return nil, fmt.Errorf("iterate cohorts: %w", err)
	}

	_ = rows.Close()

	if len(cohorts) == 0 {
		return cohorts, nil
	}

	// Attribute splits in one pass: three stacked groupings over the same
	// lateral first-event join.
	splitRows, err := r.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT period_start, dim, segment, n FROM (
			SELECT date_trunc('%[1]s', s.entered_at) AS period_start,
			       'device' AS dim,
			       COALESCE(NULLIF(fe.device_type, ''), 'unknown') AS segment,
			       COUNT(*) AS n
			%[2]s
			%[3]s
			  AND s.entered_at >= $4 AND s.entered_at < $5
			GROUP BY 1, 3
			UNION ALL
			SELECT date_trunc('%[1]s', s.entered_at),
			       'source',
			       COALESCE(NULLIF(fe.utm_source, ''), 'direct'),
			       COUNT(*)
			%[2]s
			%[3]s
			  AND s.entered_at >= $4 AND s.entered_at < $5
			GROUP BY 1, 3
			UNION ALL
			SELECT date_trunc('%[1]s', s.entered_at),
			       'country',
			       COALESCE(NULLIF(fe.country, ''), 'unknown'),
			       COUNT(*)
			%[2]s
			%[3]s
			  AND s.entered_at >= $4 AND s.entered_at < $5
			GROUP BY 1, 3
		) splits
		ORDER BY period_start`,
		unit, stateScopeJoin, firstEventLateral),
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
	)
	if err != nil {
		return nil, fmt.Errorf("cohort splits: %w", err)
	}
	defer func() { _ = splitRows.Close() }()

	for splitRows.Next() {
		var (
			periodStart time.Time
			dim         string
			segment     string
			n           int64
		)

		if err := splitRows.Scan(&periodStart, &dim, &segment, &n); err != nil {
			return nil, fmt.Errorf("scan cohort split: %w", err)
		}

		i, ok := index[periodStart.UTC()]
		if !ok {
			continue
		}

		switch dim {
		case "device":
			cohorts[i].DeviceSplit[segment] = n
		case "source":
			cohorts[i].SourceSplit[segment] = n
		case "country":
			cohorts[i].CountrySplit[segment] = n
		}
	}

	return cohorts, splitRows.Err()
}

// CohortProgression returns per-cohort per-step reach.
func (r *AnalyticsRepository) CohortProgression(ctx context.Context, scope funnel.Scope, funnelID int64, stepCount int, window analytics.TimeWindow, period analytics.CohortPeriod) ([]analytics.CohortStepProgress, error) {
	unit := periodUnit(period)

	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT date_trunc('%s', s.entered_at) AS period_start,
		       g.step_order,
		       COUNT(*) FILTER (
		           WHERE s.current_step_index >= g.step_order OR s.status = 'completed'
		       )
		FROM generate_series(0, $6::int - 1) AS g(step_order)
		CROSS JOIN funnel_user_state s
		JOIN funnel f ON f.id = s.funnel_id AND f.archived_at IS NULL
		WHERE s.tenant_id = $1 AND s.workspace_id = $2 AND s.funnel_id = $3
		  AND s.entered_at >= $4 AND s.entered_at < $5
		GROUP BY period_start, g.step_order
		ORDER BY period_start, g.step_order`,
		unit),
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End, stepCount,
	)
	if err != nil {
		return nil, fmt.Errorf("cohort progression: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analytics.CohortStepProgress

	for rows.Next() {
		var p analytics.CohortStepProgress
		if err := rows.Scan(&p.PeriodStart, &p.StepOrder, &p.Reached); err != nil {
			return nil, fmt.Errorf("scan cohort progression: %w", err)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// RetentionCurves returns retained users for period offsets 0..4, with
// last_step_at as the liveness signal.
func (r *AnalyticsRepository) RetentionCurves(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow, period analytics.CohortPeriod) ([]analytics.RetentionPoint, error) {
	unit := periodUnit(period)

	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT date_trunc('%[1]s', s.entered_at) AS period_start,
		       g.offset_n,
		       COUNT(*) FILTER (
		           WHERE s.last_step_at >= date_trunc('%[1]s', s.entered_at)
		                                   + (g.offset_n || ' %[1]s')::interval
		       )
		FROM generate_series(0, 4) AS g(offset_n)
		CROSS JOIN funnel_user_state s
		JOIN funnel f ON f.id = s.funnel_id AND f.archived_at IS NULL
		WHERE s.tenant_id = $1 AND s.workspace_id = $2 AND s.funnel_id = $3
		  AND s.entered_at >= $4 AND s.entered_at < $5
		GROUP BY period_start, g.offset_n
		ORDER BY period_start, g.offset_n`,
		unit),
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
	)
	if err != nil {
		return nil, fmt.Errorf("retention curves: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analytics.RetentionPoint

	for rows.Next() {
		var p analytics.RetentionPoint
		if err := rows.Scan(&p.PeriodStart, &p.Offset, &p.Retained); err != nil {
			return nil, fmt.Errorf("scan retention point: %w", err)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// ConversionDurations returns per-user seconds from entry to completion for
// conversions inside the window.
func (r *AnalyticsRepository) ConversionDurations(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow) ([]float64, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT EXTRACT(EPOCH FROM s.completed_at - s.entered_at)
		`+stateScopeJoin+`
		  AND s.completed_at >= $4 AND s.completed_at < $5
		ORDER BY s.completed_at`,
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
	)
	if err != nil {
		return nil, fmt.Errorf("conversion durations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []float64

	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan conversion duration: %w", err)
		}

		out = append(out, d)
	}

	return out, rows.Err()
}

// StepTimings returns per-step transition timing from step-hinted events.
// Events without step hints are invisible here; the ingestion pipeline sets
// hints for all matched events.
func (r *AnalyticsRepository) StepTimings(ctx context.Context, scope funnel.Scope, funnelID int64, stepCount int, window analytics.TimeWindow) ([]analytics.StepTiming, error) {
	rows, err := r.conn.QueryContext(ctx, `
		WITH step_hits AS (
			SELECT e.anonymous_id, e.funnel_step_order AS step_order,
			       MIN(e.occurred_at) AS first_at
			FROM event e
			WHERE e.tenant_id = $1 AND e.workspace_id = $2 AND e.funnel_id = $3
			  AND e.funnel_step_order IS NOT NULL
			  AND e.occurred_at >= $4 AND e.occurred_at < $5
			GROUP BY e.anonymous_id, e.funnel_step_order
		),
		transitions AS (
			SELECT a.step_order,
			       EXTRACT(EPOCH FROM b.first_at - a.first_at) AS seconds_to_next
			FROM step_hits a
			LEFT JOIN step_hits b
			       ON b.anonymous_id = a.anonymous_id
			      AND b.step_order = a.step_order + 1
			      AND b.first_at >= a.first_at
		)
		SELECT g.step_order,
		       COUNT(t.step_order),
		       COUNT(t.seconds_to_next),
		       COALESCE(AVG(t.seconds_to_next), 0),
		       COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY t.seconds_to_next), 0),
		       COALESCE(PERCENTILE_CONT(0.9) WITHIN GROUP (ORDER BY t.seconds_to_next), 0)
		FROM generate_series(0, $6::int - 1) AS g(step_order)
		LEFT JOIN transitions t ON t.step_order = g.step_order
		GROUP BY g.step_order
		ORDER BY g.step_order`,
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End, stepCount,
	)
	if err != nil {
		return nil, fmt.Errorf("step timings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]analytics.StepTiming, 0, stepCount)

	for rows.Next() {
		var t analytics.StepTiming
		if err := rows.Scan(&t.StepOrder, &t.Users, &t.Proceeded, &t.AvgSecondsToNext, &t.MedianSecondsToNext, &t.P90SecondsToNext); err != nil {
			return nil, fmt.Errorf("scan step timing: %w", err)
		}

		out = append(out, t)
	}

	return out, rows.Err()
}

// PeriodDurations returns per-period conversion counts and durations.
func (r *AnalyticsRepository) PeriodDurations(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow, period analytics.CohortPeriod) ([]analytics.PeriodDurations, error) {
	unit := periodUnit(period)

	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT date_trunc('%s', s.completed_at) AS period_start,
		       COUNT(*),
		       COALESCE(AVG(EXTRACT(EPOCH FROM s.completed_at - s.entered_at)), 0),
		       COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (
		           ORDER BY EXTRACT(EPOCH FROM s.completed_at - s.entered_at)), 0)
		%s
		  AND s.completed_at >= $4 AND s.completed_at < $5
		GROUP BY period_start
		ORDER BY period_start`,
		unit, stateScopeJoin),
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
	)
	if err != nil {
		return nil, fmt.Errorf("period durations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analytics.PeriodDurations

	for rows.Next() {
		var p analytics.PeriodDurations
		if err := rows.Scan(&p.PeriodStart, &p.Conversions, &p.AvgSeconds, &p.MedianSeconds); err != nil {
			return nil, fmt.Errorf("scan period durations: %w", err)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// SegmentTimings returns per-segment conversion timing for segments with at
// least 10 converted users.
func (r *AnalyticsRepository) SegmentTimings(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow, dim analytics.SegmentDimension) ([]analytics.SegmentTiming, error) {
	col := segmentColumn(dim)

	rows, err := r.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT COALESCE(NULLIF(fe.%s, ''), 'unknown') AS segment,
		       COUNT(*),
		       AVG(EXTRACT(EPOCH FROM s.completed_at - s.entered_at))
		%s
		%s
		  AND s.completed_at >= $4 AND s.completed_at < $5
		GROUP BY segment
		HAVING COUNT(*) >= $6
		ORDER BY 2 DESC`,
		col, stateScopeJoin, firstEventLateral),
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End, segmentTimingUserFloor,
	)
	if err != nil {
		return nil, fmt.Errorf("segment timings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analytics.SegmentTiming

	for rows.Next() {
		st := analytics.SegmentTiming{Dimension: dim}
		if err := rows.Scan(&st.Segment, &st.Users, &st.AvgSeconds); err != nil {
			return nil, fmt.Errorf("scan segment timing: %w", err)
		}

		out = append(out, st)
	}

	return out, rows.Err()
}

// StepWindowStats returns per-step entries/completions/timing for an
// arbitrary window.
func (r *AnalyticsRepository) StepWindowStats(ctx context.Context, scope funnel.Scope, funnelID int64, stepCount int, window analytics.TimeWindow) ([]analytics.StepWindowStat, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT g.step_order,
		       COUNT(s.anonymous_id) FILTER (
		           WHERE s.current_step_index >= g.step_order OR s.status = 'completed'
		       ),
		       COUNT(s.anonymous_id) FILTER (
		           WHERE s.current_step_index > g.step_order OR s.status = 'completed'
		       ),
		       COALESCE(AVG(
		           EXTRACT(EPOCH FROM s.last_step_at - s.entered_at)
		               / NULLIF(s.current_step_index, 0)
		       ) FILTER (WHERE s.current_step_index > g.step_order), 0)
		FROM generate_series(0, $6::int - 1) AS g(step_order)
		LEFT JOIN funnel_user_state s
		       ON s.tenant_id = $1 AND s.workspace_id = $2 AND s.funnel_id = $3
		      AND s.entered_at >= $4 AND s.entered_at < $5
		GROUP BY g.step_order
		ORDER BY g.step_order`,
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End, stepCount,
	)
	if err != nil {
		return nil, fmt.Errorf("step window stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]analytics.StepWindowStat, 0, stepCount)

	for rows.Next() {
		var st analytics.StepWindowStat
		if err := rows.Scan(&st.StepOrder, &st.Entries, &st.Completions, &st.AvgSecondsToComplete); err != nil {
			return nil, fmt.Errorf("scan step window stat: %w", err)
		}

		out = append(out, st)
	}

	return out, rows.Err()
}

// UserProgress returns one user's state for the funnel, or nil when the user
// never entered it.
func (r *AnalyticsRepository) UserProgress(ctx context.Context, scope funnel.Scope, funnelID int64, anonymousID string) (*analytics.UserProgress, error) {
	p := &analytics.UserProgress{}

	var completedAt, exitedAt sql.NullTime

	err := r.conn.QueryRowContext(ctx, `
		SELECT s.anonymous_id, s.lead_id, s.current_step_index, s.status,
		       s.entered_at, s.last_activity_at, s.completed_at, s.exited_at
		`+stateScopeJoin+`
		  AND s.anonymous_id = $4`,
		scope.TenantID, scope.WorkspaceID, funnelID, anonymousID,
	).Scan(&p.AnonymousID, &p.LeadID, &p.CurrentStepIndex, &p.Status,
		&p.EnteredAt, &p.LastActivityAt, &completedAt, &exitedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("user progress: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}

	if exitedAt.Valid {
		t := exitedAt.Time
		p.ExitedAt = &t
	}

	return p, nil
}
