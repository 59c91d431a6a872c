// Live counters and per-user journey reads for path analysis and
// attribution.

package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/funneld-io/funneld/internal/analytics"
	"github.com/funneld-io/funneld/internal/funnel"
)

// Live metric horizons.
const (
	activeSessionWindow = 30 * time.Minute
	stuckIdleThreshold  = 10 * time.Minute
	stuckGroupFloor     = 5
)

// Journey scan caps. Path analysis samples journeys; attribution samples
// converting journeys.
const (
	maxJourneyUsers       = 1000
	maxTouchpointJourneys = 5000
	maxTouchpointsPerUser = 20
)

// LiveSnapshot returns the realtime counters.
func (r *AnalyticsRepository) LiveSnapshot(ctx context.Context, scope funnel.Scope, funnelID int64) (*analytics.LiveSnapshot, error) {
	snap := &analytics.LiveSnapshot{}

	err := r.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE s.status = 'active' AND s.last_activity_at >= NOW() - ($4 || ' seconds')::interval),
			COUNT(*) FILTER (WHERE s.entered_at >= NOW() - INTERVAL '1 hour'),
			COUNT(*) FILTER (WHERE s.completed_at >= NOW() - INTERVAL '1 hour')
		`+stateScopeJoin,
		scope.TenantID, scope.WorkspaceID, funnelID, int(activeSessionWindow.Seconds()),
	).Scan(&snap.ActiveSessions, &snap.EntriesLastHour, &snap.ConversionsLastHour)
	if err != nil {
		return nil, fmt.Errorf("live snapshot: %w", err)
	}

	return snap, nil
}

// LiveStepDistribution returns the step distribution of currently-active
// users.
func (r *AnalyticsRepository) LiveStepDistribution(ctx context.Context, scope funnel.Scope, funnelID int64) ([]analytics.LiveStepCount, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT s.current_step_index, COUNT(*)
		`+stateScopeJoin+`
		  AND s.status = 'active'
		  AND s.last_activity_at >= NOW() - ($4 || ' seconds')::interval
		GROUP BY s.current_step_index
		ORDER BY s.current_step_index`,
		scope.TenantID, scope.WorkspaceID, funnelID, int(activeSessionWindow.Seconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("live step distribution: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analytics.LiveStepCount

	for rows.Next() {
		var c analytics.LiveStepCount
		if err := rows.Scan(&c.StepOrder, &c.Users); err != nil {
			return nil, fmt.Errorf("scan live step count: %w", err)
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

// LiveTrends returns per-minute entries/conversions for the last 30 minutes,
// zero-filled.
func (r *AnalyticsRepository) LiveTrends(ctx context.Context, scope funnel.Scope, funnelID int64) ([]analytics.LiveTrendPoint, error) {
	rows, err := r.conn.QueryContext(ctx, `
		WITH minutes AS (
			SELECT generate_series(
				date_trunc('minute', NOW() - ($4 || ' seconds')::interval),
				date_trunc('minute', NOW()),
				INTERVAL '1 minute'
			) AS minute
		)
		SELECT m.minute,
		       COUNT(s.anonymous_id) FILTER (
		           WHERE date_trunc('minute', s.entered_at) = m.minute),
		       COUNT(s.anonymous_id) FILTER (
		           WHERE date_trunc('minute', s.completed_at) = m.minute)
		FROM minutes m
		LEFT JOIN funnel_user_state s
		       ON s.tenant_id = $1 AND s.workspace_id = $2 AND s.funnel_id = $3
		      AND s.last_activity_at >= NOW() - ($4 || ' seconds')::interval - INTERVAL '1 minute'
		GROUP BY m.minute
		ORDER BY m.minute`,
		scope.TenantID, scope.WorkspaceID, funnelID, int(activeSessionWindow.Seconds()),
	)
	if err != nil {
		return nil, fmt.Errorf("live trends: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analytics.LiveTrendPoint

	for rows.Next() {
		var p analytics.LiveTrendPoint
		if err := rows.Scan(&p.Minute, &p.Entries, &p.Conversions); err != nil {
			return nil, fmt.Errorf("scan live trend point: %w", err)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// StuckUsers returns active users idle beyond the threshold, grouped by step,
// keeping only groups of five or more.
func (r *AnalyticsRepository) StuckUsers(ctx context.Context, scope funnel.Scope, funnelID int64) ([]analytics.StuckGroup, error) {
	rows, err := r.conn.QueryContext(ctx, `
		SELECT s.current_step_index,
		       COUNT(*),
		       AVG(EXTRACT(EPOCH FROM NOW() - s.last_activity_at) / 60)
		`+stateScopeJoin+`
		  AND s.status = 'active'
		  AND s.last_activity_at < NOW() - ($4 || ' seconds')::interval
		  AND s.last_activity_at >= NOW() - ($5 || ' seconds')::interval
		GROUP BY s.current_step_index
		HAVING COUNT(*) >= $6
		ORDER BY s.current_step_index`,
		scope.TenantID, scope.WorkspaceID, funnelID,
		int(stuckIdleThreshold.Seconds()), int(activeSessionWindow.Seconds()), stuckGroupFloor,
	)
	if err != nil {
		return nil, fmt.Errorf("stuck users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []analytics.StuckGroup

	for rows.Next() {
		var g analytics.StuckGroup
		if err := rows.Scan(&g.StepOrder, &g.Users, &g.AvgIdleMinutes); err != nil {
			return nil, fmt.Errorf("scan stuck group: %w", err)
		}

		out = append(out, g)
	}

	return out, rows.Err()
}

// UserJourneys returns sampled per-user event streams inside the window,
// ordered by timestamp and capped at maxPathLength events each.
func (r *AnalyticsRepository) UserJourneys(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow, maxPathLength int) ([]analytics.UserJourney, error) {
	rows, err := r.conn.QueryContext(ctx, `
		WITH sampled AS (
			SELECT s.anonymous_id, s.status = 'completed' AS converted
			`+stateScopeJoin+`
			  AND s.entered_at >= $4 AND s.entered_at < $5
			ORDER BY s.entered_at
			LIMIT $6
		),
		journey AS (
			SELECT e.anonymous_id, e.event_name, e.page_url, e.occurred_at,
			       ROW_NUMBER() OVER w AS rn,
			       LEAD(e.occurred_at) OVER w AS next_at
			FROM event e
			JOIN sampled u ON u.anonymous_id = e.anonymous_id
			WHERE e.tenant_id = $1 AND e.workspace_id = $2
			  AND e.occurred_at >= $4 AND e.occurred_at < $5
			WINDOW w AS (PARTITION BY e.anonymous_id ORDER BY e.occurred_at)
		)
		SELECT j.anonymous_id, u.converted, j.event_name, j.page_url, j.occurred_at,
		       COALESCE(EXTRACT(EPOCH FROM j.next_at - j.occurred_at), 0)
		FROM journey j
		JOIN sampled u ON u.anonymous_id = j.anonymous_id
		WHERE j.rn <= $7
		ORDER BY j.anonymous_id, j.occurred_at`,
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
		maxJourneyUsers, maxPathLength,
	)
	if err != nil {
		return nil, fmt.Errorf("user journeys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var journeys []analytics.UserJourney

	index := make(map[string]int)

	for rows.Next() {
		var (
			anonymousID string
			converted   bool
			eventName   string
			pageURL     string
			occurredAt  time.Time
			timeSpent   float64
		)

		if err := rows.Scan(&anonymousID, &converted, &eventName, &pageURL, &occurredAt, &timeSpent); err != nil {
			return nil, fmt.Errorf("scan journey event: %w", err)
		}

		i, ok := index[anonymousID]
		if !ok {
			journeys = append(journeys, analytics.UserJourney{
				AnonymousID: anonymousID,
				Converted:   converted,
			})
			i = len(journeys) - 1
			index[anonymousID] = i
		}

		stepType, identifier := classifyJourneyEvent(eventName, pageURL)

		journeys[i].Events = append(journeys[i].Events, analytics.JourneyEvent{
			StepType:         stepType,
			StepIdentifier:   identifier,
			Timestamp:        occurredAt,
			TimeSpentSeconds: timeSpent,
		})
	}

	return journeys, rows.Err()
}

// classifyJourneyEvent labels an event as a page view or a named action for
// path signatures.
func classifyJourneyEvent(eventName, pageURL string) (stepType, identifier string) {
	if pageURL != "" {
		return "page", pageURL
	}

	return "event", eventName
}

// TouchpointJourneys returns converting journeys with labeled touchpoints
// inside the lookback window before each conversion.
func (r *AnalyticsRepository) TouchpointJourneys(ctx context.Context, scope funnel.Scope, funnelID int64, window analytics.TimeWindow, lookbackDays int) ([]analytics.TouchpointJourney, error) {
	rows, err := r.conn.QueryContext(ctx, `
		WITH converters AS (
			SELECT s.anonymous_id, s.completed_at
			`+stateScopeJoin+`
			  AND s.completed_at >= $4 AND s.completed_at < $5
			ORDER BY s.completed_at
			LIMIT $6
		),
		touches AS (
			SELECT c.anonymous_id, c.completed_at,
			       e.utm_source, e.utm_medium, e.referrer, e.occurred_at,
			       ROW_NUMBER() OVER (
			           PARTITION BY c.anonymous_id ORDER BY e.occurred_at
			       ) AS rn
			FROM converters c
			JOIN event e ON e.tenant_id = $1 AND e.workspace_id = $2
			     AND e.anonymous_id = c.anonymous_id
			WHERE e.occurred_at <= c.completed_at
			  AND e.occurred_at >= c.completed_at - ($7 || ' days')::interval
			  AND (e.utm_source <> '' OR e.utm_medium <> '' OR e.referrer <> '')
		)
		SELECT anonymous_id, completed_at, utm_source, utm_medium, referrer, occurred_at
		FROM touches
		WHERE rn <= $8
		ORDER BY anonymous_id, occurred_at`,
		scope.TenantID, scope.WorkspaceID, funnelID, window.Start, window.End,
		maxTouchpointJourneys, lookbackDays, maxTouchpointsPerUser,
	)
	if err != nil {
		return nil, fmt.Errorf("touchpoint journeys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var journeys []analytics.TouchpointJourney

	index := make(map[string]int)

	for rows.Next() {
		var (
			anonymousID string
			completedAt time.Time
			utmSource   string
			utmMedium   string
			referrer    string
			occurredAt  time.Time
		)

		if err := rows.Scan(&anonymousID, &completedAt, &utmSource, &utmMedium, &referrer, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan touchpoint: %w", err)
		}

		i, ok := index[anonymousID]
		if !ok {
			journeys = append(journeys, analytics.TouchpointJourney{
				AnonymousID: anonymousID,
				ConvertedAt: completedAt,
			})
			i = len(journeys) - 1
			index[anonymousID] = i
		}

		journeys[i].Touchpoints = append(journeys[i].Touchpoints, analytics.Touchpoint{
			Type:      classifyTouchpoint(utmSource, utmMedium, referrer),
			UTMSource: utmSource,
			UTMMedium: utmMedium,
			Timestamp: occurredAt,
		})
	}

	return journeys, rows.Err()
}

// searchReferrers and socialSources drive touchpoint classification when UTM
// parameters are absent or ambiguous.
var (
	searchReferrers = []string{"google.", "bing.", "duckduckgo.", "yahoo.", "baidu."}
	socialSources   = map[string]bool{
		"facebook": true, "fb": true, "instagram": true, "ig": true,
		"twitter": true, "x": true, "linkedin": true, "tiktok": true,
		"youtube": true, "pinterest": true, "reddit": true,
	}
)

// classifyTouchpoint labels a touchpoint from its UTM parameters, falling
// back to referrer inspection.
func classifyTouchpoint(utmSource, utmMedium, referrer string) string {
	medium := strings.ToLower(utmMedium)
	source := strings.ToLower(utmSource)

	switch medium {
	case "cpc", "ppc", "paid", "paid_search", "sem":
		return "paid_search"
	case "social", "paid_social":
		return "social"
	case "organic":
		return "organic_search"
	case "referral":
		return "referral"
	}

	if socialSources[source] {
		return "social"
	}

	ref := strings.ToLower(referrer)

	for _, engine := range searchReferrers {
		if strings.Contains(ref, engine) {
			return "organic_search"
		}
	}

	if ref != "" {
		return "referral"
	}

	if source != "" {
		return "referral"
	}

	return "direct"
}
