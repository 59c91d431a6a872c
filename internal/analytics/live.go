package analytics

import (
	"context"
	"time"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/funnel"
)

type (
	// LiveRequest parameterizes a live metrics read.
	LiveRequest struct {
		Scope    funnel.Scope
		FunnelID int64
	}

	// LiveResult is the realtime dashboard payload.
	LiveResult struct {
		Meta             Meta               `json:"meta"`
		ActiveSessions   int64              `json:"active_sessions"`
		EntriesLastHour  int64              `json:"entries_last_hour"`
		ConversionsLastHour int64           `json:"conversions_last_hour"`
		CurrentRate      float64            `json:"current_rate"`
		RateChange24h    float64            `json:"rate_change_24h"`
		StepDistribution []LiveStepMetrics  `json:"step_distribution"`
		MinuteTrends     []LiveMinutePoint  `json:"minute_trends"`
		StuckUsers       []StuckUserGroup   `json:"stuck_users"`
	}

	// LiveStepMetrics is the active-user count at one step.
	LiveStepMetrics struct {
		StepOrder int    `json:"step_order"`
		Label     string `json:"label"`
		Users     int64  `json:"users"`
	}

	// LiveMinutePoint is one minute of entry/conversion activity.
	LiveMinutePoint struct {
		Minute      string `json:"minute"`
		Entries     int64  `json:"entries"`
		Conversions int64  `json:"conversions"`
	}

	// StuckUserGroup is a cluster of users idle beyond ten minutes on a step.
	// Groups below five users are dropped upstream.
	StuckUserGroup struct {
		StepOrder      int     `json:"step_order"`
		Label          string  `json:"label"`
		Users          int64   `json:"users"`
		AvgIdleMinutes float64 `json:"avg_idle_minutes"`
	}

	// UserProgressRequest parameterizes a single-user progression read.
	UserProgressRequest struct {
		Scope       funnel.Scope
		FunnelID    int64
		AnonymousID string
	}

	// UserProgressResult is one user's funnel progression.
	UserProgressResult struct {
		Meta             Meta     `json:"meta"`
		AnonymousID      string   `json:"anonymous_id"`
		LeadID           string   `json:"lead_id,omitempty"`
		CurrentStepIndex int      `json:"current_step_index"`
		CurrentStepLabel string   `json:"current_step_label"`
		Status           string   `json:"status"`
		EnteredAt        string   `json:"entered_at"`
		LastActivityAt   string   `json:"last_activity_at"`
		CompletedAt      string   `json:"completed_at,omitempty"`
		ExitedAt         string   `json:"exited_at,omitempty"`
		ProgressPercent  float64  `json:"progress_percent"`
	}
)

// User state statuses as stored; mirrors the realtime lifecycle.
const (
	userStatusActive    = "active"
	userStatusAbandoned = "abandoned"
)

// Live returns the realtime metrics for a funnel.
func (e *Engine) Live(ctx context.Context, req *LiveRequest) (*LiveResult, error) {
	started := time.Now()

	key := cache.ScopedKey("funnel:live", req.FunnelID, req.Scope.TenantID, req.Scope.WorkspaceID, nil)

	if cached, ok := cache.Get[*LiveResult](e.cache, key); ok {
		out := *cached
		out.Meta.CacheHit = true
		out.Meta.ProcessingTimeMs = time.Since(started).Milliseconds()

		return &out, nil
	}

	res, err := e.resolveFunnel(ctx, req.Scope, req.FunnelID)
	if err != nil {
		return nil, err
	}

	snapshot, err := e.repo.LiveSnapshot(ctx, req.Scope, req.FunnelID)
	if err != nil {
		return nil, err
	}

	distribution, err := e.repo.LiveStepDistribution(ctx, req.Scope, req.FunnelID)
	if err != nil {
		return nil, err
	}

	trends, err := e.repo.LiveTrends(ctx, req.Scope, req.FunnelID)
	if err != nil {
		return nil, err
	}

	stuck, err := e.repo.StuckUsers(ctx, req.Scope, req.FunnelID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	last24h := TimeWindow{Start: now.Add(-24 * time.Hour), End: now}

	daily, err := e.repo.FunnelTotals(ctx, req.Scope, req.FunnelID, last24h)
	if err != nil {
		return nil, err
	}

	labels := stepLabels(res.steps)

	out := &LiveResult{
		ActiveSessions:      snapshot.ActiveSessions,
		EntriesLastHour:     snapshot.EntriesLastHour,
		ConversionsLastHour: snapshot.ConversionsLastHour,
		CurrentRate:         round2(safeRate(snapshot.ConversionsLastHour, snapshot.EntriesLastHour)),
		StepDistribution:    []LiveStepMetrics{},
		MinuteTrends:        []LiveMinutePoint{},
		StuckUsers:          []StuckUserGroup{},
	}

	dailyRate := safeRate(daily.Conversions, daily.Entries)
	if dailyRate > 0 {
		out.RateChange24h = round2((out.CurrentRate - dailyRate) / dailyRate * 100)
	}

	for _, d := range distribution {
		out.StepDistribution = append(out.StepDistribution, LiveStepMetrics{
			StepOrder: d.StepOrder,
			Label:     labels[d.StepOrder],
			Users:     d.Users,
		})
	}

	for _, t := range trends {
		out.MinuteTrends = append(out.MinuteTrends, LiveMinutePoint{
			Minute:      t.Minute.UTC().Format(time.RFC3339),
			Entries:     t.Entries,
			Conversions: t.Conversions,
		})
	}

	for _, s := range stuck {
		out.StuckUsers = append(out.StuckUsers, StuckUserGroup{
			StepOrder:      s.StepOrder,
			Label:          labels[s.StepOrder],
			Users:          s.Users,
			AvgIdleMinutes: round2(s.AvgIdleMinutes),
		})
	}

	out.Meta = newMeta(req.FunnelID, TimeWindow{}, cache.ClassLiveMetrics, started)
	cachePut(ctx, e.cache, key, out, cache.ClassLiveMetrics)

	return out, nil
}

// Progress returns one user's funnel progression.
func (e *Engine) Progress(ctx context.Context, req *UserProgressRequest) (*UserProgressResult, error) {
	started := time.Now()

	key := cache.ScopedKey("user_state", req.FunnelID, req.Scope.TenantID, req.Scope.WorkspaceID,
		map[string]string{"anonymousId": req.AnonymousID})

	if cached, ok := cache.Get[*UserProgressResult](e.cache, key); ok {
		out := *cached
		out.Meta.CacheHit = true
		out.Meta.ProcessingTimeMs = time.Since(started).Milliseconds()

		return &out, nil
	}

	res, err := e.resolveFunnel(ctx, req.Scope, req.FunnelID)
	if err != nil {
		return nil, err
	}

	progress, err := e.repo.UserProgress(ctx, req.Scope, req.FunnelID, req.AnonymousID)
	if err != nil {
		return nil, err
	}

	if progress == nil {
		return nil, funnel.ErrNotFound
	}

	labels := stepLabels(res.steps)

	status := progress.Status
	exitedAt := progress.ExitedAt

	// An active state idle past the version's window is abandoned even
	// before the periodic sweep persists the transition.
	if status == userStatusActive &&
		time.Since(progress.LastActivityAt) > time.Duration(res.windowDays)*24*time.Hour {
		status = userStatusAbandoned
		t := progress.LastActivityAt
		exitedAt = &t
	}

	out := &UserProgressResult{
		AnonymousID:      progress.AnonymousID,
		LeadID:           progress.LeadID,
		CurrentStepIndex: progress.CurrentStepIndex,
		CurrentStepLabel: labels[progress.CurrentStepIndex],
		Status:           status,
		EnteredAt:        progress.EnteredAt.UTC().Format(time.RFC3339),
		LastActivityAt:   progress.LastActivityAt.UTC().Format(time.RFC3339),
	}

	if exitedAt != nil {
		out.ExitedAt = exitedAt.UTC().Format(time.RFC3339)
	}

	if stepCount := len(res.steps); stepCount > 1 {
		out.ProgressPercent = round2(float64(progress.CurrentStepIndex) / float64(stepCount-1) * 100)
	}

	if progress.CompletedAt != nil {
		out.CompletedAt = progress.CompletedAt.UTC().Format(time.RFC3339)
		out.ProgressPercent = 100
	}

	out.Meta = newMeta(req.FunnelID, TimeWindow{}, cache.ClassUserState, started)
	cachePut(ctx, e.cache, key, out, cache.ClassUserState)

	return out, nil
}
