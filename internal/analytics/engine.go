package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/funnel"
)

// Sentinel errors for analysis request validation.
var (
	// ErrInvalidRange is returned when start_date is not strictly before end_date.
	ErrInvalidRange = errors.New("start date must be before end date")

	// ErrRangeTooLarge is returned when the window exceeds the category cap.
	ErrRangeTooLarge = errors.New("date range exceeds category limit")

	// ErrNotPublished is returned when analytics is requested for a funnel
	// that has never been published.
	ErrNotPublished = errors.New("funnel has no published version")
)

// Window caps per analysis category, in days.
const (
	maxWindowDaysDefault  = 90  // conversion, drop-off, cohort, timing, path
	maxWindowDaysExtended = 180 // attribution, comparison
)

type (
	// Engine computes all funnel analyses. It is safe for concurrent use;
	// every request runs to completion on its caller's goroutine and holds
	// no lock across repository queries.
	Engine struct {
		store    funnel.Store
		repo     Repository
		cache    *cache.Cache
		channels *ChannelAliases
		logger   *slog.Logger
	}

	// Meta is the response envelope shared by every analysis.
	Meta struct {
		FunnelID             string `json:"funnel_id,omitempty"`
		StartDate            string `json:"start_date,omitempty"`
		EndDate              string `json:"end_date,omitempty"`
		CacheHit             bool   `json:"cache_hit"`
		CacheDurationSeconds int    `json:"cache_duration_seconds"`
		ProcessingTimeMs     int64  `json:"processing_time_ms"`
		GeneratedAt          string `json:"generated_at"`
	}

	// resolved carries a funnel with the publication snapshot analytics
	// reads. Analytics always works from the snapshot, never the live
	// version rows, so published definitions stay byte-stable.
	resolved struct {
		funnel     *funnel.Funnel
		steps      []funnel.Step
		version    int
		windowDays int
	}
)

// NewEngine creates an analytics engine.
func NewEngine(store funnel.Store, repo Repository, c *cache.Cache, channels *ChannelAliases, logger *slog.Logger) *Engine {
	if channels == nil {
		channels = DefaultChannelAliases()
	}

	return &Engine{
		store:    store,
		repo:     repo,
		cache:    c,
		channels: channels,
		logger:   logger,
	}
}

// InvalidateFunnel drops cached results for a funnel. Called after
// definition changes (update, archive, publish) so stale analyses never
// outlive the definition they were computed from.
func (e *Engine) InvalidateFunnel(scope funnel.Scope, funnelID int64) {
	if e.cache == nil {
		return
	}

	e.cache.InvalidateFunnel(funnelID, scope.TenantID, scope.WorkspaceID)
}

// validateWindow checks range ordering and the category cap.
func validateWindow(window TimeWindow, maxDays int) error {
	if !window.Start.Before(window.End) {
		return fmt.Errorf("%w: start=%s end=%s",
			ErrInvalidRange, window.Start.Format(time.RFC3339), window.End.Format(time.RFC3339))
	}

	if window.Duration() > time.Duration(maxDays)*24*time.Hour {
		return fmt.Errorf("%w: %d days max", ErrRangeTooLarge, maxDays)
	}

	return nil
}

// resolveFunnel loads the funnel and its newest publication snapshot.
func (e *Engine) resolveFunnel(ctx context.Context, scope funnel.Scope, funnelID int64) (*resolved, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	f, err := e.store.Get(ctx, scope, funnelID)
	if err != nil {
		return nil, err
	}

	if len(f.Publications) == 0 {
		return nil, fmt.Errorf("%w: funnel %d", ErrNotPublished, funnelID)
	}

	pub := &f.Publications[0] // newest first

	return &resolved{
		funnel:     f,
		steps:      pub.Snapshot.Steps,
		version:    pub.Version,
		windowDays: pub.WindowDays,
	}, nil
}

// newMeta builds the envelope for a freshly computed response.
func newMeta(funnelID int64, window TimeWindow, class cache.Class, started time.Time) Meta {
	m := Meta{
		CacheDurationSeconds: int(cache.TTL(class).Seconds()),
		ProcessingTimeMs:     time.Since(started).Milliseconds(),
		GeneratedAt:          time.Now().UTC().Format(time.RFC3339),
	}

	if funnelID > 0 {
		m.FunnelID = funnel.FormatFunnelID(funnelID)
	}

	if !window.Start.IsZero() {
		m.StartDate = window.Start.UTC().Format(time.RFC3339)
		m.EndDate = window.End.UTC().Format(time.RFC3339)
	}

	return m
}

// cachePut stores a computed response unless the request deadline already
// expired; late writes after timeout are abandoned by contract.
func cachePut(ctx context.Context, c *cache.Cache, key string, value any, class cache.Class) {
	if ctx.Err() != nil {
		return
	}

	c.SetClass(key, value, class)
}

// windowParams renders a window into cache key params.
func windowParams(window TimeWindow, extra map[string]string) map[string]string {
	params := map[string]string{
		"startDate": window.Start.UTC().Format(time.RFC3339),
		"endDate":   window.End.UTC().Format(time.RFC3339),
	}

	for k, v := range extra {
		params[k] = v
	}

	return params
}
