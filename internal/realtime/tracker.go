package realtime

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/event"
	"github.com/funneld-io/funneld/internal/funnel"
)

// transition classifies what an event did to a user's state.
type transition int

const (
	transitionNone transition = iota
	transitionActivity
	transitionEntered
	transitionAdvanced
	transitionCompleted
	transitionAbandoned
)

func (t transition) String() string {
	switch t {
	case transitionEntered:
		return "entered"
	case transitionAdvanced:
		return "advanced"
	case transitionCompleted:
		return "completed"
	case transitionActivity:
		return "activity"
	case transitionAbandoned:
		return "abandoned"
	default:
		return "none"
	}
}

// significant reports whether the transition invalidates live metrics.
func (t transition) significant() bool {
	return t == transitionEntered || t == transitionAdvanced || t == transitionCompleted
}

// Tracker applies events to user funnel states.
type Tracker struct {
	funnels funnel.Store
	states  StateStore
	cache   *cache.Cache
	metrics *Metrics
	logger  *slog.Logger
}

// NewTracker creates a realtime tracker.
func NewTracker(funnels funnel.Store, states StateStore, c *cache.Cache, metrics *Metrics, logger *slog.Logger) *Tracker {
	return &Tracker{
		funnels: funnels,
		states:  states,
		cache:   c,
		metrics: metrics,
		logger:  logger,
	}
}

// Process applies one event. It never returns an error: failures are logged
// with structured context and counted, and the event is dropped.
func (t *Tracker) Process(ctx context.Context, ev *event.Event) {
	if err := ev.Validate(); err != nil {
		t.drop(ctx, ev, "validate", err)

		return
	}

	scope := funnel.Scope{TenantID: ev.TenantID, WorkspaceID: ev.WorkspaceID}

	active, err := t.activeFunnels(ctx, scope)
	if err != nil {
		t.drop(ctx, ev, "load_funnels", err)

		return
	}

	matched := false

	for i := range active {
		if t.applyToFunnel(ctx, scope, &active[i], ev) {
			matched = true
		}
	}

	outcome := "unmatched"
	if matched {
		outcome = "matched"
	}

	if t.metrics != nil {
		t.metrics.EventsProcessed.WithLabelValues(outcome).Inc()
	}
}

// activeFunnels loads the workspace's active funnels cache-first (5m TTL).
func (t *Tracker) activeFunnels(ctx context.Context, scope funnel.Scope) ([]funnel.ActiveFunnel, error) {
	key := cache.KeyFor("active_funnels", map[string]string{
		"tenantId":    strconv.FormatInt(scope.TenantID, 10),
		"workspaceId": strconv.FormatInt(scope.WorkspaceID, 10),
	})

	if cached, ok := cache.Get[[]funnel.ActiveFunnel](t.cache, key); ok {
		return cached, nil
	}

	active, err := t.funnels.ActiveFunnels(ctx, scope)
	if err != nil {
		return nil, err
	}

	t.cache.SetClass(key, active, cache.ClassFunnelConfig)

	return active, nil
}

// applyToFunnel runs the matching and state machine for one funnel. Returns
// true when the event matched a step.
func (t *Tracker) applyToFunnel(ctx context.Context, scope funnel.Scope, af *funnel.ActiveFunnel, ev *event.Event) bool {
	step := funnel.FirstMatchingStep(af.Steps, ev)
	if step == nil {
		return false
	}

	prior, err := t.loadState(ctx, scope, af.FunnelID, ev.AnonymousID)
	if err != nil {
		t.drop(ctx, ev, "load_state", err)

		return true
	}

	next, tr := applyEvent(prior, af, step, ev)
	if tr == transitionNone {
		return true
	}

	if err := t.states.Upsert(ctx, next); err != nil {
		t.drop(ctx, ev, "persist", err)

		return true
	}

	t.cache.SetClass(t.stateKey(scope, af.FunnelID, ev.AnonymousID), next, cache.ClassUserState)

	if t.metrics != nil {
		t.metrics.Transitions.WithLabelValues(tr.String()).Inc()
	}

	if tr.significant() {
		t.cache.DeletePrefix(cache.ScopedKey("funnel:live", af.FunnelID, scope.TenantID, scope.WorkspaceID, nil))
	}

	return true
}

func (t *Tracker) stateKey(scope funnel.Scope, funnelID int64, anonymousID string) string {
	return cache.ScopedKey("user_state", funnelID, scope.TenantID, scope.WorkspaceID,
		map[string]string{"anonymousId": anonymousID})
}

// loadState reads the user's state cache-first (1m TTL), then from the store.
func (t *Tracker) loadState(ctx context.Context, scope funnel.Scope, funnelID int64, anonymousID string) (*State, error) {
	key := t.stateKey(scope, funnelID, anonymousID)

	if cached, ok := cache.Get[*State](t.cache, key); ok {
		return cached, nil
	}

	return t.states.Get(ctx, scope, funnelID, anonymousID)
}

// applyEvent computes the next state for a matched step. It is pure: callers
// own persistence and cache updates.
//
// Idempotency: re-applying an event a state already reflects yields
// transitionNone, so duplicate delivery never regresses or rewrites state.
func applyEvent(prior *State, af *funnel.ActiveFunnel, step *funnel.Step, ev *event.Event) (*State, transition) {
	if prior == nil || supersededCompletion(prior, af) || lapsed(prior, af, ev) {
		// First touch, a completed journey against a superseded version, or
		// a journey that lapsed past the conversion window: the user enters
		// the current published version fresh.
		next := &State{
			TenantID:         ev.TenantID,
			WorkspaceID:      ev.WorkspaceID,
			FunnelID:         af.FunnelID,
			FunnelVersion:    af.Version,
			AnonymousID:      ev.AnonymousID,
			LeadID:           ev.LeadID,
			CurrentStepIndex: step.OrderIndex,
			Status:           StatusActive,
			EnteredAt:        ev.Timestamp,
			LastStepAt:       ev.Timestamp,
			LastActivityAt:   ev.Timestamp,
		}

		if step.Type == funnel.StepConversion {
			next.Status = StatusCompleted
			ts := ev.Timestamp
			next.CompletedAt = &ts

			return next, transitionCompleted
		}

		return next, transitionEntered
	}

	// Stale events never move the state backwards.
	if !ev.Timestamp.After(prior.LastActivityAt) {
		return prior, transitionNone
	}

	next := prior.Clone()
	next.LastActivityAt = ev.Timestamp

	if next.LeadID == "" && ev.LeadID != "" {
		next.LeadID = ev.LeadID
	}

	if prior.Status == StatusCompleted {
		// Completed is terminal for this version; record activity only.
		return next, transitionActivity
	}

	tr := transitionActivity

	if step.OrderIndex > prior.CurrentStepIndex {
		next.CurrentStepIndex = step.OrderIndex
		next.LastStepAt = ev.Timestamp
		tr = transitionAdvanced
	}

	if step.Type == funnel.StepConversion {
		next.Status = StatusCompleted
		ts := ev.Timestamp
		next.CompletedAt = &ts
		tr = transitionCompleted
	}

	return next, tr
}

// supersededCompletion reports a completed journey against a version no
// longer published.
func supersededCompletion(prior *State, af *funnel.ActiveFunnel) bool {
	return prior.Status == StatusCompleted && prior.FunnelVersion != af.Version
}

// lapsed reports whether the prior journey had already ended by the time of
// this event: marked abandoned, or active with the event arriving past the
// version's window_days. Events at or before the last activity are left to
// the stale-event guard.
func lapsed(prior *State, af *funnel.ActiveFunnel, ev *event.Event) bool {
	if !ev.Timestamp.After(prior.LastActivityAt) {
		return false
	}

	if prior.Status == StatusAbandoned {
		return true
	}

	return prior.Status == StatusActive &&
		ev.Timestamp.Sub(prior.LastActivityAt) > time.Duration(af.WindowDays)*24*time.Hour
}

// SweepAbandoned persists the abandoned transition for states idle beyond
// their version's window_days. The host runs it on a slow cadence; reads
// that race the sweep apply the same transition lazily.
func (t *Tracker) SweepAbandoned(ctx context.Context) {
	n, err := t.states.MarkAbandoned(ctx, time.Now().UTC())
	if err != nil {
		t.logger.ErrorContext(ctx, "Abandoned-state sweep failed", slog.String("error", err.Error()))

		return
	}

	if n == 0 {
		return
	}

	if t.metrics != nil {
		t.metrics.Transitions.WithLabelValues(transitionAbandoned.String()).Add(float64(n))
	}

	t.logger.InfoContext(ctx, "Marked idle user states abandoned", slog.Int64("states", n))
}

func (t *Tracker) drop(ctx context.Context, ev *event.Event, stage string, err error) {
	if t.metrics != nil {
		t.metrics.EventsDropped.WithLabelValues(stage).Inc()
	}

	t.logger.ErrorContext(ctx, "Dropped event",
		slog.String("stage", stage),
		slog.Int64("tenant_id", ev.TenantID),
		slog.Int64("workspace_id", ev.WorkspaceID),
		slog.String("anonymous_id", ev.AnonymousID),
		slog.String("event_name", ev.Name),
		slog.String("error", err.Error()),
	)
}
