package realtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funneld-io/funneld/internal/cache"
	"github.com/funneld-io/funneld/internal/event"
	"github.com/funneld-io/funneld/internal/funnel"
)

// memStateStore is an in-memory StateStore with the same compare-and-set
// and sweep semantics as the PostgreSQL implementation.
type memStateStore struct {
	mu     sync.Mutex
	states map[string]*State

	windowDays int
	upserts    int
	failAll    bool
}

func newMemStateStore() *memStateStore {
	return &memStateStore{states: make(map[string]*State), windowDays: 30}
}

func stateMapKey(tenantID, workspaceID, funnelID int64, anonymousID string) string {
	return fmt.Sprintf("%d/%d/%d/%s", tenantID, workspaceID, funnelID, anonymousID)
}

func (s *memStateStore) Get(_ context.Context, scope funnel.Scope, funnelID int64, anonymousID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[stateMapKey(scope.TenantID, scope.WorkspaceID, funnelID, anonymousID)]
	if !ok {
		return nil, nil
	}

	return st.Clone(), nil
}

func (s *memStateStore) Upsert(_ context.Context, state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAll {
		return assert.AnError
	}

	key := stateMapKey(state.TenantID, state.WorkspaceID, state.FunnelID, state.AnonymousID)

	if prior, ok := s.states[key]; ok && prior.LastActivityAt.After(state.LastActivityAt) {
		return nil // CAS: stale write, keep the newer row
	}

	s.states[key] = state.Clone()
	s.upserts++

	return nil
}

func (s *memStateStore) MarkAbandoned(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := time.Duration(s.windowDays) * 24 * time.Hour

	var n int64

	for _, st := range s.states {
		if st.Status != StatusActive || now.Sub(st.LastActivityAt) <= window {
			continue
		}

		st.Status = StatusAbandoned
		t := st.LastActivityAt
		st.ExitedAt = &t
		n++
	}

	return n, nil
}

var _ StateStore = (*memStateStore)(nil)

// memFunnelStore serves a fixed set of active funnels and fails every other
// Store method, which the tracker never calls.
type memFunnelStore struct {
	funnel.Store

	active []funnel.ActiveFunnel
	calls  int
}

func (s *memFunnelStore) ActiveFunnels(_ context.Context, _ funnel.Scope) ([]funnel.ActiveFunnel, error) {
	s.calls++

	return s.active, nil
}

func checkoutFunnel(version int) funnel.ActiveFunnel {
	return funnel.ActiveFunnel{
		FunnelID:   7,
		Name:       "Checkout",
		VersionID:  70,
		Version:    version,
		WindowDays: 30,
		Steps: []funnel.Step{
			{
				OrderIndex: 0,
				Type:       funnel.StepStart,
				Label:      "Begin",
				Matches: []funnel.StepMatch{
					{Kind: funnel.MatchEventName, Rules: map[string]string{"event_name": "begin"}},
				},
			},
			{
				OrderIndex: 1,
				Type:       funnel.StepPage,
				Label:      "Checkout page",
				Matches: []funnel.StepMatch{
					{Kind: funnel.MatchPageURL, Rules: map[string]string{"pattern": "/checkout"}},
				},
			},
			{
				OrderIndex: 2,
				Type:       funnel.StepConversion,
				Label:      "Purchase",
				Matches: []funnel.StepMatch{
					{Kind: funnel.MatchEventName, Rules: map[string]string{"event_name": "purchase"}},
				},
			},
		},
	}
}

func newTestTracker(t *testing.T, funnels funnel.Store, states StateStore) (*Tracker, *cache.Cache) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := cache.New(logger)
	t.Cleanup(c.Close)

	return NewTracker(funnels, states, c, NewMetrics(nil), logger), c
}

func at(minute int) time.Time {
	return time.Date(2026, 3, 1, 0, minute, 0, 0, time.UTC)
}

func trackEvent(name string, minute int, page *event.Page) *event.Event {
	return &event.Event{
		TenantID:    1,
		WorkspaceID: 2,
		AnonymousID: "a_u1",
		Name:        name,
		Timestamp:   at(minute),
		Page:        page,
	}
}

func TestTrackerFullJourney(t *testing.T) {
	states := newMemStateStore()
	tracker, _ := newTestTracker(t, &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}, states)

	ctx := context.Background()
	tracker.Process(ctx, trackEvent("begin", 0, nil))
	tracker.Process(ctx, trackEvent("visit", 5, &event.Page{URL: "https://shop.test/checkout"}))
	tracker.Process(ctx, trackEvent("purchase", 10, nil))

	st, err := states.Get(ctx, funnel.Scope{TenantID: 1, WorkspaceID: 2}, 7, "a_u1")
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.Equal(t, 2, st.CurrentStepIndex)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, at(0), st.EnteredAt)
	assert.Equal(t, at(10), st.LastStepAt)
	require.NotNil(t, st.CompletedAt)
	assert.Equal(t, at(10), *st.CompletedAt)
}

func TestTrackerIdempotentDuplicateDelivery(t *testing.T) {
	states := newMemStateStore()
	tracker, _ := newTestTracker(t, &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}, states)

	ctx := context.Background()
	tracker.Process(ctx, trackEvent("begin", 0, nil))
	tracker.Process(ctx, trackEvent("purchase", 10, nil))

	before, err := states.Get(ctx, funnel.Scope{TenantID: 1, WorkspaceID: 2}, 7, "a_u1")
	require.NoError(t, err)

	upserts := states.upserts

	// Redelivered duplicate: same timestamp, already reflected in state.
	tracker.Process(ctx, trackEvent("purchase", 10, nil))

	after, err := states.Get(ctx, funnel.Scope{TenantID: 1, WorkspaceID: 2}, 7, "a_u1")
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.Equal(t, upserts, states.upserts, "duplicate must not write")
}

func TestTrackerStaleEventNeverRegresses(t *testing.T) {
	states := newMemStateStore()
	tracker, _ := newTestTracker(t, &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}, states)

	ctx := context.Background()
	tracker.Process(ctx, trackEvent("begin", 0, nil))
	tracker.Process(ctx, trackEvent("visit", 8, &event.Page{URL: "https://shop.test/checkout"}))

	// Late-arriving begin from before the checkout visit.
	tracker.Process(ctx, trackEvent("begin", 3, nil))

	st, err := states.Get(ctx, funnel.Scope{TenantID: 1, WorkspaceID: 2}, 7, "a_u1")
	require.NoError(t, err)

	assert.Equal(t, 1, st.CurrentStepIndex)
	assert.Equal(t, StatusActive, st.Status)
	assert.Equal(t, at(8), st.LastActivityAt)
}

func TestTrackerCompletedIsTerminalForVersion(t *testing.T) {
	states := newMemStateStore()
	tracker, _ := newTestTracker(t, &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}, states)

	ctx := context.Background()
	tracker.Process(ctx, trackEvent("purchase", 0, nil))
	tracker.Process(ctx, trackEvent("begin", 5, nil))

	st, err := states.Get(ctx, funnel.Scope{TenantID: 1, WorkspaceID: 2}, 7, "a_u1")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 2, st.CurrentStepIndex, "post-completion matches record activity only")
	assert.Equal(t, at(5), st.LastActivityAt)
	assert.Equal(t, at(0), *st.CompletedAt)
}

func TestTrackerNewVersionAllowsReentry(t *testing.T) {
	states := newMemStateStore()
	funnels := &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}
	tracker, c := newTestTracker(t, funnels, states)

	ctx := context.Background()
	tracker.Process(ctx, trackEvent("purchase", 0, nil))

	// Publish version 2. Drop both caches so the tracker sees it immediately.
	funnels.active = []funnel.ActiveFunnel{checkoutFunnel(2)}
	c.DeletePrefix("")

	tracker.Process(ctx, trackEvent("begin", 20, nil))

	st, err := states.Get(ctx, funnel.Scope{TenantID: 1, WorkspaceID: 2}, 7, "a_u1")
	require.NoError(t, err)

	assert.Equal(t, StatusActive, st.Status)
	assert.Equal(t, 2, st.FunnelVersion)
	assert.Equal(t, 0, st.CurrentStepIndex)
	assert.Equal(t, at(20), st.EnteredAt)
	assert.Nil(t, st.CompletedAt)
}

func TestTrackerIdleBeyondWindowReenters(t *testing.T) {
	states := newMemStateStore()
	tracker, _ := newTestTracker(t, &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}, states)
	scope := funnel.Scope{TenantID: 1, WorkspaceID: 2}

	ctx := context.Background()
	tracker.Process(ctx, trackEvent("begin", 0, nil))
	tracker.Process(ctx, trackEvent("visit", 5, &event.Page{URL: "https://shop.test/checkout"}))

	// Activity inside the 30-day window continues the same journey.
	within := trackEvent("begin", 0, nil)
	within.Timestamp = at(5).AddDate(0, 0, 20)
	tracker.Process(ctx, within)

	st, err := states.Get(ctx, scope, 7, "a_u1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.CurrentStepIndex)
	assert.Equal(t, at(0), st.EnteredAt)

	// 31 days idle: the journey lapsed, this event enters fresh.
	late := trackEvent("begin", 0, nil)
	late.Timestamp = within.Timestamp.AddDate(0, 0, 31)
	tracker.Process(ctx, late)

	st, err = states.Get(ctx, scope, 7, "a_u1")
	require.NoError(t, err)

	assert.Equal(t, StatusActive, st.Status)
	assert.Equal(t, 0, st.CurrentStepIndex)
	assert.Equal(t, late.Timestamp, st.EnteredAt)
	assert.Nil(t, st.CompletedAt)
	assert.Nil(t, st.ExitedAt)
}

func TestTrackerAbandonSweepAndReentry(t *testing.T) {
	states := newMemStateStore()
	tracker, _ := newTestTracker(t, &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}, states)
	scope := funnel.Scope{TenantID: 1, WorkspaceID: 2}

	ctx := context.Background()
	tracker.Process(ctx, trackEvent("begin", 0, nil))

	n, err := states.MarkAbandoned(ctx, at(0).AddDate(0, 0, 31))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	st, err := states.Get(ctx, scope, 7, "a_u1")
	require.NoError(t, err)
	assert.Equal(t, StatusAbandoned, st.Status)
	require.NotNil(t, st.ExitedAt)
	assert.Equal(t, at(0), *st.ExitedAt)

	// The sweep is idempotent.
	n, err = states.MarkAbandoned(ctx, at(0).AddDate(0, 0, 32))
	require.NoError(t, err)
	assert.Zero(t, n)

	// A later matching event starts a fresh journey.
	late := trackEvent("begin", 0, nil)
	late.Timestamp = at(0).AddDate(0, 0, 40)
	tracker.Process(ctx, late)

	st, err = states.Get(ctx, scope, 7, "a_u1")
	require.NoError(t, err)

	assert.Equal(t, StatusActive, st.Status)
	assert.Equal(t, late.Timestamp, st.EnteredAt)
	assert.Nil(t, st.ExitedAt)
}

func TestTrackerDropsInvalidEvents(t *testing.T) {
	states := newMemStateStore()
	funnels := &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}
	tracker, _ := newTestTracker(t, funnels, states)

	tracker.Process(context.Background(), &event.Event{TenantID: 1, WorkspaceID: 2, Name: "begin", Timestamp: at(0)})

	assert.Zero(t, funnels.calls, "invalid events must be dropped before any lookup")
	assert.Zero(t, states.upserts)
}

func TestTrackerSurvivesStoreFailure(t *testing.T) {
	states := newMemStateStore()
	states.failAll = true

	tracker, _ := newTestTracker(t, &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}, states)

	// Must not panic or propagate; the event is dropped and counted.
	tracker.Process(context.Background(), trackEvent("begin", 0, nil))

	assert.Zero(t, states.upserts)
}

func TestTrackerCachesActiveFunnels(t *testing.T) {
	states := newMemStateStore()
	funnels := &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}
	tracker, _ := newTestTracker(t, funnels, states)

	ctx := context.Background()
	tracker.Process(ctx, trackEvent("begin", 0, nil))
	tracker.Process(ctx, trackEvent("purchase", 1, nil))

	assert.Equal(t, 1, funnels.calls, "second event should hit the funnel cache")
}

func TestTrackerUnmatchedEventLeavesNoState(t *testing.T) {
	states := newMemStateStore()
	tracker, _ := newTestTracker(t, &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}, states)

	ctx := context.Background()
	tracker.Process(ctx, trackEvent("newsletter_open", 0, nil))

	st, err := states.Get(ctx, funnel.Scope{TenantID: 1, WorkspaceID: 2}, 7, "a_u1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestPoolPreservesPerUserOrdering(t *testing.T) {
	states := newMemStateStore()
	tracker, _ := newTestTracker(t, &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}, states)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := NewPool(tracker, logger)

	for minute, name := range []string{"begin", "visit", "purchase"} {
		ev := trackEvent(name, minute, nil)
		if name == "visit" {
			ev.Page = &event.Page{URL: "https://shop.test/checkout"}
		}

		require.True(t, pool.Dispatch(ev))
	}

	pool.Close()

	st, err := states.Get(context.Background(), funnel.Scope{TenantID: 1, WorkspaceID: 2}, 7, "a_u1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, StatusCompleted, st.Status)

	assert.False(t, pool.Dispatch(trackEvent("begin", 9, nil)), "closed pool refuses events")
}

func TestPoolDispatchDuringCloseNeverPanics(t *testing.T) {
	states := newMemStateStore()
	tracker, _ := newTestTracker(t, &memFunnelStore{active: []funnel.ActiveFunnel{checkoutFunnel(1)}}, states)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := NewPool(tracker, logger)

	// Producers race Close; every Dispatch must either enqueue or return
	// false, never send on a closed queue.
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)

		go func(producer int) {
			defer wg.Done()

			for minute := 0; ; minute++ {
				ev := trackEvent("begin", minute%60, nil)
				ev.AnonymousID = fmt.Sprintf("a_u%d", producer)

				if !pool.Dispatch(ev) {
					return
				}
			}
		}(i)
	}

	pool.Close()
	wg.Wait()
}
