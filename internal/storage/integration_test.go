package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	migrate "github.com/golang-migrate/migrate/v4"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/funneld-io/funneld/internal/analytics"
	"github.com/funneld-io/funneld/internal/export"
	"github.com/funneld-io/funneld/internal/funnel"
	"github.com/funneld-io/funneld/internal/realtime"
	"github.com/funneld-io/funneld/migrations"
)

// setupDatabase starts a PostgreSQL container, applies the embedded
// migrations, and returns an open connection.
func setupDatabase(ctx context.Context, t *testing.T) *Connection {
	t.Helper()

	pgContainer, err := postgrescontainer.Run(ctx,
		"postgres:15-alpine",
		postgrescontainer.WithDatabase("funneld_test"),
		postgrescontainer.WithUsername("testuser"),
		postgrescontainer.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second)),
	)
	require.NoError(t, err, "start postgres container")

	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	conn, err := NewConnection(NewConfig(connStr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	source, err := iofs.New(migrations.Files, ".")
	require.NoError(t, err)

	driver, err := postgres.WithInstance(conn.DB, &postgres.Config{})
	require.NoError(t, err)

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	require.NoError(t, err)
	require.NoError(t, m.Up())

	return conn
}

func checkoutDefinition(name string) *funnel.Definition {
	return &funnel.Definition{
		Name:        name,
		Description: "checkout flow",
		Steps: []funnel.StepDefinition{
			{
				OrderIndex: 0,
				Type:       funnel.StepStart,
				Label:      "Begin",
				Matches: []funnel.MatchDefinition{
					{Kind: funnel.MatchEventName, Rules: map[string]string{"event_name": "begin"}},
				},
			},
			{
				OrderIndex: 1,
				Type:       funnel.StepPage,
				Label:      "Checkout page",
				Matches: []funnel.MatchDefinition{
					{Kind: funnel.MatchPageURL, Rules: map[string]string{"pattern": "/checkout"}},
				},
			},
			{
				OrderIndex: 2,
				Type:       funnel.StepConversion,
				Label:      "Purchase",
				Matches: []funnel.MatchDefinition{
					{Kind: funnel.MatchEventName, Rules: map[string]string{"event_name": "purchase"}},
				},
			},
		},
	}
}

func TestFunnelStoreLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupDatabase(ctx, t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewFunnelStore(conn, logger)
	scope := funnel.Scope{TenantID: 1, WorkspaceID: 2}

	created, err := store.Create(ctx, scope, checkoutDefinition("Checkout"))
	require.NoError(t, err)
	require.Len(t, created.Versions, 1)
	assert.Equal(t, funnel.VersionDraft, created.Versions[0].State)
	assert.Len(t, created.Versions[0].Steps, 3)
	assert.Equal(t, funnel.FormatFunnelID(created.ID), created.ExternalID)

	// Duplicate name among non-archived funnels is refused.
	_, err = store.Create(ctx, scope, checkoutDefinition("Checkout"))
	require.ErrorIs(t, err, funnel.ErrNameConflict)

	// Cross-tenant reads see nothing.
	_, err = store.Get(ctx, funnel.Scope{TenantID: 9, WorkspaceID: 9}, created.ID)
	require.ErrorIs(t, err, funnel.ErrNotFound)

	// Publish version 1.
	pub, err := store.Publish(ctx, scope, created.ID, 1, 30, "initial launch")
	require.NoError(t, err)
	assert.Equal(t, 1, pub.Version)
	assert.Equal(t, 30, pub.WindowDays)
	assert.Len(t, pub.Snapshot.Steps, 3)

	_, err = store.Publish(ctx, scope, created.ID, 7, 30, "")
	require.ErrorIs(t, err, funnel.ErrVersionNotFound)

	// Steps patch cuts version 2 as the only draft.
	updated, err := store.Update(ctx, scope, created.ID, &funnel.UpdatePatch{
		Steps: checkoutDefinition("").Steps,
	})
	require.NoError(t, err)
	require.Len(t, updated.Versions, 2)
	assert.Equal(t, 2, updated.Versions[0].Number)
	assert.Equal(t, funnel.VersionDraft, updated.Versions[0].State)
	assert.Equal(t, funnel.VersionPublished, updated.Versions[1].State)

	// Active funnels carry the latest publication snapshot.
	active, err := store.ActiveFunnels(ctx, scope)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 1, active[0].Version)
	assert.Len(t, active[0].Steps, 3)

	summary, err := store.Summary(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalFunnels)
	assert.Equal(t, 1, summary.PublishedFunnels)

	// Archive is idempotent and hides the funnel from Get.
	archived, err := store.Archive(ctx, scope, created.ID)
	require.NoError(t, err)
	require.NotNil(t, archived.ArchivedAt)

	again, err := store.Archive(ctx, scope, created.ID)
	require.NoError(t, err)
	assert.Equal(t, archived.ArchivedAt.Unix(), again.ArchivedAt.Unix())

	_, err = store.Get(ctx, scope, created.ID)
	require.ErrorIs(t, err, funnel.ErrNotFound)

	// Name freed for reuse after archive.
	_, err = store.Create(ctx, scope, checkoutDefinition("Checkout"))
	require.NoError(t, err)
}

func TestUserStateStoreCASIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupDatabase(ctx, t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	funnels := NewFunnelStore(conn, logger)
	scope := funnel.Scope{TenantID: 1, WorkspaceID: 2}

	created, err := funnels.Create(ctx, scope, checkoutDefinition("Checkout"))
	require.NoError(t, err)

	states := NewUserStateStore(conn, logger)

	missing, err := states.Get(ctx, scope, created.ID, "a_u1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	newer := &realtime.State{
		TenantID: 1, WorkspaceID: 2, FunnelID: created.ID, FunnelVersion: 1,
		AnonymousID: "a_u1", CurrentStepIndex: 1, Status: realtime.StatusActive,
		EnteredAt: base, LastStepAt: base.Add(5 * time.Minute), LastActivityAt: base.Add(5 * time.Minute),
	}
	require.NoError(t, states.Upsert(ctx, newer))

	// A stale write must not regress the stored row.
	stale := newer.Clone()
	stale.CurrentStepIndex = 0
	stale.LastStepAt = base
	stale.LastActivityAt = base
	require.NoError(t, states.Upsert(ctx, stale))

	got, err := states.Get(ctx, scope, created.ID, "a_u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.CurrentStepIndex)
	assert.Equal(t, base.Add(5*time.Minute).Unix(), got.LastActivityAt.Unix())
}

func TestUserStateStoreAbandonSweepIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupDatabase(ctx, t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	funnels := NewFunnelStore(conn, logger)
	scope := funnel.Scope{TenantID: 1, WorkspaceID: 2}

	created, err := funnels.Create(ctx, scope, checkoutDefinition("Checkout"))
	require.NoError(t, err)

	_, err = funnels.Publish(ctx, scope, created.ID, 1, 30, "")
	require.NoError(t, err)

	states := NewUserStateStore(conn, logger)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	idle := &realtime.State{
		TenantID: 1, WorkspaceID: 2, FunnelID: created.ID, FunnelVersion: 1,
		AnonymousID: "a_idle", CurrentStepIndex: 1, Status: realtime.StatusActive,
		EnteredAt: base, LastStepAt: base, LastActivityAt: base,
	}
	require.NoError(t, states.Upsert(ctx, idle))

	recent := idle.Clone()
	recent.AnonymousID = "a_recent"
	recent.LastActivityAt = base.AddDate(0, 0, 29)
	require.NoError(t, states.Upsert(ctx, recent))

	done := base.AddDate(0, 0, -5)
	completed := idle.Clone()
	completed.AnonymousID = "a_done"
	completed.Status = realtime.StatusCompleted
	completed.CompletedAt = &done
	require.NoError(t, states.Upsert(ctx, completed))

	// 31 days past the idle user's last activity: only that row flips.
	n, err := states.MarkAbandoned(ctx, base.AddDate(0, 0, 31))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := states.Get(ctx, scope, created.ID, "a_idle")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, realtime.StatusAbandoned, got.Status)
	require.NotNil(t, got.ExitedAt)
	assert.Equal(t, base.Unix(), got.ExitedAt.Unix())

	got, err = states.Get(ctx, scope, created.ID, "a_recent")
	require.NoError(t, err)
	assert.Equal(t, realtime.StatusActive, got.Status)
	assert.Nil(t, got.ExitedAt)

	got, err = states.Get(ctx, scope, created.ID, "a_done")
	require.NoError(t, err)
	assert.Equal(t, realtime.StatusCompleted, got.Status)

	// The sweep is idempotent.
	n, err = states.MarkAbandoned(ctx, base.AddDate(0, 0, 32))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExportStoreLifecycleIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupDatabase(ctx, t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	funnels := NewFunnelStore(conn, logger)
	scope := funnel.Scope{TenantID: 1, WorkspaceID: 2}

	created, err := funnels.Create(ctx, scope, checkoutDefinition("Checkout"))
	require.NoError(t, err)

	exports := NewExportStore(conn, logger)

	job := &export.Job{
		TenantID: 1, WorkspaceID: 2, FunnelID: created.ID,
		Type: export.TypeSummary, Format: export.FormatCSV,
		Delivery: export.DeliveryDownload,
		Request: export.Request{
			Type: export.TypeSummary, Format: export.FormatCSV,
			Delivery: export.DeliveryDownload,
			Window: analytics.TimeWindow{
				Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
			},
		},
	}
	require.NoError(t, exports.Create(ctx, job))
	require.NotZero(t, job.ID)

	// Cross-tenant reads see nothing.
	_, err = exports.Get(ctx, funnel.Scope{TenantID: 9, WorkspaceID: 9}, job.ID)
	require.ErrorIs(t, err, export.ErrJobNotFound)

	claimed, err := exports.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, export.StatusProcessing, claimed.Status)
	assert.Equal(t, job.Request.Window, claimed.Request.Window)

	// Nothing else pending.
	none, err := exports.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, exports.SetProgress(ctx, job.ID, 60))

	expires := time.Now().Add(-time.Minute)
	require.NoError(t, exports.Complete(ctx, job.ID, "/tmp/exports/x.csv", 512, 3, expires))

	done, err := exports.Get(ctx, scope, job.ID)
	require.NoError(t, err)
	assert.Equal(t, export.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.ProgressPercent)
	assert.Equal(t, int64(3), done.RecordCount)

	// Terminal rows are immutable.
	require.ErrorIs(t, exports.Fail(ctx, job.ID, "too late"), export.ErrJobNotFound)

	expired, err := exports.ExpiredArtifacts(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	require.NoError(t, exports.ClearArtifact(ctx, job.ID))

	expired, err = exports.ExpiredArtifacts(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestAnalyticsRepositoryTotalsIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	conn := setupDatabase(ctx, t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	funnels := NewFunnelStore(conn, logger)
	scope := funnel.Scope{TenantID: 1, WorkspaceID: 2}

	created, err := funnels.Create(ctx, scope, checkoutDefinition("Checkout"))
	require.NoError(t, err)

	states := NewUserStateStore(conn, logger)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	// Three entries, one conversion.
	for i, user := range []struct {
		id        string
		step      int
		completed bool
	}{
		{"a_u1", 2, true},
		{"a_u2", 1, false},
		{"a_u3", 0, false},
	} {
		entered := base.Add(time.Duration(i) * time.Hour)
		st := &realtime.State{
			TenantID: 1, WorkspaceID: 2, FunnelID: created.ID, FunnelVersion: 1,
			AnonymousID: user.id, CurrentStepIndex: user.step, Status: realtime.StatusActive,
			EnteredAt: entered, LastStepAt: entered.Add(10 * time.Minute),
			LastActivityAt: entered.Add(10 * time.Minute),
		}

		if user.completed {
			st.Status = realtime.StatusCompleted
			done := entered.Add(15 * time.Minute)
			st.CompletedAt = &done
		}

		require.NoError(t, states.Upsert(ctx, st))
	}

	repo := NewAnalyticsRepository(conn, logger)
	window := analytics.TimeWindow{Start: base.Add(-time.Hour), End: base.Add(24 * time.Hour)}

	totals, err := repo.FunnelTotals(ctx, scope, created.ID, window)
	require.NoError(t, err)
	assert.Equal(t, int64(3), totals.Entries)
	assert.Equal(t, int64(1), totals.Conversions)

	completions, err := repo.StepCompletions(ctx, scope, created.ID, 3, window)
	require.NoError(t, err)
	require.Len(t, completions, 3)
	assert.Equal(t, int64(3), completions[0].Users)
	assert.Equal(t, int64(2), completions[1].Users)
	assert.Equal(t, int64(1), completions[2].Users)

	durations, err := repo.ConversionDurations(ctx, scope, created.ID, window)
	require.NoError(t, err)
	require.Len(t, durations, 1)
	assert.InDelta(t, 900, durations[0], 0.5)

	progress, err := repo.UserProgress(ctx, scope, created.ID, "a_u2")
	require.NoError(t, err)
	require.NotNil(t, progress)
	assert.Equal(t, 1, progress.CurrentStepIndex)
	assert.Equal(t, "active", progress.Status)

	none, err := repo.UserProgress(ctx, scope, created.ID, "a_unknown")
	require.NoError(t, err)
	assert.Nil(t, none)
}
