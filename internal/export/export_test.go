package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funneld-io/funneld/internal/analytics"
	"github.com/funneld-io/funneld/internal/funnel"
)

// memStore is an in-memory export Store for tests.
type memStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*Job
}

func newMemStore() *memStore {
	return &memStore{nextID: 1, jobs: map[int64]*Job{}}
}

func (s *memStore) Create(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job.ID = s.nextID
	s.nextID++
	job.CreatedAt = time.Now()

	clone := *job
	s.jobs[job.ID] = &clone

	return nil
}

func (s *memStore) Get(_ context.Context, scope funnel.Scope, jobID int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.TenantID != scope.TenantID || job.WorkspaceID != scope.WorkspaceID {
		return nil, ErrJobNotFound
	}

	clone := *job

	return &clone, nil
}

func (s *memStore) ClaimNext(_ context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *Job

	for _, job := range s.jobs {
		if job.Status != StatusPending {
			continue
		}

		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}

	if oldest == nil {
		return nil, nil
	}

	oldest.Status = StatusProcessing
	now := time.Now()
	oldest.StartedAt = &now

	clone := *oldest

	return &clone, nil
}

func (s *memStore) SetProgress(_ context.Context, jobID int64, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[jobID]; ok && job.Status == StatusProcessing {
		job.ProgressPercent = percent
	}

	return nil
}

func (s *memStore) Complete(_ context.Context, jobID int64, filePath string, sizeBytes, records int64, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Status != StatusProcessing {
		return ErrJobNotFound
	}

	now := time.Now()
	job.Status = StatusCompleted
	job.ProgressPercent = 100
	job.FilePath = filePath
	job.FileSizeBytes = sizeBytes
	job.RecordCount = records
	job.CompletedAt = &now
	job.ExpiresAt = &expiresAt

	return nil
}

func (s *memStore) Fail(_ context.Context, jobID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.Terminal() {
		return ErrJobNotFound
	}

	now := time.Now()
	job.Status = StatusFailed
	job.FailureReason = reason
	job.CompletedAt = &now

	return nil
}

func (s *memStore) ExpiredArtifacts(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Job

	for _, job := range s.jobs {
		if job.Status == StatusCompleted && job.FilePath != "" &&
			job.ExpiresAt != nil && job.ExpiresAt.Before(now) {
			out = append(out, *job)
		}

		if len(out) == limit {
			break
		}
	}

	return out, nil
}

func (s *memStore) ClearArtifact(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[jobID]; ok {
		job.FilePath = ""
	}

	return nil
}

func (s *memStore) PruneJobs(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64

	for id, job := range s.jobs {
		if job.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			pruned++
		}
	}

	return pruned, nil
}

// memFunnelStore serves Get for the manager.
type memFunnelStore struct {
	funnel.Store

	funnels map[int64]*funnel.Funnel
}

func (s *memFunnelStore) Get(_ context.Context, scope funnel.Scope, funnelID int64) (*funnel.Funnel, error) {
	f, ok := s.funnels[funnelID]
	if !ok || f.TenantID != scope.TenantID || f.WorkspaceID != scope.WorkspaceID {
		return nil, funnel.ErrNotFound
	}

	return f, nil
}

func testFunnelStore() *memFunnelStore {
	return &memFunnelStore{funnels: map[int64]*funnel.Funnel{
		7: {
			ID: 7, TenantID: 1, WorkspaceID: 2, Name: "Checkout",
			Versions: []funnel.Version{{
				Number: 1,
				Steps:  []funnel.Step{{OrderIndex: 0}, {OrderIndex: 1}, {OrderIndex: 2}},
			}},
		},
	}}
}

func testWindow() analytics.TimeWindow {
	return analytics.TimeWindow{
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()

	return &Config{
		Directory:       t.TempDir(),
		DownloadBaseURL: "https://api.example.com/v1/analytics/exports",
		Retention:       24 * time.Hour,
		Workers:         1,
		PollInterval:    10 * time.Millisecond,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRequestValidate(t *testing.T) {
	valid := Request{
		Type: TypeSummary, Format: FormatCSV,
		Window: testWindow(), Delivery: DeliveryDownload,
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*Request)
		wantErr error
	}{
		{"bad type", func(r *Request) { r.Type = "full" }, ErrInvalidType},
		{"bad format", func(r *Request) { r.Format = "pdf" }, ErrInvalidFormat},
		{"bad delivery", func(r *Request) { r.Delivery = "carrier_pigeon" }, ErrInvalidDelivery},
		{"email delivery without address", func(r *Request) { r.Delivery = DeliveryEmail }, ErrEmailRequired},
		{"inverted window", func(r *Request) { r.Window.Start, r.Window.End = r.Window.End, r.Window.Start }, analytics.ErrInvalidRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			require.ErrorIs(t, req.Validate(), tt.wantErr)
		})
	}

	withEmail := valid
	withEmail.Delivery = DeliveryEmail
	withEmail.Email = "analyst@example.com"
	require.NoError(t, withEmail.Validate())
}

func TestExternalIDRoundTrip(t *testing.T) {
	assert.Equal(t, "exp_42", FormatID(42))

	id, err := ParseID("exp_42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = ParseID("fn_42")
	require.ErrorIs(t, err, ErrInvalidID)

	_, err = ParseID("exp_")
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestEstimateScalesWithTypeAndFormat(t *testing.T) {
	summary := estimate(TypeSummary, FormatCSV, 3)
	assert.Equal(t, int64(3), summary.TotalRecords)
	assert.Equal(t, int64(3*csvBytesPerRecord), summary.Bytes)

	detailed := estimate(TypeDetailed, FormatJSON, 3)
	assert.Equal(t, int64(36), detailed.TotalRecords)
	assert.Greater(t, detailed.Bytes, summary.Bytes)

	raw := estimate(TypeRawEvents, FormatExcel, 3)
	assert.Equal(t, int64(7500), raw.TotalRecords)
	assert.Greater(t, raw.DurationMs, detailed.DurationMs)

	// A funnel with no steps still produces a non-zero estimate.
	assert.Equal(t, int64(1), estimate(TypeSummary, FormatCSV, 0).TotalRecords)
}

func TestManagerEnqueueAndStatus(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := NewManager(store, testFunnelStore(), testConfig(t), testLogger())
	scope := funnel.Scope{TenantID: 1, WorkspaceID: 2}

	job, est, err := mgr.CreateExport(ctx, scope, 7, &Request{
		Type: TypeSummary, Format: FormatCSV, Window: testWindow(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, "exp_1", job.ExternalID)
	assert.Equal(t, DeliveryDownload, job.Delivery)
	assert.Equal(t, int64(3), est.TotalRecords)

	status, err := mgr.Status(ctx, scope, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status.Status)
	assert.Empty(t, status.DownloadURL)

	// Unknown funnel refuses the request before enqueueing anything.
	_, _, err = mgr.CreateExport(ctx, scope, 99, &Request{
		Type: TypeSummary, Format: FormatCSV, Window: testWindow(),
	})
	require.ErrorIs(t, err, funnel.ErrNotFound)

	// Cross-tenant status reads see nothing.
	_, err = mgr.Status(ctx, funnel.Scope{TenantID: 9, WorkspaceID: 9}, job.ID)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestManagerStatusCompletedCarriesDownloadURL(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := NewManager(store, testFunnelStore(), testConfig(t), testLogger())
	scope := funnel.Scope{TenantID: 1, WorkspaceID: 2}

	job, _, err := mgr.CreateExport(ctx, scope, 7, &Request{
		Type: TypeSummary, Format: FormatCSV, Window: testWindow(),
	})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	expires := time.Now().Add(24 * time.Hour)
	require.NoError(t, store.Complete(ctx, job.ID, "/tmp/exports/x.csv", 512, 3, expires))

	status, err := mgr.Status(ctx, scope, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, 100, status.ProgressPercent)
	assert.Equal(t, "https://api.example.com/v1/analytics/exports/exp_1/download", status.DownloadURL)
	assert.NotEmpty(t, status.DownloadExpiresAt)

	// Terminal jobs are immutable.
	require.Error(t, store.Fail(ctx, job.ID, "late failure"))
}

func testDataset() *dataset {
	return &dataset{
		FunnelName: "Checkout",
		Window:     testWindow(),
		Conversion: &analytics.ConversionResult{
			Steps: []analytics.StepMetrics{
				{StepOrder: 0, Label: "Begin", TotalUsers: 100, ConversionRateFromStart: 100, AvgStepTimeSeconds: 60},
				{StepOrder: 1, Label: "Checkout page", TotalUsers: 60, ConversionRateFromStart: 60, DropOffRate: 40, AvgStepTimeSeconds: 120},
				{StepOrder: 2, Label: "Purchase", TotalUsers: 30, ConversionRateFromStart: 30, DropOffRate: 50, AvgStepTimeSeconds: 180},
			},
			Overall: analytics.OverallMetrics{
				TotalEntries: 100, TotalConversions: 30, ConversionRate: 30,
				AvgTimeToConvertSeconds: 900,
			},
		},
	}
}

func TestWriteCSVStepRows(t *testing.T) {
	var buf bytes.Buffer

	records, err := writeCSV(&buf, testDataset())
	require.NoError(t, err)
	assert.Equal(t, int64(3), records)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, stepCSVHeader, rows[0])
	assert.Equal(t, []string{
		"Checkout", "1", "Checkout page", "60", "60.00", "40.00", "2.00",
		"2026-03-01 to 2026-03-15",
	}, rows[2])
}

func TestWriteCSVRawEvents(t *testing.T) {
	d := testDataset()
	d.Journeys = []journeyDoc{{
		AnonymousID: "a_u1",
		Converted:   true,
		Events: []journeyEventDoc{
			{StepType: "event", StepIdentifier: "begin", Timestamp: "2026-03-01T10:00:00Z"},
			{StepType: "page", StepIdentifier: "/checkout", Timestamp: "2026-03-01T10:05:00Z", TimeSpentSeconds: 300},
		},
	}}

	var buf bytes.Buffer

	records, err := writeCSV(&buf, d)
	require.NoError(t, err)
	assert.Equal(t, int64(2), records)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, rawCSVHeader, rows[0])
	assert.Equal(t, "a_u1", rows[1][0])
	assert.Equal(t, "true", rows[1][1])
}

func TestWriteJSONDocument(t *testing.T) {
	job := &Job{ID: 5, Type: TypeSummary, Format: FormatJSON}

	var buf bytes.Buffer

	records, err := writeJSON(&buf, job, testDataset())
	require.NoError(t, err)
	assert.Equal(t, int64(3), records)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))

	meta, ok := doc["export_metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "exp_5", meta["export_id"])
	assert.Equal(t, "Checkout", meta["funnel_name"])

	summary, ok := doc["summary"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 30, summary["conversion_rate"], 0.001)

	steps, ok := doc["step_data"].([]any)
	require.True(t, ok)
	assert.Len(t, steps, 3)

	assert.NotContains(t, doc, "cohort_analysis")
	assert.NotContains(t, doc, "attribution_analysis")
}

func TestWriteJSONAnonymizesIdentifiers(t *testing.T) {
	job := &Job{ID: 6, Type: TypeRawEvents, Format: FormatJSON, Anonymize: true}
	d := testDataset()
	d.Journeys = []journeyDoc{{
		AnonymousID: "a_u1",
		Events:      []journeyEventDoc{{StepType: "event", StepIdentifier: "begin"}},
	}}

	var buf bytes.Buffer

	_, err := writeJSON(&buf, job, d)
	require.NoError(t, err)

	out := buf.String()
	assert.NotContains(t, out, "a_u1")
	assert.Contains(t, out, hashIdentifier("a_u1"))
}

func TestWriteExcelWorkbook(t *testing.T) {
	var buf bytes.Buffer

	records, err := writeExcel(&buf, testDataset())
	require.NoError(t, err)
	assert.Equal(t, int64(3), records)
	// XLSX container is a zip archive.
	assert.Equal(t, []byte{'P', 'K'}, buf.Bytes()[:2])
}

func TestAnonymizeTreeRecursion(t *testing.T) {
	tree := map[string]any{
		"email": "user@example.com",
		"nested": map[string]any{
			"anonymous_id": "a_u1",
			"keep":         "visible",
		},
		"list": []any{
			map[string]any{"user_id": "u_9"},
		},
		"count": float64(3),
	}

	out, ok := anonymizeTree(tree).(map[string]any)
	require.True(t, ok)

	assert.Equal(t, hashIdentifier("user@example.com"), out["email"])
	assert.Equal(t, "visible", out["nested"].(map[string]any)["keep"])
	assert.Equal(t, hashIdentifier("a_u1"), out["nested"].(map[string]any)["anonymous_id"])
	assert.Equal(t, hashIdentifier("u_9"), out["list"].([]any)[0].(map[string]any)["user_id"])
	assert.Equal(t, float64(3), out["count"])

	// Stable: same input hashes to the same token.
	assert.Equal(t, hashIdentifier("a_u1"), hashIdentifier("a_u1"))
	assert.Empty(t, hashIdentifier(""))
}

func TestConfigHashStableAcrossEquivalentRequests(t *testing.T) {
	a := &Job{Type: TypeSummary, Format: FormatCSV, Request: Request{Type: TypeSummary, Format: FormatCSV, Window: testWindow()}}
	b := &Job{Type: TypeSummary, Format: FormatCSV, Request: Request{Type: TypeSummary, Format: FormatCSV, Window: testWindow()}}

	assert.Equal(t, configHash(a), configHash(b))

	c := &Job{Type: TypeDetailed, Format: FormatCSV, Request: Request{Type: TypeDetailed, Format: FormatCSV, Window: testWindow()}}
	assert.NotEqual(t, configHash(a), configHash(c))

	assert.True(t, strings.HasPrefix(exportCacheKey(7, configHash(a)), "export_data:7:"))
}

func TestWriteArtifactAndSweep(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cfg := testConfig(t)
	w := NewWorker(store, nil, nil, nil, nil, nil, cfg, testLogger())

	job := &Job{TenantID: 1, WorkspaceID: 2, FunnelID: 7, Type: TypeSummary, Format: FormatCSV, Status: StatusPending}
	require.NoError(t, store.Create(ctx, job))

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)

	path, size, records, err := w.writeArtifact(claimed, testDataset())
	require.NoError(t, err)
	assert.Equal(t, int64(3), records)
	assert.Positive(t, size)
	assert.Equal(t, cfg.Directory, filepath.Dir(path))

	_, err = os.Stat(path)
	require.NoError(t, err)

	// Expired artifacts are removed and their references cleared.
	require.NoError(t, store.Complete(ctx, claimed.ID, path, size, records, time.Now().Add(-time.Minute)))
	w.SweepExpired(ctx)

	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	swept, err := store.Get(ctx, funnel.Scope{TenantID: 1, WorkspaceID: 2}, claimed.ID)
	require.NoError(t, err)
	assert.Empty(t, swept.FilePath)
}
