package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/funneld-io/funneld/internal/config"
	"github.com/funneld-io/funneld/internal/funnel"
)

// IDPrefix is the external export ID prefix.
const IDPrefix = "exp_"

// ErrInvalidID is returned when an external export ID has the wrong prefix
// or a non-numeric suffix.
var ErrInvalidID = errors.New("invalid export id")

// ErrArtifactUnavailable is returned when a download is requested for a job
// that has not completed, was not a download delivery, or whose artifact has
// expired.
var ErrArtifactUnavailable = errors.New("export artifact unavailable")

// FormatID renders an internal export job ID as its external form.
func FormatID(id int64) string { return IDPrefix + strconv.FormatInt(id, 10) }

// ParseID parses an external export ID ("exp_123") into its internal form.
func ParseID(external string) (int64, error) {
	raw := strings.TrimPrefix(external, IDPrefix)

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, external)
	}

	return id, nil
}

// Estimation multipliers. Records scale with step count by export type;
// bytes scale with records by format.
const (
	summaryRecordsPerStep  = 1
	detailedRecordsPerStep = 12
	rawRecordsPerStep      = 2500

	csvBytesPerRecord   = 110
	jsonBytesPerRecord  = 320
	excelBytesPerRecord = 150

	estimateBaseDurationMs   = 250
	estimateRecordsPerMillis = 4
)

// Artifact defaults.
const (
	defaultExportDirectory = "/tmp/exports"
	defaultDownloadBaseURL = "http://localhost:8080/v1/analytics/exports"
	defaultRetention       = 24 * time.Hour
	defaultWorkers         = 2
	defaultPollInterval    = 2 * time.Second
)

// Config holds export artifact and worker configuration.
type Config struct {
	Directory       string
	DownloadBaseURL string
	Retention       time.Duration
	Workers         int
	PollInterval    time.Duration
}

// LoadConfig loads export configuration from environment variables with
// fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		Directory:       config.GetEnvStr("EXPORT_DIRECTORY", defaultExportDirectory),
		DownloadBaseURL: config.GetEnvStr("EXPORT_DOWNLOAD_BASE_URL", defaultDownloadBaseURL),
		Retention:       config.GetEnvDuration("EXPORT_RETENTION", defaultRetention),
		Workers:         config.GetEnvInt("EXPORT_WORKERS", defaultWorkers),
		PollInterval:    config.GetEnvDuration("EXPORT_POLL_INTERVAL", defaultPollInterval),
	}
}

// Manager validates and enqueues export jobs and answers status queries.
// Actual file production happens in Worker.
type Manager struct {
	store   Store
	funnels funnel.Store
	cfg     *Config
	logger  *slog.Logger
}

// NewManager creates an export manager.
func NewManager(store Store, funnels funnel.Store, cfg *Config, logger *slog.Logger) *Manager {
	return &Manager{store: store, funnels: funnels, cfg: cfg, logger: logger}
}

// CreateExport validates a request, predicts its cost, and enqueues a
// pending job. The job returns immediately; a worker picks it up.
func (m *Manager) CreateExport(ctx context.Context, scope funnel.Scope, funnelID int64, req *Request) (*Job, *Estimate, error) {
	if err := scope.Validate(); err != nil {
		return nil, nil, err
	}

	if req.Delivery == "" {
		req.Delivery = DeliveryDownload
	}

	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	f, err := m.funnels.Get(ctx, scope, funnelID)
	if err != nil {
		return nil, nil, err
	}

	stepCount := 0
	if len(f.Versions) > 0 {
		stepCount = len(f.Versions[0].Steps)
	}

	est := estimate(req.Type, req.Format, stepCount)

	job := &Job{
		TenantID:    scope.TenantID,
		WorkspaceID: scope.WorkspaceID,
		FunnelID:    funnelID,
		Type:        req.Type,
		Format:      req.Format,
		Status:      StatusPending,
		Request:     *req,
		Delivery:    req.Delivery,
		Email:       req.Email,
		Anonymize:   req.Anonymize,
	}

	if err := m.store.Create(ctx, job); err != nil {
		return nil, nil, err
	}

	job.ExternalID = FormatID(job.ID)

	m.logger.InfoContext(ctx, "Enqueued export job",
		slog.String("export_id", job.ExternalID),
		slog.Int64("tenant_id", scope.TenantID),
		slog.Int64("funnel_id", funnelID),
		slog.String("export_type", string(req.Type)),
		slog.String("format", string(req.Format)),
		slog.Int64("estimated_records", est.TotalRecords),
	)

	return job, est, nil
}

// StatusResult is the export status response.
type StatusResult struct {
	ExportID          string `json:"export_id"`
	Status            Status `json:"status"`
	ProgressPercent   int    `json:"progress_percent"`
	RecordCount       int64  `json:"record_count,omitempty"`
	FileSizeBytes     int64  `json:"file_size_bytes,omitempty"`
	DownloadURL       string `json:"download_url,omitempty"`
	DownloadExpiresAt string `json:"download_expires_at,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
	CreatedAt         string `json:"created_at"`
	CompletedAt       string `json:"completed_at,omitempty"`
}

// Status reports an export job's current state. Completed download jobs
// carry a URL valid until the artifact expires.
func (m *Manager) Status(ctx context.Context, scope funnel.Scope, jobID int64) (*StatusResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	job, err := m.store.Get(ctx, scope, jobID)
	if err != nil {
		return nil, err
	}

	out := &StatusResult{
		ExportID:        FormatID(job.ID),
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		RecordCount:     job.RecordCount,
		FileSizeBytes:   job.FileSizeBytes,
		FailureReason:   job.FailureReason,
		CreatedAt:       job.CreatedAt.UTC().Format(time.RFC3339),
	}

	if job.CompletedAt != nil {
		out.CompletedAt = job.CompletedAt.UTC().Format(time.RFC3339)
	}

	if job.Status == StatusCompleted && job.Delivery == DeliveryDownload && job.ExpiresAt != nil {
		if time.Now().Before(*job.ExpiresAt) {
			out.DownloadURL = m.downloadURL(job)
			out.DownloadExpiresAt = job.ExpiresAt.UTC().Format(time.RFC3339)
		}
	}

	return out, nil
}

// Artifact resolves a completed download job for serving. Jobs that are not
// completed downloads, or whose artifact has expired or been swept, return
// ErrArtifactUnavailable.
func (m *Manager) Artifact(ctx context.Context, scope funnel.Scope, jobID int64) (*Job, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	job, err := m.store.Get(ctx, scope, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != StatusCompleted || job.Delivery != DeliveryDownload || job.FilePath == "" {
		return nil, fmt.Errorf("%w: %s is %s", ErrArtifactUnavailable, FormatID(job.ID), job.Status)
	}

	if job.ExpiresAt != nil && !time.Now().Before(*job.ExpiresAt) {
		return nil, fmt.Errorf("%w: %s expired", ErrArtifactUnavailable, FormatID(job.ID))
	}

	return job, nil
}

func (m *Manager) downloadURL(job *Job) string {
	return strings.TrimRight(m.cfg.DownloadBaseURL, "/") + "/" + FormatID(job.ID) + "/download"
}

// estimate predicts export cost from step count and type/format multipliers.
func estimate(typ Type, format Format, stepCount int) *Estimate {
	if stepCount < 1 {
		stepCount = 1
	}

	var records int64

	switch typ {
	case TypeDetailed:
		records = int64(stepCount) * detailedRecordsPerStep
	case TypeRawEvents:
		records = int64(stepCount) * rawRecordsPerStep
	default:
		records = int64(stepCount) * summaryRecordsPerStep
	}

	var perRecord int64

	switch format {
	case FormatJSON:
		perRecord = jsonBytesPerRecord
	case FormatExcel:
		perRecord = excelBytesPerRecord
	default:
		perRecord = csvBytesPerRecord
	}

	return &Estimate{
		TotalRecords: records,
		Bytes:        records * perRecord,
		DurationMs:   estimateBaseDurationMs + records/estimateRecordsPerMillis,
	}
}
