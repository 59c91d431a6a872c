// Package export implements asynchronous funnel data exports: job
// validation and enqueueing, background workers that assemble analytics
// datasets and render them to CSV, JSON, or Excel, and expiring download
// artifacts.
package export

import (
	"context"
	"errors"
	"time"

	"github.com/funneld-io/funneld/internal/analytics"
	"github.com/funneld-io/funneld/internal/funnel"
)

// Type selects what an export contains.
type Type string

// Export types.
const (
	TypeSummary   Type = "summary"
	TypeDetailed  Type = "detailed"
	TypeRawEvents Type = "raw_events"
)

// Format selects the output file format.
type Format string

// Export file formats.
const (
	FormatCSV   Format = "csv"
	FormatJSON  Format = "json"
	FormatExcel Format = "excel"
)

// Status is the job lifecycle state. completed and failed are terminal.
type Status string

// Job lifecycle states.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Delivery selects how the finished artifact reaches the requester.
type Delivery string

// Delivery modes.
const (
	DeliveryDownload Delivery = "download"
	DeliveryEmail    Delivery = "email"
)

// Sentinel errors for export operations.
var (
	// ErrInvalidType is returned for an unknown export type.
	ErrInvalidType = errors.New("export type must be summary, detailed, or raw_events")

	// ErrInvalidFormat is returned for an unknown file format.
	ErrInvalidFormat = errors.New("export format must be csv, json, or excel")

	// ErrInvalidDelivery is returned for an unknown delivery mode.
	ErrInvalidDelivery = errors.New("export delivery must be download or email")

	// ErrEmailRequired is returned when delivery is email but no address
	// was provided.
	ErrEmailRequired = errors.New("email delivery requires an email address")

	// ErrJobNotFound is returned when an export job does not exist or is
	// not visible to the requesting (tenant, workspace).
	ErrJobNotFound = errors.New("export job not found")
)

type (
	// Request is a caller's export specification.
	Request struct {
		Type     Type                 `json:"export_type"`
		Format   Format               `json:"format"`
		Window   analytics.TimeWindow `json:"window"`
		Delivery Delivery             `json:"delivery"`
		Email    string               `json:"email,omitempty"`

		// Anonymize hashes user identifiers in the artifact.
		Anonymize bool `json:"anonymize"`

		// IncludeCohorts and IncludeAttribution extend detailed exports.
		IncludeCohorts     bool `json:"include_cohorts"`
		IncludeAttribution bool `json:"include_attribution"`
	}

	// Estimate is the pre-flight cost prediction returned at enqueue time.
	Estimate struct {
		TotalRecords int64 `json:"total_records"`
		Bytes        int64 `json:"estimated_bytes"`
		DurationMs   int64 `json:"estimated_duration_ms"`
	}

	// Job is one export's persistent state.
	Job struct {
		ID              int64      `json:"-"`
		ExternalID      string     `json:"export_id"`
		TenantID        int64      `json:"-"`
		WorkspaceID     int64      `json:"-"`
		FunnelID        int64      `json:"-"`
		Type            Type       `json:"export_type"`
		Format          Format     `json:"format"`
		Status          Status     `json:"status"`
		ProgressPercent int        `json:"progress_percent"`
		Request         Request    `json:"-"`
		Delivery        Delivery   `json:"delivery"`
		Email           string     `json:"-"`
		Anonymize       bool       `json:"anonymize"`
		FilePath        string     `json:"-"`
		FileSizeBytes   int64      `json:"file_size_bytes,omitempty"`
		RecordCount     int64      `json:"record_count,omitempty"`
		FailureReason   string     `json:"failure_reason,omitempty"`
		CreatedAt       time.Time  `json:"created_at"`
		StartedAt       *time.Time `json:"started_at,omitempty"`
		CompletedAt     *time.Time `json:"completed_at,omitempty"`
		ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	}
)

// Validate checks the request's shape. The window is re-checked against the
// analytics caps when the worker runs the underlying analyses.
func (r *Request) Validate() error {
	switch r.Type {
	case TypeSummary, TypeDetailed, TypeRawEvents:
	default:
		return ErrInvalidType
	}

	switch r.Format {
	case FormatCSV, FormatJSON, FormatExcel:
	default:
		return ErrInvalidFormat
	}

	switch r.Delivery {
	case DeliveryDownload, DeliveryEmail:
	default:
		return ErrInvalidDelivery
	}

	if r.Delivery == DeliveryEmail && r.Email == "" {
		return ErrEmailRequired
	}

	if !r.Window.Start.Before(r.Window.End) {
		return analytics.ErrInvalidRange
	}

	return nil
}

// Terminal reports whether the job reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Store is what the export manager and workers need for job persistence.
// The PostgreSQL implementation lives in internal/storage.
type Store interface {
	// Create persists a new pending job and fills ID and CreatedAt.
	Create(ctx context.Context, job *Job) error

	// Get loads a job visible to the scope.
	Get(ctx context.Context, scope funnel.Scope, jobID int64) (*Job, error)

	// ClaimNext atomically moves the oldest pending job to processing and
	// returns it. Returns (nil, nil) when no job is pending. A claimed job
	// belongs to exactly one worker.
	ClaimNext(ctx context.Context) (*Job, error)

	// SetProgress updates progress_percent on a processing job.
	SetProgress(ctx context.Context, jobID int64, percent int) error

	// Complete moves a processing job to completed with its artifact.
	// Terminal jobs are never modified.
	Complete(ctx context.Context, jobID int64, filePath string, sizeBytes, records int64, expiresAt time.Time) error

	// Fail moves a processing job to failed with a reason.
	Fail(ctx context.Context, jobID int64, reason string) error

	// ExpiredArtifacts lists completed jobs whose artifact passed its
	// expiry and still has a file on disk.
	ExpiredArtifacts(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// ClearArtifact blanks file_path after the artifact was removed.
	ClearArtifact(ctx context.Context, jobID int64) error

	// PruneJobs deletes terminal jobs created before the cutoff and
	// returns how many were removed.
	PruneJobs(ctx context.Context, cutoff time.Time) (int64, error)
}
