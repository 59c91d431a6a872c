package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funneld-io/funneld/internal/export"
	"github.com/funneld-io/funneld/internal/funnel"
)

// ExportStore persists export jobs in PostgreSQL. Claiming uses
// FOR UPDATE SKIP LOCKED so concurrent workers never share a job, and
// terminal rows are guarded by status predicates on every write.
type ExportStore struct {
	conn   *Connection
	logger *slog.Logger
}

// Compile-time interface implementation check.
var _ export.Store = (*ExportStore)(nil)

// NewExportStore creates an export job store on an established connection.
func NewExportStore(conn *Connection, logger *slog.Logger) *ExportStore {
	return &ExportStore{conn: conn, logger: logger}
}

const exportJobColumns = `
	id, tenant_id, workspace_id, funnel_id, export_type, format, status,
	progress_percent, params, delivery, email, anonymize, file_path,
	file_size_bytes, record_count, failure_reason, created_at, started_at,
	completed_at, expires_at`

// Create persists a new pending job.
func (s *ExportStore) Create(ctx context.Context, job *export.Job) error {
	params, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("marshal export params: %w", err)
	}

	err = s.conn.QueryRowContext(ctx, `
		INSERT INTO export_job (
			tenant_id, workspace_id, funnel_id, export_type, format,
			params, delivery, email, anonymize
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`,
		job.TenantID, job.WorkspaceID, job.FunnelID, string(job.Type), string(job.Format),
		params, string(job.Delivery), job.Email, job.Anonymize,
	).Scan(&job.ID, &job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}

	job.Status = export.StatusPending

	return nil
}

// Get loads a job visible to the scope.
func (s *ExportStore) Get(ctx context.Context, scope funnel.Scope, jobID int64) (*export.Job, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+exportJobColumns+`
		FROM export_job
		WHERE id = $1 AND tenant_id = $2 AND workspace_id = $3`,
		jobID, scope.TenantID, scope.WorkspaceID,
	)

	job, err := scanExportJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", export.ErrJobNotFound, jobID)
		}

		return nil, err
	}

	return job, nil
}

// ClaimNext atomically moves the oldest pending job to processing.
// Returns (nil, nil) when nothing is pending.
func (s *ExportStore) ClaimNext(ctx context.Context) (*export.Job, error) {
	row := s.conn.QueryRowContext(ctx, `
		UPDATE export_job SET status = 'processing', started_at = NOW()
		WHERE id = (
			SELECT id FROM export_job
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+exportJobColumns,
	)

	job, err := scanExportJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, err
	}

	return job, nil
}

// SetProgress updates a processing job's progress percentage.
func (s *ExportStore) SetProgress(ctx context.Context, jobID int64, percent int) error {
	if percent < 0 {
		percent = 0
	}

	if percent > 100 {
		percent = 100
	}

	_, err := s.conn.ExecContext(ctx, `
		UPDATE export_job SET progress_percent = $2
		WHERE id = $1 AND status = 'processing'`,
		jobID, percent,
	)
	if err != nil {
		return fmt.Errorf("update export progress: %w", err)
	}

	return nil
}

// Complete moves a processing job to completed with its artifact reference.
func (s *ExportStore) Complete(ctx context.Context, jobID int64, filePath string, sizeBytes, records int64, expiresAt time.Time) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE export_job SET
			status = 'completed', progress_percent = 100, file_path = $2,
			file_size_bytes = $3, record_count = $4, completed_at = NOW(),
			expires_at = $5
		WHERE id = $1 AND status = 'processing'`,
		jobID, filePath, sizeBytes, records, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("complete export job: %w", err)
	}

	return s.requireTransition(result, jobID, "complete")
}

// Fail moves a processing job to failed. Terminal rows stay untouched.
func (s *ExportStore) Fail(ctx context.Context, jobID int64, reason string) error {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE export_job SET
			status = 'failed', failure_reason = $2, completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`,
		jobID, reason,
	)
	if err != nil {
		return fmt.Errorf("fail export job: %w", err)
	}

	return s.requireTransition(result, jobID, "fail")
}

// ExpiredArtifacts lists completed jobs whose artifact passed its expiry.
func (s *ExportStore) ExpiredArtifacts(ctx context.Context, now time.Time, limit int) ([]export.Job, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT `+exportJobColumns+`
		FROM export_job
		WHERE status = 'completed' AND file_path <> '' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired exports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []export.Job

	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, *job)
	}

	return jobs, rows.Err()
}

// ClearArtifact blanks the file reference after the artifact was removed.
func (s *ExportStore) ClearArtifact(ctx context.Context, jobID int64) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE export_job SET file_path = '' WHERE id = $1`, jobID,
	)
	if err != nil {
		return fmt.Errorf("clear export artifact: %w", err)
	}

	return nil
}

// PruneJobs deletes terminal jobs created before the cutoff. Pending and
// processing rows are never touched.
func (s *ExportStore) PruneJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `
		DELETE FROM export_job
		WHERE status IN ('completed', 'failed') AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune export jobs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune export jobs: %w", err)
	}

	return n, nil
}

func (s *ExportStore) requireTransition(result sql.Result, jobID int64, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s export job: %w", op, err)
	}

	if n == 0 {
		return fmt.Errorf("%s export job %d: %w", op, jobID, export.ErrJobNotFound)
	}

	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExportJob(row rowScanner) (*export.Job, error) {
	var (
		job         export.Job
		params      []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
		expiresAt   sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.TenantID, &job.WorkspaceID, &job.FunnelID,
		&job.Type, &job.Format, &job.Status, &job.ProgressPercent,
		&params, &job.Delivery, &job.Email, &job.Anonymize,
		&job.FilePath, &job.FileSizeBytes, &job.RecordCount, &job.FailureReason,
		&job.CreatedAt, &startedAt, &completedAt, &expiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan export job: %w", err)
	}

	if err := json.Unmarshal(params, &job.Request); err != nil {
		return nil, fmt.Errorf("unmarshal export params: %w", err)
	}

	job.ExternalID = export.FormatID(job.ID)

	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}

	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		job.ExpiresAt = &t
	}

	return &job, nil
}
