package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/funneld-io/funneld/internal/funnel"
)

// pqUniqueViolation is the PostgreSQL error code for unique constraint hits.
const pqUniqueViolation = "23505"

// defaultPublicationWindowDays applies when a publish request carries no
// analytics window.
const defaultPublicationWindowDays = 30

// FunnelStore is the PostgreSQL implementation of funnel.Store.
type FunnelStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ funnel.Store = (*FunnelStore)(nil)

// NewFunnelStore creates a funnel store on an established connection.
func NewFunnelStore(conn *Connection, logger *slog.Logger) *FunnelStore {
	return &FunnelStore{conn: conn, logger: logger}
}

// Create atomically persists a funnel with a version 1 draft.
func (s *FunnelStore) Create(ctx context.Context, scope funnel.Scope, def *funnel.Definition) (*funnel.Funnel, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create funnel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		funnelID  int64
		createdAt time.Time
	)

	err = tx.QueryRowContext(ctx, `
		INSERT INTO funnel (tenant_id, workspace_id, name, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		scope.TenantID, scope.WorkspaceID, def.Name, def.Description,
	).Scan(&funnelID, &createdAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %q", funnel.ErrNameConflict, def.Name)
		}

		return nil, fmt.Errorf("insert funnel: %w", err)
	}

	if _, err := s.insertVersion(ctx, tx, funnelID, 1, def.Steps); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create funnel: %w", err)
	}

	s.logger.InfoContext(ctx, "Created funnel",
		slog.Int64("funnel_id", funnelID),
		slog.Int64("tenant_id", scope.TenantID),
		slog.Int64("workspace_id", scope.WorkspaceID),
		slog.String("name", def.Name),
	)

	return s.Get(ctx, scope, funnelID)
}

// insertVersion inserts a draft version with its steps and matches inside an
// open transaction.
func (s *FunnelStore) insertVersion(ctx context.Context, tx *sql.Tx, funnelID int64, number int, steps []funnel.StepDefinition) (int64, error) {
	var versionID int64

	err := tx.QueryRowContext(ctx, `
		INSERT INTO funnel_version (funnel_id, version, state)
		VALUES ($1, $2, 'draft')
		RETURNING id`,
		funnelID, number,
	).Scan(&versionID)
	if err != nil {
		return 0, fmt.Errorf("insert funnel version %d: %w", number, err)
	}

	for i := range steps {
		step := &steps[i]

		metadata, err := json.Marshal(orEmptyMap(step.Metadata))
		if err != nil {
			return 0, fmt.Errorf("marshal step metadata: %w", err)
		}

		var stepID int64

		err = tx.QueryRowContext(ctx, `
			INSERT INTO funnel_step (version_id, order_index, step_type, label, metadata)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			versionID, step.OrderIndex, step.Type, step.Label, metadata,
		).Scan(&stepID)
		if err != nil {
			return 0, fmt.Errorf("insert step %d: %w", step.OrderIndex, err)
		}

		for _, m := range step.Matches {
			rules, err := json.Marshal(m.Rules)
			if err != nil {
				return 0, fmt.Errorf("marshal match rules: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO funnel_step_match (step_id, kind, rules)
				VALUES ($1, $2, $3)`,
				stepID, m.Kind, rules,
			); err != nil {
				return 0, fmt.Errorf("insert step match: %w", err)
			}
		}
	}

	return versionID, nil
}

// Get returns a non-archived funnel fully assembled.
func (s *FunnelStore) Get(ctx context.Context, scope funnel.Scope, funnelID int64) (*funnel.Funnel, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	f, err := s.loadFunnelRow(ctx, scope, funnelID, false)
	if err != nil {
		return nil, err
	}

	if err := s.loadVersions(ctx, f); err != nil {
		return nil, err
	}

	if err := s.loadPublications(ctx, f); err != nil {
		return nil, err
	}

	return f, nil
}

// loadFunnelRow reads the funnel row. includeArchived is used by Archive so
// repeated archiving stays idempotent.
func (s *FunnelStore) loadFunnelRow(ctx context.Context, scope funnel.Scope, funnelID int64, includeArchived bool) (*funnel.Funnel, error) {
	query := `
		SELECT id, tenant_id, workspace_id, name, description, created_at, archived_at
		FROM funnel
		WHERE id = $1 AND tenant_id = $2 AND workspace_id = $3`

	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}

	f := &funnel.Funnel{}

	var archivedAt sql.NullTime

	err := s.conn.QueryRowContext(ctx, query, funnelID, scope.TenantID, scope.WorkspaceID).Scan(
		&f.ID, &f.TenantID, &f.WorkspaceID, &f.Name, &f.Description, &f.CreatedAt, &archivedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", funnel.ErrNotFound, funnelID)
		}

		return nil, fmt.Errorf("load funnel: %w", err)
	}

	if archivedAt.Valid {
		t := archivedAt.Time
		f.ArchivedAt = &t
	}

	f.ExternalID = funnel.FormatFunnelID(f.ID)

	return f, nil
}

// loadVersions attaches versions (descending) with steps and matches.
func (s *FunnelStore) loadVersions(ctx context.Context, f *funnel.Funnel) error {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, version, state, created_at
		FROM funnel_version
		WHERE funnel_id = $1
		ORDER BY version DESC`,
		f.ID,
	)
	if err != nil {
		return fmt.Errorf("load versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		v := funnel.Version{FunnelID: f.ID}

		if err := rows.Scan(&v.ID, &v.Number, &v.State, &v.CreatedAt); err != nil {
			return fmt.Errorf("scan version: %w", err)
		}

		v.ExternalID = funnel.FormatVersionID(v.ID)
		f.Versions = append(f.Versions, v)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate versions: %w", err)
	}

	for i := range f.Versions {
		steps, err := s.loadSteps(ctx, s.conn, f.Versions[i].ID)
		if err != nil {
			return err
		}

		f.Versions[i].Steps = steps
	}

	return nil
}

// queryer abstracts Connection and *sql.Tx for read helpers shared between
// autocommit and transactional paths.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadSteps reads a version's steps with matches, ordered by order_index.
func (s *FunnelStore) loadSteps(ctx context.Context, q queryer, versionID int64) ([]funnel.Step, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT s.id, s.order_index, s.step_type, s.label, s.metadata,
		       COALESCE(m.kind, ''), COALESCE(m.rules, '{}')
		FROM funnel_step s
		LEFT JOIN funnel_step_match m ON m.step_id = s.id
		WHERE s.version_id = $1
		ORDER BY s.order_index, m.id`,
		versionID,
	)
	if err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []funnel.Step

	byID := make(map[int64]int)

	for rows.Next() {
		var (
			stepID     int64
			orderIndex int
			stepType   string
			label      string
			metadata   []byte
			kind       string
			rules      []byte
		)

		if err := rows.Scan(&stepID, &orderIndex, &stepType, &label, &metadata, &kind, &rules); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}

		idx, seen := byID[stepID]
		if !seen {
			step := funnel.Step{
				ID:         stepID,
				ExternalID: funnel.FormatStepID(stepID),
				VersionID:  versionID,
				OrderIndex: orderIndex,
				Type:       funnel.StepType(stepType),
				Label:      label,
			}

			if err := json.Unmarshal(metadata, &step.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal step metadata: %w", err)
			}

			steps = append(steps, step)
			idx = len(steps) - 1
			byID[stepID] = idx
		}

		if kind == "" {
			continue
		}

		match := funnel.StepMatch{StepID: stepID, Kind: funnel.MatchKind(kind)}

		if err := json.Unmarshal(rules, &match.Rules); err != nil {
			return nil, fmt.Errorf("unmarshal match rules: %w", err)
		}

		steps[idx].Matches = append(steps[idx].Matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}

	return steps, nil
}

// loadPublications attaches publications ordered by published_at descending.
func (s *FunnelStore) loadPublications(ctx context.Context, f *funnel.Funnel) error {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, version, published_at, window_days, notes, snapshot_data
		FROM funnel_publication
		WHERE funnel_id = $1
		ORDER BY published_at DESC`,
		f.ID,
	)
	if err != nil {
		return fmt.Errorf("load publications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		p := funnel.Publication{FunnelID: f.ID}

		var snapshot []byte

		if err := rows.Scan(&p.ID, &p.Version, &p.PublishedAt, &p.WindowDays, &p.Notes, &snapshot); err != nil {
			return fmt.Errorf("scan publication: %w", err)
		}

		if err := json.Unmarshal(snapshot, &p.Snapshot); err != nil {
			return fmt.Errorf("unmarshal publication snapshot: %w", err)
		}

		p.ExternalID = funnel.FormatPublicationID(p.ID)
		f.Publications = append(f.Publications, p)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate publications: %w", err)
	}

	return nil
}

// List returns a page of funnels with totals and a state summary.
func (s *FunnelStore) List(ctx context.Context, scope funnel.Scope, filter funnel.ListFilter) (*funnel.ListResult, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	filter.Normalize()

	where := `f.tenant_id = $1 AND f.workspace_id = $2`
	args := []any{scope.TenantID, scope.WorkspaceID}

	if !filter.IncludeArchived {
		where += ` AND f.archived_at IS NULL`
	}

	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		where += fmt.Sprintf(` AND (f.name ILIKE $%d OR f.description ILIKE $%d)`, len(args), len(args))
	}

	if filter.State != "" {
		args = append(args, string(filter.State))
		where += fmt.Sprintf(` AND EXISTS (
			SELECT 1 FROM funnel_version v
			WHERE v.funnel_id = f.id AND v.state = $%d)`, len(args))
	}

	var total int
	if err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM funnel f WHERE `+where, args...,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count funnels: %w", err)
	}

	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf(`
		SELECT f.id, f.tenant_id, f.workspace_id, f.name, f.description, f.created_at, f.archived_at
		FROM funnel f
		WHERE %s
		ORDER BY f.created_at DESC, f.id DESC
		LIMIT $%d OFFSET $%d`,
		where, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("list funnels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := &funnel.ListResult{TotalCount: total}

	for rows.Next() {
		var (
			f          funnel.Funnel
			archivedAt sql.NullTime
		)

		if err := rows.Scan(&f.ID, &f.TenantID, &f.WorkspaceID, &f.Name, &f.Description, &f.CreatedAt, &archivedAt); err != nil {
			return nil, fmt.Errorf("scan funnel: %w", err)
		}

		if archivedAt.Valid {
			t := archivedAt.Time
			f.ArchivedAt = &t
		}

		f.ExternalID = funnel.FormatFunnelID(f.ID)
		result.Items = append(result.Items, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate funnels: %w", err)
	}

	for i := range result.Items {
		if err := s.loadVersions(ctx, &result.Items[i]); err != nil {
			return nil, err
		}
	}

	summary, err := s.Summary(ctx, scope)
	if err != nil {
		return nil, err
	}

	result.Summary = *summary

	return result, nil
}

// Update patches name/description and optionally cuts a new draft version.
func (s *FunnelStore) Update(ctx context.Context, scope funnel.Scope, funnelID int64, patch *funnel.UpdatePatch) (*funnel.Funnel, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	if len(patch.Steps) > 0 {
		if err := funnel.ValidateSteps(patch.Steps); err != nil {
			return nil, err
		}
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update funnel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the row so concurrent version cuts serialize.
	var id int64

	err = tx.QueryRowContext(ctx, `
		SELECT id FROM funnel
		WHERE id = $1 AND tenant_id = $2 AND workspace_id = $3 AND archived_at IS NULL
		FOR UPDATE`,
		funnelID, scope.TenantID, scope.WorkspaceID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", funnel.ErrNotFound, funnelID)
		}

		return nil, fmt.Errorf("lock funnel: %w", err)
	}

	if patch.Name != nil || patch.Description != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE funnel
			SET name = COALESCE($2, name), description = COALESCE($3, description)
			WHERE id = $1`,
			funnelID, patch.Name, patch.Description,
		); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: %q", funnel.ErrNameConflict, *patch.Name)
			}

			return nil, fmt.Errorf("update funnel attributes: %w", err)
		}
	}

	if len(patch.Steps) > 0 {
		// At most one draft per funnel: any existing draft is archived before
		// the new version is cut at max + 1.
		if _, err := tx.ExecContext(ctx, `
			UPDATE funnel_version SET state = 'archived'
			WHERE funnel_id = $1 AND state = 'draft'`,
			funnelID,
		); err != nil {
			return nil, fmt.Errorf("archive draft version: %w", err)
		}

		var maxVersion int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version), 0) FROM funnel_version WHERE funnel_id = $1`,
			funnelID,
		).Scan(&maxVersion); err != nil {
			return nil, fmt.Errorf("max version: %w", err)
		}

		if _, err := s.insertVersion(ctx, tx, funnelID, maxVersion+1, patch.Steps); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update funnel: %w", err)
	}

	return s.Get(ctx, scope, funnelID)
}

// Archive soft-deletes the funnel. Idempotent.
func (s *FunnelStore) Archive(ctx context.Context, scope funnel.Scope, funnelID int64) (*funnel.Funnel, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	result, err := s.conn.ExecContext(ctx, `
		UPDATE funnel SET archived_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND workspace_id = $3 AND archived_at IS NULL`,
		funnelID, scope.TenantID, scope.WorkspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("archive funnel: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n > 0 {
		s.logger.InfoContext(ctx, "Archived funnel",
			slog.Int64("funnel_id", funnelID),
			slog.Int64("tenant_id", scope.TenantID),
		)
	}

	f, err := s.loadFunnelRow(ctx, scope, funnelID, true)
	if err != nil {
		return nil, err
	}

	if err := s.loadVersions(ctx, f); err != nil {
		return nil, err
	}

	return f, nil
}

// Publish transitions a version to published and records a snapshot.
func (s *FunnelStore) Publish(ctx context.Context, scope funnel.Scope, funnelID int64, version, windowDays int, notes string) (*funnel.Publication, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	if windowDays <= 0 {
		windowDays = defaultPublicationWindowDays
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var name string

	err = tx.QueryRowContext(ctx, `
		SELECT name FROM funnel
		WHERE id = $1 AND tenant_id = $2 AND workspace_id = $3 AND archived_at IS NULL
		FOR UPDATE`,
		funnelID, scope.TenantID, scope.WorkspaceID,
	).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", funnel.ErrNotFound, funnelID)
		}

		return nil, fmt.Errorf("lock funnel: %w", err)
	}

	var (
		versionID int64
		state     funnel.VersionState
	)

	err = tx.QueryRowContext(ctx, `
		SELECT id, state FROM funnel_version
		WHERE funnel_id = $1 AND version = $2`,
		funnelID, version,
	).Scan(&versionID, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: version %d", funnel.ErrVersionNotFound, version)
		}

		return nil, fmt.Errorf("load version: %w", err)
	}

	if err := funnel.ValidateStateTransition(state, funnel.VersionPublished); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE funnel_version SET state = 'published' WHERE id = $1`,
		versionID,
	); err != nil {
		return nil, fmt.Errorf("publish version: %w", err)
	}

	steps, err := s.loadSteps(ctx, tx, versionID)
	if err != nil {
		return nil, err
	}

	snapshot := funnel.Snapshot{
		Name:       name,
		Version:    version,
		WindowDays: windowDays,
		Steps:      steps,
	}

	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	pub := &funnel.Publication{
		FunnelID:   funnelID,
		Version:    version,
		WindowDays: windowDays,
		Notes:      notes,
		Snapshot:   snapshot,
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO funnel_publication (funnel_id, version, window_days, notes, snapshot_data)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, published_at`,
		funnelID, version, windowDays, notes, snapshotJSON,
	).Scan(&pub.ID, &pub.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("insert publication: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit publish: %w", err)
	}

	pub.ExternalID = funnel.FormatPublicationID(pub.ID)

	s.logger.InfoContext(ctx, "Published funnel version",
		slog.Int64("funnel_id", funnelID),
		slog.Int("version", version),
		slog.Int("window_days", windowDays),
	)

	return pub, nil
}

// Summary returns workspace funnel counts by state.
func (s *FunnelStore) Summary(ctx context.Context, scope funnel.Scope) (*funnel.Summary, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	summary := &funnel.Summary{}

	err := s.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE archived_at IS NULL),
			COUNT(*) FILTER (WHERE archived_at IS NULL AND NOT EXISTS (
				SELECT 1 FROM funnel_version v
				WHERE v.funnel_id = funnel.id AND v.state = 'published')),
			COUNT(*) FILTER (WHERE archived_at IS NULL AND EXISTS (
				SELECT 1 FROM funnel_version v
				WHERE v.funnel_id = funnel.id AND v.state = 'published')),
			COUNT(*) FILTER (WHERE archived_at IS NOT NULL)
		FROM funnel
		WHERE tenant_id = $1 AND workspace_id = $2`,
		scope.TenantID, scope.WorkspaceID,
	).Scan(&summary.TotalFunnels, &summary.DraftFunnels, &summary.PublishedFunnels, &summary.ArchivedFunnels)
	if err != nil {
		return nil, fmt.Errorf("funnel summary: %w", err)
	}

	return summary, nil
}

// ActiveFunnels returns the realtime-matching view from the latest
// publication snapshot of every non-archived published funnel.
func (s *FunnelStore) ActiveFunnels(ctx context.Context, scope funnel.Scope) ([]funnel.ActiveFunnel, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT DISTINCT ON (f.id)
			f.id, f.name, v.id, p.version, p.window_days, p.snapshot_data
		FROM funnel f
		JOIN funnel_publication p ON p.funnel_id = f.id
		JOIN funnel_version v ON v.funnel_id = f.id AND v.version = p.version
		WHERE f.tenant_id = $1 AND f.workspace_id = $2 AND f.archived_at IS NULL
		ORDER BY f.id, p.published_at DESC`,
		scope.TenantID, scope.WorkspaceID,
	)
	if err != nil {
		return nil, fmt.Errorf("load active funnels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var active []funnel.ActiveFunnel

	for rows.Next() {
		var (
			af       funnel.ActiveFunnel
			snapshot []byte
		)

		if err := rows.Scan(&af.FunnelID, &af.Name, &af.VersionID, &af.Version, &af.WindowDays, &snapshot); err != nil {
			return nil, fmt.Errorf("scan active funnel: %w", err)
		}

		var snap funnel.Snapshot
		if err := json.Unmarshal(snapshot, &snap); err != nil {
			return nil, fmt.Errorf("unmarshal active funnel snapshot: %w", err)
		}

		af.Steps = snap.Steps
		active = append(active, af)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active funnels: %w", err)
	}

	return active, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint hit.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}

	return false
}

// orEmptyMap keeps NULL out of jsonb columns.
func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}
