package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funneld-io/funneld/internal/funnel"
	"github.com/funneld-io/funneld/internal/realtime"
)

// UserStateStore is the PostgreSQL implementation of realtime.StateStore.
type UserStateStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ realtime.StateStore = (*UserStateStore)(nil)

// NewUserStateStore creates a user state store on an established connection.
func NewUserStateStore(conn *Connection, logger *slog.Logger) *UserStateStore {
	return &UserStateStore{conn: conn, logger: logger}
}

// Get returns the user's state for a funnel, or nil when the user never
// entered it.
func (s *UserStateStore) Get(ctx context.Context, scope funnel.Scope, funnelID int64, anonymousID string) (*realtime.State, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	state := &realtime.State{}

	var completedAt, exitedAt sql.NullTime

	err := s.conn.QueryRowContext(ctx, `
		SELECT tenant_id, workspace_id, funnel_id, anonymous_id, funnel_version,
		       lead_id, current_step_index, status,
		       entered_at, last_step_at, last_activity_at, completed_at, exited_at
		FROM funnel_user_state
		WHERE tenant_id = $1 AND workspace_id = $2 AND funnel_id = $3 AND anonymous_id = $4`,
		scope.TenantID, scope.WorkspaceID, funnelID, anonymousID,
	).Scan(
		&state.TenantID, &state.WorkspaceID, &state.FunnelID, &state.AnonymousID,
		&state.FunnelVersion, &state.LeadID, &state.CurrentStepIndex, &state.Status,
		&state.EnteredAt, &state.LastStepAt, &state.LastActivityAt, &completedAt, &exitedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("load user state: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		state.CompletedAt = &t
	}

	if exitedAt.Valid {
		t := exitedAt.Time
		state.ExitedAt = &t
	}

	return state, nil
}

// Upsert writes the state with a compare-and-set on last_activity_at. A write
// carrying an older last_activity_at than the stored row is silently skipped,
// which backstops out-of-order delivery across pool rebalances.
func (s *UserStateStore) Upsert(ctx context.Context, state *realtime.State) error {
	result, err := s.conn.ExecContext(ctx, `
		INSERT INTO funnel_user_state (
			tenant_id, workspace_id, funnel_id, anonymous_id, funnel_version,
			lead_id, current_step_index, status,
			entered_at, last_step_at, last_activity_at, completed_at, exited_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, workspace_id, funnel_id, anonymous_id) DO UPDATE SET
			funnel_version     = EXCLUDED.funnel_version,
			lead_id            = EXCLUDED.lead_id,
			current_step_index = EXCLUDED.current_step_index,
			status             = EXCLUDED.status,
			entered_at         = EXCLUDED.entered_at,
			last_step_at       = EXCLUDED.last_step_at,
			last_activity_at   = EXCLUDED.last_activity_at,
			completed_at       = EXCLUDED.completed_at,
			exited_at          = EXCLUDED.exited_at
		WHERE funnel_user_state.last_activity_at <= EXCLUDED.last_activity_at
		   OR funnel_user_state.funnel_version < EXCLUDED.funnel_version`,
		state.TenantID, state.WorkspaceID, state.FunnelID, state.AnonymousID,
		state.FunnelVersion, state.LeadID, state.CurrentStepIndex, state.Status,
		state.EnteredAt, state.LastStepAt, state.LastActivityAt, state.CompletedAt, state.ExitedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user state: %w", err)
	}

	if n, err := result.RowsAffected(); err == nil && n == 0 {
		s.logger.DebugContext(ctx, "Skipped stale user state write",
			slog.Int64("funnel_id", state.FunnelID),
			slog.String("anonymous_id", state.AnonymousID),
		)
	}

	return nil
}

// MarkAbandoned transitions active states idle beyond their version's
// published window_days to abandoned, recording exited_at as the last
// activity time. States on versions with no surviving publication are left
// untouched.
func (s *UserStateStore) MarkAbandoned(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.conn.ExecContext(ctx, `
		UPDATE funnel_user_state s
		SET status = 'abandoned',
		    exited_at = s.last_activity_at
		WHERE s.status = 'active'
		  AND s.last_activity_at < $1::timestamptz - make_interval(days => (
		      SELECT p.window_days
		      FROM funnel_publication p
		      WHERE p.funnel_id = s.funnel_id AND p.version = s.funnel_version
		      ORDER BY p.published_at DESC
		      LIMIT 1
		  ))`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("mark abandoned states: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark abandoned states: %w", err)
	}

	return n, nil
}
