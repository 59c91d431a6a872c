// Package realtime tracks per-user funnel progression from the live event
// stream.
//
// The pipeline is best-effort by contract: a failure processing one event is
// logged and counted but never propagates to the producer. Per-user ordering
// is enforced by hashing (tenant, workspace, anonymous_id) onto a fixed
// worker, and the store's compare-and-set on last_activity_at backstops
// duplicate or out-of-order delivery.
package realtime

import (
	"context"
	"time"

	"github.com/funneld-io/funneld/internal/funnel"
)

// Status is the lifecycle state of a user's funnel progression.
type Status string

// User funnel statuses. Completed is terminal for the version that produced
// it; publishing a new version lets the user re-enter. Active states idle
// beyond the version's window_days become abandoned, and a later matching
// event starts a fresh journey.
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

type (
	// State is one user's progress through one funnel.
	State struct {
		TenantID         int64      `json:"tenant_id"`
		WorkspaceID      int64      `json:"workspace_id"`
		FunnelID         int64      `json:"funnel_id"`
		FunnelVersion    int        `json:"funnel_version"`
		AnonymousID      string     `json:"anonymous_id"`
		LeadID           string     `json:"lead_id,omitempty"`
		CurrentStepIndex int        `json:"current_step_index"`
		Status           Status     `json:"status"`
		EnteredAt        time.Time  `json:"entered_at"`
		LastStepAt       time.Time  `json:"last_step_at"`
		LastActivityAt   time.Time  `json:"last_activity_at"`
		CompletedAt      *time.Time `json:"completed_at,omitempty"`
		ExitedAt         *time.Time `json:"exited_at,omitempty"`
	}

	// StateStore persists user funnel states. internal/storage provides the
	// PostgreSQL implementation.
	StateStore interface {
		// Get returns the user's state for a funnel, or nil when the user
		// never entered it.
		Get(ctx context.Context, scope funnel.Scope, funnelID int64, anonymousID string) (*State, error)

		// Upsert inserts or updates the state keyed on
		// (tenant, workspace, funnel, anonymous_id). The write is guarded by
		// a compare-and-set on last_activity_at so a stale event can never
		// regress a newer state.
		Upsert(ctx context.Context, state *State) error

		// MarkAbandoned transitions active states idle beyond their
		// version's window_days to abandoned, recording exited_at as the
		// last activity time. Returns the number of states transitioned.
		MarkAbandoned(ctx context.Context, now time.Time) (int64, error)
	}
)

// Clone returns a copy safe to mutate.
func (s *State) Clone() *State {
	out := *s

	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}

	if s.ExitedAt != nil {
		t := *s.ExitedAt
		out.ExitedAt = &t
	}

	return &out
}
