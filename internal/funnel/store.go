package funnel

import "context"

const (
	// DefaultListLimit is applied when a list request carries no limit.
	DefaultListLimit = 50
	// MaxListLimit caps list page sizes.
	MaxListLimit = 1000
)

type (
	// ListFilter narrows a funnel list query.
	ListFilter struct {
		Page            int
		Limit           int
		Search          string       // case-insensitive substring over name/description
		State           VersionState // matches funnels with any version in this state
		IncludeArchived bool
	}

	// ListResult is one page of funnels plus workspace totals.
	ListResult struct {
		Items      []Funnel
		TotalCount int
		Summary    Summary
	}

	// Summary counts funnels by lifecycle state for a workspace.
	Summary struct {
		TotalFunnels     int `json:"total_funnels"`
		DraftFunnels     int `json:"draft_funnels"`
		PublishedFunnels int `json:"published_funnels"`
		ArchivedFunnels  int `json:"archived_funnels"`
	}
)

// Normalize clamps pagination to valid bounds.
func (f *ListFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}

	if f.Limit < 1 {
		f.Limit = DefaultListLimit
	}

	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
}

// Store defines funnel persistence. The domain package owns the interface;
// internal/storage provides the PostgreSQL implementation.
//
// Every method refuses scopes missing tenant or workspace identity and never
// returns rows belonging to another scope.
type Store interface {
	// Create atomically persists a funnel with version 1 (draft), its steps
	// and matches. Returns ErrInvalidDefinition wraps on schema violations
	// and ErrNameConflict on duplicate names among non-archived funnels.
	Create(ctx context.Context, scope Scope, def *Definition) (*Funnel, error)

	// Get returns a non-archived funnel with versions (descending), steps,
	// matches, and publications. Returns ErrNotFound when absent or archived.
	Get(ctx context.Context, scope Scope, funnelID int64) (*Funnel, error)

	// List returns a page of funnels with total count and state summary.
	List(ctx context.Context, scope Scope, filter ListFilter) (*ListResult, error)

	// Update patches name/description in place. When the patch carries steps
	// it cuts a new draft version (max version + 1); any existing draft is
	// archived first so at most one draft exists per funnel.
	Update(ctx context.Context, scope Scope, funnelID int64, patch *UpdatePatch) (*Funnel, error)

	// Archive soft-deletes the funnel. Idempotent on already-archived funnels.
	Archive(ctx context.Context, scope Scope, funnelID int64) (*Funnel, error)

	// Publish transitions a version to published and inserts an immutable
	// Publication snapshot with the given analytics window. Returns
	// ErrVersionNotFound when the version does not exist and
	// ErrTerminalState when it was previously archived.
	Publish(ctx context.Context, scope Scope, funnelID int64, version, windowDays int, notes string) (*Publication, error)

	// Summary returns workspace funnel counts by state.
	Summary(ctx context.Context, scope Scope) (*Summary, error)

	// ActiveFunnels returns the realtime-matching view: every non-archived
	// funnel with at least one published version, carrying only the latest
	// published version's steps.
	ActiveFunnels(ctx context.Context, scope Scope) ([]ActiveFunnel, error)
}
