// Package funnel provides the funnel domain model: funnels, versioned
// definitions, step matching rules, and the persistence interface.
//
// This package defines the Store interface which represents what the domain
// needs for funnel persistence. Concrete implementations (PostgreSQL,
// in-memory) live in the internal/storage package.
package funnel

import (
	"errors"
	"time"
)

// Sentinel errors shared across funnel operations.
var (
	// ErrInvalidScope is returned when an operation lacks tenant or workspace identity.
	ErrInvalidScope = errors.New("operation requires tenant and workspace id")

	// ErrNotFound is returned when a funnel does not exist or is not visible
	// to the requesting (tenant, workspace).
	ErrNotFound = errors.New("funnel not found")

	// ErrNameConflict is returned when a non-archived funnel with the same
	// name already exists in the workspace.
	ErrNameConflict = errors.New("funnel name already exists")

	// ErrVersionNotFound is returned when the referenced funnel version does not exist.
	ErrVersionNotFound = errors.New("funnel version not found")

	// ErrVersionImmutable is returned on any attempt to mutate a published or
	// archived version.
	ErrVersionImmutable = errors.New("published funnel version is immutable")
)

// VersionState is the lifecycle state of a funnel version.
type VersionState string

// Funnel version lifecycle states. Transitions are draft → published →
// archived only; archived is terminal.
const (
	VersionDraft     VersionState = "draft"
	VersionPublished VersionState = "published"
	VersionArchived  VersionState = "archived"
)

// StepType classifies a funnel step.
type StepType string

// Funnel step types. Every version must contain at least one start and one
// conversion step.
const (
	StepStart      StepType = "start"
	StepPage       StepType = "page"
	StepEvent      StepType = "event"
	StepDecision   StepType = "decision"
	StepConversion StepType = "conversion"
)

// MatchKind identifies the rule family used to match events to a step.
type MatchKind string

// Step match kinds.
const (
	MatchEventName      MatchKind = "event_name"
	MatchPageURL        MatchKind = "page_url"
	MatchPageTitle      MatchKind = "page_title"
	MatchUTMSource      MatchKind = "utm_source"
	MatchCustomProperty MatchKind = "custom_property"
)

type (
	// Scope carries the mandatory tenant and workspace identity. Every read
	// and write in the engine is scoped; operations without a valid scope are
	// refused.
	Scope struct {
		TenantID    int64
		WorkspaceID int64
	}

	// Funnel is a logical funnel with its version history.
	Funnel struct {
		ID          int64     `json:"-"`
		ExternalID  string    `json:"id"`
		TenantID    int64     `json:"-"`
		WorkspaceID int64     `json:"-"`
		Name        string    `json:"name"`
		Description string    `json:"description,omitempty"`
		CreatedAt   time.Time `json:"created_at"`
		//nolint:tagliatelle // snake_case is the wire format
		ArchivedAt *time.Time `json:"archived_at,omitempty"`

		// Versions are ordered by version number descending.
		Versions []Version `json:"versions,omitempty"`
		// Publications are ordered by published_at descending.
		Publications []Publication `json:"publications,omitempty"`
	}

	// Version is a point-in-time funnel definition. Once published it is
	// immutable: steps and matches never change.
	Version struct {
		ID         int64        `json:"-"`
		ExternalID string       `json:"id"`
		FunnelID   int64        `json:"-"`
		Number     int          `json:"version"`
		State      VersionState `json:"state"`
		CreatedAt  time.Time    `json:"created_at"`
		Steps      []Step       `json:"steps"`
	}

	// Step is an ordered step inside a version. OrderIndex values are
	// consecutive from 0 with no gaps.
	Step struct {
		ID         int64          `json:"-"`
		ExternalID string         `json:"id"`
		VersionID  int64          `json:"-"`
		OrderIndex int            `json:"order_index"`
		Type       StepType       `json:"type"`
		Label      string         `json:"label"`
		Metadata   map[string]any `json:"metadata,omitempty"`
		Matches    []StepMatch    `json:"matches"`
	}

	// StepMatch is a single matching rule attached to a step. Rules are
	// kind-specific key/value pairs (see Definition validation for the
	// required keys per kind).
	StepMatch struct {
		StepID int64             `json:"-"`
		Kind   MatchKind         `json:"kind"`
		Rules  map[string]string `json:"rules"`
	}

	// Publication is an immutable snapshot of a published version. Analytics
	// always reads the snapshot, never the live version rows.
	Publication struct {
		ID         int64     `json:"-"`
		ExternalID string    `json:"id"`
		FunnelID   int64     `json:"-"`
		Version    int       `json:"version"`
		PublishedAt time.Time `json:"published_at"`
		WindowDays int       `json:"window_days"`
		Notes      string    `json:"notes,omitempty"`
		Snapshot   Snapshot  `json:"snapshot_data"`
	}

	// Snapshot is the full definition captured at publish time.
	Snapshot struct {
		Name       string `json:"name"`
		Version    int    `json:"version"`
		WindowDays int    `json:"window_days"`
		Steps      []Step `json:"steps"`
	}

	// ActiveFunnel is the realtime-matching view of a funnel: the latest
	// published version of a non-archived funnel.
	ActiveFunnel struct {
		FunnelID   int64
		Name       string
		VersionID  int64
		Version    int
		WindowDays int
		Steps      []Step
	}
)

// Valid reports whether the scope carries both identities.
func (s Scope) Valid() bool {
	return s.TenantID > 0 && s.WorkspaceID > 0
}

// Validate returns ErrInvalidScope when either identity is missing.
func (s Scope) Validate() error {
	if !s.Valid() {
		return ErrInvalidScope
	}

	return nil
}

// IsArchived reports whether the funnel has been soft-deleted.
func (f *Funnel) IsArchived() bool {
	return f.ArchivedAt != nil
}

// LatestPublished returns the highest-numbered published version, or nil when
// the funnel has never been published.
func (f *Funnel) LatestPublished() *Version {
	for i := range f.Versions {
		if f.Versions[i].State == VersionPublished {
			return &f.Versions[i] // versions are ordered descending
		}
	}

	return nil
}

// IsTerminal reports whether the state permits no further transitions.
func (s VersionState) IsTerminal() bool {
	return s == VersionArchived
}

// ValidStepType reports whether t is a known step type.
func ValidStepType(t StepType) bool {
	switch t {
	case StepStart, StepPage, StepEvent, StepDecision, StepConversion:
		return true
	default:
		return false
	}
}

// ValidMatchKind reports whether k is a known match kind.
func ValidMatchKind(k MatchKind) bool {
	switch k {
	case MatchEventName, MatchPageURL, MatchPageTitle, MatchUTMSource, MatchCustomProperty:
		return true
	default:
		return false
	}
}
