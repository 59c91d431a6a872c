// Package event defines the normalized user-event model consumed by the
// analytics engine.
//
// Events are produced by an upstream ingestion pipeline and arrive already
// normalized: UTC timestamps, resolved anonymous IDs, parsed UTM and device
// attributes. This package only reads events; it never mutates or owns them.
package event

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for event validation.
var (
	// ErrMissingScope is returned when an event lacks tenant or workspace identity.
	ErrMissingScope = errors.New("event missing tenant or workspace id")

	// ErrMissingAnonymousID is returned when an event has no anonymous user id.
	ErrMissingAnonymousID = errors.New("event missing anonymous id")

	// ErrMissingName is returned when an event has no event name.
	ErrMissingName = errors.New("event missing name")

	// ErrZeroTimestamp is returned when an event has no timestamp.
	ErrZeroTimestamp = errors.New("event missing timestamp")
)

type (
	// Event is a single normalized user action.
	//
	// Field names follow the upstream wire format: snake_case JSON with
	// ISO-8601 UTC timestamps.
	Event struct {
		TenantID    int64          `json:"tenant_id"`
		WorkspaceID int64          `json:"workspace_id"`
		AnonymousID string         `json:"anonymous_id"`
		LeadID      string         `json:"lead_id,omitempty"`
		SessionID   string         `json:"session_id,omitempty"`
		Name        string         `json:"event_name"`
		Timestamp   time.Time      `json:"timestamp"`
		Page        *Page          `json:"page,omitempty"`
		UTM         *UTM           `json:"utm,omitempty"`
		Device      *Device        `json:"device,omitempty"`
		Geo         *Geo           `json:"geo,omitempty"`
		Props       map[string]any `json:"props,omitempty"`

		// Optional hints set by the upstream pipeline when it already knows
		// which funnel step an event belongs to. The tracker treats them as
		// hints only; matching rules remain authoritative.
		FunnelID        int64 `json:"funnel_id,omitempty"`
		FunnelStepOrder int   `json:"funnel_step_order,omitempty"`
	}

	// Page carries page-view attributes.
	Page struct {
		URL      string `json:"url,omitempty"`
		Title    string `json:"title,omitempty"`
		Referrer string `json:"referrer,omitempty"`
	}

	// UTM carries campaign attribution parameters.
	UTM struct {
		Source   string `json:"source,omitempty"`
		Medium   string `json:"medium,omitempty"`
		Campaign string `json:"campaign,omitempty"`
		Term     string `json:"term,omitempty"`
		Content  string `json:"content,omitempty"`
	}

	// Device carries client device attributes.
	Device struct {
		Type    string `json:"type,omitempty"` // desktop | mobile | tablet
		OS      string `json:"os,omitempty"`
		Browser string `json:"browser,omitempty"`
	}

	// Geo carries resolved geolocation attributes.
	Geo struct {
		Country string `json:"country,omitempty"`
		Region  string `json:"region,omitempty"`
		City    string `json:"city,omitempty"`
	}
)

// Validate checks that an event carries the minimum identity required for
// funnel processing. Events failing validation are dropped by the realtime
// pipeline (counted, never propagated).
func (e *Event) Validate() error {
	if e.TenantID <= 0 || e.WorkspaceID <= 0 {
		return fmt.Errorf("%w: tenant_id=%d workspace_id=%d", ErrMissingScope, e.TenantID, e.WorkspaceID)
	}

	if e.AnonymousID == "" {
		return ErrMissingAnonymousID
	}

	if e.Name == "" {
		return ErrMissingName
	}

	if e.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	return nil
}

// PageURL returns the page URL or empty string when no page is attached.
func (e *Event) PageURL() string {
	if e.Page == nil {
		return ""
	}

	return e.Page.URL
}

// PageTitle returns the page title or empty string when no page is attached.
func (e *Event) PageTitle() string {
	if e.Page == nil {
		return ""
	}

	return e.Page.Title
}

// UTMSource returns the utm_source or empty string when no UTM is attached.
func (e *Event) UTMSource() string {
	if e.UTM == nil {
		return ""
	}

	return e.UTM.Source
}

// Prop returns a custom property as a string, with ok=false when the property
// is absent. Non-string values are rendered with fmt.Sprint so rule matching
// stays comparable across JSON number/bool decodings.
func (e *Event) Prop(name string) (string, bool) {
	if e.Props == nil {
		return "", false
	}

	v, ok := e.Props[name]
	if !ok {
		return "", false
	}

	if s, isString := v.(string); isString {
		return s, true
	}

	return fmt.Sprint(v), true
}
