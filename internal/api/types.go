package api

import (
	"fmt"
	"time"

	"github.com/funneld-io/funneld/internal/analytics"
	"github.com/funneld-io/funneld/internal/export"
)

// Default analysis window when a request carries no date range.
const defaultWindowDays = 30

const dateOnlyLayout = "2006-01-02"

type (
	// publishRequest is the publish endpoint body. Version may also be
	// supplied as a query parameter, which takes precedence.
	publishRequest struct {
		Version    int    `json:"version"`
		WindowDays int    `json:"window_days"`
		Notes      string `json:"notes"`
	}

	// compareRequest is the funnel comparison body. Funnel IDs are
	// external ("fn_42") or bare numeric. The comparison period may be
	// nested or supplied as top-level start_date/end_date.
	compareRequest struct {
		FunnelIDs        []string                `json:"funnel_ids"`
		StartDate        string                  `json:"start_date"`
		EndDate          string                  `json:"end_date"`
		ComparisonPeriod *datePeriod             `json:"comparison_period,omitempty"`
		BaselineFunnelID string                  `json:"baseline_funnel_id,omitempty"`
		ABTest           *analytics.ABTestConfig `json:"ab_test_configuration,omitempty"`
	}

	// datePeriod is a nested date range in request bodies.
	datePeriod struct {
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}

	// exportRequest is the export creation body.
	exportRequest struct {
		Type               export.Type     `json:"export_type"`
		Format             export.Format   `json:"format"`
		StartDate          string          `json:"start_date"`
		EndDate            string          `json:"end_date"`
		Delivery           export.Delivery `json:"delivery,omitempty"`
		Email              string          `json:"email,omitempty"`
		Anonymize          bool            `json:"anonymize"`
		IncludeCohorts     bool            `json:"include_cohorts"`
		IncludeAttribution bool            `json:"include_attribution"`
	}
)

// parseWindow builds a time window from start/end date strings. Both dates
// accept RFC 3339 or date-only form; a date-only end bound is inclusive.
// When both are empty the window defaults to the trailing 30 days.
func parseWindow(start, end string) (analytics.TimeWindow, error) {
	if start == "" && end == "" {
		now := time.Now().UTC()

		return analytics.TimeWindow{
			Start: now.AddDate(0, 0, -defaultWindowDays),
			End:   now,
		}, nil
	}

	if start == "" || end == "" {
		return analytics.TimeWindow{}, fmt.Errorf("start_date and end_date must be supplied together")
	}

	startTime, _, err := parseDateParam(start)
	if err != nil {
		return analytics.TimeWindow{}, fmt.Errorf("invalid start_date %q", start)
	}

	endTime, dateOnly, err := parseDateParam(end)
	if err != nil {
		return analytics.TimeWindow{}, fmt.Errorf("invalid end_date %q", end)
	}

	if dateOnly {
		endTime = endTime.AddDate(0, 0, 1)
	}

	return analytics.TimeWindow{Start: startTime, End: endTime}, nil
}

// parseDateParam parses an RFC 3339 timestamp or a date-only value. The
// second return reports the date-only case.
func parseDateParam(value string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), false, nil
	}

	t, err := time.Parse(dateOnlyLayout, value)
	if err != nil {
		return time.Time{}, false, err
	}

	return t.UTC(), true, nil
}
