package funnel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// External ID prefixes. Internal IDs are 64-bit sequences; everything that
// crosses the API boundary is prefixed.
const (
	FunnelIDPrefix      = "fn_"
	VersionIDPrefix     = "fv_"
	StepIDPrefix        = "s_"
	PublicationIDPrefix = "pub_"
	AnonymousIDPrefix   = "a_"
)

// ErrInvalidExternalID is returned when an external ID has the wrong prefix
// or a non-numeric suffix.
var ErrInvalidExternalID = errors.New("invalid external id")

// FormatFunnelID renders an internal funnel ID as its external form.
func FormatFunnelID(id int64) string { return FunnelIDPrefix + strconv.FormatInt(id, 10) }

// FormatVersionID renders an internal version ID as its external form.
func FormatVersionID(id int64) string { return VersionIDPrefix + strconv.FormatInt(id, 10) }

// FormatStepID renders an internal step ID as its external form.
func FormatStepID(id int64) string { return StepIDPrefix + strconv.FormatInt(id, 10) }

// FormatPublicationID renders an internal publication ID as its external form.
func FormatPublicationID(id int64) string { return PublicationIDPrefix + strconv.FormatInt(id, 10) }

// ParseFunnelID parses an external funnel ID ("fn_123") into its internal form.
// Bare numeric IDs are accepted for backward compatibility with early clients.
func ParseFunnelID(external string) (int64, error) {
	return parseExternalID(external, FunnelIDPrefix)
}

// ParseVersionID parses an external version ID ("fv_123") into its internal form.
func ParseVersionID(external string) (int64, error) {
	return parseExternalID(external, VersionIDPrefix)
}

func parseExternalID(external, prefix string) (int64, error) {
	raw := strings.TrimPrefix(external, prefix)
	if raw == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidExternalID, external)
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidExternalID, external)
	}

	return id, nil
}
