package funnel

import (
	"errors"
	"fmt"
)

// Sentinel errors for version state transitions.
var (
	// ErrInvalidTransition indicates a version state transition outside the
	// draft → published → archived lifecycle.
	ErrInvalidTransition = errors.New("invalid version state transition")

	// ErrTerminalState indicates an attempt to transition out of archived.
	ErrTerminalState = errors.New("archived version state is terminal")
)

// ValidateStateTransition validates a funnel version state transition.
//
// Valid transitions:
//   - draft → {published, archived}
//   - published → {published, archived}   (republish is idempotent)
//   - archived → archived                 (idempotent terminal state)
//
// Publishing re-snapshots an already-published version (same definition, new
// publication row); it never reopens a draft.
func ValidateStateTransition(from, to VersionState) error {
	if from.IsTerminal() {
		if from != to {
			return fmt.Errorf("%w: %s → %s", ErrTerminalState, from, to)
		}

		return nil
	}

	switch from {
	case VersionDraft:
		if to == VersionPublished || to == VersionArchived {
			return nil
		}
	case VersionPublished:
		if to == VersionPublished || to == VersionArchived {
			return nil
		}
	case VersionArchived:
		// unreachable: handled by the terminal check above
	}

	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}
