package funnel

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for definition validation. All wrap ErrInvalidDefinition so
// callers can classify with a single errors.Is check.
var (
	// ErrInvalidDefinition is the root of every definition validation failure.
	ErrInvalidDefinition = errors.New("invalid funnel definition")

	// ErrEmptyName indicates a missing funnel name.
	ErrEmptyName = fmt.Errorf("%w: name is required", ErrInvalidDefinition)

	// ErrNoSteps indicates a definition without steps.
	ErrNoSteps = fmt.Errorf("%w: at least one step is required", ErrInvalidDefinition)

	// ErrStepOrderGap indicates step order indexes that are not consecutive from 0.
	ErrStepOrderGap = fmt.Errorf("%w: step order indexes must be consecutive from 0", ErrInvalidDefinition)

	// ErrDuplicateStepOrder indicates two steps sharing an order index.
	ErrDuplicateStepOrder = fmt.Errorf("%w: duplicate step order index", ErrInvalidDefinition)

	// ErrMissingStartStep indicates a definition without a start step.
	ErrMissingStartStep = fmt.Errorf("%w: a start step is required", ErrInvalidDefinition)

	// ErrMissingConversionStep indicates a definition without a conversion step.
	ErrMissingConversionStep = fmt.Errorf("%w: a conversion step is required", ErrInvalidDefinition)

	// ErrStepWithoutMatch indicates a step with no matching rules.
	ErrStepWithoutMatch = fmt.Errorf("%w: every step needs at least one match", ErrInvalidDefinition)

	// ErrUnknownStepType indicates an unrecognized step type.
	ErrUnknownStepType = fmt.Errorf("%w: unknown step type", ErrInvalidDefinition)

	// ErrUnknownMatchKind indicates an unrecognized match kind.
	ErrUnknownMatchKind = fmt.Errorf("%w: unknown match kind", ErrInvalidDefinition)

	// ErrIncompleteMatchRule indicates a match missing its kind-specific rule keys.
	ErrIncompleteMatchRule = fmt.Errorf("%w: incomplete match rule", ErrInvalidDefinition)
)

const maxNameLength = 255

type (
	// Definition is the client-supplied shape used to create a funnel or cut
	// a new version of an existing one.
	Definition struct {
		Name        string           `json:"name"`
		Description string           `json:"description,omitempty"`
		Steps       []StepDefinition `json:"steps"`
	}

	// StepDefinition is one step of a Definition.
	StepDefinition struct {
		OrderIndex int               `json:"order_index"`
		Type       StepType          `json:"type"`
		Label      string            `json:"label"`
		Metadata   map[string]any    `json:"metadata,omitempty"`
		Matches    []MatchDefinition `json:"matches"`
	}

	// MatchDefinition is one matching rule of a StepDefinition.
	MatchDefinition struct {
		Kind  MatchKind         `json:"kind"`
		Rules map[string]string `json:"rules"`
	}

	// UpdatePatch carries the mutable funnel attributes. Nil fields are left
	// untouched. Supplying Steps cuts a new draft version; it never mutates
	// an existing one.
	UpdatePatch struct {
		Name        *string          `json:"name,omitempty"`
		Description *string          `json:"description,omitempty"`
		Steps       []StepDefinition `json:"steps,omitempty"`
	}
)

// requiredRuleKeys maps each match kind to the rule keys it must carry.
var requiredRuleKeys = map[MatchKind][]string{
	MatchEventName:      {"event_name"},
	MatchPageURL:        {"pattern"},
	MatchPageTitle:      {"pattern"},
	MatchUTMSource:      {"utm_source"},
	MatchCustomProperty: {"name", "value"},
}

// Validate checks a full definition: naming, step ordering contiguity, the
// start/conversion requirement, and per-step match rules.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return ErrEmptyName
	}

	if len(d.Name) > maxNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidDefinition, maxNameLength)
	}

	return ValidateSteps(d.Steps)
}

// ValidateSteps checks a step list in isolation. Used by both Create and the
// new-version path of Update.
func ValidateSteps(steps []StepDefinition) error {
	if len(steps) == 0 {
		return ErrNoSteps
	}

	seen := make(map[int]bool, len(steps))

	var hasStart, hasConversion bool

	for i := range steps {
		step := &steps[i]

		if seen[step.OrderIndex] {
			return fmt.Errorf("%w: order %d", ErrDuplicateStepOrder, step.OrderIndex)
		}

		seen[step.OrderIndex] = true

		if !ValidStepType(step.Type) {
			return fmt.Errorf("%w: %q at order %d", ErrUnknownStepType, step.Type, step.OrderIndex)
		}

		switch step.Type {
		case StepStart:
			hasStart = true
		case StepConversion:
			hasConversion = true
		case StepPage, StepEvent, StepDecision:
		}

		if err := validateMatches(step); err != nil {
			return err
		}
	}

	// Contiguity: with uniqueness established, orders 0..N-1 are contiguous
	// exactly when every index below N was seen.
	for i := range steps {
		if !seen[i] {
			return fmt.Errorf("%w: missing order %d", ErrStepOrderGap, i)
		}
	}

	if !hasStart {
		return ErrMissingStartStep
	}

	if !hasConversion {
		return ErrMissingConversionStep
	}

	return nil
}

func validateMatches(step *StepDefinition) error {
	if len(step.Matches) == 0 {
		return fmt.Errorf("%w: step order %d", ErrStepWithoutMatch, step.OrderIndex)
	}

	for _, m := range step.Matches {
		if !ValidMatchKind(m.Kind) {
			return fmt.Errorf("%w: %q at step order %d", ErrUnknownMatchKind, m.Kind, step.OrderIndex)
		}

		for _, key := range requiredRuleKeys[m.Kind] {
			if strings.TrimSpace(m.Rules[key]) == "" {
				return fmt.Errorf("%w: kind %q requires rule %q (step order %d)",
					ErrIncompleteMatchRule, m.Kind, key, step.OrderIndex)
			}
		}
	}

	return nil
}
