package orchestrator

import (
	"context"
	"errors"

	"github.com/funneld-io/funneld/internal/analytics"
	"github.com/funneld-io/funneld/internal/export"
	"github.com/funneld-io/funneld/internal/funnel"
)

// Code is a stable error taxonomy code carried in the wire envelope.
type Code string

// Error taxonomy codes.
const (
	CodeInvalidSchema           Code = "invalid_schema"
	CodeUnauthorized            Code = "unauthorized"
	CodeNotFound                Code = "not_found"
	CodeConflict                Code = "conflict"
	CodeInsufficientPermissions Code = "insufficient_permissions"
	CodePayloadTooLarge         Code = "payload_too_large"
	CodeRateLimited             Code = "rate_limited"
	CodeTimeout                 Code = "timeout"
	CodeInternalError           Code = "internal_error"
)

// classifiers map component sentinel errors to taxonomy codes, checked in
// order. Validation and not-found causes surface their own message;
// everything unmatched becomes internal_error with a generic message.
var classifiers = []struct {
	target error
	code   Code
}{
	{analytics.ErrInvalidRange, CodeInvalidSchema},
	{analytics.ErrRangeTooLarge, CodeInvalidSchema},
	{analytics.ErrInvalidCustomWeights, CodeInvalidSchema},
	{analytics.ErrInvalidABConfig, CodeInvalidSchema},
	{analytics.ErrTooFewFunnels, CodeInvalidSchema},
	{analytics.ErrTooManyFunnels, CodePayloadTooLarge},
	{funnel.ErrInvalidDefinition, CodeInvalidSchema},
	{funnel.ErrInvalidExternalID, CodeInvalidSchema},
	{export.ErrInvalidID, CodeInvalidSchema},
	{export.ErrInvalidType, CodeInvalidSchema},
	{export.ErrInvalidFormat, CodeInvalidSchema},
	{export.ErrInvalidDelivery, CodeInvalidSchema},
	{export.ErrEmailRequired, CodeInvalidSchema},

	{funnel.ErrNotFound, CodeNotFound},
	{funnel.ErrVersionNotFound, CodeNotFound},
	{export.ErrJobNotFound, CodeNotFound},
	{export.ErrArtifactUnavailable, CodeNotFound},

	{funnel.ErrNameConflict, CodeConflict},
	{funnel.ErrVersionImmutable, CodeConflict},
	{funnel.ErrInvalidTransition, CodeConflict},
	{funnel.ErrTerminalState, CodeConflict},
	{analytics.ErrNotPublished, CodeConflict},

	{funnel.ErrInvalidScope, CodeUnauthorized},

	{context.DeadlineExceeded, CodeTimeout},
}

// Classify maps a component error onto the taxonomy.
func Classify(err error) Code {
	for _, c := range classifiers {
		if errors.Is(err, c.target) {
			return c.code
		}
	}

	return CodeInternalError
}

// Error pairs a taxonomy code with its cause. The API layer renders it
// into the wire envelope.
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Cause.Error() }

// Unwrap exposes the cause for errors.Is checks.
func (e *Error) Unwrap() error { return e.Cause }

// Message is the client-visible message. Internal errors never leak their
// cause text.
func (e *Error) Message() string {
	if e.Code == CodeInternalError {
		return "an internal error occurred"
	}

	return e.Cause.Error()
}

// wrap classifies and wraps a component error. Already-classified errors
// pass through unchanged.
func wrap(err error) error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return err
	}

	return &Error{Code: Classify(err), Cause: err}
}
