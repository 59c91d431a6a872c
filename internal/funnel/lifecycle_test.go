package funnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateStateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    VersionState
		to      VersionState
		wantErr error
	}{
		{"draft to published", VersionDraft, VersionPublished, nil},
		{"draft to archived", VersionDraft, VersionArchived, nil},
		{"republish", VersionPublished, VersionPublished, nil},
		{"published to archived", VersionPublished, VersionArchived, nil},
		{"archived idempotent", VersionArchived, VersionArchived, nil},
		{"archived to published", VersionArchived, VersionPublished, ErrTerminalState},
		{"archived to draft", VersionArchived, VersionDraft, ErrTerminalState},
		{"published back to draft", VersionPublished, VersionDraft, ErrInvalidTransition},
		{"draft to draft", VersionDraft, VersionDraft, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStateTransition(tt.from, tt.to)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestScopeValidate(t *testing.T) {
	assert.NoError(t, Scope{TenantID: 1, WorkspaceID: 1}.Validate())
	assert.ErrorIs(t, Scope{TenantID: 1}.Validate(), ErrInvalidScope)
	assert.ErrorIs(t, Scope{WorkspaceID: 1}.Validate(), ErrInvalidScope)
	assert.ErrorIs(t, Scope{}.Validate(), ErrInvalidScope)
}

func TestLatestPublished(t *testing.T) {
	f := &Funnel{Versions: []Version{
		{Number: 3, State: VersionDraft},
		{Number: 2, State: VersionPublished},
		{Number: 1, State: VersionArchived},
	}}

	v := f.LatestPublished()
	assert.NotNil(t, v)
	assert.Equal(t, 2, v.Number)

	assert.Nil(t, (&Funnel{}).LatestPublished())
}

func TestExternalIDs(t *testing.T) {
	assert.Equal(t, "fn_42", FormatFunnelID(42))

	id, err := ParseFunnelID("fn_42")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), id)

	// Bare numeric IDs are accepted.
	id, err = ParseFunnelID("42")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), id)

	_, err = ParseFunnelID("fn_abc")
	assert.ErrorIs(t, err, ErrInvalidExternalID)

	_, err = ParseFunnelID("fn_")
	assert.ErrorIs(t, err, ErrInvalidExternalID)

	_, err = ParseFunnelID("fn_-3")
	assert.ErrorIs(t, err, ErrInvalidExternalID)
}
