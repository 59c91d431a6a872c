package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent() *Event {
	return &Event{
		TenantID:    1,
		WorkspaceID: 2,
		AnonymousID: "a_u1",
		Name:        "page_view",
		Timestamp:   time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Event)
		wantErr error
	}{
		{"valid", func(*Event) {}, nil},
		{"missing tenant", func(e *Event) { e.TenantID = 0 }, ErrMissingScope},
		{"missing workspace", func(e *Event) { e.WorkspaceID = 0 }, ErrMissingScope},
		{"missing anonymous id", func(e *Event) { e.AnonymousID = "" }, ErrMissingAnonymousID},
		{"missing name", func(e *Event) { e.Name = "" }, ErrMissingName},
		{"zero timestamp", func(e *Event) { e.Timestamp = time.Time{} }, ErrZeroTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := validEvent()
			tt.mutate(ev)

			err := ev.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestEventAccessors(t *testing.T) {
	ev := validEvent()

	assert.Empty(t, ev.PageURL())
	assert.Empty(t, ev.PageTitle())
	assert.Empty(t, ev.UTMSource())

	ev.Page = &Page{URL: "/checkout", Title: "Checkout"}
	ev.UTM = &UTM{Source: "google", Medium: "cpc"}

	assert.Equal(t, "/checkout", ev.PageURL())
	assert.Equal(t, "Checkout", ev.PageTitle())
	assert.Equal(t, "google", ev.UTMSource())
}

func TestEventProp(t *testing.T) {
	ev := validEvent()

	_, ok := ev.Prop("plan")
	assert.False(t, ok)

	ev.Props = map[string]any{"plan": "pro", "seats": float64(5)}

	plan, ok := ev.Prop("plan")
	require.True(t, ok)
	assert.Equal(t, "pro", plan)

	// JSON numbers decode as float64; rule values compare as strings.
	seats, ok := ev.Prop("seats")
	require.True(t, ok)
	assert.Equal(t, "5", seats)
}
