package event

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		event   Event
		wantErr error
	}{
		{
			name:  "valid page view",
			event: Event{SiteID: "site-1", EventType: "page_view", Path: StringPtr("/"), Timestamp: now},
		},
		{
			name:  "valid anonymous click without path",
			event: Event{SiteID: "site-1", EventType: "click", Timestamp: now},
		},
		{
			name:    "empty site id",
			event:   Event{EventType: "page_view", Timestamp: now},
			wantErr: ErrSiteIDEmpty,
		},
		{
			name:    "empty event type",
			event:   Event{SiteID: "site-1", Timestamp: now},
			wantErr: ErrEventTypeEmpty,
		},
		{
			name:    "missing timestamp",
			event:   Event{SiteID: "site-1", EventType: "page_view"},
			wantErr: ErrTimestampMissing,
		},
		{
			name:    "site id too long",
			event:   Event{SiteID: strings.Repeat("s", MaxSiteIDLength+1), EventType: "page_view", Timestamp: now},
			wantErr: ErrInvalidRecord,
		},
		{
			name:    "NUL byte in path",
			event:   Event{SiteID: "site-1", EventType: "page_view", Path: StringPtr("/x\x00"), Timestamp: now},
			wantErr: ErrInvalidRecord,
		},
		{
			name:    "NUL byte in user id",
			event:   Event{SiteID: "site-1", EventType: "page_view", UserID: StringPtr("u\x00"), Timestamp: now},
			wantErr: ErrInvalidRecord,
		},
		{
			name:    "invalid UTF-8 in site id",
			event:   Event{SiteID: "site-\xff", EventType: "page_view", Timestamp: now},
			wantErr: ErrInvalidRecord,
		},
		{
			name:  "multibyte path",
			event: Event{SiteID: "site-1", EventType: "page_view", Path: StringPtr("/café/日本"), Timestamp: now},
		},
		{
			name:    "path too long",
			event:   Event{SiteID: "site-1", EventType: "page_view", Path: StringPtr(strings.Repeat("/", MaxPathLength+1)), Timestamp: now},
			wantErr: ErrInvalidRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.event)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			require.True(t, errors.Is(err, ErrInvalidRecord))
		})
	}
}

func TestValidate_FarFutureAndPastTimestampsAccepted(t *testing.T) {
	past := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2400, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, Validate(Event{SiteID: "s", EventType: "e", Timestamp: past}))
	require.NoError(t, Validate(Event{SiteID: "s", EventType: "e", Timestamp: future}))
}

func TestNormalize(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	in := Event{
		SiteID:    "site-1",
		EventType: "page_view",
		Path:      StringPtr("/pricing"),
		UserID:    new(string),
		Timestamp: time.Date(2025, 11, 15, 1, 0, 0, 0, loc),
	}

	out := Normalize(in)

	require.Nil(t, out.UserID, "empty user_id should collapse to nil")
	require.Equal(t, "/pricing", Deref(out.Path))
	require.Equal(t, time.UTC, out.Timestamp.Location())
	require.Equal(t, 14, out.Timestamp.Day())
	require.NotNil(t, in.UserID, "input must not be modified")
}
