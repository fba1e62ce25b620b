package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCursorRoundTrip(t *testing.T) {
	last := int64(120)
	next := int64(121)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := Cursor{LastMessageID: &last, NextOffsetID: &next, LastPolledAt: &at}

	raw, err := c.Encode()
	require.NoError(t, err)

	got, err := ParseCursor(raw)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageID)
	assert.Equal(t, int64(120), *got.LastMessageID)
	require.NotNil(t, got.NextOffsetID)
	assert.Equal(t, int64(121), *got.NextOffsetID)
	require.NotNil(t, got.LastPolledAt)
	assert.True(t, got.LastPolledAt.Equal(at))
}

func TestParseCursorEmptyFields(t *testing.T) {
	got, err := ParseCursor(`{"last_message_id":null,"next_offset_id":null,"last_polled_at":null}`)
	require.NoError(t, err)
	assert.Nil(t, got.LastMessageID)
	assert.Nil(t, got.NextOffsetID)
	assert.Nil(t, got.LastPolledAt)
}

func TestParseCursorRejectsUnknownFields(t *testing.T) {
	_, err := ParseCursor(`{"last_message_id":1,"bogus":true}`)
	assert.Error(t, err)
}

func TestParseCursorNaiveTimestampIsUTC(t *testing.T) {
	got, err := ParseCursor(`{"last_polled_at":"2026-03-01T09:30:00"}`)
	require.NoError(t, err)
	require.NotNil(t, got.LastPolledAt)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), *got.LastPolledAt)
}

func TestParseUTC(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  time.Time
		valid bool
	}{
		{"rfc3339", "2026-03-01T12:00:00Z", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), true},
		{"rfc3339 offset", "2026-03-01T14:00:00+02:00", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), true},
		{"naive T", "2026-03-01T12:00:00", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), true},
		{"naive space", "2026-03-01 12:00:00", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), true},
		{"garbage", "yesterday-ish", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseUTC(tt.in)
			if !tt.valid {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestChannelValidate(t *testing.T) {
	ch := Channel{AccountID: 1, TGChannelID: 100, Name: "news"}
	assert.NoError(t, ch.Validate())

	bad := Channel{AccountID: 0, TGChannelID: 100, Name: "news"}
	assert.Error(t, bad.Validate())

	bad = Channel{AccountID: 1, TGChannelID: 0, Name: "news"}
	assert.Error(t, bad.Validate())

	bad = Channel{AccountID: 1, TGChannelID: 100}
	assert.Error(t, bad.Validate())
}

func TestGroupValidate(t *testing.T) {
	g := Group{Name: "tech"}
	assert.NoError(t, g.Validate())

	zero := 0
	g = Group{Name: "tech", DedupeHorizonMinutes: &zero}
	assert.Error(t, g.Validate())

	g = Group{}
	assert.Error(t, g.Validate())
}

func TestChannelStatePausedAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(10 * time.Minute)
	st := ChannelState{PausedUntil: &until}
	assert.True(t, st.PausedAt(now))
	assert.False(t, st.PausedAt(now.Add(11*time.Minute)))
	assert.False(t, (&ChannelState{}).PausedAt(now))
}

func TestContentLengthCountsRunes(t *testing.T) {
	i := Item{Title: "héllo", Body: "мир"}
	assert.Equal(t, 8, i.ContentLength())
}

func TestEnumValidity(t *testing.T) {
	assert.True(t, DedupePending.IsValid())
	assert.True(t, DedupeDone.IsValid())
	assert.True(t, DedupeFailed.IsValid())
	assert.False(t, DedupeState("done").IsValid())

	assert.True(t, SeverityHigh.IsValid())
	assert.False(t, Severity("fatal").IsValid())

	assert.True(t, StageFetch.IsValid())
	assert.False(t, IngestStage("parse").IsValid())

	assert.True(t, AuthCodeSent.IsValid())
	assert.False(t, AuthStatus("waiting").IsValid())
}

func TestAuthSessionExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := AuthSession{ExpiresAt: now.Add(time.Minute)}
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(time.Minute)))
	assert.True(t, s.Expired(now.Add(2*time.Minute)))
}
