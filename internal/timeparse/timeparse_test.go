package timeparse

import (
	"testing"
	"time"
)

func TestParseCompactDurations(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		input string
		want  time.Time
	}{
		{"+6h", time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC)},
		{"6h", time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC)},
		{"-1d", time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)},
		{"+2w", time.Date(2025, 6, 29, 12, 0, 0, 0, time.UTC)},
		{"+3m", time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC)},
		{"+1y", time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := Parse(tc.input, now)
			if err != nil {
				t.Fatalf("failed to parse %q: %v", tc.input, err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("Parse(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestParseAbsoluteStamps(t *testing.T) {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	got, err := Parse("2025-03-01T06:30:00Z", now)
	if err != nil {
		t.Fatalf("failed to parse rfc3339: %v", err)
	}
	if want := time.Date(2025, 3, 1, 6, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	got, err = Parse("2025-03-01", now)
	if err != nil {
		t.Fatalf("failed to parse date-only: %v", err)
	}
	if want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestParseNaturalLanguage(t *testing.T) {
	// Wednesday.
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	got, err := Parse("tomorrow", now)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if got.Day() != 16 || got.Month() != time.January {
		t.Fatalf("tomorrow = %v, want Jan 16", got)
	}

	got, err = Parse("next monday", now)
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if got.Day() != 20 || got.Weekday() != time.Monday {
		t.Fatalf("next monday = %v, want Jan 20", got)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("not a time at all", time.Now()); err == nil {
		t.Fatal("expected an error for unrecognized input")
	}
	if _, err := Parse("", time.Now()); err == nil {
		t.Fatal("expected an error for empty input")
	}
}
