package settings

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.db")
	st, err := storage.Open(context.Background(), path, storage.Options{})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	w := storage.NewWriterQueue(st, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = w.Close(ctx)
		_ = st.Close()
	})
	return NewStore(st, w)
}

func TestSeedThenResolve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}

	interval, err := s.Int(ctx, KeyPollInterval)
	if err != nil {
		t.Fatalf("resolve interval: %v", err)
	}
	if interval != 300 {
		t.Errorf("interval = %d, want 300", interval)
	}

	threshold, err := s.Float(ctx, KeySimilarity)
	if err != nil {
		t.Fatalf("resolve threshold: %v", err)
	}
	if threshold != 0.92 {
		t.Errorf("threshold = %v, want 0.92", threshold)
	}

	rows, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != len(seeded) {
		t.Errorf("seeded rows = %d, want %d", len(rows), len(seeded))
	}
}

func TestGetFallsBackToSeedWithoutRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// No Seed call: the compiled-in default still resolves.
	pages, err := s.Int(ctx, KeyMaxPages)
	if err != nil {
		t.Fatalf("resolve without row: %v", err)
	}
	if pages != 3 {
		t.Errorf("pages = %d, want seeded 3", pages)
	}
}

func TestGetMissingSeed(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nobody.ever.set.this")
	if !errors.Is(err, ErrMissingSeed) {
		t.Errorf("unknown key = %v, want ErrMissingSeed", err)
	}
}

func TestStoredRowWinsOverSeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, KeyPollInterval, "60"); err != nil {
		t.Fatalf("set: %v", err)
	}
	interval, err := s.Int(ctx, KeyPollInterval)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if interval != 60 {
		t.Errorf("interval = %d, want stored 60", interval)
	}

	// Unset exposes the seed again.
	if err := s.Unset(ctx, KeyPollInterval); err != nil {
		t.Fatalf("unset: %v", err)
	}
	interval, err = s.Int(ctx, KeyPollInterval)
	if err != nil {
		t.Fatalf("resolve after unset: %v", err)
	}
	if interval != 300 {
		t.Errorf("interval = %d, want seeded 300", interval)
	}
}

func TestSetRejectsInvalidJSON(t *testing.T) {
	s := newTestStore(t)
	err := s.Set(context.Background(), KeyPollInterval, `{"unclosed":`)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Errorf("set invalid JSON = %v, want *DecodeError", err)
	}
}

func TestTypedAccessorMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, KeyPollInterval, `"not a number"`); err != nil {
		t.Fatalf("set: %v", err)
	}
	_, err := s.Int(ctx, KeyPollInterval)
	var typeErr *TypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("int over string = %v, want *TypeError", err)
	}
	if typeErr.Key != KeyPollInterval || typeErr.Want != KindInt || typeErr.Got != KindString {
		t.Errorf("TypeError = %+v, want {key, int, string}", typeErr)
	}

	// Float widens integral values instead of failing.
	if err := s.Set(ctx, KeySimilarity, `1`); err != nil {
		t.Fatalf("set: %v", err)
	}
	f, err := s.Float(ctx, KeySimilarity)
	if err != nil {
		t.Fatalf("float over int: %v", err)
	}
	if f != 1.0 {
		t.Errorf("widened value = %v, want 1.0", f)
	}
}

func TestEffectiveHorizonPrecedence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// No group: seeded default.
	h, err := s.EffectiveHorizon(ctx, nil)
	if err != nil {
		t.Fatalf("default horizon: %v", err)
	}
	if h != 2880*time.Minute {
		t.Errorf("horizon = %v, want 48h", h)
	}

	// Stored row overrides the seed.
	if err := s.Set(ctx, KeyDedupeHorizon, "60"); err != nil {
		t.Fatalf("set: %v", err)
	}
	h, err = s.EffectiveHorizon(ctx, nil)
	if err != nil {
		t.Fatalf("stored horizon: %v", err)
	}
	if h != time.Hour {
		t.Errorf("horizon = %v, want 1h", h)
	}

	// Group override beats both.
	override := 15
	group := &types.Group{ID: 1, Name: "g", DedupeHorizonMinutes: &override}
	h, err = s.EffectiveHorizon(ctx, group)
	if err != nil {
		t.Fatalf("group horizon: %v", err)
	}
	if h != 15*time.Minute {
		t.Errorf("horizon = %v, want 15m", h)
	}

	// Group without an override falls through.
	h, err = s.EffectiveHorizon(ctx, &types.Group{ID: 2, Name: "plain"})
	if err != nil {
		t.Fatalf("plain group horizon: %v", err)
	}
	if h != time.Hour {
		t.Errorf("horizon = %v, want stored 1h", h)
	}
}

func TestCorruptRowSurfacesDecodeError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Simulate a row corrupted outside the Set path.
	err := s.writer.Submit(ctx, func(tx *sql.Tx) error {
		return repo.UpsertSetting(ctx, tx, KeyPollInterval, "{{nope")
	})
	if err != nil {
		t.Fatalf("plant corrupt row: %v", err)
	}
	_, err = s.Int(ctx, KeyPollInterval)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Errorf("corrupt row = %v, want *DecodeError (no silent seed fallback)", err)
	}
}
