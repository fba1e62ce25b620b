package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

// ErrMissingSeed indicates a key absent from both the settings table and
// the compiled-in defaults.
var ErrMissingSeed = errors.New("setting has no stored value or seeded default")

// Store resolves setting values. Reads hit the read pool directly; writes
// go through the writer queue like every other mutation.
type Store struct {
	read   *sql.DB
	writer *storage.WriterQueue
}

// NewStore builds a resolver over an open store and its writer.
func NewStore(st *storage.Store, w *storage.WriterQueue) *Store {
	return &Store{read: st.Read(), writer: w}
}

// Seed backfills all missing seeded keys in one transaction.
func (s *Store) Seed(ctx context.Context) error {
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		return SeedAll(ctx, tx)
	})
}

// GetRaw returns the stored JSON document for a key, falling back to the
// seeded default. Absent from both maps to ErrMissingSeed.
func (s *Store) GetRaw(ctx context.Context, key string) (string, error) {
	row, err := repo.GetSetting(ctx, s.read, key)
	if err == nil {
		return row.Value, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	if def, ok := SeededDefault(key); ok {
		return def, nil
	}
	return "", fmt.Errorf("%w: %s", ErrMissingSeed, key)
}

// Get resolves and decodes a key.
func (s *Store) Get(ctx context.Context, key string) (Value, error) {
	raw, err := s.GetRaw(ctx, key)
	if err != nil {
		return Value{}, err
	}
	return Parse(key, raw)
}

// Int resolves a key that must hold an integral number.
func (s *Store) Int(ctx context.Context, key string) (int64, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if v.Kind != KindInt {
		return 0, &TypeError{Key: key, Want: KindInt, Got: v.Kind}
	}
	return v.Int, nil
}

// Float resolves a key that must hold a number. Integral values widen.
func (s *Store) Float(ctx context.Context, key string) (float64, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	switch v.Kind {
	case KindFloat:
		return v.Float, nil
	case KindInt:
		return float64(v.Int), nil
	}
	return 0, &TypeError{Key: key, Want: KindFloat, Got: v.Kind}
}

// Bool resolves a key that must hold a boolean.
func (s *Store) Bool(ctx context.Context, key string) (bool, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if v.Kind != KindBool {
		return false, &TypeError{Key: key, Want: KindBool, Got: v.Kind}
	}
	return v.Bool, nil
}

// String resolves a key that must hold a string.
func (s *Store) String(ctx context.Context, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if v.Kind != KindString {
		return "", &TypeError{Key: key, Want: KindString, Got: v.Kind}
	}
	return v.Str, nil
}

// Set validates raw as a standalone JSON document and stores it verbatim.
func (s *Store) Set(ctx context.Context, key, raw string) error {
	if _, err := Parse(key, raw); err != nil {
		return err
	}
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		return repo.UpsertSetting(ctx, tx, key, raw)
	})
}

// Unset deletes a stored row, letting the seeded default (if any) show
// through again. A missing row maps to ErrNotFound.
func (s *Store) Unset(ctx context.Context, key string) error {
	return s.writer.Submit(ctx, func(tx *sql.Tx) error {
		return repo.DeleteSetting(ctx, tx, key)
	})
}

// List returns every stored row in key order. Seeded defaults that were
// never materialized do not appear; after a boot-time Seed they all exist.
func (s *Store) List(ctx context.Context) ([]types.Setting, error) {
	return repo.ListSettings(ctx, s.read)
}

// EffectiveHorizon resolves the dedupe horizon for an item: the channel's
// group override when present, otherwise the stored or seeded default.
func (s *Store) EffectiveHorizon(ctx context.Context, group *types.Group) (time.Duration, error) {
	if group != nil && group.DedupeHorizonMinutes != nil {
		return time.Duration(*group.DedupeHorizonMinutes) * time.Minute, nil
	}
	minutes, err := s.Int(ctx, KeyDedupeHorizon)
	if err != nil {
		return 0, err
	}
	if minutes <= 0 {
		return 0, fmt.Errorf("setting %q: horizon must be positive (got %d)", KeyDedupeHorizon, minutes)
	}
	return time.Duration(minutes) * time.Minute, nil
}
