package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/tgfeed/tca/internal/storage"
)

func TestCreateSettingRefusesOverwrite(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := CreateSetting(ctx, db.Write(), "auth.bootstrap_token_digest", `"abc"`); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := CreateSetting(ctx, db.Write(), "auth.bootstrap_token_digest", `"def"`)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("second create = %v, want ErrConflict", err)
	}

	got, err := GetSetting(ctx, db.Read(), "auth.bootstrap_token_digest")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != `"abc"` {
		t.Errorf("value = %q, want original", got.Value)
	}
}

func TestSeedSettingPreservesUserEdit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	if err := SeedSetting(ctx, db.Write(), "scheduler.default_poll_interval_seconds", "300"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := UpsertSetting(ctx, db.Write(), "scheduler.default_poll_interval_seconds", "60"); err != nil {
		t.Fatalf("user edit: %v", err)
	}
	// Re-seed on next boot: the edit survives.
	if err := SeedSetting(ctx, db.Write(), "scheduler.default_poll_interval_seconds", "300"); err != nil {
		t.Fatalf("re-seed: %v", err)
	}

	got, err := GetSetting(ctx, db.Read(), "scheduler.default_poll_interval_seconds")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Value != "60" {
		t.Errorf("value = %q, want user edit 60", got.Value)
	}
}

func TestDeleteSettingMissing(t *testing.T) {
	db := newTestDB(t)
	err := DeleteSetting(context.Background(), db.Write(), "no.such.key")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("delete missing = %v, want ErrNotFound", err)
	}
}
