package storage

import (
	"context"
	"testing"
)

func TestMigrationsConvergeOnRerun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Simulate a store from before token-based candidate reduction.
	if _, err := store.Write().ExecContext(ctx, `DROP INDEX idx_title_tokens_token`); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := store.Write().ExecContext(ctx, `DROP TABLE item_title_tokens`); err != nil {
		t.Fatalf("drop table: %v", err)
	}

	if err := runMigrations(ctx, store.Write()); err != nil {
		t.Fatalf("rerun migrations: %v", err)
	}

	var name string
	err := store.Read().QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name='item_title_tokens'`).Scan(&name)
	if err != nil {
		t.Fatalf("item_title_tokens not recreated: %v", err)
	}

	// A second run over a current store must be a no-op.
	if err := runMigrations(ctx, store.Write()); err != nil {
		t.Fatalf("migrations not idempotent: %v", err)
	}
}

func TestTableHasColumn(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	has, err := tableHasColumn(ctx, store.Write(), "items", "canonical_url_domain")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if !has {
		t.Error("canonical_url_domain not reported on items")
	}

	has, err = tableHasColumn(ctx, store.Write(), "items", "no_such_column")
	if err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if has {
		t.Error("phantom column reported")
	}
}
