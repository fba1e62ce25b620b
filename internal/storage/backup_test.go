package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestBackupToProducesConsistentCopy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Write().ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ('backup.probe', '"42"')`); err != nil {
		t.Fatalf("seed row failed: %v", err)
	}

	dest := filepath.Join(t.TempDir(), "copy.db")
	if err := store.BackupTo(ctx, dest); err != nil {
		t.Fatalf("backup failed: %v", err)
	}

	result, err := IntegrityCheck(ctx, dest)
	if err != nil {
		t.Fatalf("integrity check failed: %v", err)
	}
	if result != "ok" {
		t.Errorf("integrity_check = %q, want ok", result)
	}

	copyStore, err := Open(ctx, dest, Options{})
	if err != nil {
		t.Fatalf("open backup copy failed: %v", err)
	}
	defer func() { _ = copyStore.Close() }()

	var value string
	if err := copyStore.Read().QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = 'backup.probe'`).Scan(&value); err != nil {
		t.Fatalf("probe row missing from copy: %v", err)
	}
	if value != `"42"` {
		t.Errorf("probe value = %q, want %q", value, `"42"`)
	}
}

func TestBackupToCancellation(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "cancelled.db")
	err := store.BackupTo(ctx, dest)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("backup error = %v, want context.Canceled", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Errorf("cancelled backup left %s behind", dest)
	}
}

func TestIntegrityCheckRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.db")
	if err := os.WriteFile(path, []byte("this is not a database"), 0o600); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := IntegrityCheck(context.Background(), path); err == nil {
		t.Error("integrity check accepted a non-database file")
	}
}
