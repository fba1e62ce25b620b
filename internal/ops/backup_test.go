package ops

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/settings"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

func (e *opsEnv) backup(t *testing.T, dir string) *Backup {
	t.Helper()
	return NewBackup(e.st, e.w, e.set, dir, BackupOptions{Now: func() time.Time { return e.now }})
}

func TestBackupRunWritesVerifiedSnapshot(t *testing.T) {
	e := newOpsEnv(t)
	e.addRaw(t, 1)
	dir := filepath.Join(t.TempDir(), "backups")

	path, err := e.backup(t, dir).Run(context.Background())
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if want := filepath.Join(dir, "tca-20250601.db"); path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}

	result, err := storage.IntegrityCheck(context.Background(), path)
	if err != nil || result != "ok" {
		t.Errorf("integrity = %q, %v; want ok", result, err)
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 1 {
		t.Errorf("dir has %d entries, want only the snapshot", len(entries))
	}

	// Same-day re-run overwrites in place.
	if _, err := e.backup(t, dir).Run(context.Background()); err != nil {
		t.Fatalf("same-day re-run: %v", err)
	}
}

func TestBackupSnapshotIsReadable(t *testing.T) {
	e := newOpsEnv(t)
	raw := e.addRaw(t, 7)
	dir := t.TempDir()

	path, err := e.backup(t, dir).Run(context.Background())
	if err != nil {
		t.Fatalf("backup: %v", err)
	}

	copyStore, err := storage.Open(context.Background(), path, storage.Options{})
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer func() { _ = copyStore.Close() }()

	got, err := repo.GetRawMessage(context.Background(), copyStore.Read(), raw.ID)
	if err != nil {
		t.Fatalf("read from snapshot: %v", err)
	}
	if got.TGMessageID != 7 {
		t.Errorf("snapshot row = %+v, want tg_message_id 7", got)
	}
}

func TestBackupEnforcesRetention(t *testing.T) {
	e := newOpsEnv(t)
	ctx := context.Background()
	if err := e.set.Set(ctx, settings.KeyBackupRetain, "2"); err != nil {
		t.Fatalf("set retain: %v", err)
	}
	dir := t.TempDir()
	for _, day := range []string{"20250520", "20250521", "20250522"} {
		if err := os.WriteFile(filepath.Join(dir, "tca-"+day+".db"), []byte("old"), 0o644); err != nil {
			t.Fatalf("seed old backup: %v", err)
		}
	}

	if _, err := e.backup(t, dir).Run(ctx); err != nil {
		t.Fatalf("backup: %v", err)
	}

	infos, err := ListBackups(dir)
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("backups kept = %d, want 2", len(infos))
	}
	if infos[0].Day != "20250522" || infos[1].Day != "20250601" {
		t.Errorf("kept days = %s, %s; want 20250522, 20250601", infos[0].Day, infos[1].Day)
	}
}

func TestBackupFailureNotifiesOnce(t *testing.T) {
	e := newOpsEnv(t)
	ctx := context.Background()

	// A regular file where the backup dir should be makes every step fail.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	_, err := e.backup(t, blocker).Run(ctx)
	var berr *BackupError
	if !errors.As(err, &berr) {
		t.Fatalf("error = %v, want *BackupError", err)
	}
	if berr.Stage != "prepare" {
		t.Errorf("stage = %s, want prepare", berr.Stage)
	}

	notes, err := repo.ListNotifications(ctx, e.st.Read(), false, repo.DefaultPage)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 1 || notes[0].Type != types.NotifyBackupFailed || notes[0].Severity != types.SeverityHigh {
		t.Fatalf("notifications = %+v, want one high %s", notes, types.NotifyBackupFailed)
	}
	if notes[0].Payload == "" {
		t.Error("notification has no payload")
	}
}

func TestBackupCancellationIsNotRemapped(t *testing.T) {
	e := newOpsEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.backup(t, t.TempDir()).Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	var berr *BackupError
	if errors.As(err, &berr) {
		t.Error("cancellation was remapped to *BackupError")
	}
}

func TestListBackupsIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"tca-20250101.db", "tca-20250102.db", ".tmp-tca-20250103.db", "notes.txt", "tca-junk.db"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	infos, err := ListBackups(dir)
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("backups = %d, want 2", len(infos))
	}
	if infos[0].Day != "20250101" || infos[1].Day != "20250102" {
		t.Errorf("days = %s, %s; want sorted real snapshots", infos[0].Day, infos[1].Day)
	}
}

func TestListBackupsMissingDir(t *testing.T) {
	infos, err := ListBackups(filepath.Join(t.TempDir(), "absent"))
	if err != nil || infos != nil {
		t.Fatalf("ListBackups = %v, %v; want nil, nil", infos, err)
	}
}

func TestLoopCatchesUpMissedNight(t *testing.T) {
	e := newOpsEnv(t)
	dir := t.TempDir()
	loop := NewLoop(e.backup(t, dir), e.pruner(t), e.w, LoopOptions{Now: func() time.Time { return e.now }})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	snapshot := filepath.Join(dir, "tca-20250601.db")
	for {
		if _, err := os.Stat(snapshot); err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatal("startup catch-up did not write a snapshot")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("loop returned %v on cancel, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}
}

func TestUntilMidnight(t *testing.T) {
	e := newOpsEnv(t)
	loop := NewLoop(e.backup(t, t.TempDir()), e.pruner(t), e.w, LoopOptions{
		Now: func() time.Time { return time.Date(2025, 6, 1, 23, 59, 30, 0, time.UTC) },
	})
	if got, want := loop.untilMidnight(), 30*time.Second; got != want {
		t.Errorf("untilMidnight = %v, want %v", got, want)
	}
}
