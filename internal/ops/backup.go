package ops

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tgfeed/tca/internal/logging"
	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/settings"
	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/telemetry"
	"github.com/tgfeed/tca/internal/types"
)

const (
	backupPrefix = "tca-"
	backupSuffix = ".db"
	backupDay    = "20060102"
)

// BackupError is a failed backup run. Stage names the step that failed so
// the operator notification can say more than "backup failed".
type BackupError struct {
	Path  string
	Stage string
	Err   error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup %s: %s: %v", e.Path, e.Stage, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// Backup produces verified daily snapshots: online copy to a temp file,
// integrity check, atomic rename, oldest-first retention.
type Backup struct {
	store   *storage.Store
	writer  *storage.WriterQueue
	set     *settings.Store
	dir     string
	metrics *telemetry.EngineMetrics
	now     func() time.Time
	log     zerolog.Logger
}

// BackupOptions tune construction; zero values mean wall clock, no metrics.
type BackupOptions struct {
	Metrics *telemetry.EngineMetrics
	Now     func() time.Time
	Log     *zerolog.Logger
}

func NewBackup(st *storage.Store, w *storage.WriterQueue, set *settings.Store, dir string, opts BackupOptions) *Backup {
	b := &Backup{
		store:   st,
		writer:  w,
		set:     set,
		dir:     dir,
		metrics: opts.Metrics,
		now:     opts.Now,
		log:     logging.WithComponent("backup"),
	}
	if b.now == nil {
		b.now = time.Now
	}
	if opts.Log != nil {
		b.log = *opts.Log
	}
	return b
}

// TodayPath is where today's snapshot lands. Days follow the local clock,
// like the midnight that schedules them.
func (b *Backup) TodayPath() string {
	return filepath.Join(b.dir, backupPrefix+b.now().Format(backupDay)+backupSuffix)
}

// Run produces one snapshot and returns its path. Every failure other than
// cancellation comes back as a *BackupError and leaves one high
// notification behind; a same-day re-run overwrites the previous snapshot
// atomically.
func (b *Backup) Run(ctx context.Context) (string, error) {
	started := b.now()
	day := started.Format(backupDay)
	final := filepath.Join(b.dir, backupPrefix+day+backupSuffix)
	tmp := filepath.Join(b.dir, ".tmp-"+backupPrefix+day+backupSuffix)

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return "", b.fail(ctx, final, "prepare", err)
	}
	_ = os.Remove(tmp) // stale temp from a crashed run

	if err := b.store.BackupTo(ctx, tmp); err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		return "", b.fail(ctx, final, "copy", err)
	}
	result, err := storage.IntegrityCheck(ctx, tmp)
	if err != nil || result != "ok" {
		_ = os.Remove(tmp)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err == nil {
			err = fmt.Errorf("integrity_check returned %q", result)
		}
		return "", b.fail(ctx, final, "integrity_check", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", b.fail(ctx, final, "rename", err)
	}

	if err := b.enforceRetention(ctx); err != nil {
		// The snapshot itself is good; retention trouble is its own failure.
		return final, b.fail(ctx, final, "retention", err)
	}

	b.metrics.ObserveBackupDuration(ctx, time.Since(started))
	b.log.Info().Str("path", final).Dur("took", time.Since(started)).Msg("backup written")
	return final, nil
}

// enforceRetention deletes the oldest snapshots beyond backup.retain_count.
func (b *Backup) enforceRetention(ctx context.Context) error {
	retain, err := b.set.Int(ctx, settings.KeyBackupRetain)
	if err != nil || retain < 1 {
		seed, _ := settings.SeededDefault(settings.KeyBackupRetain)
		retain, _ = strconv.ParseInt(seed, 10, 64)
		b.log.Warn().Err(err).Int64("fallback", retain).Msg("retain count unusable, using seed default")
	}
	infos, err := ListBackups(b.dir)
	if err != nil {
		return err
	}
	for i := 0; i < len(infos)-int(retain); i++ {
		if err := os.Remove(infos[i].Path); err != nil {
			return err
		}
		b.log.Info().Str("path", infos[i].Path).Msg("old backup removed")
	}
	return nil
}

// fail records the failure as a high notification and wraps it. The
// notification write is best-effort: a dead disk must still surface the
// original error.
func (b *Backup) fail(ctx context.Context, path, stage string, cause error) error {
	berr := &BackupError{Path: path, Stage: stage, Err: cause}
	payload, _ := json.Marshal(map[string]string{
		"backup_path":   path,
		"error_type":    stage,
		"error_message": cause.Error(),
		"failed_at":     b.now().UTC().Format(time.RFC3339),
	})
	nerr := b.writer.Submit(ctx, func(tx *sql.Tx) error {
		return repo.InsertNotification(ctx, tx, &types.Notification{
			Type:     types.NotifyBackupFailed,
			Severity: types.SeverityHigh,
			Message:  fmt.Sprintf("nightly backup failed during %s", stage),
			Payload:  string(payload),
		})
	})
	if nerr != nil {
		b.log.Warn().Err(nerr).Msg("backup failure notification not recorded")
	}
	b.log.Error().Err(cause).Str("stage", stage).Str("path", path).Msg("backup failed")
	return berr
}

// BackupInfo describes one snapshot on disk.
type BackupInfo struct {
	Path string
	Day  string
	Size int64
}

// ListBackups returns the snapshots under dir, oldest first. Temp files and
// foreign names are ignored.
func ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var infos []BackupInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
		if _, err := time.Parse(backupDay, day); err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, BackupInfo{Path: filepath.Join(dir, name), Day: day, Size: fi.Size()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Day < infos[j].Day })
	return infos, nil
}
