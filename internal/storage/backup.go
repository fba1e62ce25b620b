package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// backupStepPages is how many pages one online-backup step copies before
// the loop re-checks cancellation.
const backupStepPages = 256

// BackupTo copies the live store into destPath using SQLite's online-backup
// facility. The copy is consistent even while the writer commits; readers
// are unaffected. Cancellation aborts between steps and leaves destPath
// removed.
func (s *Store) BackupTo(ctx context.Context, destPath string) error {
	destDB, err := sql.Open(driverName, "file:"+destPath+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open backup destination: %w", err)
	}
	defer func() { _ = destDB.Close() }()

	srcConn, err := s.read.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire source connection: %w", err)
	}
	defer func() { _ = srcConn.Close() }()

	destConn, err := destDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire destination connection: %w", err)
	}
	defer func() { _ = destConn.Close() }()

	err = destConn.Raw(func(destDriver any) error {
		return srcConn.Raw(func(srcDriver any) error {
			dst, ok := destDriver.(*sqlite3.SQLiteConn)
			if !ok {
				return errors.New("destination connection is not sqlite3")
			}
			src, ok := srcDriver.(*sqlite3.SQLiteConn)
			if !ok {
				return errors.New("source connection is not sqlite3")
			}
			bk, err := dst.Backup("main", src, "main")
			if err != nil {
				return fmt.Errorf("start backup: %w", err)
			}
			defer func() { _ = bk.Finish() }()

			for {
				if err := ctx.Err(); err != nil {
					return err
				}
				done, err := bk.Step(backupStepPages)
				if err != nil {
					return fmt.Errorf("backup step: %w", err)
				}
				if done {
					return nil
				}
			}
		})
	})
	if err != nil {
		_ = os.Remove(destPath)
		return err
	}
	return nil
}

// IntegrityCheck runs PRAGMA integrity_check against the file at path and
// returns the first result row ("ok" when the file is sound).
func IntegrityCheck(ctx context.Context, path string) (string, error) {
	db, err := sql.Open(driverName, "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return "", fmt.Errorf("open for integrity check: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return "", fmt.Errorf("integrity check: %w", err)
	}
	return result, nil
}
