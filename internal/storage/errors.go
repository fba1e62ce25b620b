package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Common storage errors. Callers match with errors.Is.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness violation remapped to a domain
	// error (setting exists, channel already assigned, duplicate channel).
	ErrConflict = errors.New("already exists")

	// ErrClosed indicates a submission after the writer queue closed.
	ErrClosed = errors.New("writer closed")

	// ErrStoreLocked indicates another process holds the store lockfile.
	ErrStoreLocked = errors.New("store locked by another process")
)

// wrapDBError converts database/sql errors into domain errors with
// operation context. sql.ErrNoRows becomes ErrNotFound.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsUniqueViolation reports whether err is a SQLite unique-constraint
// failure. Only call sites that spec a conflict remap should use this;
// other integrity errors pass through untouched.
func IsUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	// Fallback for wrapped drivers that lose the typed error.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsBusy reports whether err is SQLITE_BUSY lock contention.
func IsBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}
