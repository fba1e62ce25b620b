// Package repo holds the SQL for every entity family as free functions over
// a DBTX. Reads run on the store's read pool; mutations compose inside one
// writer-queue closure by passing its transaction. No function here opens
// its own transaction.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

// DBTX is the slice of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MaxPageSize bounds list queries.
const MaxPageSize = 100

// Page selects one slice of a list. Number starts at 1.
type Page struct {
	Number int
	Size   int
}

// DefaultPage is the first page at a moderate size.
var DefaultPage = Page{Number: 1, Size: 50}

// Validate rejects out-of-bounds pagination before it reaches SQL.
func (p Page) Validate() error {
	if p.Number < 1 {
		return fmt.Errorf("page must be >= 1 (got %d)", p.Number)
	}
	if p.Size < 1 || p.Size > MaxPageSize {
		return fmt.Errorf("page size must be between 1 and %d (got %d)", MaxPageSize, p.Size)
	}
	return nil
}

func (p Page) limit() int  { return p.Size }
func (p Page) offset() int { return (p.Number - 1) * p.Size }

// wrap adds operation context and maps sql.ErrNoRows to ErrNotFound so
// callers never match on driver errors.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// fmtTime renders a timestamp the way the schema stores them: RFC 3339
// with sub-second precision, always UTC.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// fmtTimePtr renders an optional timestamp, nil staying NULL.
func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// parseTime decodes a stored timestamp, treating naive values as UTC.
func parseTime(s string) (time.Time, error) {
	return types.ParseUTC(s)
}

// parseTimePtr decodes an optional stored timestamp.
func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := types.ParseUTC(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
