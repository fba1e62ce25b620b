package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tgfeed/tca/internal/types"
)

// InsertIngestError records one captured pipeline failure and fills its id.
func InsertIngestError(ctx context.Context, q DBTX, e *types.IngestError) error {
	if !e.Stage.IsValid() {
		return fmt.Errorf("insert ingest error: invalid stage %q", e.Stage)
	}
	if e.ErrorCode == "" {
		return fmt.Errorf("insert ingest error: error_code is required")
	}
	var channelID any
	if e.ChannelID != nil {
		channelID = *e.ChannelID
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO ingest_errors (channel_id, stage, error_code, error_message, payload_ref)
		VALUES (?, ?, ?, ?, ?)`,
		channelID, string(e.Stage), e.ErrorCode, e.ErrorMessage, e.PayloadRef)
	if err != nil {
		return wrap("insert ingest error", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrap("insert ingest error", err)
	}
	e.ID = id
	return nil
}

// ListIngestErrors returns captured failures in id order, optionally
// filtered to one stage.
func ListIngestErrors(ctx context.Context, q DBTX, stage types.IngestStage, page Page) ([]*types.IngestError, error) {
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list ingest errors: %w", err)
	}
	query := `SELECT id, channel_id, stage, error_code, error_message, payload_ref, created_at
		FROM ingest_errors`
	var args []any
	if stage != "" {
		if !stage.IsValid() {
			return nil, fmt.Errorf("list ingest errors: invalid stage %q", stage)
		}
		query += ` WHERE stage = ?`
		args = append(args, string(stage))
	}
	query += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, page.limit(), page.offset())

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap("list ingest errors", err)
	}
	defer func() { _ = rows.Close() }()

	var errorsOut []*types.IngestError
	for rows.Next() {
		var e types.IngestError
		var channelID sql.NullInt64
		var stageStr, createdAt string
		err := rows.Scan(&e.ID, &channelID, &stageStr, &e.ErrorCode,
			&e.ErrorMessage, &e.PayloadRef, &createdAt)
		if err != nil {
			return nil, wrap("list ingest errors", err)
		}
		if channelID.Valid {
			v := channelID.Int64
			e.ChannelID = &v
		}
		e.Stage = types.IngestStage(stageStr)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("list ingest errors: created_at: %w", err)
		}
		errorsOut = append(errorsOut, &e)
	}
	return errorsOut, wrap("list ingest errors", rows.Err())
}

// DeleteIngestErrorsBefore removes up to limit error rows created before
// cutoff and reports how many went.
func DeleteIngestErrorsBefore(ctx context.Context, q DBTX, cutoff time.Time, limit int) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM ingest_errors WHERE id IN (
			SELECT id FROM ingest_errors WHERE created_at < ? ORDER BY id LIMIT ?
		)`, fmtTime(cutoff), limit)
	if err != nil {
		return 0, wrap("delete ingest errors before", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("delete ingest errors before", err)
}
