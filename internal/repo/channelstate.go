package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tgfeed/tca/internal/types"
)

// CursorError reports a channel_state row whose cursor document no longer
// decodes. The pipeline records it as an ingest error and reinitializes the
// cursor instead of crashing.
type CursorError struct {
	ChannelID int64
	Raw       string
	Err       error
}

func (e *CursorError) Error() string {
	return fmt.Sprintf("channel %d: corrupt cursor: %v", e.ChannelID, e.Err)
}

func (e *CursorError) Unwrap() error { return e.Err }

// GetChannelState loads one channel's polling state. A corrupt cursor
// returns *CursorError; a missing row returns ErrNotFound.
func GetChannelState(ctx context.Context, q DBTX, channelID int64) (*types.ChannelState, error) {
	var rawCursor string
	var pausedUntil, lastSuccessAt sql.NullString
	var updatedAt string
	err := q.QueryRowContext(ctx, `
		SELECT cursor, paused_until, last_success_at, updated_at
		FROM channel_state WHERE channel_id = ?`, channelID).
		Scan(&rawCursor, &pausedUntil, &lastSuccessAt, &updatedAt)
	if err != nil {
		return nil, wrap("get channel state", err)
	}

	s := &types.ChannelState{ChannelID: channelID}
	if s.PausedUntil, err = parseTimePtr(pausedUntil); err != nil {
		return nil, fmt.Errorf("get channel state: paused_until: %w", err)
	}
	if s.LastSuccessAt, err = parseTimePtr(lastSuccessAt); err != nil {
		return nil, fmt.Errorf("get channel state: last_success_at: %w", err)
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("get channel state: updated_at: %w", err)
	}
	cursor, err := types.ParseCursor(rawCursor)
	if err != nil {
		return nil, &CursorError{ChannelID: channelID, Raw: rawCursor, Err: err}
	}
	s.Cursor = cursor
	return s, nil
}

// AdvanceCursor stores the post-poll cursor and marks the poll successful.
func AdvanceCursor(ctx context.Context, q DBTX, channelID int64, cursor types.Cursor, successAt time.Time) error {
	encoded, err := cursor.Encode()
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE channel_state
		SET cursor = ?, last_success_at = ?, updated_at = ?
		WHERE channel_id = ?`,
		encoded, fmtTime(successAt), fmtTime(successAt), channelID)
	if err != nil {
		return wrap("advance cursor", err)
	}
	return requireRow(res, "advance cursor")
}

// ResetChannelCursor reinitializes a channel's cursor to "never polled"
// without touching pause state or the success timestamp.
func ResetChannelCursor(ctx context.Context, q DBTX, channelID int64, now time.Time) error {
	empty, err := types.Cursor{}.Encode()
	if err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE channel_state SET cursor = ?, updated_at = ? WHERE channel_id = ?`,
		empty, fmtTime(now), channelID)
	if err != nil {
		return wrap("reset cursor", err)
	}
	return requireRow(res, "reset cursor")
}

// SetChannelPause sets or clears the channel-level pause window. A nil
// until clears it.
func SetChannelPause(ctx context.Context, q DBTX, channelID int64, until *time.Time, now time.Time) error {
	res, err := q.ExecContext(ctx,
		`UPDATE channel_state SET paused_until = ?, updated_at = ? WHERE channel_id = ?`,
		fmtTimePtr(until), fmtTime(now), channelID)
	if err != nil {
		return wrap("set channel pause", err)
	}
	return requireRow(res, "set channel pause")
}
