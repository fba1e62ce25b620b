package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tgfeed/tca/internal/types"
)

// GetRotationState fetches the singleton rotation progress row, or
// ErrNotFound when no rotation was ever started.
func GetRotationState(ctx context.Context, q DBTX) (*types.KeyRotationState, error) {
	var s types.KeyRotationState
	var startedAt, updatedAt string
	var completedAt sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT target_key_version, last_rotated_account_id, started_at, updated_at, completed_at
		FROM key_rotation_state WHERE id = 1`).
		Scan(&s.TargetKeyVersion, &s.LastRotatedAccountID, &startedAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, wrap("get rotation state", err)
	}
	if s.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("get rotation state: started_at: %w", err)
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("get rotation state: updated_at: %w", err)
	}
	if s.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("get rotation state: completed_at: %w", err)
	}
	return &s, nil
}

// StartRotation creates or restarts the singleton progress row for the
// given target key version. An uncompleted run for the same target is
// resumed, not reset.
func StartRotation(ctx context.Context, q DBTX, targetVersion int, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO key_rotation_state (id, target_key_version, last_rotated_account_id, started_at, updated_at)
		VALUES (1, ?, 0, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			target_key_version = excluded.target_key_version,
			last_rotated_account_id = CASE
				WHEN key_rotation_state.target_key_version = excluded.target_key_version
				     AND key_rotation_state.completed_at IS NULL
				THEN key_rotation_state.last_rotated_account_id
				ELSE 0
			END,
			started_at = CASE
				WHEN key_rotation_state.target_key_version = excluded.target_key_version
				     AND key_rotation_state.completed_at IS NULL
				THEN key_rotation_state.started_at
				ELSE excluded.started_at
			END,
			updated_at = excluded.updated_at,
			completed_at = NULL`,
		targetVersion, fmtTime(now), fmtTime(now))
	return wrap("start rotation", err)
}

// AdvanceRotation records rotation progress through the given account id.
func AdvanceRotation(ctx context.Context, q DBTX, lastAccountID int64, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE key_rotation_state
		SET last_rotated_account_id = ?, updated_at = ?
		WHERE id = 1`,
		lastAccountID, fmtTime(now))
	if err != nil {
		return wrap("advance rotation", err)
	}
	return requireRow(res, "advance rotation")
}

// CompleteRotation stamps the singleton row finished.
func CompleteRotation(ctx context.Context, q DBTX, now time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE key_rotation_state SET completed_at = ?, updated_at = ? WHERE id = 1`,
		fmtTime(now), fmtTime(now))
	if err != nil {
		return wrap("complete rotation", err)
	}
	return requireRow(res, "complete rotation")
}
