package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

// CreatePollJob inserts one poll instruction and fills its id. Correlation
// ids are unique; a duplicate maps to ErrConflict.
func CreatePollJob(ctx context.Context, q DBTX, j *types.PollJob) error {
	if j.ChannelID <= 0 || j.CorrelationID == "" {
		return fmt.Errorf("create poll job: channel_id and correlation_id are required")
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO poll_jobs (channel_id, correlation_id) VALUES (?, ?)`,
		j.ChannelID, j.CorrelationID)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("create poll job: correlation %q: %w", j.CorrelationID, storage.ErrConflict)
		}
		return wrap("create poll job", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrap("create poll job", err)
	}
	j.ID = id
	return nil
}

// HasPendingPollJob reports whether a channel already has an outstanding
// job. The scheduler skips such channels.
func HasPendingPollJob(ctx context.Context, q DBTX, channelID int64) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx,
		`SELECT 1 FROM poll_jobs WHERE channel_id = ? LIMIT 1`, channelID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("has pending poll job", err)
	}
	return true, nil
}

// ListPollJobs returns every outstanding job in id order. Startup re-hands
// leftovers to the workers for at-least-once delivery.
func ListPollJobs(ctx context.Context, q DBTX) ([]*types.PollJob, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, channel_id, correlation_id, created_at FROM poll_jobs ORDER BY id`)
	if err != nil {
		return nil, wrap("list poll jobs", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*types.PollJob
	for rows.Next() {
		var j types.PollJob
		var createdAt string
		if err := rows.Scan(&j.ID, &j.ChannelID, &j.CorrelationID, &createdAt); err != nil {
			return nil, wrap("list poll jobs", err)
		}
		if j.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("list poll jobs: created_at: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, wrap("list poll jobs", rows.Err())
}

// DeletePollJob removes a completed job. Deleting an already-removed job is
// a no-op success, since a worker may finish a job the scheduler re-handed.
func DeletePollJob(ctx context.Context, q DBTX, id int64) error {
	_, err := q.ExecContext(ctx, `DELETE FROM poll_jobs WHERE id = ?`, id)
	return wrap("delete poll job", err)
}
