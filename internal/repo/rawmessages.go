package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/tgfeed/tca/internal/types"
)

// UpsertRawMessage stores one fetched payload keyed by (channel_id,
// tg_message_id) and fills the row id. Refetching a message replaces the
// payload in place so edits are captured.
func UpsertRawMessage(ctx context.Context, q DBTX, m *types.RawMessage) error {
	if m.ChannelID <= 0 || m.TGMessageID == 0 {
		return fmt.Errorf("upsert raw message: channel_id and tg_message_id are required")
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO raw_messages (channel_id, tg_message_id, payload)
		VALUES (?, ?, ?)
		ON CONFLICT (channel_id, tg_message_id) DO UPDATE SET payload = excluded.payload`,
		m.ChannelID, m.TGMessageID, m.Payload)
	if err != nil {
		return wrap("upsert raw message", err)
	}
	err = q.QueryRowContext(ctx,
		`SELECT id FROM raw_messages WHERE channel_id = ? AND tg_message_id = ?`,
		m.ChannelID, m.TGMessageID).Scan(&m.ID)
	return wrap("upsert raw message", err)
}

// GetRawMessage fetches one raw payload by id.
func GetRawMessage(ctx context.Context, q DBTX, id int64) (*types.RawMessage, error) {
	var m types.RawMessage
	var createdAt string
	err := q.QueryRowContext(ctx,
		`SELECT id, channel_id, tg_message_id, payload, created_at FROM raw_messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ChannelID, &m.TGMessageID, &m.Payload, &createdAt)
	if err != nil {
		return nil, wrap("get raw message", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("get raw message: created_at: %w", err)
	}
	return &m, nil
}

// DeleteRawMessagesBefore removes up to limit raw messages created before
// cutoff and reports how many went. The retention prune calls it in batches.
func DeleteRawMessagesBefore(ctx context.Context, q DBTX, cutoff time.Time, limit int) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM raw_messages WHERE id IN (
			SELECT id FROM raw_messages WHERE created_at < ? ORDER BY id LIMIT ?
		)`, fmtTime(cutoff), limit)
	if err != nil {
		return 0, wrap("delete raw messages before", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("delete raw messages before", err)
}
