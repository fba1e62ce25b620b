package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

// CreateChannel inserts a channel and its initial state row. A duplicate
// tg_channel_id maps to ErrConflict.
func CreateChannel(ctx context.Context, q DBTX, c *types.Channel) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	var accessHash any
	if c.AccessHash != nil {
		accessHash = *c.AccessHash
	}
	enabled := 0
	if c.IsEnabled {
		enabled = 1
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO channels (account_id, tg_channel_id, access_hash, name, username, is_enabled)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.AccountID, c.TGChannelID, accessHash, c.Name, c.Username, enabled)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("create channel: tg_channel_id %d: %w", c.TGChannelID, storage.ErrConflict)
		}
		return wrap("create channel", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrap("create channel", err)
	}
	c.ID = id
	if _, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO channel_state (channel_id) VALUES (?)`, id); err != nil {
		return wrap("create channel state", err)
	}
	return nil
}

const channelColumns = `id, account_id, tg_channel_id, access_hash, name, username, is_enabled, created_at`

func scanChannel(row interface{ Scan(...any) error }) (*types.Channel, error) {
	var c types.Channel
	var accessHash sql.NullInt64
	var enabled int
	var createdAt string
	err := row.Scan(&c.ID, &c.AccountID, &c.TGChannelID, &accessHash,
		&c.Name, &c.Username, &enabled, &createdAt)
	if err != nil {
		return nil, err
	}
	if accessHash.Valid {
		v := accessHash.Int64
		c.AccessHash = &v
	}
	c.IsEnabled = enabled != 0
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	return &c, nil
}

// GetChannel fetches one channel by id.
func GetChannel(ctx context.Context, q DBTX, id int64) (*types.Channel, error) {
	c, err := scanChannel(q.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE id = ?`, id))
	if err != nil {
		return nil, wrap("get channel", err)
	}
	return c, nil
}

// GetChannelByTGID fetches one channel by its upstream id.
func GetChannelByTGID(ctx context.Context, q DBTX, tgChannelID int64) (*types.Channel, error) {
	c, err := scanChannel(q.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE tg_channel_id = ?`, tgChannelID))
	if err != nil {
		return nil, wrap("get channel by tg id", err)
	}
	return c, nil
}

// ListChannels returns channels in id order.
func ListChannels(ctx context.Context, q DBTX, page Page) ([]*types.Channel, error) {
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return queryChannels(ctx, q, "list channels",
		`SELECT `+channelColumns+` FROM channels ORDER BY id LIMIT ? OFFSET ?`,
		page.limit(), page.offset())
}

// ListChannelsByAccount returns one account's channels in id order.
func ListChannelsByAccount(ctx context.Context, q DBTX, accountID int64, page Page) ([]*types.Channel, error) {
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list channels by account: %w", err)
	}
	return queryChannels(ctx, q, "list channels by account",
		`SELECT `+channelColumns+` FROM channels WHERE account_id = ? ORDER BY id LIMIT ? OFFSET ?`,
		accountID, page.limit(), page.offset())
}

// ListSchedulableChannels returns every enabled channel whose owning
// account is not paused, in id order. The scheduler's tick starts here;
// per-channel pause windows are checked against channel_state afterwards.
func ListSchedulableChannels(ctx context.Context, q DBTX) ([]*types.Channel, error) {
	return queryChannels(ctx, q, "list schedulable channels", `
		SELECT c.id, c.account_id, c.tg_channel_id, c.access_hash, c.name, c.username, c.is_enabled, c.created_at
		FROM channels c
		JOIN accounts a ON a.id = c.account_id
		WHERE c.is_enabled = 1 AND a.paused_at IS NULL
		ORDER BY c.id`)
}

func queryChannels(ctx context.Context, q DBTX, op, query string, args ...any) ([]*types.Channel, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer func() { _ = rows.Close() }()

	var channels []*types.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		channels = append(channels, c)
	}
	return channels, wrap(op, rows.Err())
}

// SetChannelEnabled flips the polling switch.
func SetChannelEnabled(ctx context.Context, q DBTX, id int64, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	res, err := q.ExecContext(ctx,
		`UPDATE channels SET is_enabled = ? WHERE id = ?`, v, id)
	if err != nil {
		return wrap("set channel enabled", err)
	}
	return requireRow(res, "set channel enabled")
}

// UpdateChannelInfo refreshes the resolved upstream identity fields.
func UpdateChannelInfo(ctx context.Context, q DBTX, id int64, name, username string, accessHash *int64) error {
	var hash any
	if accessHash != nil {
		hash = *accessHash
	}
	res, err := q.ExecContext(ctx,
		`UPDATE channels SET name = ?, username = ?, access_hash = ? WHERE id = ?`,
		name, username, hash, id)
	if err != nil {
		return wrap("update channel info", err)
	}
	return requireRow(res, "update channel info")
}
