package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

// CreateGroup inserts a named group. A duplicate name maps to ErrConflict.
func CreateGroup(ctx context.Context, q DBTX, g *types.Group) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("create group: %w", err)
	}
	var horizon any
	if g.DedupeHorizonMinutes != nil {
		horizon = *g.DedupeHorizonMinutes
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO groups (name, description, dedupe_horizon_minutes) VALUES (?, ?, ?)`,
		g.Name, g.Description, horizon)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("create group: name %q: %w", g.Name, storage.ErrConflict)
		}
		return wrap("create group", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrap("create group", err)
	}
	g.ID = id
	return nil
}

const groupColumns = `id, name, description, dedupe_horizon_minutes, created_at`

func scanGroup(row interface{ Scan(...any) error }) (*types.Group, error) {
	var g types.Group
	var horizon sql.NullInt64
	var createdAt string
	err := row.Scan(&g.ID, &g.Name, &g.Description, &horizon, &createdAt)
	if err != nil {
		return nil, err
	}
	if horizon.Valid {
		v := int(horizon.Int64)
		g.DedupeHorizonMinutes = &v
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	return &g, nil
}

// GetGroup fetches one group by id.
func GetGroup(ctx context.Context, q DBTX, id int64) (*types.Group, error) {
	g, err := scanGroup(q.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE id = ?`, id))
	if err != nil {
		return nil, wrap("get group", err)
	}
	return g, nil
}

// GetGroupByName fetches one group by its unique name.
func GetGroupByName(ctx context.Context, q DBTX, name string) (*types.Group, error) {
	g, err := scanGroup(q.QueryRowContext(ctx,
		`SELECT `+groupColumns+` FROM groups WHERE name = ?`, name))
	if err != nil {
		return nil, wrap("get group by name", err)
	}
	return g, nil
}

// ListGroups returns groups in id order.
func ListGroups(ctx context.Context, q DBTX, page Page) ([]*types.Group, error) {
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+groupColumns+` FROM groups ORDER BY id LIMIT ? OFFSET ?`,
		page.limit(), page.offset())
	if err != nil {
		return nil, wrap("list groups", err)
	}
	defer func() { _ = rows.Close() }()

	var groups []*types.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, wrap("list groups", err)
		}
		groups = append(groups, g)
	}
	return groups, wrap("list groups", rows.Err())
}

// SetGroupHorizon sets or clears a group's dedupe-horizon override.
func SetGroupHorizon(ctx context.Context, q DBTX, id int64, minutes *int) error {
	if minutes != nil && *minutes <= 0 {
		return fmt.Errorf("set group horizon: minutes must be positive (got %d)", *minutes)
	}
	var horizon any
	if minutes != nil {
		horizon = *minutes
	}
	res, err := q.ExecContext(ctx,
		`UPDATE groups SET dedupe_horizon_minutes = ? WHERE id = ?`, horizon, id)
	if err != nil {
		return wrap("set group horizon", err)
	}
	return requireRow(res, "set group horizon")
}

// AssignChannelToGroup places a channel in a group. A channel belongs to at
// most one group; assigning an already-assigned channel maps to ErrConflict.
func AssignChannelToGroup(ctx context.Context, q DBTX, channelID, groupID int64) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO channel_groups (channel_id, group_id) VALUES (?, ?)`,
		channelID, groupID)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("assign channel %d: %w", channelID, storage.ErrConflict)
		}
		return wrap("assign channel to group", err)
	}
	return nil
}

// UnassignChannel removes a channel from its group. Removing an unassigned
// channel is a no-op success.
func UnassignChannel(ctx context.Context, q DBTX, channelID int64) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM channel_groups WHERE channel_id = ?`, channelID)
	return wrap("unassign channel", err)
}

// GetChannelGroup returns the group a channel belongs to, or ErrNotFound
// when unassigned. Horizon resolution treats ErrNotFound as "no override".
func GetChannelGroup(ctx context.Context, q DBTX, channelID int64) (*types.Group, error) {
	g, err := scanGroup(q.QueryRowContext(ctx, `
		SELECT g.id, g.name, g.description, g.dedupe_horizon_minutes, g.created_at
		FROM groups g
		JOIN channel_groups cg ON cg.group_id = g.id
		WHERE cg.channel_id = ?`, channelID))
	if err != nil {
		return nil, wrap("get channel group", err)
	}
	return g, nil
}

// ListGroupChannels returns a group's channels in id order.
func ListGroupChannels(ctx context.Context, q DBTX, groupID int64, page Page) ([]*types.Channel, error) {
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list group channels: %w", err)
	}
	return queryChannels(ctx, q, "list group channels", `
		SELECT c.id, c.account_id, c.tg_channel_id, c.access_hash, c.name, c.username, c.is_enabled, c.created_at
		FROM channels c
		JOIN channel_groups cg ON cg.channel_id = c.id
		WHERE cg.group_id = ?
		ORDER BY c.id LIMIT ? OFFSET ?`,
		groupID, page.limit(), page.offset())
}
