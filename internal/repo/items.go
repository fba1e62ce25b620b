package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tgfeed/tca/internal/types"
)

// UpsertItem stores a normalized item keyed by (channel_id, tg_message_id)
// and fills the row id. Returns true when the row was created. On update
// the raw linkage follows the new raw message and a changed content hash
// sends the item back through dedupe; an unchanged hash keeps its state.
func UpsertItem(ctx context.Context, q DBTX, it *types.Item) (bool, error) {
	if it.ChannelID <= 0 || it.TGMessageID == 0 {
		return false, fmt.Errorf("upsert item: channel_id and tg_message_id are required")
	}

	var existingID int64
	err := q.QueryRowContext(ctx,
		`SELECT id FROM items WHERE channel_id = ? AND tg_message_id = ?`,
		it.ChannelID, it.TGMessageID).Scan(&existingID)
	created := err == sql.ErrNoRows
	if err != nil && !created {
		return false, wrap("upsert item", err)
	}

	var rawID any
	if it.RawMessageID != nil {
		rawID = *it.RawMessageID
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO items (channel_id, tg_message_id, raw_message_id, published_at,
		                   title, body, canonical_url, canonical_url_hash,
		                   canonical_url_domain, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (channel_id, tg_message_id) DO UPDATE SET
			raw_message_id = excluded.raw_message_id,
			published_at = excluded.published_at,
			title = excluded.title,
			body = excluded.body,
			canonical_url = excluded.canonical_url,
			canonical_url_hash = excluded.canonical_url_hash,
			canonical_url_domain = excluded.canonical_url_domain,
			dedupe_state = CASE
				WHEN items.content_hash != excluded.content_hash THEN 'pending'
				ELSE items.dedupe_state
			END,
			content_hash = excluded.content_hash`,
		it.ChannelID, it.TGMessageID, rawID, fmtTimePtr(it.PublishedAt),
		it.Title, it.Body, it.CanonicalURL, it.CanonicalURLHash,
		it.CanonicalDomain, it.ContentHash)
	if err != nil {
		return false, wrap("upsert item", err)
	}

	row := q.QueryRowContext(ctx, `
		SELECT id, dedupe_state FROM items WHERE channel_id = ? AND tg_message_id = ?`,
		it.ChannelID, it.TGMessageID)
	var state string
	if err := row.Scan(&it.ID, &state); err != nil {
		return false, wrap("upsert item", err)
	}
	it.DedupeState = types.DedupeState(state)
	return created, nil
}

// ReplaceTitleTokens rewrites an item's rare-token blocking index.
func ReplaceTitleTokens(ctx context.Context, q DBTX, itemID int64, tokens []string) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM item_title_tokens WHERE item_id = ?`, itemID); err != nil {
		return wrap("replace title tokens", err)
	}
	for _, token := range tokens {
		if _, err := q.ExecContext(ctx,
			`INSERT OR IGNORE INTO item_title_tokens (item_id, token) VALUES (?, ?)`,
			itemID, token); err != nil {
			return wrap("replace title tokens", err)
		}
	}
	return nil
}

const itemColumns = `id, channel_id, tg_message_id, raw_message_id, published_at,
	title, body, canonical_url, canonical_url_hash, canonical_url_domain,
	content_hash, dedupe_state, created_at`

func scanItem(row interface{ Scan(...any) error }) (*types.Item, error) {
	var it types.Item
	var rawID sql.NullInt64
	var publishedAt sql.NullString
	var state, createdAt string
	err := row.Scan(&it.ID, &it.ChannelID, &it.TGMessageID, &rawID, &publishedAt,
		&it.Title, &it.Body, &it.CanonicalURL, &it.CanonicalURLHash,
		&it.CanonicalDomain, &it.ContentHash, &state, &createdAt)
	if err != nil {
		return nil, err
	}
	if rawID.Valid {
		v := rawID.Int64
		it.RawMessageID = &v
	}
	if it.PublishedAt, err = parseTimePtr(publishedAt); err != nil {
		return nil, fmt.Errorf("published_at: %w", err)
	}
	it.DedupeState = types.DedupeState(state)
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	return &it, nil
}

// GetItem fetches one item by id.
func GetItem(ctx context.Context, q DBTX, id int64) (*types.Item, error) {
	it, err := scanItem(q.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id))
	if err != nil {
		return nil, wrap("get item", err)
	}
	return it, nil
}

// SetItemDedupeState records dedupe progress for one item.
func SetItemDedupeState(ctx context.Context, q DBTX, id int64, state types.DedupeState) error {
	if !state.IsValid() {
		return fmt.Errorf("set item dedupe state: invalid state %q", state)
	}
	res, err := q.ExecContext(ctx,
		`UPDATE items SET dedupe_state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return wrap("set item dedupe state", err)
	}
	return requireRow(res, "set item dedupe state")
}

// ListDedupeCandidates returns prior deduped items inside the horizon whose
// blocking keys overlap the given item's: same canonical URL hash, same
// canonical domain, or at least one shared rare title token. The item
// itself and anything sharing its (channel_id, tg_message_id) never appear.
// Results are id-ascending and capped at max.
func ListDedupeCandidates(ctx context.Context, q DBTX, it *types.Item, tokens []string, horizon time.Duration, now time.Time, max int) ([]*types.Item, error) {
	var conds []string
	var args []any

	if it.CanonicalURLHash != "" {
		conds = append(conds, "i.canonical_url_hash = ?")
		args = append(args, it.CanonicalURLHash)
	}
	if it.CanonicalDomain != "" {
		conds = append(conds, "i.canonical_url_domain = ?")
		args = append(args, it.CanonicalDomain)
	}
	if len(tokens) > 0 {
		placeholders := strings.Repeat("?,", len(tokens))
		conds = append(conds, fmt.Sprintf(
			"i.id IN (SELECT item_id FROM item_title_tokens WHERE token IN (%s))",
			placeholders[:len(placeholders)-1]))
		for _, tok := range tokens {
			args = append(args, tok)
		}
	}
	if len(conds) == 0 {
		return nil, nil
	}

	query := `SELECT ` + prefixItemColumns("i") + `
		FROM items i
		WHERE i.dedupe_state = 'deduped'
		  AND i.id != ?
		  AND NOT (i.channel_id = ? AND i.tg_message_id = ?)
		  AND i.created_at >= ?
		  AND (` + strings.Join(conds, " OR ") + `)
		ORDER BY i.id
		LIMIT ?`
	cutoff := now.Add(-horizon)
	full := append([]any{it.ID, it.ChannelID, it.TGMessageID, fmtTime(cutoff)}, args...)
	full = append(full, max)

	rows, err := q.QueryContext(ctx, query, full...)
	if err != nil {
		return nil, wrap("list dedupe candidates", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*types.Item
	for rows.Next() {
		c, err := scanItem(rows)
		if err != nil {
			return nil, wrap("list dedupe candidates", err)
		}
		items = append(items, c)
	}
	return items, wrap("list dedupe candidates", rows.Err())
}

// prefixItemColumns qualifies the item column list with a table alias.
func prefixItemColumns(alias string) string {
	cols := strings.Split(itemColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// ListItemIDsBefore returns up to limit item ids created before cutoff, in
// id order. The retention prune collects cluster impact per batch before
// deleting.
func ListItemIDsBefore(ctx context.Context, q DBTX, cutoff time.Time, limit int) ([]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id FROM items WHERE created_at < ? ORDER BY id LIMIT ?`,
		fmtTime(cutoff), limit)
	if err != nil {
		return nil, wrap("list item ids before", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("list item ids before", err)
		}
		ids = append(ids, id)
	}
	return ids, wrap("list item ids before", rows.Err())
}

// DeleteItemsByID removes the given items. Membership rows and title tokens
// cascade; raw linkage is unaffected in the other direction.
func DeleteItemsByID(ctx context.Context, q DBTX, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := q.ExecContext(ctx,
		`DELETE FROM items WHERE id IN (`+placeholders[:len(placeholders)-1]+`)`, args...)
	if err != nil {
		return 0, wrap("delete items", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("delete items", err)
}

// CountItemsByState returns item counts keyed by dedupe state.
func CountItemsByState(ctx context.Context, q DBTX) (map[types.DedupeState]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT dedupe_state, COUNT(*) FROM items GROUP BY dedupe_state`)
	if err != nil {
		return nil, wrap("count items by state", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[types.DedupeState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, wrap("count items by state", err)
		}
		counts[types.DedupeState(state)] = n
	}
	return counts, wrap("count items by state", rows.Err())
}
