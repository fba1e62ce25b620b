package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tgfeed/tca/internal/types"
)

// ListThread returns one page of the merged timeline: clusters with their
// representative item and member count, newest first. Ordering is by
// representative published_at descending with nulls last, then
// representative item id descending, then cluster id descending.
func ListThread(ctx context.Context, q DBTX, page Page) ([]types.ThreadEntry, error) {
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list thread: %w", err)
	}
	rows, err := q.QueryContext(ctx, `
		SELECT c.id, c.cluster_key, c.representative_item_id, c.created_at,
		       `+prefixItemColumns("i")+`,
		       (SELECT COUNT(*) FROM cluster_members m WHERE m.cluster_id = c.id)
		FROM clusters c
		JOIN items i ON i.id = c.representative_item_id
		ORDER BY (i.published_at IS NULL), i.published_at DESC, i.id DESC, c.id DESC
		LIMIT ? OFFSET ?`,
		page.limit(), page.offset())
	if err != nil {
		return nil, wrap("list thread", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []types.ThreadEntry
	for rows.Next() {
		var e types.ThreadEntry
		var rep sql.NullInt64
		var clusterCreated string
		var rawID sql.NullInt64
		var publishedAt sql.NullString
		var state, itemCreated string
		err := rows.Scan(
			&e.Cluster.ID, &e.Cluster.ClusterKey, &rep, &clusterCreated,
			&e.Representative.ID, &e.Representative.ChannelID,
			&e.Representative.TGMessageID, &rawID, &publishedAt,
			&e.Representative.Title, &e.Representative.Body,
			&e.Representative.CanonicalURL, &e.Representative.CanonicalURLHash,
			&e.Representative.CanonicalDomain, &e.Representative.ContentHash,
			&state, &itemCreated,
			&e.MemberCount)
		if err != nil {
			return nil, wrap("list thread", err)
		}
		if rep.Valid {
			v := rep.Int64
			e.Cluster.RepresentativeItemID = &v
		}
		if e.Cluster.CreatedAt, err = parseTime(clusterCreated); err != nil {
			return nil, fmt.Errorf("list thread: cluster created_at: %w", err)
		}
		if rawID.Valid {
			v := rawID.Int64
			e.Representative.RawMessageID = &v
		}
		if e.Representative.PublishedAt, err = parseTimePtr(publishedAt); err != nil {
			return nil, fmt.Errorf("list thread: published_at: %w", err)
		}
		e.Representative.DedupeState = types.DedupeState(state)
		if e.Representative.CreatedAt, err = parseTime(itemCreated); err != nil {
			return nil, fmt.Errorf("list thread: item created_at: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, wrap("list thread", rows.Err())
}
