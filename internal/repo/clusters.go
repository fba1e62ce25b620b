package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tgfeed/tca/internal/types"
)

// CreateCluster inserts an empty cluster under the given key and fills the
// row id.
func CreateCluster(ctx context.Context, q DBTX, clusterKey string) (*types.Cluster, error) {
	if clusterKey == "" {
		return nil, fmt.Errorf("create cluster: cluster_key is required")
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO clusters (cluster_key) VALUES (?)`, clusterKey)
	if err != nil {
		return nil, wrap("create cluster", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, wrap("create cluster", err)
	}
	return &types.Cluster{ID: id, ClusterKey: clusterKey}, nil
}

const clusterColumns = `id, cluster_key, representative_item_id, created_at`

func scanCluster(row interface{ Scan(...any) error }) (*types.Cluster, error) {
	var c types.Cluster
	var rep sql.NullInt64
	var createdAt string
	err := row.Scan(&c.ID, &c.ClusterKey, &rep, &createdAt)
	if err != nil {
		return nil, err
	}
	if rep.Valid {
		v := rep.Int64
		c.RepresentativeItemID = &v
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	return &c, nil
}

// GetCluster fetches one cluster by id.
func GetCluster(ctx context.Context, q DBTX, id int64) (*types.Cluster, error) {
	c, err := scanCluster(q.QueryRowContext(ctx,
		`SELECT `+clusterColumns+` FROM clusters WHERE id = ?`, id))
	if err != nil {
		return nil, wrap("get cluster", err)
	}
	return c, nil
}

// AddClusterMember records an item's membership. Re-adding the same pair is
// a no-op; an item already in a different cluster is an integrity error.
func AddClusterMember(ctx context.Context, q DBTX, clusterID, itemID int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cluster_members (cluster_id, item_id) VALUES (?, ?)
		ON CONFLICT (cluster_id, item_id) DO NOTHING`,
		clusterID, itemID)
	return wrap("add cluster member", err)
}

// RemoveClusterMember detaches an item from a cluster. Missing membership
// is a no-op success.
func RemoveClusterMember(ctx context.Context, q DBTX, clusterID, itemID int64) error {
	_, err := q.ExecContext(ctx,
		`DELETE FROM cluster_members WHERE cluster_id = ? AND item_id = ?`,
		clusterID, itemID)
	return wrap("remove cluster member", err)
}

// GetClusterOfItem returns the cluster an item belongs to, or ErrNotFound
// when unclustered.
func GetClusterOfItem(ctx context.Context, q DBTX, itemID int64) (*types.Cluster, error) {
	c, err := scanCluster(q.QueryRowContext(ctx, `
		SELECT c.id, c.cluster_key, c.representative_item_id, c.created_at
		FROM clusters c
		JOIN cluster_members m ON m.cluster_id = c.id
		WHERE m.item_id = ?`, itemID))
	if err != nil {
		return nil, wrap("get cluster of item", err)
	}
	return c, nil
}

// ListClusterMembers returns a cluster's items in id order.
func ListClusterMembers(ctx context.Context, q DBTX, clusterID int64) ([]*types.Item, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+prefixItemColumns("i")+`
		FROM items i
		JOIN cluster_members m ON m.item_id = i.id
		WHERE m.cluster_id = ?
		ORDER BY i.id`, clusterID)
	if err != nil {
		return nil, wrap("list cluster members", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*types.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, wrap("list cluster members", err)
		}
		items = append(items, it)
	}
	return items, wrap("list cluster members", rows.Err())
}

// MoveClusterMembers reassigns every member of fromID to toID. Items can
// belong to only one cluster, so no collision is possible.
func MoveClusterMembers(ctx context.Context, q DBTX, fromID, toID int64) (int64, error) {
	res, err := q.ExecContext(ctx,
		`UPDATE cluster_members SET cluster_id = ? WHERE cluster_id = ?`, toID, fromID)
	if err != nil {
		return 0, wrap("move cluster members", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("move cluster members", err)
}

// DeleteCluster removes a cluster row. Member rows cascade.
func DeleteCluster(ctx context.Context, q DBTX, id int64) error {
	res, err := q.ExecContext(ctx, `DELETE FROM clusters WHERE id = ?`, id)
	if err != nil {
		return wrap("delete cluster", err)
	}
	return requireRow(res, "delete cluster")
}

// SetClusterRepresentative points the cluster at its representative item.
// Nil clears it, which is legitimate only for a cluster about to empty.
func SetClusterRepresentative(ctx context.Context, q DBTX, clusterID int64, itemID *int64) error {
	var v any
	if itemID != nil {
		v = *itemID
	}
	res, err := q.ExecContext(ctx,
		`UPDATE clusters SET representative_item_id = ? WHERE id = ?`, v, clusterID)
	if err != nil {
		return wrap("set cluster representative", err)
	}
	return requireRow(res, "set cluster representative")
}

// ClustersOfItems returns the distinct cluster ids holding any of the given
// items. The retention prune collects impact sets with it before deleting.
func ClustersOfItems(ctx context.Context, q DBTX, itemIDs []int64) ([]int64, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(itemIDs))
	args := make([]any, len(itemIDs))
	for i, id := range itemIDs {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx,
		`SELECT DISTINCT cluster_id FROM cluster_members WHERE item_id IN (`+
			placeholders[:len(placeholders)-1]+`) ORDER BY cluster_id`, args...)
	if err != nil {
		return nil, wrap("clusters of items", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("clusters of items", err)
		}
		ids = append(ids, id)
	}
	return ids, wrap("clusters of items", rows.Err())
}

// CountClusterMembers returns a cluster's current membership size.
func CountClusterMembers(ctx context.Context, q DBTX, clusterID int64) (int64, error) {
	var n int64
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cluster_members WHERE cluster_id = ?`, clusterID).Scan(&n)
	return n, wrap("count cluster members", err)
}

// DeleteOrphanClusterMembers removes member rows whose item or cluster no
// longer resolves. FK cascades normally prevent these; the sweep covers
// stores predating the constraints.
func DeleteOrphanClusterMembers(ctx context.Context, q DBTX, limit int) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM cluster_members WHERE rowid IN (
			SELECT m.rowid FROM cluster_members m
			LEFT JOIN items i ON i.id = m.item_id
			LEFT JOIN clusters c ON c.id = m.cluster_id
			WHERE i.id IS NULL OR c.id IS NULL
			LIMIT ?
		)`, limit)
	if err != nil {
		return 0, wrap("delete orphan cluster members", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("delete orphan cluster members", err)
}
