package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/tgfeed/tca/internal/types"
)

// InsertDecision appends one explainability record. Decision rows are never
// updated; the retention prune removes rows whose subjects are gone.
func InsertDecision(ctx context.Context, q DBTX, d *types.Decision) error {
	if d.ItemID <= 0 {
		return fmt.Errorf("insert decision: item_id is required")
	}
	if d.StrategyName == "" {
		return fmt.Errorf("insert decision: strategy_name is required")
	}
	metadata := d.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	var clusterID, candidateID, score any
	if d.ClusterID != nil {
		clusterID = *d.ClusterID
	}
	if d.CandidateItemID != nil {
		candidateID = *d.CandidateItemID
	}
	if d.Score != nil {
		score = *d.Score
	}
	res, err := q.ExecContext(ctx, `
		INSERT INTO dedupe_decisions (item_id, cluster_id, candidate_item_id,
		                              strategy_name, outcome, reason_code, score, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ItemID, clusterID, candidateID, d.StrategyName, d.Outcome,
		d.ReasonCode, score, metadata)
	if err != nil {
		return wrap("insert decision", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return wrap("insert decision", err)
	}
	d.ID = id
	return nil
}

// ListDecisionsForItem returns an item's decision trail in id order.
func ListDecisionsForItem(ctx context.Context, q DBTX, itemID int64, page Page) ([]*types.Decision, error) {
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, item_id, cluster_id, candidate_item_id, strategy_name,
		       outcome, reason_code, score, metadata, created_at
		FROM dedupe_decisions
		WHERE item_id = ?
		ORDER BY id LIMIT ? OFFSET ?`,
		itemID, page.limit(), page.offset())
	if err != nil {
		return nil, wrap("list decisions", err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []*types.Decision
	for rows.Next() {
		var d types.Decision
		var clusterID, candidateID sql.NullInt64
		var score sql.NullFloat64
		var createdAt string
		err := rows.Scan(&d.ID, &d.ItemID, &clusterID, &candidateID,
			&d.StrategyName, &d.Outcome, &d.ReasonCode, &score, &d.Metadata, &createdAt)
		if err != nil {
			return nil, wrap("list decisions", err)
		}
		if clusterID.Valid {
			v := clusterID.Int64
			d.ClusterID = &v
		}
		if candidateID.Valid {
			v := candidateID.Int64
			d.CandidateItemID = &v
		}
		if score.Valid {
			v := score.Float64
			d.Score = &v
		}
		if d.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("list decisions: created_at: %w", err)
		}
		decisions = append(decisions, &d)
	}
	return decisions, wrap("list decisions", rows.Err())
}

// DeleteOrphanDecisions removes up to limit decision rows whose item,
// candidate, or cluster reference no longer resolves. The table carries no
// foreign keys, so this sweep is the only thing keeping it bounded.
func DeleteOrphanDecisions(ctx context.Context, q DBTX, limit int) (int64, error) {
	res, err := q.ExecContext(ctx, `
		DELETE FROM dedupe_decisions WHERE id IN (
			SELECT d.id FROM dedupe_decisions d
			LEFT JOIN items i ON i.id = d.item_id
			LEFT JOIN items ci ON ci.id = d.candidate_item_id
			LEFT JOIN clusters c ON c.id = d.cluster_id
			WHERE i.id IS NULL
			   OR (d.candidate_item_id IS NOT NULL AND ci.id IS NULL)
			   OR (d.cluster_id IS NOT NULL AND c.id IS NULL)
			LIMIT ?
		)`, limit)
	if err != nil {
		return 0, wrap("delete orphan decisions", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("delete orphan decisions", err)
}
