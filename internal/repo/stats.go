package repo

import (
	"context"

	"github.com/tgfeed/tca/internal/types"
)

// StoreStats is the quick table census behind `tca stats` and `tca doctor`.
type StoreStats struct {
	Accounts       int64                       `json:"accounts"`
	Channels       int64                       `json:"channels"`
	RawMessages    int64                       `json:"raw_messages"`
	Items          int64                       `json:"items"`
	ItemsByState   map[types.DedupeState]int64 `json:"items_by_state"`
	Clusters       int64                       `json:"clusters"`
	Decisions      int64                       `json:"decisions"`
	Notifications  int64                       `json:"notifications"`
	UnackedNotices int64                       `json:"unacked_notifications"`
	IngestErrors   int64                       `json:"ingest_errors"`
	PollJobs       int64                       `json:"poll_jobs"`
}

// GetStoreStats counts the major tables in one pass over the read pool.
func GetStoreStats(ctx context.Context, q DBTX) (*StoreStats, error) {
	s := &StoreStats{}
	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT COUNT(*) FROM accounts`, &s.Accounts},
		{`SELECT COUNT(*) FROM channels`, &s.Channels},
		{`SELECT COUNT(*) FROM raw_messages`, &s.RawMessages},
		{`SELECT COUNT(*) FROM items`, &s.Items},
		{`SELECT COUNT(*) FROM clusters`, &s.Clusters},
		{`SELECT COUNT(*) FROM dedupe_decisions`, &s.Decisions},
		{`SELECT COUNT(*) FROM notifications`, &s.Notifications},
		{`SELECT COUNT(*) FROM notifications WHERE is_acknowledged = 0`, &s.UnackedNotices},
		{`SELECT COUNT(*) FROM ingest_errors`, &s.IngestErrors},
		{`SELECT COUNT(*) FROM poll_jobs`, &s.PollJobs},
	}
	for _, c := range counts {
		if err := q.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, wrap("store stats", err)
		}
	}
	byState, err := CountItemsByState(ctx, q)
	if err != nil {
		return nil, err
	}
	s.ItemsByState = byState
	return s, nil
}
