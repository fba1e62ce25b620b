// Package tca provides a minimal public API for building on the Telegram
// channel aggregator engine.
//
// The engine ingests messages from upstream Telegram channels, normalizes
// them into items, assigns near-identical items to clusters through an
// ordered dedupe strategy chain, and maintains the merged thread that UIs
// read. All durable state lives in a single SQLite file owned by one serving
// process; every mutation is serialized through one writer queue.
//
// The moving parts live under internal/: storage (store, writer queue,
// backup), repo (typed row access), settings (dynamic JSON config), dedupe
// (strategy chain), sched (poll scheduler), ingest (pipeline), ops (prune,
// nightly backup), secrets (envelope encryption, unlock, bootstrap token),
// upstream (Telegram client contract and gotd adapter), and app (lifecycle
// container). The operator surface is the tca CLI under cmd/tca.
//
// This package exports version metadata, aliases for the read-side types,
// and OpenReader: a lock-free read-only handle that HTTP frontends and
// exporters use to serve the thread while (or after) the engine runs.
package tca

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tgfeed/tca/internal/repo"
	"github.com/tgfeed/tca/internal/types"
)

// Version is the engine version, overridden at build time via
// -ldflags "-X github.com/tgfeed/tca.Version=...".
var Version = "0.3.0-dev"

// Read-side types for collaborators.
type (
	Item         = types.Item
	Cluster      = types.Cluster
	ThreadEntry  = types.ThreadEntry
	Notification = types.Notification
	StoreStats   = repo.StoreStats
	Page         = repo.Page
)

// Notification severity constants.
const (
	SeverityLow    = types.SeverityLow
	SeverityMedium = types.SeverityMedium
	SeverityHigh   = types.SeverityHigh
)

// Reader is a read-only view of a tca store. It never takes the store
// lockfile and opens SQLite in read-only mode, so it is safe alongside a
// serving engine (WAL readers see consistent snapshots) and after one.
type Reader struct {
	db *sql.DB
}

// OpenReader opens the store file read-only. The file must already exist;
// a Reader never creates or migrates a store.
func OpenReader(ctx context.Context, path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	v := url.Values{}
	v.Set("mode", "ro")
	v.Set("_busy_timeout", "5000")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+v.Encode())
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	return &Reader{db: db}, nil
}

// Thread returns one page of the merged timeline: one entry per cluster,
// ordered by representative published_at descending (nulls last).
func (r *Reader) Thread(ctx context.Context, page Page) ([]ThreadEntry, error) {
	return repo.ListThread(ctx, r.db, page)
}

// Stats returns row counts for the major tables.
func (r *Reader) Stats(ctx context.Context) (*StoreStats, error) {
	return repo.GetStoreStats(ctx, r.db)
}

// Notifications returns one page of operator notifications, optionally
// restricted to unacknowledged ones.
func (r *Reader) Notifications(ctx context.Context, unackedOnly bool, page Page) ([]*Notification, error) {
	return repo.ListNotifications(ctx, r.db, unackedOnly, page)
}

// Close releases the read connections.
func (r *Reader) Close() error {
	return r.db.Close()
}
