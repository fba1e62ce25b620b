package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one idempotent upgrade step for stores created by earlier
// releases. The base schema always reflects the current shape; migrations
// exist so an old file opened by a new binary converges on it.
type migration struct {
	name string
	run  func(ctx context.Context, db *sql.DB) error
}

var migrationList = []migration{
	{"items canonical_url_domain column", migrateItemDomainColumn},
	{"item_title_tokens table", migrateTitleTokensTable},
	{"cluster_members item uniqueness", migrateMemberItemUnique},
}

// runMigrations applies every migration in order. Each step is idempotent
// so a partially migrated store converges on re-run.
func runMigrations(ctx context.Context, db *sql.DB) error {
	for _, m := range migrationList {
		if err := m.run(ctx, db); err != nil {
			return fmt.Errorf("migration %q: %w", m.name, err)
		}
	}
	return nil
}

// tableHasColumn probes PRAGMA table_info for a column. Rows must be fully
// drained and closed before any Exec: the write engine holds one connection.
func tableHasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	found := false
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt *string
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scan column info: %w", err)
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("read column info: %w", err)
	}
	return found, nil
}

// migrateItemDomainColumn backfills the canonical_url_domain blocking-key
// column on stores that predate domain-based candidate reduction.
func migrateItemDomainColumn(ctx context.Context, db *sql.DB) error {
	has, err := tableHasColumn(ctx, db, "items", "canonical_url_domain")
	if err != nil {
		return err
	}
	if !has {
		if _, err := db.ExecContext(ctx,
			`ALTER TABLE items ADD COLUMN canonical_url_domain TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add canonical_url_domain: %w", err)
		}
	}
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_items_domain ON items(canonical_url_domain) WHERE canonical_url_domain != ''`)
	if err != nil {
		return fmt.Errorf("create domain index: %w", err)
	}
	return nil
}

// migrateTitleTokensTable creates the rare-token blocking index table on
// stores that predate token-based candidate reduction.
func migrateTitleTokensTable(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS item_title_tokens (
		    item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
		    token TEXT NOT NULL,
		    PRIMARY KEY (item_id, token)
		)`); err != nil {
		return fmt.Errorf("create item_title_tokens: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_title_tokens_token ON item_title_tokens(token)`); err != nil {
		return fmt.Errorf("create token index: %w", err)
	}
	return nil
}

// migrateMemberItemUnique enforces one-cluster-per-item on stores created
// before the UNIQUE(item_id) constraint was part of the base schema.
func migrateMemberItemUnique(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cluster_members_item ON cluster_members(item_id)`)
	if err != nil {
		return fmt.Errorf("create member item index: %w", err)
	}
	return nil
}
