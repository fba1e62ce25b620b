package repo

import (
	"context"
	"fmt"

	"github.com/tgfeed/tca/internal/storage"
	"github.com/tgfeed/tca/internal/types"
)

// GetSetting fetches one settings row. Seed fallback lives in the settings
// package; this returns ErrNotFound for absent keys.
func GetSetting(ctx context.Context, q DBTX, key string) (*types.Setting, error) {
	var s types.Setting
	var updatedAt string
	err := q.QueryRowContext(ctx,
		`SELECT key, value, updated_at FROM settings WHERE key = ?`, key).
		Scan(&s.Key, &s.Value, &updatedAt)
	if err != nil {
		return nil, wrap("get setting", err)
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("get setting: updated_at: %w", err)
	}
	return &s, nil
}

// CreateSetting inserts a settings row, refusing to overwrite. An existing
// key maps to ErrConflict. The bootstrap-token digest uses this so a digest
// can never be silently replaced.
func CreateSetting(ctx context.Context, q DBTX, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("create setting: %q: %w", key, storage.ErrConflict)
		}
		return wrap("create setting", err)
	}
	return nil
}

// UpsertSetting writes a settings row, replacing any existing value.
func UpsertSetting(ctx context.Context, q DBTX, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		key, value)
	return wrap("upsert setting", err)
}

// SeedSetting inserts a default only when the key is absent. User-edited
// rows are never touched.
func SeedSetting(ctx context.Context, q DBTX, key, value string) error {
	_, err := q.ExecContext(ctx,
		`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`, key, value)
	return wrap("seed setting", err)
}

// DeleteSetting removes a settings row. A missing key maps to ErrNotFound.
func DeleteSetting(ctx context.Context, q DBTX, key string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return wrap("delete setting", err)
	}
	return requireRow(res, "delete setting")
}

// ListSettings returns every settings row in key order.
func ListSettings(ctx context.Context, q DBTX) ([]types.Setting, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT key, value, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, wrap("list settings", err)
	}
	defer func() { _ = rows.Close() }()

	var settings []types.Setting
	for rows.Next() {
		var s types.Setting
		var updatedAt string
		if err := rows.Scan(&s.Key, &s.Value, &updatedAt); err != nil {
			return nil, wrap("list settings", err)
		}
		if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("list settings: updated_at: %w", err)
		}
		settings = append(settings, s)
	}
	return settings, wrap("list settings", rows.Err())
}
