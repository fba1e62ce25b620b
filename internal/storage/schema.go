package storage

// schema creates all tables and indexes. Statements are idempotent so the
// block can run on every open; settings seeding happens separately through
// the writer (defaults live in code, not here).
//
// dedupe_decisions deliberately carries no foreign keys: it is an
// append-only audit trail that must outlive its subjects until the
// retention prune's orphan sweep removes rows whose references no longer
// resolve.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    api_id INTEGER NOT NULL,
    api_hash_enc BLOB NOT NULL,
    session_enc BLOB,
    key_version INTEGER NOT NULL DEFAULT 1,
    paused_at TEXT,
    pause_reason TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS channels (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id),
    tg_channel_id INTEGER NOT NULL UNIQUE,
    access_hash INTEGER,
    name TEXT NOT NULL,
    username TEXT NOT NULL DEFAULT '',
    is_enabled INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_channels_account ON channels(account_id);

CREATE TABLE IF NOT EXISTS channel_state (
    channel_id INTEGER PRIMARY KEY REFERENCES channels(id) ON DELETE CASCADE,
    cursor TEXT NOT NULL DEFAULT '{"last_message_id":null,"next_offset_id":null,"last_polled_at":null}',
    paused_until TEXT,
    last_success_at TEXT,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS groups (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    dedupe_horizon_minutes INTEGER,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS channel_groups (
    channel_id INTEGER PRIMARY KEY REFERENCES channels(id) ON DELETE CASCADE,
    group_id INTEGER NOT NULL REFERENCES groups(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_channel_groups_group ON channel_groups(group_id);

CREATE TABLE IF NOT EXISTS raw_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
    tg_message_id INTEGER NOT NULL,
    payload TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    UNIQUE(channel_id, tg_message_id)
);
CREATE INDEX IF NOT EXISTS idx_raw_messages_created ON raw_messages(created_at);

CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
    tg_message_id INTEGER NOT NULL,
    raw_message_id INTEGER REFERENCES raw_messages(id) ON DELETE SET NULL,
    published_at TEXT,
    title TEXT NOT NULL DEFAULT '',
    body TEXT NOT NULL DEFAULT '',
    canonical_url TEXT NOT NULL DEFAULT '',
    canonical_url_hash TEXT NOT NULL DEFAULT '',
    canonical_url_domain TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL DEFAULT '',
    dedupe_state TEXT NOT NULL DEFAULT 'pending'
        CHECK (dedupe_state IN ('pending', 'deduped', 'failed')),
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    UNIQUE(channel_id, tg_message_id)
);
CREATE INDEX IF NOT EXISTS idx_items_url_hash ON items(canonical_url_hash) WHERE canonical_url_hash != '';
CREATE INDEX IF NOT EXISTS idx_items_domain ON items(canonical_url_domain) WHERE canonical_url_domain != '';
CREATE INDEX IF NOT EXISTS idx_items_created ON items(created_at);
CREATE INDEX IF NOT EXISTS idx_items_state ON items(dedupe_state);

CREATE TABLE IF NOT EXISTS item_title_tokens (
    item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    token TEXT NOT NULL,
    PRIMARY KEY (item_id, token)
);
CREATE INDEX IF NOT EXISTS idx_title_tokens_token ON item_title_tokens(token);

CREATE TABLE IF NOT EXISTS clusters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cluster_key TEXT NOT NULL UNIQUE,
    representative_item_id INTEGER REFERENCES items(id) ON DELETE SET NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS cluster_members (
    cluster_id INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
    item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    PRIMARY KEY (cluster_id, item_id),
    UNIQUE(item_id)
);

CREATE TABLE IF NOT EXISTS dedupe_decisions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id INTEGER NOT NULL,
    cluster_id INTEGER,
    candidate_item_id INTEGER,
    strategy_name TEXT NOT NULL,
    outcome TEXT NOT NULL CHECK (outcome IN ('duplicate', 'distinct', 'abstain')),
    reason_code TEXT NOT NULL DEFAULT '',
    score REAL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_decisions_item ON dedupe_decisions(item_id);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS notifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    type TEXT NOT NULL,
    severity TEXT NOT NULL CHECK (severity IN ('low', 'medium', 'high')),
    message TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    is_acknowledged INTEGER NOT NULL DEFAULT 0,
    acknowledged_at TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_notifications_unacked ON notifications(is_acknowledged, created_at);

CREATE TABLE IF NOT EXISTS ingest_errors (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id INTEGER,
    stage TEXT NOT NULL CHECK (stage IN ('fetch', 'normalize', 'dedupe', 'auth')),
    error_code TEXT NOT NULL,
    error_message TEXT NOT NULL,
    payload_ref TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_ingest_errors_created ON ingest_errors(created_at);

CREATE TABLE IF NOT EXISTS poll_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
    correlation_id TEXT NOT NULL UNIQUE,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
CREATE INDEX IF NOT EXISTS idx_poll_jobs_channel ON poll_jobs(channel_id);

CREATE TABLE IF NOT EXISTS auth_sessions (
    session_id TEXT PRIMARY KEY,
    phone_number TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('code_sent', 'password_needed', 'authorized', 'failed')),
    code_hash TEXT NOT NULL DEFAULT '',
    expires_at TEXT NOT NULL,
    upstream_session_enc BLOB,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS key_rotation_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    target_key_version INTEGER NOT NULL,
    last_rotated_account_id INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    completed_at TEXT
);
`
