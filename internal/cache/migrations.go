package cache

import (
	"context"
	"fmt"
)

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    email      TEXT NOT NULL,
    backend    TEXT NOT NULL,
    imap_host  TEXT NOT NULL DEFAULT '',
    smtp_host  TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS folders (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id    TEXT NOT NULL,
    server_name   TEXT NOT NULL,
    local_name    TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'custom',
    attributes    TEXT NOT NULL DEFAULT '[]',
    uid_validity  INTEGER NOT NULL DEFAULT 0,
    highest_uid   INTEGER NOT NULL DEFAULT 0,
    last_synced   DATETIME,
    message_count INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE,
    UNIQUE(account_id, server_name)
);

CREATE TABLE IF NOT EXISTS messages (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id  TEXT NOT NULL,
    folder_id   INTEGER NOT NULL,
    uid         INTEGER NOT NULL,
    message_id  TEXT NOT NULL DEFAULT '',
    subject     TEXT NOT NULL DEFAULT '',
    from_name   TEXT NOT NULL DEFAULT '',
    from_email  TEXT NOT NULL DEFAULT '',
    to_addrs    TEXT NOT NULL DEFAULT '[]',
    cc_addrs    TEXT NOT NULL DEFAULT '[]',
    date        DATETIME NOT NULL,
    flags       TEXT NOT NULL DEFAULT '[]',
    size        INTEGER NOT NULL DEFAULT 0,
    body_text   TEXT NOT NULL DEFAULT '',
    body_html   TEXT NOT NULL DEFAULT '',
    has_body    INTEGER NOT NULL DEFAULT 0,
    attachments TEXT NOT NULL DEFAULT '[]',
    deleted     INTEGER NOT NULL DEFAULT 0,
    cached_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (folder_id) REFERENCES folders(id) ON DELETE CASCADE,
    UNIQUE(folder_id, uid)
);

CREATE TABLE IF NOT EXISTS outbound_ops (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT NOT NULL UNIQUE,
    account_id   TEXT NOT NULL,
    folder_id    INTEGER NOT NULL DEFAULT 0,
    folder       TEXT NOT NULL DEFAULT '',
    uid          INTEGER NOT NULL DEFAULT 0,
    kind         TEXT NOT NULL,
    add_flags    TEXT NOT NULL DEFAULT '[]',
    remove_flags TEXT NOT NULL DEFAULT '[]',
    destination  TEXT NOT NULL DEFAULT '',
    payload      BLOB,
    attempts     INTEGER NOT NULL DEFAULT 0,
    last_error   TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tokens (
    account_id    TEXT PRIMARY KEY,
    access_token  TEXT NOT NULL,
    refresh_token TEXT NOT NULL DEFAULT '',
    token_type    TEXT NOT NULL DEFAULT '',
    expires_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS gmail_uids (
    account_id TEXT NOT NULL,
    gmail_id   TEXT NOT NULL,
    uid        INTEGER NOT NULL,
    PRIMARY KEY (account_id, gmail_id),
    UNIQUE(account_id, uid)
);

CREATE INDEX IF NOT EXISTS idx_folders_account_id ON folders(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_folder_live ON messages(folder_id, deleted, uid);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
CREATE INDEX IF NOT EXISTS idx_outbound_account ON outbound_ops(account_id, seq);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		// Gmail UIDs become per label. Old mappings are dropped; the
		// backend's UIDVALIDITY changed with them, so cached Gmail folders
		// are discarded and refetched on the next pass.
		version: 2,
		sql: `
DROP TABLE IF EXISTS gmail_uids;

CREATE TABLE gmail_uids (
    account_id TEXT NOT NULL,
    label_id   TEXT NOT NULL,
    gmail_id   TEXT NOT NULL,
    uid        INTEGER NOT NULL,
    PRIMARY KEY (account_id, label_id, gmail_id),
    UNIQUE(account_id, label_id, uid)
);

CREATE TABLE IF NOT EXISTS gmail_uid_next (
    account_id TEXT NOT NULL,
    label_id   TEXT NOT NULL,
    next_uid   INTEGER NOT NULL,
    PRIMARY KEY (account_id, label_id)
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (c *Cache) runMigrations(ctx context.Context) error {
	currentVersion := 0

	var tableCount int
	err := c.db.GetContext(ctx, &tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	}

	if tableCount > 0 {
		if err := c.db.GetContext(ctx, &currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := c.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("failed to apply migration v%d: %w", m.version, err)
		}
		c.logger.WithField("version", m.version).Debug("Applied cache migration")
	}

	return nil
}
