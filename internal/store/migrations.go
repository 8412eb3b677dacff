package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version     int
	description string
	sql         string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1. The
// schema_version row is written by the migration runner, inside the same
// transaction.
var migrations = []migration{
	{
		version:     1,
		description: "base tables",
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	apple_row_id    INTEGER,
	message_id      TEXT,
	mailbox_id      TEXT NOT NULL DEFAULT '',
	mailbox_name    TEXT NOT NULL DEFAULT '',
	account_id      TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	sender_name     TEXT NOT NULL DEFAULT '',
	sender_email    TEXT NOT NULL DEFAULT '',
	date_sent       INTEGER,
	date_received   INTEGER,
	is_read         INTEGER NOT NULL DEFAULT 0,
	is_flagged      INTEGER NOT NULL DEFAULT 0,
	is_deleted      INTEGER NOT NULL DEFAULT 0,
	has_attachments INTEGER NOT NULL DEFAULT 0,
	size            INTEGER NOT NULL DEFAULT 0,
	body_text       TEXT,
	body_html       TEXT,
	export_path     TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS mailboxes (
	id           TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL DEFAULT '',
	name         TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL DEFAULT '',
	total_count  INTEGER NOT NULL DEFAULT 0,
	unread_count INTEGER NOT NULL DEFAULT 0,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS addresses (
	id    INTEGER PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS recipients (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	kind       TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	email      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS attachments (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id   TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename     TEXT NOT NULL DEFAULT '',
	content_type TEXT NOT NULL DEFAULT '',
	size         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_status (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_apple_row_id ON messages(apple_row_id);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
CREATE INDEX IF NOT EXISTS idx_messages_date_received ON messages(date_received);
CREATE INDEX IF NOT EXISTS idx_messages_mailbox_id ON messages(mailbox_id);
CREATE INDEX IF NOT EXISTS idx_recipients_message_id ON recipients(message_id);
CREATE INDEX IF NOT EXISTS idx_attachments_message_id ON attachments(message_id);
`,
	},
	{
		version:     2,
		description: "conversation threads",
		sql: `
ALTER TABLE messages ADD COLUMN thread_id TEXT;
ALTER TABLE messages ADD COLUMN in_reply_to TEXT;
ALTER TABLE messages ADD COLUMN message_references TEXT;

CREATE TABLE IF NOT EXISTS threads (
	id                TEXT PRIMARY KEY,
	subject           TEXT NOT NULL DEFAULT '',
	participant_count INTEGER NOT NULL DEFAULT 0,
	message_count     INTEGER NOT NULL DEFAULT 0,
	first_date        INTEGER,
	last_date         INTEGER,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS thread_messages (
	thread_id  TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	added_at   INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_thread_messages_thread_id
	ON thread_messages(thread_id, message_id);
CREATE INDEX IF NOT EXISTS idx_thread_messages_message_id
	ON thread_messages(message_id);
CREATE INDEX IF NOT EXISTS idx_messages_thread_id ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_threads_last_date ON threads(last_date);
CREATE INDEX IF NOT EXISTS idx_threads_subject ON threads(subject);
`,
	},
	{
		version:     3,
		description: "backward sync state",
		sql: `
ALTER TABLE messages ADD COLUMN mailbox_status TEXT NOT NULL DEFAULT 'inbox';
ALTER TABLE messages ADD COLUMN pending_sync_action TEXT NOT NULL DEFAULT 'none';
ALTER TABLE messages ADD COLUMN last_known_mailbox_id TEXT;

CREATE INDEX IF NOT EXISTS idx_messages_mailbox_status ON messages(mailbox_status);
CREATE INDEX IF NOT EXISTS idx_messages_pending_sync_action
	ON messages(pending_sync_action);
`,
	},
	{
		version:     4,
		description: "full text search",
		sql: `
CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
	subject,
	sender_name,
	sender_email,
	body_text,
	content='messages',
	content_rowid='rowid'
);

CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
	INSERT INTO messages_fts(rowid, subject, sender_name, sender_email, body_text)
	VALUES (new.rowid, new.subject, new.sender_name, new.sender_email, new.body_text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, subject, sender_name, sender_email, body_text)
	VALUES ('delete', old.rowid, old.subject, old.sender_name, old.sender_email, old.body_text);
END;

CREATE TRIGGER IF NOT EXISTS messages_fts_au
AFTER UPDATE OF subject, sender_name, sender_email, body_text ON messages BEGIN
	INSERT INTO messages_fts(messages_fts, rowid, subject, sender_name, sender_email, body_text)
	VALUES ('delete', old.rowid, old.subject, old.sender_name, old.sender_email, old.body_text);
	INSERT INTO messages_fts(rowid, subject, sender_name, sender_email, body_text)
	VALUES (new.rowid, new.subject, new.sender_name, new.sender_email, new.body_text);
END;

INSERT INTO messages_fts(messages_fts) VALUES ('rebuild');
`,
	},
	{
		version:     5,
		description: "thread positions and query indexes",
		sql: `
ALTER TABLE messages ADD COLUMN thread_position INTEGER;
ALTER TABLE messages ADD COLUMN thread_total INTEGER;

CREATE INDEX IF NOT EXISTS idx_messages_thread_position ON messages(thread_position);
CREATE INDEX IF NOT EXISTS idx_messages_sender_email ON messages(sender_email);
CREATE INDEX IF NOT EXISTS idx_recipients_email ON recipients(email);
CREATE INDEX IF NOT EXISTS idx_threads_message_count ON threads(message_count);
`,
	},
}
