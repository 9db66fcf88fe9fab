package sqlite

type migration struct {
	version int
	sql     string
}

// migrations must stay ordered with sequential versions starting at 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	provider            TEXT NOT NULL,
	provider_thread_id  TEXT NOT NULL,
	retriever_thread_id TEXT NOT NULL DEFAULT '',
	subject_last        TEXT NOT NULL DEFAULT '',
	deleted_at          INTEGER,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	UNIQUE (provider, provider_thread_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id            INTEGER NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	provider             TEXT NOT NULL,
	provider_message_id  TEXT NOT NULL,
	provider_thread_id   TEXT NOT NULL DEFAULT '',
	retriever_message_id TEXT NOT NULL DEFAULT '',
	retriever_thread_id  TEXT NOT NULL DEFAULT '',
	direction            TEXT NOT NULL,
	status               TEXT NOT NULL,
	from_name            TEXT NOT NULL DEFAULT '',
	from_email           TEXT NOT NULL DEFAULT '',
	to_json              TEXT NOT NULL DEFAULT '[]',
	cc_json              TEXT NOT NULL DEFAULT '[]',
	bcc_json             TEXT NOT NULL DEFAULT '[]',
	subject              TEXT NOT NULL DEFAULT '',
	snippet              TEXT NOT NULL DEFAULT '',
	body_text            TEXT NOT NULL DEFAULT '',
	body_html            TEXT NOT NULL DEFAULT '',
	received_at          INTEGER NOT NULL,
	imported_at          INTEGER NOT NULL,
	tags_json            TEXT NOT NULL DEFAULT '[]',
	internet_message_id  TEXT NOT NULL DEFAULT '',
	references_json      TEXT NOT NULL DEFAULT '[]',
	UNIQUE (provider, provider_message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_internet_id ON messages(internet_message_id);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_provider_received ON messages(provider, direction, received_at);

CREATE TABLE IF NOT EXISTS drafts (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drafts_message ON drafts(message_id);

CREATE TABLE IF NOT EXISTS push_state (
	provider             TEXT PRIMARY KEY,
	cursor               TEXT NOT NULL DEFAULT '',
	watch_expires_at     INTEGER,
	last_push_at         INTEGER,
	last_poll_at         INTEGER,
	last_success_at      INTEGER,
	health               TEXT NOT NULL DEFAULT 'healthy',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT '',
	last_error_kind      TEXT NOT NULL DEFAULT '',
	updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	subject         TEXT NOT NULL,
	payload         BLOB NOT NULL,
	msg_id          TEXT NOT NULL UNIQUE,
	created_at      INTEGER NOT NULL,
	published_at    INTEGER,
	retries         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(published_at, next_attempt_at);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS reply_claims (
	message_id INTEGER PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
	owner      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`,
	},
}
