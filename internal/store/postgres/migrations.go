package postgres

type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS threads (
	id                  BIGSERIAL PRIMARY KEY,
	provider            TEXT NOT NULL,
	provider_thread_id  TEXT NOT NULL,
	retriever_thread_id TEXT NOT NULL DEFAULT '',
	subject_last        TEXT NOT NULL DEFAULT '',
	deleted_at          TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	UNIQUE (provider, provider_thread_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id                   BIGSERIAL PRIMARY KEY,
	thread_id            BIGINT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	provider             TEXT NOT NULL,
	provider_message_id  TEXT NOT NULL,
	provider_thread_id   TEXT NOT NULL DEFAULT '',
	retriever_message_id TEXT NOT NULL DEFAULT '',
	retriever_thread_id  TEXT NOT NULL DEFAULT '',
	direction            TEXT NOT NULL,
	status               TEXT NOT NULL,
	from_name            TEXT NOT NULL DEFAULT '',
	from_email           TEXT NOT NULL DEFAULT '',
	to_addrs             TEXT[] NOT NULL DEFAULT '{}',
	cc_addrs             TEXT[] NOT NULL DEFAULT '{}',
	bcc_addrs            TEXT[] NOT NULL DEFAULT '{}',
	subject              TEXT NOT NULL DEFAULT '',
	snippet              TEXT NOT NULL DEFAULT '',
	body_text            TEXT NOT NULL DEFAULT '',
	body_html            TEXT NOT NULL DEFAULT '',
	received_at          TIMESTAMPTZ NOT NULL,
	imported_at          TIMESTAMPTZ NOT NULL,
	tags                 TEXT[] NOT NULL DEFAULT '{}',
	internet_message_id  TEXT NOT NULL DEFAULT '',
	references_ids       TEXT[] NOT NULL DEFAULT '{}',
	UNIQUE (provider, provider_message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_internet_id ON messages(internet_message_id);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_provider_received ON messages(provider, direction, received_at);

CREATE TABLE IF NOT EXISTS drafts (
	id         BIGSERIAL PRIMARY KEY,
	message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_drafts_message ON drafts(message_id);

CREATE TABLE IF NOT EXISTS push_state (
	provider             TEXT PRIMARY KEY,
	cursor               TEXT NOT NULL DEFAULT '',
	watch_expires_at     TIMESTAMPTZ,
	last_push_at         TIMESTAMPTZ,
	last_poll_at         TIMESTAMPTZ,
	last_success_at      TIMESTAMPTZ,
	health               TEXT NOT NULL DEFAULT 'healthy',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	last_error           TEXT NOT NULL DEFAULT '',
	last_error_kind      TEXT NOT NULL DEFAULT '',
	updated_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS outbox (
	id              BIGSERIAL PRIMARY KEY,
	subject         TEXT NOT NULL,
	payload         BYTEA NOT NULL,
	msg_id          TEXT NOT NULL UNIQUE,
	created_at      TIMESTAMPTZ NOT NULL,
	published_at    TIMESTAMPTZ,
	retries         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(published_at, next_attempt_at);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS reply_claims (
	message_id BIGINT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
	owner      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`,
	},
}
