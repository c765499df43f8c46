// Package postgres implements [memory.Store] on top of PostgreSQL + pgvector.
//
// A single [pgxpool.Pool] backs every table. The
// pgvector extension is required for the conversation_history.embedding
// column; [Migrate] installs it automatically.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCore = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id    TEXT        PRIMARY KEY,
    user_name     TEXT        NOT NULL,
    started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_activity TIMESTAMPTZ NOT NULL DEFAULT now(),
    message_count INTEGER     NOT NULL DEFAULT 0,
    state         TEXT        NOT NULL DEFAULT 'active'
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_state ON sessions (user_name, state);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sessions (user_name) WHERE state = 'active';

CREATE TABLE IF NOT EXISTS email_user_mapping (
    email_address TEXT PRIMARY KEY,
    user_name     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_config (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schedule_events (
    id                     BIGSERIAL   PRIMARY KEY,
    user_name              TEXT        NOT NULL,
    title                  TEXT        NOT NULL,
    event_date             DATE        NOT NULL,
    event_time             TIME        NULL,
    description            TEXT        NOT NULL DEFAULT '',
    importance             INTEGER     NOT NULL DEFAULT 5,
    active                 BOOLEAN     NOT NULL DEFAULT true,
    reminder_enabled       BOOLEAN     NOT NULL DEFAULT false,
    reminder_lead_minutes  INTEGER     NOT NULL DEFAULT 30,
    recipient_email        TEXT        NOT NULL DEFAULT '',
    reminder_sent          BOOLEAN     NOT NULL DEFAULT false,
    reminder_sent_at       TIMESTAMPTZ NULL,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_schedule_user_active ON schedule_events (user_name, active);
CREATE INDEX IF NOT EXISTS idx_schedule_date ON schedule_events (event_date);
CREATE INDEX IF NOT EXISTS idx_schedule_dedup ON schedule_events (user_name, title, event_date) WHERE active;
CREATE INDEX IF NOT EXISTS idx_schedule_reminders
    ON schedule_events (event_date) WHERE active AND reminder_enabled AND NOT reminder_sent;
CREATE INDEX IF NOT EXISTS idx_schedule_title_fts
    ON schedule_events USING GIN (to_tsvector('english', title));

CREATE TABLE IF NOT EXISTS persistent_memories (
    id                BIGSERIAL   PRIMARY KEY,
    user_name         TEXT        NOT NULL,
    category          TEXT        NOT NULL,
    content           TEXT        NOT NULL,
    importance        INTEGER     NOT NULL DEFAULT 5,
    tags              TEXT[]      NOT NULL DEFAULT '{}',
    event_date        DATE        NULL,
    event_time        TIME        NULL,
    extracted_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    source_session_id TEXT        NOT NULL DEFAULT '',
    active            BOOLEAN     NOT NULL DEFAULT true
);

CREATE INDEX IF NOT EXISTS idx_memories_user_cat ON persistent_memories (user_name, category, active);
CREATE INDEX IF NOT EXISTS idx_memories_user_event ON persistent_memories (user_name, category, event_date, event_time) WHERE active;

CREATE TABLE IF NOT EXISTS email_threads (
    id                 BIGSERIAL   PRIMARY KEY,
    subject            TEXT        NOT NULL,
    normalized_subject TEXT        NOT NULL,
    user_email         TEXT        NOT NULL,
    mapped_user        TEXT        NOT NULL DEFAULT '',
    first_message_id   TEXT        NOT NULL DEFAULT '',
    last_message_id    TEXT        NOT NULL DEFAULT '',
    message_count      INTEGER     NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (normalized_subject, user_email)
);

CREATE TABLE IF NOT EXISTS thread_messages (
    id            BIGSERIAL   PRIMARY KEY,
    thread_id     BIGINT      NOT NULL REFERENCES email_threads (id) ON DELETE CASCADE,
    email_log_id  BIGINT      NOT NULL DEFAULT 0,
    role          TEXT        NOT NULL,
    message_content TEXT      NOT NULL,
    timestamp     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_thread_messages_thread ON thread_messages (thread_id, timestamp);

CREATE TABLE IF NOT EXISTS email_actions (
    id            BIGSERIAL   PRIMARY KEY,
    thread_id     BIGINT      NOT NULL DEFAULT 0,
    email_log_id  BIGINT      NOT NULL DEFAULT 0,
    action_type   TEXT        NOT NULL,
    action        TEXT        NOT NULL,
    intent        TEXT        NOT NULL DEFAULT '',
    status        TEXT        NOT NULL,
    details       JSONB       NOT NULL DEFAULT '{}',
    error_message TEXT        NOT NULL DEFAULT '',
    executed_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_email_actions_log ON email_actions (email_log_id);

CREATE TABLE IF NOT EXISTS email_logs (
    id                   BIGSERIAL   PRIMARY KEY,
    direction            TEXT        NOT NULL,
    email_type           TEXT        NOT NULL,
    "from"               TEXT        NOT NULL DEFAULT '',
    "to"                 TEXT        NOT NULL DEFAULT '',
    subject              TEXT        NOT NULL DEFAULT '',
    body_preview         TEXT        NOT NULL DEFAULT '',
    full_body            TEXT        NOT NULL DEFAULT '',
    status               TEXT        NOT NULL,
    error_message        TEXT        NOT NULL DEFAULT '',
    mapped_user          TEXT        NOT NULL DEFAULT '',
    thread_id            BIGINT      NOT NULL DEFAULT 0,
    attachments_count    INTEGER     NOT NULL DEFAULT 0,
    attachments_metadata JSONB       NOT NULL DEFAULT '[]',
    timestamp            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_email_logs_thread ON email_logs (thread_id);

CREATE TABLE IF NOT EXISTS memory_consolidation_log (
    id                     BIGSERIAL   PRIMARY KEY,
    user_name              TEXT        NOT NULL,
    messages_consolidated  INTEGER     NOT NULL,
    summaries_created      INTEGER     NOT NULL,
    tokens_saved_estimate  INTEGER     NOT NULL DEFAULT 0,
    created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// ddlConversation returns the conversation_history DDL with the embedding
// column dimension baked in at migration time, since a vector column's width
// is fixed at creation.
func ddlConversation(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS conversation_history (
    id                      BIGSERIAL   PRIMARY KEY,
    user_name               TEXT        NOT NULL,
    channel_session          TEXT        NOT NULL DEFAULT '',
    logical_session_id       TEXT        NOT NULL,
    modality                TEXT        NOT NULL,
    role                    TEXT        NOT NULL,
    message                 TEXT        NOT NULL,
    embedding               vector(%d),
    timestamp               TIMESTAMPTZ NOT NULL DEFAULT now(),
    topic_state             TEXT        NOT NULL DEFAULT '',
    topic_summary           TEXT        NOT NULL DEFAULT '',
    consolidated_at         TIMESTAMPTZ NULL,
    consolidated_summary_id BIGINT      NULL
);

CREATE INDEX IF NOT EXISTS idx_conv_session ON conversation_history (logical_session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_conv_user ON conversation_history (user_name, timestamp);
CREATE INDEX IF NOT EXISTS idx_conv_embedding ON conversation_history USING hnsw (embedding vector_cosine_ops);
CREATE INDEX IF NOT EXISTS idx_conv_fts ON conversation_history USING GIN (to_tsvector('english', message));
`, embeddingDimensions)
}

// Migrate creates or ensures all required tables, indexes, and the pgvector
// extension exist. Idempotent; safe to call on every process start.
//
// embeddingDimensions must match the configured embedding model's output
// width (e.g. 768 for nomic-embed-text).
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	statements := []string{
		ddlCore,
		ddlConversation(embeddingDimensions),
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
