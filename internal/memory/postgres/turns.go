package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxvec "github.com/pgvector/pgvector-go"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// SaveTurn implements [memory.Store.SaveTurn].
//
// Invariant: callers must invoke SaveTurn for the user turn before
// calling it for the corresponding assistant turn on the same
// LogicalSessionID; Store does not reorder or defer writes, so sequencing the
// two calls is the caller's (the dialog orchestrator's) responsibility.
func (s *Store) SaveTurn(ctx context.Context, t memory.Turn, opts memory.SaveTurnOpts) (int64, error) {
	var embedding any
	emb := opts.Embedding
	if emb == nil {
		emb = t.Embedding
	}
	if emb != nil {
		embedding = pgxvec.NewVector(emb)
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversation_history
			(user_name, channel_session, logical_session_id, modality, role, message, embedding, timestamp, topic_state, topic_summary)
		VALUES ($1,$2,$3,$4,$5,$6,$7, COALESCE($8, now()), $9, $10)
		RETURNING id`,
		t.UserName, t.ChannelSession, t.LogicalSessionID, string(t.Modality), string(t.Role), t.Message,
		embedding, nullTime(t.Timestamp), string(t.TopicState), t.TopicSummary,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save turn: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `
		UPDATE sessions SET message_count = message_count + 1, last_activity = now()
		WHERE session_id = $1`, t.LogicalSessionID); err != nil {
		return id, fmt.Errorf("save turn: bump session count: %w", err)
	}

	return id, nil
}

// UpdateTurnEmbedding implements [memory.Store.UpdateTurnEmbedding].
func (s *Store) UpdateTurnEmbedding(ctx context.Context, turnID int64, embedding []float32) error {
	_, err := s.pool.Exec(ctx, `UPDATE conversation_history SET embedding = $2 WHERE id = $1`,
		turnID, pgxvec.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("update turn embedding: %w", err)
	}
	return nil
}

// RecentTurns implements [memory.Store.RecentTurns].
func (s *Store) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_name, channel_session, logical_session_id, modality, role, message, timestamp, topic_state, topic_summary
		FROM (
			SELECT * FROM conversation_history
			WHERE logical_session_id = $1
			ORDER BY timestamp DESC
			LIMIT $2
		) recent
		ORDER BY timestamp ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// SemanticRecall implements [memory.Store.SemanticRecall] using pgvector
// cosine distance (1 - cosine_similarity); the caller-supplied minSimilarity
// is converted accordingly.
func (s *Store) SemanticRecall(ctx context.Context, user string, queryEmbedding []float32, excludeSessionID string, limit int, minSimilarity float64) ([]memory.Turn, error) {
	if limit <= 0 {
		limit = 10
	}
	maxDistance := 1 - minSimilarity
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_name, channel_session, logical_session_id, modality, role, message, timestamp, topic_state, topic_summary
		FROM conversation_history
		WHERE user_name = $1
		  AND logical_session_id <> $2
		  AND embedding IS NOT NULL
		  AND consolidated_at IS NULL
		  AND topic_state IS DISTINCT FROM 'resolved'
		  AND (embedding <=> $3) <= $4
		ORDER BY embedding <=> $3
		LIMIT $5`,
		user, excludeSessionID, pgxvec.NewVector(queryEmbedding), maxDistance, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic recall: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// TurnsSince implements [memory.Store.TurnsSince].
func (s *Store) TurnsSince(ctx context.Context, user string, since time.Time) ([]memory.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_name, channel_session, logical_session_id, modality, role, message, timestamp, topic_state, topic_summary
		FROM conversation_history
		WHERE user_name = $1 AND timestamp >= $2
		ORDER BY timestamp ASC`, user, since)
	if err != nil {
		return nil, fmt.Errorf("turns since: %w", err)
	}
	defer rows.Close()
	return scanTurns(rows)
}

// MarkTopicResolved implements [memory.Store.MarkTopicResolved].
func (s *Store) MarkTopicResolved(ctx context.Context, user, sessionID, topicSummary string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversation_history
		SET topic_state = 'resolved', topic_summary = COALESCE(NULLIF($3, ''), topic_summary)
		WHERE user_name = $1 AND logical_session_id = $2 AND topic_state = 'active'`,
		user, sessionID, topicSummary)
	if err != nil {
		return fmt.Errorf("mark topic resolved: %w", err)
	}
	return nil
}

func scanTurns(rows pgx.Rows) ([]memory.Turn, error) {
	var out []memory.Turn
	for rows.Next() {
		var t memory.Turn
		var modality, role, topicState string
		if err := rows.Scan(&t.ID, &t.UserName, &t.ChannelSession, &t.LogicalSessionID,
			&modality, &role, &t.Message, &t.Timestamp, &topicState, &t.TopicSummary); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Modality = memory.Modality(modality)
		t.Role = memory.Role(role)
		t.TopicState = memory.TopicState(topicState)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []memory.Turn{}
	}
	return out, nil
}

// --- Session manager backing ---

// GetOrCreateSession implements the DB side of the session lookup order (the
// in-memory map of step 1 lives in the internal/session package, which calls
// this only on a cache miss).
func (s *Store) GetOrCreateSession(ctx context.Context, user string, reactivationWindowMinutes, timeoutMinutes int) (memory.Session, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memory.Session{}, fmt.Errorf("get or create session: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Step 1 is the caller's in-memory cache; step 2 searches for any
	// still-active row for this user (covers process restarts).
	var sess memory.Session
	var state string
	err = tx.QueryRow(ctx, `
		SELECT session_id, user_name, started_at, last_activity, message_count, state
		FROM sessions WHERE user_name = $1 AND state = 'active'
		ORDER BY last_activity DESC LIMIT 1`, user).
		Scan(&sess.SessionID, &sess.UserName, &sess.StartedAt, &sess.LastActivity, &sess.MessageCount, &state)
	if err == nil {
		sess.State = memory.SessionState(state)
		if _, err := tx.Exec(ctx, `UPDATE sessions SET last_activity = now() WHERE session_id = $1`, sess.SessionID); err != nil {
			return memory.Session{}, fmt.Errorf("get or create session: touch: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return memory.Session{}, fmt.Errorf("get or create session: commit: %w", err)
		}
		return sess, nil
	}
	if err != pgx.ErrNoRows {
		return memory.Session{}, fmt.Errorf("get or create session: lookup active: %w", err)
	}

	// Step 3: reactivate the most recent idle session within the window.
	err = tx.QueryRow(ctx, `
		SELECT session_id, user_name, started_at, last_activity, message_count, state
		FROM sessions
		WHERE user_name = $1 AND state = 'idle' AND last_activity > now() - ($2 || ' minutes')::interval
		ORDER BY last_activity DESC LIMIT 1`, user, reactivationWindowMinutes).
		Scan(&sess.SessionID, &sess.UserName, &sess.StartedAt, &sess.LastActivity, &sess.MessageCount, &state)
	if err == nil {
		if _, err := tx.Exec(ctx, `UPDATE sessions SET state = 'active', last_activity = now() WHERE session_id = $1`, sess.SessionID); err != nil {
			return memory.Session{}, fmt.Errorf("get or create session: reactivate: %w", err)
		}
		sess.State = memory.SessionActive
		if err := tx.Commit(ctx); err != nil {
			return memory.Session{}, fmt.Errorf("get or create session: commit: %w", err)
		}
		return sess, nil
	}
	if err != pgx.ErrNoRows {
		return memory.Session{}, fmt.Errorf("get or create session: lookup idle: %w", err)
	}

	// Step 4: mint a new session. The partial unique index on
	// (user_name) WHERE state='active' makes the one-active-per-user
	// invariant hold even when two turns race past the lookups above; the
	// loser's insert is a no-op and the winner's row is picked up by retry.
	now := time.Now().UTC()
	newID := fmt.Sprintf("%s_%s_%d", user, uuid.NewString()[:8], now.Unix())
	tag, err := tx.Exec(ctx, `
		INSERT INTO sessions (session_id, user_name, started_at, last_activity, message_count, state)
		VALUES ($1, $2, $3, $3, 0, 'active')
		ON CONFLICT (user_name) WHERE state = 'active' DO NOTHING`, newID, user, now)
	if err != nil {
		return memory.Session{}, fmt.Errorf("get or create session: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return memory.Session{}, fmt.Errorf("get or create session: commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race; the other writer's active row is now visible.
		return s.GetOrCreateSession(ctx, user, reactivationWindowMinutes, timeoutMinutes)
	}
	_ = timeoutMinutes // enforced by SweepIdleSessions, not on creation
	return memory.Session{SessionID: newID, UserName: user, StartedAt: now, LastActivity: now, State: memory.SessionActive}, nil
}

// TouchSession implements [memory.Store.TouchSession].
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE sessions SET last_activity = now() WHERE session_id = $1 AND state = 'active'`, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// SweepIdleSessions implements [memory.Store.SweepIdleSessions].
func (s *Store) SweepIdleSessions(ctx context.Context, timeoutMinutes int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET state = 'idle'
		WHERE state = 'active' AND last_activity < now() - ($1 || ' minutes')::interval`, timeoutMinutes)
	if err != nil {
		return 0, fmt.Errorf("sweep idle sessions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
