package postgres

import (
	"context"
	"fmt"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// consolidationChunkSize bounds how many turns are summarized into a single
// consolidated_history row per session.
const consolidationChunkSize = 15

// consolidatedImportance is the importance assigned to every
// consolidated_history summary row.
const consolidatedImportance = 7

// ConsolidateBefore implements [memory.Store.ConsolidateBefore]: turns
// older than cutoff that have not yet been consolidated are grouped by
// logical session, summarized via summarize, and replaced in the live
// recall path by a single consolidated_history persistent memory per
// session chunk. The original turns are kept (marked consolidated_at /
// consolidated_summary_id) rather than deleted, so audit/export is never
// lossy.
func (s *Store) ConsolidateBefore(ctx context.Context, user string, cutoff string, summarize memory.Summarizer) (memory.ConsolidationResult, error) {
	var result memory.ConsolidationResult
	var tokensSaved int

	sessions, err := s.sessionsWithUnconsolidatedTurns(ctx, user, cutoff)
	if err != nil {
		return result, fmt.Errorf("consolidate before: list sessions: %w", err)
	}

	for _, sessionID := range sessions {
		for {
			turns, err := s.nextUnconsolidatedChunk(ctx, sessionID, cutoff, consolidationChunkSize)
			if err != nil {
				return result, fmt.Errorf("consolidate before: fetch chunk: %w", err)
			}
			if len(turns) == 0 {
				break
			}

			chunkUser := turns[0].UserName
			summary, err := summarize.Summarize(ctx, chunkUser, turns)
			if err != nil {
				return result, fmt.Errorf("consolidate before: summarize: %w", err)
			}

			tx, err := s.pool.Begin(ctx)
			if err != nil {
				return result, fmt.Errorf("consolidate before: begin: %w", err)
			}

			var summaryID int64
			err = tx.QueryRow(ctx, `
				INSERT INTO persistent_memories (user_name, category, content, importance, tags, source_session_id, active)
				VALUES ($1, 'consolidated_history', $2, $3, '{}', $4, true)
				RETURNING id`, chunkUser, summary, consolidatedImportance, sessionID).Scan(&summaryID)
			if err != nil {
				tx.Rollback(ctx)
				return result, fmt.Errorf("consolidate before: insert summary: %w", err)
			}

			ids := make([]int64, len(turns))
			for i, t := range turns {
				ids[i] = t.ID
			}
			if _, err := tx.Exec(ctx, `
				UPDATE conversation_history SET consolidated_at = now(), consolidated_summary_id = $2
				WHERE id = ANY($1)`, ids, summaryID); err != nil {
				tx.Rollback(ctx)
				return result, fmt.Errorf("consolidate before: mark turns: %w", err)
			}

			if err := tx.Commit(ctx); err != nil {
				return result, fmt.Errorf("consolidate before: commit: %w", err)
			}

			result.MessagesConsolidated += len(turns)
			result.SummariesCreated++
			originalLen := 0
			for _, t := range turns {
				originalLen += len(t.Message)
			}
			tokensSaved += originalLen/4 - len(summary)/4

			if len(turns) < consolidationChunkSize {
				break
			}
		}
	}

	if err := s.logConsolidation(ctx, user, result, tokensSaved); err != nil {
		return result, fmt.Errorf("consolidate before: audit log: %w", err)
	}

	return result, nil
}

func (s *Store) sessionsWithUnconsolidatedTurns(ctx context.Context, user, cutoff string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT logical_session_id FROM conversation_history
		WHERE consolidated_at IS NULL AND timestamp < $1::timestamptz
		  AND ($2 = '' OR user_name = $2)`, cutoff, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) nextUnconsolidatedChunk(ctx context.Context, sessionID, cutoff string, limit int) ([]memory.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_name, channel_session, logical_session_id, modality, role, message, timestamp, topic_state, topic_summary
		FROM conversation_history
		WHERE logical_session_id = $1 AND consolidated_at IS NULL AND timestamp < $2::timestamptz
		ORDER BY timestamp ASC
		LIMIT $3`, sessionID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTurns(rows)
}

func (s *Store) logConsolidation(ctx context.Context, user string, r memory.ConsolidationResult, tokensSaved int) error {
	if r.SummariesCreated == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_consolidation_log (user_name, messages_consolidated, summaries_created, tokens_saved_estimate)
		VALUES ($1, $2, $3, $4)`, user, r.MessagesConsolidated, r.SummariesCreated, tokensSaved)
	return err
}
