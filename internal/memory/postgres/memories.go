package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

const scheduleOverlapWindowDays = 3
const scheduleDedupJaccard = 0.6

// SavePersistentMemory implements [memory.Store.SavePersistentMemory] and
// its dedup rules:
//
//   - non-schedule categories: exact content match (case-insensitive) for
//     the same user+category raises importance to the max of the two and
//     refreshes extracted_at, rather than inserting a duplicate row.
//   - schedule-category memories: matched against existing active schedule
//     memories for the same user whose event_date falls within +/-3 days of
//     the candidate's event_date and whose content overlaps by Jaccard
//     similarity >= 0.6; a match merges (keeping the richer event_time/tags)
//     and raises importance instead of inserting.
//
// The check-then-write is wrapped in one transaction to avoid two
// concurrent extractions creating twin rows.
func (s *Store) SavePersistentMemory(ctx context.Context, m memory.PersistentMemory) (int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("save persistent memory: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing *memory.PersistentMemory
	if m.Category == memory.CategorySchedule && m.EventDate != nil {
		existing, err = findScheduleMemoryMatch(ctx, tx, m)
	} else {
		existing, err = findExactMemoryMatch(ctx, tx, m)
	}
	if err != nil {
		return 0, false, fmt.Errorf("save persistent memory: dedup lookup: %w", err)
	}

	if existing != nil {
		importance := m.Importance
		if existing.Importance > importance {
			importance = existing.Importance
		}
		eventTime := m.EventTime
		if eventTime == nil {
			eventTime = existing.EventTime
		}
		tags := mergeTags(existing.Tags, m.Tags)
		if _, err := tx.Exec(ctx, `
			UPDATE persistent_memories
			SET importance = $2, event_time = $3::time, tags = $4, extracted_at = now()
			WHERE id = $1`, existing.ID, importance, eventTime, tags); err != nil {
			return 0, false, fmt.Errorf("save persistent memory: merge: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, false, fmt.Errorf("save persistent memory: commit: %w", err)
		}
		return existing.ID, false, nil
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO persistent_memories
			(user_name, category, content, importance, tags, event_date, event_time, source_session_id, active)
		VALUES ($1,$2,$3,$4,$5,$6::date,$7::time,$8,true)
		RETURNING id`,
		m.UserName, string(m.Category), m.Content, m.Importance, m.Tags, m.EventDate, m.EventTime, m.SourceSessionID,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("save persistent memory: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("save persistent memory: commit: %w", err)
	}
	return id, true, nil
}

func findExactMemoryMatch(ctx context.Context, tx pgx.Tx, m memory.PersistentMemory) (*memory.PersistentMemory, error) {
	var found memory.PersistentMemory
	var category string
	err := tx.QueryRow(ctx, `
		SELECT id, user_name, category, content, importance, tags, event_date::text, event_time::text, extracted_at, source_session_id, active
		FROM persistent_memories
		WHERE user_name = $1 AND category = $2 AND active AND lower(content) = lower($3)
		LIMIT 1`, m.UserName, string(m.Category), m.Content).
		Scan(&found.ID, &found.UserName, &category, &found.Content, &found.Importance, &found.Tags,
			&found.EventDate, &found.EventTime, &found.ExtractedAt, &found.SourceSessionID, &found.Active)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	found.Category = memory.MemoryCategory(category)
	return &found, nil
}

// findScheduleMemoryMatch implements the two-step schedule-memory dedup:
// an exact (user, category, event_date, event_time) match always wins,
// regardless of content similarity; failing that, a ±3-day window is scanned
// for a Jaccard content match above the threshold.
func findScheduleMemoryMatch(ctx context.Context, tx pgx.Tx, m memory.PersistentMemory) (*memory.PersistentMemory, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, user_name, category, content, importance, tags, event_date::text, event_time::text, extracted_at, source_session_id, active
		FROM persistent_memories
		WHERE user_name = $1 AND category = 'schedule' AND active
		  AND event_date IS NOT NULL
		  AND abs(event_date - $2::date) <= $3`,
		m.UserName, *m.EventDate, scheduleOverlapWindowDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windowMatches []memory.PersistentMemory
	for rows.Next() {
		var found memory.PersistentMemory
		var category string
		if err := rows.Scan(&found.ID, &found.UserName, &category, &found.Content, &found.Importance, &found.Tags,
			&found.EventDate, &found.EventTime, &found.ExtractedAt, &found.SourceSessionID, &found.Active); err != nil {
			return nil, err
		}
		found.Category = memory.MemoryCategory(category)
		windowMatches = append(windowMatches, found)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range windowMatches {
		if windowMatches[i].EventDate != nil && m.EventDate != nil && *windowMatches[i].EventDate == *m.EventDate &&
			sameEventTime(windowMatches[i].EventTime, m.EventTime) {
			return &windowMatches[i], nil
		}
	}
	for i := range windowMatches {
		if jaccardWords(windowMatches[i].Content, m.Content) >= scheduleDedupJaccard {
			return &windowMatches[i], nil
		}
	}
	return nil, nil
}

func sameEventTime(a, b *string) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	// Stored rows read back as "HH:MM:SS"; incoming values are "HH:MM".
	ta, tb := *a, *b
	if len(ta) > 5 {
		ta = ta[:5]
	}
	if len(tb) > 5 {
		tb = tb[:5]
	}
	return ta == tb
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	out := make([]string, 0, len(existing)+len(incoming))
	for _, t := range existing {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, t := range incoming {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// ListPersistentMemories implements [memory.Store.ListPersistentMemories].
func (s *Store) ListPersistentMemories(ctx context.Context, user string, category memory.MemoryCategory, limit int) ([]memory.PersistentMemory, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows pgx.Rows
	var err error
	if category == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT id, user_name, category, content, importance, tags, event_date::text, event_time::text, extracted_at, source_session_id, active
			FROM persistent_memories
			WHERE user_name = $1 AND active
			ORDER BY importance DESC, extracted_at DESC
			LIMIT $2`, user, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, user_name, category, content, importance, tags, event_date::text, event_time::text, extracted_at, source_session_id, active
			FROM persistent_memories
			WHERE user_name = $1 AND category = $2 AND active
			ORDER BY importance DESC, extracted_at DESC
			LIMIT $3`, user, string(category), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list persistent memories: %w", err)
	}
	defer rows.Close()

	var out []memory.PersistentMemory
	for rows.Next() {
		var m memory.PersistentMemory
		var cat string
		if err := rows.Scan(&m.ID, &m.UserName, &cat, &m.Content, &m.Importance, &m.Tags,
			&m.EventDate, &m.EventTime, &m.ExtractedAt, &m.SourceSessionID, &m.Active); err != nil {
			return nil, fmt.Errorf("list persistent memories: scan: %w", err)
		}
		m.Category = memory.MemoryCategory(cat)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []memory.PersistentMemory{}
	}
	return out, nil
}

// PersistentMemoriesSince implements [memory.Store.PersistentMemoriesSince].
func (s *Store) PersistentMemoriesSince(ctx context.Context, user string, since time.Time) ([]memory.PersistentMemory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_name, category, content, importance, tags, event_date::text, event_time::text, extracted_at, source_session_id, active
		FROM persistent_memories
		WHERE user_name = $1 AND active AND extracted_at >= $2
		ORDER BY extracted_at DESC`, user, since)
	if err != nil {
		return nil, fmt.Errorf("persistent memories since: %w", err)
	}
	defer rows.Close()

	var out []memory.PersistentMemory
	for rows.Next() {
		var m memory.PersistentMemory
		var cat string
		if err := rows.Scan(&m.ID, &m.UserName, &cat, &m.Content, &m.Importance, &m.Tags,
			&m.EventDate, &m.EventTime, &m.ExtractedAt, &m.SourceSessionID, &m.Active); err != nil {
			return nil, fmt.Errorf("persistent memories since: scan: %w", err)
		}
		m.Category = memory.MemoryCategory(cat)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []memory.PersistentMemory{}
	}
	return out, nil
}
