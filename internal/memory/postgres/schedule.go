package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// SaveScheduleEvent implements [memory.Store.SaveScheduleEvent]. Dedup:
// an active row for the same (user_name, title, event_date) is merged —
// missing fields (event_time, description, recipient_email) are filled in
// and importance is raised to the max of the two — rather than duplicated.
func (s *Store) SaveScheduleEvent(ctx context.Context, e memory.ScheduleEvent) (int64, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("save schedule event: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing memory.ScheduleEvent
	err = tx.QueryRow(ctx, `
		SELECT id, event_time::text, description, importance, reminder_enabled, reminder_lead_minutes, recipient_email
		FROM schedule_events
		WHERE user_name = $1 AND active AND lower(title) = lower($2) AND event_date = $3::date
		LIMIT 1`, e.UserName, e.Title, e.EventDate).
		Scan(&existing.ID, &existing.EventTime, &existing.Description, &existing.Importance,
			&existing.ReminderEnabled, &existing.ReminderLeadMinutes, &existing.RecipientEmail)
	if err != nil && err != pgx.ErrNoRows {
		return 0, false, fmt.Errorf("save schedule event: dedup lookup: %w", err)
	}

	if err == nil {
		eventTime := existing.EventTime
		if eventTime == nil {
			eventTime = e.EventTime
		}
		description := existing.Description
		if description == "" {
			description = e.Description
		}
		recipient := existing.RecipientEmail
		if recipient == "" {
			recipient = e.RecipientEmail
		}
		importance := e.Importance
		if existing.Importance > importance {
			importance = existing.Importance
		}
		reminderEnabled := existing.ReminderEnabled || e.ReminderEnabled

		if _, err := tx.Exec(ctx, `
			UPDATE schedule_events
			SET event_time = $2::time, description = $3, recipient_email = $4, importance = $5,
			    reminder_enabled = $6, updated_at = now()
			WHERE id = $1`, existing.ID, eventTime, description, recipient, importance, reminderEnabled); err != nil {
			return 0, false, fmt.Errorf("save schedule event: merge: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, false, fmt.Errorf("save schedule event: commit: %w", err)
		}
		return existing.ID, false, nil
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO schedule_events
			(user_name, title, event_date, event_time, description, importance, active,
			 reminder_enabled, reminder_lead_minutes, recipient_email)
		VALUES ($1,$2,$3::date,$4::time,$5,$6,true,$7,$8,$9)
		RETURNING id`,
		e.UserName, e.Title, e.EventDate, e.EventTime, e.Description, e.Importance,
		e.ReminderEnabled, e.ReminderLeadMinutes, e.RecipientEmail,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("save schedule event: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("save schedule event: commit: %w", err)
	}
	return id, true, nil
}

// UpdateScheduleEvent implements [memory.Store.UpdateScheduleEvent].
func (s *Store) UpdateScheduleEvent(ctx context.Context, id int64, f memory.ScheduleEventUpdate) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedule_events
		SET title = COALESCE($2, title),
		    event_date = COALESCE($3::date, event_date),
		    event_time = CASE WHEN $4::bool THEN $5::time ELSE event_time END,
		    description = COALESCE($6, description),
		    importance = COALESCE($7, importance),
		    reminder_enabled = COALESCE($8, reminder_enabled),
		    reminder_lead_minutes = COALESCE($9, reminder_lead_minutes),
		    recipient_email = COALESCE($10, recipient_email),
		    updated_at = now()
		WHERE id = $1 AND active`,
		id, f.Title, f.EventDate, f.EventTime != nil, f.EventTime, f.Description, f.Importance,
		f.ReminderEnabled, f.ReminderLeadMinutes, f.RecipientEmail)
	if err != nil {
		return false, fmt.Errorf("update schedule event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteScheduleEvent implements [memory.Store.DeleteScheduleEvent].
func (s *Store) DeleteScheduleEvent(ctx context.Context, id int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE schedule_events SET active = false, updated_at = now() WHERE id = $1 AND active`, id)
	if err != nil {
		return false, fmt.Errorf("delete schedule event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListSchedule implements [memory.Store.ListSchedule].
func (s *Store) ListSchedule(ctx context.Context, user string, start, end *string, limit int) ([]memory.ScheduleEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_name, title, event_date::text, event_time::text, description, importance, active,
		       reminder_enabled, reminder_lead_minutes, recipient_email, reminder_sent, reminder_sent_at,
		       created_at, updated_at
		FROM schedule_events
		WHERE active
		  AND ($1 = '' OR user_name = $1)
		  AND ($2::date IS NULL OR event_date >= $2::date)
		  AND ($3::date IS NULL OR event_date <= $3::date)
		ORDER BY event_date ASC, event_time ASC NULLS LAST
		LIMIT $4`, user, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedule: %w", err)
	}
	defer rows.Close()
	return scanScheduleEvents(rows)
}

// GetScheduleEvent implements [memory.Store.GetScheduleEvent].
func (s *Store) GetScheduleEvent(ctx context.Context, id int64) (memory.ScheduleEvent, bool, error) {
	var e memory.ScheduleEvent
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_name, title, event_date::text, event_time::text, description, importance, active,
		       reminder_enabled, reminder_lead_minutes, recipient_email, reminder_sent, reminder_sent_at,
		       created_at, updated_at
		FROM schedule_events WHERE id = $1 AND active`, id).
		Scan(&e.ID, &e.UserName, &e.Title, &e.EventDate, &e.EventTime, &e.Description, &e.Importance, &e.Active,
			&e.ReminderEnabled, &e.ReminderLeadMinutes, &e.RecipientEmail, &e.ReminderSent, &e.ReminderSentAt,
			&e.CreatedAt, &e.UpdatedAt)
	if err == pgx.ErrNoRows {
		return memory.ScheduleEvent{}, false, nil
	}
	if err != nil {
		return memory.ScheduleEvent{}, false, fmt.Errorf("get schedule event: %w", err)
	}
	return e, true, nil
}

// EventsNeedingReminders implements [memory.Store.EventsNeedingReminders].
func (s *Store) EventsNeedingReminders(ctx context.Context, today string) ([]memory.ScheduleEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_name, title, event_date::text, event_time::text, description, importance, active,
		       reminder_enabled, reminder_lead_minutes, recipient_email, reminder_sent, reminder_sent_at,
		       created_at, updated_at
		FROM schedule_events
		WHERE active AND reminder_enabled AND NOT reminder_sent AND event_date >= $1::date
		ORDER BY event_date ASC, event_time ASC NULLS LAST`, today)
	if err != nil {
		return nil, fmt.Errorf("events needing reminders: %w", err)
	}
	defer rows.Close()
	return scanScheduleEvents(rows)
}

// MarkReminderSent implements [memory.Store.MarkReminderSent]. When sendLog
// is non-nil the reminder flag flip and the e-mail log row are written in
// one transaction, so a crash between the two cannot produce a silently
// un-logged reminder send.
func (s *Store) MarkReminderSent(ctx context.Context, eventID int64, sendLog *memory.EmailLog) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("mark reminder sent: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE schedule_events SET reminder_sent = true, reminder_sent_at = now(), updated_at = now()
		WHERE id = $1`, eventID); err != nil {
		return fmt.Errorf("mark reminder sent: update: %w", err)
	}

	if sendLog != nil {
		if _, err := insertEmailLog(ctx, tx, *sendLog); err != nil {
			return fmt.Errorf("mark reminder sent: log: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("mark reminder sent: commit: %w", err)
	}
	return nil
}

// SearchScheduleFullText implements [memory.Store.SearchScheduleFullText],
// ranking active events for user by Postgres's native full-text match over
// title. query is passed through plainto_tsquery, so callers
// hand it the raw user text rather than a pre-tokenized query.
func (s *Store) SearchScheduleFullText(ctx context.Context, user, query string, limit int) ([]memory.ScheduleEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_name, title, event_date::text, event_time::text, description, importance, active,
		       reminder_enabled, reminder_lead_minutes, recipient_email, reminder_sent, reminder_sent_at,
		       created_at, updated_at
		FROM schedule_events
		WHERE active AND user_name = $1
		  AND to_tsvector('english', title) @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(to_tsvector('english', title), plainto_tsquery('english', $2)) DESC
		LIMIT $3`, user, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search schedule full text: %w", err)
	}
	defer rows.Close()
	return scanScheduleEvents(rows)
}

func scanScheduleEvents(rows pgx.Rows) ([]memory.ScheduleEvent, error) {
	var out []memory.ScheduleEvent
	for rows.Next() {
		var e memory.ScheduleEvent
		if err := rows.Scan(&e.ID, &e.UserName, &e.Title, &e.EventDate, &e.EventTime, &e.Description, &e.Importance, &e.Active,
			&e.ReminderEnabled, &e.ReminderLeadMinutes, &e.RecipientEmail, &e.ReminderSent, &e.ReminderSentAt,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []memory.ScheduleEvent{}
	}
	return out, nil
}
