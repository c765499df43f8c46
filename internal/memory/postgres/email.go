package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

var subjectPrefixRe = regexp.MustCompile(`(?i)^(re|fwd?)\s*:\s*`)

// normalizeSubject strips leading Re:/Fwd: prefixes (repeatedly) and
// collapses whitespace, the same rule the e-mail channel applies.
func normalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := subjectPrefixRe.ReplaceAllString(s, "")
		stripped = strings.TrimSpace(stripped)
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ResolveMappedUser implements [memory.Store.ResolveMappedUser].
func (s *Store) ResolveMappedUser(ctx context.Context, emailAddress string) (string, bool, error) {
	var user string
	err := s.pool.QueryRow(ctx, `SELECT user_name FROM email_user_mapping WHERE lower(email_address) = lower($1)`, emailAddress).Scan(&user)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve mapped user: %w", err)
	}
	return user, true, nil
}

// GetOrCreateThread implements [memory.Store.GetOrCreateThread], matching
// on (normalized_subject, user_email).
func (s *Store) GetOrCreateThread(ctx context.Context, subject, userEmail, messageID string) (memory.EmailThread, error) {
	norm := normalizeSubject(subject)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memory.EmailThread{}, fmt.Errorf("get or create thread: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var t memory.EmailThread
	err = tx.QueryRow(ctx, `
		SELECT id, subject, normalized_subject, user_email, mapped_user, first_message_id, last_message_id,
		       message_count, created_at, updated_at
		FROM email_threads WHERE normalized_subject = $1 AND lower(user_email) = lower($2)`, norm, userEmail).
		Scan(&t.ID, &t.Subject, &t.NormalizedSubject, &t.UserEmail, &t.MappedUser, &t.FirstMessageID,
			&t.LastMessageID, &t.MessageCount, &t.CreatedAt, &t.UpdatedAt)
	if err == nil {
		if messageID != "" {
			if _, err := tx.Exec(ctx, `UPDATE email_threads SET last_message_id = $2, updated_at = now() WHERE id = $1`, t.ID, messageID); err != nil {
				return memory.EmailThread{}, fmt.Errorf("get or create thread: touch: %w", err)
			}
			t.LastMessageID = messageID
		}
		if err := tx.Commit(ctx); err != nil {
			return memory.EmailThread{}, fmt.Errorf("get or create thread: commit: %w", err)
		}
		return t, nil
	}
	if err != pgx.ErrNoRows {
		return memory.EmailThread{}, fmt.Errorf("get or create thread: lookup: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO email_threads (subject, normalized_subject, user_email, first_message_id, last_message_id, message_count)
		VALUES ($1,$2,$3,$4,$4,0)
		RETURNING id, subject, normalized_subject, user_email, mapped_user, first_message_id, last_message_id,
		          message_count, created_at, updated_at`,
		subject, norm, userEmail, messageID,
	).Scan(&t.ID, &t.Subject, &t.NormalizedSubject, &t.UserEmail, &t.MappedUser, &t.FirstMessageID,
		&t.LastMessageID, &t.MessageCount, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return memory.EmailThread{}, fmt.Errorf("get or create thread: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return memory.EmailThread{}, fmt.Errorf("get or create thread: commit: %w", err)
	}
	return t, nil
}

// ThreadHistory implements [memory.Store.ThreadHistory].
func (s *Store) ThreadHistory(ctx context.Context, threadID int64, limit int) ([]memory.ThreadMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_id, email_log_id, role, message_content, timestamp
		FROM (
			SELECT * FROM thread_messages WHERE thread_id = $1 ORDER BY timestamp DESC LIMIT $2
		) recent ORDER BY timestamp ASC`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("thread history: %w", err)
	}
	defer rows.Close()

	var out []memory.ThreadMessage
	for rows.Next() {
		var m memory.ThreadMessage
		var role string
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.EmailLogID, &role, &m.MessageContent, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("thread history: scan: %w", err)
		}
		m.Role = memory.Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []memory.ThreadMessage{}
	}
	return out, nil
}

// SaveThreadMessage implements [memory.Store.SaveThreadMessage].
func (s *Store) SaveThreadMessage(ctx context.Context, m memory.ThreadMessage) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("save thread message: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO thread_messages (thread_id, email_log_id, role, message_content, timestamp)
		VALUES ($1,$2,$3,$4, COALESCE($5, now()))
		RETURNING id`, m.ThreadID, m.EmailLogID, string(m.Role), m.MessageContent, nullTime(m.Timestamp)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("save thread message: insert: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE email_threads SET message_count = message_count + 1, updated_at = now() WHERE id = $1`, m.ThreadID); err != nil {
		return 0, fmt.Errorf("save thread message: bump count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("save thread message: commit: %w", err)
	}
	return id, nil
}

// LogEmail implements [memory.Store.LogEmail].
func (s *Store) LogEmail(ctx context.Context, l memory.EmailLog) (int64, error) {
	return insertEmailLog(ctx, s.pool, l)
}

// insertEmailLog is shared by LogEmail (pool) and MarkReminderSent (tx), both
// of which satisfy this minimal querier interface.
func insertEmailLog(ctx context.Context, db interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, l memory.EmailLog) (int64, error) {
	attachments, err := json.Marshal(l.AttachmentsMetadata)
	if err != nil {
		return 0, fmt.Errorf("marshal attachments metadata: %w", err)
	}

	var id int64
	err = db.QueryRow(ctx, `
		INSERT INTO email_logs
			(direction, email_type, "from", "to", subject, body_preview, full_body, status, error_message,
			 mapped_user, thread_id, attachments_count, attachments_metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id`,
		string(l.Direction), string(l.EmailType), l.From, l.To, l.Subject, l.BodyPreview, l.FullBody,
		string(l.Status), l.ErrorMessage, l.MappedUser, l.ThreadID, l.AttachmentsCount, attachments,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert email log: %w", err)
	}
	return id, nil
}

// UpdateEmailLogStatus implements [memory.Store.UpdateEmailLogStatus].
func (s *Store) UpdateEmailLogStatus(ctx context.Context, id int64, status memory.EmailStatus, errMsg string) error {
	_, err := s.pool.Exec(ctx, `UPDATE email_logs SET status = $2, error_message = $3 WHERE id = $1`, id, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update email log status: %w", err)
	}
	return nil
}

// GetEmailLog implements [memory.Store.GetEmailLog].
func (s *Store) GetEmailLog(ctx context.Context, id int64) (memory.EmailLog, bool, error) {
	var l memory.EmailLog
	var direction, emailType, status string
	var attachments []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, direction, email_type, "from", "to", subject, body_preview, full_body, status, error_message,
		       mapped_user, thread_id, attachments_count, attachments_metadata, timestamp
		FROM email_logs WHERE id = $1`, id).
		Scan(&l.ID, &direction, &emailType, &l.From, &l.To, &l.Subject, &l.BodyPreview, &l.FullBody, &status,
			&l.ErrorMessage, &l.MappedUser, &l.ThreadID, &l.AttachmentsCount, &attachments, &l.Timestamp)
	if err == pgx.ErrNoRows {
		return memory.EmailLog{}, false, nil
	}
	if err != nil {
		return memory.EmailLog{}, false, fmt.Errorf("get email log: %w", err)
	}
	l.Direction = memory.EmailDirection(direction)
	l.EmailType = memory.EmailType(emailType)
	l.Status = memory.EmailStatus(status)
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &l.AttachmentsMetadata); err != nil {
			return memory.EmailLog{}, false, fmt.Errorf("get email log: unmarshal attachments: %w", err)
		}
	}
	return l, true, nil
}

// DeleteEmailLog implements [memory.Store.DeleteEmailLog].
func (s *Store) DeleteEmailLog(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM email_logs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete email log: %w", err)
	}
	return nil
}

// LogEmailAction implements [memory.Store.LogEmailAction].
func (s *Store) LogEmailAction(ctx context.Context, a memory.EmailAction) (int64, error) {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return 0, fmt.Errorf("marshal action details: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO email_actions (thread_id, email_log_id, action_type, action, intent, status, details, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		a.ThreadID, a.EmailLogID, string(a.ActionType), string(a.Action), a.Intent, string(a.Status), details, a.ErrorMessage,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("log email action: %w", err)
	}
	return id, nil
}

// ThreadActions implements [memory.Store.ThreadActions].
func (s *Store) ThreadActions(ctx context.Context, threadID int64, limit int) ([]memory.EmailAction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, thread_id, email_log_id, action_type, action, intent, status, details, error_message, executed_at
		FROM email_actions WHERE thread_id = $1 ORDER BY executed_at DESC LIMIT $2`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("thread actions: %w", err)
	}
	defer rows.Close()

	var out []memory.EmailAction
	for rows.Next() {
		var a memory.EmailAction
		var actionType, action, status string
		var details []byte
		if err := rows.Scan(&a.ID, &a.ThreadID, &a.EmailLogID, &actionType, &action, &a.Intent, &status, &details,
			&a.ErrorMessage, &a.ExecutedAt); err != nil {
			return nil, fmt.Errorf("thread actions: scan: %w", err)
		}
		a.ActionType = memory.EmailActionType(actionType)
		a.Action = memory.EmailActionKind(action)
		a.Status = memory.EmailActionStatus(status)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &a.Details); err != nil {
				return nil, fmt.Errorf("thread actions: unmarshal details: %w", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []memory.EmailAction{}
	}
	return out, nil
}
