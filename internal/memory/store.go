package memory

import (
	"context"
	"time"
)

// SaveTurnOpts carries the optional fields for [Store.SaveTurn].
type SaveTurnOpts struct {
	// Embedding, when non-nil, is persisted directly. When nil, the caller
	// (the dialog orchestrator, via the memory store's async path) schedules embedding
	// computation and a follow-up update; the turn is still visible to
	// [Store.RecentTurns] immediately.
	Embedding []float32
}

// Store is the single owner of all persistence. No other
// component mutates the database directly; extraction results arrive via the
// typed methods below.
//
// All methods are safe for concurrent use. Methods documented as
// transactional perform their dedup check and write atomically to avoid
// races between concurrent extractions creating twin rows.
type Store interface {
	// SaveTurn persists a turn and returns its id. The turn is visible to
	// RecentTurns as soon as SaveTurn returns, and to SemanticRecall once it
	// carries an embedding.
	SaveTurn(ctx context.Context, t Turn, opts SaveTurnOpts) (int64, error)

	// UpdateTurnEmbedding attaches a computed embedding to a previously saved
	// turn (used when SaveTurn was called with a nil embedding).
	UpdateTurnEmbedding(ctx context.Context, turnID int64, embedding []float32) error

	// RecentTurns returns the most recent turns for a session in chronological
	// order, oldest first, capped at limit.
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	// SemanticRecall ranks turns for user by cosine similarity to
	// queryEmbedding, excluding excludeSessionID (the current session, which
	// is already covered by RecentTurns) and any turn whose TopicState is
	// TopicResolved. Returns at most limit turns with similarity >=
	// minSimilarity, most similar first.
	SemanticRecall(ctx context.Context, user string, queryEmbedding []float32, excludeSessionID string, limit int, minSimilarity float64) ([]Turn, error)

	// MarkTopicResolved sets topic_state=resolved (optionally recording a
	// summary) for the most recent active-topic turns of user/session.
	MarkTopicResolved(ctx context.Context, user, sessionID, topicSummary string) error

	// GetOrCreateSession implements the session lookup order: reuse an
	// active session row, reactivate a recently-idle one, or mint a new one.
	GetOrCreateSession(ctx context.Context, user string, reactivationWindow, timeout int) (Session, error)

	// TouchSession updates last_activity for an active session.
	TouchSession(ctx context.Context, sessionID string) error

	// SweepIdleSessions transitions active sessions whose last_activity is
	// older than timeoutMinutes to idle. Returns the count transitioned.
	SweepIdleSessions(ctx context.Context, timeoutMinutes int) (int, error)

	// SavePersistentMemory applies the dedup rules and returns the id
	// of the resulting (new or pre-existing) active row, plus whether a new
	// row was inserted.
	SavePersistentMemory(ctx context.Context, m PersistentMemory) (id int64, created bool, err error)

	// ListPersistentMemories returns active memories for user ordered by
	// importance desc, capped at limit. category == "" matches all
	// categories, schedule included.
	ListPersistentMemories(ctx context.Context, user string, category MemoryCategory, limit int) ([]PersistentMemory, error)

	// SaveScheduleEvent applies the dedup rules and returns the id of
	// the resulting (new or merged) active row, plus whether a new row was
	// inserted.
	SaveScheduleEvent(ctx context.Context, e ScheduleEvent) (id int64, created bool, err error)

	// UpdateScheduleEvent applies a partial update (only non-nil fields in
	// fields are changed) and returns false if id does not reference an
	// active row.
	UpdateScheduleEvent(ctx context.Context, id int64, fields ScheduleEventUpdate) (bool, error)

	// DeleteScheduleEvent soft-deletes (active=false) the event.
	DeleteScheduleEvent(ctx context.Context, id int64) (bool, error)

	// ListSchedule returns active events for user (optional) within
	// [start,end] (optional), ordered by (event_date, event_time), capped at
	// limit.
	ListSchedule(ctx context.Context, user string, start, end *string, limit int) ([]ScheduleEvent, error)

	// GetScheduleEvent fetches a single active event by id.
	GetScheduleEvent(ctx context.Context, id int64) (ScheduleEvent, bool, error)

	// SearchScheduleFullText ranks active events for user by the store's
	// native full-text query over titles. Used solely as a
	// diagnostic verification set; never merged into the primary schedule search result.
	SearchScheduleFullText(ctx context.Context, user, query string, limit int) ([]ScheduleEvent, error)

	// EventsNeedingReminders returns active events with reminder_enabled,
	// not yet reminder_sent, and event_date >= today.
	EventsNeedingReminders(ctx context.Context, today string) ([]ScheduleEvent, error)

	// MarkReminderSent atomically sets reminder_sent=true together with the
	// log write performed by the caller — implementations perform both
	// inside one transaction when sendLog is non-nil.
	MarkReminderSent(ctx context.Context, eventID int64, sendLog *EmailLog) error

	// ConsolidateBefore runs conversation consolidation for one user (or all
	// users when user == "").
	ConsolidateBefore(ctx context.Context, user string, cutoff string, summarize Summarizer) (ConsolidationResult, error)

	// TurnsSince returns every turn for user (across all sessions) with
	// timestamp >= since, oldest first. Used by the daily digest, which aggregates across sessions rather than one
	// logical_session_id the way RecentTurns does.
	TurnsSince(ctx context.Context, user string, since time.Time) ([]Turn, error)

	// PersistentMemoriesSince returns active persistent memories for user
	// extracted at or after since. Used by the daily digest.
	PersistentMemoriesSince(ctx context.Context, user string, since time.Time) ([]PersistentMemory, error)

	// --- E-mail specific ---

	ResolveMappedUser(ctx context.Context, emailAddress string) (string, bool, error)

	GetOrCreateThread(ctx context.Context, subject, userEmail, messageID string) (EmailThread, error)
	ThreadHistory(ctx context.Context, threadID int64, limit int) ([]ThreadMessage, error)
	SaveThreadMessage(ctx context.Context, m ThreadMessage) (int64, error)

	LogEmail(ctx context.Context, l EmailLog) (int64, error)
	UpdateEmailLogStatus(ctx context.Context, id int64, status EmailStatus, errMsg string) error
	GetEmailLog(ctx context.Context, id int64) (EmailLog, bool, error)
	DeleteEmailLog(ctx context.Context, id int64) error

	LogEmailAction(ctx context.Context, a EmailAction) (int64, error)
	ThreadActions(ctx context.Context, threadID int64, limit int) ([]EmailAction, error)

	// GetConfigValue / SetConfigValue back the persona config; see internal/config.
	GetConfigValue(ctx context.Context, key string) (string, bool, error)
	SetConfigValue(ctx context.Context, key, value string) error
}

// ScheduleEventUpdate is a partial update for [Store.UpdateScheduleEvent].
// Nil fields are left unchanged.
type ScheduleEventUpdate struct {
	Title               *string
	EventDate           *string
	EventTime           *string
	Description         *string
	Importance          *int
	ReminderEnabled     *bool
	ReminderLeadMinutes *int
	RecipientEmail      *string
}

// Summarizer produces a structured consolidation summary for a chunk of
// turns. Implemented by the LLM client in production; injected here so
// the store package has no LLM dependency.
type Summarizer interface {
	Summarize(ctx context.Context, user string, turns []Turn) (content string, err error)
}
