// Package memory defines the persistence model shared by every channel of the
// assistant: conversation turns, logical sessions, persistent memories,
// schedule events, and the e-mail-specific thread/action/log rows.
//
// The interfaces in this package are deliberately storage-agnostic; see
// [github.com/chartmann1590/mumble-ai-assistant/internal/memory/postgres] for
// the PostgreSQL + pgvector implementation used in production. All
// implementations must be safe for concurrent use.
package memory

import "time"

// Modality identifies which front end produced a [Turn].
type Modality string

const (
	ModalityVoice   Modality = "voice"
	ModalityText    Modality = "text"
	ModalityEmail   Modality = "email"
	ModalityAIChat  Modality = "ai_chat"
)

// Role identifies the speaker of a [Turn].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TopicState tracks whether a turn's topic is still open for semantic recall.
type TopicState string

const (
	TopicActive   TopicState = "active"
	TopicResolved TopicState = "resolved"
	TopicNone     TopicState = ""
)

// Turn is one row of the conversation_history table: a single user or
// assistant utterance.
type Turn struct {
	ID                     int64
	UserName               string
	ChannelSession         string
	LogicalSessionID       string
	Modality               Modality
	Role                    Role
	Message                string
	Embedding              []float32
	Timestamp              time.Time
	TopicState             TopicState
	TopicSummary           string
	ConsolidatedAt         *time.Time
	ConsolidatedSummaryID  *int64
}

// SessionState is the lifecycle state of a [Session].
type SessionState string

const (
	SessionActive SessionState = "active"
	SessionIdle   SessionState = "idle"
	SessionClosed SessionState = "closed"
)

// Session is one logical conversation session for one user.
type Session struct {
	SessionID     string
	UserName      string
	StartedAt     time.Time
	LastActivity  time.Time
	MessageCount  int
	State         SessionState
}

// MemoryCategory classifies a [PersistentMemory].
type MemoryCategory string

const (
	CategorySchedule   MemoryCategory = "schedule"
	CategoryFact       MemoryCategory = "fact"
	CategoryTask       MemoryCategory = "task"
	CategoryPreference MemoryCategory = "preference"
	CategoryOther      MemoryCategory = "other"
	// CategoryConsolidatedHistory is written by consolidation; it is
	// not a member of the extraction-time allowed set.
	CategoryConsolidatedHistory MemoryCategory = "consolidated_history"
)

// AllowedExtractionCategories are the categories the extraction engine may
// emit; anything else is coerced to [CategoryOther].
var AllowedExtractionCategories = map[MemoryCategory]bool{
	CategorySchedule:   true,
	CategoryFact:       true,
	CategoryTask:       true,
	CategoryPreference: true,
	CategoryOther:      true,
}

// PersistentMemory is a structured fact/schedule/preference extracted from a
// turn and kept across sessions.
type PersistentMemory struct {
	ID              int64
	UserName        string
	Category        MemoryCategory
	Content         string
	Importance      int
	Tags            []string
	EventDate       *string // YYYY-MM-DD, required when Category == CategorySchedule
	EventTime       *string // HH:MM, optional
	ExtractedAt     time.Time
	SourceSessionID string
	Active          bool
}

// ScheduleEvent is a first-class calendar row, distinct from schedule-category
// memories (which may mirror it).
type ScheduleEvent struct {
	ID                  int64
	UserName            string
	Title               string
	EventDate           string // YYYY-MM-DD
	EventTime           *string
	Description         string
	Importance          int
	Active              bool
	ReminderEnabled     bool
	ReminderLeadMinutes int
	RecipientEmail      string
	ReminderSent        bool
	ReminderSentAt      *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EmailThread groups e-mails by normalized subject and user address.
type EmailThread struct {
	ID                int64
	Subject           string
	NormalizedSubject string
	UserEmail         string
	MappedUser        string
	FirstMessageID    string
	LastMessageID     string
	MessageCount      int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ThreadMessage is one message (user or assistant) within an [EmailThread].
type ThreadMessage struct {
	ID             int64
	ThreadID       int64
	EmailLogID     int64
	Role           Role
	MessageContent string
	Timestamp      time.Time
}

// EmailActionType classifies an [EmailAction].
type EmailActionType string

const (
	ActionTypeMemory   EmailActionType = "memory"
	ActionTypeSchedule EmailActionType = "schedule"
)

// EmailActionKind is the CRUD kind of an [EmailAction].
type EmailActionKind string

const (
	ActionAdd    EmailActionKind = "add"
	ActionUpdate EmailActionKind = "update"
	ActionDelete EmailActionKind = "delete"
)

// EmailActionStatus is the outcome of an attempted [EmailAction].
type EmailActionStatus string

const (
	ActionSuccess EmailActionStatus = "success"
	ActionFailed  EmailActionStatus = "failed"
	ActionSkipped EmailActionStatus = "skipped"
)

// EmailAction records one side effect attempted while processing an inbound
// e-mail, so the reply can truthfully describe what happened.
type EmailAction struct {
	ID          int64
	ThreadID    int64
	EmailLogID  int64
	ActionType  EmailActionType
	Action      EmailActionKind
	Intent      string
	Status      EmailActionStatus
	Details     map[string]any
	ErrorMessage string
	ExecutedAt  time.Time
}

// EmailDirection distinguishes inbound from outbound [EmailLog] rows.
type EmailDirection string

const (
	DirectionReceived EmailDirection = "received"
	DirectionSent     EmailDirection = "sent"
)

// EmailType classifies the purpose of an [EmailLog] row.
type EmailType string

const (
	EmailTypeSummary  EmailType = "summary"
	EmailTypeReply    EmailType = "reply"
	EmailTypeTest     EmailType = "test"
	EmailTypeReminder EmailType = "reminder"
	EmailTypeOther    EmailType = "other"
)

// EmailStatus is the outcome of sending or processing an [EmailLog] row.
type EmailStatus string

const (
	EmailStatusSuccess EmailStatus = "success"
	EmailStatusError   EmailStatus = "error"
)

// AttachmentMeta describes one e-mail attachment's extracted metadata.
// Binary payloads are never persisted, only this metadata plus any extracted
// text/description.
type AttachmentMeta struct {
	Filename string
	Type     string
	Size     int
	Preview  string
}

// EmailLog is one inbound or outbound e-mail record.
type EmailLog struct {
	ID                  int64
	Direction           EmailDirection
	EmailType           EmailType
	From                string
	To                  string
	Subject             string
	BodyPreview         string
	FullBody            string
	Status              EmailStatus
	ErrorMessage        string
	MappedUser          string
	ThreadID            int64
	AttachmentsCount    int
	AttachmentsMetadata []AttachmentMeta
	Timestamp           time.Time
}

// ConsolidationResult is returned by [Store.ConsolidateBefore].
type ConsolidationResult struct {
	MessagesConsolidated int
	SummariesCreated      int
}
