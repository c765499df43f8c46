// Package extraction implements the two LLM-driven extractors:
// persistent-memory extraction and schedule-intent extraction from a single
// user turn. Both run at low temperature under the LLM client's
// retry/timeout contract; both apply a heuristic pre-flight filter before
// ever calling the LLM, and a structural post-validation pass afterward.
package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/dateparse"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

const (
	extractionTemperature = 0.2
	extractionTimeout     = 300 * time.Second
	extractionRetries     = 3
)

// Generator is the subset of the LLM client extraction needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOpts) (string, error)
}

// GenerateOpts mirrors llmclient.GenerateOpts without importing that package,
// so extraction stays decoupled from the concrete client implementation.
type GenerateOpts struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

var queryIndicators = []string{
	"what", "when", "do i have", "tell me", "show me", "any", "check", "am i free", "busy", "available",
}

var explicitQueryPatterns = []string{
	"what's on my", "what is on my", "tell me about my", "show me my",
	"do i have anything", "am i free", "when is my", "what time is my",
	"check my", "look at my", "review my", "see my", "view my",
}

var scheduleActionIndicators = []string{
	"schedule", "add", "create", "book", "set", "remind me", "appointment", "meeting", "plan",
}

// addKeywords / updateKeywords / deleteKeywords gate the LLM's claimed action
// against the turn text itself — an LLM-asserted
// ADD/UPDATE/DELETE unsupported by any of these keywords is downgraded to
// NOTHING rather than trusted outright.
var (
	addKeywords    = []string{"schedule", "add", "book", "set", "remind", "appointment", "meeting", "plan", "create"}
	updateKeywords = []string{"change", "reschedule", "move", "update", "modify", "shift"}
	deleteKeywords = []string{"cancel", "delete", "remove", "clear"}
)

// isScheduleQuery implements the extraction pre-flight heuristic: a turn that only
// asks about the schedule, with no action verb, never reaches the LLM.
func isScheduleQuery(message string) bool {
	lower := strings.ToLower(message)
	for _, p := range explicitQueryPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	hasQuery := containsAny(lower, queryIndicators)
	hasAction := containsAny(lower, scheduleActionIndicators)
	return hasQuery && !hasAction
}

// IsScheduleQuery is the exported entry point for [isScheduleQuery], used by
// the context builder to decide whether a turn's schedule block should
// be included at all on channels where it is conditional.
func IsScheduleQuery(message string) bool {
	return isScheduleQuery(message)
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// trivialAcknowledgments are turns too short/low-content for memory
// extraction to bother with.
var trivialAcknowledgments = map[string]bool{
	"ok": true, "okay": true, "sure": true, "thanks": true, "thank you": true,
	"yes": true, "no": true, "yep": true, "nope": true, "cool": true, "got it": true,
	"alright": true, "k": true,
}

func isTrivialAcknowledgment(message string) bool {
	return trivialAcknowledgments[strings.ToLower(strings.TrimSpace(message))]
}

// isMemoryQuery mirrors isScheduleQuery for the memory extractor: a pure
// question about what the assistant remembers shouldn't mint a new memory
// about itself.
func isMemoryQuery(message string) bool {
	lower := strings.ToLower(message)
	memoryQueryPatterns := []string{"what do you remember", "what did i tell you", "do you know", "what's my"}
	return containsAny(lower, memoryQueryPatterns)
}

// MemoryCandidate is one raw extraction from the LLM before validation.
type MemoryCandidate struct {
	Category       string `json:"category"`
	Content        string `json:"content"`
	Importance     int    `json:"importance"`
	DateExpression string `json:"date_expression"`
	EventTime      string `json:"event_time"`
}

// ExtractMemories runs the memory extractor over a user turn, returning
// validated [memory.PersistentMemory] values ready for [memory.Store.SavePersistentMemory].
// assistantReply aids grounding on voice channels where the reply is already
// known; pass "" on channels where it isn't available yet.
func ExtractMemories(ctx context.Context, gen Generator, model string, user, userMessage, assistantReply, sessionID string, reference time.Time) ([]memory.PersistentMemory, error) {
	if isTrivialAcknowledgment(userMessage) || isMemoryQuery(userMessage) {
		return nil, nil
	}

	prompt := buildMemoryExtractionPrompt(userMessage, assistantReply)
	raw, err := generateWithRetry(ctx, gen, prompt, model)
	if err != nil {
		return nil, fmt.Errorf("extract memories: %w", err)
	}

	candidates, err := parseMemoryCandidates(raw)
	if err != nil {
		return nil, fmt.Errorf("extract memories: parse llm output: %w", err)
	}

	var out []memory.PersistentMemory
	for _, c := range candidates {
		m, ok := validateMemoryCandidate(c, user, sessionID, reference)
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func validateMemoryCandidate(c MemoryCandidate, user, sessionID string, reference time.Time) (memory.PersistentMemory, bool) {
	content := strings.TrimSpace(c.Content)
	if content == "" {
		return memory.PersistentMemory{}, false
	}

	category := memory.MemoryCategory(strings.ToLower(strings.TrimSpace(c.Category)))
	if !memory.AllowedExtractionCategories[category] {
		category = memory.CategoryOther
	}

	importance := c.Importance
	if importance == 0 {
		importance = 5
	}
	if importance < 1 {
		importance = 1
	}
	if importance > 10 {
		importance = 10
	}

	m := memory.PersistentMemory{
		UserName:        user,
		Category:        category,
		Content:         content,
		Importance:      importance,
		SourceSessionID: sessionID,
		Active:          true,
	}

	if category == memory.CategorySchedule {
		if c.DateExpression == "" {
			return memory.PersistentMemory{}, false
		}
		date, ok := dateparse.Parse(c.DateExpression, reference)
		if !ok {
			// A schedule extraction whose date expression fails the date
			// parser is discarded, never guessed at.
			return memory.PersistentMemory{}, false
		}
		m.EventDate = &date
		if c.EventTime != "" {
			et := c.EventTime
			m.EventTime = &et
		}
	}

	return m, true
}

func buildMemoryExtractionPrompt(userMessage, assistantReply string) string {
	var b strings.Builder
	b.WriteString("Extract any durable facts, tasks, preferences, or schedule items from this user message. ")
	b.WriteString("Respond ONLY with a JSON array of objects, each: ")
	b.WriteString(`{"category": "schedule|fact|task|preference|other", "content": "...", "importance": 1-10, "date_expression": "...", "event_time": "HH:MM or empty"}`)
	b.WriteString(". Return an empty array [] if nothing worth remembering was said.\n\n")
	b.WriteString("User: " + userMessage + "\n")
	if assistantReply != "" {
		b.WriteString("Assistant: " + assistantReply + "\n")
	}
	return b.String()
}

// ScheduleIntent is the validated, resolved result of the schedule extractor.
type ScheduleIntent struct {
	Action      ScheduleAction
	Title       string
	EventDate   string
	EventTime   *string
	Description string
	Importance  int
}

// ScheduleAction is the CRUD verb the schedule extractor assigns to a turn.
type ScheduleAction string

const (
	ActionAdd     ScheduleAction = "ADD"
	ActionUpdate  ScheduleAction = "UPDATE"
	ActionDelete  ScheduleAction = "DELETE"
	ActionNothing ScheduleAction = "NOTHING"
)

type scheduleCandidate struct {
	Action         string      `json:"action"`
	Title          string      `json:"title"`
	DateExpression string      `json:"date_expression"`
	Time           string      `json:"time"`
	Description    string      `json:"description"`
	Importance     int         `json:"importance"`
	EventID        interface{} `json:"event_id"`
}

// ExtractScheduleIntent runs the schedule extractor. It returns
// ActionNothing without calling the LLM when the turn is clearly a query
// (pre-flight heuristic), and downgrades any LLM-claimed action unsupported
// by its own keyword set to ActionNothing (post-flight heuristic).
func ExtractScheduleIntent(ctx context.Context, gen Generator, model, userMessage, assistantReply string, reference time.Time) (ScheduleIntent, error) {
	if isScheduleQuery(userMessage) {
		return ScheduleIntent{Action: ActionNothing}, nil
	}

	prompt := buildScheduleExtractionPrompt(userMessage, assistantReply, reference)
	raw, err := generateWithRetry(ctx, gen, prompt, model)
	if err != nil {
		return ScheduleIntent{}, fmt.Errorf("extract schedule intent: %w", err)
	}

	c, err := parseScheduleCandidate(raw)
	if err != nil {
		return ScheduleIntent{}, fmt.Errorf("extract schedule intent: parse llm output: %w", err)
	}

	return validateScheduleCandidate(c, userMessage, reference), nil
}

func validateScheduleCandidate(c scheduleCandidate, userMessage string, reference time.Time) ScheduleIntent {
	lower := strings.ToLower(userMessage)
	action := ScheduleAction(strings.ToUpper(strings.TrimSpace(c.Action)))

	switch action {
	case ActionAdd:
		if !containsAny(lower, addKeywords) {
			return ScheduleIntent{Action: ActionNothing}
		}
	case ActionUpdate:
		if !containsAny(lower, updateKeywords) {
			return ScheduleIntent{Action: ActionNothing}
		}
	case ActionDelete:
		if !containsAny(lower, deleteKeywords) {
			return ScheduleIntent{Action: ActionNothing}
		}
	default:
		return ScheduleIntent{Action: ActionNothing}
	}

	importance := c.Importance
	if importance < 1 || importance > 10 {
		importance = 5
	}

	intent := ScheduleIntent{
		Action:      action,
		Title:       strings.TrimSpace(c.Title),
		Description: strings.TrimSpace(c.Description),
		Importance:  importance,
	}

	if action == ActionAdd || action == ActionUpdate {
		if c.DateExpression == "" {
			return ScheduleIntent{Action: ActionNothing}
		}
		date, ok := dateparse.Parse(c.DateExpression, reference)
		if !ok {
			return ScheduleIntent{Action: ActionNothing}
		}
		intent.EventDate = date
		if c.Time != "" {
			t := c.Time
			intent.EventTime = &t
		}
	}

	return intent
}

func buildScheduleExtractionPrompt(userMessage, assistantReply string, reference time.Time) string {
	dateStr := reference.Format("2006-01-02 (Monday, January 2, 2006)")
	var b strings.Builder
	fmt.Fprintf(&b, "CURRENT DATE: %s\n\n", dateStr)
	b.WriteString("Conversation:\nUser: " + userMessage + "\n")
	if assistantReply != "" {
		b.WriteString("Assistant: " + assistantReply + "\n")
	}
	b.WriteString("\nDetermine if the user wants to ADD, UPDATE, or DELETE a schedule event, or NOTHING. ")
	b.WriteString("For relative dates return the expression itself (e.g. \"next Friday\"), do not calculate it. ")
	b.WriteString(`Respond ONLY with JSON: {"action":"ADD|UPDATE|DELETE|NOTHING","title":"...","date_expression":"...","time":"HH:MM or null","description":"...","importance":5,"event_id":null}`)
	return b.String()
}

func generateWithRetry(ctx context.Context, gen Generator, prompt, model string) (string, error) {
	return gen.Generate(ctx, prompt, GenerateOpts{
		Model:       model,
		Temperature: extractionTemperature,
		Timeout:     extractionTimeout,
	})
}

// resolveEventIDByTitle enforces that UPDATE/DELETE never
// trust an LLM-supplied numeric id: the target is resolved by substring
// match against the user's active events instead.
func resolveEventIDByTitle(title string, candidates []memory.ScheduleEvent) (int64, bool) {
	title = strings.ToLower(strings.TrimSpace(title))
	if title == "" {
		return 0, false
	}
	for _, e := range candidates {
		if strings.Contains(strings.ToLower(e.Title), title) || strings.Contains(title, strings.ToLower(e.Title)) {
			return e.ID, true
		}
	}
	return 0, false
}

// ResolveEventID is the exported entry point for [resolveEventIDByTitle],
// used by the schedule-write path after an UPDATE/DELETE intent is produced.
func ResolveEventID(title string, candidates []memory.ScheduleEvent) (int64, bool) {
	return resolveEventIDByTitle(title, candidates)
}
