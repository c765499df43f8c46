// Package context assembles the single prompt string injected into every
// LLM generation call: persona, schedule view, persistent memories, semantically
// recalled history, and recent short-term history, in a fixed section order
// with empty sections omitted. Channel-aware: voice always gets a full
// upcoming schedule view, e-mail and other conditional channels only get one
// when the turn looks schedule-related.
package context

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chartmann1590/mumble-ai-assistant/internal/config"
	"github.com/chartmann1590/mumble-ai-assistant/internal/extraction"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// Channel identifies which frontend is requesting a prompt, since the
// schedule-block rules differ by channel.
type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelText  Channel = "text"
	ChannelEmail Channel = "email"
)

// scheduleViewDays is the upcoming window shown to voice channels.
const scheduleViewDays = 30

// EmailActionSummary is the tallied record of the memory/schedule
// actions just executed while processing an inbound e-mail.
type EmailActionSummary struct {
	// Tallies maps a human label ("memories added", "events scheduled", ...)
	// to a count.
	Tallies map[string]int

	// Details is one already-formatted line per action, success or failure.
	Details []string
}

// EmailExtra carries the e-mail-only inputs to [Builder.Build]: the action
// summary, any attachment analysis text, and the role-labeled thread
// history, all already rendered.
// ThreadHistory, when non-empty, replaces the session-based short-term
// section — the thread, not the logical session, is an e-mail turn's
// conversational context.
type EmailExtra struct {
	ActionSummary       *EmailActionSummary
	AttachmentsAnalysis []string
	ThreadHistory       []string
}

// Input is everything [Builder.Build] needs for one turn.
type Input struct {
	User            string
	SessionID       string
	CurrentTurnText string
	Channel         Channel

	// Now is the reference instant in the display timezone; Build never
	// consults the system clock itself.
	Now time.Time

	// Email carries the action-summary/attachments inputs. Nil on non-e-mail
	// channels.
	Email *EmailExtra
}

// Embedder is the subset of the LLM client the builder needs to compute a query
// embedding for semantic recall.
type Embedder interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
}

// ScheduleSearcher is schedule search, used to answer "when is my X" turns
// instead of falling back to a raw listing. Optional: a nil Builder.search
// simply skips the delegation and renders a plain upcoming-events listing.
type ScheduleSearcher interface {
	Search(ctx context.Context, user, query string) ([]memory.ScheduleEvent, error)
}

// Builder assembles prompts from the memory store (memory.Store), the persona config (config.Store), and
// the LLM client (Embedder).
type Builder struct {
	store   memory.Store
	persona *config.Store
	embed   Embedder
	search  ScheduleSearcher
}

// New creates a [Builder]. search may be nil; see [ScheduleSearcher].
func New(store memory.Store, persona *config.Store, embed Embedder, search ScheduleSearcher) *Builder {
	return &Builder{store: store, persona: persona, embed: embed, search: search}
}

// assembled holds every section's rendered (or empty) content, fetched
// concurrently by [Builder.Build].
type assembled struct {
	persona        string
	schedule       string
	memories       []memory.PersistentMemory
	semanticRecall []memory.Turn
	recentTurns    []memory.Turn
}

// Build assembles the full prompt for one turn.
func (b *Builder) Build(ctx context.Context, in Input) (string, error) {
	shortLimit, err := b.persona.ShortTermMemoryLimit(ctx)
	if err != nil {
		return "", fmt.Errorf("context: short term memory limit: %w", err)
	}
	longLimit, err := b.persona.LongTermMemoryLimit(ctx)
	if err != nil {
		return "", fmt.Errorf("context: long term memory limit: %w", err)
	}
	simThreshold, err := b.persona.SemanticSimilarityThreshold(ctx)
	if err != nil {
		return "", fmt.Errorf("context: semantic similarity threshold: %w", err)
	}
	embeddingModel, err := b.persona.EmbeddingModel(ctx)
	if err != nil {
		return "", fmt.Errorf("context: embedding model: %w", err)
	}
	personaText, err := b.persona.Persona(ctx)
	if err != nil {
		return "", fmt.Errorf("context: persona: %w", err)
	}

	data := &assembled{persona: personaText}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		turns, err := b.store.RecentTurns(egCtx, in.SessionID, shortLimit)
		if err != nil {
			return fmt.Errorf("recent turns: %w", err)
		}
		data.recentTurns = turns
		return nil
	})

	eg.Go(func() error {
		all, err := b.store.ListPersistentMemories(egCtx, in.User, "", 100)
		if err != nil {
			return fmt.Errorf("list persistent memories: %w", err)
		}
		data.memories = excludeScheduleCategory(all)
		return nil
	})

	eg.Go(func() error {
		text, err := b.buildScheduleBlock(egCtx, in)
		if err != nil {
			return fmt.Errorf("schedule block: %w", err)
		}
		data.schedule = text
		return nil
	})

	eg.Go(func() error {
		if b.embed == nil || strings.TrimSpace(in.CurrentTurnText) == "" {
			return nil
		}
		vec, err := b.embed.Embed(egCtx, in.CurrentTurnText, embeddingModel)
		if err != nil {
			return fmt.Errorf("embed current turn: %w", err)
		}
		recalled, err := b.store.SemanticRecall(egCtx, in.User, vec, in.SessionID, longLimit, simThreshold)
		if err != nil {
			return fmt.Errorf("semantic recall: %w", err)
		}
		data.semanticRecall = recalled
		return nil
	})

	if err := eg.Wait(); err != nil {
		return "", err
	}

	return Format(in, data), nil
}

func excludeScheduleCategory(in []memory.PersistentMemory) []memory.PersistentMemory {
	out := make([]memory.PersistentMemory, 0, len(in))
	for _, m := range in {
		if m.Category != memory.CategorySchedule {
			out = append(out, m)
		}
	}
	return out
}

// buildScheduleBlock renders the schedule section. Voice channels always get the
// full upcoming view; other channels only get one when the turn looks
// schedule-related, after which category/time-window filters narrow it.
func (b *Builder) buildScheduleBlock(ctx context.Context, in Input) (string, error) {
	if in.Channel != ChannelVoice && !extraction.IsScheduleQuery(in.CurrentTurnText) && !looksScheduleRelated(in.CurrentTurnText) {
		return "", nil
	}

	if in.Channel != ChannelVoice && isWhenIsMyQuery(in.CurrentTurnText) && b.search != nil {
		events, err := b.search.Search(ctx, in.User, in.CurrentTurnText)
		if err != nil {
			return "", err
		}
		return formatScheduleSearchResults(events), nil
	}

	start, end := scheduleWindow(in)
	events, err := b.store.ListSchedule(ctx, in.User, start, end, 200)
	if err != nil {
		return "", err
	}

	if in.Channel != ChannelVoice {
		events = filterByCategory(events, in.CurrentTurnText)
	}

	if in.Channel == ChannelVoice {
		return formatScheduleGrouped(events, in.Now), nil
	}
	return formatScheduleFlat(events), nil
}

func looksScheduleRelated(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range []string{"schedule", "calendar", "appointment", "event", "meeting", "reminder"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func isWhenIsMyQuery(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "when is my") || strings.Contains(lower, "when's my") || strings.Contains(lower, "what time is my")
}

var scheduleCategoryKeywords = map[string][]string{
	"travel":      {"flight", "trip", "vacation", "travel", "airport", "hotel"},
	"appointment": {"appointment", "doctor", "dentist", "checkup", "visit"},
	"meeting":     {"meeting", "call", "sync", "standup", "conference"},
	"event":       {"event", "party", "concert", "festival", "show"},
}

func filterByCategory(events []memory.ScheduleEvent, text string) []memory.ScheduleEvent {
	lower := strings.ToLower(text)
	var matched string
	for category, kws := range scheduleCategoryKeywords {
		for _, kw := range kws {
			if strings.Contains(lower, kw) {
				matched = category
				break
			}
		}
		if matched != "" {
			break
		}
	}
	if matched == "" {
		return events
	}
	kws := scheduleCategoryKeywords[matched]
	var out []memory.ScheduleEvent
	for _, e := range events {
		title := strings.ToLower(e.Title + " " + e.Description)
		for _, kw := range kws {
			if strings.Contains(title, kw) {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

var monthNameList = []string{
	"january", "february", "march", "april", "may", "june",
	"july", "august", "september", "october", "november", "december",
}

// scheduleWindow computes the [start,end] date filter applied to
// [memory.Store.ListSchedule] for non-voice channels, per the month/quarter
// and time-window rules. Voice channels always use the fixed
// 30-day upcoming window.
func scheduleWindow(in Input) (*string, *string) {
	if in.Channel == ChannelVoice {
		start := in.Now.Format("2006-01-02")
		end := in.Now.AddDate(0, 0, scheduleViewDays).Format("2006-01-02")
		return &start, &end
	}

	lower := strings.ToLower(in.CurrentTurnText)
	now := in.Now

	switch {
	case strings.Contains(lower, "today"):
		d := now.Format("2006-01-02")
		return &d, &d
	case strings.Contains(lower, "tomorrow"):
		d := now.AddDate(0, 0, 1).Format("2006-01-02")
		return &d, &d
	case strings.Contains(lower, "this week"):
		start := now.Format("2006-01-02")
		end := now.AddDate(0, 0, 6).Format("2006-01-02")
		return &start, &end
	case strings.Contains(lower, "this month"):
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		end := start.AddDate(0, 1, -1)
		s, e := start.Format("2006-01-02"), end.Format("2006-01-02")
		return &s, &e
	case strings.Contains(lower, "next month"):
		start := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
		end := start.AddDate(0, 1, -1)
		s, e := start.Format("2006-01-02"), end.Format("2006-01-02")
		return &s, &e
	case strings.Contains(lower, "this quarter"):
		q := (int(now.Month()) - 1) / 3
		start := time.Date(now.Year(), time.Month(q*3+1), 1, 0, 0, 0, 0, now.Location())
		end := start.AddDate(0, 3, -1)
		s, e := start.Format("2006-01-02"), end.Format("2006-01-02")
		return &s, &e
	}

	for i, name := range monthNameList {
		if strings.Contains(lower, name) {
			month := time.Month(i + 1)
			year := now.Year()
			start := time.Date(year, month, 1, 0, 0, 0, 0, now.Location())
			if start.Before(time.Date(year, now.Month(), 1, 0, 0, 0, 0, now.Location())) {
				start = start.AddDate(1, 0, 0)
			}
			end := start.AddDate(0, 1, -1)
			s, e := start.Format("2006-01-02"), end.Format("2006-01-02")
			return &s, &e
		}
	}

	// No specific window mentioned: default to the same 30-day upcoming
	// view voice channels always get.
	start := now.Format("2006-01-02")
	end := now.AddDate(0, 0, scheduleViewDays).Format("2006-01-02")
	return &start, &end
}

func sortByDateTime(events []memory.ScheduleEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].EventDate != events[j].EventDate {
			return events[i].EventDate < events[j].EventDate
		}
		ti, tj := "", ""
		if events[i].EventTime != nil {
			ti = *events[i].EventTime
		}
		if events[j].EventTime != nil {
			tj = *events[j].EventTime
		}
		return ti < tj
	})
}
