// Package summary implements the daily digest scheduler. A
// minute-granularity timer fires the first tick where the configured
// timezone's wall clock matches summary_time and the digest has not already
// been sent today.
package summary

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/config"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// pollInterval is the scheduler's own granularity: summary_time is matched
// at minute resolution.
const pollInterval = time.Minute

// generateTimeout bounds the LLM summarization call.
const generateTimeout = 120 * time.Second

// lookbackWindow is the "last 24h" aggregation window for turns and memories.
const lookbackWindow = 24 * time.Hour

// lookaheadWindow is the "next 7 days" schedule window.
const lookaheadWindow = 7 * 24 * time.Hour

// Generator is the subset of the LLM client needed to summarize the day's digest.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOpts) (string, error)
}

// GenerateOpts mirrors llmclient.GenerateOpts.
type GenerateOpts struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Mailer is the subset of the e-mail channel needed to deliver the digest.
type Mailer interface {
	SendSummary(ctx context.Context, to, subject, plainBody, htmlBody string) error
}

// Store is the subset of the memory store the digest aggregates from.
type Store interface {
	TurnsSince(ctx context.Context, user string, since time.Time) ([]memory.Turn, error)
	ListSchedule(ctx context.Context, user string, start, end *string, limit int) ([]memory.ScheduleEvent, error)
	PersistentMemoriesSince(ctx context.Context, user string, since time.Time) ([]memory.PersistentMemory, error)
	LogEmail(ctx context.Context, l memory.EmailLog) (int64, error)
}

// Scheduler runs the daily-digest timer loop.
type Scheduler struct {
	store    Store
	gen      Generator
	mailer   Mailer
	persona  *config.Store
	location *time.Location
}

// New creates a [Scheduler].
func New(store Store, gen Generator, mailer Mailer, persona *config.Store, location *time.Location) *Scheduler {
	return &Scheduler{store: store, gen: gen, mailer: mailer, persona: persona, location: location}
}

// Run blocks until ctx is canceled, checking once per minute whether the
// digest is due.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now().In(s.location))
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	summaryTime, err := s.persona.Get(ctx, "summary_time")
	if err != nil || summaryTime == "" {
		return
	}
	hh, mm, ok := parseHHMM(summaryTime)
	if !ok || now.Hour() != hh || now.Minute() != mm {
		return
	}

	lastSent, err := s.persona.DailySummaryLastSent(ctx)
	if err != nil {
		slog.Error("summary: load last-sent failed", "err", err)
		return
	}
	today := now.Format("2006-01-02")
	if lastSent == today {
		return
	}

	if err := s.send(ctx, now); err != nil {
		slog.Error("summary: daily digest failed", "err", err)
		return
	}
	if err := s.persona.SetDailySummaryLastSent(ctx, today); err != nil {
		slog.Error("summary: record last-sent failed", "err", err)
	}
}

// TriggerNow sends the digest immediately regardless of summary_time,
// without touching last_sent bookkeeping's scheduling guard beyond recording
// a fresh last-sent date. Exposed for an admin-triggered resend.
func (s *Scheduler) TriggerNow(ctx context.Context) error {
	now := time.Now().In(s.location)
	if err := s.send(ctx, now); err != nil {
		return err
	}
	return s.persona.SetDailySummaryLastSent(ctx, now.Format("2006-01-02"))
}

func (s *Scheduler) send(ctx context.Context, now time.Time) error {
	recipient, err := s.persona.SummaryRecipient(ctx)
	if err != nil {
		return fmt.Errorf("load summary recipient: %w", err)
	}
	if recipient == "" {
		return fmt.Errorf("no summary_recipient configured")
	}
	user, err := s.persona.SummaryUser(ctx)
	if err != nil {
		return fmt.Errorf("load summary user: %w", err)
	}

	since := now.Add(-lookbackWindow)
	turns, err := s.store.TurnsSince(ctx, user, since)
	if err != nil {
		return fmt.Errorf("load turns: %w", err)
	}
	newMemories, err := s.store.PersistentMemoriesSince(ctx, user, since)
	if err != nil {
		return fmt.Errorf("load new memories: %w", err)
	}

	startStr := now.Format("2006-01-02")
	endStr := now.Add(lookaheadWindow).Format("2006-01-02")
	upcoming, err := s.store.ListSchedule(ctx, user, &startStr, &endStr, 100)
	if err != nil {
		return fmt.Errorf("load upcoming schedule: %w", err)
	}

	recentChanges, err := s.store.ListSchedule(ctx, user, nil, nil, 200)
	if err != nil {
		return fmt.Errorf("load schedule changes: %w", err)
	}
	recentChanges = filterRecentlyChanged(recentChanges, since)

	model, err := s.persona.OllamaModel(ctx)
	if err != nil {
		return fmt.Errorf("load model config: %w", err)
	}

	prompt := buildPrompt(turns, recentChanges, upcoming, newMemories, now)

	gctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()
	body, err := s.gen.Generate(gctx, prompt, GenerateOpts{Model: model, Temperature: 0.5, MaxTokens: 600, Timeout: generateTimeout})
	if err != nil {
		if _, logErr := s.store.LogEmail(ctx, memory.EmailLog{
			Direction:    memory.DirectionSent,
			EmailType:    memory.EmailTypeSummary,
			To:           recipient,
			Subject:      "Daily summary",
			Status:       memory.EmailStatusError,
			ErrorMessage: "will be retried: " + err.Error(),
			MappedUser:   user,
		}); logErr != nil {
			slog.Warn("summary: log failed-summary email failed", "err", logErr)
		}
		return fmt.Errorf("generate summary: %w", err)
	}

	htmlBody := plainToHTML(body)
	subject := fmt.Sprintf("Daily summary - %s", now.Format("January 2, 2006"))
	if err := s.mailer.SendSummary(ctx, recipient, subject, body, htmlBody); err != nil {
		if _, logErr := s.store.LogEmail(ctx, memory.EmailLog{
			Direction:    memory.DirectionSent,
			EmailType:    memory.EmailTypeSummary,
			To:           recipient,
			Subject:      subject,
			FullBody:     body,
			Status:       memory.EmailStatusError,
			ErrorMessage: err.Error(),
			MappedUser:   user,
		}); logErr != nil {
			slog.Warn("summary: log send-failure email failed", "err", logErr)
		}
		return fmt.Errorf("send summary: %w", err)
	}

	if _, err := s.store.LogEmail(ctx, memory.EmailLog{
		Direction:   memory.DirectionSent,
		EmailType:   memory.EmailTypeSummary,
		To:          recipient,
		Subject:     subject,
		BodyPreview: truncate(body, 200),
		FullBody:    body,
		Status:      memory.EmailStatusSuccess,
		MappedUser:  user,
	}); err != nil {
		slog.Warn("summary: log success email failed", "err", err)
	}
	return nil
}

func filterRecentlyChanged(events []memory.ScheduleEvent, since time.Time) []memory.ScheduleEvent {
	out := make([]memory.ScheduleEvent, 0, len(events))
	for _, e := range events {
		if e.UpdatedAt.After(since) || e.CreatedAt.After(since) {
			out = append(out, e)
		}
	}
	return out
}

func buildPrompt(turns []memory.Turn, changes, upcoming []memory.ScheduleEvent, newMemories []memory.PersistentMemory, now time.Time) string {
	var b strings.Builder
	b.WriteString("Summarize the following day's activity into a short, friendly daily digest e-mail. ")
	b.WriteString("Be concise and organize by section (Conversations, Schedule Changes, Upcoming, New Memories). ")
	b.WriteString(fmt.Sprintf("Today is %s.\n\n", now.Format("Monday, January 2, 2006")))

	b.WriteString(fmt.Sprintf("Conversation turns in the last 24h (%d):\n", len(turns)))
	for _, t := range turns {
		fmt.Fprintf(&b, "- [%s/%s] %s\n", t.Modality, t.Role, truncate(t.Message, 200))
	}

	b.WriteString(fmt.Sprintf("\nSchedule changes in the last 24h (%d):\n", len(changes)))
	for _, e := range changes {
		fmt.Fprintf(&b, "- %s on %s\n", e.Title, e.EventDate)
	}

	b.WriteString(fmt.Sprintf("\nUpcoming events in the next 7 days (%d):\n", len(upcoming)))
	for _, e := range upcoming {
		fmt.Fprintf(&b, "- %s on %s\n", e.Title, e.EventDate)
	}

	b.WriteString(fmt.Sprintf("\nNew memories in the last 24h (%d):\n", len(newMemories)))
	for _, m := range newMemories {
		fmt.Fprintf(&b, "- %s\n", m.Content)
	}

	return b.String()
}

func parseHHMM(s string) (int, int, bool) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, 0, false
	}
	return hh, mm, true
}

func plainToHTML(plain string) string {
	return "<html><body><pre>" + strings.ReplaceAll(plain, "<", "&lt;") + "</pre></body></html>"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
