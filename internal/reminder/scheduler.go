// Package reminder implements a periodic loop that fires reminder
// notifications at event_time − lead_minutes, idempotently, over the mail
// path.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// pollInterval is how often the scheduler checks for due reminders.
const pollInterval = time.Minute

// dueWindow is the ±5 minute tolerance around reminder_time within which a
// reminder is considered due.
const dueWindow = 5 * time.Minute

// allDayHour is the local hour all-day events (no event_time) fire a
// reminder at.
const allDayHour = 9

// Generator is the subset of the LLM client the scheduler needs to synthesize a short
// reminder message.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOpts) (string, error)
}

// GenerateOpts mirrors llmclient.GenerateOpts, decoupling reminder from the
// concrete client type.
type GenerateOpts struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Store is the subset of the memory store the scheduler needs.
type Store interface {
	EventsNeedingReminders(ctx context.Context, today string) ([]memory.ScheduleEvent, error)
	MarkReminderSent(ctx context.Context, eventID int64, sendLog *memory.EmailLog) error
}

// Mailer sends a reminder e-mail. Implemented by internal/email's SMTP
// sender in production; kept minimal here so reminder has no IMAP/SMTP
// dependency of its own.
type Mailer interface {
	SendReminder(ctx context.Context, to, subject, body string) error
}

// Scheduler implements the reminder loop.
type Scheduler struct {
	store    Store
	gen      Generator
	mailer   Mailer
	model    string
	location *time.Location
}

// New creates a [Scheduler]. location is the display timezone used to interpret event_date/event_time and all-day
// firing.
func New(store Store, gen Generator, mailer Mailer, model string, location *time.Location) *Scheduler {
	if location == nil {
		location = time.UTC
	}
	return &Scheduler{store: store, gen: gen, mailer: mailer, model: model, location: location}
}

// Run loops every minute until ctx is canceled, firing any due reminders.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().In(s.location)
	today := now.Format("2006-01-02")

	events, err := s.store.EventsNeedingReminders(ctx, today)
	if err != nil {
		slog.Error("reminder: fetch events needing reminders failed", "err", err)
		return
	}

	for _, e := range events {
		s.maybeFire(ctx, e, now)
	}
}

func (s *Scheduler) maybeFire(ctx context.Context, e memory.ScheduleEvent, now time.Time) {
	eventTime, err := eventDateTime(e, s.location)
	if err != nil {
		slog.Warn("reminder: skip event with unparseable date/time", "event_id", e.ID, "err", err)
		return
	}

	reminderTime := eventTime.Add(-time.Duration(e.ReminderLeadMinutes) * time.Minute)

	due := absDuration(now.Sub(reminderTime)) <= dueWindow
	if !due || now.After(eventTime) {
		return
	}

	if e.RecipientEmail == "" {
		slog.Warn("reminder: event has reminder_enabled but no recipient_email, skipping", "event_id", e.ID)
		return
	}

	body, err := s.synthesizeMessage(ctx, e, eventTime)
	if err != nil {
		slog.Error("reminder: synthesize message failed", "event_id", e.ID, "err", err)
		return
	}

	subject := "Reminder: " + e.Title
	if err := s.mailer.SendReminder(ctx, e.RecipientEmail, subject, body); err != nil {
		slog.Error("reminder: send failed", "event_id", e.ID, "err", err)
		return
	}

	// reminder_sent=true means no further send for this event; the send log
	// and the idempotency flag are committed together by the store.
	sendLog := &memory.EmailLog{
		Direction: memory.DirectionSent,
		EmailType: memory.EmailTypeReminder,
		To:        e.RecipientEmail,
		Subject:   subject,
		FullBody:  body,
		Status:    memory.EmailStatusSuccess,
	}
	if err := s.store.MarkReminderSent(ctx, e.ID, sendLog); err != nil {
		slog.Error("reminder: mark sent failed", "event_id", e.ID, "err", err)
	}
}

func (s *Scheduler) synthesizeMessage(ctx context.Context, e memory.ScheduleEvent, eventTime time.Time) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a short, friendly reminder e-mail body (2-3 sentences, no subject line) for this upcoming event:\n")
	fmt.Fprintf(&b, "Title: %s\nWhen: %s\n", e.Title, eventTime.Format("Monday, January 2 at 3:04 PM"))
	if e.Description != "" {
		fmt.Fprintf(&b, "Details: %s\n", e.Description)
	}

	out, err := s.gen.Generate(ctx, b.String(), GenerateOpts{Model: s.model, Temperature: 0.4, MaxTokens: 150, Timeout: 60 * time.Second})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// eventDateTime computes the concrete local event datetime, defaulting
// all-day events (nil EventTime) to 09:00.
func eventDateTime(e memory.ScheduleEvent, loc *time.Location) (time.Time, error) {
	date, err := time.ParseInLocation("2006-01-02", e.EventDate, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse event_date: %w", err)
	}
	if e.EventTime == nil || *e.EventTime == "" {
		return time.Date(date.Year(), date.Month(), date.Day(), allDayHour, 0, 0, 0, loc), nil
	}
	t, err := time.Parse("15:04", *e.EventTime)
	if err != nil {
		// The store returns TIME columns as "HH:MM:SS".
		t, err = time.Parse("15:04:05", *e.EventTime)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse event_time: %w", err)
	}
	return time.Date(date.Year(), date.Month(), date.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
