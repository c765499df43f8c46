package reminder

import (
	"context"
	"testing"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

type fakeStore struct {
	events        []memory.ScheduleEvent
	markedSentIDs []int64
}

func (f *fakeStore) EventsNeedingReminders(ctx context.Context, today string) ([]memory.ScheduleEvent, error) {
	return f.events, nil
}

func (f *fakeStore) MarkReminderSent(ctx context.Context, eventID int64, sendLog *memory.EmailLog) error {
	f.markedSentIDs = append(f.markedSentIDs, eventID)
	for i := range f.events {
		if f.events[i].ID == eventID {
			f.events[i].ReminderSent = true
		}
	}
	return nil
}

type fakeGen struct{ calls int }

func (f *fakeGen) Generate(ctx context.Context, prompt string, opts GenerateOpts) (string, error) {
	f.calls++
	return "Don't forget your event!", nil
}

type fakeMailer struct{ sent []string }

func (f *fakeMailer) SendReminder(ctx context.Context, to, subject, body string) error {
	f.sent = append(f.sent, to)
	return nil
}

func TestEventDateTimeAllDayDefaultsTo9AM(t *testing.T) {
	e := memory.ScheduleEvent{EventDate: "2025-11-05"}
	dt, err := eventDateTime(e, time.UTC)
	if err != nil {
		t.Fatalf("eventDateTime: %v", err)
	}
	if dt.Hour() != 9 || dt.Minute() != 0 {
		t.Errorf("expected 09:00, got %v", dt)
	}
}

func TestEventDateTimeWithTime(t *testing.T) {
	et := "14:30"
	e := memory.ScheduleEvent{EventDate: "2025-11-05", EventTime: &et}
	dt, err := eventDateTime(e, time.UTC)
	if err != nil {
		t.Fatalf("eventDateTime: %v", err)
	}
	if dt.Hour() != 14 || dt.Minute() != 30 {
		t.Errorf("expected 14:30, got %v", dt)
	}
}

func TestMaybeFireSendsWhenDueAndMarksIdempotent(t *testing.T) {
	now := time.Date(2025, 11, 5, 13, 45, 0, 0, time.UTC)
	et := "14:00"
	store := &fakeStore{events: []memory.ScheduleEvent{
		{ID: 1, Title: "Dentist", EventDate: "2025-11-05", EventTime: &et, ReminderLeadMinutes: 15, RecipientEmail: "user@example.com"},
	}}
	gen := &fakeGen{}
	mailer := &fakeMailer{}
	s := New(store, gen, mailer, "llama3.1", time.UTC)

	s.maybeFire(context.Background(), store.events[0], now)

	if len(mailer.sent) != 1 {
		t.Fatalf("expected 1 email sent, got %d", len(mailer.sent))
	}
	if len(store.markedSentIDs) != 1 || store.markedSentIDs[0] != 1 {
		t.Fatalf("expected event 1 marked sent, got %v", store.markedSentIDs)
	}
}

func TestMaybeFireSkipsWhenNotDue(t *testing.T) {
	now := time.Date(2025, 11, 5, 8, 0, 0, 0, time.UTC)
	et := "14:00"
	store := &fakeStore{}
	mailer := &fakeMailer{}
	s := New(store, &fakeGen{}, mailer, "llama3.1", time.UTC)

	e := memory.ScheduleEvent{ID: 1, Title: "Dentist", EventDate: "2025-11-05", EventTime: &et, ReminderLeadMinutes: 15, RecipientEmail: "user@example.com"}
	s.maybeFire(context.Background(), e, now)

	if len(mailer.sent) != 0 {
		t.Errorf("expected no email sent, got %d", len(mailer.sent))
	}
}

func TestMaybeFireSkipsWithoutRecipient(t *testing.T) {
	now := time.Date(2025, 11, 5, 13, 45, 0, 0, time.UTC)
	et := "14:00"
	store := &fakeStore{}
	mailer := &fakeMailer{}
	s := New(store, &fakeGen{}, mailer, "llama3.1", time.UTC)

	e := memory.ScheduleEvent{ID: 1, Title: "Dentist", EventDate: "2025-11-05", EventTime: &et, ReminderLeadMinutes: 15}
	s.maybeFire(context.Background(), e, now)

	if len(mailer.sent) != 0 {
		t.Errorf("expected no email sent without recipient, got %d", len(mailer.sent))
	}
}
