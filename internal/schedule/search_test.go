package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

type fakeStore struct {
	events     []memory.ScheduleEvent
	ftsResults []memory.ScheduleEvent

	mu        sync.Mutex
	ftsCalled bool
}

func (f *fakeStore) ListSchedule(ctx context.Context, user string, start, end *string, limit int) ([]memory.ScheduleEvent, error) {
	return f.events, nil
}

func (f *fakeStore) SearchScheduleFullText(ctx context.Context, user, query string, limit int) ([]memory.ScheduleEvent, error) {
	f.mu.Lock()
	f.ftsCalled = true
	f.mu.Unlock()
	return f.ftsResults, nil
}

func (f *fakeStore) sawFullText() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ftsCalled
}

type fakeGenerator struct {
	terms string
	err   error
}

func (g fakeGenerator) Generate(ctx context.Context, prompt string, opts GenerateOpts) (string, error) {
	return g.terms, g.err
}

func TestSearch_Tier1SemanticMatch(t *testing.T) {
	store := &fakeStore{events: []memory.ScheduleEvent{
		{ID: 1, Title: "Dentist appointment"},
		{ID: 2, Title: "Team standup meeting"},
	}}
	s := New(store, fakeGenerator{terms: "dentist appointment"}, "some-model")

	got, err := s.Search(context.Background(), "alice", "when is my dentist thing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected the dentist event ranked first, got %+v", got)
	}
}

func TestSearch_FallsBackToTier2WhenGeneratorUnavailable(t *testing.T) {
	store := &fakeStore{events: []memory.ScheduleEvent{
		{ID: 1, Title: "Dentist appointment"},
		{ID: 2, Title: "Team standup meeting"},
	}}
	s := New(store, nil, "some-model")

	got, err := s.Search(context.Background(), "alice", "dentist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected substring fallback to find the dentist event, got %+v", got)
	}
}

func TestSearch_FallsBackToTier2WhenDistillationFails(t *testing.T) {
	store := &fakeStore{events: []memory.ScheduleEvent{
		{ID: 1, Title: "Dentist appointment"},
	}}
	s := New(store, fakeGenerator{err: errBoom}, "some-model")

	got, err := s.Search(context.Background(), "alice", "dentist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("expected tier2 fallback to still find the event, got %+v", got)
	}
}

func TestSearch_NoCandidatesReturnsEmptyNotNil(t *testing.T) {
	store := &fakeStore{}
	s := New(store, fakeGenerator{terms: "anything"}, "some-model")

	got, err := s.Search(context.Background(), "alice", "anything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %+v", got)
	}
}

func TestSearch_RunsFullTextDiagnosticWithoutAffectingResult(t *testing.T) {
	store := &fakeStore{
		events:     []memory.ScheduleEvent{{ID: 1, Title: "Dentist appointment"}},
		ftsResults: []memory.ScheduleEvent{{ID: 99, Title: "unrelated"}},
	}
	s := New(store, fakeGenerator{terms: "dentist"}, "some-model")

	got, err := s.Search(context.Background(), "alice", "dentist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The diagnostic tier runs on its own goroutine and never delays Search.
	deadline := time.Now().Add(time.Second)
	for !store.sawFullText() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !store.sawFullText() {
		t.Error("expected tier3 full-text diagnostic query to run")
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("tier3 results must never be merged into the primary result, got %+v", got)
	}
}

func TestTier2Fuzzy_SubstringBeatsPartialOverlap(t *testing.T) {
	candidates := []memory.ScheduleEvent{
		{ID: 1, Title: "call with accountant"},
		{ID: 2, Title: "accountant review"},
	}
	got := tier2Fuzzy("call with accountant", candidates)
	if len(got) == 0 || got[0].ID != 1 {
		t.Fatalf("expected exact substring match ranked first, got %+v", got)
	}
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }
