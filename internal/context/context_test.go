package context_test

import (
	"context"
	"strings"
	"testing"
	"time"

	ctxbuild "github.com/chartmann1590/mumble-ai-assistant/internal/context"
	"github.com/chartmann1590/mumble-ai-assistant/internal/config"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

type fakeStore struct {
	memory.Store
	recentTurns []memory.Turn
	memories    []memory.PersistentMemory
	schedule    []memory.ScheduleEvent
	recalled    []memory.Turn
	kv          map[string]string
}

func (f *fakeStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	return f.recentTurns, nil
}

func (f *fakeStore) ListPersistentMemories(ctx context.Context, user string, category memory.MemoryCategory, limit int) ([]memory.PersistentMemory, error) {
	return f.memories, nil
}

func (f *fakeStore) ListSchedule(ctx context.Context, user string, start, end *string, limit int) ([]memory.ScheduleEvent, error) {
	return f.schedule, nil
}

func (f *fakeStore) SemanticRecall(ctx context.Context, user string, queryEmbedding []float32, excludeSessionID string, limit int, minSimilarity float64) ([]memory.Turn, error) {
	return f.recalled, nil
}

func (f *fakeStore) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *fakeStore) SetConfigValue(ctx context.Context, key, value string) error {
	f.kv[key] = value
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text, model string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func newBuilder(t *testing.T, store *fakeStore) *ctxbuild.Builder {
	t.Helper()
	if store.kv == nil {
		store.kv = map[string]string{}
	}
	persona := config.NewStore(store)
	return ctxbuild.New(store, persona, fakeEmbedder{}, nil)
}

var now = time.Date(2024, time.June, 13, 9, 0, 0, 0, time.UTC)

func TestBuild_OmitsEmptySections(t *testing.T) {
	store := &fakeStore{kv: map[string]string{"bot_persona": ""}}
	b := newBuilder(t, store)

	prompt, err := b.Build(context.Background(), ctxbuild.Input{
		User: "alice", SessionID: "s1", CurrentTurnText: "hello there", Channel: ctxbuild.ChannelText, Now: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(prompt, "## Persona") {
		t.Errorf("empty persona section should be omitted:\n%s", prompt)
	}
	if strings.Contains(prompt, "## Schedule") {
		t.Errorf("non-schedule text channel turn should omit schedule section:\n%s", prompt)
	}
	if !strings.Contains(prompt, "hello there") {
		t.Errorf("current turn text missing from prompt:\n%s", prompt)
	}
}

func TestBuild_VoiceAlwaysIncludesSchedule(t *testing.T) {
	store := &fakeStore{kv: map[string]string{}}
	b := newBuilder(t, store)

	prompt, err := b.Build(context.Background(), ctxbuild.Input{
		User: "alice", SessionID: "s1", CurrentTurnText: "hello there", Channel: ctxbuild.ChannelVoice, Now: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prompt, "## Schedule") {
		t.Errorf("voice channel must always include a schedule section:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Do not invent events") {
		t.Errorf("empty schedule view must be rendered explicitly:\n%s", prompt)
	}
}

func TestBuild_TextChannelIncludesScheduleWhenMentioned(t *testing.T) {
	et := "15:00"
	store := &fakeStore{
		kv: map[string]string{},
		schedule: []memory.ScheduleEvent{
			{ID: 1, Title: "Dentist appointment", EventDate: "2024-06-14", EventTime: &et, Importance: 7},
		},
	}
	b := newBuilder(t, store)

	prompt, err := b.Build(context.Background(), ctxbuild.Input{
		User: "alice", SessionID: "s1", CurrentTurnText: "what's on my schedule tomorrow?", Channel: ctxbuild.ChannelText, Now: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prompt, "Dentist appointment") {
		t.Errorf("expected schedule event in prompt:\n%s", prompt)
	}
}

func TestBuild_PersistentMemoriesExcludeScheduleCategory(t *testing.T) {
	store := &fakeStore{
		kv: map[string]string{},
		memories: []memory.PersistentMemory{
			{Category: memory.CategoryFact, Content: "likes tea", Importance: 5},
			{Category: memory.CategorySchedule, Content: "should not appear", Importance: 9},
		},
	}
	b := newBuilder(t, store)

	prompt, err := b.Build(context.Background(), ctxbuild.Input{
		User: "alice", SessionID: "s1", CurrentTurnText: "hi", Channel: ctxbuild.ChannelText, Now: now,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prompt, "likes tea") {
		t.Errorf("expected non-schedule memory in prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, "should not appear") {
		t.Errorf("schedule-category memory should be excluded from the memories section:\n%s", prompt)
	}
}

func TestBuild_EmailActionSummaryIncluded(t *testing.T) {
	store := &fakeStore{kv: map[string]string{}}
	b := newBuilder(t, store)

	prompt, err := b.Build(context.Background(), ctxbuild.Input{
		User: "alice", SessionID: "s1", CurrentTurnText: "please add this", Channel: ctxbuild.ChannelEmail, Now: now,
		Email: &ctxbuild.EmailExtra{
			ActionSummary: &ctxbuild.EmailActionSummary{
				Tallies: map[string]int{"events scheduled": 1},
				Details: []string{"Added event \"Dentist appointment\" on 2024-06-14."},
			},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(prompt, "Added event") {
		t.Errorf("expected action summary detail in prompt:\n%s", prompt)
	}
}
