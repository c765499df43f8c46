package dialog_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartmann1590/mumble-ai-assistant/internal/config"
	appcontext "github.com/chartmann1590/mumble-ai-assistant/internal/context"
	"github.com/chartmann1590/mumble-ai-assistant/internal/dialog"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
	"github.com/chartmann1590/mumble-ai-assistant/internal/session"
)

// fakeStore embeds memory.Store so only the methods a test actually
// exercises need an override; anything else panics on call, same pattern
// internal/context's tests already use.
type fakeStore struct {
	memory.Store

	mu         sync.Mutex
	kv         map[string]string
	savedTurns []memory.Turn
	sessionID  string
}

func (f *fakeStore) turns() []memory.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]memory.Turn(nil), f.savedTurns...)
}

func (f *fakeStore) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *fakeStore) SetConfigValue(ctx context.Context, key, value string) error {
	f.kv[key] = value
	return nil
}

func (f *fakeStore) SaveTurn(ctx context.Context, t memory.Turn, opts memory.SaveTurnOpts) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedTurns = append(f.savedTurns, t)
	return int64(len(f.savedTurns)), nil
}

func (f *fakeStore) RecentTurns(ctx context.Context, sessionID string, limit int) ([]memory.Turn, error) {
	return nil, nil
}

func (f *fakeStore) ListPersistentMemories(ctx context.Context, user string, category memory.MemoryCategory, limit int) ([]memory.PersistentMemory, error) {
	return nil, nil
}

func (f *fakeStore) ListSchedule(ctx context.Context, user string, start, end *string, limit int) ([]memory.ScheduleEvent, error) {
	return nil, nil
}

func (f *fakeStore) SemanticRecall(ctx context.Context, user string, queryEmbedding []float32, excludeSessionID string, limit int, minSimilarity float64) ([]memory.Turn, error) {
	return nil, nil
}

func (f *fakeStore) GetOrCreateSession(ctx context.Context, user string, reactivationWindow, timeout int) (memory.Session, error) {
	return memory.Session{SessionID: f.sessionID, UserName: user}, nil
}

func (f *fakeStore) TouchSession(ctx context.Context, sessionID string) error { return nil }

type fakeGenerator struct {
	reply     string
	lastModel *string
}

func (g fakeGenerator) Generate(ctx context.Context, prompt string, opts dialog.GenerateOpts) (string, error) {
	if g.lastModel != nil {
		*g.lastModel = opts.Model
	}
	return g.reply, nil
}

func (g fakeGenerator) Embed(ctx context.Context, text, model string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func newOrchestrator(t *testing.T, store *fakeStore, gen fakeGenerator) *dialog.Orchestrator {
	t.Helper()
	if store.kv == nil {
		store.kv = map[string]string{}
	}
	persona := config.NewStore(store)
	ctxBuilder := appcontext.New(store, persona, gen, nil)
	sessions := session.NewManager(store, 10, 30)
	return dialog.New(store, sessions, ctxBuilder, gen, persona)
}

func TestHandle_SavesUserTurnAndReturnsReply(t *testing.T) {
	store := &fakeStore{sessionID: "sess-1"}
	gen := fakeGenerator{reply: "Hello there!"}
	orch := newOrchestrator(t, store, gen)

	result, err := orch.Handle(context.Background(), "alice", "chan-1", memory.ModalityText, appcontext.ChannelText, "hi")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", result.SessionID)
	assert.Equal(t, "Hello there!", result.AssistantText)

	// The assistant save is fire-and-forget and may or may not have landed
	// yet; the user turn is saved synchronously and must be first.
	saved := store.turns()
	require.NotEmpty(t, saved)
	assert.Equal(t, memory.RoleUser, saved[0].Role)
	assert.Equal(t, "hi", saved[0].Message)
}

func TestGenerateReply_UsesConfiguredModel(t *testing.T) {
	store := &fakeStore{kv: map[string]string{"ollama_model": "custom-model"}, sessionID: "sess-1"}
	var model string
	gen := fakeGenerator{reply: "ok", lastModel: &model}
	orch := newOrchestrator(t, store, gen)

	reply, err := orch.GenerateReply(context.Background(), "bob", "sess-1", appcontext.ChannelVoice, "what's up", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", reply)
	assert.Equal(t, "custom-model", model)
}

func TestSaveAssistantTurnSync_PersistsImmediately(t *testing.T) {
	store := &fakeStore{sessionID: "sess-1"}
	gen := fakeGenerator{reply: "n/a"}
	orch := newOrchestrator(t, store, gen)

	id, err := orch.SaveAssistantTurnSync(context.Background(), "carol", "chan-1", "sess-1", memory.ModalityEmail, "reply text")
	require.NoError(t, err)
	assert.NotZero(t, id)

	require.Len(t, store.savedTurns, 1)
	assert.Equal(t, memory.RoleAssistant, store.savedTurns[0].Role)
}

func TestSaveAssistantTurnAsync_EventuallyPersists(t *testing.T) {
	store := &fakeStore{sessionID: "sess-1"}
	gen := fakeGenerator{reply: "n/a"}
	orch := newOrchestrator(t, store, gen)

	orch.SaveAssistantTurnAsync("dave", "chan-1", "sess-1", memory.ModalityVoice, "async reply")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.turns()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := store.turns(); len(got) != 1 {
		t.Fatalf("expected the async save to complete, got %d saved turns", len(got))
	}
}
