package config_test

import (
	"context"
	"testing"

	"github.com/chartmann1590/mumble-ai-assistant/internal/config"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// fakeKV is a minimal memory.Store double: it embeds the interface so any
// method this test doesn't care about panics loudly if ever called, while
// GetConfigValue/SetConfigValue are backed by a plain map.
type fakeKV struct {
	memory.Store
	values map[string]string
	gets   int
}

func (f *fakeKV) GetConfigValue(ctx context.Context, key string) (string, bool, error) {
	f.gets++
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeKV) SetConfigValue(ctx context.Context, key, value string) error {
	f.values[key] = value
	return nil
}

func TestStore_Get_FallsBackToDefault(t *testing.T) {
	db := &fakeKV{values: map[string]string{}}
	s := config.NewStore(db)

	v, err := s.Get(context.Background(), "ollama_model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "llama3.1" {
		t.Errorf("got %q, want default llama3.1", v)
	}
}

func TestStore_Get_PrefersDBValue(t *testing.T) {
	db := &fakeKV{values: map[string]string{"ollama_model": "mistral"}}
	s := config.NewStore(db)

	v, err := s.Get(context.Background(), "ollama_model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "mistral" {
		t.Errorf("got %q, want mistral", v)
	}
}

func TestStore_Get_CachesAfterFirstRead(t *testing.T) {
	db := &fakeKV{values: map[string]string{"bot_persona": "a pirate assistant"}}
	s := config.NewStore(db)

	for i := 0; i < 3; i++ {
		if _, err := s.Get(context.Background(), "bot_persona"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if db.gets != 1 {
		t.Errorf("db.gets = %d, want 1 (subsequent reads should hit cache)", db.gets)
	}
}

func TestStore_Set_UpdatesCacheAndDB(t *testing.T) {
	db := &fakeKV{values: map[string]string{}}
	s := config.NewStore(db)

	if err := s.Set(context.Background(), "bot_persona", "a grumpy assistant"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if db.values["bot_persona"] != "a grumpy assistant" {
		t.Errorf("db not updated: %q", db.values["bot_persona"])
	}

	v, err := s.Get(context.Background(), "bot_persona")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "a grumpy assistant" {
		t.Errorf("got %q, want a grumpy assistant", v)
	}
	if db.gets != 0 {
		t.Errorf("db.gets = %d, want 0 (Set should populate cache without a read)", db.gets)
	}
}

func TestStore_GetInt_FallsBackOnBadValue(t *testing.T) {
	db := &fakeKV{values: map[string]string{"short_term_memory_limit": "not-a-number"}}
	s := config.NewStore(db)

	n, err := s.ShortTermMemoryLimit(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 20 {
		t.Errorf("got %d, want default 20", n)
	}
}

func TestStore_TTS_SelectsVoiceByEngine(t *testing.T) {
	db := &fakeKV{values: map[string]string{
		"tts_engine":  "silero",
		"silero_voice": "en_3",
	}}
	s := config.NewStore(db)

	engine, voice, err := s.TTS(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if engine != config.TTSSilero || voice != "en_3" {
		t.Errorf("got (%v, %q), want (silero, en_3)", engine, voice)
	}
}

func TestStore_SemanticSimilarityThreshold_Default(t *testing.T) {
	db := &fakeKV{values: map[string]string{}}
	s := config.NewStore(db)

	f, err := s.SemanticSimilarityThreshold(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f != 0.75 {
		t.Errorf("got %v, want 0.75", f)
	}
}
