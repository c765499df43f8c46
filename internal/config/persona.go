package config

import (
	"context"
	"strconv"
	"sync"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// TTSEngine identifies the configured text-to-speech backend.
type TTSEngine string

const (
	TTSPiper      TTSEngine = "piper"
	TTSSilero     TTSEngine = "silero"
	TTSChatterbox TTSEngine = "chatterbox"
)

// defaults are the hard-coded fallbacks used when a key is absent from the
// bot_config table.
var defaults = map[string]string{
	"ollama_url":                     "http://localhost:11434",
	"ollama_model":                   "llama3.1",
	"ollama_vision_model":            "llava",
	"memory_extraction_model":        "llama3.1",
	"embedding_model":                "nomic-embed-text",
	"bot_persona":                    "You are a helpful, concise assistant.",
	"whisper_language":               "en",
	"tts_engine":                     string(TTSPiper),
	"piper_voice":                    "en_US-lessac-medium",
	"silero_voice":                   "en_0",
	"short_term_memory_limit":        "20",
	"long_term_memory_limit":         "5",
	"semantic_similarity_threshold":  "0.75",
	"session_timeout_minutes":        "30",
	"session_reactivation_minutes":   "10",
	"summary_recipient":              "",
	"summary_user":                   "",
	"daily_summary_last_sent":        "",
}

// Store is a read-through cache over the KV config table (bot_config) owned
// by the memory store. Known keys fall back to hard-coded [defaults] when absent from the
// database. Writes go through [Store.Set], which updates the row and the
// cache in the same call.
//
// Store is safe for concurrent use.
type Store struct {
	db memory.Store

	mu     sync.RWMutex
	cached map[string]string
}

// NewStore creates a [Store] backed by db. The cache starts empty and is
// populated lazily, one key at a time, on first read.
func NewStore(db memory.Store) *Store {
	return &Store{db: db, cached: make(map[string]string)}
}

// Get returns the current value for key: the cached value if present,
// otherwise the DB value (cached for next time), otherwise the hard-coded
// default.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	if v, ok := s.cached[key]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	v, found, err := s.db.GetConfigValue(ctx, key)
	if err != nil {
		return "", err
	}
	if !found {
		v = defaults[key]
	}

	s.mu.Lock()
	s.cached[key] = v
	s.mu.Unlock()
	return v, nil
}

// Set writes key=value to the DB and busts the cached entry to the new
// value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.db.SetConfigValue(ctx, key, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.cached[key] = value
	s.mu.Unlock()
	return nil
}

func (s *Store) getInt(ctx context.Context, key string) (int, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		n, _ = strconv.Atoi(defaults[key])
	}
	return n, nil
}

func (s *Store) getFloat(ctx context.Context, key string) (float64, error) {
	v, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		f, _ = strconv.ParseFloat(defaults[key], 64)
	}
	return f, nil
}

// Persona returns the bot_persona free-text block injected by the context builder.
func (s *Store) Persona(ctx context.Context) (string, error) { return s.Get(ctx, "bot_persona") }

// OllamaURL returns the Ollama base URL for the LLM client.
func (s *Store) OllamaURL(ctx context.Context) (string, error) { return s.Get(ctx, "ollama_url") }

// OllamaModel returns the chat completion model id for the LLM client.
func (s *Store) OllamaModel(ctx context.Context) (string, error) { return s.Get(ctx, "ollama_model") }

// OllamaVisionModel returns the vision model id used for e-mail image attachments.
func (s *Store) OllamaVisionModel(ctx context.Context) (string, error) {
	return s.Get(ctx, "ollama_vision_model")
}

// MemoryExtractionModel returns the model id used by the extraction engine.
func (s *Store) MemoryExtractionModel(ctx context.Context) (string, error) {
	return s.Get(ctx, "memory_extraction_model")
}

// EmbeddingModel returns the embedding model id used by the LLM client.Embed and the memory store.
func (s *Store) EmbeddingModel(ctx context.Context) (string, error) {
	return s.Get(ctx, "embedding_model")
}

// WhisperLanguage returns the configured transcription language hint.
func (s *Store) WhisperLanguage(ctx context.Context) (string, error) {
	return s.Get(ctx, "whisper_language")
}

// TTS returns the configured TTS engine and its selected voice.
func (s *Store) TTS(ctx context.Context) (engine TTSEngine, voice string, err error) {
	e, err := s.Get(ctx, "tts_engine")
	if err != nil {
		return "", "", err
	}
	engine = TTSEngine(e)
	switch engine {
	case TTSSilero:
		voice, err = s.Get(ctx, "silero_voice")
	default:
		voice, err = s.Get(ctx, "piper_voice")
	}
	return engine, voice, err
}

// ShortTermMemoryLimit returns the number of recent turns
// included in every prompt.
func (s *Store) ShortTermMemoryLimit(ctx context.Context) (int, error) {
	return s.getInt(ctx, "short_term_memory_limit")
}

// LongTermMemoryLimit returns the number of semantically recalled turns
// included in every prompt.
func (s *Store) LongTermMemoryLimit(ctx context.Context) (int, error) {
	return s.getInt(ctx, "long_term_memory_limit")
}

// SemanticSimilarityThreshold returns the minimum cosine similarity for
// [memory.Store.SemanticRecall] results to be considered relevant.
func (s *Store) SemanticSimilarityThreshold(ctx context.Context) (float64, error) {
	return s.getFloat(ctx, "semantic_similarity_threshold")
}

// SessionTimeoutMinutes returns the idle cutoff used by the session sweep.
func (s *Store) SessionTimeoutMinutes(ctx context.Context) (int, error) {
	return s.getInt(ctx, "session_timeout_minutes")
}

// SessionReactivationMinutes returns the idle-session reuse window.
func (s *Store) SessionReactivationMinutes(ctx context.Context) (int, error) {
	return s.getInt(ctx, "session_reactivation_minutes")
}

// SummaryRecipient returns the e-mail address the daily digest is sent to.
func (s *Store) SummaryRecipient(ctx context.Context) (string, error) {
	return s.Get(ctx, "summary_recipient")
}

// SummaryUser returns the user_name the daily summary aggregates turns/memories/schedule
// for.
func (s *Store) SummaryUser(ctx context.Context) (string, error) {
	return s.Get(ctx, "summary_user")
}

// DailySummaryLastSent returns the date (YYYY-MM-DD) the daily digest last
// sent successfully, or "" if never sent.
func (s *Store) DailySummaryLastSent(ctx context.Context) (string, error) {
	return s.Get(ctx, "daily_summary_last_sent")
}

// SetDailySummaryLastSent records the date the daily digest last sent.
func (s *Store) SetDailySummaryLastSent(ctx context.Context, date string) error {
	return s.Set(ctx, "daily_summary_last_sent", date)
}
