package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chartmann1590/mumble-ai-assistant/internal/resilience"
)

// synthesizeRequest mirrors the shared TTS wire contract; all three interchangeable
// engines (Piper, Silero, Chatterbox) speak it identically.
type synthesizeRequest struct {
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// Synthesizer is an HTTP client for one of the three interchangeable TTS
// engines selected by persona config.
type Synthesizer struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

// NewSynthesizer constructs a Synthesizer against baseURL.
func NewSynthesizer(baseURL string) *Synthesizer {
	return &Synthesizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "speech.tts", MaxFailures: breakerMaxFailure, ResetTimeout: breakerResetAfter, HalfOpenMax: breakerHalfOpen,
		}),
	}
}

// Synthesize requests a WAV rendering of text in the given voice (empty uses
// the engine's default).
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	var out []byte
	err := withRetry(ctx, s.breaker, defaultTimeout, func(ctx context.Context) error {
		payload, err := json.Marshal(synthesizeRequest{Text: text, Voice: voice})
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/synthesize", bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http: %w", err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
		}
		out = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Health reports whether the TTS service's /health endpoint responds 200.
func (s *Synthesizer) Health(ctx context.Context) bool {
	return probeHealth(ctx, s.httpClient, s.baseURL)
}

// Router selects among the three interchangeable TTS engines
// (tts_engine: piper, silero, or chatterbox) so the channel frontends can
// honor the currently-configured engine without themselves knowing about
// three separate HTTP endpoints. None of the three carry state, so
// switching engines between calls is always safe.
type Router struct {
	engines map[string]*Synthesizer
}

// NewRouter builds a Router from base URLs for each engine. An empty URL
// leaves that engine unregistered; Synthesize returns an error if asked for
// an unregistered engine.
func NewRouter(piperURL, sileroURL, chatterboxURL string) *Router {
	r := &Router{engines: make(map[string]*Synthesizer, 3)}
	if piperURL != "" {
		r.engines["piper"] = NewSynthesizer(piperURL)
	}
	if sileroURL != "" {
		r.engines["silero"] = NewSynthesizer(sileroURL)
	}
	if chatterboxURL != "" {
		r.engines["chatterbox"] = NewSynthesizer(chatterboxURL)
	}
	return r
}

// Synthesize dispatches to the named engine.
func (r *Router) Synthesize(ctx context.Context, engine, text, voice string) ([]byte, error) {
	s, ok := r.engines[engine]
	if !ok {
		return nil, fmt.Errorf("speech: tts engine %q not configured", engine)
	}
	return s.Synthesize(ctx, text, voice)
}

// Health reports whether every registered engine's /health endpoint is up.
func (r *Router) Health(ctx context.Context) bool {
	for _, s := range r.engines {
		if !s.Health(ctx) {
			return false
		}
	}
	return true
}
