// Package speech wraps the Whisper transcription and TTS synthesis HTTP
// services shared by the Mumble and SIP channels, each wrapped in the same
// retry/circuit-breaker policy llmclient applies to Ollama.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/resilience"
)

// ErrServiceUnavailable is returned when the STT/TTS breaker is open.
var ErrServiceUnavailable = errors.New("speech: service unavailable")

const (
	defaultTimeout    = 30 * time.Second
	retryAttempts     = 3
	retryBase         = 1 * time.Second
	retryCap          = 4 * time.Second
	breakerMaxFailure = 5
	breakerResetAfter = 60 * time.Second
	breakerHalfOpen   = 1
)

// knownHallucinations are the short phrases whisper.cpp emits on silent or
// near-silent audio.
var knownHallucinations = map[string]bool{
	"thank you":                true,
	"bye":                      true,
	"you":                      true,
	"thank you for watching":   true,
	"thanks for watching":      true,
	"please subscribe":         true,
}

// IsKnownHallucination reports whether text (after trim/lowercase/punctuation
// strip) matches a known Whisper silence-artifact phrase.
func IsKnownHallucination(text string) bool {
	clean := strings.ToLower(strings.TrimSpace(text))
	clean = strings.TrimRight(clean, ".!? ")
	return knownHallucinations[clean]
}

// TranscribeResult is the decoded /transcribe response.
type TranscribeResult struct {
	Text                string  `json:"text"`
	Language            string  `json:"language"`
	LanguageProbability float64 `json:"language_probability"`
}

// Transcriber is an HTTP client for the Whisper transcription service.
type Transcriber struct {
	baseURL    string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

// NewTranscriber constructs a Transcriber against baseURL.
func NewTranscriber(baseURL string) *Transcriber {
	return &Transcriber{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "speech.stt", MaxFailures: breakerMaxFailure, ResetTimeout: breakerResetAfter, HalfOpenMax: breakerHalfOpen,
		}),
	}
}

// Transcribe sends a WAV-framed audio buffer to the Whisper service and
// returns the recognized text.
func (t *Transcriber) Transcribe(ctx context.Context, wav []byte, language string) (TranscribeResult, error) {
	var out TranscribeResult
	err := withRetry(ctx, t.breaker, defaultTimeout, func(ctx context.Context) error {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)

		part, err := w.CreateFormFile("audio", "utterance.wav")
		if err != nil {
			return fmt.Errorf("create form file: %w", err)
		}
		if _, err := part.Write(wav); err != nil {
			return fmt.Errorf("write audio: %w", err)
		}
		if language != "" {
			if err := w.WriteField("language", language); err != nil {
				return fmt.Errorf("write language field: %w", err)
			}
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close multipart writer: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/transcribe", &body)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", w.FormDataContentType())

		resp, err := t.httpClient.Do(req)
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
		return json.Unmarshal(data, &out)
	})
	if err != nil {
		return TranscribeResult{}, err
	}
	return out, nil
}

// Health reports whether the Whisper service's /health endpoint responds 200.
func (t *Transcriber) Health(ctx context.Context) bool {
	return probeHealth(ctx, t.httpClient, t.baseURL)
}

func withRetry(ctx context.Context, breaker *resilience.CircuitBreaker, timeout time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err := breaker.Execute(func() error { return fn(callCtx) })
		cancel()

		if err == nil {
			return nil
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("%w: %s", ErrServiceUnavailable, breaker.State())
		}
		lastErr = err

		if attempt == retryAttempts-1 {
			break
		}
		if err := sleepBackoff(ctx, attempt); err != nil {
			return err
		}
	}
	return fmt.Errorf("speech: exhausted retries: %w", lastErr)
}

func sleepBackoff(ctx context.Context, attempt int) error {
	backoff := retryBase << attempt
	if backoff > retryCap {
		backoff = retryCap
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	wait := backoff/2 + jitter

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func probeHealth(ctx context.Context, client *http.Client, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
