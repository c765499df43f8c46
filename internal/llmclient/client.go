// Package llmclient talks to a local Ollama server for text generation,
// embeddings, and vision, and wraps every call in the retry and
// circuit-breaker policy shared by every external service client here.
//
// Only the standard library is used for transport — a single Ollama wire
// contract (POST /api/generate, /api/embeddings) is simple enough that a
// generic HTTP client adds nothing a multi-provider SDK would not also have
// to unwrap.
package llmclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/resilience"
)

// ErrServiceUnavailable is returned when the circuit breaker is open; callers
// convert it into a channel-appropriate fallback message rather than
// propagating a raw transport error.
var ErrServiceUnavailable = errors.New("llm client: service unavailable")

const (
	defaultTimeout    = 300 * time.Second
	retryAttempts     = 3
	retryBase         = 2 * time.Second
	retryCap          = 8 * time.Second
	breakerMaxFailure = 5
	breakerResetAfter = 60 * time.Second
	breakerHalfOpen   = 1
)

// GenerateOpts configures a single [Client.Generate] call.
type GenerateOpts struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	StopSequences []string
	Timeout       time.Duration
}

// Client is a retrying, circuit-broken Ollama client. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client

	genBreaker   *resilience.CircuitBreaker
	embBreaker   *resilience.CircuitBreaker
	visBreaker   *resilience.CircuitBreaker

	embedCacheMu sync.RWMutex
	embedCache   map[string][]float32
}

// New constructs a Client against baseURL (e.g. http://localhost:11434).
func New(baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		genBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "llm.generate", MaxFailures: breakerMaxFailure, ResetTimeout: breakerResetAfter, HalfOpenMax: breakerHalfOpen,
		}),
		embBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "llm.embed", MaxFailures: breakerMaxFailure, ResetTimeout: breakerResetAfter, HalfOpenMax: breakerHalfOpen,
		}),
		visBreaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name: "llm.vision", MaxFailures: breakerMaxFailure, ResetTimeout: breakerResetAfter, HalfOpenMax: breakerHalfOpen,
		}),
		embedCache: make(map[string][]float32),
	}
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
	Images  []string       `json:"images,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate implements the LLM client's generate(prompt, opts) operation.
func (c *Client) Generate(ctx context.Context, prompt string, opts GenerateOpts) (string, error) {
	options := map[string]any{}
	if opts.Temperature != 0 {
		options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens != 0 {
		options["num_predict"] = opts.MaxTokens
	}
	if len(opts.StopSequences) > 0 {
		options["stop"] = opts.StopSequences
	}

	req := generateRequest{Model: opts.Model, Prompt: prompt, Stream: false, Options: options}
	var out string
	err := c.withRetry(ctx, c.genBreaker, opts.Timeout, func(ctx context.Context) error {
		resp, err := c.post(ctx, "/api/generate", req)
		if err != nil {
			return err
		}
		var decoded generateResponse
		if err := json.Unmarshal(resp, &decoded); err != nil {
			return fmt.Errorf("decode generate response: %w", err)
		}
		if decoded.Response == "" {
			return errEmptyResponse
		}
		out = decoded.Response
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// VisionOpts configures a single [Client.Vision] call.
type VisionOpts struct {
	Model   string
	Timeout time.Duration
}

// Vision implements the LLM client's vision(image_bytes, prompt, opts) operation, sending
// the image as a base64-encoded element of the generate request (Ollama's
// multimodal wire format).
func (c *Client) Vision(ctx context.Context, imageBytes []byte, prompt string, opts VisionOpts) (string, error) {
	req := generateRequest{
		Model:  opts.Model,
		Prompt: prompt,
		Stream: false,
		Images: []string{base64.StdEncoding.EncodeToString(imageBytes)},
	}
	var out string
	err := c.withRetry(ctx, c.visBreaker, opts.Timeout, func(ctx context.Context) error {
		resp, err := c.post(ctx, "/api/generate", req)
		if err != nil {
			return err
		}
		var decoded generateResponse
		if err := json.Unmarshal(resp, &decoded); err != nil {
			return fmt.Errorf("decode vision response: %w", err)
		}
		if decoded.Response == "" {
			return errEmptyResponse
		}
		out = decoded.Response
		return nil
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed implements the LLM client's embed(text, opts) operation. Results are cached for
// the life of the process, keyed by SHA-256 of (model, text).
func (c *Client) Embed(ctx context.Context, text string, model string) ([]float32, error) {
	key := embedCacheKey(model, text)

	c.embedCacheMu.RLock()
	if cached, ok := c.embedCache[key]; ok {
		c.embedCacheMu.RUnlock()
		return cached, nil
	}
	c.embedCacheMu.RUnlock()

	req := embedRequest{Model: model, Input: text}
	var out []float32
	err := c.withRetry(ctx, c.embBreaker, defaultTimeout, func(ctx context.Context) error {
		resp, err := c.post(ctx, "/api/embeddings", req)
		if err != nil {
			return err
		}
		var decoded embedResponse
		if err := json.Unmarshal(resp, &decoded); err != nil {
			return fmt.Errorf("decode embed response: %w", err)
		}
		if len(decoded.Embedding) == 0 {
			return errEmptyResponse
		}
		out = decoded.Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.embedCacheMu.Lock()
	c.embedCache[key] = out
	c.embedCacheMu.Unlock()
	return out, nil
}

func embedCacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + text))
	return string(sum[:])
}

var errEmptyResponse = errors.New("llm client: empty response")

// withRetry applies the exponential-backoff-with-jitter retry policy
// around a circuit-broken call. Empty-response errors are retried like any
// other transient failure; a tripped breaker short-circuits immediately and
// is surfaced as [ErrServiceUnavailable].
func (c *Client) withRetry(ctx context.Context, breaker *resilience.CircuitBreaker, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = defaultTimeout
	}

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
	return fmt.Errorf("llm client: exhausted retries: %w", lastErr)
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

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
