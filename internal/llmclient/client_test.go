package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("path = %s, want /api/generate", r.URL.Path)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "hello there", Done: true})
	}))
	defer srv.Close()

	c := New(srv.URL)
	out, err := c.Generate(context.Background(), "hi", GenerateOpts{Model: "llama3"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello there" {
		t.Errorf("out = %q, want %q", out, "hello there")
	}
}

func TestGenerate_EmptyResponseRetriedThenFails(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(generateResponse{Response: ""})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Generate(context.Background(), "hi", GenerateOpts{Model: "llama3", Timeout: 0})
	if err == nil {
		t.Fatal("expected error for repeated empty responses")
	}
	if calls != retryAttempts {
		t.Errorf("calls = %d, want %d", calls, retryAttempts)
	}
}

func TestEmbed_CachesBySHA256(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	v1, err := c.Embed(ctx, "hello world", "nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v2, err := c.Embed(ctx, "hello world", "nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (second call should hit cache)", calls)
	}
	if len(v1) != len(v2) {
		t.Errorf("cached embedding length mismatch")
	}
}

func TestGenerate_CircuitOpenSurfacesServiceUnavailable(t *testing.T) {
	c := New("http://unused.invalid")

	// Drive the breaker open directly rather than through real failing HTTP
	// calls, so the test doesn't pay for the retry backoff delays.
	for i := 0; i < breakerMaxFailure; i++ {
		c.genBreaker.Execute(func() error { return errEmptyResponse })
	}

	_, err := c.Generate(context.Background(), "hi", GenerateOpts{Model: "llama3"})
	if !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("err = %v, want ErrServiceUnavailable", err)
	}
}
