package llmclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// Summarizer adapts [Client] to [memory.Summarizer] for the memory store's consolidation
// path, so the memory package itself stays free of an LLM dependency.
type Summarizer struct {
	Client *Client
	Model  string
}

var _ memory.Summarizer = Summarizer{}

// Summarize asks the configured model to condense a chunk of turns into
// topics, facts, events, and action items.
func (s Summarizer) Summarize(ctx context.Context, user string, turns []memory.Turn) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize this conversation chunk with %s into a compact paragraph covering: "+
		"topics discussed, facts stated, events mentioned, and any action items. "+
		"Be concise; this summary replaces the raw turns for future recall.\n\n", user)
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Message)
	}

	summary, err := s.Client.Generate(ctx, b.String(), GenerateOpts{Model: s.Model, Temperature: 0.2, MaxTokens: 400})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(summary), nil
}
