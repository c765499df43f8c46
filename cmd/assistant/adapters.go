// Command assistant is the main entry point for the conversational
// assistant server: it loads bootstrap configuration, connects the memory
// store, and wires every subsystem together before handing off to the three channel
// frontends and the background schedulers.
package main

import (
	"context"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/dialog"
	"github.com/chartmann1590/mumble-ai-assistant/internal/email"
	"github.com/chartmann1590/mumble-ai-assistant/internal/extraction"
	"github.com/chartmann1590/mumble-ai-assistant/internal/llmclient"
	"github.com/chartmann1590/mumble-ai-assistant/internal/reminder"
	"github.com/chartmann1590/mumble-ai-assistant/internal/schedule"
	"github.com/chartmann1590/mumble-ai-assistant/internal/summary"
)

// Each downstream package (dialog, extraction, schedule, reminder, summary)
// defines its own GenerateOpts struct, and email its own VisionOpts, to stay
// decoupled from the concrete llmclient.Client type (see their doc comments). These adapters
// bridge that decoupling at the one place a concrete client actually exists:
// here, where main.go wires everything together.

// dialogGenAdapter adapts [llmclient.Client] to [dialog.Generator].
type dialogGenAdapter struct{ c *llmclient.Client }

func (a dialogGenAdapter) Generate(ctx context.Context, prompt string, opts dialog.GenerateOpts) (string, error) {
	return a.c.Generate(ctx, prompt, llmclient.GenerateOpts{
		Model: opts.Model, Temperature: opts.Temperature, MaxTokens: opts.MaxTokens, Timeout: opts.Timeout,
	})
}

func (a dialogGenAdapter) Embed(ctx context.Context, text, model string) ([]float32, error) {
	return a.c.Embed(ctx, text, model)
}

// scheduleGenAdapter adapts [llmclient.Client] to [schedule.Generator].
type scheduleGenAdapter struct{ c *llmclient.Client }

func (a scheduleGenAdapter) Generate(ctx context.Context, prompt string, opts schedule.GenerateOpts) (string, error) {
	return a.c.Generate(ctx, prompt, llmclient.GenerateOpts{
		Model: opts.Model, Temperature: opts.Temperature, MaxTokens: opts.MaxTokens, Timeout: opts.Timeout,
	})
}

// reminderGenAdapter adapts [llmclient.Client] to [reminder.Generator].
type reminderGenAdapter struct{ c *llmclient.Client }

func (a reminderGenAdapter) Generate(ctx context.Context, prompt string, opts reminder.GenerateOpts) (string, error) {
	return a.c.Generate(ctx, prompt, llmclient.GenerateOpts{
		Model: opts.Model, Temperature: opts.Temperature, MaxTokens: opts.MaxTokens, Timeout: opts.Timeout,
	})
}

// summaryGenAdapter adapts [llmclient.Client] to [summary.Generator].
type summaryGenAdapter struct{ c *llmclient.Client }

func (a summaryGenAdapter) Generate(ctx context.Context, prompt string, opts summary.GenerateOpts) (string, error) {
	return a.c.Generate(ctx, prompt, llmclient.GenerateOpts{
		Model: opts.Model, Temperature: opts.Temperature, MaxTokens: opts.MaxTokens, Timeout: opts.Timeout,
	})
}

// emailActionGenAdapter adapts [llmclient.Client] to [email.Generator]
// (action-synchronous extraction, which already shares extraction's
// GenerateOpts shape).
type emailActionGenAdapter struct{ c *llmclient.Client }

func (a emailActionGenAdapter) Generate(ctx context.Context, prompt string, opts extraction.GenerateOpts) (string, error) {
	return a.c.Generate(ctx, prompt, llmclient.GenerateOpts{
		Model: opts.Model, Temperature: opts.Temperature, MaxTokens: opts.MaxTokens, Timeout: opts.Timeout,
	})
}

// emailVisionAdapter adapts [llmclient.Client] to [email.VisionGenerator].
type emailVisionAdapter struct{ c *llmclient.Client }

func (a emailVisionAdapter) Vision(ctx context.Context, imageBytes []byte, prompt string, opts email.VisionOpts) (string, error) {
	return a.c.Vision(ctx, imageBytes, prompt, llmclient.VisionOpts{Model: opts.Model, Timeout: opts.Timeout})
}

// configCtxTimeout bounds the persona/config reads performed synchronously
// inside the func() string callbacks the channel frontends poll per call
// (mumble.UserConfig, sip.UserConfig) — these never block on the system
// clock, only on a DB round trip through [config.Store]'s cache.
const configCtxTimeout = 5 * time.Second
