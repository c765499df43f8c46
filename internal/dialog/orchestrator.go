// Package dialog implements the per-turn state machine shared by every
// channel frontend (Mumble, SIP, e-mail). A turn always persists the user's
// message synchronously, builds a prompt, generates a reply, persists the
// reply, and spawns extraction — but the channels differ on whether
// extraction happens before or after generation, so
// Orchestrator exposes both a one-shot Handle (voice/text) and the
// individual steps for channels that need to interleave them.
package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/config"
	appcontext "github.com/chartmann1590/mumble-ai-assistant/internal/context"
	"github.com/chartmann1590/mumble-ai-assistant/internal/extraction"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
	"github.com/chartmann1590/mumble-ai-assistant/internal/observe"
	"github.com/chartmann1590/mumble-ai-assistant/internal/session"
)

// Generator is the subset of the LLM client the orchestrator needs to produce a reply.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOpts) (string, error)
	Embed(ctx context.Context, text, model string) ([]float32, error)
}

// GenerateOpts mirrors llmclient.GenerateOpts, decoupling dialog from the
// concrete client the way internal/extraction and internal/schedule already
// do.
type GenerateOpts struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// asyncJobTimeout bounds every background extraction job so a hung LLM call
// cannot leak goroutines across turns indefinitely.
const asyncJobTimeout = 6 * time.Minute

// Orchestrator wires the persona config, LLM client, memory store, context
// builder, session manager, and extraction engine together into the shared
// per-turn flow.
type Orchestrator struct {
	store    memory.Store
	sessions *session.Manager
	ctxb     *appcontext.Builder
	gen      Generator
	persona  *config.Store
	metrics  *observe.Metrics
}

// Option configures optional Orchestrator behavior.
type Option func(*Orchestrator)

// WithMetrics attaches a [observe.Metrics] recorder. Nil (the default) turns
// every recording call into a no-op check, so metrics stay genuinely
// optional.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an [Orchestrator].
func New(store memory.Store, sessions *session.Manager, ctxb *appcontext.Builder, gen Generator, persona *config.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{store: store, sessions: sessions, ctxb: ctxb, gen: gen, persona: persona}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Result is the outcome of one turn.
type Result struct {
	SessionID     string
	AssistantText string
	UserTurnID    int64
}

// Handle runs one full turn for voice/text channels: extraction runs
// as non-blocking background jobs and is never awaited from this call.
func (o *Orchestrator) Handle(ctx context.Context, user, channelSession string, modality memory.Modality, channel appcontext.Channel, text string) (Result, error) {
	start := time.Now()

	sessionID, err := o.sessions.GetOrCreate(ctx, user)
	if err != nil {
		return Result{}, fmt.Errorf("dialog: resolve session: %w", err)
	}

	userTurnID, err := o.SaveUserTurn(ctx, user, channelSession, sessionID, modality, text)
	if err != nil {
		return Result{}, err
	}

	reply, err := o.GenerateReply(ctx, user, sessionID, channel, text, nil)
	if err != nil {
		return Result{}, err
	}

	o.SaveAssistantTurnAsync(user, channelSession, sessionID, modality, reply)

	o.SpawnExtraction(user, sessionID, text, reply)

	if detectConversationClosure(text) {
		o.markTopicResolvedAsync(user, sessionID)
	}

	if o.metrics != nil {
		o.metrics.RecordTurn(ctx, string(channel), "assistant", time.Since(start).Seconds())
	}

	return Result{SessionID: sessionID, AssistantText: reply, UserTurnID: userTurnID}, nil
}

// ResolveSession resolves the user's logical session id via the session manager,
// exposed separately for channels that run the turn steps individually
// (e-mail interleaves extraction between save and generate).
func (o *Orchestrator) ResolveSession(ctx context.Context, user string) (string, error) {
	sessionID, err := o.sessions.GetOrCreate(ctx, user)
	if err != nil {
		return "", fmt.Errorf("dialog: resolve session: %w", err)
	}
	return sessionID, nil
}

// SaveUserTurn persists the user's turn synchronously so the
// immediately following Build call can already see it via RecentTurns.
func (o *Orchestrator) SaveUserTurn(ctx context.Context, user, channelSession, sessionID string, modality memory.Modality, text string) (int64, error) {
	id, err := o.store.SaveTurn(ctx, memory.Turn{
		UserName:         user,
		ChannelSession:   channelSession,
		LogicalSessionID: sessionID,
		Modality:         modality,
		Role:             memory.RoleUser,
		Message:          text,
		TopicState:       memory.TopicActive,
	}, memory.SaveTurnOpts{})
	if err != nil {
		return 0, fmt.Errorf("dialog: save user turn: %w", err)
	}
	return id, nil
}

// GenerateReply builds the prompt via the context builder and calls the LLM client.
// email carries the e-mail-only action-summary/attachments inputs; pass nil
// on voice/text channels.
func (o *Orchestrator) GenerateReply(ctx context.Context, user, sessionID string, channel appcontext.Channel, text string, email *appcontext.EmailExtra) (string, error) {
	prompt, err := o.ctxb.Build(ctx, appcontext.Input{
		User:            user,
		SessionID:       sessionID,
		CurrentTurnText: text,
		Channel:         channel,
		Now:             time.Now(),
		Email:           email,
	})
	if err != nil {
		return "", fmt.Errorf("dialog: build context: %w", err)
	}

	model, err := o.persona.OllamaModel(ctx)
	if err != nil {
		return "", fmt.Errorf("dialog: load model config: %w", err)
	}

	reply, err := o.gen.Generate(ctx, prompt, GenerateOpts{Model: model, Temperature: 0.7, MaxTokens: 500})
	if err != nil {
		return "", fmt.Errorf("dialog: generate: %w", err)
	}
	return reply, nil
}

// GenerateFromPrompt calls the LLM on an already-assembled prompt,
// bypassing the context builder. Used by the
// e-mail channel, which builds its own e-mail-profile prompt via
// context.Builder directly rather than through [Orchestrator.GenerateReply].
func (o *Orchestrator) GenerateFromPrompt(ctx context.Context, prompt, model string) (string, error) {
	reply, err := o.gen.Generate(ctx, prompt, GenerateOpts{Model: model, Temperature: 0.7, MaxTokens: 500})
	if err != nil {
		return "", fmt.Errorf("dialog: generate: %w", err)
	}
	return reply, nil
}

// SaveAssistantTurnAsync persists the assistant's reply fire-and-forget.
// Its own context is independent of the caller's so it survives the caller
// returning the reply to its channel frontend.
func (o *Orchestrator) SaveAssistantTurnAsync(user, channelSession, sessionID string, modality memory.Modality, reply string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncJobTimeout)
		defer cancel()
		if _, err := o.store.SaveTurn(ctx, memory.Turn{
			UserName:         user,
			ChannelSession:   channelSession,
			LogicalSessionID: sessionID,
			Modality:         modality,
			Role:             memory.RoleAssistant,
			Message:          reply,
			TopicState:       memory.TopicActive,
		}, memory.SaveTurnOpts{}); err != nil {
			slog.Error("dialog: save assistant turn failed", "user", user, "session", sessionID, "err", err)
		}
	}()
}

// SaveAssistantTurnSync is the e-mail-channel variant: the thread history
// rendered into the very next prompt must already include this reply, so
// e-mail cannot use the fire-and-forget path.
func (o *Orchestrator) SaveAssistantTurnSync(ctx context.Context, user, channelSession, sessionID string, modality memory.Modality, reply string) (int64, error) {
	id, err := o.store.SaveTurn(ctx, memory.Turn{
		UserName:         user,
		ChannelSession:   channelSession,
		LogicalSessionID: sessionID,
		Modality:         modality,
		Role:             memory.RoleAssistant,
		Message:          reply,
		TopicState:       memory.TopicActive,
	}, memory.SaveTurnOpts{})
	if err != nil {
		return 0, fmt.Errorf("dialog: save assistant turn: %w", err)
	}
	return id, nil
}

// ExtractionOutcome is what [Orchestrator.RunExtraction] reports back to its
// caller; the fire-and-forget path in [Orchestrator.SpawnExtraction] discards
// it.
type ExtractionOutcome struct {
	Memories       []memory.PersistentMemory
	ScheduleIntent extraction.ScheduleIntent
}

// SpawnExtraction runs the memory and schedule extractors as background jobs
// with their own retry budget.
// Failures are logged and never propagate to the reply already sent.
func (o *Orchestrator) SpawnExtraction(user, sessionID, userText, assistantReply string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncJobTimeout)
		defer cancel()
		if _, err := o.RunExtraction(ctx, user, sessionID, userText, assistantReply); err != nil {
			slog.Warn("dialog: background extraction failed", "user", user, "session", sessionID, "err", err)
		}
	}()
}

// RunExtraction runs both extractors synchronously and writes their results
// via the memory store, applying the dedup rules already enforced inside [memory.Store].
// [Orchestrator.SpawnExtraction] runs it in the background; the e-mail
// channel does not call it and uses its own email.ActionRunner instead.
func (o *Orchestrator) RunExtraction(ctx context.Context, user, sessionID, userText, assistantReply string) (ExtractionOutcome, error) {
	var out ExtractionOutcome

	model, err := o.persona.MemoryExtractionModel(ctx)
	if err != nil {
		return out, fmt.Errorf("dialog: extraction model config: %w", err)
	}

	now := time.Now()

	memGen := extractionGeneratorAdapter{o.gen}

	candidates, err := extraction.ExtractMemories(ctx, memGen, model, user, userText, assistantReply, sessionID, now)
	if err != nil {
		slog.Warn("dialog: memory extraction failed", "user", user, "err", err)
		o.recordExtraction(ctx, "memory", "error")
	} else {
		for _, m := range candidates {
			if _, created, err := o.store.SavePersistentMemory(ctx, m); err != nil {
				slog.Warn("dialog: save persistent memory failed", "user", user, "err", err)
				continue
			} else if !created {
				o.recordDedup(ctx, "memory")
			}
		}
		o.recordExtraction(ctx, "memory", "processed")
		out.Memories = candidates
	}

	intent, err := extraction.ExtractScheduleIntent(ctx, memGen, model, userText, assistantReply, now)
	if err != nil {
		slog.Warn("dialog: schedule extraction failed", "user", user, "err", err)
		o.recordExtraction(ctx, "schedule", "error")
		return out, nil
	}
	out.ScheduleIntent = intent
	o.recordExtraction(ctx, "schedule", strings.ToLower(string(intent.Action)))

	if err := o.applyScheduleIntent(ctx, user, sessionID, intent); err != nil {
		slog.Warn("dialog: apply schedule intent failed", "user", user, "err", err)
	}

	return out, nil
}

func (o *Orchestrator) recordExtraction(ctx context.Context, extractor, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordExtractionOutcome(ctx, extractor, outcome)
	}
}

func (o *Orchestrator) recordDedup(ctx context.Context, kind string) {
	if o.metrics != nil {
		o.metrics.RecordDedupHit(ctx, kind)
	}
}

func (o *Orchestrator) applyScheduleIntent(ctx context.Context, user, sessionID string, intent extraction.ScheduleIntent) error {
	switch intent.Action {
	case extraction.ActionAdd:
		_, _, err := o.store.SaveScheduleEvent(ctx, memory.ScheduleEvent{
			UserName:    user,
			Title:       intent.Title,
			EventDate:   intent.EventDate,
			EventTime:   intent.EventTime,
			Description: intent.Description,
			Importance:  intent.Importance,
			Active:      true,
		})
		return err

	case extraction.ActionUpdate:
		candidates, err := o.store.ListSchedule(ctx, user, nil, nil, 500)
		if err != nil {
			return err
		}
		id, ok := extraction.ResolveEventID(intent.Title, candidates)
		if !ok {
			return nil
		}
		date := intent.EventDate
		desc := intent.Description
		importance := intent.Importance
		_, err = o.store.UpdateScheduleEvent(ctx, id, memory.ScheduleEventUpdate{
			EventDate:   nonEmptyStringPtr(date),
			EventTime:   intent.EventTime,
			Description: nonEmptyStringPtr(desc),
			Importance:  &importance,
		})
		return err

	case extraction.ActionDelete:
		candidates, err := o.store.ListSchedule(ctx, user, nil, nil, 500)
		if err != nil {
			return err
		}
		id, ok := extraction.ResolveEventID(intent.Title, candidates)
		if !ok {
			return nil
		}
		_, err = o.store.DeleteScheduleEvent(ctx, id)
		return err

	default:
		return nil
	}
}

// closurePhrases are the turn shapes that signal the current topic is
// finished, so its turns stop surfacing in semantic recall.
var closurePhrases = []string{
	"that's all", "that is all", "never mind", "nevermind", "that's it",
	"we're done", "all set", "goodbye", "good night", "talk to you later",
	"forget about it", "no more questions",
}

// detectConversationClosure reports whether the user turn reads as closing
// out the current topic.
func detectConversationClosure(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, p := range closurePhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// markTopicResolvedAsync flips the session's active-topic turns to resolved
// so SemanticRecall stops surfacing them.
func (o *Orchestrator) markTopicResolvedAsync(user, sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := o.store.MarkTopicResolved(ctx, user, sessionID, ""); err != nil {
			slog.Warn("dialog: mark topic resolved failed", "user", user, "session", sessionID, "err", err)
		}
	}()
}

func nonEmptyStringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// extractionGeneratorAdapter adapts [Generator] to [extraction.Generator]
// without extraction importing dialog's GenerateOpts shape directly.
type extractionGeneratorAdapter struct{ gen Generator }

func (a extractionGeneratorAdapter) Generate(ctx context.Context, prompt string, opts extraction.GenerateOpts) (string, error) {
	return a.gen.Generate(ctx, prompt, GenerateOpts{
		Model:       opts.Model,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Timeout:     opts.Timeout,
	})
}
