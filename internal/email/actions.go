package email

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	appcontext "github.com/chartmann1590/mumble-ai-assistant/internal/context"
	"github.com/chartmann1590/mumble-ai-assistant/internal/extraction"
	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// Generator is the subset of the LLM client needed for action-synchronous extraction.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts extraction.GenerateOpts) (string, error)
}

// ActionRunner runs extraction synchronously and logs an email_action row
// per result, so the eventual reply can truthfully describe what happened.
// This duplicates the CRUD dispatch in internal/dialog's applyScheduleIntent
// rather than importing it, because e-mail needs a per-item status/error to
// log that the background voice/text path has no use for.
type ActionRunner struct {
	store memory.Store
	gen   Generator
}

// NewActionRunner creates an [ActionRunner].
func NewActionRunner(store memory.Store, gen Generator) *ActionRunner {
	return &ActionRunner{store: store, gen: gen}
}

// Run executes memory then schedule extraction against userText (the reply
// is not yet known at this point in the e-mail flow, so the extractors get an
// empty assistant reply — extraction prompts tolerate an empty reply),
// logging one email_action row per attempted change, and returns the
// assembled summary for the context builder's actions_context section.
func (r *ActionRunner) Run(ctx context.Context, threadID, emailLogID int64, user, userText, model string, now time.Time) *appcontext.EmailActionSummary {
	summary := &appcontext.EmailActionSummary{Tallies: map[string]int{}}

	r.runMemoryExtraction(ctx, threadID, emailLogID, user, userText, model, now, summary)
	r.runScheduleExtraction(ctx, threadID, emailLogID, user, userText, model, now, summary)

	return summary
}

func (r *ActionRunner) runMemoryExtraction(ctx context.Context, threadID, emailLogID int64, user, userText, model string, now time.Time, summary *appcontext.EmailActionSummary) {
	candidates, err := extraction.ExtractMemories(ctx, r.gen, model, user, userText, "", "", now)
	if err != nil {
		slog.Warn("email: memory extraction failed", "user", user, "err", err)
		r.logAction(ctx, threadID, emailLogID, memory.ActionTypeMemory, memory.ActionAdd, "memory extraction", memory.ActionFailed, nil, err)
		return
	}

	for _, m := range candidates {
		id, created, err := r.store.SavePersistentMemory(ctx, m)
		if err != nil {
			summary.Details = append(summary.Details, fmt.Sprintf("failed to save memory %q: %v", m.Content, err))
			r.logAction(ctx, threadID, emailLogID, memory.ActionTypeMemory, memory.ActionAdd, m.Content, memory.ActionFailed, nil, err)
			continue
		}
		status := memory.ActionSuccess
		label := "memories added"
		if !created {
			label = "memories deduplicated"
		}
		summary.Tallies[label]++
		summary.Details = append(summary.Details, fmt.Sprintf("remembered: %s", m.Content))
		r.logAction(ctx, threadID, emailLogID, memory.ActionTypeMemory, memory.ActionAdd, m.Content, status, map[string]any{"memory_id": id, "created": created}, nil)
	}
}

func (r *ActionRunner) runScheduleExtraction(ctx context.Context, threadID, emailLogID int64, user, userText, model string, now time.Time, summary *appcontext.EmailActionSummary) {
	intent, err := extraction.ExtractScheduleIntent(ctx, r.gen, model, userText, "", now)
	if err != nil {
		slog.Warn("email: schedule extraction failed", "user", user, "err", err)
		r.logAction(ctx, threadID, emailLogID, memory.ActionTypeSchedule, memory.ActionAdd, "schedule extraction", memory.ActionFailed, nil, err)
		return
	}

	switch intent.Action {
	case extraction.ActionAdd:
		id, created, err := r.store.SaveScheduleEvent(ctx, memory.ScheduleEvent{
			UserName:    user,
			Title:       intent.Title,
			EventDate:   intent.EventDate,
			EventTime:   intent.EventTime,
			Description: intent.Description,
			Importance:  intent.Importance,
			Active:      true,
		})
		if err != nil {
			summary.Details = append(summary.Details, fmt.Sprintf("failed to add event %q: %v", intent.Title, err))
			r.logAction(ctx, threadID, emailLogID, memory.ActionTypeSchedule, memory.ActionAdd, intent.Title, memory.ActionFailed, nil, err)
			return
		}
		summary.Tallies["events scheduled"]++
		summary.Details = append(summary.Details, fmt.Sprintf("added event %q on %s", intent.Title, intent.EventDate))
		r.logAction(ctx, threadID, emailLogID, memory.ActionTypeSchedule, memory.ActionAdd, intent.Title, memory.ActionSuccess, map[string]any{"event_id": id, "created": created}, nil)

	case extraction.ActionUpdate:
		candidates, err := r.store.ListSchedule(ctx, user, nil, nil, 500)
		if err != nil {
			r.logAction(ctx, threadID, emailLogID, memory.ActionTypeSchedule, memory.ActionUpdate, intent.Title, memory.ActionFailed, nil, err)
			return
		}
		id, ok := extraction.ResolveEventID(intent.Title, candidates)
		if !ok {
			summary.Details = append(summary.Details, fmt.Sprintf("could not find event %q to update", intent.Title))
			r.logAction(ctx, threadID, emailLogID, memory.ActionTypeSchedule, memory.ActionUpdate, intent.Title, memory.ActionSkipped, nil, nil)
			return
		}
		date := intent.EventDate
		desc := intent.Description
		importance := intent.Importance
		ok, err = r.store.UpdateScheduleEvent(ctx, id, memory.ScheduleEventUpdate{
			EventDate:   nonEmptyStringPtr(date),
			EventTime:   intent.EventTime,
			Description: nonEmptyStringPtr(desc),
			Importance:  &importance,
		})
		if err != nil || !ok {
			summary.Details = append(summary.Details, fmt.Sprintf("failed to update event %q", intent.Title))
			r.logAction(ctx, threadID, emailLogID, memory.ActionTypeSchedule, memory.ActionUpdate, intent.Title, memory.ActionFailed, map[string]any{"event_id": id}, err)
			return
		}
		summary.Tallies["events updated"]++
		summary.Details = append(summary.Details, fmt.Sprintf("updated event %q", intent.Title))
		r.logAction(ctx, threadID, emailLogID, memory.ActionTypeSchedule, memory.ActionUpdate, intent.Title, memory.ActionSuccess, map[string]any{"event_id": id}, nil)

	case extraction.ActionDelete:
		candidates, err := r.store.ListSchedule(ctx, user, nil, nil, 500)
		if err != nil {
			r.logAction(ctx, threadID, emailLogID, memory.ActionTypeSchedule, memory.ActionDelete, intent.Title, memory.ActionFailed, nil, err)
			return
		}
		id, ok := extraction.ResolveEventID(intent.Title, candidates)
		if !ok {
			summary.Details = append(summary.Details, fmt.Sprintf("could not find event %q to delete", intent.Title))
			r.logAction(ctx, threadID, emailLogID, memory.ActionTypeSchedule, memory.ActionDelete, intent.Title, memory.ActionSkipped, nil, nil)
			return
		}
		ok, err = r.store.DeleteScheduleEvent(ctx, id)
		if err != nil || !ok {
			summary.Details = append(summary.Details, fmt.Sprintf("failed to delete event %q", intent.Title))
			r.logAction(ctx, threadID, emailLogID, memory.ActionTypeSchedule, memory.ActionDelete, intent.Title, memory.ActionFailed, map[string]any{"event_id": id}, err)
			return
		}
		summary.Tallies["events deleted"]++
		summary.Details = append(summary.Details, fmt.Sprintf("deleted event %q", intent.Title))
		r.logAction(ctx, threadID, emailLogID, memory.ActionTypeSchedule, memory.ActionDelete, intent.Title, memory.ActionSuccess, map[string]any{"event_id": id}, nil)
	}
}

func (r *ActionRunner) logAction(ctx context.Context, threadID, emailLogID int64, actionType memory.EmailActionType, kind memory.EmailActionKind, intent string, status memory.EmailActionStatus, details map[string]any, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if _, logErr := r.store.LogEmailAction(ctx, memory.EmailAction{
		ThreadID:     threadID,
		EmailLogID:   emailLogID,
		ActionType:   actionType,
		Action:       kind,
		Intent:       intent,
		Status:       status,
		Details:      details,
		ErrorMessage: errMsg,
	}); logErr != nil {
		slog.Warn("email: log action failed", "err", logErr)
	}
}

func nonEmptyStringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
