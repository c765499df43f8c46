// Package consolidation runs the nightly conversation consolidation pass:
// turns older than the retention cutoff are grouped, summarized by the LLM,
// and replaced in the live recall path by a single persistent memory per
// chunk. Unlike the daily digest time, the cutoff and cadence are operational
// knobs, not something an end user edits through chat, so this runs on a
// fixed cron schedule rather than polling a KV setting every minute.
package consolidation

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// retentionWindow is how old a turn must be before consolidation touches it.
const retentionWindow = 7 * 24 * time.Hour

// runTimeout bounds one consolidation pass across every user.
const runTimeout = 10 * time.Minute

// Store is the subset of the memory store needed to run consolidation.
type Store interface {
	ConsolidateBefore(ctx context.Context, user, cutoff string, summarize memory.Summarizer) (memory.ConsolidationResult, error)
}

// Scheduler fires a consolidation pass once a day.
type Scheduler struct {
	store     Store
	summarize memory.Summarizer
	cron      *cron.Cron
}

// New creates a [Scheduler]. spec is a standard 5-field cron expression in
// the server's local time; "0 3 * * *" (03:00 daily) is the expected value.
func New(store Store, summarize memory.Summarizer, spec string) (*Scheduler, error) {
	s := &Scheduler{store: store, summarize: summarize, cron: cron.New()}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, err
	}
	return s, nil
}

// Run starts the cron loop and blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	cutoff := time.Now().Add(-retentionWindow).UTC().Format(time.RFC3339)
	result, err := s.store.ConsolidateBefore(ctx, "", cutoff, s.summarize)
	if err != nil {
		slog.Error("consolidation: run failed", "err", err)
		return
	}
	if result.SummariesCreated > 0 {
		slog.Info("consolidation: run complete",
			"messages_consolidated", result.MessagesConsolidated,
			"summaries_created", result.SummariesCreated)
	}
}
