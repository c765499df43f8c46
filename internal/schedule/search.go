// Package schedule implements ranked schedule search across a tiered
// pipeline — an LLM-assisted semantic tier, a fuzzy-matching fallback, and a
// diagnostics-only full-text verification tier run alongside them.
package schedule

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

const (
	distillTimeout  = 300 * time.Second
	tier1MinScore   = 0.3
	tier1MaxResults = 10
	tier2MinScore   = 0.2
	fullTextMaxRows = 10
)

// Generator is the subset of the LLM client search needs to distill a
// free-form query into key event terms for Tier 1.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOpts) (string, error)
}

// GenerateOpts mirrors llmclient.GenerateOpts without importing that
// package, matching the decoupling already used by internal/extraction.
type GenerateOpts struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// Store is the subset of the memory store the searcher needs.
type Store interface {
	ListSchedule(ctx context.Context, user string, start, end *string, limit int) ([]memory.ScheduleEvent, error)
	SearchScheduleFullText(ctx context.Context, user, query string, limit int) ([]memory.ScheduleEvent, error)
}

// Searcher implements the tiered schedule search. It satisfies the
// context.ScheduleSearcher interface consumed by the context builder.
type Searcher struct {
	store Store
	gen   Generator
	model string
}

// New creates a [Searcher]. model is the distillation model id
// (config.Store.MemoryExtractionModel in production — distillation is a
// cheap structured text task, not a conversational one).
func New(store Store, gen Generator, model string) *Searcher {
	return &Searcher{store: store, gen: gen, model: model}
}

// Search runs the tiers in order: Tier 1 semantic distillation scored by Jaccard
// word overlap, falling back to Tier 2 substring/Jaccard fuzzy matching when
// Tier 1 finds nothing usable. Tier 3 (native full-text) runs concurrently
// purely as a diagnostic cross-check; its result is logged and discarded,
// never merged into the returned ranking. The call always returns, possibly
// empty, and never blocks past its internal budgets.
func (s *Searcher) Search(ctx context.Context, user, query string) ([]memory.ScheduleEvent, error) {
	candidates, err := s.store.ListSchedule(ctx, user, nil, nil, 200)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return []memory.ScheduleEvent{}, nil
	}

	go func() {
		dctx, cancel := context.WithTimeout(context.Background(), distillTimeout)
		defer cancel()
		s.logFullTextDiagnostics(dctx, user, query, candidates)
	}()

	results := s.tier1Semantic(ctx, query, candidates)
	if len(results) == 0 {
		results = tier2Fuzzy(query, candidates)
	}

	return results, nil
}

// tier1Semantic distills query into key event terms via the LLM, then scores
// every candidate title by Jaccard word overlap against the distilled terms.
// Any failure (LLM error, timeout, empty distillation) yields no results so
// the caller falls through to Tier 2; this tier never itself returns an
// error.
func (s *Searcher) tier1Semantic(ctx context.Context, query string, candidates []memory.ScheduleEvent) []memory.ScheduleEvent {
	if s.gen == nil {
		return nil
	}

	tctx, cancel := context.WithTimeout(ctx, distillTimeout)
	defer cancel()

	terms, err := s.distill(tctx, query)
	if err != nil || terms == "" {
		slog.Warn("schedule: tier1 distillation unavailable, falling back to tier2", "err", err)
		return nil
	}

	type scored struct {
		event memory.ScheduleEvent
		score float64
	}
	var matches []scored
	for _, c := range candidates {
		score := jaccardWords(terms, c.Title)
		if score > tier1MinScore {
			matches = append(matches, scored{event: c, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > tier1MaxResults {
		matches = matches[:tier1MaxResults]
	}

	out := make([]memory.ScheduleEvent, len(matches))
	for i, m := range matches {
		out[i] = m.event
	}
	return out
}

func (s *Searcher) distill(ctx context.Context, query string) (string, error) {
	prompt := "Extract only the key event terms (names, places, activities) from this " +
		"schedule search query. Reply with the terms only, space separated, no punctuation " +
		"or explanation.\n\nQuery: " + query
	out, err := s.gen.Generate(ctx, prompt, GenerateOpts{Model: s.model, Temperature: 0.1, MaxTokens: 64, Timeout: distillTimeout})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// tier2Fuzzy ranks candidates by substring match (score 1.0) or, failing
// that, Jaccard word overlap above tier2MinScore, breaking remaining ties
// with Jaro-Winkler similarity on the full title.
func tier2Fuzzy(query string, candidates []memory.ScheduleEvent) []memory.ScheduleEvent {
	lowerQuery := strings.ToLower(strings.TrimSpace(query))
	if lowerQuery == "" {
		return nil
	}

	type scored struct {
		event memory.ScheduleEvent
		score float64
		jw    float64
	}
	var matches []scored
	for _, c := range candidates {
		lowerTitle := strings.ToLower(c.Title)
		var score float64
		switch {
		case strings.Contains(lowerTitle, lowerQuery):
			score = 1.0
		default:
			if js := jaccardWords(lowerQuery, lowerTitle); js > tier2MinScore {
				score = js
			}
		}
		if score > 0 {
			matches = append(matches, scored{event: c, score: score, jw: matchr.JaroWinkler(lowerQuery, lowerTitle, false)})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score > matches[j].score
		}
		return matches[i].jw > matches[j].jw
	})
	if len(matches) > tier1MaxResults {
		matches = matches[:tier1MaxResults]
	}

	out := make([]memory.ScheduleEvent, len(matches))
	for i, m := range matches {
		out[i] = m.event
	}
	return out
}

// logFullTextDiagnostics runs Tier 3 and logs how it compares against the
// candidate set purely for observability; its result never feeds back into
// [Searcher.Search]'s return value.
func (s *Searcher) logFullTextDiagnostics(ctx context.Context, user, query string, candidates []memory.ScheduleEvent) {
	ftsResults, err := s.store.SearchScheduleFullText(ctx, user, query, fullTextMaxRows)
	if err != nil {
		slog.Warn("schedule: tier3 full-text diagnostic query failed", "err", err)
		return
	}
	slog.Debug("schedule: tier3 full-text diagnostic result", "query", query, "matches", len(ftsResults), "candidates", len(candidates))
}

// jaccardWords returns the Jaccard similarity of the lowercased word sets of
// a and b. Mirrors the dedup helper in internal/memory/postgres; duplicated
// here rather than exported across package boundaries since both callers
// only need a handful of lines.
func jaccardWords(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if f != "" {
			set[f] = true
		}
	}
	return set
}
