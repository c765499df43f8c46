package extraction

import (
	"context"
	"testing"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

type fakeGenerator struct {
	response string
	calls    int
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, opts GenerateOpts) (string, error) {
	f.calls++
	return f.response, nil
}

var ref = time.Date(2024, time.June, 13, 9, 0, 0, 0, time.UTC)

func TestExtractScheduleIntent_QuerySkipsLLM(t *testing.T) {
	gen := &fakeGenerator{}
	intent, err := ExtractScheduleIntent(context.Background(), gen, "m", "What's on my schedule tomorrow?", "", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.Action != ActionNothing {
		t.Errorf("action = %v, want NOTHING", intent.Action)
	}
	if gen.calls != 0 {
		t.Errorf("calls = %d, want 0 (pre-flight should short-circuit)", gen.calls)
	}
}

func TestExtractScheduleIntent_AddRequiresKeyword(t *testing.T) {
	gen := &fakeGenerator{response: `{"action":"ADD","title":"dentist","date_expression":"tomorrow","time":"15:00","description":"","importance":7,"event_id":null}`}
	// Message has no action keyword at all, so even though the LLM claims ADD,
	// the post-flight keyword check should downgrade to NOTHING.
	intent, err := ExtractScheduleIntent(context.Background(), gen, "m", "I saw the dentist today.", "", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.Action != ActionNothing {
		t.Errorf("action = %v, want NOTHING (no action keyword present)", intent.Action)
	}
}

func TestExtractScheduleIntent_ValidAdd(t *testing.T) {
	gen := &fakeGenerator{response: "```json\n" +
		`{"action":"ADD","title":"dentist appointment","date_expression":"tomorrow","time":"15:00","description":"","importance":7,"event_id":null}` +
		"\n```"}
	intent, err := ExtractScheduleIntent(context.Background(), gen, "m", "I have a dentist appointment tomorrow at 3pm, please add it", "", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.Action != ActionAdd {
		t.Fatalf("action = %v, want ADD", intent.Action)
	}
	if intent.EventDate != "2024-06-14" {
		t.Errorf("event date = %q, want 2024-06-14", intent.EventDate)
	}
}

func TestExtractScheduleIntent_InvalidDateDiscarded(t *testing.T) {
	gen := &fakeGenerator{response: `{"action":"ADD","title":"party","date_expression":"someday eventually","time":null,"description":"","importance":5,"event_id":null}`}
	intent, err := ExtractScheduleIntent(context.Background(), gen, "m", "add a party to my schedule please", "", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if intent.Action != ActionNothing {
		t.Errorf("action = %v, want NOTHING when date_expression fails the date parser", intent.Action)
	}
}

func TestExtractMemories_TrivialAcknowledgmentSkipsLLM(t *testing.T) {
	gen := &fakeGenerator{}
	out, err := ExtractMemories(context.Background(), gen, "m", "alice", "ok", "", "sess1", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != nil {
		t.Errorf("out = %v, want nil", out)
	}
	if gen.calls != 0 {
		t.Errorf("calls = %d, want 0", gen.calls)
	}
}

func TestExtractMemories_ValidatesAndClamps(t *testing.T) {
	gen := &fakeGenerator{response: `[{"category":"weird","content":"likes tea","importance":99}]`}
	out, err := ExtractMemories(context.Background(), gen, "m", "alice", "I really like tea", "", "sess1", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].Category != memory.CategoryOther {
		t.Errorf("category = %v, want coerced to other", out[0].Category)
	}
	if out[0].Importance != 10 {
		t.Errorf("importance = %d, want clamped to 10", out[0].Importance)
	}
}

func TestExtractMemories_ScheduleWithoutDateDiscarded(t *testing.T) {
	gen := &fakeGenerator{response: `[{"category":"schedule","content":"trip to the coast","importance":5}]`}
	out, err := ExtractMemories(context.Background(), gen, "m", "alice", "We're planning a trip", "", "sess1", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("len(out) = %d, want 0 (schedule memory with no usable date must be discarded)", len(out))
	}
}

func TestParseMemoryCandidates_TrailingComma(t *testing.T) {
	raw := `[{"category":"fact","content":"owns a cat","importance":4,},]`
	out, err := parseMemoryCandidates(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Content != "owns a cat" {
		t.Fatalf("got %+v", out)
	}
}

func TestParseMemoryCandidates_EmbeddedInProse(t *testing.T) {
	raw := "Sure, here is the extraction:\n[{\"category\":\"fact\",\"content\":\"owns a cat\",\"importance\":4}]\nLet me know if you need anything else."
	out, err := parseMemoryCandidates(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("got %+v", out)
	}
}

func TestResolveEventID_SubstringMatch(t *testing.T) {
	candidates := []memory.ScheduleEvent{
		{ID: 1, Title: "Dentist appointment"},
		{ID: 2, Title: "Team meeting"},
	}
	id, ok := ResolveEventID("dentist", candidates)
	if !ok || id != 1 {
		t.Fatalf("id=%d ok=%v, want 1/true", id, ok)
	}
}
