package summary

import (
	"strings"
	"testing"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

func TestParseHHMM(t *testing.T) {
	hh, mm, ok := parseHHMM("08:30")
	if !ok || hh != 8 || mm != 30 {
		t.Fatalf("got %d:%d ok=%v", hh, mm, ok)
	}
	if _, _, ok := parseHHMM("garbage"); ok {
		t.Fatalf("expected parse failure")
	}
}

func TestFilterRecentlyChangedExcludesOld(t *testing.T) {
	since := time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC)
	events := []memory.ScheduleEvent{
		{Title: "old", CreatedAt: since.Add(-48 * time.Hour), UpdatedAt: since.Add(-48 * time.Hour)},
		{Title: "new", CreatedAt: since.Add(time.Hour), UpdatedAt: since.Add(time.Hour)},
	}
	got := filterRecentlyChanged(events, since)
	if len(got) != 1 || got[0].Title != "new" {
		t.Fatalf("got %+v", got)
	}
}

func TestBuildPromptIncludesAllSections(t *testing.T) {
	now := time.Date(2025, 11, 5, 8, 0, 0, 0, time.UTC)
	turns := []memory.Turn{{Modality: memory.ModalityVoice, Role: memory.RoleUser, Message: "hi"}}
	changes := []memory.ScheduleEvent{{Title: "Dentist", EventDate: "2025-11-06"}}
	upcoming := []memory.ScheduleEvent{{Title: "Flight", EventDate: "2025-11-10"}}
	mems := []memory.PersistentMemory{{Content: "likes coffee"}}

	prompt := buildPrompt(turns, changes, upcoming, mems, now)
	for _, want := range []string{"hi", "Dentist", "Flight", "likes coffee"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
