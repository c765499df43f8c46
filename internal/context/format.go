package context

import (
	"fmt"
	"strings"
	"time"

	"github.com/chartmann1590/mumble-ai-assistant/internal/memory"
)

// Format renders the sections assembled into data into the final prompt
// string, in a fixed section order, omitting any section with no content.
func Format(in Input, data *assembled) string {
	var sb strings.Builder

	writeSection(&sb, "", systemRules(in.Channel))
	writeSection(&sb, "", fmt.Sprintf("Current date/time: %s", in.Now.Format("Monday, January 2, 2006 3:04 PM MST")))
	writeSection(&sb, "Persona", data.persona)
	writeSection(&sb, "Schedule", data.schedule)
	writeSection(&sb, "Things I Remember", formatMemories(data.memories))
	if in.Email != nil && in.Email.ActionSummary != nil {
		writeSection(&sb, "Actions Taken On This Message", formatActionSummary(in.Email.ActionSummary))
	}
	if in.Email != nil && len(in.Email.AttachmentsAnalysis) > 0 {
		writeSection(&sb, "Attachments", strings.Join(in.Email.AttachmentsAnalysis, "\n"))
	}
	writeSection(&sb, "Background Context (do not bring up unless asked)", formatTurns(data.semanticRecall))
	recent := formatTurns(data.recentTurns)
	if in.Email != nil && len(in.Email.ThreadHistory) > 0 {
		recent = strings.Join(in.Email.ThreadHistory, "\n")
	}
	writeSection(&sb, "Recent Conversation", recent)
	writeSection(&sb, "Current Message", in.CurrentTurnText)

	return strings.TrimSpace(sb.String())
}

func writeSection(sb *strings.Builder, heading, body string) {
	body = strings.TrimSpace(body)
	if body == "" {
		return
	}
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	if heading != "" {
		sb.WriteString("## " + heading + "\n")
	}
	sb.WriteString(body)
}

func systemRules(ch Channel) string {
	var b strings.Builder
	b.WriteString("Be truthful and stay grounded only in the data provided below. Never invent events, facts, or prior conversation. Do not summarize this conversation back to the user. No emoji.")
	switch ch {
	case ChannelEmail:
		b.WriteString(" Keep the reply under 100 words, no formal salutations.")
	default:
		b.WriteString(" Keep the reply to 1-2 sentences.")
	}
	return b.String()
}

func formatMemories(memories []memory.PersistentMemory) string {
	if len(memories) == 0 {
		return ""
	}
	var lines []string
	for _, m := range memories {
		lines = append(lines, fmt.Sprintf("- (%s, importance %d) %s", m.Category, m.Importance, m.Content))
	}
	return strings.Join(lines, "\n")
}

func formatActionSummary(s *EmailActionSummary) string {
	var b strings.Builder
	if len(s.Tallies) > 0 {
		var parts []string
		for label, count := range s.Tallies {
			parts = append(parts, fmt.Sprintf("%d %s", count, label))
		}
		b.WriteString(strings.Join(parts, ", "))
	}
	if len(s.Details) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(strings.Join(s.Details, "\n"))
	}
	return b.String()
}

func formatTurns(turns []memory.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var lines []string
	for _, t := range turns {
		lines = append(lines, fmt.Sprintf("%s: %s", t.Role, t.Message))
	}
	return strings.Join(lines, "\n")
}

func importanceLabel(n int) string {
	switch {
	case n >= 8:
		return "HIGH"
	case n >= 4:
		return "MED"
	default:
		return "LOW"
	}
}

// formatScheduleGrouped renders the voice-channel full upcoming view,
// grouped by today / tomorrow / this week / later. An empty
// view is rendered explicitly so the model doesn't invent one.
func formatScheduleGrouped(events []memory.ScheduleEvent, now time.Time) string {
	sortByDateTime(events)

	if len(events) == 0 {
		return "No upcoming events in the next 30 days. Do not invent events."
	}

	today := now.Format("2006-01-02")
	tomorrow := now.AddDate(0, 0, 1).Format("2006-01-02")
	weekEnd := now.AddDate(0, 0, 7).Format("2006-01-02")

	var todayL, tomorrowL, weekL, laterL []string
	for _, e := range events {
		line := formatEventLine(e)
		switch {
		case e.EventDate == today:
			todayL = append(todayL, line)
		case e.EventDate == tomorrow:
			tomorrowL = append(tomorrowL, line)
		case e.EventDate <= weekEnd:
			weekL = append(weekL, line)
		default:
			laterL = append(laterL, line)
		}
	}

	var b strings.Builder
	writeGroup(&b, "Today", todayL)
	writeGroup(&b, "Tomorrow", tomorrowL)
	writeGroup(&b, "This week", weekL)
	writeGroup(&b, "Later", laterL)
	return strings.TrimSpace(b.String())
}

func writeGroup(b *strings.Builder, label string, lines []string) {
	if len(lines) == 0 {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "%s:\n%s\n", label, strings.Join(lines, "\n"))
}

func formatScheduleFlat(events []memory.ScheduleEvent) string {
	if len(events) == 0 {
		return "No matching events found. Do not invent events."
	}
	sortByDateTime(events)
	var lines []string
	for _, e := range events {
		lines = append(lines, formatEventLine(e))
	}
	return strings.Join(lines, "\n")
}

func formatScheduleSearchResults(events []memory.ScheduleEvent) string {
	if len(events) == 0 {
		return "No matching events found. Do not invent events."
	}
	var lines []string
	for _, e := range events {
		lines = append(lines, formatEventLine(e))
	}
	return strings.Join(lines, "\n")
}

func formatEventLine(e memory.ScheduleEvent) string {
	when := e.EventDate
	if e.EventTime != nil && *e.EventTime != "" {
		when += " " + *e.EventTime
	}
	line := fmt.Sprintf("- [%s] %s (%s)", importanceLabel(e.Importance), e.Title, when)
	if e.Description != "" {
		line += " - " + e.Description
	}
	return line
}
