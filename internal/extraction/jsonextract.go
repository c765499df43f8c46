package extraction

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	codeBlockRe    = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	jsonArrayRe    = regexp.MustCompile(`(?s)\[.*\]`)
	jsonObjectRe   = regexp.MustCompile(`(?s)\{.*\}`)
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// cleanLLMJSON strips markdown code fences and trims whitespace around a
// model's JSON response, the common wrapping an LLM adds even when asked
// for raw JSON.
func cleanLLMJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if m := codeBlockRe.FindStringSubmatch(raw); m != nil {
		raw = strings.TrimSpace(m[1])
	}
	return raw
}

// fixTrailingCommas repairs the single most common LLM JSON mistake: a
// trailing comma before a closing bracket/brace.
func fixTrailingCommas(raw string) string {
	return trailingCommaRe.ReplaceAllString(raw, "$1")
}

// parseMemoryCandidates decodes the memory extractor's JSON array response,
// falling back through progressively more permissive recovery strategies
// before giving up.
func parseMemoryCandidates(raw string) ([]MemoryCandidate, error) {
	cleaned := cleanLLMJSON(raw)

	var out []MemoryCandidate
	if err := json.Unmarshal([]byte(cleaned), &out); err == nil {
		return out, nil
	}

	if m := jsonArrayRe.FindString(cleaned); m != "" {
		if err := json.Unmarshal([]byte(m), &out); err == nil {
			return out, nil
		}
		if err := json.Unmarshal([]byte(fixTrailingCommas(m)), &out); err == nil {
			return out, nil
		}
	}

	if err := json.Unmarshal([]byte(fixTrailingCommas(cleaned)), &out); err == nil {
		return out, nil
	}

	return nil, fmt.Errorf("no valid JSON array found in response")
}

// parseScheduleCandidate decodes the schedule extractor's single JSON object
// response with the same recovery strategy as [parseMemoryCandidates].
func parseScheduleCandidate(raw string) (scheduleCandidate, error) {
	cleaned := cleanLLMJSON(raw)

	var c scheduleCandidate
	if err := json.Unmarshal([]byte(cleaned), &c); err == nil {
		return c, nil
	}

	if m := jsonObjectRe.FindString(cleaned); m != "" {
		if err := json.Unmarshal([]byte(m), &c); err == nil {
			return c, nil
		}
		if err := json.Unmarshal([]byte(fixTrailingCommas(m)), &c); err == nil {
			return c, nil
		}
	}

	if err := json.Unmarshal([]byte(fixTrailingCommas(cleaned)), &c); err == nil {
		return c, nil
	}

	return scheduleCandidate{}, fmt.Errorf("no valid JSON object found in response")
}
