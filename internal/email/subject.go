package email

import (
	"regexp"
	"strings"
)

var subjectPrefixRe = regexp.MustCompile(`(?i)^(re|fwd?)\s*:\s*`)

// NormalizeSubject strips any leading chain of Re:/RE:/Fwd:/FW: tokens,
// collapses whitespace, and lowercases the result. Mirrors
// the logic in internal/memory/postgres's unexported normalizeSubject, which
// the thread lookup itself uses — duplicated here because e-mail needs it
// before the store is involved (deciding whether to prepend "Re:" on reply).
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := subjectPrefixRe.ReplaceAllString(s, "")
		stripped = strings.TrimSpace(stripped)
		if stripped == s {
			break
		}
		s = stripped
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// ReplySubject builds the outbound subject line for a reply: the original
// subject with exactly one "Re: " prefix.
func ReplySubject(originalSubject string) string {
	trimmed := strings.TrimSpace(originalSubject)
	if subjectPrefixRe.MatchString(trimmed) {
		return trimmed
	}
	return "Re: " + trimmed
}
