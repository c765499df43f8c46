// Package dateparse turns the natural-language date expressions the
// extraction engine pulls out of user turns into a canonical
// YYYY-MM-DD calendar date, deterministically given an expression and a
// reference instant.
package dateparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	fuzzydate "github.com/araddon/dateparse"
)

var (
	literalISORe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	inRelativeRe = regexp.MustCompile(`^in (\d+) (day|days|week|weeks|month|months)`)
	rangeRe      = regexp.MustCompile(`^([a-z]+\s+\d{1,2})(?:st|nd|rd|th)?\s*-\s*(\d{1,2})(?:st|nd|rd|th)?`)
)

var weekdayNames = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

var monthNames = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

func monthDayPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(name + `\s+(\d{1,2})(?:st|nd|rd|th)?`)
}

// Parse converts expr into a YYYY-MM-DD date relative to reference, or
// returns ok=false if the expression could not be parsed. reference should
// carry the display timezone (America/New_York by default); Parse
// never consults the system clock.
func Parse(expr string, reference time.Time) (string, bool) {
	expr = strings.ToLower(strings.TrimSpace(expr))
	if expr == "" || expr == "null" {
		return "", false
	}

	if literalISORe.MatchString(expr) {
		return expr, true
	}

	if expr == "today" {
		return reference.Format("2006-01-02"), true
	}
	if expr == "tomorrow" {
		return reference.AddDate(0, 0, 1).Format("2006-01-02"), true
	}

	if m := inRelativeRe.FindStringSubmatch(expr); m != nil {
		count, _ := strconv.Atoi(m[1])
		unit := m[2]
		switch {
		case strings.HasPrefix(unit, "day"):
			return reference.AddDate(0, 0, count).Format("2006-01-02"), true
		case strings.HasPrefix(unit, "week"):
			return reference.AddDate(0, 0, count*7).Format("2006-01-02"), true
		case strings.HasPrefix(unit, "month"):
			// Approximate: 30 days per month, matching the original's rule.
			return reference.AddDate(0, 0, count*30).Format("2006-01-02"), true
		}
	}

	if date, ok := parseWeekday(expr, reference); ok {
		return date, true
	}

	if strings.Contains(expr, " and ") || strings.Contains(expr, ",") {
		parts := splitMultiDate(expr)
		if len(parts) > 1 {
			return Parse(strings.TrimSpace(parts[0]), reference)
		}
	}

	if m := rangeRe.FindStringSubmatch(expr); m != nil {
		return Parse(strings.TrimSpace(m[1]), reference)
	}

	if date, ok := parseMonthDay(expr, reference); ok {
		return date, true
	}

	if date, ok := parseFuzzy(expr, reference); ok {
		return date, true
	}

	return "", false
}

var multiDateSplitRe = regexp.MustCompile(`\s+and\s+|,\s*`)

func splitMultiDate(expr string) []string {
	return multiDateSplitRe.Split(expr, -1)
}

// parseWeekday handles "this Monday", "next Friday", and bare "Friday".
// Bare and "this" both mean the upcoming occurrence, treating a same-day
// match as next week; "next" means the occurrence after that, except on a
// same-day match, where it also resolves to seven days ahead.
func parseWeekday(expr string, reference time.Time) (string, bool) {
	for i, name := range weekdayNames {
		if !strings.Contains(expr, name) {
			continue
		}
		currentWeekday := int(reference.Weekday()+6) % 7 // Monday=0
		targetWeekday := i

		daysAhead := (targetWeekday - currentWeekday + 7) % 7
		switch {
		case strings.Contains(expr, "next"):
			if daysAhead == 0 {
				daysAhead = 7
			} else {
				daysAhead += 7
			}
		default: // "this" or bare
			if daysAhead == 0 {
				daysAhead = 7
			}
		}
		return reference.AddDate(0, 0, daysAhead).Format("2006-01-02"), true
	}
	return "", false
}

// parseMonthDay handles "October 17th", "january 3rd": if the resulting date
// has already passed relative to reference, roll over to next year.
func parseMonthDay(expr string, reference time.Time) (string, bool) {
	for name, month := range monthNames {
		m := monthDayPattern(name).FindStringSubmatch(expr)
		if m == nil {
			continue
		}
		day, err := strconv.Atoi(m[1])
		if err != nil || day < 1 || day > 31 {
			continue
		}

		year := reference.Year()
		candidate := time.Date(year, month, day, 0, 0, 0, 0, reference.Location())
		if candidate.Month() != month {
			// Invalid day-of-month for this month (e.g. Feb 30).
			continue
		}
		if candidate.Format("2006-01-02") < reference.Format("2006-01-02") {
			candidate = time.Date(year+1, month, day, 0, 0, 0, 0, reference.Location())
		}
		return candidate.Format("2006-01-02"), true
	}
	return "", false
}

// parseFuzzy is the last-resort fallback for expressions not matched by any
// of the structured rules above.
func parseFuzzy(expr string, reference time.Time) (string, bool) {
	parsed, err := fuzzydate.ParseIn(expr, reference.Location())
	if err != nil {
		return "", false
	}
	return parsed.Format("2006-01-02"), true
}

// MustParseNY is a convenience used by callers that always want the default
// display timezone (America/New_York).
func MustParseNY(expr string, now time.Time) (string, bool) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return Parse(expr, now.In(loc))
}
