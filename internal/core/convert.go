package core

// convert.go provides parsing helpers for user-provided spreadsheet cells.
//
// These functions handle the messy reality of timetable exports:
//   - Multiple date formats (US, EU, ISO, etc.)
//   - Thousand separators in numbers
//   - Various boolean representations (yes/no, true/false, 1/0)
//   - 12- and 24-hour clock times
//   - Excel formula prefixes (="value")
//
// Every Parse* function reports ok=false for empty or invalid input.

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// isoDateRegex matches a year-month-day prefix, optionally followed by a time.
var isoDateRegex = regexp.MustCompile(`^\d{4}[-/.]\d{1,2}[-/.]\d{1,2}([T ].*)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would result in dates more than this many years in the future
// are assumed to be in the previous century.
var TwoDigitYearPivot = 20

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006-1-2", "2006/01/02", "2006/1/2", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006", "2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05",
		"20060102",
	}
	clockLayouts = []string{
		"15:04", "15:04:05", "3:04PM", "3:04 PM", "3:04pm", "3:04 pm", "3PM", "3 PM", "3pm", "3 pm", "1504", "15.04",
	}
)

// CleanCell removes common spreadsheet artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.Trim(s, `"'`)
}

// ParseNumber parses a numeric cell, tolerating thousands separators and
// accounting-style negatives "(12.5)".
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.ReplaceAll(s, ",", "")
	if !numericRegex.MatchString(s) {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if negative {
		f = -f
	}
	return f, true
}

// IsNumeric reports whether s parses as a number.
func IsNumeric(s string) bool {
	_, ok := ParseNumber(s)
	return ok
}

// LooksLikeISODate reports whether s starts with a year-month-day date.
func LooksLikeISODate(s string) bool {
	return isoDateRegex.MatchString(strings.TrimSpace(s))
}

// ParseDate parses a date cell in any supported layout.
// 2-digit years are resolved with TwoDigitYearPivot.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, true
		}
	}

	return time.Time{}, false
}

// ParseBool accepts true/false, yes/no, t/f, y/n and 1/0.
func ParseBool(s string) (value, ok bool) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	default:
		return false, false
	}
}

// IsBooleanToken reports whether s is one of the strict boolean spellings
// used for column type inference.
func IsBooleanToken(s string) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "true", "false", "yes", "no", "1", "0":
		return true
	}
	return false
}

// ParseClock parses a time of day and returns it as HH:MM.
func ParseClock(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04"), true
		}
	}
	return "", false
}
