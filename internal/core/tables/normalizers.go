package tables

import (
	"strings"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

// weekdays maps common day spellings to their canonical lowercase name.
var weekdays = map[string]string{
	"mon": "monday", "monday": "monday", "mo": "monday",
	"tue": "tuesday", "tues": "tuesday", "tuesday": "tuesday", "tu": "tuesday",
	"wed": "wednesday", "wednesday": "wednesday", "we": "wednesday",
	"thu": "thursday", "thur": "thursday", "thurs": "thursday", "thursday": "thursday", "th": "thursday",
	"fri": "friday", "friday": "friday", "fr": "friday",
	"sat": "saturday", "saturday": "saturday", "sa": "saturday",
	"sun": "sunday", "sunday": "sunday", "su": "sunday",
	"1": "monday", "2": "tuesday", "3": "wednesday", "4": "thursday", "5": "friday", "6": "saturday", "7": "sunday",
}

// Weekdays is the canonical day vocabulary.
var Weekdays = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// NormalizeDay converts day abbreviations and ISO day numbers to full names.
// Unknown values are returned lowercased so enum validation can reject them.
func NormalizeDay(s string) string {
	key := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s), "."))
	if day, ok := weekdays[key]; ok {
		return day
	}
	return key
}

// NormalizeEmail lowercases and trims an e-mail address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeCourseCode uppercases a course code and removes inner whitespace,
// so "cs 101" and "CS101" identify the same course.
func NormalizeCourseCode(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), ""))
}

// NormalizeSpaces collapses runs of whitespace into single spaces.
func NormalizeSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeClock converts accepted time-of-day spellings to HH:MM.
// Unparseable values are returned unchanged so validation can reject them.
func NormalizeClock(s string) string {
	if t, ok := core.ParseClock(s); ok {
		return t
	}
	return strings.TrimSpace(s)
}
