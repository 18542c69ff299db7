package core

// error_messages.go maps technical errors to user-friendly messages with codes
// for support reference. Users quote the code; support looks it up here.
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - File too large            (ErrFileTooLarge)
//	FILE002 - Unsupported file type     (ErrUnsupportedType)
//	FILE003 - Encoding error            pattern "encoding error"
//	FILE004 - No file provided          pattern "no file provided"
//	FILE005 - Empty file                (ErrEmptyFile)
//	FILE006 - Extension not allowed     (ErrInvalidExtension)
//	FILE007 - File expired or missing   (ErrNotFound)
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - Invalid date               pattern "invalid date"
//	VAL002 - Invalid number             pattern "invalid number"
//	VAL003 - Required field empty       pattern "required field"
//	VAL004 - Invalid column mapping     (ErrInvalidMapping)
//	VAL005 - Invalid time               pattern "invalid time"
//	VAL006 - Invalid enum               pattern "must be one of"
//	VAL008 - Invalid import option      (ErrInvalidOption)
//	VAL009 - Missing request field      (ErrMissingField)
//
// # Review Errors (REV001-REV099)
//
//	REV001 - Session expired            (ErrSessionNotFound)
//	REV002 - Unknown row                (ErrInvalidRowIndex)
//	REV003 - Invalid thresholds         (ErrInvalidThresholds)
//	REV004 - Invalid action             (ErrInvalidAction)
//	REV005 - Invalid selection          (ErrInvalidSelection)
//
// # Job Errors (JOB001-JOB099)
//
//	JOB001 - Job not found              (ErrJobNotFound)
//	JOB002 - Job cancelled              (ErrJobCancelled)
//	JOB003 - Invalid concurrency        (ErrInvalidConcurrency)
//	JOB004 - Request cancelled          pattern "context canceled"
//	JOB005 - Request timeout            pattern "context deadline exceeded"
//	JOB006 - Job already finished       (ErrJobFinished)
//
// # Database Errors (DB001-DB099)
//
//	DB001 - Duplicate key               pattern "duplicate key"
//	DB002 - Unique constraint           pattern "unique constraint", "violates unique"
//	DB003 - Foreign key                 pattern "foreign key"
//	DB004 - Connection refused          pattern "connection refused"
//	DB005 - Connection reset            pattern "connection reset"
//	DB006 - Timeout                     pattern "timeout"
//	DB007 - Deadlock                    pattern "deadlock"
//
// # Rate Limiting (RATE001)
//
//	RATE001 - Too many requests         pattern "rate limit"
//
// # Default Error (ERR000)
//
// Fallback when nothing matches. Check application logs for the original error.
//
// Sentinel errors are matched first with errors.Is, so wrapped errors keep
// their code. Patterns are then matched case-insensitively with strings.Contains;
// the first matching pattern wins.

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind groups errors by how a caller should react.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindUnavailable
	KindRateLimited
	KindTooLarge
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string    // What happened (user-friendly)
	Action  string    // What to do about it
	Code    string    // Error code for support reference
	Kind    ErrorKind // Category used by transports to pick a status
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

var sentinelMessages = []sentinelMessage{
	{ErrFileTooLarge, UserMessage{"File exceeds the maximum upload size", "Split the timetable into smaller files", "FILE001", KindTooLarge}},
	{ErrUnsupportedType, UserMessage{"The file could not be read as CSV or Excel", "Export the timetable as .csv or .xlsx", "FILE002", KindValidation}},
	{ErrEmptyFile, UserMessage{"The uploaded file is empty", "Upload a file with a header and data rows", "FILE005", KindValidation}},
	{ErrInvalidExtension, UserMessage{"This file type is not allowed", "Upload a .csv, .xlsx or .xls file", "FILE006", KindValidation}},
	{ErrNotFound, UserMessage{"The uploaded file has expired or does not exist", "Upload the file again", "FILE007", KindNotFound}},
	{ErrInvalidMapping, UserMessage{"The column mapping is incomplete or inconsistent", "Map every required field exactly once", "VAL004", KindValidation}},
	{ErrInvalidOption, UserMessage{"The import options are invalid", "Use update, skip or create for conflict resolution", "VAL008", KindValidation}},
	{ErrMissingField, UserMessage{"A required request field is missing", "Include every required field in the request", "VAL009", KindValidation}},
	{ErrSessionNotFound, UserMessage{"The review session has expired or does not exist", "Validate the file again to start a new review", "REV001", KindNotFound}},
	{ErrInvalidRowIndex, UserMessage{"The row is not part of this review session", "Refresh the review list", "REV002", KindValidation}},
	{ErrInvalidThresholds, UserMessage{"Confidence thresholds are out of range or out of order", "Use values between 0 and 1 with approve >= review >= reject", "REV003", KindValidation}},
	{ErrInvalidAction, UserMessage{"Unknown review action", "Use approve, reject or create_new", "REV004", KindValidation}},
	{ErrInvalidSelection, UserMessage{"The selected match is not a candidate for this row", "Pick one of the listed candidates", "REV005", KindValidation}},
	{ErrJobNotFound, UserMessage{"Import job not found", "Check the job id", "JOB001", KindNotFound}},
	{ErrJobCancelled, UserMessage{"The import was cancelled", "Start a new import when ready", "JOB002", KindValidation}},
	{ErrJobFinished, UserMessage{"The import has already finished", "Check the import report", "JOB006", KindValidation}},
	{ErrInvalidConcurrency, UserMessage{"Concurrency must be between 1 and 10", "Choose a value from 1 to 10", "JOB003", KindValidation}},
}

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns maps technical error text (case-insensitive) to user messages.
// More specific patterns come before general ones.
var errorPatterns = []errorPattern{
	// Validation
	{"invalid date", UserMessage{"Invalid date format detected", "Use YYYY-MM-DD, MM/DD/YYYY, or Jan 15, 2024", "VAL001", KindValidation}},
	{"invalid number", UserMessage{"Invalid number format detected", "Use a plain decimal number", "VAL002", KindValidation}},
	{"required field", UserMessage{"Required field is empty", "Ensure all required columns have values", "VAL003", KindValidation}},
	{"invalid time", UserMessage{"Invalid time of day", "Use HH:MM or 9:30 AM", "VAL005", KindValidation}},
	{"must be one of", UserMessage{"Value is not in the allowed list", "Check the allowed values for this field", "VAL006", KindValidation}},

	// Files
	{"encoding error", UserMessage{"File contains invalid characters", "Save the file as UTF-8", "FILE003", KindValidation}},
	{"no file provided", UserMessage{"No file was selected", "Select a timetable file to upload", "FILE004", KindValidation}},

	// Request lifecycle
	{"context canceled", UserMessage{"Request was cancelled", "Please try again", "JOB004", KindUnavailable}},
	{"context deadline exceeded", UserMessage{"Request timed out", "Try a smaller file or try again later", "JOB005", KindUnavailable}},

	// Database constraints
	{"duplicate key", UserMessage{"A record with this key already exists", "Review the report for duplicates", "DB001", KindValidation}},
	{"unique constraint", UserMessage{"This value must be unique but already exists", "Check for duplicate entries in your file", "DB002", KindValidation}},
	{"violates unique", UserMessage{"A duplicate value was found", "Review your data for duplicate key values", "DB002", KindValidation}},
	{"foreign key", UserMessage{"Referenced record does not exist", "Ensure referenced venues, lecturers and courses exist", "DB003", KindValidation}},

	// Infrastructure
	{"connection refused", UserMessage{"Unable to reach a backing service", "Please try again in a few moments", "DB004", KindUnavailable}},
	{"connection reset", UserMessage{"Connection was interrupted", "Please try again", "DB005", KindUnavailable}},
	{"timeout", UserMessage{"Operation timed out", "Try again later", "DB006", KindUnavailable}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB007", KindUnavailable}},

	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001", KindRateLimited}},
}

// defaultMessage is returned when nothing matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
	Kind:    KindInternal,
}

// MapError converts a technical error to a user-friendly message.
//
// Example:
//
//	err := fmt.Errorf("store upload: %w", ErrFileTooLarge)
//	msg := MapError(err)
//	// msg.Code == "FILE001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to a specific code rather than ERR000.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
