package core

// validation.go provides row-level validation of projected records before import.
//
// Validation happens at two levels:
//  1. Mapping validation: required target fields are mapped exactly once (see ValidateMappings)
//  2. Record validation: each mapped value is normalised and checked against its FieldSpec
//
// NormalizeRecord rewrites values in place with each field's Normalizer so that
// later stages see canonical values (full weekday names, HH:MM clock times).

import (
	"fmt"
	"net/mail"
	"strings"
)

// ValidationError represents a single validation error for a field.
type ValidationError struct {
	Field   string // Target field name
	Value   string // The invalid value
	Message string // Human-readable error message
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

// NormalizeRecord normalises every mapped value of rec in place and returns
// the validation errors found. A nil result means the record is importable.
func NormalizeRecord(rec *Record) []ValidationError {
	var errs []ValidationError
	for _, def := range All() {
		for _, spec := range def.Fields {
			raw, mapped := rec.Values[spec.Name]
			if !mapped {
				continue
			}

			if raw == "" {
				if spec.Required {
					errs = append(errs, ValidationError{Field: spec.Name, Message: "required field is empty"})
				}
				continue
			}

			if spec.Normalizer != nil {
				raw = spec.Normalizer(raw)
				rec.Values[spec.Name] = raw
			}

			if err := ValidateCell(raw, spec); err != nil {
				errs = append(errs, ValidationError{Field: spec.Name, Value: raw, Message: err.Error()})
			}
		}
	}

	if len(errs) == 0 {
		errs = append(errs, validateTimeRange(rec)...)
	}
	return errs
}

// validateTimeRange checks that a schedule ends after it starts.
func validateTimeRange(rec *Record) []ValidationError {
	start, end := rec.Get("schedule.start_time"), rec.Get("schedule.end_time")
	if start != "" && end != "" && end <= start {
		return []ValidationError{{Field: "schedule.end_time", Value: end, Message: "must be after start time " + start}}
	}
	return nil
}

// ValidateCell validates a single value against a field specification.
// Returns nil if valid, or an error describing the problem.
func ValidateCell(value string, spec FieldSpec) error {
	if value == "" {
		return nil
	}

	switch spec.Type {
	case FieldNumeric:
		if !IsNumeric(value) {
			return fmt.Errorf("invalid number format")
		}
	case FieldDate:
		if _, ok := ParseDate(value); !ok {
			return fmt.Errorf("invalid date format (use YYYY-MM-DD or similar)")
		}
	case FieldBool:
		if _, ok := ParseBool(value); !ok {
			return fmt.Errorf("must be yes/no, true/false, or 1/0")
		}
	case FieldTime:
		if _, ok := ParseClock(value); !ok {
			return fmt.Errorf("invalid time (use HH:MM or 9:30 AM)")
		}
	case FieldEmail:
		if _, err := mail.ParseAddress(value); err != nil {
			return fmt.Errorf("invalid e-mail address")
		}
	case FieldEnum:
		if len(spec.EnumValues) > 0 {
			for _, ev := range spec.EnumValues {
				if strings.EqualFold(ev, value) {
					return nil
				}
			}
			return fmt.Errorf("value must be one of: %s", strings.Join(spec.EnumValues, ", "))
		}
	}
	return nil
}

// fieldTypeName returns a human-readable name for a field type.
func fieldTypeName(ft FieldType) string {
	switch ft {
	case FieldText:
		return "text"
	case FieldEnum:
		return "enum"
	case FieldDate:
		return "date"
	case FieldNumeric:
		return "numeric"
	case FieldBool:
		return "bool"
	case FieldTime:
		return "time"
	case FieldEmail:
		return "email"
	default:
		return "value"
	}
}

// String returns the field type name.
func (ft FieldType) String() string { return fieldTypeName(ft) }
