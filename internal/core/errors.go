package core

import (
	"errors"
	"fmt"
)

// Input validation errors. Raised synchronously at the boundary, never retried.
var (
	ErrFileTooLarge       = errors.New("file too large")
	ErrInvalidExtension   = errors.New("invalid file extension")
	ErrNotFound           = errors.New("file not found")
	ErrUnsupportedType    = errors.New("unsupported file type")
	ErrEmptyFile          = errors.New("empty file")
	ErrInvalidMapping     = errors.New("invalid column mapping")
	ErrInvalidThresholds  = errors.New("invalid confidence thresholds")
	ErrInvalidConcurrency = errors.New("invalid concurrency")
	ErrInvalidOption      = errors.New("invalid import option")
	ErrMissingField       = errors.New("required field missing")
)

// Review session errors.
var (
	ErrSessionNotFound  = errors.New("review session not found")
	ErrInvalidRowIndex  = errors.New("invalid row index")
	ErrInvalidAction    = errors.New("invalid review action")
	ErrInvalidSelection = errors.New("selected match is not a candidate")
)

// Job errors.
var (
	ErrJobNotFound  = errors.New("import job not found")
	ErrJobCancelled = errors.New("import cancelled")
	ErrJobFinished  = errors.New("import already finished")
)

// FieldError is a boundary validation failure tied to one request field.
type FieldError struct {
	Code    string
	Field   string
	Message string
	Err     error
}

func (e *FieldError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *FieldError) Unwrap() error { return e.Err }

// NewFieldError wraps a sentinel with the request field it concerns.
func NewFieldError(err error, field, message string) *FieldError {
	return &FieldError{Code: MapError(err).Code, Field: field, Message: message, Err: err}
}

// StageError records the stage in which a job attempt failed.
type StageError struct {
	Stage ImportStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
