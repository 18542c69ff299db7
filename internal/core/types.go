package core

import (
	"fmt"
	"time"
)

// ImportStatus is the lifecycle state of an import job.
type ImportStatus string

const (
	StatusPending    ImportStatus = "PENDING"
	StatusProcessing ImportStatus = "PROCESSING"
	StatusCompleted  ImportStatus = "COMPLETED"
	StatusFailed     ImportStatus = "FAILED"
)

// Valid reports whether s is one of the closed set of statuses.
func (s ImportStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions follow s within an attempt.
func (s ImportStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseImportStatus converts a stored value back into an ImportStatus.
func ParseImportStatus(v string) (ImportStatus, error) {
	s := ImportStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown import status %q", v)
	}
	return s, nil
}

// ImportStage is a step of the staged job processor. Stages are strictly ordered.
type ImportStage string

const (
	StageParsing        ImportStage = "PARSING"
	StageMapping        ImportStage = "MAPPING"
	StageValidation     ImportStage = "VALIDATION"
	StageEntityCreation ImportStage = "ENTITY_CREATION"
	StageScheduleImport ImportStage = "SCHEDULE_IMPORT"
	StageFinalization   ImportStage = "FINALIZATION"
)

// Stages lists every stage in execution order.
var Stages = []ImportStage{
	StageParsing,
	StageMapping,
	StageValidation,
	StageEntityCreation,
	StageScheduleImport,
	StageFinalization,
}

// Index returns the position of s in the execution order, or -1.
func (s ImportStage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the closed set of stages.
func (s ImportStage) Valid() bool { return s.Index() >= 0 }

// ParseImportStage converts a stored value back into an ImportStage.
func ParseImportStage(v string) (ImportStage, error) {
	s := ImportStage(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown import stage %q", v)
	}
	return s, nil
}

// ImportProgress is a point-in-time snapshot of a running job.
// ProcessedRows always equals SuccessfulRows + FailedRows.
type ImportProgress struct {
	TotalRows      int         `json:"totalRows"`
	ProcessedRows  int         `json:"processedRows"`
	SuccessfulRows int         `json:"successfulRows"`
	FailedRows     int         `json:"failedRows"`
	CurrentStage   ImportStage `json:"currentStage"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Percent returns the progress as a percentage (0-100).
func (p ImportProgress) Percent() int {
	if p.TotalRows <= 0 {
		return 0
	}
	pct := (p.ProcessedRows * 100) / p.TotalRows
	if pct > 100 {
		return 100
	}
	return pct
}

// Consistent reports whether the snapshot's counters add up.
func (p ImportProgress) Consistent() bool {
	return p.ProcessedRows == p.SuccessfulRows+p.FailedRows &&
		p.ProcessedRows >= 0 && p.SuccessfulRows >= 0 && p.FailedRows >= 0
}

// ConflictResolution decides what happens when an imported entity matches an
// existing one.
type ConflictResolution string

const (
	// ConflictUpdate overwrites the matched entity with imported values.
	ConflictUpdate ConflictResolution = "update"
	// ConflictSkip keeps the matched entity untouched.
	ConflictSkip ConflictResolution = "skip"
	// ConflictCreate creates a new entity for rows still awaiting review.
	ConflictCreate ConflictResolution = "create"
)

// Valid reports whether c is a known resolution.
func (c ConflictResolution) Valid() bool {
	switch c {
	case ConflictUpdate, ConflictSkip, ConflictCreate:
		return true
	}
	return false
}

// ImportOptions are caller choices carried with a job.
type ImportOptions struct {
	SkipValidation     bool               `json:"skipValidation"`
	ConflictResolution ConflictResolution `json:"conflictResolution"`
	NotifyOnCompletion bool               `json:"notifyOnCompletion"`
}

// ImportJob is the unit of work handed to the queue.
type ImportJob struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	FileID      string            `json:"fileId"`
	FileName    string            `json:"fileName,omitempty"`
	SessionID   string            `json:"sessionId,omitempty"`
	Mappings    []ColumnMapping   `json:"mappings"`
	Validation  *ValidationResult `json:"validation,omitempty"`
	Options     ImportOptions     `json:"options"`
	Status      ImportStatus      `json:"status"`
	Progress    ImportProgress    `json:"progress"`
	Attempt     int               `json:"attempt"`
	CreatedAt   time.Time         `json:"createdAt"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// DataType is the inferred type of a file column.
type DataType string

const (
	DataString  DataType = "string"
	DataNumber  DataType = "number"
	DataDate    DataType = "date"
	DataBoolean DataType = "boolean"
)

// ColumnInfo describes one detected column of an uploaded file.
type ColumnInfo struct {
	Name       string   `json:"name"`
	Normalized string   `json:"normalized"`
	Type       DataType `json:"type"`
}

// FileMetadata is derived from a stored file on demand and never persisted.
type FileMetadata struct {
	FileID      string       `json:"fileId"`
	FileType    string       `json:"fileType"`
	Columns     []ColumnInfo `json:"columns"`
	HasHeaders  bool         `json:"hasHeaders"`
	RowCount    int          `json:"rowCount"`
	PreviewRows [][]string   `json:"previewRows"`
}

// ColumnNames returns the detected column names in file order.
func (m FileMetadata) ColumnNames() []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnMapping binds a source column to a target entity field.
type ColumnMapping struct {
	SourceColumn string `json:"sourceColumn"`
	TargetField  string `json:"targetField"`
	Confidence   int    `json:"confidence"`
	Required     bool   `json:"required"`
}

// MappingValidation explains why a mapping set is or is not usable.
type MappingValidation struct {
	Valid      bool     `json:"valid"`
	Missing    []string `json:"missing,omitempty"`
	Duplicates []string `json:"duplicates,omitempty"`
	Unknown    []string `json:"unknown,omitempty"`
}

// RowError describes a problem with one data row (0-based index).
type RowError struct {
	RowIndex int    `json:"rowIndex"`
	Field    string `json:"field,omitempty"`
	Value    string `json:"value,omitempty"`
	Message  string `json:"message"`
}

// MaxReportedRowErrors caps the row errors carried in results and reports.
const MaxReportedRowErrors = 100

// BucketCounts summarises how match results fell into threshold buckets.
type BucketCounts struct {
	AutoApproved   int `json:"autoApproved"`
	RequiresReview int `json:"requiresReview"`
	AutoRejected   int `json:"autoRejected"`
}

// ValidationResult is produced by the pre-import validation step.
type ValidationResult struct {
	Valid        bool                        `json:"valid"`
	TotalRows    int                         `json:"totalRows"`
	ValidRows    int                         `json:"validRows"`
	InvalidRows  int                         `json:"invalidRows"`
	Mapping      MappingValidation           `json:"mapping"`
	RowErrors    []RowError                  `json:"rowErrors,omitempty"`
	SessionID    string                      `json:"sessionId,omitempty"`
	MatchSummary map[EntityType]BucketCounts `json:"matchSummary,omitempty"`
}

// EntityCounts tallies entity writes of one type.
type EntityCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ImportReport is the durable summary written when a job finishes.
type ImportReport struct {
	JobID            string                       `json:"jobId"`
	Status           ImportStatus                 `json:"status"`
	Entities         map[EntityType]*EntityCounts `json:"entities"`
	SchedulesCreated int                          `json:"schedulesCreated"`
	SchedulesFailed  int                          `json:"schedulesFailed"`
	TotalRows        int                          `json:"totalRows"`
	Processed        int                          `json:"processed"`
	Successful       int                          `json:"successful"`
	Failed           int                          `json:"failed"`
	RowErrors        []RowError                   `json:"rowErrors,omitempty"`
	Error            string                       `json:"error,omitempty"`
	FailedStage      ImportStage                  `json:"failedStage,omitempty"`
	StartedAt        time.Time                    `json:"startedAt"`
	FinishedAt       time.Time                    `json:"finishedAt"`
}

// AddRowError appends err unless the report already holds the maximum.
func (r *ImportReport) AddRowError(err RowError) {
	if len(r.RowErrors) < MaxReportedRowErrors {
		r.RowErrors = append(r.RowErrors, err)
	}
}

// Counts returns the tally for t, creating it on first use.
func (r *ImportReport) Counts(t EntityType) *EntityCounts {
	if r.Entities == nil {
		r.Entities = make(map[EntityType]*EntityCounts)
	}
	c, ok := r.Entities[t]
	if !ok {
		c = &EntityCounts{}
		r.Entities[t] = c
	}
	return c
}
