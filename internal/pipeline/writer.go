package pipeline

import (
	"context"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

// WriteAction is what happens to one entity record.
type WriteAction string

const (
	ActionCreate WriteAction = "create"
	ActionUpdate WriteAction = "update"
	ActionSkip   WriteAction = "skip"
)

// EntityRecord is one deduplicated entity to write. Values hold only the
// entity's own target fields. TargetID is set for updates and skips.
type EntityRecord struct {
	Key      string
	RowIndex int
	Values   map[string]string
	Action   WriteAction
	TargetID string
}

// ScheduleRecord is one timetable slot built from a valid row.
type ScheduleRecord struct {
	RowIndex   int
	VenueID    string
	LecturerID string
	CourseID   string
	Values     map[string]string
}

// Outcome is the per-record result of a batch write. A non-nil Err marks the
// record failed without failing the batch.
type Outcome struct {
	ID     string
	Action WriteAction
	Err    error
}

// EntityWriter commits batches. Returned outcomes align with the input
// batch. A returned error means the batch could not be written at all and
// aborts the job.
type EntityWriter interface {
	WriteEntities(ctx context.Context, t core.EntityType, batch []EntityRecord) ([]Outcome, error)
	WriteSchedules(ctx context.Context, batch []ScheduleRecord) ([]Outcome, error)
}
