// Package progress is the shared, expiring view of import job state.
//
// Every value is the latest snapshot only: writes overwrite and each key
// expires on its own TTL. A missing key means "unknown or expired", never an
// error, so any process can poll a job that another process is running.
package progress

import (
	"context"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

// Store holds progress, status and report snapshots per job.
type Store interface {
	SetProgress(ctx context.Context, jobID string, p core.ImportProgress, ttl time.Duration) error
	SetStatus(ctx context.Context, jobID string, s core.ImportStatus, ttl time.Duration) error
	SetReport(ctx context.Context, jobID string, r *core.ImportReport, ttl time.Duration) error

	Progress(ctx context.Context, jobID string) (core.ImportProgress, bool, error)
	Status(ctx context.Context, jobID string) (core.ImportStatus, bool, error)
	Report(ctx context.Context, jobID string) (*core.ImportReport, bool, error)

	// RequestCancel flags the job for cancellation at its next batch boundary.
	RequestCancel(ctx context.Context, jobID string, ttl time.Duration) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	// ClearCancel drops a pending cancellation, e.g. when the job is retried.
	ClearCancel(ctx context.Context, jobID string) error
}

// JobState is the combined view returned to pollers. Known is false when
// no key of the job exists.
type JobState struct {
	JobID    string               `json:"jobId"`
	Known    bool                 `json:"known"`
	Status   core.ImportStatus    `json:"status,omitempty"`
	Progress *core.ImportProgress `json:"progress,omitempty"`
	Report   *core.ImportReport   `json:"report,omitempty"`
}

// Snapshot reads every key of a job.
func Snapshot(ctx context.Context, s Store, jobID string) (JobState, error) {
	state := JobState{JobID: jobID}

	status, ok, err := s.Status(ctx, jobID)
	if err != nil {
		return JobState{}, err
	}
	if ok {
		state.Known = true
		state.Status = status
	}

	p, ok, err := s.Progress(ctx, jobID)
	if err != nil {
		return JobState{}, err
	}
	if ok {
		state.Known = true
		state.Progress = &p
	}

	r, ok, err := s.Report(ctx, jobID)
	if err != nil {
		return JobState{}, err
	}
	if ok {
		state.Known = true
		state.Report = r
		if state.Status == "" {
			state.Status = r.Status
		}
	}
	return state, nil
}
