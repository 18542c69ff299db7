// Package events publishes import job lifecycle events. Publishing is a side
// effect: callers log failures and carry on.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

// Kind is a lifecycle transition observed by the worker.
type Kind string

const (
	KindWaiting   Kind = "waiting"
	KindActive    Kind = "active"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindStalled   Kind = "stalled"
)

// Event is one lifecycle transition of a job.
type Event struct {
	Kind     Kind                 `json:"kind"`
	JobID    string               `json:"jobId"`
	UserID   string               `json:"userId,omitempty"`
	Status   core.ImportStatus    `json:"status,omitempty"`
	Progress *core.ImportProgress `json:"progress,omitempty"`
	Attempt  int                  `json:"attempt,omitempty"`
	Retrying bool                 `json:"retrying,omitempty"`
	Error    string               `json:"error,omitempty"`
	At       time.Time            `json:"at"`
}

// Publisher delivers events somewhere.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// LogPublisher writes every event to a logger.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger.With("component", "events")}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	attrs := []any{"kind", e.Kind, "job_id", e.JobID}
	if e.Status != "" {
		attrs = append(attrs, "status", e.Status)
	}
	if e.Progress != nil {
		attrs = append(attrs, "stage", e.Progress.CurrentStage, "processed", e.Progress.ProcessedRows, "total", e.Progress.TotalRows)
	}
	if e.Attempt > 0 {
		attrs = append(attrs, "attempt", e.Attempt)
	}
	if e.Error != "" {
		attrs = append(attrs, "error", e.Error, "retrying", e.Retrying)
	}

	level := slog.LevelInfo
	switch e.Kind {
	case KindProgress:
		level = slog.LevelDebug
	case KindFailed, KindStalled:
		level = slog.LevelWarn
	}
	p.logger.Log(ctx, level, "job event", attrs...)
	return nil
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
