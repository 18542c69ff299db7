// Package imports is the entry point the HTTP and CLI surfaces use: it
// accepts uploads, validates mappings against the file and existing
// entities, opens review sessions and puts jobs on the queue.
package imports

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/timetable-import/internal/analyzer"
	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/events"
	"github.com/JonMunkholm/timetable-import/internal/filestore"
	"github.com/JonMunkholm/timetable-import/internal/matching"
	"github.com/JonMunkholm/timetable-import/internal/metrics"
	"github.com/JonMunkholm/timetable-import/internal/progress"
	"github.com/JonMunkholm/timetable-import/internal/queue"
)

// Waker is told that a job was enqueued. A worker in the same process polls
// immediately instead of waiting for its next poll.
type Waker interface {
	Wake()
}

// Deps are the collaborators of a Service. Publisher and Waker are optional.
type Deps struct {
	Files     *filestore.Store
	Analyzer  *analyzer.Analyzer
	Matcher   *matching.Matcher
	Review    *matching.ReviewService
	Queue     *queue.Store
	Progress  progress.Store
	Publisher events.Publisher
	Waker     Waker
}

// Options configures a Service.
type Options struct {
	ProgressTTL time.Duration
	StatusTTL   time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service implements the upload, validation and job submission operations.
type Service struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

func New(deps Deps, opts Options) *Service {
	if opts.ProgressTTL <= 0 {
		opts.ProgressTTL = time.Hour
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Fanout{}
	}
	return &Service{deps: deps, opts: opts, logger: opts.Logger.With("component", "imports")}
}

// Review exposes the review workflow of validated files.
func (s *Service) Review() *matching.ReviewService { return s.deps.Review }

// UploadResult is returned for an accepted upload.
type UploadResult struct {
	File              filestore.StoredFile
	Metadata          core.FileMetadata
	SuggestedMappings []core.ColumnMapping
}

// Upload stores the file and analyses it. A file that cannot be decoded is
// removed again and the analysis error returned.
func (s *Service) Upload(ctx context.Context, r io.Reader, originalName, mimeType string) (UploadResult, error) {
	f, err := s.deps.Files.StoreReader(ctx, r, originalName, mimeType)
	if err != nil {
		return UploadResult{}, err
	}
	meta, err := s.deps.Analyzer.Analyze(ctx, f.ID)
	if err != nil {
		s.deps.Files.Delete(ctx, f.ID)
		return UploadResult{}, err
	}
	s.logger.Info("file uploaded", "file_id", f.ID, "name", f.OriginalName, "size", f.Size, "rows", meta.RowCount)
	return UploadResult{
		File:              f,
		Metadata:          meta,
		SuggestedMappings: core.SuggestMappings(meta.ColumnNames()),
	}, nil
}

// Metadata re-analyses a stored file.
func (s *Service) Metadata(ctx context.Context, fileID string) (core.FileMetadata, error) {
	return s.deps.Analyzer.Analyze(ctx, fileID)
}

// DeleteUpload removes a stored file. It reports whether the file existed.
func (s *Service) DeleteUpload(ctx context.Context, fileID string) bool {
	return s.deps.Files.Delete(ctx, fileID)
}

// ValidateRequest asks for a validation pass over a stored file.
type ValidateRequest struct {
	UserID     string
	FileID     string
	Mappings   []core.ColumnMapping
	Thresholds *matching.Thresholds
}

// Validate checks the mappings, normalises every row and matches the valid
// rows against existing entities. When the mapping is usable a review
// session is created and its id and bucket counts returned.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (core.ValidationResult, error) {
	res := core.ValidationResult{Mapping: core.ValidateMappings(req.Mappings)}
	if !res.Mapping.Valid {
		return res, nil
	}
	if req.Thresholds != nil {
		if err := req.Thresholds.Validate(); err != nil {
			return core.ValidationResult{}, err
		}
	}

	table, err := s.deps.Analyzer.ReadTable(ctx, req.FileID)
	if err != nil {
		return core.ValidationResult{}, err
	}
	records, err := core.ProjectRows(table.Columns, table.Rows, req.Mappings)
	if err != nil {
		return core.ValidationResult{}, err
	}

	res.TotalRows = len(records)
	valid := records[:0]
	for i := range records {
		rec := records[i]
		errs := core.NormalizeRecord(&rec)
		if len(errs) == 0 {
			valid = append(valid, rec)
			continue
		}
		res.InvalidRows++
		for _, e := range errs {
			if len(res.RowErrors) < core.MaxReportedRowErrors {
				res.RowErrors = append(res.RowErrors, core.RowError{RowIndex: rec.RowIndex, Field: e.Field, Value: e.Value, Message: e.Message})
			}
		}
	}
	res.ValidRows = len(valid)
	res.Valid = res.InvalidRows == 0

	var matches []matching.MatchResult
	for _, t := range mappedEntities(req.Mappings) {
		m, err := s.deps.Matcher.Match(ctx, t, valid)
		if err != nil {
			return core.ValidationResult{}, fmt.Errorf("match %s: %w", t, err)
		}
		matches = append(matches, m...)
	}

	session, err := s.deps.Review.CreateSession(ctx, req.UserID, req.FileID, matches, req.Thresholds)
	if err != nil {
		return core.ValidationResult{}, err
	}
	res.SessionID = session.ID
	res.MatchSummary = session.Summary()

	s.logger.Info("file validated",
		"file_id", req.FileID, "session_id", session.ID,
		"rows", res.TotalRows, "invalid", res.InvalidRows, "matches", len(matches))
	return res, nil
}

// mappedEntities returns the matchable entity types with at least one mapped
// field, in catalogue order.
func mappedEntities(mappings []core.ColumnMapping) []core.EntityType {
	mapped := make(map[core.EntityType]bool)
	for _, m := range mappings {
		if def, _, ok := core.LookupField(m.TargetField); ok {
			mapped[def.Type] = true
		}
	}
	var out []core.EntityType
	for _, t := range core.MatchableEntities {
		if mapped[t] {
			out = append(out, t)
		}
	}
	return out
}

// SubmitRequest starts an import.
type SubmitRequest struct {
	UserID    string
	FileID    string
	SessionID string
	Mappings  []core.ColumnMapping
	Options   core.ImportOptions
}

// Submit enqueues an import job. Without SkipValidation and without a
// session the file is validated first so the job has matches to resolve.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*core.ImportJob, error) {
	f, ok := s.deps.Files.Get(ctx, req.FileID)
	if !ok {
		return nil, fmt.Errorf("file %s: %w", req.FileID, core.ErrNotFound)
	}
	if v := core.ValidateMappings(req.Mappings); !v.Valid {
		return nil, fmt.Errorf("%w: missing %v, duplicated %v, unknown %v", core.ErrInvalidMapping, v.Missing, v.Duplicates, v.Unknown)
	}
	if req.Options.ConflictResolution == "" {
		req.Options.ConflictResolution = core.ConflictUpdate
	}

	job := &core.ImportJob{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		FileID:    req.FileID,
		FileName:  f.OriginalName,
		SessionID: req.SessionID,
		Mappings:  req.Mappings,
		Options:   req.Options,
		Status:    core.StatusPending,
		CreatedAt: s.opts.Now().UTC(),
	}

	switch {
	case req.Options.SkipValidation:
		job.SessionID = ""
	case req.SessionID != "":
		session, err := s.deps.Review.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		// Decisions are keyed by row index, so they only apply to the file they were made on.
		if session.FileID != req.FileID || session.UserID != req.UserID {
			return nil, fmt.Errorf("%w: session %s belongs to another file or user", core.ErrSessionNotFound, req.SessionID)
		}
	default:
		res, err := s.Validate(ctx, ValidateRequest{UserID: req.UserID, FileID: req.FileID, Mappings: req.Mappings})
		if err != nil {
			return nil, err
		}
		job.SessionID = res.SessionID
		job.Validation = &res
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	if _, err := s.deps.Queue.Enqueue(ctx, payload, queue.EnqueueOptions{ID: job.ID}); err != nil {
		return nil, err
	}

	s.sideEffect(s.deps.Progress.SetStatus(ctx, job.ID, core.StatusPending, s.opts.StatusTTL), "status", job.ID)
	s.sideEffect(s.deps.Progress.SetProgress(ctx, job.ID, job.Progress, s.opts.ProgressTTL), "progress", job.ID)
	s.sideEffect(s.deps.Publisher.Publish(ctx, events.Event{
		Kind: events.KindWaiting, JobID: job.ID, UserID: job.UserID, Status: core.StatusPending, At: job.CreatedAt,
	}), "event", job.ID)
	if s.deps.Waker != nil {
		s.deps.Waker.Wake()
	}

	s.logger.Info("import submitted", "job_id", job.ID, "user_id", job.UserID, "file_id", job.FileID, "session_id", job.SessionID)
	return job, nil
}

// Status returns the stored view of a job. Unknown or expired jobs yield
// Known == false and no error.
func (s *Service) Status(ctx context.Context, jobID string) (progress.JobState, error) {
	return progress.Snapshot(ctx, s.deps.Progress, jobID)
}

// Cancel asks a waiting or running job to stop at its next batch boundary.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	job, err := s.deps.Queue.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State == queue.StateCompleted || job.State == queue.StateFailed {
		return fmt.Errorf("job %s already %s: %w", jobID, job.State, core.ErrJobFinished)
	}
	if err := s.deps.Progress.RequestCancel(ctx, jobID, s.opts.StatusTTL); err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	s.logger.Info("import cancel requested", "job_id", jobID, "state", job.State)
	return nil
}

func (s *Service) sideEffect(err error, kind, jobID string) {
	if err == nil {
		return
	}
	metrics.SideEffectFailures.WithLabelValues(kind).Inc()
	s.logger.Warn("side effect failed", "kind", kind, "job_id", jobID, "error", err)
}
