// Package pipeline executes one import job through the ordered stages
// PARSING, MAPPING, VALIDATION, ENTITY_CREATION, SCHEDULE_IMPORT and
// FINALIZATION.
//
// Entities and schedules are written in fixed-size batches; after every batch
// and every stage transition a progress snapshot is written to the progress
// store. Any error aborts the remaining stages and fails the attempt.
// Progress, status and report writes are side effects: their failures are
// logged and counted but never fail the job.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/analyzer"
	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/matching"
	"github.com/JonMunkholm/timetable-import/internal/metrics"
	"github.com/JonMunkholm/timetable-import/internal/progress"
)

// TableReader decodes a stored file.
type TableReader interface {
	ReadTable(ctx context.Context, fileID string) (*analyzer.Table, error)
}

// Sessions gives access to review sessions.
type Sessions interface {
	GetSession(ctx context.Context, id string) (*matching.Session, error)
	CompleteSession(ctx context.Context, id string) bool
}

// FileRemover deletes temporary inputs.
type FileRemover interface {
	Delete(ctx context.Context, id string) bool
}

// CacheInvalidator is told when entities of a type were written.
type CacheInvalidator interface {
	Invalidate(t core.EntityType)
}

// Observer receives every progress snapshot after it was stored.
type Observer func(ctx context.Context, job *core.ImportJob, p core.ImportProgress)

// Deps are the collaborators of a Processor. Files, Sessions and Invalidator
// are optional.
type Deps struct {
	Tables      TableReader
	Sessions    Sessions
	Files       FileRemover
	Writer      EntityWriter
	Progress    progress.Store
	Invalidator CacheInvalidator
}

// Options configures a Processor.
type Options struct {
	BatchSize   int
	ProgressTTL time.Duration
	StatusTTL   time.Duration
	ReportTTL   time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Processor runs import jobs. It is safe for concurrent use by several
// workers; each Process call keeps its state on the stack.
type Processor struct {
	deps      Deps
	opts      Options
	logger    *slog.Logger
	observers []Observer
}

// New returns a Processor.
func New(deps Deps, opts Options) *Processor {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ProgressTTL <= 0 {
		opts.ProgressTTL = time.Hour
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = 24 * time.Hour
	}
	if opts.ReportTTL <= 0 {
		opts.ReportTTL = 7 * 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{deps: deps, opts: opts, logger: opts.Logger.With("component", "pipeline")}
}

// WithObserver registers o and returns p. Register observers before the
// processor is shared.
func (p *Processor) WithObserver(o Observer) *Processor {
	p.observers = append(p.observers, o)
	return p
}

// attempt is the state of one Process call.
type attempt struct {
	job      *core.ImportJob
	logger   *slog.Logger
	report   *core.ImportReport
	progress core.ImportProgress
	session  *matching.Session
	table    *analyzer.Table
	records  []core.Record
	plan     *plan

	// ids maps entity type -> dedup key -> written or matched entity id.
	ids map[core.EntityType]map[string]string
}

type stageFunc func(ctx context.Context, a *attempt) error

// Process runs job through every stage. On failure the returned report holds
// the partial counts, Error and FailedStage, and the error is a
// *core.StageError wrapping the cause.
func (p *Processor) Process(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error) {
	a := &attempt{
		job:    job,
		logger: p.logger.With("job_id", job.ID, "attempt", job.Attempt),
		report: &core.ImportReport{JobID: job.ID, StartedAt: p.opts.Now().UTC()},
		ids:    make(map[core.EntityType]map[string]string),
	}
	a.logger.Info("import started", "file_id", job.FileID, "session_id", job.SessionID)

	p.sideEffect(ctx, a, "status", p.deps.Progress.SetStatus(ctx, job.ID, core.StatusProcessing, p.opts.StatusTTL))

	stages := []struct {
		stage core.ImportStage
		run   stageFunc
	}{
		{core.StageParsing, p.parse},
		{core.StageMapping, p.mapRows},
		{core.StageValidation, p.validate},
		{core.StageEntityCreation, p.createEntities},
		{core.StageScheduleImport, p.importSchedules},
		{core.StageFinalization, p.finalize},
	}

	for _, s := range stages {
		a.progress.CurrentStage = s.stage
		p.emit(ctx, a)

		start := time.Now()
		if err := s.run(ctx, a); err != nil {
			return p.fail(ctx, a, s.stage, err)
		}
		a.logger.Debug("stage completed", "stage", s.stage, "duration_ms", time.Since(start).Milliseconds())
	}
	return a.report, nil
}

func (p *Processor) parse(ctx context.Context, a *attempt) error {
	t, err := p.deps.Tables.ReadTable(ctx, a.job.FileID)
	if err != nil {
		return err
	}
	a.table = t
	return nil
}

func (p *Processor) mapRows(ctx context.Context, a *attempt) error {
	if v := core.ValidateMappings(a.job.Mappings); !v.Valid {
		return fmt.Errorf("%w: missing %v, duplicated %v", core.ErrInvalidMapping, v.Missing, v.Duplicates)
	}
	recs, err := core.ProjectRows(a.table.Columns, a.table.Rows, a.job.Mappings)
	if err != nil {
		return err
	}
	a.records = recs
	return nil
}

// validate normalises every record. Invalid rows are counted as processed and
// failed in a single snapshot and take no further part in the job.
func (p *Processor) validate(ctx context.Context, a *attempt) error {
	valid := a.records[:0]
	invalid := 0
	for i := range a.records {
		rec := a.records[i]
		errs := core.NormalizeRecord(&rec)
		if len(errs) == 0 {
			valid = append(valid, rec)
			continue
		}
		invalid++
		for _, e := range errs {
			a.report.AddRowError(core.RowError{RowIndex: rec.RowIndex, Field: e.Field, Value: e.Value, Message: e.Message})
		}
	}
	a.records = valid
	a.plan = buildPlan(valid, a.job.Mappings)

	a.progress.TotalRows = invalid + a.plan.total()
	a.progress.ProcessedRows += invalid
	a.progress.FailedRows += invalid
	a.report.TotalRows = a.progress.TotalRows
	metrics.RecordsTotal.WithLabelValues(string(core.StageValidation), "failed").Add(float64(invalid))
	p.emit(ctx, a)

	if a.job.SessionID != "" && p.deps.Sessions != nil {
		s, err := p.deps.Sessions.GetSession(ctx, a.job.SessionID)
		switch {
		case err == nil:
			a.session = s
		case errors.Is(err, core.ErrSessionNotFound):
			a.logger.Warn("review session expired, unmatched entities will be created", "session_id", a.job.SessionID)
		default:
			return fmt.Errorf("load review session: %w", err)
		}
	}
	return nil
}

func (p *Processor) createEntities(ctx context.Context, a *attempt) error {
	for _, t := range a.plan.order {
		recs := a.plan.entities[t]
		counts := a.report.Counts(t)
		a.ids[t] = make(map[string]string, len(recs))

		for start := 0; start < len(recs); start += p.opts.BatchSize {
			if err := p.checkpoint(ctx, a); err != nil {
				return err
			}
			batch := recs[start:min(start+p.opts.BatchSize, len(recs))]
			if err := p.writeEntityBatch(ctx, a, t, batch, counts); err != nil {
				return fmt.Errorf("write %s batch at record %d: %w", t, start, err)
			}
		}

		if p.deps.Invalidator != nil {
			p.deps.Invalidator.Invalidate(t)
		}
	}
	return nil
}

func (p *Processor) writeEntityBatch(ctx context.Context, a *attempt, t core.EntityType, batch []EntityRecord, counts *core.EntityCounts) error {
	outcomes := make([]Outcome, len(batch))
	var (
		pending []EntityRecord
		slots   []int
	)
	for i, rec := range batch {
		r := resolve(a.session, t, rec.RowIndex, a.job.Options.ConflictResolution)
		switch {
		case r.failure != "":
			outcomes[i] = Outcome{Err: errors.New(r.failure)}
		case r.action == ActionSkip:
			outcomes[i] = Outcome{ID: r.targetID, Action: ActionSkip}
		default:
			rec.Action, rec.TargetID = r.action, r.targetID
			pending = append(pending, rec)
			slots = append(slots, i)
		}
	}

	if len(pending) > 0 {
		start := time.Now()
		written, err := p.deps.Writer.WriteEntities(ctx, t, pending)
		metrics.BatchDuration.WithLabelValues(string(core.StageEntityCreation)).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		if len(written) != len(pending) {
			return fmt.Errorf("writer returned %d outcomes for %d records", len(written), len(pending))
		}
		for j, o := range written {
			outcomes[slots[j]] = o
		}
	}

	ok, failed := 0, 0
	for i, o := range outcomes {
		rec := batch[i]
		if o.Err != nil {
			failed++
			counts.Failed++
			a.report.AddRowError(core.RowError{RowIndex: rec.RowIndex, Field: keyField(t), Value: rec.Values[keyField(t)], Message: o.Err.Error()})
			continue
		}
		ok++
		a.ids[t][rec.Key] = o.ID
		switch o.Action {
		case ActionCreate:
			counts.Created++
		case ActionUpdate:
			counts.Updated++
		case ActionSkip:
			counts.Skipped++
		}
	}
	p.advance(ctx, a, core.StageEntityCreation, ok, failed)
	return nil
}

func keyField(t core.EntityType) string {
	if def, ok := core.Get(t); ok {
		return def.KeyField
	}
	return ""
}

func (p *Processor) importSchedules(ctx context.Context, a *attempt) error {
	recs := a.plan.schedules
	for start := 0; start < len(recs); start += p.opts.BatchSize {
		if err := p.checkpoint(ctx, a); err != nil {
			return err
		}
		batch := recs[start:min(start+p.opts.BatchSize, len(recs))]
		if err := p.writeScheduleBatch(ctx, a, batch); err != nil {
			return fmt.Errorf("write schedule batch at record %d: %w", start, err)
		}
	}
	return nil
}

func (p *Processor) writeScheduleBatch(ctx context.Context, a *attempt, batch []ScheduleRecord) error {
	outcomes := make([]Outcome, len(batch))
	var (
		pending []ScheduleRecord
		slots   []int
	)
	for i, rec := range batch {
		missing := ""
		refs := map[core.EntityType]*string{
			core.EntityVenue:    &rec.VenueID,
			core.EntityLecturer: &rec.LecturerID,
			core.EntityCourse:   &rec.CourseID,
		}
		for _, t := range a.plan.order {
			id := a.ids[t][a.plan.rowKeys[t][rec.RowIndex]]
			if id == "" {
				missing = string(t)
				break
			}
			*refs[t] = id
		}
		if missing != "" {
			outcomes[i] = Outcome{Err: fmt.Errorf("unresolved %s reference", missing)}
			continue
		}
		pending = append(pending, rec)
		slots = append(slots, i)
	}

	if len(pending) > 0 {
		start := time.Now()
		written, err := p.deps.Writer.WriteSchedules(ctx, pending)
		metrics.BatchDuration.WithLabelValues(string(core.StageScheduleImport)).Observe(time.Since(start).Seconds())
		if err != nil {
			return err
		}
		if len(written) != len(pending) {
			return fmt.Errorf("writer returned %d outcomes for %d schedules", len(written), len(pending))
		}
		for j, o := range written {
			outcomes[slots[j]] = o
		}
	}

	ok, failed := 0, 0
	for i, o := range outcomes {
		if o.Err != nil {
			failed++
			a.report.SchedulesFailed++
			a.report.AddRowError(core.RowError{RowIndex: batch[i].RowIndex, Message: o.Err.Error()})
			continue
		}
		ok++
		a.report.SchedulesCreated++
	}
	p.advance(ctx, a, core.StageScheduleImport, ok, failed)
	return nil
}

func (p *Processor) finalize(ctx context.Context, a *attempt) error {
	a.report.Status = core.StatusCompleted
	p.fillTotals(a)

	p.sideEffect(ctx, a, "report", p.deps.Progress.SetReport(ctx, a.job.ID, a.report, p.opts.ReportTTL))
	p.sideEffect(ctx, a, "status", p.deps.Progress.SetStatus(ctx, a.job.ID, core.StatusCompleted, p.opts.StatusTTL))

	if p.deps.Files != nil && !p.deps.Files.Delete(ctx, a.job.FileID) {
		a.logger.Debug("temporary file already gone", "file_id", a.job.FileID)
	}
	if a.job.SessionID != "" && p.deps.Sessions != nil {
		p.deps.Sessions.CompleteSession(ctx, a.job.SessionID)
	}

	a.logger.Info("import completed",
		"processed", a.report.Processed,
		"successful", a.report.Successful,
		"failed", a.report.Failed,
		"duration_ms", a.report.FinishedAt.Sub(a.report.StartedAt).Milliseconds(),
	)
	return nil
}

func (p *Processor) fillTotals(a *attempt) {
	a.report.TotalRows = a.progress.TotalRows
	a.report.Processed = a.progress.ProcessedRows
	a.report.Successful = a.progress.SuccessfulRows
	a.report.Failed = a.progress.FailedRows
	a.report.FinishedAt = p.opts.Now().UTC()
}

// fail records the failure and returns the partial report with a StageError.
func (p *Processor) fail(ctx context.Context, a *attempt, stage core.ImportStage, cause error) (*core.ImportReport, error) {
	// Side-effect writes must land even when the attempt was cancelled.
	wctx := context.WithoutCancel(ctx)

	a.report.Status = core.StatusFailed
	a.report.Error = core.FormatUserError(cause)
	a.report.FailedStage = stage
	p.fillTotals(a)

	p.sideEffect(wctx, a, "report", p.deps.Progress.SetReport(wctx, a.job.ID, a.report, p.opts.ReportTTL))
	p.sideEffect(wctx, a, "status", p.deps.Progress.SetStatus(wctx, a.job.ID, core.StatusFailed, p.opts.StatusTTL))

	a.logger.Error("import failed", "stage", stage, "error", cause, "processed", a.progress.ProcessedRows)
	return a.report, &core.StageError{Stage: stage, Err: cause}
}

// checkpoint runs at batch boundaries: it stops the attempt when the context
// is done or cancellation was requested.
func (p *Processor) checkpoint(ctx context.Context, a *attempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cancelled, err := p.deps.Progress.CancelRequested(ctx, a.job.ID)
	if err != nil {
		p.sideEffect(ctx, a, "cancel_check", err)
		return nil
	}
	if cancelled {
		return core.ErrJobCancelled
	}
	return nil
}

// advance adds one batch to the counters and publishes the snapshot.
func (p *Processor) advance(ctx context.Context, a *attempt, stage core.ImportStage, ok, failed int) {
	a.progress.ProcessedRows += ok + failed
	a.progress.SuccessfulRows += ok
	a.progress.FailedRows += failed
	metrics.RecordsTotal.WithLabelValues(string(stage), "successful").Add(float64(ok))
	metrics.RecordsTotal.WithLabelValues(string(stage), "failed").Add(float64(failed))
	p.emit(ctx, a)
}

func (p *Processor) emit(ctx context.Context, a *attempt) {
	a.progress.UpdatedAt = p.opts.Now().UTC()
	a.job.Progress = a.progress
	p.sideEffect(ctx, a, "progress", p.deps.Progress.SetProgress(ctx, a.job.ID, a.progress, p.opts.ProgressTTL))
	for _, o := range p.observers {
		o(ctx, a.job, a.progress)
	}
}

// sideEffect logs and counts a failed best-effort write. The error is
// deliberately not returned.
func (p *Processor) sideEffect(ctx context.Context, a *attempt, kind string, err error) {
	if err == nil {
		return
	}
	metrics.SideEffectFailures.WithLabelValues(kind).Inc()
	a.logger.Warn("side effect failed", "kind", kind, "error", err)
}
