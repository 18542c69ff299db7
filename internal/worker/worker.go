// Package worker consumes the durable job queue with bounded concurrency and
// runs each claimed job through the import pipeline.
//
// The worker owns the queue-side lifecycle of a job: it heartbeats while the
// pipeline runs, completes or fails the queue record afterwards, reclaims
// jobs whose worker died, publishes lifecycle events and hands status
// transitions to the notifier. Retries are decided by the queue; the worker
// only reports whether a failure may be retried.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/events"
	"github.com/JonMunkholm/timetable-import/internal/metrics"
	"github.com/JonMunkholm/timetable-import/internal/progress"
	"github.com/JonMunkholm/timetable-import/internal/queue"
)

const (
	MinConcurrency     = 1
	MaxConcurrency     = 10
	DefaultConcurrency = 2
)

// Handler runs one job attempt.
type Handler interface {
	Process(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error)
}

// Notifier is told about status transitions and progress.
type Notifier interface {
	OnStatusChange(ctx context.Context, job *core.ImportJob, previous, next core.ImportStatus, report *core.ImportReport)
	OnProgress(ctx context.Context, job *core.ImportJob)
}

// Options configures a Worker.
type Options struct {
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	StallTimeout      time.Duration
	JobTimeout        time.Duration
	StatusTTL         time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

// Worker pulls jobs from a queue.Store and processes them.
type Worker struct {
	queue     *queue.Store
	handler   Handler
	progress  progress.Store
	publisher events.Publisher
	notifier  Notifier
	opts      Options
	logger    *slog.Logger
	wake      chan struct{}

	mu          sync.Mutex
	running     bool
	concurrency int
	slots       *slots
	stopPoll    context.CancelFunc
	stopJobs    context.CancelFunc
	loops       sync.WaitGroup
	jobs        sync.WaitGroup
}

// New returns a stopped Worker. publisher and notifier may be nil.
func New(q *queue.Store, handler Handler, store progress.Store, publisher events.Publisher, notifier Notifier, opts Options) *Worker {
	if opts.Concurrency < MinConcurrency || opts.Concurrency > MaxConcurrency {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = time.Minute
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
	if publisher == nil {
		publisher = events.Fanout{}
	}
	return &Worker{
		queue:       q,
		handler:     handler,
		progress:    store,
		publisher:   publisher,
		notifier:    notifier,
		opts:        opts,
		logger:      opts.Logger.With("component", "worker"),
		wake:        make(chan struct{}, 1),
		concurrency: opts.Concurrency,
	}
}

// SetConcurrency changes the number of parallel jobs. It takes effect on the
// next Start.
func (w *Worker) SetConcurrency(n int) error {
	if n < MinConcurrency || n > MaxConcurrency {
		return fmt.Errorf("concurrency %d: %w", n, core.ErrInvalidConcurrency)
	}
	w.mu.Lock()
	w.concurrency = n
	w.mu.Unlock()
	return nil
}

// Start begins polling. Jobs keep running until Stop, independent of ctx
// being cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("worker already running")
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	jobCtx, stopJobs := context.WithCancel(context.WithoutCancel(ctx))
	w.stopPoll = stopPoll
	w.stopJobs = stopJobs
	w.slots = newSlots(w.concurrency)
	w.running = true

	w.loops.Add(2)
	go w.poll(pollCtx, jobCtx, w.slots)
	go w.reclaimLoop(pollCtx)

	w.logger.Info("worker started", "concurrency", w.concurrency, "queue", w.queue.Path())
	return nil
}

// Stop stops claiming new jobs and waits for running ones to finish. When ctx
// ends first the running jobs are cancelled and ctx.Err is returned once they
// have returned.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	stopPoll, stopJobs, s := w.stopPoll, w.stopJobs, w.slots
	w.mu.Unlock()

	stopPoll()
	w.loops.Wait()

	w.logger.Info("worker draining", "active", s.Active())
	err := s.WaitForDrain(ctx)
	if err != nil {
		w.logger.Warn("drain timed out, cancelling running jobs", "active", s.Active())
		stopJobs()
	}
	w.jobs.Wait()
	stopJobs()
	w.logger.Info("worker stopped")
	return err
}

// Wake makes an idle poller check the queue now instead of after the poll
// interval.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Status is a snapshot of the worker's capacity.
type Status struct {
	Running     bool `json:"running"`
	Concurrency int  `json:"concurrency"`
	Active      int  `json:"active"`
	Available   int  `json:"available"`
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{Running: w.running, Concurrency: w.concurrency}
	if w.slots != nil && w.running {
		st.Active = w.slots.Active()
		st.Available = w.slots.Capacity() - st.Active
	}
	return st
}

func (w *Worker) poll(ctx, jobCtx context.Context, s *slots) {
	defer w.loops.Done()
	for {
		if err := s.Acquire(ctx); err != nil {
			return
		}
		job, err := w.queue.Claim(ctx)
		if err != nil {
			s.Release()
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claim failed", "error", err)
			w.idle(ctx)
			continue
		}
		if job == nil {
			s.Release()
			w.idle(ctx)
			continue
		}

		w.jobs.Add(1)
		go func() {
			defer w.jobs.Done()
			defer s.Release()
			w.run(jobCtx, job)
		}()
	}
}

func (w *Worker) idle(ctx context.Context) {
	t := time.NewTimer(w.opts.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.wake:
	case <-t.C:
	}
}

// run processes one claimed job and settles its queue record.
func (w *Worker) run(ctx context.Context, qj *queue.Job) {
	start := time.Now()
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()

	logger := w.logger.With("job_id", qj.ID, "attempt", qj.Attempts)

	var job core.ImportJob
	if err := json.Unmarshal(qj.Payload, &job); err != nil {
		logger.Error("undecodable job payload", "error", err)
		if _, ferr := w.queue.Fail(ctx, qj.ID, fmt.Errorf("decode payload: %w", err), false); ferr != nil {
			logger.Error("fail job", "error", ferr)
		}
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		return
	}
	job.ID = qj.ID
	job.Attempt = qj.Attempts
	job.Status = core.StatusProcessing
	started := w.opts.Now().UTC()
	job.StartedAt = &started

	w.publish(ctx, events.Event{Kind: events.KindActive, JobID: job.ID, UserID: job.UserID, Status: core.StatusProcessing, Attempt: job.Attempt})
	w.notify(func(n Notifier) { n.OnStatusChange(ctx, &job, core.StatusPending, core.StatusProcessing, nil) })

	runCtx := ctx
	if w.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.opts.JobTimeout)
		defer cancel()
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go w.heartbeat(hbCtx, &hb, qj.ID, logger)

	report, err := w.handler.Process(runCtx, &job)
	stopHeartbeat()
	hb.Wait()

	metrics.JobDuration.Observe(time.Since(start).Seconds())

	// Settle the record even when the worker is being shut down.
	settleCtx := context.WithoutCancel(ctx)
	if err == nil {
		w.succeed(settleCtx, &job, report, logger)
		return
	}
	w.failed(settleCtx, qj, &job, report, err, logger)
}

func (w *Worker) succeed(ctx context.Context, job *core.ImportJob, report *core.ImportReport, logger *slog.Logger) {
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		logger.Error("complete job", "error", err)
	}
	completed := w.opts.Now().UTC()
	job.Status = core.StatusCompleted
	job.CompletedAt = &completed
	metrics.JobsTotal.WithLabelValues("completed").Inc()

	w.publish(ctx, events.Event{Kind: events.KindCompleted, JobID: job.ID, UserID: job.UserID, Status: core.StatusCompleted, Progress: &job.Progress, Attempt: job.Attempt})
	w.notify(func(n Notifier) { n.OnStatusChange(ctx, job, core.StatusProcessing, core.StatusCompleted, report) })
}

// failed hands the error to the queue. Cancelled jobs are never retried.
// A retried job goes back to PENDING and users only hear about the failure
// once the queue gives up.
func (w *Worker) failed(ctx context.Context, qj *queue.Job, job *core.ImportJob, report *core.ImportReport, cause error, logger *slog.Logger) {
	retryable := !errors.Is(cause, core.ErrJobCancelled)
	out, err := w.queue.Fail(ctx, job.ID, cause, retryable)
	if err != nil {
		logger.Error("fail job", "error", err, "cause", cause)
		return
	}

	if out.Retrying {
		metrics.JobsTotal.WithLabelValues("retried").Inc()
		w.setStatus(ctx, job.ID, core.StatusPending, logger)
		logger.Warn("import attempt failed, retry scheduled",
			"error", cause, "attempts", out.Attempts, "max_attempts", qj.MaxAttempts, "next_attempt_at", out.NextAttemptAt)
		w.publish(ctx, events.Event{Kind: events.KindWaiting, JobID: job.ID, UserID: job.UserID, Status: core.StatusPending,
			Attempt: job.Attempt, Retrying: true, Error: cause.Error()})
		return
	}

	outcome := "failed"
	if errors.Is(cause, core.ErrJobCancelled) {
		outcome = "cancelled"
	}
	metrics.JobsTotal.WithLabelValues(outcome).Inc()
	completed := w.opts.Now().UTC()
	job.Status = core.StatusFailed
	job.CompletedAt = &completed

	w.publish(ctx, events.Event{Kind: events.KindFailed, JobID: job.ID, UserID: job.UserID, Status: core.StatusFailed,
		Progress: &job.Progress, Attempt: job.Attempt, Error: cause.Error()})
	w.notify(func(n Notifier) { n.OnStatusChange(ctx, job, core.StatusProcessing, core.StatusFailed, report) })
}

func (w *Worker) heartbeat(ctx context.Context, wg *sync.WaitGroup, id string, logger *slog.Logger) {
	defer wg.Done()
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("heartbeat update failed", "error", err)
			}
		}
	}
}

// Observe is a pipeline observer publishing progress events and milestone
// notifications.
func (w *Worker) Observe(ctx context.Context, job *core.ImportJob, p core.ImportProgress) {
	snapshot := p
	w.publish(ctx, events.Event{Kind: events.KindProgress, JobID: job.ID, UserID: job.UserID, Status: core.StatusProcessing,
		Progress: &snapshot, Attempt: job.Attempt})
	w.notify(func(n Notifier) { n.OnProgress(ctx, job) })
}

func (w *Worker) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = w.opts.Now().UTC()
	}
	if err := w.publisher.Publish(ctx, e); err != nil {
		metrics.SideEffectFailures.WithLabelValues("event").Inc()
		w.logger.Warn("publish event failed", "kind", e.Kind, "job_id", e.JobID, "error", err)
	}
}

func (w *Worker) notify(fn func(Notifier)) {
	if w.notifier != nil {
		fn(w.notifier)
	}
}

func (w *Worker) setStatus(ctx context.Context, jobID string, s core.ImportStatus, logger *slog.Logger) {
	if err := w.progress.SetStatus(ctx, jobID, s, w.opts.StatusTTL); err != nil {
		metrics.SideEffectFailures.WithLabelValues("status").Inc()
		logger.Warn("status write failed", "status", s, "error", err)
	}
}
