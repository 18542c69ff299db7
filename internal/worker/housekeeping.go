package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/events"
	"github.com/JonMunkholm/timetable-import/internal/metrics"
	"github.com/JonMunkholm/timetable-import/internal/queue"
)

// reclaimLoop periodically returns jobs with an expired heartbeat to the
// queue and refreshes the queue gauges.
func (w *Worker) reclaimLoop(ctx context.Context) {
	defer w.loops.Done()
	interval := w.opts.StallTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.ReclaimStalled(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("reclaim stalled jobs failed", "error", err)
		}
		if _, err := w.Stats(ctx); err != nil && ctx.Err() == nil {
			w.logger.Debug("queue stats failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ReclaimStalled requeues or fails active jobs whose heartbeat is older than
// the stall timeout and emits a stalled event for each.
func (w *Worker) ReclaimStalled(ctx context.Context) error {
	cutoff := w.opts.Now().Add(-w.opts.StallTimeout)
	reclaimed, err := w.queue.ReclaimStalled(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, r := range reclaimed {
		job := w.loadJob(ctx, r.ID)
		logger := w.logger.With("job_id", r.ID)

		w.publish(ctx, events.Event{Kind: events.KindStalled, JobID: r.ID, UserID: job.UserID, Retrying: r.Requeued, Attempt: job.Attempt})
		if r.Requeued {
			logger.Warn("stalled job requeued")
			w.setStatus(ctx, r.ID, core.StatusPending, logger)
			continue
		}

		logger.Error("stalled job out of attempts")
		metrics.JobsTotal.WithLabelValues("failed").Inc()
		w.setStatus(ctx, r.ID, core.StatusFailed, logger)
		job.Status = core.StatusFailed
		report := &core.ImportReport{JobID: r.ID, Status: core.StatusFailed, Error: "The import stopped responding and ran out of retries"}
		w.notify(func(n Notifier) { n.OnStatusChange(ctx, job, core.StatusProcessing, core.StatusFailed, report) })
	}
	return nil
}

// loadJob decodes the payload of a queue record, falling back to a bare job
// carrying only the id.
func (w *Worker) loadJob(ctx context.Context, id string) *core.ImportJob {
	job := &core.ImportJob{ID: id}
	qj, err := w.queue.Get(ctx, id)
	if err != nil {
		w.logger.Debug("load stalled job", "job_id", id, "error", err)
		return job
	}
	if err := json.Unmarshal(qj.Payload, job); err != nil {
		w.logger.Debug("decode stalled job", "job_id", id, "error", err)
	}
	job.ID = id
	job.Attempt = qj.Attempts
	return job
}

// Pause stops every worker on the queue from claiming. Running jobs are not
// affected.
func (w *Worker) Pause(ctx context.Context) error {
	if err := w.queue.Pause(ctx); err != nil {
		return err
	}
	w.logger.Info("queue paused")
	return nil
}

// Resume lets workers claim again.
func (w *Worker) Resume(ctx context.Context) error {
	if err := w.queue.Resume(ctx); err != nil {
		return err
	}
	w.logger.Info("queue resumed")
	w.Wake()
	return nil
}

// Clean removes completed and failed jobs finished more than grace ago.
func (w *Worker) Clean(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := w.queue.Clean(ctx, grace)
	if err != nil {
		return 0, err
	}
	w.logger.Info("queue cleaned", "removed", n, "grace", grace)
	return n, nil
}

// Stats returns queue counts and updates the queue gauges.
func (w *Worker) Stats(ctx context.Context) (queue.Stats, error) {
	st, err := w.queue.Stats(ctx)
	if err != nil {
		return queue.Stats{}, err
	}
	for _, s := range queue.States {
		metrics.QueueJobs.WithLabelValues(string(s)).Set(float64(st.Counts[s]))
	}
	return st, nil
}

// Retry moves failed jobs back to waiting with a fresh attempt budget and
// marks them PENDING. With no ids every failed job is retried. A pending
// cancellation of a retried job is dropped so the rerun is not cancelled at
// its first batch.
func (w *Worker) Retry(ctx context.Context, ids ...string) (int64, error) {
	var targets []string
	if len(ids) == 0 {
		failed, err := w.queue.List(ctx, queue.ListFilter{States: []queue.State{queue.StateFailed}})
		if err != nil {
			return 0, err
		}
		for _, j := range failed {
			targets = append(targets, j.ID)
		}
	} else {
		for _, id := range ids {
			qj, err := w.queue.Get(ctx, id)
			if err != nil || qj.State != queue.StateFailed {
				continue
			}
			targets = append(targets, id)
		}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	for _, id := range targets {
		if err := w.progress.ClearCancel(ctx, id); err != nil {
			metrics.SideEffectFailures.WithLabelValues("cancel").Inc()
			w.logger.Warn("clear cancellation failed", "job_id", id, "error", err)
		}
	}

	n, err := w.queue.Retry(ctx, targets...)
	if err != nil {
		return 0, err
	}
	for _, id := range targets {
		qj, err := w.queue.Get(ctx, id)
		if err != nil || qj.State != queue.StateWaiting {
			continue
		}
		w.setStatus(ctx, id, core.StatusPending, w.logger.With("job_id", id))
		w.publish(ctx, events.Event{Kind: events.KindWaiting, JobID: id, Status: core.StatusPending, Retrying: true})
	}
	w.logger.Info("jobs retried", "requested", max(len(ids), len(targets)), "retried", n)
	w.Wake()
	return n, nil
}

// List returns queue records newest first.
func (w *Worker) List(ctx context.Context, f queue.ListFilter) ([]*queue.Job, error) {
	return w.queue.List(ctx, f)
}
