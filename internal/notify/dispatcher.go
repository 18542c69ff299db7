// Package notify tells users about their imports. Delivery is fire-and-forget:
// every channel attempt runs in its own goroutine with a timeout, and failures
// are logged and counted but never reach the caller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/metrics"
)

// Options configures a Dispatcher.
type Options struct {
	Milestones []int
	MinRows    int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Dispatcher turns job transitions into messages.
type Dispatcher struct {
	channels []Channel
	prefs    PreferenceStore
	opts     Options
	logger   *slog.Logger

	wg sync.WaitGroup

	mu   sync.Mutex
	sent map[string][]int // job id -> milestones already announced
}

// NewDispatcher returns a Dispatcher delivering over channels.
func NewDispatcher(prefs PreferenceStore, channels []Channel, opts Options) *Dispatcher {
	if opts.Milestones == nil {
		opts.Milestones = []int{25, 50, 75}
	}
	opts.Milestones = slices.Clone(opts.Milestones)
	slices.Sort(opts.Milestones)
	if opts.MinRows <= 0 {
		opts.MinRows = 500
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if prefs == nil {
		prefs = StaticPreferences{}
	}
	return &Dispatcher{
		channels: channels,
		prefs:    prefs,
		opts:     opts,
		logger:   opts.Logger.With("component", "notify"),
		sent:     make(map[string][]int),
	}
}

// OnStatusChange reacts to a job moving from previous to next. Completion
// messages go out only when the job asked for them; failures always do.
// report may be nil.
func (d *Dispatcher) OnStatusChange(ctx context.Context, job *core.ImportJob, previous, next core.ImportStatus, report *core.ImportReport) {
	if previous == next {
		return
	}
	switch next {
	case core.StatusProcessing:
		d.OnProgress(ctx, job)
	case core.StatusCompleted:
		d.forget(job.ID)
		if job.Options.NotifyOnCompletion {
			d.send(ctx, KindCompleted, job, report)
		}
	case core.StatusFailed:
		d.forget(job.ID)
		d.send(ctx, KindFailed, job, report)
	}
}

// OnProgress announces the highest milestone reached since the last call.
// Small jobs and jobs that did not ask for notifications are ignored.
func (d *Dispatcher) OnProgress(ctx context.Context, job *core.ImportJob) {
	if !job.Options.NotifyOnCompletion || job.Progress.TotalRows < d.opts.MinRows {
		return
	}
	pct := job.Progress.Percent()

	d.mu.Lock()
	sent := d.sent[job.ID]
	reached := -1
	for _, m := range d.opts.Milestones {
		if m <= pct && !slices.Contains(sent, m) {
			sent = append(sent, m)
			reached = m
		}
	}
	d.sent[job.ID] = sent
	d.mu.Unlock()

	if reached < 0 {
		return
	}
	d.send(ctx, KindMilestone, job, nil)
}

func (d *Dispatcher) forget(jobID string) {
	d.mu.Lock()
	delete(d.sent, jobID)
	d.mu.Unlock()
}

// send renders the message and starts delivery without waiting for it.
func (d *Dispatcher) send(ctx context.Context, kind Kind, job *core.ImportJob, report *core.ImportReport) {
	if job.UserID == "" || len(d.channels) == 0 {
		return
	}
	msg, err := render(kind, job, report)
	if err != nil {
		d.logger.Error("render notification", "kind", kind, "job_id", job.ID, "error", err)
		return
	}

	// Deliveries outlive the request or attempt that triggered them.
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.recoverPanic("preferences", msg)

		lookupCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		prefs, err := d.prefs.Preferences(lookupCtx, msg.UserID)
		cancel()
		if err != nil {
			d.logger.Warn("notification preferences unavailable, using defaults", "user_id", msg.UserID, "error", err)
			prefs = DefaultPreferences(msg.UserID)
		}

		for _, ch := range d.channels {
			if !prefs.Enabled(ch.Name(), kind) {
				continue
			}
			d.wg.Add(1)
			go d.deliver(ctx, ch, prefs, msg)
		}
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, prefs Preferences, msg Message) {
	defer d.wg.Done()
	defer d.recoverPanic(ch.Name(), msg)

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	start := time.Now()
	if err := ch.Send(ctx, prefs, msg); err != nil {
		metrics.NotificationsTotal.WithLabelValues(ch.Name(), "failed").Inc()
		d.logger.Warn("notification delivery failed",
			"channel", ch.Name(), "kind", msg.Kind, "job_id", msg.JobID, "user_id", msg.UserID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues(ch.Name(), "sent").Inc()
	d.logger.Debug("notification delivered",
		"channel", ch.Name(), "kind", msg.Kind, "job_id", msg.JobID, "duration_ms", time.Since(start).Milliseconds())
}

func (d *Dispatcher) recoverPanic(where string, msg Message) {
	if r := recover(); r != nil {
		metrics.NotificationsTotal.WithLabelValues(where, "panic").Inc()
		d.logger.Error("notification delivery panicked",
			"channel", where, "job_id", msg.JobID, "panic", fmt.Sprint(r))
	}
}

// Wait blocks until every started delivery finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
