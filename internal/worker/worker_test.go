package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/events"
	"github.com/JonMunkholm/timetable-import/internal/progress"
	"github.com/JonMunkholm/timetable-import/internal/queue"
)

var discard = slog.New(slog.DiscardHandler)

type handlerFunc func(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error)

func (f handlerFunc) Process(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error) {
	return f(ctx, job)
}

type transition struct {
	jobID    string
	previous core.ImportStatus
	next     core.ImportStatus
}

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []transition
	progress    int
}

func (n *recordingNotifier) OnStatusChange(ctx context.Context, job *core.ImportJob, previous, next core.ImportStatus, report *core.ImportReport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, transition{job.ID, previous, next})
}

func (n *recordingNotifier) OnProgress(ctx context.Context, job *core.ImportJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress++
}

func (n *recordingNotifier) terminal(jobID string) []core.ImportStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []core.ImportStatus
	for _, tr := range n.transitions {
		if tr.jobID == jobID && (tr.next == core.StatusCompleted || tr.next == core.StatusFailed) {
			out = append(out, tr.next)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) kinds(jobID string) []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Kind
	for _, e := range p.events {
		if e.JobID == jobID {
			out = append(out, e.Kind)
		}
	}
	return out
}

type harness struct {
	queue     *queue.Store
	progress  *progress.MemoryStore
	notifier  *recordingNotifier
	publisher *recordingPublisher
	worker    *Worker
}

func newHarness(t *testing.T, h Handler, concurrency int) *harness {
	t.Helper()
	q, err := queue.Open(context.Background(), queue.Options{
		Path:        filepath.Join(t.TempDir(), "queue.db"),
		MaxAttempts: 2,
		BackoffBase: 10 * time.Millisecond,
		Logger:      discard,
	})
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	hs := &harness{
		queue:     q,
		progress:  progress.NewMemoryStore(nil),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
	}
	hs.worker = New(q, h, hs.progress, hs.publisher, hs.notifier, Options{
		Concurrency:       concurrency,
		PollInterval:      5 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		StallTimeout:      time.Minute,
		Logger:            discard,
	})
	return hs
}

func (h *harness) enqueue(t *testing.T, id string) {
	t.Helper()
	payload, _ := json.Marshal(core.ImportJob{ID: id, UserID: "user-1", FileID: "file-" + id, Status: core.StatusPending})
	if _, err := h.queue.Enqueue(context.Background(), payload, queue.EnqueueOptions{ID: id}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.worker.Stop(ctx)
	})
}

func (h *harness) waitState(t *testing.T, id string, want queue.State) *queue.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.queue.Get(context.Background(), id)
		if err == nil && job.State == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := h.queue.Get(context.Background(), id)
	t.Fatalf("job %s state = %+v, want %s", id, job, want)
	return nil
}

func TestWorker_ConcurrencyBound(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	h := newHarness(t, handlerFunc(func(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return &core.ImportReport{JobID: job.ID, Status: core.StatusCompleted}, nil
	}), 2)

	for _, id := range []string{"j1", "j2", "j3", "j4", "j5"} {
		h.enqueue(t, id)
	}
	h.start(t)

	time.Sleep(100 * time.Millisecond)
	if got := h.worker.Status().Active; got != 2 {
		t.Errorf("Active = %d, want 2", got)
	}
	close(release)

	for _, id := range []string{"j1", "j2", "j3", "j4", "j5"} {
		h.waitState(t, id, queue.StateCompleted)
	}
	if got := peak.Load(); got != 2 {
		t.Errorf("peak concurrency = %d, want 2", got)
	}
	if got := h.notifier.terminal("j3"); len(got) != 1 || got[0] != core.StatusCompleted {
		t.Errorf("j3 terminal notifications = %v, want [COMPLETED]", got)
	}
}

func TestWorker_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, handlerFunc(func(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error) {
		if calls.Add(1) == 1 {
			if job.Attempt != 1 {
				t.Errorf("first Attempt = %d, want 1", job.Attempt)
			}
			return &core.ImportReport{Status: core.StatusFailed}, &core.StageError{Stage: core.StageEntityCreation, Err: errors.New("connection reset")}
		}
		return &core.ImportReport{Status: core.StatusCompleted}, nil
	}), 1)

	h.enqueue(t, "r1")
	h.start(t)

	job := h.waitState(t, "r1", queue.StateCompleted)
	if job.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", job.Attempts)
	}
	if got := h.notifier.terminal("r1"); len(got) != 1 || got[0] != core.StatusCompleted {
		t.Errorf("terminal notifications = %v, want only COMPLETED", got)
	}

	kinds := h.publisher.kinds("r1")
	want := []events.Kind{events.KindActive, events.KindWaiting, events.KindActive, events.KindCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestWorker_ExhaustedAttemptsFail(t *testing.T) {
	h := newHarness(t, handlerFunc(func(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error) {
		return &core.ImportReport{Status: core.StatusFailed}, errors.New("database unavailable")
	}), 1)

	h.enqueue(t, "f1")
	h.start(t)

	job := h.waitState(t, "f1", queue.StateFailed)
	if job.Attempts != 2 || job.LastError == "" {
		t.Errorf("failed job = %+v, want 2 attempts with an error", job)
	}
	if got := h.notifier.terminal("f1"); len(got) != 1 || got[0] != core.StatusFailed {
		t.Errorf("terminal notifications = %v, want one FAILED", got)
	}
}

func TestWorker_CancelledNotRetried(t *testing.T) {
	h := newHarness(t, handlerFunc(func(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error) {
		return &core.ImportReport{Status: core.StatusFailed}, &core.StageError{Stage: core.StageEntityCreation, Err: core.ErrJobCancelled}
	}), 1)

	h.enqueue(t, "c1")
	h.start(t)

	job := h.waitState(t, "c1", queue.StateFailed)
	if job.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", job.Attempts)
	}
}

func TestWorker_RetryClearsCancellation(t *testing.T) {
	h := newHarness(t, nil, 1)
	h.worker.handler = handlerFunc(func(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error) {
		cancelled, err := h.progress.CancelRequested(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if cancelled {
			return &core.ImportReport{Status: core.StatusFailed}, &core.StageError{Stage: core.StageEntityCreation, Err: core.ErrJobCancelled}
		}
		return &core.ImportReport{Status: core.StatusCompleted}, nil
	})
	ctx := context.Background()

	if err := h.progress.RequestCancel(ctx, "rc1", time.Hour); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}
	h.enqueue(t, "rc1")
	h.start(t)
	h.waitState(t, "rc1", queue.StateFailed)

	n, err := h.worker.Retry(ctx, "rc1")
	if err != nil || n != 1 {
		t.Fatalf("Retry() = %d, %v; want 1", n, err)
	}
	if ok, _ := h.progress.CancelRequested(ctx, "rc1"); ok {
		t.Error("cancellation still pending after Retry")
	}
	job := h.waitState(t, "rc1", queue.StateCompleted)
	if job.LastError != "" {
		t.Errorf("LastError = %q, want empty", job.LastError)
	}
}

func TestWorker_RetryKeepsActiveCancellation(t *testing.T) {
	h := newHarness(t, nil, 1)
	ctx := context.Background()

	h.enqueue(t, "a1")
	if _, err := h.queue.Claim(ctx); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	h.progress.RequestCancel(ctx, "a1", time.Hour)

	if n, err := h.worker.Retry(ctx, "a1"); err != nil || n != 0 {
		t.Errorf("Retry(active) = %d, %v; want 0", n, err)
	}
	if ok, _ := h.progress.CancelRequested(ctx, "a1"); !ok {
		t.Error("Retry dropped the cancellation of an active job")
	}
}

func TestWorker_StopDrains(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	h := newHarness(t, handlerFunc(func(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error) {
		close(started)
		time.Sleep(80 * time.Millisecond)
		finished.Store(true)
		return &core.ImportReport{}, nil
	}), 1)

	h.enqueue(t, "d1")
	if err := h.worker.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.worker.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !finished.Load() {
		t.Error("Stop returned before the running job finished")
	}
	job, _ := h.queue.Get(context.Background(), "d1")
	if job.State != queue.StateCompleted {
		t.Errorf("state after Stop = %s, want completed", job.State)
	}
	if h.worker.Status().Running {
		t.Error("worker still running after Stop")
	}
}

func TestWorker_SetConcurrency(t *testing.T) {
	h := newHarness(t, handlerFunc(func(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error) {
		return &core.ImportReport{}, nil
	}), 0)

	if got := h.worker.Status().Concurrency; got != DefaultConcurrency {
		t.Errorf("default Concurrency = %d, want %d", got, DefaultConcurrency)
	}
	for _, n := range []int{0, 11, -1} {
		if err := h.worker.SetConcurrency(n); !errors.Is(err, core.ErrInvalidConcurrency) {
			t.Errorf("SetConcurrency(%d) error = %v, want ErrInvalidConcurrency", n, err)
		}
	}
	if err := h.worker.SetConcurrency(4); err != nil {
		t.Fatalf("SetConcurrency(4) error = %v", err)
	}
	h.start(t)
	if got := h.worker.Status(); got.Concurrency != 4 || got.Available != 4 {
		t.Errorf("Status() = %+v, want 4 free slots", got)
	}
}

func TestWorker_ReclaimStalled(t *testing.T) {
	h := newHarness(t, handlerFunc(func(ctx context.Context, job *core.ImportJob) (*core.ImportReport, error) {
		return &core.ImportReport{}, nil
	}), 1)
	ctx := context.Background()

	// A job claimed by a worker that died.
	h.enqueue(t, "s1")
	if _, err := h.queue.Claim(ctx); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	h.worker.opts.Now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	if err := h.worker.ReclaimStalled(ctx); err != nil {
		t.Fatalf("ReclaimStalled() error = %v", err)
	}
	job, _ := h.queue.Get(ctx, "s1")
	if job.State != queue.StateWaiting {
		t.Errorf("state = %s, want waiting", job.State)
	}
	if status, ok, _ := h.progress.Status(ctx, "s1"); !ok || status != core.StatusPending {
		t.Errorf("status = %s (%v), want PENDING", status, ok)
	}
	if kinds := h.publisher.kinds("s1"); len(kinds) != 1 || kinds[0] != events.KindStalled {
		t.Errorf("events = %v, want [stalled]", kinds)
	}

	// Second stall uses the last attempt.
	if _, err := h.queue.Claim(ctx); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := h.worker.ReclaimStalled(ctx); err != nil {
		t.Fatalf("ReclaimStalled() error = %v", err)
	}
	job, _ = h.queue.Get(ctx, "s1")
	if job.State != queue.StateFailed {
		t.Errorf("state = %s, want failed", job.State)
	}
	if got := h.notifier.terminal("s1"); len(got) != 1 || got[0] != core.StatusFailed {
		t.Errorf("terminal notifications = %v, want FAILED", got)
	}
}

func TestWorker_Observe(t *testing.T) {
	h := newHarness(t, nil, 1)
	job := &core.ImportJob{ID: "o1", UserID: "u"}
	h.worker.Observe(context.Background(), job, core.ImportProgress{TotalRows: 10, ProcessedRows: 4, SuccessfulRows: 4})

	if kinds := h.publisher.kinds("o1"); len(kinds) != 1 || kinds[0] != events.KindProgress {
		t.Errorf("events = %v, want [progress]", kinds)
	}
	if h.notifier.progress != 1 {
		t.Errorf("OnProgress calls = %d, want 1", h.notifier.progress)
	}
}

func TestSlots(t *testing.T) {
	s := newSlots(1)
	ctx := context.Background()
	if err := s.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() on full = %v, want deadline exceeded", err)
	}
	if err := s.WaitForDrain(short); err == nil {
		t.Error("WaitForDrain() with a held slot should time out")
	}

	s.Release()
	if err := s.WaitForDrain(ctx); err != nil {
		t.Errorf("WaitForDrain() error = %v", err)
	}
	if s.Active() != 0 || s.Capacity() != 1 {
		t.Errorf("Active = %d, Capacity = %d", s.Active(), s.Capacity())
	}
}
