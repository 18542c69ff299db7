package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/timetable-import/internal/core"
	_ "github.com/JonMunkholm/timetable-import/internal/core/tables"
)

type fakeChannel struct {
	name  string
	err   error
	panic bool
	delay time.Duration

	mu  sync.Mutex
	got []Message
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, prefs Preferences, msg Message) error {
	if f.panic {
		panic("channel exploded")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.got = append(f.got, msg)
	f.mu.Unlock()
	return f.err
}

func (f *fakeChannel) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.got...)
}

var allChannels = StaticPreferences{Default: func(userID string) Preferences {
	return Preferences{UserID: userID, Email: "u@example.com", EmailEnabled: true, InAppEnabled: true, PushEnabled: true, PushTopic: "t"}
}}

func newTestDispatcher(prefs PreferenceStore, channels ...Channel) *Dispatcher {
	return NewDispatcher(prefs, channels, Options{
		MinRows: 100,
		Timeout: 200 * time.Millisecond,
		Logger:  slog.New(slog.DiscardHandler),
	})
}

func testJob(total, processed int) *core.ImportJob {
	return &core.ImportJob{
		ID:       "job-1",
		UserID:   "user-1",
		FileName: "timetable.csv",
		Options:  core.ImportOptions{NotifyOnCompletion: true},
		Progress: core.ImportProgress{TotalRows: total, ProcessedRows: processed, SuccessfulRows: processed},
	}
}

func wait(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestDispatcher_Completed(t *testing.T) {
	email := &fakeChannel{name: ChannelEmail}
	inApp := &fakeChannel{name: ChannelInApp}
	d := newTestDispatcher(allChannels, email, inApp)

	report := &core.ImportReport{
		Status: core.StatusCompleted, TotalRows: 10, Processed: 10, Successful: 9, Failed: 1,
		SchedulesCreated: 4,
		Entities:         map[core.EntityType]*core.EntityCounts{core.EntityVenue: {Created: 2, Updated: 1}},
	}
	d.OnStatusChange(context.Background(), testJob(10, 10), core.StatusProcessing, core.StatusCompleted, report)
	wait(t, d)

	for _, ch := range []*fakeChannel{email, inApp} {
		got := ch.messages()
		if len(got) != 1 {
			t.Fatalf("%s deliveries = %d, want 1", ch.name, len(got))
		}
		m := got[0]
		if m.Kind != KindCompleted || m.UserID != "user-1" || m.JobID != "job-1" {
			t.Errorf("%s message = %+v", ch.name, m)
		}
		if m.Title != "Import completed: timetable.csv" {
			t.Errorf("Title = %q", m.Title)
		}
		for _, want := range []string{"9 of 10 records imported, 1 failed", "Venues: 2 created, 1 updated", "4 timetable slots"} {
			if !strings.Contains(m.Message, want) {
				t.Errorf("Message = %q, missing %q", m.Message, want)
			}
		}
	}
}

func TestDispatcher_CompletionOptOut(t *testing.T) {
	ch := &fakeChannel{name: ChannelInApp}
	d := newTestDispatcher(allChannels, ch)

	job := testJob(10, 10)
	job.Options.NotifyOnCompletion = false
	d.OnStatusChange(context.Background(), job, core.StatusProcessing, core.StatusCompleted, nil)
	d.OnStatusChange(context.Background(), job, core.StatusProcessing, core.StatusFailed, &core.ImportReport{Error: "boom"})
	wait(t, d)

	got := ch.messages()
	if len(got) != 1 || got[0].Kind != KindFailed {
		t.Errorf("deliveries = %+v, want only the failure", got)
	}
}

func TestDispatcher_FailureIsolated(t *testing.T) {
	broken := &fakeChannel{name: ChannelEmail, err: errors.New("smtp down")}
	exploding := &fakeChannel{name: ChannelPush, panic: true}
	slow := &fakeChannel{name: ChannelInApp, delay: time.Second}
	d := newTestDispatcher(allChannels, broken, exploding, slow)

	report := &core.ImportReport{Status: core.StatusFailed, FailedStage: core.StageEntityCreation, Error: "database unavailable"}
	start := time.Now()
	d.OnStatusChange(context.Background(), testJob(10, 4), core.StatusProcessing, core.StatusFailed, report)
	if time.Since(start) > 100*time.Millisecond {
		t.Error("OnStatusChange blocked on delivery")
	}
	wait(t, d)

	if len(broken.messages()) != 1 {
		t.Error("failing channel was not attempted")
	}
	if len(slow.messages()) != 0 {
		t.Error("slow channel should have timed out")
	}
	if m := broken.messages()[0]; !strings.Contains(m.Message, "during ENTITY_CREATION") {
		t.Errorf("Message = %q, want failed stage", m.Message)
	}
}

func TestDispatcher_Milestones(t *testing.T) {
	ch := &fakeChannel{name: ChannelInApp}
	d := newTestDispatcher(allChannels, ch)
	ctx := context.Background()

	for _, processed := range []int{10, 30, 40, 80, 90, 100} {
		d.OnProgress(ctx, testJob(200, processed*2))
	}
	wait(t, d)

	var titles []string
	for _, m := range ch.messages() {
		titles = append(titles, m.Title)
	}
	// 10% none, 30% announces 25, 40% none, 80% announces 75 with 50 folded in, then none
	if len(titles) != 2 {
		t.Fatalf("milestone messages = %v, want 2", titles)
	}
	for _, want := range []string{"Import 30%", "Import 80%"} {
		found := false
		for _, title := range titles {
			if strings.HasPrefix(title, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("titles %v missing %q", titles, want)
		}
	}
}

func TestDispatcher_MilestonesSkipSmallJobs(t *testing.T) {
	ch := &fakeChannel{name: ChannelInApp}
	d := newTestDispatcher(allChannels, ch)

	d.OnStatusChange(context.Background(), testJob(50, 40), core.StatusPending, core.StatusProcessing, nil)
	wait(t, d)
	if n := len(ch.messages()); n != 0 {
		t.Errorf("deliveries = %d, want none below the row threshold", n)
	}
}

func TestDispatcher_PreferencesFilter(t *testing.T) {
	email := &fakeChannel{name: ChannelEmail}
	inApp := &fakeChannel{name: ChannelInApp}
	prefs := StaticPreferences{Users: map[string]Preferences{
		"user-1": {UserID: "user-1", EmailEnabled: true, InAppEnabled: true, MutedKinds: []Kind{KindMilestone}},
	}}
	d := newTestDispatcher(prefs, email, inApp)

	d.OnProgress(context.Background(), testJob(200, 200))
	d.OnStatusChange(context.Background(), testJob(200, 200), core.StatusProcessing, core.StatusCompleted, nil)
	wait(t, d)

	if n := len(email.messages()); n != 0 {
		t.Errorf("email deliveries = %d, want none without an address", n)
	}
	if got := inApp.messages(); len(got) != 1 || got[0].Kind != KindCompleted {
		t.Errorf("in-app deliveries = %+v, want completion only", got)
	}
}

func TestPushChannel(t *testing.T) {
	var (
		gotPath, gotTitle, gotPriority, gotBody string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTitle = r.Header.Get("Title")
		gotPriority = r.Header.Get("Priority")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	ch := NewPushChannel(srv.URL+"/", time.Second)
	err := ch.Send(context.Background(), Preferences{PushTopic: "imports-u1"},
		Message{Title: "Import failed:\nx", Message: "stopped", Kind: KindFailed})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotPath != "/imports-u1" || gotTitle != "Import failed: x" || gotPriority != "high" || gotBody != "stopped" {
		t.Errorf("request = %s %q %q %q", gotPath, gotTitle, gotPriority, gotBody)
	}
}

func TestPushChannel_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic is reserved", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewPushChannel(srv.URL, time.Second).Send(context.Background(), Preferences{PushTopic: "x"}, Message{})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("Send() error = %v, want status 403", err)
	}
}

func TestInAppChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	ch := NewInAppChannel(client, "test", 2, time.Hour)
	for _, title := range []string{"one", "two", "three"} {
		if err := ch.Send(ctx, Preferences{}, Message{UserID: "u1", Title: title}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	got, err := ch.Recent(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 || got[0].Title != "three" || got[1].Title != "two" {
		t.Errorf("Recent() = %+v, want newest two", got)
	}
	if ttl := mr.TTL("test:notifications:u1"); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}
}

func TestEmailCompose(t *testing.T) {
	c := &EmailChannel{From: "imports@example.com"}
	raw := c.compose("u@example.com", Message{Title: "Import completed\r\nBcc: x@evil", Message: "line1\nline2", JobID: "j1"})

	if strings.Contains(raw, "\r\nBcc:") {
		t.Error("subject allowed header injection")
	}
	for _, want := range []string{"To: u@example.com\r\n", "X-Import-Job: j1\r\n", "\r\n\r\nline1\r\nline2\r\n"} {
		if !strings.Contains(raw, want) {
			t.Errorf("message missing %q:\n%s", want, raw)
		}
	}
}
