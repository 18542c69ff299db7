package imports

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/analyzer"
	"github.com/JonMunkholm/timetable-import/internal/core"
	_ "github.com/JonMunkholm/timetable-import/internal/core/tables"
	"github.com/JonMunkholm/timetable-import/internal/filestore"
	"github.com/JonMunkholm/timetable-import/internal/matching"
	"github.com/JonMunkholm/timetable-import/internal/progress"
	"github.com/JonMunkholm/timetable-import/internal/queue"
)

var discard = slog.New(slog.DiscardHandler)

type staticSource map[core.EntityType][]matching.Entity

func (s staticSource) ListEntities(ctx context.Context, t core.EntityType) ([]matching.Entity, error) {
	return s[t], nil
}

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

const timetableCSV = "Room,Lecturer,Course,Day,Start,End\n" +
	"Hall A,Ada Lovelace,CS101,Mon,09:00,10:30\n" +
	"Lab 1,Alan Turing,CS102,Funday,11:00,12:00\n" +
	"Hall A,Ada Lovelace,CS103,Tue,13:00,14:00\n"

var fullMapping = []core.ColumnMapping{
	{SourceColumn: "Room", TargetField: "venue.name"},
	{SourceColumn: "Lecturer", TargetField: "lecturer.name"},
	{SourceColumn: "Course", TargetField: "course.code"},
	{SourceColumn: "Day", TargetField: "schedule.day"},
	{SourceColumn: "Start", TargetField: "schedule.start_time"},
	{SourceColumn: "End", TargetField: "schedule.end_time"},
}

type fixture struct {
	svc      *Service
	queue    *queue.Store
	progress *progress.MemoryStore
	waker    *countingWaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	files, err := filestore.New(filestore.Options{
		Dir:               filepath.Join(dir, "uploads"),
		MaxFileSize:       1 << 20,
		AllowedExtensions: []string{".csv", ".xlsx", ".xls"},
		TTL:               time.Hour,
		Logger:            discard,
	})
	if err != nil {
		t.Fatalf("filestore.New() error = %v", err)
	}
	q, err := queue.Open(context.Background(), queue.Options{Path: filepath.Join(dir, "queue.db"), Logger: discard})
	if err != nil {
		t.Fatalf("queue.Open() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	source := staticSource{
		core.EntityVenue: {{ID: "v1", Label: "Hall A", Fields: map[string]string{"venue.name": "Hall A"}}},
	}
	f := &fixture{
		queue:    q,
		progress: progress.NewMemoryStore(nil),
		waker:    &countingWaker{},
	}
	f.svc = New(Deps{
		Files:    files,
		Analyzer: analyzer.New(files, analyzer.Options{Logger: discard}),
		Matcher:  matching.NewMatcher(source, matching.MatcherOptions{Logger: discard}),
		Review:   matching.NewReviewService(matching.NewMemoryStore(nil), matching.ReviewOptions{Logger: discard}),
		Queue:    q,
		Progress: f.progress,
		Waker:    f.waker,
	}, Options{Logger: discard})
	return f
}

func (f *fixture) upload(t *testing.T) UploadResult {
	t.Helper()
	res, err := f.svc.Upload(context.Background(), strings.NewReader(timetableCSV), "timetable.csv", "text/csv")
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	return res
}

func TestService_Upload(t *testing.T) {
	f := newFixture(t)
	res := f.upload(t)

	if res.File.ID == "" || res.File.OriginalName != "timetable.csv" {
		t.Errorf("File = %+v", res.File)
	}
	if res.Metadata.RowCount != 3 || !res.Metadata.HasHeaders {
		t.Errorf("Metadata = %+v, want 3 rows with headers", res.Metadata)
	}
	if len(res.SuggestedMappings) == 0 {
		t.Error("SuggestedMappings is empty")
	}

	_, err := f.svc.Upload(context.Background(), strings.NewReader("x"), "notes.txt", "text/plain")
	if !errors.Is(err, core.ErrInvalidExtension) {
		t.Errorf("Upload(.txt) error = %v, want ErrInvalidExtension", err)
	}

	if !f.svc.DeleteUpload(context.Background(), res.File.ID) {
		t.Error("DeleteUpload() = false")
	}
	if _, err := f.svc.Metadata(context.Background(), res.File.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Metadata() after delete error = %v, want ErrNotFound", err)
	}
}

func TestService_Validate(t *testing.T) {
	f := newFixture(t)
	file := f.upload(t)

	res, err := f.svc.Validate(context.Background(), ValidateRequest{UserID: "u1", FileID: file.File.ID, Mappings: fullMapping})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.TotalRows != 3 || res.ValidRows != 2 || res.InvalidRows != 1 || res.Valid {
		t.Errorf("result = %+v, want 2 of 3 rows valid", res)
	}
	if len(res.RowErrors) != 1 || res.RowErrors[0].RowIndex != 1 || res.RowErrors[0].Field != "schedule.day" {
		t.Errorf("RowErrors = %+v", res.RowErrors)
	}
	if res.SessionID == "" {
		t.Fatal("no review session created")
	}
	venues := res.MatchSummary[core.EntityVenue]
	if venues.AutoApproved+venues.RequiresReview+venues.AutoRejected != 2 {
		t.Errorf("venue buckets = %+v, want 2 matched rows", venues)
	}

	session, err := f.svc.Review().GetSession(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if m, ok := session.Match(core.EntityVenue, 0); !ok || m.Score < 0.9 {
		t.Errorf("row 0 venue match = %+v, want a strong match on Hall A", m)
	}
}

func TestService_ValidateBadMapping(t *testing.T) {
	f := newFixture(t)
	file := f.upload(t)

	res, err := f.svc.Validate(context.Background(), ValidateRequest{FileID: file.File.ID, Mappings: fullMapping[:2]})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if res.Mapping.Valid || res.SessionID != "" || len(res.Mapping.Missing) == 0 {
		t.Errorf("result = %+v, want invalid mapping and no session", res)
	}

	_, err = f.svc.Validate(context.Background(), ValidateRequest{
		FileID: file.File.ID, Mappings: fullMapping,
		Thresholds: &matching.Thresholds{AutoApprove: 0.2, RequireReview: 0.5, AutoReject: 0.1},
	})
	if !errors.Is(err, core.ErrInvalidThresholds) {
		t.Errorf("Validate() error = %v, want ErrInvalidThresholds", err)
	}
}

func TestService_Submit(t *testing.T) {
	f := newFixture(t)
	file := f.upload(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, SubmitRequest{
		UserID: "u1", FileID: file.File.ID, Mappings: fullMapping,
		Options: core.ImportOptions{NotifyOnCompletion: true},
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if job.Status != core.StatusPending || job.SessionID == "" || job.Options.ConflictResolution != core.ConflictUpdate {
		t.Errorf("job = %+v, want pending with a session and update conflicts", job)
	}
	if f.waker.n != 1 {
		t.Errorf("Wake calls = %d, want 1", f.waker.n)
	}

	state, err := f.svc.Status(ctx, job.ID)
	if err != nil || !state.Known || state.Status != core.StatusPending {
		t.Errorf("Status() = %+v, %v, want known PENDING", state, err)
	}

	qj, err := f.queue.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("queue Get() error = %v", err)
	}
	var payload core.ImportJob
	if err := json.Unmarshal(qj.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.FileName != "timetable.csv" || payload.SessionID != job.SessionID || len(payload.Mappings) != len(fullMapping) {
		t.Errorf("payload = %+v", payload)
	}

	skip, err := f.svc.Submit(ctx, SubmitRequest{
		UserID: "u1", FileID: file.File.ID, SessionID: "ignored", Mappings: fullMapping,
		Options: core.ImportOptions{SkipValidation: true},
	})
	if err != nil {
		t.Fatalf("Submit(skip) error = %v", err)
	}
	if skip.SessionID != "" {
		t.Errorf("SessionID = %q, want none when validation is skipped", skip.SessionID)
	}
}

func TestService_SubmitErrors(t *testing.T) {
	f := newFixture(t)
	file := f.upload(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"missing file", SubmitRequest{FileID: "0c7ad9f4-0000-0000-0000-000000000000", Mappings: fullMapping}, core.ErrNotFound},
		{"bad mapping", SubmitRequest{FileID: file.File.ID, Mappings: fullMapping[:3]}, core.ErrInvalidMapping},
		{"unknown session", SubmitRequest{FileID: file.File.ID, SessionID: "nope", Mappings: fullMapping}, core.ErrSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.Submit(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestService_SubmitForeignSession(t *testing.T) {
	f := newFixture(t)
	reviewed := f.upload(t)
	other := f.upload(t)
	ctx := context.Background()

	res, err := f.svc.Validate(ctx, ValidateRequest{UserID: "u1", FileID: reviewed.File.ID, Mappings: fullMapping})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		userID string
		fileID string
	}{
		{"other file", "u1", other.File.ID},
		{"other user", "u2", reviewed.File.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, SubmitRequest{UserID: tt.userID, FileID: tt.fileID, SessionID: res.SessionID, Mappings: fullMapping})
			if !errors.Is(err, core.ErrSessionNotFound) {
				t.Errorf("Submit() error = %v, want ErrSessionNotFound", err)
			}
		})
	}

	job, err := f.svc.Submit(ctx, SubmitRequest{UserID: "u1", FileID: reviewed.File.ID, SessionID: res.SessionID, Mappings: fullMapping})
	if err != nil {
		t.Fatalf("Submit(own session) error = %v", err)
	}
	if job.SessionID != res.SessionID {
		t.Errorf("SessionID = %q, want %q", job.SessionID, res.SessionID)
	}
}

func TestService_StatusUnknown(t *testing.T) {
	f := newFixture(t)
	state, err := f.svc.Status(context.Background(), "never-submitted")
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if state.Known || state.Status != "" {
		t.Errorf("Status() = %+v, want unknown", state)
	}
}

func TestService_Cancel(t *testing.T) {
	f := newFixture(t)
	file := f.upload(t)
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, SubmitRequest{UserID: "u1", FileID: file.File.ID, Mappings: fullMapping})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := f.svc.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if ok, _ := f.progress.CancelRequested(ctx, job.ID); !ok {
		t.Error("cancel flag not set")
	}

	if err := f.svc.Cancel(ctx, "missing"); !errors.Is(err, core.ErrJobNotFound) {
		t.Errorf("Cancel(missing) error = %v, want ErrJobNotFound", err)
	}

	if _, err := f.queue.Claim(ctx); err != nil {
		t.Fatal(err)
	}
	if err := f.queue.Complete(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Cancel(ctx, job.ID); !errors.Is(err, core.ErrJobFinished) {
		t.Errorf("Cancel(completed) error = %v, want ErrJobFinished", err)
	}
}
