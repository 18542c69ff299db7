package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/JonMunkholm/timetable-import/internal/analyzer"
	"github.com/JonMunkholm/timetable-import/internal/core"
	_ "github.com/JonMunkholm/timetable-import/internal/core/tables"
	"github.com/JonMunkholm/timetable-import/internal/filestore"
	"github.com/JonMunkholm/timetable-import/internal/imports"
	"github.com/JonMunkholm/timetable-import/internal/matching"
	"github.com/JonMunkholm/timetable-import/internal/progress"
	"github.com/JonMunkholm/timetable-import/internal/queue"
)

var discard = slog.New(slog.DiscardHandler)

type staticSource map[core.EntityType][]matching.Entity

func (s staticSource) ListEntities(ctx context.Context, t core.EntityType) ([]matching.Entity, error) {
	return s[t], nil
}

type fakeQueue struct {
	stats   queue.Stats
	paused  bool
	cleaned time.Duration
	retried []string
}

func (f *fakeQueue) Stats(ctx context.Context) (queue.Stats, error) { return f.stats, nil }
func (f *fakeQueue) List(ctx context.Context, lf queue.ListFilter) ([]*queue.Job, error) {
	return nil, nil
}
func (f *fakeQueue) Pause(ctx context.Context) error  { f.paused = true; return nil }
func (f *fakeQueue) Resume(ctx context.Context) error { f.paused = false; return nil }
func (f *fakeQueue) Clean(ctx context.Context, grace time.Duration) (int64, error) {
	f.cleaned = grace
	return 3, nil
}
func (f *fakeQueue) Retry(ctx context.Context, ids ...string) (int64, error) {
	f.retried = ids
	return int64(len(ids)), nil
}

const timetableCSV = "Room,Lecturer,Course,Day,Start,End\n" +
	"Hall A,Ada Lovelace,CS101,Mon,09:00,10:30\n" +
	"Hall B,Alan Turing,CS102,Tue,11:00,12:00\n"

var fullMapping = []core.ColumnMapping{
	{SourceColumn: "Room", TargetField: "venue.name"},
	{SourceColumn: "Lecturer", TargetField: "lecturer.name"},
	{SourceColumn: "Course", TargetField: "course.code"},
	{SourceColumn: "Day", TargetField: "schedule.day"},
	{SourceColumn: "Start", TargetField: "schedule.start_time"},
	{SourceColumn: "End", TargetField: "schedule.end_time"},
}

type harness struct {
	server   *Server
	progress *progress.MemoryStore
	queue    *fakeQueue
}

func newHarness(t *testing.T, checks ...HealthCheck) *harness {
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
	h := &harness{progress: progress.NewMemoryStore(nil), queue: &fakeQueue{}}
	svc := imports.New(imports.Deps{
		Files:    files,
		Analyzer: analyzer.New(files, analyzer.Options{Logger: discard}),
		Matcher:  matching.NewMatcher(source, matching.MatcherOptions{Logger: discard}),
		Review:   matching.NewReviewService(matching.NewMemoryStore(nil), matching.ReviewOptions{Logger: discard}),
		Queue:    q,
		Progress: h.progress,
	}, imports.Options{Logger: discard})

	h.server = NewServer(Deps{Imports: svc, Queue: h.queue, Checks: checks, Logger: discard},
		Options{MaxFileSize: 1 << 20, StreamInterval: 10 * time.Millisecond})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	return rec
}

func (h *harness) upload(t *testing.T, name, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(fw, content)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	return rec
}

func (h *harness) uploadTimetable(t *testing.T) string {
	t.Helper()
	rec := h.upload(t, "timetable.csv", timetableCSV)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body)
	}
	var resp uploadResponse
	decode(t, rec, &resp)
	return resp.FileID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}

	down := newHarness(t, HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return errors.New("connection refused") }})
	rec := down.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "redis") {
		t.Errorf("healthz = %d %s, want 503 naming redis", rec.Code, rec.Body)
	}
}

func TestUpload(t *testing.T) {
	h := newHarness(t)

	rec := h.upload(t, "timetable.csv", timetableCSV)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp uploadResponse
	decode(t, rec, &resp)
	if resp.FileID == "" || resp.RowCount != 2 || len(resp.DetectedColumns) != 6 || len(resp.PreviewRows) != 2 {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.SuggestedMappings) == 0 {
		t.Error("no suggested mappings")
	}

	if rec := h.do(t, http.MethodGet, "/api/uploads/"+resp.FileID+"/metadata", nil); rec.Code != http.StatusOK {
		t.Errorf("metadata status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, "/api/uploads/"+resp.FileID, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodDelete, "/api/uploads/"+resp.FileID, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestUploadErrors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name      string
		file      string
		content   string
		wantCode  string
		wantField string
	}{
		{"extension", "notes.txt", "hello", "FILE006", "file"},
		{"too large", "big.csv", strings.Repeat("a,b\n", 300000), "FILE001", "file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.upload(t, tt.file, tt.content)
			var resp ErrorResponse
			decode(t, rec, &resp)
			if resp.Code != tt.wantCode || resp.Field != tt.wantField {
				t.Errorf("error = %+v (status %d), want code %s field %s", resp, rec.Code, tt.wantCode, tt.wantField)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/uploads", strings.NewReader("not multipart"))
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	var resp ErrorResponse
	decode(t, rec, &resp)
	if rec.Code != http.StatusBadRequest || resp.Code != "FILE004" {
		t.Errorf("no file = %d %+v, want 400 FILE004", rec.Code, resp)
	}
}

func TestValidateAndSubmit(t *testing.T) {
	h := newHarness(t)
	fileID := h.uploadTimetable(t)

	rec := h.do(t, http.MethodPost, "/api/imports/validate", validateRequest{FileID: fileID, ColumnMappings: fullMapping})
	if rec.Code != http.StatusOK {
		t.Fatalf("validate status = %d, body %s", rec.Code, rec.Body)
	}
	var res core.ValidationResult
	decode(t, rec, &res)
	if !res.Valid || res.SessionID == "" || res.TotalRows != 2 {
		t.Errorf("validation = %+v", res)
	}

	rec = h.do(t, http.MethodPost, "/api/imports", submitRequest{FileID: fileID, SessionID: res.SessionID, ColumnMappings: fullMapping})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, body %s", rec.Code, rec.Body)
	}
	var sub submitResponse
	decode(t, rec, &sub)
	if sub.JobID == "" || sub.Status != core.StatusPending {
		t.Errorf("submit = %+v", sub)
	}

	rec = h.do(t, http.MethodGet, "/api/imports/"+sub.JobID+"/status", nil)
	var st statusResponse
	decode(t, rec, &st)
	if st.Status != string(core.StatusPending) {
		t.Errorf("status = %+v, want PENDING", st)
	}

	if rec := h.do(t, http.MethodPost, "/api/imports/"+sub.JobID+"/cancel", nil); rec.Code != http.StatusAccepted {
		t.Errorf("cancel status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestImportRequestErrors(t *testing.T) {
	h := newHarness(t)
	fileID := h.uploadTimetable(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"missing file id", http.MethodPost, "/api/imports/validate", validateRequest{}, http.StatusBadRequest, "VAL009"},
		{"bad thresholds", http.MethodPost, "/api/imports/validate",
			validateRequest{FileID: fileID, ColumnMappings: fullMapping, Thresholds: &matching.Thresholds{AutoApprove: 2}},
			http.StatusBadRequest, "REV003"},
		{"bad mapping", http.MethodPost, "/api/imports", submitRequest{FileID: fileID, ColumnMappings: fullMapping[:1]}, http.StatusBadRequest, "VAL004"},
		{"bad option", http.MethodPost, "/api/imports",
			submitRequest{FileID: fileID, ColumnMappings: fullMapping, Options: core.ImportOptions{ConflictResolution: "merge"}},
			http.StatusBadRequest, "VAL008"},
		{"expired file", http.MethodPost, "/api/imports", submitRequest{FileID: "gone", ColumnMappings: fullMapping}, http.StatusNotFound, "FILE007"},
		{"cancel unknown", http.MethodPost, "/api/imports/nope/cancel", nil, http.StatusNotFound, "JOB001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, tt.body)
			var resp ErrorResponse
			decode(t, rec, &resp)
			if rec.Code != tt.wantStatus || resp.Code != tt.wantCode {
				t.Errorf("got %d %+v, want %d %s", rec.Code, resp, tt.wantStatus, tt.wantCode)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/imports", strings.NewReader(`{"fileId": 1`))
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestStatusUnknown(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/api/imports/never/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var st statusResponse
	decode(t, rec, &st)
	if st.Status != "unknown" || st.JobID != "never" {
		t.Errorf("status = %+v, want unknown", st)
	}
}

func TestReviewSessionRoutes(t *testing.T) {
	h := newHarness(t)
	fileID := h.uploadTimetable(t)

	rec := h.do(t, http.MethodPost, "/api/review/sessions", validateRequest{FileID: fileID, ColumnMappings: fullMapping})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body)
	}
	var created struct {
		SessionID string `json:"sessionId"`
	}
	decode(t, rec, &created)
	base := "/api/review/sessions/" + created.SessionID

	if rec := h.do(t, http.MethodGet, base, nil); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = h.do(t, http.MethodPost, base+"/review", reviewRequest{EntityType: core.EntityVenue, RowIndex: 0, Action: matching.ActionApprove})
	if rec.Code != http.StatusOK {
		t.Errorf("review status = %d, body %s", rec.Code, rec.Body)
	}
	rec = h.do(t, http.MethodPost, base+"/review", reviewRequest{EntityType: core.EntityVenue, RowIndex: 0, Action: "maybe"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad action status = %d, want 400", rec.Code)
	}

	rec = h.do(t, http.MethodPost, base+"/batch", batchRequest{Decisions: []matching.ReviewRequest{
		{EntityType: core.EntityVenue, RowIndex: 1, Action: matching.ActionCreateNew},
		{EntityType: core.EntityVenue, RowIndex: 99, Action: matching.ActionReject},
	}})
	var batch matching.BatchResult
	decode(t, rec, &batch)
	if batch.ProcessedCount != 1 || batch.FailedCount != 1 || batch.Success {
		t.Errorf("batch = %+v", batch)
	}

	bad := 0.1
	rec = h.do(t, http.MethodPatch, base+"/thresholds", matching.ThresholdsPatch{AutoApprove: &bad})
	var errResp ErrorResponse
	decode(t, rec, &errResp)
	if rec.Code != http.StatusBadRequest || errResp.Code != "REV003" {
		t.Errorf("bad thresholds = %d %+v, want 400 REV003", rec.Code, errResp)
	}

	good := 0.9
	rec = h.do(t, http.MethodPatch, base+"/thresholds", matching.ThresholdsPatch{AutoApprove: &good})
	var stats matching.SessionStats
	decode(t, rec, &stats)
	if rec.Code != http.StatusOK || stats.Thresholds.AutoApprove != 0.9 {
		t.Errorf("thresholds = %d %+v", rec.Code, stats.Thresholds)
	}

	for _, path := range []string{"/pending", "/stats"} {
		if rec := h.do(t, http.MethodGet, base+path, nil); rec.Code != http.StatusOK {
			t.Errorf("GET %s status = %d", path, rec.Code)
		}
	}
	if rec := h.do(t, http.MethodPost, base+"/auto-approve", nil); rec.Code != http.StatusOK {
		t.Errorf("auto-approve status = %d", rec.Code)
	}

	if rec := h.do(t, http.MethodDelete, base, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, base, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestQueueRoutes(t *testing.T) {
	h := newHarness(t)
	h.queue.stats = queue.Stats{Counts: map[queue.State]int{queue.StateWaiting: 2, queue.StateFailed: 1}}

	rec := h.do(t, http.MethodGet, "/api/queue/stats", nil)
	var stats struct {
		Total int `json:"total"`
	}
	decode(t, rec, &stats)
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}

	h.do(t, http.MethodPost, "/api/queue/pause", nil)
	if !h.queue.paused {
		t.Error("queue not paused")
	}
	h.do(t, http.MethodPost, "/api/queue/resume", nil)
	if h.queue.paused {
		t.Error("queue still paused")
	}

	if rec := h.do(t, http.MethodPost, "/api/queue/clean?grace=2h", nil); rec.Code != http.StatusOK || h.queue.cleaned != 2*time.Hour {
		t.Errorf("clean = %d grace %v", rec.Code, h.queue.cleaned)
	}
	if rec := h.do(t, http.MethodPost, "/api/queue/clean?grace=soon", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad grace status = %d, want 400", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/queue/jobs?state=lost", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad state status = %d, want 400", rec.Code)
	}

	h.do(t, http.MethodPost, "/api/queue/retry", map[string][]string{"ids": {"a", "b"}})
	if len(h.queue.retried) != 2 {
		t.Errorf("retried = %v", h.queue.retried)
	}
}

func (h *harness) finish(t *testing.T, jobID string) {
	t.Helper()
	ctx := context.Background()
	h.progress.SetProgress(ctx, jobID, core.ImportProgress{TotalRows: 4, ProcessedRows: 4, SuccessfulRows: 4, CurrentStage: core.StageFinalization}, time.Hour)
	h.progress.SetStatus(ctx, jobID, core.StatusCompleted, time.Hour)
	h.progress.SetReport(ctx, jobID, &core.ImportReport{
		JobID:    jobID,
		Status:   core.StatusCompleted,
		Entities: map[core.EntityType]*core.EntityCounts{core.EntityVenue: {Created: 1, Updated: 1}},
	}, time.Hour)
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.progress.SetStatus(ctx, "job-1", core.StatusProcessing, time.Hour)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.finish(t, "job-1")
	}()

	rec := h.do(t, http.MethodGet, "/api/imports/job-1/events", nil)
	body := rec.Body.String()
	if rec.Header().Get("Content-Type") != "text/event-stream" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(body, `"status":"PROCESSING"`) || !strings.Contains(body, "event: done") || !strings.Contains(body, `"percent":100`) {
		t.Errorf("stream = %q", body)
	}
}

func TestWebSocketStream(t *testing.T) {
	h := newHarness(t)
	h.finish(t, "job-ws")

	srv := httptest.NewServer(h.server.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/imports/job-ws/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var st statusResponse
	if err := conn.ReadJSON(&st); err != nil {
		t.Fatalf("read: %v", err)
	}
	if st.Status != string(core.StatusCompleted) || st.Report == nil {
		t.Errorf("payload = %+v", st)
	}

	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("close = %v, want normal closure", err)
	}
}

func TestStatusPage(t *testing.T) {
	h := newHarness(t)
	h.finish(t, "job-page")

	rec := h.do(t, http.MethodGet, "/imports/job-page", nil)
	body := rec.Body.String()
	if rec.Code != http.StatusOK || !strings.Contains(body, "COMPLETED") || !strings.Contains(body, "<td>venue</td>") {
		t.Errorf("page = %d %s", rec.Code, body)
	}
	if strings.Contains(body, "http-equiv") {
		t.Error("finished job page should not refresh")
	}
	if !strings.Contains(body, `data-status="COMPLETED"`) {
		t.Errorf("page missing status marker: %s", body)
	}

	ctx := context.Background()
	h.progress.SetStatus(ctx, "job-running", core.StatusProcessing, time.Hour)
	h.progress.SetProgress(ctx, "job-running", core.ImportProgress{
		TotalRows: 4, ProcessedRows: 2, SuccessfulRows: 1, FailedRows: 1, CurrentStage: core.StageEntityCreation,
	}, time.Hour)
	rec = h.do(t, http.MethodGet, "/imports/job-running", nil)
	body = rec.Body.String()
	for _, want := range []string{`http-equiv="refresh"`, "Stage: ENTITY_CREATION", "2 of 4 rows processed, 1 successful, 1 failed"} {
		if !strings.Contains(body, want) {
			t.Errorf("running page missing %q: %s", want, body)
		}
	}

	rec = h.do(t, http.MethodGet, "/imports/missing", nil)
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "expired") {
		t.Errorf("unknown page = %d %s", rec.Code, rec.Body)
	}
}

func TestIdentityRejectsControlCharacters(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-User-ID", "bad\x01id")
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
