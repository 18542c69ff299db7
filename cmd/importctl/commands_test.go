package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/queue"
)

func fakeServer(t *testing.T) (*httptest.Server, *[]string) {
	t.Helper()
	var calls []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/queue/stats", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "stats")
		json.NewEncoder(w).Encode(map[string]any{
			"counts": map[string]int{"waiting": 2, "failed": 1},
			"paused": true,
			"total":  3,
		})
	})
	mux.HandleFunc("GET /api/queue/jobs", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "jobs?"+r.URL.RawQuery)
		json.NewEncoder(w).Encode([]queue.Job{{ID: "job-1", State: queue.StateFailed, Attempts: 3, MaxAttempts: 3, LastError: "boom"}})
	})
	mux.HandleFunc("POST /api/queue/retry", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			IDs []string `json:"ids"`
		}
		if r.ContentLength > 0 {
			json.NewDecoder(r.Body).Decode(&body)
		}
		calls = append(calls, "retry:"+strings.Join(body.IDs, ","))
		json.NewEncoder(w).Encode(map[string]int{"retried": len(body.IDs)})
	})
	mux.HandleFunc("GET /api/imports/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "status:"+r.PathValue("id"))
		if r.PathValue("id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "not found", "message": "The import was not found.", "code": "JOB001"})
			return
		}
		json.NewEncoder(w).Encode(jobStatus{
			JobID:   r.PathValue("id"),
			Status:  string(core.StatusCompleted),
			Percent: 100,
			Report: &core.ImportReport{
				Status:           core.StatusCompleted,
				Entities:         map[core.EntityType]*core.EntityCounts{core.EntityVenue: {Created: 2}},
				SchedulesCreated: 4,
			},
		})
	})
	mux.HandleFunc("POST /api/imports/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "cancel:"+r.PathValue("id"))
		if r.PathValue("id") == "done" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "finished", "code": "JOB006"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestQueueStats(t *testing.T) {
	srv, _ := fakeServer(t)
	out, err := run(t, srv, "queue", "stats")
	if err != nil {
		t.Fatalf("queue stats: %v", err)
	}
	for _, want := range []string{"waiting", "failed", "total", "Queue is paused"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestQueueListValidatesState(t *testing.T) {
	srv, calls := fakeServer(t)
	if _, err := run(t, srv, "queue", "list", "--state", "bogus"); err == nil {
		t.Error("list --state bogus succeeded, want error")
	}
	if len(*calls) != 0 {
		t.Errorf("calls = %v, want none", *calls)
	}

	out, err := run(t, srv, "queue", "list", "--state", "failed", "--limit", "5")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, "job-1") || !strings.Contains(out, "3/3") {
		t.Errorf("output = %s, want job-1 with 3/3 attempts", out)
	}
	if got := (*calls)[0]; got != "jobs?limit=5&state=failed" {
		t.Errorf("request = %q, want jobs?limit=5&state=failed", got)
	}
}

func TestQueueRetry(t *testing.T) {
	srv, calls := fakeServer(t)
	out, err := run(t, srv, "queue", "retry", "a", "b")
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	if !strings.Contains(out, "Requeued 2 job(s)") {
		t.Errorf("output = %q", out)
	}
	if _, err := run(t, srv, "--json", "queue", "retry"); err != nil {
		t.Fatalf("queue retry all: %v", err)
	}
	if got := *calls; len(got) != 2 || got[0] != "retry:a,b" || got[1] != "retry:" {
		t.Errorf("calls = %v", got)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := fakeServer(t)
	out, err := run(t, srv, "status", "job-9")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"job-9", "COMPLETED", "venue", "schedule"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	_, err = run(t, srv, "status", "missing")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("status missing err = %v, want *apiError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "JOB001" {
		t.Errorf("apiErr = %+v, want 404 JOB001", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "The import was not found.") {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}

func TestCancel(t *testing.T) {
	srv, calls := fakeServer(t)
	out, err := run(t, srv, "cancel", "job-3")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !strings.Contains(out, "job-3") {
		t.Errorf("output = %q", out)
	}

	_, err = run(t, srv, "cancel", "done")
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Code != "JOB006" {
		t.Errorf("cancel done err = %v, want JOB006", err)
	}
	if got := *calls; len(got) != 2 || got[0] != "cancel:job-3" {
		t.Errorf("calls = %v", got)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"line\nbreak", 20, "line break"},
		{"abcdefghij", 5, "abcd…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
