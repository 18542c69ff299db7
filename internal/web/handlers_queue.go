package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/queue"
)

const (
	defaultCleanGrace = 24 * time.Hour
	defaultListLimit  = 50
	maxListLimit      = 500
)

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"counts": st.Counts, "paused": st.Paused, "total": st.Total()})
}

// handleQueueJobs lists queue records. Query: state (comma separated), limit.
func (s *Server) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	f := queue.ListFilter{Limit: defaultListLimit}
	if v := r.URL.Query().Get("state"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st := queue.State(strings.TrimSpace(part))
			if !st.Valid() {
				s.respondError(w, r, core.NewFieldError(core.ErrInvalidOption, "state", "unknown queue state "+string(st)))
				return
			}
			f.States = append(f.States, st)
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.respondError(w, r, core.NewFieldError(core.ErrInvalidOption, "limit", "limit must be a positive integer"))
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	jobs, err := s.deps.Queue.List(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	writeJSON(w, jobs)
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Pause(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Resume(r.Context()); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]bool{"paused": false})
}

// handleQueueClean removes finished jobs older than ?grace= (a Go duration,
// default 24h).
func (s *Server) handleQueueClean(w http.ResponseWriter, r *http.Request) {
	grace := defaultCleanGrace
	if v := r.URL.Query().Get("grace"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.respondError(w, r, core.NewFieldError(core.ErrInvalidOption, "grace", "grace must be a non-negative duration such as 1h"))
			return
		}
		grace = d
	}
	n, err := s.deps.Queue.Clean(r.Context(), grace)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]int64{"removed": n})
}

// handleQueueRetry retries the failed jobs named in {"ids": [...]}, or every
// failed job when the body is empty.
func (s *Server) handleQueueRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			s.respondError(w, r, err)
			return
		}
	}
	n, err := s.deps.Queue.Retry(r.Context(), req.IDs...)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, map[string]int64{"retried": n})
}
