package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/imports"
	"github.com/JonMunkholm/timetable-import/internal/matching"
	"github.com/JonMunkholm/timetable-import/internal/progress"
	appmw "github.com/JonMunkholm/timetable-import/internal/web/middleware"
)

// statusUnknown is reported for jobs with no stored state.
const statusUnknown = "unknown"

type validateRequest struct {
	FileID         string               `json:"fileId"`
	ColumnMappings []core.ColumnMapping `json:"columnMappings"`
	Thresholds     *matching.Thresholds `json:"thresholds,omitempty"`
}

type submitRequest struct {
	FileID         string               `json:"fileId"`
	SessionID      string               `json:"sessionId,omitempty"`
	ColumnMappings []core.ColumnMapping `json:"columnMappings"`
	Options        core.ImportOptions   `json:"options"`
}

type submitResponse struct {
	JobID     string              `json:"jobId"`
	Status    core.ImportStatus   `json:"status"`
	Progress  core.ImportProgress `json:"progress"`
	SessionID string              `json:"sessionId,omitempty"`
}

// statusResponse is shared by the status endpoint and the progress streams.
type statusResponse struct {
	JobID    string               `json:"jobId"`
	Status   string               `json:"status"`
	Progress *core.ImportProgress `json:"progress,omitempty"`
	Percent  int                  `json:"percent"`
	Report   *core.ImportReport   `json:"report,omitempty"`
}

func newStatusResponse(st progress.JobState) statusResponse {
	resp := statusResponse{JobID: st.JobID, Status: statusUnknown}
	if !st.Known {
		return resp
	}
	if st.Status != "" {
		resp.Status = string(st.Status)
	}
	resp.Progress = st.Progress
	resp.Report = st.Report
	if st.Progress != nil {
		resp.Percent = st.Progress.Percent()
	}
	if st.Status == core.StatusCompleted {
		resp.Percent = 100
	}
	return resp
}

// terminal reports whether a stream can stop: the job finished or its state
// expired.
func (r statusResponse) terminal() bool {
	return core.ImportStatus(r.Status).IsTerminal()
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.FileID == "" {
		s.respondError(w, r, core.NewFieldError(core.ErrMissingField, "fileId", "fileId is required"))
		return
	}

	res, err := s.deps.Imports.Validate(r.Context(), imports.ValidateRequest{
		UserID:     appmw.UserID(r.Context()),
		FileID:     req.FileID,
		Mappings:   req.ColumnMappings,
		Thresholds: req.Thresholds,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.FileID == "" {
		s.respondError(w, r, core.NewFieldError(core.ErrMissingField, "fileId", "fileId is required"))
		return
	}
	if req.Options.ConflictResolution != "" && !req.Options.ConflictResolution.Valid() {
		s.respondError(w, r, core.NewFieldError(core.ErrInvalidOption, "options.conflictResolution",
			"conflictResolution must be update, skip or create"))
		return
	}

	job, err := s.deps.Imports.Submit(r.Context(), imports.SubmitRequest{
		UserID:    appmw.UserID(r.Context()),
		FileID:    req.FileID,
		SessionID: req.SessionID,
		Mappings:  req.ColumnMappings,
		Options:   req.Options,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/imports/"+job.ID+"/status")
	writeJSONStatus(w, http.StatusAccepted, submitResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		SessionID: job.SessionID,
	})
}

// handleStatus answers 200 with status "unknown" for jobs without stored state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Imports.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, newStatusResponse(st))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.deps.Imports.Cancel(r.Context(), jobID); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"jobId": jobID, "status": "cancelling"})
}
