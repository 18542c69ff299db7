package web

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/imports"
	"github.com/JonMunkholm/timetable-import/internal/matching"
	appmw "github.com/JonMunkholm/timetable-import/internal/web/middleware"
)

type reviewRequest struct {
	EntityType      core.EntityType `json:"entityType"`
	RowIndex        int             `json:"rowIndex"`
	Action          matching.Action `json:"action"`
	SelectedMatchID string          `json:"selectedMatchId,omitempty"`
}

type batchRequest struct {
	Decisions []matching.ReviewRequest `json:"decisions"`
}

// handleCreateSession runs a validation pass and answers with the review
// session it opened. A mapping that cannot be used yields 400 with the
// mapping diagnosis.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
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
	if res.SessionID == "" {
		writeJSONStatus(w, http.StatusBadRequest, res)
		return
	}

	session, err := s.review().GetSession(r.Context(), res.SessionID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/review/sessions/"+session.ID)
	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"sessionId":  session.ID,
		"expiresAt":  session.ExpiresAt,
		"thresholds": session.Thresholds,
		"summary":    session.Summary(),
		"validation": res,
	})
}

func (s *Server) review() *matching.ReviewService {
	return s.deps.Imports.Review()
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.review().GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, session)
}

func (s *Server) handleReviewMatch(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	d, err := s.review().ReviewMatch(r.Context(), chi.URLParam(r, "sessionID"),
		req.EntityType, req.RowIndex, req.Action, req.SelectedMatchID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, d)
}

// handleBatchReview always answers 200; per-decision failures are in the body.
func (s *Server) handleBatchReview(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, s.review().BatchReview(r.Context(), chi.URLParam(r, "sessionID"), req.Decisions))
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.review().GetRequiringReview(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, pending)
}

func (s *Server) handleAutoApprove(w http.ResponseWriter, r *http.Request) {
	res, err := s.review().ApplyAutomaticApprovals(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, res)
}

// handleThresholds applies a partial threshold update and answers with the
// refreshed statistics.
func (s *Server) handleThresholds(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var patch matching.ThresholdsPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		s.respondError(w, r, err)
		return
	}

	if !s.review().UpdateThresholds(r.Context(), sessionID, patch) {
		session, err := s.review().GetSession(r.Context(), sessionID)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		merged := patch.Apply(session.Thresholds)
		if err := merged.Validate(); err != nil {
			s.respondError(w, r, err)
			return
		}
		s.respondError(w, r, fmt.Errorf("update thresholds of session %s failed", sessionID))
		return
	}

	stats, err := s.review().Statistics(r.Context(), sessionID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.review().Statistics(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleCompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !s.review().CompleteSession(r.Context(), sessionID) {
		s.respondError(w, r, fmt.Errorf("complete %s: %w", sessionID, core.ErrSessionNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
