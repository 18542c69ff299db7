package web

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

//go:generate templ generate -f pages.templ

// statusRefreshSeconds is the reload interval of a running job's page.
const statusRefreshSeconds = 2

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Imports.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.logger.Warn("status page lookup failed", "error", err)
		http.Error(w, core.FormatUserError(err), statusFor(core.MapError(err).Kind))
		return
	}
	resp := newStatusResponse(st)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if !st.Known {
		w.WriteHeader(http.StatusNotFound)
	}
	if err := statusPage(resp).Render(r.Context(), w); err != nil {
		s.logger.Warn("render status page", "error", err)
	}
}

// refreshes reports whether the page should reload itself.
func (r statusResponse) refreshes() bool {
	return r.Status != statusUnknown && !r.terminal()
}

func sortedEntityTypes(rep *core.ImportReport) []core.EntityType {
	types := make([]core.EntityType, 0, len(rep.Entities))
	for t := range rep.Entities {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func rowErrorText(e core.RowError) string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
