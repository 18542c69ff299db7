package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

var errNoFile = errors.New("no file provided")

// multipartOverhead is the room left for form boundaries and other fields.
const multipartOverhead = 1 << 20

type uploadResponse struct {
	FileID            string               `json:"fileId"`
	OriginalName      string               `json:"originalName"`
	Size              int64                `json:"size"`
	DetectedColumns   []string             `json:"detectedColumns"`
	RowCount          int                  `json:"rowCount"`
	PreviewRows       [][]string           `json:"previewRows"`
	Metadata          core.FileMetadata    `json:"metadata"`
	SuggestedMappings []core.ColumnMapping `json:"suggestedMappings"`
}

// handleUpload accepts a multipart "file" field, stores and analyses it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxFileSize+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, r, core.NewFieldError(core.ErrFileTooLarge, "file", "file exceeds the maximum upload size"))
			return
		}
		s.respondError(w, r, core.NewFieldError(errNoFile, "file", "expected a multipart form with a file field"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, r, core.NewFieldError(errNoFile, "file", "no file provided"))
		return
	}
	defer file.Close()

	res, err := s.deps.Imports.Upload(r.Context(), file, header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		switch {
		case errors.Is(err, core.ErrFileTooLarge), errors.Is(err, core.ErrInvalidExtension):
			err = core.NewFieldError(err, "file", err.Error())
		}
		s.respondError(w, r, err)
		return
	}

	writeJSONStatus(w, http.StatusCreated, uploadResponse{
		FileID:            res.File.ID,
		OriginalName:      res.File.OriginalName,
		Size:              res.File.Size,
		DetectedColumns:   res.Metadata.ColumnNames(),
		RowCount:          res.Metadata.RowCount,
		PreviewRows:       res.Metadata.PreviewRows,
		Metadata:          res.Metadata,
		SuggestedMappings: res.SuggestedMappings,
	})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := s.deps.Imports.Metadata(r.Context(), chi.URLParam(r, "fileID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, meta)
}

func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileID")
	if !s.deps.Imports.DeleteUpload(r.Context(), fileID) {
		s.respondError(w, r, fmt.Errorf("delete %s: %w", fileID, core.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
