package web

// errors.go turns service errors into JSON responses.
//
// The technical error is logged with the request id; the client receives the
// mapped user message, its code and, for boundary validation, the offending
// field. The HTTP status follows the error kind assigned by core.MapError.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/logging"
)

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
}

var errMalformedBody = errors.New("malformed request body")

// statusFor maps an error kind to an HTTP status.
func statusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case core.KindRateLimited:
		return http.StatusTooManyRequests
	case core.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// mapError maps a field error by its cause so the free-form field message
// does not decide the code.
func mapError(err error) core.UserMessage {
	var fe *core.FieldError
	if errors.As(err, &fe) && fe.Err != nil {
		return core.MapError(fe.Err)
	}
	return core.MapError(err)
}

// respondError logs err and writes the mapped response.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(mapError(err).Kind)
	if errors.Is(err, errMalformedBody) {
		status = http.StatusBadRequest
	}

	logger := logging.FromContext(r.Context())
	attrs := []any{"path", r.URL.Path, "method", r.Method, "status", status, "error", err.Error()}
	if status >= http.StatusInternalServerError {
		logger.Error("request error", attrs...)
	} else {
		logger.Info("request rejected", attrs...)
	}

	respondErrorJSON(w, status, err)
}

func respondErrorJSON(w http.ResponseWriter, status int, err error) {
	msg := mapError(err)
	body := ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	}

	var fe *core.FieldError
	if errors.As(err, &fe) {
		body.Field = fe.Field
		body.Message = fe.Message
		if fe.Code != "" {
			body.Code = fe.Code
		}
	}
	if errors.Is(err, errMalformedBody) {
		body = ErrorResponse{Error: "Malformed request", Message: err.Error(), Action: "Send a valid JSON body", Code: "VAL000"}
	}
	writeJSONStatus(w, status, body)
}

// decodeJSON reads a JSON body into v, rejecting unknown fields and bodies
// over 1 MB.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errMalformedBody)
		}
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return nil
}
