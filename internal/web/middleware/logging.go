// Package middleware provides HTTP middleware for the import API.
package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/logging"
)

// quietPaths are polled by infrastructure and only logged at debug level.
var quietPaths = map[string]bool{
	"/healthz": true,
	"/metrics": true,
}

// Logger logs one structured line per request with its status, size,
// duration, client address and caller identity. Entries carry the chi
// request id through logging.FromContext.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		logger := logging.FromContext(r.Context())
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.status,
			"bytes", ww.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", r.RemoteAddr,
		}
		if user := UserID(r.Context()); user != "" {
			attrs = append(attrs, "user_id", user)
		}

		switch {
		case ww.status >= http.StatusInternalServerError:
			logger.Error("request", attrs...)
		case quietPaths[r.URL.Path]:
			logger.Debug("request", attrs...)
		default:
			logger.Info("request", attrs...)
		}
	})
}

// responseWriter records the status code and body size. It passes flushing
// and hijacking through so event streams and websockets keep working.
type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	w.status = http.StatusSwitchingProtocols
	w.wroteHeader = true
	return h.Hijack()
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
