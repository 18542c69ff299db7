package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// watchJob polls the job state every interval and calls emit with each
// changed payload. It returns after emitting a terminal payload, when emit
// fails or when ctx ends.
func (s *Server) watchJob(ctx context.Context, jobID string, emit func(statusResponse, []byte) error) error {
	ticker := time.NewTicker(s.opts.StreamInterval)
	defer ticker.Stop()

	var last []byte
	for {
		st, err := s.deps.Imports.Status(ctx, jobID)
		if err != nil {
			return err
		}
		resp := newStatusResponse(st)
		data, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		if !bytes.Equal(data, last) {
			if err := emit(resp, data); err != nil {
				return err
			}
			last = data
		}
		if resp.terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// handleEvents streams status payloads as Server-Sent Events until the job
// finishes. Event ids count the payloads sent on this connection.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	rc := http.NewResponseController(w)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	seq := 0
	err := s.watchJob(r.Context(), jobID, func(resp statusResponse, data []byte) error {
		seq++
		event := "status"
		if resp.terminal() {
			event = "done"
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", seq, event, data); err != nil {
			return err
		}
		return rc.Flush()
	})
	if err != nil && r.Context().Err() == nil {
		s.logger.Warn("event stream ended", "job_id", jobID, "error", err)
		fmt.Fprintf(w, "event: error\ndata: %q\n\n", "stream interrupted")
		rc.Flush()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

const wsWriteWait = 10 * time.Second

// handleWebSocket pushes the same payloads as handleEvents over a websocket
// and closes normally once the job finishes. Client messages are ignored; a
// read error ends the stream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	err = s.watchJob(ctx, jobID, func(_ statusResponse, data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	})

	code, reason := websocket.CloseNormalClosure, "job finished"
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("websocket stream ended", "job_id", jobID, "error", err)
		code, reason = websocket.CloseInternalServerErr, "stream interrupted"
	}
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
