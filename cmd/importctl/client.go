package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/timetable-import/internal/core"
	"github.com/JonMunkholm/timetable-import/internal/queue"
)

// apiClient calls the queue and status endpoints of the import server.
type apiClient struct {
	base   string
	userID string
	http   *http.Client
}

func newAPIClient(base, userID string, timeout time.Duration) *apiClient {
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		userID: userID,
		http:   &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx answer. Message and Action come from the server's
// error body when it has one.
type apiError struct {
	Status  int
	Code    string
	Message string
	Action  string
}

func (e *apiError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Action != "" {
		msg += ". " + e.Action
	}
	return msg
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userID != "" {
		req.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
			Action  string `json:"action"`
			Code    string `json:"code"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload) == nil {
			apiErr.Code = payload.Code
			apiErr.Action = payload.Action
			apiErr.Message = payload.Error
			if payload.Message != "" {
				apiErr.Message = payload.Message
			}
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

type queueStats struct {
	Counts map[queue.State]int `json:"counts"`
	Paused bool                `json:"paused"`
	Total  int                 `json:"total"`
}

func (c *apiClient) Stats(ctx context.Context) (queueStats, error) {
	var st queueStats
	err := c.do(ctx, http.MethodGet, "/api/queue/stats", nil, &st)
	return st, err
}

func (c *apiClient) List(ctx context.Context, states []string, limit int) ([]queue.Job, error) {
	q := url.Values{}
	if len(states) > 0 {
		q.Set("state", strings.Join(states, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/queue/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var jobs []queue.Job
	err := c.do(ctx, http.MethodGet, path, nil, &jobs)
	return jobs, err
}

func (c *apiClient) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/queue/pause", nil, nil)
}

func (c *apiClient) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/queue/resume", nil, nil)
}

func (c *apiClient) Clean(ctx context.Context, grace time.Duration) (int64, error) {
	var out struct {
		Removed int64 `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "/api/queue/clean?grace="+url.QueryEscape(grace.String()), nil, &out)
	return out.Removed, err
}

func (c *apiClient) Retry(ctx context.Context, ids []string) (int64, error) {
	var out struct {
		Retried int64 `json:"retried"`
	}
	var body any
	if len(ids) > 0 {
		body = map[string][]string{"ids": ids}
	}
	err := c.do(ctx, http.MethodPost, "/api/queue/retry", body, &out)
	return out.Retried, err
}

// jobStatus mirrors the status endpoint's answer.
type jobStatus struct {
	JobID    string               `json:"jobId"`
	Status   string               `json:"status"`
	Progress *core.ImportProgress `json:"progress,omitempty"`
	Percent  int                  `json:"percent"`
	Report   *core.ImportReport   `json:"report,omitempty"`
}

func (c *apiClient) Status(ctx context.Context, jobID string) (jobStatus, error) {
	var st jobStatus
	err := c.do(ctx, http.MethodGet, "/api/imports/"+url.PathEscape(jobID)+"/status", nil, &st)
	return st, err
}

func (c *apiClient) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, http.MethodPost, "/api/imports/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}
