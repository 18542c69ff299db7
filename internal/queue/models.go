package queue

import (
	"database/sql"
	"fmt"
	"time"
)

// State is the queue-level state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// States lists every state.
var States = []State{StateWaiting, StateActive, StateCompleted, StateFailed}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Job is a durable queue record. Payload is opaque to the queue.
type Job struct {
	ID            string     `json:"id"`
	Payload       []byte     `json:"payload"`
	State         State      `json:"state"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"maxAttempts"`
	AvailableAt   time.Time  `json:"availableAt"`
	LastError     string     `json:"lastError,omitempty"`
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// EnqueueOptions tune one job. Zero values take the store defaults.
type EnqueueOptions struct {
	ID          string
	MaxAttempts int
	Delay       time.Duration
}

// FailOutcome tells the caller what happened to a failed attempt.
type FailOutcome struct {
	Retrying      bool
	Attempts      int
	NextAttemptAt time.Time
}

// ListFilter selects jobs for List. An empty States matches every state.
type ListFilter struct {
	States []State
	Limit  int
}

// Stats counts jobs per state and reports whether claiming is paused.
type Stats struct {
	Counts map[State]int `json:"counts"`
	Paused bool          `json:"paused"`
}

// Total returns the number of jobs in any state.
func (s Stats) Total() int {
	n := 0
	for _, c := range s.Counts {
		n += c
	}
	return n
}

const jobColumns = `id, payload, state, attempts, max_attempts, available_at, last_error,
    last_heartbeat, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j                             Job
		state                         string
		availableAt, created, updated int64
		lastError                     sql.NullString
		heartbeat, finished           sql.NullInt64
	)
	if err := r.Scan(&j.ID, &j.Payload, &state, &j.Attempts, &j.MaxAttempts, &availableAt,
		&lastError, &heartbeat, &created, &updated, &finished); err != nil {
		return nil, err
	}
	j.State = State(state)
	if !j.State.Valid() {
		return nil, fmt.Errorf("job %s: unknown state %q", j.ID, state)
	}
	j.AvailableAt = fromMillis(availableAt)
	j.LastError = lastError.String
	j.LastHeartbeat = nullableMillis(heartbeat)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	j.FinishedAt = nullableMillis(finished)
	return &j, nil
}
