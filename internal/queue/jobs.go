package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/timetable-import/internal/core"
)

// ErrNotActive is returned when a transition expects an active job that was
// already completed, failed or reclaimed.
var ErrNotActive = errors.New("job is not active")

const maxBackoff = time.Hour

// Enqueue adds a waiting job.
func (s *Store) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (*Job, error) {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = s.opts.MaxAttempts
	}
	if payload == nil {
		payload = []byte{}
	}
	now := s.now()

	if _, err := s.execWithRetry(ctx,
		`INSERT INTO jobs (id, payload, state, attempts, max_attempts, available_at, created_at, updated_at)
         VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		opts.ID, payload, StateWaiting, opts.MaxAttempts, millis(now.Add(opts.Delay)), millis(now), millis(now),
	); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return s.Get(ctx, opts.ID)
}

// Claim moves the oldest available waiting job to active and returns it. It
// returns nil without error when nothing is available or the queue is paused.
// The attempt counter is incremented on claim.
func (s *Store) Claim(ctx context.Context) (*Job, error) {
	now := millis(s.now())
	var job *Job
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx,
			`UPDATE jobs
             SET state = ?, attempts = attempts + 1, last_heartbeat = ?, updated_at = ?
             WHERE id = (
                 SELECT id FROM jobs
                 WHERE state = ? AND available_at <= ?
                 ORDER BY available_at, created_at
                 LIMIT 1
             )
             AND NOT EXISTS (SELECT 1 FROM queue_settings WHERE name = 'paused' AND value = '1')
             RETURNING `+jobColumns,
			StateActive, now, now, StateWaiting, now,
		)
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Heartbeat refreshes the liveness timestamp of an active job.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	now := millis(s.now())
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET last_heartbeat = ?, updated_at = ? WHERE id = ? AND state = ?`,
		now, now, id, StateActive,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return requireOne(res, id)
}

// Complete marks an active job completed.
func (s *Store) Complete(ctx context.Context, id string) error {
	now := millis(s.now())
	res, err := s.execWithRetry(ctx,
		`UPDATE jobs SET state = ?, last_heartbeat = NULL, last_error = NULL, updated_at = ?, finished_at = ?
         WHERE id = ? AND state = ?`,
		StateCompleted, now, now, id, StateActive,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return requireOne(res, id)
}

// Fail records a failed attempt. A retryable failure with attempts left puts
// the job back to waiting after an exponential backoff; otherwise the job is
// failed for good.
func (s *Store) Fail(ctx context.Context, id string, cause error, retryable bool) (FailOutcome, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	var out FailOutcome
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			state              string
			attempts, maxTries int
		)
		err := tx.QueryRowContext(ctx,
			`SELECT state, attempts, max_attempts FROM jobs WHERE id = ?`, id,
		).Scan(&state, &attempts, &maxTries)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
		}
		if err != nil {
			return err
		}
		if State(state) != StateActive {
			return fmt.Errorf("%w: %s is %s", ErrNotActive, id, state)
		}

		now := s.now()
		out = FailOutcome{Attempts: attempts}
		if retryable && attempts < maxTries {
			out.Retrying = true
			out.NextAttemptAt = now.Add(s.backoff(attempts))
			_, err = tx.ExecContext(ctx,
				`UPDATE jobs SET state = ?, available_at = ?, last_error = ?, last_heartbeat = NULL, updated_at = ?
                 WHERE id = ?`,
				StateWaiting, millis(out.NextAttemptAt), msg, millis(now), id,
			)
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET state = ?, last_error = ?, last_heartbeat = NULL, updated_at = ?, finished_at = ?
             WHERE id = ?`,
			StateFailed, msg, millis(now), millis(now), id,
		)
		return err
	})
	if err != nil {
		return FailOutcome{}, fmt.Errorf("fail job: %w", err)
	}
	return out, nil
}

// backoff is base * 2^(attempt-1), capped at one hour.
func (s *Store) backoff(attempt int) time.Duration {
	d := s.opts.BackoffBase
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

// Reclaimed is a stalled job returned by ReclaimStalled.
type Reclaimed struct {
	ID       string
	Requeued bool
}

// ReclaimStalled returns active jobs whose heartbeat is older than cutoff to
// waiting. Jobs that already used every attempt are failed instead.
func (s *Store) ReclaimStalled(ctx context.Context, cutoff time.Time) ([]Reclaimed, error) {
	now := millis(s.now())
	var out []Reclaimed
	err := retryOnBusy(ctx, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx,
			`UPDATE jobs
             SET state = CASE WHEN attempts < max_attempts THEN ? ELSE ? END,
                 finished_at = CASE WHEN attempts < max_attempts THEN NULL ELSE ? END,
                 available_at = ?, last_heartbeat = NULL, last_error = 'stalled: heartbeat expired', updated_at = ?
             WHERE state = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?
             RETURNING id, state`,
			StateWaiting, StateFailed, now, now, now, StateActive, millis(cutoff.UTC()),
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id, state string
			if err := rows.Scan(&id, &state); err != nil {
				return err
			}
			out = append(out, Reclaimed{ID: id, Requeued: State(state) == StateWaiting})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("reclaim stalled jobs: %w", err)
	}
	return out, nil
}

// Retry moves failed jobs back to waiting with a fresh attempt budget. With
// no ids every failed job is retried.
func (s *Store) Retry(ctx context.Context, ids ...string) (int64, error) {
	now := millis(s.now())
	query := `UPDATE jobs
        SET state = ?, attempts = 0, available_at = ?, last_error = NULL, finished_at = NULL, updated_at = ?
        WHERE state = ?`
	args := []any{StateWaiting, now, now, StateFailed}
	if len(ids) > 0 {
		query += ` AND id IN (` + placeholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := s.execWithRetry(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry jobs: %w", err)
	}
	return res.RowsAffected()
}

// Get returns one job or core.ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// List returns jobs newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(f.States) > 0 {
		query += ` WHERE state IN (` + placeholders(len(f.States)) + `)`
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func requireOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
