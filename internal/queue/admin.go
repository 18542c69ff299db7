package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Pause stops Claim from handing out jobs. Active jobs are not affected.
func (s *Store) Pause(ctx context.Context) error {
	return s.setPaused(ctx, true)
}

// Resume lets Claim hand out jobs again.
func (s *Store) Resume(ctx context.Context) error {
	return s.setPaused(ctx, false)
}

func (s *Store) setPaused(ctx context.Context, paused bool) error {
	value := "0"
	if paused {
		value = "1"
	}
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO queue_settings (name, value) VALUES ('paused', ?)
         ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		value,
	); err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	s.logger.Info("queue pause state changed", "paused", paused)
	return nil
}

// IsPaused reports whether claiming is paused.
func (s *Store) IsPaused(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM queue_settings WHERE name = 'paused'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read paused: %w", err)
	}
	return value == "1", nil
}

// Clean deletes completed and failed jobs that finished more than grace ago.
func (s *Store) Clean(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := millis(s.now().Add(-grace))
	res, err := s.execWithRetry(ctx,
		`DELETE FROM jobs WHERE state IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		StateCompleted, StateFailed, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("clean jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("cleaned finished jobs", "count", n, "grace", grace)
	}
	return n, nil
}

// Stats counts jobs per state. Every state is present in the result.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM jobs GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := Stats{Counts: make(map[State]int, len(States))}
	for _, st := range States {
		stats.Counts[st] = 0
	}
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return Stats{}, err
		}
		stats.Counts[State(state)] = count
	}
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	paused, err := s.IsPaused(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats.Paused = paused
	return stats, nil
}
