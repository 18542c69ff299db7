// Package entities stores venues, lecturers, courses and schedules in
// PostgreSQL. It is both the candidate source for matching and the writer
// the import pipeline commits batches through.
package entities

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/timetable-import/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Connect opens and pings a pool sized from cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if logger != nil {
		logger.Info("database connected", "max_conns", cfg.MaxConns, "min_conns", cfg.MinConns)
	}
	return pool, nil
}

// Migrate creates the entity tables when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply entity schema: %w", err)
	}
	return nil
}
