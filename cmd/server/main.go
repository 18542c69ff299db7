package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/timetable-import/internal/app"
	"github.com/JonMunkholm/timetable-import/internal/config"
	"github.com/JonMunkholm/timetable-import/internal/logging"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	closeLog := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closeLog()

	slog.Info("configuration loaded",
		"addr", cfg.Server.Addr(),
		"run_worker", cfg.Server.RunWorker,
		"worker_concurrency", cfg.Worker.Concurrency,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)
	slog.Debug("effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	a.RunHousekeeping(ctx)

	if cfg.Server.RunWorker {
		if err := a.Worker.Start(ctx); err != nil {
			slog.Error("failed to start worker", "error", err)
			os.Exit(1)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.Server.Addr())
		return a.Server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if err := a.Worker.Stop(shutdownCtx); err != nil {
			slog.Warn("jobs did not finish in time", "error", err)
		}
		if err := a.Drain(shutdownCtx); err != nil {
			slog.Warn("notifications did not finish in time", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
