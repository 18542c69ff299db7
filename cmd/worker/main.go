// Command worker processes queued imports without serving HTTP. Several
// worker processes may share one queue file on the same host.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/JonMunkholm/timetable-import/internal/app"
	"github.com/JonMunkholm/timetable-import/internal/config"
	"github.com/JonMunkholm/timetable-import/internal/logging"
)

func main() {
	concurrency := flag.Int("concurrency", 0, "parallel jobs, overrides WORKER_CONCURRENCY")
	flag.Parse()

	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	closeLog := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if *concurrency > 0 {
		if err := a.Worker.SetConcurrency(*concurrency); err != nil {
			slog.Error("invalid concurrency", "error", err)
			os.Exit(1)
		}
	}

	a.RunHousekeeping(ctx)
	if err := a.Worker.Start(ctx); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Worker.Stop(shutdownCtx); err != nil {
		slog.Warn("jobs did not finish in time", "error", err)
	}
	if err := a.Drain(shutdownCtx); err != nil {
		slog.Warn("notifications did not finish in time", "error", err)
	}
	slog.Info("worker stopped")
}
