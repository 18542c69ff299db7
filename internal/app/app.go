// Package app builds the import pipeline from configuration. The API server,
// the standalone worker and the admin CLI all start from New.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/timetable-import/internal/analyzer"
	"github.com/JonMunkholm/timetable-import/internal/cache"
	"github.com/JonMunkholm/timetable-import/internal/config"
	"github.com/JonMunkholm/timetable-import/internal/entities"
	"github.com/JonMunkholm/timetable-import/internal/events"
	"github.com/JonMunkholm/timetable-import/internal/filestore"
	"github.com/JonMunkholm/timetable-import/internal/imports"
	"github.com/JonMunkholm/timetable-import/internal/matching"
	"github.com/JonMunkholm/timetable-import/internal/notify"
	"github.com/JonMunkholm/timetable-import/internal/pipeline"
	"github.com/JonMunkholm/timetable-import/internal/progress"
	"github.com/JonMunkholm/timetable-import/internal/queue"
	"github.com/JonMunkholm/timetable-import/internal/web"
	"github.com/JonMunkholm/timetable-import/internal/worker"
)

// App holds every long-lived component of one process.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Files      *filestore.Store
	Queue      *queue.Store
	Worker     *worker.Worker
	Imports    *imports.Service
	Dispatcher *notify.Dispatcher
	Server     *web.Server

	closers []func() error
}

// New connects to Postgres and Redis, opens the queue and wires the
// pipeline. Close releases whatever New opened, also after a failed New.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Pool, err = entities.Connect(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	a.onClose(func() error { a.Pool.Close(); return nil })
	if err = entities.Migrate(ctx, a.Pool); err != nil {
		return nil, err
	}

	a.Redis, err = cache.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, err
	}
	a.onClose(a.Redis.Close)
	logger.Info("redis connected", "key_prefix", cfg.Redis.KeyPrefix)

	a.Files, err = filestore.New(filestore.Options{
		Dir:               cfg.FileStore.Dir,
		MaxFileSize:       cfg.FileStore.MaxFileSize,
		AllowedExtensions: cfg.FileStore.AllowedExtensions,
		TTL:               cfg.FileStore.TTL,
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open file store: %w", err)
	}

	a.Queue, err = queue.Open(ctx, queue.Options{
		Path:        cfg.Queue.Path,
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: cfg.Queue.BackoffBase,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(a.Queue.Close)

	publisher, err := a.publisher(cfg.Kafka)
	if err != nil {
		return nil, err
	}

	repo := entities.New(a.Pool, logger)
	files := analyzer.New(a.Files, analyzer.Options{
		PreviewRows: cfg.Analyzer.PreviewRows,
		SampleSize:  cfg.Analyzer.SampleSize,
		Logger:      logger,
	})
	matcher := matching.NewMatcher(repo, matching.MatcherOptions{
		MaxCandidates: cfg.Matching.MaxCandidates,
		CacheTTL:      cfg.Matching.CandidateCacheTTL,
		Logger:        logger,
	})
	review := matching.NewReviewService(matching.NewRedisStore(a.Redis, cfg.Redis.KeyPrefix), matching.ReviewOptions{
		TTL: cfg.Matching.SessionTTL,
		Defaults: matching.Thresholds{
			AutoApprove:   cfg.Matching.AutoApprove,
			RequireReview: cfg.Matching.RequireReview,
			AutoReject:    cfg.Matching.AutoReject,
		},
		Logger: logger,
	})
	store := progress.NewRedisStore(a.Redis, cfg.Redis.KeyPrefix)

	processor := pipeline.New(pipeline.Deps{
		Tables:      files,
		Sessions:    review,
		Files:       a.Files,
		Writer:      repo,
		Progress:    store,
		Invalidator: matcher,
	}, pipeline.Options{
		BatchSize:   cfg.Pipeline.BatchSize,
		ProgressTTL: cfg.Pipeline.ProgressTTL,
		StatusTTL:   cfg.Pipeline.StatusTTL,
		ReportTTL:   cfg.Pipeline.ReportTTL,
		Logger:      logger,
	})

	a.Dispatcher = notify.NewDispatcher(
		notify.NewPostgresPreferences(a.Pool),
		a.channels(cfg),
		notify.Options{
			Milestones: cfg.Notify.Milestones,
			MinRows:    cfg.Notify.MinRows,
			Timeout:    cfg.Notify.DeliveryTimeout,
			Logger:     logger,
		},
	)

	a.Worker = worker.New(a.Queue, processor, store, publisher, a.Dispatcher, worker.Options{
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      cfg.Queue.PollInterval,
		HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		StallTimeout:      cfg.Queue.StallTimeout,
		JobTimeout:        cfg.Pipeline.JobTimeout,
		StatusTTL:         cfg.Pipeline.StatusTTL,
		Logger:            logger,
	})
	processor.WithObserver(a.Worker.Observe)

	a.Imports = imports.New(imports.Deps{
		Files:     a.Files,
		Analyzer:  files,
		Matcher:   matcher,
		Review:    review,
		Queue:     a.Queue,
		Progress:  store,
		Publisher: publisher,
		Waker:     a.Worker,
	}, imports.Options{
		ProgressTTL: cfg.Pipeline.ProgressTTL,
		StatusTTL:   cfg.Pipeline.StatusTTL,
		Logger:      logger,
	})

	a.Server = web.NewServer(web.Deps{
		Imports: a.Imports,
		Queue:   a.Worker,
		Checks: []web.HealthCheck{
			{Name: "database", Check: a.Pool.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() }},
		},
		Logger: logger,
	}, web.Options{
		Server:         cfg.Server,
		Rate:           cfg.Rate,
		Security:       cfg.Security,
		MaxFileSize:    cfg.FileStore.MaxFileSize,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	return a, nil
}

// publisher fans lifecycle events out to the log and, when brokers are
// configured, to Kafka.
func (a *App) publisher(cfg config.KafkaConfig) (events.Publisher, error) {
	fanout := events.Fanout{events.NewLogPublisher(a.Logger)}
	if len(cfg.Brokers) == 0 {
		return fanout, nil
	}
	kafka, err := events.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	a.onClose(kafka.Close)
	a.Logger.Info("kafka publisher enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return append(fanout, kafka), nil
}

func (a *App) channels(cfg *config.Config) []notify.Channel {
	chans := []notify.Channel{
		notify.NewInAppChannel(a.Redis, cfg.Redis.KeyPrefix, cfg.Notify.InAppLimit, cfg.Notify.InAppTTL),
	}
	if cfg.Notify.SMTPHost != "" {
		chans = append(chans, &notify.EmailChannel{
			Host:     cfg.Notify.SMTPHost,
			Port:     cfg.Notify.SMTPPort,
			Username: cfg.Notify.SMTPUser,
			Password: cfg.Notify.SMTPPassword,
			From:     cfg.Notify.SMTPFrom,
		})
	}
	if cfg.Notify.PushURL != "" {
		chans = append(chans, notify.NewPushChannel(cfg.Notify.PushURL, cfg.Notify.DeliveryTimeout))
	}
	names := make([]string, len(chans))
	for i, c := range chans {
		names[i] = c.Name()
	}
	a.Logger.Info("notification channels", "channels", names)
	return chans
}

// RunHousekeeping sweeps expired uploads and cleans old finished queue
// records until ctx ends.
func (a *App) RunHousekeeping(ctx context.Context) {
	go a.Files.StartSweeper(ctx, a.Config.FileStore.SweepInterval)

	grace := a.Config.Queue.CleanGrace
	if grace <= 0 {
		return
	}
	interval := max(grace/24, time.Minute)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.Worker.Clean(ctx, grace); err != nil && ctx.Err() == nil {
					a.Logger.Warn("queue clean failed", "error", err)
				}
			}
		}
	}()
}

// Drain waits for in-flight notification deliveries.
func (a *App) Drain(ctx context.Context) error {
	if a.Dispatcher == nil {
		return nil
	}
	return a.Dispatcher.Wait(ctx)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
