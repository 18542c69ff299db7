// Package web provides the HTTP boundary of the import pipeline: the JSON
// API, progress streams, the job status page and operational endpoints.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/timetable-import/internal/config"
	"github.com/JonMunkholm/timetable-import/internal/imports"
	"github.com/JonMunkholm/timetable-import/internal/metrics"
	"github.com/JonMunkholm/timetable-import/internal/queue"
	appmw "github.com/JonMunkholm/timetable-import/internal/web/middleware"
)

// QueueAdmin is the queue housekeeping surface, implemented by the worker.
type QueueAdmin interface {
	Stats(ctx context.Context) (queue.Stats, error)
	List(ctx context.Context, f queue.ListFilter) ([]*queue.Job, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Clean(ctx context.Context, grace time.Duration) (int64, error)
	Retry(ctx context.Context, ids ...string) (int64, error)
}

// HealthCheck is one dependency probed by /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Imports *imports.Service
	Queue   QueueAdmin
	Checks  []HealthCheck
	Logger  *slog.Logger
}

// Options tune the HTTP server.
type Options struct {
	Server      config.ServerConfig
	Rate        config.RateLimitConfig
	Security    config.SecurityConfig
	MaxFileSize int64

	// StreamInterval is how often SSE and websocket streams poll job state.
	StreamInterval time.Duration
	// RequestTimeout bounds non-streaming requests.
	RequestTimeout time.Duration
}

// Server is the HTTP server of the import API.
type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	router *chi.Mux

	mu       sync.Mutex
	server   *http.Server
	limiters []*rateLimiter
}

// NewServer builds the router. Call Start to listen.
func NewServer(deps Deps, opts Options) *Server {
	if opts.StreamInterval <= 0 {
		opts.StreamInterval = time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = 10 << 20
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: deps.Logger.With("component", "web"),
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(appmw.TrustedRealIP(s.opts.Security.TrustedProxies))
	s.router.Use(appmw.Identity)
	s.router.Use(appmw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(s.securityHeaders)

	if s.opts.Rate.Enabled {
		s.router.Use(s.newRateLimiter(s.opts.Rate.RequestsPerMinute, time.Minute).middleware)
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	// Streams stay open until the job finishes, so they skip the timeout.
	s.router.Get("/api/imports/{jobID}/events", s.handleEvents)
	s.router.Get("/api/imports/{jobID}/ws", s.handleWebSocket)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.opts.RequestTimeout))

		r.Get("/imports/{jobID}", s.handleStatusPage)

		upload := http.HandlerFunc(s.handleUpload)
		if s.opts.Rate.Enabled && s.opts.Rate.UploadLimit > 0 {
			r.With(s.newRateLimiter(s.opts.Rate.UploadLimit, time.Minute).middleware).Post("/api/uploads", upload)
		} else {
			r.Post("/api/uploads", upload)
		}
		r.Get("/api/uploads/{fileID}/metadata", s.handleMetadata)
		r.Delete("/api/uploads/{fileID}", s.handleDeleteUpload)

		r.Post("/api/imports", s.handleSubmit)
		r.Post("/api/imports/validate", s.handleValidate)
		r.Get("/api/imports/{jobID}/status", s.handleStatus)
		r.Post("/api/imports/{jobID}/cancel", s.handleCancel)

		r.Post("/api/review/sessions", s.handleCreateSession)
		r.Get("/api/review/sessions/{sessionID}", s.handleGetSession)
		r.Delete("/api/review/sessions/{sessionID}", s.handleCompleteSession)
		r.Post("/api/review/sessions/{sessionID}/review", s.handleReviewMatch)
		r.Post("/api/review/sessions/{sessionID}/batch", s.handleBatchReview)
		r.Get("/api/review/sessions/{sessionID}/pending", s.handlePending)
		r.Post("/api/review/sessions/{sessionID}/auto-approve", s.handleAutoApprove)
		r.Patch("/api/review/sessions/{sessionID}/thresholds", s.handleThresholds)
		r.Get("/api/review/sessions/{sessionID}/stats", s.handleSessionStats)

		r.Get("/api/queue/stats", s.handleQueueStats)
		r.Get("/api/queue/jobs", s.handleQueueJobs)
		r.Post("/api/queue/pause", s.handleQueuePause)
		r.Post("/api/queue/resume", s.handleQueueResume)
		r.Post("/api/queue/clean", s.handleQueueClean)
		r.Post("/api/queue/retry", s.handleQueueRetry)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         s.opts.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.opts.Server.ReadTimeout,
		WriteTimeout: s.opts.Server.WriteTimeout,
		IdleTimeout:  s.opts.Server.IdleTimeout,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("http server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	limiters := s.limiters
	s.mu.Unlock()

	for _, l := range limiters {
		l.stop()
	}
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	failures := map[string]string{}
	for _, c := range s.deps.Checks {
		if err := c.Check(ctx); err != nil {
			failures[c.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("health check failed", "failures", failures)
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if s.opts.Security.EnableCSP {
			h.Set("Content-Security-Policy", "default-src 'self'; style-src 'self' 'unsafe-inline'")
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter is a fixed-window request budget per client address.
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     int
	window   time.Duration
	done     chan struct{}
	once     sync.Once
}

type visitor struct {
	tokens    int
	lastReset time.Time
}

func (s *Server) newRateLimiter(rate int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate,
		window:   window,
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.limiters = append(s.limiters, rl)
	s.mu.Unlock()
	go rl.cleanup()
	return rl
}

func (rl *rateLimiter) stop() {
	rl.once.Do(func() { close(rl.done) })
}

// cleanup drops visitors idle for two windows.
func (rl *rateLimiter) cleanup() {
	ticker := time.NewTicker(rl.window)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastReset) > rl.window*2 {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok || time.Since(v.lastReset) > rl.window {
		rl.visitors[ip] = &visitor{tokens: rl.rate - 1, lastReset: time.Now()}
		return true
	}
	if v.tokens <= 0 {
		return false
	}
	v.tokens--
	return true
}

var errRateLimited = errors.New("rate limit exceeded")

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "60")
			respondErrorJSON(w, http.StatusTooManyRequests, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP is the request address without its port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// writeJSON encodes v with status 200.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

// writeJSONStatus encodes v with the given status. Encoding errors are only
// logged since the header is already sent.
func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("json encode error", "error", err)
	}
}
