// Package config provides centralized configuration management for the import service.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	FileStore FileStoreConfig
	Analyzer  AnalyzerConfig
	Matching  MatchingConfig
	Pipeline  PipelineConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Notify    NotifyConfig
	Kafka     KafkaConfig
	Rate      RateLimitConfig
	Security  SecurityConfig
	Logging   LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for SSE and websockets)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// RunWorker starts the job worker inside the API process (default: true)
	RunWorker bool `env:"SERVER_RUN_WORKER" default:"true"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// RedisConfig holds the key-value store settings shared by progress,
// review sessions and in-app notifications.
type RedisConfig struct {
	// URL is a redis:// URL or host:port (default: localhost:6379)
	URL string `env:"REDIS_URL" default:"localhost:6379"`

	// KeyPrefix namespaces every key written by this service (default: timetable)
	KeyPrefix string `env:"REDIS_KEY_PREFIX" default:"timetable"`
}

// FileStoreConfig holds temporary upload storage settings.
type FileStoreConfig struct {
	// Dir is where uploaded files and their metadata are written (default: ./data/uploads)
	Dir string `env:"FILESTORE_DIR" default:"./data/uploads"`

	// MaxFileSize is the maximum accepted upload in bytes (default: 10MB)
	MaxFileSize int64 `env:"FILESTORE_MAX_FILE_SIZE" envAlt:"UPLOAD_MAX_FILE_SIZE" default:"10485760"`

	// AllowedExtensions is the extension allow-list (default: .csv,.xlsx,.xls)
	AllowedExtensions []string `env:"FILESTORE_ALLOWED_EXTENSIONS" default:".csv,.xlsx,.xls"`

	// TTL is how long an uploaded file stays readable (default: 1h)
	TTL time.Duration `env:"FILESTORE_TTL" default:"1h"`

	// SweepInterval is how often expired files are removed (default: 15m)
	SweepInterval time.Duration `env:"FILESTORE_SWEEP_INTERVAL" default:"15m"`
}

// AnalyzerConfig holds file inspection settings.
type AnalyzerConfig struct {
	// PreviewRows is the number of data rows returned as preview (default: 10)
	PreviewRows int `env:"ANALYZER_PREVIEW_ROWS" default:"10"`

	// SampleSize is the number of non-empty values sampled per column (default: 100)
	SampleSize int `env:"ANALYZER_SAMPLE_SIZE" default:"100"`
}

// MatchingConfig holds fuzzy matching and review session settings.
type MatchingConfig struct {
	// AutoApprove is the default auto-approval threshold (default: 0.95)
	AutoApprove float64 `env:"MATCHING_AUTO_APPROVE" default:"0.95"`

	// RequireReview is the default review threshold (default: 0.7)
	RequireReview float64 `env:"MATCHING_REQUIRE_REVIEW" default:"0.7"`

	// AutoReject is the default auto-rejection threshold (default: 0.3)
	AutoReject float64 `env:"MATCHING_AUTO_REJECT" default:"0.3"`

	// SessionTTL is how long a review session lives after creation (default: 2h)
	SessionTTL time.Duration `env:"MATCHING_SESSION_TTL" default:"2h"`

	// MaxCandidates is the number of ranked candidates kept per row (default: 5)
	MaxCandidates int `env:"MATCHING_MAX_CANDIDATES" default:"5"`

	// CandidateCacheTTL is how long existing entities are cached per type (default: 5m)
	CandidateCacheTTL time.Duration `env:"MATCHING_CANDIDATE_CACHE_TTL" default:"5m"`
}

// PipelineConfig holds staged job processing settings.
type PipelineConfig struct {
	// BatchSize is the number of records written per batch (default: 100)
	BatchSize int `env:"PIPELINE_BATCH_SIZE" default:"100"`

	// JobTimeout bounds a single processing attempt (default: 30m)
	JobTimeout time.Duration `env:"PIPELINE_JOB_TIMEOUT" default:"30m"`

	// ProgressTTL is the retention of progress snapshots (default: 1h)
	ProgressTTL time.Duration `env:"PIPELINE_PROGRESS_TTL" default:"1h"`

	// StatusTTL is the retention of job status values (default: 24h)
	StatusTTL time.Duration `env:"PIPELINE_STATUS_TTL" default:"24h"`

	// ReportTTL is the retention of final reports (default: 168h)
	ReportTTL time.Duration `env:"PIPELINE_REPORT_TTL" default:"168h"`
}

// QueueConfig holds durable job queue settings.
type QueueConfig struct {
	// Path is the SQLite database file backing the queue (default: ./data/queue.db)
	Path string `env:"QUEUE_PATH" default:"./data/queue.db"`

	// MaxAttempts is the number of attempts before a job fails permanently (default: 3)
	MaxAttempts int `env:"QUEUE_MAX_ATTEMPTS" default:"3"`

	// BackoffBase is the first retry delay, doubled per attempt (default: 5s)
	BackoffBase time.Duration `env:"QUEUE_BACKOFF_BASE" default:"5s"`

	// PollInterval is how often an idle worker polls for jobs (default: 1s)
	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" default:"1s"`

	// HeartbeatInterval is how often active jobs refresh their heartbeat (default: 10s)
	HeartbeatInterval time.Duration `env:"QUEUE_HEARTBEAT_INTERVAL" default:"10s"`

	// StallTimeout is the heartbeat age after which an active job is reclaimed (default: 1m)
	StallTimeout time.Duration `env:"QUEUE_STALL_TIMEOUT" default:"1m"`

	// CleanGrace is the age of finished jobs removed by periodic cleaning (default: 24h)
	CleanGrace time.Duration `env:"QUEUE_CLEAN_GRACE" default:"24h"`
}

// WorkerConfig holds job worker settings.
type WorkerConfig struct {
	// Concurrency is the number of jobs processed in parallel, 1-10 (default: 2)
	Concurrency int `env:"WORKER_CONCURRENCY" default:"2"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	// Milestones are progress percentages that trigger a message (default: 25,50,75)
	Milestones []int `env:"NOTIFY_MILESTONES" default:"25,50,75"`

	// MinRows is the minimum total rows for milestone messages (default: 500)
	MinRows int `env:"NOTIFY_MIN_ROWS" default:"500"`

	// DeliveryTimeout bounds a single channel delivery (default: 10s)
	DeliveryTimeout time.Duration `env:"NOTIFY_DELIVERY_TIMEOUT" default:"10s"`

	// SMTPHost enables the email channel when set
	SMTPHost string `env:"SMTP_HOST"`

	// SMTPPort is the SMTP server port (default: 587)
	SMTPPort int `env:"SMTP_PORT" default:"587"`

	// SMTPUser and SMTPPassword enable PLAIN auth when set
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`

	// SMTPFrom is the sender address (default: imports@localhost)
	SMTPFrom string `env:"SMTP_FROM" default:"imports@localhost"`

	// PushURL is the ntfy-compatible base URL; enables the push channel when set
	PushURL string `env:"NOTIFY_PUSH_URL"`

	// InAppLimit is the number of in-app messages kept per user (default: 100)
	InAppLimit int `env:"NOTIFY_INAPP_LIMIT" default:"100"`

	// InAppTTL is the retention of a user's in-app message list (default: 720h)
	InAppTTL time.Duration `env:"NOTIFY_INAPP_TTL" default:"720h"`
}

// KafkaConfig holds lifecycle event publishing settings.
type KafkaConfig struct {
	// Brokers enables the Kafka publisher when non-empty
	Brokers []string `env:"KAFKA_BROKERS"`

	// Topic receives import lifecycle events (default: timetable.import.events)
	Topic string `env:"KAFKA_TOPIC" default:"timetable.import.events"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for upload endpoints (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// EnableCSP enables Content-Security-Policy headers (default: true)
	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the console log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`

	// File additionally writes JSON logs to this path when set
	File string `env:"LOG_FILE"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + strconv.Itoa(c.Port)
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}
