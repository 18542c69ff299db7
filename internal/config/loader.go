package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		// Get tags
		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary env var, then alternate
		value := os.Getenv(envName)
		if value == "" && envAlt != "" {
			value = os.Getenv(envAlt)
		}

		// Apply default if not set
		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		// Set the field value
		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float: %w", err)
		}
		field.SetFloat(f)

	case reflect.Slice:
		parts := splitList(value)
		switch field.Type().Elem().Kind() {
		case reflect.String:
			field.Set(reflect.ValueOf(parts))
		case reflect.Int:
			result := make([]int, 0, len(parts))
			for _, p := range parts {
				n, err := strconv.Atoi(p)
				if err != nil {
					return fmt.Errorf("invalid integer list element %q: %w", p, err)
				}
				result = append(result, n)
			}
			field.Set(reflect.ValueOf(result))
		default:
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// splitList splits comma-separated values and trims whitespace.
func splitList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Database validation
	if c.Database.URL == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// File store validation
	if c.FileStore.MaxFileSize <= 0 {
		errs = append(errs, "FILESTORE_MAX_FILE_SIZE must be positive")
	}
	if len(c.FileStore.AllowedExtensions) == 0 {
		errs = append(errs, "FILESTORE_ALLOWED_EXTENSIONS must list at least one extension")
	}
	for _, ext := range c.FileStore.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			errs = append(errs, fmt.Sprintf("FILESTORE_ALLOWED_EXTENSIONS entry %q must start with '.'", ext))
		}
	}
	if c.FileStore.TTL <= 0 {
		errs = append(errs, "FILESTORE_TTL must be positive")
	}
	if c.FileStore.SweepInterval <= 0 {
		errs = append(errs, "FILESTORE_SWEEP_INTERVAL must be positive")
	}

	if c.Analyzer.PreviewRows < 0 {
		errs = append(errs, "ANALYZER_PREVIEW_ROWS must be non-negative")
	}
	if c.Analyzer.SampleSize <= 0 {
		errs = append(errs, "ANALYZER_SAMPLE_SIZE must be positive")
	}

	// Matching validation
	m := c.Matching
	for name, v := range map[string]float64{
		"MATCHING_AUTO_APPROVE":   m.AutoApprove,
		"MATCHING_REQUIRE_REVIEW": m.RequireReview,
		"MATCHING_AUTO_REJECT":    m.AutoReject,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s (%v) must be within 0-1", name, v))
		}
	}
	if m.AutoApprove < m.RequireReview || m.RequireReview < m.AutoReject {
		errs = append(errs, "matching thresholds must satisfy AUTO_APPROVE >= REQUIRE_REVIEW >= AUTO_REJECT")
	}
	if m.SessionTTL <= 0 {
		errs = append(errs, "MATCHING_SESSION_TTL must be positive")
	}
	if m.MaxCandidates <= 0 {
		errs = append(errs, "MATCHING_MAX_CANDIDATES must be positive")
	}

	// Pipeline validation
	if c.Pipeline.BatchSize <= 0 {
		errs = append(errs, "PIPELINE_BATCH_SIZE must be positive")
	}
	if c.Pipeline.JobTimeout <= 0 {
		errs = append(errs, "PIPELINE_JOB_TIMEOUT must be positive")
	}
	if c.Pipeline.ProgressTTL <= 0 || c.Pipeline.StatusTTL <= 0 || c.Pipeline.ReportTTL <= 0 {
		errs = append(errs, "PIPELINE_PROGRESS_TTL, PIPELINE_STATUS_TTL and PIPELINE_REPORT_TTL must be positive")
	}
	if c.Pipeline.ReportTTL < c.Pipeline.ProgressTTL {
		errs = append(errs, "PIPELINE_REPORT_TTL must be >= PIPELINE_PROGRESS_TTL")
	}

	// Queue and worker validation
	if c.Queue.Path == "" {
		errs = append(errs, "QUEUE_PATH is required")
	}
	if c.Queue.MaxAttempts <= 0 {
		errs = append(errs, "QUEUE_MAX_ATTEMPTS must be positive")
	}
	if c.Queue.PollInterval <= 0 || c.Queue.HeartbeatInterval <= 0 {
		errs = append(errs, "QUEUE_POLL_INTERVAL and QUEUE_HEARTBEAT_INTERVAL must be positive")
	}
	if c.Queue.StallTimeout <= c.Queue.HeartbeatInterval {
		errs = append(errs, fmt.Sprintf("QUEUE_STALL_TIMEOUT (%s) must exceed QUEUE_HEARTBEAT_INTERVAL (%s)",
			c.Queue.StallTimeout, c.Queue.HeartbeatInterval))
	}
	if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 10 {
		errs = append(errs, fmt.Sprintf("WORKER_CONCURRENCY (%d) must be 1-10", c.Worker.Concurrency))
	}

	// Notification validation
	for _, pct := range c.Notify.Milestones {
		if pct <= 0 || pct >= 100 {
			errs = append(errs, fmt.Sprintf("NOTIFY_MILESTONES entry %d must be 1-99", pct))
		}
	}
	if c.Notify.DeliveryTimeout <= 0 {
		errs = append(errs, "NOTIFY_DELIVERY_TIMEOUT must be positive")
	}

	// Rate limit validation
	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Redis: {URL: [MASKED], KeyPrefix: %q}, ", c.Redis.KeyPrefix))
	b.WriteString(fmt.Sprintf("FileStore: {Dir: %q, MaxFileSize: %d, TTL: %s}, ",
		c.FileStore.Dir, c.FileStore.MaxFileSize, c.FileStore.TTL))
	b.WriteString(fmt.Sprintf("Pipeline: {BatchSize: %d}, Queue: {Path: %q, MaxAttempts: %d}, Worker: {Concurrency: %d}, ",
		c.Pipeline.BatchSize, c.Queue.Path, c.Queue.MaxAttempts, c.Worker.Concurrency))
	b.WriteString(fmt.Sprintf("Notify: {SMTP: %v, Push: %v}, Kafka: {Brokers: %d}, ",
		c.Notify.SMTPHost != "", c.Notify.PushURL != "", len(c.Kafka.Brokers)))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
