// Package metrics registers the Prometheus collectors of the import service.
// Collectors are package-level and registered once with the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "timetable_import"

var (
	// JobsTotal counts finished job attempts by outcome: completed, failed, retrying, cancelled.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_total",
		Help:      "Import job attempts by outcome",
	}, []string{"outcome"})

	// JobDuration observes the wall time of a job attempt.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "job_duration_seconds",
		Help:      "Duration of import job attempts in seconds",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// ActiveJobs is the number of jobs currently held by workers.
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_jobs",
		Help:      "Import jobs currently being processed",
	})

	// BatchDuration observes the time spent writing one batch.
	BatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "batch_duration_seconds",
		Help:      "Duration of pipeline batch writes in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	// RecordsTotal counts processed records by stage and outcome.
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "records_total",
		Help:      "Records processed by the pipeline",
	}, []string{"stage", "outcome"})

	// SideEffectFailures counts best-effort writes that failed and were discarded.
	SideEffectFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "side_effect_failures_total",
		Help:      "Best-effort writes that failed and were logged",
	}, []string{"kind"})

	// NotificationsTotal counts notification deliveries by channel and result.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification delivery attempts",
	}, []string{"channel", "result"})

	// FilesStored counts accepted uploads.
	FilesStored = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_stored_total",
		Help:      "Files accepted by the temporary file store",
	})

	// FilesExpired counts files removed after expiry, lazily or by the sweeper.
	FilesExpired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "files_expired_total",
		Help:      "Expired temporary files removed",
	}, []string{"trigger"})

	// CandidateCache counts candidate cache lookups by result: hit, miss.
	CandidateCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "candidate_cache_total",
		Help:      "Entity candidate cache lookups",
	}, []string{"result"})

	// QueueJobs reports queue depth by state, refreshed by the worker.
	QueueJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_jobs",
		Help:      "Jobs in the durable queue by state",
	}, []string{"state"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
