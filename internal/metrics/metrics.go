package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "nice"

var (
	// Admissions counts rate-limit decisions by outcome reason ("allowed" when admitted).
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admissions_total",
		Help:      "Rate-limit admission decisions by reason.",
	}, []string{"reason"})

	// PowTransitions counts buttons entering or leaving the proof-of-work gate.
	PowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pow_transitions_total",
		Help:      "Proof-of-work state transitions per target state.",
	}, []string{"to"})

	// PowChallengesIssued counts challenges handed out, by difficulty.
	PowChallengesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pow_challenges_issued_total",
		Help:      "Proof-of-work challenges issued by difficulty.",
	}, []string{"difficulty"})

	// PowVerifications counts solution checks by result.
	PowVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pow_verifications_total",
		Help:      "Proof-of-work solution verifications by result.",
	}, []string{"result"})

	// DedupeResults counts visitor dedupe lookups by result ("new" or "repeat").
	DedupeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedupe_results_total",
		Help:      "Visitor dedupe results.",
	}, []string{"result"})

	// CounterIncrements counts best-effort counter increments by status.
	CounterIncrements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "counter_increments_total",
		Help:      "Counter increments by status (ok, retried, exhausted, error).",
	}, []string{"status"})

	// StoreOperations counts key-value store calls.
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_operations_total",
		Help:      "Key-value store operations by op and status.",
	}, []string{"op", "status"})

	// StoreDuration records key-value store latency.
	StoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_duration_seconds",
		Help:      "Key-value store operation latency in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1.0},
	}, []string{"op"})

	// AbuseEvents counts abuse-log entries by reason.
	AbuseEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "abuse_events_total",
		Help:      "Abuse events recorded by reason.",
	}, []string{"reason"})

	// JobsEnqueued counts jobs placed into the worker channel.
	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs placed into worker channel.",
	}, []string{"action"})

	// JobsDropped counts jobs discarded without being processed.
	JobsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dropped_total",
		Help:      "Jobs discarded without processing.",
	}, []string{"reason"})

	// JobsProcessed counts worker completions.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Worker job completions.",
	}, []string{"action", "status"})

	// WorkerQueueDepth tracks current job channel length.
	WorkerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "worker_queue_depth",
		Help:      "Current job channel buffer depth.",
	})

	// DecisionsProcessed counts CrowdSec decisions applied to the blocklist.
	DecisionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_processed_total",
		Help:      "CrowdSec decisions applied to the blocklist.",
	}, []string{"action"})

	// DecisionsFiltered counts CrowdSec decisions rejected per filter stage.
	DecisionsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_filtered_total",
		Help:      "CrowdSec decisions rejected per filter stage.",
	}, []string{"stage", "reason"})

	// ExpiredKeysPruned counts keys removed by the janitor sweep.
	ExpiredKeysPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "expired_keys_pruned_total",
		Help:      "Expired keys removed by the janitor.",
	})

	// DBSizeBytes tracks bbolt on-disk file size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt on-disk file size in bytes.",
	})

	// HTTPResponses counts API responses by route and status code.
	HTTPResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_responses_total",
		Help:      "API responses by route and status code.",
	}, []string{"route", "code"})
)
