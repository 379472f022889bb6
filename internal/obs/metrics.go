// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrich_jobs_enqueued_total",
		Help: "Total number of jobs enqueued, by stage",
	}, []string{"stage"})
	JobsDeduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrich_jobs_deduplicated_total",
		Help: "Enqueue calls collapsed onto an existing job by idempotency key",
	})
	JobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrich_jobs_claimed_total",
		Help: "Total number of jobs claimed by workers, by kind",
	}, []string{"kind"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrich_jobs_completed_total",
		Help: "Total number of successfully completed jobs, by stage",
	}, []string{"stage"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrich_jobs_failed_total",
		Help: "Total number of permanently failed jobs, by stage",
	}, []string{"stage"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrich_jobs_retried_total",
		Help: "Total number of job retries, by stage",
	}, []string{"stage"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enrich_job_processing_duration_seconds",
		Help:    "Histogram of stage body durations",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"stage"})
	PendingDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enrich_pending_depth",
		Help: "Current pending queue depth per worker kind",
	}, []string{"kind"})
	RateLimitDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrich_rate_limit_denials_total",
		Help: "Acquire attempts that timed out waiting for a token, by provider",
	}, []string{"provider"})
	RateLimitBackoffs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "enrich_rate_limit_backoffs_total",
		Help: "Rate-limit hits reported by stage bodies, by provider",
	}, []string{"provider"})
	LeasesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrich_leases_reclaimed_total",
		Help: "Jobs recovered from expired leases by the reaper",
	})
	WorkerActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enrich_worker_active",
		Help: "Number of running worker goroutines per kind",
	}, []string{"kind"})
	WorkerBusy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enrich_worker_busy",
		Help: "Number of workers currently executing a stage body, per kind",
	}, []string{"kind"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enrich_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, per kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(JobsEnqueued, JobsDeduplicated, JobsClaimed, JobsCompleted,
		JobsFailed, JobsRetried, JobProcessingDuration, PendingDepth, RateLimitDenials,
		RateLimitBackoffs, LeasesReclaimed, WorkerActive, WorkerBusy, CircuitBreakerState)
}
