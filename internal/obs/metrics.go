// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/jamesross/imagegen-broker/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs accepted onto the submission queue",
	})
	JobsActivated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_activated_total",
		Help: "Total number of jobs dispatched to a backend",
	})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of jobs that reached status done",
	})
	JobsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of jobs that reached status failed on an attempt",
	})
	JobsErrored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_errored_total",
		Help: "Total number of jobs that exhausted retries and reached status error",
	})
	JobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job attempts that were requeued after a failure",
	})
	JobsWatchdogReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobs_watchdog_reaped_total",
		Help: "Total number of jobs reclaimed by the processing-timeout watchdog",
	})
	GenerationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "generation_duration_seconds",
		Help:    "Histogram of backend generation call durations",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
	SubmissionQueueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "submission_queue_length",
		Help: "Current length of the submission queue",
	})
	JobsByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "jobs_by_status",
		Help: "Current count of job records by status",
	}, []string{"status"})
	FleetIdleServers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_idle_servers",
		Help: "Number of backends reporting available capacity on the last probe",
	})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, per backend",
	}, []string{"backend"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a backend's circuit breaker transitioned to Open",
	}, []string{"backend"})
	SMSSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sms_sent_total",
		Help: "Total number of completion SMS notifications sent",
	})
	SMSFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sms_failed_total",
		Help: "Total number of completion SMS notifications that failed to send",
	})
)

func init() {
	prometheus.MustRegister(
		JobsSubmitted, JobsActivated, JobsCompleted, JobsFailed, JobsErrored,
		JobsRetried, JobsWatchdogReaped, GenerationDuration, SubmissionQueueLength,
		JobsByStatus, FleetIdleServers, CircuitBreakerState, CircuitBreakerTrips,
		SMSSent, SMSFailed,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Prefer StartHTTPServer, which also registers health endpoints on the same mux.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
