// ============================================================================
// Playpool Metrics - Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// Purpose: Collect and expose pool metrics for Prometheus monitoring
//
// Metric Categories:
//
//   1. Job Counters - Cumulative, monotonically increasing:
//      - pool_jobs_submitted_total: Jobs admitted by the pool
//      - pool_jobs_rejected_total: Submissions refused at the admission cap
//      - pool_jobs_dispatched_total: Jobs handed to a worker
//      - pool_jobs_backend_errors_total: Jobs answered with a backend error
//
//   2. Performance Metrics (Histogram):
//      - pool_job_duration_seconds: Worker round-trip latency distribution
//
//   3. Status Metrics (Gauge) - Instantaneous values:
//      - pool_jobs_queued: Admitted jobs not yet handed to a worker
//      - pool_workers_idle: Healthy workers with no job in flight
//      - pool_event_queue_length: Events pending in the dispatcher queue
//
// HTTP Endpoint:
//   Exposed via /metrics, scraped by Prometheus. Default port: 9090.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for the pool.
type Collector struct {
	jobsSubmitted    prometheus.Counter
	jobsRejected     prometheus.Counter
	jobsDispatched   prometheus.Counter
	jobBackendErrors prometheus.Counter

	jobDuration prometheus.Histogram

	jobsQueued       prometheus.Gauge
	workersIdle      prometheus.Gauge
	eventQueueLength prometheus.Gauge
}

// NewCollector creates and registers a new metrics collector.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_jobs_submitted_total",
			Help: "Total number of jobs admitted by the pool",
		}),
		jobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_jobs_rejected_total",
			Help: "Total number of submissions rejected at the admission cap",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_jobs_dispatched_total",
			Help: "Total number of jobs handed to a worker",
		}),
		jobBackendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pool_jobs_backend_errors_total",
			Help: "Total number of jobs answered with a synthetic backend error",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_job_duration_seconds",
			Help:    "Worker round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_jobs_queued",
			Help: "Admitted jobs not yet handed to a worker",
		}),
		workersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_workers_idle",
			Help: "Healthy workers with no job in flight",
		}),
		eventQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pool_event_queue_length",
			Help: "Events pending in the dispatcher queue",
		}),
	}

	prometheus.MustRegister(c.jobsSubmitted)
	prometheus.MustRegister(c.jobsRejected)
	prometheus.MustRegister(c.jobsDispatched)
	prometheus.MustRegister(c.jobBackendErrors)
	prometheus.MustRegister(c.jobDuration)
	prometheus.MustRegister(c.jobsQueued)
	prometheus.MustRegister(c.workersIdle)
	prometheus.MustRegister(c.eventQueueLength)

	return c
}

// RecordSubmitted records an admitted job.
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordRejected records a submission refused at the admission cap.
func (c *Collector) RecordRejected() {
	c.jobsRejected.Inc()
}

// RecordDispatch records a job handed to a worker.
func (c *Collector) RecordDispatch() {
	c.jobsDispatched.Inc()
}

// RecordCompleted records a successful worker round trip with its latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobDuration.Observe(latencySeconds)
}

// RecordBackendError records a job answered with a synthetic backend error.
func (c *Collector) RecordBackendError() {
	c.jobBackendErrors.Inc()
}

// SetQueuedJobs updates the queued-jobs gauge.
func (c *Collector) SetQueuedJobs(n int) {
	c.jobsQueued.Set(float64(n))
}

// SetIdleWorkers updates the idle-workers gauge.
func (c *Collector) SetIdleWorkers(n int) {
	c.workersIdle.Set(float64(n))
}

// SetEventQueueLength updates the event-queue-length gauge.
func (c *Collector) SetEventQueueLength(n int) {
	c.eventQueueLength.Set(float64(n))
}

// StartServer starts the Prometheus metrics HTTP server.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, nil)
}
