// Package metrics collects and exposes Prometheus metrics for the
// broker (spec's ambient observability stack, modeled on the teacher's
// Collector).
//
// Metric categories:
//
//	Counters - cumulative, monotonically increasing:
//	  - broker_jobs_enqueued_total
//	  - broker_jobs_dispensed_total
//	  - broker_jobs_completed_total
//	  - broker_dead_broker_recoveries_total
//
//	Histogram - distribution stats:
//	  - broker_dispense_latency_seconds: time a job spends queued
//	    before it is dispensed
//
//	Gauges - instantaneous values:
//	  - broker_queue_depth{queue=...}
//	  - broker_running_jobs
//
// Each Collector owns a private prometheus.Registry rather than the
// global default one, so more than one broker instance can run in the
// same test binary without a double-registration panic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one broker instance.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued    prometheus.Counter
	jobsDispensed   prometheus.Counter
	jobsCompleted   prometheus.Counter
	deadRecoveries  prometheus.Counter
	dispenseLatency prometheus.Histogram
	queueDepth      *prometheus.GaugeVec
	runningJobs     prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics against a
// fresh registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_jobs_enqueued_total",
			Help: "Total number of jobs enqueued.",
		}),
		jobsDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_jobs_dispensed_total",
			Help: "Total number of jobs dispensed to a worker.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_jobs_completed_total",
			Help: "Total number of jobs removed from a running set after success.",
		}),
		deadRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "broker_dead_broker_recoveries_total",
			Help: "Total number of jobs recovered from a dead broker's running set.",
		}),
		dispenseLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "broker_dispense_latency_seconds",
			Help:    "Time a job spends queued before it is dispensed.",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "broker_queue_depth",
			Help: "Current number of jobs waiting on a queue.",
		}, []string{"queue"}),
		runningJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "broker_running_jobs",
			Help: "Current number of jobs dispensed but not yet completed.",
		}),
	}

	c.registry.MustRegister(
		c.jobsEnqueued,
		c.jobsDispensed,
		c.jobsCompleted,
		c.deadRecoveries,
		c.dispenseLatency,
		c.queueDepth,
		c.runningJobs,
	)
	return c
}

// RecordEnqueue records n jobs placed on a queue or the future set.
func (c *Collector) RecordEnqueue(n int) {
	c.jobsEnqueued.Add(float64(n))
}

// RecordDispense records n jobs removed from the head of a queue, and
// the age of the oldest one at dispense time.
func (c *Collector) RecordDispense(n int, oldestAgeSeconds float64) {
	c.jobsDispensed.Add(float64(n))
	if n > 0 {
		c.dispenseLatency.Observe(oldestAgeSeconds)
	}
}

// RecordCompleted records a job leaving a running set after success.
func (c *Collector) RecordCompleted() {
	c.jobsCompleted.Inc()
}

// RecordDeadBrokerRecovery records n jobs drained from a dead peer's
// running set back onto their queues.
func (c *Collector) RecordDeadBrokerRecovery(n int) {
	c.deadRecoveries.Add(float64(n))
}

// SetQueueDepth reports queue's current backlog.
func (c *Collector) SetQueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetRunningJobs reports the current size of this broker's running set.
func (c *Collector) SetRunningJobs(n int) {
	c.runningJobs.Set(float64(n))
}

// Handler returns the HTTP handler that serves this collector's
// metrics in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
