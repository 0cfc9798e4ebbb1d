// Package metrics collects and exposes Prometheus metrics for the foreman's
// job/task/worker domain. Field-for-field adapted from the teacher's
// Collector (internal/metrics/metrics.go): the same counter/gauge/histogram
// shape, renamed from the teacher's job-only queue metrics to cover jobs,
// tasks, and workers as spec.md's domain model requires.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector collects Prometheus metrics for the foreman.
type Collector struct {
	// Job counters
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter

	// Task counters
	tasksDispatched prometheus.Counter
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter

	// Task latency
	taskLatency prometheus.Histogram

	// Worker counters/gauges
	workersRegistered prometheus.Gauge
	workersGone       prometheus.Counter

	// Queue depth gauges
	jobsPending  prometheus.Gauge
	jobsRunning  prometheus.Gauge
	pendingTasks prometheus.Gauge

	mu sync.Mutex
}

// NewCollector creates a new metrics collector, registered against
// prometheus.DefaultRegisterer.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_jobs_failed_total",
			Help: "Total number of jobs that reached a failed terminal state",
		}),
		tasksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_tasks_dispatched_total",
			Help: "Total number of tasks assigned to a worker",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_tasks_failed_total",
			Help: "Total number of task attempts that failed",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "foreman_task_latency_seconds",
			Help:    "Task execution time in seconds, from assignment to result",
			Buckets: prometheus.DefBuckets,
		}),
		workersRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_workers_registered",
			Help: "Current number of registered workers not yet marked gone",
		}),
		workersGone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "foreman_workers_gone_total",
			Help: "Total number of workers marked gone (disconnect or heartbeat timeout)",
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_jobs_pending",
			Help: "Current number of jobs with no task assigned yet",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_jobs_running",
			Help: "Current number of jobs with at least one task assigned or running",
		}),
		pendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "foreman_pending_tasks",
			Help: "Current number of tasks awaiting assignment",
		}),
	}

	prometheus.MustRegister(c.jobsSubmitted)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.jobsFailed)
	prometheus.MustRegister(c.tasksDispatched)
	prometheus.MustRegister(c.tasksCompleted)
	prometheus.MustRegister(c.tasksFailed)
	prometheus.MustRegister(c.taskLatency)
	prometheus.MustRegister(c.workersRegistered)
	prometheus.MustRegister(c.workersGone)
	prometheus.MustRegister(c.jobsPending)
	prometheus.MustRegister(c.jobsRunning)
	prometheus.MustRegister(c.pendingTasks)

	return c
}

// RecordJobSubmitted records a submit_job acceptance.
func (c *Collector) RecordJobSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordJobCompleted records a job reaching the completed terminal state.
func (c *Collector) RecordJobCompleted() {
	c.jobsCompleted.Inc()
}

// RecordJobFailed records a job reaching the failed terminal state.
func (c *Collector) RecordJobFailed() {
	c.jobsFailed.Inc()
}

// RecordTaskDispatched records a task assignment committed by the dispatcher.
func (c *Collector) RecordTaskDispatched() {
	c.tasksDispatched.Inc()
}

// RecordTaskCompleted records a successful task_result with its execution
// latency (assignment to result).
func (c *Collector) RecordTaskCompleted(latencySeconds float64) {
	c.tasksCompleted.Inc()
	c.taskLatency.Observe(latencySeconds)
}

// RecordTaskFailed records a task_error or supervisor-driven failure.
func (c *Collector) RecordTaskFailed() {
	c.tasksFailed.Inc()
}

// RecordWorkerGone records a worker transitioning to gone.
func (c *Collector) RecordWorkerGone() {
	c.workersGone.Inc()
}

// UpdateWorkerCount sets the current registered-worker gauge.
func (c *Collector) UpdateWorkerCount(registered int) {
	c.workersRegistered.Set(float64(registered))
}

// UpdateQueueStats updates the job/task backlog gauges, called by the
// foreman's metrics loop on the supervisor interval.
func (c *Collector) UpdateQueueStats(jobsPending, jobsRunning, pendingTasks int) {
	c.jobsPending.Set(float64(jobsPending))
	c.jobsRunning.Set(float64(jobsRunning))
	c.pendingTasks.Set(float64(pendingTasks))
}

