package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	// Reset Prometheus registry to avoid duplicate registration
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector := NewCollector()

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsSubmitted, "jobsSubmitted counter should be initialized")
	assert.NotNil(t, collector.jobsCompleted, "jobsCompleted counter should be initialized")
	assert.NotNil(t, collector.jobsFailed, "jobsFailed counter should be initialized")
	assert.NotNil(t, collector.tasksDispatched, "tasksDispatched counter should be initialized")
	assert.NotNil(t, collector.tasksCompleted, "tasksCompleted counter should be initialized")
	assert.NotNil(t, collector.tasksFailed, "tasksFailed counter should be initialized")
	assert.NotNil(t, collector.taskLatency, "taskLatency histogram should be initialized")
	assert.NotNil(t, collector.workersRegistered, "workersRegistered gauge should be initialized")
	assert.NotNil(t, collector.workersGone, "workersGone counter should be initialized")
	assert.NotNil(t, collector.jobsPending, "jobsPending gauge should be initialized")
	assert.NotNil(t, collector.jobsRunning, "jobsRunning gauge should be initialized")
	assert.NotNil(t, collector.pendingTasks, "pendingTasks gauge should be initialized")
}

func TestRecordJobSubmitted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordJobSubmitted()
	}, "RecordJobSubmitted should not panic")

	for i := 0; i < 5; i++ {
		collector.RecordJobSubmitted()
	}
}

func TestRecordTaskDispatched(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordTaskDispatched()
	}, "RecordTaskDispatched should not panic")

	for i := 0; i < 10; i++ {
		collector.RecordTaskDispatched()
	}
}

func TestRecordTaskCompleted(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	latencies := []float64{0.001, 0.01, 0.1, 1.0, 5.0}

	for _, latency := range latencies {
		assert.NotPanics(t, func() {
			collector.RecordTaskCompleted(latency)
		}, "RecordTaskCompleted should not panic with latency %f", latency)
	}
}

func TestRecordTaskFailed(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordTaskFailed()
	}, "RecordTaskFailed should not panic")

	for i := 0; i < 3; i++ {
		collector.RecordTaskFailed()
	}
}

func TestRecordJobFailed(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordJobFailed()
	}, "RecordJobFailed should not panic")
}

func TestRecordWorkerGone(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordWorkerGone()
	}, "RecordWorkerGone should not panic")

	for i := 0; i < 2; i++ {
		collector.RecordWorkerGone()
	}
}

func TestUpdateWorkerCount(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	for _, n := range []int{0, 1, 10, 100} {
		assert.NotPanics(t, func() {
			collector.UpdateWorkerCount(n)
		}, "UpdateWorkerCount should not panic with %d", n)
	}
}

func TestUpdateQueueStats(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	testCases := []struct {
		name    string
		pending int
		running int
		tasks   int
	}{
		{"zero values", 0, 0, 0},
		{"normal values", 10, 5, 20},
		{"high pending", 100, 8, 500},
		{"high running", 5, 50, 60},
		{"equal values", 20, 20, 20},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				collector.UpdateQueueStats(tc.pending, tc.running, tc.tasks)
			}, "UpdateQueueStats should not panic")
		})
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	// Test concurrent updates (Prometheus metrics should be thread-safe)
	done := make(chan bool, 100)

	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordJobSubmitted()
			collector.RecordTaskDispatched()
			collector.RecordTaskCompleted(0.1)
			collector.UpdateQueueStats(10, 5, 3)
			done <- true
		}()
	}

	for i := 0; i < 100; i++ {
		<-done
	}
}

func TestCollectorIsolation(t *testing.T) {
	// Test multiple collector instances work independently
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	collector1 := NewCollector()
	require.NotNil(t, collector1)

	// Second collector will panic due to duplicate registration
	// This is expected: a process should have only one collector
	assert.Panics(t, func() {
		NewCollector()
	}, "Creating a second collector should panic due to duplicate registration")
}

func TestJobLifecycleSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		// 1. Job submitted
		collector.RecordJobSubmitted()
		collector.UpdateQueueStats(1, 0, 1)

		// 2. Task dispatched
		collector.RecordTaskDispatched()
		collector.UpdateQueueStats(0, 1, 0)

		// 3. Task and job completed
		collector.RecordTaskCompleted(0.5)
		collector.RecordJobCompleted()
		collector.UpdateQueueStats(0, 0, 0)
	}, "Complete job lifecycle should not panic")
}

func TestJobFailureSequence(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordJobSubmitted()
		collector.RecordTaskDispatched()
		collector.RecordTaskFailed()
		collector.RecordJobFailed()
	}, "Job failure scenario should not panic")
}

func TestWorkerLossScenario(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.UpdateWorkerCount(3)
		collector.RecordWorkerGone()
		collector.UpdateWorkerCount(2)
	}, "Worker loss scenario should not panic")
}

func TestZeroAndNegativeValues(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	collector := NewCollector()

	assert.NotPanics(t, func() {
		collector.RecordTaskCompleted(0.0)       // zero latency
		collector.UpdateQueueStats(0, 0, 0)       // empty queue
		collector.UpdateQueueStats(-1, -1, -1)    // negative values (shouldn't happen)
	}, "Edge case values should not panic")
}
