// Package dispatcher implements the task dispatch loop of spec.md §4.6: it
// fires on new-job, task-pending, and worker-idle events plus a periodic
// tick, asks the active scheduler for proposed pairings, and commits each
// one only after re-verifying it under the owning job's lock.
package dispatcher

import (
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/crowdcompute/foreman/internal/metrics"
	"github.com/crowdcompute/foreman/internal/protocol"
	"github.com/crowdcompute/foreman/internal/registry"
	"github.com/crowdcompute/foreman/internal/scheduler"
	"github.com/crowdcompute/foreman/internal/store"
	"github.com/crowdcompute/foreman/internal/worker"
	"github.com/crowdcompute/foreman/pkg/types"
)

var log = slog.Default()

// JobManager is the subset of *jobmanager.Manager the dispatcher needs.
// Expressed as an interface so tests can substitute a fake.
type JobManager interface {
	PendingSnapshot() []types.Task
	TryAssign(jobID types.JobID, taskID types.TaskID, w types.WorkerID) (*types.Task, error)
	RequeueTask(jobID types.JobID, taskID types.TaskID) error
	FuncCode(jobID types.JobID) ([]byte, bool)
}

// Dispatcher owns the active scheduler and the tick loop that drives
// assignment.
type Dispatcher struct {
	jobs    JobManager
	workers *worker.Registry
	conns   *registry.Registry
	store   *store.Store
	metrics *metrics.Collector

	mu   sync.RWMutex
	sched scheduler.Scheduler

	kick     chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	interval time.Duration
}

// New creates a dispatcher using the given initial scheduler and tick
// interval (spec.md §4.9 default: 250ms). collector may be nil.
func New(jobs JobManager, workers *worker.Registry, conns *registry.Registry, st *store.Store, sched scheduler.Scheduler, interval time.Duration, collector *metrics.Collector) *Dispatcher {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Dispatcher{
		jobs:     jobs,
		workers:  workers,
		conns:    conns,
		store:    st,
		metrics:  collector,
		sched:    sched,
		kick:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		interval: interval,
	}
}

// SetScheduler swaps the active strategy at runtime (spec.md §4.4: "
// replaceable ... at runtime via an admin toggle"). In-flight assignments
// are untouched; only future Select() calls use the new strategy.
func (d *Dispatcher) SetScheduler(s scheduler.Scheduler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	log.Info("scheduler swapped", "from", d.sched.Name(), "to", s.Name())
	d.sched = s
}

// SchedulerName reports the active strategy's name.
func (d *Dispatcher) SchedulerName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sched.Name()
}

// Kick requests an out-of-band dispatch pass, coalescing with any pass
// already pending. Called on new-job submission, task-pending transitions,
// and worker-idle transitions (spec.md §4.6).
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop until Stop is called.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				d.dispatchOnce()
			case <-d.kick:
				d.dispatchOnce()
			}
		}
	}()
}

// Stop halts the dispatch loop and waits for the current pass to finish.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) dispatchOnce() {
	pending := d.jobs.PendingSnapshot()
	if len(pending) == 0 {
		return
	}
	eligible := d.workers.EligibleSnapshot()
	if len(eligible) == 0 {
		return
	}

	d.mu.RLock()
	sched := d.sched
	d.mu.RUnlock()

	proposals := sched.Select(pending, eligible)
	for _, a := range proposals {
		d.commit(a)
	}
}

func (d *Dispatcher) commit(a scheduler.Assignment) {
	task, err := d.jobs.TryAssign(a.JobID, a.TaskID, a.WorkerID)
	if err != nil {
		// Another dispatch pass or the supervisor already moved this
		// task out of pending; this proposal is simply stale.
		return
	}

	if err := d.workers.Assign(a.WorkerID, a.TaskID); err != nil {
		log.Warn("worker rejected assignment, rolling back", "workerID", a.WorkerID, "taskID", a.TaskID, "err", err)
		d.rollback(a.JobID, a.TaskID)
		return
	}

	funcCode, _ := d.jobs.FuncCode(a.JobID)
	connID, err := d.conns.LookupWorker(a.WorkerID)
	if err != nil {
		log.Warn("assigned worker has no live connection, rolling back", "workerID", a.WorkerID, "taskID", a.TaskID)
		d.workers.Release(a.WorkerID, a.TaskID, false, 0)
		d.rollback(a.JobID, a.TaskID)
		return
	}

	payload := protocol.AssignTaskData{
		TaskID:   string(task.ID),
		FuncCode: hex.EncodeToString(funcCode),
		TaskArgs: hex.EncodeToString(task.ArgsBlob),
	}
	envelope, err := protocol.Build(protocol.TypeAssignTask, string(a.JobID), string(a.WorkerID), payload)
	if err != nil {
		log.Error("encode assign_task failed", "err", err)
		d.workers.Release(a.WorkerID, a.TaskID, false, 0)
		d.rollback(a.JobID, a.TaskID)
		return
	}

	if err := d.conns.Send(connID, envelope); err != nil {
		log.Warn("assign_task send failed, marking worker gone", "workerID", a.WorkerID, "err", err)
		d.conns.Close(connID) // fires onWorkerLost, which requeues this worker's tasks
		return
	}

	if d.metrics != nil {
		d.metrics.RecordTaskDispatched()
	}
	log.Info("task assigned", "jobID", a.JobID, "taskID", a.TaskID, "workerID", a.WorkerID)
}

func (d *Dispatcher) rollback(jobID types.JobID, taskID types.TaskID) {
	if err := d.jobs.RequeueTask(jobID, taskID); err != nil {
		log.Error("rollback requeue failed", "jobID", jobID, "taskID", taskID, "err", err)
	}
	d.Kick()
}
