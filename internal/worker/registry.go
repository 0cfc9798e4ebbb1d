// Package worker implements the worker domain registry: the in-memory
// hybrid map + status indexes tracking every registered worker's
// availability, device specs, and rolling execution statistics
// (spec.md §3, §4.4). It is distinct from internal/registry, which tracks
// raw TCP connections; this package tracks the scheduling-relevant state
// those connections represent.
//
// Design mirrors internal/jobmanager: one unified map as the source of
// truth, secondary index sets (idle/busy/gone) for O(1) scheduler queries,
// one mutex for the whole registry since worker-to-worker contention here
// is expected to be light relative to per-job task churn.
package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crowdcompute/foreman/pkg/types"
)

var log = slog.Default()

var (
	ErrUnknownWorker     = errors.New("worker: unknown worker")
	ErrWorkerAtCapacity  = errors.New("worker: at max_concurrent_tasks")
	ErrTaskNotAssignedToWorker = errors.New("worker: task not assigned to this worker")
)

// Registry tracks every known worker and its current availability.
type Registry struct {
	mu sync.RWMutex

	workers map[types.WorkerID]*types.Worker
	idle    map[types.WorkerID]struct{}
	busy    map[types.WorkerID]struct{}
	gone    map[types.WorkerID]struct{}

	maxConcurrentTasks int
}

// New creates a worker registry enforcing maxConcurrentTasks tasks per
// worker (spec.md §3 default: 1). When maxConcurrentTasks > 1 a worker may
// hold several tasks at once; spec.md leaves the overlap semantics open
// and this implementation permits it (documented as the Open Question
// resolution in DESIGN.md).
func New(maxConcurrentTasks int) *Registry {
	if maxConcurrentTasks <= 0 {
		maxConcurrentTasks = 1
	}
	return &Registry{
		workers:            make(map[types.WorkerID]*types.Worker),
		idle:               make(map[types.WorkerID]struct{}),
		busy:               make(map[types.WorkerID]struct{}),
		gone:               make(map[types.WorkerID]struct{}),
		maxConcurrentTasks: maxConcurrentTasks,
	}
}

func (r *Registry) indexOf(avail types.WorkerAvailability) map[types.WorkerID]struct{} {
	switch avail {
	case types.WorkerIdle:
		return r.idle
	case types.WorkerBusy:
		return r.busy
	case types.WorkerGone:
		return r.gone
	default:
		return nil
	}
}

func (r *Registry) moveWorker(w *types.Worker, to types.WorkerAvailability) {
	if idx := r.indexOf(w.Availability); idx != nil {
		delete(idx, w.ID)
	}
	w.Availability = to
	if idx := r.indexOf(to); idx != nil {
		idx[w.ID] = struct{}{}
	}
}

// Register adds or re-registers a worker as idle. Re-registration of an
// id that was marked gone revives it; re-registration of a still-live
// worker resets its connection binding (spec.md §4.3's duplicate_worker_id
// is handled at the registry/connection layer, not here).
func (r *Registry) Register(id types.WorkerID, connID string, specs types.DeviceSpecs) *types.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	w, exists := r.workers[id]
	if !exists {
		w = &types.Worker{
			ID:           id,
			Specs:        specs,
			RegisteredAt: now,
		}
		w.Specs.Reliability = 1.0
		r.workers[id] = w
	} else {
		w.Specs = specs
	}
	w.ConnID = connID
	w.LastHeartbeat = now
	r.moveWorker(w, types.WorkerIdle)
	log.Info("worker registered", "workerID", id, "platform", specs.Platform)
	return w
}

// Get returns a copy of a worker's current state.
func (r *Registry) Get(id types.WorkerID) (types.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return types.Worker{}, ErrUnknownWorker
	}
	return *w, nil
}

// IdleSnapshot returns every worker currently idle, a candidate pool for
// the scheduler.
func (r *Registry) IdleSnapshot() []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Worker, 0, len(r.idle))
	for id := range r.idle {
		out = append(out, *r.workers[id])
	}
	return out
}

// EligibleSnapshot returns every worker that is idle, or busy but still
// under max_concurrent_tasks — the pool schedulers choose from.
func (r *Registry) EligibleSnapshot() []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Worker, 0, len(r.idle)+len(r.busy))
	for id := range r.idle {
		out = append(out, *r.workers[id])
	}
	for id := range r.busy {
		w := r.workers[id]
		if w.ActiveTasks() < r.maxConcurrentTasks {
			out = append(out, *w)
		}
	}
	return out
}

// AllSnapshot returns every known worker, for the admin HTTP surface.
func (r *Registry) AllSnapshot() []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// Assign records that a task has been handed to a worker, moving it to
// busy if it has reached max_concurrent_tasks (or leaving it busy/idle
// otherwise, consistent with the overlap semantics maxConcurrentTasks>1
// allows).
func (r *Registry) Assign(id types.WorkerID, taskID types.TaskID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	if w.ActiveTasks() >= r.maxConcurrentTasks {
		return ErrWorkerAtCapacity
	}
	w.CurrentTaskIDs = append(w.CurrentTaskIDs, taskID)
	if w.ActiveTasks() >= r.maxConcurrentTasks {
		r.moveWorker(w, types.WorkerBusy)
	}
	return nil
}

// Release removes a task from a worker's active set, updates its rolling
// stats, and moves it back to idle once it holds fewer tasks than the
// configured max.
func (r *Registry) Release(id types.WorkerID, taskID types.TaskID, success bool, execTime time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	removed := false
	for i, t := range w.CurrentTaskIDs {
		if t == taskID {
			w.CurrentTaskIDs = append(w.CurrentTaskIDs[:i], w.CurrentTaskIDs[i+1:]...)
			removed = true
			break
		}
	}
	if !removed {
		return ErrTaskNotAssignedToWorker
	}

	if success {
		w.Stats.TasksCompleted++
		w.Stats.TotalExecTime += execTime
		n := w.Stats.TasksCompleted
		w.Stats.RecentAvgExecSec = w.Stats.RecentAvgExecSec*float64(n-1)/float64(n) + execTime.Seconds()/float64(n)
		w.Specs.Reliability = clamp01(w.Specs.Reliability + 0.05)
	} else {
		w.Stats.TasksFailed++
		w.Specs.Reliability = clamp01(w.Specs.Reliability - 0.15)
	}

	if w.Availability != types.WorkerGone && w.ActiveTasks() < r.maxConcurrentTasks {
		r.moveWorker(w, types.WorkerIdle)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Heartbeat refreshes a worker's last-seen timestamp.
func (r *Registry) Heartbeat(id types.WorkerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return ErrUnknownWorker
	}
	w.LastHeartbeat = time.Now().UTC()
	return nil
}

// MarkGone transitions a worker to gone and returns the task ids it held
// (spec.md §4.9). The router and supervisor requeue or fail those tasks
// through the job manager before calling it.
func (r *Registry) MarkGone(id types.WorkerID) ([]types.TaskID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, ErrUnknownWorker
	}
	held := append([]types.TaskID(nil), w.CurrentTaskIDs...)
	w.CurrentTaskIDs = nil
	r.moveWorker(w, types.WorkerGone)
	w.Specs.Reliability = clamp01(w.Specs.Reliability - 0.25)
	log.Info("worker marked gone", "workerID", id, "reassignedTasks", len(held))
	return held, nil
}

// StaleSince returns every worker whose last heartbeat predates cutoff and
// who isn't already gone — candidates for the supervisor's timeout sweep.
func (r *Registry) StaleSince(cutoff time.Time) []types.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Worker
	for _, w := range r.workers {
		if w.Availability != types.WorkerGone && w.LastHeartbeat.Before(cutoff) {
			out = append(out, *w)
		}
	}
	return out
}

// String renders a compact worker summary, used in log lines.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("workers{total=%d idle=%d busy=%d gone=%d}", len(r.workers), len(r.idle), len(r.busy), len(r.gone))
}
