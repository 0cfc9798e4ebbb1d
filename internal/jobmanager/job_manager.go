// Package jobmanager implements the two-level job/task state machine from
// spec.md §3–§4.5: a unified map keyed by job id as the single source of
// truth, with per-job secondary indexes for O(1) status queries, guarded by
// one mutex per job so unrelated jobs never contend.
//
// Every mutating method also persists through the injected store in the
// same call, matching spec.md §4.2's one-transaction-per-mutation rule.
package jobmanager

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/crowdcompute/foreman/internal/store"
	"github.com/crowdcompute/foreman/pkg/types"
)

var log = slog.Default()

var (
	ErrDuplicateJob    = errors.New("jobmanager: job already exists")
	ErrJobNotFound     = errors.New("jobmanager: job not found")
	ErrTaskNotFound    = errors.New("jobmanager: task not found")
	ErrTaskNotPending  = errors.New("jobmanager: task not pending")
	ErrTaskNotAssigned = errors.New("jobmanager: task not assigned or running")
	ErrArgsCountMismatch = errors.New("jobmanager: total_tasks != len(args_list)")
)

// jobRecord is the per-job unit of state: the job header, its ordered
// tasks, and status-indexed sets for fast scheduling queries. One mutex
// per job means a slow job (many tasks) never blocks progress on another.
type jobRecord struct {
	mu    sync.Mutex
	job   *types.Job
	tasks []*types.Task // ordered by Index; the insertion order spec.md requires

	byID      map[types.TaskID]*types.Task
	pending   map[types.TaskID]struct{}
	assigned  map[types.TaskID]struct{}
	running   map[types.TaskID]struct{}
	completed map[types.TaskID]struct{}
	failed    map[types.TaskID]struct{}
}

func newJobRecord(job *types.Job, tasks []*types.Task) *jobRecord {
	jr := &jobRecord{
		job:       job,
		tasks:     tasks,
		byID:      make(map[types.TaskID]*types.Task, len(tasks)),
		pending:   make(map[types.TaskID]struct{}),
		assigned:  make(map[types.TaskID]struct{}),
		running:   make(map[types.TaskID]struct{}),
		completed: make(map[types.TaskID]struct{}),
		failed:    make(map[types.TaskID]struct{}),
	}
	for _, t := range tasks {
		jr.byID[t.ID] = t
		jr.indexOf(t.Status)[t.ID] = struct{}{}
	}
	return jr
}

func (jr *jobRecord) indexOf(status types.TaskStatus) map[types.TaskID]struct{} {
	switch status {
	case types.TaskPending:
		return jr.pending
	case types.TaskAssigned:
		return jr.assigned
	case types.TaskRunning:
		return jr.running
	case types.TaskCompleted:
		return jr.completed
	case types.TaskFailed:
		return jr.failed
	default:
		return nil
	}
}

func (jr *jobRecord) moveTask(t *types.Task, to types.TaskStatus) {
	if idx := jr.indexOf(t.Status); idx != nil {
		delete(idx, t.ID)
	}
	t.Status = to
	if idx := jr.indexOf(to); idx != nil {
		idx[t.ID] = struct{}{}
	}
}

func (jr *jobRecord) allTerminal() bool {
	return len(jr.pending)+len(jr.assigned)+len(jr.running) == 0
}

// Manager is the top-level job/task coordinator. Its own mutex only ever
// guards the `jobs` map's structure (insertion); the func-code cache has
// its own lock, and all task/job-content mutation happens under the
// relevant jobRecord's mutex.
type Manager struct {
	mu   sync.RWMutex
	jobs map[types.JobID]*jobRecord

	cache       *funcCache
	store       *store.Store
	maxAttempts int
}

// New creates a job manager backed by st, evicting cached function blobs
// once a job reaches a terminal status and marking a task failed once it
// has failed maxAttempts times (spec.md §3: attempts <= max_attempts,
// default 3).
func New(st *store.Store, maxAttempts int) *Manager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Manager{
		jobs:        make(map[types.JobID]*jobRecord),
		cache:       newFuncCache(),
		store:       st,
		maxAttempts: maxAttempts,
	}
}

// SubmitJob validates and persists a new job plus its tasks in one
// transaction-equivalent call, and seeds the function-blob cache.
// Zero-task jobs are accepted and immediately terminal (spec.md §8).
func (m *Manager) SubmitJob(job *types.Job, argsList [][]byte) error {
	if job.TotalTasks != len(argsList) {
		return ErrArgsCountMismatch
	}

	m.mu.Lock()
	if _, exists := m.jobs[job.ID]; exists {
		m.mu.Unlock()
		return ErrDuplicateJob
	}
	m.mu.Unlock()

	now := time.Now().UTC()
	job.SubmittedAt = now
	job.CreatedAt = now
	job.UpdatedAt = now
	if len(argsList) == 0 {
		job.Status = types.JobCompleted
	} else {
		job.Status = types.JobPending
	}

	tasks := make([]*types.Task, len(argsList))
	for i, args := range argsList {
		tasks[i] = &types.Task{
			JobID:     job.ID,
			Index:     i,
			ID:        types.TaskID(fmt.Sprintf("%s-%d", job.ID, i)),
			ArgsBlob:  args,
			Status:    types.TaskPending,
			Priority:  job.Priority,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if m.store != nil {
		if err := m.store.CreateJob(job); err != nil {
			return fmt.Errorf("submit job: %w", err)
		}
		if err := m.store.CreateTasks(tasks); err != nil {
			return fmt.Errorf("submit job: %w", err)
		}
	}

	m.mu.Lock()
	m.jobs[job.ID] = newJobRecord(job, tasks)
	m.mu.Unlock()

	if len(argsList) > 0 {
		m.cache.put(job.ID, job.FuncCode)
	}
	log.Info("job submitted", "jobID", job.ID, "totalTasks", job.TotalTasks)
	return nil
}

func (m *Manager) record(jobID types.JobID) (*jobRecord, error) {
	m.mu.RLock()
	jr, ok := m.jobs[jobID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}
	return jr, nil
}

// GetJob returns a copy of the job header.
func (m *Manager) GetJob(jobID types.JobID) (types.Job, error) {
	jr, err := m.record(jobID)
	if err != nil {
		return types.Job{}, err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return *jr.job, nil
}

// GetJobStatusCounts returns the per-task-status breakdown for get_job_status.
func (m *Manager) GetJobStatusCounts(jobID types.JobID) (types.JobStatusCounts, error) {
	jr, err := m.record(jobID)
	if err != nil {
		return types.JobStatusCounts{}, err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return types.JobStatusCounts{
		Pending:   len(jr.pending),
		Assigned:  len(jr.assigned),
		Running:   len(jr.running),
		Completed: len(jr.completed),
		Failed:    len(jr.failed),
	}, nil
}

// FuncCode returns the cached function blob for a job, if still cached.
func (m *Manager) FuncCode(jobID types.JobID) ([]byte, bool) {
	return m.cache.get(jobID)
}

// PendingSnapshot returns a point-in-time copy of every pending task across
// all jobs, for the scheduler to select from. Non-authoritative: the
// dispatcher re-verifies each pick under the job's lock before assigning.
func (m *Manager) PendingSnapshot() []types.Task {
	m.mu.RLock()
	jobIDs := make([]types.JobID, 0, len(m.jobs))
	for id := range m.jobs {
		jobIDs = append(jobIDs, id)
	}
	m.mu.RUnlock()

	var out []types.Task
	for _, id := range jobIDs {
		jr, err := m.record(id)
		if err != nil {
			continue
		}
		jr.mu.Lock()
		for taskID := range jr.pending {
			out = append(out, *jr.byID[taskID])
		}
		jr.mu.Unlock()
	}
	return out
}

// TryAssign transitions one task from pending to assigned, re-verifying
// under the job lock that it is still pending (spec.md §4.6). Returns
// ErrTaskNotPending if another assignment already won the race.
func (m *Manager) TryAssign(jobID types.JobID, taskID types.TaskID, worker types.WorkerID) (*types.Task, error) {
	jr, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()

	t, ok := jr.byID[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if t.Status != types.TaskPending {
		return nil, ErrTaskNotPending
	}

	now := time.Now().UTC()
	jr.moveTask(t, types.TaskAssigned)
	t.Assignee = worker
	t.AssignedAt = &now
	t.LastHeartbeat = &now
	t.UpdatedAt = now

	if jr.job.Status == types.JobPending {
		jr.job.Status = types.JobRunning
		jr.job.UpdatedAt = now
		if m.store != nil {
			if err := m.store.UpdateJob(jr.job); err != nil {
				log.Error("persist job running transition failed", "jobID", jobID, "err", err)
			}
		}
	}
	if m.store != nil {
		if err := m.store.UpdateTask(t); err != nil {
			log.Error("persist task assignment failed", "taskID", taskID, "err", err)
		}
	}

	tc := *t
	return &tc, nil
}

// MarkRunning transitions a task from assigned to running and refreshes its
// heartbeat. The message router's worker_ready and heartbeat handlers do not
// call it, so dispatched tasks stay assigned until they finish or are
// requeued.
func (m *Manager) MarkRunning(jobID types.JobID, taskID types.TaskID) error {
	jr, err := m.record(jobID)
	if err != nil {
		return err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()

	t, ok := jr.byID[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if t.Status != types.TaskAssigned && t.Status != types.TaskRunning {
		return ErrTaskNotAssigned
	}
	now := time.Now().UTC()
	jr.moveTask(t, types.TaskRunning)
	t.LastHeartbeat = &now
	t.UpdatedAt = now
	if m.store != nil {
		if err := m.store.UpdateTask(t); err != nil {
			log.Error("persist task running transition failed", "taskID", taskID, "err", err)
		}
	}
	return nil
}

// Heartbeat refreshes a task's last-heartbeat timestamp without changing
// its status.
func (m *Manager) Heartbeat(jobID types.JobID, taskID types.TaskID) error {
	jr, err := m.record(jobID)
	if err != nil {
		return err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()
	t, ok := jr.byID[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	now := time.Now().UTC()
	t.LastHeartbeat = &now
	t.UpdatedAt = now
	if m.store != nil {
		if err := m.store.UpdateTask(t); err != nil {
			log.Error("persist heartbeat failed", "taskID", taskID, "err", err)
		}
	}
	return nil
}

// CompleteTask marks a task completed with its result blob. Returns a copy
// of the finished task (so callers can read Assignee/AssignedAt for
// execution-time bookkeeping) and whether the owning job is now fully
// terminal (every task completed or failed).
func (m *Manager) CompleteTask(jobID types.JobID, taskID types.TaskID, result []byte) (task *types.Task, jobDone bool, err error) {
	jr, err := m.record(jobID)
	if err != nil {
		return nil, false, err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()

	t, ok := jr.byID[taskID]
	if !ok {
		return nil, false, ErrTaskNotFound
	}
	if t.Status == types.TaskCompleted {
		log.Info("ignoring replayed task_result for already-completed task", "jobID", jobID, "taskID", taskID)
		tc := *t
		return &tc, jr.allTerminal(), nil
	}
	now := time.Now().UTC()
	jr.moveTask(t, types.TaskCompleted)
	t.ResultBlob = result
	t.UpdatedAt = now
	if m.store != nil {
		if err := m.store.UpdateTask(t); err != nil {
			log.Error("persist task completion failed", "taskID", taskID, "err", err)
		}
	}
	tc := *t
	return &tc, jr.allTerminal(), nil
}

// FailTask records a task execution failure. If attempts remain, the task
// returns to pending for re-dispatch; otherwise it is marked failed
// (spec.md §3: attempts <= max_attempts). Returns a copy of the task as it
// stood before the attempt counter reset its assignee (so callers can
// still read which worker held it), plus whether the job is now fully
// terminal.
func (m *Manager) FailTask(jobID types.JobID, taskID types.TaskID, message string) (task *types.Task, jobDone bool, terminal bool, err error) {
	jr, err := m.record(jobID)
	if err != nil {
		return nil, false, false, err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()

	t, ok := jr.byID[taskID]
	if !ok {
		return nil, false, false, ErrTaskNotFound
	}
	prevAssignee := t.Assignee

	now := time.Now().UTC()
	t.Attempts++
	t.LastError = message
	t.Assignee = ""
	t.AssignedAt = nil
	t.UpdatedAt = now

	if t.Attempts >= m.maxAttempts {
		jr.moveTask(t, types.TaskFailed)
		terminal = true
	} else {
		jr.moveTask(t, types.TaskPending)
	}
	if m.store != nil {
		if err := m.store.UpdateTask(t); err != nil {
			log.Error("persist task failure failed", "taskID", taskID, "err", err)
		}
	}
	tc := *t
	tc.Assignee = prevAssignee
	return &tc, jr.allTerminal(), terminal, nil
}

// RequeueTask returns an assigned/running task to pending without
// recording a failed attempt against it (used when the dispatcher rolls
// back an assignment it could not deliver, and when a worker's connection
// is lost).
func (m *Manager) RequeueTask(jobID types.JobID, taskID types.TaskID) error {
	jr, err := m.record(jobID)
	if err != nil {
		return err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()
	t, ok := jr.byID[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	now := time.Now().UTC()
	jr.moveTask(t, types.TaskPending)
	t.Assignee = ""
	t.AssignedAt = nil
	t.UpdatedAt = now
	if m.store != nil {
		if err := m.store.UpdateTask(t); err != nil {
			log.Error("persist task requeue failed", "taskID", taskID, "err", err)
		}
	}
	return nil
}

// FinishJob transitions a job to a terminal status (completed/failed) and
// evicts its cached function blob, per spec.md §4.5.
func (m *Manager) FinishJob(jobID types.JobID, status types.JobStatus) error {
	jr, err := m.record(jobID)
	if err != nil {
		return err
	}
	jr.mu.Lock()
	jr.job.Status = status
	jr.job.UpdatedAt = time.Now().UTC()
	job := *jr.job
	jr.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpdateJob(&job); err != nil {
			log.Error("persist job completion failed", "jobID", jobID, "err", err)
		}
	}
	m.cache.evict(jobID)
	log.Info("job finished", "jobID", jobID, "status", status)
	return nil
}

// OrderedResults returns every task's result blob in submission order —
// the job_result vector spec.md §4.8 requires, independent of completion
// order.
func (m *Manager) OrderedResults(jobID types.JobID) ([][]byte, error) {
	jr, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()
	out := make([][]byte, len(jr.tasks))
	for i, t := range jr.tasks {
		out[i] = t.ResultBlob
	}
	return out, nil
}

// FailedTasks returns every task currently in the failed state, in index
// order, for job_error assembly.
func (m *Manager) FailedTasks(jobID types.JobID) ([]types.Task, error) {
	jr, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()
	var out []types.Task
	for _, t := range jr.tasks {
		if t.Status == types.TaskFailed {
			out = append(out, *t)
		}
	}
	return out, nil
}

// AllTerminal reports whether every task in a job has reached a terminal
// status (completed or failed).
func (m *Manager) AllTerminal(jobID types.JobID) (bool, error) {
	jr, err := m.record(jobID)
	if err != nil {
		return false, err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return jr.allTerminal(), nil
}

// AnyFailed reports whether a job has at least one permanently failed task.
func (m *Manager) AnyFailed(jobID types.JobID) (bool, error) {
	jr, err := m.record(jobID)
	if err != nil {
		return false, err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()
	return len(jr.failed) > 0, nil
}

// Tasks returns a copy of every task belonging to a job, in index order.
func (m *Manager) Tasks(jobID types.JobID) ([]types.Task, error) {
	jr, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()
	out := make([]types.Task, len(jr.tasks))
	for i, t := range jr.tasks {
		out[i] = *t
	}
	return out, nil
}

// TaskStaleSince returns the assigned/running tasks whose last heartbeat
// predates the cutoff, for the supervisor's stale-task sweep (§4.9).
func (m *Manager) TaskStaleSince(jobID types.JobID, cutoff time.Time) ([]types.Task, error) {
	jr, err := m.record(jobID)
	if err != nil {
		return nil, err
	}
	jr.mu.Lock()
	defer jr.mu.Unlock()
	var out []types.Task
	check := func(ids map[types.TaskID]struct{}) {
		for id := range ids {
			t := jr.byID[id]
			if t.LastHeartbeat != nil && t.LastHeartbeat.Before(cutoff) {
				out = append(out, *t)
			}
		}
	}
	check(jr.assigned)
	check(jr.running)
	return out, nil
}

// JobIDs returns every known job id.
func (m *Manager) JobIDs() []types.JobID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.JobID, 0, len(m.jobs))
	for id := range m.jobs {
		out = append(out, id)
	}
	return out
}

// TasksAssignedTo returns every task currently assigned or running on a
// given worker, across all jobs — used when a worker is declared gone.
func (m *Manager) TasksAssignedTo(worker types.WorkerID) []types.Task {
	var out []types.Task
	for _, jobID := range m.JobIDs() {
		jr, err := m.record(jobID)
		if err != nil {
			continue
		}
		jr.mu.Lock()
		for id := range jr.assigned {
			if t := jr.byID[id]; t.Assignee == worker {
				out = append(out, *t)
			}
		}
		for id := range jr.running {
			if t := jr.byID[id]; t.Assignee == worker {
				out = append(out, *t)
			}
		}
		jr.mu.Unlock()
	}
	return out
}
