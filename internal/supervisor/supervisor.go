// Package supervisor implements the periodic sweep of spec.md §4.9:
// heartbeat timeouts, stale assigned/running tasks, and job deadlines. It
// runs on a gocron schedule, the same scheduling library the rest of the
// example pack reaches for (github.com/go-co-op/gocron).
package supervisor

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/crowdcompute/foreman/internal/protocol"
	"github.com/crowdcompute/foreman/internal/store"
	"github.com/crowdcompute/foreman/pkg/types"
)

var log = slog.Default()

// JobManager is the subset of *jobmanager.Manager the supervisor needs.
type JobManager interface {
	JobIDs() []types.JobID
	GetJob(jobID types.JobID) (types.Job, error)
	TaskStaleSince(jobID types.JobID, cutoff time.Time) ([]types.Task, error)
	TasksAssignedTo(worker types.WorkerID) []types.Task
	FailTask(jobID types.JobID, taskID types.TaskID, message string) (*types.Task, bool, bool, error)
	FinishJob(jobID types.JobID, status types.JobStatus) error
}

// WorkerRegistry is the subset of *worker.Registry the supervisor needs.
type WorkerRegistry interface {
	StaleSince(cutoff time.Time) []types.Worker
	MarkGone(id types.WorkerID) ([]types.TaskID, error)
}

// ConnRegistry is the subset of *registry.Registry the supervisor needs to
// probe a suspect worker and tear down its connection.
type ConnRegistry interface {
	LookupWorker(workerID types.WorkerID) (string, error)
	Send(connID string, v any) error
	Close(connID string)
}

// Completion is the subset of *completion.Handler the supervisor needs.
type Completion interface {
	CheckAndFinish(jobID types.JobID) error
}

// DispatchKicker is the subset of *dispatcher.Dispatcher the supervisor needs.
type DispatchKicker interface {
	Kick()
}

// Supervisor runs the §4.9 sweep every interval.
type Supervisor struct {
	jobs       JobManager
	workers    WorkerRegistry
	conns      ConnRegistry
	store      *store.Store
	completion Completion
	disp       DispatchKicker

	heartbeatTimeout time.Duration
	taskStaleAfter   time.Duration
	interval         time.Duration

	sched *gocron.Scheduler
}

// New creates a supervisor. Zero durations fall back to spec.md §4.9's
// defaults: heartbeatTimeout 60s, taskStaleAfter 5x that, interval 5s.
func New(jobs JobManager, workers WorkerRegistry, conns ConnRegistry, st *store.Store, completion Completion, disp DispatchKicker, heartbeatTimeout, taskStaleAfter, interval time.Duration) *Supervisor {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 60 * time.Second
	}
	if taskStaleAfter <= 0 {
		taskStaleAfter = 5 * heartbeatTimeout
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Supervisor{
		jobs:             jobs,
		workers:          workers,
		conns:            conns,
		store:            st,
		completion:       completion,
		disp:             disp,
		heartbeatTimeout: heartbeatTimeout,
		taskStaleAfter:   taskStaleAfter,
		interval:         interval,
		sched:            gocron.NewScheduler(time.UTC),
	}
}

// Start schedules the sweep and runs it asynchronously until Stop.
func (s *Supervisor) Start() error {
	if _, err := s.sched.Every(s.interval).Do(s.Sweep); err != nil {
		return fmt.Errorf("supervisor: schedule sweep: %w", err)
	}
	s.sched.StartAsync()
	return nil
}

// Stop halts the sweep schedule.
func (s *Supervisor) Stop() {
	s.sched.Stop()
}

// Sweep runs one full pass of all three checks. Exported so tests and a
// manual admin trigger can run it synchronously without waiting on gocron.
func (s *Supervisor) Sweep() {
	s.sweepHeartbeats()
	s.sweepStaleTasks()
	s.sweepDeadlines()
}

func (s *Supervisor) sweepHeartbeats() {
	cutoff := time.Now().UTC().Add(-s.heartbeatTimeout)
	for _, w := range s.workers.StaleSince(cutoff) {
		log.Warn("worker heartbeat timeout, marking gone", "workerID", w.ID, "lastHeartbeat", w.LastHeartbeat)
		s.failHeldTasks(w.ID, types.CauseTimeout, "worker heartbeat timeout")
		if _, err := s.workers.MarkGone(w.ID); err != nil {
			log.Error("mark worker gone after heartbeat timeout failed", "workerID", w.ID, "err", err)
		}
	}
}

func (s *Supervisor) sweepStaleTasks() {
	cutoff := time.Now().UTC().Add(-s.taskStaleAfter)
	for _, jobID := range s.jobs.JobIDs() {
		stale, err := s.jobs.TaskStaleSince(jobID, cutoff)
		if err != nil {
			continue
		}
		for _, t := range stale {
			assignee := t.Assignee
			if _, _, _, err := s.jobs.FailTask(jobID, t.ID, "stale task: no heartbeat"); err != nil {
				log.Error("fail stale task failed", "jobID", jobID, "taskID", t.ID, "err", err)
				continue
			}
			s.recordFailure(assignee, t.ID, jobID, types.CauseStuck, "stale task")
			if err := s.completion.CheckAndFinish(jobID); err != nil {
				log.Error("completion check after stale task failed", "jobID", jobID, "err", err)
			}
			s.probeWorker(assignee)
		}
	}
	s.disp.Kick()
}

func (s *Supervisor) sweepDeadlines() {
	now := time.Now().UTC()
	for _, jobID := range s.jobs.JobIDs() {
		job, err := s.jobs.GetJob(jobID)
		if err != nil || job.Deadline == nil || now.Before(*job.Deadline) {
			continue
		}
		if job.Status == types.JobCompleted || job.Status == types.JobFailed || job.Status == types.JobCancelled {
			continue
		}
		log.Warn("job deadline exceeded", "jobID", jobID, "deadline", job.Deadline)
		if err := s.jobs.FinishJob(jobID, types.JobFailed); err != nil {
			log.Error("finish job after deadline exceeded failed", "jobID", jobID, "err", err)
		}
		s.notifyDeadlineExceeded(job)
	}
}

// probeWorker sends a liveness ping to the worker that held a just-failed
// stale task. A failed send means the connection is already dead; mark the
// worker gone and fail whatever else it still holds.
func (s *Supervisor) probeWorker(workerID types.WorkerID) {
	if workerID == "" {
		return
	}
	connID, err := s.conns.LookupWorker(workerID)
	if err != nil {
		return
	}
	envelope, err := protocol.Build(protocol.TypePing, "", string(workerID), protocol.HeartbeatData{})
	if err != nil {
		return
	}
	if err := s.conns.Send(connID, envelope); err != nil {
		log.Warn("worker failed liveness probe, marking gone", "workerID", workerID, "err", err)
		s.failHeldTasks(workerID, types.CauseStuck, "worker failed liveness probe")
		if _, err := s.workers.MarkGone(workerID); err != nil {
			log.Error("mark worker gone after failed probe failed", "workerID", workerID, "err", err)
		}
		s.conns.Close(connID)
	}
}

// failHeldTasks permanently-or-retryably fails every task a worker still
// holds, per max_attempts (jobmanager.FailTask's own rule), and logs each
// as a worker_failures entry with the given cause.
func (s *Supervisor) failHeldTasks(workerID types.WorkerID, cause types.FailureCause, message string) {
	for _, t := range s.jobs.TasksAssignedTo(workerID) {
		if _, _, _, err := s.jobs.FailTask(t.JobID, t.ID, message); err != nil {
			log.Error("fail task after worker loss failed", "jobID", t.JobID, "taskID", t.ID, "err", err)
			continue
		}
		s.recordFailure(workerID, t.ID, t.JobID, cause, message)
		if err := s.completion.CheckAndFinish(t.JobID); err != nil {
			log.Error("completion check after worker loss failed", "jobID", t.JobID, "err", err)
		}
	}
	s.disp.Kick()
}

func (s *Supervisor) recordFailure(workerID types.WorkerID, taskID types.TaskID, jobID types.JobID, cause types.FailureCause, message string) {
	if s.store == nil {
		return
	}
	f := &types.WorkerFailure{
		WorkerID:  workerID,
		TaskID:    taskID,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Cause:     cause,
		Message:   message,
	}
	if err := s.store.RecordWorkerFailure(f); err != nil {
		log.Error("persist worker failure failed", "workerID", workerID, "err", err)
	}
}

func (s *Supervisor) notifyDeadlineExceeded(job types.Job) {
	if job.ClientConnID == "" {
		return
	}
	payload := protocol.JobErrorData{Kind: protocol.KindDeadlineExceeded}
	envelope, err := protocol.Build(protocol.TypeJobError, string(job.ID), "", payload)
	if err != nil {
		return
	}
	if err := s.conns.Send(job.ClientConnID, envelope); err != nil {
		log.Warn("notify client of deadline exceeded failed, closing connection", "jobID", job.ID, "err", err)
		s.conns.Close(job.ClientConnID)
	}
}
