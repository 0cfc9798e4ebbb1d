// Package types defines the core domain model shared across the foreman:
// jobs, their constituent tasks, connected workers, and the failure log.
// The failure log is written to the store and listed by the admin HTTP
// surface; no scheduler reads it.
//
// Timestamps are time.Time values in UTC throughout.
package types

import "time"

// JobID uniquely identifies a job, either client-supplied or minted by the
// coordinator when the submission omits one.
type JobID string

// TaskID uniquely identifies a task. Derived from (JobID, Index) but opaque
// to callers once minted.
type TaskID string

// WorkerID is a client-supplied string, unique per connection. Re-registering
// an already-known id closes the older connection (see the registry package).
type WorkerID string

// JobStatus is the aggregated status of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// TaskStatus is the status of an individual task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// WorkerAvailability is the scheduling state of a registered worker.
type WorkerAvailability string

const (
	WorkerIdle WorkerAvailability = "idle"
	WorkerBusy WorkerAvailability = "busy"
	WorkerGone WorkerAvailability = "gone"
)

// FailureCause classifies why a WorkerFailure entry was recorded.
type FailureCause string

const (
	CauseDisconnect FailureCause = "disconnect"
	CauseTaskError  FailureCause = "task_error"
	CauseTimeout    FailureCause = "timeout"
	CauseReject     FailureCause = "reject"
	CauseStuck      FailureCause = "stuck"
)

// Job is one client submission: a function blob plus an ordered list of
// argument tuples, one per task.
type Job struct {
	ID                 JobID      `json:"id"`
	SubmittedAt        time.Time  `json:"submitted_at"`
	ClientConnID       string     `json:"client_conn_id,omitempty"`
	FuncCode           []byte     `json:"-"` // opaque serialized user function, cached separately
	TotalTasks         int        `json:"total_tasks"`
	Status             JobStatus  `json:"status"`
	CheckpointInterval float64    `json:"checkpoint_interval,omitempty"` // seconds; 0 = disabled
	Priority           int        `json:"priority,omitempty"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Task is one unit of work: one element of a job's argument list, bound to
// a stable insertion index that drives result ordering.
type Task struct {
	JobID         JobID      `json:"job_id"`
	Index         int        `json:"index"`
	ID            TaskID     `json:"id"`
	ArgsBlob      []byte     `json:"-"` // opaque argument tuple, hex on the wire
	Status        TaskStatus `json:"status"`
	Assignee      WorkerID   `json:"assignee,omitempty"`
	Attempts      int        `json:"attempts"`
	Priority      int        `json:"priority,omitempty"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	ResultBlob    []byte     `json:"-"`
	LastError     string     `json:"last_error,omitempty"`
	CheckpointRef string     `json:"checkpoint_ref,omitempty"`
	CPUHint       float64    `json:"cpu_hint,omitempty"`
	MemHintGB     float64    `json:"mem_hint_gb,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// DeviceSpecs describes the hardware a worker reported at registration.
type DeviceSpecs struct {
	CPUFreqGHz  float64 `json:"cpu_freq_ghz"`
	Cores       int     `json:"cores"`
	MemoryGB    float64 `json:"memory_gb"`
	Battery     float64 `json:"battery"` // 0..1, 1 if mains-powered
	Signal      float64 `json:"signal"`  // 0..1
	Platform    string  `json:"platform"`
	DeviceType  string  `json:"device_type"`
	Reliability float64 `json:"reliability"` // 0..1, decays on failure, recovers on completion
}

// WorkerStats are rolling execution statistics used by the performance and
// PSO schedulers.
type WorkerStats struct {
	TasksCompleted   int           `json:"tasks_completed"`
	TasksFailed      int           `json:"tasks_failed"`
	TotalExecTime    time.Duration `json:"total_exec_time"`
	RecentAvgExecSec float64       `json:"recent_avg_exec_sec"`
}

// Worker is a registered worker process.
type Worker struct {
	ID             WorkerID           `json:"id"`
	ConnID         string             `json:"conn_id"`
	Availability   WorkerAvailability `json:"availability"`
	CurrentTaskIDs []TaskID           `json:"current_task_ids,omitempty"`
	Specs          DeviceSpecs        `json:"specs"`
	Stats          WorkerStats        `json:"stats"`
	LastHeartbeat  time.Time          `json:"last_heartbeat"`
	RegisteredAt   time.Time          `json:"registered_at"`
}

// ActiveTasks reports how many tasks this worker currently holds.
func (w *Worker) ActiveTasks() int { return len(w.CurrentTaskIDs) }

// WorkerFailure is an append-only log entry recording why a worker/task
// pairing did not complete successfully.
type WorkerFailure struct {
	ID        int64        `json:"id"`
	WorkerID  WorkerID     `json:"worker_id"`
	TaskID    TaskID       `json:"task_id"`
	JobID     JobID        `json:"job_id"`
	Timestamp time.Time    `json:"timestamp"`
	Cause     FailureCause `json:"cause"`
	Message   string       `json:"message"`
}

// JobStatusCounts is the per-task-status breakdown returned by job_stats.
type JobStatusCounts struct {
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
