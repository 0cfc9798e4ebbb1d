// Package store implements the relational persistence layer described in
// spec.md §4.2: one transactional call per mutation, an embedded SQL engine,
// and the jobs/tasks/workers/worker_failures schema from §6.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crowdcompute/foreman/pkg/types"
)

// ErrNotFound is returned by the single-row query helpers when no row
// matches.
var ErrNotFound = errors.New("store: not found")

// Store wraps a *sql.DB with the foreman's schema and CRUD operations.
// All exported methods are individually transactional, per spec.md §4.2.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the sqlite file at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer embedded file, per §5 pool note
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			submitted_at TEXT NOT NULL,
			client_conn_id TEXT,
			func_code BLOB,
			total_tasks INTEGER NOT NULL,
			status TEXT NOT NULL,
			checkpoint_interval REAL,
			priority INTEGER,
			deadline TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			task_index INTEGER NOT NULL,
			args_blob BLOB,
			status TEXT NOT NULL,
			assignee TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			priority INTEGER,
			assigned_at TEXT,
			last_heartbeat TEXT,
			result_blob BLOB,
			last_error TEXT,
			checkpoint_ref TEXT,
			cpu_hint REAL,
			mem_hint_gb REAL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES jobs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_pending ON tasks(status, priority, task_index)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			conn_id TEXT,
			availability TEXT NOT NULL,
			cpu_freq_ghz REAL,
			cores INTEGER,
			memory_gb REAL,
			battery REAL,
			signal REAL,
			platform TEXT,
			device_type TEXT,
			reliability REAL,
			tasks_completed INTEGER NOT NULL DEFAULT 0,
			tasks_failed INTEGER NOT NULL DEFAULT 0,
			total_exec_time_ns INTEGER NOT NULL DEFAULT 0,
			recent_avg_exec_sec REAL,
			last_heartbeat TEXT,
			registered_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worker_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			worker_id TEXT NOT NULL,
			task_id TEXT,
			job_id TEXT,
			timestamp TEXT NOT NULL,
			cause TEXT NOT NULL,
			message TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema stmt: %w", err)
		}
	}
	return nil
}

// timeLayout keeps all nine fractional digits so stored timestamps have a
// fixed width and ORDER BY on them sorts chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(j *types.Job) error {
	_, err := s.db.Exec(
		`INSERT INTO jobs(id, submitted_at, client_conn_id, func_code, total_tasks, status, checkpoint_interval, priority, deadline, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		string(j.ID), fmtTime(j.SubmittedAt), j.ClientConnID, j.FuncCode, j.TotalTasks, string(j.Status),
		j.CheckpointInterval, j.Priority, fmtTimePtr(j.Deadline), fmtTime(j.CreatedAt), fmtTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// CreateTasks batch-inserts a job's tasks in a single transaction.
func (s *Store) CreateTasks(tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("create tasks: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO tasks(id, job_id, task_index, args_blob, status, assignee, attempts, priority, assigned_at, last_heartbeat, result_blob, last_error, checkpoint_ref, cpu_hint, mem_hint_gb, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("create tasks: prepare: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		_, err := stmt.Exec(
			string(t.ID), string(t.JobID), t.Index, t.ArgsBlob, string(t.Status), string(t.Assignee), t.Attempts,
			t.Priority, fmtTimePtr(t.AssignedAt), fmtTimePtr(t.LastHeartbeat), t.ResultBlob, t.LastError,
			t.CheckpointRef, t.CPUHint, t.MemHintGB, fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("create tasks: insert %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create tasks: commit: %w", err)
	}
	return nil
}

// UpdateTask persists the full mutable state of one task row.
func (s *Store) UpdateTask(t *types.Task) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status=?, assignee=?, attempts=?, assigned_at=?, last_heartbeat=?, result_blob=?, last_error=?, checkpoint_ref=?, updated_at=?
		 WHERE id=?`,
		string(t.Status), string(t.Assignee), t.Attempts, fmtTimePtr(t.AssignedAt), fmtTimePtr(t.LastHeartbeat),
		t.ResultBlob, t.LastError, t.CheckpointRef, fmtTime(t.UpdatedAt), string(t.ID),
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateJob persists the mutable status fields of a job row.
func (s *Store) UpdateJob(j *types.Job) error {
	_, err := s.db.Exec(
		`UPDATE jobs SET status=?, updated_at=? WHERE id=?`,
		string(j.Status), fmtTime(j.UpdatedAt), string(j.ID),
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", j.ID, err)
	}
	return nil
}

// UpsertWorker inserts or replaces a worker's full row.
func (s *Store) UpsertWorker(w *types.Worker) error {
	_, err := s.db.Exec(
		`INSERT INTO workers(id, conn_id, availability, cpu_freq_ghz, cores, memory_gb, battery, signal, platform, device_type, reliability, tasks_completed, tasks_failed, total_exec_time_ns, recent_avg_exec_sec, last_heartbeat, registered_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			conn_id=excluded.conn_id, availability=excluded.availability, cpu_freq_ghz=excluded.cpu_freq_ghz,
			cores=excluded.cores, memory_gb=excluded.memory_gb, battery=excluded.battery, signal=excluded.signal,
			platform=excluded.platform, device_type=excluded.device_type, reliability=excluded.reliability,
			tasks_completed=excluded.tasks_completed, tasks_failed=excluded.tasks_failed,
			total_exec_time_ns=excluded.total_exec_time_ns, recent_avg_exec_sec=excluded.recent_avg_exec_sec,
			last_heartbeat=excluded.last_heartbeat`,
		string(w.ID), w.ConnID, string(w.Availability), w.Specs.CPUFreqGHz, w.Specs.Cores, w.Specs.MemoryGB,
		w.Specs.Battery, w.Specs.Signal, w.Specs.Platform, w.Specs.DeviceType, w.Specs.Reliability,
		w.Stats.TasksCompleted, w.Stats.TasksFailed, int64(w.Stats.TotalExecTime), w.Stats.RecentAvgExecSec,
		fmtTime(w.LastHeartbeat), fmtTime(w.RegisteredAt),
	)
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.ID, err)
	}
	return nil
}

// RecordWorkerFailure appends one entry to the worker_failures log.
func (s *Store) RecordWorkerFailure(f *types.WorkerFailure) error {
	_, err := s.db.Exec(
		`INSERT INTO worker_failures(worker_id, task_id, job_id, timestamp, cause, message) VALUES(?,?,?,?,?,?)`,
		string(f.WorkerID), string(f.TaskID), string(f.JobID), fmtTime(f.Timestamp), string(f.Cause), f.Message,
	)
	if err != nil {
		return fmt.Errorf("record worker failure: %w", err)
	}
	return nil
}

// GetJob fetches a single job by id.
func (s *Store) GetJob(id types.JobID) (*types.Job, error) {
	row := s.db.QueryRow(
		`SELECT id, submitted_at, client_conn_id, func_code, total_tasks, status, checkpoint_interval, priority, deadline, created_at, updated_at
		 FROM jobs WHERE id=?`, string(id))
	return scanJob(row)
}

func scanJob(row *sql.Row) (*types.Job, error) {
	var j types.Job
	var idStr, submittedAt, status, createdAt, updatedAt string
	var clientConnID sql.NullString
	var deadline sql.NullString
	var checkpointInterval sql.NullFloat64
	var priority sql.NullInt64
	err := row.Scan(&idStr, &submittedAt, &clientConnID, &j.FuncCode, &j.TotalTasks, &status,
		&checkpointInterval, &priority, &deadline, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.ID = types.JobID(idStr)
	j.ClientConnID = clientConnID.String
	j.Status = types.JobStatus(status)
	j.CheckpointInterval = checkpointInterval.Float64
	j.Priority = int(priority.Int64)
	if j.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return nil, fmt.Errorf("parse submitted_at: %w", err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if j.Deadline, err = parseTimePtr(deadline); err != nil {
		return nil, fmt.Errorf("parse deadline: %w", err)
	}
	return &j, nil
}

// QueryTasksByJob returns every task belonging to a job, ordered by index.
func (s *Store) QueryTasksByJob(jobID types.JobID) ([]*types.Task, error) {
	rows, err := s.db.Query(
		`SELECT id, job_id, task_index, args_blob, status, assignee, attempts, priority, assigned_at, last_heartbeat, result_blob, last_error, checkpoint_ref, cpu_hint, mem_hint_gb, created_at, updated_at
		 FROM tasks WHERE job_id=? ORDER BY task_index ASC`, string(jobID))
	if err != nil {
		return nil, fmt.Errorf("query tasks by job: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// QueryPendingTasks returns up to limit pending tasks ordered
// (priority asc, insertion-index asc), per spec.md §4.2.
func (s *Store) QueryPendingTasks(limit int) ([]*types.Task, error) {
	rows, err := s.db.Query(
		`SELECT id, job_id, task_index, args_blob, status, assignee, attempts, priority, assigned_at, last_heartbeat, result_blob, last_error, checkpoint_ref, cpu_hint, mem_hint_gb, created_at, updated_at
		 FROM tasks WHERE status=? ORDER BY priority ASC, task_index ASC LIMIT ?`,
		string(types.TaskPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*types.Task, error) {
	var out []*types.Task
	for rows.Next() {
		var t types.Task
		var idStr, jobID, status, createdAt, updatedAt string
		var assignee sql.NullString
		var assignedAt, lastHeartbeat sql.NullString
		var priority sql.NullInt64
		var cpuHint, memHint sql.NullFloat64
		var lastError, checkpointRef sql.NullString
		if err := rows.Scan(&idStr, &jobID, &t.Index, &t.ArgsBlob, &status, &assignee, &t.Attempts, &priority,
			&assignedAt, &lastHeartbeat, &t.ResultBlob, &lastError, &checkpointRef, &cpuHint, &memHint,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.ID = types.TaskID(idStr)
		t.JobID = types.JobID(jobID)
		t.Status = types.TaskStatus(status)
		t.Assignee = types.WorkerID(assignee.String)
		t.Priority = int(priority.Int64)
		t.LastError = lastError.String
		t.CheckpointRef = checkpointRef.String
		t.CPUHint = cpuHint.Float64
		t.MemHintGB = memHint.Float64
		var err error
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		if t.AssignedAt, err = parseTimePtr(assignedAt); err != nil {
			return nil, fmt.Errorf("parse assigned_at: %w", err)
		}
		if t.LastHeartbeat, err = parseTimePtr(lastHeartbeat); err != nil {
			return nil, fmt.Errorf("parse last_heartbeat: %w", err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// JobStats aggregates per-status task counts for one job (§4.2/§4.8).
func (s *Store) JobStats(jobID types.JobID) (types.JobStatusCounts, error) {
	var counts types.JobStatusCounts
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks WHERE job_id=? GROUP BY status`, string(jobID))
	if err != nil {
		return counts, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, fmt.Errorf("scan job stats: %w", err)
		}
		switch types.TaskStatus(status) {
		case types.TaskPending:
			counts.Pending = n
		case types.TaskAssigned:
			counts.Assigned = n
		case types.TaskRunning:
			counts.Running = n
		case types.TaskCompleted:
			counts.Completed = n
		case types.TaskFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// ListJobs returns every job, most-recently-submitted first.
func (s *Store) ListJobs() ([]*types.Job, error) {
	rows, err := s.db.Query(
		`SELECT id, submitted_at, client_conn_id, func_code, total_tasks, status, checkpoint_interval, priority, deadline, created_at, updated_at
		 FROM jobs ORDER BY submitted_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*types.Job
	for rows.Next() {
		var j types.Job
		var idStr, submittedAt, status, createdAt, updatedAt string
		var clientConnID, deadline sql.NullString
		var checkpointInterval sql.NullFloat64
		var priority sql.NullInt64
		if err := rows.Scan(&idStr, &submittedAt, &clientConnID, &j.FuncCode, &j.TotalTasks, &status,
			&checkpointInterval, &priority, &deadline, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.ID = types.JobID(idStr)
		j.ClientConnID = clientConnID.String
		j.Status = types.JobStatus(status)
		j.CheckpointInterval = checkpointInterval.Float64
		j.Priority = int(priority.Int64)
		var err error
		if j.SubmittedAt, err = parseTime(submittedAt); err != nil {
			return nil, fmt.Errorf("parse submitted_at: %w", err)
		}
		if j.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		if j.Deadline, err = parseTimePtr(deadline); err != nil {
			return nil, fmt.Errorf("parse deadline: %w", err)
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

// ListWorkers returns every known worker.
func (s *Store) ListWorkers() ([]*types.Worker, error) {
	rows, err := s.db.Query(
		`SELECT id, conn_id, availability, cpu_freq_ghz, cores, memory_gb, battery, signal, platform, device_type, reliability, tasks_completed, tasks_failed, total_exec_time_ns, recent_avg_exec_sec, last_heartbeat, registered_at
		 FROM workers ORDER BY registered_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []*types.Worker
	for rows.Next() {
		var w types.Worker
		var idStr string
		var connID sql.NullString
		var availability string
		var lastHeartbeat, registeredAt string
		var totalExecNS int64
		var recentAvg sql.NullFloat64
		if err := rows.Scan(&idStr, &connID, &availability, &w.Specs.CPUFreqGHz, &w.Specs.Cores, &w.Specs.MemoryGB,
			&w.Specs.Battery, &w.Specs.Signal, &w.Specs.Platform, &w.Specs.DeviceType, &w.Specs.Reliability,
			&w.Stats.TasksCompleted, &w.Stats.TasksFailed, &totalExecNS, &recentAvg, &lastHeartbeat, &registeredAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		w.ID = types.WorkerID(idStr)
		w.ConnID = connID.String
		w.Availability = types.WorkerAvailability(availability)
		w.Stats.TotalExecTime = time.Duration(totalExecNS)
		w.Stats.RecentAvgExecSec = recentAvg.Float64
		var err error
		if w.LastHeartbeat, err = parseTime(lastHeartbeat); err != nil {
			return nil, fmt.Errorf("parse last_heartbeat: %w", err)
		}
		if w.RegisteredAt, err = parseTime(registeredAt); err != nil {
			return nil, fmt.Errorf("parse registered_at: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// ListFailures returns the full worker_failures log, most recent first.
func (s *Store) ListFailures() ([]*types.WorkerFailure, error) {
	rows, err := s.db.Query(
		`SELECT id, worker_id, task_id, job_id, timestamp, cause, message FROM worker_failures ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()
	var out []*types.WorkerFailure
	for rows.Next() {
		var f types.WorkerFailure
		var workerID, taskID, jobID, ts, cause string
		var message sql.NullString
		if err := rows.Scan(&f.ID, &workerID, &taskID, &jobID, &ts, &cause, &message); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.WorkerID = types.WorkerID(workerID)
		f.TaskID = types.TaskID(taskID)
		f.JobID = types.JobID(jobID)
		f.Cause = types.FailureCause(cause)
		f.Message = message.String
		var err error
		if f.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}
