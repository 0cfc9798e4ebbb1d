package store

import (
	"testing"
	"time"

	"github.com/crowdcompute/foreman/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	assertNoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func newTestJob(id string, total int) *types.Job {
	now := time.Now()
	return &types.Job{
		ID:          types.JobID(id),
		SubmittedAt: now,
		FuncCode:    []byte{0xde, 0xad},
		TotalTasks:  total,
		Status:      types.JobPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newTestTask(jobID string, index int) *types.Task {
	now := time.Now()
	return &types.Task{
		JobID:     types.JobID(jobID),
		Index:     index,
		ID:        types.TaskID(jobID + "-" + string(rune('0'+index))),
		ArgsBlob:  []byte{byte(index)},
		Status:    types.TaskPending,
		Attempts:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob("job-1", 2)
	assertNoError(t, s.CreateJob(j))

	got, err := s.GetJob(j.ID)
	assertNoError(t, err)
	if got.ID != j.ID || got.TotalTasks != j.TotalTasks || got.Status != j.Status {
		t.Fatalf("round-tripped job mismatch: got %+v, want %+v", got, j)
	}
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetJob("missing")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryPendingTasksOrdering(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob("job-2", 3)
	assertNoError(t, s.CreateJob(j))

	t0 := newTestTask("job-2", 0)
	t0.Priority = 5
	t1 := newTestTask("job-2", 1)
	t1.Priority = 1
	t2 := newTestTask("job-2", 2)
	t2.Priority = 1
	assertNoError(t, s.CreateTasks([]*types.Task{t0, t1, t2}))

	pending, err := s.QueryPendingTasks(10)
	assertNoError(t, err)
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending tasks, got %d", len(pending))
	}
	// priority asc, then insertion index asc: t1 (pri 1, idx 1), t2 (pri 1, idx 2), t0 (pri 5, idx 0)
	if pending[0].ID != t1.ID || pending[1].ID != t2.ID || pending[2].ID != t0.ID {
		t.Fatalf("unexpected ordering: %v, %v, %v", pending[0].ID, pending[1].ID, pending[2].ID)
	}
}

func TestUpdateTaskPersistsStatus(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob("job-3", 1)
	assertNoError(t, s.CreateJob(j))
	task := newTestTask("job-3", 0)
	assertNoError(t, s.CreateTasks([]*types.Task{task}))

	task.Status = types.TaskCompleted
	task.ResultBlob = []byte("42")
	task.UpdatedAt = time.Now()
	assertNoError(t, s.UpdateTask(task))

	tasks, err := s.QueryTasksByJob(j.ID)
	assertNoError(t, err)
	if len(tasks) != 1 || tasks[0].Status != types.TaskCompleted {
		t.Fatalf("expected completed task, got %+v", tasks)
	}
}

func TestJobStatsCountsByStatus(t *testing.T) {
	s := newTestStore(t)
	j := newTestJob("job-4", 2)
	assertNoError(t, s.CreateJob(j))
	a := newTestTask("job-4", 0)
	b := newTestTask("job-4", 1)
	b.Status = types.TaskCompleted
	assertNoError(t, s.CreateTasks([]*types.Task{a, b}))

	counts, err := s.JobStats(j.ID)
	assertNoError(t, err)
	if counts.Pending != 1 || counts.Completed != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
}

func TestRecordWorkerFailureAndList(t *testing.T) {
	s := newTestStore(t)
	f := &types.WorkerFailure{
		WorkerID:  "w1",
		TaskID:    "job-5-0",
		JobID:     "job-5",
		Timestamp: time.Now(),
		Cause:     types.CauseTimeout,
		Message:   "heartbeat lapsed",
	}
	assertNoError(t, s.RecordWorkerFailure(f))

	failures, err := s.ListFailures()
	assertNoError(t, err)
	if len(failures) != 1 || failures[0].Cause != types.CauseTimeout {
		t.Fatalf("unexpected failures: %+v", failures)
	}
}

func TestUpsertWorkerIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	w := &types.Worker{
		ID:            "w1",
		ConnID:        "c1",
		Availability:  types.WorkerIdle,
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	}
	assertNoError(t, s.UpsertWorker(w))
	w.Availability = types.WorkerBusy
	assertNoError(t, s.UpsertWorker(w))

	workers, err := s.ListWorkers()
	assertNoError(t, err)
	if len(workers) != 1 || workers[0].Availability != types.WorkerBusy {
		t.Fatalf("expected single updated worker row, got %+v", workers)
	}
}
