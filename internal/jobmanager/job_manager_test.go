package jobmanager

import (
	"testing"

	"github.com/crowdcompute/foreman/pkg/types"
)

func newTestManager() *Manager {
	return New(nil, 3)
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err != want {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

func testArgs(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte{byte(i)}
	}
	return out
}

func TestSubmitJobRejectsArgsMismatch(t *testing.T) {
	m := newTestManager()
	job := &types.Job{ID: "job-1", TotalTasks: 3}
	err := m.SubmitJob(job, testArgs(2))
	assertError(t, err, ErrArgsCountMismatch)
}

func TestSubmitJobDuplicateRejected(t *testing.T) {
	m := newTestManager()
	job := &types.Job{ID: "job-1", TotalTasks: 1}
	assertNoError(t, m.SubmitJob(job, testArgs(1)))

	dup := &types.Job{ID: "job-1", TotalTasks: 1}
	err := m.SubmitJob(dup, testArgs(1))
	assertError(t, err, ErrDuplicateJob)
}

func TestZeroTaskJobImmediatelyCompleted(t *testing.T) {
	m := newTestManager()
	job := &types.Job{ID: "job-empty", TotalTasks: 0}
	assertNoError(t, m.SubmitJob(job, nil))

	got, err := m.GetJob("job-empty")
	assertNoError(t, err)
	if got.Status != types.JobCompleted {
		t.Errorf("expected job with 0 tasks to be immediately completed, got %s", got.Status)
	}
}

func TestTryAssignTransitionsOnce(t *testing.T) {
	m := newTestManager()
	job := &types.Job{ID: "job-2", TotalTasks: 1}
	assertNoError(t, m.SubmitJob(job, testArgs(1)))

	tasks, err := m.Tasks("job-2")
	assertNoError(t, err)
	taskID := tasks[0].ID

	_, err = m.TryAssign("job-2", taskID, "w1")
	assertNoError(t, err)

	// Re-verification under lock: a second assignment attempt must fail
	// since the task is no longer pending.
	_, err = m.TryAssign("job-2", taskID, "w2")
	assertError(t, err, ErrTaskNotPending)

	got, err := m.GetJob("job-2")
	assertNoError(t, err)
	if got.Status != types.JobRunning {
		t.Errorf("expected job to transition to running, got %s", got.Status)
	}
}

func TestCompleteTaskReportsJobDone(t *testing.T) {
	m := newTestManager()
	job := &types.Job{ID: "job-3", TotalTasks: 1}
	assertNoError(t, m.SubmitJob(job, testArgs(1)))
	tasks, _ := m.Tasks("job-3")
	taskID := tasks[0].ID
	_, err := m.TryAssign("job-3", taskID, "w1")
	assertNoError(t, err)

	_, done, err := m.CompleteTask("job-3", taskID, []byte("42"))
	assertNoError(t, err)
	if !done {
		t.Error("expected job to be done after its only task completed")
	}

	results, err := m.OrderedResults("job-3")
	assertNoError(t, err)
	if string(results[0]) != "42" {
		t.Errorf("expected ordered result \"42\", got %q", results[0])
	}
}

func TestFailTaskRetriesUntilMaxAttempts(t *testing.T) {
	m := New(nil, 2)
	job := &types.Job{ID: "job-4", TotalTasks: 1}
	assertNoError(t, m.SubmitJob(job, testArgs(1)))
	tasks, _ := m.Tasks("job-4")
	taskID := tasks[0].ID

	for i := 0; i < 1; i++ {
		_, err := m.TryAssign("job-4", taskID, "w1")
		assertNoError(t, err)
		_, done, terminal, err := m.FailTask("job-4", taskID, "boom")
		assertNoError(t, err)
		if done || terminal {
			t.Errorf("attempt %d: expected task to be requeued, not terminal", i)
		}
	}

	// second attempt hits max_attempts=2 and becomes permanently failed
	_, err := m.TryAssign("job-4", taskID, "w2")
	assertNoError(t, err)
	_, done, terminal, err := m.FailTask("job-4", taskID, "boom again")
	assertNoError(t, err)
	if !done || !terminal {
		t.Error("expected task to be permanently failed and job terminal at max_attempts")
	}

	anyFailed, err := m.AnyFailed("job-4")
	assertNoError(t, err)
	if !anyFailed {
		t.Error("expected job to report a failed task")
	}
}

func TestFuncCodeCacheEvictedOnFinish(t *testing.T) {
	m := newTestManager()
	job := &types.Job{ID: "job-5", TotalTasks: 1, FuncCode: []byte("code")}
	assertNoError(t, m.SubmitJob(job, testArgs(1)))

	if _, ok := m.FuncCode("job-5"); !ok {
		t.Fatal("expected func code to be cached after submit")
	}

	assertNoError(t, m.FinishJob("job-5", types.JobCompleted))

	if _, ok := m.FuncCode("job-5"); ok {
		t.Error("expected func code to be evicted once job reached terminal status")
	}
}

func TestGetJobNotFound(t *testing.T) {
	m := newTestManager()
	_, err := m.GetJob("missing")
	assertError(t, err, ErrJobNotFound)
}
