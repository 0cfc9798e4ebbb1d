package dispatcher

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/crowdcompute/foreman/internal/protocol"
	"github.com/crowdcompute/foreman/internal/registry"
	"github.com/crowdcompute/foreman/internal/scheduler"
	"github.com/crowdcompute/foreman/internal/worker"
	"github.com/crowdcompute/foreman/pkg/types"
)

// fakeJobManager is a minimal in-memory stand-in for *jobmanager.Manager,
// just enough to exercise the dispatcher's commit/rollback paths.
type fakeJobManager struct {
	mu      sync.Mutex
	pending []types.Task
	assigned map[types.TaskID]types.WorkerID
	funcCode []byte
}

func newFakeJobManager(tasks ...types.Task) *fakeJobManager {
	return &fakeJobManager{pending: tasks, assigned: make(map[types.TaskID]types.WorkerID), funcCode: []byte{0xab}}
}

func (f *fakeJobManager) PendingSnapshot() []types.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Task(nil), f.pending...)
}

func (f *fakeJobManager) TryAssign(jobID types.JobID, taskID types.TaskID, w types.WorkerID) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, t := range f.pending {
		if t.ID == taskID {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			f.assigned[taskID] = w
			tc := t
			return &tc, nil
		}
	}
	return nil, errTaskGone
}

func (f *fakeJobManager) RequeueTask(jobID types.JobID, taskID types.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.assigned, taskID)
	f.pending = append(f.pending, types.Task{ID: taskID, JobID: jobID})
	return nil
}

func (f *fakeJobManager) FuncCode(jobID types.JobID) ([]byte, bool) {
	return f.funcCode, true
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errTaskGone = fakeErr("task no longer pending")

func TestDispatchOnceAssignsToEligibleWorker(t *testing.T) {
	jm := newFakeJobManager(types.Task{JobID: "j1", ID: "j1-0", Index: 0})
	workers := worker.New(1)
	workers.Register("w1", "conn1", types.DeviceSpecs{})

	conns := registry.New(nil, 0)
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	connID := conns.Accept(server)
	conns.RegisterWorker("w1", connID)

	sched, _ := scheduler.New("fifo")
	d := New(jm, workers, conns, nil, sched, time.Hour, nil)

	done := make(chan struct{})
	go func() {
		var env protocol.Envelope
		decodeOne(client, &env)
		close(done)
	}()

	d.dispatchOnce()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an assign_task frame to be sent to the worker")
	}

	w, _ := workers.Get("w1")
	if w.ActiveTasks() != 1 {
		t.Fatalf("expected worker to hold 1 active task, got %d", w.ActiveTasks())
	}
}

func TestDispatchOnceNoEligibleWorkersIsNoop(t *testing.T) {
	jm := newFakeJobManager(types.Task{JobID: "j1", ID: "j1-0"})
	workers := worker.New(1)
	conns := registry.New(nil, 0)
	sched, _ := scheduler.New("fifo")
	d := New(jm, workers, conns, nil, sched, time.Hour, nil)

	d.dispatchOnce() // must not panic with zero eligible workers

	if len(jm.PendingSnapshot()) != 1 {
		t.Fatal("expected task to remain pending with no eligible workers")
	}
}

func TestSetSchedulerSwapsStrategy(t *testing.T) {
	jm := newFakeJobManager()
	workers := worker.New(1)
	conns := registry.New(nil, 0)
	fifo, _ := scheduler.New("fifo")
	d := New(jm, workers, conns, nil, fifo, time.Hour, nil)

	rr, _ := scheduler.New("round_robin")
	d.SetScheduler(rr)

	if d.SchedulerName() != "round_robin" {
		t.Fatalf("expected round_robin after swap, got %s", d.SchedulerName())
	}
}

func decodeOne(c net.Conn, v any) {
	json.NewDecoder(c).Decode(v)
}
