package worker

import (
	"testing"
	"time"

	"github.com/crowdcompute/foreman/pkg/types"
)

func TestRegisterStartsIdle(t *testing.T) {
	r := New(1)
	w := r.Register("w1", "conn1", types.DeviceSpecs{Cores: 4})
	if w.Availability != types.WorkerIdle {
		t.Fatalf("expected idle, got %s", w.Availability)
	}
}

func TestAssignMovesToBusyAtCapacity(t *testing.T) {
	r := New(1)
	r.Register("w1", "conn1", types.DeviceSpecs{})
	if err := r.Assign("w1", "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := r.Get("w1")
	if got.Availability != types.WorkerBusy {
		t.Fatalf("expected busy at capacity 1, got %s", got.Availability)
	}
}

func TestAssignOverCapacityFails(t *testing.T) {
	r := New(1)
	r.Register("w1", "conn1", types.DeviceSpecs{})
	if err := r.Assign("w1", "t1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Assign("w1", "t2"); err != ErrWorkerAtCapacity {
		t.Fatalf("expected ErrWorkerAtCapacity, got %v", err)
	}
}

func TestReleaseReturnsWorkerToIdle(t *testing.T) {
	r := New(1)
	r.Register("w1", "conn1", types.DeviceSpecs{})
	r.Assign("w1", "t1")
	if err := r.Release("w1", "t1", true, 100*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := r.Get("w1")
	if got.Availability != types.WorkerIdle {
		t.Fatalf("expected idle after release, got %s", got.Availability)
	}
	if got.Stats.TasksCompleted != 1 {
		t.Fatalf("expected 1 completed task, got %d", got.Stats.TasksCompleted)
	}
}

func TestMarkGoneReturnsHeldTasks(t *testing.T) {
	r := New(2)
	r.Register("w1", "conn1", types.DeviceSpecs{})
	r.Assign("w1", "t1")
	r.Assign("w1", "t2")

	held, err := r.MarkGone("w1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(held) != 2 {
		t.Fatalf("expected 2 held tasks, got %d", len(held))
	}
	got, _ := r.Get("w1")
	if got.Availability != types.WorkerGone {
		t.Fatalf("expected gone, got %s", got.Availability)
	}
}

func TestEligibleSnapshotExcludesFullWorkers(t *testing.T) {
	r := New(1)
	r.Register("w1", "conn1", types.DeviceSpecs{})
	r.Register("w2", "conn2", types.DeviceSpecs{})
	r.Assign("w1", "t1")

	eligible := r.EligibleSnapshot()
	if len(eligible) != 1 || eligible[0].ID != "w2" {
		t.Fatalf("expected only w2 eligible, got %+v", eligible)
	}
}

func TestStaleSinceExcludesGoneWorkers(t *testing.T) {
	r := New(1)
	w := r.Register("w1", "conn1", types.DeviceSpecs{})
	w.LastHeartbeat = time.Now().Add(-time.Hour)
	r.MarkGone("w1")

	stale := r.StaleSince(time.Now())
	if len(stale) != 0 {
		t.Fatalf("expected gone worker excluded from stale sweep, got %+v", stale)
	}
}
