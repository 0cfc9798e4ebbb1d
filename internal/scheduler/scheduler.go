// Package scheduler implements the pluggable task-to-worker assignment
// strategies of spec.md §4.4: fifo, round_robin, least_loaded, performance,
// priority, and pso. A Scheduler is a narrow capability — select a batch
// of pairings, and learn about a failure — with no other hook into the
// rest of the system (spec.md §9: "polymorphic scheduler as narrow
// capability set select()/on_failure()").
//
// A Scheduler's output is advisory, never authoritative: the dispatcher
// re-verifies every pairing under the owning job's lock before it commits
// an assignment (spec.md §4.4, §5).
package scheduler

import (
	"fmt"
	"sort"

	"github.com/crowdcompute/foreman/pkg/types"
)

// Assignment is one proposed (task, worker) pairing.
type Assignment struct {
	JobID    types.JobID
	TaskID   types.TaskID
	WorkerID types.WorkerID
}

// Scheduler selects pairings between pending tasks and eligible workers.
// Implementations must be safe for concurrent use: Select runs off the
// message-handling path on the dispatcher's own goroutine, but OnFailure
// may be called from elsewhere.
type Scheduler interface {
	// Name identifies the strategy, matching the config values in
	// spec.md §6 (fifo, round_robin, least_loaded, performance,
	// priority, pso).
	Name() string
	// Select proposes assignments from a point-in-time snapshot of
	// pending tasks and eligible (idle or under-capacity) workers. It
	// must not mutate its arguments.
	Select(pending []types.Task, eligible []types.Worker) []Assignment
	// OnFailure notifies the scheduler that a previously assigned task
	// did not complete successfully, so stateful strategies (e.g.
	// performance) can adjust their view without waiting for the next
	// worker stats refresh.
	OnFailure(workerID types.WorkerID, taskID types.TaskID, cause types.FailureCause)
}

// New constructs the named strategy. Unknown names return an error, which
// the admin scheduler toggle reports to its caller.
func New(name string) (Scheduler, error) {
	switch name {
	case "fifo":
		return NewFIFO(), nil
	case "round_robin":
		return NewRoundRobin(), nil
	case "least_loaded":
		return NewLeastLoaded(), nil
	case "performance":
		return NewPerformance(), nil
	case "priority":
		return NewPriority(), nil
	case "pso":
		return NewPSO(), nil
	default:
		return nil, fmt.Errorf("scheduler: unknown strategy %q", name)
	}
}

// sortBySubmission orders tasks by (priority asc, index asc), matching
// the persistence layer's query_pending_tasks ordering (spec.md §4.2) so
// every strategy that falls back to plain order behaves consistently.
func sortBySubmission(tasks []types.Task) []types.Task {
	out := append([]types.Task(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Index < out[j].Index
	})
	return out
}
