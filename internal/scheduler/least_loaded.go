package scheduler

import (
	"sort"

	"github.com/crowdcompute/foreman/pkg/types"
)

// LeastLoaded assigns each pending task to the eligible worker currently
// holding the fewest active tasks, ties broken by worker id for
// determinism.
type LeastLoaded struct{}

func NewLeastLoaded() *LeastLoaded { return &LeastLoaded{} }

func (l *LeastLoaded) Name() string { return "least_loaded" }

func (l *LeastLoaded) Select(pending []types.Task, eligible []types.Worker) []Assignment {
	workers := append([]types.Worker(nil), eligible...)
	ordered := sortBySubmission(pending)

	var out []Assignment
	for _, t := range ordered {
		if len(workers) == 0 {
			break
		}
		sort.SliceStable(workers, func(i, j int) bool {
			if workers[i].ActiveTasks() != workers[j].ActiveTasks() {
				return workers[i].ActiveTasks() < workers[j].ActiveTasks()
			}
			return workers[i].ID < workers[j].ID
		})
		best := workers[0]
		out = append(out, Assignment{JobID: t.JobID, TaskID: t.ID, WorkerID: best.ID})
		// Reflect the proposed assignment locally so the next task in
		// this batch doesn't pile onto the same worker.
		workers[0].CurrentTaskIDs = append(workers[0].CurrentTaskIDs, t.ID)
	}
	return out
}

func (l *LeastLoaded) OnFailure(types.WorkerID, types.TaskID, types.FailureCause) {}
