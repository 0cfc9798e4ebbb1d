package scheduler

import (
	"sync"

	"github.com/crowdcompute/foreman/pkg/types"
)

// RoundRobin cycles through the eligible worker list, handing each
// successive pending task to the next worker in rotation. The cursor
// persists across Select() calls so the rotation continues fairly even
// when only a handful of tasks are pending at a time.
type RoundRobin struct {
	mu     sync.Mutex
	cursor int
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Select(pending []types.Task, eligible []types.Worker) []Assignment {
	if len(eligible) == 0 {
		return nil
	}
	ordered := sortBySubmission(pending)
	n := len(ordered)
	if n > len(eligible) {
		n = len(eligible)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Assignment, 0, n)
	for i := 0; i < n; i++ {
		w := eligible[r.cursor%len(eligible)]
		r.cursor++
		out = append(out, Assignment{JobID: ordered[i].JobID, TaskID: ordered[i].ID, WorkerID: w.ID})
	}
	return out
}

func (r *RoundRobin) OnFailure(types.WorkerID, types.TaskID, types.FailureCause) {}
