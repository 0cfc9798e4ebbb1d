package scheduler

import (
	"sort"

	"github.com/crowdcompute/foreman/pkg/types"
)

// Priority orders pending tasks strictly by their priority field (lower
// value dispatched first, ties broken by submission index), then hands
// them out to eligible workers in the order given, one per worker.
type Priority struct{}

func NewPriority() *Priority { return &Priority{} }

func (p *Priority) Name() string { return "priority" }

func (p *Priority) Select(pending []types.Task, eligible []types.Worker) []Assignment {
	ordered := append([]types.Task(nil), pending...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].Index < ordered[j].Index
	})

	n := len(ordered)
	if len(eligible) < n {
		n = len(eligible)
	}
	out := make([]Assignment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Assignment{JobID: ordered[i].JobID, TaskID: ordered[i].ID, WorkerID: eligible[i].ID})
	}
	return out
}

func (p *Priority) OnFailure(types.WorkerID, types.TaskID, types.FailureCause) {}
