package scheduler

import "github.com/crowdcompute/foreman/pkg/types"

// FIFO assigns pending tasks to eligible workers strictly in submission
// order, one task per worker per Select() call. With a single worker this
// degenerates to serial FIFO processing (spec.md §8).
type FIFO struct{}

func NewFIFO() *FIFO { return &FIFO{} }

func (f *FIFO) Name() string { return "fifo" }

func (f *FIFO) Select(pending []types.Task, eligible []types.Worker) []Assignment {
	ordered := sortBySubmission(pending)
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

func (f *FIFO) OnFailure(types.WorkerID, types.TaskID, types.FailureCause) {}
