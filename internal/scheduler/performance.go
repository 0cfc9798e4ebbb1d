package scheduler

import (
	"sort"
	"sync"

	"github.com/crowdcompute/foreman/pkg/types"
)

// Performance scores each eligible worker as
// reliability * 1/(1+avg_exec_time) (spec.md §4.4) and assigns pending
// tasks to the highest-scoring workers first. OnFailure nudges a worker's
// locally-tracked reliability down immediately, rather than waiting for
// the next registry snapshot to reflect it.
type Performance struct {
	mu      sync.Mutex
	penalty map[types.WorkerID]float64
}

func NewPerformance() *Performance {
	return &Performance{penalty: make(map[types.WorkerID]float64)}
}

func (p *Performance) Name() string { return "performance" }

func (p *Performance) score(w types.Worker) float64 {
	p.mu.Lock()
	pen := p.penalty[w.ID]
	p.mu.Unlock()
	base := w.Specs.Reliability * (1.0 / (1.0 + w.Stats.RecentAvgExecSec))
	return base - pen
}

func (p *Performance) Select(pending []types.Task, eligible []types.Worker) []Assignment {
	workers := append([]types.Worker(nil), eligible...)
	ordered := sortBySubmission(pending)

	var out []Assignment
	for _, t := range ordered {
		if len(workers) == 0 {
			break
		}
		sort.SliceStable(workers, func(i, j int) bool {
			si, sj := p.score(workers[i]), p.score(workers[j])
			if si != sj {
				return si > sj
			}
			return workers[i].ID < workers[j].ID
		})
		best := workers[0]
		out = append(out, Assignment{JobID: t.JobID, TaskID: t.ID, WorkerID: best.ID})
		workers = workers[1:] // one task per worker per batch; best is dropped for the rest of this batch
	}
	return out
}

func (p *Performance) OnFailure(workerID types.WorkerID, _ types.TaskID, _ types.FailureCause) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.penalty[workerID] += 0.1
}
