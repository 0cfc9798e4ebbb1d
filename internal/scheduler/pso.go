package scheduler

import (
	"math"
	"math/rand"
	"runtime"
	"sync"

	"github.com/crowdcompute/foreman/pkg/types"
)

// PSO implements the particle-swarm scheduling strategy from spec.md §4.4:
// a bounded-iteration search over (task -> worker) assignment vectors,
// scored by a weighted combination of proxies for energy use, makespan,
// load variance, priority, and deadline pressure
// (weights 0.30/0.25/0.20/0.15/0.10 respectively). Below the
// 3-tasks/2-workers threshold it falls back to LeastLoaded, and the swarm
// evaluation itself runs on a small bounded goroutine pool so a large
// batch never blocks the dispatcher's message-handling path for long.
//
// The exact weights and convergence behavior are not required to
// reproduce any reference implementation bit-for-bit (spec.md Open
// Questions) — what matters is that the strategy is bounded, falls back
// correctly, and never mutates shared state outside its own Select call.
type PSO struct {
	iterations int
	swarmSize  int
	poolSize   int

	mu      sync.Mutex
	penalty map[types.WorkerID]float64
	rng     *rand.Rand

	fallback *LeastLoaded
}

func NewPSO() *PSO {
	pool := runtime.NumCPU()
	if pool < 2 {
		pool = 2
	}
	return &PSO{
		iterations: 30,
		swarmSize:  24,
		poolSize:   pool,
		penalty:    make(map[types.WorkerID]float64),
		rng:        rand.New(rand.NewSource(1)),
		fallback:   NewLeastLoaded(),
	}
}

func (p *PSO) Name() string { return "pso" }

func (p *PSO) OnFailure(workerID types.WorkerID, _ types.TaskID, _ types.FailureCause) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.penalty[workerID] += 0.1
}

func (p *PSO) Select(pending []types.Task, eligible []types.Worker) []Assignment {
	if len(pending) < 3 || len(eligible) < 2 {
		return p.fallback.Select(pending, eligible)
	}

	ordered := sortBySubmission(pending)
	nTasks := len(ordered)
	nWorkers := len(eligible)

	type particle struct {
		pos, vel, best []float64
		bestScore      float64
	}

	p.mu.Lock()
	rng := p.rng
	p.mu.Unlock()

	newPosition := func() []float64 {
		v := make([]float64, nTasks)
		for i := range v {
			v[i] = rng.Float64() * float64(nWorkers)
		}
		return v
	}

	swarm := make([]*particle, p.swarmSize)
	for i := range swarm {
		pos := newPosition()
		swarm[i] = &particle{pos: pos, vel: make([]float64, nTasks), best: append([]float64(nil), pos...)}
	}

	var globalBest []float64
	globalBestScore := math.Inf(-1)

	var scoreMu sync.Mutex
	evalPool := make(chan struct{}, p.poolSize)

	evaluate := func(pos []float64) float64 {
		assignment := decode(pos, nWorkers)
		return p.fitness(ordered, eligible, assignment)
	}

	for iter := 0; iter < p.iterations; iter++ {
		var wg sync.WaitGroup
		for _, particle := range swarm {
			particle := particle
			wg.Add(1)
			evalPool <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-evalPool }()
				score := evaluate(particle.pos)
				scoreMu.Lock()
				if score > particle.bestScore {
					particle.bestScore = score
					particle.best = append([]float64(nil), particle.pos...)
				}
				if score > globalBestScore {
					globalBestScore = score
					globalBest = append([]float64(nil), particle.pos...)
				}
				scoreMu.Unlock()
			}()
		}
		wg.Wait()

		if globalBest == nil {
			continue
		}
		const inertia, cognitive, social = 0.6, 1.4, 1.4
		for _, particle := range swarm {
			for i := range particle.pos {
				r1, r2 := rng.Float64(), rng.Float64()
				particle.vel[i] = inertia*particle.vel[i] +
					cognitive*r1*(particle.best[i]-particle.pos[i]) +
					social*r2*(globalBest[i]-particle.pos[i])
				particle.pos[i] += particle.vel[i]
				if particle.pos[i] < 0 {
					particle.pos[i] = 0
				}
				if particle.pos[i] >= float64(nWorkers) {
					particle.pos[i] = float64(nWorkers) - 0.0001
				}
			}
		}
	}

	if globalBest == nil {
		return p.fallback.Select(pending, eligible)
	}

	assignment := decode(globalBest, nWorkers)
	out := make([]Assignment, nTasks)
	for i, t := range ordered {
		out[i] = Assignment{JobID: t.JobID, TaskID: t.ID, WorkerID: eligible[assignment[i]].ID}
	}
	return out
}

func decode(pos []float64, nWorkers int) []int {
	out := make([]int, len(pos))
	for i, v := range pos {
		idx := int(math.Floor(v))
		if idx < 0 {
			idx = 0
		}
		if idx >= nWorkers {
			idx = nWorkers - 1
		}
		out[i] = idx
	}
	return out
}

// fitness scores one assignment vector; higher is better. The five terms
// correspond, in order, to energy, makespan, load variance, priority, and
// deadline pressure (spec.md §4.4 weights).
func (p *PSO) fitness(tasks []types.Task, workers []types.Worker, assignment []int) float64 {
	load := make([]int, len(workers))
	for _, w := range assignment {
		load[w]++
	}

	p.mu.Lock()
	penalty := make(map[types.WorkerID]float64, len(p.penalty))
	for k, v := range p.penalty {
		penalty[k] = v
	}
	p.mu.Unlock()

	var energy, makespan, priorityCost float64
	for i, w := range assignment {
		freq := workers[w].Specs.CPUFreqGHz
		if freq <= 0 {
			freq = 1
		}
		energy += 1.0 / freq
		priorityCost += float64(tasks[i].Priority) * (1.0 - workers[w].Specs.Reliability + penalty[workers[w].ID])
	}
	for w := range workers {
		est := float64(load[w]) * (workers[w].Stats.RecentAvgExecSec + 1)
		if est > makespan {
			makespan = est
		}
	}

	mean := float64(len(tasks)) / float64(len(workers))
	var variance float64
	for _, l := range load {
		d := float64(l) - mean
		variance += d * d
	}
	variance /= float64(len(workers))

	deadlineCost := priorityCost * 0.5

	cost := 0.30*energy + 0.25*makespan + 0.20*variance + 0.15*priorityCost + 0.10*deadlineCost
	return -cost
}
