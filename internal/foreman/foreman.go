// Package foreman wires every collaborator package into the running
// coordination engine spec.md describes: the job/task state machine, the
// worker and connection registries, the dispatch loop, the completion
// handler, the per-connection router, the supervisor sweep, metrics, and
// the admin HTTP surface. Grounded on the teacher's Controller
// (previously in this file): the same construction-then-Start/Stop
// lifecycle, the same stopped-guard-under-mutex shutdown idiom, generalized
// from the teacher's WAL/snapshot recovery controller to a TCP accept loop
// driving the protocol router.
package foreman

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/crowdcompute/foreman/internal/checkpoint"
	"github.com/crowdcompute/foreman/internal/completion"
	"github.com/crowdcompute/foreman/internal/config"
	"github.com/crowdcompute/foreman/internal/dispatcher"
	"github.com/crowdcompute/foreman/internal/httpapi"
	"github.com/crowdcompute/foreman/internal/jobmanager"
	"github.com/crowdcompute/foreman/internal/metrics"
	"github.com/crowdcompute/foreman/internal/registry"
	"github.com/crowdcompute/foreman/internal/router"
	"github.com/crowdcompute/foreman/internal/scheduler"
	"github.com/crowdcompute/foreman/internal/store"
	"github.com/crowdcompute/foreman/internal/supervisor"
	"github.com/crowdcompute/foreman/internal/worker"
	"github.com/crowdcompute/foreman/pkg/types"
)

var log = slog.Default()

// drainTimeout bounds how long Stop waits for in-flight connection handlers
// to finish on their own before they are force-closed (spec.md §5).
const drainTimeout = 5 * time.Second

// Foreman is the assembled coordination engine: one instance per process,
// owning every collaborator and the TCP/HTTP listeners that feed them.
type Foreman struct {
	cfg config.Config

	store       *store.Store
	jobs        *jobmanager.Manager
	workers     *worker.Registry
	conns       *registry.Registry
	checkpoints *checkpoint.Store
	disp        *dispatcher.Dispatcher
	completion  *completion.Handler
	router      *router.Router
	supervisor  *supervisor.Supervisor
	collector   *metrics.Collector
	admin       *http.Server

	listener net.Listener
	connWg   sync.WaitGroup

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
}

// New constructs every collaborator from cfg but starts nothing. Call
// Start to begin accepting connections.
func New(cfg config.Config) (*Foreman, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("foreman: open store: %w", err)
	}

	ckpt, err := checkpoint.NewStore(cfg.CheckpointDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("foreman: open checkpoint store: %w", err)
	}

	sched, err := scheduler.New(cfg.Scheduler)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("foreman: build scheduler: %w", err)
	}

	jobs := jobmanager.New(st, cfg.MaxAttempts)
	workers := worker.New(cfg.MaxConcurrentTasksPerWorker)
	conns := registry.New(nil, cfg.SendTimeout)

	collector := metrics.NewCollector()

	disp := dispatcher.New(jobs, workers, conns, st, sched, cfg.DispatchInterval, collector)
	ch := completion.New(jobs, conns, collector)
	rt := router.New(jobs, workers, conns, st, ckpt, disp, ch, collector)
	conns.SetOnWorkerLost(rt.OnWorkerLost)

	sup := supervisor.New(jobs, workers, conns, st, ch, disp,
		cfg.HeartbeatTimeout, cfg.TaskStaleAfter, cfg.SupervisorInterval)

	f := &Foreman{
		cfg:         cfg,
		store:       st,
		jobs:        jobs,
		workers:     workers,
		conns:       conns,
		checkpoints: ckpt,
		disp:        disp,
		completion:  ch,
		router:      rt,
		supervisor:  sup,
		collector:   collector,
		admin: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.AdminPort),
			Handler: httpapi.New(st, disp).Handler(),
		},
		stopCh: make(chan struct{}),
	}
	return f, nil
}

// Start opens the worker/client TCP listener, begins the dispatch loop,
// the supervisor sweep, the admin HTTP server, and the metrics refresh
// loop. It returns once the listener is open; the accept loop runs in its
// own goroutine.
func (f *Foreman) Start() error {
	addr := fmt.Sprintf("%s:%d", f.cfg.BindHost, f.cfg.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("foreman: listen %s: %w", addr, err)
	}
	f.listener = lis

	f.disp.Start()
	if err := f.supervisor.Start(); err != nil {
		lis.Close()
		return fmt.Errorf("foreman: start supervisor: %w", err)
	}

	go f.acceptLoop()
	go f.metricsLoop()
	go func() {
		if err := f.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin http server stopped", "err", err)
		}
	}()

	log.Info("foreman started", "bind", addr, "admin_port", f.cfg.AdminPort, "scheduler", f.disp.SchedulerName())
	return nil
}

// acceptLoop accepts connections until the listener is closed by Stop.
func (f *Foreman) acceptLoop() {
	for {
		nc, err := f.listener.Accept()
		if err != nil {
			select {
			case <-f.stopCh:
				return
			default:
				log.Error("accept failed", "err", err)
				return
			}
		}
		connID := f.conns.Accept(nc)
		f.connWg.Add(1)
		go func() {
			defer f.connWg.Done()
			f.router.Serve(connID, nc)
		}()
	}
}

// metricsLoop refreshes the worker/job/task backlog gauges on the same
// cadence as the supervisor sweep, since both read the same live state.
func (f *Foreman) metricsLoop() {
	ticker := time.NewTicker(f.cfg.SupervisorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.refreshMetrics()
		}
	}
}

func (f *Foreman) refreshMetrics() {
	registered := 0
	for _, w := range f.workers.AllSnapshot() {
		if w.Availability != types.WorkerGone {
			registered++
		}
	}
	f.collector.UpdateWorkerCount(registered)

	var pendingJobs, runningJobs, pendingTasks int
	for _, jobID := range f.jobs.JobIDs() {
		job, err := f.jobs.GetJob(jobID)
		if err != nil {
			continue
		}
		switch job.Status {
		case types.JobPending:
			pendingJobs++
		case types.JobRunning:
			runningJobs++
		}
	}
	pendingTasks = len(f.jobs.PendingSnapshot())
	f.collector.UpdateQueueStats(pendingJobs, runningJobs, pendingTasks)
}

// EnqueueJob submits a job through the job manager, for callers embedding
// a Foreman directly (tests, or a future in-process submission path)
// rather than going over the wire.
func (f *Foreman) EnqueueJob(job *types.Job, argsList [][]byte) error {
	return f.jobs.SubmitJob(job, argsList)
}

// Stop drains in-flight connections, force-closes whatever remains after
// drainTimeout, cancels every job still in flight, and tears down every
// collaborator. Safe to call once; a second call is a no-op.
func (f *Foreman) Stop() {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		log.Info("foreman already stopped")
		return
	}
	f.stopped = true
	f.mu.Unlock()

	log.Info("stopping foreman...")
	close(f.stopCh)

	if f.listener != nil {
		f.listener.Close()
	}
	f.supervisor.Stop()
	f.disp.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := f.admin.Shutdown(ctx); err != nil {
		log.Error("admin http server shutdown failed", "err", err)
	}

	if !waitWithTimeout(&f.connWg, drainTimeout) {
		log.Warn("connection drain timed out, force-closing remaining connections")
	}
	f.conns.CloseAll()

	f.cancelPendingJobs()

	if err := f.store.Close(); err != nil {
		log.Error("close store failed", "err", err)
	}
	log.Info("foreman stopped")
}

// cancelPendingJobs marks every job not already terminal as cancelled, so
// a client polling get_job_status after shutdown sees a final answer
// instead of a job stuck pending forever (spec.md §5).
func (f *Foreman) cancelPendingJobs() {
	for _, jobID := range f.jobs.JobIDs() {
		job, err := f.jobs.GetJob(jobID)
		if err != nil {
			continue
		}
		if job.Status == types.JobCompleted || job.Status == types.JobFailed || job.Status == types.JobCancelled {
			continue
		}
		if err := f.jobs.FinishJob(jobID, types.JobCancelled); err != nil {
			log.Error("cancel pending job at shutdown failed", "jobID", jobID, "err", err)
		}
	}
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
